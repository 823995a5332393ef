package zicio

import (
	"github.com/behrlich/zicio/internal/firehose"
	"github.com/behrlich/zicio/internal/uring"
)

// NewFakeOptions returns Options wired entirely with in-memory test
// doubles (a synchronous fake transport, and a fake scheduler whose
// timers fire only when the test calls FireAll), the same role the teacher's MockBackend played for
// testing device callers without a real kernel ublk device.
func NewFakeOptions() *Options {
	return &Options{
		Transport: firehose.NewFakeTransport(),
		Scheduler: firehose.NewFakeScheduler(),
		Observer:  NoOpObserver{},
	}
}

// NewStubTransportOptions returns Options backed by the pure-Go
// io_uring stub transport, for tests that want real file reads without
// a kernel io_uring instance.
func NewStubTransportOptions() *Options {
	return &Options{
		Transport: uring.NewStubTransport(),
		Scheduler: firehose.NewOSScheduler(),
		Observer:  NoOpObserver{},
	}
}
