package firehose

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/zicio/internal/interfaces"
)

// OSScheduler is the production interfaces.Scheduler: CPU-pinned
// goroutines via runtime.LockOSThread + unix.SchedSetaffinity, and
// time.AfterFunc-based timers, the same shape as the teacher's
// ioLoop's pinned, cancellable-context run loop.
type OSScheduler struct{}

// NewOSScheduler returns the production scheduler.
func NewOSScheduler() *OSScheduler { return &OSScheduler{} }

// PinAndSpawn runs fn on a goroutine whose OS thread is pinned to cpu via
// SchedSetaffinity, mirroring the teacher's per-queue pinned runner.
func (OSScheduler) PinAndSpawn(cpu int, fn func(ctx context.Context)) error {
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer cancel()

		var set unix.CPUSet
		set.Set(cpu)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			ready <- err
			return
		}
		ready <- nil
		fn(ctx)
	}()

	return <-ready
}

// TimerAfter arms a one-shot timer using time.AfterFunc.
func (OSScheduler) TimerAfter(d interfaces.Duration, fn func()) interfaces.CancelFunc {
	t := time.AfterFunc(time.Duration(d), fn)
	return func() { t.Stop() }
}

// RunSoftIRQ schedules fn to run asynchronously, the bottom-half
// equivalent of a deferred goroutine; there is no real per-CPU softirq
// queue in userspace, so this simply dispatches to a new goroutine, which
// the Go scheduler will place on whatever thread is free.
func (OSScheduler) RunSoftIRQ(cpu int, fn func()) {
	go fn()
}
