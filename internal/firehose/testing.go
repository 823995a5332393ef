package firehose

import (
	"context"
	"sync"

	"github.com/behrlich/zicio/internal/interfaces"
)

// FakeScheduler is a deterministic interfaces.Scheduler test double: no
// real CPU pinning, and timers require an explicit Fire call instead of
// wall-clock expiry — built for the reclaimer/premapper clock-handshake
// tests spec.md §9 calls for, where a test needs to interleave a premap
// and a reclaim on the same SPCB under full control.
type FakeScheduler struct {
	mu     sync.Mutex
	timers []fakeTimer
}

type fakeTimer struct {
	fn        func()
	cancelled bool
}

// NewFakeScheduler returns an empty fake scheduler.
func NewFakeScheduler() *FakeScheduler { return &FakeScheduler{} }

// PinAndSpawn runs fn on a plain goroutine with no real CPU pinning —
// tests drive determinism through FireAll/FireOne rather than through
// thread affinity. fn receives a background context; callers that need
// to stop it do so through whatever cancellation fn itself observes.
func (s *FakeScheduler) PinAndSpawn(cpu int, fn func(ctx context.Context)) error {
	go fn(context.Background())
	return nil
}

// TimerAfter records fn without scheduling real wall-clock delay; call
// FireAll (or FireOne) from the test to invoke pending callbacks.
func (s *FakeScheduler) TimerAfter(d interfaces.Duration, fn func()) interfaces.CancelFunc {
	s.mu.Lock()
	idx := len(s.timers)
	s.timers = append(s.timers, fakeTimer{fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timers[idx].cancelled = true
	}
}

// RunSoftIRQ runs fn synchronously, inline.
func (s *FakeScheduler) RunSoftIRQ(cpu int, fn func()) { fn() }

// FireAll invokes every pending, non-cancelled timer once and clears the
// queue.
func (s *FakeScheduler) FireAll() {
	s.mu.Lock()
	pending := s.timers
	s.timers = nil
	s.mu.Unlock()

	for _, t := range pending {
		if !t.cancelled {
			t.fn()
		}
	}
}

// PendingTimers returns the number of timers armed and not yet fired or
// cancelled.
func (s *FakeScheduler) PendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// FakeTransport is a deterministic interfaces.BlockTransport test double:
// Submit completes inline with either a fixed fill size or a queued
// response, letting tests control partial fills and transport errors.
type FakeTransport struct {
	mu          sync.Mutex
	responses   []fakeResponse
	Closed      bool
	submitCount int
}

type fakeResponse struct {
	filledBytes uint32
	err         error
}

// NewFakeTransport returns a transport that, absent queued responses,
// completes every Submit with the full requested ChunkSize.
func NewFakeTransport() *FakeTransport { return &FakeTransport{} }

// QueueResponse arranges for the next Submit call to complete with the
// given filled byte count / error instead of the default full fill.
func (t *FakeTransport) QueueResponse(filledBytes uint32, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, fakeResponse{filledBytes: filledBytes, err: err})
}

// SubmitCount returns the number of Submit calls made so far, for tests
// asserting that a premap-from-pool hit served a chunk without issuing new
// I/O (spec.md §4.8).
func (t *FakeTransport) SubmitCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitCount
}

// Submit implements interfaces.BlockTransport.
func (t *FakeTransport) Submit(ctx context.Context, req interfaces.BlockRequest, onComplete func(uint32, error)) error {
	t.mu.Lock()
	t.submitCount++
	var resp fakeResponse
	if len(t.responses) > 0 {
		resp = t.responses[0]
		t.responses = t.responses[1:]
	} else {
		resp = fakeResponse{filledBytes: req.ChunkSize}
	}
	t.mu.Unlock()

	onComplete(resp.filledBytes, resp.err)
	return nil
}

// Close implements interfaces.BlockTransport.
func (t *FakeTransport) Close() error {
	t.Closed = true
	return nil
}
