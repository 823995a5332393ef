// Package uring implements interfaces.BlockTransport (spec.md §1, §4.7)
// on top of github.com/pawelgaczynski/giouring. It reads file data with
// IORING_OP_READ/READV — never URING_CMD, which is a ublk-control-plane
// concept this package has no business touching now that it backs a
// bulk-ingest read path instead of a block-device driver.
package uring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/pawelgaczynski/giouring"

	"github.com/behrlich/zicio/internal/interfaces"
	"github.com/behrlich/zicio/internal/logging"
)

// ErrRingFull is returned when the submission queue has no free entries.
// FirehoseCtrl never issues more than one outstanding Submit per channel
// per tick, so in normal operation this should be rare; callers are
// expected to retry on the next scheduler tick.
var ErrRingFull = errors.New("uring: submission queue full")

// Config configures a Transport's underlying ring.
type Config struct {
	Entries uint32 // submission queue depth
}

// DefaultConfig returns a Transport config sized for one channel's worth
// of in-flight fetches.
func DefaultConfig() Config {
	return Config{Entries: 256}
}

type pendingOp struct {
	onComplete func(filledBytes uint32, err error)
}

// Transport is the production interfaces.BlockTransport. It multiplexes
// every channel's reads over a single shared ring and a background reaper
// goroutine, the same submit-then-reap split the teacher's Runner draws
// between its I/O loop and WaitForCompletion.
type Transport struct {
	ring *giouring.Ring

	mu           sync.Mutex
	files        map[uint32]*os.File
	pending      map[uint64]pendingOp
	nextUserData uint64
	closed       bool

	logger interfaces.Logger

	cancel   context.CancelFunc
	reaperWG sync.WaitGroup
}

// NewTransport creates a Transport backed by a real io_uring instance.
// logger may be nil.
func NewTransport(cfg Config, logger interfaces.Logger) (*Transport, error) {
	if logger == nil {
		logger = logging.Default()
	}
	ring, err := giouring.CreateRing(cfg.Entries)
	if err != nil {
		return nil, fmt.Errorf("uring: create ring: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		ring:    ring,
		files:   make(map[uint32]*os.File),
		pending: make(map[uint64]pendingOp),
		logger:  logger,
		cancel:  cancel,
	}
	t.reaperWG.Add(1)
	go t.reap(ctx)
	return t, nil
}

// RegisterFile associates fileID (spec.md §3's BlockRequest.FileID) with a
// path the transport opens and keeps open for the lifetime of the
// Transport. Every distinct FileID a BlockRequest can reference must be
// registered before Submit is called with it.
func (t *Transport) RegisterFile(fileID uint32, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("uring: open %q: %w", path, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.files[fileID]; ok {
		old.Close()
	}
	t.files[fileID] = f
	return nil
}

// Submit implements interfaces.BlockTransport. onComplete runs on the
// reaper goroutine; FirehoseCtrl's completion closures must not block.
func (t *Transport) Submit(ctx context.Context, req interfaces.BlockRequest, onComplete func(filledBytes uint32, err error)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("uring: transport closed")
	}
	f, ok := t.files[req.FileID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("uring: file id %d not registered", req.FileID)
	}

	sqe := t.ring.GetSQE()
	if sqe == nil {
		t.mu.Unlock()
		return ErrRingFull
	}

	userData := t.nextUserData
	t.nextUserData++
	sqe.PrepRead(int32(f.Fd()), req.Dest, uint64(req.ChunkOffset))
	sqe.UserData = userData
	t.pending[userData] = pendingOp{onComplete: onComplete}

	_, err := t.ring.Submit()
	if err != nil {
		delete(t.pending, userData)
		t.mu.Unlock()
		return fmt.Errorf("uring: submit: %w", err)
	}
	t.mu.Unlock()
	return nil
}

// reap drains completions off the ring and dispatches them to the
// onComplete closure recorded at Submit time. It exits once ctx is
// cancelled and the ring stops yielding completions, mirroring the
// teacher's ioLoop select-on-ctx.Done-else-process shape.
func (t *Transport) reap(ctx context.Context) {
	defer t.reaperWG.Done()
	for {
		cqe, err := t.ring.WaitCQE()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Printf("uring: wait cqe: %v", err)
			continue
		}

		t.mu.Lock()
		op, ok := t.pending[cqe.UserData]
		delete(t.pending, cqe.UserData)
		t.mu.Unlock()
		t.ring.CQESeen(cqe)

		if !ok {
			continue
		}
		if cqe.Res < 0 {
			op.onComplete(0, fmt.Errorf("uring: read failed: %w", syscall.Errno(-cqe.Res)))
			continue
		}
		op.onComplete(uint32(cqe.Res), nil)
	}
}

// Close implements interfaces.BlockTransport: it stops the reaper, tears
// down the ring, and closes every registered file.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	files := t.files
	t.files = nil
	t.mu.Unlock()

	t.cancel()
	t.ring.QueueExit()
	t.reaperWG.Wait()

	for _, f := range files {
		f.Close()
	}
	return nil
}
