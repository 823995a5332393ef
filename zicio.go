// Package zicio implements a kernel-assisted, zero-copy bulk-ingest
// engine: many channels pull chunks of a shared file set through one
// page cache, each channel deciding per chunk whether it can ride the
// pool's shared monotonic head (on-track) or must fall back to a
// private fetch (derailed). CreateSharedPool/OpenChannel/CloseChannel
// are the entry points; everything else lives under internal/ and is
// driven through the narrow collaborator interfaces in
// internal/interfaces, the same split the teacher draws around its
// Backend interface and CreateAndServe/StopAndDelete lifecycle.
package zicio

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/behrlich/zicio/internal/channel"
	"github.com/behrlich/zicio/internal/firehose"
	"github.com/behrlich/zicio/internal/ghost"
	"github.com/behrlich/zicio/internal/interfaces"
	"github.com/behrlich/zicio/internal/logging"
	"github.com/behrlich/zicio/internal/pool"
	"github.com/behrlich/zicio/internal/switchboard"
	"github.com/behrlich/zicio/internal/uapi"
	"github.com/behrlich/zicio/internal/uring"
	"github.com/behrlich/zicio/internal/zicioerr"
)

// File names one input file and its size, in the order it is
// concatenated into the chunk-indexed stream (spec.md §3).
type File = pool.File

// fileRegistrar is satisfied by transports (the production io_uring
// Transport) that need a file descriptor opened against a FileID before
// Submit can reference it; test doubles that don't touch the filesystem
// simply don't implement it.
type fileRegistrar interface {
	RegisterFile(fileID uint32, path string) error
}

// PoolConfig tunes a shared pool's capacity and expiration policy
// (spec.md §4.1, §9). Zero fields take their package default.
type PoolConfig struct {
	ChunkBytes int64
	MaxSPCBs   int
	JiffyNs    int64
	TSCFreqHz  int64
}

// Options configures the collaborators CreateSharedPool and OpenChannel
// drive, grounded on the teacher's Options{Context,Logger,Observer}
// passed into CreateAndServe. A nil Transport gets a production
// io_uring Transport; a nil Scheduler gets the OS-pinning scheduler.
type Options struct {
	Context   context.Context
	Logger    *logging.Logger
	Observer  interfaces.Observer
	Transport interfaces.BlockTransport
	Scheduler interfaces.Scheduler
}

func (o *Options) withDefaults() (*Options, error) {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Context == nil {
		out.Context = context.Background()
	}
	if out.Logger == nil {
		out.Logger = logging.Default()
	}
	if out.Observer == nil {
		out.Observer = NoOpObserver{}
	}
	if out.Scheduler == nil {
		out.Scheduler = firehose.NewOSScheduler()
	}
	if out.Transport == nil {
		t, err := uring.NewTransport(uring.DefaultConfig(), out.Logger)
		if err != nil {
			return nil, zicioerr.Wrap("create_shared_pool", err)
		}
		out.Transport = t
	}
	return &out, nil
}

// Pool is a shared page cache over a fixed file set (spec.md §4.1
// SharedPool), handed out by CreateSharedPool and attached to by
// OpenChannel.
type Pool struct {
	core    *pool.Pool
	opts    *Options
	metrics *Metrics

	mu             sync.Mutex
	channels       map[int32]*Channel
	closedChannels map[int32]bool
	stats          uapi.PoolStats

	ownsTransport bool
}

// Channel is one consumer's attachment to a Pool (spec.md §3
// ChannelLocal): a FirehoseCtrl driving chunk fetches on a pinned
// goroutine, and the ghost-mapped VA window the consumer reads chunks
// out of.
type Channel struct {
	core   *channel.Channel
	pool   *Pool
	ctrl   *firehose.Ctrl
	mapper *ghost.MmapMapper

	cancel context.CancelFunc
	done   chan struct{}
}

// CreateSharedPool builds a pool over files, splitting them into fixed
// ChunkBytes-sized chunks (spec.md §3, §4.1 create). The returned Pool
// owns opts.Transport (closed by the last CloseChannel) unless the
// caller supplied its own.
func CreateSharedPool(files []File, cfg PoolConfig, opts *Options) (*Pool, error) {
	resolved, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	chunkBytes := cfg.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}
	fileSet := pool.NewFileSet(files, chunkBytes)

	if registrar, ok := resolved.Transport.(fileRegistrar); ok {
		for _, f := range files {
			if f.Path == "" {
				continue
			}
			if err := registrar.RegisterFile(f.ID, f.Path); err != nil {
				return nil, zicioerr.Wrap("create_shared_pool", err)
			}
		}
	}

	key := uuid.NewString()
	core := pool.Create(key, fileSet, pool.Config{
		MaxSPCBs:   cfg.MaxSPCBs,
		JiffyNs:    cfg.JiffyNs,
		TSCFreqHz:  cfg.TSCFreqHz,
		ChunkBytes: chunkBytes,
	})

	p := &Pool{
		core:           core,
		opts:           resolved,
		metrics:        NewMetrics(),
		channels:       make(map[int32]*Channel),
		closedChannels: make(map[int32]bool),
		stats:          uapi.PoolStats{PoolKey: key},
		ownsTransport:  opts == nil || opts.Transport == nil,
	}
	return p, nil
}

// Key returns the pool's opaque identity token (spec.md §6 create_pool).
func (p *Pool) Key() string { return p.core.Key }

// Metrics returns the pool's live counters.
func (p *Pool) Metrics() *Metrics { return p.metrics }

// MetricsSnapshot returns a point-in-time read of the pool's counters.
func (p *Pool) MetricsSnapshot() MetricsSnapshot { return p.metrics.Snapshot() }

// Stats returns the pool-level stat-board aggregate accumulated from
// every channel closed so far (spec.md §6 "per-pool aggregated on
// detach").
func (p *Pool) Stats() uapi.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// DebugSnapshot returns a point-in-time dump of the pool's shared-side
// counters (head, pin, free slots, EMAs), supplementing spec.md with the
// original zicio source's zicio_dump_shared_bitvector debug facility.
func (p *Pool) DebugSnapshot() pool.Snapshot { return p.core.DebugSnapshot() }

// OpenChannel attaches a new channel to the pool, pinned to cpu
// (spec.md §4.1 attach, §5 "four channels per hardware queue"). The
// channel immediately starts a background firehose loop driving chunk
// fetches until CloseChannel is called.
func (p *Pool) OpenChannel(cpu int) (*Channel, error) {
	mapper, err := ghost.NewMmapMapper(p.core.Config().ChunkBytes)
	if err != nil {
		return nil, zicioerr.Wrap("open_channel", err)
	}
	board := switchboard.New(mapper.BaseAddr())

	core, err := channel.Open(p.core, board, mapper, cpu)
	if err != nil {
		mapper.Close()
		return nil, zicioerr.Wrap("open_channel", err)
	}

	now := func() int64 { return monotonicNow() }
	observer := &fanoutObserver{observers: []interfaces.Observer{NewMetricsObserver(p.metrics), p.opts.Observer}}
	ctrl := firehose.New(core, p.opts.Transport, now, observer)
	ctrl.Logger = p.opts.Logger

	ch := &Channel{core: core, pool: p, ctrl: ctrl, mapper: mapper, done: make(chan struct{})}

	p.mu.Lock()
	p.channels[core.ID] = ch
	p.mu.Unlock()

	// A scheduler's own context (if any) is internal to its pinning
	// mechanism and not externally cancellable, so the loop's lifetime is
	// governed by this context instead, closed by CloseChannel.
	loopCtx, cancel := context.WithCancel(p.opts.Context)
	ch.cancel = cancel
	if err := p.opts.Scheduler.PinAndSpawn(cpu, func(context.Context) {
		defer close(ch.done)
		ch.runLoop(loopCtx)
	}); err != nil {
		p.mu.Lock()
		delete(p.channels, core.ID)
		p.mu.Unlock()
		cancel()
		mapper.Close()
		return nil, zicioerr.Wrap("open_channel", err)
	}

	return ch, nil
}

// runLoop drives DoWork until ctx is cancelled, arming a one-jiffy timer
// through the channel's Pool Options.Scheduler whenever DoWork reports
// no work is currently needed — the same select-on-ctx.Done-else-work
// shape the teacher's queue runner drives its I/O loop with.
func (ch *Channel) runLoop(ctx context.Context) {
	jiffy := ch.pool.core.Config().JiffyNs
	reason := firehose.ReasonNoIO
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		decision, err := ch.ctrl.DoWork(ctx, reason)
		if err != nil {
			ch.pool.opts.Logger.WithChannel(ch.core.ID).WithError(err).Error("do_work failed")
		}

		switch decision {
		case firehose.DecisionIOSubmitted:
			reason = firehose.ReasonNoIO
			continue
		case firehose.DecisionParkedNoLocalPage:
			reason = firehose.ReasonNoLocalPage
		default:
			reason = firehose.ReasonNoIO
		}

		woken := make(chan struct{})
		cancelTimer := ch.pool.opts.Scheduler.TimerAfter(jiffy, func() { close(woken) })
		select {
		case <-ctx.Done():
			cancelTimer()
			return
		case <-woken:
		}
	}
}

// ID returns the channel's pool-scoped identity.
func (ch *Channel) ID() int32 { return ch.core.ID }

// State returns the channel's current lifecycle state.
func (ch *Channel) State() channel.State { return ch.core.State() }

// DebugSnapshot returns a point-in-time dump of the channel's local
// counters and consume indicator, the per-channel counterpart to
// Pool.DebugSnapshot.
func (ch *Channel) DebugSnapshot() channel.Snapshot { return ch.core.DebugSnapshot() }

// CloseChannel stops the channel's firehose loop, drains its
// contributed SPCBs, tears down its ghost-mapped VA window, and folds
// its final counters into the pool's aggregate stat board (spec.md
// §4.6 "* -> Closed", §4.9 drain condition, §6 "per-pool aggregated on
// detach").
func (p *Pool) CloseChannel(ch *Channel) error {
	p.mu.Lock()
	_, attached := p.channels[ch.core.ID]
	p.mu.Unlock()
	if !attached {
		return zicioerr.NewChannel("close_channel", int(ch.core.ID), zicioerr.KindNotFound, "channel not attached to this pool")
	}

	ch.cancel()
	<-ch.done

	if err := ch.core.Close(monotonicNow()); err != nil {
		return zicioerr.Wrap("close_channel", err)
	}
	if err := ch.mapper.Close(); err != nil {
		return zicioerr.Wrap("close_channel", err)
	}

	ioOnTrack, ioDerailed, derailedIOBytes, forcefulUnmapped, derailEvents := ch.ctrl.Stats()

	p.mu.Lock()
	delete(p.channels, ch.core.ID)
	p.closedChannels[ch.core.ID] = true
	p.stats.Add(uapi.ChannelStats{
		ChannelID:              uint32(ch.core.ID),
		State:                  uint32(ch.core.State()),
		NrConsumedChunk:        ch.core.Board.NrConsumedChunk.Load(),
		IOOnTrack:              ioOnTrack,
		IODerailed:             ioDerailed,
		ForcefullyUnmapped:     forcefulUnmapped,
		NumMappedChunkDerailed: derailEvents,
		DerailedIOBytes:        derailedIOBytes,
		NumSharedPages:         ch.core.NumSharedPages(),
		NumUsingPages:          ch.core.NumUsingPages(),
	})
	p.mu.Unlock()

	return nil
}

// Close tears down the pool's owned transport, if any. Callers that
// supplied their own Options.Transport are responsible for closing it.
func (p *Pool) Close() error {
	if p.ownsTransport {
		return p.opts.Transport.Close()
	}
	return nil
}

// Destroy implements spec.md §6's destroy_pool(pool_key): it refuses while
// any channel is still attached, tears down the pool's SPCB array/hash/
// head state, and closes the pool's owned transport. This library keeps
// no global pool_key registry the way the host-process ABI's
// "pool_key == 0 for all" variant implies — each CreateSharedPool call
// returns an independent handle, so "destroy every pool" is simply the
// caller looping Destroy over every handle it holds (see DESIGN.md).
func (p *Pool) Destroy() error {
	p.mu.Lock()
	attached := len(p.channels)
	p.mu.Unlock()
	if attached > 0 {
		return zicioerr.New("destroy_pool", zicioerr.KindInvalidParameters, "cannot destroy pool with attached channels")
	}

	if err := p.core.Destroy(); err != nil {
		return zicioerr.Wrap("destroy_pool", err)
	}
	return p.Close()
}

// WaitPageReclaim implements spec.md §6's wait_page_reclaim(channel_id):
// it blocks until channelID's contribute array has fully drained back to
// the pool (NumSharedPages reaches zero) or ctx is cancelled. Unlike
// CloseChannel, it does not tear anything down — callers use it to block
// for reclaim progress on a channel that remains open. Waiting on a
// channel that has already been closed succeeds immediately without
// checking its NumSharedPages, which can still be non-zero (Close stops
// reclaiming at the first pass that makes no progress); this avoids
// racing CloseChannel's removal of the channel from the pool's
// attached-channel table.
func (p *Pool) WaitPageReclaim(ctx context.Context, channelID int32) error {
	p.mu.Lock()
	ch, attached := p.channels[channelID]
	alreadyClosed := p.closedChannels[channelID]
	p.mu.Unlock()

	if !attached {
		if alreadyClosed {
			return nil
		}
		return zicioerr.NewChannel("wait_page_reclaim", int(channelID), zicioerr.KindNotFound, "channel not attached to this pool")
	}

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if ch.core.NumSharedPages() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return zicioerr.Wrap("wait_page_reclaim", ctx.Err())
		case <-ticker.C:
		}
	}
}

// monotonicNow supplies spec.md's "now" for expiration-deadline and
// reclaim-candidate math in terms of wall-clock nanoseconds.
func monotonicNow() int64 { return time.Now().UnixNano() }
