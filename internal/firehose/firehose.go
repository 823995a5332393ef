// Package firehose implements FirehoseCtrl (spec.md §4.7, §4.8): the
// per-channel controller that decides whether more I/O is needed, premaps
// chunks already resident in the shared pool, and routes completions to
// either the shared-pool contribute path or the derailed-private path.
package firehose

import (
	"context"
	"sync/atomic"

	"github.com/behrlich/zicio/internal/bitvector"
	"github.com/behrlich/zicio/internal/channel"
	"github.com/behrlich/zicio/internal/ghost"
	"github.com/behrlich/zicio/internal/interfaces"
	"github.com/behrlich/zicio/internal/spcb"
	"github.com/behrlich/zicio/internal/zicioerr"
)

// Reason names why do_work was invoked (spec.md §4.7).
type Reason int

const (
	ReasonNoLocalPage Reason = iota
	ReasonNoIO
)

// Decision is do_work's outcome, used by the scheduler to decide whether
// to arm a reactivation timer.
type Decision int

const (
	DecisionIONotNeeded Decision = iota
	DecisionIOSubmitted
	DecisionParkedNoLocalPage
)

// maxPremapBatch bounds the prepared-list size per premap-from-pool scan
// (spec.md §4.8: "at most 64 entries").
const maxPremapBatch = 64

// Clock abstracts "now" so tests can drive deterministic time instead of
// wall-clock monotonic nanoseconds.
type Clock func() int64

// Ctrl is one channel's FirehoseCtrl.
type Ctrl struct {
	Channel   *channel.Channel
	Transport interfaces.BlockTransport
	Now       Clock
	Observer  interfaces.Observer
	// Logger is optional; a nil Logger silently drops diagnostics the same
	// way a nil Observer silently drops metrics.
	Logger interfaces.Logger

	// Per-channel counters mirrored into uapi.ChannelStats at close time
	// (spec.md §6, §8), kept independently of Observer so a nil Observer
	// doesn't also blind the stat board.
	ioOnTrack        atomic.Uint64
	ioDerailed       atomic.Uint64
	derailedIOBytes  atomic.Uint64
	forcefulUnmapped atomic.Uint64
	derailEvents     atomic.Uint64
}

// New returns a controller for ch. An observer of nil disables external
// metrics reporting; the stat-board counters below are tracked either way.
func New(ch *channel.Channel, transport interfaces.BlockTransport, now Clock, observer interfaces.Observer) *Ctrl {
	return &Ctrl{Channel: ch, Transport: transport, Now: now, Observer: observer}
}

func (c *Ctrl) observe(fn func(interfaces.Observer)) {
	if c.Observer != nil {
		fn(c.Observer)
	}
}

func (c *Ctrl) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// Stats snapshots the controller's stat-board counters (spec.md §6
// ChannelStats fields IOOnTrack/IODerailed/ForcefullyUnmapped/
// DerailedIOBytes). SoftirqCount and NrConsumedChunk aren't tracked here:
// the former has no softirq-bottom-half work in this port, the latter is
// written by the consuming application directly via the switchboard ABI
// (Channel.Board.NrConsumedChunk), not by the core.
func (c *Ctrl) Stats() (ioOnTrack, ioDerailed, derailedIOBytes, forcefulUnmapped, derailEvents uint64) {
	return c.ioOnTrack.Load(), c.ioDerailed.Load(), c.derailedIOBytes.Load(), c.forcefulUnmapped.Load(), c.derailEvents.Load()
}

// DoWork runs the 6-step algorithm of spec.md §4.7.
func (c *Ctrl) DoWork(ctx context.Context, reason Reason) (Decision, error) {
	now := c.Now()
	ch := c.Channel

	// Step 1: forceful unmap / premap / reclaim sweep.
	for _, chunkID := range ch.Ghost.ForcefulUnmapScan(int(ch.Board.UserBufferIdx.Load()), now) {
		ch.NoteForcefulUnmap(chunkID, ch.Pool.Head())
		c.forcefulUnmapped.Add(1)
		c.observe(func(o interfaces.Observer) { o.ObserveForcefulUnmap(int(ch.ID), chunkID) })
	}
	// spec.md §4.6's second OnTrack->Derailed trigger ("the forceful-unmap
	// watermark advances past the channel's premap low watermark") is
	// intentionally not wired here yet; see DESIGN.md's Review follow-ups
	// for why a naive watermark comparison risks derailing a channel that
	// just joined an already-advanced pool, which is exactly the
	// cross-channel sharing path the first review fix protects.
	distanceFromHead, err := c.PremapFromPool(now)
	if err != nil {
		return DecisionIONotNeeded, err
	}
	ch.ReclaimCandidates(now)

	// Step 2: decide I/O.
	L := ch.Pool.ConsumableChunksPerJiffy()
	W := 2 * L
	if distanceFromHead >= W {
		return DecisionIONotNeeded, nil
	}

	counter := ch.Pool.CurRequestedChunkCount()
	count := counter.Add(1)
	if distanceFromHead+int64(count) >= W {
		counter.Add(-1)
		return DecisionIONotNeeded, nil
	}

	// Step 3: acquire a chunk id.
	startNoMod := ch.Consume().StartChunkIDNoMod
	monotonicID, derailed := ch.Pool.AllocateHead(startNoMod)
	if derailed {
		ch.Derail()
		c.derailEvents.Add(1)
		c.observe(func(o interfaces.Observer) { o.ObserveDerail(int(ch.ID)) })
		counter.Add(-1)
		chunkID := ch.Local.FindFirstUnsetLeaf(0)
		if chunkID == bitvector.Complete {
			return DecisionIONotNeeded, nil
		}
		return c.submitDerailed(ctx, chunkID, now)
	}
	ch.MarkOnTrack()
	chunkID := uint32(monotonicID % uint64(ch.Pool.FileSet().TotalChunks()))

	// Step 4: acquire a free page slot.
	slotID, ok := ch.Pool.IDQueue().Dequeue()
	if !ok {
		counter.Add(-1)
		return DecisionParkedNoLocalPage, nil
	}

	s := ch.Pool.SPCBAt(slotID)
	s.SetChunkID(chunkID)
	s.SetUsed(true)
	s.SetShared(false)
	s.IncRef() // the channel's own working reference while I/O is in flight

	// Step 5: build and submit the command.
	extent, hintIdx := ch.Pool.FileSet().ExtentFor(chunkID, ch.Consume().CurrentMetadataIdx)
	ch.AdvanceConsume(chunkID, extent.FileIdx, hintIdx)

	req := interfaces.BlockRequest{
		FileID:      extent.FileID,
		ChunkOffset: extent.Offset,
		ChunkSize:   uint32(extent.Size),
		Dest:        s.ChunkPtr,
		DevMap:      s.DevMap,
	}

	submittedAt := now
	onComplete := func(filledBytes uint32, ioErr error) {
		counter.Add(-1)
		latencyNs := uint64(c.Now() - submittedAt)
		if ioErr == nil {
			c.ioOnTrack.Add(1)
		}
		c.observe(func(o interfaces.Observer) { o.ObserveIO(true, uint64(filledBytes), latencyNs, ioErr == nil) })
		c.completeFetch(s, chunkID, monotonicID, filledBytes, ioErr, now)
	}

	if err := c.Transport.Submit(ctx, req, onComplete); err != nil {
		counter.Add(-1)
		s.DecRef()
		s.Reset()
		ch.Pool.IDQueue().Enqueue(slotID)
		return DecisionIONotNeeded, zicioerr.Wrap("firehose.do_work", err)
	}

	return DecisionIOSubmitted, nil
}

// submitDerailed issues private I/O for a chunk found via the local
// bitvector's find_first_unset_leaf (spec.md §4.7 step 3 "On DERAIL...").
func (c *Ctrl) submitDerailed(ctx context.Context, chunkID uint32, now int64) (Decision, error) {
	ch := c.Channel
	slotID, ok := ch.Pool.IDQueue().Dequeue()
	if !ok {
		return DecisionParkedNoLocalPage, nil
	}
	s := ch.Pool.SPCBAt(slotID)
	s.SetChunkID(chunkID)
	s.SetUsed(true)
	s.SetShared(false)
	s.IncRef()

	extent, hintIdx := ch.Pool.FileSet().ExtentFor(chunkID, ch.Consume().CurrentMetadataIdx)
	ch.AdvanceConsume(chunkID, extent.FileIdx, hintIdx)

	req := interfaces.BlockRequest{
		FileID:      extent.FileID,
		ChunkOffset: extent.Offset,
		ChunkSize:   uint32(extent.Size),
		Dest:        s.ChunkPtr,
		DevMap:      s.DevMap,
	}
	submittedAt := now
	onComplete := func(filledBytes uint32, ioErr error) {
		latencyNs := uint64(c.Now() - submittedAt)
		if ioErr == nil {
			c.ioDerailed.Add(1)
			c.derailedIOBytes.Add(uint64(filledBytes))
		}
		c.observe(func(o interfaces.Observer) { o.ObserveIO(false, uint64(filledBytes), latencyNs, ioErr == nil) })
		c.completeDerailed(s, chunkID, filledBytes, ioErr)
	}
	if err := c.Transport.Submit(ctx, req, onComplete); err != nil {
		s.DecRef()
		s.Reset()
		ch.Pool.IDQueue().Enqueue(slotID)
		return DecisionIONotNeeded, zicioerr.Wrap("firehose.submit_derailed", err)
	}
	return DecisionIOSubmitted, nil
}

// completeFetch is step 6 of spec.md §4.7's on-track path: publish to the
// pool if still on-track, record the SPCB in the contribute array, then
// premap it for the consumer.
func (c *Ctrl) completeFetch(s *spcb.SPCB, chunkID uint32, monotonicID uint64, filledBytes uint32, ioErr error, now int64) {
	ch := c.Channel
	s.ChunkSize = filledBytes

	if ioErr != nil {
		s.DecRef()
		s.Reset()
		ch.Pool.IDQueue().Enqueue(s.SlotIdx())
		ch.Derail()
		return
	}

	if ch.IsOnTrack() {
		if err := ch.Pool.Publish(s, now); err == nil {
			if err := ch.Contribute(s); err == nil {
				c.observe(func(o interfaces.Observer) { o.ObserveShare(int(ch.ID), chunkID) })
			}
			ch.Local.TestAndSetLeaf(chunkID)
			distance := ch.Pool.Head() - ch.Pool.AvgUserIngestionMonotonicID()
			if _, err := ch.Ghost.TryPremap(s, ghost.TrackingInfo{ChunkID: chunkID, MonotonicID: monotonicID, DistanceFromHead: int64(distance)}); err != nil {
				c.logf("channel %d premap chunk %d: %v", ch.ID, chunkID, err)
			}
		}
	} else {
		c.premapDerailedFill(s, chunkID)
	}
	ch.Pool.UpdateAvgIngestion(monotonicID)
}

// completeDerailed premaps directly from the private buffer; derailed
// fills are never published to the pool (spec.md §4.7 step 6, derailed
// branch).
func (c *Ctrl) completeDerailed(s *spcb.SPCB, chunkID uint32, filledBytes uint32, ioErr error) {
	s.ChunkSize = filledBytes
	if ioErr != nil {
		s.DecRef()
		s.Reset()
		c.Channel.Pool.IDQueue().Enqueue(s.SlotIdx())
		return
	}
	c.premapDerailedFill(s, chunkID)
}

func (c *Ctrl) premapDerailedFill(s *spcb.SPCB, chunkID uint32) {
	ch := c.Channel
	ch.Local.TestAndSetLeaf(chunkID)
	if _, err := ch.Ghost.TryPremap(s, ghost.TrackingInfo{ChunkID: chunkID}); err != nil {
		c.logf("channel %d premap derailed chunk %d: %v", ch.ID, chunkID, err)
	}
}
