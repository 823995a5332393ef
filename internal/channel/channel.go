// Package channel implements ChannelLocal and the per-channel state
// machine (spec.md §3, §4.6): the consumer's local view of progress
// through the file set, owning its local bitvector, contribute-SPCB
// array, and forceful-unmap watermark.
package channel

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/behrlich/zicio/internal/bitvector"
	"github.com/behrlich/zicio/internal/ghost"
	"github.com/behrlich/zicio/internal/interfaces"
	"github.com/behrlich/zicio/internal/pool"
	"github.com/behrlich/zicio/internal/spcb"
	"github.com/behrlich/zicio/internal/switchboard"
	"github.com/behrlich/zicio/internal/zicioerr"
)

// MaxContribute is the fixed size of the contribute-SPCB array (spec.md
// §2 "64-entry contribute-SPCB page").
const MaxContribute = 64

// State is the channel's lifecycle state (spec.md §4.6).
type State int32

const (
	StateInit State = iota
	StateOnTrack
	StateDerailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateOnTrack:
		return "OnTrack"
	case StateDerailed:
		return "Derailed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConsumeIndicator is the channel-local cursor translating logical chunk
// ids to monotonic ids and locating the extent covering a chunk in O(1)
// amortized (spec.md §3 "Channel-local consume indicator").
type ConsumeIndicator struct {
	StartChunkIDNoMod uint64
	CurrentChunkIDMod uint64
	ChunkIDHigh       uint64
	ChunkIDLow        uint64
	CurrentFileIdx    int
	CurrentMetadataIdx int // fileset extent-lookup cursor hint, see pool.FileSet.ExtentFor
}

// Channel is one consumer's view: a switchboard, a ghost table, a local
// bitvector, and the bookkeeping needed to decide OnTrack vs Derailed
// (spec.md §2 "ChannelLocal").
type Channel struct {
	ID    int32
	Pool  *pool.Pool
	Board *switchboard.Board
	Ghost *ghost.Table
	CPU   int

	Local *bitvector.Local

	state atomic.Int32

	mu         sync.Mutex
	consume    ConsumeIndicator
	contribute []*spcb.SPCB

	lastForcefullyUnmappedMonotonicChunkID atomic.Uint64
	previousLowPremapPoint                 atomic.Uint64
	previousHighPremapPoint                atomic.Uint64

	numSharedPages atomic.Int32
}

// Open attaches a new channel to p and sizes its local bitvector to the
// pool's file set (spec.md §4.1 attach). cpu records the hardware-queue
// assignment the caller chose by round-robin (spec.md §5, "four channels
// per hardware queue"); actually pinning the OS thread is the firehose
// scheduler's job (internal/firehose), not this constructor's.
func Open(p *pool.Pool, board *switchboard.Board, mapper interfaces.GhostMapper, cpu int) (*Channel, error) {
	id, err := p.Attach()
	if err != nil {
		return nil, zicioerr.Wrap("channel.open", err)
	}

	c := &Channel{
		ID:    id,
		Pool:  p,
		Board: board,
		Ghost: ghost.New(mapper, board),
		CPU:   cpu,
		Local: bitvector.NewLocal(p.FileSet().TotalChunks()),
	}
	c.consume.CurrentMetadataIdx = -1
	c.consume.StartChunkIDNoMod = p.Head()
	c.state.Store(int32(StateInit))

	return c, nil
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// MarkOnTrack transitions Init -> OnTrack after the first successful
// allocate_head (spec.md §4.6). A no-op once already OnTrack or beyond.
func (c *Channel) MarkOnTrack() {
	c.state.CompareAndSwap(int32(StateInit), int32(StateOnTrack))
}

// Derail transitions OnTrack -> Derailed. Once derailed a channel never
// transitions back (spec.md §4.6: "may not transition back").
func (c *Channel) Derail() {
	c.state.CompareAndSwap(int32(StateOnTrack), int32(StateDerailed))
}

// IsOnTrack reports whether the channel currently draws from the pool's
// monotonic head.
func (c *Channel) IsOnTrack() bool { return c.State() == StateOnTrack }

// Consume returns a copy of the channel's consume indicator.
func (c *Channel) Consume() ConsumeIndicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consume
}

// AdvanceConsume updates the consume indicator after the consumer marks a
// chunk DONE, tracking the cursor hint used by pool.FileSet.ExtentFor.
func (c *Channel) AdvanceConsume(chunkIDMod uint64, fileIdx, metadataIdx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consume.CurrentChunkIDMod = chunkIDMod
	c.consume.CurrentFileIdx = fileIdx
	c.consume.CurrentMetadataIdx = metadataIdx
}

// Contribute appends s to the contribute-SPCB array (spec.md §4.1
// publish: "record SPCB in the channel's contribute array"). Capacity is
// bounded at MaxContribute; callers must run ReclaimCandidates to make
// room rather than growing unbounded.
func (c *Channel) Contribute(s *spcb.SPCB) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.contribute) >= MaxContribute {
		return zicioerr.NewChannel("channel.contribute", int(c.ID), zicioerr.KindOutOfCapacity, "contribute array full")
	}
	c.contribute = append(c.contribute, s)
	c.numSharedPages.Add(1)
	return nil
}

// ReclaimCandidates drains reclaimable entries from the contribute array
// via the pool's update-set rule (spec.md §4.1 reclaim_candidates),
// replacing the retained slice with whatever remains.
func (c *Channel) ReclaimCandidates(now int64) (reclaimed []*spcb.SPCB) {
	c.mu.Lock()
	contribute := c.contribute
	c.mu.Unlock()

	reclaimed, remaining := c.Pool.ReclaimCandidates(contribute, now)

	c.mu.Lock()
	c.contribute = remaining
	c.mu.Unlock()
	c.numSharedPages.Add(-int32(len(reclaimed)))
	return reclaimed
}

// NoteForcefulUnmap records a forcefully-unmapped chunk: clears the
// chunk's VALID bit in the local bitvector and advances the watermark
// used by OnTrack->Derailed detection (spec.md §4.4 forceful_unmap_scan,
// §4.6 "forceful-unmap watermark advances past the channel's premap low
// watermark").
func (c *Channel) NoteForcefulUnmap(chunkID uint32, monotonicID uint64) {
	c.Local.TestAndClearLeaf(chunkID)
	for {
		old := c.lastForcefullyUnmappedMonotonicChunkID.Load()
		if monotonicID <= old {
			return
		}
		if c.lastForcefullyUnmappedMonotonicChunkID.CompareAndSwap(old, monotonicID) {
			return
		}
	}
}

// LastForcefullyUnmapped returns the watermark tracked by
// NoteForcefulUnmap.
func (c *Channel) LastForcefullyUnmapped() uint64 {
	return c.lastForcefullyUnmappedMonotonicChunkID.Load()
}

// PreviousLowPremapPoint and PreviousHighPremapPoint track the premap
// scan's bounds across calls (spec.md §4.8): low never regresses, high is
// updated to each scan's head snapshot.
func (c *Channel) PreviousLowPremapPoint() uint64 { return c.previousLowPremapPoint.Load() }
func (c *Channel) PreviousHighPremapPoint() uint64 { return c.previousHighPremapPoint.Load() }

// SetPreviousLowPremapPoint advances the low watermark, never regressing.
func (c *Channel) SetPreviousLowPremapPoint(v uint64) {
	for {
		old := c.previousLowPremapPoint.Load()
		if v <= old {
			return
		}
		if c.previousLowPremapPoint.CompareAndSwap(old, v) {
			return
		}
	}
}

// SetPreviousHighPremapPoint records the most recent head snapshot used
// for a premap scan.
func (c *Channel) SetPreviousHighPremapPoint(v uint64) {
	c.previousHighPremapPoint.Store(v)
}

// NumSharedPages and NumUsingPages back the close-time drain condition
// (spec.md §4.9: "num_shared_pages == 0 && num_using_pages == 0").
// NumUsingPages mirrors the ghost table's own occupied-slot count rather
// than a separately maintained counter, so it can never drift from what
// Close actually has left to drain.
func (c *Channel) NumSharedPages() int32 { return c.numSharedPages.Load() }
func (c *Channel) NumUsingPages() int32  { return c.Ghost.NumOccupied() }

// Snapshot is a plain-struct, point-in-time dump of a channel's local
// state, the per-channel counterpart to pool.Snapshot (supplementing
// spec.md from the original zicio source's zicio_dump_shared_bitvector,
// which dumps both the shared and the per-channel local bitvector).
type Snapshot struct {
	ID                      int32
	State                   State
	CPU                     int
	Consume                 ConsumeIndicator
	NumSharedPages          int32
	NumUsingPages           int32
	LastForcefullyUnmapped  uint64
	PreviousLowPremapPoint  uint64
	PreviousHighPremapPoint uint64
}

// DebugSnapshot returns a consistent-enough snapshot of the channel's
// local counters and consume indicator.
func (c *Channel) DebugSnapshot() Snapshot {
	return Snapshot{
		ID:                      c.ID,
		State:                   c.State(),
		CPU:                     c.CPU,
		Consume:                 c.Consume(),
		NumSharedPages:          c.NumSharedPages(),
		NumUsingPages:           c.NumUsingPages(),
		LastForcefullyUnmapped:  c.LastForcefullyUnmapped(),
		PreviousLowPremapPoint:  c.PreviousLowPremapPoint(),
		PreviousHighPremapPoint: c.PreviousHighPremapPoint(),
	}
}

// Close marks the channel Closed, forcefully unmaps its READY ghost-table
// slots, reclaims the contributed SPCBs that are reclaimable at now, and
// detaches from the pool (spec.md §4.6 "* -> Closed", §4.9). Each drain
// loop stops at the first pass that makes no progress, so Close does not
// wait: an INUSE slot, or a contributed SPCB that is still referenced or
// not yet expired at now, is still in place when it returns. It is
// idempotent: closing an already-closed channel is a no-op and returns
// zicioerr.KindNotFound (spec.md §8 invariant 9 "Idempotent close").
func (c *Channel) Close(now int64) error {
	if State(c.state.Swap(int32(StateClosed))) == StateClosed {
		return zicioerr.NewChannel("channel.close", int(c.ID), zicioerr.KindNotFound, "channel already closed")
	}

	// Forcefully unmap every READY ghost-table slot regardless of its
	// expiration deadline: a consumer that stopped reading mid-stream
	// (spec.md §8 S5) can leave slots premapped indefinitely, and Close
	// drains those rather than leaving them mapped. Passing
	// math.MaxInt64 as "now" makes every occupied slot read as expired, so
	// the same scan DoWork uses each tick also serves as the forced drain
	// here.
	userBufferIdx := int(c.Board.UserBufferIdx.Load())
	for c.Ghost.NumOccupied() > 0 {
		unmapped := c.Ghost.ForcefulUnmapScan(userBufferIdx, math.MaxInt64)
		if len(unmapped) == 0 {
			break
		}
		for _, chunkID := range unmapped {
			c.NoteForcefulUnmap(chunkID, c.Pool.Head())
		}
	}

	for c.NumSharedPages() > 0 {
		if len(c.ReclaimCandidates(now)) == 0 {
			break
		}
	}

	if last := c.Pool.Detach(); last {
		_ = last // pool teardown is the caller's responsibility once detach reports last-pin
	}
	return nil
}
