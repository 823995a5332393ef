// Package ghost implements the per-channel ghost mapping table (spec.md
// §4.4): a process-private array of page-sized slots, lock-free advanced
// by producer/consumer counters, whose entries are installed or revoked
// by splicing huge-page backing under the channel's virtual address
// window.
package ghost

import (
	"sync/atomic"

	"github.com/behrlich/zicio/internal/interfaces"
	"github.com/behrlich/zicio/internal/spcb"
	"github.com/behrlich/zicio/internal/switchboard"
	"github.com/behrlich/zicio/internal/zicioerr"
)

// NumSlots is the fixed ghost-table size (spec.md §4.4 "array of 512
// slots").
const NumSlots = 512

// TrackingInfo records what a slot was premapped for, read back by the
// reclaimer and by forceful-unmap-watermark bookkeeping (spec.md §4.4,
// §4.8 "record tracking_info").
type TrackingInfo struct {
	ChunkID          uint32
	MonotonicID      uint64
	DistanceFromHead int64
}

// slot is one ghost-table entry: the backing SPCB (for the ref_count
// decrement on unmap) plus tracking metadata. Slots are process-private
// and carry no lock of their own: only the owning channel's
// premapper/reclaimer ever touch a given slot.
type slot struct {
	occupied bool
	spcb     *spcb.SPCB
	info     TrackingInfo
}

// Table is one channel's ghost mapping table: 512 slots plus the
// premap_iter/unmap_iter counters that advance them (spec.md §4.4).
type Table struct {
	mapper interfaces.GhostMapper
	board  *switchboard.Board

	premapIter atomic.Uint64
	unmapIter  atomic.Uint64

	occupiedCount atomic.Int32

	slots [NumSlots]slot
}

// New returns an empty ghost table writing premap results into board via
// mapper.
func New(mapper interfaces.GhostMapper, board *switchboard.Board) *Table {
	return &Table{mapper: mapper, board: board}
}

// PremapIter and UnmapIter expose the monotonic counters for
// diagnostics/tests; invariant unmap_iter <= premap_iter <= unmap_iter+512
// holds at all times (spec.md §4.4).
func (t *Table) PremapIter() uint64 { return t.premapIter.Load() }
func (t *Table) UnmapIter() uint64  { return t.unmapIter.Load() }

// NumOccupied returns the number of ghost-table slots currently mapped
// (READY or INUSE), backing the close-time drain condition's
// num_using_pages term (spec.md §4.9).
func (t *Table) NumOccupied() int32 { return t.occupiedCount.Load() }

// TryPremap installs s into the next ghost-table slot and publishes
// (filled_bytes, READY) to the switchboard once the mapping is durable
// (spec.md §4.4 try_premap). On backoff (slot not yet EMPTY) it rolls back
// premap_iter and returns zicioerr.KindContentionBackoff. On a mapping
// failure it leaves the slot EMPTY and returns
// zicioerr.KindMappingFailure — both are caller-retryable.
func (t *Table) TryPremap(s *spcb.SPCB, info TrackingInfo) (slotIdx int, err error) {
	iter := t.premapIter.Add(1) - 1
	idx := int(iter % NumSlots)
	sl := &t.slots[idx]

	if sl.occupied {
		t.premapIter.Add(^uint64(0)) // undo the increment (iter - 1)
		return 0, zicioerr.NewChannel("ghost.try_premap", idx, zicioerr.KindContentionBackoff, "slot not empty")
	}

	if err := t.mapper.Map(idx, s.ChunkPtr[:s.ChunkSize]); err != nil {
		t.premapIter.Add(^uint64(0)) // slot stays EMPTY for the next attempt
		return 0, &zicioerr.Error{Op: "ghost.try_premap", Channel: -1, Kind: zicioerr.KindMappingFailure, Msg: err.Error(), Inner: err}
	}

	sl.occupied = true
	sl.spcb = s
	sl.info = info
	t.occupiedCount.Add(1)

	t.board.Entries[idx].PublishReady(s.ChunkSize)
	return idx, nil
}

// Unmap clears slotIdx's mapping, flushes the TLB, and decrements the
// backing SPCB's ref_count (spec.md §4.4 unmap). Precondition: the
// switchboard entry at slotIdx is DONE. Ordering: PTE clear -> TLB flush
// -> ref_count decrement, so a consumer never observes stale memory from
// a reused slot (spec.md §4.4 "Ordering").
func (t *Table) Unmap(slotIdx int) error {
	sl := &t.slots[slotIdx]
	if !sl.occupied {
		return nil
	}

	if err := t.mapper.Unmap(slotIdx); err != nil {
		return zicioerr.Wrap("ghost.unmap", err)
	}
	if err := t.mapper.FlushTLB(slotIdx); err != nil {
		return zicioerr.Wrap("ghost.unmap", err)
	}

	sl.spcb.DecRef()
	sl.occupied = false
	sl.spcb = nil
	sl.info = TrackingInfo{}
	t.occupiedCount.Add(-1)

	t.board.Entries[slotIdx].Reset()
	t.unmapIter.Add(1)
	return nil
}

// ForcefulUnmapScan scans forward from the slot after userBufferIdx,
// CAS'ing any READY entry whose backing SPCB has expired to DONE and then
// unmapping it (spec.md §4.4 forceful_unmap_scan). It never touches the
// slot the user is currently reading (INUSE is simply not READY, so the
// CAS naturally skips it). now is compared against each SPCB's
// exp_deadline via spcb.Expired, which itself accounts for a concurrent
// reclaimer's clock handshake.
//
// It returns the chunk ids it forcefully unmapped, which the caller folds
// into the channel's local bitvector (clearing VALID) and
// last_forcefully_unmapped_monotonic_chunk_id watermark.
func (t *Table) ForcefulUnmapScan(userBufferIdx int, now int64) (unmappedChunkIDs []uint32) {
	start := (userBufferIdx + 1) % NumSlots
	for i := 0; i < NumSlots; i++ {
		idx := (start + i) % NumSlots
		sl := &t.slots[idx]
		if !sl.occupied {
			continue
		}
		if !sl.spcb.Expired(now) {
			continue
		}
		if !t.board.Entries[idx].TryForcefulDone() {
			continue
		}
		chunkID := sl.spcb.ChunkID()
		if err := t.Unmap(idx); err != nil {
			continue
		}
		unmappedChunkIDs = append(unmappedChunkIDs, chunkID)
	}
	return unmappedChunkIDs
}
