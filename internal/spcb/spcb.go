// Package spcb implements the shared page control block and its
// chunk-keyed concurrent hash (spec.md §3, §4.3): one descriptor per
// physical huge-page slot in the shared pool, reachable from the hash
// while shared, owned by the pool for its lifetime, and released back to
// the id-queue only once every channel's reference has dropped.
package spcb

import (
	"sync"
	"sync/atomic"
)

const numBuckets = 4096

// SPCB is one shared page control block. Fields mirror spec.md §3
// precisely; atomics cover everything the hash's lookup path touches after
// it releases the bucket mutex (RefCount, IsShared, ChunkID), a per-SPCB
// mutex guards the rest
// against concurrent fill/publish/reclaim.
type SPCB struct {
	mu sync.Mutex

	chunkID atomic.Uint32 // logical chunk id, key of the hash
	slotIdx int            // stable index into the pool's SPCB array

	ChunkPtr []byte // 2 MiB physical region (here: a plain Go byte slice)
	DevMap   any    // opaque device-mapping descriptor for BlockTransport

	NeededPages uint32
	FilledPages uint32
	ChunkSize   uint32 // bytes actually filled (last chunk of a file may be short)

	isUsed   atomic.Bool
	isShared atomic.Bool
	refCount atomic.Int32 // R1: ref_count >= 0 at all times

	expDeadline       atomic.Int64 // monotonic ns; 0 = none
	reclaimerDeadline atomic.Int64 // monotonic ns; 0 = no reclaimer inspecting
}

// New allocates an SPCB bound to slotIdx with a chunkPtr buffer of the
// given size. It starts unshared and unused, ready for FirehoseCtrl to
// claim it.
func New(slotIdx int, bufSize int) *SPCB {
	return &SPCB{slotIdx: slotIdx, ChunkPtr: make([]byte, bufSize)}
}

func (s *SPCB) SlotIdx() int        { return s.slotIdx }
func (s *SPCB) ChunkID() uint32     { return s.chunkID.Load() }
func (s *SPCB) SetChunkID(id uint32) { s.chunkID.Store(id) }

func (s *SPCB) IsUsed() bool       { return s.isUsed.Load() }
func (s *SPCB) SetUsed(v bool)     { s.isUsed.Store(v) }
func (s *SPCB) IsShared() bool     { return s.isShared.Load() }
func (s *SPCB) SetShared(v bool)   { s.isShared.Store(v) }

// RefCount returns the current reference count (R1: always >= 0).
func (s *SPCB) RefCount() int32 { return s.refCount.Load() }

// IncRef atomically increments the reference count, used by both direct
// premap acquisition and the hash's speculative lookup bump.
func (s *SPCB) IncRef() int32 { return s.refCount.Add(1) }

// DecRef atomically decrements the reference count. Panics on
// underflow-to-negative since that would violate R1 and indicates a
// double-release bug upstream.
func (s *SPCB) DecRef() int32 {
	v := s.refCount.Add(-1)
	if v < 0 {
		panic("spcb: ref_count went negative")
	}
	return v
}

func (s *SPCB) ExpDeadline() int64       { return s.expDeadline.Load() }
func (s *SPCB) SetExpDeadline(ns int64)  { s.expDeadline.Store(ns) }
func (s *SPCB) ReclaimerDeadline() int64 { return s.reclaimerDeadline.Load() }
func (s *SPCB) SetReclaimerDeadline(ns int64) {
	s.reclaimerDeadline.Store(ns)
}

// Expired reports whether this SPCB may be reclaimed at time now, per the
// reclaimer/premapper clock handshake of spec.md §4.3: if a reclaimer is
// concurrently inspecting this SPCB (ReclaimerDeadline != 0), both sides
// compare against that deadline instead of their own `now`, so they agree
// on the outcome.
func (s *SPCB) Expired(now int64) bool {
	clock := s.ReclaimerDeadline()
	if clock == 0 {
		clock = now
	}
	return s.ExpDeadline() < clock
}

// Reset clears fill/sharing state after a reclaim (R3 postcondition).
func (s *SPCB) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isShared.Store(false)
	s.isUsed.Store(false)
	s.expDeadline.Store(0)
	s.reclaimerDeadline.Store(0)
	s.NeededPages = 0
	s.FilledPages = 0
	s.ChunkSize = 0
	s.DevMap = nil
}

// Lock/Unlock guard the non-atomic fill fields (ChunkSize, NeededPages,
// FilledPages, DevMap) during fill and reclaim.
func (s *SPCB) Lock()   { s.mu.Lock() }
func (s *SPCB) Unlock() { s.mu.Unlock() }

// bucket is one hash bucket: a map guarded by a sync.Mutex that insert,
// remove and lookup all take, so lookup is not lock-free. At most one SPCB per chunk_id may be `is_shared` at a
// time (R2), so within an epoch there is never a collision to resolve
// beyond bucket chaining across distinct chunk ids.
type bucket struct {
	mu      sync.Mutex
	entries map[uint32]*SPCB
}

// Hash is the pool's chunk_id -> *SPCB concurrent index (spec.md §4.3): a
// 4096-bucket table. Insert and remove hold the bucket mutex; lookup holds
// it only for the map read, then bumps ref_count and rechecks chunk_id
// after releasing it.
type Hash struct {
	buckets [numBuckets]bucket
}

// NewHash creates an empty hash.
func NewHash() *Hash {
	h := &Hash{}
	for i := range h.buckets {
		h.buckets[i].entries = make(map[uint32]*SPCB)
	}
	return h
}

func bucketFor(chunkID uint32) uint32 { return chunkID % numBuckets }

// Lookup performs the 3-step RCU-style protocol of spec.md §4.3: bump
// ref_count speculatively, read reclaimer_deadline for the expiry check
// (left to the caller, since only the caller knows "now"), then recheck
// chunk_id still matches after the bump. On a miss (no entry, or the
// chunk_id changed underneath us) it returns nil and the speculative
// ref is rolled back.
func (h *Hash) Lookup(chunkID uint32) *SPCB {
	b := &h.buckets[bucketFor(chunkID)]
	b.mu.Lock()
	s, ok := b.entries[chunkID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	s.IncRef()
	if s.ChunkID() != chunkID || !s.IsShared() {
		s.DecRef()
		return nil
	}
	return s
}

// Publish inserts spcb into the hash under its current ChunkID, per R2/R4:
// callers must only call this strictly after ChunkPtr is filled, ChunkSize
// is set, and the shared bitvector's VALID bit is about to be (or has
// been) set in the same release sequence.
func (h *Hash) Publish(s *SPCB) {
	b := &h.buckets[bucketFor(s.ChunkID())]
	b.mu.Lock()
	b.entries[s.ChunkID()] = s
	b.mu.Unlock()
}

// Remove deletes chunkID's entry if it still points at spcb (guards
// against removing a newer epoch's entry for the same logical chunk id).
func (h *Hash) Remove(chunkID uint32, s *SPCB) {
	b := &h.buckets[bucketFor(chunkID)]
	b.mu.Lock()
	if cur, ok := b.entries[chunkID]; ok && cur == s {
		delete(b.entries, chunkID)
	}
	b.mu.Unlock()
}
