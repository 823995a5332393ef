package pool

import "sync/atomic"

// IDQueue is the lock-free circular queue of free huge-page slot ids (the
// id-queue of spec.md §3). Grounded on the original zicio source's
// zicio_wait_free_queue: two atomic counters (allocate_point/free_point)
// index a fixed circular array. A producer claims its cell with a single
// fetch-add on free_point; a consumer claims one with a CAS retry loop on
// allocate_point that gives up when the queue is empty, then spins until
// the producer's id has landed in the cell. No lock is taken.
type IDQueue struct {
	slots       []atomic.Int32 // -1 means "not yet published"
	mask        uint32
	allocatePoint atomic.Uint32 // next index a consumer (Dequeue) claims
	freePoint     atomic.Uint32 // next index a producer (Enqueue) claims
}

// NewIDQueue creates a queue with capacity (must be a power of two)
// pre-filled with ids [0, filled).
func NewIDQueue(capacity uint32, filled int) *IDQueue {
	if capacity&(capacity-1) != 0 {
		panic("pool: IDQueue capacity must be a power of two")
	}
	q := &IDQueue{
		slots: make([]atomic.Int32, capacity),
		mask:  capacity - 1,
	}
	for i := range q.slots {
		q.slots[i].Store(-1)
	}
	for i := 0; i < filled; i++ {
		q.slots[uint32(i)&q.mask].Store(int32(i))
	}
	q.freePoint.Store(uint32(filled))
	return q
}

// Enqueue returns slotID to the free pool (called by the reclaimer after
// Unmap, spec.md §5 "Between unmap and reuse").
func (q *IDQueue) Enqueue(slotID int32) {
	pos := q.freePoint.Add(1) - 1
	q.slots[pos&q.mask].Store(slotID)
}

// Available reports how many slot ids are currently free, for debug
// dumps (spec.md's zicio_dump_shared_bitvector supplement).
func (q *IDQueue) Available() int {
	return int(q.freePoint.Load() - q.allocatePoint.Load())
}

// Dequeue claims a free slot id, or (0, false) if the queue is currently
// empty — the caller (FirehoseCtrl) must register a NoLocalPage timer and
// retry rather than block, per spec.md §4.7 step 4.
func (q *IDQueue) Dequeue() (int32, bool) {
	for {
		alloc := q.allocatePoint.Load()
		free := q.freePoint.Load()
		if alloc >= free {
			return 0, false
		}
		if !q.allocatePoint.CompareAndSwap(alloc, alloc+1) {
			continue
		}
		pos := alloc & q.mask
		// A producer may not have published its slot id yet even though
		// it already advanced freePoint; spin briefly for it to land.
		for {
			id := q.slots[pos].Load()
			if id != -1 {
				q.slots[pos].Store(-1)
				return id, true
			}
		}
	}
}
