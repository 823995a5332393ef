// Package switchboard implements the shared-memory ring contract between
// the kernel-assisted core and the consumer thread (spec.md §4.5, §6): a
// fixed 512-entry ring of packed status+filled-bytes cells, the consumer's
// buffer cursor, and the running average used to drive the expiration
// policy.
package switchboard

import "sync/atomic"

// NumEntries is the fixed ring size (spec.md §6 "entries[512]").
const NumEntries = 512

// Status is the 2-bit per-entry lifecycle state (spec.md §3 "Switchboard
// entry state").
type Status uint32

const (
	StatusEmpty Status = iota
	StatusReady
	StatusInUse
	StatusDone
)

const (
	statusMask      = 0x3
	filledBytesBits = 30
	filledBytesMask = (uint32(1) << filledBytesBits) - 1
)

func encode(status Status, filledBytes uint32) uint32 {
	return uint32(status)&statusMask | (filledBytes&filledBytesMask)<<2
}

func decode(v uint32) (Status, uint32) {
	return Status(v & statusMask), v >> 2
}

// Entry is one ring cell: status in the low 2 bits, filled_bytes in the
// high 30 bits of a single atomic word (spec.md §3, §6).
type Entry struct {
	val atomic.Uint32
}

// Load returns the entry's current status and filled byte count.
func (e *Entry) Load() (Status, uint32) {
	return decode(e.val.Load())
}

// PublishReady installs filledBytes and transitions EMPTY -> READY. Only
// the core calls this, and only after the backing mapping is durable
// (spec.md §4.4 try_premap: "Publishes (filled_bytes, READY) to the
// switchboard only after the mapping is durable").
func (e *Entry) PublishReady(filledBytes uint32) bool {
	old := e.val.Load()
	status, _ := decode(old)
	if status != StatusEmpty {
		return false
	}
	return e.val.CompareAndSwap(old, encode(StatusReady, filledBytes))
}

// TryConsumerTake performs the consumer's READY -> INUSE CAS (spec.md
// §4.5's loop). Only the consumer ever writes INUSE.
func (e *Entry) TryConsumerTake() (filledBytes uint32, ok bool) {
	old := e.val.Load()
	status, fb := decode(old)
	if status != StatusReady {
		return 0, false
	}
	if !e.val.CompareAndSwap(old, encode(StatusInUse, fb)) {
		return 0, false
	}
	return fb, true
}

// ConsumerDone marks an INUSE entry DONE once the consumer has read it.
func (e *Entry) ConsumerDone() {
	for {
		old := e.val.Load()
		status, fb := decode(old)
		if status != StatusInUse {
			return
		}
		if e.val.CompareAndSwap(old, encode(StatusDone, fb)) {
			return
		}
	}
}

// TryForcefulDone performs the core's READY -> DONE CAS used only during
// forceful unmap (spec.md §4.5: "it only CAS's READY -> DONE during
// forceful unmap"). It never touches an INUSE entry.
func (e *Entry) TryForcefulDone() bool {
	old := e.val.Load()
	status, fb := decode(old)
	if status != StatusReady {
		return false
	}
	return e.val.CompareAndSwap(old, encode(StatusDone, fb))
}

// Reset transitions DONE -> EMPTY, called by the reclaimer strictly after
// unmap and the SPCB's ref_count decrement (spec.md §3 switchboard
// transitions).
func (e *Entry) Reset() bool {
	old := e.val.Load()
	status, _ := decode(old)
	if status != StatusDone {
		return false
	}
	return e.val.CompareAndSwap(old, encode(StatusEmpty, 0))
}

// Board is the per-channel shared-memory switchboard (spec.md §6). Layout
// intentionally mirrors the wire struct field-for-field; Marshal/Unmarshal
// in marshal.go give it a stable on-the-wire byte layout independent of Go
// struct padding, the way internal/uapi hand-marshals ChannelStats rather
// than relying on an unsafe cast.
type Board struct {
	UserBufferIdx   atomic.Int32
	Consumed        atomic.Uint64
	AvgTscDelta     atomic.Uint64
	DataBuffer      uint64 // base VA of the channel's 1 GiB window; fixed after open
	Entries         [NumEntries]Entry
	NrConsumedChunk atomic.Uint64
}

// New returns a freshly zeroed switchboard with dataBuffer recorded as the
// channel's VA window base.
func New(dataBuffer uint64) *Board {
	b := &Board{DataBuffer: dataBuffer}
	return b
}

// UpdateAvgTscDelta folds a new per-chunk tsc delta into the EMA using the
// exact fixed-point step from spec.md §6: ema' = (new<<7 + 1920*ema) >> 11
// (weight 1/16). While the EMA is still 0 the first sample seeds it
// directly, the same way the pool's consume/ingestion EMAs are seeded.
func (b *Board) UpdateAvgTscDelta(newDelta uint64) {
	for {
		old := b.AvgTscDelta.Load()
		next := newDelta
		if old != 0 {
			next = (newDelta<<7 + 1920*old) >> 11
		}
		if b.AvgTscDelta.CompareAndSwap(old, next) {
			return
		}
	}
}

// headerSize is the marshaled byte length of Board's leading fields: a
// 4-byte UserBufferIdx followed by three 8-byte fields.
const headerSize = 4 + 8 + 8 + 8 // UserBufferIdx, Consumed, AvgTscDelta, DataBuffer
const entrySize = 4
const trailerSize = 8 // NrConsumedChunk

// WireSize is the stable on-the-wire byte length of a marshaled Board.
const WireSize = headerSize + NumEntries*entrySize + trailerSize
