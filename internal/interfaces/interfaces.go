// Package interfaces defines the capability boundaries the core consumes
// from its external collaborators (spec.md §1): block transport, CPU/timer
// scheduling, and ghost-mapping of huge pages into a channel's VA window.
// Keeping these as narrow interfaces (rather than a monolithic driver
// struct) lets the core be driven by one real backend and one test double
// per collaborator, the same split the teacher draws around
// interfaces.Backend.
package interfaces

import "context"

// BlockRequest describes one asynchronous bulk read the core hands to a
// BlockTransport. Dest is the already-allocated 2 MiB huge-page buffer the
// transport fills in place; the core never copies it.
type BlockRequest struct {
	FileID      uint32
	ChunkOffset int64 // byte offset of the chunk within FileID
	ChunkSize   uint32
	Dest        []byte
	DevMap      any // opaque device-mapping descriptor, interpreted only by the transport
}

// BlockTransport asynchronously delivers chunk bytes into Dest and later
// invokes onComplete with the number of bytes actually filled (a chunk may
// be short at end-of-file) or a non-nil error. Submit must not block past
// enqueuing the request; completion is reported on whatever goroutine the
// transport chooses to run its reaper on.
type BlockTransport interface {
	Submit(ctx context.Context, req BlockRequest, onComplete func(filledBytes uint32, err error)) error
	Close() error
}

// CancelFunc removes a previously armed timer or unregisters a bottom-half
// callback.
type CancelFunc func()

// Scheduler is the core's view of CPU pinning, timers, and deferred work —
// the spec's "interrupt handling, softirq scheduling, per-CPU timer
// wheels" collaborator (spec.md §1), reduced to the three primitives the
// core actually calls.
type Scheduler interface {
	// PinAndSpawn runs fn on a goroutine pinned (via CPU affinity) to cpu.
	PinAndSpawn(cpu int, fn func(ctx context.Context)) error
	// TimerAfter arms a one-shot callback after d elapses; cancel removes
	// it if it hasn't fired yet.
	TimerAfter(d Duration, fn func()) (cancel CancelFunc)
	// RunSoftIRQ registers fn to run on the CPU's bottom-half queue,
	// invoked the next time that CPU drains it.
	RunSoftIRQ(cpu int, fn func())
}

// Duration is a type alias kept narrow so interfaces.go has no import on
// time in its exported surface beyond what Scheduler needs.
type Duration = int64 // nanoseconds

// GhostMapper exposes the virtual-address-space mapping primitives the
// ghost table drives: installing, revoking, and flushing a single
// huge-page-table entry within a channel's reserved VA range (spec.md §1,
// §4.4).
type GhostMapper interface {
	Map(slotIdx int, page []byte) error
	Unmap(slotIdx int) error
	FlushTLB(slotIdx int) error
}

// Logger is the narrow logging capability internal packages take instead
// of depending on internal/logging directly, mirroring the teacher's
// interfaces.Logger split to avoid import cycles.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}

// Observer is the metrics-collection capability; implementations must be
// thread-safe since methods are called from the I/O and premap hot paths.
type Observer interface {
	ObserveIO(onTrack bool, bytes uint64, latencyNs uint64, success bool)
	ObserveForcefulUnmap(channel int, chunkID uint32)
	ObserveDerail(channel int)
	ObserveShare(channel int, chunkID uint32)
}
