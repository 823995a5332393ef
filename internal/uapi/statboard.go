// Package uapi defines the wire-compatible struct layouts shared with a
// host process reading the engine's read-only counters out of shared
// memory (spec.md §6 "Stat board"), the same role the teacher's
// internal/uapi package played for the ublk kernel ABI: plain fixed-size
// structs, a compile-time size assertion per struct, and hand-written
// binary.LittleEndian marshal/unmarshal instead of an unsafe overlay.
package uapi

import "unsafe"

// ChannelStats is one channel's read-only counters (spec.md §6: "per
// channel (consumption, IO count, softirq count, pool-sharing page
// counts)"), laid out for a direct field-by-field marshal.
type ChannelStats struct {
	ChannelID               uint32
	State                   uint32 // channel.State, widened for wire stability
	NrConsumedChunk         uint64
	IOOnTrack               uint64 // fetches that landed in the shared pool
	IODerailed              uint64 // fetches served from the private buffer
	SoftirqCount            uint64
	ForcefullyUnmapped      uint64 // ghost-table slots reclaimed by forceful_unmap_scan
	NumMappedChunkDerailed  uint64 // count of OnTrack -> Derailed transitions (spec.md §8 scenario S2)
	DerailedIOBytes         uint64
	NumSharedPages          int32
	NumUsingPages           int32
}

// ChannelStatsWireSize is ChannelStats' fixed marshaled size.
const ChannelStatsWireSize = 4 + 4 + 8*7 + 4 + 4

var _ [ChannelStatsWireSize]byte = [unsafe.Sizeof(ChannelStats{})]byte{}

// PoolStats aggregates every attached (or ever-attached) channel's
// ChannelStats on detach (spec.md §6: "per-pool aggregated on detach").
type PoolStats struct {
	PoolKey           string
	ChannelCount      uint32
	NrConsumedChunk   uint64
	IOOnTrack         uint64
	IODerailed        uint64
	ForcefullyUnmapped uint64
	DerailedIOBytes   uint64
}

// Add folds one channel's stats into the pool aggregate.
func (p *PoolStats) Add(cs ChannelStats) {
	p.ChannelCount++
	p.NrConsumedChunk += cs.NrConsumedChunk
	p.IOOnTrack += cs.IOOnTrack
	p.IODerailed += cs.IODerailed
	p.ForcefullyUnmapped += cs.ForcefullyUnmapped
	p.DerailedIOBytes += cs.DerailedIOBytes
}
