package zicio

import "github.com/behrlich/zicio/internal/constants"

// Re-exported tuning defaults, kept at the root for callers that only
// want to override one field of Config without importing
// internal/constants directly.
const (
	DefaultChunkBytes       = constants.DefaultChunkBytes
	DefaultMaxSPCBs         = constants.DefaultMaxSPCBs
	DefaultJiffyNs          = constants.DefaultJiffyNs
	DefaultTSCFreqHz        = constants.DefaultTSCFreqHz
	GhostTableSlots         = constants.GhostTableSlots
	SwitchboardEntries      = constants.SwitchboardEntries
	MaxContributePerChannel = constants.MaxContributePerChannel
	MaxPremapBatch          = constants.MaxPremapBatch
	ChannelsPerHardwareQueue = constants.ChannelsPerHardwareQueue
	WatermarkMultiplier     = constants.WatermarkMultiplier
)
