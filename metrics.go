package zicio

import (
	"sync/atomic"
	"time"

	"github.com/behrlich/zicio/internal/interfaces"
)

// LatencyBuckets defines the fetch-latency histogram buckets in
// nanoseconds, log-spaced from 1us to 10s, unchanged from the teacher's
// device-metrics histogram since chunk-fetch latency spans the same
// range a block I/O does.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks the stat-board counters of spec.md §6/§8: per-channel
// consumption, on-track vs. derailed fetch counts, forceful-unmap and
// pool-sharing events, aggregated here at the pool level the same way
// the teacher's Metrics aggregates at the device level.
type Metrics struct {
	OnTrackOps atomic.Uint64 // fetches served from a shared-pool slot
	DerailedOps atomic.Uint64 // fetches served from a channel's private buffer
	OnTrackBytes atomic.Uint64
	DerailedBytes atomic.Uint64
	IOErrors atomic.Uint64

	ForcefullyUnmapped atomic.Uint64 // ghost-table slots reclaimed under pressure
	DerailEvents       atomic.Uint64 // Init/OnTrack -> Derailed transitions
	SharedPages        atomic.Uint64 // pages a channel found already mapped by another

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a Metrics with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordIO records one chunk fetch, on-track or derailed.
func (m *Metrics) RecordIO(onTrack bool, bytes uint64, latencyNs uint64, success bool) {
	if onTrack {
		m.OnTrackOps.Add(1)
	} else {
		m.DerailedOps.Add(1)
	}
	if success {
		if onTrack {
			m.OnTrackBytes.Add(bytes)
		} else {
			m.DerailedBytes.Add(bytes)
		}
	} else {
		m.IOErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// RecordForcefulUnmap records a ghost-table slot reclaimed by
// forceful_unmap_scan (spec.md §4.4).
func (m *Metrics) RecordForcefulUnmap() { m.ForcefullyUnmapped.Add(1) }

// RecordDerail records a channel's OnTrack -> Derailed transition.
func (m *Metrics) RecordDerail() { m.DerailEvents.Add(1) }

// RecordShare records a channel finding a chunk another channel already
// shared into the pool (spec.md §6 "pool-sharing page counts").
func (m *Metrics) RecordShare() { m.SharedPages.Add(1) }

// Stop marks the pool as having stopped accepting new channels.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time read of Metrics.
type MetricsSnapshot struct {
	OnTrackOps    uint64
	DerailedOps   uint64
	OnTrackBytes  uint64
	DerailedBytes uint64
	IOErrors      uint64

	ForcefullyUnmapped uint64
	DerailEvents       uint64
	SharedPages        uint64

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	TotalOps   uint64
	TotalBytes uint64
	IOPS       float64
	Bandwidth  float64
	ErrorRate  float64
}

// Snapshot returns a consistent-enough point-in-time view of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		OnTrackOps:         m.OnTrackOps.Load(),
		DerailedOps:        m.DerailedOps.Load(),
		OnTrackBytes:       m.OnTrackBytes.Load(),
		DerailedBytes:      m.DerailedBytes.Load(),
		IOErrors:           m.IOErrors.Load(),
		ForcefullyUnmapped: m.ForcefullyUnmapped.Load(),
		DerailEvents:       m.DerailEvents.Load(),
		SharedPages:        m.SharedPages.Load(),
	}

	snap.TotalOps = snap.OnTrackOps + snap.DerailedOps
	snap.TotalBytes = snap.OnTrackBytes + snap.DerailedBytes

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.IOPS = float64(snap.TotalOps) / uptimeSeconds
		snap.Bandwidth = float64(snap.TotalBytes) / uptimeSeconds
	}

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.IOErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at percentile (0.0-1.0) via
// linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters; useful in tests.
func (m *Metrics) Reset() {
	m.OnTrackOps.Store(0)
	m.DerailedOps.Store(0)
	m.OnTrackBytes.Store(0)
	m.DerailedBytes.Store(0)
	m.IOErrors.Store(0)
	m.ForcefullyUnmapped.Store(0)
	m.DerailEvents.Store(0)
	m.SharedPages.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver implements internal/interfaces.Observer on top of a
// Metrics, the same adapter shape the teacher's MetricsObserver wraps
// around its device Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver returns an observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveIO(onTrack bool, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordIO(onTrack, bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveForcefulUnmap(channel int, chunkID uint32) {
	o.metrics.RecordForcefulUnmap()
}

func (o *MetricsObserver) ObserveDerail(channel int) {
	o.metrics.RecordDerail()
}

func (o *MetricsObserver) ObserveShare(channel int, chunkID uint32) {
	o.metrics.RecordShare()
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveIO(bool, uint64, uint64, bool)  {}
func (NoOpObserver) ObserveForcefulUnmap(int, uint32)      {}
func (NoOpObserver) ObserveDerail(int)                     {}
func (NoOpObserver) ObserveShare(int, uint32)              {}

// fanoutObserver forwards every observation to each of observers in turn,
// letting a Pool feed its own Metrics while still honoring whatever
// Options.Observer the caller supplied. A nil entry is skipped, so a caller
// that never set Options.Observer (left as NoOpObserver by withDefaults)
// doesn't pay for a second no-op dispatch.
type fanoutObserver struct {
	observers []interfaces.Observer
}

func (f *fanoutObserver) ObserveIO(onTrack bool, bytes uint64, latencyNs uint64, success bool) {
	for _, o := range f.observers {
		if o != nil {
			o.ObserveIO(onTrack, bytes, latencyNs, success)
		}
	}
}

func (f *fanoutObserver) ObserveForcefulUnmap(channel int, chunkID uint32) {
	for _, o := range f.observers {
		if o != nil {
			o.ObserveForcefulUnmap(channel, chunkID)
		}
	}
}

func (f *fanoutObserver) ObserveDerail(channel int) {
	for _, o := range f.observers {
		if o != nil {
			o.ObserveDerail(channel)
		}
	}
}

func (f *fanoutObserver) ObserveShare(channel int, chunkID uint32) {
	for _, o := range f.observers {
		if o != nil {
			o.ObserveShare(channel, chunkID)
		}
	}
}

var (
	_ interfaces.Observer = (*MetricsObserver)(nil)
	_ interfaces.Observer = NoOpObserver{}
	_ interfaces.Observer = (*fanoutObserver)(nil)
)
