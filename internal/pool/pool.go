// Package pool implements the shared-page cache (spec.md §4.1): the SPCB
// array, the chunk-keyed hash, the shared bitvector, the lock-free
// id-queue of free huge-page slots, file-set metadata, and the monotonic
// head counter channels draw chunk ids from.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/behrlich/zicio/internal/bitvector"
	"github.com/behrlich/zicio/internal/spcb"
	"github.com/behrlich/zicio/internal/zicioerr"
)

// Config tunes the pool's capacity and expiration policy. Defaults mirror
// the original zicio source's constants, exposed here per spec.md §9's
// open questions instead of being hardcoded.
type Config struct {
	MaxSPCBs   int   // default 64 (ZICIO_NUM_INIT_SPCB)
	JiffyNs    int64 // default 4,000,000 (4ms, HZ=250)
	TSCFreqHz  int64 // default 1e9 (test doubles can model TSC as nanoseconds directly)
	ChunkBytes int64 // default 2 MiB
}

// DefaultConfig returns the production-shaped defaults.
func DefaultConfig() Config {
	return Config{
		MaxSPCBs:   64,
		JiffyNs:    4_000_000,
		TSCFreqHz:  1_000_000_000,
		ChunkBytes: 2 << 20,
	}
}

// Pool is the shared-page cache coordinating many channels over one
// file set (spec.md §4.1 SharedPool).
type Pool struct {
	cfg     Config
	Key     string
	fileSet *FileSet

	hash   *spcb.Hash
	shared *bitvector.Shared
	ids    *IDQueue

	mu    sync.Mutex
	spcbs []*spcb.SPCB // all cfg.MaxSPCBs entries, allocated by Create

	head                   atomic.Uint64 // monotonic chunk-allocation counter
	pin                    atomic.Int32  // live attachment count; pool itself holds one
	curRequestedChunkCount atomic.Int32

	// avgChunkConsumeNs is an EMA (in nanoseconds) of per-chunk consume
	// time across all attached channels, fed by each channel's
	// switchboard avg_tsc_delta (spec.md §4.1 "ū").
	avgChunkConsumeNs atomic.Int64

	// avgUserIngestionMonotonicID is an EMA of attached channels' consumed
	// monotonic ids, used by FirehoseCtrl's distance_from_head watermark
	// check (spec.md §4.7 step 1-2).
	avgUserIngestionMonotonicID atomic.Uint64

	nextChannelID atomic.Int32

	destroyed atomic.Bool
}

// Create builds a pool over fileSet with the given config (spec.md §4.1
// create). It allocates all cfg.MaxSPCBs SPCBs, each with a ChunkBytes
// buffer, up front and enqueues their slot ids; nothing is allocated
// lazily on first use.
func Create(key string, fileSet *FileSet, cfg Config) *Pool {
	if cfg.MaxSPCBs <= 0 {
		cfg.MaxSPCBs = DefaultConfig().MaxSPCBs
	}
	if cfg.JiffyNs <= 0 {
		cfg.JiffyNs = DefaultConfig().JiffyNs
	}
	if cfg.TSCFreqHz <= 0 {
		cfg.TSCFreqHz = DefaultConfig().TSCFreqHz
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = DefaultConfig().ChunkBytes
	}
	capacity := uint32(1)
	for capacity < uint32(cfg.MaxSPCBs) {
		capacity <<= 1
	}
	p := &Pool{
		cfg:     cfg,
		Key:     key,
		fileSet: fileSet,
		hash:    spcb.NewHash(),
		shared:  bitvector.NewShared(fileSet.TotalChunks()),
		ids:     NewIDQueue(capacity, 0),
	}
	p.pin.Store(1) // the pool itself
	for i := 0; i < cfg.MaxSPCBs; i++ {
		p.spcbs = append(p.spcbs, spcb.New(i, int(cfg.ChunkBytes)))
		p.ids.Enqueue(int32(i))
	}
	return p
}

// FileSet returns the pool's file-set metadata.
func (p *Pool) FileSet() *FileSet { return p.fileSet }

// Config returns the pool's tuning configuration.
func (p *Pool) Config() Config { return p.cfg }

// Attach increments pin and allocates a fresh channel id (spec.md §4.1
// attach). Per-channel structures (local bitvector, tracking arrays) are
// built by the channel package, not here — Pool only owns the shared
// side of the contract.
func (p *Pool) Attach() (channelID int32, err error) {
	p.pin.Add(1)
	id := p.nextChannelID.Add(1) - 1
	return id, nil
}

// Detach decrements pin; when pin reaches zero the pool is torn down by
// the caller (spec.md §4.1 detach). The caller is responsible for having
// already waited for all of the channel's contributed SPCBs to reach
// ref_count=0 and be reclaimed.
func (p *Pool) Detach() (lastPin bool) {
	return p.pin.Add(-1) == 0
}

// Destroyed reports whether Destroy has already run.
func (p *Pool) Destroyed() bool { return p.destroyed.Load() }

// Destroy tears down the pool's SPCB array, hash, shared bitvector, and
// id-queue (spec.md §6 destroy_pool). It refuses while any channel beyond
// the pool's own pin remains attached — tearing down SPCBs out from under
// a live channel would violate R1-R4 — and is idempotent-rejecting like
// Channel.Close: a second call reports KindNotFound rather than
// re-destroying already-torn-down state.
func (p *Pool) Destroy() error {
	if p.pin.Load() > 1 {
		return zicioerr.New("destroy_pool", zicioerr.KindInvalidParameters, "cannot destroy pool with channels still attached")
	}
	if !p.destroyed.CompareAndSwap(false, true) {
		return zicioerr.New("destroy_pool", zicioerr.KindNotFound, "pool already destroyed")
	}

	p.mu.Lock()
	p.spcbs = nil
	p.mu.Unlock()

	p.hash = spcb.NewHash()
	p.shared = bitvector.NewShared(p.fileSet.TotalChunks())
	p.ids = NewIDQueue(1, 0)
	p.head.Store(0)
	return nil
}

// Head returns the current monotonic head counter's value without
// advancing it.
func (p *Pool) Head() uint64 { return p.head.Load() }

// AllocateHead atomically advances head and reports whether the calling
// channel (whose progress is startChunkIDNoMod) has derailed: if the
// returned head would land more than T chunks beyond startChunkIDNoMod,
// the pool has lapped the channel and it must fall back to private I/O
// (spec.md §4.1 allocate_head, §4.6).
func (p *Pool) AllocateHead(startChunkIDNoMod uint64) (monotonicID uint64, derailed bool) {
	T := uint64(p.fileSet.TotalChunks())
	id := p.head.Add(1) - 1
	if id >= startChunkIDNoMod+T {
		return id, true
	}
	return id, false
}

// CurRequestedChunkCount exposes the pool-wide in-flight I/O counter used
// by FirehoseCtrl's herd-avoidance check (spec.md §4.7 step 2).
func (p *Pool) CurRequestedChunkCount() *atomic.Int32 { return &p.curRequestedChunkCount }

// Shared exposes the pool's shared bitvector for premap scans.
func (p *Pool) Shared() *bitvector.Shared { return p.shared }

// Hash exposes the pool's chunk_id -> SPCB index.
func (p *Pool) Hash() *spcb.Hash { return p.hash }

// IDQueue exposes the lock-free free-slot queue.
func (p *Pool) IDQueue() *IDQueue { return p.ids }

// SPCBAt returns the SPCB bound to slotIdx (stable for the pool's
// lifetime).
func (p *Pool) SPCBAt(slotIdx int32) *spcb.SPCB {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spcbs[slotIdx]
}

// Lookup performs a refcounted hash lookup (spec.md §4.1 lookup). Callers
// must release (DecRef) when done with the returned SPCB.
func (p *Pool) Lookup(chunkID uint32) *spcb.SPCB {
	return p.hash.Lookup(chunkID)
}

// Publish inserts s into the hash and marks the chunk VALID and REF in the
// shared bitvector, after setting the chunk's expiration deadline (spec.md §4.1
// publish; R4: must be called strictly after ChunkPtr is filled and
// ChunkSize is set).
func (p *Pool) Publish(s *spcb.SPCB, now int64) error {
	if len(s.ChunkPtr) == 0 {
		return zicioerr.New("publish", zicioerr.KindInvalidParameters, "spcb chunk_ptr not filled")
	}
	s.SetShared(true)
	s.SetExpDeadline(p.expirationDeadline(now))
	p.hash.Publish(s)
	p.shared.SetValid(s.ChunkID())
	p.shared.SetRef(s.ChunkID())
	return nil
}

// expirationDeadline implements spec.md §4.1's expiration policy:
// L = max(1, jiffy_ns / ū); exp_deadline = now + max(4 jiffies,
// ceil(2*ū/jiffy_ns) jiffies).
func (p *Pool) expirationDeadline(now int64) int64 {
	u := p.avgChunkConsumeNs.Load()
	if u <= 0 {
		u = p.cfg.JiffyNs // no data yet; assume one jiffy per chunk
	}
	jiffies := int64(2*u) / p.cfg.JiffyNs
	if (2*u)%p.cfg.JiffyNs != 0 {
		jiffies++
	}
	if jiffies < 4 {
		jiffies = 4
	}
	return now + jiffies*p.cfg.JiffyNs
}

// ConsumableChunksPerJiffy returns L = max(1, jiffy_ns/ū) (spec.md §4.1,
// used by FirehoseCtrl's watermark W = 2L).
func (p *Pool) ConsumableChunksPerJiffy() int64 {
	u := p.avgChunkConsumeNs.Load()
	if u <= 0 {
		return 1
	}
	L := p.cfg.JiffyNs / u
	if L < 1 {
		L = 1
	}
	return L
}

// UpdateAvgConsume folds a channel's tsc-delta-derived consume time into
// the pool-wide EMA. tscDelta is converted to nanoseconds via
// cfg.TSCFreqHz before folding, resolving spec.md §9's tsc/jiffy open
// question.
func (p *Pool) UpdateAvgConsume(tscDelta uint64) {
	ns := int64(tscDelta) * 1_000_000_000 / p.cfg.TSCFreqHz
	for {
		old := p.avgChunkConsumeNs.Load()
		var next int64
		if old == 0 {
			next = ns
		} else {
			// EMA step per spec.md §6: ema' = (new<<7 + 1920*ema) >> 11
			// (weight 1/16), applied here in the ns domain the pool
			// tracks internally.
			next = (ns<<7 + 1920*old) >> 11
		}
		if p.avgChunkConsumeNs.CompareAndSwap(old, next) {
			return
		}
	}
}

// UpdateAvgIngestion folds a channel's newly consumed monotonic id into
// the pool-wide EMA that FirehoseCtrl compares head against
// (distance_from_head, spec.md §4.7 step 1). Uses the same 1/16-weight
// fixed-point step as the switchboard's avg_tsc_delta (spec.md §6).
func (p *Pool) UpdateAvgIngestion(monotonicID uint64) {
	for {
		old := p.avgUserIngestionMonotonicID.Load()
		var next uint64
		if old == 0 {
			next = monotonicID
		} else {
			next = (monotonicID<<7 + 1920*old) >> 11
		}
		if p.avgUserIngestionMonotonicID.CompareAndSwap(old, next) {
			return
		}
	}
}

// AvgUserIngestionMonotonicID returns the current EMA tracked by
// UpdateAvgIngestion.
func (p *Pool) AvgUserIngestionMonotonicID() uint64 {
	return p.avgUserIngestionMonotonicID.Load()
}

// Snapshot is a plain-struct, point-in-time dump of a pool's shared
// counters, grounded on the original zicio source's
// zicio_dump_shared_bitvector debug ioctl: a consistent read of the
// pool-wide state useful for tests and the stat board, not a live
// /proc-style interface.
type Snapshot struct {
	Key                         string
	TotalChunks                 uint32
	Head                        uint64
	Pin                         int32
	FreeSlots                   int
	CurRequestedChunkCount      int32
	AvgChunkConsumeNs           int64
	AvgUserIngestionMonotonicID uint64
}

// DebugSnapshot returns a consistent-enough snapshot of the pool's
// shared-side counters.
func (p *Pool) DebugSnapshot() Snapshot {
	return Snapshot{
		Key:                         p.Key,
		TotalChunks:                 p.fileSet.TotalChunks(),
		Head:                        p.head.Load(),
		Pin:                         p.pin.Load(),
		FreeSlots:                   p.ids.Available(),
		CurRequestedChunkCount:      p.curRequestedChunkCount.Load(),
		AvgChunkConsumeNs:           p.avgChunkConsumeNs.Load(),
		AvgUserIngestionMonotonicID: p.avgUserIngestionMonotonicID.Load(),
	}
}

// ReclaimCandidates walks contribute, the channel's contribute-SPCB array
// in insertion order, reclaiming each entry that satisfies R3
// (ref_count=0, exp_deadline<now, is_used=true), stopping at the first
// entry that does not (spec.md §4.1 reclaim_candidates "update-set
// rule"). It returns the reclaimed SPCBs and remaining, the subslice of
// contribute from the first ineligible entry on; contribute itself is not
// modified.
func (p *Pool) ReclaimCandidates(contribute []*spcb.SPCB, now int64) (reclaimed []*spcb.SPCB, remaining []*spcb.SPCB) {
	i := 0
	for ; i < len(contribute); i++ {
		s := contribute[i]
		s.SetReclaimerDeadline(now)
		ok := s.RefCount() == 0 && s.IsUsed() && s.Expired(now)
		s.SetReclaimerDeadline(0)
		if !ok {
			break
		}
		p.hash.Remove(s.ChunkID(), s)
		p.shared.ClearValidRef(s.ChunkID())
		s.Reset()
		p.ids.Enqueue(int32(s.SlotIdx()))
		reclaimed = append(reclaimed, s)
	}
	remaining = contribute[i:]
	return reclaimed, remaining
}
