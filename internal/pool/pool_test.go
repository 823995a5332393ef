package pool

import (
	"testing"

	"github.com/behrlich/zicio/internal/spcb"
)

func newTestPool(t *testing.T, numFiles int, fileBytes, chunkBytes int64) *Pool {
	t.Helper()
	files := make([]File, numFiles)
	for i := range files {
		files[i] = File{ID: uint32(i), SizeBytes: fileBytes}
	}
	fs := NewFileSet(files, chunkBytes)
	cfg := Config{MaxSPCBs: 8, JiffyNs: 4_000_000, TSCFreqHz: 1_000_000_000, ChunkBytes: chunkBytes}
	return Create("test-pool", fs, cfg)
}

func TestCreateSeedsIDQueueAndSPCBs(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20)

	seen := map[int32]bool{}
	for i := 0; i < p.cfg.MaxSPCBs; i++ {
		id, ok := p.ids.Dequeue()
		if !ok {
			t.Fatalf("expected %d free ids, got %d", p.cfg.MaxSPCBs, i)
		}
		seen[id] = true
	}
	if len(seen) != p.cfg.MaxSPCBs {
		t.Fatalf("expected %d distinct slot ids, got %d", p.cfg.MaxSPCBs, len(seen))
	}
	if _, ok := p.ids.Dequeue(); ok {
		t.Fatalf("expected queue exhausted")
	}
}

func TestAttachDetachPinCount(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20)

	id0, err := p.Attach()
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	id1, _ := p.Attach()
	if id0 == id1 {
		t.Fatalf("expected distinct channel ids, got %d twice", id0)
	}

	if last := p.Detach(); last {
		t.Fatalf("did not expect last-pin after one detach of two attaches plus the pool's own")
	}
	if last := p.Detach(); last {
		t.Fatalf("did not expect last-pin yet, pool itself still holds a pin")
	}
	if last := p.Detach(); !last {
		t.Fatalf("expected last-pin after detaching the pool's own reference")
	}
}

func TestAllocateHeadAdvancesMonotonically(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20) // 4 chunks total

	id, derailed := p.AllocateHead(0)
	if id != 0 || derailed {
		t.Fatalf("first AllocateHead: got id=%d derailed=%v", id, derailed)
	}
	id, derailed = p.AllocateHead(0)
	if id != 1 || derailed {
		t.Fatalf("second AllocateHead: got id=%d derailed=%v", id, derailed)
	}
}

func TestAllocateHeadDerailsWhenPoolLapsChannel(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20) // T = 4 chunks

	// Advance head far past the channel's own start so the next allocation
	// laps it.
	for i := 0; i < 4; i++ {
		p.AllocateHead(0)
	}
	_, derailed := p.AllocateHead(0)
	if !derailed {
		t.Fatalf("expected derailment once head - start >= T")
	}
}

func TestPublishAndLookupRoundTrip(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20)

	slotID, ok := p.ids.Dequeue()
	if !ok {
		t.Fatalf("expected a free slot")
	}
	s := p.SPCBAt(slotID)
	s.SetChunkID(7)
	s.ChunkSize = 2 << 20
	s.SetUsed(true)

	if err := p.Publish(s, 1000); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	found := p.Lookup(7)
	if found == nil {
		t.Fatalf("expected lookup hit for chunk 7")
	}
	defer found.DecRef()
	if found.SlotIdx() != int(slotID) {
		t.Fatalf("lookup returned wrong slot: got %d want %d", found.SlotIdx(), slotID)
	}

	if valid, _ := p.shared.Test(7); !valid {
		t.Fatalf("expected chunk 7 marked VALID in shared bitvector")
	}

	if miss := p.Lookup(99); miss != nil {
		t.Fatalf("expected lookup miss for unpublished chunk")
	}
}

func TestPublishRejectsEmptyChunkPtr(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20)
	s := p.SPCBAt(0)
	s.ChunkPtr = nil

	if err := p.Publish(s, 0); err == nil {
		t.Fatalf("expected error publishing an SPCB with no backing buffer")
	}
}

func TestReclaimCandidatesStopsAtFirstIneligible(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20)

	var contribute []*spcb.SPCB
	for i := 0; i < 3; i++ {
		slotID, _ := p.ids.Dequeue()
		s := p.SPCBAt(slotID)
		s.SetChunkID(uint32(i))
		s.ChunkSize = 2 << 20
		s.SetUsed(true)
		if err := p.Publish(s, 0); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		contribute = append(contribute, s)
	}
	// Only the first two have actually expired; the third's deadline is
	// still far in the future.
	contribute[0].SetExpDeadline(-1)
	contribute[1].SetExpDeadline(-1)
	contribute[2].SetExpDeadline(1 << 40)

	reclaimed, remaining := p.ReclaimCandidates(contribute, 1_000_000)
	if len(reclaimed) != 2 {
		t.Fatalf("expected first 2 reclaimed, got %d", len(reclaimed))
	}
	if len(remaining) != 1 || remaining[0] != contribute[2] {
		t.Fatalf("expected chunk 2's entry to remain untouched")
	}
	if p.Lookup(0) != nil {
		t.Fatalf("expected chunk 0 removed from hash after reclaim")
	}
	if found := p.Lookup(2); found == nil {
		t.Fatalf("expected chunk 2 still present in hash")
	} else {
		found.DecRef()
	}
}

func TestReclaimCandidatesSkipsLiveRefs(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20)

	slotID, _ := p.ids.Dequeue()
	s := p.SPCBAt(slotID)
	s.SetChunkID(0)
	s.ChunkSize = 2 << 20
	s.SetUsed(true)
	if err := p.Publish(s, 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	s.SetExpDeadline(-1)
	s.IncRef() // simulate a channel still holding this chunk

	reclaimed, remaining := p.ReclaimCandidates([]*spcb.SPCB{s}, 1_000_000)
	if len(reclaimed) != 0 {
		t.Fatalf("expected no reclaim while ref_count > 0, got %d", len(reclaimed))
	}
	if len(remaining) != 1 {
		t.Fatalf("expected the live entry to remain")
	}
}

func TestDebugSnapshotReflectsPoolState(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20)

	slotID, _ := p.ids.Dequeue()
	s := p.SPCBAt(slotID)
	s.SetChunkID(0)
	s.ChunkSize = 2 << 20
	s.SetUsed(true)
	if err := p.Publish(s, 0); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	p.AllocateHead(0)
	p.UpdateAvgConsume(4_000_000)

	snap := p.DebugSnapshot()
	if snap.Key != "test-pool" {
		t.Fatalf("expected key 'test-pool', got %q", snap.Key)
	}
	if snap.Head != 1 {
		t.Fatalf("expected head=1 after one AllocateHead, got %d", snap.Head)
	}
	if snap.Pin != 1 {
		t.Fatalf("expected pin=1 (pool's own pin, no channels attached), got %d", snap.Pin)
	}
	if snap.FreeSlots != p.cfg.MaxSPCBs-1 {
		t.Fatalf("expected %d free slots after dequeuing one, got %d", p.cfg.MaxSPCBs-1, snap.FreeSlots)
	}
	if snap.AvgChunkConsumeNs == 0 {
		t.Fatal("expected a non-zero avg consume EMA after UpdateAvgConsume")
	}
}

func TestDestroyRefusesWhileChannelsAttached(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20)

	if _, err := p.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := p.Destroy(); err == nil {
		t.Fatal("expected Destroy to refuse while a channel is attached")
	}

	p.Detach()
	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !p.Destroyed() {
		t.Fatal("expected Destroyed() to report true after Destroy")
	}
}

func TestDestroyIsNotReentrant(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20)

	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := p.Destroy(); err == nil {
		t.Fatal("expected a second Destroy call to fail")
	}
}

func TestDestroyResetsSharedState(t *testing.T) {
	p := newTestPool(t, 1, 8<<20, 2<<20)

	p.AllocateHead(0)
	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if p.Head() != 0 {
		t.Fatalf("expected head reset to 0 after Destroy, got %d", p.Head())
	}
	if _, ok := p.ids.Dequeue(); ok {
		t.Fatal("expected no free slot ids left to dequeue after Destroy")
	}
}
