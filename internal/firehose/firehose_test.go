package firehose

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/behrlich/zicio/internal/channel"
	"github.com/behrlich/zicio/internal/pool"
	"github.com/behrlich/zicio/internal/switchboard"
)

type fakeMapper struct{ mapped map[int]bool }

func newFakeMapper() *fakeMapper { return &fakeMapper{mapped: map[int]bool{}} }
func (f *fakeMapper) Map(slotIdx int, page []byte) error { f.mapped[slotIdx] = true; return nil }
func (f *fakeMapper) Unmap(slotIdx int) error            { delete(f.mapped, slotIdx); return nil }
func (f *fakeMapper) FlushTLB(slotIdx int) error         { return nil }

// failingMapper always fails Map, used to exercise the logging path when
// TryPremap's error used to be silently discarded.
type failingMapper struct{}

func (failingMapper) Map(slotIdx int, page []byte) error { return errTestMapFailed }
func (failingMapper) Unmap(slotIdx int) error            { return nil }
func (failingMapper) FlushTLB(slotIdx int) error         { return nil }

var errTestMapFailed = fakeErr("map failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

// recordingLogger captures Printf calls so tests can assert a swallowed
// error actually got logged instead of silently discarded.
type recordingLogger struct{ lines []string }

func (l *recordingLogger) Printf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}
func (l *recordingLogger) Debugf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func newTestPool(t *testing.T, numChunks int) *pool.Pool {
	t.Helper()
	files := []pool.File{{ID: 0, SizeBytes: int64(numChunks) * (2 << 20)}}
	fs := pool.NewFileSet(files, 2<<20)
	cfg := pool.Config{MaxSPCBs: 8, JiffyNs: 4_000_000, TSCFreqHz: 1_000_000_000, ChunkBytes: 2 << 20}
	return pool.Create("test-pool", fs, cfg)
}

func newTestCtrl(t *testing.T, numChunks int) (*Ctrl, *channel.Channel) {
	t.Helper()
	p := newTestPool(t, numChunks)
	ch, err := channel.Open(p, switchboard.New(0), newFakeMapper(), 0)
	if err != nil {
		t.Fatalf("channel.Open: %v", err)
	}
	clk := int64(0)
	now := func() int64 { return clk }
	ctrl := New(ch, NewFakeTransport(), now, nil)
	return ctrl, ch
}

func TestDoWorkSubmitsAndPublishesOnTrack(t *testing.T) {
	ctrl, ch := newTestCtrl(t, 4)

	decision, err := ctrl.DoWork(context.Background(), ReasonNoIO)
	if err != nil {
		t.Fatalf("DoWork: %v", err)
	}
	if decision != DecisionIOSubmitted {
		t.Fatalf("expected IOSubmitted, got %v", decision)
	}
	if !ch.IsOnTrack() {
		t.Fatalf("expected channel OnTrack after first successful allocate_head")
	}
	if ch.NumSharedPages() != 1 {
		t.Fatalf("expected 1 shared page published, got %d", ch.NumSharedPages())
	}
}

func TestDoWorkPremapsAlreadyCachedChunkWithoutNewIO(t *testing.T) {
	// Two channels attach to the same pool before either fetches anything,
	// so both start with StartChunkIDNoMod == 0 (spec.md §1: consumers of
	// the same file set share physical pages). Channel A alone drives the
	// pool's head forward; channel B must then be able to catch up purely
	// from the shared cache.
	p := newTestPool(t, 8)

	chA, err := channel.Open(p, switchboard.New(0), newFakeMapper(), 0)
	if err != nil {
		t.Fatalf("channel.Open A: %v", err)
	}
	chB, err := channel.Open(p, switchboard.New(0), newFakeMapper(), 1)
	if err != nil {
		t.Fatalf("channel.Open B: %v", err)
	}

	clk := int64(0)
	now := func() int64 { return clk }
	ctrlA := New(chA, NewFakeTransport(), now, nil)
	transportB := NewFakeTransport()
	ctrlB := New(chB, transportB, now, nil)

	// Channel A fetches chunks 0, 1, 2, publishing each VALID+REF in the
	// shared bitvector and advancing the pool head to 3.
	for i := 0; i < 3; i++ {
		if _, err := ctrlA.DoWork(context.Background(), ReasonNoIO); err != nil {
			t.Fatalf("DoWork A #%d: %v", i, err)
		}
	}

	beforePremapIter := chB.Ghost.PremapIter()
	if _, err := ctrlB.PremapFromPool(0); err != nil {
		t.Fatalf("PremapFromPool B: %v", err)
	}

	if got := chB.Ghost.PremapIter() - beforePremapIter; got == 0 {
		t.Fatalf("expected channel B to premap cached chunks from the pool, premap_iter did not advance")
	}
	if n := transportB.SubmitCount(); n != 0 {
		t.Fatalf("expected channel B to serve cached chunks without issuing I/O, got %d Submit calls", n)
	}
}

func TestDoWorkDerailsWhenPoolLapsChannel(t *testing.T) {
	ctrl, ch := newTestCtrl(t, 2) // tiny file set: T=2

	for i := 0; i < 3; i++ {
		if _, err := ctrl.DoWork(context.Background(), ReasonNoIO); err != nil {
			t.Fatalf("DoWork #%d: %v", i, err)
		}
	}
	if ch.State() != channel.StateDerailed {
		t.Fatalf("expected channel derailed after pool laps it, got %v", ch.State())
	}
}

func TestDoWorkReturnsIONotNeededWhenFarAheadOfConsumer(t *testing.T) {
	ctrl, ch := newTestCtrl(t, 100)

	// Advance head well past the tracked average ingestion point (which
	// stays at 0 since no completion has run UpdateAvgIngestion yet), so
	// distance_from_head = head - avg_ingestion is large: the channel has
	// already prefetched far more than the consumer has read.
	for i := 0; i < 10; i++ {
		if _, derailed := ch.Pool.AllocateHead(0); derailed {
			t.Fatalf("unexpected derailment while priming head")
		}
	}

	decision, err := ctrl.DoWork(context.Background(), ReasonNoIO)
	if err != nil {
		t.Fatalf("DoWork: %v", err)
	}
	if decision != DecisionIONotNeeded {
		t.Fatalf("expected IONotNeeded once distance_from_head exceeds the watermark, got %v", decision)
	}
}

type recordingObserver struct {
	ioCalls    int
	shareCalls int
	derailCalls int
}

func (o *recordingObserver) ObserveIO(onTrack bool, bytes uint64, latencyNs uint64, success bool) {
	o.ioCalls++
}
func (o *recordingObserver) ObserveForcefulUnmap(channel int, chunkID uint32) {}
func (o *recordingObserver) ObserveDerail(channel int)                       { o.derailCalls++ }
func (o *recordingObserver) ObserveShare(channel int, chunkID uint32)        { o.shareCalls++ }

func TestDoWorkReportsIOAndShareToObserver(t *testing.T) {
	ctrl, _ := newTestCtrl(t, 4)
	obs := &recordingObserver{}
	ctrl.Observer = obs

	if _, err := ctrl.DoWork(context.Background(), ReasonNoIO); err != nil {
		t.Fatalf("DoWork: %v", err)
	}

	if obs.ioCalls != 1 {
		t.Fatalf("expected 1 ObserveIO call, got %d", obs.ioCalls)
	}
	if obs.shareCalls != 1 {
		t.Fatalf("expected 1 ObserveShare call for the on-track publish, got %d", obs.shareCalls)
	}
}

func TestDoWorkReportsDerailToObserver(t *testing.T) {
	ctrl, ch := newTestCtrl(t, 2)
	obs := &recordingObserver{}
	ctrl.Observer = obs

	for i := 0; i < 3; i++ {
		if _, err := ctrl.DoWork(context.Background(), ReasonNoIO); err != nil {
			t.Fatalf("DoWork #%d: %v", i, err)
		}
	}
	if ch.State() != channel.StateDerailed {
		t.Fatalf("expected channel derailed, got %v", ch.State())
	}
	if obs.derailCalls == 0 {
		t.Fatal("expected at least one ObserveDerail call")
	}
}

func TestCtrlStatsTracksOnTrackAndDerailedCounters(t *testing.T) {
	ctrl, _ := newTestCtrl(t, 4)

	if _, err := ctrl.DoWork(context.Background(), ReasonNoIO); err != nil {
		t.Fatalf("DoWork: %v", err)
	}

	ioOnTrack, ioDerailed, derailedBytes, forcefulUnmapped, derailEvents := ctrl.Stats()
	if ioOnTrack != 1 {
		t.Fatalf("expected ioOnTrack=1, got %d", ioOnTrack)
	}
	if ioDerailed != 0 || derailedBytes != 0 || forcefulUnmapped != 0 || derailEvents != 0 {
		t.Fatalf("expected only the on-track counter to move, got derailed=%d derailedBytes=%d forcefulUnmapped=%d derailEvents=%d",
			ioDerailed, derailedBytes, forcefulUnmapped, derailEvents)
	}
}

func TestCtrlStatsTracksDerailCounters(t *testing.T) {
	ctrl, ch := newTestCtrl(t, 2)

	for i := 0; i < 3; i++ {
		if _, err := ctrl.DoWork(context.Background(), ReasonNoIO); err != nil {
			t.Fatalf("DoWork #%d: %v", i, err)
		}
	}
	if ch.State() != channel.StateDerailed {
		t.Fatalf("expected channel derailed, got %v", ch.State())
	}

	_, ioDerailed, derailedBytes, _, derailEvents := ctrl.Stats()
	if derailEvents == 0 {
		t.Fatal("expected at least one derail event counted")
	}
	if ioDerailed == 0 || derailedBytes == 0 {
		t.Fatalf("expected at least one completed derailed fetch, got ioDerailed=%d derailedBytes=%d", ioDerailed, derailedBytes)
	}
}

// TestCloseForcefullyUnmapsReadySlots covers spec.md §8 scenario S5: a
// consumer stops reading with chunks still premapped READY, and Close must
// forcefully unmap them and drain num_using_pages to zero rather than
// hanging or silently leaving the ghost table occupied.
func TestCloseForcefullyUnmapsReadySlots(t *testing.T) {
	ctrl, ch := newTestCtrl(t, 4)

	for i := 0; i < 2; i++ {
		if _, err := ctrl.DoWork(context.Background(), ReasonNoIO); err != nil {
			t.Fatalf("DoWork #%d: %v", i, err)
		}
	}

	if got := ch.NumUsingPages(); got != 2 {
		t.Fatalf("expected 2 premapped (READY) slots before close, got %d", got)
	}

	if err := ch.Close(0); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := ch.NumUsingPages(); got != 0 {
		t.Fatalf("expected Close to forcefully unmap every READY slot, num_using_pages=%d", got)
	}
}

// TestDoWorkLogsPremapFailureInsteadOfSwallowingIt covers the review note
// that completeFetch used to discard TryPremap's error entirely: a
// failing GhostMapper must still let do_work succeed (the fetch itself
// landed fine) but the premap failure must reach the controller's Logger.
func TestDoWorkLogsPremapFailureInsteadOfSwallowingIt(t *testing.T) {
	p := newTestPool(t, 4)
	ch, err := channel.Open(p, switchboard.New(0), failingMapper{}, 0)
	if err != nil {
		t.Fatalf("channel.Open: %v", err)
	}
	clk := int64(0)
	now := func() int64 { return clk }
	logger := &recordingLogger{}
	ctrl := New(ch, NewFakeTransport(), now, nil)
	ctrl.Logger = logger

	if _, err := ctrl.DoWork(context.Background(), ReasonNoIO); err != nil {
		t.Fatalf("DoWork: %v", err)
	}

	found := false
	for _, line := range logger.lines {
		if strings.Contains(line, "premap") {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected a logged premap failure, got lines: %v", logger.lines)
	}
}
