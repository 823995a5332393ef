package switchboard

import "testing"

func TestEntryLifecycle(t *testing.T) {
	var e Entry

	if status, _ := e.Load(); status != StatusEmpty {
		t.Fatalf("expected fresh entry EMPTY, got %v", status)
	}

	if !e.PublishReady(1234) {
		t.Fatalf("expected PublishReady to succeed from EMPTY")
	}
	if status, fb := e.Load(); status != StatusReady || fb != 1234 {
		t.Fatalf("got status=%v filled=%d, want READY/1234", status, fb)
	}
	if e.PublishReady(1) {
		t.Fatalf("expected PublishReady to fail once already READY")
	}

	fb, ok := e.TryConsumerTake()
	if !ok || fb != 1234 {
		t.Fatalf("TryConsumerTake: got fb=%d ok=%v", fb, ok)
	}
	if status, _ := e.Load(); status != StatusInUse {
		t.Fatalf("expected INUSE after take, got %v", status)
	}
	if _, ok := e.TryConsumerTake(); ok {
		t.Fatalf("expected second take to fail")
	}

	e.ConsumerDone()
	if status, fb := e.Load(); status != StatusDone || fb != 1234 {
		t.Fatalf("expected DONE/1234 after ConsumerDone, got %v/%d", status, fb)
	}

	if !e.Reset() {
		t.Fatalf("expected Reset to succeed from DONE")
	}
	if status, fb := e.Load(); status != StatusEmpty || fb != 0 {
		t.Fatalf("expected EMPTY/0 after reset, got %v/%d", status, fb)
	}
}

func TestEntryForcefulUnmapNeverTouchesInUse(t *testing.T) {
	var e Entry
	e.PublishReady(99)
	if _, ok := e.TryConsumerTake(); !ok {
		t.Fatalf("expected take to succeed")
	}
	if e.TryForcefulDone() {
		t.Fatalf("expected forceful done to refuse an INUSE entry")
	}
}

func TestEntryForcefulUnmapFromReady(t *testing.T) {
	var e Entry
	e.PublishReady(50)
	if !e.TryForcefulDone() {
		t.Fatalf("expected forceful done to succeed from READY")
	}
	if status, fb := e.Load(); status != StatusDone || fb != 50 {
		t.Fatalf("got %v/%d, want DONE/50", status, fb)
	}
}

func TestUpdateAvgTscDeltaEMA(t *testing.T) {
	b := New(0xdead0000)
	b.UpdateAvgTscDelta(1000)
	if got := b.AvgTscDelta.Load(); got != 1000 {
		t.Fatalf("first update should seed ema directly via the formula, got %d", got)
	}
	b.UpdateAvgTscDelta(2000)
	want := (uint64(2000)<<7 + 1920*1000) >> 11
	if got := b.AvgTscDelta.Load(); got != want {
		t.Fatalf("got ema=%d, want %d", got, want)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	b := New(0x1000000000)
	b.UserBufferIdx.Store(7)
	b.Consumed.Store(42)
	b.AvgTscDelta.Store(555)
	b.Entries[3].PublishReady(77)
	b.NrConsumedChunk.Store(99)

	data := Marshal(b)
	if len(data) != WireSize {
		t.Fatalf("Marshal length = %d, want %d", len(data), WireSize)
	}

	var out Board
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.UserBufferIdx.Load() != 7 || out.Consumed.Load() != 42 || out.AvgTscDelta.Load() != 555 {
		t.Fatalf("header mismatch after round trip")
	}
	if out.DataBuffer != 0x1000000000 {
		t.Fatalf("DataBuffer mismatch: got %x", out.DataBuffer)
	}
	if status, fb := out.Entries[3].Load(); status != StatusReady || fb != 77 {
		t.Fatalf("entry 3 mismatch: got %v/%d", status, fb)
	}
	if out.NrConsumedChunk.Load() != 99 {
		t.Fatalf("NrConsumedChunk mismatch")
	}
}

func TestUnmarshalRejectsShortBuffer(t *testing.T) {
	var out Board
	if err := Unmarshal(make([]byte, WireSize-1), &out); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

// TestEncodeDecodeRoundTripAcrossDomain exercises spec.md §8 scenario S6
// ("for every (status, bytes), read_status(pack(s,b)) = s and
// read_bytes(pack(s,b)) = b"): all 4 statuses, crossed with filled-byte
// values spanning both ends and the boundary of the 30-bit field.
func TestEncodeDecodeRoundTripAcrossDomain(t *testing.T) {
	byteValues := []uint32{0, 1, 1 << 15, filledBytesMask - 1, filledBytesMask}
	statuses := []Status{StatusEmpty, StatusReady, StatusInUse, StatusDone}

	for _, s := range statuses {
		for _, b := range byteValues {
			v := encode(s, b)
			gotStatus, gotBytes := decode(v)
			if gotStatus != s || gotBytes != b {
				t.Fatalf("round trip failed for (status=%v, bytes=%d): got (%v, %d)", s, b, gotStatus, gotBytes)
			}
		}
	}
}

// TestEncodeDecodeIgnoresBytesOverflowingTheField mirrors the packing
// rule itself: bytes beyond the 30-bit field are truncated by encode,
// not rejected, matching a plain bitmask pack with no overflow check.
func TestEncodeDecodeIgnoresBytesOverflowingTheField(t *testing.T) {
	v := encode(StatusReady, filledBytesMask+5)
	_, gotBytes := decode(v)
	if gotBytes != 4 {
		t.Fatalf("expected overflow bytes truncated to 4, got %d", gotBytes)
	}
}
