package uapi

import "testing"

func TestChannelStatsMarshalUnmarshalRoundTrip(t *testing.T) {
	cs := ChannelStats{
		ChannelID:              3,
		State:                  2,
		NrConsumedChunk:        1000,
		IOOnTrack:              42,
		IODerailed:             7,
		SoftirqCount:           5,
		ForcefullyUnmapped:     2,
		NumMappedChunkDerailed: 1,
		DerailedIOBytes:        2 << 20,
		NumSharedPages:         9,
		NumUsingPages:          4,
	}

	data := Marshal(&cs)
	if len(data) != ChannelStatsWireSize {
		t.Fatalf("Marshal length = %d, want %d", len(data), ChannelStatsWireSize)
	}

	var out ChannelStats
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != cs {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, cs)
	}
}

func TestChannelStatsUnmarshalRejectsShortBuffer(t *testing.T) {
	var out ChannelStats
	if err := Unmarshal(make([]byte, ChannelStatsWireSize-1), &out); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}

func TestPoolStatsAddAggregatesAcrossChannels(t *testing.T) {
	var p PoolStats
	p.PoolKey = "test-pool"

	p.Add(ChannelStats{ChannelID: 0, NrConsumedChunk: 10, IOOnTrack: 5, IODerailed: 1, ForcefullyUnmapped: 2, DerailedIOBytes: 100})
	p.Add(ChannelStats{ChannelID: 1, NrConsumedChunk: 20, IOOnTrack: 3, IODerailed: 4, ForcefullyUnmapped: 0, DerailedIOBytes: 50})

	if p.ChannelCount != 2 {
		t.Fatalf("ChannelCount = %d, want 2", p.ChannelCount)
	}
	if p.NrConsumedChunk != 30 {
		t.Fatalf("NrConsumedChunk = %d, want 30", p.NrConsumedChunk)
	}
	if p.IOOnTrack != 8 || p.IODerailed != 5 {
		t.Fatalf("IOOnTrack/IODerailed = %d/%d, want 8/5", p.IOOnTrack, p.IODerailed)
	}
	if p.ForcefullyUnmapped != 2 {
		t.Fatalf("ForcefullyUnmapped = %d, want 2", p.ForcefullyUnmapped)
	}
	if p.DerailedIOBytes != 150 {
		t.Fatalf("DerailedIOBytes = %d, want 150", p.DerailedIOBytes)
	}
}
