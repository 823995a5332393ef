package switchboard

import "encoding/binary"

// MarshalError reports a malformed wire buffer.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

// ErrInsufficientData is returned by Unmarshal when data is shorter than
// WireSize.
const ErrInsufficientData MarshalError = "switchboard: insufficient data for unmarshaling"

// Marshal serializes b into its stable wire layout (spec.md §6), field by
// field with explicit byte offsets rather than an unsafe struct cast, so
// the format stays correct independent of Go's struct padding (the way
// internal/uapi's Marshal hand-writes ChannelStats).
func Marshal(b *Board) []byte {
	buf := make([]byte, WireSize)
	off := 0

	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(b.UserBufferIdx.Load()))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], b.Consumed.Load())
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], b.AvgTscDelta.Load())
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], b.DataBuffer)
	off += 8

	for i := range b.Entries {
		binary.LittleEndian.PutUint32(buf[off:off+4], b.Entries[i].val.Load())
		off += 4
	}

	binary.LittleEndian.PutUint64(buf[off:off+8], b.NrConsumedChunk.Load())
	off += 8

	return buf
}

// Unmarshal populates b from a WireSize-length buffer produced by Marshal.
func Unmarshal(data []byte, b *Board) error {
	if len(data) < WireSize {
		return ErrInsufficientData
	}
	off := 0

	b.UserBufferIdx.Store(int32(binary.LittleEndian.Uint32(data[off : off+4])))
	off += 4
	b.Consumed.Store(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	b.AvgTscDelta.Store(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	b.DataBuffer = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8

	for i := range b.Entries {
		b.Entries[i].val.Store(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
	}

	b.NrConsumedChunk.Store(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8

	return nil
}
