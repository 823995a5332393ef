package uapi

import "encoding/binary"

// MarshalError reports a malformed wire buffer.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

// ErrInsufficientData is returned by Unmarshal when data is shorter than
// ChannelStatsWireSize.
const ErrInsufficientData MarshalError = "uapi: insufficient data for unmarshaling"

// Marshal serializes cs into its stable wire layout, field by field with
// explicit byte offsets rather than an unsafe struct cast (the same
// approach switchboard.Marshal takes for Board).
func Marshal(cs *ChannelStats) []byte {
	buf := make([]byte, ChannelStatsWireSize)
	off := 0

	binary.LittleEndian.PutUint32(buf[off:off+4], cs.ChannelID)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], cs.State)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], cs.NrConsumedChunk)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], cs.IOOnTrack)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], cs.IODerailed)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], cs.SoftirqCount)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], cs.ForcefullyUnmapped)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], cs.NumMappedChunkDerailed)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], cs.DerailedIOBytes)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(cs.NumSharedPages))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(cs.NumUsingPages))
	off += 4

	return buf
}

// Unmarshal populates cs from a ChannelStatsWireSize-length buffer
// produced by Marshal.
func Unmarshal(data []byte, cs *ChannelStats) error {
	if len(data) < ChannelStatsWireSize {
		return ErrInsufficientData
	}
	off := 0

	cs.ChannelID = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	cs.State = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	cs.NrConsumedChunk = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	cs.IOOnTrack = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	cs.IODerailed = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	cs.SoftirqCount = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	cs.ForcefullyUnmapped = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	cs.NumMappedChunkDerailed = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	cs.DerailedIOBytes = binary.LittleEndian.Uint64(data[off : off+8])
	off += 8
	cs.NumSharedPages = int32(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	cs.NumUsingPages = int32(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4

	return nil
}
