package ghost

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapMapper is the production interfaces.GhostMapper: one channel's
// ghost table shares a single reserved VA window (NumSlots*chunkBytes,
// anonymous, MAP_SHARED so every slot can be independently mprotect'd),
// grounded on the teacher's raw mmap calls in
// internal/queue/runner.go, upgraded to the x/sys/unix wrappers already
// in the teacher's require list. Installing a page mprotects the slot's
// region read-write, copies the page in, then drops it to read-only;
// revoking mprotects it PROT_NONE. The kernel's mprotect call itself
// performs the TLB shootdown this user-space simulation stands in for
// the original's explicit PTE-clear-then-flush sequence.
type MmapMapper struct {
	window    []byte
	chunkSize int64
}

// NewMmapMapper reserves a NumSlots*chunkSize VA window.
func NewMmapMapper(chunkSize int64) (*MmapMapper, error) {
	size := int(chunkSize) * NumSlots
	window, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("ghost: reserve va window: %w", err)
	}
	return &MmapMapper{window: window, chunkSize: chunkSize}, nil
}

// BaseAddr returns the base virtual address of the reserved window, for
// recording in the channel's switchboard.Board.DataBuffer field (spec.md
// §6: "base VA of the channel's ... window").
func (m *MmapMapper) BaseAddr() uint64 {
	return uint64(uintptr(unsafe.Pointer(&m.window[0])))
}

func (m *MmapMapper) slotRegion(slotIdx int) []byte {
	off := int64(slotIdx) * m.chunkSize
	return m.window[off : off+m.chunkSize]
}

// Map implements interfaces.GhostMapper: installs page at slotIdx.
func (m *MmapMapper) Map(slotIdx int, page []byte) error {
	region := m.slotRegion(slotIdx)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("ghost: mprotect rw slot %d: %w", slotIdx, err)
	}
	copy(region, page)
	if err := unix.Mprotect(region, unix.PROT_READ); err != nil {
		return fmt.Errorf("ghost: mprotect ro slot %d: %w", slotIdx, err)
	}
	return nil
}

// Unmap implements interfaces.GhostMapper: revokes slotIdx.
func (m *MmapMapper) Unmap(slotIdx int) error {
	region := m.slotRegion(slotIdx)
	if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
		return fmt.Errorf("ghost: mprotect none slot %d: %w", slotIdx, err)
	}
	return nil
}

// FlushTLB implements interfaces.GhostMapper. mprotect already forces the
// kernel to shoot down stale TLB entries for the affected range, so there
// is nothing further to do from user space.
func (m *MmapMapper) FlushTLB(slotIdx int) error { return nil }

// Close releases the VA window.
func (m *MmapMapper) Close() error {
	return unix.Munmap(m.window)
}
