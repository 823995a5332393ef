package uring

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/behrlich/zicio/internal/interfaces"
)

// StubTransport is a pure-Go interfaces.BlockTransport: it serves reads via
// os.File.ReadAt on the calling goroutine instead of a real ring, the same
// role the teacher's iouring_stub.go / NewStubRunner play for environments
// without a kernel io_uring (CI, non-Linux dev machines).
type StubTransport struct {
	mu     sync.Mutex
	files  map[uint32]*os.File
	closed bool
}

// NewStubTransport returns an empty stub transport.
func NewStubTransport() *StubTransport {
	return &StubTransport{files: make(map[uint32]*os.File)}
}

// RegisterFile associates fileID with path, same contract as Transport's.
func (s *StubTransport) RegisterFile(fileID uint32, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("uring: open %q: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.files[fileID]; ok {
		old.Close()
	}
	s.files[fileID] = f
	return nil
}

// Submit implements interfaces.BlockTransport synchronously: it calls
// onComplete before returning, which is fine for tests but means callers
// must not hold locks FirehoseCtrl needs across Submit.
func (s *StubTransport) Submit(ctx context.Context, req interfaces.BlockRequest, onComplete func(filledBytes uint32, err error)) error {
	s.mu.Lock()
	f, ok := s.files[req.FileID]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("uring: stub transport closed")
	}
	if !ok {
		return fmt.Errorf("uring: file id %d not registered", req.FileID)
	}

	n, err := f.ReadAt(req.Dest[:req.ChunkSize], req.ChunkOffset)
	if err != nil && err != io.EOF {
		onComplete(0, err)
		return nil
	}
	onComplete(uint32(n), nil)
	return nil
}

// Close closes every registered file.
func (s *StubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, f := range s.files {
		f.Close()
	}
	return nil
}
