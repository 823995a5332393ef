package zicio

import (
	"syscall"
	"testing"

	"github.com/behrlich/zicio/internal/zicioerr"
)

func TestIsKindMatchesWrappedErrno(t *testing.T) {
	err := zicioerr.Wrap("attach", syscall.ENOMEM)
	if !IsKind(err, KindInsufficientMemory) {
		t.Errorf("expected KindInsufficientMemory, got %v", err)
	}
	if IsKind(err, KindTimeout) {
		t.Error("IsKind should not match an unrelated kind")
	}
}

func TestIsKindNilError(t *testing.T) {
	if IsKind(nil, KindTimeout) {
		t.Error("IsKind should return false for a nil error")
	}
}
