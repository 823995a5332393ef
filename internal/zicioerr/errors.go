// Package zicioerr provides structured error kinds for the shared-pool
// ingest core, shared by every internal package and re-exported at the
// root for public API ergonomics.
package zicioerr

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind is a high-level error category, one per recovery strategy in
// spec.md §7.
type Kind string

const (
	// KindOutOfCapacity covers pool attach/SPCB-alloc/id-queue-full — no
	// local recovery, surfaces as ENOMEM to the caller.
	KindOutOfCapacity Kind = "out of capacity"
	// KindMappingFailure covers GhostTable install failures — caller
	// leaves the slot EMPTY and retries on the next cycle.
	KindMappingFailure Kind = "mapping failure"
	// KindTransportError covers BlockTransport submit/completion errors —
	// no local recovery, channel marks the chunk failed and derails.
	KindTransportError Kind = "transport error"
	// KindDerailment is raised internally when head wraps or forceful
	// unmap overtakes the channel; the state transition itself is the
	// recovery.
	KindDerailment Kind = "derailment"
	// KindContentionBackoff covers premap/unmap iterator races — caller
	// retries.
	KindContentionBackoff Kind = "contention backoff"
	// KindStaleLookup covers an SPCB whose refcount was bumped but whose
	// chunk_id changed underneath the lookup — caller releases and
	// treats as a miss.
	KindStaleLookup Kind = "stale lookup"
	// KindTimeout covers a timer firing with no work available — caller
	// re-arms with a 1-jiffy delay.
	KindTimeout Kind = "timeout"

	// Legacy-shaped categories, mirrored from the teacher's error set for
	// the control-plane-adjacent parts of the public API (pool/channel
	// open, not found, busy, etc).
	KindNotImplemented     Kind = "not implemented"
	KindNotFound           Kind = "not found"
	KindBusy               Kind = "busy"
	KindInvalidParameters  Kind = "invalid parameters"
	KindPermissionDenied   Kind = "permission denied"
	KindInsufficientMemory Kind = "insufficient memory"
)

// Error is a structured zicio error with enough context to log and to
// match programmatically via errors.Is/As.
type Error struct {
	Op      string // operation that failed, e.g. "attach", "premap"
	PoolID  string // pool key, if applicable
	Channel int    // channel id, -1 if not applicable
	ChunkID uint32 // chunk id, if applicable (0 is a valid chunk id, check Op)
	Kind    Kind
	Errno   syscall.Errno // kernel errno, if any
	Msg     string
	Inner   error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.PoolID != "" {
		parts = append(parts, fmt.Sprintf("pool=%s", e.PoolID))
	}
	if e.Channel >= 0 {
		parts = append(parts, fmt.Sprintf("channel=%d", e.Channel))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("zicio: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("zicio: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Kind == te.Kind
	}
	return false
}

// New creates a plain structured error.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Channel: -1, Kind: kind, Msg: msg}
}

// NewChannel creates a channel-scoped error.
func NewChannel(op string, channel int, kind Kind, msg string) *Error {
	return &Error{Op: op, Channel: channel, Kind: kind, Msg: msg}
}

// NewChunk creates a chunk-scoped error (used by premap/reclaim paths).
func NewChunk(op string, channel int, chunkID uint32, kind Kind, msg string) *Error {
	return &Error{Op: op, Channel: channel, ChunkID: chunkID, Kind: kind, Msg: msg}
}

// Wrap wraps an arbitrary error with zicio context, mapping syscall errno
// to a Kind the same way the teacher's WrapError maps ublk errno.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ze, ok := inner.(*Error); ok {
		return &Error{Op: op, PoolID: ze.PoolID, Channel: ze.Channel, ChunkID: ze.ChunkID,
			Kind: ze.Kind, Errno: ze.Errno, Msg: ze.Msg, Inner: ze.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Channel: -1, Kind: mapErrno(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Channel: -1, Kind: KindTransportError, Msg: inner.Error(), Inner: inner}
}

func mapErrno(errno syscall.Errno) Kind {
	switch errno {
	case syscall.ENOENT:
		return KindNotFound
	case syscall.EBUSY:
		return KindBusy
	case syscall.EINVAL, syscall.E2BIG:
		return KindInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return KindNotImplemented
	case syscall.EPERM, syscall.EACCES:
		return KindPermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return KindInsufficientMemory
	default:
		return KindTransportError
	}
}

// Is reports whether err is a *Error with the given Kind.
func Is(err error, kind Kind) bool {
	var ze *Error
	if errors.As(err, &ze) {
		return ze.Kind == kind
	}
	return false
}
