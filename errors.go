package zicio

import "github.com/behrlich/zicio/internal/zicioerr"

// Error is the structured error type every public operation returns on
// failure, re-exported so callers never need to import internal/zicioerr
// directly.
type Error = zicioerr.Error

// Kind categorizes an Error by recovery strategy (spec.md §7).
type Kind = zicioerr.Kind

const (
	KindOutOfCapacity      = zicioerr.KindOutOfCapacity
	KindMappingFailure     = zicioerr.KindMappingFailure
	KindTransportError     = zicioerr.KindTransportError
	KindDerailment         = zicioerr.KindDerailment
	KindContentionBackoff  = zicioerr.KindContentionBackoff
	KindStaleLookup        = zicioerr.KindStaleLookup
	KindTimeout            = zicioerr.KindTimeout
	KindNotFound           = zicioerr.KindNotFound
	KindBusy               = zicioerr.KindBusy
	KindInvalidParameters  = zicioerr.KindInvalidParameters
	KindPermissionDenied   = zicioerr.KindPermissionDenied
	KindInsufficientMemory = zicioerr.KindInsufficientMemory
)

// IsKind reports whether err is a *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	return zicioerr.Is(err, kind)
}
