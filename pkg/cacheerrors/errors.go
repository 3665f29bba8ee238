// Package cacheerrors defines the error taxonomy surfaced by the metadata
// cache to its callers (spec section "error handling design").
package cacheerrors

import (
	"errors"
	"fmt"
)

// Kind classifies a cache error so callers can branch on errors.Is without
// parsing strings.
type Kind int

const (
	// KindNotFound means the requested partition key falls in a
	// non-covered range (exact lookup) or past the table's end.
	KindNotFound Kind = iota
	// KindCorruption means a master response violated an invariant, e.g.
	// an interned tserver index was out of range.
	KindCorruption
	// KindNetworkError means DNS resolution produced no addresses or a
	// transport failure persisted past retries.
	KindNetworkError
	// KindServiceUnavailable means the master reported it is unavailable.
	KindServiceUnavailable
	// KindTimedOut means a deadline was exceeded, including while waiting
	// for a master-lookup permit.
	KindTimedOut
	// KindRemoteError is a passthrough for errors surfaced verbatim by a
	// remote collaborator (master or tablet server).
	KindRemoteError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindCorruption:
		return "Corruption"
	case KindNetworkError:
		return "NetworkError"
	case KindServiceUnavailable:
		return "ServiceUnavailable"
	case KindTimedOut:
		return "TimedOut"
	case KindRemoteError:
		return "RemoteError"
	default:
		return "Unknown"
	}
}

// Sentinel errors for errors.Is comparisons against the Kind carried by Error.
var (
	ErrNotFound           = errors.New("cacheerrors: not found")
	ErrCorruption         = errors.New("cacheerrors: corruption")
	ErrNetworkError       = errors.New("cacheerrors: network error")
	ErrServiceUnavailable = errors.New("cacheerrors: service unavailable")
	ErrTimedOut           = errors.New("cacheerrors: timed out")
	ErrRemoteError        = errors.New("cacheerrors: remote error")
)

func sentinelFor(k Kind) error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindCorruption:
		return ErrCorruption
	case KindNetworkError:
		return ErrNetworkError
	case KindServiceUnavailable:
		return ErrServiceUnavailable
	case KindTimedOut:
		return ErrTimedOut
	default:
		return ErrRemoteError
	}
}

// Error is the concrete error type returned by this module. Range carries a
// human-readable description of the offending non-covered range for
// KindNotFound errors, populated from CacheEntry.DebugString.
type Error struct {
	Kind    Kind
	Message string
	Range   string
}

func (e *Error) Error() string {
	if e.Range != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Range)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return sentinelFor(e.Kind)
}

// Is lets errors.Is(err, cacheerrors.ErrNotFound) succeed for any *Error of
// matching Kind, and also lets two *Error values of the same Kind compare
// equal regardless of message.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Kind == other.Kind
	}
	return errors.Is(sentinelFor(e.Kind), target)
}

// NotFound builds a NotFound error describing a non-covered range.
func NotFound(msg, rangeDesc string) *Error {
	return &Error{Kind: KindNotFound, Message: msg, Range: rangeDesc}
}

// Corruption builds a Corruption error for a master response invariant
// violation.
func Corruption(format string, args ...any) *Error {
	return &Error{Kind: KindCorruption, Message: fmt.Sprintf(format, args...)}
}

// NetworkError builds a NetworkError.
func NetworkError(format string, args ...any) *Error {
	return &Error{Kind: KindNetworkError, Message: fmt.Sprintf(format, args...)}
}

// ServiceUnavailable builds a ServiceUnavailable error.
func ServiceUnavailable(msg string) *Error {
	return &Error{Kind: KindServiceUnavailable, Message: msg}
}

// TimedOut builds a TimedOut error.
func TimedOut(msg string) *Error {
	return &Error{Kind: KindTimedOut, Message: msg}
}

// RemoteError wraps an error surfaced verbatim by a remote collaborator.
func RemoteError(err error) *Error {
	return &Error{Kind: KindRemoteError, Message: err.Error()}
}

// Incomplete is a private sentinel used internally by the fast path to mean
// "no verdict yet, go to the master" -- it is never returned to callers.
var Incomplete = errors.New("cacheerrors: incomplete, must consult master")

// IsIncomplete reports whether err is the internal Incomplete sentinel.
func IsIncomplete(err error) bool {
	return errors.Is(err, Incomplete)
}

// CloneAndPrepend returns a new *Error (or wraps a plain error) with msg
// prepended to the message, mirroring Kudu's Status::CloneAndPrepend used
// throughout meta_cache.cc for diagnosability.
func CloneAndPrepend(err error, msg string) error {
	var ce *Error
	if errors.As(err, &ce) {
		return &Error{Kind: ce.Kind, Message: msg + ": " + ce.Message, Range: ce.Range}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
