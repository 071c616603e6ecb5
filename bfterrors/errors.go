// Package bfterrors is the domain error taxonomy of spec.md §7. Components
// convert transport/storage errors into one of these kinds at their
// boundary; the BFT task never panics on a remote-origin error.
package bfterrors

import "errors"

// Kind classifies an error for recovery/propagation policy (§7 table).
type Kind int

const (
	KindTransientIO Kind = iota
	KindProtocolViolation
	KindEquivocation
	KindMissingParents
	KindMissingTransmission
	KindStorageFailure
	KindLedgerRejection
	KindConfigError
	KindShuttingDown
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "TransientIO"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindEquivocation:
		return "Equivocation"
	case KindMissingParents:
		return "MissingParents"
	case KindMissingTransmission:
		return "MissingTransmission"
	case KindStorageFailure:
		return "StorageFailure"
	case KindLedgerRejection:
		return "LedgerRejection"
	case KindConfigError:
		return "ConfigError"
	case KindShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a domain Kind.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with kind. A nil cause is valid for sentinel-style errors.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Is reports whether err (or anything in its chain) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel errors for common, identity-comparable cases.
var (
	ErrEquivocation          = New(KindEquivocation, errors.New("conflicting certificate for (round, author)"))
	ErrMissingParents        = New(KindMissingParents, errors.New("parent certificates not yet stored"))
	ErrMissingTransmission   = New(KindMissingTransmission, errors.New("referenced transmission not locally available"))
	ErrRoundGarbageCollected = New(KindStorageFailure, errors.New("round is below the GC horizon"))
	ErrProtocolViolation     = New(KindProtocolViolation, errors.New("peer violated the wire protocol"))
	ErrShuttingDown          = New(KindShuttingDown, errors.New("component is shutting down"))
)
