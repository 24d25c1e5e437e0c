// Package apperr defines the error-kind taxonomy shared by every core
// component. Errors are registered cosmossdk.io/errors codes so callers
// can both pattern-match on Kind and print a stable machine code.
package apperr

import (
	"errors"

	cosmoserrors "cosmossdk.io/errors"
)

const codespace = "pebble"

// Kind classifies a failure the way callers are expected to branch on.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindInsufficientFunds
	KindInsufficientPosition
	KindRateLimited
	KindLedgerUnavailable
	KindLedgerRejected
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindInsufficientPosition:
		return "InsufficientPosition"
	case KindRateLimited:
		return "RateLimited"
	case KindLedgerUnavailable:
		return "LedgerUnavailable"
	case KindLedgerRejected:
		return "LedgerRejected"
	default:
		return "Internal"
	}
}

// registered errors, one per Kind, each carrying a stable code within
// the "pebble" codespace so apperr.KindOf can recover the Kind from any
// error produced by Wrap/Newf below.
var (
	ErrInternal              = cosmoserrors.Register(codespace, 1, "internal error")
	ErrValidation             = cosmoserrors.Register(codespace, 2, "validation failed")
	ErrNotFound               = cosmoserrors.Register(codespace, 3, "not found")
	ErrConflict               = cosmoserrors.Register(codespace, 4, "conflict")
	ErrInsufficientFunds      = cosmoserrors.Register(codespace, 5, "insufficient funds")
	ErrInsufficientPosition   = cosmoserrors.Register(codespace, 6, "insufficient position")
	ErrRateLimited            = cosmoserrors.Register(codespace, 7, "rate limited")
	ErrLedgerUnavailable      = cosmoserrors.Register(codespace, 8, "ledger unavailable")
	ErrLedgerRejected         = cosmoserrors.Register(codespace, 9, "ledger rejected")
)

var sentinels = map[Kind]*cosmoserrors.Error{
	KindInternal:             ErrInternal,
	KindValidation:           ErrValidation,
	KindNotFound:             ErrNotFound,
	KindConflict:             ErrConflict,
	KindInsufficientFunds:    ErrInsufficientFunds,
	KindInsufficientPosition: ErrInsufficientPosition,
	KindRateLimited:          ErrRateLimited,
	KindLedgerUnavailable:    ErrLedgerUnavailable,
	KindLedgerRejected:       ErrLedgerRejected,
}

// Code is the stable machine-readable code surfaced to transport.
type Code string

// New builds an error of the given kind, wrapping msg and an optional
// machine Code for the transport layer to map to an HTTP status.
func New(kind Kind, code Code, msg string) error {
	base := sentinels[kind]
	if code == "" {
		return cosmoserrors.Wrap(base, msg)
	}
	return cosmoserrors.Wrapf(base, "%s: %s", code, msg)
}

// Wrap attaches a Kind to an existing error without discarding it.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return cosmoserrors.Wrap(sentinels[kind], msg+": "+err.Error())
}

// KindOf recovers the Kind from an error produced by New/Wrap. Errors
// from outside this package (or bare stdlib errors) classify as
// KindInternal; callers should prefer apperr for anything user-visible.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	for k, sentinel := range sentinels {
		if cosmoserrors.Is(err, sentinel) || errors.Is(err, sentinel) {
			return k
		}
	}
	return KindInternal
}

// Is reports whether err was produced with the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
