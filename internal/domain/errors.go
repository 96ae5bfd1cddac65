package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidEntryFee   = errors.New("invalid entry fee")
	ErrInvalidParty      = errors.New("invalid party identity")
	ErrCorruptRecord     = errors.New("corrupt escrow record")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid transfer amount")
	ErrAccountNotEmpty   = errors.New("custody account not empty")
	ErrUnknownFeed       = errors.New("unknown price feed")
	ErrStalePrice        = errors.New("price observation too old")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrLockHeld          = errors.New("lock already held")
)

// EscrowErrorKind classifies a rejected escrow transition.
type EscrowErrorKind string

const (
	KindNotAvailable      EscrowErrorKind = "NotAvailable"
	KindPriceTooDifferent EscrowErrorKind = "PriceTooDifferent"
	KindCannotWithdraw    EscrowErrorKind = "CannotWithdraw"
	KindNotEscrowCreator  EscrowErrorKind = "NotEscrowCreator"
	KindNotSide           EscrowErrorKind = "NotSide"
	KindNotAccepted       EscrowErrorKind = "NotAccepted"
	KindNotFinished       EscrowErrorKind = "NotFinished"
)

// EscrowError is returned when a transition is not allowed for the current
// record or caller. The record is never modified when one is returned.
type EscrowError struct {
	Kind EscrowErrorKind
	Msg  string
}

func (e *EscrowError) Error() string { return e.Msg }

// Is matches any EscrowError of the same kind.
func (e *EscrowError) Is(target error) bool {
	var t *EscrowError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotAvailable      = &EscrowError{Kind: KindNotAvailable, Msg: "Escrow deal not available"}
	ErrPriceTooDifferent = &EscrowError{Kind: KindPriceTooDifferent, Msg: "Price too different to accept"}
	// ErrCannotWithdraw is never raised; withdrawing an accepted escrow
	// reports ErrNotAvailable.
	ErrCannotWithdraw   = &EscrowError{Kind: KindCannotWithdraw, Msg: "Escrow already accepted"}
	ErrNotEscrowCreator = &EscrowError{Kind: KindNotEscrowCreator, Msg: "Not creator of escrow"}
	ErrNotSide          = &EscrowError{Kind: KindNotSide, Msg: "Not participant in the escrow"}
	ErrNotAccepted      = &EscrowError{Kind: KindNotAccepted, Msg: "Not accepted escrow"}
	ErrNotFinished      = &EscrowError{Kind: KindNotFinished, Msg: "No escrow winner yet"}
)

// AsEscrowError unwraps err into an EscrowError if it carries one.
func AsEscrowError(err error) (*EscrowError, bool) {
	var e *EscrowError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
