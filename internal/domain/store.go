package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Status EscrowStatus
}

// EscrowStore persists escrow records keyed by seed.
type EscrowStore interface {
	Create(ctx context.Context, e Escrow) error
	Get(ctx context.Context, seed uint64) (Escrow, error)
	Update(ctx context.Context, e Escrow) error
	Delete(ctx context.Context, seed uint64) error
	List(ctx context.Context, opts ListOpts) ([]Escrow, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Escrow, error)
}

// CustodyTransfer is one movement in the custody ledger. From is empty for
// external deposits.
type CustodyTransfer struct {
	ID        int64     `json:"id"`
	From      Identity  `json:"from,omitempty"`
	To        Identity  `json:"to"`
	Amount    uint64    `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CustodyLedger holds balances of the staked asset per named account.
// Transfer fails with ErrInsufficientFunds when the source cannot cover
// the amount and with ErrInvalidAmount when the amount is zero. Crediting
// an account that does not exist creates it.
type CustodyLedger interface {
	OpenAccount(ctx context.Context, account Identity) error
	CloseAccount(ctx context.Context, account Identity) error
	Transfer(ctx context.Context, from, to Identity, amount uint64, memo string) (CustodyTransfer, error)
	Deposit(ctx context.Context, account Identity, amount uint64) (CustodyTransfer, error)
	Balance(ctx context.Context, account Identity) (uint64, error)
	ListTransfersBefore(ctx context.Context, before time.Time) ([]CustodyTransfer, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit, offset int) ([]AuditEntry, error)
}

// Tx exposes the stores bound to one unit of work.
type Tx interface {
	Escrows() EscrowStore
	Custody() CustodyLedger
	Audit() AuditStore
}

// UnitOfWork runs fn atomically: every write made through tx is committed
// when fn returns nil and discarded otherwise.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
