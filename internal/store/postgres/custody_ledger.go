package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// CustodyLedger implements domain.CustodyLedger on the custody_accounts and
// custody_transfers tables.
type CustodyLedger struct {
	q querier
}

// NewCustodyLedger creates a new CustodyLedger.
func NewCustodyLedger(q querier) *CustodyLedger {
	return &CustodyLedger{q: q}
}

// OpenAccount creates an empty account.
func (l *CustodyLedger) OpenAccount(ctx context.Context, account domain.Identity) error {
	tag, err := l.q.Exec(ctx,
		`INSERT INTO custody_accounts (account) VALUES ($1) ON CONFLICT (account) DO NOTHING`,
		string(account),
	)
	if err != nil {
		return fmt.Errorf("postgres: open account %s: %w", account, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: open account %s: %w", account, domain.ErrAlreadyExists)
	}
	return nil
}

// CloseAccount deletes an account whose balance is zero.
func (l *CustodyLedger) CloseAccount(ctx context.Context, account domain.Identity) error {
	tag, err := l.q.Exec(ctx,
		`DELETE FROM custody_accounts WHERE account = $1 AND balance = 0`,
		string(account),
	)
	if err != nil {
		return fmt.Errorf("postgres: close account %s: %w", account, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := l.Balance(ctx, account); err != nil {
		return err
	}
	return fmt.Errorf("postgres: close account %s: %w", account, domain.ErrAccountNotEmpty)
}

// Transfer moves amount between accounts. The debit is guarded in SQL so a
// concurrent writer can never drive a balance negative.
func (l *CustodyLedger) Transfer(ctx context.Context, from, to domain.Identity, amount uint64, memo string) (domain.CustodyTransfer, error) {
	if amount == 0 {
		return domain.CustodyTransfer{}, domain.ErrInvalidAmount
	}
	amt, err := toBigint(amount)
	if err != nil {
		return domain.CustodyTransfer{}, err
	}

	tag, err := l.q.Exec(ctx,
		`UPDATE custody_accounts SET balance = balance - $2 WHERE account = $1 AND balance >= $2`,
		string(from), amt,
	)
	if err != nil {
		return domain.CustodyTransfer{}, fmt.Errorf("postgres: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := l.Balance(ctx, from); err != nil {
			return domain.CustodyTransfer{}, err
		}
		return domain.CustodyTransfer{}, fmt.Errorf("postgres: debit %s: %w", from, domain.ErrInsufficientFunds)
	}
	if err := l.credit(ctx, to, amt); err != nil {
		return domain.CustodyTransfer{}, err
	}
	return l.record(ctx, from, to, amount, memo)
}

// Deposit credits an account from outside the ledger.
func (l *CustodyLedger) Deposit(ctx context.Context, account domain.Identity, amount uint64) (domain.CustodyTransfer, error) {
	if amount == 0 {
		return domain.CustodyTransfer{}, domain.ErrInvalidAmount
	}
	amt, err := toBigint(amount)
	if err != nil {
		return domain.CustodyTransfer{}, err
	}
	if err := l.credit(ctx, account, amt); err != nil {
		return domain.CustodyTransfer{}, err
	}
	return l.record(ctx, "", account, amount, "deposit")
}

// Balance returns the balance of an account.
func (l *CustodyLedger) Balance(ctx context.Context, account domain.Identity) (uint64, error) {
	var bal int64
	err := l.q.QueryRow(ctx,
		`SELECT balance FROM custody_accounts WHERE account = $1`, string(account),
	).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres: account %s: %w", account, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: balance %s: %w", account, err)
	}
	return uint64(bal), nil
}

// ListTransfersBefore returns ledger movements created before the cutoff.
func (l *CustodyLedger) ListTransfersBefore(ctx context.Context, before time.Time) ([]domain.CustodyTransfer, error) {
	const query = `
		SELECT id, from_account, to_account, amount, memo, created_at
		FROM custody_transfers WHERE created_at < $1 ORDER BY id`
	rows, err := l.q.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transfers: %w", err)
	}
	defer rows.Close()

	var out []domain.CustodyTransfer
	for rows.Next() {
		var (
			t        domain.CustodyTransfer
			from, to string
			amount   int64
		)
		if err := rows.Scan(&t.ID, &from, &to, &amount, &t.Memo, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan transfer: %w", err)
		}
		t.From, t.To, t.Amount = domain.Identity(from), domain.Identity(to), uint64(amount)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list transfers rows: %w", err)
	}
	return out, nil
}

func (l *CustodyLedger) credit(ctx context.Context, account domain.Identity, amt int64) error {
	const query = `
		INSERT INTO custody_accounts (account, balance) VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE SET balance = custody_accounts.balance + EXCLUDED.balance`
	if _, err := l.q.Exec(ctx, query, string(account), amt); err != nil {
		return fmt.Errorf("postgres: credit %s: %w", account, err)
	}
	return nil
}

func (l *CustodyLedger) record(ctx context.Context, from, to domain.Identity, amount uint64, memo string) (domain.CustodyTransfer, error) {
	t := domain.CustodyTransfer{From: from, To: to, Amount: amount, Memo: memo}
	err := l.q.QueryRow(ctx,
		`INSERT INTO custody_transfers (from_account, to_account, amount, memo)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		string(from), string(to), int64(amount), memo,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return domain.CustodyTransfer{}, fmt.Errorf("postgres: record transfer: %w", err)
	}
	return t, nil
}
