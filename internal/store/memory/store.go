// Package memory is an in-process implementation of the escrow stores. A
// unit of work runs against a copy of the state which replaces the live
// state only when the work succeeds.
package memory

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// Store implements domain.UnitOfWork.
type Store struct {
	mu    sync.Mutex
	st    *state
	nowFn func() time.Time
}

type state struct {
	escrows     map[uint64]domain.Escrow
	accounts    map[domain.Identity]uint64
	transfers   []domain.CustodyTransfer
	audit       []domain.AuditEntry
	transferSeq int64
	auditSeq    int64
}

func (s *state) clone() *state {
	return &state{
		escrows:     maps.Clone(s.escrows),
		accounts:    maps.Clone(s.accounts),
		transfers:   append([]domain.CustodyTransfer(nil), s.transfers...),
		audit:       append([]domain.AuditEntry(nil), s.audit...),
		transferSeq: s.transferSeq,
		auditSeq:    s.auditSeq,
	}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		st: &state{
			escrows:  make(map[uint64]domain.Escrow),
			accounts: make(map[domain.Identity]uint64),
		},
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used to stamp ledger and audit rows.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = now
}

// Do implements domain.UnitOfWork. Units of work are serialized.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(ctx, &tx{st: work, now: s.nowFn}); err != nil {
		return err
	}
	s.st = work
	return nil
}

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) Escrows() domain.EscrowStore   { return escrowStore{t} }
func (t *tx) Custody() domain.CustodyLedger { return custodyLedger{t} }
func (t *tx) Audit() domain.AuditStore      { return auditStore{t} }

type escrowStore struct{ *tx }

func (s escrowStore) Create(_ context.Context, e domain.Escrow) error {
	if _, ok := s.st.escrows[e.Seed]; ok {
		return fmt.Errorf("memory: escrow %d: %w", e.Seed, domain.ErrAlreadyExists)
	}
	s.st.escrows[e.Seed] = e
	return nil
}

func (s escrowStore) Get(_ context.Context, seed uint64) (domain.Escrow, error) {
	e, ok := s.st.escrows[seed]
	if !ok {
		return domain.Escrow{}, fmt.Errorf("memory: escrow %d: %w", seed, domain.ErrNotFound)
	}
	return e, nil
}

func (s escrowStore) Update(_ context.Context, e domain.Escrow) error {
	if _, ok := s.st.escrows[e.Seed]; !ok {
		return fmt.Errorf("memory: escrow %d: %w", e.Seed, domain.ErrNotFound)
	}
	s.st.escrows[e.Seed] = e
	return nil
}

func (s escrowStore) Delete(_ context.Context, seed uint64) error {
	if _, ok := s.st.escrows[seed]; !ok {
		return fmt.Errorf("memory: escrow %d: %w", seed, domain.ErrNotFound)
	}
	delete(s.st.escrows, seed)
	return nil
}

func (s escrowStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Escrow, error) {
	out := make([]domain.Escrow, 0, len(s.st.escrows))
	for _, e := range s.st.escrows {
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seed < out[j].Seed })
	return page(out, opts.Limit, opts.Offset), nil
}

func (s escrowStore) ListClosedBefore(_ context.Context, before time.Time) ([]domain.Escrow, error) {
	var out []domain.Escrow
	for _, e := range s.st.escrows {
		if e.Status == domain.EscrowClosed && e.UpdatedAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seed < out[j].Seed })
	return out, nil
}

type custodyLedger struct{ *tx }

func (l custodyLedger) OpenAccount(_ context.Context, account domain.Identity) error {
	if _, ok := l.st.accounts[account]; ok {
		return fmt.Errorf("memory: account %s: %w", account, domain.ErrAlreadyExists)
	}
	l.st.accounts[account] = 0
	return nil
}

func (l custodyLedger) CloseAccount(_ context.Context, account domain.Identity) error {
	bal, ok := l.st.accounts[account]
	if !ok {
		return fmt.Errorf("memory: account %s: %w", account, domain.ErrNotFound)
	}
	if bal != 0 {
		return fmt.Errorf("memory: account %s holds %d: %w", account, bal, domain.ErrAccountNotEmpty)
	}
	delete(l.st.accounts, account)
	return nil
}

func (l custodyLedger) Transfer(_ context.Context, from, to domain.Identity, amount uint64, memo string) (domain.CustodyTransfer, error) {
	if amount == 0 {
		return domain.CustodyTransfer{}, domain.ErrInvalidAmount
	}
	bal, ok := l.st.accounts[from]
	if !ok {
		return domain.CustodyTransfer{}, fmt.Errorf("memory: account %s: %w", from, domain.ErrNotFound)
	}
	if bal < amount {
		return domain.CustodyTransfer{}, fmt.Errorf("memory: account %s: %w", from, domain.ErrInsufficientFunds)
	}
	l.st.accounts[from] = bal - amount
	if err := l.credit(to, amount); err != nil {
		l.st.accounts[from] = bal
		return domain.CustodyTransfer{}, err
	}
	return l.record(from, to, amount, memo), nil
}

func (l custodyLedger) Deposit(_ context.Context, account domain.Identity, amount uint64) (domain.CustodyTransfer, error) {
	if amount == 0 {
		return domain.CustodyTransfer{}, domain.ErrInvalidAmount
	}
	if err := l.credit(account, amount); err != nil {
		return domain.CustodyTransfer{}, err
	}
	return l.record("", account, amount, "deposit"), nil
}

// credit adds amount to account. Balances are capped at math.MaxInt64, the
// range of the postgres bigint column.
func (l custodyLedger) credit(account domain.Identity, amount uint64) error {
	bal := l.st.accounts[account]
	if amount > math.MaxInt64 || bal > math.MaxInt64-amount {
		return fmt.Errorf("memory: credit %d to %s exceeds balance limit: %w", amount, account, domain.ErrInvalidAmount)
	}
	l.st.accounts[account] = bal + amount
	return nil
}

func (l custodyLedger) Balance(_ context.Context, account domain.Identity) (uint64, error) {
	bal, ok := l.st.accounts[account]
	if !ok {
		return 0, fmt.Errorf("memory: account %s: %w", account, domain.ErrNotFound)
	}
	return bal, nil
}

func (l custodyLedger) ListTransfersBefore(_ context.Context, before time.Time) ([]domain.CustodyTransfer, error) {
	var out []domain.CustodyTransfer
	for _, t := range l.st.transfers {
		if t.CreatedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (l custodyLedger) record(from, to domain.Identity, amount uint64, memo string) domain.CustodyTransfer {
	l.st.transferSeq++
	t := domain.CustodyTransfer{
		ID:        l.st.transferSeq,
		From:      from,
		To:        to,
		Amount:    amount,
		Memo:      memo,
		CreatedAt: l.now(),
	}
	l.st.transfers = append(l.st.transfers, t)
	return t
}

type auditStore struct{ *tx }

func (a auditStore) Log(_ context.Context, event string, detail map[string]any) error {
	a.st.auditSeq++
	a.st.audit = append(a.st.audit, domain.AuditEntry{
		ID:        a.st.auditSeq,
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: a.now(),
	})
	return nil
}

// List returns entries newest first.
func (a auditStore) List(_ context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	out := make([]domain.AuditEntry, 0, len(a.st.audit))
	for i := len(a.st.audit) - 1; i >= 0; i-- {
		out = append(out, a.st.audit[i])
	}
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
