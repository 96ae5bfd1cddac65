package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/escrow"
	"github.com/alanyoungcy/priceescrow/internal/metrics"
)

const (
	// DefaultLockTTL bounds how long a transition may hold the per-escrow lock.
	DefaultLockTTL = 10 * time.Second
	// DefaultLockWait is how long a transition waits for a busy lock.
	DefaultLockWait = 2 * time.Second

	lockRetryInterval = 25 * time.Millisecond
)

// EscrowNotifier receives committed escrow events.
type EscrowNotifier interface {
	NotifyEscrow(ctx context.Context, ev domain.EscrowEvent) error
}

// EscrowService runs escrow transitions. Each transition takes the escrow's
// distributed lock, then loads the record, runs the state machine and
// writes the record, custody movements and audit row in one unit of work.
// Events and notifications go out only after the unit of work commits.
type EscrowService struct {
	uow      domain.UnitOfWork
	machine  *escrow.Machine
	locks    domain.LockManager
	bus      domain.SignalBus
	notifier EscrowNotifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	lockTTL  time.Duration
	lockWait time.Duration
	nowFn    func() time.Time
}

// NewEscrowService creates an EscrowService. locks and bus may be nil, in
// which case transitions rely on the unit of work alone for isolation and
// no events are published.
func NewEscrowService(
	uow domain.UnitOfWork,
	machine *escrow.Machine,
	locks domain.LockManager,
	bus domain.SignalBus,
	m *metrics.Metrics,
	logger *slog.Logger,
) *EscrowService {
	return &EscrowService{
		uow:      uow,
		machine:  machine,
		locks:    locks,
		bus:      bus,
		metrics:  m,
		logger:   logger.With(slog.String("component", "escrow_service")),
		lockTTL:  DefaultLockTTL,
		lockWait: DefaultLockWait,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// WithNotifier attaches operator notifications for settle and withdraw.
func (s *EscrowService) WithNotifier(n EscrowNotifier) *EscrowService {
	s.notifier = n
	return s
}

// WithLockTiming overrides the lock TTL and wait. Non-positive values keep
// the defaults.
func (s *EscrowService) WithLockTiming(ttl, wait time.Duration) *EscrowService {
	if ttl > 0 {
		s.lockTTL = ttl
	}
	if wait > 0 {
		s.lockWait = wait
	}
	return s
}

// SetNowFunc overrides the clock used for event timestamps.
func (s *EscrowService) SetNowFunc(now func() time.Time) { s.nowFn = now }

// FeedID returns the oracle feed new escrows track.
func (s *EscrowService) FeedID() string { return s.machine.FeedID() }

// Create allocates a new escrow under seed.
func (s *EscrowService) Create(ctx context.Context, seed, entryFee uint64, caller domain.Identity) (domain.Escrow, error) {
	ev, err := s.transition(ctx, "create", seed, caller, func(ctx context.Context, tx domain.Tx) (domain.EscrowEvent, error) {
		if _, err := tx.Escrows().Get(ctx, seed); err == nil {
			return domain.EscrowEvent{}, fmt.Errorf("escrow %d: %w", seed, domain.ErrAlreadyExists)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return domain.EscrowEvent{}, err
		}
		rec, err := s.machine.Create(ctx, tx.Custody(), seed, entryFee, caller)
		if err != nil {
			return domain.EscrowEvent{}, err
		}
		if err := tx.Escrows().Create(ctx, rec); err != nil {
			return domain.EscrowEvent{}, err
		}
		return domain.EscrowEvent{Type: domain.EventCreated, Escrow: rec}, nil
	})
	return ev.Escrow, err
}

// Join takes the first side of an escrow.
func (s *EscrowService) Join(ctx context.Context, seed uint64, side domain.Side, caller, custody domain.Identity) (domain.Escrow, error) {
	custody = defaultCustody(caller, custody)
	if err := checkCustody(caller, custody); err != nil {
		return domain.Escrow{}, err
	}
	ev, err := s.transition(ctx, "join", seed, caller, func(ctx context.Context, tx domain.Tx) (domain.EscrowEvent, error) {
		rec, err := loadEscrow(ctx, tx, seed)
		if err != nil {
			return domain.EscrowEvent{}, err
		}
		next, err := s.machine.Join(ctx, tx.Custody(), rec, side, caller, custody)
		if err != nil {
			return domain.EscrowEvent{}, err
		}
		if err := tx.Escrows().Update(ctx, next); err != nil {
			return domain.EscrowEvent{}, err
		}
		return domain.EscrowEvent{Type: domain.EventJoined, Escrow: next}, nil
	})
	return ev.Escrow, err
}

// Accept takes the remaining side of a joined escrow.
func (s *EscrowService) Accept(ctx context.Context, seed uint64, caller, custody domain.Identity) (domain.Escrow, error) {
	custody = defaultCustody(caller, custody)
	if err := checkCustody(caller, custody); err != nil {
		return domain.Escrow{}, err
	}
	ev, err := s.transition(ctx, "accept", seed, caller, func(ctx context.Context, tx domain.Tx) (domain.EscrowEvent, error) {
		rec, err := loadEscrow(ctx, tx, seed)
		if err != nil {
			return domain.EscrowEvent{}, err
		}
		next, err := s.machine.Accept(ctx, tx.Custody(), rec, caller, custody)
		if err != nil {
			return domain.EscrowEvent{}, err
		}
		if err := tx.Escrows().Update(ctx, next); err != nil {
			return domain.EscrowEvent{}, err
		}
		return domain.EscrowEvent{Type: domain.EventAccepted, Escrow: next}, nil
	})
	return ev.Escrow, err
}

// Settle pays out an accepted escrow to its winner.
func (s *EscrowService) Settle(ctx context.Context, seed uint64, caller, custody domain.Identity) (domain.Escrow, domain.Payout, error) {
	custody = defaultCustody(caller, custody)
	if err := checkCustody(caller, custody); err != nil {
		return domain.Escrow{}, domain.Payout{}, err
	}
	ev, err := s.transition(ctx, "settle", seed, caller, func(ctx context.Context, tx domain.Tx) (domain.EscrowEvent, error) {
		rec, err := loadEscrow(ctx, tx, seed)
		if err != nil {
			return domain.EscrowEvent{}, err
		}
		next, payout, err := s.machine.Settle(ctx, tx.Custody(), rec, caller, custody)
		if err != nil {
			return domain.EscrowEvent{}, err
		}
		if err := tx.Escrows().Update(ctx, next); err != nil {
			return domain.EscrowEvent{}, err
		}
		return domain.EscrowEvent{Type: domain.EventSettled, Escrow: next, Payout: &payout}, nil
	})
	if err != nil {
		return domain.Escrow{}, domain.Payout{}, err
	}
	s.metrics.AddPayout(ev.Payout.Amount)
	return ev.Escrow, *ev.Payout, nil
}

// Withdraw ends an unmatched or settled escrow and deletes its record.
func (s *EscrowService) Withdraw(ctx context.Context, seed uint64, caller domain.Identity) (domain.Refund, error) {
	ev, err := s.transition(ctx, "withdraw", seed, caller, func(ctx context.Context, tx domain.Tx) (domain.EscrowEvent, error) {
		rec, err := loadEscrow(ctx, tx, seed)
		if err != nil {
			return domain.EscrowEvent{}, err
		}
		refund, err := s.machine.Withdraw(ctx, tx.Custody(), rec, caller)
		if err != nil {
			return domain.EscrowEvent{}, err
		}
		if err := tx.Escrows().Delete(ctx, seed); err != nil {
			return domain.EscrowEvent{}, err
		}
		return domain.EscrowEvent{Type: domain.EventWithdrawn, Escrow: rec, Refund: &refund}, nil
	})
	if err != nil {
		return domain.Refund{}, err
	}
	s.metrics.AddRefund(ev.Refund.Amount)
	return *ev.Refund, nil
}

// Get returns the escrow stored under seed.
func (s *EscrowService) Get(ctx context.Context, seed uint64) (domain.Escrow, error) {
	var rec domain.Escrow
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		rec, err = tx.Escrows().Get(ctx, seed)
		return err
	})
	return rec, err
}

// List returns escrows matching opts.
func (s *EscrowService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Escrow, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidRequest, opts.Status)
	}
	var out []domain.Escrow
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		out, err = tx.Escrows().List(ctx, opts)
		return err
	})
	return out, err
}

// Balance returns the custody balance of account.
func (s *EscrowService) Balance(ctx context.Context, account domain.Identity) (uint64, error) {
	var bal uint64
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		bal, err = tx.Custody().Balance(ctx, account)
		return err
	})
	return bal, err
}

// Deposit credits account with amount from outside the ledger.
func (s *EscrowService) Deposit(ctx context.Context, account domain.Identity, amount uint64) (domain.CustodyTransfer, error) {
	if account == "" {
		return domain.CustodyTransfer{}, fmt.Errorf("%w: account is required", domain.ErrInvalidRequest)
	}
	if amount == 0 || amount > escrow.MaxEntryFee {
		return domain.CustodyTransfer{}, fmt.Errorf("%w: %d", domain.ErrInvalidAmount, amount)
	}
	var t domain.CustodyTransfer
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		t, err = tx.Custody().Deposit(ctx, account, amount)
		if err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "custody.deposit", map[string]any{
			"account": string(account),
			"amount":  amount,
		})
	})
	if err != nil {
		return domain.CustodyTransfer{}, fmt.Errorf("escrow_service: deposit: %w", err)
	}
	return t, nil
}

// AuditLog returns audit entries newest first.
func (s *EscrowService) AuditLog(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		out, err = tx.Audit().List(ctx, limit, offset)
		return err
	})
	return out, err
}

type transitionFunc func(ctx context.Context, tx domain.Tx) (domain.EscrowEvent, error)

// transition runs fn under the escrow lock and inside one unit of work,
// records the audit row, then publishes the resulting event.
func (s *EscrowService) transition(ctx context.Context, op string, seed uint64, caller domain.Identity, fn transitionFunc) (domain.EscrowEvent, error) {
	start := time.Now()
	ev, err := s.runLocked(ctx, seed, func(ctx context.Context) (domain.EscrowEvent, error) {
		var ev domain.EscrowEvent
		err := s.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			ev, err = fn(ctx, tx)
			if err != nil {
				return err
			}
			ev.Seed = seed
			ev.Caller = caller
			return tx.Audit().Log(ctx, string(ev.Type), auditDetail(ev))
		})
		return ev, err
	})
	s.metrics.ObserveTransition(op, outcome(err), time.Since(start))
	if err != nil {
		s.logger.DebugContext(ctx, "transition rejected",
			slog.String("op", op),
			slog.Uint64("seed", seed),
			slog.String("caller", string(caller)),
			slog.String("error", err.Error()),
		)
		return domain.EscrowEvent{}, err
	}

	ev.ID = uuid.NewString()
	ev.Timestamp = s.nowFn()
	s.logger.InfoContext(ctx, "transition committed",
		slog.String("op", op),
		slog.Uint64("seed", seed),
		slog.String("caller", string(caller)),
		slog.String("status", string(ev.Escrow.Status)),
	)
	s.emit(ctx, ev)
	return ev, nil
}

func (s *EscrowService) runLocked(ctx context.Context, seed uint64, fn func(ctx context.Context) (domain.EscrowEvent, error)) (domain.EscrowEvent, error) {
	if s.locks == nil {
		return fn(ctx)
	}
	unlock, err := s.acquire(ctx, LockKey(seed))
	if err != nil {
		return domain.EscrowEvent{}, err
	}
	defer unlock()
	return fn(ctx)
}

// acquire retries a held lock until lockWait has passed.
func (s *EscrowService) acquire(ctx context.Context, key string) (func(), error) {
	deadline := time.Now().Add(s.lockWait)
	for {
		unlock, err := s.locks.Acquire(ctx, key, s.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || time.Now().After(deadline) {
			return nil, fmt.Errorf("escrow_service: lock %s: %w", key, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// LockKey is the distributed lock key guarding one escrow.
func LockKey(seed uint64) string {
	return "escrow:" + domain.FormatSeed(seed)
}

func loadEscrow(ctx context.Context, tx domain.Tx, seed uint64) (domain.Escrow, error) {
	rec, err := tx.Escrows().Get(ctx, seed)
	if err != nil {
		return domain.Escrow{}, err
	}
	if err := rec.Validate(); err != nil {
		return domain.Escrow{}, err
	}
	return rec, nil
}

// defaultCustody uses the caller's own account when none is named.
func defaultCustody(caller, custody domain.Identity) domain.Identity {
	if custody == "" {
		return caller
	}
	return custody
}

// checkCustody requires custody to be the caller's account or one of its
// labelled sub-accounts ("<address>:<label>").
func checkCustody(caller, custody domain.Identity) error {
	if caller == "" {
		return domain.ErrInvalidParty
	}
	c, a := string(custody), string(caller)
	if strings.EqualFold(c, a) {
		return nil
	}
	if len(c) > len(a)+1 && strings.EqualFold(c[:len(a)], a) && c[len(a)] == ':' {
		return nil
	}
	return fmt.Errorf("%w: custody %s is not owned by %s", domain.ErrUnauthorized, custody, caller)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if e, ok := domain.AsEscrowError(err); ok {
		return string(e.Kind)
	}
	return "error"
}

func auditDetail(ev domain.EscrowEvent) map[string]any {
	d := map[string]any{
		"seed":   domain.FormatSeed(ev.Seed),
		"caller": string(ev.Caller),
		"status": string(ev.Escrow.Status),
	}
	if ev.Type == domain.EventCreated {
		d["entry_fee"] = ev.Escrow.EntryFee
		d["feed_id"] = ev.Escrow.FeedID
	}
	if ev.Type == domain.EventJoined {
		d["side"] = string(ev.Escrow.FirstSide())
		d["reference_mantissa"] = ev.Escrow.ReferencePrice.Mantissa
		d["reference_exponent"] = ev.Escrow.ReferencePrice.Exponent
	}
	if p := ev.Payout; p != nil {
		d["winner"] = string(p.Winner)
		d["payout"] = p.Amount
		d["custody"] = string(p.Custody)
	}
	if r := ev.Refund; r != nil {
		d["refund"] = r.Amount
		if r.To != "" {
			d["custody"] = string(r.To)
		}
	}
	return d
}
