// Package escrow implements the transitions of a two-party price escrow.
// A Machine never persists anything itself: each method takes a record,
// returns the updated copy, and moves funds through the custody ledger it
// is handed. Callers run a transition inside a single unit of work so that
// the record and the custody movements commit or roll back together.
package escrow

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/settlement"
)

// MaxEntryFee keeps the combined payout of both stakes within int64, which
// is how the custody ledger stores balances.
const MaxEntryFee = math.MaxInt64 / 2

// Custody is the part of the custody ledger a transition needs.
type Custody interface {
	OpenAccount(ctx context.Context, account domain.Identity) error
	CloseAccount(ctx context.Context, account domain.Identity) error
	Transfer(ctx context.Context, from, to domain.Identity, amount uint64, memo string) (domain.CustodyTransfer, error)
}

// Machine runs escrow transitions against an oracle.
type Machine struct {
	oracle domain.PriceReader
	feedID string
	maxAge time.Duration
	nowFn  func() time.Time
}

// NewMachine creates a Machine reading feedID from oracle. A non-positive
// maxAge selects domain.DefaultMaxPriceAge.
func NewMachine(oracle domain.PriceReader, feedID string, maxAge time.Duration) *Machine {
	if maxAge <= 0 {
		maxAge = domain.DefaultMaxPriceAge
	}
	return &Machine{
		oracle: oracle,
		feedID: feedID,
		maxAge: maxAge,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for record timestamps.
func (m *Machine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	m.nowFn = now
}

// FeedID returns the feed new escrows track.
func (m *Machine) FeedID() string { return m.feedID }

// Create allocates a new escrow and opens its vault. Nobody has joined and
// no funds move.
func (m *Machine) Create(ctx context.Context, c Custody, seed, entryFee uint64, creator domain.Identity) (domain.Escrow, error) {
	if entryFee == 0 || entryFee > MaxEntryFee {
		return domain.Escrow{}, fmt.Errorf("%w: %d", domain.ErrInvalidEntryFee, entryFee)
	}
	if creator == "" {
		return domain.Escrow{}, domain.ErrInvalidParty
	}
	now := m.nowFn()
	rec := domain.Escrow{
		Seed:      seed,
		EntryFee:  entryFee,
		FeedID:    m.feedID,
		Creator:   creator,
		Status:    domain.EscrowInitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.OpenAccount(ctx, rec.VaultAccount()); err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow: open vault: %w", err)
	}
	return rec, nil
}

// Join records the first party. The current oracle price becomes the
// reference price and the caller's stake moves into the vault. The escrow
// stays initialized until a counterparty accepts.
func (m *Machine) Join(ctx context.Context, c Custody, rec domain.Escrow, side domain.Side, caller, callerCustody domain.Identity) (domain.Escrow, error) {
	if rec.Status != domain.EscrowInitialized || rec.Joined() {
		return rec, domain.ErrNotAvailable
	}
	if caller == "" || callerCustody == "" {
		return rec, domain.ErrInvalidParty
	}
	if side != domain.SideUp && side != domain.SideDown {
		return rec, fmt.Errorf("%w: unknown side %q", domain.ErrInvalidRequest, side)
	}

	price, err := m.readPrice(ctx, rec)
	if err != nil {
		return rec, err
	}
	if price.Mantissa <= 0 {
		return rec, settlement.ErrInvalidPrice
	}

	next := rec
	next.ReferencePrice = price
	next.SideIsUp = side == domain.SideUp
	setSide(&next, side, caller, callerCustody)
	next.UpdatedAt = m.nowFn()

	if _, err := c.Transfer(ctx, callerCustody, next.VaultAccount(), next.EntryFee, "join"); err != nil {
		return rec, fmt.Errorf("escrow: deposit stake: %w", err)
	}
	return next, nil
}

// Accept matches the counterparty. The current price must be within 1% of
// the reference; the caller takes the remaining side and the escrow becomes
// accepted.
func (m *Machine) Accept(ctx context.Context, c Custody, rec domain.Escrow, caller, callerCustody domain.Identity) (domain.Escrow, error) {
	if rec.Status != domain.EscrowInitialized || !rec.Joined() || rec.Matched() {
		return rec, domain.ErrNotAvailable
	}
	if caller == "" || callerCustody == "" {
		return rec, domain.ErrInvalidParty
	}
	if caller == rec.Owner() {
		return rec, domain.ErrNotAvailable
	}

	price, err := m.readPrice(ctx, rec)
	if err != nil {
		return rec, err
	}
	refM, curM, err := settlement.Normalize(rec.ReferencePrice, price)
	if err != nil {
		return rec, err
	}
	ok, err := settlement.WithinEntryBand(refM, curM)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, domain.ErrPriceTooDifferent
	}

	next := rec
	setSide(&next, rec.FirstSide().Opposite(), caller, callerCustody)
	next.Status = domain.EscrowAccepted
	next.UpdatedAt = m.nowFn()

	if _, err := c.Transfer(ctx, callerCustody, next.VaultAccount(), next.EntryFee, "accept"); err != nil {
		return rec, fmt.Errorf("escrow: deposit stake: %w", err)
	}
	return next, nil
}

// Settle pays both stakes to the winning side once the price has moved at
// least 5% from the reference. Only a party presenting the winner's custody
// account may trigger it.
func (m *Machine) Settle(ctx context.Context, c Custody, rec domain.Escrow, caller, callerCustody domain.Identity) (domain.Escrow, domain.Payout, error) {
	if rec.Status != domain.EscrowAccepted {
		return rec, domain.Payout{}, domain.ErrNotAccepted
	}

	price, err := m.readPrice(ctx, rec)
	if err != nil {
		return rec, domain.Payout{}, err
	}
	refM, curM, err := settlement.Normalize(rec.ReferencePrice, price)
	if err != nil {
		return rec, domain.Payout{}, err
	}
	winner, won, err := settlement.Evaluate(refM, curM)
	if err != nil {
		return rec, domain.Payout{}, err
	}
	if !won {
		return rec, domain.Payout{}, domain.ErrNotFinished
	}
	if !rec.IsParty(caller) {
		return rec, domain.Payout{}, domain.ErrNotSide
	}
	if callerCustody == "" || callerCustody != rec.Custody(winner) {
		return rec, domain.Payout{}, domain.ErrNotSide
	}

	payout := domain.Payout{
		Winner:      winner,
		Party:       rec.Party(winner),
		Custody:     rec.Custody(winner),
		Amount:      2 * rec.EntryFee,
		SettlePrice: price,
	}
	next := rec
	next.Status = domain.EscrowClosed
	next.UpdatedAt = m.nowFn()

	if _, err := c.Transfer(ctx, next.VaultAccount(), payout.Custody, payout.Amount, "settle"); err != nil {
		return rec, domain.Payout{}, fmt.Errorf("escrow: release payout: %w", err)
	}
	return next, payout, nil
}

// Withdraw ends an escrow that is either unmatched or already settled. An
// unmatched stake is returned to its owner and the vault is closed. The
// caller deletes the record afterwards.
func (m *Machine) Withdraw(ctx context.Context, c Custody, rec domain.Escrow, caller domain.Identity) (domain.Refund, error) {
	if rec.Status != domain.EscrowInitialized && rec.Status != domain.EscrowClosed {
		return domain.Refund{}, domain.ErrNotAvailable
	}
	if caller == "" || caller != rec.Owner() {
		return domain.Refund{}, domain.ErrNotEscrowCreator
	}

	var refund domain.Refund
	if rec.Status == domain.EscrowInitialized && rec.Joined() {
		refund = domain.Refund{To: rec.OwnerCustody(), Amount: rec.EntryFee}
		if _, err := c.Transfer(ctx, rec.VaultAccount(), refund.To, refund.Amount, "withdraw"); err != nil {
			return domain.Refund{}, fmt.Errorf("escrow: refund stake: %w", err)
		}
	}
	if err := c.CloseAccount(ctx, rec.VaultAccount()); err != nil {
		return domain.Refund{}, fmt.Errorf("escrow: close vault: %w", err)
	}
	return refund, nil
}

func (m *Machine) readPrice(ctx context.Context, rec domain.Escrow) (domain.PriceObservation, error) {
	feed := rec.FeedID
	if feed == "" {
		feed = m.feedID
	}
	price, err := m.oracle.ReadPrice(ctx, feed, m.maxAge)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("escrow: read price %s: %w", feed, err)
	}
	return price, nil
}

func setSide(rec *domain.Escrow, side domain.Side, party, custody domain.Identity) {
	if side == domain.SideUp {
		rec.PartyUp, rec.CustodyUp = party, custody
		return
	}
	rec.PartyDown, rec.CustodyDown = party, custody
}
