package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/priceescrow/internal/domain"
	"github.com/alanyoungcy/priceescrow/internal/oracle/oracletest"
	"github.com/alanyoungcy/priceescrow/internal/settlement"
	"github.com/alanyoungcy/priceescrow/internal/store/memory"
)

const (
	feed = "feed-sol-usd"
	fee  = uint64(1_000)

	alice     = domain.Identity("0xa11ce")
	aliceAcct = domain.Identity("alice-usdc")
	bob       = domain.Identity("0xb0b")
	bobAcct   = domain.Identity("bob-usdc")
	carol     = domain.Identity("0xca201")
)

type fixture struct {
	t       *testing.T
	store   *memory.Store
	oracle  *oracletest.Mock
	machine *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		store:  memory.New(),
		oracle: oracletest.NewMock(feed),
	}
	f.machine = NewMachine(f.oracle, feed, 0)
	f.oracle.SetPrice(10_000, -2)
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		if _, err := c.Deposit(ctx, aliceAcct, 5*fee); err != nil {
			return err
		}
		_, err := c.Deposit(ctx, bobAcct, 5*fee)
		return err
	})
	return f
}

func (f *fixture) do(fn func(ctx context.Context, c domain.CustodyLedger) error) {
	f.t.Helper()
	require.NoError(f.t, f.try(fn))
}

func (f *fixture) try(fn func(ctx context.Context, c domain.CustodyLedger) error) error {
	return f.store.Do(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		return fn(ctx, tx.Custody())
	})
}

func (f *fixture) balance(acct domain.Identity) uint64 {
	f.t.Helper()
	var bal uint64
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		bal, err = c.Balance(ctx, acct)
		return err
	})
	return bal
}

func (f *fixture) created(seed uint64) domain.Escrow {
	f.t.Helper()
	var rec domain.Escrow
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		rec, err = f.machine.Create(ctx, c, seed, fee, alice)
		return err
	})
	return rec
}

func (f *fixture) joined(seed uint64, side domain.Side) domain.Escrow {
	f.t.Helper()
	rec := f.created(seed)
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		rec, err = f.machine.Join(ctx, c, rec, side, alice, aliceAcct)
		return err
	})
	return rec
}

func (f *fixture) accepted(seed uint64, side domain.Side) domain.Escrow {
	f.t.Helper()
	rec := f.joined(seed, side)
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		rec, err = f.machine.Accept(ctx, c, rec, bob, bobAcct)
		return err
	})
	return rec
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	rec := f.created(7)

	assert.Equal(t, domain.EscrowInitialized, rec.Status)
	assert.Equal(t, fee, rec.EntryFee)
	assert.Equal(t, feed, rec.FeedID)
	assert.False(t, rec.Joined())
	assert.Equal(t, uint64(0), f.balance(rec.VaultAccount()))
	require.NoError(t, rec.Validate())
}

func TestCreateRejectsEntryFee(t *testing.T) {
	f := newFixture(t)
	for _, bad := range []uint64{0, MaxEntryFee + 1} {
		err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
			_, err := f.machine.Create(ctx, c, 1, bad, alice)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrInvalidEntryFee)
	}
}

func TestCreateDuplicateVault(t *testing.T) {
	f := newFixture(t)
	f.created(9)
	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Create(ctx, c, 9, fee, bob)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestJoinSnapshotsReferenceAndDeposits(t *testing.T) {
	f := newFixture(t)
	rec := f.joined(1, domain.SideDown)

	assert.Equal(t, domain.EscrowInitialized, rec.Status)
	assert.False(t, rec.SideIsUp)
	assert.Equal(t, alice, rec.PartyDown)
	assert.Equal(t, aliceAcct, rec.CustodyDown)
	assert.Empty(t, rec.PartyUp)
	assert.Equal(t, int64(10_000), rec.ReferencePrice.Mantissa)
	assert.Equal(t, int32(-2), rec.ReferencePrice.Exponent)
	assert.Equal(t, fee, f.balance(rec.VaultAccount()))
	assert.Equal(t, 4*fee, f.balance(aliceAcct))
	require.NoError(t, rec.Validate())
}

func TestJoinTwiceNotAvailable(t *testing.T) {
	f := newFixture(t)
	rec := f.joined(1, domain.SideUp)
	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Join(ctx, c, rec, domain.SideDown, bob, bobAcct)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotAvailable)
}

func TestJoinInsufficientFundsLeavesRecord(t *testing.T) {
	f := newFixture(t)
	rec := f.created(1)
	before := rec
	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		got, err := f.machine.Join(ctx, c, rec, domain.SideUp, carol, "carol-empty")
		assert.Equal(t, before, got)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, before, rec)
}

func TestJoinOracleFailures(t *testing.T) {
	f := newFixture(t)
	rec := f.created(1)

	f.oracle.SetNow(func() time.Time { return time.Now().Add(time.Minute) })
	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Join(ctx, c, rec, domain.SideUp, alice, aliceAcct)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrStalePrice)

	rec.FeedID = "unknown"
	err = f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Join(ctx, c, rec, domain.SideUp, alice, aliceAcct)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrUnknownFeed)
}

func TestAcceptWithinBand(t *testing.T) {
	f := newFixture(t)
	rec := f.joined(1, domain.SideUp)

	f.oracle.SetPrice(10_099, -2)
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		rec, err = f.machine.Accept(ctx, c, rec, bob, bobAcct)
		return err
	})

	assert.Equal(t, domain.EscrowAccepted, rec.Status)
	assert.Equal(t, bob, rec.PartyDown)
	assert.Equal(t, bobAcct, rec.CustodyDown)
	assert.Equal(t, int64(10_000), rec.ReferencePrice.Mantissa, "reference price is written once")
	assert.Equal(t, 2*fee, f.balance(rec.VaultAccount()))
	require.NoError(t, rec.Validate())
}

func TestAcceptPriceTooDifferent(t *testing.T) {
	f := newFixture(t)
	rec := f.joined(1, domain.SideUp)

	f.oracle.SetPrice(10_101, -2)
	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Accept(ctx, c, rec, bob, bobAcct)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrPriceTooDifferent)
	assert.Contains(t, err.Error(), "Price too different to accept")
	assert.Equal(t, fee, f.balance(rec.VaultAccount()))
}

func TestAcceptRules(t *testing.T) {
	f := newFixture(t)

	unjoined := f.created(1)
	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Accept(ctx, c, unjoined, bob, bobAcct)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotAvailable)

	joined := f.joined(2, domain.SideUp)
	err = f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Accept(ctx, c, joined, alice, aliceAcct)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotAvailable, "first party cannot take both sides")

	accepted := f.accepted(3, domain.SideUp)
	err = f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Accept(ctx, c, accepted, carol, bobAcct)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotAvailable)
}

func TestSettlePaysWinner(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(1, domain.SideUp)

	f.oracle.SetPrice(10_500, -2)
	var payout domain.Payout
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		rec, payout, err = f.machine.Settle(ctx, c, rec, alice, aliceAcct)
		return err
	})

	assert.Equal(t, domain.EscrowClosed, rec.Status)
	assert.Equal(t, domain.SideUp, payout.Winner)
	assert.Equal(t, alice, payout.Party)
	assert.Equal(t, 2*fee, payout.Amount)
	assert.Equal(t, 6*fee, f.balance(aliceAcct))
	assert.Equal(t, 4*fee, f.balance(bobAcct))
	assert.Equal(t, uint64(0), f.balance(rec.VaultAccount()))

	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, _, err := f.machine.Settle(ctx, c, rec, alice, aliceAcct)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotAccepted)
}

func TestSettleDownSideWins(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(1, domain.SideUp)

	f.oracle.SetPrice(9_500, -2)
	var payout domain.Payout
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		rec, payout, err = f.machine.Settle(ctx, c, rec, bob, bobAcct)
		return err
	})
	assert.Equal(t, domain.SideDown, payout.Winner)
	assert.Equal(t, 6*fee, f.balance(bobAcct))
}

func TestSettleNotFinishedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(1, domain.SideUp)
	before := rec

	f.oracle.SetPrice(10_400, -2)
	for i := 0; i < 2; i++ {
		err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
			got, _, err := f.machine.Settle(ctx, c, rec, alice, aliceAcct)
			assert.Equal(t, before, got)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrNotFinished)
	}
	assert.Equal(t, 2*fee, f.balance(rec.VaultAccount()))
}

func TestSettleCallerChecks(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(1, domain.SideUp)
	f.oracle.SetPrice(11_000, -2)

	cases := []struct {
		name    string
		caller  domain.Identity
		custody domain.Identity
	}{
		{"outsider", carol, aliceAcct},
		{"loser", bob, bobAcct},
		{"winner with wrong custody", alice, bobAcct},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
				_, _, err := f.machine.Settle(ctx, c, rec, tc.caller, tc.custody)
				return err
			})
			assert.ErrorIs(t, err, domain.ErrNotSide)
		})
	}
}

func TestSettleBeforeAcceptNotAccepted(t *testing.T) {
	f := newFixture(t)
	rec := f.joined(1, domain.SideUp)
	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, _, err := f.machine.Settle(ctx, c, rec, alice, aliceAcct)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotAccepted)
}

func TestSettleOverflowSurfaces(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(1, domain.SideUp)
	f.oracle.SetPrice(10_000, 30)
	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, _, err := f.machine.Settle(ctx, c, rec, alice, aliceAcct)
		return err
	})
	assert.ErrorIs(t, err, settlement.ErrPriceOverflow)
}

func TestWithdrawUnmatchedRefunds(t *testing.T) {
	f := newFixture(t)
	rec := f.joined(1, domain.SideUp)

	var refund domain.Refund
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		refund, err = f.machine.Withdraw(ctx, c, rec, alice)
		return err
	})
	assert.Equal(t, domain.Refund{To: aliceAcct, Amount: fee}, refund)
	assert.Equal(t, 5*fee, f.balance(aliceAcct))

	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := c.Balance(ctx, rec.VaultAccount())
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound, "vault closed")
}

func TestWithdrawNobodyJoined(t *testing.T) {
	f := newFixture(t)
	rec := f.created(1)
	var refund domain.Refund
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		refund, err = f.machine.Withdraw(ctx, c, rec, alice)
		return err
	})
	assert.Zero(t, refund.Amount)
}

func TestWithdrawRules(t *testing.T) {
	f := newFixture(t)

	accepted := f.accepted(1, domain.SideUp)
	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Withdraw(ctx, c, accepted, alice)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotAvailable)
	assert.False(t, errors.Is(err, domain.ErrCannotWithdraw))

	joined := f.joined(2, domain.SideUp)
	err = f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Withdraw(ctx, c, joined, bob)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotEscrowCreator)
}

func TestWithdrawAfterSettle(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(1, domain.SideDown)
	f.oracle.SetPrice(10_600, -2)
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		rec, _, err = f.machine.Settle(ctx, c, rec, bob, bobAcct)
		return err
	})

	err := f.try(func(ctx context.Context, c domain.CustodyLedger) error {
		_, err := f.machine.Withdraw(ctx, c, rec, bob)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotEscrowCreator, "owner is the first joining party")

	var refund domain.Refund
	f.do(func(ctx context.Context, c domain.CustodyLedger) error {
		var err error
		refund, err = f.machine.Withdraw(ctx, c, rec, alice)
		return err
	})
	assert.Zero(t, refund.Amount)
	assert.Equal(t, 6*fee, f.balance(bobAcct))
}
