package domain

import (
	"fmt"
	"strconv"
	"time"
)

// EscrowStatus is the lifecycle state of an escrow. It only ever advances
// initialized -> accepted -> closed. A withdrawn escrow has no status: its
// record is deleted.
type EscrowStatus string

const (
	EscrowInitialized EscrowStatus = "initialized"
	EscrowAccepted    EscrowStatus = "accepted"
	EscrowClosed      EscrowStatus = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowInitialized, EscrowAccepted, EscrowClosed:
		return true
	}
	return false
}

// Side is a position on the direction of the tracked price.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// ParseSide converts "up" / "down" into a Side.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideUp, SideDown:
		return Side(s), nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidRequest, s)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideUp {
		return SideDown
	}
	return SideUp
}

// Identity names a party (an account address) or a custody account.
// The zero value means "not set".
type Identity string

// PriceObservation is an oracle quote of Mantissa * 10^Exponent.
type PriceObservation struct {
	Mantissa    int64     `json:"mantissa"`
	Exponent    int32     `json:"exponent"`
	PublishTime time.Time `json:"publish_time"`
}

// IsZero reports whether no observation has been recorded.
func (p PriceObservation) IsZero() bool {
	return p.Mantissa == 0 && p.Exponent == 0 && p.PublishTime.IsZero()
}

// Escrow is the persistent state of one two-party price escrow.
type Escrow struct {
	Seed           uint64           `json:"seed"`
	EntryFee       uint64           `json:"entry_fee"`
	FeedID         string           `json:"feed_id"`
	ReferencePrice PriceObservation `json:"reference_price"`
	SideIsUp       bool             `json:"side_is_up"`
	PartyUp        Identity         `json:"party_up,omitempty"`
	CustodyUp      Identity         `json:"custody_up,omitempty"`
	PartyDown      Identity         `json:"party_down,omitempty"`
	CustodyDown    Identity         `json:"custody_down,omitempty"`
	Creator        Identity         `json:"creator"`
	Status         EscrowStatus     `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// SeedKey renders the seed as the string key used by stores and locks.
func (e Escrow) SeedKey() string {
	return FormatSeed(e.Seed)
}

// FormatSeed renders a seed in base 10.
func FormatSeed(seed uint64) string {
	return strconv.FormatUint(seed, 10)
}

// ParseSeed parses a base-10 seed.
func ParseSeed(s string) (uint64, error) {
	seed, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid seed %q", ErrInvalidRequest, s)
	}
	return seed, nil
}

// VaultAccount is the custody account holding the stakes of this escrow.
func (e Escrow) VaultAccount() Identity {
	return VaultAccountFor(e.Seed)
}

// VaultAccountFor returns the vault account name for a seed.
func VaultAccountFor(seed uint64) Identity {
	return Identity("escrow:" + FormatSeed(seed) + ":vault")
}

// Joined reports whether the first party has taken a side.
func (e Escrow) Joined() bool {
	return e.PartyUp != "" || e.PartyDown != ""
}

// Matched reports whether both sides are populated.
func (e Escrow) Matched() bool {
	return e.PartyUp != "" && e.PartyDown != ""
}

// FirstSide is the side taken by the first joining party.
func (e Escrow) FirstSide() Side {
	if e.SideIsUp {
		return SideUp
	}
	return SideDown
}

// Party returns the identity holding the given side.
func (e Escrow) Party(s Side) Identity {
	if s == SideUp {
		return e.PartyUp
	}
	return e.PartyDown
}

// Custody returns the custody account of the given side.
func (e Escrow) Custody(s Side) Identity {
	if s == SideUp {
		return e.CustodyUp
	}
	return e.CustodyDown
}

// Owner is the party allowed to withdraw: the first joining party, or the
// creator while nobody has joined.
func (e Escrow) Owner() Identity {
	if !e.Joined() {
		return e.Creator
	}
	return e.Party(e.FirstSide())
}

// OwnerCustody is the custody account refunds are paid to.
func (e Escrow) OwnerCustody() Identity {
	if !e.Joined() {
		return ""
	}
	return e.Custody(e.FirstSide())
}

// IsParty reports whether id holds either side.
func (e Escrow) IsParty(id Identity) bool {
	return id != "" && (id == e.PartyUp || id == e.PartyDown)
}

// Validate checks the record invariants.
func (e Escrow) Validate() error {
	if e.EntryFee == 0 {
		return fmt.Errorf("%w: escrow %d has zero entry fee", ErrCorruptRecord, e.Seed)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: escrow %d has status %q", ErrCorruptRecord, e.Seed, e.Status)
	}
	if (e.PartyUp == "") != (e.CustodyUp == "") || (e.PartyDown == "") != (e.CustodyDown == "") {
		return fmt.Errorf("%w: escrow %d has a party without custody", ErrCorruptRecord, e.Seed)
	}
	switch e.Status {
	case EscrowInitialized:
		if e.Matched() {
			return fmt.Errorf("%w: escrow %d is initialized with both sides", ErrCorruptRecord, e.Seed)
		}
		if e.Joined() && e.Party(e.FirstSide()) == "" {
			return fmt.Errorf("%w: escrow %d side flag disagrees with parties", ErrCorruptRecord, e.Seed)
		}
	case EscrowAccepted, EscrowClosed:
		if !e.Matched() {
			return fmt.Errorf("%w: escrow %d is %s without both sides", ErrCorruptRecord, e.Seed, e.Status)
		}
	}
	if e.Joined() && e.ReferencePrice.Mantissa <= 0 {
		return fmt.Errorf("%w: escrow %d has no reference price", ErrCorruptRecord, e.Seed)
	}
	return nil
}

// Payout describes funds released by a settlement.
type Payout struct {
	Winner      Side             `json:"winner"`
	Party       Identity         `json:"party"`
	Custody     Identity         `json:"custody"`
	Amount      uint64           `json:"amount"`
	SettlePrice PriceObservation `json:"settle_price"`
}

// Refund describes funds returned by a withdrawal. Amount is zero when
// nothing was held.
type Refund struct {
	To     Identity `json:"to,omitempty"`
	Amount uint64   `json:"amount"`
}
