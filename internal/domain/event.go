package domain

import "time"

// EscrowEventType names a committed transition.
type EscrowEventType string

const (
	EventCreated   EscrowEventType = "escrow.created"
	EventJoined    EscrowEventType = "escrow.joined"
	EventAccepted  EscrowEventType = "escrow.accepted"
	EventSettled   EscrowEventType = "escrow.settled"
	EventWithdrawn EscrowEventType = "escrow.withdrawn"
)

// EscrowEvent is published after a transition commits.
type EscrowEvent struct {
	ID        string          `json:"id"`
	Type      EscrowEventType `json:"type"`
	Seed      uint64          `json:"seed"`
	Caller    Identity        `json:"caller"`
	Escrow    Escrow          `json:"escrow"`
	Payout    *Payout         `json:"payout,omitempty"`
	Refund    *Refund         `json:"refund,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
