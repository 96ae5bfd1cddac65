package notify

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

// FormatEvent renders an escrow event as a notification title and body.
func FormatEvent(ev domain.EscrowEvent) (title, message string) {
	switch ev.Type {
	case domain.EventCreated:
		title = fmt.Sprintf("Escrow %d created", ev.Seed)
	case domain.EventJoined:
		title = fmt.Sprintf("Escrow %d joined", ev.Seed)
	case domain.EventAccepted:
		title = fmt.Sprintf("Escrow %d matched", ev.Seed)
	case domain.EventSettled:
		title = fmt.Sprintf("Escrow %d settled", ev.Seed)
	case domain.EventWithdrawn:
		title = fmt.Sprintf("Escrow %d withdrawn", ev.Seed)
	default:
		title = fmt.Sprintf("Escrow %d: %s", ev.Seed, ev.Type)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "caller: %s\n", ev.Caller)
	fmt.Fprintf(&b, "entry fee: %d\n", ev.Escrow.EntryFee)
	if !ev.Escrow.ReferencePrice.IsZero() {
		fmt.Fprintf(&b, "reference: %s\n", formatPrice(ev.Escrow.ReferencePrice))
	}
	if p := ev.Payout; p != nil {
		fmt.Fprintf(&b, "winner: %s (%s)\n", p.Winner, p.Party)
		fmt.Fprintf(&b, "payout: %d to %s\n", p.Amount, p.Custody)
		fmt.Fprintf(&b, "settle price: %s\n", formatPrice(p.SettlePrice))
	}
	if r := ev.Refund; r != nil {
		fmt.Fprintf(&b, "refund: %d to %s\n", r.Amount, r.To)
	}
	return title, strings.TrimSuffix(b.String(), "\n")
}

func formatPrice(p domain.PriceObservation) string {
	return fmt.Sprintf("%de%d", p.Mantissa, p.Exponent)
}
