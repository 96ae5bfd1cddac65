package settlement

import "github.com/alanyoungcy/priceescrow/internal/domain"

const (
	// WinThreshold is the percentage ratio at which a side wins (a 5% move).
	WinThreshold = 105
	// EntryBand is the exclusive percentage ratio below which a second party
	// may still be matched (under 1% apart).
	EntryBand = 101
)

// Evaluate decides whether the price has moved far enough from the reference
// for a side to win. Ratios are computed as floor(hi*100/lo).
func Evaluate(refM, curM int64) (domain.Side, bool, error) {
	if refM <= 0 || curM <= 0 {
		return "", false, ErrInvalidPrice
	}
	if curM > refM {
		r, err := ratio(curM, refM)
		if err != nil {
			return "", false, err
		}
		if r >= WinThreshold {
			return domain.SideUp, true, nil
		}
		return "", false, nil
	}
	r, err := ratio(refM, curM)
	if err != nil {
		return "", false, err
	}
	if r >= WinThreshold {
		return domain.SideDown, true, nil
	}
	return "", false, nil
}

// WithinEntryBand reports whether two normalized prices are close enough for
// the second party to join.
func WithinEntryBand(refM, curM int64) (bool, error) {
	if refM <= 0 || curM <= 0 {
		return false, ErrInvalidPrice
	}
	hi, lo := refM, curM
	if curM > refM {
		hi, lo = curM, refM
	}
	r, err := ratio(hi, lo)
	if err != nil {
		return false, err
	}
	return r < EntryBand, nil
}

func ratio(num, den int64) (int64, error) {
	scaled, err := mul(num, 100)
	if err != nil {
		return 0, err
	}
	return scaled / den, nil
}
