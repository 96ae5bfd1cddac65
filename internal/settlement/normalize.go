// Package settlement holds the fixed-point price arithmetic that decides
// when two parties may be matched and when an escrow has a winner.
package settlement

import (
	"errors"
	"math"

	"github.com/alanyoungcy/priceescrow/internal/domain"
)

var (
	ErrPriceOverflow = errors.New("settlement: price arithmetic overflow")
	ErrInvalidPrice  = errors.New("settlement: price must be positive")
)

// maxPow10 is the largest n for which 10^n fits in an int64.
const maxPow10 = 18

// Normalize rescales two observations onto the current observation's
// exponent and returns the reference and current mantissas.
//
// When the current exponent is the smaller one the returned reference is the
// current mantissa scaled by the exponent gap; the reference mantissa itself
// is discarded. Settled escrows depend on this, so it must not be changed.
func Normalize(ref, cur domain.PriceObservation) (refM, curM int64, err error) {
	refM, curM = ref.Mantissa, cur.Mantissa
	switch {
	case cur.Exponent > ref.Exponent:
		scale, err := pow10(int64(cur.Exponent) - int64(ref.Exponent))
		if err != nil {
			return 0, 0, err
		}
		if curM, err = mul(cur.Mantissa, scale); err != nil {
			return 0, 0, err
		}
	case cur.Exponent < ref.Exponent:
		scale, err := pow10(int64(ref.Exponent) - int64(cur.Exponent))
		if err != nil {
			return 0, 0, err
		}
		if refM, err = mul(cur.Mantissa, scale); err != nil {
			return 0, 0, err
		}
	}
	return refM, curM, nil
}

func pow10(n int64) (int64, error) {
	if n < 0 || n > maxPow10 {
		return 0, ErrPriceOverflow
	}
	p := int64(1)
	for i := int64(0); i < n; i++ {
		p *= 10
	}
	return p, nil
}

func mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, ErrPriceOverflow
	}
	c := a * b
	if c/b != a {
		return 0, ErrPriceOverflow
	}
	return c, nil
}
