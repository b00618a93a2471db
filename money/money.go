// Package money converts between the decimal amount strings accepted at the
// API boundary and the integer minor units used everywhere inside the engine.
// Amounts are never represented as binary floating point.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by a minor unit (cents).
const Scale = 2

// MaxAmount bounds a single amount in minor units. Keeping every accepted
// amount under it leaves fee arithmetic far inside the int64 range.
const MaxAmount int64 = 1_000_000_000_000_000

var (
	// ErrMalformedAmount signals an amount string that does not parse as a
	// decimal or carries more precision than the ledger stores.
	ErrMalformedAmount = errors.New("money: malformed amount")
	// ErrAmountOutOfRange signals an amount outside the representable range.
	ErrAmountOutOfRange = errors.New("money: amount out of range")
)

// Parse converts a decimal string such as "100" or "97.50" into minor units.
// Sub-cent precision is rejected rather than rounded so no caller input is
// silently altered.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedAmount, s)
	}
	shifted := d.Shift(Scale)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%w: %q exceeds %d decimal places", ErrMalformedAmount, s, Scale)
	}
	if !shifted.BigInt().IsInt64() || shifted.IntPart() > MaxAmount {
		return 0, fmt.Errorf("%w: %q", ErrAmountOutOfRange, s)
	}
	return shifted.IntPart(), nil
}

// Format renders minor units back into a decimal string with the ledger scale,
// e.g. 9750 -> "97.50".
func Format(minor int64) string {
	return decimal.New(minor, -Scale).StringFixed(Scale)
}

// SplitFee divides an amount into the platform fee and the supplier payout.
// The rate is expressed in basis points of a thousand (25 means 2.5%). The fee
// floors, the payout takes the remainder, so fee+payout always equals amount
// exactly. The multiply runs through decimal so an amount near the int64
// ceiling cannot overflow into a negative fee.
func SplitFee(amount, feeRateBps int64) (fee, payout int64) {
	fee = decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(feeRateBps)).
		Shift(-3).
		Floor().
		IntPart()
	return fee, amount - fee
}
