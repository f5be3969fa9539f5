package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// USDCDecimals is the on-chain precision of USDC on every supported chain.
const USDCDecimals = 6

// ParseAmount parses a decimal USDC amount. Amounts finer than one base unit
// are rejected.
func ParseAmount(op, field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ValidationError(op, field, s, "not a decimal number")
	}
	if err := CheckPrecision(op, field, d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckPrecision rejects values with more than USDCDecimals fractional digits.
func CheckPrecision(op, field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(USDCDecimals)) {
		return ValidationError(op, field, d.String(), "more than 6 decimal places")
	}
	return nil
}

// ToBaseUnits converts a USDC amount into integer base units.
func ToBaseUnits(d decimal.Decimal) *big.Int {
	return d.Shift(USDCDecimals).BigInt()
}

// FromBaseUnits converts integer base units into a USDC amount.
func FromBaseUnits(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -USDCDecimals)
}
