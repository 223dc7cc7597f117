// Package amm implements the two-pool automated market maker used to price
// binary markets.
//
// The price of an option is the opposing pool's share of total liquidity:
//
//	price_A = pool_B / (pool_A + pool_B)
//	price_B = pool_A / (pool_A + pool_B)
//
// so buying option A grows pool_A and lowers price_A. An empty market prices
// both sides at 0.5. The package is stateless; pool balances are passed in.
package amm

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/money"
)

var (
	// ErrPriceOutOfRange is returned for a caller-quoted price outside (0, 1].
	ErrPriceOutOfRange = errors.New("amm: price must be in (0, 1]")

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 8

	// ShareScale is the number of decimal places share quantities are truncated to.
	ShareScale int32 = 8

	half    = decimal.New(5, -1)
	hundred = decimal.NewFromInt(100)
)

// Prices returns the current price of each option. The pair always sums to
// exactly 1; price_B is derived as the complement of the rounded price_A.
func Prices(poolA, poolB money.Cents) (priceA, priceB decimal.Decimal) {
	total := poolA + poolB
	if total <= 0 {
		return half, half
	}
	priceA = decimal.NewFromInt(int64(poolB)).
		Div(decimal.NewFromInt(int64(total))).
		Round(PriceScale)
	return priceA, decimal.NewFromInt(1).Sub(priceA)
}

// Percentages converts a price pair into whole percentages that sum to exactly
// 100. Each side is rounded half away from zero; if the rounded pair misses
// 100, the side whose rounding moved it farthest from its true value absorbs
// the difference. On a tie the side with the smaller true percentage absorbs
// it, so 12.5/87.5 reconciles to 12/88.
func Percentages(priceA, priceB decimal.Decimal) (pctA, pctB int) {
	trueA := priceA.Mul(hundred)
	trueB := priceB.Mul(hundred)
	roundA := trueA.Round(0)
	roundB := trueB.Round(0)

	diff := hundred.Sub(roundA).Sub(roundB)
	if !diff.IsZero() {
		errA := roundA.Sub(trueA).Abs()
		errB := roundB.Sub(trueB).Abs()

		adjustA := errA.GreaterThan(errB) ||
			(errA.Equal(errB) && trueA.LessThanOrEqual(trueB))
		if adjustA {
			roundA = roundA.Add(diff)
		} else {
			roundB = roundB.Add(diff)
		}
	}
	return int(roundA.IntPart()), int(roundB.IntPart())
}

// ValidatePrice checks a caller-quoted execution price.
func ValidatePrice(price decimal.Decimal) error {
	if price.LessThanOrEqual(decimal.Zero) || price.GreaterThan(decimal.NewFromInt(1)) {
		return ErrPriceOutOfRange
	}
	return nil
}

// SharesForCash returns the shares granted for spending cash at price,
// truncated to ShareScale so the user is never over-credited.
func SharesForCash(cash money.Cents, price decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidatePrice(price); err != nil {
		return decimal.Zero, err
	}
	return cash.Decimal().Div(price).Truncate(ShareScale), nil
}

// Proceeds returns the cash paid out for selling shares at price, floored to
// the cent.
func Proceeds(shares, price decimal.Decimal) (money.Cents, error) {
	if err := ValidatePrice(price); err != nil {
		return 0, err
	}
	return money.Floor(shares.Mul(price)), nil
}
