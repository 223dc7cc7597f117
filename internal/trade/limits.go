package trade

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
	"github.com/atmx/exchange-engine/internal/position"
)

// PositionLimiter caps how much a single user can accumulate.
//
// Two limits apply to buys (sells only ever reduce exposure):
//   - MaxShares bounds the user's net shares in one option of one market.
//   - MaxExposure bounds the user's net cash invested across every market,
//     since outcomes of related markets tend to move together.
//
// A zero limit disables that check.
type PositionLimiter struct {
	MaxShares   decimal.Decimal
	MaxExposure money.Cents
}

// NewPositionLimiter creates a limiter with the given per-option share cap
// and aggregate exposure cap.
func NewPositionLimiter(maxShares decimal.Decimal, maxExposure money.Cents) *PositionLimiter {
	return &PositionLimiter{MaxShares: maxShares, MaxExposure: maxExposure}
}

// Enabled reports whether any limit is configured.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxShares.IsPositive() || l.MaxExposure > 0)
}

// CheckBuy validates a buy of addShares costing cost in marketID/option
// against the user's folded holdings across all markets.
func (l *PositionLimiter) CheckBuy(
	holdings map[string]map[position.Key]position.Holding,
	userID, marketID string,
	option model.Option,
	addShares decimal.Decimal,
	cost money.Cents,
) error {
	if !l.Enabled() {
		return nil
	}

	// 1. Per-option share cap.
	key := position.Key{UserID: userID, Option: option}
	held := holdings[marketID][key].Shares
	if l.MaxShares.IsPositive() && held.Add(addShares).GreaterThan(l.MaxShares) {
		return fmt.Errorf("%w: %s shares of %s would exceed %s",
			model.ErrPositionLimit, held.Add(addShares), option, l.MaxShares)
	}

	// 2. Aggregate exposure: net cash still at risk across markets.
	if l.MaxExposure > 0 {
		total := cost
		for _, byKey := range holdings {
			for k, h := range byKey {
				if k.UserID == userID && h.NetInvested > 0 {
					total += h.NetInvested
				}
			}
		}
		if total > l.MaxExposure {
			return fmt.Errorf("%w: exposure %s would exceed %s",
				model.ErrPositionLimit, total, l.MaxExposure)
		}
	}
	return nil
}
