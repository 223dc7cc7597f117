// Package model defines the core domain types shared across the exchange.
// Cash amounts are integer cents (money.Cents); shares, prices and
// per-share payouts use shopspring/decimal. Never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/money"
)

// Option identifies one side of a binary market.
type Option string

const (
	OptionA Option = "A"
	OptionB Option = "B"
)

// Valid reports whether o is one of the two market options.
func (o Option) Valid() bool {
	return o == OptionA || o == OptionB
}

// Opposite returns the other side of the market.
func (o Option) Opposite() Option {
	if o == OptionA {
		return OptionB
	}
	return OptionA
}

// MarketStatus is the market lifecycle state: open -> closed -> resolved.
type MarketStatus string

const (
	StatusOpen     MarketStatus = "open"
	StatusClosed   MarketStatus = "closed"
	StatusResolved MarketStatus = "resolved"
)

// TradeKind distinguishes buys from sells.
type TradeKind string

const (
	TradeBuy  TradeKind = "buy"
	TradeSell TradeKind = "sell"
)

// LedgerKind classifies a cash movement outside trading.
type LedgerKind string

const (
	LedgerDeposit   LedgerKind = "deposit"
	LedgerWithdraw  LedgerKind = "withdraw"
	LedgerPayout    LedgerKind = "payout"
	LedgerFee       LedgerKind = "fee"
	LedgerUnclaimed LedgerKind = "unclaimed"
)

// Account holds a user's cash balance. The ID is the identity provider subject.
type Account struct {
	ID        string      `json:"id" db:"id"`
	Balance   money.Cents `json:"balance" db:"balance"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
	Version   int64       `json:"version" db:"version"`
}

// Market is a binary prediction market backed by two AMM liquidity pools.
type Market struct {
	ID           string       `json:"id" db:"id"`
	Title        string       `json:"title" db:"title"`
	Description  string       `json:"description,omitempty" db:"description"`
	OptionALabel string       `json:"option_a_label" db:"option_a_label"`
	OptionBLabel string       `json:"option_b_label" db:"option_b_label"`
	PoolA        money.Cents  `json:"pool_a" db:"pool_a"`
	PoolB        money.Cents  `json:"pool_b" db:"pool_b"`
	TotalVolume  money.Cents  `json:"total_volume" db:"total_volume"`
	Status       MarketStatus `json:"status" db:"status"`
	ResolveDate  *time.Time   `json:"resolve_date,omitempty" db:"resolve_date"`

	// Set exactly once, when the market resolves.
	ResolvedOption    Option          `json:"resolved_option,omitempty" db:"resolved_option"`
	PayoutPerShare    decimal.Decimal `json:"payout_per_share" db:"payout_per_share"`
	TotalPayoutAmount money.Cents     `json:"total_payout_amount" db:"total_payout_amount"`
	TotalFeeAmount    money.Cents     `json:"total_fee_amount" db:"total_fee_amount"`
	UnclaimedAmount   money.Cents     `json:"unclaimed_amount" db:"unclaimed_amount"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	Version    int64      `json:"version" db:"version"`
}

// Pool returns the liquidity pool balance for an option.
func (m *Market) Pool(o Option) money.Cents {
	if o == OptionA {
		return m.PoolA
	}
	return m.PoolB
}

// SetPool replaces the liquidity pool balance for an option.
func (m *Market) SetPool(o Option, v money.Cents) {
	if o == OptionA {
		m.PoolA = v
	} else {
		m.PoolB = v
	}
}

// Trade is an immutable record of a buy or sell. Once created, trades are
// never modified or deleted; positions are derived by replaying them.
type Trade struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	MarketID         string          `json:"market_id" db:"market_id"`
	Option           Option          `json:"option" db:"option"`
	Kind             TradeKind       `json:"kind" db:"kind"`
	Shares           decimal.Decimal `json:"shares" db:"shares"`
	Amount           money.Cents     `json:"amount" db:"amount"` // cash paid (buy) or received (sell)
	PriceAtExecution decimal.Decimal `json:"price_at_execution" db:"price_at_execution"`
	Timestamp        time.Time       `json:"timestamp" db:"timestamp"`
}

// LedgerEntry is an immutable record of a cash movement outside trading.
type LedgerEntry struct {
	ID          string      `json:"id" db:"id"`
	UserID      string      `json:"user_id" db:"user_id"`
	Amount      money.Cents `json:"amount" db:"amount"`
	Kind        LedgerKind  `json:"kind" db:"kind"`
	MarketID    string      `json:"market_id,omitempty" db:"market_id"`
	Timestamp   time.Time   `json:"timestamp" db:"timestamp"`
	Description string      `json:"description" db:"description"`
}

// PayoutLine is one winner's share of a settlement plan.
type PayoutLine struct {
	UserID string          `json:"user_id"`
	Shares decimal.Decimal `json:"shares"`
	Amount money.Cents     `json:"amount"`
}

// Settlement is the immutable payout plan snapshotted when a market starts
// resolving. CompletedAt is set in the same transaction that flips the market
// to resolved.
type Settlement struct {
	MarketID       string          `json:"market_id" db:"market_id"`
	Option         Option          `json:"option" db:"option"`
	TotalVolume    money.Cents     `json:"total_volume" db:"total_volume"`
	Fee            money.Cents     `json:"fee" db:"fee"`
	Distributable  money.Cents     `json:"distributable" db:"distributable"`
	WinningShares  decimal.Decimal `json:"winning_shares" db:"winning_shares"`
	PayoutPerShare decimal.Decimal `json:"payout_per_share" db:"payout_per_share"`
	TotalPayout    money.Cents     `json:"total_payout" db:"total_payout"`
	Unclaimed      money.Cents     `json:"unclaimed" db:"unclaimed"`
	Lines          []PayoutLine    `json:"lines" db:"lines"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Version        int64           `json:"version" db:"version"`
}

// Completed reports whether every payout in the plan has been applied and
// the market has been marked resolved.
func (s *Settlement) Completed() bool {
	return s.CompletedAt != nil
}

// Position is a user's derived holding in one option of one market.
type Position struct {
	UserID       string          `json:"user_id"`
	MarketID     string          `json:"market_id"`
	Option       Option          `json:"option"`
	Shares       decimal.Decimal `json:"shares"`
	NetInvested  money.Cents     `json:"net_invested"`  // Σ buy amounts - Σ sell amounts
	CurrentValue money.Cents     `json:"current_value"` // shares * current price, floored
}

// Quote is the AMM price snapshot for a market.
type Quote struct {
	MarketID    string          `json:"market_id"`
	PriceA      decimal.Decimal `json:"price_a"`
	PriceB      decimal.Decimal `json:"price_b"`
	PercentA    int             `json:"percent_a"`
	PercentB    int             `json:"percent_b"`
	PoolA       money.Cents     `json:"pool_a"`
	PoolB       money.Cents     `json:"pool_b"`
	TotalVolume money.Cents     `json:"total_volume"`
	Status      MarketStatus    `json:"status"`
}

// Price returns the quoted price for an option.
func (q Quote) Price(o Option) decimal.Decimal {
	if o == OptionA {
		return q.PriceA
	}
	return q.PriceB
}
