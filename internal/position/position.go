// Package position derives holdings from the immutable trade log. There is
// no stored position entity; every answer is a fold over trade records, so it
// can never drift from the trades themselves.
package position

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/market"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
	"github.com/atmx/exchange-engine/internal/store"
)

// Key identifies one holding within a market.
type Key struct {
	UserID string
	Option model.Option
}

// Holding is the folded result for one user and option.
type Holding struct {
	Shares      decimal.Decimal
	NetInvested money.Cents
}

// Holder is a user with a positive net position in one option.
type Holder struct {
	UserID string          `json:"user_id"`
	Shares decimal.Decimal `json:"shares"`
}

// Fold replays trades into net shares and net cash per (user, option):
// buys add, sells subtract.
func Fold(trades []model.Trade) map[Key]Holding {
	out := make(map[Key]Holding)
	for _, t := range trades {
		k := Key{UserID: t.UserID, Option: t.Option}
		h := out[k]
		switch t.Kind {
		case model.TradeBuy:
			h.Shares = h.Shares.Add(t.Shares)
			h.NetInvested += t.Amount
		case model.TradeSell:
			h.Shares = h.Shares.Sub(t.Shares)
			h.NetInvested -= t.Amount
		}
		out[k] = h
	}
	return out
}

// Shares returns a user's net shares in one option of one market.
func Shares(trades []model.Trade, userID string, option model.Option) decimal.Decimal {
	return Fold(trades)[Key{UserID: userID, Option: option}].Shares
}

// Holders returns every user whose net shares in option exceed epsilon,
// ordered by user id.
func Holders(trades []model.Trade, option model.Option, epsilon decimal.Decimal) []Holder {
	var holders []Holder
	for k, h := range Fold(trades) {
		if k.Option == option && h.Shares.GreaterThan(epsilon) {
			holders = append(holders, Holder{UserID: k.UserID, Shares: h.Shares})
		}
	}
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].UserID < holders[j].UserID
	})
	return holders
}

// InTx returns a user's net shares read inside a transaction.
func InTx(ctx context.Context, tx store.Tx, userID, marketID string, option model.Option) (decimal.Decimal, error) {
	trades, err := tx.ListTrades(ctx, store.TradeFilter{MarketID: marketID, UserID: userID, Option: option})
	if err != nil {
		return decimal.Zero, err
	}
	return Shares(trades, userID, option), nil
}

// Resolver answers read-only position queries. Market-wide folds are
// memoized per market version; any trade bumps the version and invalidates
// the entry.
type Resolver struct {
	store store.Store

	mu   sync.Mutex
	memo map[string]snapshot
}

type snapshot struct {
	version  int64
	holdings map[Key]Holding
}

// NewResolver creates a position resolver.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st, memo: make(map[string]snapshot)}
}

// MarketHoldings returns the folded holdings of every user in a market.
func (r *Resolver) MarketHoldings(ctx context.Context, marketID string) (map[Key]Holding, error) {
	// Read the version before the trades so a memo entry is never older than
	// the version it is filed under.
	m, err := r.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	snap, ok := r.memo[marketID]
	r.mu.Unlock()
	if ok && snap.version == m.Version {
		return snap.holdings, nil
	}

	trades, err := r.store.ListTrades(ctx, store.TradeFilter{MarketID: marketID})
	if err != nil {
		return nil, err
	}
	holdings := Fold(trades)

	r.mu.Lock()
	r.memo[marketID] = snapshot{version: m.Version, holdings: holdings}
	r.mu.Unlock()
	return holdings, nil
}

// Holders returns users holding more than epsilon shares of option in a market.
func (r *Resolver) Holders(ctx context.Context, marketID string, option model.Option, epsilon decimal.Decimal) ([]Holder, error) {
	holdings, err := r.MarketHoldings(ctx, marketID)
	if err != nil {
		return nil, err
	}
	var holders []Holder
	for k, h := range holdings {
		if k.Option == option && h.Shares.GreaterThan(epsilon) {
			holders = append(holders, Holder{UserID: k.UserID, Shares: h.Shares})
		}
	}
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].UserID < holders[j].UserID
	})
	return holders, nil
}

// Portfolio returns a user's non-zero positions across all markets, marked
// at each market's current quote.
func (r *Resolver) Portfolio(ctx context.Context, userID string) ([]model.Position, error) {
	trades, err := r.store.ListTrades(ctx, store.TradeFilter{UserID: userID})
	if err != nil {
		return nil, err
	}

	byMarket := make(map[string][]model.Trade)
	var order []string
	for _, t := range trades {
		if _, seen := byMarket[t.MarketID]; !seen {
			order = append(order, t.MarketID)
		}
		byMarket[t.MarketID] = append(byMarket[t.MarketID], t)
	}

	var positions []model.Position
	for _, marketID := range order {
		m, err := r.store.GetMarket(ctx, marketID)
		if err != nil {
			return nil, err
		}
		quote := market.QuoteOf(m)

		folded := Fold(byMarket[marketID])
		for _, opt := range []model.Option{model.OptionA, model.OptionB} {
			h, ok := folded[Key{UserID: userID, Option: opt}]
			if !ok || h.Shares.IsZero() {
				continue
			}
			positions = append(positions, model.Position{
				UserID:       userID,
				MarketID:     marketID,
				Option:       opt,
				Shares:       h.Shares,
				NetInvested:  h.NetInvested,
				CurrentValue: money.Floor(h.Shares.Mul(quote.Price(opt))),
			})
		}
	}
	return positions, nil
}
