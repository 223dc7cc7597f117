// Package trade executes buys and sells against a market's AMM pools.
//
// Each trade is a single store transaction: the market and account documents
// are read, checked and rewritten together with an appended trade record, so
// a failed precondition leaves balances and pools untouched. Concurrent trades
// on the same market are serialized by the store's optimistic commit; the
// engine never retries on its own.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/account"
	"github.com/atmx/exchange-engine/internal/amm"
	"github.com/atmx/exchange-engine/internal/events"
	"github.com/atmx/exchange-engine/internal/market"
	"github.com/atmx/exchange-engine/internal/metrics"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
	"github.com/atmx/exchange-engine/internal/position"
	"github.com/atmx/exchange-engine/internal/store"
)

// BuyRequest spends Amount on Option at the caller's quoted price.
type BuyRequest struct {
	UserID         string          `json:"-"`
	MarketID       string          `json:"-"`
	Option         model.Option    `json:"option"`
	Amount         money.Cents     `json:"amount"`
	ExpectedPrice  decimal.Decimal `json:"expected_price"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// SellRequest sells Shares of Option at the caller's quoted price.
type SellRequest struct {
	UserID         string          `json:"-"`
	MarketID       string          `json:"-"`
	Option         model.Option    `json:"option"`
	Shares         decimal.Decimal `json:"shares"`
	ExpectedPrice  decimal.Decimal `json:"expected_price"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Result is the committed outcome of a trade.
type Result struct {
	Trade    *model.Trade `json:"trade"`
	Balance  money.Cents  `json:"balance"`
	Quote    model.Quote  `json:"quote"`
	Replayed bool         `json:"replayed"`
}

// Engine executes trades.
type Engine struct {
	store     store.Store
	publisher events.Publisher
	limiter   *PositionLimiter
}

// NewEngine creates a trading engine. limiter may be nil to disable
// position limits.
func NewEngine(st store.Store, pub events.Publisher, limiter *PositionLimiter) *Engine {
	return &Engine{store: st, publisher: pub, limiter: limiter}
}

// Buy spends req.Amount on req.Option. Shares granted are
// amount / expected_price, truncated to amm.ShareScale.
func (e *Engine) Buy(ctx context.Context, req BuyRequest) (*Result, error) {
	start := time.Now()
	if !req.Option.Valid() {
		return nil, e.reject(model.TradeBuy, fmt.Errorf("%w: %q", model.ErrInvalidOption, req.Option))
	}

	tradeID := model.TradeID(model.TradeBuy, req.MarketID, req.UserID, req.IdempotencyKey)
	var res *Result

	err := e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if prior, ok, err := replay(ctx, tx, tradeID); err != nil || ok {
			res = prior
			return err
		}

		m, err := market.Load(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		a, err := account.Load(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if m.Status != model.StatusOpen {
			return fmt.Errorf("%w: market %s is %s", model.ErrMarketClosed, m.ID, m.Status)
		}
		if req.Amount <= 0 {
			return model.ErrInvalidAmount
		}
		if a.Balance < req.Amount {
			return model.ErrInsufficientFunds
		}

		shares, err := amm.SharesForCash(req.Amount, req.ExpectedPrice)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidPrice, err)
		}
		if err := e.checkLimits(ctx, tx, req, shares); err != nil {
			return err
		}

		a, err = account.Debit(ctx, tx, req.UserID, req.Amount, nil)
		if err != nil {
			return err
		}
		m.SetPool(req.Option, m.Pool(req.Option)+req.Amount)
		m.TotalVolume += req.Amount
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}

		t := &model.Trade{
			ID:               tradeID,
			UserID:           req.UserID,
			MarketID:         m.ID,
			Option:           req.Option,
			Kind:             model.TradeBuy,
			Shares:           shares,
			Amount:           req.Amount,
			PriceAtExecution: req.ExpectedPrice,
			Timestamp:        time.Now().UTC(),
		}
		if err := tx.AppendTrade(ctx, t); err != nil {
			return err
		}

		res = &Result{Trade: t, Balance: a.Balance, Quote: market.QuoteOf(m)}
		return nil
	})
	if err != nil {
		return nil, e.reject(model.TradeBuy, err)
	}

	e.executed(ctx, res, start)
	return res, nil
}

// Sell sells req.Shares of req.Option. Proceeds are shares * expected_price,
// floored to the cent, and are drawn from the option's pool.
func (e *Engine) Sell(ctx context.Context, req SellRequest) (*Result, error) {
	start := time.Now()
	if !req.Option.Valid() {
		return nil, e.reject(model.TradeSell, fmt.Errorf("%w: %q", model.ErrInvalidOption, req.Option))
	}

	tradeID := model.TradeID(model.TradeSell, req.MarketID, req.UserID, req.IdempotencyKey)
	var res *Result

	err := e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if prior, ok, err := replay(ctx, tx, tradeID); err != nil || ok {
			res = prior
			return err
		}

		m, err := market.Load(ctx, tx, req.MarketID)
		if err != nil {
			return err
		}
		if _, err := account.Load(ctx, tx, req.UserID); err != nil {
			return err
		}
		if m.Status != model.StatusOpen {
			return fmt.Errorf("%w: market %s is %s", model.ErrMarketClosed, m.ID, m.Status)
		}
		if !req.Shares.IsPositive() || !req.Shares.Equal(req.Shares.Truncate(amm.ShareScale)) {
			return model.ErrInvalidAmount
		}

		held, err := position.InTx(ctx, tx, req.UserID, m.ID, req.Option)
		if err != nil {
			return err
		}
		if req.Shares.GreaterThan(held) {
			return fmt.Errorf("%w: holding %s, selling %s", model.ErrInsufficientShares, held, req.Shares)
		}

		proceeds, err := amm.Proceeds(req.Shares, req.ExpectedPrice)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrInvalidPrice, err)
		}
		if proceeds <= 0 {
			return fmt.Errorf("%w: proceeds round to zero", model.ErrInvalidAmount)
		}
		pool := m.Pool(req.Option) - proceeds
		if pool < 0 {
			return fmt.Errorf("%w: pool %s would be %s", model.ErrLiquidity, req.Option, pool)
		}

		m.SetPool(req.Option, pool)
		m.TotalVolume -= proceeds
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}
		a, err := account.Credit(ctx, tx, req.UserID, proceeds, nil)
		if err != nil {
			return err
		}

		t := &model.Trade{
			ID:               tradeID,
			UserID:           req.UserID,
			MarketID:         m.ID,
			Option:           req.Option,
			Kind:             model.TradeSell,
			Shares:           req.Shares,
			Amount:           proceeds,
			PriceAtExecution: req.ExpectedPrice,
			Timestamp:        time.Now().UTC(),
		}
		if err := tx.AppendTrade(ctx, t); err != nil {
			return err
		}

		res = &Result{Trade: t, Balance: a.Balance, Quote: market.QuoteOf(m)}
		return nil
	})
	if err != nil {
		return nil, e.reject(model.TradeSell, err)
	}

	e.executed(ctx, res, start)
	return res, nil
}

// replay returns the committed result of a trade already recorded under id.
func replay(ctx context.Context, tx store.Tx, id string) (*Result, bool, error) {
	t, err := tx.GetTrade(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m, err := market.Load(ctx, tx, t.MarketID)
	if err != nil {
		return nil, false, err
	}
	a, err := account.Load(ctx, tx, t.UserID)
	if err != nil {
		return nil, false, err
	}
	return &Result{Trade: t, Balance: a.Balance, Quote: market.QuoteOf(m), Replayed: true}, true, nil
}

func (e *Engine) checkLimits(ctx context.Context, tx store.Tx, req BuyRequest, shares decimal.Decimal) error {
	if !e.limiter.Enabled() {
		return nil
	}
	trades, err := tx.ListTrades(ctx, store.TradeFilter{UserID: req.UserID})
	if err != nil {
		return err
	}

	byMarket := make(map[string][]model.Trade)
	for _, t := range trades {
		byMarket[t.MarketID] = append(byMarket[t.MarketID], t)
	}
	holdings := make(map[string]map[position.Key]position.Holding, len(byMarket))
	for id, ts := range byMarket {
		// Settled markets no longer carry risk.
		if id != req.MarketID {
			m, err := tx.GetMarket(ctx, id)
			if err != nil {
				return err
			}
			if m.Status == model.StatusResolved {
				continue
			}
		}
		holdings[id] = position.Fold(ts)
	}
	return e.limiter.CheckBuy(holdings, req.UserID, req.MarketID, req.Option, shares, req.Amount)
}

func (e *Engine) executed(ctx context.Context, res *Result, start time.Time) {
	if res.Replayed {
		slog.Info("trade replayed", "trade_id", res.Trade.ID, "user", res.Trade.UserID)
		return
	}

	t := res.Trade
	kind := string(t.Kind)
	metrics.TradesTotal.WithLabelValues(kind, string(t.Option)).Inc()
	metrics.TradeVolume.WithLabelValues(kind).Add(float64(t.Amount))
	metrics.TradeLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"market", t.MarketID,
		"kind", kind,
		"option", t.Option,
		"shares", t.Shares.String(),
		"amount", t.Amount.String(),
		"price", t.PriceAtExecution.String(),
		"new_price_a", res.Quote.PriceA.String(),
	)

	err := e.publisher.Publish(ctx, events.Event{
		Type:      events.TradeExecuted,
		MarketID:  t.MarketID,
		UserID:    t.UserID,
		Option:    string(t.Option),
		Kind:      kind,
		Shares:    t.Shares.String(),
		Amount:    t.Amount.String(),
		PriceA:    res.Quote.PriceA.String(),
		PriceB:    res.Quote.PriceB.String(),
		PercentA:  res.Quote.PercentA,
		PercentB:  res.Quote.PercentB,
		Status:    string(res.Quote.Status),
		Timestamp: t.Timestamp,
	})
	if err != nil {
		slog.Warn("event publish failed", "type", events.TradeExecuted, "market", t.MarketID, "err", err)
	}
}

func (e *Engine) reject(kind model.TradeKind, err error) error {
	if errors.Is(err, model.ErrTransactionConflict) {
		metrics.TxExhausted.Inc()
		slog.Warn("trade gave up on conflicts", "kind", kind, "err", err)
	}
	metrics.TradeRejections.WithLabelValues(string(kind), Reason(err)).Inc()
	return err
}

// Reason classifies a trade failure for metrics labels.
func Reason(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, model.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, model.ErrInvalidOption):
		return "invalid_option"
	case errors.Is(err, model.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, model.ErrMarketNotFound):
		return "market_not_found"
	case errors.Is(err, model.ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, model.ErrLiquidity):
		return "liquidity"
	case errors.Is(err, model.ErrPositionLimit):
		return "position_limit"
	case errors.Is(err, model.ErrTransactionConflict):
		return "conflict"
	default:
		return "internal"
	}
}
