// Package market owns market documents: creation with seed liquidity, the
// open -> closed -> resolved status machine, and AMM quotes.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/amm"
	"github.com/atmx/exchange-engine/internal/events"
	"github.com/atmx/exchange-engine/internal/metrics"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
	"github.com/atmx/exchange-engine/internal/store"
)

// transitions lists the legal status moves. Resolved is terminal.
var transitions = map[model.MarketStatus][]model.MarketStatus{
	model.StatusOpen:   {model.StatusClosed, model.StatusResolved},
	model.StatusClosed: {model.StatusResolved},
}

// CanTransition reports whether a market may move from one status to another.
func CanTransition(from, to model.MarketStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves m to status to, stamping the matching timestamp.
func Transition(m *model.Market, to model.MarketStatus, now time.Time) error {
	if m.Status == model.StatusResolved {
		return fmt.Errorf("%w: %w", model.ErrInvalidTransition, model.ErrAlreadyResolved)
	}
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, m.Status, to)
	}
	m.Status = to
	switch to {
	case model.StatusClosed:
		m.ClosedAt = &now
	case model.StatusResolved:
		if m.ClosedAt == nil {
			m.ClosedAt = &now
		}
		m.ResolvedAt = &now
	}
	return nil
}

// QuoteOf prices a market snapshot. A resolved market quotes the winning
// option at 1 (100%) and the losing option at 0.
func QuoteOf(m *model.Market) model.Quote {
	var priceA, priceB decimal.Decimal
	if m.Status == model.StatusResolved && m.ResolvedOption.Valid() {
		priceA, priceB = decimal.Zero, decimal.NewFromInt(1)
		if m.ResolvedOption == model.OptionA {
			priceA, priceB = priceB, priceA
		}
	} else {
		priceA, priceB = amm.Prices(m.PoolA, m.PoolB)
	}
	pctA, pctB := amm.Percentages(priceA, priceB)

	return model.Quote{
		MarketID:    m.ID,
		PriceA:      priceA,
		PriceB:      priceB,
		PercentA:    pctA,
		PercentB:    pctB,
		PoolA:       m.PoolA,
		PoolB:       m.PoolB,
		TotalVolume: m.TotalVolume,
		Status:      m.Status,
	}
}

// CreateParams describes a new market.
type CreateParams struct {
	Title            string      `json:"title"`
	Description      string      `json:"description"`
	OptionALabel     string      `json:"option_a_label"`
	OptionBLabel     string      `json:"option_b_label"`
	ResolveDate      *time.Time  `json:"resolve_date,omitempty"`
	InitialLiquidity money.Cents `json:"initial_liquidity"`
}

// Service manages market lifecycle outside of trading and settlement.
type Service struct {
	store     store.Store
	publisher events.Publisher
}

// NewService creates a new market service. Pass events.Nop{} if no
// downstream publishing is needed.
func NewService(st store.Store, pub events.Publisher) *Service {
	return &Service{store: st, publisher: pub}
}

// Create opens a market seeded with InitialLiquidity split evenly across
// both pools (pool_A takes the floor of the half). total_volume starts at the
// seed so pool_A + pool_B == total_volume holds from creation.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Market, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidMarket)
	}
	if p.InitialLiquidity <= 0 {
		return nil, fmt.Errorf("%w: initial liquidity must be positive", model.ErrInvalidAmount)
	}
	if p.OptionALabel == "" {
		p.OptionALabel = "Yes"
	}
	if p.OptionBLabel == "" {
		p.OptionBLabel = "No"
	}

	poolA := p.InitialLiquidity / 2
	m := &model.Market{
		ID:           model.NewID(),
		Title:        p.Title,
		Description:  p.Description,
		OptionALabel: p.OptionALabel,
		OptionBLabel: p.OptionBLabel,
		PoolA:        poolA,
		PoolB:        p.InitialLiquidity - poolA,
		TotalVolume:  p.InitialLiquidity,
		Status:       model.StatusOpen,
		ResolveDate:  p.ResolveDate,
		CreatedAt:    time.Now().UTC(),
	}

	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m.Version = 0
		return tx.PutMarket(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"market", m.ID,
		"title", m.Title,
		"liquidity", p.InitialLiquidity.String(),
	)
	s.publish(ctx, m, events.MarketCreated)
	return m, nil
}

// Close stops trading on an open market. It has no financial effect.
func (s *Service) Close(ctx context.Context, id string) (*model.Market, error) {
	var closed *model.Market
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := Load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := Transition(m, model.StatusClosed, time.Now().UTC()); err != nil {
			return err
		}
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}
		closed = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveMarkets.Dec()
	slog.Info("market closed", "market", id)
	s.publish(ctx, closed, events.MarketClosed)
	return closed, nil
}

// Get returns a committed market.
func (s *Service) Get(ctx context.Context, id string) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return m, nil
}

// List returns all markets, newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status model.MarketStatus) ([]model.Market, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return markets, nil
	}
	filtered := markets[:0]
	for _, m := range markets {
		if m.Status == status {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// Quote returns the current price snapshot for a market.
func (s *Service) Quote(ctx context.Context, id string) (model.Quote, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return model.Quote{}, err
	}
	return QuoteOf(m), nil
}

// Trades returns a market's trade history in commit order.
func (s *Service) Trades(ctx context.Context, id string) ([]model.Trade, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTrades(ctx, store.TradeFilter{MarketID: id})
}

// CountOpen returns the number of open markets, used to seed the gauge.
func (s *Service) CountOpen(ctx context.Context) (int, error) {
	open, err := s.List(ctx, model.StatusOpen)
	if err != nil {
		return 0, err
	}
	return len(open), nil
}

func (s *Service) publish(ctx context.Context, m *model.Market, typ events.Type) {
	q := QuoteOf(m)
	err := s.publisher.Publish(ctx, events.Event{
		Type:      typ,
		MarketID:  m.ID,
		PriceA:    q.PriceA.String(),
		PriceB:    q.PriceB.String(),
		PercentA:  q.PercentA,
		PercentB:  q.PercentB,
		Status:    string(m.Status),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("event publish failed", "type", typ, "market", m.ID, "err", err)
	}
}

// Load reads a market inside tx, translating a missing document into
// model.ErrMarketNotFound.
func Load(ctx context.Context, tx store.Tx, id string) (*model.Market, error) {
	m, err := tx.GetMarket(ctx, id)
	if err != nil {
		return nil, translate(err)
	}
	return m, nil
}

func translate(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", model.ErrMarketNotFound, err)
	}
	return err
}
