// Package settlement resolves markets and pays winners exactly once.
//
// Resolution runs in three steps, each safe to repeat:
//
//  1. Snapshot: in one transaction, fold the trade log into an immutable
//     payout plan, store it, and stop trading by moving the market to closed.
//  2. Pay: apply one transaction per winner, each appending a ledger entry
//     with a deterministic id (payout:<market>:<user>). A rerun skips users
//     whose entry already exists.
//  3. Finalize: in one transaction, book the platform fee, flip the market to
//     resolved and mark the plan completed.
//
// A market is therefore only ever resolved once every payout is durable, and a
// crash at any point leaves a closed market with a pending plan that Resolve
// or ResumePending picks up again.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/exchange-engine/internal/account"
	"github.com/atmx/exchange-engine/internal/archive"
	"github.com/atmx/exchange-engine/internal/auth"
	"github.com/atmx/exchange-engine/internal/events"
	"github.com/atmx/exchange-engine/internal/lock"
	"github.com/atmx/exchange-engine/internal/market"
	"github.com/atmx/exchange-engine/internal/metrics"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
	"github.com/atmx/exchange-engine/internal/position"
	"github.com/atmx/exchange-engine/internal/store"
)

// PayoutScale is the number of decimal places payout_per_share is rounded to.
const PayoutScale int32 = 8

// Config tunes the settlement engine.
type Config struct {
	FeeRate         decimal.Decimal
	ShareEpsilon    decimal.Decimal
	Workers         int
	PlatformAccount string
	LockTTL         time.Duration
}

// DefaultConfig returns a 5% fee, a 0.01 share dust threshold and eight
// payout workers.
func DefaultConfig() Config {
	return Config{
		FeeRate:         decimal.New(5, -2),
		ShareEpsilon:    decimal.New(1, -2),
		Workers:         8,
		PlatformAccount: "SYSTEM_FEE",
		LockTTL:         5 * time.Minute,
	}
}

// Result is the outcome of a resolve call.
type Result struct {
	Market          *model.Market     `json:"market"`
	Settlement      *model.Settlement `json:"settlement"`
	AlreadyResolved bool              `json:"already_resolved"`
}

// Engine settles markets.
type Engine struct {
	store     store.Store
	locker    lock.Locker
	archiver  archive.Archiver
	publisher events.Publisher
	cfg       Config
}

// NewEngine creates a settlement engine.
func NewEngine(st store.Store, locker lock.Locker, arch archive.Archiver, pub events.Publisher, cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{store: st, locker: locker, archiver: arch, publisher: pub, cfg: cfg}
}

// BuildPlan computes the payout plan for resolving m to option from the
// market's full trade log.
//
// fee = round_half_up(total_volume * fee_rate) and the rest is distributed
// pro rata to holders above the dust threshold. Amounts are split with the
// largest-remainder method so they sum to the distributable amount exactly;
// equal remainders go to the lower user id first. With no eligible holders
// the distributable amount is left unclaimed.
func BuildPlan(m *model.Market, option model.Option, trades []model.Trade, cfg Config, now time.Time) *model.Settlement {
	fee := m.TotalVolume.MulRate(cfg.FeeRate)
	distributable := m.TotalVolume - fee

	plan := &model.Settlement{
		MarketID:       m.ID,
		Option:         option,
		TotalVolume:    m.TotalVolume,
		Fee:            fee,
		Distributable:  distributable,
		WinningShares:  decimal.Zero,
		PayoutPerShare: decimal.Zero,
		CreatedAt:      now,
	}

	holders := position.Holders(trades, option, cfg.ShareEpsilon)
	for _, h := range holders {
		plan.WinningShares = plan.WinningShares.Add(h.Shares)
	}
	if len(holders) == 0 || distributable <= 0 {
		plan.Unclaimed = max(distributable, 0)
		return plan
	}

	plan.PayoutPerShare = distributable.Decimal().Div(plan.WinningShares).Round(PayoutScale)

	// Exact integer split: amount_i = floor(shares_i * D / W), remainder r_i.
	total := decimal.NewFromInt(int64(distributable))
	lines := make([]model.PayoutLine, len(holders))
	rems := make([]decimal.Decimal, len(holders))
	var assigned money.Cents
	for i, h := range holders {
		q, r := h.Shares.Mul(total).QuoRem(plan.WinningShares, 0)
		lines[i] = model.PayoutLine{UserID: h.UserID, Shares: h.Shares, Amount: money.Cents(q.IntPart())}
		rems[i] = r
		assigned += lines[i].Amount
	}

	order := make([]int, len(holders))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := rems[order[a]], rems[order[b]]
		if !ra.Equal(rb) {
			return ra.GreaterThan(rb)
		}
		return lines[order[a]].UserID < lines[order[b]].UserID
	})
	for k := 0; assigned < distributable; k++ {
		lines[order[k%len(order)]].Amount++
		assigned++
	}

	plan.Lines = lines
	plan.TotalPayout = distributable
	return plan
}

// Authorizer decides whether an identity may resolve markets.
type Authorizer interface {
	Authorize(id auth.Identity) error
}

// ResolveAs resolves marketID on behalf of admin. It returns
// model.ErrForbidden without touching the market unless authz admits admin;
// a nil authz admits nobody.
func (e *Engine) ResolveAs(ctx context.Context, authz Authorizer, admin auth.Identity, marketID string, option model.Option) (*Result, error) {
	if authz == nil {
		return nil, model.ErrForbidden
	}
	if err := authz.Authorize(admin); err != nil {
		slog.Warn("resolution denied", "market", marketID, "user", admin.UserID)
		return nil, err
	}
	return e.Resolve(ctx, marketID, option)
}

// Resolve settles marketID in favour of option. Calling it again for a
// resolved market returns the recorded outcome without writing anything; a
// call for a market already settling resumes the stored plan.
func (e *Engine) Resolve(ctx context.Context, marketID string, option model.Option) (*Result, error) {
	if !option.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidOption, option)
	}

	release, err := e.locker.Acquire(ctx, "settle:"+marketID, e.cfg.LockTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		return nil, fmt.Errorf("%w: market %s", model.ErrSettlementInProgress, marketID)
	}
	if err != nil {
		return nil, err
	}
	defer release()

	plan, resolved, err := e.snapshot(ctx, marketID, option)
	if err != nil {
		metrics.Settlements.WithLabelValues("failed").Inc()
		return nil, err
	}
	if resolved != nil {
		metrics.Settlements.WithLabelValues("noop").Inc()
		slog.Info("market already resolved", "market", marketID, "option", resolved.ResolvedOption)
		st, err := e.store.GetSettlement(ctx, marketID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return &Result{Market: resolved, Settlement: st, AlreadyResolved: true}, nil
	}

	if err := e.payAll(ctx, plan); err != nil {
		metrics.Settlements.WithLabelValues("failed").Inc()
		slog.Warn("settlement payouts incomplete, market left closed",
			"market", marketID,
			"err", err,
		)
		return nil, err
	}

	m, st, err := e.finalize(ctx, plan)
	if err != nil {
		metrics.Settlements.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.Settlements.WithLabelValues("completed").Inc()
	slog.Info("market resolved",
		"market", m.ID,
		"option", m.ResolvedOption,
		"payout_per_share", m.PayoutPerShare.String(),
		"total_payout", m.TotalPayoutAmount.String(),
		"fee", m.TotalFeeAmount.String(),
		"unclaimed", m.UnclaimedAmount.String(),
		"winners", len(st.Lines),
	)

	if err := e.archiver.Archive(ctx, archive.Report{Market: m, Settlement: st}); err != nil {
		slog.Warn("settlement archive failed", "market", m.ID, "err", err)
	}
	e.publish(ctx, m)
	return &Result{Market: m, Settlement: st}, nil
}

// ResumePending finishes every plan that was snapshotted but never
// completed, e.g. after a crash mid-payout.
func (e *Engine) ResumePending(ctx context.Context) error {
	pending, err := e.store.ListPendingSettlements(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, st := range pending {
		slog.Info("resuming settlement", "market", st.MarketID, "option", st.Option)
		if _, err := e.Resolve(ctx, st.MarketID, st.Option); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", st.MarketID, err))
		}
	}
	return errors.Join(errs...)
}

// Settlement returns the stored plan for a market.
func (e *Engine) Settlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	st, err := e.store.GetSettlement(ctx, marketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no settlement for %s", model.ErrMarketNotFound, marketID)
	}
	return st, err
}

// snapshot returns the plan to apply, or the market itself when it is
// already resolved.
func (e *Engine) snapshot(ctx context.Context, marketID string, option model.Option) (*model.Settlement, *model.Market, error) {
	var (
		plan     *model.Settlement
		resolved *model.Market
		closed   bool
	)

	err := e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		plan, resolved, closed = nil, nil, false

		m, err := market.Load(ctx, tx, marketID)
		if err != nil {
			return err
		}
		// A resolved market is final. Any later request, whichever option it
		// names, reports the recorded outcome and changes nothing.
		if m.Status == model.StatusResolved {
			resolved = m
			return nil
		}

		existing, err := tx.GetSettlement(ctx, marketID)
		switch {
		case err == nil:
			if existing.Option != option {
				return fmt.Errorf("%w: settling to %s", model.ErrResolutionMismatch, existing.Option)
			}
			plan = existing
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		trades, err := tx.ListTrades(ctx, store.TradeFilter{MarketID: marketID})
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		plan = BuildPlan(m, option, trades, e.cfg, now)

		if m.Status == model.StatusOpen {
			if err := market.Transition(m, model.StatusClosed, now); err != nil {
				return err
			}
			if err := tx.PutMarket(ctx, m); err != nil {
				return err
			}
			closed = true
		}
		return tx.PutSettlement(ctx, plan)
	})
	if err != nil {
		return nil, nil, err
	}

	if closed {
		metrics.ActiveMarkets.Dec()
		slog.Info("settlement snapshotted",
			"market", marketID,
			"option", option,
			"winners", len(plan.Lines),
			"fee", plan.Fee.String(),
			"distributable", plan.Distributable.String(),
		)
	}
	return plan, resolved, nil
}

// payAll applies every payout line on a bounded worker pool.
func (e *Engine) payAll(ctx context.Context, plan *model.Settlement) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for _, line := range plan.Lines {
		if line.Amount <= 0 {
			continue
		}
		line := line
		g.Go(func() error {
			return e.pay(gctx, plan.MarketID, line)
		})
	}
	return g.Wait()
}

// pay credits one winner. It is a no-op if the user's payout entry exists.
func (e *Engine) pay(ctx context.Context, marketID string, line model.PayoutLine) error {
	entryID := model.PayoutEntryID(marketID, line.UserID)
	var paid bool

	err := e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		paid = false
		if _, err := tx.GetLedgerEntry(ctx, entryID); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		entry := &model.LedgerEntry{
			ID:          entryID,
			UserID:      line.UserID,
			Amount:      line.Amount,
			Kind:        model.LedgerPayout,
			MarketID:    marketID,
			Timestamp:   time.Now().UTC(),
			Description: fmt.Sprintf("payout for %s shares", line.Shares),
		}
		if _, err := account.Credit(ctx, tx, line.UserID, line.Amount, entry); err != nil {
			return err
		}
		paid = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("pay %s: %w", line.UserID, err)
	}

	if paid {
		metrics.PayoutsTotal.Inc()
		metrics.PayoutCents.Add(float64(line.Amount))
		slog.Debug("payout applied", "market", marketID, "user", line.UserID, "amount", line.Amount.String())
	}
	return nil
}

// finalize books the fee (and any unclaimed remainder) to the platform
// account, resolves the market and completes the plan in one transaction.
func (e *Engine) finalize(ctx context.Context, plan *model.Settlement) (*model.Market, *model.Settlement, error) {
	var (
		m  *model.Market
		st *model.Settlement
	)

	err := e.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if m, err = market.Load(ctx, tx, plan.MarketID); err != nil {
			return err
		}
		if st, err = tx.GetSettlement(ctx, plan.MarketID); err != nil {
			return err
		}
		if m.Status == model.StatusResolved && st.Completed() {
			return nil
		}

		now := time.Now().UTC()
		if err := e.book(ctx, tx, model.FeeEntryID(m.ID), model.LedgerFee, m.ID, st.Fee, now); err != nil {
			return err
		}
		if err := e.book(ctx, tx, model.UnclaimedEntryID(m.ID), model.LedgerUnclaimed, m.ID, st.Unclaimed, now); err != nil {
			return err
		}

		if err := market.Transition(m, model.StatusResolved, now); err != nil {
			return err
		}
		m.ResolvedOption = st.Option
		m.PayoutPerShare = st.PayoutPerShare
		m.TotalPayoutAmount = st.TotalPayout
		m.TotalFeeAmount = st.Fee
		m.UnclaimedAmount = st.Unclaimed
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}

		st.CompletedAt = &now
		return tx.PutSettlement(ctx, st)
	})
	if err != nil {
		return nil, nil, err
	}
	return m, st, nil
}

// book credits amount to the platform account under a deterministic entry
// id, opening the account on first use.
func (e *Engine) book(ctx context.Context, tx store.Tx, id string, kind model.LedgerKind, marketID string, amount money.Cents, now time.Time) error {
	if amount <= 0 {
		return nil
	}
	if _, err := tx.GetLedgerEntry(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	platform := e.cfg.PlatformAccount
	if _, err := tx.GetAccount(ctx, platform); errors.Is(err, store.ErrNotFound) {
		if _, err := account.Open(ctx, tx, platform); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	_, err := account.Credit(ctx, tx, platform, amount, &model.LedgerEntry{
		ID:          id,
		UserID:      platform,
		Amount:      amount,
		Kind:        kind,
		MarketID:    marketID,
		Timestamp:   now,
		Description: string(kind) + " for market " + marketID,
	})
	return err
}

func (e *Engine) publish(ctx context.Context, m *model.Market) {
	q := market.QuoteOf(m)
	err := e.publisher.Publish(ctx, events.Event{
		Type:      events.MarketResolved,
		MarketID:  m.ID,
		Option:    string(m.ResolvedOption),
		Amount:    m.TotalPayoutAmount.String(),
		PriceA:    q.PriceA.String(),
		PriceB:    q.PriceB.String(),
		PercentA:  q.PercentA,
		PercentB:  q.PercentB,
		Status:    string(m.Status),
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("event publish failed", "type", events.MarketResolved, "market", m.ID, "err", err)
	}
}
