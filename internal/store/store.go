// Package store defines the ledger store used by the exchange engines.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Writes happen only inside RunTx. Every document (market, account,
// settlement) carries a Version; a transaction commits its buffered writes
// only if each written document still has the version it was read at.
// Trades and ledger entries are append-only and keyed by unique ids.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/atmx/exchange-engine/internal/model"
)

var (
	// ErrNotFound is returned when a document or record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a compare-and-swap fails or an append
	// collides with an existing id. It wraps model.ErrTransactionConflict.
	ErrConflict = fmt.Errorf("store: %w", model.ErrTransactionConflict)
)

// Tx is a single optimistic transaction attempt. Reads observe committed
// state plus the attempt's own buffered writes.
type Tx interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error)
	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	GetLedgerEntry(ctx context.Context, id string) (*model.LedgerEntry, error)
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)

	// Put* write a document conditioned on the Version it carries. Version 0
	// means insert-if-absent. On return doc.Version holds the new version.
	PutMarket(ctx context.Context, m *model.Market) error
	PutAccount(ctx context.Context, a *model.Account) error
	PutSettlement(ctx context.Context, s *model.Settlement) error

	// Append* insert immutable records. A duplicate id is a conflict.
	AppendTrade(ctx context.Context, t *model.Trade) error
	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
}

// TxFunc is the body of a transaction. It may be invoked several times and
// must not have side effects outside tx.
type TxFunc func(ctx context.Context, tx Tx) error

// TradeFilter selects trade records. Empty fields match everything.
type TradeFilter struct {
	MarketID string
	UserID   string
	Option   model.Option
}

// Match reports whether t satisfies the filter.
func (f TradeFilter) Match(t *model.Trade) bool {
	return (f.MarketID == "" || t.MarketID == f.MarketID) &&
		(f.UserID == "" || t.UserID == f.UserID) &&
		(f.Option == "" || t.Option == f.Option)
}

// LedgerFilter selects ledger entries. Empty fields match everything.
type LedgerFilter struct {
	UserID   string
	MarketID string
	Kind     model.LedgerKind
}

// Match reports whether e satisfies the filter.
func (f LedgerFilter) Match(e *model.LedgerEntry) bool {
	return (f.UserID == "" || e.UserID == f.UserID) &&
		(f.MarketID == "" || e.MarketID == f.MarketID) &&
		(f.Kind == "" || e.Kind == f.Kind)
}

// Store is the persistence interface.
type Store interface {
	// RunTx executes fn as an optimistic transaction, re-running it from
	// scratch on conflict according to the store's RetryPolicy.
	RunTx(ctx context.Context, fn TxFunc) error

	// --- Reads outside a transaction (projections) ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error)

	// ListPendingSettlements returns plans that were snapshotted but never
	// completed.
	ListPendingSettlements(ctx context.Context) ([]model.Settlement, error)

	// ListTrades returns matching trades in commit order.
	ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error)

	// ListLedgerEntries returns matching ledger entries in commit order.
	ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, error)
}

// RetryPolicy controls how RunTx re-runs a conflicting transaction.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// OnConflict, if set, is called after every conflicting attempt.
	OnConflict func(attempt int, err error)
}

// DefaultRetryPolicy is used when a store is built without an explicit policy.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 8, BaseDelay: 2 * time.Millisecond}

// Retry runs attempt until it succeeds, fails with a non-conflict error, or
// the policy's attempts are exhausted. Backoff is jittered and grows
// linearly with the attempt number.
func Retry(ctx context.Context, p RetryPolicy, attempt func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for i := 1; i <= maxAttempts; i++ {
		err = attempt(ctx)
		if err == nil || !errors.Is(err, model.ErrTransactionConflict) {
			return err
		}
		if p.OnConflict != nil {
			p.OnConflict(i, err)
		}
		if i == maxAttempts {
			break
		}

		delay := p.BaseDelay * time.Duration(i)
		if delay > 0 {
			delay += time.Duration(rand.Int63n(int64(delay)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, err)
}
