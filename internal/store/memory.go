package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/atmx/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Commits are validated and applied under a single write lock, which gives
// the same compare-and-swap semantics as the PostgreSQL store.
type MemoryStore struct {
	mu          sync.RWMutex
	markets     map[string]*model.Market
	accounts    map[string]*model.Account
	settlements map[string]*model.Settlement
	trades      []model.Trade
	tradeIDs    map[string]int
	ledger      []model.LedgerEntry
	ledgerIDs   map[string]int

	retry RetryPolicy
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:     make(map[string]*model.Market),
		accounts:    make(map[string]*model.Account),
		settlements: make(map[string]*model.Settlement),
		tradeIDs:    make(map[string]int),
		ledgerIDs:   make(map[string]int),
		retry:       DefaultRetryPolicy,
	}
}

// SetRetryPolicy replaces the policy used by RunTx.
func (s *MemoryStore) SetRetryPolicy(p RetryPolicy) {
	s.retry = p
}

func (s *MemoryStore) RunTx(ctx context.Context, fn TxFunc) error {
	return Retry(ctx, s.retry, func(ctx context.Context) error {
		tx := newMemTx(s)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return s.commit(tx)
	})
}

// --- Reads ---

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.After(markets[j].CreatedAt)
		}
		return markets[i].ID < markets[j].ID
	})
	return markets, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, marketID string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[marketID]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", marketID, ErrNotFound)
	}
	return cloneSettlement(st), nil
}

func (s *MemoryStore) ListPendingSettlements(_ context.Context) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []model.Settlement
	for _, st := range s.settlements {
		if !st.Completed() {
			pending = append(pending, *cloneSettlement(st))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, f TradeFilter) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := range s.trades {
		if f.Match(&s.trades[i]) {
			result = append(result, s.trades[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, f LedgerFilter) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for i := range s.ledger {
		if f.Match(&s.ledger[i]) {
			result = append(result, s.ledger[i])
		}
	}
	return result, nil
}

// --- Commit ---

// commit validates every buffered write against the current versions and
// applies all of them, or none.
func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range tx.markets {
		var have int64
		if cur, ok := s.markets[id]; ok {
			have = cur.Version
		}
		if err := checkVersion("market", id, have, w.expected); err != nil {
			return err
		}
	}
	for id, w := range tx.accounts {
		var have int64
		if cur, ok := s.accounts[id]; ok {
			have = cur.Version
		}
		if err := checkVersion("account", id, have, w.expected); err != nil {
			return err
		}
	}
	for id, w := range tx.settlements {
		var have int64
		if cur, ok := s.settlements[id]; ok {
			have = cur.Version
		}
		if err := checkVersion("settlement", id, have, w.expected); err != nil {
			return err
		}
	}
	for _, t := range tx.trades {
		if _, dup := s.tradeIDs[t.ID]; dup {
			return fmt.Errorf("trade %s: %w", t.ID, ErrConflict)
		}
	}
	for _, e := range tx.ledger {
		if _, dup := s.ledgerIDs[e.ID]; dup {
			return fmt.Errorf("ledger entry %s: %w", e.ID, ErrConflict)
		}
	}

	for id, w := range tx.markets {
		doc := w.doc
		s.markets[id] = &doc
	}
	for id, w := range tx.accounts {
		doc := w.doc
		s.accounts[id] = &doc
	}
	for id, w := range tx.settlements {
		s.settlements[id] = cloneSettlement(&w.doc)
	}
	for _, t := range tx.trades {
		s.tradeIDs[t.ID] = len(s.trades)
		s.trades = append(s.trades, t)
	}
	for _, e := range tx.ledger {
		s.ledgerIDs[e.ID] = len(s.ledger)
		s.ledger = append(s.ledger, e)
	}
	return nil
}

func checkVersion(kind, id string, have, expected int64) error {
	if have != expected {
		return fmt.Errorf("%s %s: version %d, expected %d: %w", kind, id, have, expected, ErrConflict)
	}
	return nil
}

func cloneSettlement(s *model.Settlement) *model.Settlement {
	copy := *s
	copy.Lines = slices.Clone(s.Lines)
	return &copy
}

// --- Transaction attempt ---

type bufferedWrite[T any] struct {
	doc      T
	expected int64
}

type memTx struct {
	s           *MemoryStore
	markets     map[string]*bufferedWrite[model.Market]
	accounts    map[string]*bufferedWrite[model.Account]
	settlements map[string]*bufferedWrite[model.Settlement]
	trades      []model.Trade
	ledger      []model.LedgerEntry
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		s:           s,
		markets:     make(map[string]*bufferedWrite[model.Market]),
		accounts:    make(map[string]*bufferedWrite[model.Account]),
		settlements: make(map[string]*bufferedWrite[model.Settlement]),
	}
}

func (tx *memTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	if w, ok := tx.markets[id]; ok {
		copy := w.doc
		return &copy, nil
	}
	return tx.s.GetMarket(ctx, id)
}

func (tx *memTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if w, ok := tx.accounts[id]; ok {
		copy := w.doc
		return &copy, nil
	}
	return tx.s.GetAccount(ctx, id)
}

func (tx *memTx) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	if w, ok := tx.settlements[marketID]; ok {
		return cloneSettlement(&w.doc), nil
	}
	return tx.s.GetSettlement(ctx, marketID)
}

func (tx *memTx) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	for i := range tx.trades {
		if tx.trades[i].ID == id {
			copy := tx.trades[i]
			return &copy, nil
		}
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	idx, ok := tx.s.tradeIDs[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	copy := tx.s.trades[idx]
	return &copy, nil
}

func (tx *memTx) GetLedgerEntry(_ context.Context, id string) (*model.LedgerEntry, error) {
	for i := range tx.ledger {
		if tx.ledger[i].ID == id {
			copy := tx.ledger[i]
			return &copy, nil
		}
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	idx, ok := tx.s.ledgerIDs[id]
	if !ok {
		return nil, fmt.Errorf("ledger entry %s: %w", id, ErrNotFound)
	}
	copy := tx.s.ledger[idx]
	return &copy, nil
}

func (tx *memTx) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	trades, err := tx.s.ListTrades(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range tx.trades {
		if f.Match(&tx.trades[i]) {
			trades = append(trades, tx.trades[i])
		}
	}
	return trades, nil
}

func (tx *memTx) PutMarket(_ context.Context, m *model.Market) error {
	expected := m.Version
	if w, ok := tx.markets[m.ID]; ok {
		expected = w.expected
	}
	m.Version = expected + 1
	tx.markets[m.ID] = &bufferedWrite[model.Market]{doc: *m, expected: expected}
	return nil
}

func (tx *memTx) PutAccount(_ context.Context, a *model.Account) error {
	expected := a.Version
	if w, ok := tx.accounts[a.ID]; ok {
		expected = w.expected
	}
	a.Version = expected + 1
	tx.accounts[a.ID] = &bufferedWrite[model.Account]{doc: *a, expected: expected}
	return nil
}

func (tx *memTx) PutSettlement(_ context.Context, st *model.Settlement) error {
	expected := st.Version
	if w, ok := tx.settlements[st.MarketID]; ok {
		expected = w.expected
	}
	st.Version = expected + 1
	tx.settlements[st.MarketID] = &bufferedWrite[model.Settlement]{doc: *cloneSettlement(st), expected: expected}
	return nil
}

func (tx *memTx) AppendTrade(ctx context.Context, t *model.Trade) error {
	if _, err := tx.GetTrade(ctx, t.ID); err == nil {
		return fmt.Errorf("trade %s: %w", t.ID, ErrConflict)
	}
	tx.trades = append(tx.trades, *t)
	return nil
}

func (tx *memTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	if _, err := tx.GetLedgerEntry(ctx, e.ID); err == nil {
		return fmt.Errorf("ledger entry %s: %w", e.ID, ErrConflict)
	}
	tx.ledger = append(tx.ledger, *e)
	return nil
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
