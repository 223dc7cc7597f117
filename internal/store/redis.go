package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for market and account documents. Transactions always read the
// primary; documents written by a transaction are written through to the
// cache after it commits.
//
// Cache entries are hashes holding the document and its version, and every
// cache write goes through a script that refuses to replace a newer version.
// A reader that loaded a row just before a concurrent commit therefore cannot
// overwrite the committed document with its stale copy.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
	put     *redis.Script
}

// putIfNewerLua stores ARGV[2] at version ARGV[1] unless the cached version
// is the same or newer. ARGV[3] is the TTL in milliseconds.
const putIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
    return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'doc', ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		put:     redis.NewScript(putIfNewerLua),
	}
}

// --- Transactions (primary, then write through) ---

func (s *CachedStore) RunTx(ctx context.Context, fn TxFunc) error {
	var written []cacheEntry
	err := s.primary.RunTx(ctx, func(ctx context.Context, tx Tx) error {
		// Each attempt starts with a clean write set.
		rec := &recordingTx{Tx: tx}
		if err := fn(ctx, rec); err != nil {
			return err
		}
		written = rec.entries
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range written {
		if err := s.writeCache(ctx, e); err != nil {
			slog.Warn("cache write-through failed, evicting", "key", e.key, "err", err)
			s.rdb.Del(ctx, e.key)
		}
	}
	return nil
}

// cacheEntry is a serialized document at a committed version.
type cacheEntry struct {
	key     string
	version int64
	data    []byte
}

func newCacheEntry(key string, version int64, doc any) (cacheEntry, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return cacheEntry{key: key, version: version, data: data}, nil
}

// recordingTx snapshots every document written through it, at the version
// the write will commit with.
type recordingTx struct {
	Tx
	entries []cacheEntry
}

func (t *recordingTx) PutMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.PutMarket(ctx, m); err != nil {
		return err
	}
	return t.record(marketKey(m.ID), m.Version, m)
}

func (t *recordingTx) PutAccount(ctx context.Context, a *model.Account) error {
	if err := t.Tx.PutAccount(ctx, a); err != nil {
		return err
	}
	return t.record(accountKey(a.ID), a.Version, a)
}

func (t *recordingTx) record(key string, version int64, doc any) error {
	e, err := newCacheEntry(key, version, doc)
	if err != nil {
		return err
	}
	// A later write of the same document in this attempt supersedes it.
	for i := range t.entries {
		if t.entries[i].key == key {
			t.entries[i] = e
			return nil
		}
	}
	t.entries = append(t.entries, e)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.readCache(ctx, marketKey(id), &m) {
		return &m, nil
	}

	fresh, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, marketKey(id), fresh.Version, fresh)
	return fresh, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.readCache(ctx, accountKey(id), &a) {
		return &a, nil
	}

	fresh, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, accountKey(id), fresh.Version, fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	return s.primary.GetSettlement(ctx, marketID)
}

func (s *CachedStore) ListPendingSettlements(ctx context.Context) ([]model.Settlement, error) {
	return s.primary.ListPendingSettlements(ctx)
}

func (s *CachedStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, f)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, f)
}

// --- Cache helpers ---

func (s *CachedStore) readCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.HGet(ctx, key, "doc").Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// fill populates the cache after a miss. Failures only cost a later miss.
func (s *CachedStore) fill(ctx context.Context, key string, version int64, doc any) {
	e, err := newCacheEntry(key, version, doc)
	if err != nil {
		return
	}
	if err := s.writeCache(ctx, e); err != nil {
		slog.Debug("cache fill failed", "key", key, "err", err)
	}
}

// writeCache stores e unless the cache already holds the same or a newer
// version.
func (s *CachedStore) writeCache(ctx context.Context, e cacheEntry) error {
	return s.put.Run(ctx, s.rdb, []string{e.key}, e.version, e.data, s.ttl.Milliseconds()).Err()
}

func marketKey(id string) string  { return fmt.Sprintf("exchange:market:%s", id) }
func accountKey(id string) string { return fmt.Sprintf("exchange:account:%s", id) }

var _ Store = (*CachedStore)(nil)
