package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Cash amounts are stored as BIGINT cents; shares and prices as NUMERIC for
// exact decimal precision.
type PostgresStore struct {
	pool  *pgxpool.Pool
	retry RetryPolicy
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, retry RetryPolicy) *PostgresStore {
	return &PostgresStore{pool: pool, retry: retry}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RunTx runs fn inside a READ COMMITTED transaction. Isolation comes from
// the version predicates on every UPDATE, not from the isolation level.
func (s *PostgresStore) RunTx(ctx context.Context, fn TxFunc) error {
	return Retry(ctx, s.retry, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("postgres: begin: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		if err := fn(ctx, &pgTx{q: tx}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return mapErr("commit", err)
		}
		return nil
	})
}

// RunMigrations applies the embedded SQL files in lexicographic order and
// records them in a schema_migrations table.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Reads outside a transaction ---

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, selectMarket+` ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, mapErr("list markets", err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, mapErr("scan market", err)
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.pool, id)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	return getSettlement(ctx, s.pool, marketID)
}

func (s *PostgresStore) ListPendingSettlements(ctx context.Context) ([]model.Settlement, error) {
	rows, err := s.pool.Query(ctx, selectSettlement+` WHERE completed_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, mapErr("list pending settlements", err)
	}
	defer rows.Close()

	var pending []model.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, mapErr("scan settlement", err)
		}
		pending = append(pending, *st)
	}
	return pending, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	return listTrades(ctx, s.pool, f)
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			args = append(args, val)
			where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	add("user_id", f.UserID)
	add("market_id", f.MarketID)
	add("kind", string(f.Kind))

	sql := `SELECT id, user_id, amount, kind, market_id, timestamp, description FROM ledger_entries`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY seq"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr("list ledger entries", err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, mapErr("scan ledger entry", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// --- Transaction attempt ---

type pgTx struct {
	q querier
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.q, id)
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, t.q, id)
}

func (t *pgTx) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	return getSettlement(ctx, t.q, marketID)
}

func (t *pgTx) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := t.q.QueryRow(ctx, selectTrade+` WHERE id = $1`, id)
	tr, err := scanTrade(row)
	if err != nil {
		return nil, mapErr("get trade "+id, err)
	}
	return tr, nil
}

func (t *pgTx) GetLedgerEntry(ctx context.Context, id string) (*model.LedgerEntry, error) {
	row := t.q.QueryRow(ctx,
		`SELECT id, user_id, amount, kind, market_id, timestamp, description
		 FROM ledger_entries WHERE id = $1`, id)
	e, err := scanLedgerEntry(row)
	if err != nil {
		return nil, mapErr("get ledger entry "+id, err)
	}
	return e, nil
}

func (t *pgTx) ListTrades(ctx context.Context, f TradeFilter) ([]model.Trade, error) {
	return listTrades(ctx, t.q, f)
}

func (t *pgTx) PutMarket(ctx context.Context, m *model.Market) error {
	args := []any{
		m.ID, m.Title, m.Description, m.OptionALabel, m.OptionBLabel,
		int64(m.PoolA), int64(m.PoolB), int64(m.TotalVolume), string(m.Status), m.ResolveDate,
		string(m.ResolvedOption), m.PayoutPerShare.String(),
		int64(m.TotalPayoutAmount), int64(m.TotalFeeAmount), int64(m.UnclaimedAmount),
		m.CreatedAt, m.ClosedAt, m.ResolvedAt, m.Version,
	}

	var sql string
	if m.Version == 0 {
		sql = `INSERT INTO markets (id, title, description, option_a_label, option_b_label,
		        pool_a, pool_b, total_volume, status, resolve_date,
		        resolved_option, payout_per_share,
		        total_payout_amount, total_fee_amount, unclaimed_amount,
		        created_at, closed_at, resolved_at, version)
		       VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::NUMERIC,
		               $13, $14, $15, $16, $17, $18, $19 + 1)
		       ON CONFLICT (id) DO NOTHING`
	} else {
		sql = `UPDATE markets SET title = $2, description = $3, option_a_label = $4, option_b_label = $5,
		        pool_a = $6, pool_b = $7, total_volume = $8, status = $9, resolve_date = $10,
		        resolved_option = $11, payout_per_share = $12::NUMERIC,
		        total_payout_amount = $13, total_fee_amount = $14, unclaimed_amount = $15,
		        created_at = $16, closed_at = $17, resolved_at = $18, version = version + 1
		       WHERE id = $1 AND version = $19`
	}
	if err := t.execCAS(ctx, "market "+m.ID, sql, args...); err != nil {
		return err
	}
	m.Version++
	return nil
}

func (t *pgTx) PutAccount(ctx context.Context, a *model.Account) error {
	var sql string
	if a.Version == 0 {
		sql = `INSERT INTO accounts (id, balance, created_at, updated_at, version)
		       VALUES ($1, $2, $3, $4, $5 + 1)
		       ON CONFLICT (id) DO NOTHING`
	} else {
		sql = `UPDATE accounts SET balance = $2, created_at = $3, updated_at = $4, version = version + 1
		       WHERE id = $1 AND version = $5`
	}
	if err := t.execCAS(ctx, "account "+a.ID, sql,
		a.ID, int64(a.Balance), a.CreatedAt, a.UpdatedAt, a.Version); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (t *pgTx) PutSettlement(ctx context.Context, st *model.Settlement) error {
	lines, err := json.Marshal(st.Lines)
	if err != nil {
		return fmt.Errorf("postgres: encode settlement lines: %w", err)
	}

	var sql string
	if st.Version == 0 {
		sql = `INSERT INTO settlements (market_id, option, total_volume, fee, distributable,
		        winning_shares, payout_per_share, total_payout, unclaimed, lines,
		        created_at, completed_at, version)
		       VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13 + 1)
		       ON CONFLICT (market_id) DO NOTHING`
	} else {
		sql = `UPDATE settlements SET option = $2, total_volume = $3, fee = $4, distributable = $5,
		        winning_shares = $6::NUMERIC, payout_per_share = $7::NUMERIC,
		        total_payout = $8, unclaimed = $9, lines = $10,
		        created_at = $11, completed_at = $12, version = version + 1
		       WHERE market_id = $1 AND version = $13`
	}
	if err := t.execCAS(ctx, "settlement "+st.MarketID, sql,
		st.MarketID, string(st.Option), int64(st.TotalVolume), int64(st.Fee), int64(st.Distributable),
		st.WinningShares.String(), st.PayoutPerShare.String(),
		int64(st.TotalPayout), int64(st.Unclaimed), lines,
		st.CreatedAt, st.CompletedAt, st.Version); err != nil {
		return err
	}
	st.Version++
	return nil
}

func (t *pgTx) AppendTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, option, kind, shares, amount, price_at_execution, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9)`,
		tr.ID, tr.UserID, tr.MarketID, string(tr.Option), string(tr.Kind),
		tr.Shares.String(), int64(tr.Amount), tr.PriceAtExecution.String(), tr.Timestamp,
	)
	return mapErr("append trade "+tr.ID, err)
}

func (t *pgTx) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, kind, market_id, timestamp, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, int64(e.Amount), string(e.Kind), e.MarketID, e.Timestamp, e.Description,
	)
	return mapErr("append ledger entry "+e.ID, err)
}

// execCAS runs a version-guarded write and reports a conflict when no row
// was affected.
func (t *pgTx) execCAS(ctx context.Context, what, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return mapErr("put "+what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: put %s: %w", what, ErrConflict)
	}
	return nil
}

// --- Shared queries and scanners ---

const selectMarket = `SELECT id, title, description, option_a_label, option_b_label,
        pool_a, pool_b, total_volume, status, resolve_date,
        resolved_option, payout_per_share::TEXT,
        total_payout_amount, total_fee_amount, unclaimed_amount,
        created_at, closed_at, resolved_at, version
 FROM markets`

const selectSettlement = `SELECT market_id, option, total_volume, fee, distributable,
        winning_shares::TEXT, payout_per_share::TEXT, total_payout, unclaimed, lines,
        created_at, completed_at, version
 FROM settlements`

const selectTrade = `SELECT id, user_id, market_id, option, kind, shares::TEXT, amount,
        price_at_execution::TEXT, timestamp
 FROM trades`

func getMarket(ctx context.Context, q querier, id string) (*model.Market, error) {
	m, err := scanMarket(q.QueryRow(ctx, selectMarket+` WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get market "+id, err)
	}
	return m, nil
}

func getAccount(ctx context.Context, q querier, id string) (*model.Account, error) {
	var a model.Account
	var balance int64
	err := q.QueryRow(ctx,
		`SELECT id, balance, created_at, updated_at, version FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &balance, &a.CreatedAt, &a.UpdatedAt, &a.Version)
	if err != nil {
		return nil, mapErr("get account "+id, err)
	}
	a.Balance = money.Cents(balance)
	return &a, nil
}

func getSettlement(ctx context.Context, q querier, marketID string) (*model.Settlement, error) {
	st, err := scanSettlement(q.QueryRow(ctx, selectSettlement+` WHERE market_id = $1`, marketID))
	if err != nil {
		return nil, mapErr("get settlement "+marketID, err)
	}
	return st, nil
}

func listTrades(ctx context.Context, q querier, f TradeFilter) ([]model.Trade, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			args = append(args, val)
			where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	add("market_id", f.MarketID)
	add("user_id", f.UserID)
	add("option", string(f.Option))

	sql := selectTrade
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY seq"

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr("list trades", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		tr, err := scanTrade(rows)
		if err != nil {
			return nil, mapErr("scan trade", err)
		}
		trades = append(trades, *tr)
	}
	return trades, rows.Err()
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var poolA, poolB, volume, totalPayout, totalFee, unclaimed int64
	var status, resolved, payoutPerShare string

	if err := row.Scan(&m.ID, &m.Title, &m.Description, &m.OptionALabel, &m.OptionBLabel,
		&poolA, &poolB, &volume, &status, &m.ResolveDate,
		&resolved, &payoutPerShare,
		&totalPayout, &totalFee, &unclaimed,
		&m.CreatedAt, &m.ClosedAt, &m.ResolvedAt, &m.Version); err != nil {
		return nil, err
	}

	m.PoolA, m.PoolB, m.TotalVolume = money.Cents(poolA), money.Cents(poolB), money.Cents(volume)
	m.Status = model.MarketStatus(status)
	m.ResolvedOption = model.Option(resolved)
	m.PayoutPerShare, _ = decimal.NewFromString(payoutPerShare)
	m.TotalPayoutAmount = money.Cents(totalPayout)
	m.TotalFeeAmount = money.Cents(totalFee)
	m.UnclaimedAmount = money.Cents(unclaimed)
	return &m, nil
}

func scanSettlement(row pgx.Row) (*model.Settlement, error) {
	var st model.Settlement
	var option, winningShares, payoutPerShare string
	var volume, fee, distributable, totalPayout, unclaimed int64
	var lines []byte

	if err := row.Scan(&st.MarketID, &option, &volume, &fee, &distributable,
		&winningShares, &payoutPerShare, &totalPayout, &unclaimed, &lines,
		&st.CreatedAt, &st.CompletedAt, &st.Version); err != nil {
		return nil, err
	}

	st.Option = model.Option(option)
	st.TotalVolume = money.Cents(volume)
	st.Fee = money.Cents(fee)
	st.Distributable = money.Cents(distributable)
	st.WinningShares, _ = decimal.NewFromString(winningShares)
	st.PayoutPerShare, _ = decimal.NewFromString(payoutPerShare)
	st.TotalPayout = money.Cents(totalPayout)
	st.Unclaimed = money.Cents(unclaimed)
	if err := json.Unmarshal(lines, &st.Lines); err != nil {
		return nil, fmt.Errorf("decode settlement lines: %w", err)
	}
	return &st, nil
}

func scanTrade(row pgx.Row) (*model.Trade, error) {
	var tr model.Trade
	var option, kind, shares, price string
	var amount int64

	if err := row.Scan(&tr.ID, &tr.UserID, &tr.MarketID, &option, &kind,
		&shares, &amount, &price, &tr.Timestamp); err != nil {
		return nil, err
	}

	tr.Option = model.Option(option)
	tr.Kind = model.TradeKind(kind)
	tr.Shares, _ = decimal.NewFromString(shares)
	tr.Amount = money.Cents(amount)
	tr.PriceAtExecution, _ = decimal.NewFromString(price)
	return &tr, nil
}

func scanLedgerEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	var kind string
	var amount int64

	if err := row.Scan(&e.ID, &e.UserID, &amount, &kind, &e.MarketID, &e.Timestamp, &e.Description); err != nil {
		return nil, err
	}
	e.Amount = money.Cents(amount)
	e.Kind = model.LedgerKind(kind)
	return &e, nil
}

// mapErr translates driver errors into store sentinels. Unique violations,
// serialization failures and deadlocks are all reported as conflicts so the
// transaction is retried from scratch.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("postgres: %s: %s: %w", op, pgErr.Code, ErrConflict)
		}
	}
	return fmt.Errorf("postgres: %s: %w", op, err)
}

// Compile-time interface checks.
var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)
