package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
)

func seedAccount(t *testing.T, s *MemoryStore, id string, balance int64) {
	t.Helper()
	err := s.RunTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.PutAccount(ctx, &model.Account{ID: id, Balance: money.Cents(balance)})
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestRunTx_InsertAndRead(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "alice", 500)

	a, err := s.GetAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.Balance != 500 || a.Version != 1 {
		t.Errorf("got balance=%d version=%d, want 500/1", a.Balance, a.Version)
	}
}

func TestRunTx_InsertTwiceConflicts(t *testing.T) {
	s := NewMemoryStore()
	s.SetRetryPolicy(RetryPolicy{MaxAttempts: 1})
	seedAccount(t, s, "alice", 0)

	err := s.RunTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.PutAccount(ctx, &model.Account{ID: "alice"})
	})
	if !errors.Is(err, model.ErrTransactionConflict) {
		t.Errorf("expected ErrTransactionConflict, got %v", err)
	}
}

func TestRunTx_ErrorDiscardsWrites(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "alice", 100)
	boom := errors.New("boom")

	err := s.RunTx(context.Background(), func(ctx context.Context, tx Tx) error {
		a, err := tx.GetAccount(ctx, "alice")
		if err != nil {
			return err
		}
		a.Balance = 0
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendLedgerEntry(ctx, &model.LedgerEntry{ID: "e1", UserID: "alice"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	a, _ := s.GetAccount(context.Background(), "alice")
	if a.Balance != 100 {
		t.Errorf("balance = %d, want 100 (rolled back)", a.Balance)
	}
	entries, _ := s.ListLedgerEntries(context.Background(), LedgerFilter{UserID: "alice"})
	if len(entries) != 0 {
		t.Errorf("expected no ledger entries, got %d", len(entries))
	}
}

func TestRunTx_ReadYourWrites(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "alice", 100)

	err := s.RunTx(context.Background(), func(ctx context.Context, tx Tx) error {
		a, _ := tx.GetAccount(ctx, "alice")
		a.Balance += 50
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}
		again, _ := tx.GetAccount(ctx, "alice")
		if again.Balance != 150 {
			t.Errorf("in-tx balance = %d, want 150", again.Balance)
		}
		again.Balance += 50
		return tx.PutAccount(ctx, again)
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	a, _ := s.GetAccount(context.Background(), "alice")
	if a.Balance != 200 || a.Version != 2 {
		t.Errorf("got balance=%d version=%d, want 200/2", a.Balance, a.Version)
	}
}

func TestRunTx_StaleWriteRetries(t *testing.T) {
	s := NewMemoryStore()
	seedAccount(t, s, "alice", 100)

	var attempts int
	err := s.RunTx(context.Background(), func(ctx context.Context, tx Tx) error {
		attempts++
		a, _ := tx.GetAccount(ctx, "alice")
		if attempts == 1 {
			// A concurrent writer commits between our read and our commit.
			if err := s.RunTx(ctx, func(ctx context.Context, inner Tx) error {
				b, _ := inner.GetAccount(ctx, "alice")
				b.Balance += 1
				return inner.PutAccount(ctx, b)
			}); err != nil {
				t.Fatalf("inner tx: %v", err)
			}
		}
		a.Balance += 10
		return tx.PutAccount(ctx, a)
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}

	a, _ := s.GetAccount(context.Background(), "alice")
	if a.Balance != 111 {
		t.Errorf("balance = %d, want 111 (no lost update)", a.Balance)
	}
}

func TestRunTx_ConcurrentIncrementsAreSerializable(t *testing.T) {
	s := NewMemoryStore()
	s.SetRetryPolicy(RetryPolicy{MaxAttempts: 1000, BaseDelay: 0})
	seedAccount(t, s, "alice", 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTx(context.Background(), func(ctx context.Context, tx Tx) error {
				a, err := tx.GetAccount(ctx, "alice")
				if err != nil {
					return err
				}
				a.Balance++
				return tx.PutAccount(ctx, a)
			})
			if err != nil {
				t.Errorf("RunTx: %v", err)
			}
		}()
	}
	wg.Wait()

	a, _ := s.GetAccount(context.Background(), "alice")
	if a.Balance != 50 {
		t.Errorf("balance = %d, want 50", a.Balance)
	}
}

func TestRunTx_ExhaustedRetriesSurfaceConflict(t *testing.T) {
	s := NewMemoryStore()
	var conflicts atomic.Int32
	s.SetRetryPolicy(RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Microsecond,
		OnConflict:  func(int, error) { conflicts.Add(1) },
	})
	seedAccount(t, s, "alice", 0)

	err := s.RunTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.PutAccount(ctx, &model.Account{ID: "alice"}) // always stale
	})
	if !errors.Is(err, model.ErrTransactionConflict) {
		t.Errorf("expected ErrTransactionConflict, got %v", err)
	}
	if conflicts.Load() != 3 {
		t.Errorf("conflicts = %d, want 3", conflicts.Load())
	}
}

func TestAppend_DuplicateIDConflicts(t *testing.T) {
	s := NewMemoryStore()
	s.SetRetryPolicy(RetryPolicy{MaxAttempts: 1})
	ctx := context.Background()

	appendEntry := func() error {
		return s.RunTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.AppendLedgerEntry(ctx, &model.LedgerEntry{ID: "payout:m1:alice", UserID: "alice"})
		})
	}
	if err := appendEntry(); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := appendEntry(); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on duplicate, got %v", err)
	}

	entries, _ := s.ListLedgerEntries(ctx, LedgerFilter{UserID: "alice"})
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

func TestListTrades_FilterAndOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	trades := []model.Trade{
		{ID: "t1", UserID: "alice", MarketID: "m1", Option: model.OptionA},
		{ID: "t2", UserID: "bob", MarketID: "m1", Option: model.OptionB},
		{ID: "t3", UserID: "alice", MarketID: "m2", Option: model.OptionA},
		{ID: "t4", UserID: "alice", MarketID: "m1", Option: model.OptionB},
	}
	for i := range trades {
		tr := trades[i]
		if err := s.RunTx(ctx, func(ctx context.Context, tx Tx) error {
			return tx.AppendTrade(ctx, &tr)
		}); err != nil {
			t.Fatalf("append %s: %v", tr.ID, err)
		}
	}

	got, _ := s.ListTrades(ctx, TradeFilter{MarketID: "m1", UserID: "alice"})
	if len(got) != 2 || got[0].ID != "t1" || got[1].ID != "t4" {
		t.Errorf("unexpected trades %+v", got)
	}

	got, _ = s.ListTrades(ctx, TradeFilter{MarketID: "m1", Option: model.OptionB})
	if len(got) != 2 {
		t.Errorf("expected 2 option-B trades, got %d", len(got))
	}
}

func TestGet_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetMarket(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMarket: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetAccount(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAccount: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetSettlement(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSettlement: expected ErrNotFound, got %v", err)
	}
}

func TestListPendingSettlements(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	err := s.RunTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.PutSettlement(ctx, &model.Settlement{MarketID: "m1", CreatedAt: now}); err != nil {
			return err
		}
		return tx.PutSettlement(ctx, &model.Settlement{MarketID: "m2", CreatedAt: now, CompletedAt: &now})
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	pending, _ := s.ListPendingSettlements(ctx)
	if len(pending) != 1 || pending[0].MarketID != "m1" {
		t.Errorf("unexpected pending settlements %+v", pending)
	}
}
