// Package account owns user cash balances. Balances change only inside a
// store transaction that also reads the pre-mutation value, and every change
// is paired with an immutable record appended in the same transaction.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
	"github.com/atmx/exchange-engine/internal/store"
)

// Receipt is the outcome of a deposit or withdrawal.
type Receipt struct {
	Account  *model.Account     `json:"account"`
	Entry    *model.LedgerEntry `json:"entry"`
	Replayed bool               `json:"replayed"`
}

// Service exposes account operations that run as their own transaction.
type Service struct {
	store store.Store
}

// NewService creates a new account service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Open creates a zero-balance account for userID.
func (s *Service) Open(ctx context.Context, userID string) (*model.Account, error) {
	if userID == "" {
		return nil, fmt.Errorf("open account: %w", model.ErrUnauthenticated)
	}

	var opened *model.Account
	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, userID); err == nil {
			return model.ErrAccountExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		a, err := Open(ctx, tx, userID)
		if err != nil {
			return err
		}
		opened = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("account opened", "user", userID)
	return opened, nil
}

// Get returns the committed account for userID.
func (s *Service) Get(ctx context.Context, userID string) (*model.Account, error) {
	a, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return a, nil
}

// Deposit adds amount to the user's balance and records a deposit entry.
// A non-empty idempotency key makes retries return the original receipt.
func (s *Service) Deposit(ctx context.Context, userID string, amount money.Cents, key string) (*Receipt, error) {
	return s.move(ctx, userID, amount, key, model.LedgerDeposit)
}

// Withdraw removes amount from the user's balance and records a withdraw
// entry. Fails with ErrInsufficientFunds when the balance is too small.
func (s *Service) Withdraw(ctx context.Context, userID string, amount money.Cents, key string) (*Receipt, error) {
	return s.move(ctx, userID, amount, key, model.LedgerWithdraw)
}

func (s *Service) move(ctx context.Context, userID string, amount money.Cents, key string, kind model.LedgerKind) (*Receipt, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	entryID := model.IdempotentID(string(kind), userID, key)
	var receipt *Receipt

	err := s.store.RunTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if prior, err := tx.GetLedgerEntry(ctx, entryID); err == nil {
			a, err := tx.GetAccount(ctx, userID)
			if err != nil {
				return translate(err)
			}
			receipt = &Receipt{Account: a, Entry: prior, Replayed: true}
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		entry := &model.LedgerEntry{
			ID:          entryID,
			UserID:      userID,
			Amount:      amount,
			Kind:        kind,
			Timestamp:   time.Now().UTC(),
			Description: string(kind) + " " + amount.String(),
		}

		var (
			a   *model.Account
			err error
		)
		if kind == model.LedgerDeposit {
			a, err = Credit(ctx, tx, userID, amount, entry)
		} else {
			a, err = Debit(ctx, tx, userID, amount, entry)
		}
		if err != nil {
			return err
		}
		receipt = &Receipt{Account: a, Entry: entry}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !receipt.Replayed {
		slog.Info("account "+string(kind),
			"user", userID,
			"amount", amount.String(),
			"balance", receipt.Account.Balance.String(),
		)
	}
	return receipt, nil
}

// History returns the user's ledger entries in commit order.
func (s *Service) History(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.store.ListLedgerEntries(ctx, store.LedgerFilter{UserID: userID})
}

// --- Transaction primitives ---

// Load reads an account inside tx, translating a missing document into
// model.ErrAccountNotFound.
func Load(ctx context.Context, tx store.Tx, userID string) (*model.Account, error) {
	a, err := tx.GetAccount(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	return a, nil
}

// Open inserts a zero-balance account inside tx.
func Open(ctx context.Context, tx store.Tx, userID string) (*model.Account, error) {
	now := time.Now().UTC()
	a := &model.Account{ID: userID, CreatedAt: now, UpdatedAt: now}
	if err := tx.PutAccount(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Credit adds amount to the account inside tx. When entry is non-nil it is
// appended in the same transaction; a nil entry means the caller appends its
// own record (a trade) in tx.
func Credit(ctx context.Context, tx store.Tx, userID string, amount money.Cents, entry *model.LedgerEntry) (*model.Account, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	a, err := tx.GetAccount(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	a.Balance += amount
	return a, apply(ctx, tx, a, entry)
}

// Debit subtracts amount from the account inside tx, failing with
// ErrInsufficientFunds rather than letting the balance go negative.
func Debit(ctx context.Context, tx store.Tx, userID string, amount money.Cents, entry *model.LedgerEntry) (*model.Account, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	a, err := tx.GetAccount(ctx, userID)
	if err != nil {
		return nil, translate(err)
	}
	if a.Balance < amount {
		return nil, model.ErrInsufficientFunds
	}
	a.Balance -= amount
	return a, apply(ctx, tx, a, entry)
}

func apply(ctx context.Context, tx store.Tx, a *model.Account, entry *model.LedgerEntry) error {
	a.UpdatedAt = time.Now().UTC()
	if err := tx.PutAccount(ctx, a); err != nil {
		return err
	}
	if entry != nil {
		if err := tx.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", model.ErrAccountNotFound, err)
	}
	return err
}
