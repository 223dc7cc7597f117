package model

import (
	"strings"

	"github.com/google/uuid"
)

// idempotencyNamespace scopes deterministic record ids derived from client keys.
var idempotencyNamespace = uuid.MustParse("6f1c2a8e-4b7d-5e90-9a3c-2d4e6f8a0b1c")

// NewID returns a fresh random record id.
func NewID() string {
	return uuid.New().String()
}

// IdempotentID derives a stable record id from a client-supplied idempotency
// key, scoped by operation and user so two users cannot collide on the same
// key. Empty key returns a random id.
func IdempotentID(op, userID, key string) string {
	if key == "" {
		return NewID()
	}
	name := strings.Join([]string{op, userID, key}, "\x00")
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// TradeID derives a trade id from an idempotency key. The market is part of
// the scope, so a key reused on another market places a new trade there.
func TradeID(kind TradeKind, marketID, userID, key string) string {
	return IdempotentID(string(kind)+":"+marketID, userID, key)
}

// PayoutEntryID is the deterministic ledger id of a user's payout for a
// market. At most one such entry can ever exist.
func PayoutEntryID(marketID, userID string) string {
	return "payout:" + marketID + ":" + userID
}

// FeeEntryID is the deterministic ledger id of a market's platform fee.
func FeeEntryID(marketID string) string {
	return "fee:" + marketID
}

// UnclaimedEntryID is the deterministic ledger id of a market's unclaimed pot.
func UnclaimedEntryID(marketID string) string {
	return "unclaimed:" + marketID
}
