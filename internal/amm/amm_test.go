package amm

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/exchange-engine/internal/money"
)

// d is a test helper for creating decimals from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- Price function tests ---

func TestPrices_EmptyMarketIsFiftyFifty(t *testing.T) {
	a, b := Prices(0, 0)
	if !a.Equal(d("0.5")) || !b.Equal(d("0.5")) {
		t.Errorf("expected 0.5/0.5, got %s/%s", a, b)
	}
}

func TestPrices_EqualPools(t *testing.T) {
	a, b := Prices(50000, 50000)
	if !a.Equal(d("0.5")) || !b.Equal(d("0.5")) {
		t.Errorf("expected 0.5/0.5, got %s/%s", a, b)
	}
}

func TestPrices_InverseMapping(t *testing.T) {
	// Larger pool on A makes A cheaper.
	a, b := Prices(60000, 50000)
	if !a.Equal(d("0.45454545")) {
		t.Errorf("price_A = %s, want 0.45454545", a)
	}
	if !b.Equal(d("0.54545455")) {
		t.Errorf("price_B = %s, want 0.54545455", b)
	}
	if !a.LessThan(d("0.5")) {
		t.Error("buying A should drop price_A below 0.5")
	}
}

func TestPrices_OneSidedPool(t *testing.T) {
	a, b := Prices(1000, 0)
	if !a.IsZero() || !b.Equal(d("1")) {
		t.Errorf("expected 0/1, got %s/%s", a, b)
	}
}

// --- Percentage reconciliation ---

func TestPercentages(t *testing.T) {
	tests := []struct {
		name       string
		a, b       string
		wantA, wnB int
	}{
		{"even", "0.5", "0.5", 50, 50},
		{"plain", "0.4545", "0.5455", 45, 55},
		{"both round up", "0.125", "0.875", 12, 88},
		{"both round up mirrored", "0.875", "0.125", 88, 12},
		{"extreme", "0.004", "0.996", 0, 100},
		{"resolved", "1", "0", 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pa, pb := Percentages(d(tt.a), d(tt.b))
			if pa != tt.wantA || pb != tt.wnB {
				t.Errorf("Percentages(%s, %s) = %d/%d, want %d/%d",
					tt.a, tt.b, pa, pb, tt.wantA, tt.wnB)
			}
		})
	}
}

func TestPercentages_AlwaysSumTo100(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		poolA := rapid.Int64Range(0, 1_000_000_000_000).Draw(t, "poolA")
		poolB := rapid.Int64Range(0, 1_000_000_000_000).Draw(t, "poolB")

		a, b := Prices(money.Cents(poolA), money.Cents(poolB))
		if !a.Add(b).Equal(decimal.NewFromInt(1)) {
			t.Fatalf("prices %s + %s != 1", a, b)
		}
		if a.IsNegative() || a.GreaterThan(decimal.NewFromInt(1)) {
			t.Fatalf("price_A out of bounds: %s", a)
		}

		pa, pb := Percentages(a, b)
		if pa+pb != 100 {
			t.Fatalf("percentages %d + %d != 100", pa, pb)
		}
		if pa < 0 || pb < 0 {
			t.Fatalf("negative percentage %d/%d", pa, pb)
		}
	})
}

// --- Trade math ---

func TestSharesForCash(t *testing.T) {
	shares, err := SharesForCash(10000, d("0.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !shares.Equal(d("200")) {
		t.Errorf("shares = %s, want 200", shares)
	}

	// 1 / 0.3 truncates rather than rounds.
	shares, _ = SharesForCash(100, d("0.3"))
	if !shares.Equal(d("3.33333333")) {
		t.Errorf("shares = %s, want 3.33333333", shares)
	}
}

func TestSharesForCash_RejectsBadPrice(t *testing.T) {
	for _, p := range []string{"0", "-0.1", "1.01"} {
		if _, err := SharesForCash(100, d(p)); !errors.Is(err, ErrPriceOutOfRange) {
			t.Errorf("price %s: expected ErrPriceOutOfRange, got %v", p, err)
		}
	}
	if _, err := SharesForCash(100, d("1")); err != nil {
		t.Errorf("price 1 should be accepted, got %v", err)
	}
}

func TestProceeds_FloorsToCent(t *testing.T) {
	got, err := Proceeds(d("3.33333333"), d("0.3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 99 {
		t.Errorf("proceeds = %d, want 99", got)
	}
}
