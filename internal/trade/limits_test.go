package trade

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
	"github.com/atmx/exchange-engine/internal/position"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func holdings(entries map[string]position.Holding) map[string]map[position.Key]position.Holding {
	out := make(map[string]map[position.Key]position.Holding)
	for marketID, h := range entries {
		out[marketID] = map[position.Key]position.Holding{
			{UserID: "alice", Option: model.OptionA}: h,
		}
	}
	return out
}

func TestCheckBuy_WithinLimits(t *testing.T) {
	l := NewPositionLimiter(d("1000"), 50000)
	if err := l.CheckBuy(nil, "alice", "m1", model.OptionA, d("100"), 5000); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckBuy_ShareCapExceeded(t *testing.T) {
	l := NewPositionLimiter(d("1000"), 0)
	h := holdings(map[string]position.Holding{"m1": {Shares: d("950"), NetInvested: 47500}})

	// 950 held + 100 = 1050 > 1000.
	if err := l.CheckBuy(h, "alice", "m1", model.OptionA, d("100"), 5000); !errors.Is(err, model.ErrPositionLimit) {
		t.Errorf("expected ErrPositionLimit, got %v", err)
	}
	// The other option is a separate position.
	if err := l.CheckBuy(h, "alice", "m1", model.OptionB, d("100"), 5000); err != nil {
		t.Errorf("option B should be unaffected, got %v", err)
	}
}

func TestCheckBuy_ExposureSpansMarkets(t *testing.T) {
	l := NewPositionLimiter(decimal.Zero, 30000)
	h := holdings(map[string]position.Holding{
		"m1": {Shares: d("200"), NetInvested: 10000},
		"m2": {Shares: d("300"), NetInvested: 15000},
		"m3": {Shares: d("0"), NetInvested: -2000}, // closed out at a profit
	})

	if err := l.CheckBuy(h, "alice", "m4", model.OptionA, d("10"), 5000); err != nil {
		t.Errorf("25000 + 5000 is at the cap, got %v", err)
	}
	if err := l.CheckBuy(h, "alice", "m4", model.OptionA, d("10"), 5001); !errors.Is(err, model.ErrPositionLimit) {
		t.Errorf("expected ErrPositionLimit, got %v", err)
	}
}

func TestCheckBuy_Disabled(t *testing.T) {
	var nilLimiter *PositionLimiter
	if nilLimiter.Enabled() {
		t.Error("nil limiter must be disabled")
	}
	l := NewPositionLimiter(decimal.Zero, 0)
	h := holdings(map[string]position.Holding{"m1": {Shares: d("1000000"), NetInvested: money.Cents(1 << 40)}})
	if err := l.CheckBuy(h, "alice", "m1", model.OptionA, d("1"), 1); err != nil {
		t.Errorf("zero limits disable checks, got %v", err)
	}
}
