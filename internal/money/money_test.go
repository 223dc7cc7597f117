package money

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Cents
	}{
		{"0", 0},
		{"1", 100},
		{"12.34", 1234},
		{"0.01", 1},
		{"1000.5", 100050},
		{"-3.20", -320},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParse_RejectsSubCent(t *testing.T) {
	_, err := Parse("1.005")
	if !errors.Is(err, ErrSubCentPrecision) {
		t.Errorf("expected ErrSubCentPrecision, got %v", err)
	}
}

func TestParse_Garbage(t *testing.T) {
	if _, err := Parse("ten"); err == nil {
		t.Error("expected error for non-numeric input")
	}
}

func TestFloorAndRound(t *testing.T) {
	if got := Floor(d("284.999")); got != 28499 {
		t.Errorf("Floor = %d, want 28499", got)
	}
	if got := RoundHalfUp(d("284.995")); got != 28500 {
		t.Errorf("RoundHalfUp = %d, want 28500", got)
	}
	if got := RoundHalfUp(d("284.994")); got != 28499 {
		t.Errorf("RoundHalfUp = %d, want 28499", got)
	}
}

func TestMulRate(t *testing.T) {
	fee := Cents(100000).MulRate(d("0.05"))
	if fee != 5000 {
		t.Errorf("fee = %d, want 5000", fee)
	}
	// 0.05 * 10.10 = 0.505 -> 0.51
	if got := Cents(1010).MulRate(d("0.05")); got != 51 {
		t.Errorf("fee = %d, want 51", got)
	}
}

func TestString(t *testing.T) {
	if s := Cents(5).String(); s != "0.05" {
		t.Errorf("String = %q, want 0.05", s)
	}
	if s := Cents(123400).String(); s != "1234.00" {
		t.Errorf("String = %q, want 1234.00", s)
	}
}

func TestJSON(t *testing.T) {
	type body struct {
		Amount Cents `json:"amount"`
	}

	out, err := json.Marshal(body{Amount: 1050})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"amount":"10.50"}` {
		t.Errorf("unexpected encoding %s", out)
	}

	var fromString, fromNumber body
	if err := json.Unmarshal([]byte(`{"amount":"10.50"}`), &fromString); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if err := json.Unmarshal([]byte(`{"amount":10.5}`), &fromNumber); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if fromString.Amount != 1050 || fromNumber.Amount != 1050 {
		t.Errorf("got %d and %d, want 1050", fromString.Amount, fromNumber.Amount)
	}

	var bad body
	if err := json.Unmarshal([]byte(`{"amount":"0.001"}`), &bad); err == nil {
		t.Error("expected sub-cent amount to be rejected")
	}
}
