// Package events publishes exchange activity to downstream consumers: the
// realtime WebSocket hub and a Kafka topic. Events are emitted only after
// the originating transaction has committed.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	TradeExecuted  Type = "trade_executed"
	MarketCreated  Type = "market_created"
	MarketClosed   Type = "market_closed"
	MarketResolved Type = "market_resolved"
)

// Event is the JSON payload delivered to every sink. Decimal and money
// values are pre-formatted strings so consumers never parse floats.
type Event struct {
	Type      Type      `json:"type"`
	MarketID  string    `json:"market_id"`
	UserID    string    `json:"user_id,omitempty"`
	Option    string    `json:"option,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Shares    string    `json:"shares,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	PriceA    string    `json:"price_a,omitempty"`
	PriceB    string    `json:"price_b,omitempty"`
	PercentA  int       `json:"percent_a,omitempty"`
	PercentB  int       `json:"percent_b,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block the caller for
// long; the engines publish on the request path.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every published event in memory. Useful in tests and in
// single-process development setups.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, ev := range r.events {
		if len(types) == 0 || contains(types, ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

func contains(types []Type, t Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
