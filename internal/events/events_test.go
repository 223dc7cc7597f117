package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type failing struct{ err error }

func (f failing) Publish(context.Context, Event) error { return f.err }

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")
	m := Multi{rec, failing{boom}, Nop{}}

	err := m.Publish(context.Background(), Event{Type: TradeExecuted, MarketID: "m1"})
	if !errors.Is(err, boom) {
		t.Errorf("expected joined boom error, got %v", err)
	}
	if got := rec.Events(); len(got) != 1 || got[0].MarketID != "m1" {
		t.Errorf("recorder did not receive event: %+v", got)
	}
}

func TestRecorder_FilterByType(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	rec.Publish(ctx, Event{Type: TradeExecuted})
	rec.Publish(ctx, Event{Type: MarketResolved})
	rec.Publish(ctx, Event{Type: TradeExecuted})

	if n := len(rec.Events(TradeExecuted)); n != 2 {
		t.Errorf("trade events = %d, want 2", n)
	}
	if n := len(rec.Events()); n != 3 {
		t.Errorf("all events = %d, want 3", n)
	}
}

func TestWSHub_BroadcastsToClient(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatalf("clients = %d, want 1", hub.Clients())
	}

	if err := hub.Publish(ctx, Event{Type: MarketResolved, MarketID: "m1", Option: "A"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != MarketResolved || ev.MarketID != "m1" || ev.Option != "A" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestWSHub_StoppedHubDoesNotBlockHandlers(t *testing.T) {
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-hub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	// The hub closed the existing client on shutdown.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected existing client to be disconnected")
	}

	// New clients are turned away instead of waiting on the stopped loop.
	type dialResult struct {
		resp *http.Response
		err  error
	}
	res := make(chan dialResult, 1)
	go func() {
		c, resp, err := websocket.DefaultDialer.Dial(url, nil)
		if c != nil {
			c.Close()
		}
		res <- dialResult{resp, err}
	}()
	select {
	case r := <-res:
		if r.err == nil {
			t.Fatal("dial after shutdown succeeded")
		}
		if r.resp == nil || r.resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("dial after shutdown: resp %+v err %v", r.resp, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked after hub stopped")
	}

	w := httptest.NewRecorder()
	hub.HandleWS(w, httptest.NewRequest("GET", "/api/v1/ws", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status %d, want 503", w.Code)
	}
}
