package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/account"
	"github.com/atmx/exchange-engine/internal/api"
	"github.com/atmx/exchange-engine/internal/archive"
	"github.com/atmx/exchange-engine/internal/auth"
	"github.com/atmx/exchange-engine/internal/events"
	"github.com/atmx/exchange-engine/internal/lock"
	"github.com/atmx/exchange-engine/internal/market"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
	"github.com/atmx/exchange-engine/internal/position"
	"github.com/atmx/exchange-engine/internal/settlement"
	"github.com/atmx/exchange-engine/internal/store"
	"github.com/atmx/exchange-engine/internal/trade"
)

var testJWT = auth.JWT{Secret: []byte("test-secret"), Issuer: "exchange-test", TokenTTL: time.Hour}

type testServer struct {
	t       *testing.T
	handler http.Handler
	archive *archive.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := &events.Recorder{}
	arch := &archive.Memory{}
	cfg := settlement.DefaultConfig()

	srv := api.New(api.Deps{
		Markets:      market.NewService(ms, rec),
		Accounts:     account.NewService(ms),
		Trading:      trade.NewEngine(ms, rec, nil),
		Settlement:   settlement.NewEngine(ms, lock.NewMemoryLocker(), arch, rec, cfg),
		Positions:    position.NewResolver(ms),
		JWT:          testJWT,
		Admins:       auth.NewAdmins([]string{"ops"}),
		ShareEpsilon: cfg.ShareEpsilon,
	})
	return &testServer{t: t, handler: srv.Router(api.Options{}), archive: arch}
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := testJWT.Sign(user, "")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

// do sends a request as user (empty for anonymous) and decodes the response
// into out when out is non-nil.
func (s *testServer) do(method, path, user string, body any, out any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(s.t, user))
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		if err := json.NewDecoder(w.Body).Decode(out); err != nil {
			s.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return w
}

func (s *testServer) createMarket(liquidity string) *model.Market {
	s.t.Helper()
	var m model.Market
	w := s.do("POST", "/api/v1/markets", "ops", map[string]any{
		"title":             "Will it rain tomorrow?",
		"initial_liquidity": liquidity,
	}, &m)
	if w.Code != http.StatusCreated {
		s.t.Fatalf("create market: status %d body %s", w.Code, w.Body.String())
	}
	return &m
}

func (s *testServer) fund(user, amount string) {
	s.t.Helper()
	if w := s.do("POST", "/api/v1/accounts", user, nil, nil); w.Code != http.StatusCreated {
		s.t.Fatalf("open account: status %d", w.Code)
	}
	if w := s.do("POST", "/api/v1/accounts/me/deposit", user, map[string]string{"amount": amount}, nil); w.Code != http.StatusOK {
		s.t.Fatalf("deposit: status %d body %s", w.Code, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do("GET", "/health", "", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
}

func TestTradeAndResolveFlow(t *testing.T) {
	s := newTestServer(t)
	m := s.createMarket("1000.00")
	if m.PoolA != 50000 || m.PoolB != 50000 || m.Status != model.StatusOpen {
		t.Fatalf("unexpected market %+v", m)
	}

	s.fund("alice", "100.00")
	s.fund("bob", "50.00")

	var res trade.Result
	w := s.do("POST", "/api/v1/markets/"+m.ID+"/buy", "alice", map[string]string{
		"option": "A", "amount": "100.00", "expected_price": "0.5",
	}, &res)
	if w.Code != http.StatusOK {
		t.Fatalf("buy: status %d body %s", w.Code, w.Body.String())
	}
	if !res.Trade.Shares.Equal(decimal.NewFromInt(200)) || res.Balance != 0 {
		t.Errorf("buy result %+v", res)
	}

	w = s.do("POST", "/api/v1/markets/"+m.ID+"/buy", "bob", map[string]string{
		"option": "B", "amount": "50.00", "expected_price": "0.4",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("bob buy: status %d body %s", w.Code, w.Body.String())
	}

	var q model.Quote
	s.do("GET", "/api/v1/markets/"+m.ID+"/quote", "", nil, &q)
	if q.TotalVolume != 115000 || q.PoolA+q.PoolB != q.TotalVolume {
		t.Errorf("quote %+v", q)
	}
	if q.PercentA+q.PercentB != 100 {
		t.Errorf("percentages %d + %d", q.PercentA, q.PercentB)
	}

	var trades []model.Trade
	s.do("GET", "/api/v1/markets/"+m.ID+"/trades", "", nil, &trades)
	if len(trades) != 2 {
		t.Errorf("got %d trades", len(trades))
	}

	var portfolio struct {
		Positions   []model.Position `json:"positions"`
		NetInvested money.Cents      `json:"net_invested"`
	}
	s.do("GET", "/api/v1/portfolio", "alice", nil, &portfolio)
	if len(portfolio.Positions) != 1 || portfolio.NetInvested != 10000 {
		t.Errorf("portfolio %+v", portfolio)
	}

	var holders []position.Holder
	s.do("GET", "/api/v1/markets/"+m.ID+"/holders?option=A", "ops", nil, &holders)
	if len(holders) != 1 || holders[0].UserID != "alice" {
		t.Errorf("holders %+v", holders)
	}

	// fee = 5% of 1150.00 = 57.50, alice holds every A share.
	var resolved settlement.Result
	w = s.do("POST", "/api/v1/markets/"+m.ID+"/resolve", "ops", map[string]string{"option": "A"}, &resolved)
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: status %d body %s", w.Code, w.Body.String())
	}
	if resolved.Market.Status != model.StatusResolved || resolved.Settlement.Fee != 5750 {
		t.Errorf("resolve result market=%+v settlement=%+v", resolved.Market, resolved.Settlement)
	}

	var acct model.Account
	s.do("GET", "/api/v1/accounts/me", "alice", nil, &acct)
	if acct.Balance != 109250 {
		t.Errorf("alice balance = %s, want 1092.50", acct.Balance)
	}

	if _, ok := s.archive.Get(archive.Key(m.ID)); !ok {
		t.Error("settlement report not archived")
	}

	var st model.Settlement
	if w := s.do("GET", "/api/v1/markets/"+m.ID+"/settlement", "", nil, &st); w.Code != http.StatusOK || st.CompletedAt == nil {
		t.Errorf("settlement: status %d %+v", w.Code, st)
	}

	// Resolving again is a no-op whichever option is named.
	for _, opt := range []string{"A", "B"} {
		var again settlement.Result
		w = s.do("POST", "/api/v1/markets/"+m.ID+"/resolve", "ops", map[string]string{"option": opt}, &again)
		if w.Code != http.StatusOK {
			t.Fatalf("resolve %s again: status %d body %s", opt, w.Code, w.Body.String())
		}
		if !again.AlreadyResolved || again.Market.ResolvedOption != model.OptionA {
			t.Errorf("resolve %s again: already_resolved=%v option=%s", opt, again.AlreadyResolved, again.Market.ResolvedOption)
		}
	}
	s.do("GET", "/api/v1/accounts/me", "alice", nil, &acct)
	if acct.Balance != 109250 {
		t.Errorf("alice balance after repeat resolves = %s, want 1092.50", acct.Balance)
	}
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	m := s.createMarket("1000.00")
	s.fund("alice", "10.00")

	buyPath := "/api/v1/markets/" + m.ID + "/buy"
	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		want   int
	}{
		{"no token", "POST", buyPath, "", map[string]string{"option": "A", "amount": "1", "expected_price": "0.5"}, http.StatusUnauthorized},
		{"not admin", "POST", "/api/v1/markets", "alice", map[string]string{"title": "x", "initial_liquidity": "10"}, http.StatusForbidden},
		{"bad body", "POST", buyPath, "alice", "not an object", http.StatusBadRequest},
		{"invalid option", "POST", buyPath, "alice", map[string]string{"option": "C", "amount": "1", "expected_price": "0.5"}, http.StatusBadRequest},
		{"invalid price", "POST", buyPath, "alice", map[string]string{"option": "A", "amount": "1", "expected_price": "1.5"}, http.StatusBadRequest},
		{"no account", "POST", buyPath, "carol", map[string]string{"option": "A", "amount": "1", "expected_price": "0.5"}, http.StatusNotFound},
		{"unknown market", "GET", "/api/v1/markets/nope", "", nil, http.StatusNotFound},
		{"insufficient funds", "POST", buyPath, "alice", map[string]string{"option": "A", "amount": "11.00", "expected_price": "0.5"}, http.StatusUnprocessableEntity},
		{"insufficient shares", "POST", "/api/v1/markets/" + m.ID + "/sell", "alice", map[string]string{"option": "A", "shares": "1", "expected_price": "0.5"}, http.StatusUnprocessableEntity},
		{"overdraw", "POST", "/api/v1/accounts/me/withdraw", "alice", map[string]string{"amount": "20.00"}, http.StatusUnprocessableEntity},
		{"duplicate account", "POST", "/api/v1/accounts", "alice", nil, http.StatusConflict},
		{"holders bad option", "GET", "/api/v1/markets/" + m.ID + "/holders?option=Z", "ops", nil, http.StatusBadRequest},
		{"no settlement yet", "GET", "/api/v1/markets/" + m.ID + "/settlement", "", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, tt.user, tt.body, nil)
			if w.Code != tt.want {
				t.Errorf("status %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestClosedMarketRejectsTrades(t *testing.T) {
	s := newTestServer(t)
	m := s.createMarket("1000.00")
	s.fund("alice", "10.00")

	if w := s.do("POST", "/api/v1/markets/"+m.ID+"/close", "ops", nil, nil); w.Code != http.StatusOK {
		t.Fatalf("close: status %d", w.Code)
	}
	w := s.do("POST", "/api/v1/markets/"+m.ID+"/buy", "alice", map[string]string{
		"option": "A", "amount": "1.00", "expected_price": "0.5",
	}, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("buy on closed market: status %d, want 409", w.Code)
	}
	if w := s.do("POST", "/api/v1/markets/"+m.ID+"/close", "ops", nil, nil); w.Code != http.StatusConflict {
		t.Errorf("second close: status %d, want 409", w.Code)
	}

	var open []model.Market
	s.do("GET", "/api/v1/markets?status=open", "", nil, &open)
	if len(open) != 0 {
		t.Errorf("expected no open markets, got %d", len(open))
	}
}

func TestDepositIdempotencyHeader(t *testing.T) {
	s := newTestServer(t)
	if w := s.do("POST", "/api/v1/accounts", "alice", nil, nil); w.Code != http.StatusCreated {
		t.Fatalf("open: %d", w.Code)
	}

	deposit := func() account.Receipt {
		body, _ := json.Marshal(map[string]string{"amount": "25.00"})
		req := httptest.NewRequest("POST", "/api/v1/accounts/me/deposit", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token(t, "alice"))
		req.Header.Set("Idempotency-Key", "dep-1")
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("deposit: status %d", w.Code)
		}
		var rc account.Receipt
		if err := json.NewDecoder(w.Body).Decode(&rc); err != nil {
			t.Fatal(err)
		}
		return rc
	}

	first, second := deposit(), deposit()
	if first.Replayed || !second.Replayed {
		t.Errorf("replayed flags: first %v second %v", first.Replayed, second.Replayed)
	}
	if second.Account.Balance != 2500 {
		t.Errorf("balance = %s, want 25.00", second.Account.Balance)
	}

	var ledger []model.LedgerEntry
	s.do("GET", "/api/v1/accounts/me/ledger", "alice", nil, &ledger)
	if len(ledger) != 1 {
		t.Errorf("got %d ledger entries, want 1", len(ledger))
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/api/v1/markets", nil)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight: status %d headers %v", w.Code, w.Header())
	}
}
