package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/exchange-engine/internal/market"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/money"
	"github.com/atmx/exchange-engine/internal/position"
	"github.com/atmx/exchange-engine/internal/trade"
)

// --- Request types ---

// MoveRequest is the JSON body for deposits and withdrawals.
type MoveRequest struct {
	Amount         money.Cents `json:"amount"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Option model.Option `json:"option"`
}

// --- Market data ---

// ListMarkets handles GET /api/v1/markets, optionally filtered by ?status=.
func (s *Server) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.deps.Markets.List(r.Context(), model.MarketStatus(r.URL.Query().Get("status")))
	if err != nil {
		fail(w, r, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Markets.Get(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote
func (s *Server) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Markets.Quote(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetMarketTrades handles GET /api/v1/markets/{marketID}/trades
func (s *Server) GetMarketTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.deps.Markets.Trades(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetSettlement handles GET /api/v1/markets/{marketID}/settlement
func (s *Server) GetSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Settlement.Settlement(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Accounts ---

// OpenAccount handles POST /api/v1/accounts for the caller.
func (s *Server) OpenAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Accounts.Open(r.Context(), id.UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAccount handles GET /api/v1/accounts/me
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	a, err := s.deps.Accounts.Get(r.Context(), id.UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Deposit handles POST /api/v1/accounts/me/deposit
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req MoveRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := s.deps.Accounts.Deposit(r.Context(), id.UserID, req.Amount, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// Withdraw handles POST /api/v1/accounts/me/withdraw
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req MoveRequest
	if !decode(w, r, &req) {
		return
	}
	rc, err := s.deps.Accounts.Withdraw(r.Context(), id.UserID, req.Amount, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// GetLedger handles GET /api/v1/accounts/me/ledger
func (s *Server) GetLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	entries, err := s.deps.Accounts.History(r.Context(), id.UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Trading ---

// Buy handles POST /api/v1/markets/{marketID}/buy
func (s *Server) Buy(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req trade.BuyRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = id.UserID
	req.MarketID = chi.URLParam(r, "marketID")
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := s.deps.Trading.Buy(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/markets/{marketID}/sell
func (s *Server) Sell(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req trade.SellRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = id.UserID
	req.MarketID = chi.URLParam(r, "marketID")
	req.IdempotencyKey = idempotencyKey(r, req.IdempotencyKey)

	res, err := s.deps.Trading.Sell(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPortfolio handles GET /api/v1/portfolio
// Returns the caller's open positions marked at current prices.
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	positions, err := s.deps.Positions.Portfolio(r.Context(), id.UserID)
	if err != nil {
		fail(w, r, err)
		return
	}
	var invested, value money.Cents
	for _, p := range positions {
		invested += p.NetInvested
		value += p.CurrentValue
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":       id.UserID,
		"positions":     positions,
		"net_invested":  invested,
		"current_value": value,
	})
}

// --- Administration ---

// CreateMarket handles POST /api/v1/markets
func (s *Server) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req market.CreateParams
	if !decode(w, r, &req) {
		return
	}
	m, err := s.deps.Markets.Create(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
func (s *Server) CloseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Markets.Close(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
// Settles the market to the winning option. Repeating the call with the same
// option is a no-op that returns the stored result.
func (s *Server) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	marketID := chi.URLParam(r, "marketID")

	slog.Info("resolution requested", "market", marketID, "option", req.Option, "admin", id.UserID)
	res, err := s.deps.Settlement.ResolveAs(r.Context(), s.deps.Admins, id, marketID, req.Option)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetHolders handles GET /api/v1/markets/{marketID}/holders?option=A
func (s *Server) GetHolders(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	opt := model.Option(r.URL.Query().Get("option"))
	if !opt.Valid() {
		fail(w, r, model.ErrInvalidOption)
		return
	}
	if _, err := s.deps.Markets.Get(r.Context(), marketID); err != nil {
		fail(w, r, err)
		return
	}
	holders, err := s.deps.Positions.Holders(r.Context(), marketID, opt, s.deps.ShareEpsilon)
	if err != nil {
		fail(w, r, err)
		return
	}
	if holders == nil {
		holders = []position.Holder{}
	}
	writeJSON(w, http.StatusOK, holders)
}
