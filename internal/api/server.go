// Package api exposes the exchange over HTTP: public market data, the
// authenticated account and trading surface, and admin market management.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-engine/internal/account"
	"github.com/atmx/exchange-engine/internal/auth"
	"github.com/atmx/exchange-engine/internal/events"
	"github.com/atmx/exchange-engine/internal/market"
	"github.com/atmx/exchange-engine/internal/metrics"
	"github.com/atmx/exchange-engine/internal/model"
	"github.com/atmx/exchange-engine/internal/position"
	"github.com/atmx/exchange-engine/internal/settlement"
	"github.com/atmx/exchange-engine/internal/trade"
)

// Deps are the services the HTTP layer delegates to. Hub may be nil.
type Deps struct {
	Markets    *market.Service
	Accounts   *account.Service
	Trading    *trade.Engine
	Settlement *settlement.Engine
	Positions  *position.Resolver
	Hub        *events.WSHub
	JWT        auth.JWT
	Admins     auth.Admins

	// ShareEpsilon filters dust holders from the holders listing.
	ShareEpsilon decimal.Decimal
}

// Server holds the HTTP handlers.
type Server struct {
	deps Deps
}

// New creates the HTTP server handlers.
func New(d Deps) *Server {
	return &Server{deps: d}
}

// Options tune the router middleware.
type Options struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router(opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors(opts.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "exchange-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket must not sit behind the request timeout.
		if s.deps.Hub != nil {
			r.Get("/ws", s.deps.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))

			// Public market data.
			r.Get("/markets", s.ListMarkets)
			r.Get("/markets/{marketID}", s.GetMarket)
			r.Get("/markets/{marketID}/quote", s.GetQuote)
			r.Get("/markets/{marketID}/trades", s.GetMarketTrades)
			r.Get("/markets/{marketID}/settlement", s.GetSettlement)

			// Authenticated user surface.
			r.Group(func(r chi.Router) {
				r.Use(auth.Middleware(s.deps.JWT))

				r.Post("/accounts", s.OpenAccount)
				r.Get("/accounts/me", s.GetAccount)
				r.Post("/accounts/me/deposit", s.Deposit)
				r.Post("/accounts/me/withdraw", s.Withdraw)
				r.Get("/accounts/me/ledger", s.GetLedger)

				r.Post("/markets/{marketID}/buy", s.Buy)
				r.Post("/markets/{marketID}/sell", s.Sell)
				r.Get("/portfolio", s.GetPortfolio)

				// Market administration.
				r.Group(func(r chi.Router) {
					r.Use(s.deps.Admins.Require)

					r.Post("/markets", s.CreateMarket)
					r.Post("/markets/{marketID}/close", s.CloseMarket)
					r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
					r.Get("/markets/{marketID}/holders", s.GetHolders)
				})
			})
		})
	})
	return r
}

// cors allows browser clients from the configured origins. An empty list or
// "*" allows any origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidPrice),
		errors.Is(err, model.ErrInvalidOption),
		errors.Is(err, model.ErrInvalidMarket):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrAccountNotFound),
		errors.Is(err, model.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrLiquidity),
		errors.Is(err, model.ErrPositionLimit):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrAccountExists),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrResolutionMismatch),
		errors.Is(err, model.ErrSettlementInProgress):
		return http.StatusConflict
	case errors.Is(err, model.ErrTransactionConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Unclassified errors are logged and
// reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
		msg = "internal error"
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON request body into dst.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// identity returns the authenticated caller. Routes using it sit behind
// auth.Middleware, so a missing identity is a wiring error.
func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, model.ErrUnauthenticated.Error(), http.StatusUnauthorized)
	}
	return id, ok
}

// idempotencyKey prefers the body field and falls back to the
// Idempotency-Key header.
func idempotencyKey(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get("Idempotency-Key")
}
