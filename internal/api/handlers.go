// Package api exposes the ledger over HTTP. Authentication happens
// upstream; the gateway forwards the caller's id in the X-User-ID header.
//
// All monetary values are shopspring/decimal and travel as JSON strings.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tunevest/ledger-engine/internal/alerts"
	"github.com/tunevest/ledger-engine/internal/ledger"
	"github.com/tunevest/ledger-engine/internal/market"
	"github.com/tunevest/ledger-engine/internal/model"
	"github.com/tunevest/ledger-engine/internal/orderbook"
	"github.com/tunevest/ledger-engine/internal/payment"
	"github.com/tunevest/ledger-engine/internal/portfolio"
	"github.com/tunevest/ledger-engine/internal/store"
)

const (
	userHeader        = "X-User-ID"
	adminHeader       = "X-Admin-Token"
	idempotencyHeader = "Idempotency-Key"

	defaultPageSize = 20
	maxPageSize     = 100
)

// Deps are the components the API fronts. Hub and Limiter are optional.
// With an empty AdminToken the admin routes refuse every call.
type Deps struct {
	Store    store.Store
	Executor *ledger.Executor
	Gateway  *payment.Gateway
	Book     *orderbook.Book
	Alerts   *alerts.Evaluator
	Catalog  *market.Catalog
	Hub      *WSHub
	Limiter  *RateLimiter
	Logger   *slog.Logger

	AdminToken string
}

// Server holds the HTTP handlers.
type Server struct {
	Deps
}

func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{Deps: deps}
}

// Routes mounts the /api/v1 tree on r.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.Hub != nil {
			r.Get("/ws", s.Hub.HandleWS)
		}

		// Catalog.
		r.Get("/tracks", s.ListTracks)
		r.Get("/tracks/{trackID}", s.GetTrack)

		// Admin and market feed.
		r.Group(func(r chi.Router) {
			r.Use(requireAdmin(s.AdminToken))
			r.Post("/tracks", s.CreateTrack)
			r.Put("/tracks/{trackID}/price", s.SetPrice)
			r.Post("/users", s.CreateUser)
		})

		// Caller-scoped routes.
		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Group(func(r chi.Router) {
				r.Use(s.Limiter.Middleware)
				r.Post("/investments", s.Invest)
				r.Post("/divestments", s.Divest)
				r.Post("/payments/intents", s.CreateIntent)
				r.Post("/orders", s.PlaceOrder)
			})

			r.Post("/deposits", s.Deposit)
			r.Post("/withdrawals", s.Withdraw)

			r.Get("/orders", s.ListOrders)
			r.Delete("/orders/{orderID}", s.CancelOrder)

			r.Get("/alerts", s.ListAlerts)
			r.Post("/alerts", s.CreateAlert)
			r.Delete("/alerts/{alertID}", s.DeleteAlert)
			r.Post("/alerts/{alertID}/reset", s.ResetAlert)

			r.Get("/portfolio", s.GetPortfolio)
			r.Get("/transactions", s.ListTransactions)
		})

		// Called by the webhook receiver once the provider signature is
		// verified.
		r.Post("/payments/confirm", s.ConfirmPayment)
	})
}

// requireAdmin admits requests carrying token in X-Admin-Token.
func requireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(adminHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, "admin token required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(userHeader)
		if id == "" {
			writeError(w, "missing "+userHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// --- Request types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	ID          string          `json:"id"`
	CashBalance decimal.Decimal `json:"cash_balance"`
	Role        string          `json:"role"`
}

// PriceRequest is the JSON body for PUT /tracks/{id}/price.
type PriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// TradeRequest is the JSON body for POST /investments and /divestments.
// Trades execute at the track's current price.
type TradeRequest struct {
	TrackID     string          `json:"track_id"`
	TokenAmount decimal.Decimal `json:"token_amount"`
}

// CashRequest is the JSON body for POST /deposits and /withdrawals.
type CashRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// IntentRequest is the JSON body for POST /payments/intents.
type IntentRequest struct {
	Reference   string          `json:"reference"`
	TrackID     string          `json:"track_id"`
	TokenAmount decimal.Decimal `json:"token_amount"`
}

// ConfirmRequest is the JSON body for POST /payments/confirm.
type ConfirmRequest struct {
	Reference string `json:"reference"`
}

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	TrackID     string          `json:"track_id"`
	Type        model.OrderType `json:"type"`
	TargetPrice decimal.Decimal `json:"target_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// AlertRequest is the JSON body for POST /alerts.
type AlertRequest struct {
	TrackID     string               `json:"track_id"`
	Condition   model.AlertCondition `json:"condition"`
	TargetPrice decimal.Decimal      `json:"target_price"`
}

// TransactionPage is the response of GET /transactions.
type TransactionPage struct {
	Transactions []model.Transaction `json:"transactions"`
	Total        int                 `json:"total"`
	Page         int                 `json:"page"`
	Limit        int                 `json:"limit"`
}

// --- Catalog ---

// ListTracks handles GET /api/v1/tracks
func (s *Server) ListTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := s.Catalog.ListTracks(r.Context())
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	if tracks == nil {
		tracks = []model.Track{}
	}
	writeJSON(w, http.StatusOK, tracks)
}

// CreateTrack handles POST /api/v1/tracks
func (s *Server) CreateTrack(w http.ResponseWriter, r *http.Request) {
	var req market.TrackRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.Catalog.CreateTrack(r.Context(), req)
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTrack handles GET /api/v1/tracks/{trackID}
func (s *Server) GetTrack(w http.ResponseWriter, r *http.Request) {
	t, err := s.Catalog.GetTrack(r.Context(), chi.URLParam(r, "trackID"))
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// SetPrice handles PUT /api/v1/tracks/{trackID}/price
func (s *Server) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.Catalog.SetPrice(r.Context(), chi.URLParam(r, "trackID"), req.Price)
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CreateUser handles POST /api/v1/users
func (s *Server) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CashBalance.IsNegative() {
		writeError(w, "cash_balance must not be negative", http.StatusBadRequest)
		return
	}
	u := &model.User{
		ID:          req.ID,
		CashBalance: req.CashBalance,
		Role:        req.Role,
		CreatedAt:   time.Now().UTC(),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = "INVESTOR"
	}
	if err := s.Store.CreateUser(r.Context(), u); err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// --- Trading ---

// Invest handles POST /api/v1/investments
func (s *Server) Invest(w http.ResponseWriter, r *http.Request) {
	key, ok := clientKey(w, r)
	if !ok {
		return
	}
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	price, ok := s.currentPrice(w, r, req.TrackID)
	if !ok {
		return
	}
	res, err := s.Executor.Execute(r.Context(), ledger.BuyRequest{
		UserID:         userID(r),
		TrackID:        req.TrackID,
		TokenAmount:    req.TokenAmount,
		UnitPrice:      price,
		IdempotencyKey: key,
	})
	s.writeResult(w, r, res, err)
}

// Divest handles POST /api/v1/divestments
func (s *Server) Divest(w http.ResponseWriter, r *http.Request) {
	key, ok := clientKey(w, r)
	if !ok {
		return
	}
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	price, ok := s.currentPrice(w, r, req.TrackID)
	if !ok {
		return
	}
	res, err := s.Executor.Divest(r.Context(), ledger.SellRequest{
		UserID:         userID(r),
		TrackID:        req.TrackID,
		TokenAmount:    req.TokenAmount,
		UnitPrice:      price,
		IdempotencyKey: key,
	})
	s.writeResult(w, r, res, err)
}

// Deposit handles POST /api/v1/deposits
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	key, ok := clientKey(w, r)
	if !ok {
		return
	}
	var req CashRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Executor.Deposit(r.Context(), ledger.CashRequest{
		UserID:         userID(r),
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	s.writeResult(w, r, res, err)
}

// Withdraw handles POST /api/v1/withdrawals
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	key, ok := clientKey(w, r)
	if !ok {
		return
	}
	var req CashRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Executor.Withdraw(r.Context(), ledger.CashRequest{
		UserID:         userID(r),
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	s.writeResult(w, r, res, err)
}

// clientKey reads the Idempotency-Key header. Keys in the namespaces the
// server posts under itself are refused.
func clientKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get(idempotencyHeader)
	for _, reserved := range []string{payment.KeyPrefix, orderbook.FillKeyPrefix} {
		if strings.HasPrefix(key, reserved) {
			writeError(w, fmt.Sprintf("%s must not start with %q", idempotencyHeader, reserved), http.StatusBadRequest)
			return "", false
		}
	}
	return key, true
}

func (s *Server) currentPrice(w http.ResponseWriter, r *http.Request, trackID string) (decimal.Decimal, bool) {
	if trackID == "" {
		writeError(w, "track_id is required", http.StatusBadRequest)
		return decimal.Zero, false
	}
	t, err := s.Catalog.GetTrack(r.Context(), trackID)
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return decimal.Zero, false
	}
	return t.CurrentPrice, true
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res *ledger.Result, err error) {
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- Payments ---

// CreateIntent handles POST /api/v1/payments/intents
func (s *Server) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req IntentRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.Gateway.CreateIntent(r.Context(), payment.IntentRequest{
		Reference:   req.Reference,
		UserID:      userID(r),
		TrackID:     req.TrackID,
		TokenAmount: req.TokenAmount,
	})
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ConfirmPayment handles POST /api/v1/payments/confirm
func (s *Server) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	conf, err := s.Gateway.Confirm(r.Context(), req.Reference)
	if errors.Is(err, ledger.ErrAlreadyProcessed) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        err.Error(),
			"confirmation": conf,
		})
		return
	}
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

// --- Orders ---

// PlaceOrder handles POST /api/v1/orders
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := s.Book.PlaceOrder(r.Context(), orderbook.PlaceRequest{
		UserID:      userID(r),
		TrackID:     req.TrackID,
		Type:        req.Type,
		TargetPrice: req.TargetPrice,
		Quantity:    req.Quantity,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders handles GET /api/v1/orders
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := s.Book.ListOrders(r.Context(), store.OrderFilter{
		UserID:  userID(r),
		TrackID: q.Get("track_id"),
		Status:  model.OrderStatus(q.Get("status")),
	})
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	if orders == nil {
		orders = []model.LimitOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Book.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), userID(r))
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// --- Alerts ---

// CreateAlert handles POST /api/v1/alerts
func (s *Server) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.Alerts.CreateAlert(r.Context(), userID(r), req.TrackID, req.Condition, req.TargetPrice)
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAlerts handles GET /api/v1/alerts
func (s *Server) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := s.Alerts.ListAlerts(r.Context(), store.AlertFilter{
		UserID:  userID(r),
		TrackID: q.Get("track_id"),
		Armed:   q.Get("armed") == "true",
	})
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	if list == nil {
		list = []model.PriceAlert{}
	}
	writeJSON(w, http.StatusOK, list)
}

// DeleteAlert handles DELETE /api/v1/alerts/{alertID}
func (s *Server) DeleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.Alerts.DeleteAlert(r.Context(), chi.URLParam(r, "alertID"), userID(r)); err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetAlert handles POST /api/v1/alerts/{alertID}/reset
func (s *Server) ResetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.Alerts.ResetAlert(r.Context(), chi.URLParam(r, "alertID"), userID(r))
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Reads ---

// GetPortfolio handles GET /api/v1/portfolio
// Positions are marked to each track's current price on every read.
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(r)

	u, err := s.Store.GetUser(ctx, uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = ledger.ErrUserNotFound
		}
		writeFailure(w, r, s.Logger, err)
		return
	}
	holdings, err := s.Store.ListHoldings(ctx, uid)
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}

	positions := make([]model.Position, 0, len(holdings))
	for _, h := range holdings {
		t, err := s.Store.GetTrack(ctx, h.TrackID)
		if err != nil {
			writeFailure(w, r, s.Logger, err)
			return
		}
		positions = append(positions, portfolio.Value(h, *t))
	}
	writeJSON(w, http.StatusOK, portfolio.Summarize(uid, u.CashBalance, positions))
}

// ListTransactions handles GET /api/v1/transactions
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TransactionFilter{
		UserID:  userID(r),
		TrackID: q.Get("track_id"),
		Type:    model.TransactionType(q.Get("type")),
		Status:  model.TransactionStatus(q.Get("status")),
	}
	if f.Type != "" && !f.Type.Valid() {
		writeError(w, "unknown transaction type", http.StatusBadRequest)
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, "unknown transaction status", http.StatusBadRequest)
		return
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, "from must be RFC3339", http.StatusBadRequest)
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, "to must be RFC3339", http.StatusBadRequest)
		return
	}

	page, limit := 1, defaultPageSize
	if v := q.Get("page"); v != "" {
		if page, err = strconv.Atoi(v); err != nil || page < 1 {
			writeError(w, "page must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	f.Limit = limit
	f.Offset = (page - 1) * limit

	txs, total, err := s.Store.ListTransactions(r.Context(), f)
	if err != nil {
		writeFailure(w, r, s.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionPage{Transactions: txs, Total: total, Page: page, Limit: limit})
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
