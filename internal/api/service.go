// Package api provides the HTTP surface of the exchange engine: order
// placement and cancellation, book and market queries, wallet operations,
// and the real-time trade feed.
//
// The layer is deliberately thin: it validates shape, delegates to the
// engine and wallet ledger, and maps sentinel errors to status codes. It
// carries no authentication; callers are trusted infrastructure.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/predikta/exchange-engine/internal/engine"
	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/stats"
	"github.com/predikta/exchange-engine/internal/store"
	"github.com/predikta/exchange-engine/internal/wallet"
)

// Service handles the HTTP API.
type Service struct {
	engine  *engine.Engine
	wallets *wallet.Service
	stats   *stats.Aggregator
	store   store.Store
	log     *slog.Logger
}

// NewService creates the API service.
func NewService(eng *engine.Engine, wallets *wallet.Service, agg *stats.Aggregator, st store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{engine: eng, wallets: wallets, stats: agg, store: st, log: log}
}

// Routes mounts all handlers under /api/v1.
func (s *Service) Routes(r chi.Router, hub *WSHub) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)

		r.Post("/orders", s.PlaceOrder)
		r.Get("/orders/{orderID}", s.GetOrder)
		r.Delete("/orders/{orderID}", s.CancelOrder)

		r.Get("/users/{userID}/orders", s.ListUserOrders)
		r.Get("/users/{userID}/positions", s.GetPositions)

		r.Get("/markets", s.ListMarkets)
		r.Get("/markets/{marketID}", s.GetMarket)
		r.Get("/markets/{marketID}/orderbook", s.GetOrderBook)
		r.Get("/markets/{marketID}/trades", s.GetMarketTrades)
		r.Post("/markets/{marketID}/stats/refresh", s.RefreshStats)

		r.Post("/wallets/{userID}/deposit", s.Deposit)
		r.Post("/wallets/{userID}/withdraw", s.Withdraw)
		r.Get("/wallets/{userID}/balance", s.GetBalance)
		r.Get("/wallets/{userID}/ledger", s.GetLedger)
	})
}

// --- Request/Response types ---

// PlaceOrderRequest is the JSON body for POST /api/v1/orders.
type PlaceOrderRequest struct {
	MarketID  string     `json:"market_id"`
	UserID    string     `json:"user_id"`
	Side      string     `json:"side"`     // "yes" or "no"
	Price     int64      `json:"price"`    // basis points, [0, 10000]
	Quantity  int64      `json:"quantity"` // shares
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// PlaceOrderResponse is the JSON body returned from POST /api/v1/orders.
type PlaceOrderResponse struct {
	Order  *model.Order  `json:"order"`
	Trades []model.Trade `json:"trades"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount      int64  `json:"amount"` // minor currency units
	Description string `json:"description,omitempty"`
}

// WalletResponse pairs the post-operation wallet with its ledger entry.
type WalletResponse struct {
	Wallet *model.Wallet      `json:"wallet"`
	Entry  *model.LedgerEntry `json:"entry"`
}

// --- Order handlers ---

// PlaceOrder handles POST /api/v1/orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.MarketID == "" {
		writeError(w, "user_id and market_id are required", http.StatusBadRequest)
		return
	}

	placeReq := engine.PlaceOrderRequest{
		MarketID: req.MarketID,
		UserID:   req.UserID,
		Side:     model.Side(req.Side),
		Price:    req.Price,
		Quantity: req.Quantity,
	}
	if req.ExpiresAt != nil {
		placeReq.ExpiresAt = req.ExpiresAt.UTC()
	}

	order, trades, err := s.engine.PlaceAndMatch(r.Context(), placeReq)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	writeJSON(w, http.StatusCreated, PlaceOrderResponse{Order: order, Trades: trades})
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.engine.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}. The holder's user
// id arrives in the user_id query parameter.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	order, err := s.engine.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListUserOrders handles GET /api/v1/users/{userID}/orders with optional
// market_id and status filters.
func (s *Service) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	f := store.OrderFilter{
		MarketID: r.URL.Query().Get("market_id"),
		Status:   model.OrderStatus(r.URL.Query().Get("status")),
	}
	orders, err := s.store.ListUserOrders(r.Context(), chi.URLParam(r, "userID"), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetPositions handles GET /api/v1/users/{userID}/positions.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.UserPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Market handlers ---

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}. The path segment may
// be a market id or a market code.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "marketID")
	market, err := s.store.GetMarket(r.Context(), key)
	if errors.Is(err, model.ErrMarketNotFound) {
		market, err = s.store.GetMarketByCode(r.Context(), key)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// GetOrderBook handles GET /api/v1/markets/{marketID}/orderbook.
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.engine.GetOrderBook(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetMarketTrades handles GET /api/v1/markets/{marketID}/trades.
func (s *Service) GetMarketTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.TradesByMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// RefreshStats handles POST /api/v1/markets/{marketID}/stats/refresh.
func (s *Service) RefreshStats(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	refreshed, err := s.stats.Refresh(r.Context(), marketID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refreshed)
}

// --- Wallet handlers ---

// Deposit handles POST /api/v1/wallets/{userID}/deposit. Wallets are
// provisioned on first deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := s.wallets.CreateWallet(r.Context(), userID); err != nil {
		writeDomainError(w, err)
		return
	}
	wlt, entry, err := s.wallets.Deposit(r.Context(), userID, req.Amount, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{Wallet: wlt, Entry: entry})
}

// Withdraw handles POST /api/v1/wallets/{userID}/withdraw.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wlt, entry, err := s.wallets.Withdraw(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Description)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{Wallet: wlt, Entry: entry})
}

// GetBalance handles GET /api/v1/wallets/{userID}/balance.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.wallets.GetBalance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// GetLedger handles GET /api/v1/wallets/{userID}/ledger with optional
// type, limit and offset parameters.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	f := store.LedgerFilter{
		Type: model.TransactionType(r.URL.Query().Get("type")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}

	entries, err := s.wallets.History(r.Context(), chi.URLParam(r, "userID"), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Error mapping ---

// writeDomainError maps sentinel errors to HTTP status codes: validation
// to 400, missing entities to 404, business conflicts to 409, invariant
// violations and unknown failures to 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInvalidSide),
		errors.Is(err, model.ErrInvalidPrice),
		errors.Is(err, model.ErrInvalidQuantity):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrWalletNotFound),
		errors.Is(err, model.ErrMarketNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrMarketClosed),
		errors.Is(err, model.ErrOrderNotCancellable),
		errors.Is(err, model.ErrTradeLimitExceeded),
		errors.Is(err, model.ErrExposureLimitExceeded),
		errors.Is(err, model.ErrConcurrentModification):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
