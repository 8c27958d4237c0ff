package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predikta/exchange-engine/internal/api"
	"github.com/predikta/exchange-engine/internal/engine"
	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/risk"
	"github.com/predikta/exchange-engine/internal/stats"
	"github.com/predikta/exchange-engine/internal/store"
	"github.com/predikta/exchange-engine/internal/wallet"
)

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	market *model.Market
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	wallets := wallet.NewService(ms, nil)
	agg := stats.New(ms, nil)
	eng := engine.New(ms, wallets, risk.NewLimiter(0), agg, nil, engine.Config{}, nil)
	svc := api.NewService(eng, wallets, agg, ms, nil)

	r := chi.NewRouter()
	svc.Routes(r, api.NewWSHub())

	now := time.Now().UTC()
	market := &model.Market{
		ID:         uuid.New().String(),
		MarketCode: "rain-tomorrow",
		Title:      "Will it rain tomorrow?",
		Status:     model.MarketActive,
		OpenAt:     now.Add(-time.Hour),
		CloseAt:    now.Add(24 * time.Hour),
		CreatedAt:  now,
	}
	require.NoError(t, ms.CreateMarket(context.Background(), market))

	return &testEnv{router: r, store: ms, market: market}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) deposit(t *testing.T, userID string, amount int64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/wallets/"+userID+"/deposit", api.AmountRequest{Amount: amount})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func (e *testEnv) placeOrder(t *testing.T, userID string, side string, price, qty int64) api.PlaceOrderResponse {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		MarketID: e.market.ID, UserID: userID, Side: side, Price: price, Quantity: qty,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp api.PlaceOrderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestDepositAndBalance(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 10000)

	w := env.do(t, "GET", "/api/v1/wallets/alice/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var bal wallet.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, int64(10000), bal.Available)
	assert.Equal(t, int64(0), bal.Locked)
}

func TestWithdrawOverdrawMapsToConflict(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 10000)

	w := env.do(t, "POST", "/api/v1/wallets/alice/withdraw", api.AmountRequest{Amount: 15000})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWithdrawUnknownWallet(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/wallets/ghost/withdraw", api.AmountRequest{Amount: 10})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPlaceOrderRestsAndReserves(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 1000)

	resp := env.placeOrder(t, "alice", "yes", 6000, 10)
	assert.Equal(t, model.OrderOpen, resp.Order.Status)
	assert.Equal(t, int64(6), resp.Order.AmountLocked)
	assert.Empty(t, resp.Trades)
}

func TestPlaceOrderMatches(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 1000)
	env.deposit(t, "bob", 1000)

	env.placeOrder(t, "alice", "yes", 6000, 10)
	resp := env.placeOrder(t, "bob", "no", 3500, 10)

	assert.Equal(t, model.OrderFilled, resp.Order.Status)
	require.Len(t, resp.Trades, 1)
	assert.Equal(t, int64(6500), resp.Trades[0].YesPrice)
	assert.Equal(t, int64(3), resp.Trades[0].NoAmount)
}

func TestPlaceOrderValidation(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 1000)

	w := env.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		MarketID: env.market.ID, UserID: "alice", Side: "maybe", Price: 6000, Quantity: 10,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		UserID: "alice", Side: "yes", Price: 6000, Quantity: 10,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		MarketID: env.market.ID, UserID: "alice", Side: "yes", Price: 12000, Quantity: 10,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 1000)

	resp := env.placeOrder(t, "alice", "yes", 6000, 10)

	w := env.do(t, "DELETE", "/api/v1/orders/"+resp.Order.ID+"?user_id=alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var cancelled model.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, model.OrderCancelled, cancelled.Status)

	// Cancelling again conflicts.
	w = env.do(t, "DELETE", "/api/v1/orders/"+resp.Order.ID+"?user_id=alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Missing user_id is a bad request.
	w = env.do(t, "DELETE", "/api/v1/orders/"+resp.Order.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOrderNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/orders/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrderBookEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 1000)
	env.deposit(t, "bob", 1000)

	env.placeOrder(t, "alice", "yes", 6000, 10)
	env.placeOrder(t, "alice", "yes", 6000, 5)
	env.placeOrder(t, "bob", "no", 3000, 4)

	w := env.do(t, "GET", "/api/v1/markets/"+env.market.ID+"/orderbook", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var book model.OrderBook
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &book))
	require.Len(t, book.YesLevels, 1)
	assert.Equal(t, int64(6000), book.YesLevels[0].Price)
	assert.Equal(t, int64(15), book.YesLevels[0].Quantity)
	require.Len(t, book.NoLevels, 1)
}

func TestGetMarketByIDOrCode(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/markets/"+env.market.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "GET", "/api/v1/markets/rain-tomorrow", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "GET", "/api/v1/markets/no-such-market", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsRefreshEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 1000)
	env.deposit(t, "bob", 1000)

	env.placeOrder(t, "alice", "yes", 6000, 10)
	env.placeOrder(t, "bob", "no", 3500, 10)

	w := env.do(t, "POST", "/api/v1/markets/"+env.market.ID+"/stats/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var refreshed model.MarketStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refreshed))
	assert.Equal(t, int64(9), refreshed.TotalVolume)
	assert.Equal(t, int64(2), refreshed.UniqueTraders)
}

func TestLedgerEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 1000)
	env.deposit(t, "alice", 500)

	w := env.do(t, "GET", "/api/v1/wallets/alice/ledger?type=deposit&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var entries []model.LedgerEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(500), entries[0].Amount)
}

func TestUserOrdersAndPositions(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, "alice", 1000)
	env.deposit(t, "bob", 1000)

	env.placeOrder(t, "alice", "yes", 6000, 10)
	env.placeOrder(t, "bob", "no", 3500, 10)

	w := env.do(t, "GET", "/api/v1/users/alice/orders?status=filled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var orders []model.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orders))
	require.Len(t, orders, 1)

	w = env.do(t, "GET", "/api/v1/users/alice/positions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var positions []model.Position
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, int64(10), positions[0].YesShares)
}
