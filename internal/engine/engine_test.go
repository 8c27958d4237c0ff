package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predikta/exchange-engine/internal/engine"
	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/pricing"
	"github.com/predikta/exchange-engine/internal/risk"
	"github.com/predikta/exchange-engine/internal/stats"
	"github.com/predikta/exchange-engine/internal/store"
	"github.com/predikta/exchange-engine/internal/wallet"
)

type testEnv struct {
	store   *store.MemoryStore
	wallets *wallet.Service
	engine  *engine.Engine
	market  *model.Market
}

func newTestEnv(t *testing.T, cfg engine.Config, maxExposure int64) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	wallets := wallet.NewService(ms, nil)
	eng := engine.New(ms, wallets, risk.NewLimiter(maxExposure), stats.New(ms, nil), nil, cfg, nil)

	env := &testEnv{store: ms, wallets: wallets, engine: eng}
	env.market = env.seedMarket(t, "will-it-rain-2026")
	return env
}

func (e *testEnv) seedMarket(t *testing.T, code string) *model.Market {
	t.Helper()
	now := time.Now().UTC()
	m := &model.Market{
		ID:         uuid.New().String(),
		MarketCode: code,
		Title:      "test market " + code,
		Status:     model.MarketActive,
		OpenAt:     now.Add(-time.Hour),
		CloseAt:    now.Add(24 * time.Hour),
		CreatedAt:  now,
	}
	require.NoError(t, e.store.CreateMarket(context.Background(), m))
	return m
}

func (e *testEnv) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.wallets.CreateWallet(ctx, userID)
	require.NoError(t, err)
	_, _, err = e.wallets.Deposit(ctx, userID, amount, "seed")
	require.NoError(t, err)
}

func (e *testEnv) place(t *testing.T, userID string, side model.Side, price, qty int64) (*model.Order, []model.Trade) {
	t.Helper()
	order, trades, err := e.engine.PlaceAndMatch(context.Background(), engine.PlaceOrderRequest{
		MarketID: e.market.ID,
		UserID:   userID,
		Side:     side,
		Price:    price,
		Quantity: qty,
	})
	require.NoError(t, err)
	return order, trades
}

func (e *testEnv) balance(t *testing.T, userID string) wallet.Balance {
	t.Helper()
	bal, err := e.wallets.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return bal
}

func (e *testEnv) ledger(t *testing.T, userID string) []model.LedgerEntry {
	t.Helper()
	entries, err := e.wallets.History(context.Background(), userID, store.LedgerFilter{Limit: 1000})
	require.NoError(t, err)
	return entries
}

// Placing into an empty book rests the order with its funds reserved.
func TestPlaceIntoEmptyBook(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)

	order, trades := env.place(t, "alice", model.SideYes, 6000, 10)

	assert.Equal(t, model.OrderOpen, order.Status)
	assert.Equal(t, int64(6), order.AmountLocked)
	assert.Empty(t, trades)
	assert.NotEmpty(t, order.OrderNumber)

	bal := env.balance(t, "alice")
	assert.Equal(t, int64(994), bal.Available)
	assert.Equal(t, int64(6), bal.Locked)

	entries := env.ledger(t, "alice")
	require.Len(t, entries, 2) // seed deposit + lock
	assert.Equal(t, model.TxTradeBuy, entries[0].TransactionType)
	assert.Equal(t, int64(-6), entries[0].Amount)
}

// A compatible opposite order fills both sides and settles both wallets:
// the taker at its own price, the maker at the complement.
func TestMatchCompatibleOrders(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)

	maker, _ := env.place(t, "alice", model.SideYes, 6000, 10)
	taker, trades := env.place(t, "bob", model.SideNo, 3500, 10)

	require.Len(t, trades, 1)
	trade := trades[0]
	assert.Equal(t, int64(10), trade.Quantity)
	assert.Equal(t, int64(6500), trade.YesPrice)
	assert.Equal(t, int64(3500), trade.NoPrice)
	assert.Equal(t, int64(6), trade.YesAmount)
	assert.Equal(t, int64(3), trade.NoAmount)
	assert.Equal(t, taker.ID, trade.TakerOrderID)
	assert.Equal(t, maker.ID, trade.MakerOrderID)

	assert.Equal(t, model.OrderFilled, taker.Status)
	assert.Equal(t, int64(3), taker.AmountFilled)
	require.NotNil(t, taker.FilledAt)

	makerNow, err := env.engine.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderFilled, makerNow.Status)
	assert.Equal(t, int64(6), makerNow.AmountFilled)

	// Maker paid 6, taker paid 3; locks fully consumed.
	aliceBal := env.balance(t, "alice")
	assert.Equal(t, int64(994), aliceBal.Available)
	assert.Equal(t, int64(0), aliceBal.Locked)

	bobBal := env.balance(t, "bob")
	assert.Equal(t, int64(997), bobBal.Available)
	assert.Equal(t, int64(0), bobBal.Locked)

	// The taker settles with a settlement entry, the maker with a
	// trade_sell entry, both referencing the trade.
	bobEntries := env.ledger(t, "bob")
	require.Len(t, bobEntries, 3) // deposit, lock, settlement
	assert.Equal(t, model.TxSettlement, bobEntries[0].TransactionType)
	assert.Equal(t, trade.ID, bobEntries[0].ReferenceID)
	assert.Equal(t, int64(-3), bobEntries[0].Amount)

	aliceEntries := env.ledger(t, "alice")
	require.Len(t, aliceEntries, 3) // deposit, lock, maker settlement
	assert.Equal(t, model.TxTradeSell, aliceEntries[0].TransactionType)
	assert.Equal(t, trade.ID, aliceEntries[0].ReferenceID)
	assert.Equal(t, int64(-6), aliceEntries[0].Amount)
}

// Orders whose combined prices exceed the payout unit never trade; the
// exact boundary does.
func TestCompatibilityBoundary(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)

	env.place(t, "alice", model.SideYes, 6000, 10)

	over, trades := env.place(t, "bob", model.SideNo, 4001, 10)
	assert.Empty(t, trades)
	assert.Equal(t, model.OrderOpen, over.Status)

	exact, trades := env.place(t, "bob", model.SideNo, 4000, 10)
	require.Len(t, trades, 1)
	assert.Equal(t, model.OrderFilled, exact.Status)
}

func TestPartialFill(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)

	maker, _ := env.place(t, "alice", model.SideYes, 6000, 10)
	taker, trades := env.place(t, "bob", model.SideNo, 4000, 4)

	require.Len(t, trades, 1)
	assert.Equal(t, int64(4), trades[0].Quantity)
	assert.Equal(t, model.OrderFilled, taker.Status)

	makerNow, err := env.engine.GetOrder(context.Background(), maker.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderPartiallyFilled, makerNow.Status)
	assert.Equal(t, int64(4), makerNow.QuantityFilled)
	assert.Equal(t, int64(6), makerNow.Remaining())

	// The maker's remaining lock stays reserved for the open remainder.
	aliceBal := env.balance(t, "alice")
	assert.Equal(t, int64(4), aliceBal.Locked)
}

// At equal prices the earlier resting order fills first.
func TestTimePriorityWithinLevel(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "carol", 1000)
	env.fund(t, "bob", 1000)

	first, _ := env.place(t, "alice", model.SideYes, 6000, 5)
	second, _ := env.place(t, "carol", model.SideYes, 6000, 5)

	_, trades := env.place(t, "bob", model.SideNo, 4000, 5)
	require.Len(t, trades, 1)
	assert.Equal(t, first.ID, trades[0].MakerOrderID)

	firstNow, _ := env.engine.GetOrder(context.Background(), first.ID)
	secondNow, _ := env.engine.GetOrder(context.Background(), second.ID)
	assert.Equal(t, model.OrderFilled, firstNow.Status)
	assert.Equal(t, model.OrderOpen, secondNow.Status)
}

// The best-priced counterparty fills first: for a NO taker that is the
// highest-priced YES order.
func TestPricePriority(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "carol", 1000)
	env.fund(t, "bob", 1000)

	low, _ := env.place(t, "alice", model.SideYes, 6000, 5)
	high, _ := env.place(t, "carol", model.SideYes, 7000, 5)

	_, trades := env.place(t, "bob", model.SideNo, 3000, 5)
	require.Len(t, trades, 1)
	assert.Equal(t, high.ID, trades[0].MakerOrderID)

	lowNow, _ := env.engine.GetOrder(context.Background(), low.ID)
	assert.Equal(t, model.OrderOpen, lowNow.Status)
}

// A taker can sweep multiple makers; each fill produces its own trade.
func TestTakerSweepsMultipleMakers(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "carol", 1000)
	env.fund(t, "bob", 1000)

	env.place(t, "alice", model.SideYes, 7000, 5)
	env.place(t, "carol", model.SideYes, 6000, 5)

	taker, trades := env.place(t, "bob", model.SideNo, 3000, 8)
	require.Len(t, trades, 2)
	assert.Equal(t, model.OrderFilled, taker.Status)
	assert.Equal(t, int64(5), trades[0].Quantity)
	assert.Equal(t, int64(3), trades[1].Quantity)
}

// Matching a terminal order again changes nothing and writes nothing.
func TestMatchIdempotentOnTerminal(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)

	env.place(t, "alice", model.SideYes, 6000, 10)
	taker, trades := env.place(t, "bob", model.SideNo, 3500, 10)
	require.Len(t, trades, 1)

	entriesBefore := len(env.ledger(t, "bob"))

	again, tradesAgain, err := env.engine.Match(context.Background(), taker.ID)
	require.NoError(t, err)
	assert.Empty(t, tradesAgain)
	assert.Equal(t, taker.Status, again.Status)
	assert.Equal(t, taker.QuantityFilled, again.QuantityFilled)
	assert.Len(t, env.ledger(t, "bob"), entriesBefore)
}

func TestMatchUnknownOrder(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)

	_, _, err := env.engine.Match(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

// Under the maker-price policy the resting price binds. The taker's
// reservation was made at its own, lower price, so the wallet debit is
// clamped to the reservation while the order records the full amount.
func TestMakerPolicySettlement(t *testing.T) {
	env := newTestEnv(t, engine.Config{PricePolicy: pricing.PolicyMaker}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)

	env.place(t, "alice", model.SideYes, 6000, 10)
	taker, trades := env.place(t, "bob", model.SideNo, 3500, 10)

	require.Len(t, trades, 1)
	assert.Equal(t, int64(6000), trades[0].YesPrice)
	assert.Equal(t, int64(4000), trades[0].NoPrice)
	assert.Equal(t, int64(4), trades[0].NoAmount)

	assert.Equal(t, model.OrderFilled, taker.Status)
	assert.Equal(t, int64(4), taker.AmountFilled)
	assert.Equal(t, int64(3), taker.AmountLocked)

	// Bob reserved 3; settlement never overdraws the reservation.
	bobBal := env.balance(t, "bob")
	assert.Equal(t, int64(997), bobBal.Available)
	assert.Equal(t, int64(0), bobBal.Locked)
	assert.GreaterOrEqual(t, bobBal.Available, int64(0))
}

// Floor rounding can strand part of a reservation; a complete fill
// releases it back to the available balance.
func TestResidualLockRefundOnFill(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)
	env.fund(t, "carol", 1000)

	env.place(t, "bob", model.SideYes, 6500, 2)
	env.place(t, "carol", model.SideYes, 6500, 1)

	// Lock is floor(3500*3/10000) = 1, but per-fill settlements floor to
	// 0 + 0, so the full unit returns on fill.
	taker, trades := env.place(t, "alice", model.SideNo, 3500, 3)
	require.Len(t, trades, 2)
	assert.Equal(t, model.OrderFilled, taker.Status)
	assert.Equal(t, int64(1), taker.AmountLocked)
	assert.Equal(t, int64(0), taker.AmountFilled)

	bal := env.balance(t, "alice")
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Locked)

	entries := env.ledger(t, "alice")
	require.NotEmpty(t, entries)
	assert.Equal(t, model.TxRefund, entries[0].TransactionType)
	assert.Equal(t, int64(1), entries[0].Amount)
	assert.Equal(t, taker.ID, entries[0].ReferenceID)
}

func TestCancelOrderReleasesLock(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)

	order, _ := env.place(t, "alice", model.SideYes, 6000, 10)

	cancelled, err := env.engine.CancelOrder(context.Background(), order.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	bal := env.balance(t, "alice")
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Locked)

	entries := env.ledger(t, "alice")
	assert.Equal(t, model.TxRefund, entries[0].TransactionType)
	assert.Equal(t, int64(6), entries[0].Amount)
}

func TestCancelPartiallyFilledReleasesRemainder(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)

	maker, _ := env.place(t, "alice", model.SideYes, 6000, 10)
	env.place(t, "bob", model.SideNo, 4000, 4)

	cancelled, err := env.engine.CancelOrder(context.Background(), maker.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)

	// 6 locked, floor(6000*4/10000) = 2 consumed by the fill, 4 returned.
	bal := env.balance(t, "alice")
	assert.Equal(t, int64(998), bal.Available)
	assert.Equal(t, int64(0), bal.Locked)
}

func TestCancelGuards(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)

	order, _ := env.place(t, "alice", model.SideYes, 6000, 10)

	// Only the holder may cancel.
	_, err := env.engine.CancelOrder(context.Background(), order.ID, "bob")
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	_, err = env.engine.CancelOrder(context.Background(), order.ID, "alice")
	require.NoError(t, err)

	// Terminal orders are not cancellable.
	_, err = env.engine.CancelOrder(context.Background(), order.ID, "alice")
	assert.ErrorIs(t, err, model.ErrOrderNotCancellable)
}

// A pending order stranded by a market that closed before its match
// completed keeps its reservation; cancellation releases it.
func TestCancelPendingOrderOnClosedMarket(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	ctx := context.Background()

	now := time.Now().UTC()
	closing := &model.Market{
		ID:         uuid.New().String(),
		MarketCode: "window-just-closed",
		Status:     model.MarketActive,
		OpenAt:     now.Add(-time.Hour),
		CloseAt:    now.Add(-time.Minute),
	}
	require.NoError(t, env.store.CreateMarket(ctx, closing))

	orderID := uuid.New().String()
	_, err := env.wallets.LockFunds(ctx, "alice", 6, orderID)
	require.NoError(t, err)
	w, err := env.store.GetWalletByUser(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, env.store.CreateOrder(ctx, &model.Order{
		ID:           orderID,
		OrderNumber:  "ord-pending",
		MarketID:     closing.ID,
		UserID:       "alice",
		WalletID:     w.ID,
		Side:         model.SideYes,
		Price:        6000,
		Quantity:     10,
		AmountLocked: 6,
		Status:       model.OrderPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}))

	_, _, err = env.engine.Match(ctx, orderID)
	assert.ErrorIs(t, err, model.ErrMarketClosed)

	cancelled, err := env.engine.CancelOrder(ctx, orderID, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, cancelled.Status)

	bal := env.balance(t, "alice")
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Locked)

	entries := env.ledger(t, "alice")
	assert.Equal(t, model.TxRefund, entries[0].TransactionType)
	assert.Equal(t, int64(6), entries[0].Amount)
}

func TestPlaceValidation(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	ctx := context.Background()

	_, _, err := env.engine.PlaceAndMatch(ctx, engine.PlaceOrderRequest{
		MarketID: env.market.ID, UserID: "alice", Side: "maybe", Price: 6000, Quantity: 10,
	})
	assert.ErrorIs(t, err, model.ErrInvalidSide)

	_, _, err = env.engine.PlaceAndMatch(ctx, engine.PlaceOrderRequest{
		MarketID: env.market.ID, UserID: "alice", Side: model.SideYes, Price: 10001, Quantity: 10,
	})
	assert.ErrorIs(t, err, model.ErrInvalidPrice)

	_, _, err = env.engine.PlaceAndMatch(ctx, engine.PlaceOrderRequest{
		MarketID: env.market.ID, UserID: "alice", Side: model.SideYes, Price: 6000, Quantity: 0,
	})
	assert.ErrorIs(t, err, model.ErrInvalidQuantity)
}

func TestPlaceOnClosedMarket(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)

	now := time.Now().UTC()
	closed := &model.Market{
		ID:         uuid.New().String(),
		MarketCode: "already-settled",
		Status:     model.MarketClosed,
		OpenAt:     now.Add(-48 * time.Hour),
		CloseAt:    now.Add(-24 * time.Hour),
	}
	require.NoError(t, env.store.CreateMarket(context.Background(), closed))

	_, _, err := env.engine.PlaceAndMatch(context.Background(), engine.PlaceOrderRequest{
		MarketID: closed.ID, UserID: "alice", Side: model.SideYes, Price: 6000, Quantity: 10,
	})
	assert.ErrorIs(t, err, model.ErrMarketClosed)

	bal := env.balance(t, "alice")
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Locked)
}

func TestPlaceInsufficientBalance(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 5)

	_, _, err := env.engine.PlaceAndMatch(context.Background(), engine.PlaceOrderRequest{
		MarketID: env.market.ID, UserID: "alice", Side: model.SideYes, Price: 6000, Quantity: 10,
	})
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	orders, err := env.store.ListUserOrders(context.Background(), "alice", store.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestExposureLimit(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 10)
	env.fund(t, "alice", 1000)

	env.place(t, "alice", model.SideYes, 6000, 10) // locks 6

	_, _, err := env.engine.PlaceAndMatch(context.Background(), engine.PlaceOrderRequest{
		MarketID: env.market.ID, UserID: "alice", Side: model.SideYes, Price: 6000, Quantity: 10,
	})
	assert.ErrorIs(t, err, model.ErrExposureLimitExceeded)
}

func TestMarketTradeAmountBounds(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)

	now := time.Now().UTC()
	bounded := &model.Market{
		ID:             uuid.New().String(),
		MarketCode:     "bounded",
		Status:         model.MarketActive,
		OpenAt:         now.Add(-time.Hour),
		CloseAt:        now.Add(time.Hour),
		MinTradeAmount: 10,
		MaxTradeAmount: 100,
	}
	require.NoError(t, env.store.CreateMarket(context.Background(), bounded))

	_, _, err := env.engine.PlaceAndMatch(context.Background(), engine.PlaceOrderRequest{
		MarketID: bounded.ID, UserID: "alice", Side: model.SideYes, Price: 6000, Quantity: 10,
	})
	assert.ErrorIs(t, err, model.ErrTradeLimitExceeded) // lock 6 < min 10

	_, _, err = env.engine.PlaceAndMatch(context.Background(), engine.PlaceOrderRequest{
		MarketID: bounded.ID, UserID: "alice", Side: model.SideYes, Price: 6000, Quantity: 300,
	})
	assert.ErrorIs(t, err, model.ErrTradeLimitExceeded) // lock 180 > max 100
}

func TestGetOrderBook(t *testing.T) {
	env := newTestEnv(t, engine.Config{}, 0)
	env.fund(t, "alice", 1000)
	env.fund(t, "bob", 1000)

	env.place(t, "alice", model.SideYes, 6000, 10)
	env.place(t, "alice", model.SideYes, 6000, 5)
	env.place(t, "alice", model.SideYes, 5000, 7)
	env.place(t, "bob", model.SideNo, 3000, 4)

	book, err := env.engine.GetOrderBook(context.Background(), env.market.ID)
	require.NoError(t, err)

	require.Len(t, book.YesLevels, 2)
	assert.Equal(t, int64(6000), book.YesLevels[0].Price)
	assert.Equal(t, int64(15), book.YesLevels[0].Quantity)
	assert.Equal(t, int64(2), book.YesLevels[0].OrderCount)
	assert.Equal(t, int64(5000), book.YesLevels[1].Price)

	require.Len(t, book.NoLevels, 1)
	assert.Equal(t, int64(3000), book.NoLevels[0].Price)
	assert.Equal(t, int64(4), book.NoLevels[0].Quantity)
}
