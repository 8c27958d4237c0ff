package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/predikta/exchange-engine/internal/metrics"
	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/pricing"
	"github.com/predikta/exchange-engine/internal/risk"
	"github.com/predikta/exchange-engine/internal/stats"
	"github.com/predikta/exchange-engine/internal/store"
	"github.com/predikta/exchange-engine/internal/wallet"
)

// defaultOrderTTL applies when a placement request carries no expiry.
const defaultOrderTTL = 30 * 24 * time.Hour

// TradeNotifier receives executed trades for real-time distribution.
// Implementations must not block.
type TradeNotifier interface {
	NotifyTrade(t model.Trade)
}

// Config tunes the engine's commit retry budget and pricing policy.
type Config struct {
	// PricePolicy selects which order's price binds a trade. Defaults to
	// the taker's price.
	PricePolicy pricing.PricePolicy
	// CommitRetries bounds local retries after a concurrent-modification
	// abort before the error surfaces.
	CommitRetries int
	// RetryBackoff is the base backoff between commit retries, scaled
	// linearly by attempt.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if !c.PricePolicy.Valid() {
		c.PricePolicy = pricing.PolicyTaker
	}
	if c.CommitRetries <= 0 {
		c.CommitRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 25 * time.Millisecond
	}
	return c
}

// Engine matches incoming orders against resting liquidity and settles
// trades atomically across order, wallet and ledger state. Matching,
// cancellation and expiry of one market serialize on the market's
// exclusive hold; wallet holds are acquired in ascending id order inside
// it, so the hold hierarchy is acyclic.
type Engine struct {
	store    store.Store
	wallets  *wallet.Service
	limiter  *risk.Limiter
	stats    *stats.Aggregator
	notifier TradeNotifier
	cfg      Config
	log      *slog.Logger

	mu          sync.Mutex
	marketLocks map[string]*sync.Mutex
}

// New creates an engine. notifier may be nil.
func New(st store.Store, wallets *wallet.Service, limiter *risk.Limiter, agg *stats.Aggregator, notifier TradeNotifier, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:       st,
		wallets:     wallets,
		limiter:     limiter,
		stats:       agg,
		notifier:    notifier,
		cfg:         cfg.withDefaults(),
		log:         log,
		marketLocks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) holdMarket(marketID string) func() {
	e.mu.Lock()
	l, ok := e.marketLocks[marketID]
	if !ok {
		l = &sync.Mutex{}
		e.marketLocks[marketID] = l
	}
	e.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// PlaceOrderRequest is a validated order placement from the external
// order-placement path.
type PlaceOrderRequest struct {
	MarketID  string
	UserID    string
	Side      model.Side
	Price     int64
	Quantity  int64
	ExpiresAt time.Time
}

// PlaceAndMatch locks the required funds, creates the order and matches it
// against the book. The fund lock is rolled back when order creation
// fails.
func (e *Engine) PlaceAndMatch(ctx context.Context, req PlaceOrderRequest) (*model.Order, []model.Trade, error) {
	if !req.Side.Valid() {
		return nil, nil, fmt.Errorf("side %q: %w", req.Side, model.ErrInvalidSide)
	}
	if !pricing.ValidPrice(req.Price) {
		return nil, nil, model.ErrInvalidPrice
	}
	if req.Quantity <= 0 {
		return nil, nil, model.ErrInvalidQuantity
	}

	now := time.Now().UTC()
	market, err := e.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, nil, err
	}
	if !market.OpenForTrading(now) {
		return nil, nil, model.ErrMarketClosed
	}

	w, err := e.store.GetWalletByUser(ctx, req.UserID)
	if err != nil {
		return nil, nil, err
	}

	lockAmount := pricing.Cost(req.Price, req.Quantity)

	exposure, err := e.store.LockedExposure(ctx, req.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("check exposure: %w", err)
	}
	if err := e.limiter.CheckOrder(market, lockAmount, exposure); err != nil {
		if errors.Is(err, model.ErrTradeLimitExceeded) {
			metrics.RiskRejections.WithLabelValues("trade_limit").Inc()
		} else {
			metrics.RiskRejections.WithLabelValues("exposure_limit").Inc()
		}
		return nil, nil, err
	}

	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultOrderTTL)
	}

	order := &model.Order{
		ID:           uuid.New().String(),
		OrderNumber:  xid.New().String(),
		MarketID:     req.MarketID,
		UserID:       req.UserID,
		WalletID:     w.ID,
		Side:         req.Side,
		Price:        req.Price,
		Quantity:     req.Quantity,
		AmountLocked: lockAmount,
		Status:       model.OrderPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    expiresAt,
	}

	// An order whose cost floors to zero reserves nothing.
	if lockAmount > 0 {
		if _, err := e.wallets.LockFunds(ctx, req.UserID, lockAmount, order.ID); err != nil {
			return nil, nil, err
		}
	}

	if err := e.store.CreateOrder(ctx, order); err != nil {
		if lockAmount > 0 {
			if _, unlockErr := e.wallets.UnlockFunds(ctx, req.UserID, lockAmount, order.ID); unlockErr != nil {
				e.log.Error("rollback unlock failed after order creation failure",
					"order_id", order.ID, "err", unlockErr)
			}
		}
		return nil, nil, fmt.Errorf("create order: %w", err)
	}

	e.log.Info("order placed",
		"order_number", order.OrderNumber,
		"market_id", order.MarketID,
		"side", order.Side,
		"price", order.Price,
		"quantity", order.Quantity,
		"amount_locked", order.AmountLocked,
	)

	return e.Match(ctx, order.ID)
}

// Match matches a pending order against the opposite side of its market's
// book. Calling it on an order that no longer exists fails with
// ErrOrderNotFound; calling it on an order in any non-pending status is an
// idempotent no-op returning the order unchanged with no trades. An order
// left pending here (market closed, retries exhausted) keeps its lock but
// remains cancellable and in the sweeper's scope, so the reservation
// always has a release path.
func (e *Engine) Match(ctx context.Context, orderID string) (*model.Order, []model.Trade, error) {
	started := time.Now()
	defer func() {
		metrics.MatchLatency.Observe(time.Since(started).Seconds())
	}()

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != model.OrderPending {
		return order, nil, nil
	}

	release := e.holdMarket(order.MarketID)
	defer release()

	market, err := e.store.GetMarket(ctx, order.MarketID)
	if err != nil {
		return nil, nil, err
	}
	if !market.OpenForTrading(time.Now().UTC()) {
		return order, nil, model.ErrMarketClosed
	}

	for attempt := 0; ; attempt++ {
		// Re-read under the market hold so each attempt works from
		// current state.
		order, err = e.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, nil, err
		}
		if order.Status != model.OrderPending {
			return order, nil, nil
		}

		taker, trades, err := e.matchOnce(ctx, order)
		if errors.Is(err, model.ErrConcurrentModification) {
			metrics.MatchConflicts.Inc()
			if attempt+1 >= e.cfg.CommitRetries {
				return nil, nil, err
			}
			time.Sleep(e.cfg.RetryBackoff * time.Duration(attempt+1))
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		e.afterMatch(ctx, taker, trades)
		return taker, trades, nil
	}
}

// fillPlan tracks one order's mutable state while a match is assembled.
// remainingLock caps what settlement may draw from the wallet so the
// balance invariant holds even when the binding price exceeds the price
// the order was reserved at.
type fillPlan struct {
	order         *model.Order
	remainingLock int64
	charges       []int64 // per-trade wallet debits, parallel to trades
}

func (p *fillPlan) charge(amount int64) int64 {
	c := amount
	if c > p.remainingLock {
		c = p.remainingLock
	}
	p.remainingLock -= c
	p.charges = append(p.charges, c)
	return c
}

func (e *Engine) matchOnce(ctx context.Context, loaded *model.Order) (*model.Order, []model.Trade, error) {
	now := time.Now().UTC()
	taker := *loaded

	maxPrice := model.PriceScale - taker.Price
	candidates, err := e.store.RestingOrders(ctx, taker.MarketID, taker.Side.Opposite(), maxPrice)
	if err != nil {
		return nil, nil, fmt.Errorf("load candidates: %w", err)
	}

	// Index candidates into an explicit book: best price first, FIFO
	// within a level. For a YES taker the cheapest NO complement ranks
	// first; for a NO taker the highest-priced YES does.
	book := newBookSide(taker.Side == model.SideYes)
	for i := range candidates {
		if candidates[i].ID == taker.ID || candidates[i].Remaining() <= 0 {
			continue
		}
		// Due-but-unswept orders are no longer matchable liquidity.
		if !candidates[i].ExpiresAt.After(now) {
			continue
		}
		book.insert(&candidates[i])
	}

	baselines := []store.OrderBaseline{{
		OrderID:        taker.ID,
		Status:         loaded.Status,
		QuantityFilled: loaded.QuantityFilled,
	}}

	takerPlan := &fillPlan{order: &taker, remainingLock: taker.RemainingLock()}
	makerPlans := make([]*fillPlan, 0, 4)
	var trades []*model.Trade

	for taker.Remaining() > 0 {
		best := book.peek()
		if best == nil {
			break
		}

		qty := taker.Remaining()
		if r := best.Remaining(); r < qty {
			qty = r
		}
		if qty <= 0 {
			break
		}
		book.pop()

		maker := *best
		baselines = append(baselines, store.OrderBaseline{
			OrderID:        maker.ID,
			Status:         maker.Status,
			QuantityFilled: maker.QuantityFilled,
		})
		plan := &fillPlan{order: &maker, remainingLock: maker.RemainingLock()}
		makerPlans = append(makerPlans, plan)

		ex := pricing.Execute(e.cfg.PricePolicy, taker.Side, taker.Price, maker.Price, qty)

		applyFill(&taker, qty, ex.TakerAmount, now)
		applyFill(&maker, qty, ex.MakerAmount, now)
		takerPlan.charge(ex.TakerAmount)
		plan.charge(ex.MakerAmount)

		trade := &model.Trade{
			ID:           uuid.New().String(),
			MarketID:     taker.MarketID,
			TakerOrderID: taker.ID,
			MakerOrderID: maker.ID,
			Quantity:     qty,
			YesPrice:     ex.YesPrice,
			NoPrice:      ex.NoPrice,
			ExecutedAt:   now,
		}
		if taker.Side == model.SideYes {
			trade.YesOrderID, trade.NoOrderID = taker.ID, maker.ID
			trade.YesAmount, trade.NoAmount = ex.TakerAmount, ex.MakerAmount
		} else {
			trade.NoOrderID, trade.YesOrderID = taker.ID, maker.ID
			trade.NoAmount, trade.YesAmount = ex.TakerAmount, ex.MakerAmount
		}
		trades = append(trades, trade)
	}

	// Taker terminal status for this invocation.
	switch {
	case taker.QuantityFilled == taker.Quantity:
		taker.Status = model.OrderFilled
		taker.FilledAt = &now
	case taker.QuantityFilled > 0:
		taker.Status = model.OrderPartiallyFilled
	default:
		taker.Status = model.OrderOpen
	}
	taker.UpdatedAt = now

	commit := &store.MatchCommit{
		MarketID:  taker.MarketID,
		Taker:     &taker,
		Baselines: baselines,
	}
	for _, p := range makerPlans {
		commit.Makers = append(commit.Makers, p.order)
	}

	if len(trades) > 0 {
		if err := e.settle(ctx, commit, takerPlan, makerPlans, trades, now); err != nil {
			return nil, nil, err
		}
	}

	if err := e.store.CommitMatch(ctx, commit); err != nil {
		return nil, nil, err
	}

	result := make([]model.Trade, len(trades))
	for i, t := range trades {
		result[i] = *t
	}
	return &taker, result, nil
}

// settle composes the wallet side of a match: per-trade settlements and
// residual-lock refunds for completely filled orders, all under the
// involved wallets' exclusive holds.
func (e *Engine) settle(ctx context.Context, commit *store.MatchCommit, takerPlan *fillPlan, makerPlans []*fillPlan, trades []*model.Trade, now time.Time) error {
	walletIDs := []string{takerPlan.order.WalletID}
	for _, p := range makerPlans {
		walletIDs = append(walletIDs, p.order.WalletID)
	}
	releaseWallets := e.wallets.Hold(walletIDs...)
	defer releaseWallets()

	// One shared copy per wallet: a user matched several times in one
	// invocation accumulates every mutation on the same copy.
	walletByID := make(map[string]*model.Wallet)
	load := func(id string) (*model.Wallet, error) {
		if w, ok := walletByID[id]; ok {
			return w, nil
		}
		w, err := e.store.GetWallet(ctx, id)
		if err != nil {
			return nil, err
		}
		walletByID[id] = w
		return w, nil
	}

	addEntry := func(plan *fillPlan, i int, computed int64, maker bool, trade *model.Trade) error {
		w, err := load(plan.order.WalletID)
		if err != nil {
			return err
		}
		charge := plan.charges[i]
		if charge < computed {
			// The binding price exceeded the price this order reserved
			// at; the debit is clamped to the reservation so balances
			// never go negative.
			e.log.Warn("settlement clamped to remaining lock",
				"order_id", plan.order.ID,
				"trade_id", trade.ID,
				"computed", computed,
				"charged", charge,
			)
		}
		prepare := e.wallets.PrepareSettlement
		if maker {
			prepare = e.wallets.PrepareMakerSettlement
		}
		entry, err := prepare(w, charge, trade.ID, now)
		if err != nil {
			return err
		}
		commit.Entries = append(commit.Entries, entry)
		return nil
	}

	for i, trade := range trades {
		takerAmt, makerAmt := trade.YesAmount, trade.NoAmount
		if takerPlan.order.Side == model.SideNo {
			takerAmt, makerAmt = makerAmt, takerAmt
		}
		if err := addEntry(takerPlan, i, takerAmt, false, trade); err != nil {
			return err
		}
		// Each maker participates in exactly one trade of this match.
		for _, p := range makerPlans {
			if p.order.ID == trade.MakerOrderID {
				if err := addEntry(p, 0, makerAmt, true, trade); err != nil {
					return err
				}
				break
			}
		}
	}

	// Release the floor-rounding remainder of every fully filled order.
	plans := append([]*fillPlan{takerPlan}, makerPlans...)
	for _, p := range plans {
		if p.order.Status != model.OrderFilled || p.remainingLock <= 0 {
			continue
		}
		w, err := load(p.order.WalletID)
		if err != nil {
			return err
		}
		entry, err := e.wallets.PrepareRefund(w, p.remainingLock, p.order.ID, now)
		if err != nil {
			return err
		}
		commit.Entries = append(commit.Entries, entry)
	}

	ids := make([]string, 0, len(walletByID))
	for id := range walletByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		commit.Wallets = append(commit.Wallets, walletByID[id])
	}
	for _, t := range trades {
		commit.Trades = append(commit.Trades, t)
	}
	return nil
}

// applyFill advances an order's filled quantity and settled amount, and
// promotes its status.
func applyFill(o *model.Order, qty, amount int64, now time.Time) {
	o.QuantityFilled += qty
	o.AmountFilled += amount
	if o.QuantityFilled == o.Quantity {
		o.Status = model.OrderFilled
		o.FilledAt = &now
	} else {
		o.Status = model.OrderPartiallyFilled
	}
	o.UpdatedAt = now
}

// afterMatch performs the non-transactional tail of a successful match:
// stats refresh, metrics, trade broadcast.
func (e *Engine) afterMatch(ctx context.Context, taker *model.Order, trades []model.Trade) {
	if len(trades) == 0 {
		return
	}

	var settled int64
	for _, t := range trades {
		settled += t.YesAmount + t.NoAmount
		if e.notifier != nil {
			e.notifier.NotifyTrade(t)
		}
	}
	metrics.TradesTotal.WithLabelValues(string(taker.Side)).Add(float64(len(trades)))
	metrics.TradeVolume.WithLabelValues(taker.MarketID).Add(float64(settled))

	if _, err := e.stats.Refresh(ctx, taker.MarketID); err != nil {
		// Stats are a recomputable cache; failing to refresh never fails
		// the match.
		e.log.Warn("stats refresh failed", "market_id", taker.MarketID, "err", err)
	}

	e.log.Info("order matched",
		"order_number", taker.OrderNumber,
		"status", taker.Status,
		"trades", len(trades),
		"quantity_filled", taker.QuantityFilled,
	)
}

// CancelOrder cancels a holder's live order and releases its remaining
// lock. Every non-terminal status is cancellable: a pending order whose
// match was rejected or aborted still carries its reservation and needs
// this release path. It serializes with matching on the same market, so a
// cancellation racing a fill either observes the final post-trade status
// or wins before any trade commits.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (*model.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, model.ErrOrderNotFound
	}

	release := e.holdMarket(order.MarketID)
	defer release()

	for attempt := 0; ; attempt++ {
		order, err = e.store.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status.Terminal() {
			return nil, fmt.Errorf("order %s is %s: %w", order.OrderNumber, order.Status, model.ErrOrderNotCancellable)
		}

		err = e.releaseOrder(ctx, order, model.OrderCancelled)
		if errors.Is(err, model.ErrConcurrentModification) {
			if attempt+1 >= e.cfg.CommitRetries {
				return nil, err
			}
			time.Sleep(e.cfg.RetryBackoff * time.Duration(attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}

		e.log.Info("order cancelled",
			"order_number", order.OrderNumber,
			"released", order.RemainingLock(),
		)
		return e.store.GetOrder(ctx, orderID)
	}
}

// releaseOrder transitions a live order to a terminal status and returns
// its remaining lock to the holder's wallet, atomically.
func (e *Engine) releaseOrder(ctx context.Context, order *model.Order, to model.OrderStatus) error {
	now := time.Now().UTC()
	updated := *order
	fromStatus := order.Status
	updated.Status = to
	updated.UpdatedAt = now
	if to == model.OrderCancelled {
		updated.CancelledAt = &now
	}

	commit := &store.ReleaseCommit{Order: &updated, FromStatus: fromStatus}

	if rem := order.RemainingLock(); rem > 0 {
		releaseWallet := e.wallets.Hold(order.WalletID)
		defer releaseWallet()

		w, err := e.store.GetWallet(ctx, order.WalletID)
		if err != nil {
			return err
		}
		entry, err := e.wallets.PrepareRefund(w, rem, order.ID, now)
		if err != nil {
			return err
		}
		commit.Wallet = w
		commit.Entry = entry
	}

	return e.store.CommitRelease(ctx, commit)
}

// GetOrder returns a single order.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// GetOrderBook aggregates the resting book of a market into price levels
// per side, best first.
func (e *Engine) GetOrderBook(ctx context.Context, marketID string) (*model.OrderBook, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}

	build := func(side model.Side) ([]model.BookLevel, error) {
		orders, err := e.store.RestingOrders(ctx, marketID, side, model.PriceScale)
		if err != nil {
			return nil, err
		}
		// Highest willingness to pay ranks first on both sides.
		b := newBookSide(false)
		for i := range orders {
			if orders[i].Remaining() > 0 {
				b.insert(&orders[i])
			}
		}
		return b.snapshot(), nil
	}

	yes, err := build(model.SideYes)
	if err != nil {
		return nil, err
	}
	no, err := build(model.SideNo)
	if err != nil {
		return nil, err
	}
	return &model.OrderBook{MarketID: marketID, YesLevels: yes, NoLevels: no}, nil
}
