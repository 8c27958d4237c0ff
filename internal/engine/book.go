// Package engine implements the matching engine: an explicit per-market
// order book over durable storage, price-time-priority matching, and the
// expiry sweeper.
package engine

import (
	"github.com/huandu/skiplist"

	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/pricing"
)

// bookEntry is one resting order queued at a price level.
type bookEntry struct {
	order      *model.Order
	next, prev *bookEntry
}

// priceLevel is the FIFO queue of resting orders at one price.
type priceLevel struct {
	price      int64
	totalQty   int64 // sum of remaining quantities
	count      int64
	head, tail *bookEntry
}

// bookSide indexes one side's resting orders by price level. The skiplist
// orders levels best-first: ascending for candidate NO orders facing a YES
// taker (cheapest complement first), descending for candidate YES orders
// facing a NO taker. Within a level, orders queue FIFO by arrival.
//
// The book is not a long-lived cache: each match rebuilds it from the
// store's candidate query under the market hold, making price-time
// priority explicit rather than implicit in query ordering.
type bookSide struct {
	levels  *skiplist.SkipList // price → *priceLevel
	byPrice map[int64]*skiplist.Element
	orders  int64
}

// newBookSide creates an empty side. ascending selects whether lower
// prices rank first.
func newBookSide(ascending bool) *bookSide {
	cmp := skiplist.GreaterThanFunc(func(lhs, rhs any) int {
		a, _ := lhs.(int64)
		b, _ := rhs.(int64)
		switch {
		case a < b:
			if ascending {
				return -1
			}
			return 1
		case a > b:
			if ascending {
				return 1
			}
			return -1
		default:
			return 0
		}
	})
	return &bookSide{
		levels:  skiplist.New(cmp),
		byPrice: make(map[int64]*skiplist.Element),
	}
}

// insert queues an order at the back of its price level. Callers insert in
// creation order, so the per-level queue is FIFO by arrival.
func (b *bookSide) insert(o *model.Order) {
	entry := &bookEntry{order: o}

	el, ok := b.byPrice[o.Price]
	if ok {
		level, _ := el.Value.(*priceLevel)
		entry.prev = level.tail
		level.tail.next = entry
		level.tail = entry
		level.totalQty += o.Remaining()
		level.count++
	} else {
		level := &priceLevel{
			price:    o.Price,
			totalQty: o.Remaining(),
			count:    1,
			head:     entry,
			tail:     entry,
		}
		b.byPrice[o.Price] = b.levels.Set(o.Price, level)
	}
	b.orders++
}

// peek returns the best resting order without removing it.
func (b *bookSide) peek() *model.Order {
	el := b.levels.Front()
	if el == nil {
		return nil
	}
	level, _ := el.Value.(*priceLevel)
	return level.head.order
}

// pop removes and returns the best resting order.
func (b *bookSide) pop() *model.Order {
	el := b.levels.Front()
	if el == nil {
		return nil
	}
	level, _ := el.Value.(*priceLevel)

	entry := level.head
	level.head = entry.next
	if level.head != nil {
		level.head.prev = nil
	} else {
		level.tail = nil
	}
	level.totalQty -= entry.order.Remaining()
	level.count--
	if level.count == 0 {
		b.levels.RemoveElement(el)
		delete(b.byPrice, level.price)
	}
	b.orders--

	entry.next = nil
	return entry.order
}

// len returns the number of resting orders on this side.
func (b *bookSide) len() int64 {
	return b.orders
}

// snapshot aggregates the side into price levels, best first.
func (b *bookSide) snapshot() []model.BookLevel {
	out := make([]model.BookLevel, 0, b.levels.Len())
	for el := b.levels.Front(); el != nil; el = el.Next() {
		level, _ := el.Value.(*priceLevel)
		out = append(out, model.BookLevel{
			Price:       level.price,
			Quantity:    level.totalQty,
			OrderCount:  level.count,
			Probability: pricing.Implied(level.price),
		})
	}
	return out
}
