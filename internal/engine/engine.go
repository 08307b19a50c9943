package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradesim/internal/common"
	"tradesim/internal/ledger"
)

// Engine coordinates the caller-visible trading actions on top of a ledger.
// It keeps no copy of the book: every call reads the store, so an engine can be
// dropped and rebuilt at any time without losing anything.
type Engine struct {
	store ledger.Store

	// Guards the write path. Queries share the read lock so they never
	// interleave with an auto-settling market order.
	mu         sync.RWMutex
	autoSettle bool

	// Quote generation has its own lock, it never touches the store.
	rngMu  sync.Mutex
	rng    *rand.Rand
	bounds QuoteBounds
}

type Option func(*Engine)

// WithAutoSettle makes ExecuteMarketOrder complete the matched resting order
// itself instead of leaving settlement to a later CloseOrder.
func WithAutoSettle() Option {
	return func(e *Engine) { e.autoSettle = true }
}

// WithSeed fixes the quote generator's random source.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.rng = newRand(seed) }
}

func WithQuoteBounds(bounds QuoteBounds) Option {
	return func(e *Engine) { e.bounds = bounds }
}

func New(store ledger.Store, opts ...Option) *Engine {
	engine := &Engine{
		store:  store,
		bounds: DefaultQuoteBounds,
	}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.rng == nil {
		engine.rng = newRand(uint64(time.Now().UnixNano()))
	}
	return engine
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// PlaceOrder rests a new limit order in the book.
func (engine *Engine) PlaceOrder(ctx context.Context, side common.Side, price float64, quantity uint64) (uint64, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	id, err := engine.store.CreateOrder(ctx, side, price, quantity)
	if err != nil {
		return 0, err
	}

	log.Info().
		Uint64("id", id).
		Stringer("side", side).
		Float64("price", price).
		Uint64("quantity", quantity).
		Msg("order placed")
	return id, nil
}

func (engine *Engine) TopBids(ctx context.Context, limit int) ([]common.Level, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	bids, err := engine.store.TopBids(ctx, limit)
	if err != nil {
		return nil, err
	}
	return common.Levels(bids), nil
}

func (engine *Engine) TopAsks(ctx context.Context, limit int) ([]common.Level, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	asks, err := engine.store.TopAsks(ctx, limit)
	if err != nil {
		return nil, err
	}
	return common.Levels(asks), nil
}

// CompletedOrders is the settled trade history.
func (engine *Engine) CompletedOrders(ctx context.Context) ([]common.Level, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	completed, err := engine.store.CompletedOrders(ctx)
	if err != nil {
		return nil, err
	}
	return common.Levels(completed), nil
}

func (engine *Engine) Order(ctx context.Context, id uint64) (common.Order, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.store.Order(ctx, id)
}
