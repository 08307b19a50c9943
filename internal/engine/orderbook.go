package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradesim/internal/common"
	"tradesim/internal/ledger"
)

var (
	ErrNoLiquidity = errors.New("no liquidity")
)

// An auto-settling market order re-reads the top of book this many times when
// another writer settles the order it picked between the read and the write.
const maxSettleAttempts = 3

// ExecuteMarketOrder trades immediately against the best resting order on the
// opposite side, at that order's price and for its full quantity.
//
// By default the book is not touched: the trade is handed back and the caller
// settles the resting order with CloseOrder once it has recorded the trade.
// Until then the same order stays top of book, so callers that issue several
// market orders must close each trade before executing the next one. With
// WithAutoSettle the match and the settlement happen under one lock instead.
func (engine *Engine) ExecuteMarketOrder(ctx context.Context, side common.Side) (common.Trade, error) {
	if side != common.Buy && side != common.Sell {
		return common.Trade{}, fmt.Errorf("%w: side %v", ledger.ErrInvalidOrder, side)
	}

	if engine.autoSettle {
		engine.mu.Lock()
		defer engine.mu.Unlock()
	} else {
		engine.mu.RLock()
		defer engine.mu.RUnlock()
	}

	for attempt := 1; ; attempt++ {
		resting, err := engine.best(ctx, side.Opposite())
		if err != nil {
			return common.Trade{}, err
		}
		trade := common.Trade{
			ID:        uuid.NewString(),
			OrderID:   resting.ID,
			Side:      resting.Side,
			Taker:     side,
			Price:     resting.Price,
			Quantity:  resting.Quantity,
			Timestamp: time.Now().UTC(),
		}

		if engine.autoSettle {
			err := engine.store.MarkCompleted(ctx, resting.ID)
			if errors.Is(err, ledger.ErrAlreadyCompleted) && attempt < maxSettleAttempts {
				log.Warn().Uint64("id", resting.ID).Int("attempt", attempt).Msg("top of book settled concurrently, retrying")
				continue
			}
			if err != nil {
				return common.Trade{}, err
			}
			trade.Settled = true
		}

		log.Info().
			Str("trade", trade.ID).
			Uint64("order", trade.OrderID).
			Stringer("taker", side).
			Float64("price", trade.Price).
			Uint64("quantity", trade.Quantity).
			Bool("settled", trade.Settled).
			Msg("market order executed")
		return trade, nil
	}
}

// CloseOrder settles an order. It is the only way an order leaves the book in
// the two-step flow, and fails rather than settling the same order twice.
func (engine *Engine) CloseOrder(ctx context.Context, id uint64) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()

	if err := engine.store.MarkCompleted(ctx, id); err != nil {
		return err
	}
	log.Info().Uint64("id", id).Msg("order closed")
	return nil
}

// best returns the top of book for side.
func (engine *Engine) best(ctx context.Context, side common.Side) (common.Order, error) {
	var (
		orders []common.Order
		err    error
	)
	switch side {
	case common.Buy:
		orders, err = engine.store.TopBids(ctx, 1)
	case common.Sell:
		orders, err = engine.store.TopAsks(ctx, 1)
	}
	if err != nil {
		return common.Order{}, err
	}
	if len(orders) == 0 {
		return common.Order{}, fmt.Errorf("%w: no resting %v orders", ErrNoLiquidity, side)
	}
	return orders[0], nil
}
