package sim

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"tradesim/internal/common"
	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/ledger"
)

// Board is what a refresh hands to the display.
type Board struct {
	Bids []common.Level
	Asks []common.Level
}

// Refresher regenerates quotes around a base price on a fixed interval. With
// Place unset the quotes are only shown. With Place set each quote is submitted
// as a real order and the board shows the ledger's top of book.
type Refresher struct {
	eng        *engine.Engine
	dispatcher *Dispatcher
	quotes     config.QuotesConfig
	depth      int
}

func NewRefresher(eng *engine.Engine, dispatcher *Dispatcher, quotes config.QuotesConfig, depth int) *Refresher {
	return &Refresher{
		eng:        eng,
		dispatcher: dispatcher,
		quotes:     quotes,
		depth:      depth,
	}
}

// Run refreshes on every tick until the tomb dies. A store that can no longer
// be read ends the run.
func (r *Refresher) Run(t *tomb.Tomb) error {
	ctx := t.Context(context.Background())
	ticker := time.NewTicker(r.quotes.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.Dying():
			return nil
		case <-ticker.C:
			board, err := r.Refresh(ctx)
			if errors.Is(err, ledger.ErrStoreUnavailable) {
				return err
			}
			if err != nil {
				if !errors.Is(err, ErrStopped) {
					log.Error().Err(err).Msg("quote refresh failed")
				}
				continue
			}
			logBoard(board)
		}
	}
}

func (r *Refresher) Refresh(ctx context.Context) (Board, error) {
	bids, err := r.eng.GenerateQuotes(r.quotes.BasePrice, r.quotes.Count, common.Buy)
	if err != nil {
		return Board{}, err
	}
	asks, err := r.eng.GenerateQuotes(r.quotes.BasePrice, r.quotes.Count, common.Sell)
	if err != nil {
		return Board{}, err
	}

	if !r.quotes.Place {
		return Board{Bids: draftLevels(bids), Asks: draftLevels(asks)}, nil
	}

	for _, draft := range append(bids, asks...) {
		if err := r.dispatcher.Submit(ctx, Place(draft, nil)); err != nil {
			return Board{}, err
		}
	}

	var board Board
	err = r.dispatcher.Submit(ctx, func(ctx context.Context, eng *engine.Engine) error {
		var err error
		if board.Bids, err = eng.TopBids(ctx, r.depth); err != nil {
			return err
		}
		board.Asks, err = eng.TopAsks(ctx, r.depth)
		return err
	})
	return board, err
}

func draftLevels(drafts []common.Draft) []common.Level {
	levels := make([]common.Level, len(drafts))
	for i, d := range drafts {
		levels[i] = common.Level{Price: d.Price, Quantity: d.Quantity}
	}
	return levels
}

func logBoard(board Board) {
	event := log.Info().Int("bids", len(board.Bids)).Int("asks", len(board.Asks))
	if len(board.Bids) > 0 {
		event = event.Float64("best_bid", board.Bids[0].Price)
	}
	if len(board.Asks) > 0 {
		event = event.Float64("best_ask", board.Asks[0].Price)
	}
	event.Msg("quotes refreshed")
}
