package sim

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"tradesim/internal/common"
	"tradesim/internal/engine"
	"tradesim/internal/tape"
)

const (
	taskChanSize = 100
)

var ErrStopped = errors.New("dispatcher stopped")

// Command is one caller action against the engine.
type Command func(ctx context.Context, eng *engine.Engine) error

type task struct {
	cmd  Command
	done chan error
}

// Dispatcher applies commands one at a time on a single worker, in the order
// they were submitted. Timers and user actions share it, so the engine only
// ever sees one logical thread of control.
type Dispatcher struct {
	eng   *engine.Engine
	tasks chan task
}

func NewDispatcher(eng *engine.Engine) *Dispatcher {
	return &Dispatcher{
		eng:   eng,
		tasks: make(chan task, taskChanSize),
	}
}

// Run is the worker loop. It returns when the tomb starts dying.
func (d *Dispatcher) Run(t *tomb.Tomb) error {
	ctx := t.Context(context.Background())
	for {
		select {
		case <-t.Dying():
			return nil
		case tk := <-d.tasks:
			err := tk.cmd(ctx, d.eng)
			if err != nil {
				log.Error().Err(err).Msg("command failed")
			}
			tk.done <- err
		}
	}
}

// IsShutdown reports whether err, as returned by the supervising tomb's Wait,
// only records an orderly stop. A tomb built with tomb.WithContext dies with
// context.Canceled when its parent is cancelled.
func IsShutdown(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Submit queues cmd and waits for its result.
func (d *Dispatcher) Submit(ctx context.Context, cmd Command) error {
	tk := task{cmd: cmd, done: make(chan error, 1)}
	select {
	case d.tasks <- tk:
	case <-ctx.Done():
		return ErrStopped
	}
	select {
	case err := <-tk.done:
		return err
	case <-ctx.Done():
		return ErrStopped
	}
}

// --- Commands ---------------------------------------------------------------

// Place rests a draft as a real order. The assigned id is written to id when
// it is non-nil.
func Place(draft common.Draft, id *uint64) Command {
	return func(ctx context.Context, eng *engine.Engine) error {
		placed, err := eng.PlaceOrder(ctx, draft.Side, draft.Price, draft.Quantity)
		if err != nil {
			return err
		}
		if id != nil {
			*id = placed
		}
		return nil
	}
}

// Execute runs a market order and publishes the trade. With settle set the
// matched order is closed in the same command, so no other command can match
// it in between.
func Execute(side common.Side, settle bool, publisher tape.Publisher, out *common.Trade) Command {
	return func(ctx context.Context, eng *engine.Engine) error {
		trade, err := eng.ExecuteMarketOrder(ctx, side)
		if err != nil {
			return err
		}
		if settle && !trade.Settled {
			if err := eng.CloseOrder(ctx, trade.OrderID); err != nil {
				return err
			}
			trade.Settled = true
		}
		if out != nil {
			*out = trade
		}
		if publisher != nil {
			return publisher.Publish(ctx, trade)
		}
		return nil
	}
}

func Close(id uint64) Command {
	return func(ctx context.Context, eng *engine.Engine) error {
		return eng.CloseOrder(ctx, id)
	}
}
