package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"tradesim/internal/common"
	"tradesim/internal/engine"
	"tradesim/internal/tape"
)

var (
	ErrAwaitingClose  = errors.New("order already matched and awaiting close")
	ErrUnknownCommand = errors.New("unknown command")
)

const deskHelp = `commands:
  buy | sell                   market order against the best opposite order
  ongoing                      executed trades waiting to be closed
  close <id>                   settle an ongoing trade by its order id
  limit buy|sell <price> <qty> rest a limit order
  book                         top of book
  completed                    settled orders
  help`

// Desk is the interactive side of the simulator. Market orders executed here
// stay ongoing until they are closed, and the order behind an ongoing trade is
// never matched a second time.
type Desk struct {
	dispatcher *Dispatcher
	publisher  tape.Publisher
	depth      int

	mu      sync.Mutex
	ongoing []common.Trade // Oldest first
}

func NewDesk(dispatcher *Dispatcher, publisher tape.Publisher, depth int) *Desk {
	return &Desk{
		dispatcher: dispatcher,
		publisher:  publisher,
		depth:      depth,
	}
}

// Ongoing returns a copy of the executed but unsettled trades.
func (desk *Desk) Ongoing() []common.Trade {
	desk.mu.Lock()
	defer desk.mu.Unlock()
	return slices.Clone(desk.ongoing)
}

// Handle runs one input line and returns the text to show for it.
func (desk *Desk) Handle(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}

	switch cmd := strings.ToLower(fields[0]); cmd {
	case "buy", "sell":
		side, _ := common.ParseSide(cmd)
		return desk.market(ctx, side)
	case "ongoing":
		return desk.listOngoing(), nil
	case "close":
		if len(fields) != 2 {
			return "", errors.New("usage: close <id>")
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad order id %q", fields[1])
		}
		return desk.close(ctx, id)
	case "limit":
		return desk.limit(ctx, fields[1:])
	case "book":
		return desk.book(ctx)
	case "completed":
		return desk.completed(ctx)
	case "help":
		return deskHelp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

func (desk *Desk) market(ctx context.Context, side common.Side) (string, error) {
	var trade common.Trade
	if err := desk.dispatcher.Submit(ctx, Execute(side, false, nil, &trade)); err != nil {
		return "", err
	}

	if !trade.Settled {
		desk.mu.Lock()
		if desk.isOngoing(trade.OrderID) {
			desk.mu.Unlock()
			return "", fmt.Errorf("%w: order #%d", ErrAwaitingClose, trade.OrderID)
		}
		desk.ongoing = append(desk.ongoing, trade)
		desk.mu.Unlock()
	}

	if err := desk.publisher.Publish(ctx, trade); err != nil {
		log.Error().Err(err).Str("trade", trade.ID).Msg("failed to publish trade")
	}
	if trade.Settled {
		return fmt.Sprintf("-> Market %s filled and settled: #%d %d @ %.2f", side, trade.OrderID, trade.Quantity, trade.Price), nil
	}
	return fmt.Sprintf("-> Market %s filled: #%d %d @ %.2f, close it with 'close %d'", side, trade.OrderID, trade.Quantity, trade.Price, trade.OrderID), nil
}

// isOngoing must be called with mu held.
func (desk *Desk) isOngoing(id uint64) bool {
	return slices.ContainsFunc(desk.ongoing, func(t common.Trade) bool { return t.OrderID == id })
}

func (desk *Desk) close(ctx context.Context, id uint64) (string, error) {
	if err := desk.dispatcher.Submit(ctx, Close(id)); err != nil {
		return "", err
	}
	desk.mu.Lock()
	desk.ongoing = slices.DeleteFunc(desk.ongoing, func(t common.Trade) bool { return t.OrderID == id })
	desk.mu.Unlock()
	return fmt.Sprintf("-> Closed order #%d", id), nil
}

func (desk *Desk) limit(ctx context.Context, args []string) (string, error) {
	if len(args) != 3 {
		return "", errors.New("usage: limit buy|sell <price> <qty>")
	}
	side, err := common.ParseSide(args[0])
	if err != nil {
		return "", err
	}
	price, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return "", fmt.Errorf("bad price %q", args[1])
	}
	qty, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad quantity %q", args[2])
	}

	var id uint64
	draft := common.Draft{Side: side, Price: price, Quantity: qty}
	if err := desk.dispatcher.Submit(ctx, Place(draft, &id)); err != nil {
		return "", err
	}
	return fmt.Sprintf("-> Placed %s order #%d: %d @ %.2f", side, id, qty, price), nil
}

func (desk *Desk) book(ctx context.Context) (string, error) {
	var bids, asks []common.Level
	err := desk.dispatcher.Submit(ctx, func(ctx context.Context, eng *engine.Engine) error {
		var err error
		if bids, err = eng.TopBids(ctx, desk.depth); err != nil {
			return err
		}
		asks, err = eng.TopAsks(ctx, desk.depth)
		return err
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-18s %s\n", "Bids", "Asks")
	for i := range max(len(bids), len(asks)) {
		fmt.Fprintf(&b, "%-18s %s\n", levelCell(bids, i), levelCell(asks, i))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (desk *Desk) completed(ctx context.Context) (string, error) {
	var levels []common.Level
	err := desk.dispatcher.Submit(ctx, func(ctx context.Context, eng *engine.Engine) error {
		var err error
		levels, err = eng.CompletedOrders(ctx)
		return err
	})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Completed (%d)", len(levels))
	for _, l := range levels {
		fmt.Fprintf(&b, "\n  %10.2f %6d", l.Price, l.Quantity)
	}
	return b.String(), nil
}

func (desk *Desk) listOngoing() string {
	ongoing := desk.Ongoing()
	var b strings.Builder
	fmt.Fprintf(&b, "Ongoing (%d)", len(ongoing))
	for _, t := range ongoing {
		fmt.Fprintf(&b, "\n  #%-6d Market %-4s %10.2f %6d  %s", t.OrderID, t.Taker, t.Price, t.Quantity, t.Timestamp.Format("15:04:05"))
	}
	return b.String()
}

func levelCell(levels []common.Level, i int) string {
	if i >= len(levels) {
		return ""
	}
	return fmt.Sprintf("%.2f x %d", levels[i].Price, levels[i].Quantity)
}
