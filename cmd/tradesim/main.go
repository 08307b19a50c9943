package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"tradesim/internal/common"
	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/ledger"
	"tradesim/internal/tape"
)

const usage = `usage: tradesim [-config file] <command> [flags]

commands:
  place     -side buy|sell -price P -qty Q   rest a limit order
  bids      [-n N]                           best bids
  asks      [-n N]                           best asks
  completed                                  completed orders, oldest first
  market    -side buy|sell [-settle=false]   match against the best opposite order
  close     -id ID                           mark an order completed
  quotes    -side buy|sell [-n N] [-base P]  generate quotes without placing them
`

func main() {
	configPath := flag.String("config", "", "Path to the config file (default ./tradesim.yaml)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if err := cfg.Log.Apply(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := ledger.Open(cfg.Ledger)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Ledger.Driver).Str("path", cfg.Ledger.Path).Msg("failed to open ledger")
	}
	eng := engine.New(store, cfg.EngineOptions()...)

	err = run(ctx, cfg, eng, flag.Arg(0), flag.Args()[1:])
	if cerr := store.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("failed to close ledger")
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, eng *engine.Engine, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	sideStr := fs.String("side", "buy", "Order side: 'buy' or 'sell'")
	price := fs.Float64("price", 0, "Limit price")
	qty := fs.Uint64("qty", 0, "Quantity")
	n := fs.Int("n", cfg.Engine.Depth, "Number of rows")
	id := fs.Uint64("id", 0, "Order id")
	base := fs.Float64("base", cfg.Quotes.BasePrice, "Base price for quotes")
	settle := fs.Bool("settle", true, "Close the matched order right away; with false close it later with 'close -id'")
	if err := fs.Parse(args); err != nil {
		return err
	}

	side, err := common.ParseSide(*sideStr)
	if err != nil {
		return err
	}

	switch cmd {
	case "place":
		orderID, err := eng.PlaceOrder(ctx, side, *price, *qty)
		if err != nil {
			return err
		}
		fmt.Printf("-> Placed %s order #%d: %d @ %.2f\n", side, orderID, *qty, *price)

	case "bids":
		levels, err := eng.TopBids(ctx, *n)
		if err != nil {
			return err
		}
		printLevels("Bids", levels)

	case "asks":
		levels, err := eng.TopAsks(ctx, *n)
		if err != nil {
			return err
		}
		printLevels("Asks", levels)

	case "completed":
		levels, err := eng.CompletedOrders(ctx)
		if err != nil {
			return err
		}
		printLevels("Completed", levels)

	case "market":
		return market(ctx, cfg, eng, side, *settle)

	case "close":
		if *id == 0 {
			return errors.New("-id is required")
		}
		if err := eng.CloseOrder(ctx, *id); err != nil {
			return err
		}
		fmt.Printf("-> Closed order #%d\n", *id)

	case "quotes":
		drafts, err := eng.GenerateQuotes(*base, *n, side)
		if err != nil {
			return err
		}
		for _, d := range drafts {
			fmt.Printf("%-4s %10.2f %6d\n", d.Side, d.Price, d.Quantity)
		}

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// market executes against the best opposite order and publishes the trade.
// With settle set it also closes the matched order unless the engine already
// settled it.
func market(ctx context.Context, cfg *config.Config, eng *engine.Engine, side common.Side, settle bool) error {
	trade, err := eng.ExecuteMarketOrder(ctx, side)
	if errors.Is(err, engine.ErrNoLiquidity) {
		fmt.Printf("-> No %s orders to match\n", side.Opposite())
		return nil
	}
	if err != nil {
		return err
	}

	if settle && !trade.Settled {
		if err := eng.CloseOrder(ctx, trade.OrderID); err != nil {
			return err
		}
		trade.Settled = true
	}

	publisher := tape.New(cfg.Tape.Brokers, cfg.Tape.Topic)
	defer publisher.Close()
	if err := publisher.Publish(ctx, trade); err != nil {
		log.Error().Err(err).Str("trade", trade.ID).Msg("failed to publish trade")
	}

	fmt.Printf("-> %s\n", trade)
	if !trade.Settled {
		fmt.Printf("-> Order #%d stays in the book until 'tradesim close -id %d'\n", trade.OrderID, trade.OrderID)
	}
	return nil
}

func printLevels(title string, levels []common.Level) {
	fmt.Printf("%s (%d)\n", title, len(levels))
	for _, l := range levels {
		fmt.Printf("  %10.2f %6d\n", l.Price, l.Quantity)
	}
}
