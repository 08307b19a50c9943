package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"tradesim/internal/config"
	"tradesim/internal/engine"
	"tradesim/internal/ledger"
	"tradesim/internal/sim"
	"tradesim/internal/tape"
)

func main() {
	configPath := flag.String("config", "", "Path to the config file (default ./tradesim.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if err := cfg.Log.Apply(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	store, err := ledger.Open(cfg.Ledger)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Ledger.Driver).Str("path", cfg.Ledger.Path).Msg("failed to open ledger")
	}
	defer store.Close()

	publisher := tape.New(cfg.Tape.Brokers, cfg.Tape.Topic)
	defer publisher.Close()

	// One dispatcher owns the engine. The refresher and stdin both feed it.
	eng := engine.New(store, cfg.EngineOptions()...)
	dispatcher := sim.NewDispatcher(eng)
	refresher := sim.NewRefresher(eng, dispatcher, cfg.Quotes, cfg.Engine.Depth)

	t, tctx := tomb.WithContext(ctx)
	t.Go(func() error { return dispatcher.Run(t) })
	t.Go(func() error { return refresher.Run(t) })
	go readActions(tctx, sim.NewDesk(dispatcher, publisher, cfg.Engine.Depth))

	log.Info().
		Str("driver", cfg.Ledger.Driver).
		Float64("base_price", cfg.Quotes.BasePrice).
		Dur("interval", cfg.Quotes.Interval).
		Bool("place", cfg.Quotes.Place).
		Msg("simulator started, type 'help' for commands")

	// Block until a signal or a fatal worker error.
	<-t.Dying()
	if err := t.Wait(); !sim.IsShutdown(err) {
		log.Error().Err(err).Msg("simulator stopped")
		return
	}
	log.Info().Msg("simulator stopped")
}

// readActions feeds stdin lines to the desk until input ends or the
// dispatcher stops.
func readActions(ctx context.Context, desk *sim.Desk) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out, err := desk.Handle(ctx, scanner.Text())
		switch {
		case errors.Is(err, sim.ErrStopped):
			return
		case errors.Is(err, engine.ErrNoLiquidity):
			fmt.Println("-> Nothing to match")
		case err != nil:
			fmt.Println("Error:", err)
		case out != "":
			fmt.Println(out)
		}
	}
}
