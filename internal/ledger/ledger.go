// Package ledger is the durable record of every order the system has seen.
//
// A Store is the single source of truth for the order book: the engine never
// keeps a copy of resting orders, it asks the store for the top of each side on
// every call. Orders are never deleted. The only mutation after creation is the
// one-way Pending -> Completed transition performed by MarkCompleted.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"

	"tradesim/internal/common"
)

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrNotFound          = errors.New("order not found")
	ErrAlreadyCompleted  = errors.New("order already completed")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrUnsupportedDriver = errors.New("unsupported ledger driver")
)

const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
)

type Store interface {
	// CreateOrder persists a new Pending order and returns its id.
	CreateOrder(ctx context.Context, side common.Side, price float64, quantity uint64) (uint64, error)
	// TopBids returns up to limit pending buys, best (highest) price first.
	TopBids(ctx context.Context, limit int) ([]common.Order, error)
	// TopAsks returns up to limit pending sells, best (lowest) price first.
	TopAsks(ctx context.Context, limit int) ([]common.Order, error)
	// CompletedOrders returns the settled orders in completion order.
	CompletedOrders(ctx context.Context) ([]common.Order, error)
	// MarkCompleted settles a pending order. It fails on a second call.
	MarkCompleted(ctx context.Context, id uint64) error
	// Order looks up one order in any status. Unknown ids fail with ErrNotFound.
	Order(ctx context.Context, id uint64) (common.Order, error)
	// Close releases the backing file. Every later call fails with
	// ErrStoreUnavailable.
	Close() error
}

type Config struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// Open opens the backend named by cfg.Driver. An empty driver means sqlite.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		store, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverPebble:
		store, err := OpenPebble(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
}

func validate(side common.Side, price float64, quantity uint64) error {
	if side != common.Buy && side != common.Sell {
		return fmt.Errorf("%w: side %v", ErrInvalidOrder, side)
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: price must be positive, got %v", ErrInvalidOrder, price)
	}
	if quantity == 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

var errClosed = errors.New("store closed")
