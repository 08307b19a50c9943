package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/common"
)

// --- Setup & Helpers --------------------------------------------------------

type opener func(t *testing.T, path string) Store

var backends = map[string]opener{
	DriverSQLite: func(t *testing.T, path string) Store {
		store, err := OpenSQLite(path + ".db")
		require.NoError(t, err)
		return store
	},
	DriverPebble: func(t *testing.T, path string) Store {
		store, err := OpenPebble(path)
		require.NoError(t, err)
		return store
	},
}

// forEachBackend runs fn against a fresh store of every driver.
func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			store := open(t, filepath.Join(t.TempDir(), "ledger"))
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store)
		})
	}
}

func placeTestOrders(t *testing.T, store Store, side common.Side, levels ...common.Level) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, len(levels))
	for _, l := range levels {
		id, err := store.CreateOrder(context.Background(), side, l.Price, l.Quantity)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func levelsOf(t *testing.T, orders []common.Order, err error) []common.Level {
	t.Helper()
	require.NoError(t, err)
	return common.Levels(orders)
}

// --- Tests ------------------------------------------------------------------

func TestCreateOrder_AssignsUniquePendingIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		seen := make(map[uint64]bool)
		var last uint64
		for i := 0; i < 20; i++ {
			side := common.Buy
			if i%2 == 1 {
				side = common.Sell
			}
			id, err := store.CreateOrder(ctx, side, 100+float64(i)/100, uint64(10*(i+1)))
			require.NoError(t, err)
			assert.False(t, seen[id], "id %d handed out twice", id)
			assert.Greater(t, id, last, "ids should be monotonic")
			seen[id] = true
			last = id

			order, err := store.Order(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, common.Pending, order.Status)
			assert.Equal(t, side, order.Side)
			assert.False(t, order.CreatedAt.IsZero())
			assert.True(t, order.CompletedAt.IsZero())
		}
	})
}

func TestCreateOrder_RejectsNonPositive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		cases := []struct {
			name     string
			side     common.Side
			price    float64
			quantity uint64
		}{
			{"zero price", common.Buy, 0, 10},
			{"negative price", common.Sell, -1.5, 10},
			{"zero quantity", common.Buy, 99.5, 0},
			{"unknown side", common.Side(7), 99.5, 10},
		}
		for _, tc := range cases {
			_, err := store.CreateOrder(ctx, tc.side, tc.price, tc.quantity)
			assert.ErrorIs(t, err, ErrInvalidOrder, tc.name)
		}

		// Nothing was persisted.
		bids, err := store.TopBids(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, bids)
		asks, err := store.TopAsks(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, asks)
	})
}

func TestTopBids_PriceDescendingThenTime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		placeTestOrders(t, store, common.Buy,
			common.Level{Price: 99.50, Quantity: 10},
			common.Level{Price: 99.80, Quantity: 20},
			common.Level{Price: 99.50, Quantity: 30},
			common.Level{Price: 98.00, Quantity: 40},
		)
		// Asks never leak into the bid view.
		placeTestOrders(t, store, common.Sell, common.Level{Price: 120, Quantity: 1})

		expected := []common.Level{
			{Price: 99.80, Quantity: 20},
			{Price: 99.50, Quantity: 10},
			{Price: 99.50, Quantity: 30},
			{Price: 98.00, Quantity: 40},
		}
		bids, err := store.TopBids(ctx, 10)
		assert.Equal(t, expected, levelsOf(t, bids, err), "Bids should be sorted High -> Low")

		bids, err = store.TopBids(ctx, 1)
		assert.Equal(t, []common.Level{{Price: 99.80, Quantity: 20}}, levelsOf(t, bids, err))

		bids, err = store.TopBids(ctx, 3)
		assert.Equal(t, expected[:3], levelsOf(t, bids, err))
	})
}

func TestTopAsks_PriceAscendingThenTime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		placeTestOrders(t, store, common.Sell,
			common.Level{Price: 100.10, Quantity: 15},
			common.Level{Price: 100.05, Quantity: 5},
			common.Level{Price: 100.10, Quantity: 25},
		)
		placeTestOrders(t, store, common.Buy, common.Level{Price: 1, Quantity: 1})

		asks, err := store.TopAsks(ctx, 10)
		assert.Equal(t, []common.Level{
			{Price: 100.05, Quantity: 5},
			{Price: 100.10, Quantity: 15},
			{Price: 100.10, Quantity: 25},
		}, levelsOf(t, asks, err), "Asks should be sorted Low -> High")

		asks, err = store.TopAsks(ctx, 1)
		assert.Equal(t, []common.Level{{Price: 100.05, Quantity: 5}}, levelsOf(t, asks, err))
	})
}

func TestTop_NonPositiveLimitIsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		placeTestOrders(t, store, common.Buy, common.Level{Price: 99, Quantity: 10})
		placeTestOrders(t, store, common.Sell, common.Level{Price: 101, Quantity: 10})

		for _, limit := range []int{0, -1} {
			bids, err := store.TopBids(ctx, limit)
			require.NoError(t, err)
			assert.Empty(t, bids)
			asks, err := store.TopAsks(ctx, limit)
			require.NoError(t, err)
			assert.Empty(t, asks)
		}
	})
}

func TestMarkCompleted_ExactlyOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ids := placeTestOrders(t, store, common.Sell,
			common.Level{Price: 100.05, Quantity: 5},
			common.Level{Price: 100.10, Quantity: 15},
		)

		require.NoError(t, store.MarkCompleted(ctx, ids[0]))
		assert.ErrorIs(t, store.MarkCompleted(ctx, ids[0]), ErrAlreadyCompleted)

		order, err := store.Order(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, common.Completed, order.Status)
		assert.False(t, order.CompletedAt.IsZero())

		asks, err := store.TopAsks(ctx, 10)
		assert.Equal(t, []common.Level{{Price: 100.10, Quantity: 15}}, levelsOf(t, asks, err))

		completed, err := store.CompletedOrders(ctx)
		assert.Equal(t, []common.Level{{Price: 100.05, Quantity: 5}}, levelsOf(t, completed, err))
	})
}

func TestMarkCompleted_UnknownID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		assert.ErrorIs(t, store.MarkCompleted(ctx, 42), ErrNotFound)

		_, err := store.Order(ctx, 42)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ConcurrentWritersAndReaders(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		const writers, perWriter = 8, 25

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			ids    = map[uint64]bool{}
			failed []error
		)
		fail := func(err error) {
			mu.Lock()
			failed = append(failed, err)
			mu.Unlock()
		}
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWriter {
					id, err := store.CreateOrder(ctx, common.Sell, 100+float64(w)/100, uint64(i+1))
					if err != nil {
						fail(err)
						continue
					}
					mu.Lock()
					ids[id] = true
					mu.Unlock()

					asks, err := store.TopAsks(ctx, 5)
					if err != nil {
						fail(err)
						continue
					}
					for _, o := range asks {
						if o.ID == 0 || o.Price <= 0 || o.Quantity == 0 || o.CreatedAt.IsZero() || o.Status != common.Pending {
							fail(fmt.Errorf("partially written order %+v", o))
						}
					}
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, failed)
		assert.Len(t, ids, writers*perWriter)
	})
}

func TestMarkCompleted_RacingCallers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ids := placeTestOrders(t, store, common.Buy, common.Level{Price: 99.80, Quantity: 20})

		const callers = 8
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = store.MarkCompleted(ctx, ids[0])
			}()
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrAlreadyCompleted)
		}
		assert.Equal(t, 1, wins)

		completed, err := store.CompletedOrders(ctx)
		assert.Len(t, levelsOf(t, completed, err), 1)
	})
}

func TestCompletedOrders_InCompletionOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ids := placeTestOrders(t, store, common.Buy,
			common.Level{Price: 99.1, Quantity: 10},
			common.Level{Price: 99.2, Quantity: 20},
			common.Level{Price: 99.3, Quantity: 30},
		)

		completed, err := store.CompletedOrders(ctx)
		require.NoError(t, err)
		assert.Empty(t, completed)

		require.NoError(t, store.MarkCompleted(ctx, ids[2]))
		require.NoError(t, store.MarkCompleted(ctx, ids[0]))

		completed, err = store.CompletedOrders(ctx)
		assert.Equal(t, []common.Level{
			{Price: 99.3, Quantity: 30},
			{Price: 99.1, Quantity: 10},
		}, levelsOf(t, completed, err))
	})
}

func TestStore_ReopenKeepsOrdersAndSequence(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "ledger")

			store := open(t, path)
			ids := placeTestOrders(t, store, common.Buy,
				common.Level{Price: 99.5, Quantity: 10},
				common.Level{Price: 99.8, Quantity: 20},
			)
			require.NoError(t, store.MarkCompleted(ctx, ids[0]))
			require.NoError(t, store.Close())

			store = open(t, path)
			defer store.Close()

			bids, err := store.TopBids(ctx, 5)
			assert.Equal(t, []common.Level{{Price: 99.8, Quantity: 20}}, levelsOf(t, bids, err))
			completed, err := store.CompletedOrders(ctx)
			assert.Equal(t, []common.Level{{Price: 99.5, Quantity: 10}}, levelsOf(t, completed, err))

			next, err := store.CreateOrder(ctx, common.Sell, 101, 10)
			require.NoError(t, err)
			assert.Greater(t, next, ids[1])
		})
	}
}

func TestStore_ClosedIsUnavailable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		ids := placeTestOrders(t, store, common.Buy, common.Level{Price: 99, Quantity: 10})
		require.NoError(t, store.Close())

		_, err := store.CreateOrder(ctx, common.Buy, 99, 10)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		_, err = store.TopBids(ctx, 5)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		_, err = store.TopAsks(ctx, 5)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		_, err = store.CompletedOrders(ctx)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.ErrorIs(t, store.MarkCompleted(ctx, ids[0]), ErrStoreUnavailable)
		_, err = store.Order(ctx, ids[0])
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})
}

func TestOpen_UnreachablePathFails(t *testing.T) {
	// A regular file cannot hold a database directory.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	path := filepath.Join(blocker, "ledger")

	for _, driver := range []string{DriverSQLite, DriverPebble} {
		store, err := Open(Config{Driver: driver, Path: path})
		assert.ErrorIs(t, err, ErrStoreUnavailable, driver)
		assert.Nil(t, store, driver)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: t.TempDir()})
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}
