package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradesim/internal/common"
)

const (
	sideBuy         = "Buy"
	sideSell        = "Sell"
	statusPending   = "Pending"
	statusCompleted = "Completed"
)

// orderRow is the persisted layout of an order.
type orderRow struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement"`
	Side        string     `gorm:"not null;index:idx_orders_book,priority:2"`
	Price       float64    `gorm:"not null"`
	Quantity    uint64     `gorm:"not null"`
	Status      string     `gorm:"not null;index:idx_orders_book,priority:1"`
	CreatedAt   time.Time  `gorm:"not null"`
	CompletedAt *time.Time //
}

func (orderRow) TableName() string { return "orders" }

func (row orderRow) toOrder() common.Order {
	order := common.Order{
		ID:        row.ID,
		Side:      common.Buy,
		Price:     row.Price,
		Quantity:  row.Quantity,
		Status:    common.Pending,
		CreatedAt: row.CreatedAt,
	}
	if row.Side == sideSell {
		order.Side = common.Sell
	}
	if row.Status == statusCompleted {
		order.Status = common.Completed
	}
	if row.CompletedAt != nil {
		order.CompletedAt = *row.CompletedAt
	}
	return order
}

func sideColumn(side common.Side) string {
	if side == common.Sell {
		return sideSell
	}
	return sideBuy
}

// SQLiteStore keeps the ledger in a single sqlite file through gorm.
type SQLiteStore struct {
	db     *gorm.DB
	closed atomic.Bool
}

// OpenSQLite opens (creating if needed) the database at path and migrates the
// orders table. Any failure here is reported as ErrStoreUnavailable.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(&log.Logger, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, unavailable("open "+path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable("open "+path, err)
	}
	// One connection serialises writers and keeps readers off half-applied
	// statements.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&orderRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, unavailable("migrate", err)
	}

	log.Info().Str("driver", DriverSQLite).Str("path", path).Msg("ledger opened")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) session(ctx context.Context) (*gorm.DB, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	return s.db.WithContext(ctx), nil
}

func (s *SQLiteStore) CreateOrder(ctx context.Context, side common.Side, price float64, quantity uint64) (uint64, error) {
	if err := validate(side, price, quantity); err != nil {
		return 0, err
	}
	db, err := s.session(ctx)
	if err != nil {
		return 0, unavailable("create order", err)
	}

	row := orderRow{
		Side:      sideColumn(side),
		Price:     price,
		Quantity:  quantity,
		Status:    statusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.Create(&row).Error; err != nil {
		return 0, unavailable("create order", err)
	}

	log.Debug().
		Uint64("id", row.ID).
		Str("side", row.Side).
		Float64("price", price).
		Uint64("quantity", quantity).
		Msg("order created")
	return row.ID, nil
}

func (s *SQLiteStore) TopBids(ctx context.Context, limit int) ([]common.Order, error) {
	return s.top(ctx, common.Buy, "price DESC", limit)
}

func (s *SQLiteStore) TopAsks(ctx context.Context, limit int) ([]common.Order, error) {
	return s.top(ctx, common.Sell, "price ASC", limit)
}

func (s *SQLiteStore) top(ctx context.Context, side common.Side, priceOrder string, limit int) ([]common.Order, error) {
	db, err := s.session(ctx)
	if err != nil {
		return nil, unavailable("top of book", err)
	}
	if limit <= 0 {
		return []common.Order{}, nil
	}

	var rows []orderRow
	err = db.
		Where("side = ? AND status = ?", sideColumn(side), statusPending).
		Order(priceOrder).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("top of book", err)
	}
	return toOrders(rows), nil
}

func (s *SQLiteStore) CompletedOrders(ctx context.Context) ([]common.Order, error) {
	db, err := s.session(ctx)
	if err != nil {
		return nil, unavailable("completed orders", err)
	}

	var rows []orderRow
	err = db.
		Where("status = ?", statusCompleted).
		Order("completed_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("completed orders", err)
	}
	return toOrders(rows), nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id uint64) error {
	db, err := s.session(ctx)
	if err != nil {
		return unavailable("mark completed", err)
	}

	now := time.Now().UTC()
	err = db.Transaction(func(tx *gorm.DB) error {
		// Only a pending row may move, so a retried command cannot settle twice.
		result := tx.Model(&orderRow{}).
			Where("id = ? AND status = ?", id, statusPending).
			Updates(map[string]any{
				"status":       statusCompleted,
				"completed_at": now,
			})
		if result.Error != nil {
			return unavailable("mark completed", result.Error)
		}
		if result.RowsAffected == 1 {
			return nil
		}

		var row orderRow
		if err := tx.Select("id", "status").Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("order %d: %w", id, ErrNotFound)
			}
			return unavailable("mark completed", err)
		}
		return fmt.Errorf("order %d: %w", id, ErrAlreadyCompleted)
	})
	if err != nil {
		return err
	}

	log.Debug().Uint64("id", id).Msg("order completed")
	return nil
}

func (s *SQLiteStore) Order(ctx context.Context, id uint64) (common.Order, error) {
	db, err := s.session(ctx)
	if err != nil {
		return common.Order{}, unavailable("get order", err)
	}

	var row orderRow
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return common.Order{}, fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		return common.Order{}, unavailable("get order", err)
	}
	return row.toOrder(), nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toOrders(rows []orderRow) []common.Order {
	orders := make([]common.Order, len(rows))
	for i, row := range rows {
		orders[i] = row.toOrder()
	}
	return orders
}
