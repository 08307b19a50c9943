package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"tradesim/internal/common"
)

var (
	orderPrefix = []byte("order/")
	orderUpper  = []byte("order/~")
	seqKey      = []byte("meta/seq")
)

// record encoding: [side:1][status:1][price:8][quantity:8][created:8][completed:8]
const recordLen = 1 + 1 + 8 + 8 + 8 + 8

var errBadRecord = errors.New("invalid order record length")

func encodeRecord(o common.Order) []byte {
	buf := make([]byte, recordLen)
	buf[0] = byte(o.Side)
	buf[1] = byte(o.Status)
	binary.BigEndian.PutUint64(buf[2:10], math.Float64bits(o.Price))
	binary.BigEndian.PutUint64(buf[10:18], o.Quantity)
	binary.BigEndian.PutUint64(buf[18:26], uint64(o.CreatedAt.UnixNano()))
	var completed int64
	if !o.CompletedAt.IsZero() {
		completed = o.CompletedAt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[26:34], uint64(completed))
	return buf
}

func decodeRecord(id uint64, b []byte) (common.Order, error) {
	if len(b) != recordLen {
		return common.Order{}, errBadRecord
	}
	o := common.Order{
		ID:        id,
		Side:      common.Side(b[0]),
		Status:    common.Status(b[1]),
		Price:     math.Float64frombits(binary.BigEndian.Uint64(b[2:10])),
		Quantity:  binary.BigEndian.Uint64(b[10:18]),
		CreatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[18:26]))).UTC(),
	}
	if completed := int64(binary.BigEndian.Uint64(b[26:34])); completed != 0 {
		o.CompletedAt = time.Unix(0, completed).UTC()
	}
	return o, nil
}

func keyFor(id uint64) []byte {
	return []byte(fmt.Sprintf("order/%020d", id))
}

func parseKey(key []byte) (uint64, error) {
	var id uint64
	_, err := fmt.Sscanf(string(key[len(orderPrefix):]), "%d", &id)
	return id, err
}

// PebbleStore keeps the ledger in a pebble directory. Every write is a synced
// batch, and a mutex keeps id assignment and settlement single-writer.
type PebbleStore struct {
	mu     sync.RWMutex
	db     *pebble.DB
	seq    uint64 // Last id handed out
	closed bool
}

func OpenPebble(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, unavailable("open "+dir, err)
	}

	seq, err := loadSeq(db)
	if err != nil {
		_ = db.Close()
		return nil, unavailable("load sequence", err)
	}

	log.Info().
		Str("driver", DriverPebble).
		Str("path", dir).
		Uint64("seq", seq).
		Msg("ledger opened")
	return &PebbleStore{db: db, seq: seq}, nil
}

func loadSeq(db *pebble.DB) (uint64, error) {
	val, closer, err := db.Get(seqKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, errors.New("invalid sequence record")
	}
	return binary.BigEndian.Uint64(val), nil
}

func (s *PebbleStore) CreateOrder(ctx context.Context, side common.Side, price float64, quantity uint64) (uint64, error) {
	if err := validate(side, price, quantity); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unavailable("create order", errClosed)
	}

	id := s.seq + 1
	order := common.Order{
		ID:        id,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Status:    common.Pending,
		CreatedAt: time.Now().UTC(),
	}

	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, id)

	// The order and the sequence land together or not at all.
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(keyFor(id), encodeRecord(order), nil); err != nil {
		return 0, unavailable("create order", err)
	}
	if err := batch.Set(seqKey, seqBuf, nil); err != nil {
		return 0, unavailable("create order", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, unavailable("create order", err)
	}
	s.seq = id

	log.Debug().
		Uint64("id", id).
		Stringer("side", side).
		Float64("price", price).
		Uint64("quantity", quantity).
		Msg("order created")
	return id, nil
}

func (s *PebbleStore) TopBids(ctx context.Context, limit int) ([]common.Order, error) {
	return s.top(common.Buy, bidLess, limit)
}

func (s *PebbleStore) TopAsks(ctx context.Context, limit int) ([]common.Order, error) {
	return s.top(common.Sell, askLess, limit)
}

func (s *PebbleStore) top(side common.Side, less func(a, b common.Order) bool, limit int) ([]common.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("top of book", errClosed)
	}
	if limit <= 0 {
		return []common.Order{}, nil
	}

	book := newRanked(less)
	err := s.scan(func(o common.Order) {
		if o.Side == side && o.Status == common.Pending {
			book.add(o)
		}
	})
	if err != nil {
		return nil, unavailable("top of book", err)
	}
	return book.take(limit), nil
}

func (s *PebbleStore) CompletedOrders(ctx context.Context) ([]common.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, unavailable("completed orders", errClosed)
	}

	history := newRanked(completedLess)
	err := s.scan(func(o common.Order) {
		if o.Status == common.Completed {
			history.add(o)
		}
	})
	if err != nil {
		return nil, unavailable("completed orders", err)
	}
	return history.take(-1), nil
}

// scan walks every order record in id order.
func (s *PebbleStore) scan(fn func(common.Order)) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: orderPrefix,
		UpperBound: orderUpper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		id, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		o, err := decodeRecord(id, iter.Value())
		if err != nil {
			return err
		}
		fn(o)
	}
	return iter.Error()
}

func (s *PebbleStore) MarkCompleted(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("mark completed", errClosed)
	}

	order, err := s.get(id)
	if err != nil {
		return err
	}
	if order.Status == common.Completed {
		return fmt.Errorf("order %d: %w", id, ErrAlreadyCompleted)
	}

	order.Status = common.Completed
	order.CompletedAt = time.Now().UTC()
	if err := s.db.Set(keyFor(id), encodeRecord(order), pebble.Sync); err != nil {
		return unavailable("mark completed", err)
	}

	log.Debug().Uint64("id", id).Msg("order completed")
	return nil
}

func (s *PebbleStore) Order(ctx context.Context, id uint64) (common.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return common.Order{}, unavailable("get order", errClosed)
	}
	return s.get(id)
}

func (s *PebbleStore) get(id uint64) (common.Order, error) {
	val, closer, err := s.db.Get(keyFor(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return common.Order{}, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return common.Order{}, unavailable("get order", err)
	}
	defer closer.Close()

	order, err := decodeRecord(id, val)
	if err != nil {
		return common.Order{}, unavailable("get order", err)
	}
	return order, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
