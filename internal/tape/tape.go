// Package tape publishes executed trades for whoever keeps the trade history
// outside the ledger.
package tape

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"tradesim/internal/common"
)

type Publisher interface {
	Publish(ctx context.Context, trade common.Trade) error
	Close() error
}

// New returns a Kafka publisher when brokers are configured and a log-only
// publisher otherwise.
func New(brokers []string, topic string) Publisher {
	if len(brokers) == 0 {
		return LogPublisher{}
	}
	return NewKafkaPublisher(brokers, topic)
}

// message is the wire form of a trade.
type message struct {
	ID        string    `json:"id"`
	OrderID   uint64    `json:"order_id"`
	Side      string    `json:"side"`
	Taker     string    `json:"taker"`
	Price     float64   `json:"price"`
	Quantity  uint64    `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
	Settled   bool      `json:"settled"`
}

// Encode returns the record key (resting order id) and JSON value for trade.
func Encode(trade common.Trade) (key, value []byte, err error) {
	value, err = json.Marshal(message{
		ID:        trade.ID,
		OrderID:   trade.OrderID,
		Side:      trade.Side.String(),
		Taker:     trade.Taker.String(),
		Price:     trade.Price,
		Quantity:  trade.Quantity,
		Timestamp: trade.Timestamp,
		Settled:   trade.Settled,
	})
	if err != nil {
		return nil, nil, err
	}
	return []byte(strconv.FormatUint(trade.OrderID, 10)), value, nil
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, trade common.Trade) error {
	key, value, err := Encode(trade)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes trades to the global logger.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, trade common.Trade) error {
	log.Info().
		Str("trade", trade.ID).
		Uint64("order", trade.OrderID).
		Stringer("side", trade.Side).
		Float64("price", trade.Price).
		Uint64("quantity", trade.Quantity).
		Msg("tape")
	return nil
}

func (LogPublisher) Close() error { return nil }
