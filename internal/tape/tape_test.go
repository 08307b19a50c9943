package tape

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/common"
)

func TestEncode(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	key, value, err := Encode(common.Trade{
		ID:        "b5c1",
		OrderID:   42,
		Side:      common.Sell,
		Taker:     common.Buy,
		Price:     100.05,
		Quantity:  5,
		Timestamp: ts,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", string(key))

	var got map[string]any
	require.NoError(t, json.Unmarshal(value, &got))
	assert.Equal(t, "b5c1", got["id"])
	assert.Equal(t, "Sell", got["side"])
	assert.Equal(t, "Buy", got["taker"])
	assert.Equal(t, 100.05, got["price"])
	assert.Equal(t, float64(5), got["quantity"])
	assert.Equal(t, false, got["settled"])
}

func TestNew_PicksBackend(t *testing.T) {
	assert.IsType(t, LogPublisher{}, New(nil, "trades"))

	p := New([]string{"localhost:9092"}, "trades")
	assert.IsType(t, &KafkaPublisher{}, p)
	assert.NoError(t, p.Close())
}

func TestLogPublisher(t *testing.T) {
	p := LogPublisher{}
	assert.NoError(t, p.Publish(context.Background(), common.Trade{ID: "x", OrderID: 1}))
	assert.NoError(t, p.Close())
}
