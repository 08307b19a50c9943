package common

import (
	"fmt"
	"time"
)

// Trade is the result of a market order lifting the top of the opposite side.
type Trade struct {
	ID        string    // Random trade uuid
	OrderID   uint64    // Resting order that was matched
	Side      Side      // Side of the resting order
	Taker     Side      // Side of the market order
	Price     float64   // Resting order's price
	Quantity  uint64    // Resting order's quantity
	Timestamp time.Time //
	Settled   bool      // Resting order already marked completed
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`ID:        %s
OrderID:   %d
Side:      %v
Taker:     %v
Price:     %.2f
Quantity:  %d
Timestamp: %v
Settled:   %t`,
		t.ID,
		t.OrderID,
		t.Side,
		t.Taker,
		t.Price,
		t.Quantity,
		t.Timestamp.Format(time.RFC3339),
		t.Settled,
	)
}
