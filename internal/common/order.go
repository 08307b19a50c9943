package common

import (
	"fmt"
	"strings"
	"time"
)

type Side int

const (
	Buy Side = iota
	Sell
)

// Opposite returns the side a market order on s trades against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	switch s {
	case Buy:
		return "Buy"
	case Sell:
		return "Sell"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

type Status int

const (
	// Pending orders rest in the book and are eligible for top-of-book.
	Pending Status = iota
	// Completed is terminal. Completed orders are kept as trade history.
	Completed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Completed:
		return "Completed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

type Order struct {
	ID          uint64    // Assigned by the ledger
	Side        Side      // Order side
	Price       float64   // Limit price
	Quantity    uint64    // Total quantity, no partial fills
	Status      Status    //
	CreatedAt   time.Time // Time the ledger accepted the order
	CompletedAt time.Time // Zero while pending
}

// Level strips an order down to what the book views display.
func (order Order) Level() Level {
	return Level{Price: order.Price, Quantity: order.Quantity}
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:          %d
Side:        %v
Price:       %.2f
Quantity:    %d
Status:      %v
CreatedAt:   %v`,
		order.ID,
		order.Side,
		order.Price,
		order.Quantity,
		order.Status,
		order.CreatedAt.Format(time.RFC3339),
	)
}

// Level is a (price, quantity) row of a book or history view.
type Level struct {
	Price    float64
	Quantity uint64
}

// Levels converts orders to their display rows, preserving order.
func Levels(orders []Order) []Level {
	levels := make([]Level, len(orders))
	for i, o := range orders {
		levels[i] = o.Level()
	}
	return levels
}

// Draft is a generated quote that has not been placed.
type Draft struct {
	Side     Side
	Price    float64
	Quantity uint64
}
