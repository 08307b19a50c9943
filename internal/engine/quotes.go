package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"tradesim/internal/common"
	"tradesim/internal/ledger"
)

var ErrInvalidBounds = errors.New("invalid quote bounds")

// MaxQuoteOffset caps QuoteBounds.MaxOffset so the offset in cents stays well
// inside int64.
const MaxQuoteOffset = 1_000_000.0

// QuoteBounds limits the synthetic quotes the refresher shows around a base
// price. Offsets are drawn in whole cents.
type QuoteBounds struct {
	MaxOffset   float64 // Largest distance from the base price
	MinQuantity uint64  //
	MaxQuantity uint64  //
	Step        uint64  // Quantities are multiples of Step
}

var DefaultQuoteBounds = QuoteBounds{
	MaxOffset:   0.50,
	MinQuantity: 10,
	MaxQuantity: 100,
	Step:        10,
}

func (b QuoteBounds) validate() error {
	if !(b.MaxOffset >= 0 && b.MaxOffset <= MaxQuoteOffset) {
		return fmt.Errorf("%w: max offset %v", ErrInvalidBounds, b.MaxOffset)
	}
	if b.Step == 0 || b.MinQuantity == 0 || b.MaxQuantity < b.MinQuantity {
		return fmt.Errorf("%w: quantity %d..%d step %d", ErrInvalidBounds, b.MinQuantity, b.MaxQuantity, b.Step)
	}
	return nil
}

// GenerateQuotes draws count quote drafts for side. Buy drafts sit at or below
// basePrice, sell drafts at or above it. Nothing is persisted.
func GenerateQuotes(rng *rand.Rand, bounds QuoteBounds, basePrice float64, count int, side common.Side) ([]common.Draft, error) {
	if side != common.Buy && side != common.Sell {
		return nil, fmt.Errorf("%w: side %v", ledger.ErrInvalidOrder, side)
	}
	if !(basePrice > 0) || math.IsInf(basePrice, 0) {
		return nil, fmt.Errorf("%w: base price must be positive, got %v", ledger.ErrInvalidOrder, basePrice)
	}
	if err := bounds.validate(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return []common.Draft{}, nil
	}

	base := decimal.NewFromFloat(basePrice)
	maxCents := int64(math.Round(bounds.MaxOffset * 100))
	if side == common.Buy {
		// Keep bids strictly positive.
		if c := base.Shift(2).Ceil().IntPart() - 1; c < maxCents {
			maxCents = max(c, 0)
		}
	}
	steps := (bounds.MaxQuantity-bounds.MinQuantity)/bounds.Step + 1

	drafts := make([]common.Draft, count)
	for i := range drafts {
		offset := decimal.New(rng.Int64N(maxCents+1), -2)
		price := base.Add(offset)
		if side == common.Buy {
			price = base.Sub(offset)
		}
		drafts[i] = common.Draft{
			Side:     side,
			Price:    price.InexactFloat64(),
			Quantity: bounds.MinQuantity + rng.Uint64N(steps)*bounds.Step,
		}
	}
	return drafts, nil
}

// GenerateQuotes draws drafts from the engine's own random source.
func (engine *Engine) GenerateQuotes(basePrice float64, count int, side common.Side) ([]common.Draft, error) {
	engine.rngMu.Lock()
	defer engine.rngMu.Unlock()
	return GenerateQuotes(engine.rng, engine.bounds, basePrice, count, side)
}
