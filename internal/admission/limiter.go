// Package admission decides whether a new position may be opened given the
// capacity of the book and of the void queue.
//
// Opens that are still in flight reserve a book slot each, so concurrent
// callers cannot together push a side past its capacity. A margin of void
// slots is kept free for positions that fill while matching.
package admission

import (
	"errors"
	"fmt"
)

var (
	// ErrCyclesMarketIsBusy is returned when a side has no room for another
	// position. Callers may retry later.
	ErrCyclesMarketIsBusy = errors.New("admission: cycles market is busy")
)

// Headroom is the number of slots kept free below each capacity.
const Headroom = 10

// Limiter enforces per-side capacity.
type Limiter struct {
	// MaxPositions is the capacity of one side of the book.
	MaxPositions int

	// MaxVoidPositions is the capacity of one side's void queue.
	MaxVoidPositions int
}

// NewLimiter creates a limiter. Capacities below Headroom are raised to it.
func NewLimiter(maxPositions, maxVoidPositions int) *Limiter {
	if maxPositions < Headroom {
		maxPositions = Headroom
	}
	if maxVoidPositions < Headroom {
		maxVoidPositions = Headroom
	}
	return &Limiter{
		MaxPositions:     maxPositions,
		MaxVoidPositions: maxVoidPositions,
	}
}

// Load is the occupancy of one side.
type Load struct {
	Positions     int
	OngoingCalls  int
	VoidPositions int
}

// Check returns nil if one more open fits on a side with load l.
func (l *Limiter) Check(load Load) error {
	occupied := load.Positions + load.OngoingCalls

	// 1. Book capacity.
	if occupied >= l.MaxPositions-Headroom {
		return fmt.Errorf("%w: %d positions and %d ongoing opens", ErrCyclesMarketIsBusy, load.Positions, load.OngoingCalls)
	}

	// 2. Void queue headroom for positions that may fill.
	if l.MaxVoidPositions-load.VoidPositions-occupied < Headroom {
		return fmt.Errorf("%w: %d void positions", ErrCyclesMarketIsBusy, load.VoidPositions)
	}

	return nil
}
