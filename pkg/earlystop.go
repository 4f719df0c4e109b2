package pkg

import "math"

// EarlyStopping tracks the best validation loss seen so far and counts the
// consecutive checks that failed to improve on it by at least MinDelta.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	best    float64
	counter int
}

func NewEarlyStopping(patience int, minDelta float64) *EarlyStopping {
	return &EarlyStopping{
		Patience: patience,
		MinDelta: minDelta,
		best:     math.Inf(1),
	}
}

// Update records a validation loss. improved reports a new best loss; stop
// reports that the patience budget is used up. A Patience of zero never stops.
func (e *EarlyStopping) Update(loss float64) (improved, stop bool) {
	if loss < e.best-e.MinDelta {
		e.best = loss
		e.counter = 0
		return true, false
	}
	e.counter++
	return false, e.Patience > 0 && e.counter >= e.Patience
}

func (e *EarlyStopping) Best() float64 {
	return e.best
}

func (e *EarlyStopping) Counter() int {
	return e.counter
}
