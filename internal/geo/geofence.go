package geo

import (
	"errors"
	"math"
)

const (
	DefaultConfirmationRadius = 100.0 // meters, user to stop
	DefaultDeviationRadius    = 300.0 // meters, vehicle to route path
)

// ErrNoReferencePoints means the geofence cannot be evaluated. Callers must
// treat it as "no determination", never as a deviation or a confirmation.
var ErrNoReferencePoints = errors.New("no reference points")

// Evaluator classifies positions against reference points.
type Evaluator struct {
	ConfirmationRadius float64
	DeviationRadius    float64
}

func NewEvaluator(confirmationRadius, deviationRadius float64) Evaluator {
	if confirmationRadius <= 0 {
		confirmationRadius = DefaultConfirmationRadius
	}
	if deviationRadius <= 0 {
		deviationRadius = DefaultDeviationRadius
	}
	return Evaluator{ConfirmationRadius: confirmationRadius, DeviationRadius: deviationRadius}
}

// MinDistance returns the smallest distance from pos to any reference point
// and the index of that point.
func MinDistance(pos Point, refs []Point) (float64, int, error) {
	if len(refs) == 0 {
		return 0, -1, ErrNoReferencePoints
	}
	best := math.MaxFloat64
	idx := -1
	for i, r := range refs {
		if d := pos.DistanceTo(r); d < best {
			best = d
			idx = i
		}
	}
	return best, idx, nil
}

// Near reports whether pos is within the confirmation radius of a reference point.
func (e Evaluator) Near(pos Point, refs []Point) (bool, float64, error) {
	d, _, err := MinDistance(pos, refs)
	if err != nil {
		return false, 0, err
	}
	return d <= e.ConfirmationRadius, d, nil
}

// Deviated reports whether pos is beyond the deviation radius of every reference point.
func (e Evaluator) Deviated(pos Point, refs []Point) (bool, float64, error) {
	d, _, err := MinDistance(pos, refs)
	if err != nil {
		return false, 0, err
	}
	return d > e.DeviationRadius, d, nil
}
