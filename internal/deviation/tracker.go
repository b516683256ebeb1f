// Package deviation keeps at most one active deviation record per route.
package deviation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"shuttle-slots/internal/geo"
	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

type Change string

const (
	Unchanged Change = ""
	Opened    Change = "opened"
	Extended  Change = "extended" // still out of range, max distance updated
	Closed    Change = "closed"
)

// Observation is what one vehicle reading did to the route's deviation state.
type Observation struct {
	Distance float64 // meters to the nearest reference point
	Change   Change
	Record   model.DeviationRecord
}

// Observe feeds one vehicle position for the route owning tx. Empty refs yield
// geo.ErrNoReferencePoints and leave the record untouched.
func Observe(ctx context.Context, tx store.RouteTx, pos geo.Point, refs []geo.Point, radius float64, at time.Time) (Observation, error) {
	dist, _, err := geo.MinDistance(pos, refs)
	if err != nil {
		return Observation{}, err
	}
	obs := Observation{Distance: dist}

	active, open, err := tx.ActiveDeviation(ctx)
	if err != nil {
		return Observation{}, err
	}
	switch {
	case !open && dist > radius:
		rec := model.DeviationRecord{
			ID:            uuid.NewString(),
			RouteID:       tx.RouteID(),
			StartedAt:     at,
			FirstDistance: dist,
			MaxDistance:   dist,
			Active:        true,
		}
		if err := tx.InsertDeviation(ctx, rec); err != nil {
			if !errors.Is(err, model.ErrActiveRecordExists) {
				return Observation{}, err
			}
			// another writer opened one first; fold this reading into it
			cur, ok, rerr := tx.ActiveDeviation(ctx)
			if rerr != nil {
				return Observation{}, rerr
			}
			if !ok {
				return Observation{}, err
			}
			return extend(ctx, tx, obs, cur)
		}
		obs.Change, obs.Record = Opened, rec
	case open && dist <= radius:
		rec, err := closeRecord(ctx, tx, active, at)
		if err != nil {
			return Observation{}, err
		}
		obs.Change, obs.Record = Closed, rec
	case open:
		return extend(ctx, tx, obs, active)
	}
	return obs, nil
}

func extend(ctx context.Context, tx store.RouteTx, obs Observation, active model.DeviationRecord) (Observation, error) {
	obs.Record = active
	if obs.Distance > active.MaxDistance {
		active.MaxDistance = obs.Distance
		if err := tx.UpdateDeviation(ctx, active); err != nil {
			return Observation{}, err
		}
		obs.Change, obs.Record = Extended, active
	}
	return obs, nil
}

// Finalize force-closes the route's active record regardless of distance.
func Finalize(ctx context.Context, tx store.RouteTx, at time.Time) (model.DeviationRecord, bool, error) {
	active, open, err := tx.ActiveDeviation(ctx)
	if err != nil || !open {
		return model.DeviationRecord{}, false, err
	}
	rec, err := closeRecord(ctx, tx, active, at)
	if err != nil {
		return model.DeviationRecord{}, false, err
	}
	return rec, true, nil
}

func closeRecord(ctx context.Context, tx store.RouteTx, rec model.DeviationRecord, at time.Time) (model.DeviationRecord, error) {
	rec.Active = false
	rec.EndedAt = at
	if err := tx.UpdateDeviation(ctx, rec); err != nil {
		return model.DeviationRecord{}, err
	}
	return rec, nil
}
