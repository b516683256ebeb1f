package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"shuttle-slots/internal/deviation"
	"shuttle-slots/internal/geo"
	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

// PositionResult reports what a reading caused.
type PositionResult struct {
	Reading    model.PositionReading
	Determined bool    // false when no reference points were available
	Distance   float64 // meters to the nearest reference point, when determined
	Deviation  deviation.Change
	Confirmed  *model.Slot
}

// ObservePosition records the reading and runs it through the geofence:
// vehicle readings feed the route's deviation tracker, user readings may
// confirm the user's next reserved slot.
func (e *Engine) ObservePosition(ctx context.Context, r model.PositionReading) (PositionResult, error) {
	defer e.observe("observe_position", time.Now())
	if err := geo.Validate(r.Lat, r.Lon); err != nil {
		return PositionResult{}, err
	}
	if r.Origin != model.OriginUser && r.Origin != model.OriginVehicle {
		return PositionResult{}, fmt.Errorf("unknown origin %q", r.Origin)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = e.now()
	}
	if err := e.store.RecordPosition(ctx, r); err != nil {
		return PositionResult{}, fmt.Errorf("record position: %w", err)
	}
	if e.metrics != nil {
		e.metrics.PositionInc(r.Origin)
	}

	res := PositionResult{Reading: r}
	var err error
	if r.Origin == model.OriginVehicle {
		err = e.trackVehicle(ctx, r, &res)
	} else {
		err = e.confirmByProximity(ctx, r, &res)
	}
	if errors.Is(err, geo.ErrNoReferencePoints) {
		if e.metrics != nil {
			e.metrics.NoDeterminationInc()
		}
		return res, nil
	}
	return res, err
}

func (e *Engine) trackVehicle(ctx context.Context, r model.PositionReading, res *PositionResult) error {
	if r.RouteID == "" {
		return geo.ErrNoReferencePoints
	}
	route, err := e.store.Route(ctx, r.RouteID)
	if err != nil {
		return err
	}
	refs := stopPoints(route)

	var obs deviation.Observation
	err = e.store.InRoute(ctx, r.RouteID, func(tx store.RouteTx) error {
		var err error
		obs, err = deviation.Observe(ctx, tx, geo.Point{Lat: r.Lat, Lon: r.Lon}, refs, e.eval.DeviationRadius, r.Timestamp)
		return err
	})
	if err != nil {
		return err
	}
	res.Determined = true
	res.Distance = obs.Distance
	res.Deviation = obs.Change

	switch obs.Change {
	case deviation.Opened, deviation.Closed:
		if e.metrics != nil {
			e.metrics.DeviationInc(string(obs.Change))
		}
		log.Printf("deviation %s route=%s vehicle=%s distance=%.0fm", obs.Change, r.RouteID, r.OriginID, obs.Distance)
		e.publishDeviation(string(obs.Change), obs.Record, obs.Distance, r.Timestamp)
	}
	return nil
}

func (e *Engine) confirmByProximity(ctx context.Context, r model.PositionReading, res *PositionResult) error {
	target, ok, err := e.nextConfirmable(ctx, r)
	if err != nil || !ok {
		return err
	}
	route, err := e.store.Route(ctx, target.RouteID)
	if err != nil {
		return err
	}
	near, dist, err := e.eval.Near(geo.Point{Lat: r.Lat, Lon: r.Lon}, stopPoints(route))
	if err != nil {
		return err
	}
	res.Determined = true
	res.Distance = dist
	if !near {
		return nil
	}
	s, err := e.Confirm(ctx, target.ID)
	if errors.Is(err, model.ErrInvalidTransition) {
		// confirmed, cancelled or expired since we looked
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("slot %s confirmed by proximity user=%s distance=%.0fm", s.ID, r.OriginID, dist)
	res.Confirmed = &s
	return nil
}

// nextConfirmable picks the user's direct Reserved slot with the earliest
// departure that is not yet due for expiry, restricted to the reading's route
// when it names one.
func (e *Engine) nextConfirmable(ctx context.Context, r model.PositionReading) (model.Slot, bool, error) {
	all, err := e.store.SlotsByUser(ctx, r.OriginID)
	if err != nil {
		return model.Slot{}, false, err
	}
	cutoff := e.now().Add(-e.cfg.ExpiryGrace)
	var (
		best    model.Slot
		bestDep model.Departure
		found   bool
	)
	for _, s := range all {
		if s.State != model.StateReserved || s.Waitlisted {
			continue
		}
		if r.RouteID != "" && s.RouteID != r.RouteID {
			continue
		}
		dep, err := e.store.Departure(ctx, s.DepartureID)
		if err != nil {
			return model.Slot{}, false, err
		}
		if !dep.ScheduledAt.After(cutoff) {
			continue
		}
		if !found || dep.ScheduledAt.Before(bestDep.ScheduledAt) {
			best, bestDep, found = s, dep, true
		}
	}
	return best, found, nil
}

func stopPoints(r model.Route) []geo.Point {
	stops := r.ActiveStops()
	pts := make([]geo.Point, 0, len(stops))
	for _, s := range stops {
		pts = append(pts, geo.Point{Lat: s.Lat, Lon: s.Lon})
	}
	return pts
}

func (e *Engine) publishDeviation(kind string, d model.DeviationRecord, distance float64, at time.Time) {
	if e.pub == nil {
		return
	}
	if err := e.pub.PublishDeviation(kind, d, distance, at); err != nil {
		log.Printf("publish deviation %s route=%s: %v", kind, d.RouteID, err)
	}
}
