package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"shuttle-slots/internal/deviation"
	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

// StartTrip opens a trip on the route, or returns the one already running.
// created reports which of the two happened.
func (e *Engine) StartTrip(ctx context.Context, routeID, driverID, departureID string) (trip model.Trip, created bool, err error) {
	defer e.observe("start_trip", time.Now())
	err = e.store.InRoute(ctx, routeID, func(tx store.RouteTx) error {
		active, ok, err := tx.ActiveTrip(ctx)
		if err != nil {
			return err
		}
		if ok {
			trip = active
			return nil
		}
		trip = model.Trip{
			ID:          uuid.NewString(),
			RouteID:     routeID,
			DriverID:    driverID,
			DepartureID: departureID,
			StartedAt:   e.now(),
		}
		created = true
		return tx.InsertTrip(ctx, trip)
	})
	if err != nil {
		return model.Trip{}, false, err
	}
	if created {
		log.Printf("trip %s started route=%s driver=%s", trip.ID, routeID, driverID)
	}
	return trip, created, nil
}

// FinalizeTrip ends the trip and force-closes the route's active deviation.
// On a return route with a known departure it also records an automatic
// fill. Finalizing twice returns the finalized trip unchanged.
func (e *Engine) FinalizeTrip(ctx context.Context, tripID string, distanceKm float64) (model.Trip, error) {
	defer e.observe("finalize_trip", time.Now())
	cur, err := e.store.Trip(ctx, tripID)
	if err != nil {
		return model.Trip{}, err
	}
	now := e.now()

	var (
		trip   model.Trip
		rec    model.DeviationRecord
		closed bool
		ended  bool
	)
	err = e.store.InRoute(ctx, cur.RouteID, func(tx store.RouteTx) error {
		t, err := tx.Trip(ctx, tripID)
		if err != nil {
			return err
		}
		if t.Finalized {
			trip = t
			return nil
		}
		t.Finalized = true
		t.EndedAt = now
		if distanceKm > 0 {
			t.DistanceKm = distanceKm
		}
		if err := tx.UpdateTrip(ctx, t); err != nil {
			return err
		}
		trip, ended = t, true
		rec, closed, err = deviation.Finalize(ctx, tx, now)
		return err
	})
	if err != nil {
		return model.Trip{}, err
	}
	if closed {
		if e.metrics != nil {
			e.metrics.DeviationInc(string(deviation.Closed))
		}
		log.Printf("deviation closed route=%s on trip %s finalization", rec.RouteID, tripID)
		e.publishDeviation(string(deviation.Closed), rec, 0, now)
	}
	if ended && trip.DepartureID != "" {
		e.fillOnArrival(ctx, trip)
	}
	return trip, nil
}

func (e *Engine) fillOnArrival(ctx context.Context, trip model.Trip) {
	route, err := e.store.Route(ctx, trip.RouteID)
	if err != nil || route.Kind != model.RouteReturn {
		return
	}
	_, err = e.RecordFill(ctx, FillReport{
		RouteID:     trip.RouteID,
		DepartureID: trip.DepartureID,
		DriverID:    trip.DriverID,
		Mode:        model.FillAutomatic,
	})
	if err != nil {
		log.Printf("automatic fill for trip %s: %v", trip.ID, err)
	}
}
