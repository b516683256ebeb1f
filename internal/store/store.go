// Package store defines the persistence contract of the slot engine and an
// in-memory implementation of it.
//
// All capacity-affecting work happens inside InDeparture, and all deviation
// and trip bookkeeping inside InRoute. Implementations serialize concurrent
// units of work for the same key and apply a unit's writes atomically: either
// every write of fn is visible afterwards or, when fn returns an error, none is.
package store

import (
	"context"
	"time"

	"shuttle-slots/internal/model"
)

type Store interface {
	Catalog

	InDeparture(ctx context.Context, departureID string, fn func(tx DepartureTx) error) error
	InRoute(ctx context.Context, routeID string, fn func(tx RouteTx) error) error

	Slot(ctx context.Context, id string) (model.Slot, error)
	SlotsByUser(ctx context.Context, userID string) ([]model.Slot, error)
	// DueReservations lists Reserved slots whose departure is scheduled at or before cutoff.
	DueReservations(ctx context.Context, cutoff time.Time, limit int) ([]model.Slot, error)
	Trip(ctx context.Context, id string) (model.Trip, error)
	// Fills returns the route's fill records, newest first; limit <= 0 means all.
	Fills(ctx context.Context, routeID string, limit int) ([]model.FillRecord, error)

	RecordPosition(ctx context.Context, r model.PositionReading) error
}

type Catalog interface {
	Route(ctx context.Context, id string) (model.Route, error)
	Departure(ctx context.Context, id string) (model.Departure, error)
	// NextDeparture returns the first active departure scheduled strictly after t.
	NextDeparture(ctx context.Context, routeID string, after time.Time) (model.Departure, error)
	PutRoute(ctx context.Context, r model.Route) error
	PutDeparture(ctx context.Context, d model.Departure) error
}

// DepartureTx is exclusive access to one departure's slots.
type DepartureTx interface {
	Departure() model.Departure
	Occupancy(ctx context.Context) (model.Occupancy, error)
	// OccupiedCount counts slots in the Occupied state.
	OccupiedCount(ctx context.Context) (int, error)
	// PairSlot returns the user's slot for this departure that still holds the pair.
	PairSlot(ctx context.Context, userID string) (model.Slot, bool, error)
	Slot(ctx context.Context, id string) (model.Slot, error)
	// OldestWaitlisted returns the waitlisted Reserved slot with the smallest (CreatedAt, Seq).
	OldestWaitlisted(ctx context.Context) (model.Slot, bool, error)
	// InsertSlot stores s and assigns s.Seq.
	InsertSlot(ctx context.Context, s *model.Slot) error
	UpdateSlot(ctx context.Context, s model.Slot) error
}

// RouteTx is exclusive access to one route's deviation records and trips.
type RouteTx interface {
	RouteID() string
	ActiveDeviation(ctx context.Context) (model.DeviationRecord, bool, error)
	InsertDeviation(ctx context.Context, d model.DeviationRecord) error
	UpdateDeviation(ctx context.Context, d model.DeviationRecord) error
	ActiveTrip(ctx context.Context) (model.Trip, bool, error)
	Trip(ctx context.Context, id string) (model.Trip, error)
	InsertTrip(ctx context.Context, t model.Trip) error
	UpdateTrip(ctx context.Context, t model.Trip) error
	InsertFill(ctx context.Context, f model.FillRecord) error
}
