package model

import "time"

type RouteKind string

const (
	RouteOutbound RouteKind = "outbound"
	RouteReturn   RouteKind = "return"
)

type Route struct {
	ID             string
	Name           string
	Kind           RouteKind
	CapacityDirect int
	CapacityWait   int
	Stops          []Stop // ordered by Sequence
}

// ActiveStops returns the stops usable as geofence reference points.
func (r Route) ActiveStops() []Stop {
	out := make([]Stop, 0, len(r.Stops))
	for _, s := range r.Stops {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}

type Stop struct {
	ID       string
	Name     string
	Lat      float64
	Lon      float64
	Sequence int
	Active   bool
}

// Departure is a route at one scheduled time, the unit capacity is enforced over.
// Capacities are copied from the route when the departure is materialized.
type Departure struct {
	ID             string
	RouteID        string
	ScheduledAt    time.Time // absolute time (service day, local TZ)
	CapacityDirect int
	CapacityWait   int
	Active         bool
}

// Occupancy is the live slot count of a departure, recomputed inside the
// departure's serialization boundary and never cached.
type Occupancy struct {
	Direct     int
	Waitlisted int
}

type SlotState string

const (
	StateReserved  SlotState = "RESERVED"
	StateConfirmed SlotState = "CONFIRMED"
	StateCancelled SlotState = "CANCELLED"
	StateExpired   SlotState = "EXPIRED"
	StateOccupied  SlotState = "OCCUPIED"
)

// Terminal reports whether no further event may leave s.
func (s SlotState) Terminal() bool { return s != StateReserved }

// HoldsSeat reports whether a slot in s counts against departure capacity.
func (s SlotState) HoldsSeat() bool { return s == StateReserved || s == StateConfirmed }

// HoldsPair reports whether a slot in s blocks another slot for the same user and departure.
func (s SlotState) HoldsPair() bool { return s != StateCancelled && s != StateExpired }

type Slot struct {
	ID          string
	UserID      string
	RouteID     string
	DepartureID string
	State       SlotState
	Waitlisted  bool
	Seq         int64 // insertion order, breaks CreatedAt ties
	CreatedAt   time.Time
	ConfirmedAt time.Time
	CancelledAt time.Time
	ExpiredAt   time.Time
	OccupiedAt  time.Time
}

type OriginKind string

const (
	OriginUser    OriginKind = "user"
	OriginVehicle OriginKind = "vehicle"
)

// PositionReading is immutable once recorded.
type PositionReading struct {
	ID        string
	Origin    OriginKind
	OriginID  string
	Lat       float64
	Lon       float64
	RouteID   string // optional
	TripID    string // optional
	Timestamp time.Time
}

type DeviationRecord struct {
	ID            string
	RouteID       string
	StartedAt     time.Time
	EndedAt       time.Time // zero while open
	FirstDistance float64   // meters
	MaxDistance   float64   // meters
	Active        bool
}

type FillMode string

const (
	FillManual    FillMode = "manual"
	FillAutomatic FillMode = "automatic"
)

// FillRecord is a report of how many seats of a departure were taken, either
// counted by the driver or derived from Occupied slots on return routes.
type FillRecord struct {
	ID          string
	RouteID     string
	DepartureID string // optional for manual reports
	DriverID    string
	Mode        FillMode
	Occupied    int
	Total       int
	Notes       string
	RecordedAt  time.Time
}

type Trip struct {
	ID          string
	RouteID     string
	DriverID    string
	DepartureID string // optional
	StartedAt   time.Time
	EndedAt     time.Time
	Finalized   bool
	DistanceKm  float64
}

// Duration is zero for trips still running.
func (t Trip) Duration() time.Duration {
	if t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}
