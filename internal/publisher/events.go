package publisher

import (
	"time"

	"shuttle-slots/internal/model"
)

type SlotEvent struct {
	Event       string     `json:"event"`
	SlotID      string     `json:"slotId"`
	UserID      string     `json:"userId"`
	RouteID     string     `json:"routeId"`
	DepartureID string     `json:"departureId"`
	State       string     `json:"state"`
	Waitlisted  bool       `json:"waitlisted"`
	CreatedAt   time.Time  `json:"createdAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

func NewSlotEvent(kind string, s model.Slot, at time.Time) SlotEvent {
	return SlotEvent{
		Event:       kind,
		SlotID:      s.ID,
		UserID:      s.UserID,
		RouteID:     s.RouteID,
		DepartureID: s.DepartureID,
		State:       string(s.State),
		Waitlisted:  s.Waitlisted,
		CreatedAt:   s.CreatedAt,
		ConfirmedAt: optTime(s.ConfirmedAt),
		Timestamp:   at,
	}
}

// DeviationEvent is the off-route alert; Distance is the reading that caused it.
type DeviationEvent struct {
	Event         string     `json:"event"`
	DeviationID   string     `json:"deviationId"`
	RouteID       string     `json:"routeId"`
	Distance      float64    `json:"distanceM"`
	FirstDistance float64    `json:"firstDistanceM"`
	MaxDistance   float64    `json:"maxDistanceM"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	Active        bool       `json:"active"`
	Timestamp     time.Time  `json:"timestamp"`
}

func NewDeviationEvent(kind string, d model.DeviationRecord, distance float64, at time.Time) DeviationEvent {
	return DeviationEvent{
		Event:         kind,
		DeviationID:   d.ID,
		RouteID:       d.RouteID,
		Distance:      distance,
		FirstDistance: d.FirstDistance,
		MaxDistance:   d.MaxDistance,
		StartedAt:     d.StartedAt,
		EndedAt:       optTime(d.EndedAt),
		Active:        d.Active,
		Timestamp:     at,
	}
}

type FillEvent struct {
	FillID      string    `json:"fillId"`
	RouteID     string    `json:"routeId"`
	DepartureID string    `json:"departureId,omitempty"`
	DriverID    string    `json:"driverId,omitempty"`
	Mode        string    `json:"mode"`
	Occupied    int       `json:"occupied"`
	Total       int       `json:"total"`
	Notes       string    `json:"notes,omitempty"`
	RecordedAt  time.Time `json:"recordedAt"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewFillEvent(f model.FillRecord, at time.Time) FillEvent {
	return FillEvent{
		FillID:      f.ID,
		RouteID:     f.RouteID,
		DepartureID: f.DepartureID,
		DriverID:    f.DriverID,
		Mode:        string(f.Mode),
		Occupied:    f.Occupied,
		Total:       f.Total,
		Notes:       f.Notes,
		RecordedAt:  f.RecordedAt,
		Timestamp:   at,
	}
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
