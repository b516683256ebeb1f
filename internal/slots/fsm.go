// Package slots holds the reservation lifecycle: the slot state machine, the
// capacity allocator and the waitlist promoter. Everything here runs inside a
// store.DepartureTx, which is the serialization boundary for one departure.
package slots

import (
	"context"
	"time"

	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

type Event string

const (
	EventConfirm Event = "confirm" // user proximity or manual confirmation
	EventCancel  Event = "cancel"
	EventExpire  Event = "expire" // deadline passed without confirmation
	EventOccupy  Event = "occupy" // return-trip auto-mark
)

// Outcome is the result of feeding an event to a state.
type Outcome struct {
	From      model.SlotState
	To        model.SlotState
	Changed   bool
	FreesSeat bool
}

type rule struct {
	from      []model.SlotState
	to        model.SlotState
	freesSeat bool
}

var rules = map[Event]rule{
	EventConfirm: {from: []model.SlotState{model.StateReserved}, to: model.StateConfirmed},
	EventCancel:  {from: []model.SlotState{model.StateReserved}, to: model.StateCancelled, freesSeat: true},
	EventExpire:  {from: []model.SlotState{model.StateReserved}, to: model.StateExpired, freesSeat: true},
	EventOccupy:  {from: []model.SlotState{model.StateReserved, model.StateConfirmed}, to: model.StateOccupied, freesSeat: true},
}

// Transition is the single entry point of the state machine. Re-applying an
// event to the state it produces is a no-op success.
func Transition(from model.SlotState, ev Event) (Outcome, error) {
	r, ok := rules[ev]
	if !ok {
		return Outcome{}, &model.TransitionError{From: from, Event: string(ev), Reason: "unknown event"}
	}
	if from == r.to {
		return Outcome{From: from, To: from}, nil
	}
	for _, f := range r.from {
		if f == from {
			return Outcome{From: from, To: r.to, Changed: true, FreesSeat: r.freesSeat}, nil
		}
	}
	return Outcome{}, &model.TransitionError{From: from, Event: string(ev)}
}

// Result describes an applied event.
type Result struct {
	Slot     model.Slot
	Outcome  Outcome
	Promoted *model.Slot // set when the freed seat went to a waitlisted slot
}

// Apply feeds ev to the slot and, when the transition frees a seat on a
// departure that has not left yet, runs the promoter in the same transaction.
func Apply(ctx context.Context, tx store.DepartureTx, slotID string, ev Event, now time.Time) (Result, error) {
	s, err := tx.Slot(ctx, slotID)
	if err != nil {
		return Result{}, err
	}
	out, err := Transition(s.State, ev)
	if err != nil {
		if te, ok := err.(*model.TransitionError); ok {
			te.SlotID = s.ID
		}
		return Result{Slot: s}, err
	}
	if ev == EventConfirm && out.Changed && s.Waitlisted {
		return Result{Slot: s}, &model.TransitionError{SlotID: s.ID, From: s.State, Event: string(ev), Reason: "waitlisted slot must be promoted first"}
	}
	if !out.Changed {
		return Result{Slot: s, Outcome: out}, nil
	}

	s.State = out.To
	switch out.To {
	case model.StateConfirmed:
		s.ConfirmedAt = now
	case model.StateCancelled:
		s.CancelledAt = now
	case model.StateExpired:
		s.ExpiredAt = now
	case model.StateOccupied:
		s.OccupiedAt = now
	}
	if err := tx.UpdateSlot(ctx, s); err != nil {
		return Result{}, err
	}
	res := Result{Slot: s, Outcome: out}
	if out.FreesSeat && tx.Departure().ScheduledAt.After(now) {
		p, ok, err := PromoteNext(ctx, tx)
		if err != nil {
			return Result{}, err
		}
		if ok {
			res.Promoted = &p
		}
	}
	return res, nil
}
