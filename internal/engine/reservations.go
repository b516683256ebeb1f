package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"shuttle-slots/internal/model"
	"shuttle-slots/internal/slots"
	"shuttle-slots/internal/store"
)

// Slot event kinds.
const (
	SlotCreated    = "created"
	SlotWaitlisted = "waitlisted"
	SlotPromoted   = "promoted"
	SlotConfirmed  = "confirmed"
	SlotCancelled  = "cancelled"
	SlotExpired    = "expired"
	SlotOccupied   = "occupied"
)

var stateEvents = map[model.SlotState]string{
	model.StateConfirmed: SlotConfirmed,
	model.StateCancelled: SlotCancelled,
	model.StateExpired:   SlotExpired,
	model.StateOccupied:  SlotOccupied,
}

// RequestSlot reserves a seat for userID. With an empty departureID the next
// departure of routeID that has not left yet is used.
func (e *Engine) RequestSlot(ctx context.Context, userID, routeID, departureID string) (model.Slot, error) {
	defer e.observe("request_slot", time.Now())
	now := e.now()

	dep, err := e.resolveDeparture(ctx, routeID, departureID, now)
	if err != nil {
		return model.Slot{}, err
	}

	var s model.Slot
	err = e.store.InDeparture(ctx, dep.ID, func(tx store.DepartureTx) error {
		var err error
		s, err = slots.Allocate(ctx, tx, userID, now)
		return err
	})
	switch {
	case errors.Is(err, model.ErrDuplicateReservation):
		e.allocation("duplicate")
		return s, err
	case errors.Is(err, model.ErrCapacityExhausted):
		e.allocation("rejected")
		return model.Slot{}, err
	case err != nil:
		return model.Slot{}, err
	}

	kind := SlotCreated
	if s.Waitlisted {
		kind = SlotWaitlisted
		e.allocation("waitlist")
	} else {
		e.allocation("direct")
	}
	log.Printf("slot %s user=%s departure=%s waitlisted=%t", kind, userID, dep.ID, s.Waitlisted)
	e.publishSlot(kind, s, now)
	return s, nil
}

func (e *Engine) resolveDeparture(ctx context.Context, routeID, departureID string, now time.Time) (model.Departure, error) {
	if departureID == "" {
		if routeID == "" {
			return model.Departure{}, fmt.Errorf("route or departure is required: %w", model.ErrNotFound)
		}
		return e.store.NextDeparture(ctx, routeID, now)
	}
	dep, err := e.store.Departure(ctx, departureID)
	if err != nil {
		return model.Departure{}, err
	}
	if routeID != "" && dep.RouteID != routeID {
		return model.Departure{}, fmt.Errorf("departure %s on route %s: %w", departureID, routeID, model.ErrNotFound)
	}
	if !dep.Active || !dep.ScheduledAt.After(now) {
		return model.Departure{}, fmt.Errorf("departure %s at %s: %w", dep.ID, dep.ScheduledAt.Format(time.RFC3339), model.ErrNoDeparture)
	}
	return dep, nil
}

// Confirm marks the user as present for the slot's departure.
func (e *Engine) Confirm(ctx context.Context, slotID string) (model.Slot, error) {
	return e.apply(ctx, "confirm", slotID, slots.EventConfirm)
}

// Cancel releases the slot and promotes the next waitlisted slot.
func (e *Engine) Cancel(ctx context.Context, slotID string) (model.Slot, error) {
	return e.apply(ctx, "cancel", slotID, slots.EventCancel)
}

// Expire ends a Reserved slot whose confirmation deadline passed.
func (e *Engine) Expire(ctx context.Context, slotID string) (model.Slot, error) {
	return e.apply(ctx, "expire", slotID, slots.EventExpire)
}

// MarkOccupied consumes a return-trip slot.
func (e *Engine) MarkOccupied(ctx context.Context, slotID string) (model.Slot, error) {
	return e.apply(ctx, "occupy", slotID, slots.EventOccupy)
}

func (e *Engine) apply(ctx context.Context, op, slotID string, ev slots.Event) (model.Slot, error) {
	defer e.observe(op, time.Now())
	cur, err := e.store.Slot(ctx, slotID)
	if err != nil {
		return model.Slot{}, err
	}
	now := e.now()

	var res slots.Result
	err = e.store.InDeparture(ctx, cur.DepartureID, func(tx store.DepartureTx) error {
		var err error
		res, err = slots.Apply(ctx, tx, slotID, ev, now)
		return err
	})
	if errors.Is(err, model.ErrInvalidTransition) {
		log.Printf("rejected %s: %v", op, err)
		if e.metrics != nil {
			e.metrics.InvalidTransitionInc()
		}
		return res.Slot, err
	}
	if err != nil {
		return model.Slot{}, err
	}

	if res.Outcome.Changed {
		if e.metrics != nil {
			e.metrics.TransitionInc(res.Outcome.To)
		}
		log.Printf("slot %s %s -> %s", res.Slot.ID, res.Outcome.From, res.Outcome.To)
		e.publishSlot(stateEvents[res.Outcome.To], res.Slot, now)
	}
	if res.Promoted != nil {
		e.promoted(*res.Promoted, now)
	}
	return res.Slot, nil
}

// PromoteNext runs the waitlist promoter for a departure. ok is false when
// nothing was promoted, including when the departure has already left.
func (e *Engine) PromoteNext(ctx context.Context, departureID string) (model.Slot, bool, error) {
	defer e.observe("promote", time.Now())
	var (
		s  model.Slot
		ok bool
	)
	now := e.now()
	err := e.store.InDeparture(ctx, departureID, func(tx store.DepartureTx) error {
		if !tx.Departure().ScheduledAt.After(now) {
			return nil
		}
		var err error
		s, ok, err = slots.PromoteNext(ctx, tx)
		return err
	})
	if err != nil {
		return model.Slot{}, false, err
	}
	if ok {
		e.promoted(s, now)
	}
	return s, ok, nil
}

func (e *Engine) promoted(s model.Slot, at time.Time) {
	if e.metrics != nil {
		e.metrics.PromotionInc()
	}
	log.Printf("slot %s promoted from waitlist user=%s departure=%s", s.ID, s.UserID, s.DepartureID)
	e.publishSlot(SlotPromoted, s, at)
}

// Summary counts a user's slots the way the reservations overview shows them.
type Summary struct {
	Active     int `json:"active"`
	Waitlisted int `json:"waitlisted"`
	Occupied   int `json:"occupied"`
	Cancelled  int `json:"cancelled"`
}

func (e *Engine) Summary(ctx context.Context, userID string) (Summary, error) {
	all, err := e.store.SlotsByUser(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, s := range all {
		switch {
		case s.State.HoldsSeat() && s.Waitlisted:
			sum.Waitlisted++
		case s.State.HoldsSeat():
			sum.Active++
		case s.State == model.StateOccupied:
			sum.Occupied++
		case s.State == model.StateCancelled:
			sum.Cancelled++
		}
	}
	return sum, nil
}

func (e *Engine) allocation(outcome string) {
	if e.metrics != nil {
		e.metrics.AllocationInc(outcome)
	}
}

func (e *Engine) publishSlot(kind string, s model.Slot, at time.Time) {
	if e.pub == nil {
		return
	}
	if err := e.pub.PublishSlot(kind, s, at); err != nil {
		log.Printf("publish slot %s %s: %v", kind, s.ID, err)
	}
}
