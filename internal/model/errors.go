package model

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExhausted means neither a direct nor a waitlist seat is left.
	ErrCapacityExhausted = errors.New("capacity exhausted")
	// ErrDuplicateReservation means the user already holds a slot for the departure.
	ErrDuplicateReservation = errors.New("duplicate reservation")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrNoDeparture          = errors.New("no upcoming departure")
	ErrNotFound             = errors.New("not found")
	// ErrActiveRecordExists means the route already has an active deviation
	// record or an unfinalized trip.
	ErrActiveRecordExists = errors.New("active record exists")
	// ErrNotReturnRoute means an automatic fill was requested on an outbound route.
	ErrNotReturnRoute = errors.New("not a return route")
	ErrInvalidFill    = errors.New("invalid fill report")
)

// TransitionError describes a rejected state machine event.
type TransitionError struct {
	SlotID string
	From   SlotState
	Event  string
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition: slot %s in %s cannot take %s", e.SlotID, e.From, e.Event)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
