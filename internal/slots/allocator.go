package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

// Allocate grants userID a direct slot, a waitlisted slot, or nothing, in that order.
func Allocate(ctx context.Context, tx store.DepartureTx, userID string, now time.Time) (model.Slot, error) {
	dep := tx.Departure()
	if held, ok, err := tx.PairSlot(ctx, userID); err != nil {
		return model.Slot{}, err
	} else if ok {
		return held, fmt.Errorf("user %s departure %s slot %s: %w", userID, dep.ID, held.ID, model.ErrDuplicateReservation)
	}

	occ, err := tx.Occupancy(ctx)
	if err != nil {
		return model.Slot{}, err
	}
	s := model.Slot{
		ID:          uuid.NewString(),
		UserID:      userID,
		RouteID:     dep.RouteID,
		DepartureID: dep.ID,
		State:       model.StateReserved,
		CreatedAt:   now,
	}
	switch {
	case occ.Direct < dep.CapacityDirect:
	case occ.Waitlisted < dep.CapacityWait:
		s.Waitlisted = true
	default:
		return model.Slot{}, fmt.Errorf("departure %s (%d/%d direct, %d/%d waitlist): %w",
			dep.ID, occ.Direct, dep.CapacityDirect, occ.Waitlisted, dep.CapacityWait, model.ErrCapacityExhausted)
	}
	if err := tx.InsertSlot(ctx, &s); err != nil {
		return model.Slot{}, err
	}
	return s, nil
}
