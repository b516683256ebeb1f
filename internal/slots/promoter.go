package slots

import (
	"context"

	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

// PromoteNext moves the oldest waitlisted Reserved slot into direct capacity.
// The slot stays Reserved: promotion grants the seat, not attendance. It is a
// no-op when the waitlist is empty or no direct seat is free.
func PromoteNext(ctx context.Context, tx store.DepartureTx) (model.Slot, bool, error) {
	occ, err := tx.Occupancy(ctx)
	if err != nil {
		return model.Slot{}, false, err
	}
	if occ.Direct >= tx.Departure().CapacityDirect {
		return model.Slot{}, false, nil
	}
	s, ok, err := tx.OldestWaitlisted(ctx)
	if err != nil || !ok {
		return model.Slot{}, false, err
	}
	s.Waitlisted = false
	if err := tx.UpdateSlot(ctx, s); err != nil {
		return model.Slot{}, false, err
	}
	return s, true, nil
}
