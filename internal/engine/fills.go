package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

// FillReport asks for a fill record. Manual reports carry the driver's count
// in Occupied; automatic ones count the departure's Occupied slots and are
// accepted only on return routes.
type FillReport struct {
	RouteID     string
	DepartureID string
	DriverID    string
	Mode        model.FillMode
	Occupied    int
	Notes       string
}

// RecordFill stores a fill record. The total is the departure's direct
// capacity, or the route's when a manual report names no departure.
func (e *Engine) RecordFill(ctx context.Context, rep FillReport) (model.FillRecord, error) {
	defer e.observe("record_fill", time.Now())
	route, err := e.store.Route(ctx, rep.RouteID)
	if err != nil {
		return model.FillRecord{}, err
	}
	f := model.FillRecord{
		ID:          uuid.NewString(),
		RouteID:     route.ID,
		DepartureID: rep.DepartureID,
		DriverID:    rep.DriverID,
		Mode:        rep.Mode,
		Occupied:    rep.Occupied,
		Total:       route.CapacityDirect,
		Notes:       rep.Notes,
		RecordedAt:  e.now(),
	}

	switch rep.Mode {
	case model.FillManual:
		if rep.Occupied < 0 {
			return model.FillRecord{}, fmt.Errorf("occupied %d: %w", rep.Occupied, model.ErrInvalidFill)
		}
		if rep.DepartureID != "" {
			dep, err := e.routeDeparture(ctx, route.ID, rep.DepartureID)
			if err != nil {
				return model.FillRecord{}, err
			}
			f.Total = dep.CapacityDirect
		}
	case model.FillAutomatic:
		if route.Kind != model.RouteReturn {
			return model.FillRecord{}, fmt.Errorf("automatic fill on route %s: %w", route.ID, model.ErrNotReturnRoute)
		}
		if rep.DepartureID == "" {
			return model.FillRecord{}, fmt.Errorf("automatic fill needs a departure: %w", model.ErrInvalidFill)
		}
		err := e.store.InDeparture(ctx, rep.DepartureID, func(tx store.DepartureTx) error {
			if tx.Departure().RouteID != route.ID {
				return fmt.Errorf("departure %s on route %s: %w", rep.DepartureID, route.ID, model.ErrNotFound)
			}
			n, err := tx.OccupiedCount(ctx)
			if err != nil {
				return err
			}
			f.Occupied, f.Total = n, tx.Departure().CapacityDirect
			return nil
		})
		if err != nil {
			return model.FillRecord{}, err
		}
		if f.Notes == "" {
			f.Notes = "counted from occupied slots"
		}
	default:
		return model.FillRecord{}, fmt.Errorf("mode %q: %w", rep.Mode, model.ErrInvalidFill)
	}

	err = e.store.InRoute(ctx, route.ID, func(tx store.RouteTx) error {
		return tx.InsertFill(ctx, f)
	})
	if err != nil {
		return model.FillRecord{}, err
	}
	if e.metrics != nil {
		e.metrics.FillInc(f.Mode)
	}
	log.Printf("fill recorded route=%s departure=%s mode=%s occupied=%d/%d", f.RouteID, f.DepartureID, f.Mode, f.Occupied, f.Total)
	if e.pub != nil {
		if err := e.pub.PublishFill(f, f.RecordedAt); err != nil {
			log.Printf("publish fill %s: %v", f.ID, err)
		}
	}
	return f, nil
}

// RecentFills lists the route's latest fill records, newest first.
func (e *Engine) RecentFills(ctx context.Context, routeID string, limit int) ([]model.FillRecord, error) {
	if _, err := e.store.Route(ctx, routeID); err != nil {
		return nil, err
	}
	return e.store.Fills(ctx, routeID, limit)
}

func (e *Engine) routeDeparture(ctx context.Context, routeID, departureID string) (model.Departure, error) {
	dep, err := e.store.Departure(ctx, departureID)
	if err != nil {
		return model.Departure{}, err
	}
	if dep.RouteID != routeID {
		return model.Departure{}, fmt.Errorf("departure %s on route %s: %w", departureID, routeID, model.ErrNotFound)
	}
	return dep, nil
}
