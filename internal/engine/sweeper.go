package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"shuttle-slots/internal/model"
)

// SweepExpired expires Reserved slots whose departure plus grace has passed
// and returns how many it expired.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.cfg.ExpiryGrace)
	due, err := e.store.DueReservations(ctx, cutoff, e.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := e.Expire(ctx, s.ID); err != nil {
			// confirmed or cancelled between listing and expiring
			if errors.Is(err, model.ErrInvalidTransition) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// StartSweeper launches a background loop that periodically expires overdue
// reservations. Stop ends it.
func (e *Engine) StartSweeper(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	e.sweepCancel = cancel
	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		e.sweepOnce(ctx)
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweepOnce(ctx)
			}
		}
	}()
}

func (e *Engine) sweepOnce(ctx context.Context) {
	n, err := e.SweepExpired(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("sweep expired reservations error: %v", err)
	}
	if n > 0 {
		log.Printf("expired %d reservations", n)
	}
}

func (e *Engine) Stop() {
	if e.sweepCancel != nil {
		e.sweepCancel()
	}
	e.sweepWG.Wait()
}
