package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-slots/internal/model"
)

var base = time.Date(2025, 3, 3, 6, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *Memory {
	t.Helper()
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.PutRoute(ctx, model.Route{ID: "r1", CapacityDirect: 2, CapacityWait: 1}))
	require.NoError(t, m.PutDeparture(ctx, model.Departure{ID: "d1", RouteID: "r1", ScheduledAt: base.Add(time.Hour), CapacityDirect: 2, CapacityWait: 1, Active: true}))
	require.NoError(t, m.PutDeparture(ctx, model.Departure{ID: "d2", RouteID: "r1", ScheduledAt: base.Add(3 * time.Hour), CapacityDirect: 2, CapacityWait: 1, Active: true}))
	require.NoError(t, m.PutDeparture(ctx, model.Departure{ID: "d0", RouteID: "r1", ScheduledAt: base.Add(2 * time.Hour), Active: false}))
	return m
}

func TestNextDeparture(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)

	d, err := m.NextDeparture(ctx, "r1", base)
	require.NoError(t, err)
	assert.Equal(t, "d1", d.ID)

	// inactive d0 is skipped, and a departure at exactly `after` has already left
	d, err = m.NextDeparture(ctx, "r1", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "d2", d.ID)

	_, err = m.NextDeparture(ctx, "r1", base.Add(5*time.Hour))
	assert.ErrorIs(t, err, model.ErrNoDeparture)

	_, err = m.NextDeparture(ctx, "nope", base)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInDepartureRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	boom := errors.New("boom")

	err := m.InDeparture(ctx, "d1", func(tx DepartureTx) error {
		s := &model.Slot{ID: "s1", UserID: "u1", DepartureID: "d1", State: model.StateReserved, CreatedAt: base}
		require.NoError(t, tx.InsertSlot(ctx, s))
		o, err := tx.Occupancy(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, o.Direct)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.Slot(ctx, "s1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInsertSlotRejectsSecondPairHolder(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)

	err := m.InDeparture(ctx, "d1", func(tx DepartureTx) error {
		if err := tx.InsertSlot(ctx, &model.Slot{ID: "s1", UserID: "u1", DepartureID: "d1", State: model.StateReserved}); err != nil {
			return err
		}
		return tx.InsertSlot(ctx, &model.Slot{ID: "s2", UserID: "u1", DepartureID: "d1", State: model.StateReserved})
	})
	assert.ErrorIs(t, err, model.ErrDuplicateReservation)

	// a cancelled slot releases the pair
	require.NoError(t, m.InDeparture(ctx, "d1", func(tx DepartureTx) error {
		return tx.InsertSlot(ctx, &model.Slot{ID: "s3", UserID: "u1", DepartureID: "d1", State: model.StateCancelled})
	}))
	require.NoError(t, m.InDeparture(ctx, "d1", func(tx DepartureTx) error {
		return tx.InsertSlot(ctx, &model.Slot{ID: "s4", UserID: "u1", DepartureID: "d1", State: model.StateReserved})
	}))
}

func TestOldestWaitlistedUsesSeqForTies(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	require.NoError(t, m.InDeparture(ctx, "d1", func(tx DepartureTx) error {
		for _, id := range []string{"w1", "w2", "w3"} {
			if err := tx.InsertSlot(ctx, &model.Slot{ID: id, UserID: id, DepartureID: "d1", State: model.StateReserved, Waitlisted: true, CreatedAt: base}); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, m.InDeparture(ctx, "d1", func(tx DepartureTx) error {
		s, ok, err := tx.OldestWaitlisted(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "w1", s.ID)
		s.State = model.StateCancelled
		require.NoError(t, tx.UpdateSlot(ctx, s))

		s, ok, err = tx.OldestWaitlisted(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "w2", s.ID)
		return nil
	}))
}

func TestInDepartureSerializesSameKey(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.InDeparture(ctx, "d1", func(tx DepartureTx) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
	assert.Empty(t, m.depLocks.locks)
}

func TestInRouteSingleActiveDeviation(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)

	require.NoError(t, m.InRoute(ctx, "r1", func(tx RouteTx) error {
		return tx.InsertDeviation(ctx, model.DeviationRecord{ID: "x1", RouteID: "r1", Active: true, StartedAt: base})
	}))
	err := m.InRoute(ctx, "r1", func(tx RouteTx) error {
		return tx.InsertDeviation(ctx, model.DeviationRecord{ID: "x2", RouteID: "r1", Active: true, StartedAt: base})
	})
	assert.Error(t, err)

	require.NoError(t, m.InRoute(ctx, "r1", func(tx RouteTx) error {
		d, ok, err := tx.ActiveDeviation(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		d.Active = false
		d.EndedAt = base.Add(time.Minute)
		if err := tx.UpdateDeviation(ctx, d); err != nil {
			return err
		}
		_, ok, err = tx.ActiveDeviation(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	}))
	assert.Len(t, m.Deviations("r1"), 1)
}

func TestDueReservations(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	require.NoError(t, m.InDeparture(ctx, "d2", func(tx DepartureTx) error {
		return tx.InsertSlot(ctx, &model.Slot{ID: "late", UserID: "u1", DepartureID: "d2", State: model.StateReserved})
	}))
	require.NoError(t, m.InDeparture(ctx, "d1", func(tx DepartureTx) error {
		if err := tx.InsertSlot(ctx, &model.Slot{ID: "early", UserID: "u1", DepartureID: "d1", State: model.StateReserved}); err != nil {
			return err
		}
		return tx.InsertSlot(ctx, &model.Slot{ID: "done", UserID: "u2", DepartureID: "d1", State: model.StateConfirmed})
	}))

	due, err := m.DueReservations(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "early", due[0].ID)

	due, err = m.DueReservations(ctx, base.Add(4*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].ID)
	assert.Equal(t, "late", due[1].ID)

	due, err = m.DueReservations(ctx, base.Add(4*time.Hour), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestFillsStagedUntilCommit(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	fill := func(id string, at time.Time) model.FillRecord {
		return model.FillRecord{ID: id, RouteID: "r1", Mode: model.FillManual, Occupied: 3, Total: 2, RecordedAt: at}
	}

	boom := errors.New("boom")
	err := m.InRoute(ctx, "r1", func(tx RouteTx) error {
		require.NoError(t, tx.InsertFill(ctx, fill("lost", base)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	for i, id := range []string{"f1", "f2", "f3"} {
		require.NoError(t, m.InRoute(ctx, "r1", func(tx RouteTx) error {
			return tx.InsertFill(ctx, fill(id, base.Add(time.Duration(i)*time.Minute)))
		}))
	}
	err = m.InRoute(ctx, "r1", func(tx RouteTx) error {
		return tx.InsertFill(ctx, model.FillRecord{ID: "x", RouteID: "r2"})
	})
	assert.Error(t, err)

	all, err := m.Fills(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "f3", all[0].ID)

	latest, err := m.Fills(ctx, "r1", 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "f3", latest[0].ID)
}

func TestSecondActiveTripIsTyped(t *testing.T) {
	ctx := context.Background()
	m := seeded(t)
	trip := func(id string) model.Trip { return model.Trip{ID: id, RouteID: "r1", StartedAt: base} }

	require.NoError(t, m.InRoute(ctx, "r1", func(tx RouteTx) error { return tx.InsertTrip(ctx, trip("t1")) }))
	err := m.InRoute(ctx, "r1", func(tx RouteTx) error { return tx.InsertTrip(ctx, trip("t2")) })
	assert.ErrorIs(t, err, model.ErrActiveRecordExists)
}
