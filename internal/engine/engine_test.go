package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-slots/internal/deviation"
	"shuttle-slots/internal/geo"
	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

var (
	now  = time.Date(2025, 3, 3, 6, 30, 0, 0, time.UTC)
	stop = geo.Point{Lat: 11.5446, Lon: -72.9060}
)

func north(d float64) (lat, lon float64) {
	return stop.Lat + d/geo.EarthRadiusM*180/math.Pi, stop.Lon
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type event struct {
	kind string
	id   string
}

type recorder struct {
	mu         sync.Mutex
	slots      []event
	deviations []event
	fills      []model.FillRecord
	counts     map[string]int
}

func newRecorder() *recorder { return &recorder{counts: make(map[string]int)} }

func (r *recorder) PublishSlot(kind string, s model.Slot, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = append(r.slots, event{kind, s.ID})
	return nil
}

func (r *recorder) PublishDeviation(kind string, d model.DeviationRecord, _ float64, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deviations = append(r.deviations, event{kind, d.ID})
	return nil
}

func (r *recorder) PublishFill(f model.FillRecord, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, f)
	return nil
}

func (r *recorder) inc(k string) {
	r.mu.Lock()
	r.counts[k]++
	r.mu.Unlock()
}

func (r *recorder) count(k string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[k]
}

func (r *recorder) slotKinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.slots {
		out = append(out, e.kind)
	}
	return out
}

func (r *recorder) AllocationInc(outcome string)         { r.inc("alloc_" + outcome) }
func (r *recorder) TransitionInc(to model.SlotState)     { r.inc("to_" + string(to)) }
func (r *recorder) InvalidTransitionInc()                { r.inc("invalid") }
func (r *recorder) PromotionInc()                        { r.inc("promotion") }
func (r *recorder) DeviationInc(change string)           { r.inc("deviation_" + change) }
func (r *recorder) PositionInc(origin model.OriginKind)  { r.inc("position_" + string(origin)) }
func (r *recorder) NoDeterminationInc()                  { r.inc("no_determination") }
func (r *recorder) FillInc(mode model.FillMode)          { r.inc("fill_" + string(mode)) }
func (r *recorder) OpObserve(op string, _ time.Duration) { r.inc("op_" + op) }

type fixture struct {
	eng   *Engine
	store *store.Memory
	clock *fakeClock
	rec   *recorder
}

func newFixture(t *testing.T, direct, wait int) *fixture {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.PutRoute(ctx, model.Route{
		ID:             "r1",
		Name:           "Centro",
		Kind:           model.RouteOutbound,
		CapacityDirect: direct,
		CapacityWait:   wait,
		Stops: []model.Stop{
			{ID: "s1", Lat: stop.Lat, Lon: stop.Lon, Sequence: 1, Active: true},
			{ID: "s2", Lat: 11.60, Lon: -72.95, Sequence: 2, Active: true},
			{ID: "off", Lat: 11.5447, Lon: -72.9060, Sequence: 3, Active: false},
		},
	}))
	require.NoError(t, m.PutRoute(ctx, model.Route{ID: "bare", CapacityDirect: 1}))
	for i, at := range []time.Duration{time.Hour, 3 * time.Hour} {
		require.NoError(t, m.PutDeparture(ctx, model.Departure{
			ID:             fmt.Sprintf("d%d", i+1),
			RouteID:        "r1",
			ScheduledAt:    now.Add(at),
			CapacityDirect: direct,
			CapacityWait:   wait,
			Active:         true,
		}))
	}
	require.NoError(t, m.PutDeparture(ctx, model.Departure{ID: "bare1", RouteID: "bare", ScheduledAt: now.Add(time.Hour), CapacityDirect: 1, Active: true}))

	clock := &fakeClock{t: now}
	rec := newRecorder()
	eng := New(m, Config{}, WithClock(clock.Now), WithPublisher(rec), WithMetrics(rec))
	return &fixture{eng: eng, store: m, clock: clock, rec: rec}
}

func (f *fixture) user(t *testing.T, userID string, meters float64) PositionResult {
	t.Helper()
	lat, lon := north(meters)
	res, err := f.eng.ObservePosition(context.Background(), model.PositionReading{Origin: model.OriginUser, OriginID: userID, Lat: lat, Lon: lon})
	require.NoError(t, err)
	return res
}

func (f *fixture) vehicle(t *testing.T, routeID string, meters float64) PositionResult {
	t.Helper()
	lat, lon := north(meters)
	res, err := f.eng.ObservePosition(context.Background(), model.PositionReading{Origin: model.OriginVehicle, OriginID: "bus-1", RouteID: routeID, Lat: lat, Lon: lon})
	require.NoError(t, err)
	return res
}

func TestRequestSlotScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 1)

	a, err := f.eng.RequestSlot(ctx, "A", "r1", "")
	require.NoError(t, err)
	_, err = f.eng.RequestSlot(ctx, "B", "r1", "")
	require.NoError(t, err)
	c, err := f.eng.RequestSlot(ctx, "C", "r1", "")
	require.NoError(t, err)
	_, err = f.eng.RequestSlot(ctx, "D", "r1", "")
	assert.ErrorIs(t, err, model.ErrCapacityExhausted)

	assert.Equal(t, "d1", a.DepartureID)
	assert.True(t, c.Waitlisted)

	cancelled, err := f.eng.Cancel(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCancelled, cancelled.State)

	promotedC, err := f.store.Slot(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, promotedC.Waitlisted)
	assert.Equal(t, model.StateReserved, promotedC.State)

	_, ok, err := f.eng.PromoteNext(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []string{SlotCreated, SlotCreated, SlotWaitlisted, SlotCancelled, SlotPromoted}, f.rec.slotKinds())
	assert.Equal(t, 2, f.rec.count("alloc_direct"))
	assert.Equal(t, 1, f.rec.count("alloc_waitlist"))
	assert.Equal(t, 1, f.rec.count("alloc_rejected"))
	assert.Equal(t, 1, f.rec.count("promotion"))
}

func TestRequestSlotDeparturePinning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 1)

	s, err := f.eng.RequestSlot(ctx, "A", "", "d2")
	require.NoError(t, err)
	assert.Equal(t, "d2", s.DepartureID)
	assert.Equal(t, "r1", s.RouteID)

	_, err = f.eng.RequestSlot(ctx, "A", "bare", "d2")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.eng.RequestSlot(ctx, "A", "r1", "d2")
	assert.ErrorIs(t, err, model.ErrDuplicateReservation)
	assert.Equal(t, 1, f.rec.count("alloc_duplicate"))

	// after d1 leaves, the next departure is d2
	f.clock.Advance(time.Hour)
	_, err = f.eng.RequestSlot(ctx, "B", "", "d1")
	assert.ErrorIs(t, err, model.ErrNoDeparture)
	s, err = f.eng.RequestSlot(ctx, "B", "r1", "")
	require.NoError(t, err)
	assert.Equal(t, "d2", s.DepartureID)

	f.clock.Advance(3 * time.Hour)
	_, err = f.eng.RequestSlot(ctx, "C", "r1", "")
	assert.ErrorIs(t, err, model.ErrNoDeparture)
}

func TestTransitionsThroughEngine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 1)
	s, err := f.eng.RequestSlot(ctx, "A", "r1", "")
	require.NoError(t, err)

	confirmed, err := f.eng.Confirm(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateConfirmed, confirmed.State)
	assert.Equal(t, now, confirmed.ConfirmedAt)

	f.clock.Advance(time.Minute)
	again, err := f.eng.Confirm(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, now, again.ConfirmedAt)

	_, err = f.eng.Cancel(ctx, s.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, 1, f.rec.count("invalid"))

	occupied, err := f.eng.MarkOccupied(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOccupied, occupied.State)

	_, err = f.eng.Expire(ctx, s.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = f.eng.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestProximityConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, 1)
	s, err := f.eng.RequestSlot(ctx, "A", "r1", "")
	require.NoError(t, err)

	res := f.user(t, "A", 150)
	assert.True(t, res.Determined)
	assert.InDelta(t, 150, res.Distance, 1e-6)
	assert.Nil(t, res.Confirmed)
	cur, err := f.store.Slot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReserved, cur.State)

	res = f.user(t, "A", 95)
	require.NotNil(t, res.Confirmed)
	assert.Equal(t, s.ID, res.Confirmed.ID)
	assert.Equal(t, model.StateConfirmed, res.Confirmed.State)

	// nothing left to confirm
	res = f.user(t, "A", 10)
	assert.False(t, res.Determined)
	assert.Nil(t, res.Confirmed)

	assert.Len(t, f.store.Positions(), 3)
	assert.Equal(t, 3, f.rec.count("position_user"))
}

func TestProximityPicksEarliestDirectSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 1)

	later, err := f.eng.RequestSlot(ctx, "A", "r1", "d2")
	require.NoError(t, err)
	_, err = f.eng.RequestSlot(ctx, "X", "r1", "d1")
	require.NoError(t, err)
	waitlisted, err := f.eng.RequestSlot(ctx, "A", "r1", "d1")
	require.NoError(t, err)
	require.True(t, waitlisted.Waitlisted)

	res := f.user(t, "A", 20)
	require.NotNil(t, res.Confirmed)
	assert.Equal(t, later.ID, res.Confirmed.ID)

	cur, err := f.store.Slot(ctx, waitlisted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReserved, cur.State)
}

func TestProximityWithoutStopsIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 0)
	s, err := f.eng.RequestSlot(ctx, "A", "bare", "")
	require.NoError(t, err)

	res := f.user(t, "A", 0)
	assert.False(t, res.Determined)
	assert.Nil(t, res.Confirmed)
	assert.Equal(t, 1, f.rec.count("no_determination"))

	cur, err := f.store.Slot(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReserved, cur.State)
}

func TestObservePositionRejectsInvalidCoordinate(t *testing.T) {
	f := newFixture(t, 1, 0)
	_, err := f.eng.ObservePosition(context.Background(), model.PositionReading{Origin: model.OriginUser, OriginID: "A", Lat: 91, Lon: 0})
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)
	assert.Empty(t, f.store.Positions())

	_, err = f.eng.ObservePosition(context.Background(), model.PositionReading{Origin: "drone", Lat: 1, Lon: 1})
	assert.Error(t, err)
}

func TestVehicleDeviationLifecycle(t *testing.T) {
	f := newFixture(t, 1, 0)

	res := f.vehicle(t, "r1", 310)
	assert.Equal(t, deviation.Opened, res.Deviation)
	res = f.vehicle(t, "r1", 320)
	assert.Equal(t, deviation.Extended, res.Deviation)
	res = f.vehicle(t, "r1", 90)
	assert.Equal(t, deviation.Closed, res.Deviation)

	recs := f.store.Deviations("r1")
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Active)
	assert.InDelta(t, 320, recs[0].MaxDistance, 1e-6)

	assert.Equal(t, 1, f.rec.count("deviation_opened"))
	assert.Equal(t, 1, f.rec.count("deviation_closed"))
	require.Len(t, f.rec.deviations, 2)
	assert.Equal(t, "opened", f.rec.deviations[0].kind)

	// no stops, no route: no determination, never a deviation
	res = f.vehicle(t, "bare", 5000)
	assert.False(t, res.Determined)
	res = f.vehicle(t, "", 5000)
	assert.False(t, res.Determined)
	assert.Empty(t, f.store.Deviations("bare"))
	assert.Equal(t, 2, f.rec.count("no_determination"))
}

func TestTripFinalizationClosesDeviation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 0)

	trip, created, err := f.eng.StartTrip(ctx, "r1", "driver-1", "d1")
	require.NoError(t, err)
	assert.True(t, created)

	same, created, err := f.eng.StartTrip(ctx, "r1", "driver-2", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, trip.ID, same.ID)

	f.vehicle(t, "r1", 800)
	f.clock.Advance(40 * time.Minute)

	done, err := f.eng.FinalizeTrip(ctx, trip.ID, 12.5)
	require.NoError(t, err)
	assert.True(t, done.Finalized)
	assert.Equal(t, 40*time.Minute, done.Duration())
	assert.Equal(t, 12.5, done.DistanceKm)

	recs := f.store.Deviations("r1")
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Active)
	assert.Equal(t, now.Add(40*time.Minute), recs[0].EndedAt)

	f.clock.Advance(time.Minute)
	again, err := f.eng.FinalizeTrip(ctx, trip.ID, 99)
	require.NoError(t, err)
	assert.Equal(t, done, again)

	next, created, err := f.eng.StartTrip(ctx, "r1", "driver-1", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, trip.ID, next.ID)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 1)

	a, err := f.eng.RequestSlot(ctx, "A", "r1", "d1")
	require.NoError(t, err)
	w, err := f.eng.RequestSlot(ctx, "W", "r1", "d1")
	require.NoError(t, err)
	confirmed, err := f.eng.RequestSlot(ctx, "C", "r1", "d2")
	require.NoError(t, err)
	_, err = f.eng.Confirm(ctx, confirmed.ID)
	require.NoError(t, err)
	pending, err := f.eng.RequestSlot(ctx, "P", "r1", "d2")
	require.NoError(t, err)

	n, err := f.eng.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Hour)
	n, err = f.eng.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.ID, w.ID} {
		s, err := f.store.Slot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StateExpired, s.State)
		assert.Equal(t, now.Add(time.Hour), s.ExpiredAt)
	}
	s, err := f.store.Slot(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateReserved, s.State)

	// the bus has left: the freed seat is not handed to the waitlist
	assert.Zero(t, f.rec.count("promotion"))
	assert.NotContains(t, f.rec.slotKinds(), SlotPromoted)
}

func TestPromoteNextSkipsDepartedBus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 1)

	a, err := f.eng.RequestSlot(ctx, "A", "r1", "d1")
	require.NoError(t, err)
	_, err = f.eng.RequestSlot(ctx, "W", "r1", "d1")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	_, err = f.eng.Expire(ctx, a.ID)
	require.NoError(t, err)

	_, ok, err := f.eng.PromoteNext(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{SlotCreated, SlotWaitlisted, SlotExpired}, f.rec.slotKinds())
}

func TestSweepHonorsGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 0)
	f.eng = New(f.store, Config{ExpiryGrace: 10 * time.Minute}, WithClock(f.clock.Now))

	s, err := f.eng.RequestSlot(ctx, "A", "r1", "")
	require.NoError(t, err)

	f.clock.Advance(65 * time.Minute)
	// still confirmable during grace
	res := f.user(t, "A", 30)
	require.NotNil(t, res.Confirmed)
	assert.Equal(t, s.ID, res.Confirmed.ID)

	n, err := f.eng.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, 1)

	a1, err := f.eng.RequestSlot(ctx, "A", "r1", "d1")
	require.NoError(t, err)
	_, err = f.eng.RequestSlot(ctx, "B", "r1", "d2")
	require.NoError(t, err)
	_, err = f.eng.RequestSlot(ctx, "A", "r1", "d2")
	require.NoError(t, err)
	_, err = f.eng.MarkOccupied(ctx, a1.ID)
	require.NoError(t, err)

	sum, err := f.eng.Summary(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, Summary{Waitlisted: 1, Occupied: 1}, sum)
}

func TestConcurrentEngineTraffic(t *testing.T) {
	ctx := context.Background()
	const direct, wait = 4, 2
	f := newFixture(t, direct, wait)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := f.eng.RequestSlot(ctx, fmt.Sprintf("u%d", i), "r1", "d1")
			if err != nil {
				return
			}
			if i%3 == 0 {
				_, _ = f.eng.Cancel(ctx, s.ID)
			}
		}(i)
	}
	wg.Wait()

	var occ model.Occupancy
	require.NoError(t, f.store.InDeparture(ctx, "d1", func(tx store.DepartureTx) error {
		var err error
		occ, err = tx.Occupancy(ctx)
		return err
	}))
	assert.LessOrEqual(t, occ.Direct, direct)
	assert.LessOrEqual(t, occ.Waitlisted, wait)
	// a freed direct seat never stays empty while someone waits
	if occ.Waitlisted > 0 {
		assert.Equal(t, direct, occ.Direct)
	}
}

func TestStartSweeperStops(t *testing.T) {
	f := newFixture(t, 1, 0)
	f.eng = New(f.store, Config{SweepInterval: time.Millisecond}, WithClock(f.clock.Now))
	_, err := f.eng.RequestSlot(context.Background(), "A", "r1", "")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	f.eng.StartSweeper(context.Background())
	require.Eventually(t, func() bool {
		slots, _ := f.store.SlotsByUser(context.Background(), "A")
		return len(slots) == 1 && slots[0].State == model.StateExpired
	}, time.Second, 5*time.Millisecond)
	f.eng.Stop()
}
