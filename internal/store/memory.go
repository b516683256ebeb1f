package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"shuttle-slots/internal/model"
)

// Memory is a Store kept in process memory. It is used by tests and by
// single-instance deployments started with STORE=memory.
type Memory struct {
	mu         sync.RWMutex
	routes     map[string]model.Route
	departures map[string]model.Departure
	slots      map[string]model.Slot
	byDep      map[string][]string // departure id -> slot ids in insertion order
	deviations map[string]model.DeviationRecord
	trips      map[string]model.Trip
	fills      []model.FillRecord
	positions  []model.PositionReading

	seq        atomic.Int64
	depLocks   *keyedMutex
	routeLocks *keyedMutex
}

func NewMemory() *Memory {
	return &Memory{
		routes:     make(map[string]model.Route),
		departures: make(map[string]model.Departure),
		slots:      make(map[string]model.Slot),
		byDep:      make(map[string][]string),
		deviations: make(map[string]model.DeviationRecord),
		trips:      make(map[string]model.Trip),
		depLocks:   newKeyedMutex(),
		routeLocks: newKeyedMutex(),
	}
}

func (m *Memory) Route(_ context.Context, id string) (model.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, fmt.Errorf("route %s: %w", id, model.ErrNotFound)
	}
	r.Stops = append([]model.Stop(nil), r.Stops...)
	return r, nil
}

func (m *Memory) PutRoute(_ context.Context, r model.Route) error {
	r.Stops = append([]model.Stop(nil), r.Stops...)
	sort.SliceStable(r.Stops, func(i, j int) bool { return r.Stops[i].Sequence < r.Stops[j].Sequence })
	m.mu.Lock()
	m.routes[r.ID] = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) Departure(_ context.Context, id string) (model.Departure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.departures[id]
	if !ok {
		return model.Departure{}, fmt.Errorf("departure %s: %w", id, model.ErrNotFound)
	}
	return d, nil
}

func (m *Memory) PutDeparture(_ context.Context, d model.Departure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[d.RouteID]; !ok {
		return fmt.Errorf("route %s: %w", d.RouteID, model.ErrNotFound)
	}
	m.departures[d.ID] = d
	return nil
}

func (m *Memory) NextDeparture(_ context.Context, routeID string, after time.Time) (model.Departure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.routes[routeID]; !ok {
		return model.Departure{}, fmt.Errorf("route %s: %w", routeID, model.ErrNotFound)
	}
	var best model.Departure
	found := false
	for _, d := range m.departures {
		if d.RouteID != routeID || !d.Active || !d.ScheduledAt.After(after) {
			continue
		}
		if !found || d.ScheduledAt.Before(best.ScheduledAt) {
			best = d
			found = true
		}
	}
	if !found {
		return model.Departure{}, fmt.Errorf("route %s: %w", routeID, model.ErrNoDeparture)
	}
	return best, nil
}

func (m *Memory) Slot(_ context.Context, id string) (model.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[id]
	if !ok {
		return model.Slot{}, fmt.Errorf("slot %s: %w", id, model.ErrNotFound)
	}
	return s, nil
}

func (m *Memory) SlotsByUser(_ context.Context, userID string) ([]model.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Slot
	for _, s := range m.slots {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *Memory) DueReservations(_ context.Context, cutoff time.Time, limit int) ([]model.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Slot
	for _, s := range m.slots {
		if s.State != model.StateReserved {
			continue
		}
		d, ok := m.departures[s.DepartureID]
		if !ok || d.ScheduledAt.After(cutoff) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := m.departures[out[i].DepartureID], m.departures[out[j].DepartureID]
		if !di.ScheduledAt.Equal(dj.ScheduledAt) {
			return di.ScheduledAt.Before(dj.ScheduledAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Trip(_ context.Context, id string) (model.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return model.Trip{}, fmt.Errorf("trip %s: %w", id, model.ErrNotFound)
	}
	return t, nil
}

func (m *Memory) RecordPosition(_ context.Context, r model.PositionReading) error {
	m.mu.Lock()
	m.positions = append(m.positions, r)
	m.mu.Unlock()
	return nil
}

// Positions returns a copy of every recorded reading.
func (m *Memory) Positions() []model.PositionReading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.PositionReading(nil), m.positions...)
}

// Deviations returns every deviation record of a route, oldest first.
func (m *Memory) Fills(_ context.Context, routeID string, limit int) ([]model.FillRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.FillRecord
	for i := len(m.fills) - 1; i >= 0; i-- {
		if m.fills[i].RouteID != routeID {
			continue
		}
		out = append(out, m.fills[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	return out, nil
}

func (m *Memory) Deviations(routeID string) []model.DeviationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.DeviationRecord
	for _, d := range m.deviations {
		if d.RouteID == routeID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Memory) InDeparture(ctx context.Context, departureID string, fn func(tx DepartureTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.depLocks.Lock(departureID)
	defer unlock()

	dep, err := m.Departure(ctx, departureID)
	if err != nil {
		return err
	}
	tx := &memDepartureTx{m: m, dep: dep, pending: make(map[string]model.Slot)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *Memory) InRoute(ctx context.Context, routeID string, fn func(tx RouteTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.routeLocks.Lock(routeID)
	defer unlock()

	if _, err := m.Route(ctx, routeID); err != nil {
		return err
	}
	tx := &memRouteTx{
		m:          m,
		routeID:    routeID,
		deviations: make(map[string]model.DeviationRecord),
		trips:      make(map[string]model.Trip),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memDepartureTx stages writes until commit; reads see staged writes first.
type memDepartureTx struct {
	m        *Memory
	dep      model.Departure
	pending  map[string]model.Slot
	inserted []string
}

func (tx *memDepartureTx) Departure() model.Departure { return tx.dep }

// view returns the departure's slots as this transaction sees them, in insertion order.
func (tx *memDepartureTx) view() []model.Slot {
	tx.m.mu.RLock()
	ids := tx.m.byDep[tx.dep.ID]
	out := make([]model.Slot, 0, len(ids)+len(tx.inserted))
	for _, id := range ids {
		if s, ok := tx.pending[id]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, tx.m.slots[id])
	}
	tx.m.mu.RUnlock()
	for _, id := range tx.inserted {
		out = append(out, tx.pending[id])
	}
	return out
}

func (tx *memDepartureTx) Occupancy(_ context.Context) (model.Occupancy, error) {
	var o model.Occupancy
	for _, s := range tx.view() {
		if !s.State.HoldsSeat() {
			continue
		}
		if s.Waitlisted {
			o.Waitlisted++
		} else {
			o.Direct++
		}
	}
	return o, nil
}

func (tx *memDepartureTx) OccupiedCount(_ context.Context) (int, error) {
	n := 0
	for _, s := range tx.view() {
		if s.State == model.StateOccupied {
			n++
		}
	}
	return n, nil
}

func (tx *memDepartureTx) PairSlot(_ context.Context, userID string) (model.Slot, bool, error) {
	for _, s := range tx.view() {
		if s.UserID == userID && s.State.HoldsPair() {
			return s, true, nil
		}
	}
	return model.Slot{}, false, nil
}

func (tx *memDepartureTx) Slot(_ context.Context, id string) (model.Slot, error) {
	for _, s := range tx.view() {
		if s.ID == id {
			return s, nil
		}
	}
	return model.Slot{}, fmt.Errorf("slot %s in departure %s: %w", id, tx.dep.ID, model.ErrNotFound)
}

func (tx *memDepartureTx) OldestWaitlisted(_ context.Context) (model.Slot, bool, error) {
	var best model.Slot
	found := false
	for _, s := range tx.view() {
		if !s.Waitlisted || s.State != model.StateReserved {
			continue
		}
		if !found || s.CreatedAt.Before(best.CreatedAt) || (s.CreatedAt.Equal(best.CreatedAt) && s.Seq < best.Seq) {
			best = s
			found = true
		}
	}
	return best, found, nil
}

func (tx *memDepartureTx) InsertSlot(ctx context.Context, s *model.Slot) error {
	if s.DepartureID != tx.dep.ID {
		return fmt.Errorf("insert slot: departure %s outside transaction %s", s.DepartureID, tx.dep.ID)
	}
	if s.State.HoldsPair() {
		if _, held, _ := tx.PairSlot(ctx, s.UserID); held {
			return fmt.Errorf("insert slot: user %s: %w", s.UserID, model.ErrDuplicateReservation)
		}
	}
	s.Seq = tx.m.seq.Add(1)
	tx.pending[s.ID] = *s
	tx.inserted = append(tx.inserted, s.ID)
	return nil
}

func (tx *memDepartureTx) UpdateSlot(ctx context.Context, s model.Slot) error {
	if _, err := tx.Slot(ctx, s.ID); err != nil {
		return err
	}
	tx.pending[s.ID] = s
	return nil
}

func (tx *memDepartureTx) commit() {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	for id, s := range tx.pending {
		tx.m.slots[id] = s
	}
	tx.m.byDep[tx.dep.ID] = append(tx.m.byDep[tx.dep.ID], tx.inserted...)
}

type memRouteTx struct {
	m          *Memory
	routeID    string
	deviations map[string]model.DeviationRecord
	trips      map[string]model.Trip
	fills      []model.FillRecord
}

func (tx *memRouteTx) RouteID() string { return tx.routeID }

func (tx *memRouteTx) ActiveDeviation(_ context.Context) (model.DeviationRecord, bool, error) {
	for _, d := range tx.deviations {
		if d.Active {
			return d, true, nil
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	for id, d := range tx.m.deviations {
		if _, staged := tx.deviations[id]; staged {
			continue
		}
		if d.RouteID == tx.routeID && d.Active {
			return d, true, nil
		}
	}
	return model.DeviationRecord{}, false, nil
}

func (tx *memRouteTx) InsertDeviation(ctx context.Context, d model.DeviationRecord) error {
	if d.RouteID != tx.routeID {
		return fmt.Errorf("insert deviation: route %s outside transaction %s", d.RouteID, tx.routeID)
	}
	if d.Active {
		if _, open, _ := tx.ActiveDeviation(ctx); open {
			return fmt.Errorf("insert deviation: route %s: %w", tx.routeID, model.ErrActiveRecordExists)
		}
	}
	tx.deviations[d.ID] = d
	return nil
}

func (tx *memRouteTx) UpdateDeviation(_ context.Context, d model.DeviationRecord) error {
	tx.deviations[d.ID] = d
	return nil
}

func (tx *memRouteTx) ActiveTrip(_ context.Context) (model.Trip, bool, error) {
	for _, t := range tx.trips {
		if !t.Finalized {
			return t, true, nil
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	for id, t := range tx.m.trips {
		if _, staged := tx.trips[id]; staged {
			continue
		}
		if t.RouteID == tx.routeID && !t.Finalized {
			return t, true, nil
		}
	}
	return model.Trip{}, false, nil
}

func (tx *memRouteTx) Trip(ctx context.Context, id string) (model.Trip, error) {
	if t, ok := tx.trips[id]; ok {
		return t, nil
	}
	t, err := tx.m.Trip(ctx, id)
	if err != nil {
		return model.Trip{}, err
	}
	if t.RouteID != tx.routeID {
		return model.Trip{}, fmt.Errorf("trip %s on route %s: %w", id, tx.routeID, model.ErrNotFound)
	}
	return t, nil
}

func (tx *memRouteTx) InsertTrip(ctx context.Context, t model.Trip) error {
	if !t.Finalized {
		if _, ok, _ := tx.ActiveTrip(ctx); ok {
			return fmt.Errorf("insert trip: route %s: %w", tx.routeID, model.ErrActiveRecordExists)
		}
	}
	tx.trips[t.ID] = t
	return nil
}

func (tx *memRouteTx) UpdateTrip(_ context.Context, t model.Trip) error {
	tx.trips[t.ID] = t
	return nil
}

func (tx *memRouteTx) InsertFill(_ context.Context, f model.FillRecord) error {
	if f.RouteID != tx.routeID {
		return fmt.Errorf("insert fill: route %s outside transaction %s", f.RouteID, tx.routeID)
	}
	tx.fills = append(tx.fills, f)
	return nil
}

func (tx *memRouteTx) commit() {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	for id, d := range tx.deviations {
		tx.m.deviations[id] = d
	}
	for id, t := range tx.trips {
		tx.m.trips[id] = t
	}
	tx.m.fills = append(tx.m.fills, tx.fills...)
}

var _ Store = (*Memory)(nil)
