package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

const (
	deviationColumns = `id, route_id, started_at, ended_at, first_distance, max_distance, active`
	tripColumns      = `id, route_id, driver_id, departure_id, started_at, ended_at, finalized, distance_km`
)

func scanDeviation(row interface{ Scan(...any) error }) (model.DeviationRecord, error) {
	var d model.DeviationRecord
	var ended sql.NullTime
	if err := row.Scan(&d.ID, &d.RouteID, &d.StartedAt, &ended, &d.FirstDistance, &d.MaxDistance, &d.Active); err != nil {
		return model.DeviationRecord{}, err
	}
	d.EndedAt = timeOf(ended)
	return d, nil
}

func scanTrip(row interface{ Scan(...any) error }) (model.Trip, error) {
	var t model.Trip
	var ended sql.NullTime
	if err := row.Scan(&t.ID, &t.RouteID, &t.DriverID, &t.DepartureID, &t.StartedAt, &ended, &t.Finalized, &t.DistanceKm); err != nil {
		return model.Trip{}, err
	}
	t.EndedAt = timeOf(ended)
	return t, nil
}

func (s *Store) Trip(ctx context.Context, id string) (model.Trip, error) {
	t, err := scanTrip(s.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trip{}, fmt.Errorf("trip %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Trip{}, fmt.Errorf("query trip: %w", err)
	}
	return t, nil
}

// Deviations returns every deviation record of a route, oldest first.
func (s *Store) Deviations(ctx context.Context, routeID string) ([]model.DeviationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviationColumns+` FROM deviations WHERE route_id = $1 ORDER BY started_at`, routeID)
	if err != nil {
		return nil, fmt.Errorf("query deviations: %w", err)
	}
	defer rows.Close()
	var out []model.DeviationRecord
	for rows.Next() {
		d, err := scanDeviation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) InRoute(ctx context.Context, routeID string, fn func(tx store.RouteTx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT id FROM routes WHERE id = $1 FOR UPDATE`, routeID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("route %s: %w", routeID, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock route: %w", err)
		}
		return fn(&routeTx{tx: tx, routeID: routeID})
	})
}

type routeTx struct {
	tx      *sql.Tx
	routeID string
}

func (t *routeTx) RouteID() string { return t.routeID }

func (t *routeTx) ActiveDeviation(ctx context.Context) (model.DeviationRecord, bool, error) {
	d, err := scanDeviation(t.tx.QueryRowContext(ctx,
		`SELECT `+deviationColumns+` FROM deviations WHERE route_id = $1 AND active`, t.routeID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeviationRecord{}, false, nil
	}
	if err != nil {
		return model.DeviationRecord{}, false, fmt.Errorf("query active deviation: %w", err)
	}
	return d, true, nil
}

func (t *routeTx) InsertDeviation(ctx context.Context, d model.DeviationRecord) error {
	if d.RouteID != t.routeID {
		return fmt.Errorf("insert deviation: route %s outside transaction %s", d.RouteID, t.routeID)
	}
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO deviations (`+deviationColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (route_id) WHERE active DO NOTHING`,
		d.ID, d.RouteID, d.StartedAt, nullTime(d.EndedAt), d.FirstDistance, d.MaxDistance, d.Active)
	return insertedOne(res, err, "insert deviation", t.routeID)
}

// insertedOne maps an ON CONFLICT DO NOTHING insert that wrote no row to
// ErrActiveRecordExists. The conflict leaves the transaction usable.
func insertedOne(res sql.Result, err error, op, routeID string) error {
	if isCode(err, codeUniqueViolation) {
		return fmt.Errorf("%s: route %s: %w", op, routeID, model.ErrActiveRecordExists)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: route %s: %w", op, routeID, model.ErrActiveRecordExists)
	}
	return nil
}

func (t *routeTx) UpdateDeviation(ctx context.Context, d model.DeviationRecord) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE deviations SET ended_at = $3, max_distance = $4, active = $5
WHERE id = $1 AND route_id = $2`,
		d.ID, t.routeID, nullTime(d.EndedAt), d.MaxDistance, d.Active)
	if err != nil {
		return fmt.Errorf("update deviation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deviation %s on route %s: %w", d.ID, t.routeID, model.ErrNotFound)
	}
	return nil
}

func (t *routeTx) ActiveTrip(ctx context.Context) (model.Trip, bool, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE route_id = $1 AND NOT finalized`, t.routeID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trip{}, false, nil
	}
	if err != nil {
		return model.Trip{}, false, fmt.Errorf("query active trip: %w", err)
	}
	return tr, true, nil
}

func (t *routeTx) Trip(ctx context.Context, id string) (model.Trip, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE id = $1 AND route_id = $2`, id, t.routeID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Trip{}, fmt.Errorf("trip %s on route %s: %w", id, t.routeID, model.ErrNotFound)
	}
	if err != nil {
		return model.Trip{}, fmt.Errorf("query trip: %w", err)
	}
	return tr, nil
}

func (t *routeTx) InsertTrip(ctx context.Context, tr model.Trip) error {
	if tr.RouteID != t.routeID {
		return fmt.Errorf("insert trip: route %s outside transaction %s", tr.RouteID, t.routeID)
	}
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO trips (`+tripColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (route_id) WHERE NOT finalized DO NOTHING`,
		tr.ID, tr.RouteID, tr.DriverID, tr.DepartureID, tr.StartedAt, nullTime(tr.EndedAt), tr.Finalized, tr.DistanceKm)
	return insertedOne(res, err, "insert trip", t.routeID)
}

func (t *routeTx) UpdateTrip(ctx context.Context, tr model.Trip) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE trips SET ended_at = $3, finalized = $4, distance_km = $5
WHERE id = $1 AND route_id = $2`,
		tr.ID, t.routeID, nullTime(tr.EndedAt), tr.Finalized, tr.DistanceKm)
	if err != nil {
		return fmt.Errorf("update trip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trip %s on route %s: %w", tr.ID, t.routeID, model.ErrNotFound)
	}
	return nil
}
