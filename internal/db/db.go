// Package db is the PostgreSQL implementation of store.Store.
//
// InDeparture and InRoute run fn inside one transaction that first locks the
// departure or route row with SELECT ... FOR UPDATE, so units of work on the
// same key queue behind each other while different keys proceed in parallel.
// Partial unique indexes back the one-live-slot-per-pair and
// one-active-deviation-per-route rules.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

//go:embed schema.sql
var schema string

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) DB() *sql.DB { return s.db }

// inTx commits when fn returns nil and rolls back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Route(ctx context.Context, id string) (model.Route, error) {
	var r model.Route
	var kind string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, capacity_direct, capacity_wait FROM routes WHERE id = $1`, id,
	).Scan(&r.ID, &r.Name, &kind, &r.CapacityDirect, &r.CapacityWait)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, fmt.Errorf("route %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Route{}, fmt.Errorf("query route: %w", err)
	}
	r.Kind = model.RouteKind(kind)

	rows, err := s.db.QueryContext(ctx, `
SELECT stop_id, name, lat, lon, sequence, active
FROM route_stops WHERE route_id = $1 ORDER BY sequence, stop_id`, id)
	if err != nil {
		return model.Route{}, fmt.Errorf("query route stops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st model.Stop
		if err := rows.Scan(&st.ID, &st.Name, &st.Lat, &st.Lon, &st.Sequence, &st.Active); err != nil {
			return model.Route{}, err
		}
		r.Stops = append(r.Stops, st)
	}
	return r, rows.Err()
}

// PutRoute upserts the route and replaces its stop list.
func (s *Store) PutRoute(ctx context.Context, r model.Route) error {
	if r.Kind == "" {
		r.Kind = model.RouteOutbound
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO routes (id, name, kind, capacity_direct, capacity_wait)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
  name = EXCLUDED.name, kind = EXCLUDED.kind,
  capacity_direct = EXCLUDED.capacity_direct, capacity_wait = EXCLUDED.capacity_wait`,
			r.ID, r.Name, string(r.Kind), r.CapacityDirect, r.CapacityWait)
		if err != nil {
			return fmt.Errorf("upsert route: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE route_id = $1`, r.ID); err != nil {
			return fmt.Errorf("delete route stops: %w", err)
		}
		for _, st := range r.Stops {
			_, err := tx.ExecContext(ctx, `
INSERT INTO route_stops (route_id, stop_id, name, lat, lon, sequence, active)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				r.ID, st.ID, st.Name, st.Lat, st.Lon, st.Sequence, st.Active)
			if err != nil {
				return fmt.Errorf("insert route stop %s: %w", st.ID, err)
			}
		}
		return nil
	})
}

const departureColumns = `id, route_id, scheduled_at, capacity_direct, capacity_wait, active`

func scanDeparture(row interface{ Scan(...any) error }) (model.Departure, error) {
	var d model.Departure
	err := row.Scan(&d.ID, &d.RouteID, &d.ScheduledAt, &d.CapacityDirect, &d.CapacityWait, &d.Active)
	return d, err
}

func (s *Store) Departure(ctx context.Context, id string) (model.Departure, error) {
	d, err := scanDeparture(s.db.QueryRowContext(ctx,
		`SELECT `+departureColumns+` FROM departures WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Departure{}, fmt.Errorf("departure %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Departure{}, fmt.Errorf("query departure: %w", err)
	}
	return d, nil
}

func (s *Store) PutDeparture(ctx context.Context, d model.Departure) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO departures (`+departureColumns+`)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
  scheduled_at = EXCLUDED.scheduled_at,
  capacity_direct = EXCLUDED.capacity_direct, capacity_wait = EXCLUDED.capacity_wait,
  active = EXCLUDED.active`,
		d.ID, d.RouteID, d.ScheduledAt, d.CapacityDirect, d.CapacityWait, d.Active)
	if isCode(err, codeForeignKeyViolation) {
		return fmt.Errorf("route %s: %w", d.RouteID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("upsert departure: %w", err)
	}
	return nil
}

func (s *Store) NextDeparture(ctx context.Context, routeID string, after time.Time) (model.Departure, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM routes WHERE id = $1)`, routeID).Scan(&exists); err != nil {
		return model.Departure{}, fmt.Errorf("query route: %w", err)
	}
	if !exists {
		return model.Departure{}, fmt.Errorf("route %s: %w", routeID, model.ErrNotFound)
	}
	d, err := scanDeparture(s.db.QueryRowContext(ctx, `
SELECT `+departureColumns+` FROM departures
WHERE route_id = $1 AND active AND scheduled_at > $2
ORDER BY scheduled_at LIMIT 1`, routeID, after))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Departure{}, fmt.Errorf("route %s: %w", routeID, model.ErrNoDeparture)
	}
	if err != nil {
		return model.Departure{}, fmt.Errorf("query next departure: %w", err)
	}
	return d, nil
}

func (s *Store) RecordPosition(ctx context.Context, r model.PositionReading) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO positions (id, origin, origin_id, lat, lon, route_id, trip_id, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, string(r.Origin), r.OriginID, r.Lat, r.Lon, r.RouteID, r.TripID, r.Timestamp)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timeOf(n sql.NullTime) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return n.Time
}
