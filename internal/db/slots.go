package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"shuttle-slots/internal/model"
	"shuttle-slots/internal/store"
)

const slotColumns = `id, seq, user_id, route_id, departure_id, state, waitlisted,
  created_at, confirmed_at, cancelled_at, expired_at, occupied_at`

func scanSlot(row interface{ Scan(...any) error }) (model.Slot, error) {
	var s model.Slot
	var state string
	var confirmed, cancelled, exp, occ sql.NullTime
	err := row.Scan(&s.ID, &s.Seq, &s.UserID, &s.RouteID, &s.DepartureID, &state, &s.Waitlisted,
		&s.CreatedAt, &confirmed, &cancelled, &exp, &occ)
	if err != nil {
		return model.Slot{}, err
	}
	s.State = model.SlotState(state)
	s.ConfirmedAt = timeOf(confirmed)
	s.CancelledAt = timeOf(cancelled)
	s.ExpiredAt = timeOf(exp)
	s.OccupiedAt = timeOf(occ)
	return s, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func querySlots(ctx context.Context, q querier, query string, args ...any) ([]model.Slot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query slots: %w", err)
	}
	defer rows.Close()
	var out []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s *Store) Slot(ctx context.Context, id string) (model.Slot, error) {
	sl, err := scanSlot(s.db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Slot{}, fmt.Errorf("slot %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Slot{}, fmt.Errorf("query slot: %w", err)
	}
	return sl, nil
}

func (s *Store) SlotsByUser(ctx context.Context, userID string) ([]model.Slot, error) {
	return querySlots(ctx, s.db, `SELECT `+slotColumns+` FROM slots WHERE user_id = $1 ORDER BY seq`, userID)
}

func (s *Store) DueReservations(ctx context.Context, cutoff time.Time, limit int) ([]model.Slot, error) {
	return querySlots(ctx, s.db, `
SELECT s.id, s.seq, s.user_id, s.route_id, s.departure_id, s.state, s.waitlisted,
  s.created_at, s.confirmed_at, s.cancelled_at, s.expired_at, s.occupied_at
FROM slots s JOIN departures d ON d.id = s.departure_id
WHERE s.state = 'RESERVED' AND d.scheduled_at <= $1
ORDER BY d.scheduled_at, s.seq
LIMIT NULLIF($2::int, 0)`, cutoff, limit)
}

func (s *Store) InDeparture(ctx context.Context, departureID string, fn func(tx store.DepartureTx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		dep, err := scanDeparture(tx.QueryRowContext(ctx,
			`SELECT `+departureColumns+` FROM departures WHERE id = $1 FOR UPDATE`, departureID))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("departure %s: %w", departureID, model.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock departure: %w", err)
		}
		return fn(&departureTx{tx: tx, dep: dep})
	})
}

type departureTx struct {
	tx  *sql.Tx
	dep model.Departure
}

func (t *departureTx) Departure() model.Departure { return t.dep }

func (t *departureTx) Occupancy(ctx context.Context) (model.Occupancy, error) {
	var o model.Occupancy
	err := t.tx.QueryRowContext(ctx, `
SELECT COUNT(*) FILTER (WHERE NOT waitlisted), COUNT(*) FILTER (WHERE waitlisted)
FROM slots WHERE departure_id = $1 AND state IN ('RESERVED', 'CONFIRMED')`, t.dep.ID,
	).Scan(&o.Direct, &o.Waitlisted)
	if err != nil {
		return model.Occupancy{}, fmt.Errorf("count occupancy: %w", err)
	}
	return o, nil
}

func (t *departureTx) OccupiedCount(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM slots WHERE departure_id = $1 AND state = 'OCCUPIED'`, t.dep.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count occupied: %w", err)
	}
	return n, nil
}

func (t *departureTx) PairSlot(ctx context.Context, userID string) (model.Slot, bool, error) {
	s, err := scanSlot(t.tx.QueryRowContext(ctx, `
SELECT `+slotColumns+` FROM slots
WHERE departure_id = $1 AND user_id = $2 AND state NOT IN ('CANCELLED', 'EXPIRED')`, t.dep.ID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Slot{}, false, nil
	}
	if err != nil {
		return model.Slot{}, false, fmt.Errorf("query pair slot: %w", err)
	}
	return s, true, nil
}

func (t *departureTx) Slot(ctx context.Context, id string) (model.Slot, error) {
	s, err := scanSlot(t.tx.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE id = $1 AND departure_id = $2`, id, t.dep.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Slot{}, fmt.Errorf("slot %s in departure %s: %w", id, t.dep.ID, model.ErrNotFound)
	}
	if err != nil {
		return model.Slot{}, fmt.Errorf("query slot: %w", err)
	}
	return s, nil
}

func (t *departureTx) OldestWaitlisted(ctx context.Context) (model.Slot, bool, error) {
	s, err := scanSlot(t.tx.QueryRowContext(ctx, `
SELECT `+slotColumns+` FROM slots
WHERE departure_id = $1 AND waitlisted AND state = 'RESERVED'
ORDER BY created_at, seq LIMIT 1`, t.dep.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Slot{}, false, nil
	}
	if err != nil {
		return model.Slot{}, false, fmt.Errorf("query oldest waitlisted: %w", err)
	}
	return s, true, nil
}

func (t *departureTx) InsertSlot(ctx context.Context, s *model.Slot) error {
	if s.DepartureID != t.dep.ID {
		return fmt.Errorf("insert slot: departure %s outside transaction %s", s.DepartureID, t.dep.ID)
	}
	err := t.tx.QueryRowContext(ctx, `
INSERT INTO slots (id, user_id, route_id, departure_id, state, waitlisted,
  created_at, confirmed_at, cancelled_at, expired_at, occupied_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING seq`,
		s.ID, s.UserID, s.RouteID, s.DepartureID, string(s.State), s.Waitlisted,
		s.CreatedAt, nullTime(s.ConfirmedAt), nullTime(s.CancelledAt), nullTime(s.ExpiredAt), nullTime(s.OccupiedAt),
	).Scan(&s.Seq)
	if isCode(err, codeUniqueViolation) {
		return fmt.Errorf("insert slot: user %s: %w", s.UserID, model.ErrDuplicateReservation)
	}
	if err != nil {
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

func (t *departureTx) UpdateSlot(ctx context.Context, s model.Slot) error {
	res, err := t.tx.ExecContext(ctx, `
UPDATE slots SET state = $3, waitlisted = $4,
  confirmed_at = $5, cancelled_at = $6, expired_at = $7, occupied_at = $8
WHERE id = $1 AND departure_id = $2`,
		s.ID, t.dep.ID, string(s.State), s.Waitlisted,
		nullTime(s.ConfirmedAt), nullTime(s.CancelledAt), nullTime(s.ExpiredAt), nullTime(s.OccupiedAt))
	if isCode(err, codeUniqueViolation) {
		return fmt.Errorf("update slot %s: %w", s.ID, model.ErrDuplicateReservation)
	}
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("slot %s in departure %s: %w", s.ID, t.dep.ID, model.ErrNotFound)
	}
	return nil
}
