package db

import (
	"context"
	"fmt"

	"shuttle-slots/internal/model"
)

const fillColumns = `id, route_id, departure_id, driver_id, mode, occupied, total, notes, recorded_at`

// Fills returns the route's fill records, newest first.
func (s *Store) Fills(ctx context.Context, routeID string, limit int) ([]model.FillRecord, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+fillColumns+` FROM fills WHERE route_id = $1
ORDER BY recorded_at DESC, id LIMIT NULLIF($2::int, 0)`, routeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()
	var out []model.FillRecord
	for rows.Next() {
		var f model.FillRecord
		var mode string
		if err := rows.Scan(&f.ID, &f.RouteID, &f.DepartureID, &f.DriverID, &mode, &f.Occupied, &f.Total, &f.Notes, &f.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Mode = model.FillMode(mode)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (t *routeTx) InsertFill(ctx context.Context, f model.FillRecord) error {
	if f.RouteID != t.routeID {
		return fmt.Errorf("insert fill: route %s outside transaction %s", f.RouteID, t.routeID)
	}
	_, err := t.tx.ExecContext(ctx, `
INSERT INTO fills (`+fillColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.RouteID, f.DepartureID, f.DriverID, string(f.Mode), f.Occupied, f.Total, f.Notes, f.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}
