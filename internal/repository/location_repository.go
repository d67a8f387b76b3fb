package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ahlgreen/fieldroute/internal/model"
)

// LocationRepository provides access to service locations.
type LocationRepository struct {
	pool *pgxpool.Pool
}

// NewLocationRepository creates a new repository backed by the given PG pool.
func NewLocationRepository(pool *pgxpool.Pool) *LocationRepository {
	return &LocationRepository{pool: pool}
}

// scanLocation reads one service_locations row.
func scanLocation(row pgx.Row) (*model.ServiceLocation, error) {
	s := &model.ServiceLocation{}
	var lat, lon *float64
	err := row.Scan(
		&s.ID, &s.OwnerID, &s.ServiceTypeID, &s.Name, &s.Address,
		&lat, &lon,
		&s.DueDate, &s.PriorityDate, &s.ServiceMinutes,
		&s.Status, &s.Active, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lat != nil && lon != nil {
		s.Coords = &model.Location{Lat: *lat, Lon: *lon}
	}
	return s, nil
}

const locationColumns = `
	id, owner_id, service_type_id, name, address,
	lat, lon,
	due_date, priority_date, service_minutes,
	status, active, created_at, updated_at`

// GetLocation fetches a single service location by ID.
func (r *LocationRepository) GetLocation(ctx context.Context, id int64) (*model.ServiceLocation, error) {
	s, err := scanLocation(r.pool.QueryRow(ctx,
		`SELECT `+locationColumns+` FROM service_locations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLocationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get location %d: %w", id, err)
	}
	return s, nil
}

// ListOpenCandidates fetches the candidate pool for planning: active, open,
// coordinate-resolved locations of one owner. Ordered by ID so the greedy
// scan's first-minimum tie-break is deterministic across runs.
func (r *LocationRepository) ListOpenCandidates(ctx context.Context, ownerID int64) ([]model.ServiceLocation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+locationColumns+`
		FROM service_locations
		WHERE owner_id = $1
		  AND active
		  AND status = 'open'
		  AND lat IS NOT NULL AND lon IS NOT NULL
		ORDER BY id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list open candidates owner=%d: %w", ownerID, err)
	}
	defer rows.Close()

	var out []model.ServiceLocation
	for rows.Next() {
		s, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ErrLocationNotFound is returned when a lookup matches no row.
var ErrLocationNotFound = errors.New("service location not found")
