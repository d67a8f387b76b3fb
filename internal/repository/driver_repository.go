// Package repository provides database access for the route planning system.
//
// All repositories are backed by a shared pgx connection pool. Multi-entity
// mutations run inside a single transaction with a deferred rollback, so a
// failure anywhere leaves no partial writes.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ahlgreen/fieldroute/internal/model"
)

// DriverRepository provides read access to drivers and their availability.
type DriverRepository struct {
	pool *pgxpool.Pool
}

// NewDriverRepository creates a new repository backed by the given PG pool.
func NewDriverRepository(pool *pgxpool.Pool) *DriverRepository {
	return &DriverRepository{pool: pool}
}

// GetDriver fetches a single driver by ID.
func (r *DriverRepository) GetDriver(ctx context.Context, id int64) (*model.Driver, error) {
	d := &model.Driver{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_id, name,
		       start_lat, start_lon,
		       max_work_minutes_per_day, active, created_at, updated_at
		FROM drivers
		WHERE id = $1
	`, id).Scan(
		&d.ID, &d.OwnerID, &d.Name,
		&d.Start.Lat, &d.Start.Lon,
		&d.MaxWorkMinutes, &d.Active, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get driver %d: %w", id, err)
	}
	return d, nil
}

// ListActiveDrivers fetches all active drivers for one owner, ordered by ID
// so batch planning walks drivers in a stable order.
func (r *DriverRepository) ListActiveDrivers(ctx context.Context, ownerID int64) ([]model.Driver, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_id, name,
		       start_lat, start_lon,
		       max_work_minutes_per_day, active, created_at, updated_at
		FROM drivers
		WHERE owner_id = $1 AND active
		ORDER BY id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list drivers owner=%d: %w", ownerID, err)
	}
	defer rows.Close()

	var out []model.Driver
	for rows.Next() {
		var d model.Driver
		if err := rows.Scan(
			&d.ID, &d.OwnerID, &d.Name,
			&d.Start.Lat, &d.Start.Lon,
			&d.MaxWorkMinutes, &d.Active, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetAvailability fetches the driver's availability window for one date.
// Returns (nil, nil) when no window is configured for that date.
func (r *DriverRepository) GetAvailability(
	ctx context.Context, driverID int64, date time.Time,
) (*model.DriverAvailability, error) {
	a := &model.DriverAvailability{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, driver_id, date, start_minute, end_minute
		FROM driver_availability
		WHERE driver_id = $1 AND date = $2::date
	`, driverID, date).Scan(&a.ID, &a.DriverID, &a.Date, &a.StartMinute, &a.EndMinute)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get availability driver=%d: %w", driverID, err)
	}
	return a, nil
}
