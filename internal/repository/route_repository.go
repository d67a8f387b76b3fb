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

// LegFunc computes travel metrics for one leg. Implementations degrade to
// estimates when the routing gateway is unavailable, so a LegFunc never fails.
type LegFunc func(from, to model.Location) (km float64, minutes int)

// RouteRepository handles transactional route persistence. Route generation
// and stop-list upserts are single atomic units of work: stop replacement is
// set-based (delete by route id, bulk insert) rather than per-row versioned,
// so concurrent upserts touching the same locations resolve last-writer-wins.
type RouteRepository struct {
	pool *pgxpool.Pool
}

// NewRouteRepository creates a new route repository.
func NewRouteRepository(pool *pgxpool.Pool) *RouteRepository {
	return &RouteRepository{pool: pool}
}

// ErrRouteNotFound is returned when a route lookup matches no row.
var ErrRouteNotFound = errors.New("route not found")

const routeColumns = `id, owner_id, driver_id, date, total_km, total_minutes, status, created_at, updated_at`

func scanRoute(row pgx.Row) (*model.Route, error) {
	rt := &model.Route{}
	err := row.Scan(
		&rt.ID, &rt.OwnerID, &rt.DriverID, &rt.Date,
		&rt.TotalKm, &rt.TotalMinutes, &rt.Status,
		&rt.CreatedAt, &rt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// GetRoute fetches a route with its stops ordered by sequence.
func (r *RouteRepository) GetRoute(ctx context.Context, id int64) (*model.Route, error) {
	rt, err := scanRoute(r.pool.QueryRow(ctx,
		`SELECT `+routeColumns+` FROM routes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get route %d: %w", id, err)
	}

	stops, err := r.listStops(ctx, id)
	if err != nil {
		return nil, err
	}
	rt.Stops = stops
	return rt, nil
}

// GetRouteForDriverDate fetches the route for one (driver, date, owner).
// Returns (nil, nil) when the driver has no route that day.
func (r *RouteRepository) GetRouteForDriverDate(
	ctx context.Context, driverID int64, date time.Time, ownerID int64,
) (*model.Route, error) {
	rt, err := scanRoute(r.pool.QueryRow(ctx, `
		SELECT `+routeColumns+`
		FROM routes
		WHERE driver_id = $1 AND date = $2::date AND owner_id = $3
	`, driverID, date, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get route driver=%d date=%s: %w", driverID, date.Format("2006-01-02"), err)
	}

	stops, err := r.listStops(ctx, rt.ID)
	if err != nil {
		return nil, err
	}
	rt.Stops = stops
	return rt, nil
}

func (r *RouteRepository) listStops(ctx context.Context, routeID int64) ([]model.RouteStop, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, route_id, location_id, sequence, lat, lon,
		       service_minutes, travel_km_from_prev, travel_minutes_from_prev,
		       arrived_at, completed_at, actual_service_minutes
		FROM route_stops
		WHERE route_id = $1
		ORDER BY sequence
	`, routeID)
	if err != nil {
		return nil, fmt.Errorf("list stops route=%d: %w", routeID, err)
	}
	defer rows.Close()

	var stops []model.RouteStop
	for rows.Next() {
		var s model.RouteStop
		if err := rows.Scan(
			&s.ID, &s.RouteID, &s.LocationID, &s.Sequence,
			&s.Coords.Lat, &s.Coords.Lon,
			&s.ServiceMinutes, &s.TravelKmFromPrev, &s.TravelMinutesFromPrev,
			&s.ArrivedAt, &s.CompletedAt, &s.ActualServiceMinutes,
		); err != nil {
			return nil, fmt.Errorf("scan stop: %w", err)
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

// PlannedLocationIDs returns the location ids already planned on this
// driver's route for the date. The builder excludes them from the pool.
func (r *RouteRepository) PlannedLocationIDs(
	ctx context.Context, driverID int64, date time.Time,
) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT rs.location_id
		FROM route_stops rs
		JOIN routes rt ON rt.id = rs.route_id
		WHERE rt.driver_id = $1 AND rt.date = $2::date
	`, driverID, date)
	if err != nil {
		return nil, fmt.Errorf("planned location ids driver=%d: %w", driverID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan location id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ─── Generated-route persistence ────────────────────────────

// SaveGeneratedRoute persists a freshly built route in one transaction:
// replaces any existing (driver, date) route and its stops, marks the
// consumed locations planned, and reverts locations dropped by the
// regeneration to open when no route still plans them. Re-checks the fixed
// guard under the row lock:
// a concurrent fix between the builder's read and this write must not be
// overwritten.
func (r *RouteRepository) SaveGeneratedRoute(
	ctx context.Context, route *model.Route, consumed []int64,
) (*model.Route, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("save route: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the existing route row if there is one.
	var existingID int64
	var existingStatus model.RouteStatus
	var dropped []int64
	err = tx.QueryRow(ctx, `
		SELECT id, status
		FROM routes
		WHERE driver_id = $1 AND date = $2::date AND owner_id = $3
		FOR UPDATE
	`, route.DriverID, route.Date, route.OwnerID).Scan(&existingID, &existingStatus)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		err = tx.QueryRow(ctx, `
			INSERT INTO routes (owner_id, driver_id, date, total_km, total_minutes, status)
			VALUES ($1, $2, $3::date, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`, route.OwnerID, route.DriverID, route.Date,
			route.TotalKm, route.TotalMinutes, route.Status,
		).Scan(&route.ID, &route.CreatedAt, &route.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("save route: insert: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("save route: lock existing: %w", err)
	default:
		if existingStatus == model.RouteFixed {
			return nil, fmt.Errorf("save route: route %d is fixed", existingID)
		}
		dropped, err = queryIDsTx(ctx, tx,
			`DELETE FROM route_stops WHERE route_id = $1 RETURNING location_id`, existingID)
		if err != nil {
			return nil, fmt.Errorf("save route: clear stops: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE routes
			SET total_km = $2, total_minutes = $3, status = $4, updated_at = now()
			WHERE id = $1
		`, existingID, route.TotalKm, route.TotalMinutes, route.Status); err != nil {
			return nil, fmt.Errorf("save route: update: %w", err)
		}
		route.ID = existingID
	}

	if err := insertStopsTx(ctx, tx, route.ID, route.Stops); err != nil {
		return nil, fmt.Errorf("save route: %w", err)
	}

	if len(consumed) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE service_locations
			SET status = 'planned', updated_at = now()
			WHERE id = ANY($1)
		`, consumed); err != nil {
			return nil, fmt.Errorf("save route: mark planned: %w", err)
		}
	}

	// Regeneration can drop previously planned locations; revert the ones no
	// route still plans so they re-enter the candidate pool.
	if removed := droppedLocationIDs(dropped, consumed); len(removed) > 0 {
		if err := revertRemovedTx(ctx, tx, removed); err != nil {
			return nil, fmt.Errorf("save route: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("save route: commit: %w", err)
	}
	return route, nil
}

func insertStopsTx(ctx context.Context, tx pgx.Tx, routeID int64, stops []model.RouteStop) error {
	for i := range stops {
		s := &stops[i]
		err := tx.QueryRow(ctx, `
			INSERT INTO route_stops (
				route_id, location_id, sequence, lat, lon,
				service_minutes, travel_km_from_prev, travel_minutes_from_prev
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, routeID, s.LocationID, s.Sequence, s.Coords.Lat, s.Coords.Lon,
			s.ServiceMinutes, s.TravelKmFromPrev, s.TravelMinutesFromPrev,
		).Scan(&s.ID)
		if err != nil {
			return fmt.Errorf("insert stop seq=%d: %w", s.Sequence, err)
		}
		s.RouteID = routeID
	}
	return nil
}

// ─── Stop-list upsert with cross-route reconciliation ───────

// UpsertStops replaces a route's stop list in one transaction, enforcing the
// system-wide invariant that a location is planned by at most one route:
//
//  1. Locations newly desired here are deleted from every other route's
//     stop list (set-based), and those donor routes are recomputed, or
//     deleted when left empty.
//  2. Locations dropped from this route revert to open only if no route
//     still plans them and their status is still planned.
//
// Desired stops must arrive with legs and sequence already computed; donor
// recomputation uses the provided LegFunc.
func (r *RouteRepository) UpsertStops(
	ctx context.Context, routeID int64, desired []model.RouteStop, leg LegFunc,
) (*model.Route, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("upsert stops: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock this route.
	var ownerID int64
	err = tx.QueryRow(ctx,
		`SELECT owner_id FROM routes WHERE id = $1 FOR UPDATE`, routeID,
	).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("upsert stops: lock route %d: %w", routeID, err)
	}

	// Previous stop set of this route.
	oldIDs, err := queryIDsTx(ctx, tx,
		`SELECT location_id FROM route_stops WHERE route_id = $1`, routeID)
	if err != nil {
		return nil, fmt.Errorf("upsert stops: read old stops: %w", err)
	}

	desiredIDs := make([]int64, 0, len(desired))
	for _, s := range desired {
		desiredIDs = append(desiredIDs, s.LocationID)
	}

	// Steal newly desired locations from every other route, any date.
	donorIDs := map[int64]struct{}{}
	if len(desiredIDs) > 0 {
		rows, err := tx.Query(ctx, `
			DELETE FROM route_stops
			WHERE location_id = ANY($1) AND route_id <> $2
			RETURNING route_id
		`, desiredIDs, routeID)
		if err != nil {
			return nil, fmt.Errorf("upsert stops: steal locations: %w", err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("upsert stops: scan donor: %w", err)
			}
			donorIDs[id] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("upsert stops: donor rows: %w", err)
		}
	}

	// Replace this route's stops wholesale.
	if _, err := tx.Exec(ctx,
		`DELETE FROM route_stops WHERE route_id = $1`, routeID); err != nil {
		return nil, fmt.Errorf("upsert stops: clear stops: %w", err)
	}
	if err := insertStopsTx(ctx, tx, routeID, desired); err != nil {
		return nil, fmt.Errorf("upsert stops: %w", err)
	}

	totalKm, totalMinutes := stopTotals(desired)
	if _, err := tx.Exec(ctx, `
		UPDATE routes
		SET total_km = $2, total_minutes = $3, updated_at = now()
		WHERE id = $1
	`, routeID, totalKm, totalMinutes); err != nil {
		return nil, fmt.Errorf("upsert stops: update totals: %w", err)
	}

	// Recompute every donor route the steal touched.
	for donor := range donorIDs {
		if err := recomputeRouteTx(ctx, tx, donor, leg); err != nil {
			return nil, fmt.Errorf("upsert stops: recompute route %d: %w", donor, err)
		}
	}

	// Newly desired locations become planned.
	if len(desiredIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE service_locations
			SET status = 'planned', updated_at = now()
			WHERE id = ANY($1) AND status IN ('open', 'not_visited')
		`, desiredIDs); err != nil {
			return nil, fmt.Errorf("upsert stops: mark planned: %w", err)
		}
	}

	// Dropped locations revert to open only when no route still plans them
	// and they were never completed or cancelled.
	if removed := droppedLocationIDs(oldIDs, desiredIDs); len(removed) > 0 {
		if err := revertRemovedTx(ctx, tx, removed); err != nil {
			return nil, fmt.Errorf("upsert stops: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("upsert stops: commit: %w", err)
	}

	return r.GetRoute(ctx, routeID)
}

// recomputeRouteTx resequences a donor route after stops were stolen from it,
// recomputing legs from the driver's start. An emptied route is deleted.
func recomputeRouteTx(ctx context.Context, tx pgx.Tx, routeID int64, leg LegFunc) error {
	var start model.Location
	err := tx.QueryRow(ctx, `
		SELECT d.start_lat, d.start_lon
		FROM routes rt
		JOIN drivers d ON d.id = rt.driver_id
		WHERE rt.id = $1
	`, routeID).Scan(&start.Lat, &start.Lon)
	if err != nil {
		return fmt.Errorf("read driver start: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, lat, lon, service_minutes
		FROM route_stops
		WHERE route_id = $1
		ORDER BY sequence
	`, routeID)
	if err != nil {
		return fmt.Errorf("read remaining stops: %w", err)
	}

	type rem struct {
		id             int64
		coords         model.Location
		serviceMinutes int
	}
	var remaining []rem
	for rows.Next() {
		var s rem
		if err := rows.Scan(&s.id, &s.coords.Lat, &s.coords.Lon, &s.serviceMinutes); err != nil {
			rows.Close()
			return fmt.Errorf("scan remaining stop: %w", err)
		}
		remaining = append(remaining, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("remaining stop rows: %w", err)
	}

	if len(remaining) == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM routes WHERE id = $1`, routeID); err != nil {
			return fmt.Errorf("delete emptied route: %w", err)
		}
		return nil
	}

	prev := start
	totalKm := 0.0
	totalMinutes := 0
	for i, s := range remaining {
		km, minutes := leg(prev, s.coords)
		if _, err := tx.Exec(ctx, `
			UPDATE route_stops
			SET sequence = $2, travel_km_from_prev = $3, travel_minutes_from_prev = $4
			WHERE id = $1
		`, s.id, i+1, km, minutes); err != nil {
			return fmt.Errorf("update stop %d: %w", s.id, err)
		}
		totalKm += km
		totalMinutes += minutes + s.serviceMinutes
		prev = s.coords
	}

	if _, err := tx.Exec(ctx, `
		UPDATE routes
		SET total_km = $2, total_minutes = $3, updated_at = now()
		WHERE id = $1
	`, routeID, totalKm, totalMinutes); err != nil {
		return fmt.Errorf("update totals: %w", err)
	}
	return nil
}

// SetStatus transitions a route's lifecycle status.
func (r *RouteRepository) SetStatus(ctx context.Context, routeID int64, status model.RouteStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE routes SET status = $2, updated_at = now() WHERE id = $1
	`, routeID, status)
	if err != nil {
		return fmt.Errorf("set route %d status: %w", routeID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRouteNotFound
	}
	return nil
}

// ─── Stop lifecycle ─────────────────────────────────────────

// DepartedStop carries everything the learned-stats aggregator needs from a
// completed stop, read in the same transaction that recorded the departure.
type DepartedStop struct {
	Stop     model.RouteStop
	Prev     *model.RouteStop // nil for the first stop of a route
	DriverID int64
	Date     time.Time
}

// MarkArrived records the actual arrival time on a stop.
func (r *RouteRepository) MarkArrived(ctx context.Context, stopID int64, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE route_stops SET arrived_at = $2 WHERE id = $1
	`, stopID, at)
	if err != nil {
		return fmt.Errorf("mark arrived stop=%d: %w", stopID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark arrived: stop %d not found", stopID)
	}
	return nil
}

// MarkDeparted records the departure on a stop, derives the actual service
// minutes, moves the underlying location to its outcome status, and returns
// the stop plus its predecessor for travel-time learning.
func (r *RouteRepository) MarkDeparted(
	ctx context.Context, stopID int64, at time.Time, outcome model.LocationStatus,
) (*DepartedStop, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("mark departed: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var routeID, locationID int64
	var sequence int
	err = tx.QueryRow(ctx, `
		UPDATE route_stops
		SET completed_at = $2,
		    actual_service_minutes = CASE
		        WHEN arrived_at IS NOT NULL AND $2 > arrived_at
		        THEN (EXTRACT(EPOCH FROM ($2::timestamptz - arrived_at)) / 60)::int
		        ELSE actual_service_minutes
		    END
		WHERE id = $1
		RETURNING route_id, location_id, sequence
	`, stopID, at).Scan(&routeID, &locationID, &sequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("mark departed: stop %d not found", stopID)
	}
	if err != nil {
		return nil, fmt.Errorf("mark departed stop=%d: %w", stopID, err)
	}

	if outcome == model.LocationDone || outcome == model.LocationNotVisited {
		if _, err := tx.Exec(ctx, `
			UPDATE service_locations
			SET status = $2, updated_at = now()
			WHERE id = $1
		`, locationID, outcome); err != nil {
			return nil, fmt.Errorf("mark departed: location outcome: %w", err)
		}
	}

	out := &DepartedStop{}
	stop, err := readStopTx(ctx, tx, routeID, sequence)
	if err != nil {
		return nil, fmt.Errorf("mark departed: reread stop: %w", err)
	}
	out.Stop = *stop

	if sequence > 1 {
		prev, err := readStopTx(ctx, tx, routeID, sequence-1)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("mark departed: read prev stop: %w", err)
		}
		out.Prev = prev
	}

	err = tx.QueryRow(ctx,
		`SELECT driver_id, date FROM routes WHERE id = $1`, routeID,
	).Scan(&out.DriverID, &out.Date)
	if err != nil {
		return nil, fmt.Errorf("mark departed: read route: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("mark departed: commit: %w", err)
	}
	return out, nil
}

func readStopTx(ctx context.Context, tx pgx.Tx, routeID int64, sequence int) (*model.RouteStop, error) {
	s := &model.RouteStop{}
	err := tx.QueryRow(ctx, `
		SELECT id, route_id, location_id, sequence, lat, lon,
		       service_minutes, travel_km_from_prev, travel_minutes_from_prev,
		       arrived_at, completed_at, actual_service_minutes
		FROM route_stops
		WHERE route_id = $1 AND sequence = $2
	`, routeID, sequence).Scan(
		&s.ID, &s.RouteID, &s.LocationID, &s.Sequence,
		&s.Coords.Lat, &s.Coords.Lon,
		&s.ServiceMinutes, &s.TravelKmFromPrev, &s.TravelMinutesFromPrev,
		&s.ArrivedAt, &s.CompletedAt, &s.ActualServiceMinutes,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ─── helpers ────────────────────────────────────────────────

func queryIDsTx(ctx context.Context, tx pgx.Tx, q string, args ...any) ([]int64, error) {
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// droppedLocationIDs returns the ids present in old but absent from kept,
// preserving old's order. These are the locations a stop-list rewrite or a
// route regeneration no longer plans.
func droppedLocationIDs(old, kept []int64) []int64 {
	keep := make(map[int64]struct{}, len(kept))
	for _, id := range kept {
		keep[id] = struct{}{}
	}
	var removed []int64
	for _, id := range old {
		if _, ok := keep[id]; !ok {
			removed = append(removed, id)
		}
	}
	return removed
}

// revertRemovedTx flips dropped locations back to open so they re-enter the
// candidate pool. Guarded twice: only still-planned locations flip (done and
// cancelled outcomes stick), and only when no route's stop set references
// them anymore.
func revertRemovedTx(ctx context.Context, tx pgx.Tx, removed []int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE service_locations sl
		SET status = 'open', updated_at = now()
		WHERE sl.id = ANY($1)
		  AND sl.status = 'planned'
		  AND NOT EXISTS (
		      SELECT 1 FROM route_stops rs WHERE rs.location_id = sl.id
		  )
	`, removed); err != nil {
		return fmt.Errorf("revert removed locations: %w", err)
	}
	return nil
}

func stopTotals(stops []model.RouteStop) (km float64, minutes int) {
	for _, s := range stops {
		km += s.TravelKmFromPrev
		minutes += s.TravelMinutesFromPrev + s.ServiceMinutes
	}
	return km, minutes
}
