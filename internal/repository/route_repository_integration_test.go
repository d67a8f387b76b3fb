//go:build integration

package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ahlgreen/fieldroute/internal/model"
)

// These tests run against a real Postgres with the migrations applied:
//
//	TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/repository
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// testOwner isolates each run's rows and cleans them up afterwards.
func testOwner(t *testing.T, pool *pgxpool.Pool) int64 {
	t.Helper()
	owner := time.Now().UnixNano()
	t.Cleanup(func() {
		ctx := context.Background()
		pool.Exec(ctx, `DELETE FROM routes WHERE owner_id = $1`, owner)
		pool.Exec(ctx, `DELETE FROM service_locations WHERE owner_id = $1`, owner)
		pool.Exec(ctx, `DELETE FROM drivers WHERE owner_id = $1`, owner)
	})
	return owner
}

func seedDriver(t *testing.T, pool *pgxpool.Pool, owner int64, name string) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO drivers (owner_id, name, start_lat, start_lon, max_work_minutes_per_day)
		VALUES ($1, $2, 55.6761, 12.5683, 480)
		RETURNING id
	`, owner, name).Scan(&id)
	if err != nil {
		t.Fatalf("seed driver: %v", err)
	}
	return id
}

func seedLocation(t *testing.T, pool *pgxpool.Pool, owner int64, name string, lat, lon float64) int64 {
	t.Helper()
	var id int64
	err := pool.QueryRow(context.Background(), `
		INSERT INTO service_locations (owner_id, name, lat, lon, due_date, service_minutes)
		VALUES ($1, $2, $3, $4, current_date, 20)
		RETURNING id
	`, owner, name, lat, lon).Scan(&id)
	if err != nil {
		t.Fatalf("seed location: %v", err)
	}
	return id
}

func locationStatus(t *testing.T, pool *pgxpool.Pool, id int64) model.LocationStatus {
	t.Helper()
	var status model.LocationStatus
	err := pool.QueryRow(context.Background(),
		`SELECT status FROM service_locations WHERE id = $1`, id).Scan(&status)
	if err != nil {
		t.Fatalf("read location status: %v", err)
	}
	return status
}

func stopCountForLocation(t *testing.T, pool *pgxpool.Pool, id int64) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(),
		`SELECT count(*) FROM route_stops WHERE location_id = $1`, id).Scan(&n)
	if err != nil {
		t.Fatalf("count stops: %v", err)
	}
	return n
}

func stopAt(locationID int64, sequence int, lat, lon float64) model.RouteStop {
	return model.RouteStop{
		LocationID:            locationID,
		Sequence:              sequence,
		Coords:                model.Location{Lat: lat, Lon: lon},
		ServiceMinutes:        20,
		TravelKmFromPrev:      1,
		TravelMinutesFromPrev: 2,
	}
}

func flatLeg(_, _ model.Location) (float64, int) { return 1, 2 }

func TestSaveGeneratedRoute_RegenerationRevertsDroppedLocations(t *testing.T) {
	pool := testPool(t)
	owner := testOwner(t, pool)
	repo := NewRouteRepository(pool)
	ctx := context.Background()

	driver := seedDriver(t, pool, owner, "regen driver")
	l1 := seedLocation(t, pool, owner, "L1", 55.70, 12.55)
	l2 := seedLocation(t, pool, owner, "L2", 55.72, 12.56)
	l3 := seedLocation(t, pool, owner, "L3", 55.74, 12.57)

	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	first := &model.Route{
		OwnerID: owner, DriverID: driver, Date: date, Status: model.RouteTemp,
		Stops: []model.RouteStop{stopAt(l1, 1, 55.70, 12.55), stopAt(l2, 2, 55.72, 12.56)},
	}
	if _, err := repo.SaveGeneratedRoute(ctx, first, []int64{l1, l2}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if got := locationStatus(t, pool, l1); got != model.LocationPlanned {
		t.Fatalf("after first save L1 status = %s, want planned", got)
	}

	// Regenerate: the new pool only offers L3, so L1 and L2 fall off the
	// route and must become plannable again.
	second := &model.Route{
		OwnerID: owner, DriverID: driver, Date: date, Status: model.RouteTemp,
		Stops: []model.RouteStop{stopAt(l3, 1, 55.74, 12.57)},
	}
	if _, err := repo.SaveGeneratedRoute(ctx, second, []int64{l3}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	if got := locationStatus(t, pool, l1); got != model.LocationOpen {
		t.Errorf("after regeneration L1 status = %s, want open", got)
	}
	if got := locationStatus(t, pool, l2); got != model.LocationOpen {
		t.Errorf("after regeneration L2 status = %s, want open", got)
	}
	if got := locationStatus(t, pool, l3); got != model.LocationPlanned {
		t.Errorf("after regeneration L3 status = %s, want planned", got)
	}
	if n := stopCountForLocation(t, pool, l1); n != 0 {
		t.Errorf("L1 still on %d route(s), want 0", n)
	}
}

func TestUpsertStops_StealRevertAndDonorRepair(t *testing.T) {
	pool := testPool(t)
	owner := testOwner(t, pool)
	repo := NewRouteRepository(pool)
	ctx := context.Background()

	driverA := seedDriver(t, pool, owner, "driver A")
	driverB := seedDriver(t, pool, owner, "driver B")
	l1 := seedLocation(t, pool, owner, "L1", 55.70, 12.55)
	l2 := seedLocation(t, pool, owner, "L2", 55.72, 12.56)
	l3 := seedLocation(t, pool, owner, "L3", 55.74, 12.57)

	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	routeA := &model.Route{
		OwnerID: owner, DriverID: driverA, Date: date, Status: model.RouteTemp,
		Stops: []model.RouteStop{stopAt(l1, 1, 55.70, 12.55)},
	}
	if _, err := repo.SaveGeneratedRoute(ctx, routeA, []int64{l1}); err != nil {
		t.Fatalf("save route A: %v", err)
	}
	routeB := &model.Route{
		OwnerID: owner, DriverID: driverB, Date: date, Status: model.RouteTemp,
		Stops: []model.RouteStop{stopAt(l2, 1, 55.72, 12.56), stopAt(l3, 2, 55.74, 12.57)},
	}
	if _, err := repo.SaveGeneratedRoute(ctx, routeB, []int64{l2, l3}); err != nil {
		t.Fatalf("save route B: %v", err)
	}

	// Steal L2 onto route A. Route B must be repaired: one stop left,
	// resequenced from 1, and L2 must sit on exactly one route.
	desired := []model.RouteStop{
		stopAt(l1, 1, 55.70, 12.55),
		stopAt(l2, 2, 55.72, 12.56),
	}
	updated, err := repo.UpsertStops(ctx, routeA.ID, desired, flatLeg)
	if err != nil {
		t.Fatalf("upsert with steal: %v", err)
	}
	if len(updated.Stops) != 2 {
		t.Fatalf("route A has %d stops, want 2", len(updated.Stops))
	}
	if n := stopCountForLocation(t, pool, l2); n != 1 {
		t.Errorf("L2 sits on %d route stop(s), want exactly 1", n)
	}
	donor, err := repo.GetRoute(ctx, routeB.ID)
	if err != nil {
		t.Fatalf("reread donor: %v", err)
	}
	if len(donor.Stops) != 1 || donor.Stops[0].LocationID != l3 {
		t.Fatalf("donor stops = %+v, want only L3", donor.Stops)
	}
	if donor.Stops[0].Sequence != 1 {
		t.Errorf("donor stop sequence = %d, want 1 after repair", donor.Stops[0].Sequence)
	}

	// Drop L2 from route A again: no route plans it anymore, so it reverts
	// to open.
	if _, err := repo.UpsertStops(ctx, routeA.ID, []model.RouteStop{stopAt(l1, 1, 55.70, 12.55)}, flatLeg); err != nil {
		t.Fatalf("upsert dropping L2: %v", err)
	}
	if got := locationStatus(t, pool, l2); got != model.LocationOpen {
		t.Errorf("dropped L2 status = %s, want open", got)
	}

	// Steal the donor's last stop: the emptied donor route is deleted.
	desired = []model.RouteStop{
		stopAt(l1, 1, 55.70, 12.55),
		stopAt(l3, 2, 55.74, 12.57),
	}
	if _, err := repo.UpsertStops(ctx, routeA.ID, desired, flatLeg); err != nil {
		t.Fatalf("upsert emptying donor: %v", err)
	}
	if _, err := repo.GetRoute(ctx, routeB.ID); !errors.Is(err, ErrRouteNotFound) {
		t.Errorf("emptied donor route: err = %v, want ErrRouteNotFound", err)
	}
}
