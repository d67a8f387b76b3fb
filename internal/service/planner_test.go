package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ahlgreen/fieldroute/internal/model"
)

// ─── Fakes ──────────────────────────────────────────────────

type fakeDrivers struct {
	drivers map[int64]*model.Driver
	order   []int64
	avail   map[int64]*model.DriverAvailability
}

func (f *fakeDrivers) GetDriver(_ context.Context, id int64) (*model.Driver, error) {
	d, ok := f.drivers[id]
	if !ok {
		return nil, errors.New("get driver: no rows in result set")
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDrivers) ListActiveDrivers(_ context.Context, ownerID int64) ([]model.Driver, error) {
	var out []model.Driver
	for _, id := range f.order {
		if d := f.drivers[id]; d.OwnerID == ownerID && d.Active {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDrivers) GetAvailability(_ context.Context, driverID int64, _ time.Time) (*model.DriverAvailability, error) {
	return f.avail[driverID], nil
}

type fakeCandidates struct {
	pool []model.ServiceLocation
}

func (f *fakeCandidates) ListOpenCandidates(_ context.Context, _ int64) ([]model.ServiceLocation, error) {
	out := make([]model.ServiceLocation, len(f.pool))
	copy(out, f.pool)
	return out, nil
}

type fakeRoutes struct {
	existing map[int64]*model.Route // keyed by driver id
	planned  map[int64][]int64
	saved    []*model.Route
	nextID   int64
}

func (f *fakeRoutes) GetRouteForDriverDate(_ context.Context, driverID int64, _ time.Time, _ int64) (*model.Route, error) {
	return f.existing[driverID], nil
}

func (f *fakeRoutes) PlannedLocationIDs(_ context.Context, driverID int64, _ time.Time) ([]int64, error) {
	return f.planned[driverID], nil
}

func (f *fakeRoutes) SaveGeneratedRoute(_ context.Context, route *model.Route, _ []int64) (*model.Route, error) {
	f.nextID++
	route.ID = f.nextID
	f.saved = append(f.saved, route)
	return route, nil
}

// fakeTravelData has no regions, so every estimate falls through to the
// flat average speed.
type fakeTravelData struct{}

func (fakeTravelData) ListRegions(_ context.Context) ([]model.TravelTimeRegion, error) {
	return nil, nil
}

func (fakeTravelData) ListProfiles(_ context.Context) ([]model.RegionSpeedProfile, error) {
	return nil, nil
}

func (fakeTravelData) FindApprovedStat(_ context.Context, _ int64, _ model.DayType, _, _ int) (*model.LearnedTravelStats, error) {
	return nil, nil
}

// ─── Helpers ────────────────────────────────────────────────

var (
	testDate  = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC) // a Tuesday
	testStart = model.Location{Lat: 55.6761, Lon: 12.5683}
)

// kmNorth offsets a point due north; haversine along a meridian is exact,
// so the km→minute conversion in tests is deterministic.
func kmNorth(from model.Location, km float64) model.Location {
	return model.Location{Lat: from.Lat + km/111.1949, Lon: from.Lon}
}

func candidate(id int64, coords model.Location, due time.Time, serviceMinutes int) model.ServiceLocation {
	return model.ServiceLocation{
		ID:             id,
		OwnerID:        1,
		Name:           "loc",
		Coords:         &coords,
		DueDate:        due,
		ServiceMinutes: serviceMinutes,
		Status:         model.LocationOpen,
		Active:         true,
	}
}

func newTestPlanner(drivers *fakeDrivers, cands *fakeCandidates, routes *fakeRoutes) *PlannerService {
	return NewPlannerService(drivers, cands, routes, nil, NewEstimator(fakeTravelData{}))
}

func testDriver(id int64) *model.Driver {
	return &model.Driver{
		ID:             id,
		OwnerID:        1,
		Name:           "driver",
		Start:          testStart,
		MaxWorkMinutes: 480,
		Active:         true,
	}
}

// ─── Selection ──────────────────────────────────────────────

func TestSelectStops_OverdueBeatsCloser(t *testing.T) {
	// A is 5 days overdue, ~10 min away, 20 min of service.
	// B is due in 3 days, ~2 min away, 15 min of service.
	// A's overdue credit dominates B's shorter drive, so A comes first.
	a := candidate(1, kmNorth(testStart, 8.3), testDate.AddDate(0, 0, -5), 20)
	b := candidate(2, kmNorth(testStart, -1.7), testDate.AddDate(0, 0, 3), 15)

	got := selectStops(testStart, []model.ServiceLocation{b, a}, testDate, 480, DefaultMaxStops)

	if len(got) != 2 {
		t.Fatalf("selectStops: %d stops, want 2", len(got))
	}
	if got[0].loc.ID != 1 || got[1].loc.ID != 2 {
		t.Errorf("selectStops order = [%d, %d], want [1, 2]", got[0].loc.ID, got[1].loc.ID)
	}
}

func TestSelectStops_TieBreakKeepsFirstMinimum(t *testing.T) {
	coords := kmNorth(testStart, 4)
	first := candidate(10, coords, testDate, 10)
	second := candidate(20, coords, testDate, 10)

	got := selectStops(testStart, []model.ServiceLocation{first, second}, testDate, 480, DefaultMaxStops)

	if len(got) != 2 {
		t.Fatalf("selectStops: %d stops, want 2", len(got))
	}
	if got[0].loc.ID != 10 {
		t.Errorf("tie-break picked #%d first, want #10 (pool order)", got[0].loc.ID)
	}
}

func TestSelectStops_RejectedCandidateStaysOut(t *testing.T) {
	// The oversized visit is the closest and wins the first scoring round,
	// but cannot fit. It must be dropped for good, letting the others in.
	big := candidate(1, kmNorth(testStart, 1.7), testDate, 600)
	ok1 := candidate(2, kmNorth(testStart, 8.3), testDate, 20)
	ok2 := candidate(3, kmNorth(testStart, 12), testDate, 20)

	got := selectStops(testStart, []model.ServiceLocation{big, ok1, ok2}, testDate, 480, DefaultMaxStops)

	if len(got) != 2 {
		t.Fatalf("selectStops: %d stops, want 2", len(got))
	}
	for _, s := range got {
		if s.loc.ID == 1 {
			t.Errorf("oversized candidate #1 was selected")
		}
	}
}

func TestSelectStops_CapacitySlack(t *testing.T) {
	// Capacity 100 with the 5% buffer admits a projected load of 105.
	within := candidate(1, kmNorth(testStart, 1.7), testDate, 103) // 2 travel + 103 = 105
	got := selectStops(testStart, []model.ServiceLocation{within}, testDate, 100, DefaultMaxStops)
	if len(got) != 1 {
		t.Errorf("projected load 105 of capacity 100: selected %d, want 1", len(got))
	}

	over := candidate(2, kmNorth(testStart, 1.7), testDate, 104) // 2 travel + 104 = 106
	got = selectStops(testStart, []model.ServiceLocation{over}, testDate, 100, DefaultMaxStops)
	if len(got) != 0 {
		t.Errorf("projected load 106 of capacity 100: selected %d, want 0", len(got))
	}
}

func TestSelectStops_MaxStopsCap(t *testing.T) {
	var pool []model.ServiceLocation
	for i := int64(1); i <= 10; i++ {
		pool = append(pool, candidate(i, kmNorth(testStart, float64(i)), testDate, 5))
	}

	got := selectStops(testStart, pool, testDate, 480, 3)

	if len(got) != 3 {
		t.Errorf("selectStops with maxStops=3: %d stops, want 3", len(got))
	}
}

func TestScheduleAdjustment(t *testing.T) {
	tests := []struct {
		name    string
		dueDays int
		travel  int
		want    int
	}{
		{"overdue 5 days", -5, 10, -450},
		{"overdue 1 day", -1, 2, -90},
		{"due today", 0, 5, 0},
		{"future 3 days, far", 3, 12, 30},
		{"future 3 days, nearby", 3, 2, 10},
		{"future 1 day, nearby", 1, 9, -10},
	}
	for _, tt := range tests {
		due := testDate.AddDate(0, 0, tt.dueDays)
		got := scheduleAdjustment(testDate, due, tt.travel)
		if got != tt.want {
			t.Errorf("%s: scheduleAdjustment = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestDaysBetween_IgnoresTimeOfDay(t *testing.T) {
	from := time.Date(2026, 8, 27, 23, 59, 0, 0, time.UTC)
	to := time.Date(2026, 9, 1, 0, 1, 0, 0, time.UTC)
	if got := daysBetween(from, to); got != 5 {
		t.Errorf("daysBetween = %d, want 5", got)
	}
}

// ─── BuildRoute ─────────────────────────────────────────────

func TestBuildRoute_FixedRouteRejected(t *testing.T) {
	drivers := &fakeDrivers{drivers: map[int64]*model.Driver{7: testDriver(7)}, order: []int64{7}}
	routes := &fakeRoutes{
		existing: map[int64]*model.Route{7: {ID: 1, DriverID: 7, Status: model.RouteFixed}},
	}
	cands := &fakeCandidates{pool: []model.ServiceLocation{
		candidate(1, kmNorth(testStart, 4), testDate, 15),
	}}

	_, err := newTestPlanner(drivers, cands, routes).BuildRoute(context.Background(), PlanRequest{
		DriverID: 7, OwnerID: 1, Date: testDate,
	})

	if !errors.Is(err, ErrRouteFixed) {
		t.Errorf("BuildRoute over fixed route: err = %v, want ErrRouteFixed", err)
	}
	if len(routes.saved) != 0 {
		t.Errorf("BuildRoute persisted a route despite the fixed guard")
	}
}

func TestBuildRoute_UnknownDriver(t *testing.T) {
	drivers := &fakeDrivers{drivers: map[int64]*model.Driver{}}
	planner := newTestPlanner(drivers, &fakeCandidates{}, &fakeRoutes{})

	_, err := planner.BuildRoute(context.Background(), PlanRequest{DriverID: 99, OwnerID: 1, Date: testDate})

	if !errors.Is(err, ErrDriverNotFound) {
		t.Errorf("BuildRoute unknown driver: err = %v, want ErrDriverNotFound", err)
	}
}

func TestBuildRoute_EmptyPool(t *testing.T) {
	drivers := &fakeDrivers{drivers: map[int64]*model.Driver{7: testDriver(7)}, order: []int64{7}}
	planner := newTestPlanner(drivers, &fakeCandidates{}, &fakeRoutes{})

	_, err := planner.BuildRoute(context.Background(), PlanRequest{DriverID: 7, OwnerID: 1, Date: testDate})

	if !errors.Is(err, ErrNoFeasibleRoute) {
		t.Errorf("BuildRoute empty pool: err = %v, want ErrNoFeasibleRoute", err)
	}
}

func TestBuildRoute_ExcludesPlannedLocations(t *testing.T) {
	drivers := &fakeDrivers{drivers: map[int64]*model.Driver{7: testDriver(7)}, order: []int64{7}}
	routes := &fakeRoutes{planned: map[int64][]int64{7: {1}}}
	cands := &fakeCandidates{pool: []model.ServiceLocation{
		candidate(1, kmNorth(testStart, 2), testDate, 15),
		candidate(2, kmNorth(testStart, 4), testDate, 15),
	}}

	result, err := newTestPlanner(drivers, cands, routes).BuildRoute(context.Background(), PlanRequest{
		DriverID: 7, OwnerID: 1, Date: testDate,
	})
	if err != nil {
		t.Fatalf("BuildRoute: %v", err)
	}

	for _, id := range result.ConsumedIDs {
		if id == 1 {
			t.Errorf("BuildRoute consumed location #1, which is already planned")
		}
	}
	if len(result.ConsumedIDs) != 1 || result.ConsumedIDs[0] != 2 {
		t.Errorf("ConsumedIDs = %v, want [2]", result.ConsumedIDs)
	}
}

func TestBuildRoute_AvailabilityWindowCapsCapacity(t *testing.T) {
	drivers := &fakeDrivers{
		drivers: map[int64]*model.Driver{7: testDriver(7)},
		order:   []int64{7},
		avail: map[int64]*model.DriverAvailability{
			7: {DriverID: 7, Date: testDate, StartMinute: 8 * 60, EndMinute: 9 * 60}, // 60 min
		},
	}
	cands := &fakeCandidates{pool: []model.ServiceLocation{
		candidate(1, kmNorth(testStart, 8.3), testDate, 30),  // 10 + 30 = 40
		candidate(2, kmNorth(testStart, 16.6), testDate, 30), // would push past 63
	}}
	routes := &fakeRoutes{}

	result, err := newTestPlanner(drivers, cands, routes).BuildRoute(context.Background(), PlanRequest{
		DriverID: 7, OwnerID: 1, Date: testDate,
	})
	if err != nil {
		t.Fatalf("BuildRoute: %v", err)
	}

	if len(result.Route.Stops) != 1 {
		t.Errorf("availability-capped route has %d stops, want 1", len(result.Route.Stops))
	}
}

func TestBuildRoute_RouteTotalsIncludeServiceTime(t *testing.T) {
	drivers := &fakeDrivers{drivers: map[int64]*model.Driver{7: testDriver(7)}, order: []int64{7}}
	cands := &fakeCandidates{pool: []model.ServiceLocation{
		candidate(1, kmNorth(testStart, 8.3), testDate, 20),
	}}
	routes := &fakeRoutes{}

	result, err := newTestPlanner(drivers, cands, routes).BuildRoute(context.Background(), PlanRequest{
		DriverID: 7, OwnerID: 1, Date: testDate,
	})
	if err != nil {
		t.Fatalf("BuildRoute: %v", err)
	}

	route := result.Route
	if route.Status != model.RouteTemp {
		t.Errorf("route status = %s, want temp", route.Status)
	}
	if route.TotalMinutes != 30 { // 10 travel + 20 service
		t.Errorf("TotalMinutes = %d, want 30", route.TotalMinutes)
	}
	if route.Stops[0].Sequence != 1 {
		t.Errorf("first stop sequence = %d, want 1", route.Stops[0].Sequence)
	}
}

// ─── Batch ──────────────────────────────────────────────────

func TestBuildRoutesForAll_SharedPoolNoDoubleAssignment(t *testing.T) {
	d1, d2 := testDriver(1), testDriver(2)
	drivers := &fakeDrivers{
		drivers: map[int64]*model.Driver{1: d1, 2: d2},
		order:   []int64{1, 2},
	}
	cands := &fakeCandidates{pool: []model.ServiceLocation{
		candidate(1, kmNorth(testStart, 2), testDate, 15),
		candidate(2, kmNorth(testStart, 4), testDate, 15),
	}}
	routes := &fakeRoutes{}

	result, err := newTestPlanner(drivers, cands, routes).BuildRoutesForAll(
		context.Background(), 1, testDate, 1, 0)
	if err != nil {
		t.Fatalf("BuildRoutesForAll: %v", err)
	}

	if len(result.Planned) != 2 {
		t.Fatalf("planned %d routes, want 2", len(result.Planned))
	}

	seen := map[int64]bool{}
	for _, pr := range result.Planned {
		for _, id := range pr.ConsumedIDs {
			if seen[id] {
				t.Errorf("location #%d assigned to two drivers", id)
			}
			seen[id] = true
		}
	}
}

func TestBuildRoutesForAll_SkipsInfeasibleDrivers(t *testing.T) {
	d1, d2 := testDriver(1), testDriver(2)
	drivers := &fakeDrivers{
		drivers: map[int64]*model.Driver{1: d1, 2: d2},
		order:   []int64{1, 2},
	}
	// One candidate: the first driver takes it, leaving nothing feasible
	// for the second.
	cands := &fakeCandidates{pool: []model.ServiceLocation{
		candidate(1, kmNorth(testStart, 2), testDate, 15),
	}}
	routes := &fakeRoutes{}

	result, err := newTestPlanner(drivers, cands, routes).BuildRoutesForAll(
		context.Background(), 1, testDate, 0, 0)
	if err != nil {
		t.Fatalf("BuildRoutesForAll: %v", err)
	}

	if len(result.Planned) != 1 {
		t.Errorf("planned %d routes, want 1", len(result.Planned))
	}
	if len(result.Skipped) != 1 || result.Skipped[0].DriverID != 2 {
		t.Errorf("Skipped = %+v, want driver #2 skipped", result.Skipped)
	}
}
