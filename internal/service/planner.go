// Package service contains the core business logic for the route planner.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ahlgreen/fieldroute/internal/model"
	"github.com/ahlgreen/fieldroute/internal/routing"
	"github.com/ahlgreen/fieldroute/pkg/geo"
)

// ─── Errors ─────────────────────────────────────────────────

var (
	ErrRouteFixed      = errors.New("route is fixed")
	ErrNoFeasibleRoute = errors.New("no feasible route within capacity")
	ErrDriverNotFound  = errors.New("driver not found")
)

// ─── Constants ──────────────────────────────────────────────

const (
	// DefaultMaxStops caps a generated route when the caller sets no limit.
	DefaultMaxStops = 30

	// capacitySlack allows a route to run slightly over the driver's
	// capacity before a candidate is rejected (5% buffer).
	capacitySlack = 1.05

	// overdueCreditPerDay is the per-day score credit for overdue work.
	// Overdue candidates outrank a shorter drive within a few days.
	overdueCreditPerDay = 90

	// futureOffsetPerDay mildly defers future-dated work.
	futureOffsetPerDay = 10

	// nearbyFutureBonus rewards cheap detours to future-dated work so the
	// driver is not sent past it empty.
	nearbyFutureBonus = -20

	// nearbyTravelMaxMinutes bounds what counts as a cheap detour.
	nearbyTravelMaxMinutes = 10
)

// ─── Collaborator contracts ─────────────────────────────────

// DriverSource supplies owner-scoped, active drivers and their availability.
type DriverSource interface {
	GetDriver(ctx context.Context, id int64) (*model.Driver, error)
	ListActiveDrivers(ctx context.Context, ownerID int64) ([]model.Driver, error)
	GetAvailability(ctx context.Context, driverID int64, date time.Time) (*model.DriverAvailability, error)
}

// CandidateSource supplies the open, coordinate-resolved candidate pool.
type CandidateSource interface {
	ListOpenCandidates(ctx context.Context, ownerID int64) ([]model.ServiceLocation, error)
}

// RouteStore persists generated routes atomically.
type RouteStore interface {
	GetRouteForDriverDate(ctx context.Context, driverID int64, date time.Time, ownerID int64) (*model.Route, error)
	PlannedLocationIDs(ctx context.Context, driverID int64, date time.Time) ([]int64, error)
	SaveGeneratedRoute(ctx context.Context, route *model.Route, consumed []int64) (*model.Route, error)
}

// ─── PlannerService ─────────────────────────────────────────

// PlannerService implements the greedy insertion route builder.
//
// Algorithm overview:
//
//  1. SCORE: from the driver's current position, score every remaining
//     candidate by estimated travel plus schedule pressure (overdue credit,
//     future-date offset, nearby-future bonus).
//  2. SELECT: take the strictly lowest score (first minimum wins ties).
//  3. FIT: project the accumulated load; a candidate that would exceed
//     capacity × 1.05 is dropped from the pool and scoring restarts, so one
//     oversized visit cannot block smaller ones behind it.
//  4. FINALIZE: with the order fixed, fetch accurate per-leg metrics from
//     the routing gateway, falling back to estimates leg by leg.
//
// Scoring is haversine-based and in-memory: O(n²) in the pool size per
// driver, bounded by pools of a few thousand and the stop cap.
type PlannerService struct {
	drivers    DriverSource
	candidates CandidateSource
	routes     RouteStore
	gateway    routing.Gateway // nil disables the gateway entirely
	estimator  *Estimator
}

// NewPlannerService creates a planner service.
func NewPlannerService(
	drivers DriverSource,
	candidates CandidateSource,
	routes RouteStore,
	gateway routing.Gateway,
	estimator *Estimator,
) *PlannerService {
	return &PlannerService{
		drivers:    drivers,
		candidates: candidates,
		routes:     routes,
		gateway:    gateway,
		estimator:  estimator,
	}
}

// PlanRequest describes one route-build invocation.
type PlanRequest struct {
	DriverID        int64
	OwnerID         int64
	Date            time.Time
	MaxStops        int // 0 → DefaultMaxStops
	CapacityMinutes int // 0 → driver's daily maximum
}

// BuildRoute selects and orders a capacity-feasible subset of the owner's
// open locations for one driver and persists it as a temp route.
func (s *PlannerService) BuildRoute(ctx context.Context, req PlanRequest) (*model.PlanResult, error) {
	if req.OwnerID == 0 {
		driver, err := s.drivers.GetDriver(ctx, req.DriverID)
		if err != nil {
			if strings.Contains(err.Error(), "no rows") {
				return nil, ErrDriverNotFound
			}
			return nil, fmt.Errorf("plan route: get driver: %w", err)
		}
		req.OwnerID = driver.OwnerID
	}

	pool, err := s.loadPool(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	result, _, err := s.buildFromPool(ctx, req, pool)
	return result, err
}

// BuildRoutesForAll generates routes for every active driver of the owner in
// sequence over one shared candidate pool: locations consumed by an earlier
// driver are gone before the next driver is planned, so a batch run never
// assigns a location twice. Drivers with no feasible work are recorded as
// skipped, not treated as a batch failure.
func (s *PlannerService) BuildRoutesForAll(
	ctx context.Context, ownerID int64, date time.Time, maxStops, capacityMinutes int,
) (*model.BatchPlanResult, error) {
	drivers, err := s.drivers.ListActiveDrivers(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("batch plan: list drivers: %w", err)
	}

	pool, err := s.loadPool(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	out := &model.BatchPlanResult{}
	for _, d := range drivers {
		req := PlanRequest{
			DriverID:        d.ID,
			OwnerID:         ownerID,
			Date:            date,
			MaxStops:        maxStops,
			CapacityMinutes: capacityMinutes,
		}

		result, remaining, err := s.buildFromPool(ctx, req, pool)
		switch {
		case errors.Is(err, ErrRouteFixed), errors.Is(err, ErrNoFeasibleRoute):
			log.Printf("[planner] batch: skipping driver #%d: %v", d.ID, err)
			out.Skipped = append(out.Skipped, model.SkippedDriver{DriverID: d.ID, Reason: err.Error()})
			continue
		case err != nil:
			return nil, fmt.Errorf("batch plan: driver %d: %w", d.ID, err)
		}

		out.Planned = append(out.Planned, result)
		pool = remaining
	}

	log.Printf("[planner] batch: planned=%d skipped=%d", len(out.Planned), len(out.Skipped))
	return out, nil
}

// loadPool fetches the owner's candidate pool.
func (s *PlannerService) loadPool(ctx context.Context, ownerID int64) ([]model.ServiceLocation, error) {
	pool, err := s.candidates.ListOpenCandidates(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("plan route: list candidates: %w", err)
	}
	return pool, nil
}

// buildFromPool runs one driver's build against an explicit pool and returns
// the pool minus the consumed locations, for batch callers.
func (s *PlannerService) buildFromPool(
	ctx context.Context, req PlanRequest, pool []model.ServiceLocation,
) (*model.PlanResult, []model.ServiceLocation, error) {
	driver, err := s.drivers.GetDriver(ctx, req.DriverID)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, pool, ErrDriverNotFound
		}
		return nil, pool, fmt.Errorf("plan route: get driver: %w", err)
	}

	existing, err := s.routes.GetRouteForDriverDate(ctx, req.DriverID, req.Date, req.OwnerID)
	if err != nil {
		return nil, pool, fmt.Errorf("plan route: get existing route: %w", err)
	}
	if existing != nil && existing.Status == model.RouteFixed {
		return nil, pool, ErrRouteFixed
	}

	// Candidates already planned for this driver on this date stay out of
	// the pool.
	plannedIDs, err := s.routes.PlannedLocationIDs(ctx, req.DriverID, req.Date)
	if err != nil {
		return nil, pool, fmt.Errorf("plan route: planned ids: %w", err)
	}
	planned := make(map[int64]struct{}, len(plannedIDs))
	for _, id := range plannedIDs {
		planned[id] = struct{}{}
	}

	candidates := make([]model.ServiceLocation, 0, len(pool))
	for _, c := range pool {
		if c.Coords == nil {
			continue
		}
		if _, ok := planned[c.ID]; ok {
			continue
		}
		candidates = append(candidates, c)
	}

	capacity, err := s.effectiveCapacity(ctx, req, driver)
	if err != nil {
		return nil, pool, err
	}
	if capacity <= 0 {
		return nil, pool, ErrNoFeasibleRoute
	}

	maxStops := req.MaxStops
	if maxStops <= 0 {
		maxStops = DefaultMaxStops
	}

	selection := selectStops(driver.Start, candidates, req.Date, capacity, maxStops)
	if len(selection) == 0 {
		return nil, pool, ErrNoFeasibleRoute
	}

	route := s.finalizeRoute(ctx, driver, req, selection)

	consumed := make([]int64, 0, len(selection))
	for _, sel := range selection {
		consumed = append(consumed, sel.loc.ID)
	}

	saved, err := s.routes.SaveGeneratedRoute(ctx, route, consumed)
	if err != nil {
		if strings.Contains(err.Error(), "is fixed") {
			return nil, pool, ErrRouteFixed
		}
		return nil, pool, fmt.Errorf("plan route: persist: %w", err)
	}

	log.Printf("[planner] ✓ driver #%d date=%s stops=%d total=%dmin %.1fkm",
		driver.ID, req.Date.Format("2006-01-02"), len(saved.Stops), saved.TotalMinutes, saved.TotalKm)

	remaining := make([]model.ServiceLocation, 0, len(pool))
	consumedSet := make(map[int64]struct{}, len(consumed))
	for _, id := range consumed {
		consumedSet[id] = struct{}{}
	}
	for _, c := range pool {
		if _, ok := consumedSet[c.ID]; !ok {
			remaining = append(remaining, c)
		}
	}

	return &model.PlanResult{Route: saved, ConsumedIDs: consumed}, remaining, nil
}

// effectiveCapacity resolves the minute budget: an explicit request override,
// otherwise the driver's daily maximum, in either case capped by the driver's
// availability window for the date when one exists.
func (s *PlannerService) effectiveCapacity(
	ctx context.Context, req PlanRequest, driver *model.Driver,
) (int, error) {
	capacity := req.CapacityMinutes
	if capacity <= 0 {
		capacity = driver.MaxWorkMinutes
	}

	avail, err := s.drivers.GetAvailability(ctx, driver.ID, req.Date)
	if err != nil {
		return 0, fmt.Errorf("plan route: get availability: %w", err)
	}
	if avail != nil && avail.WindowMinutes() < capacity {
		capacity = avail.WindowMinutes()
	}

	return capacity, nil
}

// ─── Greedy selection (pure) ────────────────────────────────

// selectedStop is one accepted candidate with the travel estimate used
// during selection.
type selectedStop struct {
	loc           model.ServiceLocation
	travelMinutes int
}

// selectStops runs the greedy selection loop over explicit accumulator state
// (current position, used minutes, remaining pool) with no side effects.
//
// Each round scores every remaining candidate from the current position and
// takes the strictly lowest score; ties keep the first minimum encountered,
// so the caller's pool order decides among equals. A candidate whose
// projected load would exceed capacity × 1.05 is removed from the pool for
// the rest of the run, so one oversized visit cannot starve the rest of
// the pool.
func selectStops(
	start model.Location,
	pool []model.ServiceLocation,
	planDate time.Time,
	capacityMinutes int,
	maxStops int,
) []selectedStop {
	remaining := make([]model.ServiceLocation, len(pool))
	copy(remaining, pool)

	var selected []selectedStop
	pos := start
	used := 0
	limit := float64(capacityMinutes) * capacitySlack

	for len(remaining) > 0 && len(selected) < maxStops {
		best := -1
		bestScore := 0
		bestTravel := 0

		for i := range remaining {
			c := &remaining[i]
			travel := geo.EstimateMinutes(pos, *c.Coords)
			score := travel + scheduleAdjustment(planDate, c.OrderDate(), travel)
			if best == -1 || score < bestScore {
				best = i
				bestScore = score
				bestTravel = travel
			}
		}
		if best == -1 {
			break
		}

		c := remaining[best]
		projected := used + bestTravel + c.ServiceMinutes
		if float64(projected) > limit {
			// Does not fit: drop it and rescore the rest.
			remaining = append(remaining[:best], remaining[best+1:]...)
			continue
		}

		selected = append(selected, selectedStop{loc: c, travelMinutes: bestTravel})
		remaining = append(remaining[:best], remaining[best+1:]...)
		pos = *c.Coords
		used = projected
	}

	return selected
}

// scheduleAdjustment converts schedule pressure into score minutes. Overdue
// work earns a large credit (lower score wins) so urgency dominates a
// shorter drive; future-dated work is mildly deferred unless it is a cheap
// detour from the current position.
func scheduleAdjustment(planDate, orderDate time.Time, travelMinutes int) int {
	daysLate := daysBetween(orderDate, planDate)
	switch {
	case daysLate > 0:
		return -daysLate * overdueCreditPerDay
	case daysLate < 0:
		adj := -daysLate * futureOffsetPerDay
		if travelMinutes < nearbyTravelMaxMinutes {
			adj += nearbyFutureBonus
		}
		return adj
	default:
		return 0
	}
}

// daysBetween returns whole calendar days from one date to another,
// ignoring the time of day.
func daysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}

// ─── Finalization ───────────────────────────────────────────

// finalizeRoute recomputes each leg of the fixed selection order with the
// routing gateway (one call per leg), degrading to the estimator when the
// gateway fails or is disabled, and assembles the route aggregate.
func (s *PlannerService) finalizeRoute(
	ctx context.Context, driver *model.Driver, req PlanRequest, selection []selectedStop,
) *model.Route {
	route := &model.Route{
		OwnerID:  req.OwnerID,
		DriverID: driver.ID,
		Date:     req.Date,
		Status:   model.RouteTemp,
	}

	prev := driver.Start
	for i, sel := range selection {
		km, minutes := s.legMetrics(ctx, prev, *sel.loc.Coords, req.Date)

		route.Stops = append(route.Stops, model.RouteStop{
			LocationID:            sel.loc.ID,
			Sequence:              i + 1,
			Coords:                *sel.loc.Coords,
			ServiceMinutes:        sel.loc.ServiceMinutes,
			TravelKmFromPrev:      km,
			TravelMinutesFromPrev: minutes,
		})

		route.TotalKm += km
		route.TotalMinutes += minutes + sel.loc.ServiceMinutes
		prev = *sel.loc.Coords
	}

	return route
}

// legMetrics fetches one leg from the gateway, degrading silently to the
// estimator. Gateway trouble never fails route construction.
func (s *PlannerService) legMetrics(
	ctx context.Context, from, to model.Location, date time.Time,
) (km float64, minutes int) {
	if s.gateway != nil {
		result, err := s.gateway.DrivingRoute(ctx, []model.Location{from, to})
		if err == nil && len(result.Legs) == 1 {
			leg := result.Legs[0]
			return leg.DistanceKm, roundMinutes(leg.DurationMinutes)
		}
		if err != nil {
			log.Printf("[planner] gateway leg failed, using estimate: %v", err)
		}
	}
	return s.estimator.LegMetrics(ctx, from, to, date, defaultDepartMinute)
}
