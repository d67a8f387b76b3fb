package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ahlgreen/fieldroute/internal/model"
	"github.com/ahlgreen/fieldroute/internal/repository"
	"github.com/ahlgreen/fieldroute/internal/routing"
)

// ErrRouteNotFound mirrors the repository sentinel so handlers classify it
// without reaching into the persistence layer.
var ErrRouteNotFound = repository.ErrRouteNotFound

// ErrLocationNotFound mirrors the repository sentinel for unknown location
// references in a submitted stop list.
var ErrLocationNotFound = repository.ErrLocationNotFound

// RouteUpserter is the transactional route surface reconciliation needs.
type RouteUpserter interface {
	GetRoute(ctx context.Context, id int64) (*model.Route, error)
	UpsertStops(ctx context.Context, routeID int64, desired []model.RouteStop, leg repository.LegFunc) (*model.Route, error)
	SetStatus(ctx context.Context, routeID int64, status model.RouteStatus) error
}

// LocationSource looks up service-location records for stop resolution.
type LocationSource interface {
	GetLocation(ctx context.Context, id int64) (*model.ServiceLocation, error)
}

// StopEdit is one desired stop in a client-submitted route revision, in
// final visit order. Coords and ServiceMinutes are optional; omitted
// values are resolved from the location record.
type StopEdit struct {
	LocationID     int64           `json:"location_id"`
	Coords         *model.Location `json:"coords,omitempty"`
	ServiceMinutes int             `json:"service_minutes,omitempty"`
}

// UpsertService applies client-side route revisions: replacing a route's
// stop list, stealing locations that sit on other drivers' routes, and
// repairing every affected route in one transaction.
type UpsertService struct {
	routes    RouteUpserter
	drivers   DriverSource
	locations LocationSource
	gateway   routing.Gateway // nil disables the gateway entirely
	estimator *Estimator
}

// NewUpsertService creates an upsert service.
func NewUpsertService(
	routes RouteUpserter, drivers DriverSource, locations LocationSource,
	gateway routing.Gateway, estimator *Estimator,
) *UpsertService {
	return &UpsertService{
		routes: routes, drivers: drivers, locations: locations,
		gateway: gateway, estimator: estimator,
	}
}

// ReplaceStops makes the submitted list the route's complete, ordered stop
// list. Locations currently on another driver's route are pulled off it and
// the donor route is resequenced and retotaled inside the same transaction;
// a donor left empty is deleted. Locations dropped from this route revert
// to open unless some other route still holds them.
func (s *UpsertService) ReplaceStops(
	ctx context.Context, routeID int64, edits []StopEdit,
) (*model.Route, error) {
	route, err := s.routes.GetRoute(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("replace stops: %w", err)
	}
	if route.Status == model.RouteFixed {
		return nil, ErrRouteFixed
	}

	driver, err := s.drivers.GetDriver(ctx, route.DriverID)
	if err != nil {
		return nil, fmt.Errorf("replace stops: get driver: %w", err)
	}

	// Leg metrics for the submitted order are fetched up front so the
	// transaction only touches the network for donor repairs.
	desired := make([]model.RouteStop, 0, len(edits))
	prev := driver.Start
	for i, e := range edits {
		coords, serviceMinutes, err := s.resolveEdit(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("replace stops: location %d: %w", e.LocationID, err)
		}
		km, minutes := s.leg(ctx, route.Date)(prev, coords)
		desired = append(desired, model.RouteStop{
			RouteID:               routeID,
			LocationID:            e.LocationID,
			Sequence:              i + 1,
			Coords:                coords,
			ServiceMinutes:        serviceMinutes,
			TravelKmFromPrev:      km,
			TravelMinutesFromPrev: minutes,
		})
		prev = coords
	}

	updated, err := s.routes.UpsertStops(ctx, routeID, desired, s.leg(ctx, route.Date))
	if err != nil {
		return nil, fmt.Errorf("replace stops: %w", err)
	}

	log.Printf("[reconcile] ✓ route #%d now has %d stops (%dmin, %.1fkm)",
		routeID, len(updated.Stops), updated.TotalMinutes, updated.TotalKm)
	return updated, nil
}

// SetRouteStatus transitions a route through its lifecycle (temp → fixed →
// started → completed).
func (s *UpsertService) SetRouteStatus(
	ctx context.Context, routeID int64, status model.RouteStatus,
) error {
	if err := s.routes.SetStatus(ctx, routeID, status); err != nil {
		return fmt.Errorf("set route status: %w", err)
	}
	log.Printf("[reconcile] route #%d status → %s", routeID, status)
	return nil
}

// resolveEdit fills in coordinates and service minutes from the location
// record when the submitted edit omits them.
func (s *UpsertService) resolveEdit(ctx context.Context, e StopEdit) (model.Location, int, error) {
	if e.Coords != nil && e.ServiceMinutes > 0 {
		return *e.Coords, e.ServiceMinutes, nil
	}
	loc, err := s.locations.GetLocation(ctx, e.LocationID)
	if err != nil {
		return model.Location{}, 0, err
	}
	coords := e.Coords
	if coords == nil {
		if loc.Coords == nil {
			return model.Location{}, 0, fmt.Errorf("location has no coordinates")
		}
		coords = loc.Coords
	}
	serviceMinutes := e.ServiceMinutes
	if serviceMinutes <= 0 {
		serviceMinutes = loc.ServiceMinutes
	}
	return *coords, serviceMinutes, nil
}

// leg builds a LegFunc over the gateway with estimator fallback, bound to
// the route's date.
func (s *UpsertService) leg(ctx context.Context, date time.Time) repository.LegFunc {
	return func(from, to model.Location) (float64, int) {
		if s.gateway != nil {
			result, err := s.gateway.DrivingRoute(ctx, []model.Location{from, to})
			if err == nil && len(result.Legs) == 1 {
				l := result.Legs[0]
				return l.DistanceKm, roundMinutes(l.DurationMinutes)
			}
			if err != nil {
				log.Printf("[reconcile] gateway leg failed, using estimate: %v", err)
			}
		}
		km, minutes := s.estimator.LegMetrics(ctx, from, to, date, defaultDepartMinute)
		return km, minutes
	}
}
