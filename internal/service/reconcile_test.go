package service

import (
	"context"
	"errors"
	"testing"

	"github.com/ahlgreen/fieldroute/internal/model"
	"github.com/ahlgreen/fieldroute/internal/repository"
)

type fakeUpserter struct {
	route   *model.Route
	desired []model.RouteStop
}

func (f *fakeUpserter) GetRoute(_ context.Context, id int64) (*model.Route, error) {
	if f.route == nil || f.route.ID != id {
		return nil, repository.ErrRouteNotFound
	}
	return f.route, nil
}

func (f *fakeUpserter) UpsertStops(_ context.Context, routeID int64, desired []model.RouteStop, _ repository.LegFunc) (*model.Route, error) {
	f.desired = desired
	updated := *f.route
	updated.Stops = desired
	return &updated, nil
}

func (f *fakeUpserter) SetStatus(_ context.Context, _ int64, status model.RouteStatus) error {
	f.route.Status = status
	return nil
}

type fakeLocations struct {
	locations map[int64]*model.ServiceLocation
}

func (f *fakeLocations) GetLocation(_ context.Context, id int64) (*model.ServiceLocation, error) {
	loc, ok := f.locations[id]
	if !ok {
		return nil, repository.ErrLocationNotFound
	}
	return loc, nil
}

func newTestUpsert(route *model.Route) (*UpsertService, *fakeUpserter) {
	return newTestUpsertWith(route, &fakeLocations{})
}

func newTestUpsertWith(route *model.Route, locations *fakeLocations) (*UpsertService, *fakeUpserter) {
	routes := &fakeUpserter{route: route}
	drivers := &fakeDrivers{drivers: map[int64]*model.Driver{7: testDriver(7)}, order: []int64{7}}
	return NewUpsertService(routes, drivers, locations, nil, NewEstimator(fakeTravelData{})), routes
}

func coordsOf(l model.Location) *model.Location { return &l }

func TestReplaceStops_ComputesSequentialLegs(t *testing.T) {
	svc, routes := newTestUpsert(&model.Route{
		ID: 3, DriverID: 7, OwnerID: 1, Date: testDate, Status: model.RouteTemp,
	})

	edits := []StopEdit{
		{LocationID: 1, Coords: coordsOf(kmNorth(testStart, 5)), ServiceMinutes: 10},
		{LocationID: 2, Coords: coordsOf(kmNorth(testStart, 10)), ServiceMinutes: 15},
	}

	updated, err := svc.ReplaceStops(context.Background(), 3, edits)
	if err != nil {
		t.Fatalf("ReplaceStops: %v", err)
	}

	if len(routes.desired) != 2 {
		t.Fatalf("UpsertStops received %d stops, want 2", len(routes.desired))
	}
	first, second := routes.desired[0], routes.desired[1]

	if first.Sequence != 1 || second.Sequence != 2 {
		t.Errorf("sequences = %d, %d, want 1, 2", first.Sequence, second.Sequence)
	}
	// Legs chain from the driver's start: 5 km, then 5 km more.
	if first.TravelMinutesFromPrev != 6 || second.TravelMinutesFromPrev != 6 {
		t.Errorf("leg minutes = %d, %d, want 6, 6",
			first.TravelMinutesFromPrev, second.TravelMinutesFromPrev)
	}
	if len(updated.Stops) != 2 {
		t.Errorf("updated route has %d stops, want 2", len(updated.Stops))
	}
}

func TestReplaceStops_ResolvesOmittedFields(t *testing.T) {
	target := kmNorth(testStart, 5)
	locations := &fakeLocations{locations: map[int64]*model.ServiceLocation{
		4: {ID: 4, OwnerID: 1, Coords: &target, ServiceMinutes: 25},
	}}
	svc, routes := newTestUpsertWith(&model.Route{
		ID: 3, DriverID: 7, OwnerID: 1, Date: testDate, Status: model.RouteTemp,
	}, locations)

	_, err := svc.ReplaceStops(context.Background(), 3, []StopEdit{{LocationID: 4}})
	if err != nil {
		t.Fatalf("ReplaceStops: %v", err)
	}

	stop := routes.desired[0]
	if stop.Coords != target {
		t.Errorf("coords = %v, want the location record's %v", stop.Coords, target)
	}
	if stop.ServiceMinutes != 25 {
		t.Errorf("service minutes = %d, want 25 from the location record", stop.ServiceMinutes)
	}
	if stop.TravelMinutesFromPrev != 6 {
		t.Errorf("leg minutes = %d, want 6", stop.TravelMinutesFromPrev)
	}
}

func TestReplaceStops_UnknownLocation(t *testing.T) {
	svc, _ := newTestUpsert(&model.Route{
		ID: 3, DriverID: 7, OwnerID: 1, Date: testDate, Status: model.RouteTemp,
	})

	_, err := svc.ReplaceStops(context.Background(), 3, []StopEdit{{LocationID: 99}})

	if !errors.Is(err, ErrLocationNotFound) {
		t.Errorf("ReplaceStops unknown location: err = %v, want ErrLocationNotFound", err)
	}
}

func TestReplaceStops_FixedRouteRejected(t *testing.T) {
	svc, routes := newTestUpsert(&model.Route{
		ID: 3, DriverID: 7, OwnerID: 1, Date: testDate, Status: model.RouteFixed,
	})

	_, err := svc.ReplaceStops(context.Background(), 3, []StopEdit{
		{LocationID: 1, Coords: coordsOf(kmNorth(testStart, 5)), ServiceMinutes: 10},
	})

	if !errors.Is(err, ErrRouteFixed) {
		t.Errorf("ReplaceStops on fixed route: err = %v, want ErrRouteFixed", err)
	}
	if routes.desired != nil {
		t.Errorf("UpsertStops was called despite the fixed guard")
	}
}

func TestReplaceStops_UnknownRoute(t *testing.T) {
	svc, _ := newTestUpsert(&model.Route{ID: 3, DriverID: 7, Status: model.RouteTemp})

	_, err := svc.ReplaceStops(context.Background(), 99, nil)

	if !errors.Is(err, ErrRouteNotFound) {
		t.Errorf("ReplaceStops unknown route: err = %v, want ErrRouteNotFound", err)
	}
}

func TestSetRouteStatus(t *testing.T) {
	route := &model.Route{ID: 3, DriverID: 7, Status: model.RouteTemp}
	svc, _ := newTestUpsert(route)

	if err := svc.SetRouteStatus(context.Background(), 3, model.RouteFixed); err != nil {
		t.Fatalf("SetRouteStatus: %v", err)
	}
	if route.Status != model.RouteFixed {
		t.Errorf("route status = %s, want fixed", route.Status)
	}
}
