package routing

import (
	"context"
	"errors"

	"github.com/ahlgreen/fieldroute/internal/model"
	"github.com/ahlgreen/fieldroute/pkg/geo"
)

// MockGateway is a deterministic Gateway for tests. It derives legs from
// haversine distance scaled by a configurable road factor, or fails every
// call when Unavailable is set.
type MockGateway struct {
	// RoadFactor scales great-circle distance to approximate road distance.
	RoadFactor float64
	// SpeedKmph is the assumed driving speed for leg durations.
	SpeedKmph float64
	// Unavailable makes every call fail, exercising fallback paths.
	Unavailable bool

	Calls int
}

// NewMockGateway returns a mock with a 1.3 road factor at 50 km/h.
func NewMockGateway() *MockGateway {
	return &MockGateway{RoadFactor: 1.3, SpeedKmph: 50.0}
}

func (m *MockGateway) DrivingRoute(ctx context.Context, waypoints []model.Location) (*RouteResult, error) {
	m.Calls++

	if m.Unavailable {
		return nil, errors.New("mock gateway unavailable")
	}
	if len(waypoints) < 2 {
		return nil, errors.New("mock gateway: need at least 2 waypoints")
	}

	out := &RouteResult{Legs: make([]LegResult, 0, len(waypoints)-1)}
	for i := 1; i < len(waypoints); i++ {
		km := geo.HaversineKm(waypoints[i-1], waypoints[i]) * m.RoadFactor
		minutes := km / m.SpeedKmph * 60.0
		out.Legs = append(out.Legs, LegResult{DistanceKm: km, DurationMinutes: minutes})
		out.TotalDistanceKm += km
		out.TotalDurationMinutes += minutes
	}

	return out, nil
}
