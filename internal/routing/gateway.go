// Package routing abstracts the external driving-directions provider.
//
// The planner treats the gateway as best-effort: any failure degrades to
// haversine-derived estimates per leg, it never fails a route operation.
package routing

import (
	"context"

	"github.com/ahlgreen/fieldroute/internal/model"
)

// LegResult is the driving metrics for one waypoint-to-waypoint leg.
type LegResult struct {
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes float64 `json:"duration_minutes"`
}

// RouteResult is the driving route over an ordered list of waypoints.
type RouteResult struct {
	TotalDistanceKm      float64          `json:"total_distance_km"`
	TotalDurationMinutes float64          `json:"total_duration_minutes"`
	Legs                 []LegResult      `json:"legs"`
	Geometry             []model.Location `json:"geometry,omitempty"`
}

// Gateway is the contract for retrieving accurate driving routes.
type Gateway interface {
	// DrivingRoute returns per-leg distance/duration for the ordered
	// waypoints. len(Legs) == len(waypoints) - 1 on success.
	DrivingRoute(ctx context.Context, waypoints []model.Location) (*RouteResult, error)
}
