// Package geo provides geographic utility functions for route planning.
//
// All distance calculations use the Haversine formula on WGS-84 coordinates.
// Travel time is estimated using a constant average speed, good enough for
// first-pass candidate scoring. Final leg metrics come from the routing
// gateway when it is reachable.
package geo

import (
	"math"

	"github.com/ahlgreen/fieldroute/internal/model"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// EarthRadiusKm is the mean radius of Earth in kilometers.
	EarthRadiusKm = 6371.0

	// AverageSpeedKmph is the assumed flat average driving speed.
	// Used for time estimation when neither the routing gateway nor an
	// approved learned statistic is available.
	AverageSpeedKmph = 50.0
)

// ─── Distance ───────────────────────────────────────────────

// HaversineKm returns the great-circle distance between two points in kilometers.
//
// Complexity: O(1)
func HaversineKm(a, b model.Location) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLon*sinLon

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(a, b model.Location) float64 {
	return HaversineKm(a, b) * 1000.0
}

// RouteDistanceKm returns the total distance of an ordered point list in kilometers.
//
// Complexity: O(S) where S = number of points.
func RouteDistanceKm(points []model.Location) float64 {
	total := 0.0
	for i := 0; i < len(points)-1; i++ {
		total += HaversineKm(points[i], points[i+1])
	}
	return total
}

// ─── Time estimation ────────────────────────────────────────

// EstimateMinutes returns the estimated direct travel time between two points
// in whole minutes at AverageSpeedKmph, rounded half away from zero.
// Returns 0 when both points coincide.
//
// Complexity: O(1)
func EstimateMinutes(a, b model.Location) int {
	return MinutesForKm(HaversineKm(a, b))
}

// MinutesForKm converts a distance at AverageSpeedKmph to whole minutes,
// rounded half away from zero.
func MinutesForKm(km float64) int {
	return int(math.Round(km / AverageSpeedKmph * 60.0))
}

// ─── Helpers ────────────────────────────────────────────────

func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}
