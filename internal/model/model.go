// Package model contains domain models for the field-service route planner.
// These structs map to the PostgreSQL schema defined in migrations/001_create_schema.up.sql.
package model

import "time"

// ─── Enums ──────────────────────────────────────────────────

// LocationStatus tracks a service location's planning lifecycle.
type LocationStatus string

const (
	LocationOpen       LocationStatus = "open"
	LocationPlanned    LocationStatus = "planned"
	LocationDone       LocationStatus = "done"
	LocationNotVisited LocationStatus = "not_visited"
	LocationCancelled  LocationStatus = "cancelled"
)

// VisitOutcome reports whether s is a terminal outcome a driver can report
// when departing a stop.
func (s LocationStatus) VisitOutcome() bool {
	return s == LocationDone || s == LocationNotVisited
}

// RouteStatus tracks a route's lifecycle for one driver and date.
type RouteStatus string

const (
	// RouteTemp is a freshly generated plan, still open to regeneration.
	RouteTemp RouteStatus = "temp"
	// RouteFixed rejects further automatic regeneration.
	RouteFixed     RouteStatus = "fixed"
	RouteStarted   RouteStatus = "started"
	RouteCompleted RouteStatus = "completed"
)

// Valid reports whether s is a known route status.
func (s RouteStatus) Valid() bool {
	switch s {
	case RouteTemp, RouteFixed, RouteStarted, RouteCompleted:
		return true
	}
	return false
}

// StatStatus is the approval state of a learned travel-time row.
type StatStatus string

const (
	StatDraft    StatStatus = "draft"
	StatApproved StatStatus = "approved"
)

// DayType buckets speed statistics by calendar day classification.
type DayType string

const (
	DayWeekday DayType = "weekday"
	DayWeekend DayType = "weekend"
	// DayHoliday appears only on curated baseline rows; the planner has no
	// holiday calendar of its own.
	DayHoliday DayType = "holiday"
)

// DayTypeFor classifies a calendar date as weekday or weekend.
func DayTypeFor(date time.Time) DayType {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return DayWeekend
	default:
		return DayWeekday
	}
}

// HourBucketFor maps a minute-of-day to a traffic bucket:
//
//	0: [00:00, 06:00) night
//	1: [06:00, 09:00) morning peak
//	2: [09:00, 15:00) midday
//	3: [15:00, 18:00) evening peak
//	4: [18:00, 24:00) evening
func HourBucketFor(minuteOfDay int) int {
	h := minuteOfDay / 60
	switch {
	case h < 6:
		return 0
	case h < 9:
		return 1
	case h < 15:
		return 2
	case h < 18:
		return 3
	default:
		return 4
	}
}

// DistanceBandFor maps a leg length in kilometers to a band:
//
//	0: [0, 2) km   1: [2, 5)   2: [5, 10)   3: [10, 25)   4: 25+
func DistanceBandFor(km float64) int {
	switch {
	case km < 2:
		return 0
	case km < 5:
		return 1
	case km < 10:
		return 2
	case km < 25:
		return 3
	default:
		return 4
	}
}

// ─── Location ───────────────────────────────────────────────

// Location represents a WGS-84 geographic point (EPSG:4326).
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ─── Domain Models ──────────────────────────────────────────

// ServiceLocation maps to the `service_locations` table: one visit obligation.
// A location contributes to at most one active route at a time.
type ServiceLocation struct {
	ID             int64          `json:"id"`
	OwnerID        int64          `json:"owner_id"`
	ServiceTypeID  int64          `json:"service_type_id"`
	Name           string         `json:"name"`
	Address        string         `json:"address"`
	Coords         *Location      `json:"coords,omitempty"` // nil until resolved from address
	DueDate        time.Time      `json:"due_date"`
	PriorityDate   *time.Time     `json:"priority_date,omitempty"` // overrides DueDate for urgency
	ServiceMinutes int            `json:"service_minutes"`
	Status         LocationStatus `json:"status"`
	Active         bool           `json:"active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// OrderDate returns the date used for urgency ordering.
func (s *ServiceLocation) OrderDate() time.Time {
	if s.PriorityDate != nil {
		return *s.PriorityDate
	}
	return s.DueDate
}

// Driver maps to the `drivers` table.
type Driver struct {
	ID             int64     `json:"id"`
	OwnerID        int64     `json:"owner_id"`
	Name           string    `json:"name"`
	Start          Location  `json:"start"` // home/start coordinates
	MaxWorkMinutes int       `json:"max_work_minutes_per_day"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DriverAvailability maps to the `driver_availability` table: an optional
// per-date working window in minutes of day.
type DriverAvailability struct {
	ID          int64     `json:"id"`
	DriverID    int64     `json:"driver_id"`
	Date        time.Time `json:"date"`
	StartMinute int       `json:"start_minute"`
	EndMinute   int       `json:"end_minute"`
}

// WindowMinutes returns the usable length of the availability window.
func (a *DriverAvailability) WindowMinutes() int {
	w := a.EndMinute - a.StartMinute
	if w < 0 {
		return 0
	}
	return w
}

// Route maps to the `routes` table: one driver's plan for one calendar date.
type Route struct {
	ID           int64       `json:"id"`
	OwnerID      int64       `json:"owner_id"`
	DriverID     int64       `json:"driver_id"`
	Date         time.Time   `json:"date"`
	TotalKm      float64     `json:"total_km"`
	TotalMinutes int         `json:"total_minutes"`
	Status       RouteStatus `json:"status"`
	Stops        []RouteStop `json:"stops,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// RouteStop maps to the `route_stops` table: one position in a route.
// Stops are owned exclusively by their route and deleted en masse when the
// route is regenerated.
type RouteStop struct {
	ID                    int64      `json:"id"`
	RouteID               int64      `json:"route_id"`
	LocationID            int64      `json:"location_id"`
	Sequence              int        `json:"sequence"`
	Coords                Location   `json:"coords"`
	ServiceMinutes        int        `json:"service_minutes"`
	TravelKmFromPrev      float64    `json:"travel_km_from_prev"`
	TravelMinutesFromPrev int        `json:"travel_minutes_from_prev"`
	ArrivedAt             *time.Time `json:"arrived_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
	ActualServiceMinutes  *int       `json:"actual_service_minutes,omitempty"`
}

// TravelTimeRegion maps to the `travel_time_regions` table: a named bounding
// box with a priority rank. More specific regions rank above the global
// fallback region.
type TravelTimeRegion struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	MinLat   float64 `json:"min_lat"`
	MinLon   float64 `json:"min_lon"`
	MaxLat   float64 `json:"max_lat"`
	MaxLon   float64 `json:"max_lon"`
	Priority int     `json:"priority"` // higher wins
	Global   bool    `json:"global"`   // catch-all fallback region
}

// Contains reports whether the point lies inside the region's bounding box.
func (r *TravelTimeRegion) Contains(p Location) bool {
	return p.Lat >= r.MinLat && p.Lat <= r.MaxLat &&
		p.Lon >= r.MinLon && p.Lon <= r.MaxLon
}

// RegionSpeedProfile maps to the `region_speed_profiles` table: a hand-curated
// minutes-per-kilometre baseline for one (region, day type, hour bucket).
type RegionSpeedProfile struct {
	ID          int64   `json:"id"`
	RegionID    int64   `json:"region_id"`
	DayType     DayType `json:"day_type"`
	HourBucket  int     `json:"hour_bucket"`
	AvgMinPerKm float64 `json:"avg_min_per_km"`
}

// LearnedTravelStats maps to the `learned_travel_stats` table: rolling
// statistics for one (region, day type, hour bucket, distance band).
type LearnedTravelStats struct {
	ID                    int64      `json:"id"`
	RegionID              int64      `json:"region_id"`
	DayType               DayType    `json:"day_type"`
	HourBucket            int        `json:"hour_bucket"`
	DistanceBand          int        `json:"distance_band"`
	TotalSampleCount      int        `json:"total_sample_count"`
	SuspiciousSampleCount int        `json:"suspicious_sample_count"`
	AvgMinutesPerKm       *float64   `json:"avg_minutes_per_km,omitempty"`
	MinMinutesPerKm       *float64   `json:"min_minutes_per_km,omitempty"`
	MaxMinutesPerKm       *float64   `json:"max_minutes_per_km,omitempty"`
	AvgStopServiceMinutes *float64   `json:"avg_stop_service_minutes,omitempty"`
	LastSampleAtUtc       *time.Time `json:"last_sample_at_utc,omitempty"`
	Status                StatStatus `json:"status"`
	ApprovedBy            *string    `json:"approved_by,omitempty"`
	ApprovedAt            *time.Time `json:"approved_at,omitempty"`
}

// ApplySample folds one observation into the rolling statistics. Suspicious
// observations bump the counters and the last-sample timestamp but never move
// the rolling average, min, or max.
func (s *LearnedTravelStats) ApplySample(minPerKm float64, serviceMinutes *int, suspicious bool, at time.Time) {
	s.TotalSampleCount++
	t := at.UTC()
	s.LastSampleAtUtc = &t

	if suspicious {
		s.SuspiciousSampleCount++
		return
	}

	// Plausible-sample count including this one.
	folded := s.TotalSampleCount - s.SuspiciousSampleCount
	prev := folded - 1

	if s.AvgMinutesPerKm == nil {
		v := minPerKm
		s.AvgMinutesPerKm = &v
	} else {
		v := (*s.AvgMinutesPerKm*float64(prev) + minPerKm) / float64(folded)
		s.AvgMinutesPerKm = &v
	}

	if s.MinMinutesPerKm == nil || minPerKm < *s.MinMinutesPerKm {
		v := minPerKm
		s.MinMinutesPerKm = &v
	}
	if s.MaxMinutesPerKm == nil || minPerKm > *s.MaxMinutesPerKm {
		v := minPerKm
		s.MaxMinutesPerKm = &v
	}

	if serviceMinutes != nil {
		sm := float64(*serviceMinutes)
		if s.AvgStopServiceMinutes == nil {
			s.AvgStopServiceMinutes = &sm
		} else {
			v := (*s.AvgStopServiceMinutes*float64(prev) + sm) / float64(folded)
			s.AvgStopServiceMinutes = &v
		}
	}
}

// LearnedTravelStatContributor maps to the `learned_travel_stat_contributors`
// table: per-driver provenance for one stat row.
type LearnedTravelStatContributor struct {
	ID           int64     `json:"id"`
	StatID       int64     `json:"stat_id"`
	DriverID     int64     `json:"driver_id"`
	SampleCount  int       `json:"sample_count"`
	LastSampleAt time.Time `json:"last_sample_at"`
}

// ─── Planner-specific DTOs ──────────────────────────────────

// PlanResult is returned by the route builder for one driver.
type PlanResult struct {
	Route       *Route  `json:"route"`
	ConsumedIDs []int64 `json:"consumed_location_ids"`
}

// SkippedDriver records a driver the batch run could not plan for.
type SkippedDriver struct {
	DriverID int64  `json:"driver_id"`
	Reason   string `json:"reason"`
}

// BatchPlanResult is returned by the batch route builder.
type BatchPlanResult struct {
	Planned []*PlanResult   `json:"planned"`
	Skipped []SkippedDriver `json:"skipped"`
}

// StatDiagnostics is the quality-gate view over one learned stat row.
type StatDiagnostics struct {
	Stat             LearnedTravelStats `json:"stat"`
	BaselineMinPerKm float64            `json:"baseline_min_per_km"`
	DeviationPercent *float64           `json:"deviation_percent,omitempty"` // nil until a learned average exists
	IsOutOfRange     bool               `json:"is_out_of_range"`
	IsStale          bool               `json:"is_stale"`
	IsLowSample      bool               `json:"is_low_sample"`
	IsHighDeviation  bool               `json:"is_high_deviation"`
	SuspiciousRatio  float64            `json:"suspicious_ratio"`
}
