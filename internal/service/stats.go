package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ahlgreen/fieldroute/config"
	"github.com/ahlgreen/fieldroute/internal/model"
	"github.com/ahlgreen/fieldroute/internal/repository"
	"github.com/ahlgreen/fieldroute/pkg/geo"
)

// StopLifecycle records actual arrival and departure times on route stops.
type StopLifecycle interface {
	MarkArrived(ctx context.Context, stopID int64, at time.Time) error
	MarkDeparted(ctx context.Context, stopID int64, at time.Time, outcome model.LocationStatus) (*repository.DepartedStop, error)
}

// StatsSink folds one travel observation into its learned bucket.
type StatsSink interface {
	FoldSample(
		ctx context.Context,
		regionID int64, dayType model.DayType, hourBucket, distanceBand int,
		minPerKm float64, serviceMinutes *int, suspicious bool,
		driverID int64, at time.Time,
	) error
}

// RegionSource lists travel-time regions in resolution order.
type RegionSource interface {
	ListRegions(ctx context.Context) ([]model.TravelTimeRegion, error)
}

// DepartResult reports a departure. The stop update is the primary effect;
// the statistics fold is best-effort and its failure is reported, never
// propagated.
type DepartResult struct {
	Stop          *model.RouteStop `json:"stop"`
	StatsRecorded bool             `json:"stats_recorded"`
	StatsReason   string           `json:"stats_reason,omitempty"`
}

// StatsService turns completed stop visits into learned travel-time
// samples. Driving conditions are observed from real arrivals and
// departures, bucketed by region, day type, hour and distance band, and
// folded into per-bucket rolling averages the estimator can later use.
type StatsService struct {
	stops   StopLifecycle
	sink    StatsSink
	regions RegionSource
	cfg     config.TravelTimeConfig
	nowFn   func() time.Time
}

// NewStatsService creates a stats service.
func NewStatsService(
	stops StopLifecycle, sink StatsSink, regions RegionSource, cfg config.TravelTimeConfig,
) *StatsService {
	return &StatsService{stops: stops, sink: sink, regions: regions, cfg: cfg, nowFn: time.Now}
}

// Arrive stamps the actual arrival time on a stop.
func (s *StatsService) Arrive(ctx context.Context, stopID int64, at time.Time) error {
	if at.IsZero() {
		at = s.nowFn()
	}
	if err := s.stops.MarkArrived(ctx, stopID, at); err != nil {
		return fmt.Errorf("arrive: %w", err)
	}
	return nil
}

// Depart stamps the departure, marks the visit outcome on the location and
// then feeds the observed leg into the learning pipeline. A learning
// failure is logged and reported in the result; the departure itself has
// already committed at that point and is never rolled back.
func (s *StatsService) Depart(
	ctx context.Context, stopID int64, at time.Time, outcome model.LocationStatus,
) (*DepartResult, error) {
	if at.IsZero() {
		at = s.nowFn()
	}

	dep, err := s.stops.MarkDeparted(ctx, stopID, at, outcome)
	if err != nil {
		return nil, fmt.Errorf("depart: %w", err)
	}

	result := &DepartResult{Stop: &dep.Stop}
	result.StatsRecorded, result.StatsReason = s.recordObservation(ctx, dep)
	return result, nil
}

// recordObservation derives one travel sample from a departed stop and
// folds it. Returns whether a sample was recorded and, when not, why.
func (s *StatsService) recordObservation(
	ctx context.Context, dep *repository.DepartedStop,
) (bool, string) {
	obs, reason := deriveObservation(dep)
	if obs == nil {
		return false, reason
	}

	regions, err := s.regions.ListRegions(ctx)
	if err != nil {
		log.Printf("[stats] list regions failed, sample dropped: %v", err)
		return false, "region lookup failed"
	}
	region := ResolveRegion(regions, obs.at)
	if region == nil {
		return false, "no region covers the stop"
	}

	suspicious := s.isSuspicious(obs.minPerKm)
	err = s.sink.FoldSample(ctx,
		region.ID, model.DayTypeFor(dep.Date), model.HourBucketFor(obs.departMinute),
		model.DistanceBandFor(obs.km),
		obs.minPerKm, obs.serviceMinutes, suspicious,
		dep.DriverID, s.nowFn(),
	)
	if err != nil {
		log.Printf("[stats] fold sample failed for stop #%d: %v", dep.Stop.ID, err)
		return false, "sample persistence failed"
	}

	if suspicious {
		log.Printf("[stats] suspicious sample for stop #%d: %.2f min/km", dep.Stop.ID, obs.minPerKm)
	}
	return true, ""
}

// observation is one derived travel sample.
type observation struct {
	at             model.Location // where the leg ended
	km             float64
	minPerKm       float64
	departMinute   int // minute of day the leg started, clamped to [0, 1439]
	serviceMinutes *int
}

// deriveObservation extracts a travel sample from a departed stop, or
// explains why none can be taken. First stops have no inbound leg; stops
// missing real timestamps, or whose timestamps imply non-positive travel,
// yield nothing.
func deriveObservation(dep *repository.DepartedStop) (*observation, string) {
	stop := dep.Stop
	if dep.Prev == nil {
		return nil, "first stop has no inbound leg"
	}
	if dep.Prev.CompletedAt == nil || stop.ArrivedAt == nil {
		return nil, "missing actual timestamps"
	}

	travelMinutes := stop.ArrivedAt.Sub(*dep.Prev.CompletedAt).Minutes()
	if travelMinutes <= 0 {
		return nil, "non-positive travel time"
	}

	km := stop.TravelKmFromPrev
	if km <= 0 {
		km = geo.HaversineKm(dep.Prev.Coords, stop.Coords)
	}
	if km <= 0 {
		return nil, "zero-distance leg"
	}

	departMinute := dep.Prev.CompletedAt.Hour()*60 + dep.Prev.CompletedAt.Minute()
	if departMinute < 0 {
		departMinute = 0
	}
	if departMinute > 1439 {
		departMinute = 1439
	}

	return &observation{
		at:             stop.Coords,
		km:             km,
		minPerKm:       travelMinutes / km,
		departMinute:   departMinute,
		serviceMinutes: stop.ActualServiceMinutes,
	}, ""
}

// isSuspicious flags paces outside the configured plausible interval.
// A zero bound disables that side of the check.
func (s *StatsService) isSuspicious(minPerKm float64) bool {
	if s.cfg.MinPlausibleMinPerKm > 0 && minPerKm < s.cfg.MinPlausibleMinPerKm {
		return true
	}
	if s.cfg.MaxPlausibleMinPerKm > 0 && minPerKm > s.cfg.MaxPlausibleMinPerKm {
		return true
	}
	return false
}
