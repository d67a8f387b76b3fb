package service

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/ahlgreen/fieldroute/internal/model"
	"github.com/ahlgreen/fieldroute/pkg/geo"
)

// FallbackBaselineMinPerKm is the pace implied by the flat average speed,
// used when neither learned stats nor a region profile cover a leg. It also
// anchors deviation checks on learned buckets.
const FallbackBaselineMinPerKm = 60.0 / geo.AverageSpeedKmph

// defaultDepartMinute stands in for the departure time when a caller has no
// real clock for the leg (route generation plans a whole day at once).
const defaultDepartMinute = 9 * 60

// TravelDataSource supplies the reference data and learned statistics the
// estimator reads. Reference data is cache-backed and cheap to list.
type TravelDataSource interface {
	ListRegions(ctx context.Context) ([]model.TravelTimeRegion, error)
	ListProfiles(ctx context.Context) ([]model.RegionSpeedProfile, error)
	FindApprovedStat(ctx context.Context, regionID int64, dayType model.DayType, hourBucket, distanceBand int) (*model.LearnedTravelStats, error)
}

// Estimator resolves travel time for a leg through a three-level chain:
//
//  1. an approved learned bucket for (region, day type, hour, distance band)
//  2. the region's configured speed profile, then the global region's
//  3. the flat average speed
//
// Every level degrades silently to the next; estimation never fails.
type Estimator struct {
	travel TravelDataSource
}

// NewEstimator creates an estimator over the given travel data source.
func NewEstimator(travel TravelDataSource) *Estimator {
	return &Estimator{travel: travel}
}

// LegMetrics returns the haversine distance and estimated minutes for one
// leg departing on the given date around the given minute of day.
func (e *Estimator) LegMetrics(
	ctx context.Context, from, to model.Location, date time.Time, departMinute int,
) (km float64, minutes int) {
	km = geo.HaversineKm(from, to)
	if km == 0 {
		return 0, 0
	}
	return km, roundMinutes(km * e.minPerKm(ctx, to, date, departMinute, km))
}

// minPerKm resolves the pace for a leg ending at the given point.
func (e *Estimator) minPerKm(
	ctx context.Context, at model.Location, date time.Time, departMinute int, km float64,
) float64 {
	regions, err := e.travel.ListRegions(ctx)
	if err != nil {
		log.Printf("[estimator] list regions failed, using flat speed: %v", err)
		return FallbackBaselineMinPerKm
	}

	region := ResolveRegion(regions, at)
	if region == nil {
		return FallbackBaselineMinPerKm
	}

	dayType := model.DayTypeFor(date)
	bucket := model.HourBucketFor(departMinute)
	band := model.DistanceBandFor(km)

	stat, err := e.travel.FindApprovedStat(ctx, region.ID, dayType, bucket, band)
	if err != nil {
		log.Printf("[estimator] find stat failed, using profile: %v", err)
	} else if stat != nil && stat.AvgMinutesPerKm != nil && *stat.AvgMinutesPerKm > 0 {
		return *stat.AvgMinutesPerKm
	}

	profiles, err := e.travel.ListProfiles(ctx)
	if err != nil {
		log.Printf("[estimator] list profiles failed, using flat speed: %v", err)
		return FallbackBaselineMinPerKm
	}

	return BaselineMinPerKm(profiles, regions, region.ID, dayType, bucket)
}

// ResolveRegion returns the first region containing the point, relying on
// the source ordering (specific regions before the global one, then by
// priority). Nil when no region matches.
func ResolveRegion(regions []model.TravelTimeRegion, p model.Location) *model.TravelTimeRegion {
	for i := range regions {
		if regions[i].Contains(p) {
			return &regions[i]
		}
	}
	return nil
}

// BaselineMinPerKm resolves the configured pace for a bucket: the region's
// own profile row, else the global region's row for the same day type and
// hour, else the flat average speed.
func BaselineMinPerKm(
	profiles []model.RegionSpeedProfile,
	regions []model.TravelTimeRegion,
	regionID int64,
	dayType model.DayType,
	hourBucket int,
) float64 {
	var globalID int64 = -1
	for _, r := range regions {
		if r.Global {
			globalID = r.ID
			break
		}
	}

	exact, global := 0.0, 0.0
	for _, p := range profiles {
		if p.DayType != dayType || p.HourBucket != hourBucket || p.AvgMinPerKm <= 0 {
			continue
		}
		if p.RegionID == regionID && exact == 0 {
			exact = p.AvgMinPerKm
		}
		if p.RegionID == globalID && global == 0 {
			global = p.AvgMinPerKm
		}
	}

	switch {
	case exact > 0:
		return exact
	case global > 0:
		return global
	default:
		return FallbackBaselineMinPerKm
	}
}

// roundMinutes rounds a fractional duration to whole minutes, half away
// from zero.
func roundMinutes(m float64) int {
	return int(math.Round(m))
}
