package service

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/ahlgreen/fieldroute/config"
	"github.com/ahlgreen/fieldroute/internal/model"
	"github.com/ahlgreen/fieldroute/internal/repository"
)

// ErrStatNotFound mirrors the repository sentinel so handlers classify it
// without reaching into the persistence layer.
var ErrStatNotFound = repository.ErrStatNotFound

// StatAdmin is the persistence surface for reviewing and gating learned
// travel statistics.
type StatAdmin interface {
	ListStats(ctx context.Context) ([]model.LearnedTravelStats, error)
	GetStat(ctx context.Context, id int64) (*model.LearnedTravelStats, error)
	ListRegions(ctx context.Context) ([]model.TravelTimeRegion, error)
	ListProfiles(ctx context.Context) ([]model.RegionSpeedProfile, error)
	TopContributors(ctx context.Context, statID int64, n int) ([]model.LearnedTravelStatContributor, error)
	Approve(ctx context.Context, statID int64, approver string) error
	Revert(ctx context.Context, statID int64) error
	Reset(ctx context.Context, statID int64) error
}

// GateService implements the quality gate over learned travel statistics:
// learned rows stay drafts, invisible to estimation, until an operator
// reviews their diagnostics and approves them. Approval can be reverted or
// the row's rolling state reset outright when a bucket has gone bad.
type GateService struct {
	stats StatAdmin
	cfg   config.TravelTimeConfig
	nowFn func() time.Time
}

// NewGateService creates a gate service.
func NewGateService(stats StatAdmin, cfg config.TravelTimeConfig) *GateService {
	return &GateService{stats: stats, cfg: cfg, nowFn: time.Now}
}

// ListDiagnostics returns every learned row annotated with its quality
// flags against the configured thresholds.
func (s *GateService) ListDiagnostics(ctx context.Context) ([]model.StatDiagnostics, error) {
	stats, err := s.stats.ListStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("list diagnostics: %w", err)
	}
	regions, profiles, err := s.referenceData(ctx)
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	out := make([]model.StatDiagnostics, 0, len(stats))
	for _, st := range stats {
		baseline := BaselineMinPerKm(profiles, regions, st.RegionID, st.DayType, st.HourBucket)
		out = append(out, Diagnose(st, baseline, s.cfg, now))
	}
	return out, nil
}

// GetDiagnostics returns one annotated row with its top contributors.
func (s *GateService) GetDiagnostics(
	ctx context.Context, statID int64,
) (*model.StatDiagnostics, []model.LearnedTravelStatContributor, error) {
	st, err := s.stats.GetStat(ctx, statID)
	if err != nil {
		return nil, nil, fmt.Errorf("get diagnostics: %w", err)
	}
	regions, profiles, err := s.referenceData(ctx)
	if err != nil {
		return nil, nil, err
	}

	baseline := BaselineMinPerKm(profiles, regions, st.RegionID, st.DayType, st.HourBucket)
	diag := Diagnose(*st, baseline, s.cfg, s.nowFn())

	contributors, err := s.stats.TopContributors(ctx, statID, 10)
	if err != nil {
		return nil, nil, fmt.Errorf("get diagnostics: contributors: %w", err)
	}
	return &diag, contributors, nil
}

// Approve marks a draft row usable by estimation.
func (s *GateService) Approve(ctx context.Context, statID int64, approver string) error {
	if err := s.stats.Approve(ctx, statID, approver); err != nil {
		return fmt.Errorf("approve stat: %w", err)
	}
	log.Printf("[gate] ✓ stat #%d approved by %s", statID, approver)
	return nil
}

// Revert puts an approved row back into draft, keeping its rolling state.
func (s *GateService) Revert(ctx context.Context, statID int64) error {
	if err := s.stats.Revert(ctx, statID); err != nil {
		return fmt.Errorf("revert stat: %w", err)
	}
	log.Printf("[gate] stat #%d reverted to draft", statID)
	return nil
}

// Reset wipes a row's rolling state and contributors and restarts it as an
// empty draft.
func (s *GateService) Reset(ctx context.Context, statID int64) error {
	if err := s.stats.Reset(ctx, statID); err != nil {
		return fmt.Errorf("reset stat: %w", err)
	}
	log.Printf("[gate] stat #%d reset", statID)
	return nil
}

func (s *GateService) referenceData(
	ctx context.Context,
) ([]model.TravelTimeRegion, []model.RegionSpeedProfile, error) {
	regions, err := s.stats.ListRegions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("diagnostics: list regions: %w", err)
	}
	profiles, err := s.stats.ListProfiles(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("diagnostics: list profiles: %w", err)
	}
	return regions, profiles, nil
}

// Diagnose computes the quality flags for one row against a baseline pace.
// A zero threshold disables its flag. Rows without a learned average have
// no deviation; low-sample coverage reports them instead of staleness.
func Diagnose(
	st model.LearnedTravelStats, baseline float64, cfg config.TravelTimeConfig, now time.Time,
) model.StatDiagnostics {
	d := model.StatDiagnostics{Stat: st, BaselineMinPerKm: baseline}

	if st.AvgMinutesPerKm != nil && baseline > 0 {
		dev := (*st.AvgMinutesPerKm - baseline) / baseline * 100
		d.DeviationPercent = &dev
	}

	if st.AvgMinutesPerKm != nil && cfg.MaxPlausibleMinPerKm > 0 {
		avg := *st.AvgMinutesPerKm
		d.IsOutOfRange = avg < cfg.MinPlausibleMinPerKm || avg > cfg.MaxPlausibleMinPerKm
	}

	if cfg.StalenessDays > 0 && st.LastSampleAtUtc != nil {
		age := now.Sub(*st.LastSampleAtUtc)
		d.IsStale = age > time.Duration(cfg.StalenessDays)*24*time.Hour
	}

	if cfg.LowSampleThreshold > 0 {
		d.IsLowSample = st.TotalSampleCount < cfg.LowSampleThreshold
	}

	if cfg.HighDeviationWarnPercent > 0 && d.DeviationPercent != nil {
		d.IsHighDeviation = math.Abs(*d.DeviationPercent) >= cfg.HighDeviationWarnPercent
	}

	if st.TotalSampleCount > 0 {
		d.SuspiciousRatio = float64(st.SuspiciousSampleCount) / float64(st.TotalSampleCount)
	}

	return d
}
