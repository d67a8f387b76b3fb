package service

import (
	"testing"
	"time"

	"github.com/ahlgreen/fieldroute/config"
	"github.com/ahlgreen/fieldroute/internal/model"
)

var gateCfg = config.TravelTimeConfig{
	MinPlausibleMinPerKm:     0.5,
	MaxPlausibleMinPerKm:     6.0,
	StalenessDays:            60,
	LowSampleThreshold:       20,
	HighDeviationWarnPercent: 40,
}

func statWithAvg(avg float64, samples int) model.LearnedTravelStats {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	return model.LearnedTravelStats{
		ID: 1, RegionID: 1, DayType: model.DayWeekday, HourBucket: 2, DistanceBand: 1,
		TotalSampleCount: samples,
		AvgMinutesPerKm:  &avg,
		LastSampleAtUtc:  &now,
		Status:           model.StatDraft,
	}
}

func TestDiagnose_DeviationPercent(t *testing.T) {
	now := time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC)
	d := Diagnose(statWithAvg(1.5, 100), 1.2, gateCfg, now)

	if d.DeviationPercent == nil {
		t.Fatal("DeviationPercent = nil, want 25%")
	}
	if got := *d.DeviationPercent; got < 24.99 || got > 25.01 {
		t.Errorf("DeviationPercent = %v, want 25", got)
	}
	if d.IsHighDeviation {
		t.Errorf("25%% deviation flagged high against a 40%% threshold")
	}
}

func TestDiagnose_HighDeviation(t *testing.T) {
	now := time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC)

	d := Diagnose(statWithAvg(2.0, 100), 1.2, gateCfg, now) // +66.7%
	if !d.IsHighDeviation {
		t.Errorf("66%% deviation not flagged against a 40%% threshold")
	}

	// Deviation below baseline counts by absolute value.
	d = Diagnose(statWithAvg(0.6, 100), 1.2, gateCfg, now) // -50%
	if !d.IsHighDeviation {
		t.Errorf("-50%% deviation not flagged against a 40%% threshold")
	}
}

func TestDiagnose_NoAverageNoDeviation(t *testing.T) {
	now := time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC)
	st := model.LearnedTravelStats{TotalSampleCount: 3, SuspiciousSampleCount: 3}

	d := Diagnose(st, 1.2, gateCfg, now)

	if d.DeviationPercent != nil {
		t.Errorf("DeviationPercent = %v, want nil without a learned average", *d.DeviationPercent)
	}
	if d.IsHighDeviation || d.IsOutOfRange {
		t.Errorf("flags raised without a learned average: %+v", d)
	}
	if d.SuspiciousRatio != 1.0 {
		t.Errorf("SuspiciousRatio = %v, want 1.0", d.SuspiciousRatio)
	}
}

func TestDiagnose_OutOfRange(t *testing.T) {
	now := time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC)

	if d := Diagnose(statWithAvg(7.0, 100), 1.2, gateCfg, now); !d.IsOutOfRange {
		t.Errorf("avg 7.0 not flagged against [0.5, 6.0]")
	}
	if d := Diagnose(statWithAvg(0.2, 100), 1.2, gateCfg, now); !d.IsOutOfRange {
		t.Errorf("avg 0.2 not flagged against [0.5, 6.0]")
	}
	if d := Diagnose(statWithAvg(1.3, 100), 1.2, gateCfg, now); d.IsOutOfRange {
		t.Errorf("avg 1.3 flagged against [0.5, 6.0]")
	}
}

func TestDiagnose_Staleness(t *testing.T) {
	st := statWithAvg(1.3, 100)
	now := st.LastSampleAtUtc.Add(61 * 24 * time.Hour)

	if d := Diagnose(st, 1.2, gateCfg, now); !d.IsStale {
		t.Errorf("61-day-old sample not flagged stale against 60 days")
	}
	if d := Diagnose(st, 1.2, gateCfg, st.LastSampleAtUtc.Add(24*time.Hour)); d.IsStale {
		t.Errorf("1-day-old sample flagged stale")
	}
}

func TestDiagnose_LowSample(t *testing.T) {
	now := time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC)

	if d := Diagnose(statWithAvg(1.3, 5), 1.2, gateCfg, now); !d.IsLowSample {
		t.Errorf("5 samples not flagged against a threshold of 20")
	}
	if d := Diagnose(statWithAvg(1.3, 20), 1.2, gateCfg, now); d.IsLowSample {
		t.Errorf("20 samples flagged against a threshold of 20")
	}
}

func TestDiagnose_ZeroThresholdsDisableChecks(t *testing.T) {
	st := statWithAvg(50.0, 1) // wildly implausible and tiny sample
	old := st.LastSampleAtUtc.Add(365 * 24 * time.Hour)

	d := Diagnose(st, 1.2, config.TravelTimeConfig{}, old)

	if d.IsOutOfRange || d.IsStale || d.IsLowSample || d.IsHighDeviation {
		t.Errorf("zero thresholds still raised flags: %+v", d)
	}
	// Deviation is still reported, it just never escalates.
	if d.DeviationPercent == nil {
		t.Errorf("DeviationPercent = nil, want informational value")
	}
}

func TestDiagnose_SuspiciousRatio(t *testing.T) {
	now := time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC)
	st := statWithAvg(1.3, 10)
	st.SuspiciousSampleCount = 2

	d := Diagnose(st, 1.2, gateCfg, now)
	if d.SuspiciousRatio != 0.2 {
		t.Errorf("SuspiciousRatio = %v, want 0.2", d.SuspiciousRatio)
	}
}
