package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ahlgreen/fieldroute/internal/model"
)

// TravelTimeRepository persists the adaptive travel-time model: regions,
// curated speed profiles, learned statistics and their contributors.
type TravelTimeRepository struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewTravelTimeRepository creates a new travel-time repository.
func NewTravelTimeRepository(pool *pgxpool.Pool, redis *redis.Client) *TravelTimeRepository {
	return &TravelTimeRepository{pool: pool, redis: redis}
}

// ErrStatNotFound is returned when a learned stat lookup matches no row.
var ErrStatNotFound = errors.New("learned travel stat not found")

// ─── Redis-backed reference data ────────────────────────────

const (
	redisRegionsKey        = "traveltime:regions"
	redisProfilesKey       = "traveltime:profiles"
	redisReferenceCacheTTL = 5 * time.Minute
)

// ListRegions returns all travel-time regions, most specific first (priority
// descending, global region last). Regions are small, hot, admin-mutated
// reference data, so reads go through Redis.
//
// Strategy:
//  1. Try Redis cache first (fast path, <1ms).
//  2. On cache miss, query Postgres, then cache in Redis.
func (r *TravelTimeRepository) ListRegions(ctx context.Context) ([]model.TravelTimeRegion, error) {
	if cached, err := r.redis.Get(ctx, redisRegionsKey).Bytes(); err == nil {
		var regions []model.TravelTimeRegion
		if json.Unmarshal(cached, &regions) == nil {
			return regions, nil
		}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, name, min_lat, min_lon, max_lat, max_lon, priority, is_global
		FROM travel_time_regions
		ORDER BY is_global ASC, priority DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()

	var regions []model.TravelTimeRegion
	for rows.Next() {
		var reg model.TravelTimeRegion
		if err := rows.Scan(
			&reg.ID, &reg.Name,
			&reg.MinLat, &reg.MinLon, &reg.MaxLat, &reg.MaxLon,
			&reg.Priority, &reg.Global,
		); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		regions = append(regions, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("region rows: %w", err)
	}

	// Cache fire-and-forget; a write failure only costs the fast path.
	if b, err := json.Marshal(regions); err == nil {
		_ = r.redis.Set(ctx, redisRegionsKey, b, redisReferenceCacheTTL).Err()
	}

	return regions, nil
}

// ListProfiles returns all curated region speed profiles, Redis-cached like
// ListRegions.
func (r *TravelTimeRepository) ListProfiles(ctx context.Context) ([]model.RegionSpeedProfile, error) {
	if cached, err := r.redis.Get(ctx, redisProfilesKey).Bytes(); err == nil {
		var profiles []model.RegionSpeedProfile
		if json.Unmarshal(cached, &profiles) == nil {
			return profiles, nil
		}
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, region_id, day_type, hour_bucket, avg_min_per_km
		FROM region_speed_profiles
		ORDER BY region_id, day_type, hour_bucket
	`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []model.RegionSpeedProfile
	for rows.Next() {
		var p model.RegionSpeedProfile
		if err := rows.Scan(&p.ID, &p.RegionID, &p.DayType, &p.HourBucket, &p.AvgMinPerKm); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile rows: %w", err)
	}

	if b, err := json.Marshal(profiles); err == nil {
		_ = r.redis.Set(ctx, redisProfilesKey, b, redisReferenceCacheTTL).Err()
	}

	return profiles, nil
}

// ─── Learned statistics ─────────────────────────────────────

const statColumns = `
	id, region_id, day_type, hour_bucket, distance_band,
	total_sample_count, suspicious_sample_count,
	avg_minutes_per_km, min_minutes_per_km, max_minutes_per_km,
	avg_stop_service_minutes, last_sample_at_utc,
	status, approved_by, approved_at`

func scanStat(row pgx.Row) (*model.LearnedTravelStats, error) {
	st := &model.LearnedTravelStats{}
	err := row.Scan(
		&st.ID, &st.RegionID, &st.DayType, &st.HourBucket, &st.DistanceBand,
		&st.TotalSampleCount, &st.SuspiciousSampleCount,
		&st.AvgMinutesPerKm, &st.MinMinutesPerKm, &st.MaxMinutesPerKm,
		&st.AvgStopServiceMinutes, &st.LastSampleAtUtc,
		&st.Status, &st.ApprovedBy, &st.ApprovedAt,
	)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// GetStat fetches one learned stat row by ID.
func (r *TravelTimeRepository) GetStat(ctx context.Context, id int64) (*model.LearnedTravelStats, error) {
	st, err := scanStat(r.pool.QueryRow(ctx,
		`SELECT `+statColumns+` FROM learned_travel_stats WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stat %d: %w", id, err)
	}
	return st, nil
}

// ListStats returns every learned stat row.
func (r *TravelTimeRepository) ListStats(ctx context.Context) ([]model.LearnedTravelStats, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+statColumns+` FROM learned_travel_stats ORDER BY region_id, day_type, hour_bucket, distance_band`)
	if err != nil {
		return nil, fmt.Errorf("list stats: %w", err)
	}
	defer rows.Close()

	var out []model.LearnedTravelStats
	for rows.Next() {
		st, err := scanStat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stat: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// FindApprovedStat returns the approved stat row for one bucket, or
// (nil, nil) when the bucket has no approved row. Draft rows are never
// returned: only vetted data feeds estimation.
func (r *TravelTimeRepository) FindApprovedStat(
	ctx context.Context, regionID int64, dayType model.DayType, hourBucket, distanceBand int,
) (*model.LearnedTravelStats, error) {
	st, err := scanStat(r.pool.QueryRow(ctx, `
		SELECT `+statColumns+`
		FROM learned_travel_stats
		WHERE region_id = $1 AND day_type = $2 AND hour_bucket = $3 AND distance_band = $4
		  AND status = 'approved'
		  AND avg_minutes_per_km IS NOT NULL
	`, regionID, dayType, hourBucket, distanceBand))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find approved stat: %w", err)
	}
	return st, nil
}

// FoldSample folds one observation into its bucket's rolling statistics and
// upserts the contributing driver's provenance row, all in one transaction.
// The bucket row is created on first observation. Suspicious observations
// increment counters but leave the rolling fields untouched.
func (r *TravelTimeRepository) FoldSample(
	ctx context.Context,
	regionID int64, dayType model.DayType, hourBucket, distanceBand int,
	minPerKm float64, serviceMinutes *int, suspicious bool,
	driverID int64, at time.Time,
) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("fold sample: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Ensure the bucket row exists, then lock it for the fold.
	if _, err := tx.Exec(ctx, `
		INSERT INTO learned_travel_stats (region_id, day_type, hour_bucket, distance_band, status)
		VALUES ($1, $2, $3, $4, 'draft')
		ON CONFLICT (region_id, day_type, hour_bucket, distance_band) DO NOTHING
	`, regionID, dayType, hourBucket, distanceBand); err != nil {
		return fmt.Errorf("fold sample: ensure bucket: %w", err)
	}

	st, err := scanStat(tx.QueryRow(ctx, `
		SELECT `+statColumns+`
		FROM learned_travel_stats
		WHERE region_id = $1 AND day_type = $2 AND hour_bucket = $3 AND distance_band = $4
		FOR UPDATE
	`, regionID, dayType, hourBucket, distanceBand))
	if err != nil {
		return fmt.Errorf("fold sample: lock bucket: %w", err)
	}

	st.ApplySample(minPerKm, serviceMinutes, suspicious, at)

	if _, err := tx.Exec(ctx, `
		UPDATE learned_travel_stats
		SET total_sample_count = $2,
		    suspicious_sample_count = $3,
		    avg_minutes_per_km = $4,
		    min_minutes_per_km = $5,
		    max_minutes_per_km = $6,
		    avg_stop_service_minutes = $7,
		    last_sample_at_utc = $8
		WHERE id = $1
	`, st.ID,
		st.TotalSampleCount, st.SuspiciousSampleCount,
		st.AvgMinutesPerKm, st.MinMinutesPerKm, st.MaxMinutesPerKm,
		st.AvgStopServiceMinutes, st.LastSampleAtUtc,
	); err != nil {
		return fmt.Errorf("fold sample: update bucket: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO learned_travel_stat_contributors (stat_id, driver_id, sample_count, last_sample_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (stat_id, driver_id) DO UPDATE
		SET sample_count = learned_travel_stat_contributors.sample_count + 1,
		    last_sample_at = EXCLUDED.last_sample_at
	`, st.ID, driverID, at); err != nil {
		return fmt.Errorf("fold sample: upsert contributor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("fold sample: commit: %w", err)
	}
	return nil
}

// TopContributors returns the top-N contributors for one stat row by sample
// count, for provenance/audit surfacing.
func (r *TravelTimeRepository) TopContributors(
	ctx context.Context, statID int64, n int,
) ([]model.LearnedTravelStatContributor, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, stat_id, driver_id, sample_count, last_sample_at
		FROM learned_travel_stat_contributors
		WHERE stat_id = $1
		ORDER BY sample_count DESC, driver_id
		LIMIT $2
	`, statID, n)
	if err != nil {
		return nil, fmt.Errorf("top contributors stat=%d: %w", statID, err)
	}
	defer rows.Close()

	var out []model.LearnedTravelStatContributor
	for rows.Next() {
		var c model.LearnedTravelStatContributor
		if err := rows.Scan(&c.ID, &c.StatID, &c.DriverID, &c.SampleCount, &c.LastSampleAt); err != nil {
			return nil, fmt.Errorf("scan contributor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ─── Approval state machine ─────────────────────────────────

// Approve transitions a stat row draft → approved, recording the approver.
func (r *TravelTimeRepository) Approve(ctx context.Context, statID int64, approver string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE learned_travel_stats
		SET status = 'approved', approved_by = $2, approved_at = now()
		WHERE id = $1
	`, statID, approver)
	if err != nil {
		return fmt.Errorf("approve stat %d: %w", statID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatNotFound
	}
	return nil
}

// Revert transitions a stat row approved → draft, clearing approver fields.
func (r *TravelTimeRepository) Revert(ctx context.Context, statID int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE learned_travel_stats
		SET status = 'draft', approved_by = NULL, approved_at = NULL
		WHERE id = $1
	`, statID)
	if err != nil {
		return fmt.Errorf("revert stat %d: %w", statID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatNotFound
	}
	return nil
}

// Reset returns a stat row to pristine: all rolling fields nulled, counters
// zeroed, contributors removed, status forced back to draft. Atomic.
func (r *TravelTimeRepository) Reset(ctx context.Context, statID int64) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("reset stat: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE learned_travel_stats
		SET total_sample_count = 0,
		    suspicious_sample_count = 0,
		    avg_minutes_per_km = NULL,
		    min_minutes_per_km = NULL,
		    max_minutes_per_km = NULL,
		    avg_stop_service_minutes = NULL,
		    last_sample_at_utc = NULL,
		    status = 'draft',
		    approved_by = NULL,
		    approved_at = NULL
		WHERE id = $1
	`, statID)
	if err != nil {
		return fmt.Errorf("reset stat %d: %w", statID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatNotFound
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM learned_travel_stat_contributors WHERE stat_id = $1`, statID); err != nil {
		return fmt.Errorf("reset stat %d: delete contributors: %w", statID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset stat: commit: %w", err)
	}
	return nil
}
