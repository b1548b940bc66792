package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bissquit/webhook-garden/internal/webhooks"
)

// CountByStatus returns item counts by status.
func (r *Repository) CountByStatus(ctx context.Context) (*webhooks.QueueCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM webhook_queue
	`
	var counts webhooks.QueueCounts
	err := r.db.QueryRow(ctx, query).Scan(
		&counts.Pending,
		&counts.Processing,
		&counts.Completed,
		&counts.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return &counts, nil
}

// StatsBySource returns the per-source status breakdown ordered by source.
func (r *Repository) StatsBySource(ctx context.Context) ([]webhooks.SourceStats, error) {
	query := `
		SELECT
			source,
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(processing_time_ms), 0)::float8
		FROM webhook_queue
		GROUP BY source
		ORDER BY source
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("stats by source: %w", err)
	}
	defer rows.Close()

	stats := make([]webhooks.SourceStats, 0)
	for rows.Next() {
		var s webhooks.SourceStats
		if err := rows.Scan(&s.Source, &s.Pending, &s.Processing, &s.Completed, &s.Failed, &s.AvgProcessingTimeMs); err != nil {
			return nil, fmt.Errorf("scan source stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// VolumeByHour counts items created since the given time per UTC hour of day.
func (r *Repository) VolumeByHour(ctx context.Context, since time.Time) ([]webhooks.HourVolume, error) {
	query := `
		SELECT EXTRACT(HOUR FROM created_at AT TIME ZONE 'UTC')::int AS hour, COUNT(*)
		FROM webhook_queue
		WHERE created_at >= $1
		GROUP BY hour
		ORDER BY hour
	`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("volume by hour: %w", err)
	}
	defer rows.Close()

	volume := make([]webhooks.HourVolume, 0)
	for rows.Next() {
		var v webhooks.HourVolume
		if err := rows.Scan(&v.Hour, &v.Count); err != nil {
			return nil, fmt.Errorf("scan hour volume: %w", err)
		}
		volume = append(volume, v)
	}
	return volume, rows.Err()
}

// AvgProcessingTimeBySource averages processing time of items updated since
// the given time, slowest source first.
func (r *Repository) AvgProcessingTimeBySource(ctx context.Context, since time.Time) ([]webhooks.SourceTiming, error) {
	query := `
		SELECT source, AVG(processing_time_ms)::float8 AS avg_ms, COUNT(*)
		FROM webhook_queue
		WHERE processing_time_ms IS NOT NULL AND updated_at >= $1
		GROUP BY source
		ORDER BY avg_ms DESC, source
	`
	rows, err := r.db.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("processing time by source: %w", err)
	}
	defer rows.Close()

	timings := make([]webhooks.SourceTiming, 0)
	for rows.Next() {
		var t webhooks.SourceTiming
		if err := rows.Scan(&t.Source, &t.AvgProcessingTimeMs, &t.Samples); err != nil {
			return nil, fmt.Errorf("scan source timing: %w", err)
		}
		timings = append(timings, t)
	}
	return timings, rows.Err()
}

// FailureRateBySource computes failed/(completed+failed) for items updated
// since the given time, skipping sources with fewer than minSamples.
func (r *Repository) FailureRateBySource(ctx context.Context, since time.Time, minSamples int) ([]webhooks.SourceFailureRate, error) {
	query := `
		SELECT source, COUNT(*), COUNT(*) FILTER (WHERE status = 'failed')
		FROM webhook_queue
		WHERE status IN ('completed', 'failed') AND updated_at >= $1
		GROUP BY source
		HAVING COUNT(*) >= $2
	`
	rows, err := r.db.Query(ctx, query, since, minSamples)
	if err != nil {
		return nil, fmt.Errorf("failure rate by source: %w", err)
	}
	defer rows.Close()

	rates := make([]webhooks.SourceFailureRate, 0)
	for rows.Next() {
		var f webhooks.SourceFailureRate
		if err := rows.Scan(&f.Source, &f.Total, &f.Failed); err != nil {
			return nil, fmt.Errorf("scan failure rate: %w", err)
		}
		f.FailureRate = float64(f.Failed) / float64(f.Total)
		rates = append(rates, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(rates, func(i, j int) bool {
		if rates[i].FailureRate != rates[j].FailureRate {
			return rates[i].FailureRate > rates[j].FailureRate
		}
		return rates[i].Source < rates[j].Source
	})
	return rates, nil
}

// Throughput counts items completed since the given time per bucket.
func (r *Repository) Throughput(ctx context.Context, since time.Time, bucket webhooks.Bucket) ([]webhooks.ThroughputPoint, error) {
	query := `
		SELECT date_trunc($2::text, completed_at AT TIME ZONE 'UTC') AS bucket, COUNT(*)
		FROM webhook_queue
		WHERE status = 'completed' AND completed_at >= $1
		GROUP BY bucket
		ORDER BY bucket
	`
	rows, err := r.db.Query(ctx, query, since, string(bucket))
	if err != nil {
		return nil, fmt.Errorf("throughput: %w", err)
	}
	defer rows.Close()

	points := make([]webhooks.ThroughputPoint, 0)
	for rows.Next() {
		var p webhooks.ThroughputPoint
		if err := rows.Scan(&p.BucketStart, &p.Count); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		p.BucketStart = p.BucketStart.UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}
