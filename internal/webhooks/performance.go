package webhooks

import (
	"context"
	"fmt"
	"time"
)

// Period selects the window of performance metrics.
type Period string

// Performance periods.
const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// ParsePeriod validates a period string. Empty means PeriodDay.
func ParsePeriod(raw string) (Period, error) {
	switch Period(raw) {
	case "", PeriodDay:
		return PeriodDay, nil
	case PeriodWeek:
		return PeriodWeek, nil
	case PeriodMonth:
		return PeriodMonth, nil
	}
	return "", ErrInvalidPeriod
}

// window returns the span and throughput granularity of the period.
func (p Period) window() (time.Duration, Bucket) {
	switch p {
	case PeriodWeek:
		return 7 * 24 * time.Hour, BucketDay
	case PeriodMonth:
		return 30 * 24 * time.Hour, BucketDay
	default:
		return 24 * time.Hour, BucketHour
	}
}

// PerformanceMetrics aggregates queue history over a trailing window.
type PerformanceMetrics struct {
	Period          Period              `json:"period"`
	Since           time.Time           `json:"since"`
	ProcessingTimes []SourceTiming      `json:"processing_times"`
	Throughput      []ThroughputPoint   `json:"throughput"`
	FailureRate     []SourceFailureRate `json:"failure_rate"`
	VolumeByHour    []HourVolume        `json:"volume_by_hour"`
}

// PerformanceMetrics computes store-derived metrics for the given period.
func (s *Service) PerformanceMetrics(ctx context.Context, period Period) (*PerformanceMetrics, error) {
	span, bucket := period.window()
	now := s.now()
	since := now.Add(-span)

	timings, err := s.repo.AvgProcessingTimeBySource(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("processing times: %w", err)
	}

	points, err := s.repo.Throughput(ctx, since, bucket)
	if err != nil {
		return nil, fmt.Errorf("throughput: %w", err)
	}

	rates, err := s.repo.FailureRateBySource(ctx, since, failureRateMinSamples)
	if err != nil {
		return nil, fmt.Errorf("failure rate: %w", err)
	}

	volume, err := s.repo.VolumeByHour(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("volume by hour: %w", err)
	}

	return &PerformanceMetrics{
		Period:          period,
		Since:           since,
		ProcessingTimes: timings,
		Throughput:      fillThroughput(points, since, now, bucket),
		FailureRate:     rates,
		VolumeByHour:    fillHours(volume),
	}, nil
}

// fillThroughput returns one point per bucket between since and now,
// zero where the store reported nothing.
func fillThroughput(points []ThroughputPoint, since, now time.Time, bucket Bucket) []ThroughputPoint {
	counts := make(map[int64]int, len(points))
	for _, p := range points {
		counts[bucket.Truncate(p.BucketStart).Unix()] += p.Count
	}

	step := time.Hour
	if bucket == BucketDay {
		step = 24 * time.Hour
	}

	end := bucket.Truncate(now)
	series := make([]ThroughputPoint, 0)
	for t := bucket.Truncate(since); !t.After(end); t = t.Add(step) {
		series = append(series, ThroughputPoint{BucketStart: t, Count: counts[t.Unix()]})
	}
	return series
}

func fillHours(volume []HourVolume) []HourVolume {
	hours := make([]HourVolume, 24)
	for h := range hours {
		hours[h].Hour = h
	}
	for _, v := range volume {
		if v.Hour >= 0 && v.Hour < 24 {
			hours[v.Hour].Count += v.Count
		}
	}
	return hours
}
