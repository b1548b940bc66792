package memory

import (
	"context"
	"sort"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/webhooks"
)

// CountByStatus returns item counts by status.
func (r *Repository) CountByStatus(_ context.Context) (*webhooks.QueueCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var counts webhooks.QueueCounts
	for _, rec := range r.items {
		switch rec.item.Status {
		case domain.QueueStatusPending:
			counts.Pending++
		case domain.QueueStatusProcessing:
			counts.Processing++
		case domain.QueueStatusCompleted:
			counts.Completed++
		case domain.QueueStatusFailed:
			counts.Failed++
		}
	}
	return &counts, nil
}

// StatsBySource returns the per-source status breakdown ordered by source.
func (r *Repository) StatsBySource(_ context.Context) ([]webhooks.SourceStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type acc struct {
		stats   webhooks.SourceStats
		totalMs int64
		samples int
	}
	bySource := make(map[domain.Source]*acc)

	for _, rec := range r.items {
		i := &rec.item
		a, ok := bySource[i.Source]
		if !ok {
			a = &acc{stats: webhooks.SourceStats{Source: i.Source}}
			bySource[i.Source] = a
		}
		switch i.Status {
		case domain.QueueStatusPending:
			a.stats.Pending++
		case domain.QueueStatusProcessing:
			a.stats.Processing++
		case domain.QueueStatusCompleted:
			a.stats.Completed++
		case domain.QueueStatusFailed:
			a.stats.Failed++
		}
		if i.ProcessingTimeMs != nil {
			a.totalMs += *i.ProcessingTimeMs
			a.samples++
		}
	}

	stats := make([]webhooks.SourceStats, 0, len(bySource))
	for _, a := range bySource {
		if a.samples > 0 {
			a.stats.AvgProcessingTimeMs = float64(a.totalMs) / float64(a.samples)
		}
		stats = append(stats, a.stats)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Source < stats[j].Source })
	return stats, nil
}

// VolumeByHour counts items created since the given time per UTC hour of day.
func (r *Repository) VolumeByHour(_ context.Context, since time.Time) ([]webhooks.HourVolume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[int]int)
	for _, rec := range r.items {
		if !rec.item.CreatedAt.Before(since) {
			counts[rec.item.CreatedAt.UTC().Hour()]++
		}
	}

	volume := make([]webhooks.HourVolume, 0, len(counts))
	for h, c := range counts {
		volume = append(volume, webhooks.HourVolume{Hour: h, Count: c})
	}
	sort.Slice(volume, func(i, j int) bool { return volume[i].Hour < volume[j].Hour })
	return volume, nil
}

// AvgProcessingTimeBySource averages processing time of items updated since
// the given time, slowest source first.
func (r *Repository) AvgProcessingTimeBySource(_ context.Context, since time.Time) ([]webhooks.SourceTiming, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	totals := make(map[domain.Source]int64)
	samples := make(map[domain.Source]int)
	for _, rec := range r.items {
		i := &rec.item
		if i.ProcessingTimeMs == nil || i.UpdatedAt.Before(since) {
			continue
		}
		totals[i.Source] += *i.ProcessingTimeMs
		samples[i.Source]++
	}

	timings := make([]webhooks.SourceTiming, 0, len(totals))
	for src, total := range totals {
		timings = append(timings, webhooks.SourceTiming{
			Source:              src,
			AvgProcessingTimeMs: float64(total) / float64(samples[src]),
			Samples:             samples[src],
		})
	}
	sort.Slice(timings, func(i, j int) bool {
		if timings[i].AvgProcessingTimeMs != timings[j].AvgProcessingTimeMs {
			return timings[i].AvgProcessingTimeMs > timings[j].AvgProcessingTimeMs
		}
		return timings[i].Source < timings[j].Source
	})
	return timings, nil
}

// FailureRateBySource computes failed/(completed+failed) for items updated
// since the given time, skipping sources with fewer than minSamples.
func (r *Repository) FailureRateBySource(_ context.Context, since time.Time, minSamples int) ([]webhooks.SourceFailureRate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bySource := make(map[domain.Source]*webhooks.SourceFailureRate)
	for _, rec := range r.items {
		i := &rec.item
		if !i.Status.IsTerminal() || i.UpdatedAt.Before(since) {
			continue
		}
		rate, ok := bySource[i.Source]
		if !ok {
			rate = &webhooks.SourceFailureRate{Source: i.Source}
			bySource[i.Source] = rate
		}
		rate.Total++
		if i.Status == domain.QueueStatusFailed {
			rate.Failed++
		}
	}

	rates := make([]webhooks.SourceFailureRate, 0, len(bySource))
	for _, rate := range bySource {
		if rate.Total < minSamples {
			continue
		}
		rate.FailureRate = float64(rate.Failed) / float64(rate.Total)
		rates = append(rates, *rate)
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
func (r *Repository) Throughput(_ context.Context, since time.Time, bucket webhooks.Bucket) ([]webhooks.ThroughputPoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[time.Time]int)
	for _, rec := range r.items {
		i := &rec.item
		if i.Status != domain.QueueStatusCompleted || i.CompletedAt == nil || i.CompletedAt.Before(since) {
			continue
		}
		counts[bucket.Truncate(*i.CompletedAt)]++
	}

	points := make([]webhooks.ThroughputPoint, 0, len(counts))
	for start, c := range counts {
		points = append(points, webhooks.ThroughputPoint{BucketStart: start, Count: c})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].BucketStart.Before(points[j].BucketStart) })
	return points, nil
}
