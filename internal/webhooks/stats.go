package webhooks

import (
	"sync"
	"time"
)

// ProcessingStats is a snapshot of the live processing counters.
type ProcessingStats struct {
	TotalProcessed    int64      `json:"total_processed"`
	SuccessCount      int64      `json:"success_count"`
	FailureCount      int64      `json:"failure_count"`
	AvgProcessingTime float64    `json:"avg_processing_time_ms"`
	CriticalErrors    int64      `json:"critical_errors"`
	LastProcessedAt   *time.Time `json:"last_processed_at,omitempty"`
	Uptime            float64    `json:"uptime_seconds"`
}

// Stats keeps process-lifetime counters fed by queue events.
type Stats struct {
	mu        sync.Mutex
	startedAt time.Time
	now       func() time.Time

	success       int64
	failure       int64
	critical      int64
	avgMs         float64
	lastProcessed *time.Time
}

// NewStats creates a stats aggregator starting its uptime clock now.
func NewStats() *Stats {
	return &Stats{
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// HandleEvent implements EventSink.
func (s *Stats) HandleEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Kind {
	case EventProcessed:
		s.success++
		s.addSample(event)
	case EventFailed:
		s.failure++
		s.addSample(event)
	case EventCritical:
		s.critical++
		// Exhausted retries are also a failed attempt; store errors are not.
		if event.Attempted {
			s.failure++
			s.addSample(event)
		}
	}
}

// addSample folds the event duration into the running average over
// success+failure. Callers hold s.mu and have already bumped a counter.
func (s *Stats) addSample(event Event) {
	n := float64(s.success + s.failure)
	sample := float64(event.Duration) / float64(time.Millisecond)
	s.avgMs = (s.avgMs*(n-1) + sample) / n

	at := event.At
	if at.IsZero() {
		at = s.now()
	}
	s.lastProcessed = &at
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() ProcessingStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := ProcessingStats{
		TotalProcessed:    s.success + s.failure,
		SuccessCount:      s.success,
		FailureCount:      s.failure,
		AvgProcessingTime: s.avgMs,
		CriticalErrors:    s.critical,
		Uptime:            s.now().Sub(s.startedAt).Seconds(),
	}
	if s.lastProcessed != nil {
		at := *s.lastProcessed
		snapshot.LastProcessedAt = &at
	}
	return snapshot
}
