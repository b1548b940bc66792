package webhooks

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MaintainerConfig contains maintenance schedule configuration.
// A zero interval disables the corresponding job.
type MaintainerConfig struct {
	RebalanceInterval time.Duration
	CleanupInterval   time.Duration
	RetentionDays     int
	MetricsInterval   time.Duration
}

// DefaultMaintainerConfig returns default maintenance configuration.
func DefaultMaintainerConfig() MaintainerConfig {
	return MaintainerConfig{
		RebalanceInterval: 15 * time.Minute,
		CleanupInterval:   24 * time.Hour,
		RetentionDays:     defaultRetentionDays,
		MetricsInterval:   15 * time.Second,
	}
}

// Maintainer runs rebalance, cleanup and queue size collection on independent timers.
type Maintainer struct {
	config  MaintainerConfig
	service *Service

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMaintainer creates a new queue maintainer.
func NewMaintainer(config MaintainerConfig, service *Service) *Maintainer {
	return &Maintainer{
		config:  config,
		service: service,
		stopCh:  make(chan struct{}),
	}
}

// Start launches one goroutine per enabled job.
func (m *Maintainer) Start(ctx context.Context) {
	slog.Info("starting queue maintainer",
		"rebalance_interval", m.config.RebalanceInterval,
		"cleanup_interval", m.config.CleanupInterval,
		"retention_days", m.config.RetentionDays,
	)

	m.schedule(ctx, m.config.RebalanceInterval, func(ctx context.Context) {
		if _, err := m.service.Rebalance(ctx); err != nil {
			slog.Error("scheduled rebalance failed", "error", err)
		}
	})
	m.schedule(ctx, m.config.CleanupInterval, func(ctx context.Context) {
		if _, err := m.service.Cleanup(ctx, m.config.RetentionDays); err != nil {
			slog.Error("scheduled cleanup failed", "error", err)
		}
	})
	m.schedule(ctx, m.config.MetricsInterval, func(ctx context.Context) {
		counts, err := m.service.QueueCounts(ctx)
		if err != nil {
			slog.Error("failed to get queue counts", "error", err)
			return
		}
		RecordQueueCounts(counts)
	})
}

// Stop stops all jobs and waits for running ones to finish.
func (m *Maintainer) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	slog.Info("queue maintainer stopped")
}

func (m *Maintainer) schedule(ctx context.Context, interval time.Duration, job func(context.Context)) {
	if interval <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				job(ctx)
			}
		}
	}()
}
