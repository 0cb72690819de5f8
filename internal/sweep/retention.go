package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/herald/internal/core/clock"
	"github.com/vietddude/herald/internal/infra/storage"
	"github.com/vietddude/herald/internal/metrics"
)

// RetentionConfig holds retention policy.
type RetentionConfig struct {
	History   time.Duration `yaml:"history"`  // how long terminal delivery rows are kept
	Interval  time.Duration `yaml:"interval"` // 0 = derive from History
	BatchSize int           `yaml:"batch_size"`
}

// DefaultRetentionConfig returns the default retention policy.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		History:   90 * 24 * time.Hour,
		BatchSize: 500,
	}
}

// RetentionSweeper runs two independent jobs: soft-deleting expired
// notifications and pruning old terminal delivery rows. A failure in one job
// never aborts the other.
type RetentionSweeper struct {
	cfg           RetentionConfig
	notifications storage.NotificationRepository
	deliveries    storage.DeliveryRepository
	maxRetries    int
	clock         clock.Clock
	log           *slog.Logger
}

// NewRetentionSweeper creates a retention sweeper.
func NewRetentionSweeper(
	cfg RetentionConfig,
	notifications storage.NotificationRepository,
	deliveries storage.DeliveryRepository,
	maxRetries int,
	clk clock.Clock,
) *RetentionSweeper {
	def := DefaultRetentionConfig()
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &RetentionSweeper{
		cfg:           cfg,
		notifications: notifications,
		deliveries:    deliveries,
		maxRetries:    maxRetries,
		clock:         clk,
		log:           slog.Default().With("component", "retention"),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *RetentionSweeper) Start(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = min(s.cfg.History/10, 24*time.Hour)
		interval = max(interval, time.Hour)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Retention sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs both retention jobs once.
func (s *RetentionSweeper) Sweep(ctx context.Context) {
	s.expireNotifications(ctx)
	s.pruneHistory(ctx)
}

// expireNotifications soft-deletes notifications past their expires_at.
// Delivery rows are left alone: they age out of the separate history window.
func (s *RetentionSweeper) expireNotifications(ctx context.Context) {
	now := s.clock.Now()
	expired, err := s.notifications.ListExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("Failed to list expired notifications", "error", err)
		return
	}

	var count int
	for _, n := range expired {
		if err := s.notifications.SoftDelete(ctx, n.ID, now); err != nil {
			// One bad row must not stop the rest of the batch.
			s.log.Error("Failed to expire notification", "notification", n.ID, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		metrics.NotificationsExpiredTotal.Add(float64(count))
		s.log.Info("Expired notifications", "count", count)
	}
}

// pruneHistory hard-deletes terminal delivery rows older than the retention
// window. Rows still eligible for retry are never touched.
func (s *RetentionSweeper) pruneHistory(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.History)
	n, err := s.deliveries.DeleteTerminalOlderThan(ctx, cutoff, s.maxRetries)
	if err != nil {
		s.log.Error("Failed to prune delivery history", "error", err)
		return
	}
	if n > 0 {
		metrics.DeliveriesPrunedTotal.Add(float64(n))
		s.log.Info("Pruned delivery history", "count", n)
	}
}
