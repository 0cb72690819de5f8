package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/herald/internal/core/clock"
	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/dispatch"
	"github.com/vietddude/herald/internal/infra/storage"
	"github.com/vietddude/herald/internal/metrics"
)

// RetryConfig holds retry sweep settings.
type RetryConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

// DefaultRetryConfig returns default retry sweep settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Interval:  30 * time.Second,
		BatchSize: 200,
	}
}

// RetrySweeper periodically resubmits failed deliveries whose retry window
// has opened. Rows are claimed with a compare-and-swap before any attempt, so
// overlapping sweeps (or a second instance) never double-process a row.
type RetrySweeper struct {
	cfg           RetryConfig
	deliveries    storage.DeliveryRepository
	notifications storage.NotificationRepository
	prefs         domain.PreferenceSource
	dispatcher    *dispatch.Dispatcher
	clock         clock.Clock
	log           *slog.Logger
}

// NewRetrySweeper creates a retry sweeper.
func NewRetrySweeper(
	cfg RetryConfig,
	deliveries storage.DeliveryRepository,
	notifications storage.NotificationRepository,
	prefs domain.PreferenceSource,
	dispatcher *dispatch.Dispatcher,
	clk clock.Clock,
) *RetrySweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetryConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRetryConfig().BatchSize
	}
	return &RetrySweeper{
		cfg:           cfg,
		deliveries:    deliveries,
		notifications: notifications,
		prefs:         prefs,
		dispatcher:    dispatcher,
		clock:         clk,
		log:           slog.Default().With("component", "retry"),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *RetrySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Retry sweeper stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error("Retry sweep failed", "error", err)
			}
		}
	}
}

// Sweep claims and re-attempts every due failed row once. Row failures are
// independent; only a store error listing the batch aborts the sweep.
func (s *RetrySweeper) Sweep(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.deliveries.ListDueForRetry(ctx, now, s.dispatcher.MaxRetries(), s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, row := range due {
		wg.Add(1)
		go func(row *domain.Delivery) {
			defer wg.Done()
			s.retryOne(ctx, row)
		}(row)
	}
	wg.Wait()
	return nil
}

func (s *RetrySweeper) retryOne(ctx context.Context, row *domain.Delivery) {
	claimed, err := s.deliveries.ClaimForRetry(ctx, row.ID, row.RetryCount, s.clock.Now())
	if errors.Is(err, storage.ErrAlreadyClaimed) {
		return // another sweep got there first
	}
	if err != nil {
		s.log.Error("Failed to claim delivery", "delivery", row.ID, "error", err)
		return
	}
	metrics.RetriesTotal.WithLabelValues(string(claimed.Channel)).Inc()

	// An unsubscribe that landed since the failure suppresses the attempt.
	prefs, err := s.prefs.Preferences(ctx, claimed.RecipientID)
	if err != nil {
		s.log.Warn("Preference lookup failed, retrying anyway",
			"delivery", claimed.ID, "error", err)
	} else if !prefs.Enabled(claimed.Channel) {
		s.finalize(ctx, claimed, domain.StatusUnsubscribed, "channel disabled by recipient")
		return
	}

	n, err := s.notifications.GetByID(ctx, claimed.NotificationID)
	if err != nil {
		s.log.Error("Failed to load notification for retry",
			"delivery", claimed.ID, "error", err)
		s.finalize(ctx, claimed, domain.StatusFailed, "notification unavailable")
		return
	}
	if n.Deleted() || n.Expired(s.clock.Now()) {
		s.finalize(ctx, claimed, domain.StatusFailed, "notification expired")
		return
	}

	if err := s.dispatcher.Attempt(ctx, claimed, n); err != nil {
		s.log.Error("Failed to record retry attempt", "delivery", claimed.ID, "error", err)
	}
}

// finalize records a no-attempt outcome on a claimed row.
func (s *RetrySweeper) finalize(ctx context.Context, del *domain.Delivery, status domain.Status, reason string) {
	now := s.clock.Now()
	del.Status = status
	del.LastError = reason
	del.NextRetryAt = nil
	del.LastAttemptAt = &now
	if err := s.deliveries.Update(ctx, del); err != nil {
		s.log.Error("Failed to finalize delivery", "delivery", del.ID, "error", err)
	}
}
