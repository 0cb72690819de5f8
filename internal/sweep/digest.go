package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/vietddude/herald/internal/core/clock"
	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/infra/storage"
	"github.com/vietddude/herald/internal/metrics"
	"github.com/vietddude/herald/internal/transport"
)

// DigestConfig holds the cron expressions per frequency tier.
type DigestConfig struct {
	Hourly      string        `yaml:"hourly"`
	Daily       string        `yaml:"daily"`
	Weekly      string        `yaml:"weekly"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	MaxUsers    int           `yaml:"max_users"`
}

// DefaultDigestConfig returns the default digest schedule.
func DefaultDigestConfig() DigestConfig {
	return DigestConfig{
		Hourly:      "0 * * * *",
		Daily:       "0 8 * * *",
		Weekly:      "0 8 * * 1",
		LeaseTTL:    5 * time.Minute,
		SendTimeout: 30 * time.Second,
		MaxUsers:    1000,
	}
}

// Leaser takes a named lease so only one instance runs a given sweep.
type Leaser interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// DigestSweeper batches a user's deferred deliveries into one consolidated
// send per (user, channel) on the user's chosen cadence.
type DigestSweeper struct {
	cfg           DigestConfig
	cron          *cron.Cron
	deliveries    storage.DeliveryRepository
	notifications storage.NotificationRepository
	prefs         domain.PreferenceSource
	transports    *transport.Registry
	leaser        Leaser // nil when running single-instance without redis
	clock         clock.Clock
	log           *slog.Logger
}

// NewDigestSweeper creates a digest sweeper.
func NewDigestSweeper(
	cfg DigestConfig,
	deliveries storage.DeliveryRepository,
	notifications storage.NotificationRepository,
	prefs domain.PreferenceSource,
	transports *transport.Registry,
	leaser Leaser,
	clk clock.Clock,
) *DigestSweeper {
	def := DefaultDigestConfig()
	if cfg.Hourly == "" {
		cfg.Hourly = def.Hourly
	}
	if cfg.Daily == "" {
		cfg.Daily = def.Daily
	}
	if cfg.Weekly == "" {
		cfg.Weekly = def.Weekly
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MaxUsers <= 0 {
		cfg.MaxUsers = def.MaxUsers
	}
	return &DigestSweeper{
		cfg:           cfg,
		cron:          cron.New(),
		deliveries:    deliveries,
		notifications: notifications,
		prefs:         prefs,
		transports:    transports,
		leaser:        leaser,
		clock:         clk,
		log:           slog.Default().With("component", "digest"),
	}
}

// Start registers the tier jobs and starts the cron engine.
func (s *DigestSweeper) Start() error {
	tiers := []struct {
		spec string
		tier domain.Frequency
	}{
		{s.cfg.Hourly, domain.FrequencyHourly},
		{s.cfg.Daily, domain.FrequencyDaily},
		{s.cfg.Weekly, domain.FrequencyWeekly},
	}

	for _, t := range tiers {
		tier := t.tier
		if _, err := s.cron.AddFunc(t.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := s.Run(ctx, tier); err != nil {
				s.log.Error("Digest run failed", "tier", tier, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to register %s digest job: %w", tier, err)
		}
	}

	s.cron.Start()
	s.log.Info("Digest sweeper started")
	return nil
}

// Stop stops the cron engine and waits for running jobs.
func (s *DigestSweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Run executes one digest pass for a tier: every user on that tier with
// deferred deliveries gets exactly one consolidated send per channel. Users
// with nothing pending produce nothing.
func (s *DigestSweeper) Run(ctx context.Context, tier domain.Frequency) error {
	if s.leaser != nil {
		ok, err := s.leaser.AcquireLease(ctx, "digest:"+string(tier), s.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire digest lease: %w", err)
		}
		if !ok {
			s.log.Info("Digest lease held elsewhere, skipping", "tier", tier)
			return nil
		}
	}

	recipients, err := s.deliveries.ListDeferredRecipients(ctx, s.cfg.MaxUsers)
	if err != nil {
		return fmt.Errorf("failed to list deferred recipients: %w", err)
	}

	for _, user := range recipients {
		if err := s.digestUser(ctx, user, tier); err != nil {
			// One user's failure must not stop the rest of the pass.
			s.log.Error("Failed to digest user", "user", user, "tier", tier, "error", err)
		}
	}
	return nil
}

func (s *DigestSweeper) digestUser(ctx context.Context, user string, tier domain.Frequency) error {
	prefs, err := s.prefs.Preferences(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to look up preferences: %w", err)
	}
	if prefs.Frequency != tier {
		return nil // belongs to another tier's run
	}

	rows, err := s.deliveries.ListDeferredByRecipient(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to list deferred deliveries: %w", err)
	}

	now := s.clock.Now()
	byChannel := make(map[domain.Channel][]*digestItem)
	for _, row := range rows {
		n, err := s.notifications.GetByID(ctx, row.NotificationID)
		if err != nil {
			s.log.Warn("Skipping deferred row without notification",
				"delivery", row.ID, "error", err)
			continue
		}
		if n.Deleted() || n.Expired(now) {
			// Finalize, or the row sits in the deferred backlog forever.
			s.abandon(ctx, row, now)
			continue
		}
		if !prefs.Enabled(row.Channel) {
			// Channel turned off since deferral; suppress instead of sending.
			if _, err := s.deliveries.MarkUnsubscribed(ctx, user, row.Channel, now); err != nil {
				s.log.Error("Failed to suppress disabled channel", "user", user, "error", err)
			}
			continue
		}
		byChannel[row.Channel] = append(byChannel[row.Channel], &digestItem{row: row, n: n})
	}

	for ch, items := range byChannel {
		if err := s.sendDigest(ctx, user, ch, tier, items); err != nil {
			// Rows stay deferred; the next tier run picks them up again.
			s.log.Error("Digest send failed", "user", user, "channel", ch, "error", err)
		}
	}
	return nil
}

type digestItem struct {
	row *domain.Delivery
	n   *domain.Notification
}

// abandon fails a deferred row whose notification expired before its digest
// window. No next_retry_at means the row is terminal and ages out with the
// rest of the history.
func (s *DigestSweeper) abandon(ctx context.Context, row *domain.Delivery, now time.Time) {
	row.Status = domain.StatusFailed
	row.Deferred = false
	row.NextRetryAt = nil
	row.LastError = "notification expired"
	row.LastAttemptAt = &now
	if err := s.deliveries.Update(ctx, row); err != nil {
		s.log.Error("Failed to abandon expired deferred row", "delivery", row.ID, "error", err)
	}
}

func (s *DigestSweeper) sendDigest(ctx context.Context, user string, ch domain.Channel, tier domain.Frequency, items []*digestItem) error {
	tr, ok := s.transports.Get(ch)
	if !ok {
		return fmt.Errorf("no transport registered for channel %s", ch)
	}

	var titles []string
	ids := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		titles = append(titles, it.n.Title)
		ids = append(ids, it.row.ID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	err := tr.Send(sendCtx, transport.Message{
		NotificationID: items[0].n.ID,
		Recipient:      user,
		Subject:        fmt.Sprintf("You have %d new notifications", len(items)),
		Body:           strings.Join(titles, "\n"),
		Digest:         true,
		Count:          len(items),
	})
	if err != nil {
		return fmt.Errorf("transport send failed: %w", err)
	}

	if err := s.deliveries.MarkBatch(ctx, ids, domain.StatusSent, s.clock.Now()); err != nil {
		return fmt.Errorf("failed to mark digest batch sent: %w", err)
	}

	metrics.DigestsEmittedTotal.WithLabelValues(string(ch), string(tier)).Inc()
	metrics.DigestNotificationsTotal.WithLabelValues(string(ch), string(tier)).Add(float64(len(items)))
	s.log.Info("Digest emitted", "user", user, "channel", ch, "tier", tier, "count", len(items))
	return nil
}
