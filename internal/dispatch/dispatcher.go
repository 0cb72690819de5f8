package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/herald/internal/core/clock"
	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/infra/storage"
	"github.com/vietddude/herald/internal/metrics"
	"github.com/vietddude/herald/internal/transport"
)

// Config holds dispatch policy.
type Config struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	Workers     int           `yaml:"workers"`
}

// DefaultConfig returns the default dispatch policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: time.Minute,
		BackoffCap:  time.Hour,
		SendTimeout: 10 * time.Second,
		Workers:     8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// Dispatcher fans a notification out to the channels its recipient is
// configured to receive and records every channel's outcome on its own
// delivery row.
type Dispatcher struct {
	cfg        Config
	deliveries storage.DeliveryRepository
	prefs      domain.PreferenceSource
	transports *transport.Registry
	routing    *domain.RoutingTable
	clock      clock.Clock
	log        *slog.Logger
	sem        chan struct{} // bounds concurrent transport calls
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(
	cfg Config,
	deliveries storage.DeliveryRepository,
	prefs domain.PreferenceSource,
	transports *transport.Registry,
	routing *domain.RoutingTable,
	clk clock.Clock,
) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:        cfg,
		deliveries: deliveries,
		prefs:      prefs,
		transports: transports,
		routing:    routing,
		clock:      clk,
		log:        slog.Default().With("component", "dispatch"),
		sem:        make(chan struct{}, cfg.Workers),
	}
}

// MaxRetries exposes the retry budget shared with the sweeps.
func (d *Dispatcher) MaxRetries() int { return d.cfg.MaxRetries }

// Dispatch computes the channel set for n, creates one delivery row per
// channel (reusing existing rows on re-dispatch), and attempts each row
// immediately unless the recipient digests. An empty channel set is a no-op,
// not an error. The returned error covers preference lookup and persistence
// only; transport outcomes land on the rows.
func (d *Dispatcher) Dispatch(ctx context.Context, n *domain.Notification) ([]*domain.Delivery, error) {
	prefs, err := d.prefs.Preferences(ctx, n.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up preferences: %w", err)
	}

	channels := d.channelSet(n, prefs)
	if len(channels) == 0 {
		d.log.Info("No channels for notification", "notification", n.ID, "category", n.Category)
		metrics.DispatchesTotal.WithLabelValues(string(n.Category), "no_channels").Inc()
		return nil, nil
	}

	urgent := n.Priority == domain.PriorityUrgent
	if prefs.Frequency == domain.FrequencyNever && !urgent {
		d.log.Info("Recipient suppresses non-urgent delivery", "notification", n.ID)
		metrics.DispatchesTotal.WithLabelValues(string(n.Category), "suppressed").Inc()
		return nil, nil
	}
	deferred := prefs.Frequency != domain.FrequencyImmediate && !urgent

	now := d.clock.Now()
	rows := make([]*domain.Delivery, 0, len(channels))
	for _, ch := range channels {
		row, err := d.deliveries.Upsert(ctx, &domain.Delivery{
			ID:             uuid.New(),
			NotificationID: n.ID,
			RecipientID:    n.RecipientID,
			Channel:        ch,
			Status:         domain.StatusPending,
			Deferred:       deferred,
			CreatedAt:      now,
		})
		if err != nil {
			return rows, fmt.Errorf("failed to create delivery row: %w", err)
		}
		rows = append(rows, row)
	}

	if deferred {
		metrics.DispatchesTotal.WithLabelValues(string(n.Category), "deferred").Inc()
		return rows, nil
	}
	metrics.DispatchesTotal.WithLabelValues(string(n.Category), "dispatched").Inc()

	var wg sync.WaitGroup
	for _, row := range rows {
		// Re-dispatch must not touch rows already past pending. A stored row
		// still marked deferred is attempted here: the recipient no longer
		// digests, so its backlog drains on the next immediate dispatch.
		if row.Status != domain.StatusPending {
			continue
		}
		wg.Add(1)
		go func(row *domain.Delivery) {
			defer wg.Done()
			if err := d.Attempt(ctx, row, n); err != nil {
				d.log.Error("Failed to record attempt", "delivery", row.ID, "error", err)
			}
		}(row)
	}
	wg.Wait()

	return rows, nil
}

// channelSet intersects the routing candidates for the category with the
// channels the recipient has enabled.
func (d *Dispatcher) channelSet(n *domain.Notification, prefs domain.Preferences) []domain.Channel {
	var out []domain.Channel
	for _, ch := range d.routing.ChannelsFor(n.Category) {
		if prefs.Enabled(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Attempt runs one transport attempt for a single row and records the
// outcome. Exactly one write hits the row per attempt; no lock is held
// across the transport call.
func (d *Dispatcher) Attempt(ctx context.Context, del *domain.Delivery, n *domain.Notification) error {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	sendErr := d.send(ctx, del, n)

	now := d.clock.Now()
	del.LastAttemptAt = &now
	del.Deferred = false

	switch {
	case sendErr == nil:
		del.Status = domain.StatusSent
		del.NextRetryAt = nil
		del.LastError = ""
		metrics.AttemptsTotal.WithLabelValues(string(del.Channel), "sent").Inc()
	case transport.IsPermanent(sendErr):
		del.Status = domain.StatusBounced
		del.NextRetryAt = nil
		del.LastError = sendErr.Error()
		metrics.AttemptsTotal.WithLabelValues(string(del.Channel), "bounced").Inc()
		d.log.Warn("Permanent transport rejection",
			"delivery", del.ID, "channel", del.Channel, "error", sendErr)
	default:
		del.Status = domain.StatusFailed
		del.LastError = sendErr.Error()
		metrics.AttemptsTotal.WithLabelValues(string(del.Channel), "failed").Inc()
		if del.RetryCount < d.cfg.MaxRetries {
			next := now.Add(Backoff(d.cfg.BackoffBase, d.cfg.BackoffCap, del.RetryCount))
			del.NextRetryAt = &next
		} else {
			del.NextRetryAt = nil
			metrics.RetriesExhaustedTotal.WithLabelValues(string(del.Channel)).Inc()
			d.log.Warn("Retry budget exhausted",
				"delivery", del.ID, "channel", del.Channel, "retries", del.RetryCount)
		}
	}

	return d.deliveries.Update(ctx, del)
}

func (d *Dispatcher) send(ctx context.Context, del *domain.Delivery, n *domain.Notification) error {
	tr, ok := d.transports.Get(del.Channel)
	if !ok {
		// No gateway registered: a transient condition, retried like any
		// unreachable transport.
		return fmt.Errorf("no transport registered for channel %s", del.Channel)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	start := d.clock.Now()
	err := tr.Send(sendCtx, transport.Message{
		NotificationID: n.ID,
		Recipient:      n.RecipientID,
		Subject:        n.Title,
		Body:           n.Body,
		Data:           n.Data,
		Count:          1,
	})
	metrics.TransportLatency.WithLabelValues(string(del.Channel)).
		Observe(d.clock.Now().Sub(start).Seconds())
	return err
}
