package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"github.com/vietddude/herald/internal/core/clock"
	"github.com/vietddude/herald/internal/core/config"
	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/dispatch"
	"github.com/vietddude/herald/internal/health"
	redisclient "github.com/vietddude/herald/internal/infra/redis"
	"github.com/vietddude/herald/internal/infra/storage"
	"github.com/vietddude/herald/internal/infra/storage/memory"
	"github.com/vietddude/herald/internal/infra/storage/postgres"
	"github.com/vietddude/herald/internal/sweep"
	"github.com/vietddude/herald/internal/transport"
)

// Config holds the application configuration.
type Config struct {
	Port      int
	Database  postgres.Config
	Redis     redisclient.Config
	Delivery  dispatch.Config
	Retry     sweep.RetryConfig
	Digest    sweep.DigestConfig
	Retention sweep.RetentionConfig
	Routing   config.RoutingConfig

	// Prefs is the preference collaborator. Nil falls back to the static
	// preferences from config (standalone mode).
	Prefs domain.PreferenceSource

	// StaticPrefs backs standalone mode when Prefs is nil.
	StaticPrefs config.PreferencesConfig

	// Clock defaults to the system clock.
	Clock clock.Clock

	// MigrationsDir defaults to "migrations".
	MigrationsDir string
}

// Engine wires storage, transports, the dispatcher, and the sweeps, and
// exposes the delivery API to the embedding application.
type Engine struct {
	cfg        Config
	clock      clock.Clock
	db         *postgres.DB
	redis      *redisclient.Client
	prefs      domain.PreferenceSource
	transports *transport.Registry

	notifications storage.NotificationRepository
	deliveries    storage.DeliveryRepository
	inbox         storage.InboxRepository

	dispatcher *dispatch.Dispatcher
	retry      *sweep.RetrySweeper
	digest     *sweep.DigestSweeper
	retention  *sweep.RetentionSweeper

	healthServer *health.Server

	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an Engine with all dependencies initialized.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = "migrations"
	}

	e := &Engine{
		cfg:        cfg,
		clock:      cfg.Clock,
		transports: transport.NewRegistry(),
		log:        slog.Default().With("component", "engine"),
	}

	// 1. Storage
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, cfg.MigrationsDir); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		e.db = db
		e.notifications = postgres.NewNotificationRepo(db)
		e.deliveries = postgres.NewDeliveryRepo(db)
		e.inbox = postgres.NewInboxRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		e.notifications = memory.NewNotificationRepo(store)
		e.deliveries = memory.NewDeliveryRepo(store)
		e.inbox = memory.NewInboxRepo(store)
		slog.Info("Using Memory storage")
	}

	// 2. Preference source, optionally cached through redis
	e.prefs = cfg.Prefs
	if e.prefs == nil {
		e.prefs = domain.StaticPreferences{Prefs: staticPrefs(cfg.StaticPrefs)}
		slog.Info("Using static preferences", "channels", cfg.StaticPrefs.Channels)
	}

	var leaser sweep.Leaser
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		e.redis = rc
		leaser = rc
		e.prefs = redisclient.NewPreferenceCache(rc, e.prefs, 30*time.Second)
		slog.Info("Using Redis for sweep leases and preference cache")
	}

	// 3. Transports: the in-app channel is always ours.
	e.transports.Register(domain.ChannelInApp, transport.NewInAppTransport(e.inbox, e.clock))

	// 4. Routing
	routing := domain.DefaultRouting()
	if len(cfg.Routing.Rules) > 0 || len(cfg.Routing.Default) > 0 {
		routing = domain.NewRoutingTable(cfg.Routing.Rules, cfg.Routing.Default)
	}

	// 5. Dispatcher and sweeps
	e.dispatcher = dispatch.NewDispatcher(
		cfg.Delivery, e.deliveries, e.prefs, e.transports, routing, e.clock,
	)
	e.retry = sweep.NewRetrySweeper(
		cfg.Retry, e.deliveries, e.notifications, e.prefs, e.dispatcher, e.clock,
	)
	e.digest = sweep.NewDigestSweeper(
		cfg.Digest, e.deliveries, e.notifications, e.prefs, e.transports, leaser, e.clock,
	)
	e.retention = sweep.NewRetentionSweeper(
		cfg.Retention, e.notifications, e.deliveries, e.dispatcher.MaxRetries(), e.clock,
	)

	// 6. Ops server
	monitor := health.NewMonitor(e.deliveries)
	e.healthServer = health.NewServer(monitor, cfg.Port)

	return e, nil
}

func staticPrefs(cfg config.PreferencesConfig) domain.Preferences {
	p := domain.Preferences{Frequency: domain.Frequency(cfg.Frequency)}
	for _, ch := range cfg.Channels {
		p.Channels = append(p.Channels, domain.Channel(ch))
	}
	if p.Frequency == "" {
		p.Frequency = domain.FrequencyImmediate
	}
	return p
}

// RegisterTransport installs the gateway for a channel. Call before Start.
func (e *Engine) RegisterTransport(ch domain.Channel, t transport.Transport) {
	e.transports.Register(ch, t)
}

// Transports exposes the registry, mainly for the CLI's dev wiring.
func (e *Engine) Transports() *transport.Registry {
	return e.transports
}

// Start launches the sweeps and the ops server.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.db != nil {
		e.db.StartMetricsCollector(runCtx)
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.retry.Start(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.retention.Start(runCtx)
	}()

	if err := e.digest.Start(); err != nil {
		cancel()
		return err
	}

	go func() {
		if err := e.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("Health server stopped", "error", err)
		}
	}()

	e.log.Info("Engine started", "port", e.cfg.Port)
	return nil
}

// Stop shuts everything down, waiting for in-flight sweep work.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.digest.Stop()
	e.wg.Wait()

	if err := e.healthServer.Stop(ctx); err != nil {
		e.log.Error("Failed to stop health server", "error", err)
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.log.Error("Failed to close redis", "error", err)
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.log.Error("Failed to close database", "error", err)
		}
	}

	e.log.Info("Engine stopped")
	return nil
}

// -----------------------------------------------------------------------------
// Exposed API
// -----------------------------------------------------------------------------

// CreateAndDispatch durably records the notification, then fans it out. The
// call succeeds once the notification is stored: channel-level failures are
// visible only through DeliveryStatus, never by rejecting the creation.
func (e *Engine) CreateAndDispatch(ctx context.Context, n *domain.Notification) ([]*domain.Delivery, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.clock.Now()
	}
	if n.Priority == "" {
		n.Priority = domain.PriorityNormal
	}

	if err := e.notifications.Save(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	rows, err := e.dispatcher.Dispatch(ctx, n)
	if err != nil {
		// The notification is stored; dispatch problems surface in telemetry
		// and the delivery rows, not as a creation failure.
		e.log.Error("Dispatch incomplete", "notification", n.ID, "error", err)
	}
	return rows, nil
}

// ChannelStatus is one channel's delivery outcome for a notification.
type ChannelStatus struct {
	Channel domain.Channel `json:"channel"`
	Status  domain.Status  `json:"status"`
}

// DeliveryStatus returns per-channel delivery state for a notification.
func (e *Engine) DeliveryStatus(ctx context.Context, notificationID uuid.UUID) ([]ChannelStatus, error) {
	rows, err := e.deliveries.ListByNotification(ctx, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read delivery status: %w", err)
	}
	out := make([]ChannelStatus, 0, len(rows))
	for _, row := range rows {
		out = append(out, ChannelStatus{Channel: row.Channel, Status: row.Status})
	}
	return out, nil
}

// MarkUnsubscribed suppresses all non-terminal deliveries for (user, channel)
// and invalidates any cached preferences so the next sweep sees the opt-out.
func (e *Engine) MarkUnsubscribed(ctx context.Context, userID string, ch domain.Channel) error {
	n, err := e.deliveries.MarkUnsubscribed(ctx, userID, ch, e.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark unsubscribed: %w", err)
	}
	if cache, ok := e.prefs.(*redisclient.PreferenceCache); ok {
		cache.Invalidate(ctx, userID)
	}
	e.log.Info("Marked unsubscribed", "user", userID, "channel", ch, "deliveries", n)
	return nil
}

// RecordReceipt applies an out-of-band status update from a channel, such as
// a delivery receipt, open, click, or bounce callback.
func (e *Engine) RecordReceipt(ctx context.Context, deliveryID uuid.UUID, status domain.Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	row, err := e.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to load delivery: %w", err)
	}
	if !row.Status.CanTransition(status) {
		return fmt.Errorf("illegal transition %s -> %s", row.Status, status)
	}
	now := e.clock.Now()
	row.Status = status
	row.NextRetryAt = nil
	row.LastAttemptAt = &now
	if err := e.deliveries.Update(ctx, row); err != nil {
		return fmt.Errorf("failed to record receipt: %w", err)
	}
	return nil
}

// Inbox returns a recipient's in-app messages, newest first.
func (e *Engine) Inbox(ctx context.Context, userID string, limit int) ([]*domain.InboxMessage, error) {
	return e.inbox.ListByRecipient(ctx, userID, limit)
}

// StatusCounts exposes the delivery backlog for the status CLI.
func (e *Engine) StatusCounts(ctx context.Context) (map[domain.Channel]map[domain.Status]int, error) {
	return e.deliveries.StatusCounts(ctx)
}
