package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/herald/internal/core/clock"
	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/infra/storage/memory"
	"github.com/vietddude/herald/internal/transport"
)

type fakeTransport struct {
	mu    sync.Mutex
	sends []transport.Message
	err   error
}

func (t *fakeTransport) Send(ctx context.Context, msg transport.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, msg)
	return t.err
}

func (t *fakeTransport) sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sends)
}

type env struct {
	dispatcher *Dispatcher
	deliveries *memory.DeliveryRepo
	email      *fakeTransport
	push       *fakeTransport
	clock      *clock.Fake
}

func newEnv(t *testing.T, prefs domain.Preferences) *env {
	t.Helper()

	store := memory.NewMemoryStorage()
	deliveries := memory.NewDeliveryRepo(store)

	email := &fakeTransport{}
	push := &fakeTransport{}
	registry := transport.NewRegistry()
	registry.Register(domain.ChannelEmail, email)
	registry.Register(domain.ChannelPush, push)

	routing := domain.NewRoutingTable(map[string][]string{
		"security": {"email", "push"},
	}, []string{"email"})

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	d := NewDispatcher(
		Config{MaxRetries: 3, BackoffBase: time.Minute, BackoffCap: time.Hour},
		deliveries,
		domain.StaticPreferences{Prefs: prefs},
		registry,
		routing,
		clk,
	)

	return &env{dispatcher: d, deliveries: deliveries, email: email, push: push, clock: clk}
}

func notif(priority domain.Priority) *domain.Notification {
	return &domain.Notification{
		ID:          uuid.New(),
		RecipientID: "user-1",
		Type:        "login_alert",
		Category:    "security",
		Priority:    priority,
		Title:       "New login",
		Body:        "A new device signed in.",
		CreatedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatchFansOutToEnabledChannels(t *testing.T) {
	e := newEnv(t, domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail, domain.ChannelPush},
		Frequency: domain.FrequencyImmediate,
	})

	n := notif(domain.PriorityNormal)
	rows, err := e.dispatcher.Dispatch(context.Background(), n)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 delivery rows, got %d", len(rows))
	}
	if e.email.sent() != 1 || e.push.sent() != 1 {
		t.Errorf("Expected one send per channel, got email=%d push=%d", e.email.sent(), e.push.sent())
	}

	stored, err := e.deliveries.ListByNotification(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("ListByNotification failed: %v", err)
	}
	for _, row := range stored {
		if row.Status != domain.StatusSent {
			t.Errorf("Channel %s: expected sent, got %s", row.Channel, row.Status)
		}
	}
}

func TestDispatchIsIdempotentOnNaturalKey(t *testing.T) {
	e := newEnv(t, domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail, domain.ChannelPush},
		Frequency: domain.FrequencyImmediate,
	})

	n := notif(domain.PriorityNormal)
	if _, err := e.dispatcher.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("First dispatch failed: %v", err)
	}
	if _, err := e.dispatcher.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Second dispatch failed: %v", err)
	}

	rows, err := e.deliveries.ListByNotification(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("ListByNotification failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("Re-dispatch duplicated rows: expected 2, got %d", len(rows))
	}
	if e.email.sent() != 1 {
		t.Errorf("Re-dispatch re-attempted a sent row: email sends = %d", e.email.sent())
	}
}

func TestDispatchRespectsChannelIntersection(t *testing.T) {
	// Push disabled by the recipient even though routing allows it.
	e := newEnv(t, domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail},
		Frequency: domain.FrequencyImmediate,
	})

	rows, err := e.dispatcher.Dispatch(context.Background(), notif(domain.PriorityNormal))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Channel != domain.ChannelEmail {
		t.Fatalf("Expected only the email row, got %v", rows)
	}
	if e.push.sent() != 0 {
		t.Errorf("Disabled channel was attempted")
	}
}

func TestDispatchEmptyChannelSetIsNoOp(t *testing.T) {
	e := newEnv(t, domain.Preferences{
		Channels:  nil,
		Frequency: domain.FrequencyImmediate,
	})

	rows, err := e.dispatcher.Dispatch(context.Background(), notif(domain.PriorityNormal))
	if err != nil {
		t.Fatalf("Empty channel set must not be an error, got %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected zero rows, got %d", len(rows))
	}
}

func TestDispatchDefersForDigestFrequency(t *testing.T) {
	e := newEnv(t, domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail},
		Frequency: domain.FrequencyDaily,
	})

	rows, err := e.dispatcher.Dispatch(context.Background(), notif(domain.PriorityNormal))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 deferred row, got %d", len(rows))
	}
	if !rows[0].Deferred || rows[0].Status != domain.StatusPending {
		t.Errorf("Expected deferred pending row, got deferred=%v status=%s", rows[0].Deferred, rows[0].Status)
	}
	if e.email.sent() != 0 {
		t.Errorf("Deferred notification must not be attempted immediately")
	}
}

func TestImmediateDispatchDrainsPreviouslyDeferredRows(t *testing.T) {
	e := newEnv(t, domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail},
		Frequency: domain.FrequencyDaily,
	})

	n := notif(domain.PriorityNormal)
	rows, err := e.dispatcher.Dispatch(context.Background(), n)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(rows) != 1 || !rows[0].Deferred {
		t.Fatalf("Expected 1 deferred row, got %v", rows)
	}

	// The recipient switches to immediate; re-dispatch drains the backlog.
	immediate := NewDispatcher(
		Config{MaxRetries: 3, BackoffBase: time.Minute, BackoffCap: time.Hour},
		e.deliveries,
		domain.StaticPreferences{Prefs: domain.Preferences{
			Channels:  []domain.Channel{domain.ChannelEmail},
			Frequency: domain.FrequencyImmediate,
		}},
		e.dispatcher.transports,
		e.dispatcher.routing,
		e.clock,
	)

	if _, err := immediate.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("Re-dispatch failed: %v", err)
	}
	if e.email.sent() != 1 {
		t.Fatalf("Expected the stored deferred row to be attempted, got %d sends", e.email.sent())
	}

	got, err := e.deliveries.GetByID(context.Background(), rows[0].ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != domain.StatusSent || got.Deferred {
		t.Errorf("Expected sent non-deferred row, got status=%s deferred=%v", got.Status, got.Deferred)
	}
}

func TestUrgentBypassesDigest(t *testing.T) {
	e := newEnv(t, domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail, domain.ChannelPush},
		Frequency: domain.FrequencyDaily,
	})

	rows, err := e.dispatcher.Dispatch(context.Background(), notif(domain.PriorityUrgent))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if e.email.sent() != 1 || e.push.sent() != 1 {
		t.Errorf("Urgent notification must be attempted immediately regardless of digest frequency")
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	e := newEnv(t, domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail},
		Frequency: domain.FrequencyImmediate,
	})
	e.email.err = errors.New("connection refused")

	rows, err := e.dispatcher.Dispatch(context.Background(), notif(domain.PriorityNormal))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	row, err := e.deliveries.GetByID(context.Background(), rows[0].ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if row.Status != domain.StatusFailed {
		t.Fatalf("Expected failed, got %s", row.Status)
	}
	if row.NextRetryAt == nil {
		t.Fatal("Expected next_retry_at to be set")
	}
	now := e.clock.Now()
	if !row.NextRetryAt.After(now) {
		t.Errorf("next_retry_at must be strictly in the future: %v vs now %v", row.NextRetryAt, now)
	}
	if got, want := *row.NextRetryAt, now.Add(time.Minute); !got.Equal(want) {
		t.Errorf("Expected first retry at %v, got %v", want, got)
	}
}

func TestPermanentRejectionIsTerminal(t *testing.T) {
	e := newEnv(t, domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail},
		Frequency: domain.FrequencyImmediate,
	})
	e.email.err = &transport.PermanentError{Reason: "mailbox does not exist"}

	rows, err := e.dispatcher.Dispatch(context.Background(), notif(domain.PriorityNormal))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	row, err := e.deliveries.GetByID(context.Background(), rows[0].ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if row.Status != domain.StatusBounced {
		t.Errorf("Expected bounced, got %s", row.Status)
	}
	if row.NextRetryAt != nil {
		t.Error("Bounced row must not be scheduled for retry")
	}
}

func TestMissingTransportCountsAsFailedAttempt(t *testing.T) {
	e := newEnv(t, domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail},
		Frequency: domain.FrequencyImmediate,
	})

	// Routing falls back to email for unknown categories; drop the transport.
	e.dispatcher.transports = transport.NewRegistry()

	rows, err := e.dispatcher.Dispatch(context.Background(), notif(domain.PriorityNormal))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	row, err := e.deliveries.GetByID(context.Background(), rows[0].ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if row.Status != domain.StatusFailed || row.NextRetryAt == nil {
		t.Errorf("Unregistered transport should fail transiently, got status=%s", row.Status)
	}
}

func TestSuppressedWhenFrequencyNever(t *testing.T) {
	e := newEnv(t, domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail},
		Frequency: domain.FrequencyNever,
	})

	rows, err := e.dispatcher.Dispatch(context.Background(), notif(domain.PriorityNormal))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("frequency=never must suppress non-urgent delivery, got %d rows", len(rows))
	}

	urgentRows, err := e.dispatcher.Dispatch(context.Background(), notif(domain.PriorityUrgent))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(urgentRows) != 1 {
		t.Errorf("urgent must bypass frequency=never, got %d rows", len(urgentRows))
	}
}
