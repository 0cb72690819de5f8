package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/herald/internal/core/clock"
	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/dispatch"
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

type mutablePrefs struct {
	mu    sync.Mutex
	prefs domain.Preferences
}

func (p *mutablePrefs) Preferences(ctx context.Context, userID string) (domain.Preferences, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prefs, nil
}

func (p *mutablePrefs) set(prefs domain.Preferences) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefs = prefs
}

type retryEnv struct {
	sweeper       *RetrySweeper
	deliveries    *memory.DeliveryRepo
	notifications *memory.NotificationRepo
	email         *fakeTransport
	prefs         *mutablePrefs
	clock         *clock.Fake
}

func newRetryEnv(t *testing.T) *retryEnv {
	t.Helper()

	store := memory.NewMemoryStorage()
	deliveries := memory.NewDeliveryRepo(store)
	notifications := memory.NewNotificationRepo(store)

	email := &fakeTransport{}
	registry := transport.NewRegistry()
	registry.Register(domain.ChannelEmail, email)

	prefs := &mutablePrefs{prefs: domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelEmail},
		Frequency: domain.FrequencyImmediate,
	}}

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	dispatcher := dispatch.NewDispatcher(
		dispatch.Config{MaxRetries: 3, BackoffBase: time.Minute, BackoffCap: time.Hour},
		deliveries,
		prefs,
		registry,
		domain.NewRoutingTable(nil, []string{"email"}),
		clk,
	)

	sweeper := NewRetrySweeper(
		RetryConfig{Interval: time.Second, BatchSize: 100},
		deliveries, notifications, prefs, dispatcher, clk,
	)

	return &retryEnv{
		sweeper:       sweeper,
		deliveries:    deliveries,
		notifications: notifications,
		email:         email,
		prefs:         prefs,
		clock:         clk,
	}
}

// seedFailed stores a notification and a failed delivery row due for retry.
func (e *retryEnv) seedFailed(t *testing.T, retryCount int, nextRetryAt time.Time) *domain.Delivery {
	t.Helper()
	ctx := context.Background()

	n := &domain.Notification{
		ID:          uuid.New(),
		RecipientID: "user-1",
		Type:        "grade_posted",
		Category:    "academic",
		Priority:    domain.PriorityNormal,
		Title:       "Grade posted",
		Body:        "Your assignment was graded.",
		CreatedAt:   e.clock.Now().Add(-time.Hour),
	}
	if err := e.notifications.Save(ctx, n); err != nil {
		t.Fatalf("Save notification failed: %v", err)
	}

	row, err := e.deliveries.Upsert(ctx, &domain.Delivery{
		ID:             uuid.New(),
		NotificationID: n.ID,
		RecipientID:    n.RecipientID,
		Channel:        domain.ChannelEmail,
		Status:         domain.StatusPending,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	row.Status = domain.StatusFailed
	row.RetryCount = retryCount
	row.NextRetryAt = &nextRetryAt
	if err := e.deliveries.Update(ctx, row); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	return row
}

func TestSweepRetriesDueRow(t *testing.T) {
	e := newRetryEnv(t)
	row := e.seedFailed(t, 1, e.clock.Now().Add(-time.Second))

	if err := e.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	got, err := e.deliveries.GetByID(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != domain.StatusSent {
		t.Errorf("Expected sent after successful retry, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("Expected retry count 2, got %d", got.RetryCount)
	}
	if e.email.sent() != 1 {
		t.Errorf("Expected exactly one send, got %d", e.email.sent())
	}
}

func TestSweepSkipsRowsNotYetDue(t *testing.T) {
	e := newRetryEnv(t)
	e.seedFailed(t, 1, e.clock.Now().Add(time.Minute))

	if err := e.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if e.email.sent() != 0 {
		t.Error("Sweep attempted a row before its next_retry_at")
	}
}

func TestLastBudgetedAttemptEndsTerminal(t *testing.T) {
	e := newRetryEnv(t)
	e.email.err = errors.New("smtp timeout")
	row := e.seedFailed(t, 2, e.clock.Now().Add(-time.Second))

	if err := e.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	got, err := e.deliveries.GetByID(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.RetryCount != 3 {
		t.Errorf("Expected retry count 3, got %d", got.RetryCount)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("Expected failed, got %s", got.Status)
	}
	if got.NextRetryAt != nil {
		t.Error("Budget-exhausted row must not be rescheduled")
	}

	// A second sweep finds nothing to do.
	if err := e.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Second sweep failed: %v", err)
	}
	if e.email.sent() != 1 {
		t.Errorf("Exhausted row was re-attempted: sends = %d", e.email.sent())
	}
}

func TestConcurrentSweepsClaimRowOnce(t *testing.T) {
	e := newRetryEnv(t)
	row := e.seedFailed(t, 0, e.clock.Now().Add(-time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.sweeper.Sweep(context.Background())
		}()
	}
	wg.Wait()

	got, err := e.deliveries.GetByID(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("Concurrent sweeps double-claimed: retry count = %d", got.RetryCount)
	}
	if e.email.sent() != 1 {
		t.Errorf("Concurrent sweeps double-attempted: sends = %d", e.email.sent())
	}
}

func TestSweepHonorsUnsubscribeBeforeAttempt(t *testing.T) {
	e := newRetryEnv(t)
	row := e.seedFailed(t, 1, e.clock.Now().Add(-time.Second))

	// Recipient turned email off while the retry was scheduled.
	e.prefs.set(domain.Preferences{Frequency: domain.FrequencyImmediate})

	if err := e.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	got, err := e.deliveries.GetByID(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != domain.StatusUnsubscribed {
		t.Errorf("Expected unsubscribed, got %s", got.Status)
	}
	if e.email.sent() != 0 {
		t.Error("Unsubscribed row must not be attempted")
	}
}

func TestSweepSkipsExpiredNotification(t *testing.T) {
	e := newRetryEnv(t)
	row := e.seedFailed(t, 1, e.clock.Now().Add(-time.Second))

	// Expire the underlying notification.
	n, err := e.notifications.GetByID(context.Background(), row.NotificationID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	past := e.clock.Now().Add(-time.Minute)
	n.ExpiresAt = &past
	if err := e.notifications.Save(context.Background(), n); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := e.sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	got, err := e.deliveries.GetByID(context.Background(), row.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != domain.StatusFailed || got.NextRetryAt != nil {
		t.Errorf("Expired notification should end failed without reschedule, got %s", got.Status)
	}
	if !got.Terminal(3) {
		t.Error("Finalized row must be terminal so retention can prune it")
	}
	if e.email.sent() != 0 {
		t.Error("Expired notification must not be attempted")
	}
}
