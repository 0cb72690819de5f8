package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/herald/internal/core/clock"
	"github.com/vietddude/herald/internal/core/config"
	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/dispatch"
)

type failingPrefs struct{}

func (failingPrefs) Preferences(ctx context.Context, userID string) (domain.Preferences, error) {
	return domain.Preferences{}, errors.New("preference service unavailable")
}

func newTestEngine(t *testing.T, prefs domain.PreferenceSource) *Engine {
	t.Helper()

	e, err := NewEngine(Config{
		Delivery: dispatch.Config{MaxRetries: 3, BackoffBase: time.Minute, BackoffCap: time.Hour},
		Routing: config.RoutingConfig{
			Rules: map[string][]string{
				"chat":     {"in_app"},
				"security": {"email"},
			},
			Default: []string{"in_app"},
		},
		Prefs: prefs,
		Clock: clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func enabledPrefs() domain.PreferenceSource {
	return domain.StaticPreferences{Prefs: domain.Preferences{
		Channels:  []domain.Channel{domain.ChannelInApp, domain.ChannelEmail},
		Frequency: domain.FrequencyImmediate,
	}}
}

func testNotification(category domain.Category) *domain.Notification {
	return &domain.Notification{
		RecipientID: "user-1",
		Type:        "comment_added",
		Category:    category,
		Title:       "New comment",
		Body:        "Someone replied to your post.",
	}
}

func TestCreateAndDispatchSurvivesDispatchFailure(t *testing.T) {
	e := newTestEngine(t, failingPrefs{})

	n := testNotification("chat")
	rows, err := e.CreateAndDispatch(context.Background(), n)
	if err != nil {
		t.Fatalf("Creation must succeed once the notification is stored, got %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected no delivery rows when dispatch fails, got %d", len(rows))
	}

	// The notification itself is durably recorded.
	stored, err := e.notifications.GetByID(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("Notification was not stored: %v", err)
	}
	if stored.Title != n.Title {
		t.Errorf("Stored title %q, want %q", stored.Title, n.Title)
	}
}

func TestCreateAndDispatchFillsDefaults(t *testing.T) {
	e := newTestEngine(t, enabledPrefs())

	n := testNotification("chat")
	if _, err := e.CreateAndDispatch(context.Background(), n); err != nil {
		t.Fatalf("CreateAndDispatch failed: %v", err)
	}
	if n.ID == uuid.Nil {
		t.Error("Expected an id to be assigned")
	}
	if n.Priority != domain.PriorityNormal {
		t.Errorf("Expected default priority normal, got %s", n.Priority)
	}
	if !n.CreatedAt.Equal(e.clock.Now()) {
		t.Errorf("Expected created_at %v, got %v", e.clock.Now(), n.CreatedAt)
	}
}

func TestRecordReceiptEnforcesTransitions(t *testing.T) {
	e := newTestEngine(t, enabledPrefs())

	// In-app delivery succeeds immediately, leaving the row sent.
	rows, err := e.CreateAndDispatch(context.Background(), testNotification("chat"))
	if err != nil {
		t.Fatalf("CreateAndDispatch failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	id := rows[0].ID

	if err := e.RecordReceipt(context.Background(), id, domain.StatusDelivered); err != nil {
		t.Fatalf("sent -> delivered must be accepted: %v", err)
	}
	if err := e.RecordReceipt(context.Background(), id, domain.StatusSent); err == nil {
		t.Error("delivered -> sent must be rejected")
	}
	if err := e.RecordReceipt(context.Background(), id, domain.Status("bogus")); err == nil {
		t.Error("Unknown status must be rejected")
	}
	if err := e.RecordReceipt(context.Background(), uuid.New(), domain.StatusDelivered); err == nil {
		t.Error("Unknown delivery id must be rejected")
	}

	status, err := e.DeliveryStatus(context.Background(), rows[0].NotificationID)
	if err != nil {
		t.Fatalf("DeliveryStatus failed: %v", err)
	}
	if len(status) != 1 || status[0].Status != domain.StatusDelivered {
		t.Errorf("Expected delivered after receipt, got %v", status)
	}
}

func TestMarkUnsubscribedSuppressesBacklog(t *testing.T) {
	e := newTestEngine(t, enabledPrefs())

	// No email transport registered: the attempt fails and awaits retry.
	n := testNotification("security")
	rows, err := e.CreateAndDispatch(context.Background(), n)
	if err != nil {
		t.Fatalf("CreateAndDispatch failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Channel != domain.ChannelEmail {
		t.Fatalf("Expected one email row, got %v", rows)
	}

	if err := e.MarkUnsubscribed(context.Background(), "user-1", domain.ChannelEmail); err != nil {
		t.Fatalf("MarkUnsubscribed failed: %v", err)
	}

	status, err := e.DeliveryStatus(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("DeliveryStatus failed: %v", err)
	}
	if len(status) != 1 || status[0].Status != domain.StatusUnsubscribed {
		t.Errorf("Expected unsubscribed row, got %v", status)
	}
}

func TestInboxReceivesInAppDelivery(t *testing.T) {
	e := newTestEngine(t, enabledPrefs())

	n := testNotification("chat")
	if _, err := e.CreateAndDispatch(context.Background(), n); err != nil {
		t.Fatalf("CreateAndDispatch failed: %v", err)
	}

	msgs, err := e.Inbox(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("Inbox failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 inbox message, got %d", len(msgs))
	}
	if msgs[0].Title != n.Title || msgs[0].NotificationID != n.ID {
		t.Errorf("Inbox message does not match the notification: %+v", msgs[0])
	}
}
