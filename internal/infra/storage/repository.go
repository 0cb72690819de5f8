package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/herald/internal/core/domain"
)

var (
	// ErrNotFound is returned when a row doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClaimed is returned when a retry claim loses the race: another
	// sweep already flipped the row since it was read.
	ErrAlreadyClaimed = errors.New("delivery already claimed")
)

// NotificationRepository handles notification storage operations.
type NotificationRepository interface {
	// Save persists a new notification.
	Save(ctx context.Context, n *domain.Notification) error

	// GetByID retrieves a notification, including soft-deleted ones.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error)

	// ListExpired returns live notifications whose expires_at has passed.
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*domain.Notification, error)

	// SoftDelete marks a notification deleted; content is never edited in place.
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
}

// DeliveryRepository handles delivery tracker storage operations.
type DeliveryRepository interface {
	// Upsert creates the row for (notification, channel) or returns the
	// existing one unchanged, so fan-out is idempotent on the natural key.
	Upsert(ctx context.Context, d *domain.Delivery) (*domain.Delivery, error)

	// GetByID retrieves a delivery row.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Delivery, error)

	// ListByNotification returns all channel rows for a notification.
	ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*domain.Delivery, error)

	// Update writes the row's full mutable state (status, retry bookkeeping,
	// last error, attempt timestamp).
	Update(ctx context.Context, d *domain.Delivery) error

	// ClaimForRetry atomically moves a failed row back to pending and
	// increments its retry count, guarded on the retry count the caller read.
	// Returns ErrAlreadyClaimed when a concurrent sweep got there first.
	ClaimForRetry(ctx context.Context, id uuid.UUID, seenRetryCount int, now time.Time) (*domain.Delivery, error)

	// ListDueForRetry returns failed rows with budget remaining whose
	// next_retry_at has passed. Deferred rows never appear here.
	ListDueForRetry(ctx context.Context, asOf time.Time, maxRetries, limit int) ([]*domain.Delivery, error)

	// ListDeferredRecipients returns recipients holding deferred pending rows.
	ListDeferredRecipients(ctx context.Context, limit int) ([]string, error)

	// ListDeferredByRecipient returns a recipient's deferred pending rows.
	ListDeferredByRecipient(ctx context.Context, recipientID string) ([]*domain.Delivery, error)

	// MarkBatch sets status on a set of rows in one write; used by the digest
	// aggregator after a consolidated send.
	MarkBatch(ctx context.Context, ids []uuid.UUID, status domain.Status, at time.Time) error

	// MarkUnsubscribed flips every non-terminal row for (recipient, channel)
	// to unsubscribed and returns how many rows changed.
	MarkUnsubscribed(ctx context.Context, recipientID string, ch domain.Channel, at time.Time) (int64, error)

	// DeleteTerminalOlderThan prunes terminal rows last touched before the
	// cutoff: settled rows, failed rows out of budget, and failed rows with no
	// reschedule. Rows still eligible for retry are never deleted.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, maxRetries int) (int64, error)

	// StatusCounts returns per-channel counts by status for monitoring.
	StatusCounts(ctx context.Context) (map[domain.Channel]map[domain.Status]int, error)
}

// InboxRepository stores rendered in-app messages.
type InboxRepository interface {
	Save(ctx context.Context, msg *domain.InboxMessage) error
	ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*domain.InboxMessage, error)
}
