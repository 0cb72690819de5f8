package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/infra/storage"
)

// NotificationRepo implements storage.NotificationRepository using PostgreSQL.
type NotificationRepo struct {
	db *DB
}

// NewNotificationRepo creates a new PostgreSQL notification repository.
func NewNotificationRepo(db *DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

type notificationRow struct {
	ID          uuid.UUID       `db:"id"`
	RecipientID string          `db:"recipient_id"`
	Type        string          `db:"type"`
	Category    string          `db:"category"`
	Priority    string          `db:"priority"`
	Title       string          `db:"title"`
	Body        string          `db:"body"`
	Data        json.RawMessage `db:"data"`
	CreatedAt   time.Time       `db:"created_at"`
	ExpiresAt   *time.Time      `db:"expires_at"`
	DeletedAt   *time.Time      `db:"deleted_at"`
}

func (r notificationRow) toDomain() (*domain.Notification, error) {
	n := &domain.Notification{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		Type:        r.Type,
		Category:    domain.Category(r.Category),
		Priority:    domain.Priority(r.Priority),
		Title:       r.Title,
		Body:        r.Body,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		DeletedAt:   r.DeletedAt,
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &n.Data); err != nil {
			return nil, fmt.Errorf("failed to decode notification data: %w", err)
		}
	}
	return n, nil
}

// Save persists a new notification.
func (r *NotificationRepo) Save(ctx context.Context, n *domain.Notification) error {
	query := `
		INSERT INTO notifications (id, recipient_id, type, category, priority, title, body, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	var data []byte
	if n.Data != nil {
		var err error
		data, err = json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("failed to encode notification data: %w", err)
		}
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		n.ID,
		n.RecipientID,
		n.Type,
		string(n.Category),
		string(n.Priority),
		n.Title,
		n.Body,
		data,
		n.CreatedAt,
		n.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

// GetByID retrieves a notification by id, soft-deleted ones included.
func (r *NotificationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	query := `
		SELECT id, recipient_id, type, category, priority, title, body, data, created_at, expires_at, deleted_at
		FROM notifications
		WHERE id = $1
	`

	var row notificationRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return row.toDomain()
}

// ListExpired returns live notifications whose expires_at has passed.
func (r *NotificationRepo) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*domain.Notification, error) {
	query := `
		SELECT id, recipient_id, type, category, priority, title, body, data, created_at, expires_at, deleted_at
		FROM notifications
		WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, query, asOf, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired notifications: %w", err)
	}

	out := make([]*domain.Notification, 0, len(rows))
	for _, row := range rows {
		n, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// SoftDelete marks a notification deleted.
func (r *NotificationRepo) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE notifications
		SET deleted_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to soft-delete notification: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
