package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/herald/internal/core/domain"
)

// InboxRepo implements storage.InboxRepository using PostgreSQL.
type InboxRepo struct {
	db *DB
}

// NewInboxRepo creates a new PostgreSQL inbox repository.
func NewInboxRepo(db *DB) *InboxRepo {
	return &InboxRepo{db: db}
}

// Save stores a rendered in-app message.
func (r *InboxRepo) Save(ctx context.Context, msg *domain.InboxMessage) error {
	query := `
		INSERT INTO inbox_messages (id, recipient_id, notification_id, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		msg.ID,
		msg.RecipientID,
		msg.NotificationID,
		msg.Title,
		msg.Body,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save inbox message: %w", err)
	}
	return nil
}

// ListByRecipient returns a recipient's inbox, newest first.
func (r *InboxRepo) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*domain.InboxMessage, error) {
	query := `
		SELECT id, recipient_id, notification_id, title, body, created_at, read_at
		FROM inbox_messages
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	var rows []struct {
		ID             uuid.UUID  `db:"id"`
		RecipientID    string     `db:"recipient_id"`
		NotificationID uuid.UUID  `db:"notification_id"`
		Title          string     `db:"title"`
		Body           string     `db:"body"`
		CreatedAt      time.Time  `db:"created_at"`
		ReadAt         *time.Time `db:"read_at"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, recipientID, limit); err != nil {
		return nil, fmt.Errorf("failed to list inbox messages: %w", err)
	}

	out := make([]*domain.InboxMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, &domain.InboxMessage{
			ID:             row.ID,
			RecipientID:    row.RecipientID,
			NotificationID: row.NotificationID,
			Title:          row.Title,
			Body:           row.Body,
			CreatedAt:      row.CreatedAt,
			ReadAt:         row.ReadAt,
		})
	}
	return out, nil
}
