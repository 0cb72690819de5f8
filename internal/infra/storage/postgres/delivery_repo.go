package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/infra/storage"
)

// DeliveryRepo implements storage.DeliveryRepository using PostgreSQL.
type DeliveryRepo struct {
	db *DB
}

// NewDeliveryRepo creates a new PostgreSQL delivery repository.
func NewDeliveryRepo(db *DB) *DeliveryRepo {
	return &DeliveryRepo{db: db}
}

const deliveryColumns = `id, notification_id, recipient_id, channel, status, deferred, retry_count, next_retry_at, last_error, created_at, last_attempt_at`

type deliveryRow struct {
	ID             uuid.UUID      `db:"id"`
	NotificationID uuid.UUID      `db:"notification_id"`
	RecipientID    string         `db:"recipient_id"`
	Channel        string         `db:"channel"`
	Status         string         `db:"status"`
	Deferred       bool           `db:"deferred"`
	RetryCount     int            `db:"retry_count"`
	NextRetryAt    *time.Time     `db:"next_retry_at"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	LastAttemptAt  *time.Time     `db:"last_attempt_at"`
}

func (r deliveryRow) toDomain() *domain.Delivery {
	return &domain.Delivery{
		ID:             r.ID,
		NotificationID: r.NotificationID,
		RecipientID:    r.RecipientID,
		Channel:        domain.Channel(r.Channel),
		Status:         domain.Status(r.Status),
		Deferred:       r.Deferred,
		RetryCount:     r.RetryCount,
		NextRetryAt:    r.NextRetryAt,
		LastError:      r.LastError.String,
		CreatedAt:      r.CreatedAt,
		LastAttemptAt:  r.LastAttemptAt,
	}
}

// Upsert creates the (notification, channel) row or returns the existing one.
func (r *DeliveryRepo) Upsert(ctx context.Context, d *domain.Delivery) (*domain.Delivery, error) {
	query := `
		INSERT INTO deliveries (id, notification_id, recipient_id, channel, status, deferred, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (notification_id, channel) DO NOTHING
		RETURNING ` + deliveryColumns

	var row deliveryRow
	err := r.db.GetContext(
		ctx,
		&row,
		query,
		d.ID,
		d.NotificationID,
		d.RecipientID,
		string(d.Channel),
		string(d.Status),
		d.Deferred,
		d.RetryCount,
		d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: the natural key already exists, return it unchanged.
		return r.getByNaturalKey(ctx, d.NotificationID, d.Channel)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert delivery: %w", err)
	}
	return row.toDomain(), nil
}

func (r *DeliveryRepo) getByNaturalKey(ctx context.Context, notificationID uuid.UUID, ch domain.Channel) (*domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE notification_id = $1 AND channel = $2`

	var row deliveryRow
	err := r.db.GetContext(ctx, &row, query, notificationID, string(ch))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery by natural key: %w", err)
	}
	return row.toDomain(), nil
}

// GetByID retrieves a delivery row.
func (r *DeliveryRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`

	var row deliveryRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return row.toDomain(), nil
}

// ListByNotification returns all channel rows for a notification.
func (r *DeliveryRepo) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*domain.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE notification_id = $1 ORDER BY channel`

	var rows []deliveryRow
	if err := r.db.SelectContext(ctx, &rows, query, notificationID); err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return toDomainSlice(rows), nil
}

func toDomainSlice(rows []deliveryRow) []*domain.Delivery {
	out := make([]*domain.Delivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}

// Update writes the row's mutable state.
func (r *DeliveryRepo) Update(ctx context.Context, d *domain.Delivery) error {
	query := `
		UPDATE deliveries
		SET status = $2, deferred = $3, retry_count = $4, next_retry_at = $5, last_error = $6, last_attempt_at = $7
		WHERE id = $1
	`
	res, err := r.db.ExecContext(
		ctx,
		query,
		d.ID,
		string(d.Status),
		d.Deferred,
		d.RetryCount,
		d.NextRetryAt,
		nullString(d.LastError),
		d.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ClaimForRetry flips a failed row back to pending iff its retry count is the
// one the sweep read. The guarded UPDATE is the claim: a concurrent sweep
// running the same statement matches zero rows.
func (r *DeliveryRepo) ClaimForRetry(ctx context.Context, id uuid.UUID, seenRetryCount int, now time.Time) (*domain.Delivery, error) {
	query := `
		UPDATE deliveries
		SET status = 'pending', retry_count = retry_count + 1, next_retry_at = NULL
		WHERE id = $1 AND status = 'failed' AND retry_count = $2
		RETURNING ` + deliveryColumns

	var row deliveryRow
	err := r.db.GetContext(ctx, &row, query, id, seenRetryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAlreadyClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim delivery for retry: %w", err)
	}
	return row.toDomain(), nil
}

// ListDueForRetry returns failed rows with budget remaining and a due next_retry_at.
func (r *DeliveryRepo) ListDueForRetry(ctx context.Context, asOf time.Time, maxRetries, limit int) ([]*domain.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE status = 'failed' AND retry_count < $2 AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $3
	`

	var rows []deliveryRow
	if err := r.db.SelectContext(ctx, &rows, query, asOf, maxRetries, limit); err != nil {
		return nil, fmt.Errorf("failed to list due retries: %w", err)
	}
	return toDomainSlice(rows), nil
}

// ListDeferredRecipients returns recipients with deferred pending rows.
func (r *DeliveryRepo) ListDeferredRecipients(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT DISTINCT recipient_id
		FROM deliveries
		WHERE deferred = TRUE AND status = 'pending'
		ORDER BY recipient_id
		LIMIT $1
	`

	var out []string
	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list deferred recipients: %w", err)
	}
	return out, nil
}

// ListDeferredByRecipient returns a recipient's deferred pending rows.
func (r *DeliveryRepo) ListDeferredByRecipient(ctx context.Context, recipientID string) ([]*domain.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE deferred = TRUE AND status = 'pending' AND recipient_id = $1
		ORDER BY created_at ASC
	`

	var rows []deliveryRow
	if err := r.db.SelectContext(ctx, &rows, query, recipientID); err != nil {
		return nil, fmt.Errorf("failed to list deferred deliveries: %w", err)
	}
	return toDomainSlice(rows), nil
}

// MarkBatch sets status on a set of rows in one statement.
func (r *DeliveryRepo) MarkBatch(ctx context.Context, ids []uuid.UUID, status domain.Status, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(
		`UPDATE deliveries SET status = ?, last_attempt_at = ? WHERE id IN (?)`,
		string(status), at, ids,
	)
	if err != nil {
		return fmt.Errorf("failed to build batch update: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark delivery batch: %w", err)
	}
	return nil
}

// MarkUnsubscribed flips all non-terminal rows for (recipient, channel).
func (r *DeliveryRepo) MarkUnsubscribed(ctx context.Context, recipientID string, ch domain.Channel, at time.Time) (int64, error) {
	query := `
		UPDATE deliveries
		SET status = 'unsubscribed', next_retry_at = NULL, last_attempt_at = $3
		WHERE recipient_id = $1 AND channel = $2
		  AND status NOT IN ('delivered', 'bounced', 'opened', 'clicked', 'unsubscribed')
	`
	res, err := r.db.ExecContext(ctx, query, recipientID, string(ch), at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark unsubscribed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// DeleteTerminalOlderThan prunes terminal rows last touched before the cutoff.
func (r *DeliveryRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, maxRetries int) (int64, error) {
	query := `
		DELETE FROM deliveries
		WHERE COALESCE(last_attempt_at, created_at) < $1
		  AND (
			status IN ('delivered', 'bounced', 'opened', 'clicked', 'unsubscribed')
			OR (status = 'failed' AND (retry_count >= $2 OR next_retry_at IS NULL))
		  )
	`
	res, err := r.db.ExecContext(ctx, query, cutoff, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to prune deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// StatusCounts returns per-channel counts by status.
func (r *DeliveryRepo) StatusCounts(ctx context.Context) (map[domain.Channel]map[domain.Status]int, error) {
	query := `SELECT channel, status, COUNT(*) AS count FROM deliveries GROUP BY channel, status`

	var rows []struct {
		Channel string `db:"channel"`
		Status  string `db:"status"`
		Count   int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}

	out := make(map[domain.Channel]map[domain.Status]int)
	for _, row := range rows {
		ch := domain.Channel(row.Channel)
		if out[ch] == nil {
			out[ch] = make(map[domain.Status]int)
		}
		out[ch][domain.Status(row.Status)] = row.Count
	}
	return out, nil
}
