package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/infra/storage"
)

// MemoryStorage backs all repositories with mutex-guarded maps. Used when no
// database URL is configured and by tests.
type MemoryStorage struct {
	notifications map[uuid.UUID]*domain.Notification
	deliveries    map[uuid.UUID]*domain.Delivery
	byNatural     map[string]uuid.UUID // notificationID+channel -> delivery id
	inbox         map[string][]*domain.InboxMessage
	mu            sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		notifications: make(map[uuid.UUID]*domain.Notification),
		deliveries:    make(map[uuid.UUID]*domain.Delivery),
		byNatural:     make(map[string]uuid.UUID),
		inbox:         make(map[string][]*domain.InboxMessage),
	}
}

func naturalKey(notificationID uuid.UUID, ch domain.Channel) string {
	return notificationID.String() + "/" + string(ch)
}

func copyNotification(n *domain.Notification) *domain.Notification {
	c := *n
	return &c
}

func copyDelivery(d *domain.Delivery) *domain.Delivery {
	c := *d
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		c.NextRetryAt = &t
	}
	if d.LastAttemptAt != nil {
		t := *d.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

// -----------------------------------------------------------------------------
// Notification Repository
// -----------------------------------------------------------------------------

type NotificationRepo struct {
	store *MemoryStorage
}

func NewNotificationRepo(store *MemoryStorage) *NotificationRepo {
	return &NotificationRepo{store: store}
}

func (r *NotificationRepo) Save(ctx context.Context, n *domain.Notification) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.notifications[n.ID] = copyNotification(n)
	return nil
}

func (r *NotificationRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n, ok := r.store.notifications[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyNotification(n), nil
}

func (r *NotificationRepo) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*domain.Notification, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Notification
	for _, n := range r.store.notifications {
		if n.DeletedAt == nil && n.Expired(asOf) {
			out = append(out, copyNotification(n))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *NotificationRepo) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	n, ok := r.store.notifications[id]
	if !ok {
		return storage.ErrNotFound
	}
	t := at
	n.DeletedAt = &t
	return nil
}

// -----------------------------------------------------------------------------
// Delivery Repository
// -----------------------------------------------------------------------------

type DeliveryRepo struct {
	store *MemoryStorage
}

func NewDeliveryRepo(store *MemoryStorage) *DeliveryRepo {
	return &DeliveryRepo{store: store}
}

func (r *DeliveryRepo) Upsert(ctx context.Context, d *domain.Delivery) (*domain.Delivery, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := naturalKey(d.NotificationID, d.Channel)
	if id, ok := r.store.byNatural[key]; ok {
		return copyDelivery(r.store.deliveries[id]), nil
	}
	stored := copyDelivery(d)
	r.store.deliveries[stored.ID] = stored
	r.store.byNatural[key] = stored.ID
	return copyDelivery(stored), nil
}

func (r *DeliveryRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Delivery, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	d, ok := r.store.deliveries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyDelivery(d), nil
}

func (r *DeliveryRepo) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]*domain.Delivery, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Delivery
	for _, d := range r.store.deliveries {
		if d.NotificationID == notificationID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (r *DeliveryRepo) Update(ctx context.Context, d *domain.Delivery) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.deliveries[d.ID]; !ok {
		return storage.ErrNotFound
	}
	r.store.deliveries[d.ID] = copyDelivery(d)
	return nil
}

func (r *DeliveryRepo) ClaimForRetry(ctx context.Context, id uuid.UUID, seenRetryCount int, now time.Time) (*domain.Delivery, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	d, ok := r.store.deliveries[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if d.Status != domain.StatusFailed || d.RetryCount != seenRetryCount {
		return nil, storage.ErrAlreadyClaimed
	}
	d.Status = domain.StatusPending
	d.RetryCount++
	d.NextRetryAt = nil
	return copyDelivery(d), nil
}

func (r *DeliveryRepo) ListDueForRetry(ctx context.Context, asOf time.Time, maxRetries, limit int) ([]*domain.Delivery, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Delivery
	for _, d := range r.store.deliveries {
		if d.RetryEligible(maxRetries, asOf) {
			out = append(out, copyDelivery(d))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *DeliveryRepo) ListDeferredRecipients(ctx context.Context, limit int) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, d := range r.store.deliveries {
		if d.Deferred && d.Status == domain.StatusPending && !seen[d.RecipientID] {
			seen[d.RecipientID] = true
			out = append(out, d.RecipientID)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *DeliveryRepo) ListDeferredByRecipient(ctx context.Context, recipientID string) ([]*domain.Delivery, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Delivery
	for _, d := range r.store.deliveries {
		if d.Deferred && d.Status == domain.StatusPending && d.RecipientID == recipientID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *DeliveryRepo) MarkBatch(ctx context.Context, ids []uuid.UUID, status domain.Status, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, id := range ids {
		d, ok := r.store.deliveries[id]
		if !ok {
			continue
		}
		d.Status = status
		t := at
		d.LastAttemptAt = &t
	}
	return nil
}

func (r *DeliveryRepo) MarkUnsubscribed(ctx context.Context, recipientID string, ch domain.Channel, at time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for _, d := range r.store.deliveries {
		if d.RecipientID == recipientID && d.Channel == ch && !d.Status.Settled() {
			d.Status = domain.StatusUnsubscribed
			d.NextRetryAt = nil
			t := at
			d.LastAttemptAt = &t
			n++
		}
	}
	return n, nil
}

func (r *DeliveryRepo) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, maxRetries int) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, d := range r.store.deliveries {
		if !d.Terminal(maxRetries) {
			continue
		}
		ref := d.CreatedAt
		if d.LastAttemptAt != nil {
			ref = *d.LastAttemptAt
		}
		if ref.Before(cutoff) {
			delete(r.store.deliveries, id)
			delete(r.store.byNatural, naturalKey(d.NotificationID, d.Channel))
			n++
		}
	}
	return n, nil
}

func (r *DeliveryRepo) StatusCounts(ctx context.Context) (map[domain.Channel]map[domain.Status]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[domain.Channel]map[domain.Status]int)
	for _, d := range r.store.deliveries {
		if out[d.Channel] == nil {
			out[d.Channel] = make(map[domain.Status]int)
		}
		out[d.Channel][d.Status]++
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Inbox Repository
// -----------------------------------------------------------------------------

type InboxRepo struct {
	store *MemoryStorage
}

func NewInboxRepo(store *MemoryStorage) *InboxRepo {
	return &InboxRepo{store: store}
}

func (r *InboxRepo) Save(ctx context.Context, msg *domain.InboxMessage) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *msg
	r.store.inbox[msg.RecipientID] = append(r.store.inbox[msg.RecipientID], &c)
	return nil
}

func (r *InboxRepo) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]*domain.InboxMessage, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	msgs := r.store.inbox[recipientID]
	var out []*domain.InboxMessage
	for i := len(msgs) - 1; i >= 0; i-- { // newest first
		c := *msgs[i]
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
