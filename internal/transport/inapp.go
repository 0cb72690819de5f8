package transport

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vietddude/herald/internal/core/clock"
	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/infra/storage"
)

// InAppTransport delivers by writing into the recipient's inbox. The in-app
// channel is the one this service owns: a successful write is delivery.
type InAppTransport struct {
	inbox storage.InboxRepository
	clock clock.Clock
}

func NewInAppTransport(inbox storage.InboxRepository, clk clock.Clock) *InAppTransport {
	return &InAppTransport{inbox: inbox, clock: clk}
}

func (t *InAppTransport) Send(ctx context.Context, msg Message) error {
	err := t.inbox.Save(ctx, &domain.InboxMessage{
		ID:             uuid.New(),
		RecipientID:    msg.Recipient,
		NotificationID: msg.NotificationID,
		Title:          msg.Subject,
		Body:           msg.Body,
		CreatedAt:      t.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to write inbox message: %w", err)
	}
	return nil
}
