package domain

import (
	"time"

	"github.com/google/uuid"
)

// InboxMessage is a rendered in-app notification. The in-app channel is the
// one transport this service owns end to end: delivery means writing the row.
type InboxMessage struct {
	ID             uuid.UUID  `json:"id"`
	RecipientID    string     `json:"recipient_id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}
