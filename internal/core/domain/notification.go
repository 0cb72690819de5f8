package domain

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders competing dispatches. Urgent bypasses digesting.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Category groups notification types for routing. The set is open: routing
// rules are configuration, so new categories need no code change. The
// constants below are the ones the routing defaults know about.
type Category string

const (
	CategoryAcademic       Category = "academic"
	CategorySocial         Category = "social"
	CategorySystem         Category = "system"
	CategorySecurity       Category = "security"
	CategoryMarketing      Category = "marketing"
	CategoryAdministrative Category = "administrative"
	CategoryChat           Category = "chat"
	CategoryVideo          Category = "video"
	CategoryForum          Category = "forum"
	CategoryForumReport    Category = "forum_report"
)

// Notification is one logical message addressed to one recipient. It is
// immutable after creation except for soft deletion on expiry; corrections
// are new notifications.
type Notification struct {
	ID          uuid.UUID      `json:"id"`
	RecipientID string         `json:"recipient_id"`
	Type        string         `json:"type"`
	Category    Category       `json:"category"`
	Priority    Priority       `json:"priority"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
}

// Expired reports whether the notification's lifetime has passed as of now.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !n.ExpiresAt.After(now)
}

// Deleted reports whether the notification has been soft-deleted.
func (n *Notification) Deleted() bool {
	return n.DeletedAt != nil
}
