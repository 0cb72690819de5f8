package domain

import (
	"time"

	"github.com/google/uuid"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelEmail   Channel = "email"
	ChannelPush    Channel = "push"
	ChannelSMS     Channel = "sms"
	ChannelSlack   Channel = "slack"
	ChannelDiscord Channel = "discord"
	ChannelWebhook Channel = "webhook"
)

// Delivery tracks one (notification, channel) pair through the status state
// machine. The pair is a natural key: re-dispatch reuses the existing row.
type Delivery struct {
	ID             uuid.UUID  `json:"id"`
	NotificationID uuid.UUID  `json:"notification_id"`
	RecipientID    string     `json:"recipient_id"`
	Channel        Channel    `json:"channel"`
	Status         Status     `json:"status"`
	Deferred       bool       `json:"deferred"` // queued for a digest instead of immediate dispatch
	RetryCount     int        `json:"retry_count"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
}

// Terminal reports whether the row can never be attempted again. A failed row
// is terminal once its retry budget is exhausted or it carries no reschedule:
// rows abandoned because their notification expired or vanished are finalized
// failed without a next_retry_at, and must age out like any other terminal row.
func (d *Delivery) Terminal(maxRetries int) bool {
	if d.Status == StatusFailed {
		return d.RetryCount >= maxRetries || d.NextRetryAt == nil
	}
	return d.Status.Settled()
}

// RetryEligible reports whether the retry sweep may claim this row as of now.
func (d *Delivery) RetryEligible(maxRetries int, now time.Time) bool {
	return d.Status == StatusFailed &&
		d.RetryCount < maxRetries &&
		d.NextRetryAt != nil &&
		!d.NextRetryAt.After(now)
}
