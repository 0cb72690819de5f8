package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/vietddude/herald/internal/core/domain"
)

// Message is the rendered content handed to a channel gateway. A digest
// message bundles several notifications into one send.
type Message struct {
	NotificationID uuid.UUID
	Recipient      string
	Subject        string
	Body           string
	Data           map[string]any
	Digest         bool
	Count          int // notifications bundled; 1 unless Digest
}

// Transport delivers a message on one channel. Concrete gateways (SMTP, push,
// SMS, chat webhooks) live in the embedding application and are registered at
// startup. A nil error means the channel accepted the message; terminal
// confirmation, if the channel supports it, arrives out of band later.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// PermanentError marks a rejection that must not be retried, such as a
// bounced address or an invalid device token.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent rejection: " + e.Reason
}

// IsPermanent reports whether err is a permanent transport rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Registry maps channels to their transports.
type Registry struct {
	mu         sync.RWMutex
	transports map[domain.Channel]Transport
}

func NewRegistry() *Registry {
	return &Registry{transports: make(map[domain.Channel]Transport)}
}

// Register installs (or replaces) the transport for a channel.
func (r *Registry) Register(ch domain.Channel, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[ch] = t
}

// Get returns the transport for a channel.
func (r *Registry) Get(ch domain.Channel) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[ch]
	return t, ok
}

// Channels returns the channels with a registered transport.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Channel, 0, len(r.transports))
	for ch := range r.transports {
		out = append(out, ch)
	}
	return out
}
