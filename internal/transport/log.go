package transport

import (
	"context"
	"log/slog"

	"github.com/vietddude/herald/internal/core/domain"
)

// LogTransport writes messages to the log instead of a real gateway. It backs
// every externally-delivered channel in standalone/dev runs.
type LogTransport struct {
	channel domain.Channel
	log     *slog.Logger
}

func NewLogTransport(ch domain.Channel) *LogTransport {
	return &LogTransport{
		channel: ch,
		log:     slog.Default().With("component", "transport", "channel", string(ch)),
	}
}

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	t.log.Info("Delivering message",
		"recipient", msg.Recipient,
		"subject", msg.Subject,
		"digest", msg.Digest,
		"count", msg.Count,
	)
	return nil
}
