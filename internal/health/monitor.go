package health

import (
	"context"
	"log/slog"

	"github.com/vietddude/herald/internal/core/domain"
	"github.com/vietddude/herald/internal/infra/storage"
	"github.com/vietddude/herald/internal/metrics"
)

// HealthState classifies a channel's delivery backlog.
type HealthState string

const (
	StatusHealthy  HealthState = "healthy"
	StatusDegraded HealthState = "degraded"
	StatusCritical HealthState = "critical"
)

// ChannelHealth summarizes one channel's backlog.
type ChannelHealth struct {
	Pending       int         `json:"pending"`
	AwaitingRetry int         `json:"awaiting_retry"`
	Bounced       int         `json:"bounced"`
	Status        HealthState `json:"status"`
}

// Monitor derives health from the delivery backlog.
type Monitor struct {
	deliveries storage.DeliveryRepository

	// Backlog sizes above these mark a channel degraded/critical.
	DegradedThreshold int
	CriticalThreshold int

	log *slog.Logger
}

// NewMonitor creates a backlog monitor.
func NewMonitor(deliveries storage.DeliveryRepository) *Monitor {
	return &Monitor{
		deliveries:        deliveries,
		DegradedThreshold: 1000,
		CriticalThreshold: 10000,
		log:               slog.Default().With("component", "health"),
	}
}

// CheckHealth returns the current per-channel health report and refreshes the
// backlog gauges.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]ChannelHealth {
	report := make(map[string]ChannelHealth)

	counts, err := m.deliveries.StatusCounts(ctx)
	if err != nil {
		m.log.Error("Failed to read delivery counts", "error", err)
		return report
	}

	for ch, byStatus := range counts {
		h := ChannelHealth{
			Pending:       byStatus[domain.StatusPending],
			AwaitingRetry: byStatus[domain.StatusFailed],
			Bounced:       byStatus[domain.StatusBounced],
		}
		backlog := h.Pending + h.AwaitingRetry

		switch {
		case backlog >= m.CriticalThreshold:
			h.Status = StatusCritical
		case backlog >= m.DegradedThreshold:
			h.Status = StatusDegraded
		default:
			h.Status = StatusHealthy
		}
		report[string(ch)] = h

		for status, count := range byStatus {
			metrics.DeliveryBacklog.WithLabelValues(string(ch), string(status)).Set(float64(count))
		}
	}

	return report
}
