package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchesTotal tracks dispatch outcomes per category.
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatches_total",
			Help: "Total number of dispatch requests",
		},
		[]string{"category", "outcome"}, // outcome: dispatched, deferred, suppressed, no_channels
	)

	// AttemptsTotal tracks per-channel transport attempts by outcome.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_attempts_total",
			Help: "Total number of transport attempts",
		},
		[]string{"channel", "outcome"}, // outcome: sent, failed, bounced
	)

	// RetriesTotal tracks retry sweep claims per channel.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_retries_total",
			Help: "Total number of delivery retries claimed",
		},
		[]string{"channel"},
	)

	// RetriesExhaustedTotal tracks rows whose retry budget ran out.
	RetriesExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_retries_exhausted_total",
			Help: "Total number of deliveries that exhausted their retry budget",
		},
		[]string{"channel"},
	)

	// DigestsEmittedTotal tracks consolidated digest sends per channel and tier.
	DigestsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_digests_emitted_total",
			Help: "Total number of digest deliveries emitted",
		},
		[]string{"channel", "tier"},
	)

	// DigestNotificationsTotal tracks notifications bundled into digests.
	DigestNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_digest_notifications_total",
			Help: "Total number of notifications bundled into digests",
		},
		[]string{"channel", "tier"},
	)

	// NotificationsExpiredTotal tracks soft-deleted notifications.
	NotificationsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_notifications_expired_total",
			Help: "Total number of notifications expired by the retention sweep",
		},
	)

	// DeliveriesPrunedTotal tracks hard-deleted delivery history rows.
	DeliveriesPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_deliveries_pruned_total",
			Help: "Total number of terminal delivery rows pruned",
		},
	)

	// DeliveryBacklog tracks current delivery rows per channel and status.
	DeliveryBacklog = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_delivery_backlog",
			Help: "Current number of delivery rows per channel and status",
		},
		[]string{"channel", "status"},
	)

	// TransportLatency tracks transport call latency per channel.
	TransportLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_transport_latency_seconds",
			Help:    "Transport call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	// DBConnectionPoolUsage tracks database pool saturation.
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
