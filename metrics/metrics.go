package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tasknotify"

var (
	// BrokerMessages counts broker traffic. kind is one of send, emit,
	// request, reply, event; result is ok, error, timeout, dropped, dead.
	BrokerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "messages_total",
		Help:      "Broker messages by topic, kind and result.",
	}, []string{"topic", "kind", "result"})

	SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "broker",
		Name:      "send_duration_seconds",
		Help:      "Round trip time of request/response calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"topic"})

	NotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "notifications_created_total",
		Help:      "Notifications persisted by type.",
	}, []string{"type"})

	FanoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "fanout_failures_total",
		Help:      "Recipients whose notification could not be stored or announced.",
	})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "events_processed_total",
		Help:      "Domain events handled by the engine.",
	}, []string{"topic", "result"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Authenticated WebSocket connections.",
	})

	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "pushes_total",
		Help:      "Notification pushes by result (delivered, offline, dropped).",
	}, []string{"result"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "rate_limited_total",
		Help:      "REST requests rejected by the rate limiter.",
	})
)
