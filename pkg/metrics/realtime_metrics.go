package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Realtime metrics for presence, event handling and delivery
var (
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of users with a live connection on this instance",
	})

	InboundEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_inbound_events_total",
		Help: "Total number of inbound websocket events by outcome",
	}, []string{"event", "outcome"}) // outcome: ok, error, unknown, rate_limited, invalid

	EventHandlingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_event_handling_duration_seconds",
		Help:    "Time taken to handle an inbound event",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"event"})

	OutboundPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_outbound_pushes_total",
		Help: "Total number of frames queued to clients",
	}, []string{"event"})

	ClientFramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_frames_dropped_total",
		Help: "Total number of frames dropped before reaching a client",
	}, []string{"reason"}) // reason: buffer_full, closed, encode

	ChatMessageCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_message_created_total",
		Help: "Total number of messages created",
	}, []string{"kind", "conversation_type"})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_calls_total",
		Help: "Total number of calls by final status",
	}, []string{"status"})

	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_calls_active",
		Help: "Current number of tracked calls on this instance",
	})

	RelayPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_redis_relay_publish_total",
		Help: "Total number of cross-instance push relays by status",
	}, []string{"status"})

	DomainEventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_domain_events_published_total",
		Help: "Total number of domain events written to the event stream",
	}, []string{"type", "status"})

	StoreFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_store_failures_total",
		Help: "Total number of document store failures surfaced by services",
	}, []string{"operation"})

	GroupConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_group_update_conflicts_total",
		Help: "Total number of group updates refused because roles changed after they were read",
	}, []string{"operation"})
)
