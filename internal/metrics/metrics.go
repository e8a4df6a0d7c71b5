// Chatrelay - Real-Time Chat Delivery and Presence Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatrelay

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the delivery core:
// - WebSocket connection lifecycle
// - Room membership and fan-out volume
// - Notification relay outcomes
// - HTTP relay endpoint latency and throughput

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Current number of connected WebSocket clients",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_rooms",
			Help: "Current number of rooms with at least one joined connection",
		},
	)

	// Fan-out metrics
	EventsFannedOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_events_fanned_out_total",
			Help: "Total event deliveries to individual recipients, by event type",
		},
		[]string{"event"},
	)

	DroppedDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_dropped_deliveries_total",
			Help: "Deliveries dropped because a recipient's send buffer was full or closed",
		},
		[]string{"event"},
	)

	MalformedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_malformed_events_total",
			Help: "Inbound events dropped due to failed shape validation",
		},
	)

	TypingAutoExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_typing_auto_expired_total",
			Help: "Typing indicators cleared by the server-side TTL sweeper",
		},
	)

	// Notification relay metrics
	NotificationsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_notifications_delivered_total",
			Help: "Personal-channel notification deliveries that succeeded",
		},
	)

	NotificationsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_notifications_failed_total",
			Help: "Personal-channel notification deliveries that failed",
		},
	)

	// Pub/sub relay metrics
	PubSubPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_pubsub_publishes_total",
			Help: "NATS publishes by outcome",
		},
		[]string{"outcome"},
	)

	// HTTP relay endpoint metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_api_active_requests",
			Help: "Current number of active API requests",
		},
	)
)

// RecordFanout counts deliveries of an event type to a number of recipients.
func RecordFanout(event string, recipients int) {
	if recipients > 0 {
		EventsFannedOut.WithLabelValues(event).Add(float64(recipients))
	}
}

// RecordDropped counts a delivery dropped for one recipient.
func RecordDropped(event string) {
	DroppedDeliveries.WithLabelValues(event).Inc()
}

// RecordPublish counts a pub/sub publish outcome ("ok" or "error").
func RecordPublish(outcome string) {
	PubSubPublishes.WithLabelValues(outcome).Inc()
}

// RecordAPIRequest records metrics for one completed API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the active request gauge.
func TrackActiveRequest(active bool) {
	if active {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
