package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "walletchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Signaling
	SignalingRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletchat_signaling_rooms",
			Help: "Open signaling rooms",
		},
	)

	SignalingPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletchat_signaling_peers",
			Help: "Peers connected to signaling rooms",
		},
	)

	SignalingMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletchat_signaling_messages_total",
			Help: "Signaling envelopes handled",
		},
		[]string{"type"},
	)

	// Relay
	RelayPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletchat_relay_peers",
			Help: "Peers connected to the relay",
		},
	)

	RelayQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "walletchat_relay_queued",
			Help: "Envelopes waiting for offline recipients",
		},
	)

	RelayEnvelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletchat_relay_envelopes_total",
			Help: "Relay envelopes by outcome",
		},
		[]string{"type", "outcome"}, // outcome: forwarded, queued, rejected, duplicate, dropped
	)

	// Delivery engine
	DeliveryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "walletchat_delivery_events_total",
			Help: "Delivery engine events",
		},
		[]string{"event"},
	)

	DeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walletchat_delivery_latency_seconds",
			Help:    "Time from send to delivered ack",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 120},
		},
	)

	OfflineStoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "walletchat_offline_store_latency_seconds",
			Help:    "Offline store put latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1},
		},
	)
)
