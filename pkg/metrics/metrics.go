// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "phone_presence"

var (
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Webhook deliveries by event type and outcome.",
	}, []string{"event", "outcome"})

	WriteQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "write_queue_depth",
		Help:      "Items waiting in the durable write-behind queue.",
	})

	WriteBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "write_batches_total",
		Help:      "Durable write batches by outcome.",
	}, []string{"outcome"})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broadcast_subscribers",
		Help:      "Live broadcast subscriptions.",
	})

	BroadcastSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broadcast_sequence",
		Help:      "Last assigned broadcast sequence number.",
	})

	DroppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_dropped_total",
		Help:      "Subscribers removed after a failed send.",
	})

	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_calls",
		Help:      "Call records currently held in memory.",
	})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_requests_total",
		Help:      "Telephony API requests by operation and outcome.",
	}, []string{"op", "outcome"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_request_seconds",
		Help:      "Telephony API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	ForwardedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forwarded_messages_total",
		Help:      "Broadcast envelopes forwarded to MQTT by outcome.",
	}, []string{"outcome"})
)
