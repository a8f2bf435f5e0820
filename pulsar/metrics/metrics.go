// Package metrics exposes the Stats external collaborator named in the
// consumer design (spec §2.8, §6): counters updated on receive, ack, and
// failure paths. Modeled on the teacher's internal.TopicMetrics
// (AcksCounter, NacksCounter, MessagesReceived, ...), backed by
// Prometheus so the numbers can be scraped the way the rest of the
// pack's consumers do (kafka consumers, batchers, syncers all reach for
// prometheus/client_golang for this concern).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// TopicMetrics holds the counters and histograms for a single consumer.
// All fields are safe for concurrent use (Prometheus collectors are).
type TopicMetrics struct {
	MessagesReceived   prometheus.Counter
	BytesReceived      prometheus.Counter
	PrefetchedMessages prometheus.Gauge
	PrefetchedBytes    prometheus.Gauge
	AcksCounter        prometheus.Counter
	AckFailureCounter  prometheus.Counter
	NacksCounter       prometheus.Counter
	ReceiveFailure     prometheus.Counter
	DlqCounter         prometheus.Counter
	FlowCounter        prometheus.Counter
	ProcessingTime     prometheus.Histogram
}

// NewTopicMetrics builds a TopicMetrics with labels identifying the
// topic/subscription/consumer triple, and registers it with reg. reg may
// be nil, in which case the metrics are created but left unregistered
// (useful for tests that want counters without a global registry).
func NewTopicMetrics(reg prometheus.Registerer, topic, subscription, consumerName string) *TopicMetrics {
	labels := prometheus.Labels{
		"topic":        topic,
		"subscription": subscription,
		"consumer":     consumerName,
	}

	m := &TopicMetrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pulsar_consumer_messages_received_total",
			Help:        "Number of logical messages received (post batch-split).",
			ConstLabels: labels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pulsar_consumer_bytes_received_total",
			Help:        "Bytes of message payload received.",
			ConstLabels: labels,
		}),
		PrefetchedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pulsar_consumer_prefetched_messages",
			Help:        "Messages currently sitting in the incoming queue.",
			ConstLabels: labels,
		}),
		PrefetchedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "pulsar_consumer_prefetched_bytes",
			Help:        "Bytes currently sitting in the incoming queue.",
			ConstLabels: labels,
		}),
		AcksCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pulsar_consumer_acks_total",
			Help:        "Broker-visible acks sent.",
			ConstLabels: labels,
		}),
		AckFailureCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pulsar_consumer_ack_failures_total",
			Help:        "Ack calls that failed (not ready / not connected / flush error).",
			ConstLabels: labels,
		}),
		NacksCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pulsar_consumer_nacks_total",
			Help:        "Negative acks issued by the application.",
			ConstLabels: labels,
		}),
		ReceiveFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pulsar_consumer_receive_failures_total",
			Help:        "Frames discarded by the receive path (checksum, decompression, size).",
			ConstLabels: labels,
		}),
		DlqCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pulsar_consumer_dlq_total",
			Help:        "Messages routed to the dead-letter sink.",
			ConstLabels: labels,
		}),
		FlowCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pulsar_consumer_flow_commands_total",
			Help:        "Flow commands emitted to the broker.",
			ConstLabels: labels,
		}),
		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "pulsar_consumer_processing_seconds",
			Help:        "Time between message receipt and application ack.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.MessagesReceived, m.BytesReceived, m.PrefetchedMessages, m.PrefetchedBytes,
			m.AcksCounter, m.AckFailureCounter, m.NacksCounter, m.ReceiveFailure,
			m.DlqCounter, m.FlowCounter, m.ProcessingTime,
		} {
			_ = reg.Register(c)
		}
	}

	return m
}
