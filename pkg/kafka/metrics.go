package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Consumer outcomes recorded on kafka_consumer_messages_total.
const (
	outcomeProcessed    = "processed"
	outcomeMalformed    = "malformed"
	outcomeDeadLettered = "dead_lettered"
	outcomeDropped      = "dropped"
)

var (
	producerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_producer_messages_total",
			Help: "Kafka messages published, by topic and outcome (ok|error).",
		},
		[]string{"topic", "outcome"},
	)

	producerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_producer_publish_duration_seconds",
			Help:    "Latency of Kafka publish calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	consumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_messages_total",
			Help: "Kafka messages consumed, by topic, consumer group and outcome.",
		},
		[]string{"topic", "consumer_group", "outcome"},
	)

	duplicateEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_duplicate_events_total",
			Help: "Events skipped because their ID was already processed.",
		},
		[]string{"event_type"},
	)

	consumerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_consumer_processing_duration_seconds",
			Help:    "Time spent handling one Kafka message, retries included.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic", "consumer_group"},
	)
)
