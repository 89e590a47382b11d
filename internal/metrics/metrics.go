package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasnotifier_http_requests_total",
			Help: "Total number of status server requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nasnotifier_http_request_duration_seconds",
			Help:    "Status server request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "endpoint"},
	)

	// Auth log metrics
	LoginEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasnotifier_login_events_total",
			Help: "Total number of classified authentication events",
		},
		[]string{"outcome"}, // outcome: success, failure
	)

	AuthLogLinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasnotifier_authlog_lines_total",
			Help: "Total number of complete auth log lines read",
		},
	)

	ParseFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasnotifier_parse_failures_total",
			Help: "Auth log lines that looked like authentication events but could not be parsed",
		},
	)

	AuthLogResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasnotifier_authlog_resets_total",
			Help: "Times the auth log shrank and was re-read from the start",
		},
	)

	// Pool metrics
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasnotifier_pool_polls_total",
			Help: "Total number of pool status queries",
		},
		[]string{"status"}, // status: success, failed
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nasnotifier_pool_poll_duration_seconds",
			Help:    "Time taken by the pool status query",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	PoolsTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nasnotifier_pools_tracked",
			Help: "Number of pools with a recorded health code",
		},
	)

	PoolTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasnotifier_pool_transitions_total",
			Help: "Pool health changes observed between polls",
		},
		[]string{"pool"},
	)

	KnownAddresses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nasnotifier_known_addresses",
			Help: "Number of (user, address) pairs recorded as known",
		},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasnotifier_notifications_total",
			Help: "Notifications produced by the formatter",
		},
		[]string{"kind"},
	)

	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasnotifier_notifications_dropped_total",
			Help: "Notifications dropped before or during delivery",
		},
		[]string{"reason"}, // reason: queue_full, delivery_failed
	)

	// Delivery queue metrics
	DeliveryQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nasnotifier_delivery_queue_size",
			Help: "Current size of the delivery queue",
		},
	)

	DeliveryQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nasnotifier_delivery_queue_capacity",
			Help: "Capacity of the delivery queue",
		},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasnotifier_deliveries_total",
			Help: "Delivery results per publisher",
		},
		[]string{"publisher", "status"}, // status: success, failed
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nasnotifier_delivery_duration_seconds",
			Help:    "Time taken to deliver one notification, retries included",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"publisher"},
	)

	// Telegram client metrics
	TelegramRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasnotifier_telegram_requests_total",
			Help: "Telegram API requests by result class",
		},
		[]string{"result"}, // result: ok, transient, permanent
	)

	TelegramRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasnotifier_telegram_retries_total",
			Help: "Total number of Telegram send retries",
		},
	)

	// Kafka mirror metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasnotifier_kafka_publish_total",
			Help: "Total number of notifications mirrored to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasnotifier_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nasnotifier_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nasnotifier_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
