package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	outboxDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_messages_dispatched_total",
			Help: "Total outbox messages delivered and removed.",
		},
	)
	outboxDispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_failures_total",
			Help: "Total failed outbox dispatch attempts.",
		},
	)
	outboxDispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_dispatch_duration_seconds",
			Help:    "Duration of one outbox dispatch job run in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	outboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_records",
			Help: "Outbox records not held by an unexpired lease.",
		},
	)
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Authorization decisions by query and result.",
		},
		[]string{"query", "result"},
	)
	authzCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_cache_lookups_total",
			Help: "Authorization snapshot cache lookups by entry kind and outcome.",
		},
		[]string{"entry", "outcome"},
	)
	authzCacheEvictFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authz_cache_evict_failures_total",
			Help: "Cache evictions that failed after a grant or group mutation.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, kafkaConsumerLag, influxWriteFailures,
		outboxDispatched, outboxDispatchFailures, outboxDispatchLatency, outboxPending,
		authzDecisions, authzCacheLookups, authzCacheEvictFailures, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

func AddOutboxDispatched(n int) {
	outboxDispatched.Add(float64(n))
}

func IncOutboxDispatchFailure() {
	outboxDispatchFailures.Inc()
}

func ObserveOutboxDispatchLatency(d time.Duration) {
	outboxDispatchLatency.Observe(d.Seconds())
}

func SetOutboxPending(n int) {
	outboxPending.Set(float64(n))
}

func IncAuthzDecision(query string, allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	authzDecisions.WithLabelValues(query, result).Inc()
}

func IncAuthzCacheLookup(entry string, outcome string) {
	authzCacheLookups.WithLabelValues(entry, outcome).Inc()
}

func IncAuthzCacheEvictFailure() {
	authzCacheEvictFailures.Inc()
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
