package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Outcome string

const (
	Success   Outcome = "success"
	Retried   Outcome = "retried"
	Failed    Outcome = "failed"
	Fatal     Outcome = "fatal"
	LostClaim Outcome = "lost_claim"
	Error     Outcome = "error"
)

func (o Outcome) String() string {
	return string(o)
}

var defaultHistogramBucketsSeconds = []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}

var (
	once sync.Once

	httpRequestDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of http request durations in seconds.",
			Buckets: defaultHistogramBucketsSeconds,
		},
		[]string{"endpoint", "status"},
	)

	outboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_processed_total",
			Help: "Number of outbox events handled by the relay, by type and outcome.",
		},
		[]string{"event_type", "outcome"},
	)

	outboxEventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_event_duration_seconds",
			Help:    "Histogram of outbox event handling durations in seconds.",
			Buckets: defaultHistogramBucketsSeconds,
		},
		[]string{"event_type"},
	)

	outboxRequeuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_requeued_total",
			Help: "Number of stale processing events returned to pending.",
		},
	)

	gatewayRequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_request_duration_seconds",
			Help:    "Histogram of payment gateway call durations in seconds.",
			Buckets: defaultHistogramBucketsSeconds,
		},
		[]string{"operation", "outcome"},
	)
)

// Init регистрирует метрики в стандартном реестре Prometheus.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequestDurationHistogram,
			outboxEventsTotal,
			outboxEventDuration,
			outboxRequeuedTotal,
			gatewayRequestLatency,
		)
	})
}

// Handler отдаёт метрики в формате Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartHttpRequestDurationTimer starts a timer to measure http request handling duration.
func StartHttpRequestDurationTimer(endpoint string) func(statusCode int) {
	startTime := time.Now()
	return func(statusCode int) {
		duration := time.Since(startTime).Seconds()
		httpRequestDurationHistogram.WithLabelValues(endpoint, fmt.Sprintf("%d", statusCode)).Observe(duration)
	}
}

// StartOutboxEventTimer замеряет обработку события и учитывает её исход.
func StartOutboxEventTimer(eventType string) func(outcome Outcome) {
	startTime := time.Now()
	return func(outcome Outcome) {
		outboxEventDuration.WithLabelValues(eventType).Observe(time.Since(startTime).Seconds())
		outboxEventsTotal.WithLabelValues(eventType, outcome.String()).Inc()
	}
}

func RecordOutboxOutcome(eventType string, outcome Outcome) {
	outboxEventsTotal.WithLabelValues(eventType, outcome.String()).Inc()
}

func RecordRequeued(n int64) {
	outboxRequeuedTotal.Add(float64(n))
}

// StartGatewayTimer замеряет вызов платёжного шлюза.
func StartGatewayTimer(operation string) func(err error) {
	startTime := time.Now()
	return func(err error) {
		outcome := Success
		if err != nil {
			outcome = Error
		}
		gatewayRequestLatency.WithLabelValues(operation, outcome.String()).Observe(time.Since(startTime).Seconds())
	}
}
