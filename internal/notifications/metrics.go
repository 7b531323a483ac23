package notifications

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the alert delivery collectors. They are registered once per
// process no matter how many services are built.
type Metrics struct {
	deliveredTotal   *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			deliveredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tokens_notifications_delivered_total",
					Help: "Alert deliveries by channel, event type and outcome",
				},
				[]string{"channel", "event_type", "status"},
			),
			deliveryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tokens_notification_delivery_duration_seconds",
					Help:    "Alert delivery latency in seconds",
					Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
				},
				[]string{"channel"},
			),
			retriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tokens_notification_retries_total",
					Help: "Alert retry attempts by channel and attempt number",
				},
				[]string{"channel", "attempt"},
			),
			droppedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tokens_notifications_dropped_total",
					Help: "Alerts abandoned after exhausting retries or a full queue",
				},
				[]string{"channel", "reason"},
			),
			queueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "tokens_notification_retry_queue_depth",
					Help: "Current depth of the alert retry queue",
				},
			),
		}
	})
	return metricsInstance
}

func (m *Metrics) RecordDelivery(channel, eventType, status string, duration time.Duration) {
	m.deliveredTotal.WithLabelValues(channel, eventType, status).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(channel string, attempt int) {
	m.retriesTotal.WithLabelValues(channel, strconv.Itoa(attempt)).Inc()
}

func (m *Metrics) RecordDropped(channel, reason string) {
	m.droppedTotal.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
