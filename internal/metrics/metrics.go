// Package metrics exposes Prometheus collectors for registration, check-in, queue and HTTP activity.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iconic-events/backend/internal/apperr"
)

var (
	registrationOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_operations_total",
			Help: "Registration operations by outcome code",
		},
		[]string{"operation", "outcome"},
	)

	checkinOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkin_operations_total",
			Help: "Check-in operations by outcome code",
		},
		[]string{"operation", "outcome"},
	)

	queueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registration_queue_jobs_total",
			Help: "Queued join jobs by terminal status",
		},
		[]string{"status"},
	)

	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registration_queue_length",
			Help: "Current length of the join queue and its dead-letter list",
		},
		[]string{"queue"},
	)

	rateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"scope"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Outcome maps an operation result to a label value.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.CodeOf(err)
}

// ObserveRegistration counts a registration operation (join, cancel, purge).
func ObserveRegistration(op string, err error) {
	registrationOps.WithLabelValues(op, Outcome(err)).Inc()
}

// ObserveCheckin counts a check-in operation (generate, scan, manual, delete).
func ObserveCheckin(op string, err error) {
	checkinOps.WithLabelValues(op, Outcome(err)).Inc()
}

// ObserveJob counts a processed queue job.
func ObserveJob(status string) {
	queueJobs.WithLabelValues(status).Inc()
}

// ObserveRateLimited counts a rejected request.
func ObserveRateLimited(scope string) {
	rateLimited.WithLabelValues(scope).Inc()
}

// ObserveHTTP records one request.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	httpDuration.WithLabelValues(method, route, statusClass(status)).Observe(d.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Monitor samples Redis queue lengths into gauges.
type Monitor struct {
	redis    redis.Cmdable
	queues   []string
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor creates a monitor over the given list keys.
func NewMonitor(client redis.Cmdable, interval time.Duration, logger *zap.Logger, queues ...string) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{redis: client, queues: queues, interval: interval, logger: logger}
}

// Run collects until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Collect samples every queue once.
func (m *Monitor) Collect(ctx context.Context) {
	for _, q := range m.queues {
		n, err := m.redis.LLen(ctx, q).Result()
		if err != nil {
			m.logger.Warn("queue length sample failed", zap.String("queue", q), zap.Error(err))
			continue
		}
		queueLength.WithLabelValues(q).Set(float64(n))
	}
}
