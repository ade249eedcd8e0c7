package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	relayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	relayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	relayConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_ws_connections",
		Help: "Live WebSocket connections by role.",
	}, []string{"role"})

	relayFramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_forwarded_total",
		Help: "Frames routed between peers by frame type.",
	}, []string{"type"})

	relayRequestsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_requests_queued_total",
		Help: "Chat requests parked for offline agents.",
	})

	relayQueueDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_queue_dropped_total",
		Help: "Queued requests dropped before delivery by reason.",
	}, []string{"reason"})

	relayTakeovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_agent_takeovers_total",
		Help: "Agent connections displaced by a newer connection.",
	})

	relayAuditAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_audit_entries_total",
		Help: "Audit log entries appended.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request
// metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		relayRequestsTotal.WithLabelValues(method, path, status).Inc()
		relayRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RouterMetrics bridges router events into the Prometheus collectors. The
// zero value is ready to use.
type RouterMetrics struct{}

func (RouterMetrics) ConnectionOpened(role string) { relayConnections.WithLabelValues(role).Inc() }

func (RouterMetrics) ConnectionClosed(role string) { relayConnections.WithLabelValues(role).Dec() }

func (RouterMetrics) FrameForwarded(frameType string) {
	relayFramesForwarded.WithLabelValues(frameType).Inc()
}

func (RouterMetrics) RequestQueued() { relayRequestsQueued.Inc() }

func (RouterMetrics) QueueDropped(reason string) { relayQueueDropped.WithLabelValues(reason).Inc() }

func (RouterMetrics) AgentTakeover() { relayTakeovers.Inc() }

// RecordAuditAppend counts one audit log append.
func RecordAuditAppend() {
	relayAuditAppends.Inc()
}
