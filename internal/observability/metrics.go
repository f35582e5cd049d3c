package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewchat_http_requests_total",
			Help: "Total number of HTTP requests processed by the gateway.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crewchat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crewchat_ws_active_connections",
			Help: "Number of active realtime connections.",
		},
		[]string{"transport"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewchat_ws_events_total",
			Help: "Total number of connection lifecycle events.",
		},
		[]string{"transport", "event"},
	)
	framesInboundTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crewchat_frames_inbound_total",
			Help: "Inbound channel frames by event name and outcome.",
		},
		[]string{"event", "outcome"},
	)
	onlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crewchat_online_users",
			Help: "Distinct users with at least one open connection.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crewchat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		framesInboundTotal,
		onlineUsers,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(transport string) {
	wsActiveConnections.WithLabelValues(transport).Inc()
}

func DecWSActive(transport string) {
	wsActiveConnections.WithLabelValues(transport).Dec()
}

func IncWSEvent(transport, event string) {
	wsEventsTotal.WithLabelValues(transport, event).Inc()
}

// IncFrame counts an inbound frame. outcome is "ok", "rejected" or "limited".
func IncFrame(event, outcome string) {
	framesInboundTotal.WithLabelValues(event, outcome).Inc()
}

func SetOnlineUsers(n int) {
	onlineUsers.Set(float64(n))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
