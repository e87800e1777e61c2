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
			Name: "chatd_http_requests_total",
			Help: "Total number of HTTP requests processed by chatd.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatd_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatd_ws_active_connections",
			Help: "Number of active room websocket connections.",
		},
		[]string{"room"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"event"},
	)
	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_realtime_events_total",
			Help: "Change-feed notifications received, by channel kind and operation.",
		},
		[]string{"feed", "op"},
	)
	writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_remote_writes_total",
			Help: "Remote writes issued by the synchronization layer.",
		},
		[]string{"op", "result"},
	)
	typingBroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_typing_broadcasts_total",
			Help: "Typing broadcasts sent and received.",
		},
		[]string{"direction", "action"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatd_amqp_publish_errors_total",
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
		realtimeEventsTotal,
		writesTotal,
		typingBroadcastsTotal,
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

func IncWSActive(room string) {
	wsActiveConnections.WithLabelValues(room).Inc()
}

func DecWSActive(room string) {
	wsActiveConnections.WithLabelValues(room).Dec()
}

func IncWSEvent(event string) {
	wsEventsTotal.WithLabelValues(event).Inc()
}

func IncRealtimeEvent(feed, op string) {
	realtimeEventsTotal.WithLabelValues(feed, op).Inc()
}

// ObserveWrite counts a remote write by outcome.
func ObserveWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	writesTotal.WithLabelValues(op, result).Inc()
}

func IncTypingBroadcast(direction, action string) {
	typingBroadcastsTotal.WithLabelValues(direction, action).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
