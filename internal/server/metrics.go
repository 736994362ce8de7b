package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	anpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anp_requests_total",
		Help: "Total HTTP requests by method, route, and response status.",
	}, []string{"method", "path", "status"})

	anpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anp_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	anpAgentDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anp_agent_dispatch_total",
		Help: "Agent dispatches by request type and outcome.",
	}, []string{"type", "outcome"})

	anpForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anp_forwards_total",
		Help: "Upstream forwards by outcome.",
	}, []string{"outcome"})
)

// PrometheusMiddleware records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		anpRequestsTotal.WithLabelValues(method, path, status).Inc()
		anpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// RegisterMetrics mounts the Prometheus scrape endpoint.
func RegisterMetrics(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
