package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// unmatchedRoute labels requests no route matched, keeping the path label
// bounded by the route table.
const unmatchedRoute = "unmatched"

var (
	httpReqs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// Event streams are observed separately; a reply stream lasts as long
	// as the model takes to answer.
	httpLat = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_http_request_duration_seconds",
		Help:    "Duration of non-streaming HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	httpStreamDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_http_stream_duration_seconds",
		Help:    "Duration of server-sent event responses.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900},
	}, []string{"route"})

	httpInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatsync_http_inflight",
		Help: "In-flight HTTP requests (kind=request) and open event subscriptions (kind=stream).",
	}, []string{"kind"})

	httpRespSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_http_response_size_bytes",
		Help:    "Size of non-streaming HTTP responses.",
		Buckets: prometheus.ExponentialBuckets(256, 4, 9), // 256B..16MiB
	}, []string{"method", "route"})
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpStreamDur, httpInflight, httpRespSize)
}

// Metrics instruments every request. The route label is the registered
// route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		inflight := httpInflight.WithLabelValues("request")
		inflight.Inc()
		defer inflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()

		if isEventStream(c) {
			httpStreamDur.WithLabelValues(route).Observe(time.Since(start).Seconds())
			return
		}
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}

// StreamGauge counts an open event subscription until the returned func
// runs.
func StreamGauge() func() {
	g := httpInflight.WithLabelValues("stream")
	g.Inc()
	return g.Dec
}
