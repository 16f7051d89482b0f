// Package metrics exposes Prometheus collectors for the HTTP surface and the prediction pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prediction outcomes used as the "outcome" label.
const (
	OutcomeSuccess        = "success"
	OutcomeRejected       = "rejected"
	OutcomeDecodeError    = "decode_error"
	OutcomeInferenceError = "inference_error"
	OutcomeTimeout        = "timeout"
)

type Metrics struct {
	gatherer          prometheus.Gatherer
	requestCount      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	predictions       *prometheus.CounterVec
	inferenceDuration prometheus.Histogram
	greenRatio        prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leafcheck_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"path", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leafcheck_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leafcheck_predictions_total",
			Help: "Prediction requests by outcome",
		}, []string{"outcome"}),
		inferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "leafcheck_inference_duration_seconds",
			Help:    "Duration of classifier calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		greenRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "leafcheck_leaf_green_ratio",
			Help:    "Share of green-dominant pixels seen by the leaf gate",
			Buckets: prometheus.LinearBuckets(0, 0.05, 21),
		}),
	}
	reg.MustRegister(m.requestCount, m.requestDuration, m.predictions, m.inferenceDuration, m.greenRatio)
	return m
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and durations per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.requestCount.WithLabelValues(path, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ObservePrediction(outcome string) {
	m.predictions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveInference(d time.Duration) {
	m.inferenceDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveGreenRatio(ratio float64) {
	m.greenRatio.Observe(ratio)
}
