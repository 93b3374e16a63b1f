package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	framesReceived    *prometheus.CounterVec
	barsReceived      *prometheus.CounterVec
	requestsSent      *prometheus.CounterVec
	windowRetries     *prometheus.CounterVec
	windowLatency     prometheus.Histogram
	windowsInFlight   prometheus.Gauge
	runsTotal         *prometheus.CounterVec
	runDuration       prometheus.Histogram
	barsPersisted     *prometheus.CounterVec
	httpRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "barreplay_frames_received_total",
				Help: "Inbound websocket frames by decoded kind",
			},
			[]string{"kind"},
		),
		barsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "barreplay_bars_received_total",
				Help: "Bars decoded from replies",
			},
			[]string{"ticker"},
		),
		requestsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "barreplay_requests_sent_total",
				Help: "Range requests written to the socket",
			},
			[]string{"ticker"},
		),
		windowRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "barreplay_window_retries_total",
				Help: "Windows re-sent after their deadline expired",
			},
			[]string{"topic"},
		),
		windowLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "barreplay_window_latency_seconds",
				Help:    "Time from a window's last send to its reply",
				Buckets: prometheus.DefBuckets,
			},
		),
		windowsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "barreplay_windows_in_flight",
				Help: "Windows sent and not yet processed",
			},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "barreplay_runs_total",
				Help: "Backfill runs by result",
			},
			[]string{"result"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "barreplay_run_duration_seconds",
				Help:    "Wall time of backfill runs",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		barsPersisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "barreplay_bars_persisted_total",
				Help: "Bars written by sink",
			},
			[]string{"sink"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "barreplay_http_requests_total",
				Help: "Status server requests",
			},
			[]string{"method", "endpoint", "status"},
		),
	}

	reg.MustRegister(
		m.framesReceived,
		m.barsReceived,
		m.requestsSent,
		m.windowRetries,
		m.windowLatency,
		m.windowsInFlight,
		m.runsTotal,
		m.runDuration,
		m.barsPersisted,
		m.httpRequestsTotal,
	)

	return m
}

// MetricsMiddleware counts status server requests
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// PrometheusHandler returns the Prometheus metrics handler for the default gatherer
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics of a specific gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordFrame(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordBars(ticker string, n int) {
	if m == nil {
		return
	}
	m.barsReceived.WithLabelValues(ticker).Add(float64(n))
}

func (m *Metrics) RecordRequest(ticker string) {
	if m == nil {
		return
	}
	m.requestsSent.WithLabelValues(ticker).Inc()
}

func (m *Metrics) RecordRetry(topic string) {
	if m == nil {
		return
	}
	m.windowRetries.WithLabelValues(topic).Inc()
}

func (m *Metrics) ObserveWindowLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.windowLatency.Observe(d.Seconds())
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.windowsInFlight.Set(float64(n))
}

// RecordRun records a finished run, result is "success" or "failure"
func (m *Metrics) RecordRun(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(result).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordPersisted(sink string, n int) {
	if m == nil {
		return
	}
	m.barsPersisted.WithLabelValues(sink).Add(float64(n))
}
