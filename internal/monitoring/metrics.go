package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tapminer/internal/mining"
)

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	taps        prometheus.Counter
	coins       prometheus.Counter
	criticals   prometheus.Counter
	tapErrors   *prometheus.CounterVec
	tapDuration prometheus.Histogram
	comboCount  prometheus.Histogram

	wsConnections   prometheus.Gauge
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var _ mining.Recorder = (*Metrics)(nil)

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		taps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapminer_taps_total",
			Help: "Taps accepted by the engine",
		}),
		coins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapminer_coins_mined_total",
			Help: "Coins credited by taps",
		}),
		criticals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapminer_critical_requests_total",
			Help: "Tap requests with at least one critical hit",
		}),
		tapErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tapminer_tap_errors_total",
			Help: "Rejected tap requests by reason",
		}, []string{"reason"}),
		tapDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tapminer_tap_duration_seconds",
			Help:    "Time spent processing a tap request",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		comboCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tapminer_combo_count",
			Help:    "Combo count reached by successful tap requests",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tapminer_ws_connections",
			Help: "Open WebSocket tap streams",
		}),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tapminer_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tapminer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.taps, m.coins, m.criticals, m.tapErrors, m.tapDuration, m.comboCount,
		m.wsConnections, m.requestCount, m.requestDuration,
	)
	return m
}

func (m *Metrics) TapSucceeded(taps int64, res mining.TapResult, elapsed time.Duration) {
	m.taps.Add(float64(taps))
	m.coins.Add(float64(res.CoinsEarned))
	if res.IsCritical {
		m.criticals.Inc()
	}
	m.comboCount.Observe(float64(res.ComboCount))
	m.tapDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) TapFailed(reason string) {
	m.tapErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) WSConnected()    { m.wsConnections.Inc() }
func (m *Metrics) WSDisconnected() { m.wsConnections.Dec() }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request metrics labelled by the chi route pattern,
// which keeps path parameters out of the label set.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestCount.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
