package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	decisionsTotal *prometheus.CounterVec
	decisionTime   prometheus.Histogram
	cacheLookups   *prometheus.CounterVec
	rateLimited    prometheus.Counter
	auditDropped   prometheus.CounterFunc
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics(auditDropped func() float64) *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kincircle_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kincircle_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kincircle_authz_decisions_total",
		Help: "Jumlah keputusan otorisasi berdasarkan alasan.",
	}, []string{"reason"})
	decisionTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kincircle_authz_decision_duration_seconds",
		Help:    "Durasi evaluasi otorisasi end-to-end.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kincircle_authz_cache_lookups_total",
		Help: "Jumlah lookup cache keputusan per tier dan hasil.",
	}, []string{"tier", "outcome"})
	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kincircle_authz_rate_limited_total",
		Help: "Jumlah evaluasi yang ditolak oleh rate limiter.",
	})
	registry.MustRegister(requests, duration, decisions, decisionTime, cacheLookups, rateLimited)

	m := &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisionsTotal:  decisions,
		decisionTime:    decisionTime,
		cacheLookups:    cacheLookups,
		rateLimited:     rateLimited,
	}
	if auditDropped != nil {
		m.auditDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "kincircle_audit_dropped_total",
			Help: "Jumlah record audit yang hilang karena buffer penuh.",
		}, auditDropped)
		registry.MustRegister(m.auditDropped)
	}
	return m
}

// ObserveDecision mencatat hasil satu evaluasi otorisasi.
func (m *Metrics) ObserveDecision(reason string, latency time.Duration) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(reason).Inc()
	m.decisionTime.Observe(latency.Seconds())
}

// ObserveCacheLookup mencatat hasil lookup cache keputusan.
func (m *Metrics) ObserveCacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	if tier == "" {
		tier = "none"
	}
	m.cacheLookups.WithLabelValues(tier, outcome).Inc()
}

// RateLimited mencatat evaluasi yang ditolak oleh rate limiter.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
