package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/invoicedesk/invoicedesk/internal/jobs"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	pushTotal         *prometheus.CounterVec
	reprocessTotal    *prometheus.CounterVec
	sessionExpired    prometheus.Counter
	statusSyncPending prometheus.Counter
	jobs              *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik alur kerja.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invoicedesk_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invoicedesk_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	push := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invoicedesk_erp_push_total",
		Help: "Jumlah push faktur ke ERP berdasarkan hasil.",
	}, []string{"outcome"})
	reprocess := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invoicedesk_reprocess_total",
		Help: "Jumlah reprocess faktur berdasarkan hasil.",
	}, []string{"outcome"})
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invoicedesk_session_expired_total",
		Help: "Jumlah sesi pengguna yang berakhir karena ditolak backend.",
	})
	pending := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "invoicedesk_status_sync_pending_total",
		Help: "Jumlah push berhasil yang status lokalnya gagal disimpan.",
	})
	registry.MustRegister(requests, duration, push, reprocess, expired, pending)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		pushTotal:         push,
		reprocessTotal:    reprocess,
		sessionExpired:    expired,
		statusSyncPending: pending,
		jobs:              jobmetrics.NewMetrics(registry),
	}
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

// Jobs mengembalikan metrik job yang terdaftar pada registry yang sama.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// ObservePush mencatat hasil push ERP.
func (m *Metrics) ObservePush(outcome string) {
	if m == nil {
		return
	}
	m.pushTotal.WithLabelValues(outcome).Inc()
}

// ObserveReprocess mencatat hasil reprocess.
func (m *Metrics) ObserveReprocess(outcome string) {
	if m == nil {
		return
	}
	m.reprocessTotal.WithLabelValues(outcome).Inc()
}

// ObserveSessionExpired mencatat sesi yang kedaluwarsa.
func (m *Metrics) ObserveSessionExpired() {
	if m == nil {
		return
	}
	m.sessionExpired.Inc()
}

// ObserveStatusSyncPending mencatat divergensi status setelah push.
func (m *Metrics) ObserveStatusSyncPending() {
	if m == nil {
		return
	}
	m.statusSyncPending.Inc()
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
