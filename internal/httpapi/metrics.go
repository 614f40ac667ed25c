package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sheetvault/internal/sv"
)

// StagingStats reports the uploads currently held for parsing.
type StagingStats interface {
	Count() int
	Size() int64
}

// Metrics holds the Prometheus collectors of one server. Each server gets its
// own registry so tests can build several.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	uploads  *prometheus.CounterVec
	deletes  *prometheus.CounterVec
}

// NewMetrics registers the HTTP and lifecycle collectors on registry.
// staging and gate may be nil.
func NewMetrics(registry *prometheus.Registry, staging StagingStats, gate *sv.Gate) *Metrics {
	factory := promauto.With(registry)
	m := &Metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetvault_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sheetvault_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetvault_uploads_total",
			Help: "Accepted uploads by whether a preview was parsed.",
		}, []string{"parsed"}),
		deletes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetvault_deletes_total",
			Help: "Deletes by kind and whether the blob delete failed.",
		}, []string{"kind", "partial"}),
	}
	if staging != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sheetvault_staging_uploads",
			Help: "Uploads currently staged for parsing.",
		}, func() float64 { return float64(staging.Count()) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sheetvault_staging_bytes",
			Help: "Bytes currently staged for parsing.",
		}, func() float64 { return float64(staging.Size()) })
	}
	if gate != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "sheetvault_object_store_ready",
			Help: "1 once the object store gate is ready.",
		}, func() float64 {
			if gate.State() == sv.GateReady {
				return 1
			}
			return 0
		})
	}
	return m
}

// Middleware counts requests by chi route pattern so ids never become labels.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := newStatusWriter(w)
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeUpload(record *sv.UploadRecord) {
	m.uploads.WithLabelValues(strconv.FormatBool(record.Parsed())).Inc()
}

func (m *Metrics) observeDelete(result *sv.DeleteResult) {
	kind := "soft"
	if result.Purged {
		kind = "purge"
	}
	m.deletes.WithLabelValues(kind, strconv.FormatBool(result.Warning != nil)).Inc()
}
