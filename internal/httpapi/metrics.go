package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"llamad/internal/supervisor"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llamad",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "llamad",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "llamad",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
	)

	supervisorStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "llamad",
			Subsystem: "supervisor",
			Name:      "status",
			Help:      "1 for the current supervisor status, 0 for the others",
		},
		[]string{"status"},
	)

	supervisorTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "llamad",
			Subsystem: "supervisor",
			Name:      "transitions_total",
			Help:      "Status transitions by destination status",
		},
		[]string{"status"},
	)

	supervisorRetries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "llamad",
			Subsystem: "supervisor",
			Name:      "retries",
			Help:      "Restart attempts since the server was last ready",
		},
	)

	supervisorModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "llamad",
			Subsystem: "supervisor",
			Name:      "models",
			Help:      "Models reported by the running server",
		},
	)

	// readySince holds the StartedAt of the observed supervisor, or nil.
	readySince atomic.Pointer[time.Time]

	supervisorUptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "llamad",
			Subsystem: "supervisor",
			Name:      "uptime_seconds",
			Help:      "Seconds since the server became ready, 0 when not running",
		},
		func() float64 {
			if t := readySince.Load(); t != nil {
				return time.Since(*t).Seconds()
			}
			return 0
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal, httpRequestDuration, httpInflight,
		supervisorStatus, supervisorTransitions, supervisorRetries, supervisorModels, supervisorUptime,
	)
}

// MetricsMiddleware instruments requests for Prometheus
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInflight.Inc()
		defer httpInflight.Dec()

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		// the route pattern is only known once chi has routed the request
		path := routePatternOrPath(r)
		statusLabel := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, statusLabel).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, statusLabel).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// StateSource is the part of the supervisor the metrics observer needs.
type StateSource interface {
	State() supervisor.State
	OnStateChange(fn func(supervisor.State)) (unsubscribe func())
}

// ObserveSupervisor keeps the supervisor gauges in sync with src until the
// returned func is called.
func ObserveSupervisor(src StateSource) (stop func()) {
	var (
		mu   sync.Mutex
		last supervisor.Status
	)
	record := func(st supervisor.State) {
		mu.Lock()
		defer mu.Unlock()
		if st.Status != last {
			for _, s := range supervisor.AllStatuses {
				v := 0.0
				if s == st.Status {
					v = 1
				}
				supervisorStatus.WithLabelValues(string(s)).Set(v)
			}
			if last != "" {
				supervisorTransitions.WithLabelValues(string(st.Status)).Inc()
			}
			last = st.Status
		}
		supervisorRetries.Set(float64(st.Retries))
		supervisorModels.Set(float64(len(st.Models)))
		readySince.Store(st.StartedAt)
	}
	unsubscribe := src.OnStateChange(record)
	record(src.State())
	return unsubscribe
}
