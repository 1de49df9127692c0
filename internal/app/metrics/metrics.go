package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realtime_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "realtime_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	deliveredMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime_layer",
			Subsystem: "delivery",
			Name:      "messages_total",
			Help:      "Total number of messages delivered to connections.",
		},
		[]string{"mode"},
	)

	deliveryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "realtime_layer",
			Subsystem: "delivery",
			Name:      "failures_total",
			Help:      "Total number of failed delivery attempts.",
		},
	)

	offlineQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime_layer",
			Subsystem: "offline",
			Name:      "queued_messages_total",
			Help:      "Total number of messages moved to offline queues.",
		},
		[]string{"reason"},
	)

	offlineDrained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "realtime_layer",
			Subsystem: "offline",
			Name:      "drained_messages_total",
			Help:      "Total number of messages drained from offline queues.",
		},
	)

	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime_layer",
			Subsystem: "fanout",
			Name:      "broadcasts_total",
			Help:      "Total number of envelopes published to broadcast channels.",
		},
		[]string{"kind"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime_layer",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of sync runs.",
		},
		[]string{"result"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "realtime_layer",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	syncChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realtime_layer",
			Subsystem: "sync",
			Name:      "changes_total",
			Help:      "Total number of change records that reached a final state in a run.",
		},
		[]string{"status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		deliveredMessages,
		deliveryFailures,
		offlineQueued,
		offlineDrained,
		broadcasts,
		syncRuns,
		syncDuration,
		syncChanges,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordDelivery counts messages delivered to a connection. Mode is "single"
// for an unwrapped message and "batch" for a wrapped batch.
func RecordDelivery(mode string, count int) {
	if count <= 0 {
		return
	}
	deliveredMessages.WithLabelValues(mode).Add(float64(count))
}

// RecordDeliveryFailure counts a failed delivery attempt.
func RecordDeliveryFailure() {
	deliveryFailures.Inc()
}

// RecordOfflineQueued counts messages moved to an offline queue.
func RecordOfflineQueued(reason string, count int) {
	if count <= 0 {
		return
	}
	offlineQueued.WithLabelValues(reason).Add(float64(count))
}

// RecordOfflineDrained counts messages drained from an offline queue.
func RecordOfflineDrained(count int) {
	if count <= 0 {
		return
	}
	offlineDrained.Add(float64(count))
}

// RecordBroadcast counts a published envelope by channel kind.
func RecordBroadcast(kind string) {
	broadcasts.WithLabelValues(kind).Inc()
}

// RecordSyncRun records the outcome and duration of one sync run.
func RecordSyncRun(result string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	syncRuns.WithLabelValues(result).Inc()
	syncDuration.Observe(duration.Seconds())
}

// RecordSyncChange counts records that reached status during a run.
func RecordSyncChange(status string, count int) {
	if count <= 0 {
		return
	}
	syncChanges.WithLabelValues(status).Add(float64(count))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack keeps websocket upgrades working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "realtime", "offline", "sync":
	default:
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	switch parts[1] {
	case "users":
		return "/" + parts[0] + "/users/:user"
	case "rooms":
		return "/" + parts[0] + "/rooms/:room"
	default:
		return "/" + parts[0] + "/" + parts[1]
	}
}
