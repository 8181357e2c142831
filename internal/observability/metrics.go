package observability

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsConfig holds configuration for the metrics subsystem.
type MetricsConfig struct {
	Enabled bool
	// Namespace prefixes every metric name.
	Namespace string
	Version   string
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "ssogate",
		Version:   "dev",
	}
}

// MetricsConfigFromEnv reads SSOGATE_METRICS_ENABLED and APP_VERSION.
func MetricsConfigFromEnv() MetricsConfig {
	cfg := DefaultMetricsConfig()
	if v := os.Getenv("SSOGATE_METRICS_ENABLED"); v != "" {
		cfg.Enabled = strings.ToLower(v) == "true" || v == "1"
	}
	if v := os.Getenv("APP_VERSION"); v != "" {
		cfg.Version = v
	}
	return cfg
}

// Metrics collects HTTP, gate and authentication metrics and renders them
// in the Prometheus text format. A nil *Metrics is valid and records
// nothing. Safe for concurrent use.
type Metrics struct {
	namespace string
	version   string

	mu sync.RWMutex
	// key = "method:path:status"
	httpRequestCounts map[string]*atomic.Int64

	httpDurationMu sync.RWMutex
	// key = "method:path"
	httpDurations map[string]*durationCollector

	labelMu      sync.RWMutex
	authOutcomes map[string]*atomic.Int64
	gateDecision map[string]*atomic.Int64

	rateLimitAllowed  atomic.Int64
	rateLimitRejected atomic.Int64
	activeConnections atomic.Int64
	sessionsExpired   atomic.Int64
}

// durationCollector keeps a sliding window of samples for quantiles.
type durationCollector struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
}

func newDurationCollector(maxSize int) *durationCollector {
	return &durationCollector{
		samples: make([]float64, 0, maxSize),
		maxSize: maxSize,
	}
}

func (d *durationCollector) add(duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.samples) >= d.maxSize {
		copy(d.samples, d.samples[1:])
		d.samples = d.samples[:len(d.samples)-1]
	}
	d.samples = append(d.samples, duration.Seconds())
}

func (d *durationCollector) snapshot() (sorted []float64, sum float64) {
	d.mu.Lock()
	sorted = make([]float64, len(d.samples))
	copy(sorted, d.samples)
	d.mu.Unlock()

	sort.Float64s(sorted)
	for _, s := range sorted {
		sum += s
	}
	return sorted, sum
}

// quantile interpolates linearly between the nearest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := q * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// NewMetrics creates a collector. It returns nil when cfg.Enabled is false.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "ssogate"
	}
	return &Metrics{
		namespace:         cfg.Namespace,
		version:           cfg.Version,
		httpRequestCounts: make(map[string]*atomic.Int64),
		httpDurations:     make(map[string]*durationCollector),
		authOutcomes:      make(map[string]*atomic.Int64),
		gateDecision:      make(map[string]*atomic.Int64),
	}
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	normalizedPath := normalizePath(path)

	countKey := fmt.Sprintf("%s:%s:%d", method, normalizedPath, statusCode)
	m.mu.Lock()
	counter, ok := m.httpRequestCounts[countKey]
	if !ok {
		counter = &atomic.Int64{}
		m.httpRequestCounts[countKey] = counter
	}
	m.mu.Unlock()
	counter.Add(1)

	durationKey := method + ":" + normalizedPath
	m.httpDurationMu.Lock()
	collector, ok := m.httpDurations[durationKey]
	if !ok {
		collector = newDurationCollector(1000)
		m.httpDurations[durationKey] = collector
	}
	m.httpDurationMu.Unlock()
	collector.add(duration)
}

// RecordAuthOutcome counts one orchestrator result (redirected, resolved,
// rejected, exchange_failed, ...).
func (m *Metrics) RecordAuthOutcome(outcome string) {
	if m == nil {
		return
	}
	m.incLabel(m.authOutcomes, outcome)
}

// RecordGateDecision counts how the gate handled a request (bypass,
// authenticated, login, anonymous, redirect).
func (m *Metrics) RecordGateDecision(decision string) {
	if m == nil {
		return
	}
	m.incLabel(m.gateDecision, decision)
}

// RecordSessionsExpired adds n to the expired-session counter.
func (m *Metrics) RecordSessionsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsExpired.Add(int64(n))
}

func (m *Metrics) incLabel(set map[string]*atomic.Int64, label string) {
	m.labelMu.Lock()
	c, ok := set[label]
	if !ok {
		c = &atomic.Int64{}
		set[label] = c
	}
	m.labelMu.Unlock()
	c.Add(1)
}

// RecordRateLimitAllowed increments the count of allowed requests.
func (m *Metrics) RecordRateLimitAllowed() {
	if m != nil {
		m.rateLimitAllowed.Add(1)
	}
}

// RecordRateLimitRejected increments the count of rejected requests.
func (m *Metrics) RecordRateLimitRejected() {
	if m != nil {
		m.rateLimitRejected.Add(1)
	}
}

// normalizePath replaces numeric and UUID path segments with {id}.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = "{id}"
		}
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// Handler serves the metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if m == nil {
			http.Error(w, "metrics disabled", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.WritePrometheus(w)
	})
}

// WritePrometheus renders every metric to w.
func (m *Metrics) WritePrometheus(w io.Writer) {
	ns := m.namespace

	fmt.Fprintf(w, "# HELP %s_info Application information\n", ns)
	fmt.Fprintf(w, "# TYPE %s_info gauge\n", ns)
	fmt.Fprintf(w, "%s_info{version=%q} 1\n\n", ns, m.version)

	fmt.Fprintf(w, "# HELP %s_http_requests_total Total number of HTTP requests\n", ns)
	fmt.Fprintf(w, "# TYPE %s_http_requests_total counter\n", ns)
	m.mu.RLock()
	for _, key := range sortedKeys(m.httpRequestCounts) {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) == 3 {
			fmt.Fprintf(w, "%s_http_requests_total{method=%q,path=%q,status=%q} %d\n",
				ns, parts[0], parts[1], parts[2], m.httpRequestCounts[key].Load())
		}
	}
	m.mu.RUnlock()
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_http_request_duration_seconds HTTP request duration in seconds\n", ns)
	fmt.Fprintf(w, "# TYPE %s_http_request_duration_seconds summary\n", ns)
	m.httpDurationMu.RLock()
	durationKeys := make([]string, 0, len(m.httpDurations))
	for k := range m.httpDurations {
		durationKeys = append(durationKeys, k)
	}
	sort.Strings(durationKeys)
	for _, key := range durationKeys {
		parts := strings.SplitN(key, ":", 2)
		if len(parts) != 2 {
			continue
		}
		method, path := parts[0], parts[1]
		sorted, sum := m.httpDurations[key].snapshot()
		for _, q := range []float64{0.5, 0.9, 0.99} {
			fmt.Fprintf(w, "%s_http_request_duration_seconds{method=%q,path=%q,quantile=\"%.2f\"} %.6f\n",
				ns, method, path, q, quantile(sorted, q))
		}
		fmt.Fprintf(w, "%s_http_request_duration_seconds_sum{method=%q,path=%q} %.6f\n", ns, method, path, sum)
		fmt.Fprintf(w, "%s_http_request_duration_seconds_count{method=%q,path=%q} %d\n", ns, method, path, len(sorted))
	}
	m.httpDurationMu.RUnlock()
	fmt.Fprintln(w)

	m.labelMu.RLock()
	fmt.Fprintf(w, "# HELP %s_auth_outcomes_total Authentication orchestrator results\n", ns)
	fmt.Fprintf(w, "# TYPE %s_auth_outcomes_total counter\n", ns)
	for _, k := range sortedKeys(m.authOutcomes) {
		fmt.Fprintf(w, "%s_auth_outcomes_total{outcome=%q} %d\n", ns, k, m.authOutcomes[k].Load())
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "# HELP %s_gate_decisions_total Session gate decisions\n", ns)
	fmt.Fprintf(w, "# TYPE %s_gate_decisions_total counter\n", ns)
	for _, k := range sortedKeys(m.gateDecision) {
		fmt.Fprintf(w, "%s_gate_decisions_total{decision=%q} %d\n", ns, k, m.gateDecision[k].Load())
	}
	m.labelMu.RUnlock()
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP %s_sessions_expired_total Sessions removed by cleanup\n", ns)
	fmt.Fprintf(w, "# TYPE %s_sessions_expired_total counter\n", ns)
	fmt.Fprintf(w, "%s_sessions_expired_total %d\n\n", ns, m.sessionsExpired.Load())

	fmt.Fprintf(w, "# HELP %s_rate_limit_requests_total Total rate limit decisions\n", ns)
	fmt.Fprintf(w, "# TYPE %s_rate_limit_requests_total counter\n", ns)
	fmt.Fprintf(w, "%s_rate_limit_requests_total{status=\"allowed\"} %d\n", ns, m.rateLimitAllowed.Load())
	fmt.Fprintf(w, "%s_rate_limit_requests_total{status=\"rejected\"} %d\n\n", ns, m.rateLimitRejected.Load())

	fmt.Fprintf(w, "# HELP %s_active_connections Current number of in-flight HTTP requests\n", ns)
	fmt.Fprintf(w, "# TYPE %s_active_connections gauge\n", ns)
	fmt.Fprintf(w, "%s_active_connections %d\n", ns, m.activeConnections.Load())
}

func sortedKeys(set map[string]*atomic.Int64) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MetricsMiddleware records request counts, durations and in-flight
// requests. The /metrics endpoint itself is not recorded.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			m.activeConnections.Add(1)
			defer m.activeConnections.Add(-1)

			start := time.Now()
			wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			m.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
