// Package metrics keeps in-process collection metrics and optionally exposes them,
// together with health and readiness probes, over HTTP.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultPath           = "/metrics"
	defaultUpdateInterval = 15 * time.Second
	healthCheckTimeout    = 5 * time.Second
	maxHistory            = 100
)

// Config configures a MetricsCollector.
type Config struct {
	// Addr is the listen address of the HTTP server. Empty disables the server.
	Addr string

	// Path serves the metrics document. Defaults to /metrics.
	Path string

	// UpdateInterval is the period of runtime metric sampling.
	UpdateInterval time.Duration
}

// MetricsCollector manages application metrics and health monitoring.
type MetricsCollector struct {
	config    Config
	logger    *slog.Logger
	startTime time.Time

	mu       sync.RWMutex
	metrics  map[string]*Metric
	checkers map[string]HealthChecker

	// Performance counters
	recordCount    int64
	errorCount     int64
	lastUpdateNano int64

	server   *http.Server
	listener net.Listener
	stopOnce sync.Once
	stopChan chan struct{}
}

// Metric is one named series with a fixed label set.
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Count       int64             `json:"count,omitempty"`
	Sum         float64           `json:"sum,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description"`
	UpdatedAt   time.Time         `json:"updated_at"`
	History     []DataPoint       `json:"history,omitempty"`
}

// MetricType represents different types of metrics
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// DataPoint is one sample of a metric's history.
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// HealthStatus is the result of one checker.
type HealthStatus struct {
	Status   string        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Snapshot is a copy of every metric at a point in time.
type Snapshot struct {
	Timestamp     time.Time     `json:"timestamp"`
	Uptime        time.Duration `json:"uptime"`
	Metrics       []Metric      `json:"metrics"`
	SystemMetrics SystemMetrics `json:"system_metrics"`
	RecordCount   int64         `json:"record_count"`
	ErrorCount    int64         `json:"error_count"`
}

// SystemMetrics represents runtime statistics.
type SystemMetrics struct {
	GoroutineCount int    `json:"goroutine_count"`
	NumGC          uint32 `json:"num_gc"`
	GCPauseNs      uint64 `json:"gc_pause_ns"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	HeapSys        uint64 `json:"heap_sys"`
	HeapInuse      uint64 `json:"heap_inuse"`
	StackInuse     uint64 `json:"stack_inuse"`
}

// NewMetricsCollector creates a collector. Nothing runs until Start.
func NewMetricsCollector(cfg Config, logger *slog.Logger) *MetricsCollector {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = defaultUpdateInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MetricsCollector{
		config:    cfg,
		logger:    logger.With("component", "metrics"),
		startTime: time.Now(),
		metrics:   make(map[string]*Metric),
		checkers:  make(map[string]HealthChecker),
		stopChan:  make(chan struct{}),
	}
}

// Start begins runtime sampling and, when an address is configured, serves HTTP.
func (mc *MetricsCollector) Start(ctx context.Context) error {
	mc.logger.Info("starting metrics collector",
		"addr", mc.config.Addr,
		"path", mc.config.Path,
		"update_interval", mc.config.UpdateInterval)

	if mc.config.Addr != "" {
		if err := mc.startHTTPServer(); err != nil {
			return fmt.Errorf("failed to start metrics HTTP server: %w", err)
		}
	}

	mc.collectSystemMetrics()
	go mc.collectLoop(ctx)
	return nil
}

// Stop ends sampling and shuts the HTTP server down. Calling it twice is harmless.
func (mc *MetricsCollector) Stop(ctx context.Context) error {
	var err error
	mc.stopOnce.Do(func() {
		mc.logger.Info("stopping metrics collector")
		close(mc.stopChan)

		if mc.server != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if serr := mc.server.Shutdown(shutdownCtx); serr != nil {
				mc.logger.Error("error shutting down metrics server", "error", serr)
				err = serr
			}
		}
	})
	return err
}

// Addr returns the bound listen address, or "" when the server is disabled.
func (mc *MetricsCollector) Addr() string {
	if mc.listener == nil {
		return ""
	}
	return mc.listener.Addr().String()
}

// RegisterHealthChecker adds a named dependency probed by /health.
func (mc *MetricsCollector) RegisterHealthChecker(name string, checker HealthChecker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.checkers[name] = checker
	mc.logger.Debug("registered health checker", "name", name)
}

// AddCounter increases a counter by delta.
func (mc *MetricsCollector) AddCounter(name string, delta float64, description string, labels map[string]string) {
	mc.recordMetric(name, MetricTypeCounter, delta, description, labels)
	atomic.AddInt64(&mc.recordCount, 1)
}

// RecordCounter increments a counter metric
func (mc *MetricsCollector) RecordCounter(name, description string, labels map[string]string) {
	mc.AddCounter(name, 1, description, labels)
}

// RecordGauge sets a gauge metric value
func (mc *MetricsCollector) RecordGauge(name string, value float64, description string, labels map[string]string) {
	mc.recordMetric(name, MetricTypeGauge, value, description, labels)
}

// RecordError records an error metric
func (mc *MetricsCollector) RecordError(name, description string, labels map[string]string) {
	mc.recordMetric(name, MetricTypeCounter, 1, description, labels)
	atomic.AddInt64(&mc.recordCount, 1)
	atomic.AddInt64(&mc.errorCount, 1)
}

// RecordDuration records a duration metric in milliseconds
func (mc *MetricsCollector) RecordDuration(name string, duration time.Duration, description string, labels map[string]string) {
	ms := float64(duration.Nanoseconds()) / float64(time.Millisecond)
	mc.recordMetric(name, MetricTypeHistogram, ms, description, labels)
}

// RetryHook returns a callback counting retries of op, suitable for
// resilience.WithRetryHook.
func (mc *MetricsCollector) RetryHook(op string) func(attempt int, delay time.Duration, err error) {
	return func(attempt int, delay time.Duration, err error) {
		mc.RecordCounter("retries_total", "Retried operations", map[string]string{"operation": op})
		mc.RecordDuration("retry_delay_ms", delay, "Backoff delay before a retry", map[string]string{"operation": op})
	}
}

// Get returns a copy of the series identified by name and labels.
func (mc *MetricsCollector) Get(name string, labels map[string]string) (Metric, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	m, ok := mc.metrics[metricKey(name, labels)]
	if !ok {
		return Metric{}, false
	}
	return m.clone(), true
}

func (mc *MetricsCollector) recordMetric(name string, metricType MetricType, value float64, description string, labels map[string]string) {
	key := metricKey(name, labels)
	now := time.Now()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	existing, ok := mc.metrics[key]
	if !ok {
		existing = &Metric{
			Name:        name,
			Type:        metricType,
			Labels:      copyLabels(labels),
			Description: description,
		}
		mc.metrics[key] = existing
	}

	switch metricType {
	case MetricTypeCounter:
		existing.Value += value
	case MetricTypeHistogram:
		existing.Value = value
		existing.Count++
		existing.Sum += value
	default:
		existing.Value = value
	}
	existing.UpdatedAt = now

	existing.History = append(existing.History, DataPoint{Timestamp: now, Value: existing.Value})
	if len(existing.History) > maxHistory {
		existing.History = existing.History[len(existing.History)-maxHistory:]
	}
}

// metricKey renders name{k=v,...} with sorted label keys.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func (m *Metric) clone() Metric {
	c := *m
	c.Labels = copyLabels(m.Labels)
	c.History = append([]DataPoint(nil), m.History...)
	return c
}

func (mc *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(mc.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.collectSystemMetrics()
		case <-mc.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (mc *MetricsCollector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.RecordGauge("system_goroutines", float64(runtime.NumGoroutine()), "Number of goroutines", nil)
	mc.RecordGauge("system_memory_heap_alloc", float64(m.HeapAlloc), "Heap allocation in bytes", nil)
	mc.RecordGauge("system_memory_heap_inuse", float64(m.HeapInuse), "Heap in-use memory in bytes", nil)
	mc.RecordGauge("system_gc_runs", float64(m.NumGC), "Total number of GC runs", nil)
	mc.RecordGauge("system_gc_pause_ns", float64(m.PauseTotalNs), "Total GC pause time in nanoseconds", nil)

	atomic.StoreInt64(&mc.lastUpdateNano, time.Now().UnixNano())
}

// GetSnapshot returns every metric ordered by name and labels.
func (mc *MetricsCollector) GetSnapshot() Snapshot {
	mc.mu.RLock()
	keys := make([]string, 0, len(mc.metrics))
	for k := range mc.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	metrics := make([]Metric, 0, len(keys))
	for _, k := range keys {
		metrics = append(metrics, mc.metrics[k].clone())
	}
	mc.mu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Snapshot{
		Timestamp: time.Now(),
		Uptime:    time.Since(mc.startTime),
		Metrics:   metrics,
		SystemMetrics: SystemMetrics{
			GoroutineCount: runtime.NumGoroutine(),
			NumGC:          m.NumGC,
			GCPauseNs:      m.PauseTotalNs,
			HeapAlloc:      m.HeapAlloc,
			HeapSys:        m.HeapSys,
			HeapInuse:      m.HeapInuse,
			StackInuse:     m.StackInuse,
		},
		RecordCount: atomic.LoadInt64(&mc.recordCount),
		ErrorCount:  atomic.LoadInt64(&mc.errorCount),
	}
}

// CheckHealth runs every registered checker.
func (mc *MetricsCollector) CheckHealth(ctx context.Context) (map[string]HealthStatus, bool) {
	mc.mu.RLock()
	checkers := make(map[string]HealthChecker, len(mc.checkers))
	for name, c := range mc.checkers {
		checkers[name] = c
	}
	mc.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	healthy := true
	results := make(map[string]HealthStatus, len(checkers))
	for name, checker := range checkers {
		start := time.Now()
		err := checker.HealthCheck(ctx)
		status := HealthStatus{Status: "healthy", Duration: time.Since(start)}
		if err != nil {
			healthy = false
			status.Status = "unhealthy"
			status.Error = err.Error()
		}
		results[name] = status
	}
	return results, healthy
}

// Handler serves the metrics, health and readiness endpoints.
func (mc *MetricsCollector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(mc.config.Path, mc.handleMetrics)
	mux.HandleFunc("/health", mc.handleHealth)
	mux.HandleFunc("/ready", mc.handleReadiness)
	mux.HandleFunc("/debug/metrics", mc.handleDebugMetrics)
	return mux
}

func (mc *MetricsCollector) startHTTPServer() error {
	ln, err := net.Listen("tcp", mc.config.Addr)
	if err != nil {
		return err
	}
	mc.listener = ln
	mc.server = &http.Server{
		Handler:           mc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		mc.logger.Info("metrics HTTP server starting", "addr", ln.Addr().String())
		if err := mc.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mc.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (mc *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := mc.GetSnapshot()

	type series struct {
		Name        string            `json:"name"`
		Type        MetricType        `json:"type"`
		Value       float64           `json:"value"`
		Count       int64             `json:"count,omitempty"`
		Sum         float64           `json:"sum,omitempty"`
		Labels      map[string]string `json:"labels,omitempty"`
		Description string            `json:"description"`
		UpdatedAt   time.Time         `json:"updated_at"`
	}
	out := make([]series, len(snapshot.Metrics))
	for i, m := range snapshot.Metrics {
		out[i] = series{
			Name:        m.Name,
			Type:        m.Type,
			Value:       m.Value,
			Count:       m.Count,
			Sum:         m.Sum,
			Labels:      m.Labels,
			Description: m.Description,
			UpdatedAt:   m.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": out})
}

func (mc *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks, healthy := mc.CheckHealth(r.Context())

	status := http.StatusOK
	body := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(mc.startTime).String(),
		"checks":    checks,
	}
	if !healthy {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
	}
	writeJSON(w, status, body)
}

func (mc *MetricsCollector) handleReadiness(w http.ResponseWriter, r *http.Request) {
	last := atomic.LoadInt64(&mc.lastUpdateNano)
	if last == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "metrics collection not started",
		})
		return
	}

	lastUpdate := time.Unix(0, last)
	if time.Since(lastUpdate) > 3*mc.config.UpdateInterval {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "metrics collection stalled",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"timestamp":   time.Now(),
		"last_update": lastUpdate,
	})
}

func (mc *MetricsCollector) handleDebugMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, mc.GetSnapshot())
}
