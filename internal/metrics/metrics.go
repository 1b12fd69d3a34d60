// Package metrics collects per-model latency/throughput/error-rate
// windows for the JSON /metrics contract, and mirrors the same counters
// into a prometheus/client_golang registry for /metrics/prom. Grounded
// on original_source/realtime_serve/middleware.py::MetricsCollector for
// the window/percentile shape (with the throughput formula corrected —
// the original divides tokens by elapsed-seconds-divided-by-1000, which
// inflates throughput a thousandfold; this divides by elapsed seconds),
// and on the teacher's pkg/worker/metrics.go for which gauges/counters a
// worker-style service exposes, now backed by a real library instead of
// hand-rolled fmt.Fprintf text.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencyStats is the percentile summary for one model's recent window.
type LatencyStats struct {
	P50  float64
	P95  float64
	P99  float64
	Min  float64
	Max  float64
	Mean float64
}

// ModelMetrics is the full /metrics payload for one model.
type ModelMetrics struct {
	Model                  string
	RequestCount           int64
	ErrorCount             int64
	ErrorRate              float64
	TotalTokens            int64
	Latency                LatencyStats
	ThroughputTokensPerSec float64
}

type modelWindow struct {
	mu           sync.Mutex
	latenciesMs  []float64
	requestCount int64
	errorCount   int64
	tokenCount   int64
}

// Collector aggregates request outcomes into rolling per-model windows
// and exposes them both as JSON-ready snapshots and as Prometheus
// metrics.
type Collector struct {
	windowSize int
	start      time.Time
	now        func() time.Time

	mu      sync.RWMutex
	windows map[string]*modelWindow

	promRequests  *prometheus.CounterVec
	promErrors    *prometheus.CounterVec
	promTokens    *prometheus.CounterVec
	promLatency   *prometheus.HistogramVec
	promRegistry  *prometheus.Registry
}

// New builds a Collector retaining up to windowSize recent latencies per
// model, and registers its Prometheus series into a fresh registry.
func New(windowSize int) *Collector {
	if windowSize <= 0 {
		windowSize = 1000
	}
	reg := prometheus.NewRegistry()
	c := &Collector{
		windowSize: windowSize,
		start:      time.Now(),
		now:        time.Now,
		windows:    make(map[string]*modelWindow),

		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Total inference requests processed, by model.",
		}, []string{"model"}),
		promErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_errors_total",
			Help: "Total inference requests that failed, by model.",
		}, []string{"model"}),
		promTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_tokens_generated_total",
			Help: "Total tokens generated, by model.",
		}, []string{"model"}),
		promLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_request_latency_ms",
			Help:    "Inference request latency in milliseconds, by model.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"model"}),
		promRegistry: reg,
	}
	reg.MustRegister(c.promRequests, c.promErrors, c.promTokens, c.promLatency)
	return c
}

// Registry returns the Prometheus registry backing /metrics/prom.
func (c *Collector) Registry() *prometheus.Registry { return c.promRegistry }

func (c *Collector) windowFor(model string) *modelWindow {
	c.mu.RLock()
	w, ok := c.windows[model]
	c.mu.RUnlock()
	if ok {
		return w
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.windows[model]; ok {
		return w
	}
	w = &modelWindow{}
	c.windows[model] = w
	return w
}

// RecordRequest records one completed request's outcome for model.
func (c *Collector) RecordRequest(model string, latencyMs float64, tokensGenerated int, failed bool) {
	w := c.windowFor(model)

	w.mu.Lock()
	w.latenciesMs = append(w.latenciesMs, latencyMs)
	if len(w.latenciesMs) > c.windowSize {
		w.latenciesMs = w.latenciesMs[1:]
	}
	w.requestCount++
	w.tokenCount += int64(tokensGenerated)
	if failed {
		w.errorCount++
	}
	w.mu.Unlock()

	c.promRequests.WithLabelValues(model).Inc()
	c.promTokens.WithLabelValues(model).Add(float64(tokensGenerated))
	c.promLatency.WithLabelValues(model).Observe(latencyMs)
	if failed {
		c.promErrors.WithLabelValues(model).Inc()
	}
}

// GetMetrics reports the current window snapshot for model.
func (c *Collector) GetMetrics(model string) ModelMetrics {
	w := c.windowFor(model)

	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.latenciesMs) == 0 {
		return ModelMetrics{Model: model, RequestCount: w.requestCount, ErrorCount: w.errorCount}
	}

	sorted := append([]float64(nil), w.latenciesMs...)
	sort.Float64s(sorted)
	n := len(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	var errorRate float64
	if w.requestCount > 0 {
		errorRate = float64(w.errorCount) / float64(w.requestCount)
	}

	elapsed := c.now().Sub(c.start).Seconds()
	var throughput float64
	if elapsed > 0 {
		throughput = float64(w.tokenCount) / elapsed
	}

	return ModelMetrics{
		Model:        model,
		RequestCount: w.requestCount,
		ErrorCount:   w.errorCount,
		ErrorRate:    errorRate,
		TotalTokens:  w.tokenCount,
		Latency: LatencyStats{
			P50:  percentile(sorted, 0.50),
			P95:  percentile(sorted, 0.95),
			P99:  percentile(sorted, 0.99),
			Min:  sorted[0],
			Max:  sorted[n-1],
			Mean: sum / float64(n),
		},
		ThroughputTokensPerSec: throughput,
	}
}

func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// GetAllMetrics reports a snapshot for every model seen so far.
func (c *Collector) GetAllMetrics() map[string]ModelMetrics {
	c.mu.RLock()
	models := make([]string, 0, len(c.windows))
	for m := range c.windows {
		models = append(models, m)
	}
	c.mu.RUnlock()

	out := make(map[string]ModelMetrics, len(models))
	for _, m := range models {
		out[m] = c.GetMetrics(m)
	}
	return out
}
