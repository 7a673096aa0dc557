package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

// Collector records mediacache metrics in a private Prometheus registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheCounter      *prometheus.CounterVec
	evictionCounter   *prometheus.CounterVec
	handleCounter     *prometheus.CounterVec
	liveHandles       prometheus.Gauge
	queueDepth        prometheus.Gauge
	taskCounter       *prometheus.CounterVec
	errorCounter      *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time
}

var _ types.MetricsCollector = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector. A disabled config yields a
// nil collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "mediacache",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return nil, nil
	}

	c := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if c == nil {
		return
	}

	c.mu.Lock()
	m, exists := c.operations[operation]
	if !exists {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordCacheHit records a hit in the named cache layer (store, memory, handle).
func (c *Collector) RecordCacheHit(layer string, size int64) {
	if c == nil {
		return
	}
	c.cacheCounter.WithLabelValues("hit", layer).Inc()
}

// RecordCacheMiss records a miss in the named cache layer.
func (c *Collector) RecordCacheMiss(layer string) {
	if c == nil {
		return
	}
	c.cacheCounter.WithLabelValues("miss", layer).Inc()
}

// RecordEviction counts entries evicted from a cache layer.
func (c *Collector) RecordEviction(layer string, count int) {
	if c == nil || count <= 0 {
		return
	}
	c.evictionCounter.WithLabelValues(layer).Add(float64(count))
}

// RecordHandleEvent counts handle pool transitions: created, reused, revoked,
// reacquired, swept, unmatched_release.
func (c *Collector) RecordHandleEvent(event string) {
	if c == nil {
		return
	}
	c.handleCounter.WithLabelValues(event).Inc()
}

// SetLiveHandles updates the live handle gauge.
func (c *Collector) SetLiveHandles(n int) {
	if c == nil {
		return
	}
	c.liveHandles.Set(float64(n))
}

// SetQueueDepth updates the scheduler queue gauge.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// RecordTask counts finished scheduler tasks by outcome.
func (c *Collector) RecordTask(outcome string) {
	if c == nil {
		return
	}
	c.taskCounter.WithLabelValues(outcome).Inc()
}

// RecordError records an error classified by its code.
func (c *Collector) RecordError(operation string, err error) {
	if c == nil || err == nil {
		return
	}
	c.errorCounter.WithLabelValues(operation, string(errors.CodeOf(err))).Inc()
}

// GetMetrics returns a snapshot of per-operation aggregates.
func (c *Collector) GetMetrics() map[string]interface{} {
	if c == nil {
		return map[string]interface{}{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}

	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics resets the per-operation aggregates. Prometheus counters are
// monotonic and are left alone.
func (c *Collector) ResetMetrics() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "operations_total",
			Help: "Total number of operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "operation_duration_seconds",
			Help:    "Duration of operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name:    "operation_size_bytes",
			Help:    "Size of payloads handled by operations",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
		},
		[]string{"operation"},
	)

	c.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_requests_total",
			Help: "Cache lookups by result and layer",
		},
		[]string{"result", "layer"},
	)

	c.evictionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "cache_evictions_total",
			Help: "Entries evicted by layer",
		},
		[]string{"layer"},
	)

	c.handleCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "handle_events_total",
			Help: "Display handle lifecycle events",
		},
		[]string{"event"},
	)

	c.liveHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "handles_live",
		Help: "Display handles currently live or pending revoke",
	})

	c.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub, ConstLabels: labels,
		Name: "scheduler_queue_depth",
		Help: "Tasks waiting in the load scheduler",
	})

	c.taskCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "scheduler_tasks_total",
			Help: "Finished scheduler tasks by outcome",
		},
		[]string{"outcome"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, ConstLabels: labels,
			Name: "errors_total",
			Help: "Total number of errors",
		},
		[]string{"operation", "code"},
	)
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheCounter,
		c.evictionCounter,
		c.handleCounter,
		c.liveHandles,
		c.queueDepth,
		c.taskCounter,
		c.errorCounter,
	}

	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
