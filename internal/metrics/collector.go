package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements metrics collection for filesystem operations
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheCounter      *prometheus.CounterVec
	retryCounter      *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "cdffs",
		}
	}
	if config.Namespace == "" {
		config.Namespace = "cdffs"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()

	collector := &Collector{
		config:     config,
		registry:   registry,
		operations: make(map[string]*OperationMetrics),
	}

	collector.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "operations_total",
		Help:      "Total number of filesystem operations",
	}, []string{"operation", "status"})

	collector.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of filesystem operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	collector.operationSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "operation_bytes",
		Help:      "Bytes moved by filesystem operations",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"operation"})

	collector.cacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "cache_requests_total",
		Help:      "Cache lookups by cache name and outcome",
	}, []string{"cache", "result"})

	collector.retryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "download_retries_total",
		Help:      "Download retry attempts by outcome",
	}, []string{"outcome"})

	for _, c := range []prometheus.Collector{
		collector.operationCounter,
		collector.operationDuration,
		collector.operationSize,
		collector.cacheCounter,
		collector.retryCounter,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return collector, nil
}

// Start starts the metrics endpoint
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics endpoint
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if c == nil || !c.config.Enabled {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{"operation": operation, "status": status}).Inc()
	c.operationDuration.With(prometheus.Labels{"operation": operation}).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.With(prometheus.Labels{"operation": operation}).Observe(float64(size))
	}
}

// RecordCacheHit records a cache hit for the named cache
func (c *Collector) RecordCacheHit(cache string) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"cache": cache, "result": "hit"}).Inc()
}

// RecordCacheMiss records a cache miss for the named cache
func (c *Collector) RecordCacheMiss(cache string) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.cacheCounter.With(prometheus.Labels{"cache": cache, "result": "miss"}).Inc()
}

// RecordRetry records one download retry attempt
func (c *Collector) RecordRetry(outcome string) {
	if c == nil || !c.config.Enabled {
		return
	}
	c.retryCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// GetOperationMetrics returns a snapshot of internal operation tracking
func (c *Collector) GetOperationMetrics() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for name, m := range c.operations {
		out[name] = *m
	}
	return out
}
