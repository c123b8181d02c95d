package infrastructure

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// RuntimeMetrics records Go runtime health gauges.
type RuntimeMetrics struct {
	goRoutines    metric.Int64Gauge
	heapAlloc     metric.Int64Gauge
	memorySystem  metric.Int64Gauge
	gcCount       metric.Int64Counter
	gcPause       metric.Float64Histogram
	processUptime metric.Float64Gauge
}

// NewRuntimeMetrics registers the runtime instruments on meter.
func NewRuntimeMetrics(meter metric.Meter) (*RuntimeMetrics, error) {
	goRoutines, err := meter.Int64Gauge(
		"system_goroutines",
		metric.WithDescription("Number of active goroutines"),
	)
	if err != nil {
		return nil, err
	}

	heapAlloc, err := meter.Int64Gauge(
		"system_memory_usage_bytes",
		metric.WithDescription("Heap memory in use in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	memorySystem, err := meter.Int64Gauge(
		"system_memory_system_bytes",
		metric.WithDescription("Memory obtained from the OS in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	gcCount, err := meter.Int64Counter(
		"system_gc_count_total",
		metric.WithDescription("Total number of garbage collections"),
	)
	if err != nil {
		return nil, err
	}

	gcPause, err := meter.Float64Histogram(
		"system_gc_pause_seconds",
		metric.WithDescription("Garbage collection pause duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	processUptime, err := meter.Float64Gauge(
		"system_process_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &RuntimeMetrics{
		goRoutines:    goRoutines,
		heapAlloc:     heapAlloc,
		memorySystem:  memorySystem,
		gcCount:       gcCount,
		gcPause:       gcPause,
		processUptime: processUptime,
	}, nil
}

// RuntimeStats is one point-in-time snapshot of runtime health.
type RuntimeStats struct {
	Goroutines  int64         `json:"goroutines"`
	HeapAlloc   int64         `json:"heap_alloc_bytes"`
	MemorySys   int64         `json:"memory_sys_bytes"`
	GCCount     uint32        `json:"gc_count"`
	LastGCPause time.Duration `json:"last_gc_pause"`
	Uptime      time.Duration `json:"uptime"`
	Timestamp   time.Time     `json:"timestamp"`
}

// RuntimeCollector periodically samples the Go runtime and feeds the
// instruments.
type RuntimeCollector struct {
	metrics   *RuntimeMetrics
	startTime time.Time
	interval  time.Duration
	stopCh    chan struct{}
	lastNumGC uint32
}

// NewRuntimeCollector creates a collector sampling every interval.
func NewRuntimeCollector(meter metric.Meter, interval time.Duration) (*RuntimeCollector, error) {
	metrics, err := NewRuntimeMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime metrics: %w", err)
	}

	return &RuntimeCollector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  interval,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start blocks, sampling until Stop is called or ctx is cancelled.
func (rc *RuntimeCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	rc.collect(ctx)

	for {
		select {
		case <-ticker.C:
			rc.collect(ctx)
		case <-rc.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends collection. Safe to call once.
func (rc *RuntimeCollector) Stop() {
	close(rc.stopCh)
}

// Snapshot returns the current runtime stats without recording them.
func (rc *RuntimeCollector) Snapshot() RuntimeStats {
	return readRuntimeStats(rc.startTime)
}

func (rc *RuntimeCollector) collect(ctx context.Context) RuntimeStats {
	stats := readRuntimeStats(rc.startTime)

	rc.metrics.goRoutines.Record(ctx, stats.Goroutines)
	rc.metrics.heapAlloc.Record(ctx, stats.HeapAlloc)
	rc.metrics.memorySystem.Record(ctx, stats.MemorySys)
	rc.metrics.processUptime.Record(ctx, stats.Uptime.Seconds())

	// Only count collections since the previous sample.
	if stats.GCCount > rc.lastNumGC {
		rc.metrics.gcCount.Add(ctx, int64(stats.GCCount-rc.lastNumGC))
		if stats.LastGCPause > 0 {
			rc.metrics.gcPause.Record(ctx, stats.LastGCPause.Seconds())
		}
	}
	rc.lastNumGC = stats.GCCount

	return stats
}

func readRuntimeStats(startTime time.Time) RuntimeStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var lastPause time.Duration
	if memStats.NumGC > 0 {
		lastPause = time.Duration(memStats.PauseNs[(memStats.NumGC+255)%256])
	}

	return RuntimeStats{
		Goroutines:  int64(runtime.NumGoroutine()),
		HeapAlloc:   int64(memStats.Alloc),
		MemorySys:   int64(memStats.Sys),
		GCCount:     memStats.NumGC,
		LastGCPause: lastPause,
		Uptime:      time.Since(startTime),
		Timestamp:   time.Now(),
	}
}
