package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/cluster-supervisor/internal/model"
)

// MetricsAggregator periodically reduces per-worker samples into pool-wide
// averages. Each aggregation resets the balancer's load counters, so load is
// a per-interval figure, not a cumulative one.
type MetricsAggregator struct {
	logger    *zap.Logger
	publisher Publisher
	pool      *WorkerPool
	balancer  *LoadBalancer
	interval  time.Duration

	mu       sync.Mutex
	latest   model.ClusterMetrics
	samples  []int64
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMetricsAggregator creates a new metrics aggregator. The publisher may be
// nil, in which case snapshots are kept in memory only.
func NewMetricsAggregator(publisher Publisher, pool *WorkerPool, balancer *LoadBalancer, interval time.Duration, logger *zap.Logger) *MetricsAggregator {
	return &MetricsAggregator{
		logger:    logger.Named("metrics-aggregator"),
		publisher: publisher,
		pool:      pool,
		balancer:  balancer,
		interval:  interval,
		stop:      make(chan struct{}),
	}
}

// Start starts the aggregation loop
func (a *MetricsAggregator) Start(ctx context.Context) {
	a.logger.Info("Starting metrics aggregator", zap.Duration("interval", a.interval))
	go a.aggregateLoop(ctx)
}

// Stop stops the aggregation loop. Safe to call repeatedly.
func (a *MetricsAggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *MetricsAggregator) aggregateLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.Aggregate()
		}
	}
}

// ObserveResponseTime appends one response time to the current sample window
func (a *MetricsAggregator) ObserveResponseTime(ms int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, ms)
}

// Aggregate computes pool-wide averages over the running set, stores the
// snapshot, publishes it, and resets the load counters and sample window.
func (a *MetricsAggregator) Aggregate() model.ClusterMetrics {
	running := a.pool.RunningWorkers()
	load := a.balancer.LoadSnapshot()

	metrics := model.ClusterMetrics{
		Timestamp:      time.Now(),
		RunningWorkers: len(running),
	}

	if len(running) > 0 {
		var cpuSum, memSum float64
		var loadSum int
		for _, w := range running {
			cpuSum += w.CPUUsage
			memSum += w.MemoryUsage
			loadSum += load[w.ID]
		}
		n := float64(len(running))
		metrics.AvgCPUUsage = cpuSum / n
		metrics.AvgMemoryUsage = memSum / n
		metrics.AvgLoad = float64(loadSum) / n
	}

	a.mu.Lock()
	if len(a.samples) > 0 {
		var sum int64
		for _, ms := range a.samples {
			sum += ms
		}
		metrics.AvgResponseTimeMs = float64(sum) / float64(len(a.samples))
	}
	a.samples = nil
	a.latest = metrics
	a.mu.Unlock()

	a.balancer.ResetLoad()

	if a.publisher != nil {
		data, err := json.Marshal(metrics)
		if err == nil {
			err = a.publisher.Publish(metricsSubject, data)
		}
		if err != nil {
			a.logger.Error("Failed to publish cluster metrics", zap.Error(err))
		}
	}

	a.logger.Debug("Cluster metrics aggregated",
		zap.Int("running_workers", metrics.RunningWorkers),
		zap.Float64("avg_cpu_usage", metrics.AvgCPUUsage),
		zap.Float64("avg_memory_usage", metrics.AvgMemoryUsage),
		zap.Float64("avg_load", metrics.AvgLoad))

	return metrics
}

// Latest returns the most recently computed snapshot
func (a *MetricsAggregator) Latest() model.ClusterMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}
