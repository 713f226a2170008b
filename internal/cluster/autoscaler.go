package cluster

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/cluster-supervisor/internal/model"
	"github.com/t77yq/cluster-supervisor/internal/storage"
)

// AutoScaler runs the periodic control loop that grows or shrinks the pool.
// Scaling up triggers on any hot resource; scaling down requires every
// resource to be cold, so capacity errs toward availability.
type AutoScaler struct {
	logger  *zap.Logger
	config  Config
	pool    *WorkerPool
	metrics *MetricsAggregator
	store   storage.ClusterStore
	enabled  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

// NewAutoScaler creates a new auto-scaling controller
func NewAutoScaler(config Config, pool *WorkerPool, metrics *MetricsAggregator, store storage.ClusterStore, logger *zap.Logger) *AutoScaler {
	s := &AutoScaler{
		logger:  logger.Named("auto-scaler"),
		config:  config,
		pool:    pool,
		metrics: metrics,
		store:   store,
		stop:    make(chan struct{}),
	}
	s.enabled.Store(config.AutoScaling)
	return s
}

// Start starts the control loop
func (s *AutoScaler) Start(ctx context.Context) {
	s.logger.Info("Starting auto-scaler",
		zap.Int("min_workers", s.config.MinWorkers),
		zap.Int("max_workers", s.config.MaxWorkers),
		zap.Float64("scale_up_threshold", s.config.ScaleUpThreshold),
		zap.Float64("scale_down_threshold", s.config.ScaleDownThreshold),
		zap.Duration("check_interval", s.config.ScaleCheckInterval))
	go s.controlLoop(ctx)
}

// Stop stops the control loop and disables scaling. Safe to call repeatedly.
func (s *AutoScaler) Stop() {
	s.enabled.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })
}

// SetEnabled toggles the control loop without stopping its timer
func (s *AutoScaler) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
	s.pool.SetAutoRestart(enabled)
}

func (s *AutoScaler) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.ScaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle evaluates one control cycle. A failing cycle is logged and
// skipped; the next tick retries.
func (s *AutoScaler) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scaling check failed, skipping cycle", zap.Any("panic", r))
		}
	}()

	if !s.enabled.Load() {
		return
	}

	current := s.pool.RunningCount()

	// Bootstrap an empty pool straight to the floor.
	if current == 0 && s.config.MinWorkers > 0 {
		spawned := s.pool.Spawn(ctx, s.config.MinWorkers)
		s.logger.Info("Pool empty, spawning minimum workers",
			zap.Int("requested", s.config.MinWorkers),
			zap.Int("spawned", spawned))
		s.recordEvent(ctx, model.EventTypeScaleUp, model.EventSeverityInfo,
			"bootstrapped empty pool to minimum", map[string]interface{}{
				"spawned": spawned,
			})
		return
	}

	m := s.metrics.Latest()

	hot := m.AvgCPUUsage > s.config.ScaleUpThreshold ||
		m.AvgMemoryUsage > s.config.ScaleUpThreshold ||
		m.AvgLoad > s.config.ScaleUpThreshold

	cold := m.AvgCPUUsage < s.config.ScaleDownThreshold &&
		m.AvgMemoryUsage < s.config.ScaleDownThreshold &&
		m.AvgLoad < s.config.ScaleDownThreshold

	switch {
	case hot:
		if current >= s.config.MaxWorkers {
			s.logger.Warn("Pool under pressure but already at maximum",
				zap.Int("max_workers", s.config.MaxWorkers),
				zap.Float64("avg_cpu_usage", m.AvgCPUUsage),
				zap.Float64("avg_memory_usage", m.AvgMemoryUsage),
				zap.Float64("avg_load", m.AvgLoad))
			s.recordEvent(ctx, model.EventTypeAtCapacity, model.EventSeverityWarning,
				"pool under pressure at maximum size", map[string]interface{}{
					"avg_cpu_usage":    m.AvgCPUUsage,
					"avg_memory_usage": m.AvgMemoryUsage,
					"avg_load":         m.AvgLoad,
				})
			return
		}

		step := int(math.Ceil(float64(current) * scaleStepRatio))
		if step < 1 {
			step = 1
		}
		if headroom := s.config.MaxWorkers - current; step > headroom {
			step = headroom
		}

		spawned := s.pool.Spawn(ctx, step)
		s.logger.Info("Scaling up",
			zap.Int("current", current),
			zap.Int("spawned", spawned),
			zap.Float64("avg_cpu_usage", m.AvgCPUUsage),
			zap.Float64("avg_memory_usage", m.AvgMemoryUsage),
			zap.Float64("avg_load", m.AvgLoad))
		s.recordEvent(ctx, model.EventTypeScaleUp, model.EventSeverityInfo,
			"scaled up under load", map[string]interface{}{
				"current": current,
				"spawned": spawned,
			})

	case cold && current > s.config.MinWorkers:
		terminated := s.pool.Terminate(ctx, 1)
		s.logger.Info("Scaling down",
			zap.Int("current", current),
			zap.Int("terminated", terminated),
			zap.Float64("avg_cpu_usage", m.AvgCPUUsage),
			zap.Float64("avg_memory_usage", m.AvgMemoryUsage),
			zap.Float64("avg_load", m.AvgLoad))
		s.recordEvent(ctx, model.EventTypeScaleDown, model.EventSeverityInfo,
			"scaled down under low load", map[string]interface{}{
				"current":    current,
				"terminated": terminated,
			})
	}
}

func (s *AutoScaler) recordEvent(ctx context.Context, eventType model.EventType, severity model.EventSeverity, description string, details map[string]interface{}) {
	event := &model.ClusterEvent{
		Timestamp:   time.Now(),
		Type:        eventType,
		Severity:    severity,
		Description: description,
		Details:     details,
	}
	if err := s.store.RecordEvent(ctx, event); err != nil {
		s.logger.Error("Failed to record scaling event",
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
