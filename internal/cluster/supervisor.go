package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/cluster-supervisor/internal/model"
	"github.com/t77yq/cluster-supervisor/internal/storage"
)

// Supervisor wires the pool, balancer, ingestor, aggregator, and auto-scaler
// into one running cluster control plane.
type Supervisor struct {
	logger     *zap.Logger
	nc         *nats.Conn
	store      storage.ClusterStore
	config     Config
	pool       *WorkerPool
	balancer   *LoadBalancer
	ingestor   *HeartbeatIngestor
	aggregator *MetricsAggregator
	scaler     *AutoScaler
	cron       *cron.Cron
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewSupervisor creates a supervisor from validated configuration
func NewSupervisor(config Config, nc *nats.Conn, store storage.ClusterStore, logger *zap.Logger) (*Supervisor, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}

	strategy, err := NewStrategy(config.LoadBalanceStrategy)
	if err != nil {
		return nil, err
	}

	balancer := NewLoadBalancer(strategy, logger)
	launcher := NewExecLauncher(config.WorkerBinary, nc.ConnectedUrl(), logger)
	pool := NewWorkerPool(PoolConfig{
		MaxWorkers:   config.MaxWorkers,
		GracePeriod:  config.GracePeriod,
		RestartDelay: config.RestartDelay,
		AutoRestart:  config.AutoScaling,
	}, launcher, nc, balancer, store, logger)

	aggregator := NewMetricsAggregator(nc, pool, balancer, config.MetricsInterval, logger)
	ingestor := NewHeartbeatIngestor(nc, pool, balancer, aggregator, store, logger)
	scaler := NewAutoScaler(config, pool, aggregator, store, logger)

	cronRunner := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(&cronLogger{logger: logger.Named("cron")})),
	)

	return &Supervisor{
		logger:     logger.Named("supervisor"),
		nc:         nc,
		store:      store,
		config:     config,
		pool:       pool,
		balancer:   balancer,
		ingestor:   ingestor,
		aggregator: aggregator,
		scaler:     scaler,
		cron:       cronRunner,
	}, nil
}

// Start starts all supervisor components
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.ingestor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat ingestor: %w", err)
	}

	s.aggregator.Start(ctx)
	s.scaler.Start(ctx)

	// Nightly cleanup of audit rows past the retention window.
	_, err := s.cron.AddFunc("0 0 3 * * *", func() {
		cutoff := time.Now().Add(-s.config.RetentionAge)
		cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.store.DeleteBefore(cleanupCtx, cutoff); err != nil {
			s.logger.Error("Failed to cleanup old audit records", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention cleanup: %w", err)
	}
	s.cron.Start()

	s.logger.Info("Supervisor started",
		zap.String("strategy", string(s.config.LoadBalanceStrategy)),
		zap.Int("min_workers", s.config.MinWorkers),
		zap.Int("max_workers", s.config.MaxWorkers),
		zap.Bool("auto_scaling", s.config.AutoScaling))

	return nil
}

// Dispatch routes one unit of work to a worker selected by the balancer
func (s *Supervisor) Dispatch(ctx context.Context, endpoint, method string) (string, error) {
	worker, err := s.balancer.Select(s.pool.RunningWorkers())
	if err != nil {
		return "", err
	}

	req := model.DispatchRequest{
		RequestID: uuid.New().String(),
		Endpoint:  endpoint,
		Method:    method,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	if err := s.nc.Publish(dispatchSubjectPrefix+worker.ID, data); err != nil {
		return "", fmt.Errorf("failed to dispatch to worker %s: %w", worker.ID, err)
	}

	return worker.ID, nil
}

// Pool exposes the worker pool
func (s *Supervisor) Pool() *WorkerPool {
	return s.pool
}

// Scaler exposes the auto-scaling controller
func (s *Supervisor) Scaler() *AutoScaler {
	return s.scaler
}

// Metrics returns the latest aggregated pool snapshot
func (s *Supervisor) Metrics() model.ClusterMetrics {
	return s.aggregator.Latest()
}

// Stop shuts the supervisor down: timers and cron stop, scaling is disabled,
// and every live worker receives a graceful shutdown with its own grace-period
// escalation. Stop does not wait for workers to exit.
func (s *Supervisor) Stop(ctx context.Context) {
	s.logger.Info("Stopping supervisor")

	s.scaler.Stop()
	s.aggregator.Stop()
	s.ingestor.Stop()

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
		s.logger.Warn("Timed out waiting for cron jobs to finish")
	}

	s.pool.Shutdown(ctx)
}
