package cluster

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/t77yq/cluster-supervisor/internal/model"
)

// Config defines the configuration surface of the cluster supervisor
type Config struct {
	// CPULimit caps the pool when MaxWorkers is unset. Defaults to the host core count.
	CPULimit int

	LoadBalanceStrategy model.BalancingStrategyName

	MinWorkers int
	MaxWorkers int

	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleCheckInterval time.Duration

	AutoScaling bool

	GracePeriod     time.Duration
	RestartDelay    time.Duration
	MetricsInterval time.Duration

	// WorkerBinary is the path of the worker executable forked per spawn
	WorkerBinary string

	// RetentionAge bounds how long request and event audit rows are kept
	RetentionAge time.Duration
}

// ApplyDefaults fills zero-valued fields with defaults
func (c *Config) ApplyDefaults() {
	if c.CPULimit <= 0 {
		if count, err := cpu.Counts(true); err == nil && count > 0 {
			c.CPULimit = count
		} else {
			c.CPULimit = runtime.NumCPU()
		}
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = c.CPULimit
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.LoadBalanceStrategy == "" {
		c.LoadBalanceStrategy = model.StrategyRoundRobin
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = 80
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = 20
	}
	if c.ScaleCheckInterval <= 0 {
		c.ScaleCheckInterval = defaultCheckInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = defaultRestartDelay
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = defaultMetricsInterval
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 30 * 24 * time.Hour
	}
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.MinWorkers <= 0 {
		return fmt.Errorf("min_workers must be positive, got %d", c.MinWorkers)
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("min_workers %d exceeds max_workers %d", c.MinWorkers, c.MaxWorkers)
	}
	if c.ScaleDownThreshold >= c.ScaleUpThreshold {
		return fmt.Errorf("scale_down_threshold %.1f must be below scale_up_threshold %.1f",
			c.ScaleDownThreshold, c.ScaleUpThreshold)
	}
	switch c.LoadBalanceStrategy {
	case model.StrategyRoundRobin, model.StrategyLeastConnections, model.StrategyRandom:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, c.LoadBalanceStrategy)
	}
	return nil
}
