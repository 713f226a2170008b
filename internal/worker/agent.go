package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/cluster-supervisor/internal/model"
)

// Agent is the worker-side runtime: it samples its own resource usage, emits
// heartbeats, handles dispatched work, and exits promptly on a
// graceful-shutdown command.
type Agent struct {
	logger   *zap.Logger
	nc       *nats.Conn
	id       string
	interval time.Duration
	started  time.Time
	shutdown chan struct{}
}

// NewAgent creates a new worker agent
func NewAgent(id string, nc *nats.Conn, heartbeatInterval time.Duration, logger *zap.Logger) *Agent {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	return &Agent{
		logger:   logger.Named("agent"),
		nc:       nc,
		id:       id,
		interval: heartbeatInterval,
		shutdown: make(chan struct{}),
	}
}

// Run starts the agent and blocks until a graceful-shutdown command arrives
// or the context is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.started = time.Now()

	ctrlSub, err := a.nc.Subscribe("cluster.control."+a.id, a.handleControl)
	if err != nil {
		return err
	}
	defer ctrlSub.Unsubscribe()

	dispatchSub, err := a.nc.Subscribe("cluster.dispatch."+a.id, a.handleDispatch)
	if err != nil {
		return err
	}
	defer dispatchSub.Unsubscribe()

	a.logger.Info("Worker agent started",
		zap.String("worker_id", a.id),
		zap.Duration("heartbeat_interval", a.interval))

	// First heartbeat immediately so the supervisor sees the worker running
	// without waiting a full interval.
	a.sendHeartbeat()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.shutdown:
			a.logger.Info("Graceful shutdown received, draining",
				zap.String("worker_id", a.id))
			a.nc.Flush()
			return nil
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

// handleControl reacts to supervisor commands
func (a *Agent) handleControl(msg *nats.Msg) {
	var cmd model.ControlCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		a.logger.Error("Failed to unmarshal control command", zap.Error(err))
		return
	}

	if cmd.Command == model.CommandGracefulShutdown {
		select {
		case <-a.shutdown:
		default:
			close(a.shutdown)
		}
	}
}

// handleDispatch simulates handling one unit of work and reports completion
func (a *Agent) handleDispatch(msg *nats.Msg) {
	var req model.DispatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.logger.Error("Failed to unmarshal dispatch request", zap.Error(err))
		return
	}

	start := time.Now()
	time.Sleep(time.Duration(5+rand.Intn(45)) * time.Millisecond)
	elapsed := time.Since(start)

	completed := model.RequestCompleted{
		ResponseTimeMs: elapsed.Milliseconds(),
		Success:        true,
		Endpoint:       req.Endpoint,
		Method:         req.Method,
	}
	data, err := json.Marshal(completed)
	if err != nil {
		a.logger.Error("Failed to marshal request completion", zap.Error(err))
		return
	}

	if err := a.nc.Publish("cluster.request."+a.id, data); err != nil {
		a.logger.Error("Failed to publish request completion",
			zap.String("request_id", req.RequestID),
			zap.Error(err))
	}
}

// sendHeartbeat samples resource usage and publishes one heartbeat
func (a *Agent) sendHeartbeat() {
	hb := model.Heartbeat{
		Uptime:    time.Since(a.started).Seconds(),
		Timestamp: time.Now().Unix(),
	}

	cpuPercent, err := cpu.Percent(0, false)
	if err != nil {
		a.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		hb.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		a.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		hb.MemoryUsage = memInfo.UsedPercent
	}

	data, err := json.Marshal(hb)
	if err != nil {
		a.logger.Error("Failed to marshal heartbeat", zap.Error(err))
		return
	}

	if err := a.nc.Publish("cluster.heartbeat."+a.id, data); err != nil {
		a.logger.Error("Failed to publish heartbeat", zap.Error(err))
	}
}
