package cluster

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/cluster-supervisor/internal/model"
	"github.com/t77yq/cluster-supervisor/internal/storage"
)

// Publisher publishes a message on a subject. Satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PoolConfig defines configuration for the worker pool
type PoolConfig struct {
	MaxWorkers   int
	GracePeriod  time.Duration
	RestartDelay time.Duration
	AutoRestart  bool
}

// WorkerPool owns the set of live worker processes. It is the authoritative
// in-memory map from worker id to record and process handle.
type WorkerPool struct {
	logger    *zap.Logger
	store     storage.ClusterStore
	balancer  *LoadBalancer
	launcher  Launcher
	publisher Publisher
	config    PoolConfig

	mu          sync.RWMutex
	workers     map[string]*model.WorkerRecord
	procs       map[string]Process
	order       []string
	graceTimers map[string]*time.Timer
	reserved    int
	autoRestart bool
	draining    bool
}

// NewWorkerPool creates a new worker pool manager
func NewWorkerPool(config PoolConfig, launcher Launcher, publisher Publisher, balancer *LoadBalancer, store storage.ClusterStore, logger *zap.Logger) *WorkerPool {
	return &WorkerPool{
		logger:      logger.Named("worker-pool"),
		store:       store,
		balancer:    balancer,
		launcher:    launcher,
		publisher:   publisher,
		config:      config,
		workers:     make(map[string]*model.WorkerRecord),
		procs:       make(map[string]Process),
		graceTimers: make(map[string]*time.Timer),
		autoRestart: config.AutoRestart,
	}
}

// Spawn creates up to count new worker processes. Requests beyond the worker
// cap are silently dropped, not queued. Returns the number actually spawned.
//
// Capacity slots are reserved under the lock before launching, so concurrent
// Spawn callers (the scaling loop and crash-replacement timers) cannot
// collectively exceed MaxWorkers.
func (p *WorkerPool) Spawn(ctx context.Context, count int) int {
	spawned := 0
	for i := 0; i < count; i++ {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			break
		}
		if len(p.procs)+p.reserved >= p.config.MaxWorkers {
			p.mu.Unlock()
			p.logger.Warn("Dropping remaining spawn requests",
				zap.Int("max_workers", p.config.MaxWorkers),
				zap.Int("dropped", count-spawned),
				zap.Error(ErrPoolAtCapacity))
			break
		}
		p.reserved++
		p.mu.Unlock()

		workerID := uuid.New().String()
		proc, err := p.launcher.Launch(ctx, workerID)
		if err != nil {
			p.mu.Lock()
			p.reserved--
			p.mu.Unlock()
			p.logger.Error("Failed to launch worker",
				zap.String("worker_id", workerID),
				zap.Error(err))
			continue
		}

		record := &model.WorkerRecord{
			ID:        workerID,
			PID:       proc.PID(),
			Status:    model.WorkerStatusStarting,
			StartedAt: time.Now(),
		}

		p.mu.Lock()
		p.reserved--
		if p.draining {
			// Shutdown began while the launch was in flight; the process
			// missed the broadcast, so it is killed here instead.
			p.mu.Unlock()
			if err := proc.Kill(); err != nil {
				p.logger.Error("Failed to kill worker launched during drain",
					zap.String("worker_id", workerID),
					zap.Error(err))
			}
			break
		}
		p.workers[workerID] = record
		p.procs[workerID] = proc
		p.order = append(p.order, workerID)
		p.mu.Unlock()

		p.balancer.Track(workerID)
		p.persist(ctx, record)
		p.recordEvent(ctx, &model.ClusterEvent{
			Timestamp:   time.Now(),
			Type:        model.EventTypeWorkerSpawned,
			Severity:    model.EventSeverityInfo,
			Description: "worker process spawned",
			WorkerID:    workerID,
			Details:     map[string]interface{}{"pid": record.PID},
		})

		go p.watchExit(workerID, proc)
		spawned++
	}
	return spawned
}

// watchExit waits for the worker process to exit and feeds the result back
func (p *WorkerPool) watchExit(workerID string, proc Process) {
	code, err := proc.Wait()
	if err != nil {
		p.logger.Error("Failed to wait on worker process",
			zap.String("worker_id", workerID),
			zap.Error(err))
		code = -1
	}
	p.HandleExit(workerID, code)
}

// Terminate gracefully shuts down the count least-loaded running workers.
// Each termination carries an independent grace-period timer; expiry escalates
// to an unconditional kill.
func (p *WorkerPool) Terminate(ctx context.Context, count int) int {
	load := p.balancer.LoadSnapshot()
	running := p.RunningWorkers()

	sort.SliceStable(running, func(i, j int) bool {
		return load[running[i].ID] < load[running[j].ID]
	})

	if count > len(running) {
		count = len(running)
	}

	for _, worker := range running[:count] {
		p.requestShutdown(ctx, worker.ID)
	}
	return count
}

// requestShutdown sends a graceful-shutdown request to one worker and arms
// its grace timer
func (p *WorkerPool) requestShutdown(ctx context.Context, workerID string) {
	p.mu.Lock()
	record, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if record.Status == model.WorkerStatusStopping {
		p.mu.Unlock()
		return
	}
	record.Status = model.WorkerStatusStopping
	p.graceTimers[workerID] = time.AfterFunc(p.config.GracePeriod, func() {
		p.escalate(workerID)
	})
	p.mu.Unlock()

	p.balancer.Forget(workerID)
	p.persist(ctx, record)

	cmd := model.ControlCommand{Command: model.CommandGracefulShutdown}
	data, err := json.Marshal(cmd)
	if err == nil {
		err = p.publisher.Publish(controlSubjectPrefix+workerID, data)
	}
	if err != nil {
		p.logger.Error("Failed to send graceful shutdown",
			zap.String("worker_id", workerID),
			zap.Error(err))
	}

	p.logger.Info("Graceful shutdown requested",
		zap.String("worker_id", workerID),
		zap.Duration("grace_period", p.config.GracePeriod))
}

// escalate kills a worker that did not exit within its grace period
func (p *WorkerPool) escalate(workerID string) {
	p.mu.Lock()
	proc, alive := p.procs[workerID]
	delete(p.graceTimers, workerID)
	p.mu.Unlock()

	if !alive {
		return
	}

	p.logger.Warn("Grace period expired, killing worker",
		zap.String("worker_id", workerID))

	if err := proc.Kill(); err != nil {
		p.logger.Error("Failed to kill worker process",
			zap.String("worker_id", workerID),
			zap.Error(err))
	}

	p.recordEvent(context.Background(), &model.ClusterEvent{
		Timestamp:   time.Now(),
		Type:        model.EventTypeWorkerKilled,
		Severity:    model.EventSeverityWarning,
		Description: "worker did not exit within grace period, killed",
		WorkerID:    workerID,
	})
}

// HandleExit removes an exited worker from the live set. Abnormal exits are
// recorded as failed before the record settles on stopped, and trigger one
// delayed replacement spawn when auto-restart is enabled.
func (p *WorkerPool) HandleExit(workerID string, exitCode int) {
	p.mu.Lock()
	record, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return
	}

	delete(p.workers, workerID)
	delete(p.procs, workerID)
	for i, id := range p.order {
		if id == workerID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if timer, armed := p.graceTimers[workerID]; armed {
		timer.Stop()
		delete(p.graceTimers, workerID)
	}
	restart := exitCode != 0 && p.autoRestart && !p.draining
	p.mu.Unlock()

	p.balancer.Forget(workerID)

	ctx := context.Background()
	abnormal := exitCode != 0
	if abnormal {
		record.ErrorCount++
		record.Status = model.WorkerStatusFailed
		p.persist(ctx, record)
	}
	record.Status = model.WorkerStatusStopped
	p.persist(ctx, record)

	severity := model.EventSeverityInfo
	if abnormal {
		severity = model.EventSeverityError
	}
	p.recordEvent(ctx, &model.ClusterEvent{
		Timestamp:   time.Now(),
		Type:        model.EventTypeWorkerExited,
		Severity:    severity,
		Description: "worker process exited",
		WorkerID:    workerID,
		Details:     map[string]interface{}{"exit_code": exitCode},
	})

	p.logger.Info("Worker exited",
		zap.String("worker_id", workerID),
		zap.Int("exit_code", exitCode))

	if restart {
		p.logger.Info("Scheduling replacement worker",
			zap.String("failed_worker_id", workerID),
			zap.Duration("delay", p.config.RestartDelay))
		time.AfterFunc(p.config.RestartDelay, func() {
			if p.Spawn(context.Background(), 1) > 0 {
				p.recordEvent(context.Background(), &model.ClusterEvent{
					Timestamp:   time.Now(),
					Type:        model.EventTypeWorkerRestarted,
					Severity:    model.EventSeverityInfo,
					Description: "replacement spawned after abnormal exit",
					WorkerID:    workerID,
				})
			}
		})
	}
}

// HandleError marks a worker failed and increments its error counter. The
// worker stays tracked; a later heartbeat flips it back to running.
func (p *WorkerPool) HandleError(workerID string, workerErr error) {
	p.mu.Lock()
	record, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	record.Status = model.WorkerStatusFailed
	record.ErrorCount++
	p.mu.Unlock()

	p.logger.Error("Worker reported error",
		zap.String("worker_id", workerID),
		zap.Error(workerErr))

	ctx := context.Background()
	p.persist(ctx, record)
	p.recordEvent(ctx, &model.ClusterEvent{
		Timestamp:   time.Now(),
		Type:        model.EventTypeWorkerFailed,
		Severity:    model.EventSeverityError,
		Description: workerErr.Error(),
		WorkerID:    workerID,
	})
}

// UpdateHeartbeat applies a heartbeat to the worker's record and forces its
// status to running
func (p *WorkerPool) UpdateHeartbeat(ctx context.Context, workerID string, hb *model.Heartbeat) error {
	p.mu.Lock()
	record, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return ErrWorkerNotFound
	}
	record.CPUUsage = hb.CPUUsage
	record.MemoryUsage = hb.MemoryUsage
	if hb.Timestamp > 0 {
		record.LastHeartbeat = time.Unix(hb.Timestamp, 0)
	} else {
		record.LastHeartbeat = time.Now()
	}
	if record.Status == model.WorkerStatusStarting || record.Status == model.WorkerStatusFailed {
		record.Status = model.WorkerStatusRunning
	}
	p.mu.Unlock()

	p.persist(ctx, record)
	return nil
}

// RecordRequest applies a completed request to the worker's counters
func (p *WorkerPool) RecordRequest(ctx context.Context, workerID string, req *model.RequestCompleted) error {
	p.mu.Lock()
	record, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return ErrWorkerNotFound
	}
	record.TotalRequests++
	if !req.Success {
		record.ErrorCount++
	}
	if record.TotalRequests > 0 {
		record.PerformanceScore = 100 * float64(record.TotalRequests-record.ErrorCount) / float64(record.TotalRequests)
		if record.PerformanceScore < 0 {
			record.PerformanceScore = 0
		}
	}
	p.mu.Unlock()

	p.persist(ctx, record)
	return nil
}

// RunningWorkers returns the running set in stable spawn order
func (p *WorkerPool) RunningWorkers() []*model.WorkerRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	running := make([]*model.WorkerRecord, 0, len(p.order))
	for _, id := range p.order {
		if record, ok := p.workers[id]; ok && record.Status == model.WorkerStatusRunning {
			running = append(running, record)
		}
	}
	return running
}

// RunningCount returns the size of the running set
func (p *WorkerPool) RunningCount() int {
	return len(p.RunningWorkers())
}

// LiveCount returns the number of workers with a live process handle
func (p *WorkerPool) LiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.procs)
}

// Worker returns the tracked record for a worker id
func (p *WorkerPool) Worker(workerID string) (*model.WorkerRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	record, ok := p.workers[workerID]
	return record, ok
}

// SetAutoRestart toggles crash replacement
func (p *WorkerPool) SetAutoRestart(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoRestart = enabled
}

// Shutdown broadcasts graceful shutdown to every live worker. Each worker
// keeps its own grace-period escalation; Shutdown does not wait for exits.
func (p *WorkerPool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.draining = true
	p.autoRestart = false
	ids := make([]string, 0, len(p.procs))
	for id := range p.procs {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	p.logger.Info("Shutting down worker pool", zap.Int("live_workers", len(ids)))
	for _, id := range ids {
		p.requestShutdown(ctx, id)
	}
}

// persist writes the worker record through to the store. Persistence failures
// are logged and swallowed; they never block the in-memory transition.
func (p *WorkerPool) persist(ctx context.Context, record *model.WorkerRecord) {
	p.mu.RLock()
	snapshot := *record
	p.mu.RUnlock()

	if err := p.store.SaveWorker(ctx, &snapshot); err != nil {
		p.logger.Error("Failed to persist worker record",
			zap.String("worker_id", snapshot.ID),
			zap.Error(err))
	}
}

func (p *WorkerPool) recordEvent(ctx context.Context, event *model.ClusterEvent) {
	if err := p.store.RecordEvent(ctx, event); err != nil {
		p.logger.Error("Failed to record cluster event",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}
