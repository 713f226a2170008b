package cluster

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/cluster-supervisor/internal/model"
	"github.com/t77yq/cluster-supervisor/internal/storage"
)

// HeartbeatIngestor consumes asynchronous status messages pushed by workers
// over NATS and applies them to the pool, the balancer, and the store.
//
// A worker that stops heartbeating but never exits is not independently
// detected here; only process exit removes it from the live set.
type HeartbeatIngestor struct {
	logger     *zap.Logger
	nc         *nats.Conn
	pool       *WorkerPool
	balancer   *LoadBalancer
	aggregator *MetricsAggregator
	store      storage.ClusterStore
	subs       []*nats.Subscription
}

// NewHeartbeatIngestor creates a new heartbeat ingestor
func NewHeartbeatIngestor(nc *nats.Conn, pool *WorkerPool, balancer *LoadBalancer, aggregator *MetricsAggregator, store storage.ClusterStore, logger *zap.Logger) *HeartbeatIngestor {
	return &HeartbeatIngestor{
		logger:     logger.Named("heartbeat-ingestor"),
		nc:         nc,
		pool:       pool,
		balancer:   balancer,
		aggregator: aggregator,
		store:      store,
	}
}

// Start subscribes to the worker heartbeat and request subjects
func (h *HeartbeatIngestor) Start(ctx context.Context) error {
	hbSub, err := h.nc.Subscribe(heartbeatWildcard, h.handleHeartbeat)
	if err != nil {
		return err
	}
	h.subs = append(h.subs, hbSub)

	reqSub, err := h.nc.Subscribe(requestWildcard, h.handleRequestCompleted)
	if err != nil {
		return err
	}
	h.subs = append(h.subs, reqSub)

	h.logger.Info("Heartbeat ingestor started")
	return nil
}

// Stop drains the subscriptions
func (h *HeartbeatIngestor) Stop() {
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
}

// workerIDFromSubject extracts the worker id from a subject like
// cluster.heartbeat.<worker_id>
func workerIDFromSubject(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 {
		return "", false
	}
	return parts[2], true
}

// handleHeartbeat applies one heartbeat message
func (h *HeartbeatIngestor) handleHeartbeat(msg *nats.Msg) {
	workerID, ok := workerIDFromSubject(msg.Subject)
	if !ok {
		h.logger.Error("Invalid heartbeat subject", zap.String("subject", msg.Subject))
		return
	}

	var hb model.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		h.logger.Error("Failed to unmarshal heartbeat",
			zap.String("worker_id", workerID),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.pool.UpdateHeartbeat(ctx, workerID, &hb); err != nil {
		h.logger.Warn("Heartbeat from unknown worker",
			zap.String("worker_id", workerID),
			zap.Error(err))
		return
	}

	h.logger.Debug("Heartbeat received",
		zap.String("worker_id", workerID),
		zap.Float64("cpu_usage", hb.CPUUsage),
		zap.Float64("memory_usage", hb.MemoryUsage))
}

// handleRequestCompleted applies one request-completed message
func (h *HeartbeatIngestor) handleRequestCompleted(msg *nats.Msg) {
	workerID, ok := workerIDFromSubject(msg.Subject)
	if !ok {
		h.logger.Error("Invalid request subject", zap.String("subject", msg.Subject))
		return
	}

	var req model.RequestCompleted
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.logger.Error("Failed to unmarshal request completion",
			zap.String("worker_id", workerID),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.pool.RecordRequest(ctx, workerID, &req); err != nil {
		h.logger.Warn("Request completion from unknown worker",
			zap.String("worker_id", workerID),
			zap.Error(err))
		return
	}

	h.balancer.Increment(workerID)
	h.aggregator.ObserveResponseTime(req.ResponseTimeMs)

	if err := h.store.LogRequest(ctx, &model.RequestLog{
		WorkerID:       workerID,
		Timestamp:      time.Now(),
		ResponseTimeMs: req.ResponseTimeMs,
		Success:        req.Success,
		Endpoint:       req.Endpoint,
		Method:         req.Method,
	}); err != nil {
		h.logger.Error("Failed to log worker request",
			zap.String("worker_id", workerID),
			zap.Error(err))
	}
}
