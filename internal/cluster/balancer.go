package cluster

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/cluster-supervisor/internal/model"
)

// BalancingStrategy defines the interface for load balancing strategies.
// Implementations pick one worker from the running set; the caller guarantees
// the set is non-empty and serializes calls.
type BalancingStrategy interface {
	Pick(running []*model.WorkerRecord, load map[string]int) *model.WorkerRecord
}

// RoundRobinStrategy rotates through the running set. The set length is
// re-evaluated on every call, so membership changes cost at most one rotation.
type RoundRobinStrategy struct {
	cursor int
}

func (s *RoundRobinStrategy) Pick(running []*model.WorkerRecord, load map[string]int) *model.WorkerRecord {
	worker := running[s.cursor%len(running)]
	s.cursor = (s.cursor + 1) % len(running)
	return worker
}

// LeastConnectionsStrategy picks the worker with the smallest load counter,
// first encountered on ties.
type LeastConnectionsStrategy struct{}

func (s *LeastConnectionsStrategy) Pick(running []*model.WorkerRecord, load map[string]int) *model.WorkerRecord {
	selected := running[0]
	minLoad := load[selected.ID]

	for _, w := range running[1:] {
		if load[w.ID] < minLoad {
			minLoad = load[w.ID]
			selected = w
		}
	}
	return selected
}

// RandomStrategy picks uniformly over the running set
type RandomStrategy struct {
	rnd *rand.Rand
}

func (s *RandomStrategy) Pick(running []*model.WorkerRecord, load map[string]int) *model.WorkerRecord {
	if s.rnd != nil {
		return running[s.rnd.Intn(len(running))]
	}
	return running[rand.Intn(len(running))]
}

// NewStrategy creates a balancing strategy by name
func NewStrategy(name model.BalancingStrategyName) (BalancingStrategy, error) {
	switch name {
	case model.StrategyRoundRobin:
		return &RoundRobinStrategy{}, nil
	case model.StrategyLeastConnections:
		return &LeastConnectionsStrategy{}, nil
	case model.StrategyRandom:
		return &RandomStrategy{}, nil
	default:
		return nil, ErrUnknownStrategy
	}
}

// LoadBalancer selects workers for incoming work and tracks per-worker load
// counters accrued since the last aggregation reset.
type LoadBalancer struct {
	logger   *zap.Logger
	mu       sync.Mutex
	strategy BalancingStrategy
	load     map[string]int
}

// NewLoadBalancer creates a new load balancer
func NewLoadBalancer(strategy BalancingStrategy, logger *zap.Logger) *LoadBalancer {
	return &LoadBalancer{
		logger:   logger.Named("load-balancer"),
		strategy: strategy,
		load:     make(map[string]int),
	}
}

// Select picks one worker from the running set and increments its load counter
func (lb *LoadBalancer) Select(running []*model.WorkerRecord) (*model.WorkerRecord, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if len(running) == 0 {
		return nil, ErrNoWorkersAvailable
	}

	worker := lb.strategy.Pick(running, lb.load)
	lb.load[worker.ID]++

	return worker, nil
}

// Track seeds the load counter for a newly spawned worker at zero
func (lb *LoadBalancer) Track(workerID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.load[workerID] = 0
}

// Forget prunes the load counter of a worker that left the pool
func (lb *LoadBalancer) Forget(workerID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.load, workerID)
}

// Increment bumps a worker's load counter for one completed request
func (lb *LoadBalancer) Increment(workerID string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, ok := lb.load[workerID]; ok {
		lb.load[workerID]++
	}
}

// LoadSnapshot returns a copy of the current load counters
func (lb *LoadBalancer) LoadSnapshot() map[string]int {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	snapshot := make(map[string]int, len(lb.load))
	for id, n := range lb.load {
		snapshot[id] = n
	}
	return snapshot
}

// ResetLoad zeroes all load counters. Called once per aggregation cycle, so
// counters measure load accrued since the last aggregation, not lifetime load.
func (lb *LoadBalancer) ResetLoad() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	for id := range lb.load {
		lb.load[id] = 0
	}
}
