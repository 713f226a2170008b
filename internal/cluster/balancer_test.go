package cluster

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/cluster-supervisor/internal/model"
)

func makeRunningWorkers(n int) []*model.WorkerRecord {
	workers := make([]*model.WorkerRecord, n)
	for i := range workers {
		workers[i] = &model.WorkerRecord{
			ID:     fmt.Sprintf("worker-%d", i),
			Status: model.WorkerStatusRunning,
		}
	}
	return workers
}

func trackAll(lb *LoadBalancer, workers []*model.WorkerRecord) {
	for _, w := range workers {
		lb.Track(w.ID)
	}
}

func TestSelectEmptyRunningSet(t *testing.T) {
	lb := NewLoadBalancer(&RoundRobinStrategy{}, zaptest.NewLogger(t))

	_, err := lb.Select(nil)
	assert.ErrorIs(t, err, ErrNoWorkersAvailable)
}

func TestRoundRobinIsDeterministic(t *testing.T) {
	workers := makeRunningWorkers(4)
	lb := NewLoadBalancer(&RoundRobinStrategy{}, zaptest.NewLogger(t))
	trackAll(lb, workers)

	// N consecutive selections over a fixed set of N workers must visit
	// each worker exactly once.
	seen := make(map[string]int)
	for i := 0; i < len(workers); i++ {
		w, err := lb.Select(workers)
		require.NoError(t, err)
		seen[w.ID]++
	}

	assert.Len(t, seen, len(workers))
	for _, w := range workers {
		assert.Equal(t, 1, seen[w.ID], "worker %s", w.ID)
	}
}

func TestRoundRobinSurvivesMembershipChange(t *testing.T) {
	workers := makeRunningWorkers(5)
	lb := NewLoadBalancer(&RoundRobinStrategy{}, zaptest.NewLogger(t))
	trackAll(lb, workers)

	for i := 0; i < 4; i++ {
		_, err := lb.Select(workers)
		require.NoError(t, err)
	}

	// Shrink the running set; the next selection must not panic and must
	// come from the remaining workers.
	shrunk := workers[:2]
	w, err := lb.Select(shrunk)
	require.NoError(t, err)
	assert.Contains(t, []string{shrunk[0].ID, shrunk[1].ID}, w.ID)
}

func TestLeastConnectionsPicksMinimum(t *testing.T) {
	workers := makeRunningWorkers(3)
	lb := NewLoadBalancer(&LeastConnectionsStrategy{}, zaptest.NewLogger(t))
	trackAll(lb, workers)

	lb.Increment(workers[0].ID)
	lb.Increment(workers[0].ID)
	lb.Increment(workers[2].ID)

	before := lb.LoadSnapshot()
	w, err := lb.Select(workers)
	require.NoError(t, err)

	for _, other := range workers {
		assert.LessOrEqual(t, before[w.ID], before[other.ID])
	}
	assert.Equal(t, workers[1].ID, w.ID)
}

func TestLeastConnectionsTieBreaksFirstEncountered(t *testing.T) {
	workers := makeRunningWorkers(3)
	lb := NewLoadBalancer(&LeastConnectionsStrategy{}, zaptest.NewLogger(t))
	trackAll(lb, workers)

	w, err := lb.Select(workers)
	require.NoError(t, err)
	assert.Equal(t, workers[0].ID, w.ID)
}

func TestLeastConnectionsDistributesEvenlyAfterReset(t *testing.T) {
	workers := makeRunningWorkers(3)
	lb := NewLoadBalancer(&LeastConnectionsStrategy{}, zaptest.NewLogger(t))
	trackAll(lb, workers)

	lb.Increment(workers[0].ID)
	lb.Increment(workers[0].ID)
	lb.Increment(workers[1].ID)
	lb.ResetLoad()

	for i := 0; i < 9; i++ {
		_, err := lb.Select(workers)
		require.NoError(t, err)
	}

	load := lb.LoadSnapshot()
	for _, w := range workers {
		assert.InDelta(t, 3, load[w.ID], 1, "worker %s", w.ID)
	}
}

func TestRandomSelectsFromRunningSet(t *testing.T) {
	workers := makeRunningWorkers(3)
	lb := NewLoadBalancer(&RandomStrategy{rnd: rand.New(rand.NewSource(42))}, zaptest.NewLogger(t))
	trackAll(lb, workers)

	valid := map[string]bool{}
	for _, w := range workers {
		valid[w.ID] = true
	}

	for i := 0; i < 20; i++ {
		w, err := lb.Select(workers)
		require.NoError(t, err)
		assert.True(t, valid[w.ID])
	}
}

func TestForgetPrunesLoadEntry(t *testing.T) {
	workers := makeRunningWorkers(2)
	lb := NewLoadBalancer(&LeastConnectionsStrategy{}, zaptest.NewLogger(t))
	trackAll(lb, workers)

	lb.Increment(workers[0].ID)
	lb.Forget(workers[0].ID)

	load := lb.LoadSnapshot()
	_, present := load[workers[0].ID]
	assert.False(t, present)
	assert.Contains(t, load, workers[1].ID)

	// Increment after Forget must not resurrect the entry.
	lb.Increment(workers[0].ID)
	_, present = lb.LoadSnapshot()[workers[0].ID]
	assert.False(t, present)
}

func TestNewStrategy(t *testing.T) {
	for _, name := range []model.BalancingStrategyName{
		model.StrategyRoundRobin,
		model.StrategyLeastConnections,
		model.StrategyRandom,
	} {
		s, err := NewStrategy(name)
		require.NoError(t, err)
		require.NotNil(t, s)
	}

	_, err := NewStrategy("weighted")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
