package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAggregateComputesPoolAverages(t *testing.T) {
	f := newPoolFixture(t, PoolConfig{MaxWorkers: 4, GracePeriod: time.Minute})
	agg := NewMetricsAggregator(nil, f.pool, f.balancer, time.Minute, zaptest.NewLogger(t))

	f.pool.Spawn(context.Background(), 2)
	ids := f.launcher.ids()
	require.NoError(t, f.pool.UpdateHeartbeat(context.Background(), ids[0], heartbeatWith(50, 40)))
	require.NoError(t, f.pool.UpdateHeartbeat(context.Background(), ids[1], heartbeatWith(70, 60)))

	f.balancer.Increment(ids[0])
	f.balancer.Increment(ids[0])
	f.balancer.Increment(ids[1])
	f.balancer.Increment(ids[1])
	f.balancer.Increment(ids[1])
	f.balancer.Increment(ids[1])

	agg.ObserveResponseTime(10)
	agg.ObserveResponseTime(30)

	m := agg.Aggregate()
	assert.Equal(t, 2, m.RunningWorkers)
	assert.InDelta(t, 60.0, m.AvgCPUUsage, 0.01)
	assert.InDelta(t, 50.0, m.AvgMemoryUsage, 0.01)
	assert.InDelta(t, 3.0, m.AvgLoad, 0.01)
	assert.InDelta(t, 20.0, m.AvgResponseTimeMs, 0.01)

	assert.Equal(t, m, agg.Latest())
}

func TestAggregatorStopTwiceIsSafe(t *testing.T) {
	f := newPoolFixture(t, PoolConfig{MaxWorkers: 2, GracePeriod: time.Minute})
	agg := NewMetricsAggregator(nil, f.pool, f.balancer, time.Minute, zaptest.NewLogger(t))
	agg.Start(context.Background())

	agg.Stop()
	assert.NotPanics(t, func() { agg.Stop() })
}

func TestAggregateResetsLoadAndSamples(t *testing.T) {
	f := newPoolFixture(t, PoolConfig{MaxWorkers: 4, GracePeriod: time.Minute})
	agg := NewMetricsAggregator(nil, f.pool, f.balancer, time.Minute, zaptest.NewLogger(t))

	f.pool.Spawn(context.Background(), 2)
	f.markRunning(t, 30, 30)

	for _, id := range f.launcher.ids() {
		f.balancer.Increment(id)
	}
	agg.ObserveResponseTime(100)

	agg.Aggregate()

	// Load counters and the sample window are per-interval, not cumulative.
	for id, n := range f.balancer.LoadSnapshot() {
		assert.Zero(t, n, "worker %s", id)
	}

	m := agg.Aggregate()
	assert.Zero(t, m.AvgLoad)
	assert.Zero(t, m.AvgResponseTimeMs)
}

func TestAggregateEmptyPool(t *testing.T) {
	f := newPoolFixture(t, PoolConfig{MaxWorkers: 4, GracePeriod: time.Minute})
	agg := NewMetricsAggregator(nil, f.pool, f.balancer, time.Minute, zaptest.NewLogger(t))

	m := agg.Aggregate()
	assert.Zero(t, m.RunningWorkers)
	assert.Zero(t, m.AvgCPUUsage)
	assert.Zero(t, m.AvgMemoryUsage)
	assert.Zero(t, m.AvgLoad)
}

func TestAggregatePublishesSnapshot(t *testing.T) {
	f := newPoolFixture(t, PoolConfig{MaxWorkers: 4, GracePeriod: time.Minute})
	publisher := newStubPublisher()
	agg := NewMetricsAggregator(publisher, f.pool, f.balancer, time.Minute, zaptest.NewLogger(t))

	agg.Aggregate()
	assert.Equal(t, 1, publisher.count(metricsSubject))
}
