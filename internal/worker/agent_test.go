package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/cluster-supervisor/internal/model"
	"github.com/t77yq/cluster-supervisor/internal/testutil"
)

func TestAgentEmitsHeartbeats(t *testing.T) {
	_, nc, cleanup := testutil.StartNATS(t)
	defer cleanup()

	hbCh := make(chan []byte, 10)
	sub, err := nc.Subscribe("cluster.heartbeat.agent-1", func(m *nats.Msg) {
		hbCh <- m.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	agentConn, err := nats.Connect(nc.ConnectedUrl())
	require.NoError(t, err)
	defer agentConn.Close()

	agent := NewAgent("agent-1", agentConn, 50*time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	var hb model.Heartbeat
	select {
	case data := <-hbCh:
		require.NoError(t, json.Unmarshal(data, &hb))
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat received")
	}

	assert.GreaterOrEqual(t, hb.CPUUsage, 0.0)
	assert.GreaterOrEqual(t, hb.MemoryUsage, 0.0)
	assert.NotZero(t, hb.Timestamp)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop on context cancel")
	}
}

func TestAgentHandlesDispatchAndReportsCompletion(t *testing.T) {
	_, nc, cleanup := testutil.StartNATS(t)
	defer cleanup()

	reqCh := make(chan []byte, 1)
	sub, err := nc.Subscribe("cluster.request.agent-2", func(m *nats.Msg) {
		reqCh <- m.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	agentConn, err := nats.Connect(nc.ConnectedUrl())
	require.NoError(t, err)
	defer agentConn.Close()

	agent := NewAgent("agent-2", agentConn, time.Minute, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.Run(ctx)

	// Give the agent time to subscribe before dispatching.
	require.NoError(t, agentConn.FlushTimeout(2*time.Second))
	time.Sleep(100 * time.Millisecond)

	dispatch, err := json.Marshal(model.DispatchRequest{
		RequestID: "req-1",
		Endpoint:  "/api/data",
		Method:    "GET",
	})
	require.NoError(t, err)
	require.NoError(t, nc.Publish("cluster.dispatch.agent-2", dispatch))

	select {
	case data := <-reqCh:
		var completed model.RequestCompleted
		require.NoError(t, json.Unmarshal(data, &completed))
		assert.True(t, completed.Success)
		assert.Equal(t, "/api/data", completed.Endpoint)
		assert.Equal(t, "GET", completed.Method)
		assert.GreaterOrEqual(t, completed.ResponseTimeMs, int64(0))
	case <-time.After(3 * time.Second):
		t.Fatal("no request completion received")
	}
}

func TestAgentExitsOnGracefulShutdown(t *testing.T) {
	_, nc, cleanup := testutil.StartNATS(t)
	defer cleanup()

	agentConn, err := nats.Connect(nc.ConnectedUrl())
	require.NoError(t, err)
	defer agentConn.Close()

	agent := NewAgent("agent-3", agentConn, time.Minute, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.NoError(t, agentConn.FlushTimeout(2*time.Second))
	time.Sleep(100 * time.Millisecond)

	cmd, err := json.Marshal(model.ControlCommand{Command: model.CommandGracefulShutdown})
	require.NoError(t, err)
	require.NoError(t, nc.Publish("cluster.control.agent-3", cmd))

	select {
	case err := <-done:
		assert.NoError(t, err, "graceful shutdown is a clean exit")
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not exit on graceful shutdown")
	}
}
