package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetcmd/fleetcmd/internal/protocol"
	"github.com/fleetcmd/fleetcmd/internal/server"
)

// Happy path: submit a delay, run an agent, observe completion.
func TestHappyPath(t *testing.T) {
	e := newEnv(t)
	id := e.submitDelay(200)

	cmd := e.getCommand(id)
	require.Equal(t, protocol.StatusPending, cmd.Status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.startAgent(ctx, t.TempDir(), 0)

	cmd = e.waitForStatus(id, protocol.StatusCompleted, 5*time.Second)
	require.NotNil(t, cmd.Owner)
	require.True(t, strings.HasPrefix(*cmd.Owner, "agent-"))
	require.NotNil(t, cmd.CompletedAt)

	var res protocol.DelayResult
	require.NoError(t, json.Unmarshal(cmd.Result, &res))
	require.True(t, res.OK)
	require.GreaterOrEqual(t, res.TookMs, int64(200))
}

// FIFO: three commands complete strictly in submission order.
func TestFIFOOrdering(t *testing.T) {
	e := newEnv(t)

	ids := make([]string, 3)
	for i := range ids {
		ids[i] = e.submitDelay(100)
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.startAgent(ctx, t.TempDir(), 0)

	var started []time.Time
	for _, id := range ids {
		cmd := e.waitForStatus(id, protocol.StatusCompleted, 10*time.Second)
		require.NotNil(t, cmd.StartedAt)
		started = append(started, *cmd.StartedAt)
	}

	require.True(t, started[0].Before(started[1]), "first submitted must start first")
	require.True(t, started[1].Before(started[2]), "second submitted must start second")
}

// Server crash recovery: a restart requeues the running command and the
// orphaned agent's report is rejected.
func TestServerCrashRecovery(t *testing.T) {
	e := newEnv(t)
	id := e.submitDelay(10000)

	var fetched protocol.FetchResponse
	require.Equal(t, http.StatusOK,
		e.postJSON("/agent/fetch", protocol.FetchRequest{AgentID: "agent-orphan"}, &fetched))
	require.NotNil(t, fetched.Command)
	require.Equal(t, id, fetched.Command.ID)

	e.restartServer()

	cmd := e.getCommand(id)
	require.Equal(t, protocol.StatusPending, cmd.Status)
	require.Nil(t, cmd.Owner)
	require.Nil(t, cmd.StartedAt)

	// The pre-crash owner reports into the void: conflict.
	status := e.postJSON("/agent/result", protocol.ResultRequest{
		AgentID:   "agent-orphan",
		CommandID: id,
		Status:    protocol.StatusCompleted,
		Result:    json.RawMessage(`{"ok":true,"took_ms":10000}`),
	}, nil)
	require.Equal(t, http.StatusConflict, status)

	// The same agent's next fetch wins the command again.
	require.Equal(t, http.StatusOK,
		e.postJSON("/agent/fetch", protocol.FetchRequest{AgentID: "agent-orphan"}, &fetched))
	require.NotNil(t, fetched.Command)
	require.Equal(t, id, fetched.Command.ID)
}

// Agent crash recovery: a restarted agent with the same identity syncs,
// the server requeues the unfinished command, and it runs to completion
// exactly once more.
func TestAgentCrashRecovery(t *testing.T) {
	e := newEnv(t)
	id := e.submitDelay(2000)
	dataPath := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	done := e.startAgent(ctx, dataPath, 0)

	e.waitForStatus(id, protocol.StatusRunning, 5*time.Second)

	// Kill the agent mid-execution. It abandons the command without
	// reporting.
	cancel()
	require.NoError(t, <-done)

	cmd := e.getCommand(id)
	require.Equal(t, protocol.StatusRunning, cmd.Status)

	// Same persisted identity, fresh process: sync requeues, then the
	// poll loop picks the command back up.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	e.startAgent(ctx2, dataPath, 0)

	cmd = e.waitForStatus(id, protocol.StatusCompleted, 10*time.Second)
	require.NotNil(t, cmd.Owner)
}

// Stale reclaim: a frozen agent's command returns to PENDING after the
// timeout.
func TestStaleReclaim(t *testing.T) {
	e := newEnvWithConfig(t, &server.Config{
		Port:               3000,
		DatabasePath:       filepath.Join(t.TempDir(), "commands.db"),
		CommandTimeout:     100 * time.Millisecond,
		StaleCheckInterval: 50 * time.Millisecond,
	})

	id := e.submitDelay(30000)

	var fetched protocol.FetchResponse
	require.Equal(t, http.StatusOK,
		e.postJSON("/agent/fetch", protocol.FetchRequest{AgentID: "agent-frozen"}, &fetched))
	require.NotNil(t, fetched.Command)

	// No heartbeats beyond the fetch; wait past the timeout.
	time.Sleep(150 * time.Millisecond)
	e.srv.Reclaimer().RunOnce()

	cmd := e.getCommand(id)
	require.Equal(t, protocol.StatusPending, cmd.Status)
	require.Nil(t, cmd.Owner)
}

// Idempotent completion over HTTP: replaying the exact result body is
// acknowledged and mutates nothing.
func TestIdempotentCompletion(t *testing.T) {
	e := newEnv(t)
	id := e.submitDelay(100)

	var fetched protocol.FetchResponse
	require.Equal(t, http.StatusOK,
		e.postJSON("/agent/fetch", protocol.FetchRequest{AgentID: "agent-1"}, &fetched))

	report := protocol.ResultRequest{
		AgentID:   "agent-1",
		CommandID: id,
		Status:    protocol.StatusCompleted,
		Result:    json.RawMessage(`{"ok":true,"took_ms":101}`),
	}
	var ack protocol.ResultResponse
	require.Equal(t, http.StatusOK, e.postJSON("/agent/result", report, &ack))
	require.True(t, ack.Acknowledged)

	before := e.getCommand(id)

	require.Equal(t, http.StatusOK, e.postJSON("/agent/result", report, &ack))
	require.True(t, ack.Acknowledged)

	after := e.getCommand(id)
	require.True(t, before.CompletedAt.Equal(*after.CompletedAt))
	require.JSONEq(t, string(before.Result), string(after.Result))
}
