// Package integration contains end-to-end tests that drive a real control
// server and a real agent over HTTP.
package integration

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fleetcmd/fleetcmd/internal/agent"
	"github.com/fleetcmd/fleetcmd/internal/config"
	"github.com/fleetcmd/fleetcmd/internal/protocol"
	"github.com/fleetcmd/fleetcmd/internal/server"
)

type testEnv struct {
	t    *testing.T
	srv  *server.Server
	http *httptest.Server
	db   *sql.DB
	cfg  *server.Config
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &server.Config{
		Port:               3000,
		DatabasePath:       filepath.Join(t.TempDir(), "commands.db"),
		CommandTimeout:     time.Minute,
		StaleCheckInterval: 10 * time.Second,
	}
	return newEnvWithConfig(t, cfg)
}

func newEnvWithConfig(t *testing.T, cfg *server.Config) *testEnv {
	t.Helper()
	db, err := server.InitDatabase(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv, err := server.New(cfg, db, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{t: t, srv: srv, http: ts, db: db, cfg: cfg}
}

// restartServer plays a server crash: a fresh server instance over the
// same database, run through startup recovery.
func (e *testEnv) restartServer() {
	e.t.Helper()
	srv, err := server.New(e.cfg, e.db, zerolog.Nop())
	require.NoError(e.t, err)
	e.srv = srv
	e.http.Config.Handler = srv.Router()
}

func (e *testEnv) submitDelay(ms int) string {
	e.t.Helper()
	body, _ := json.Marshal(map[string]any{
		"type": protocol.KindDelay, "payload": map[string]any{"ms": ms},
	})
	resp, err := http.Post(e.http.URL+"/commands", "application/json", bytes.NewReader(body))
	require.NoError(e.t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(e.t, http.StatusCreated, resp.StatusCode)

	var sr protocol.SubmitResponse
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&sr))
	return sr.CommandID
}

func (e *testEnv) getCommand(id string) protocol.Command {
	e.t.Helper()
	resp, err := http.Get(e.http.URL + "/commands/" + id)
	require.NoError(e.t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(e.t, http.StatusOK, resp.StatusCode)

	var cmd protocol.Command
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&cmd))
	return cmd
}

func (e *testEnv) postJSON(path string, in, out any) int {
	e.t.Helper()
	body, _ := json.Marshal(in)
	resp, err := http.Post(e.http.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(e.t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 400 {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// startAgent runs an agent against the test server until its context is
// cancelled or killAfter polls elapse.
func (e *testEnv) startAgent(ctx context.Context, dataPath string, killAfter int) chan error {
	e.t.Helper()
	cfg := config.DefaultConfig()
	cfg.ServerURL = e.http.URL
	cfg.PollInterval = 10 * time.Millisecond
	cfg.DataPath = dataPath
	cfg.KillAfter = killAfter

	a, err := agent.New(cfg, zerolog.Nop())
	require.NoError(e.t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return done
}

// waitForStatus polls until the command reaches the wanted status.
func (e *testEnv) waitForStatus(id, want string, timeout time.Duration) protocol.Command {
	e.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cmd := e.getCommand(id)
		if cmd.Status == want {
			return cmd
		}
		time.Sleep(10 * time.Millisecond)
	}
	e.t.Fatalf("command %s never reached %s", id, want)
	return protocol.Command{}
}
