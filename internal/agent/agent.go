// Package agent implements the fleetcmd worker agent.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetcmd/fleetcmd/internal/config"
	"github.com/fleetcmd/fleetcmd/internal/protocol"
)

// Version is the agent version.
const Version = "1.0.0"

// executingHeartbeatInterval is how often a heartbeat bound to the
// current command is emitted while an executor runs.
const executingHeartbeatInterval = 5 * time.Second

// Agent is a single-threaded cooperative worker: it syncs on startup,
// then loops {heartbeat, fetch, execute, report}. Exactly one command
// executes at a time; the in-flight heartbeat ticker is the only
// concurrent activity.
type Agent struct {
	cfg       *config.Config
	log       zerolog.Logger
	client    *Client
	executors Executors
	id        string

	polls int
	rng   *rand.Rand
	exit  func(code int) // overridable for tests
}

// New creates an agent with its persistent identity loaded (or freshly
// generated) from the configured data path.
func New(cfg *config.Config, log zerolog.Logger) (*Agent, error) {
	id, err := LoadOrCreateIdentity(cfg.DataPath)
	if err != nil {
		return nil, err
	}

	componentLog := log.With().Str("component", "agent").Str("agent", id).Logger()
	return &Agent{
		cfg:       cfg,
		log:       componentLog,
		client:    NewClient(cfg.ServerURL, id, componentLog),
		executors: DefaultExecutors(),
		id:        id,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		exit:      os.Exit,
	}, nil
}

// ID returns the agent's persistent identity.
func (a *Agent) ID() string {
	return a.id
}

// Run blocks until the context is cancelled or the kill-after threshold
// is reached. On shutdown the current command is abandoned; the server's
// stale reclaimer recovers it.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().
		Str("server", a.cfg.ServerURL).
		Dur("poll_interval", a.cfg.PollInterval).
		Msg("agent starting")

	if err := a.syncOnStartup(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			a.log.Info().Msg("agent stopped")
			return nil
		}

		a.polls++
		if a.cfg.KillAfter > 0 && a.polls > a.cfg.KillAfter {
			a.log.Info().Int("polls", a.polls-1).Msg("kill-after threshold reached, exiting")
			return nil
		}

		a.client.Heartbeat(ctx, nil)

		cmd, err := a.client.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			// Retries exhausted; abandon this cycle, the next one
			// starts fresh.
			a.log.Error().Err(err).Msg("fetch failed, skipping cycle")
			a.sleep(ctx)
			continue
		}
		if cmd == nil {
			a.sleep(ctx)
			continue
		}

		a.maybeCrash("after-fetch")
		a.executeAndReport(ctx, cmd)
	}
}

// syncOnStartup asks the server whether it still believes this agent owns
// a command. The agent cannot distinguish "crashed before executing" from
// "executed and crashed before reporting", so the server requeues the
// command for an at-least-once retry rather than re-running it blind.
func (a *Agent) syncOnStartup(ctx context.Context) error {
	cmd, err := a.client.Sync(ctx)
	if err != nil {
		return err
	}
	if cmd != nil {
		a.log.Warn().Str("command", cmd.ID).Str("kind", cmd.Kind).
			Msg("server requeued command unfinished at last shutdown")
	}
	return nil
}

// executeAndReport runs one command to a terminal report. A heartbeat
// bound to the command id fires every 5 seconds for as long as the
// executor runs; the ticker is stopped on every exit path.
func (a *Agent) executeAndReport(ctx context.Context, cmd *protocol.Command) {
	a.log.Info().Str("command", cmd.ID).Str("kind", cmd.Kind).Msg("executing command")

	stopHeartbeat := a.startExecutingHeartbeat(ctx, cmd.ID)
	result, execErr := a.execute(ctx, cmd)
	stopHeartbeat()

	if ctx.Err() != nil {
		// Shutting down: abandon without reporting, stale reclaim
		// returns the command to the queue.
		a.log.Warn().Str("command", cmd.ID).Msg("shutdown during execution, abandoning command")
		return
	}

	a.maybeCrash("after-execute")

	status := protocol.StatusCompleted
	var errMsg *string
	if execErr != nil {
		status = protocol.StatusFailed
		msg := execErr.Error()
		errMsg = &msg
		result = nil
		a.log.Error().Err(execErr).Str("command", cmd.ID).Msg("executor failed")
	}

	a.maybeCrash("before-report")

	if err := a.client.Report(ctx, cmd.ID, status, result, errMsg); err != nil {
		if errors.Is(err, ErrConflict) {
			// The server reassigned or reclaimed the command while we
			// were executing (e.g. after a server restart).
			a.log.Warn().Err(err).Str("command", cmd.ID).Msg("result rejected by server")
		} else {
			a.log.Error().Err(err).Str("command", cmd.ID).Msg("failed to report result")
		}
		return
	}

	a.maybeCrash("after-report")
	a.log.Info().Str("command", cmd.ID).Str("status", status).Msg("command reported")
}

func (a *Agent) execute(ctx context.Context, cmd *protocol.Command) (json.RawMessage, error) {
	exec, ok := a.executors[cmd.Kind]
	if !ok {
		return nil, errors.New("no executor for kind " + cmd.Kind)
	}

	onProgress := func() {
		a.client.Heartbeat(ctx, &cmd.ID)
	}
	return exec.Execute(ctx, cmd.Payload, onProgress)
}

// startExecutingHeartbeat emits command-bound heartbeats every 5s until
// the returned stop function is called.
func (a *Agent) startExecutingHeartbeat(ctx context.Context, commandID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(executingHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.client.Heartbeat(ctx, &commandID)
			}
		}
	}()
	return func() { close(done) }
}

func (a *Agent) sleep(ctx context.Context) {
	timer := time.NewTimer(a.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// maybeCrash exits the process at labelled points when RANDOM_FAILURES is
// set. Used by crash-recovery tests to kill the agent mid-protocol.
func (a *Agent) maybeCrash(label string) {
	if !a.cfg.RandomFailures {
		return
	}
	if a.rng.Float64() < 0.2 {
		a.log.Warn().Str("point", label).Msg("random failure injection, exiting")
		a.exit(1)
	}
}
