package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fleetcmd/fleetcmd/internal/protocol"
)

// ErrConflict is returned when the server rejects a result report because
// the command is no longer owned by this agent (409).
var ErrConflict = errors.New("report conflicts with server state")

const (
	retryInitialInterval = time.Second
	retryMultiplier      = 2
	retryMaxAttempts     = 3
)

// Client talks to the control server's agent API. Fetch, Report and Sync
// retry transient failures with exponential backoff; heartbeats are
// fire-and-forget.
type Client struct {
	baseURL string
	agentID string
	log     zerolog.Logger
	http    *http.Client

	retryInitial time.Duration // shortened in tests
}

// NewClient creates an agent API client.
func NewClient(baseURL, agentID string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:      baseURL,
		agentID:      agentID,
		log:          log.With().Str("component", "client").Logger(),
		http:         &http.Client{Timeout: 10 * time.Second},
		retryInitial: retryInitialInterval,
	}
}

// Fetch asks the server for work. Returns nil when the queue is empty.
func (c *Client) Fetch(ctx context.Context) (*protocol.Command, error) {
	var resp protocol.FetchResponse
	err := c.postWithRetry(ctx, "/agent/fetch",
		protocol.FetchRequest{AgentID: c.agentID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Command, nil
}

// Report sends a terminal result for a command.
func (c *Client) Report(ctx context.Context, commandID, status string, result json.RawMessage, errMsg *string) error {
	var resp protocol.ResultResponse
	err := c.postWithRetry(ctx, "/agent/result", protocol.ResultRequest{
		AgentID:   c.agentID,
		CommandID: commandID,
		Status:    status,
		Result:    result,
		Error:     errMsg,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.Message != "" {
		c.log.Debug().Str("command", commandID).Str("message", resp.Message).
			Msg("result report was a replay")
	}
	return nil
}

// Sync asks the server for a command still owned by this agent. The
// server requeues it before answering, so the agent only logs it.
func (c *Client) Sync(ctx context.Context) (*protocol.Command, error) {
	var resp protocol.SyncResponse
	err := c.postWithRetry(ctx, "/agent/sync",
		protocol.SyncRequest{AgentID: c.agentID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.UnfinishedCommand, nil
}

// Heartbeat signals liveness, bound to the command currently executing
// (nil when idle). Best-effort: a lost heartbeat must never affect
// execution, so failures are only logged.
func (c *Client) Heartbeat(ctx context.Context, commandID *string) {
	var resp protocol.HeartbeatResponse
	err := c.post(ctx, "/agent/heartbeat", protocol.HeartbeatRequest{
		AgentID:   c.agentID,
		CommandID: commandID,
	}, &resp)
	if err != nil {
		c.log.Debug().Err(err).Msg("heartbeat failed")
	}
}

// postWithRetry wraps post with exponential backoff: 1s initial, doubling,
// three attempts in total. Client errors (4xx) are not retried.
func (c *Client) postWithRetry(ctx context.Context, path string, in, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := c.post(ctx, path, in, out)
		if err != nil && attempt < retryMaxAttempts {
			c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).
				Msg("request failed, retrying")
		}
		return err
	}

	return backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts-1), ctx))
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg := readErrorBody(resp.Body)
		err := fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, msg)
		if resp.StatusCode == http.StatusConflict {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrConflict, msg))
		}
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	var e protocol.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&e); err == nil && e.Error != "" {
		return e.Error
	}
	return "no error detail"
}
