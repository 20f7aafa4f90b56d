package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fleetcmd/fleetcmd/internal/protocol"
)

// ProgressFunc is invoked by executors at natural checkpoints so the
// caller can observe liveness during long-running work.
type ProgressFunc func()

// Executor runs one command kind. Implementations are invoked for one
// command at a time, never concurrently within an agent, and must be
// idempotent: the at-least-once guarantee means a command can run again
// after a crash.
type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error)
}

// Executors maps command kinds to their executor.
type Executors map[string]Executor

// DefaultExecutors returns the built-in executor set.
func DefaultExecutors() Executors {
	return Executors{
		protocol.KindDelay:       &DelayExecutor{},
		protocol.KindHTTPGetJSON: &HTTPGetJSONExecutor{Client: &http.Client{}},
	}
}

// DelayExecutor sleeps for the requested number of milliseconds, in
// chunks of at most one second so progress stays observable.
type DelayExecutor struct{}

const delayChunk = time.Second

// Execute sleeps payload.ms milliseconds.
func (e *DelayExecutor) Execute(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error) {
	var p protocol.DelayPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid delay payload: %w", err)
	}
	if p.Ms <= 0 {
		return nil, errors.New("delay ms must be positive")
	}

	start := time.Now()
	remaining := time.Duration(p.Ms) * time.Millisecond
	for remaining > 0 {
		chunk := remaining
		if chunk > delayChunk {
			chunk = delayChunk
		}
		timer := time.NewTimer(chunk)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		remaining -= chunk
		if onProgress != nil {
			onProgress()
		}
	}

	return json.Marshal(protocol.DelayResult{
		OK:     true,
		TookMs: time.Since(start).Milliseconds(),
	})
}

// HTTPGetJSONExecutor issues a GET and captures the response. A transport
// failure or a non-200 status is a valid outcome of the command, not an
// executor failure: the result carries the error and the command
// completes.
type HTTPGetJSONExecutor struct {
	Client *http.Client
}

const (
	// MaxBodySize is the largest response prefix kept in a result.
	MaxBodySize = 10 * 1024

	httpDeadline = 30 * time.Second
	userAgent    = "fleetcmd-agent/" + Version
)

// Execute fetches payload.url with a 30 second overall deadline.
func (e *HTTPGetJSONExecutor) Execute(ctx context.Context, payload json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error) {
	var p protocol.HTTPGetJSONPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("invalid http payload: %w", err)
	}
	if p.URL == "" {
		return nil, errors.New("url is required")
	}

	ctx, cancel := context.WithTimeout(ctx, httpDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return softFailure(err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.Client.Do(req)
	if err != nil {
		return softFailure(err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if onProgress != nil {
		onProgress()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return softFailure(fmt.Sprintf("reading body: %v", err))
	}

	result := protocol.HTTPGetJSONResult{
		Status:        resp.StatusCode,
		BytesReturned: len(body),
	}

	text := body
	if len(text) > MaxBodySize {
		text = text[:MaxBodySize]
		result.Truncated = true
	}

	result.Body = encodeBody(text, result.Truncated, resp.Header.Get("Content-Type"))
	return json.Marshal(result)
}

// encodeBody keeps valid JSON as-is and falls back to a quoted string,
// with a truncation marker when the prefix was cut.
func encodeBody(text []byte, truncated bool, contentType string) json.RawMessage {
	if strings.Contains(contentType, "application/json") && json.Valid(text) {
		return json.RawMessage(text)
	}

	s := string(text)
	if truncated {
		s += "... [truncated]"
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func softFailure(msg string) (json.RawMessage, error) {
	return json.Marshal(protocol.HTTPGetJSONResult{
		Status:        0,
		Body:          nil,
		Truncated:     false,
		BytesReturned: 0,
		Error:         &msg,
	})
}
