package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetcmd/fleetcmd/internal/protocol"
)

// handleSubmit accepts a new command from a client.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := validateSubmission(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.NewString()
	if err := s.store.InsertCommand(id, req.Kind, req.Payload, time.Now()); err != nil {
		s.log.Error().Err(err).Str("kind", req.Kind).Msg("failed to insert command")
		writeError(w, http.StatusInternalServerError, "failed to persist command")
		return
	}

	s.log.Info().Str("command", id).Str("kind", req.Kind).Msg("command submitted")
	writeJSON(w, http.StatusCreated, protocol.SubmitResponse{CommandID: id})
}

// validateSubmission checks kind and payload before anything is persisted.
func validateSubmission(req *protocol.SubmitRequest) error {
	switch req.Kind {
	case protocol.KindDelay:
		var p protocol.DelayPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errors.New("invalid DELAY payload")
		}
		if p.Ms <= 0 {
			return errors.New("ms must be a positive integer")
		}
	case protocol.KindHTTPGetJSON:
		var p protocol.HTTPGetJSONPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return errors.New("invalid HTTP_GET_JSON payload")
		}
		u, err := url.Parse(p.URL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return errors.New("url must be a valid absolute URL")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown command type %q", req.Kind)
	}
	return nil
}

// handleGetCommand returns a single command by id.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cmd, err := s.store.GetCommand(id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("command", id).Msg("failed to load command")
		writeError(w, http.StatusInternalServerError, "failed to load command")
		return
	}

	writeJSON(w, http.StatusOK, cmd)
}

// handleListCommands returns all commands ordered by creation time.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.store.ListCommands()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list commands")
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	if cmds == nil {
		cmds = []protocol.Command{}
	}
	writeJSON(w, http.StatusOK, protocol.ListResponse{Commands: cmds})
}

// handleHealth reports server liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

// handleFetch assigns work to an agent. Single-flight: the agent either
// receives its already-assigned command or the oldest PENDING one.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req protocol.FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	cmd, err := s.store.AssignNext(req.AgentID, time.Now())
	if err != nil {
		s.log.Error().Err(err).Str("agent", req.AgentID).Msg("assignment failed")
		writeError(w, http.StatusInternalServerError, "assignment failed")
		return
	}

	if cmd != nil {
		s.log.Info().Str("agent", req.AgentID).Str("command", cmd.ID).
			Str("kind", cmd.Kind).Msg("command assigned")
	}
	writeJSON(w, http.StatusOK, protocol.FetchResponse{Command: cmd})
}

// handleResult records a terminal report from an agent. Replayed reports
// for a command this agent already finished are acknowledged as no-ops;
// anything else that is not a live RUNNING+owner match is a conflict.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" || req.CommandID == "" {
		writeError(w, http.StatusBadRequest, "agentId and commandId are required")
		return
	}
	if req.Status != protocol.StatusCompleted && req.Status != protocol.StatusFailed {
		writeError(w, http.StatusBadRequest, "status must be COMPLETED or FAILED")
		return
	}
	if req.Error != nil && req.Result != nil {
		// The error message is folded into the result, which only works
		// on an object.
		var obj map[string]any
		if err := json.Unmarshal(req.Result, &obj); err != nil {
			writeError(w, http.StatusBadRequest, "result must be a JSON object when error is set")
			return
		}
	}

	ok, err := s.store.Complete(req.CommandID, req.AgentID, req.Status, req.Result, req.Error, time.Now())
	if err != nil {
		s.log.Error().Err(err).Str("command", req.CommandID).Msg("failed to record result")
		writeError(w, http.StatusInternalServerError, "failed to record result")
		return
	}
	if ok {
		s.log.Info().Str("agent", req.AgentID).Str("command", req.CommandID).
			Str("status", req.Status).Msg("result recorded")
		writeJSON(w, http.StatusOK, protocol.ResultResponse{Acknowledged: true})
		return
	}

	// The update matched nothing. Distinguish a crossed retry from a
	// genuine conflict by re-reading the record.
	cmd, err := s.store.GetCommand(req.CommandID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "command not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("command", req.CommandID).Msg("failed to re-read command")
		writeError(w, http.StatusInternalServerError, "failed to record result")
		return
	}

	if cmd.Status == req.Status && cmd.Owner != nil && *cmd.Owner == req.AgentID {
		s.log.Debug().Str("agent", req.AgentID).Str("command", req.CommandID).
			Msg("duplicate result report acknowledged")
		writeJSON(w, http.StatusOK, protocol.ResultResponse{
			Acknowledged: true,
			Message:      "already recorded",
		})
		return
	}

	s.log.Warn().Str("agent", req.AgentID).Str("command", req.CommandID).
		Str("current_status", cmd.Status).Msg("conflicting result report rejected")
	writeError(w, http.StatusConflict,
		fmt.Sprintf("command is %s and not owned by reporting agent", cmd.Status))
}

// handleSync answers an agent's startup query for unfinished work. Any
// command the server still believes this agent is running is requeued to
// PENDING in the same transaction and returned for visibility.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req protocol.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	cmd, err := s.store.Requeue(req.AgentID, time.Now())
	if err != nil {
		s.log.Error().Err(err).Str("agent", req.AgentID).Msg("sync failed")
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	if cmd != nil {
		s.log.Warn().Str("agent", req.AgentID).Str("command", cmd.ID).
			Msg("unfinished command requeued after agent restart")
	}
	writeJSON(w, http.StatusOK, protocol.SyncResponse{UnfinishedCommand: cmd})
}

// handleHeartbeat records agent liveness. Heartbeats never fail hard:
// storage errors are logged and the agent still gets an acknowledgement.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	if err := s.store.TouchHeartbeat(req.AgentID, req.CommandID, time.Now()); err != nil {
		s.log.Warn().Err(err).Str("agent", req.AgentID).Msg("failed to record heartbeat")
	}
	writeJSON(w, http.StatusOK, protocol.HeartbeatResponse{Acknowledged: true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}
