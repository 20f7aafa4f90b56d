package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetcmd/fleetcmd/internal/protocol"
)

// Store errors.
var (
	// ErrDuplicateID is returned when inserting a command whose id exists.
	ErrDuplicateID = errors.New("duplicate command id")
	// ErrNotFound is returned when a command id is unknown.
	ErrNotFound = errors.New("command not found")
)

// Store provides atomic, crash-safe persistence of commands and agent
// liveness. Every exported method runs as a single transaction, so the
// coordination invariants reduce to SQLite's transactional guarantees.
// No locks are held outside the database.
type Store struct {
	db *sql.DB
}

// NewStore wraps an initialized database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const commandColumns = `id, kind, payload, status, result, owner, completed_by,
	created_at, updated_at, started_at, completed_at`

// InsertCommand persists a newly submitted command in PENDING state.
func (s *Store) InsertCommand(id, kind string, payload json.RawMessage, now time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRow(`SELECT COUNT(*) FROM commands WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrDuplicateID
		}

		_, err = tx.Exec(`
			INSERT INTO commands (id, kind, payload, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, kind, string(payload), protocol.StatusPending,
			formatTime(now), formatTime(now))
		return err
	})
}

// GetCommand returns a command by id, or ErrNotFound.
func (s *Store) GetCommand(id string) (*protocol.Command, error) {
	row := s.db.QueryRow(`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cmd, err
}

// ListCommands returns all commands ordered by creation time.
func (s *Store) ListCommands() ([]protocol.Command, error) {
	rows, err := s.db.Query(`SELECT ` + commandColumns + ` FROM commands ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cmds []protocol.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, *cmd)
	}
	return cmds, rows.Err()
}

// AssignNext hands the oldest PENDING command to the agent, or returns the
// command the agent already owns. The whole operation is one transaction:
// a double fetch from the same agent is idempotent, and two agents can
// never win the same PENDING command.
func (s *Store) AssignNext(agentID string, now time.Time) (*protocol.Command, error) {
	var assigned *protocol.Command
	err := s.withTx(func(tx *sql.Tx) error {
		// An agent that crashed after receiving a response but before
		// acting on it gets the same command back.
		current, err := runningFor(tx, agentID)
		if err != nil {
			return err
		}
		if current != nil {
			// An idle heartbeat between the two fetches cleared the
			// liveness binding; restore it with the assignment.
			if err := upsertHeartbeat(tx, agentID, &current.ID, now); err != nil {
				return err
			}
			assigned = current
			return nil
		}

		row := tx.QueryRow(`
			SELECT `+commandColumns+` FROM commands
			WHERE status = ?
			ORDER BY created_at, id LIMIT 1`, protocol.StatusPending)
		next, err := scanCommand(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		res, err := tx.Exec(`
			UPDATE commands SET status = ?, owner = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			protocol.StatusRunning, agentID, formatTime(now), formatTime(now),
			next.ID, protocol.StatusPending)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("command %s changed state during assignment", next.ID)
		}

		if err := upsertHeartbeat(tx, agentID, &next.ID, now); err != nil {
			return err
		}

		next.Status = protocol.StatusRunning
		next.Owner = &agentID
		started := now
		next.StartedAt = &started
		next.UpdatedAt = now
		assigned = next
		return nil
	})
	return assigned, err
}

// GetRunningFor returns the command currently owned by the agent, if any.
func (s *Store) GetRunningFor(agentID string) (*protocol.Command, error) {
	var cmd *protocol.Command
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		cmd, err = runningFor(tx, agentID)
		return err
	})
	return cmd, err
}

// Complete moves a RUNNING command owned by agentID into a terminal state.
// It returns true iff the record was still RUNNING with that owner;
// otherwise the store is left untouched. The finishing agent is recorded
// in completed_by so replayed reports can be recognized.
func (s *Store) Complete(commandID, agentID, terminal string, result json.RawMessage, errMsg *string, now time.Time) (bool, error) {
	resultText, err := mergeError(result, errMsg)
	if err != nil {
		return false, err
	}

	var completed bool
	err = s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE commands
			SET status = ?, result = ?, completed_by = owner, owner = NULL,
			    completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND owner = ?`,
			terminal, resultText, formatTime(now), formatTime(now),
			commandID, protocol.StatusRunning, agentID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		completed = true

		_, err = tx.Exec(`UPDATE agents SET current_command = NULL WHERE agent_id = ?`, agentID)
		return err
	})
	return completed, err
}

// TouchHeartbeat upserts the agent's liveness record.
func (s *Store) TouchHeartbeat(agentID string, currentCommand *string, now time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		return upsertHeartbeat(tx, agentID, currentCommand, now)
	})
}

// ReclaimCrashed resets every RUNNING command to PENDING. Run once at
// server startup, before serving requests: progress of commands that were
// in flight at crash time is indeterminate, so they are retried rather
// than failed.
func (s *Store) ReclaimCrashed(now time.Time) (int64, error) {
	var count int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE commands SET status = ?, owner = NULL, started_at = NULL, updated_at = ?
			WHERE status = ?`,
			protocol.StatusPending, formatTime(now), protocol.StatusRunning)
		if err != nil {
			return err
		}
		count, err = res.RowsAffected()
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE agents SET current_command = NULL`)
		return err
	})
	return count, err
}

// ReclaimStale returns RUNNING commands whose owner has not heartbeated
// since cutoff to PENDING, making them eligible for reassignment.
func (s *Store) ReclaimStale(cutoff, now time.Time) (int64, error) {
	var count int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE commands SET status = ?, owner = NULL, started_at = NULL, updated_at = ?
			WHERE status = ? AND owner IN (
				SELECT agent_id FROM agents WHERE last_heartbeat < ?
			)`,
			protocol.StatusPending, formatTime(now), protocol.StatusRunning,
			formatTime(cutoff))
		if err != nil {
			return err
		}
		count, err = res.RowsAffected()
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE agents SET current_command = NULL
			WHERE last_heartbeat < ?`, formatTime(cutoff))
		return err
	})
	return count, err
}

// Requeue resets the command the agent still owns back to PENDING and
// returns it. Used by agent sync after an agent-side crash: the agent
// cannot know whether it executed before crashing, so the command goes
// back to the queue for an at-least-once retry.
func (s *Store) Requeue(agentID string, now time.Time) (*protocol.Command, error) {
	var requeued *protocol.Command
	err := s.withTx(func(tx *sql.Tx) error {
		current, err := runningFor(tx, agentID)
		if err != nil || current == nil {
			return err
		}

		_, err = tx.Exec(`
			UPDATE commands SET status = ?, owner = NULL, started_at = NULL, updated_at = ?
			WHERE id = ?`,
			protocol.StatusPending, formatTime(now), current.ID)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE agents SET current_command = NULL WHERE agent_id = ?`, agentID)
		if err != nil {
			return err
		}

		current.Status = protocol.StatusPending
		current.Owner = nil
		current.StartedAt = nil
		current.UpdatedAt = now
		requeued = current
		return nil
	})
	return requeued, err
}

// LastHeartbeat returns the recorded heartbeat time for an agent, or nil.
func (s *Store) LastHeartbeat(agentID string) (*time.Time, error) {
	var raw string
	err := s.db.QueryRow(`SELECT last_heartbeat FROM agents WHERE agent_id = ?`, agentID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func runningFor(tx *sql.Tx, agentID string) (*protocol.Command, error) {
	row := tx.QueryRow(`
		SELECT `+commandColumns+` FROM commands
		WHERE status = ? AND owner = ?`,
		protocol.StatusRunning, agentID)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cmd, err
}

func upsertHeartbeat(tx *sql.Tx, agentID string, currentCommand *string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO agents (agent_id, last_heartbeat, current_command)
		VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			last_heartbeat = excluded.last_heartbeat,
			current_command = excluded.current_command`,
		agentID, formatTime(now), currentCommand)
	return err
}

// mergeError folds an error message into the serialized result, producing
// `{"error": msg}` when there is no result to merge into.
func mergeError(result json.RawMessage, errMsg *string) (*string, error) {
	if result == nil && errMsg == nil {
		return nil, nil
	}
	if errMsg == nil {
		text := string(result)
		return &text, nil
	}

	merged := map[string]any{}
	if result != nil {
		if err := json.Unmarshal(result, &merged); err != nil {
			return nil, fmt.Errorf("result is not a JSON object: %w", err)
		}
	}
	merged["error"] = *errMsg
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	text := string(data)
	return &text, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*protocol.Command, error) {
	var (
		cmd                          protocol.Command
		payload                      string
		result, owner, completedBy   *string
		createdAt, updatedAt         string
		startedAt, completedAt       *string
	)
	err := row.Scan(&cmd.ID, &cmd.Kind, &payload, &cmd.Status, &result, &owner,
		&completedBy, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	cmd.Payload = json.RawMessage(payload)
	if result != nil {
		cmd.Result = json.RawMessage(*result)
	}
	// agentId reports the current owner while RUNNING, and the agent
	// that finished the command once terminal.
	if owner != nil {
		cmd.Owner = owner
	} else if completedBy != nil && protocol.IsTerminal(cmd.Status) {
		cmd.Owner = completedBy
	}

	if cmd.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cmd.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if startedAt != nil {
		t, err := parseTime(*startedAt)
		if err != nil {
			return nil, err
		}
		cmd.StartedAt = &t
	}
	if completedAt != nil {
		t, err := parseTime(*completedAt)
		if err != nil {
			return nil, err
		}
		cmd.CompletedAt = &t
	}
	return &cmd, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
