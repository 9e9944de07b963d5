package client

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/harborview/realtime/wire"
)

// PendingAction is a client-local record of an attempted mutation not yet
// confirmed by the server. Its ID doubles as the idempotency key on every
// delivery attempt.
type PendingAction struct {
	ID            string
	Kind          string
	Payload       json.RawMessage
	CreatedAt     time.Time
	Attempts      int
	Status        wire.ActionStatus
	NextAttemptAt time.Time
	LastError     string
}

// Submission converts the action into its wire form.
func (a PendingAction) Submission() wire.ActionSubmission {
	return wire.ActionSubmission{
		IdempotencyKey: a.ID,
		Kind:           a.Kind,
		Payload:        a.Payload,
	}
}

// ActionLog is the ordered, persisted queue of unconfirmed client actions.
//
// Action ids are ULIDs, which sort lexicographically by creation time, so
// the primary key yields the replay order directly. Enqueue is safe from
// any goroutine at any time, including while a drain is in progress;
// entries appended during a drain are picked up by a subsequent pass.
type ActionLog struct {
	db *sql.DB
}

const actionLogSchema = `
CREATE TABLE IF NOT EXISTS pending_actions (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload BLOB,
	created_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'queued',
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
)`

// OpenActionLog opens (creating if needed) the action log database.
func OpenActionLog(path string) (*ActionLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open action log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping action log: %w", err)
	}
	if _, err := db.Exec(actionLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create action log schema: %w", err)
	}
	return &ActionLog{db: db}, nil
}

// Enqueue appends a new queued action. It always succeeds locally
// regardless of connectivity.
func (l *ActionLog) Enqueue(kind string, payload json.RawMessage) (PendingAction, error) {
	act := PendingAction{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now(),
		Status:    wire.ActionQueued,
	}
	_, err := l.db.Exec(
		`INSERT INTO pending_actions (id, kind, payload, created_at, status) VALUES (?, ?, ?, ?, ?)`,
		act.ID, act.Kind, []byte(act.Payload), act.CreatedAt.UnixMilli(), string(act.Status),
	)
	if err != nil {
		return PendingAction{}, fmt.Errorf("failed to enqueue action: %w", err)
	}
	return act, nil
}

// Pending returns unconfirmed actions in creation order. In-flight entries
// are included: after a crash they are simply attempted again, and the
// idempotency key keeps the server from applying them twice.
func (l *ActionLog) Pending() ([]PendingAction, error) {
	return l.list(`status IN (?, ?) ORDER BY id`, string(wire.ActionQueued), string(wire.ActionInFlight))
}

// Failed returns permanently failed actions awaiting user attention.
func (l *ActionLog) Failed() ([]PendingAction, error) {
	return l.list(`status = ? ORDER BY id`, string(wire.ActionFailed))
}

// MarkInFlight records the start of a delivery attempt.
func (l *ActionLog) MarkInFlight(id string) error {
	return l.update(
		`UPDATE pending_actions SET status = ?, attempts = attempts + 1 WHERE id = ?`,
		string(wire.ActionInFlight), id,
	)
}

// Confirm removes a confirmed action; it is never replayed again.
func (l *ActionLog) Confirm(id string) error {
	return l.update(`DELETE FROM pending_actions WHERE id = ?`, id)
}

// Fail marks an action permanently failed with the given reason.
func (l *ActionLog) Fail(id, reason string) error {
	return l.update(
		`UPDATE pending_actions SET status = ?, last_error = ? WHERE id = ?`,
		string(wire.ActionFailed), reason, id,
	)
}

// Requeue returns an action to the queue for a later attempt.
func (l *ActionLog) Requeue(id string, nextAttempt time.Time, reason string) error {
	return l.update(
		`UPDATE pending_actions SET status = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		string(wire.ActionQueued), nextAttempt.UnixMilli(), reason, id,
	)
}

// Dismiss removes a permanently failed action after the user resolved it.
func (l *ActionLog) Dismiss(id string) error {
	return l.update(`DELETE FROM pending_actions WHERE id = ?`, id)
}

// Close closes the underlying database.
func (l *ActionLog) Close() error {
	return l.db.Close()
}

func (l *ActionLog) list(where string, args ...any) ([]PendingAction, error) {
	rows, err := l.db.Query(
		`SELECT id, kind, payload, created_at, attempts, status, next_attempt_at, last_error FROM pending_actions WHERE `+where,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var out []PendingAction
	for rows.Next() {
		var act PendingAction
		var payload []byte
		var createdAt, nextAttempt int64
		var status string
		if err := rows.Scan(&act.ID, &act.Kind, &payload, &createdAt, &act.Attempts, &status, &nextAttempt, &act.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		act.Payload = json.RawMessage(payload)
		act.CreatedAt = time.UnixMilli(createdAt)
		act.Status = wire.ActionStatus(status)
		if nextAttempt > 0 {
			act.NextAttemptAt = time.UnixMilli(nextAttempt)
		}
		out = append(out, act)
	}
	return out, rows.Err()
}

func (l *ActionLog) update(query string, args ...any) error {
	if _, err := l.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	return nil
}
