// Package ledger implements the append-only, hash-chained audit log
// and the idempotent prompt-record store. Both sit on database/sql, so
// SQLite and Postgres are interchangeable backends, and both guarantees
// compose: every decision is chained into the tamper-evident log, and
// resolving a prompt takes effect at most once.
//
// Event hash formula, fixed for interop:
//
//	hash = hex(SHA256(prev_hash + id + event_type + canonical_json(payload)))
//
// The first event in a chain has prev_hash = "".
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Quorum-Labs/warden/pkg/canonicalize"
)

var (
	ErrNotFound = errors.New("ledger: event not found")
)

// timeFormat is a fixed-width UTC layout so stored timestamps order
// lexicographically, letting SQL compare them as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Event types recorded by the pipeline.
const (
	EventPromptDetected  = "prompt_detected"
	EventDecisionMade    = "decision_made"
	EventPromptResolved  = "prompt_resolved"
	EventGateRejected    = "gate_rejected"
	EventStateTransition = "state_transition"
	EventPolicyLoaded    = "policy_loaded"
	EventInjection       = "injection_attempt"
	EventEscalation      = "escalation"
	EventSessionEnded    = "session_ended"
)

// Event is one immutable audit record.
type Event struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	SessionID string          `json:"session_id,omitempty"`
	PromptID  string          `json:"prompt_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// ComputeHash applies the chain formula to an event's identity fields.
// Payload must already be in canonical form.
func ComputeHash(prevHash, id, eventType string, canonicalPayload []byte) string {
	return canonicalize.HashBytes([]byte(prevHash + id + eventType + string(canonicalPayload)))
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq INTEGER PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	prompt_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	archived INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_events_session ON audit_events(session_id);
`

// Ledger is the SQL-backed audit log. Appends are serialized through a
// process-local mutex plus a transaction, preserving strict chain
// order even when multiple writers share the store.
type Ledger struct {
	mu    sync.Mutex
	db    *sql.DB
	clock func() time.Time
}

// New creates a ledger over an open database handle and ensures the
// schema exists.
func New(ctx context.Context, db *sql.DB) (*Ledger, error) {
	if _, err := db.ExecContext(ctx, eventsSchema); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Ledger{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append canonicalizes the payload, chains a new event onto the head,
// and persists it atomically.
func (l *Ledger) Append(ctx context.Context, eventType, sessionID, promptID string, payload interface{}) (*Event, error) {
	canonical, err := canonicalize.JSON(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		headSeq  uint64
		headHash string
	)
	row := tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_events ORDER BY seq DESC LIMIT 1`)
	switch err := row.Scan(&headSeq, &headHash); {
	case errors.Is(err, sql.ErrNoRows):
		headSeq, headHash = 0, ""
	case err != nil:
		return nil, fmt.Errorf("ledger: head: %w", err)
	}

	e := &Event{
		Seq:       headSeq + 1,
		ID:        uuid.New().String(),
		EventType: eventType,
		SessionID: sessionID,
		PromptID:  promptID,
		Payload:   json.RawMessage(canonical),
		Timestamp: l.clock().UTC(),
		PrevHash:  headHash,
	}
	e.Hash = ComputeHash(e.PrevHash, e.ID, e.EventType, canonical)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (seq, id, event_type, session_id, prompt_id, payload, timestamp, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Seq, e.ID, e.EventType, e.SessionID, e.PromptID, string(canonical),
		e.Timestamp.Format(timeFormat), e.PrevHash, e.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	return e, nil
}

// Events returns the full chain in insertion order.
func (l *Ledger) Events(ctx context.Context) ([]Event, error) {
	return l.query(ctx, `SELECT seq, id, event_type, session_id, prompt_id, payload, timestamp, prev_hash, hash
		FROM audit_events ORDER BY seq ASC`)
}

// SessionEvents returns a session's events in insertion order.
func (l *Ledger) SessionEvents(ctx context.Context, sessionID string) ([]Event, error) {
	return l.query(ctx, `SELECT seq, id, event_type, session_id, prompt_id, payload, timestamp, prev_hash, hash
		FROM audit_events WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
}

// Range returns events with startSeq <= seq <= endSeq in order.
func (l *Ledger) Range(ctx context.Context, startSeq, endSeq uint64) ([]Event, error) {
	return l.query(ctx, `SELECT seq, id, event_type, session_id, prompt_id, payload, timestamp, prev_hash, hash
		FROM audit_events WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`, startSeq, endSeq)
}

// Head returns the newest event, or ErrNotFound on an empty chain.
func (l *Ledger) Head(ctx context.Context) (*Event, error) {
	events, err := l.query(ctx, `SELECT seq, id, event_type, session_id, prompt_id, payload, timestamp, prev_hash, hash
		FROM audit_events ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

// Length returns the number of events in the chain.
func (l *Ledger) Length(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}

func (l *Ledger) query(ctx context.Context, q string, args ...interface{}) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			e  Event
			ts string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.EventType, &e.SessionID, &e.PromptID,
			(*rawString)(&e.Payload), &ts, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		parsed, err := time.Parse(timeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("ledger: timestamp parse: %w", err)
		}
		e.Timestamp = parsed
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: rows: %w", err)
	}
	return out, nil
}

// rawString scans a TEXT column into json.RawMessage without copying
// through an intermediate.
type rawString json.RawMessage

func (r *rawString) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*r = rawString(v)
	case []byte:
		*r = rawString(append([]byte(nil), v...))
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
	return nil
}
