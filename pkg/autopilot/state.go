package autopilot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// State is the kill-switch position of an autopilot engine.
type State string

const (
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateStopped State = "STOPPED"
)

// validTransitions is the closed transition set. STOPPED is terminal.
var validTransitions = map[State][]State{
	StateRunning: {StatePaused, StateStopped},
	StatePaused:  {StateRunning, StateStopped},
	StateStopped: {},
}

// CanTransition reports whether from -> to is permitted.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrInvalidTransition = errors.New("autopilot: invalid state transition")
	ErrStopped           = errors.New("autopilot: engine is stopped")
)

// TransitionRecord is one persisted kill-switch change.
type TransitionRecord struct {
	From        State     `json:"from"`
	To          State     `json:"to"`
	TriggeredBy string    `json:"triggered_by"`
	Timestamp   time.Time `json:"timestamp"`
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS autopilot_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	state TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS autopilot_transitions (
	seq INTEGER PRIMARY KEY,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
`

// stateTimeFormat matches the ledger's fixed-width layout so the two
// stores sort timestamps identically.
const stateTimeFormat = "2006-01-02T15:04:05.000000000Z"

// StateStore persists the kill-switch position and its history, so a
// restarted engine resumes where the operator left it.
type StateStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewStateStore opens the store and ensures the schema exists.
func NewStateStore(ctx context.Context, db *sql.DB) (*StateStore, error) {
	if _, err := db.ExecContext(ctx, stateSchema); err != nil {
		return nil, fmt.Errorf("autopilot: migrate: %w", err)
	}
	return &StateStore{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (s *StateStore) WithClock(clock func() time.Time) *StateStore {
	s.clock = clock
	return s
}

// Load returns the persisted state, defaulting to RUNNING for a fresh
// store.
func (s *StateStore) Load(ctx context.Context) (State, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM autopilot_state WHERE id = 1`).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRunning, nil
	}
	if err != nil {
		return "", fmt.Errorf("autopilot: load state: %w", err)
	}
	return State(state), nil
}

// Record persists a transition and appends it to the history.
func (s *StateStore) Record(ctx context.Context, from, to State, triggeredBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("autopilot: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO autopilot_state (id, state) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET state = $1`, string(to)); err != nil {
		return fmt.Errorf("autopilot: save state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO autopilot_transitions (from_state, to_state, triggered_by, timestamp)
		VALUES ($1, $2, $3, $4)`,
		string(from), string(to), triggeredBy,
		s.clock().UTC().Format(stateTimeFormat)); err != nil {
		return fmt.Errorf("autopilot: save transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("autopilot: commit: %w", err)
	}
	return nil
}

// History returns the most recent transitions, newest first, capped at
// limit (0 means no cap).
func (s *StateStore) History(ctx context.Context, limit int) ([]TransitionRecord, error) {
	q := `SELECT from_state, to_state, triggered_by, timestamp
		FROM autopilot_transitions ORDER BY seq DESC`
	args := []interface{}{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("autopilot: history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TransitionRecord
	for rows.Next() {
		var (
			rec  TransitionRecord
			from string
			to   string
			ts   string
		)
		if err := rows.Scan(&from, &to, &rec.TriggeredBy, &ts); err != nil {
			return nil, fmt.Errorf("autopilot: history scan: %w", err)
		}
		rec.From, rec.To = State(from), State(to)
		parsed, err := time.Parse(stateTimeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("autopilot: history timestamp: %w", err)
		}
		rec.Timestamp = parsed
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("autopilot: history rows: %w", err)
	}
	return out, nil
}
