package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PromptStatus is the lifecycle state of a durable prompt record.
type PromptStatus string

const (
	StatusAwaitingReply PromptStatus = "awaiting_reply"
	StatusResolved      PromptStatus = "resolved"
	StatusExpired       PromptStatus = "expired"
	StatusDenied        PromptStatus = "denied"
)

// Terminal reports whether s is a terminal status.
func (s PromptStatus) Terminal() bool {
	return s == StatusResolved || s == StatusExpired || s == StatusDenied
}

var (
	ErrRecordExists      = errors.New("promptstore: record already exists")
	ErrNonTerminalStatus = errors.New("promptstore: resolution status must be terminal")
)

// PromptRecord is the durable decide-once record for a prompt.
type PromptRecord struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Status    PromptStatus `json:"status"`
	Nonce     string       `json:"nonce"`
	NonceUsed bool         `json:"nonce_used"`
	ExpiresAt time.Time    `json:"expires_at"`
}

const promptSchema = `
CREATE TABLE IF NOT EXISTS prompt_records (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	nonce TEXT NOT NULL,
	nonce_used INTEGER NOT NULL DEFAULT 0,
	expires_at TEXT NOT NULL
);
`

// PromptStore persists prompt records. The entire decide-once check is
// a single conditional UPDATE, so concurrent resolution attempts across
// channels and processes see at most one success.
type PromptStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPromptStore opens the store and ensures the schema exists.
func NewPromptStore(ctx context.Context, db *sql.DB) (*PromptStore, error) {
	if _, err := db.ExecContext(ctx, promptSchema); err != nil {
		return nil, fmt.Errorf("promptstore: migrate: %w", err)
	}
	return &PromptStore{db: db, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (s *PromptStore) WithClock(clock func() time.Time) *PromptStore {
	s.clock = clock
	return s
}

// Create inserts a new awaiting-reply record.
func (s *PromptStore) Create(ctx context.Context, id, sessionID, nonce string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_records (id, session_id, status, nonce, nonce_used, expires_at)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		id, sessionID, string(StatusAwaitingReply), nonce, expiresAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("%w: %s (%v)", ErrRecordExists, id, err)
	}
	return nil
}

// Get returns a record by prompt ID.
func (s *PromptStore) Get(ctx context.Context, id string) (*PromptRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, status, nonce, nonce_used, expires_at
		FROM prompt_records WHERE id = $1`, id)

	var (
		rec       PromptRecord
		status    string
		nonceUsed int
		expiresAt string
	)
	if err := row.Scan(&rec.ID, &rec.SessionID, &status, &rec.Nonce, &nonceUsed, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("promptstore: get: %w", err)
	}
	rec.Status = PromptStatus(status)
	rec.NonceUsed = nonceUsed != 0
	parsed, err := time.Parse(timeFormat, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("promptstore: expires_at parse: %w", err)
	}
	rec.ExpiresAt = parsed
	return &rec, nil
}

// Resolve attempts the one-shot transition to a terminal status. The
// update takes effect only if the record is still awaiting a reply, the
// deadline has not passed, the nonce matches, and the nonce is unused.
// A false return is a normal outcome (replay, mismatch, or expiry),
// never a partial state.
func (s *PromptStore) Resolve(ctx context.Context, id, nonce string, to PromptStatus) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("%w: %q", ErrNonTerminalStatus, to)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE prompt_records
		SET status = $1, nonce_used = 1
		WHERE id = $2
		  AND status = $3
		  AND nonce = $4
		  AND nonce_used = 0
		  AND expires_at > $5`,
		string(to), id, string(StatusAwaitingReply), nonce,
		s.clock().UTC().Format(timeFormat),
	)
	if err != nil {
		return false, fmt.Errorf("promptstore: resolve: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("promptstore: rows affected: %w", err)
	}
	return affected == 1, nil
}

// ExpireOverdue moves every overdue awaiting-reply record to expired
// and returns the count. Expiry does not consume the nonce; the record
// simply leaves the resolvable state.
func (s *PromptStore) ExpireOverdue(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE prompt_records
		SET status = $1
		WHERE status = $2 AND expires_at <= $3`,
		string(StatusExpired), string(StatusAwaitingReply),
		s.clock().UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("promptstore: expire: %w", err)
	}
	return res.RowsAffected()
}
