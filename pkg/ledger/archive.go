package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Quorum-Labs/warden/pkg/canonicalize"
)

var (
	ErrEmptySegment     = errors.New("ledger: no events in segment")
	ErrBundleCorrupted  = errors.New("ledger: bundle integrity failure")
	ErrNothingToArchive = errors.New("ledger: nothing to archive")
)

// Bundle is a self-contained, independently verifiable chain segment.
// Rotation writes bundles to secondary storage; the primary store only
// ever marks events archived, it never deletes them.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_seq"`
	EndSeq     uint64    `json:"end_seq"`
	Events     []Event   `json:"events"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// ArchiveSink receives exported segments.
type ArchiveSink interface {
	Store(ctx context.Context, name string, data []byte) error
}

// ExportBundle packages the inclusive sequence range as a bundle.
func (l *Ledger) ExportBundle(ctx context.Context, startSeq, endSeq uint64) (*Bundle, error) {
	events, err := l.Range(ctx, startSeq, endSeq)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEmptySegment
	}

	b := &Bundle{
		BundleID:  uuid.New().String(),
		CreatedAt: l.clock().UTC(),
		StartSeq:  events[0].Seq,
		EndSeq:    events[len(events)-1].Seq,
		Events:    events,
		ChainHead: events[len(events)-1].Hash,
	}
	hash, err := canonicalize.Hash(b.Events)
	if err != nil {
		return nil, fmt.Errorf("ledger: bundle hash: %w", err)
	}
	b.BundleHash = hash
	return b, nil
}

// VerifyBundle checks a bundle's hash and its internal sub-chain. The
// segment's first event links to whatever preceded it in the primary
// chain, so only intra-bundle linkage is validated.
func VerifyBundle(b *Bundle) error {
	if len(b.Events) == 0 {
		return fmt.Errorf("%w: empty bundle", ErrBundleCorrupted)
	}
	hash, err := canonicalize.Hash(b.Events)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBundleCorrupted, err)
	}
	if hash != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrBundleCorrupted)
	}

	for i, e := range b.Events {
		if computed := ComputeHash(e.PrevHash, e.ID, e.EventType, e.Payload); computed != e.Hash {
			return fmt.Errorf("%w: event hash mismatch at position %d", ErrBundleCorrupted, i)
		}
		if i > 0 && e.PrevHash != b.Events[i-1].Hash {
			return fmt.Errorf("%w: chain broken at position %d", ErrBundleCorrupted, i)
		}
	}
	return nil
}

// Rotate exports every unarchived event up to and including upToSeq,
// writes the bundle to the sink, and marks the events archived. Events
// are never removed from the primary store.
func (l *Ledger) Rotate(ctx context.Context, upToSeq uint64, sink ArchiveSink) (*Bundle, error) {
	events, err := l.query(ctx, `SELECT seq, id, event_type, session_id, prompt_id, payload, timestamp, prev_hash, hash
		FROM audit_events WHERE seq <= $1 AND archived = 0 ORDER BY seq ASC`, upToSeq)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNothingToArchive
	}

	b := &Bundle{
		BundleID:  uuid.New().String(),
		CreatedAt: l.clock().UTC(),
		StartSeq:  events[0].Seq,
		EndSeq:    events[len(events)-1].Seq,
		Events:    events,
		ChainHead: events[len(events)-1].Hash,
	}
	hash, err := canonicalize.Hash(b.Events)
	if err != nil {
		return nil, fmt.Errorf("ledger: bundle hash: %w", err)
	}
	b.BundleHash = hash

	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("ledger: bundle marshal: %w", err)
	}
	name := fmt.Sprintf("segment-%06d-%06d.json", b.StartSeq, b.EndSeq)
	if err := sink.Store(ctx, name, data); err != nil {
		return nil, fmt.Errorf("ledger: archive store: %w", err)
	}

	// Only after the sink write succeeds.
	if _, err := l.db.ExecContext(ctx,
		`UPDATE audit_events SET archived = 1 WHERE seq >= $1 AND seq <= $2`,
		b.StartSeq, b.EndSeq); err != nil {
		return nil, fmt.Errorf("ledger: mark archived: %w", err)
	}
	return b, nil
}

// FileSink writes segments to a local directory.
type FileSink struct {
	Dir string
}

// Store writes a segment file, creating the directory if needed.
func (s FileSink) Store(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("filesink: mkdir: %w", err)
	}
	path := filepath.Join(s.Dir, name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("filesink: segment %s already exists", name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("filesink: write: %w", err)
	}
	return nil
}

// ReadBundle loads and verifies a previously archived segment file.
func ReadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: read bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("ledger: parse bundle: %w", err)
	}
	if err := VerifyBundle(&b); err != nil {
		return nil, err
	}
	return &b, nil
}
