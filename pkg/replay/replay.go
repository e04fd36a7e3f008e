// Package replay re-runs policy evaluation over a finished session's
// prompts. Replay is strictly read-only: it never appends audit events,
// never notifies anyone, and never mutates stored state.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Quorum-Labs/warden/pkg/canonicalize"
	"github.com/Quorum-Labs/warden/pkg/contracts"
	"github.com/Quorum-Labs/warden/pkg/ledger"
	"github.com/Quorum-Labs/warden/pkg/policy"
)

var ErrEmptySnapshot = errors.New("replay: snapshot has no prompts")

// Snapshot is an immutable record of the prompts a session saw, in
// detection order.
type Snapshot struct {
	SessionID string                   `json:"session_id"`
	Prompts   []contracts.EventContext `json:"prompts"`
}

// LoadSnapshot reconstructs a session's snapshot from its
// prompt_detected audit events.
func LoadSnapshot(ctx context.Context, l *ledger.Ledger, sessionID string) (*Snapshot, error) {
	events, err := l.SessionEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s := &Snapshot{SessionID: sessionID}
	for _, e := range events {
		if e.EventType != ledger.EventPromptDetected {
			continue
		}
		var ec contracts.EventContext
		if err := json.Unmarshal(e.Payload, &ec); err != nil {
			return nil, fmt.Errorf("replay: decode prompt %s: %w", e.PromptID, err)
		}
		s.Prompts = append(s.Prompts, ec)
	}
	if len(s.Prompts) == 0 {
		return nil, ErrEmptySnapshot
	}
	return s, nil
}

// Entry is one re-evaluated prompt in a report.
type Entry struct {
	PromptID      string `json:"prompt_id"`
	MatchedRuleID string `json:"matched_rule_id,omitempty"`
	ActionType    string `json:"action_type"`
	ActionValue   string `json:"action_value,omitempty"`
	RiskScore     int    `json:"risk_score"`
	RiskCategory  string `json:"risk_category"`
}

// Report is the outcome of replaying one snapshot under one policy.
// Bytes() of two reports for the same (snapshot, policy) pair are
// identical.
type Report struct {
	SessionID  string  `json:"session_id"`
	PolicyName string  `json:"policy_name"`
	PolicyHash string  `json:"policy_hash"`
	Entries    []Entry `json:"entries"`
}

// Bytes renders the report in canonical form.
func (r *Report) Bytes() ([]byte, error) {
	return canonicalize.JSON(r)
}

// Engine replays snapshots. Decisions are evaluated under a fixed
// epoch clock so the timestamp, the one nondeterministic decision
// field, is pinned.
type Engine struct {
	pe *policy.Engine
}

// NewEngine creates a replay engine.
func NewEngine() *Engine {
	pe := policy.NewEngine().WithClock(func() time.Time {
		return time.Unix(0, 0).UTC()
	})
	return &Engine{pe: pe}
}

// Replay re-evaluates every prompt in the snapshot under the policy.
func (e *Engine) Replay(s *Snapshot, p *policy.Policy) (*Report, error) {
	if s == nil || len(s.Prompts) == 0 {
		return nil, ErrEmptySnapshot
	}

	report := &Report{
		SessionID:  s.SessionID,
		PolicyName: p.Name,
		PolicyHash: p.Hash(),
		Entries:    make([]Entry, 0, len(s.Prompts)),
	}
	for _, ec := range s.Prompts {
		d := e.pe.Evaluate(p, ec)
		report.Entries = append(report.Entries, Entry{
			PromptID:      ec.Event.PromptID,
			MatchedRuleID: d.MatchedRuleID,
			ActionType:    string(d.Action),
			ActionValue:   d.Value,
			RiskScore:     d.RiskScore,
			RiskCategory:  d.RiskCategory,
		})
	}
	return report, nil
}
