package replay

import (
	"errors"
	"fmt"
)

var ErrMismatchedReports = errors.New("replay: reports cover different snapshots")

// FieldChange is one differing field for one prompt.
type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// EntryDiff lists what changed for one prompt between two reports.
type EntryDiff struct {
	PromptID string        `json:"prompt_id"`
	Changes  []FieldChange `json:"changes"`
}

// Diff is a field-level comparison of two reports over the same
// snapshot, typically under two policies.
type Diff struct {
	SessionID  string      `json:"session_id"`
	BeforeHash string      `json:"before_policy_hash"`
	AfterHash  string      `json:"after_policy_hash"`
	Entries    []EntryDiff `json:"entries,omitempty"`
	Changed    int         `json:"changed"`
	Unchanged  int         `json:"unchanged"`
}

// Compare diffs two reports prompt by prompt. Both must come from the
// same snapshot.
func Compare(before, after *Report) (*Diff, error) {
	if before.SessionID != after.SessionID || len(before.Entries) != len(after.Entries) {
		return nil, ErrMismatchedReports
	}

	d := &Diff{
		SessionID:  before.SessionID,
		BeforeHash: before.PolicyHash,
		AfterHash:  after.PolicyHash,
	}
	for i := range before.Entries {
		b, a := before.Entries[i], after.Entries[i]
		if b.PromptID != a.PromptID {
			return nil, fmt.Errorf("%w: prompt order differs at %d", ErrMismatchedReports, i)
		}

		var changes []FieldChange
		add := func(field, bv, av string) {
			if bv != av {
				changes = append(changes, FieldChange{Field: field, Before: bv, After: av})
			}
		}
		add("matched_rule_id", b.MatchedRuleID, a.MatchedRuleID)
		add("action_type", b.ActionType, a.ActionType)
		add("action_value", b.ActionValue, a.ActionValue)
		add("risk_category", b.RiskCategory, a.RiskCategory)

		if len(changes) == 0 {
			d.Unchanged++
			continue
		}
		d.Changed++
		d.Entries = append(d.Entries, EntryDiff{PromptID: b.PromptID, Changes: changes})
	}
	return d, nil
}
