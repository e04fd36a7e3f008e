// Package contracts defines the shared types exchanged between the
// governance pipeline components, plus the capability interfaces owned
// by the adapter and channel layers.
package contracts

import (
	"context"
	"time"
)

// PromptType classifies the interaction a supervised process is blocked on.
type PromptType string

const (
	PromptYesNo          PromptType = "yes_no"
	PromptConfirmEnter   PromptType = "confirm_enter"
	PromptMultipleChoice PromptType = "multiple_choice"
	PromptFreeText       PromptType = "free_text"
	PromptToolUse        PromptType = "tool_use"
)

// Valid reports whether t is a known prompt type.
func (t PromptType) Valid() bool {
	switch t {
	case PromptYesNo, PromptConfirmEnter, PromptMultipleChoice, PromptFreeText, PromptToolUse:
		return true
	}
	return false
}

// Confidence is the upstream detector's certainty that a prompt was
// correctly classified.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank orders confidence levels: low < medium < high.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 0
	case ConfidenceMedium:
		return 1
	case ConfidenceHigh:
		return 2
	}
	return -1
}

// ActionType is the discriminator of a policy action.
type ActionType string

const (
	ActionAutoReply    ActionType = "auto_reply"
	ActionRequireHuman ActionType = "require_human"
	ActionDeny         ActionType = "deny"
	ActionNotifyOnly   ActionType = "notify_only"
)

// PromptEvent is an immutable record of a detected prompt. It is created
// by upstream detection and consumed unchanged by the policy engine, the
// gate, and the autopilot.
type PromptEvent struct {
	PromptID       string     `json:"prompt_id"`
	SessionID      string     `json:"session_id"`
	Type           PromptType `json:"prompt_type"`
	Confidence     Confidence `json:"confidence"`
	Excerpt        string     `json:"excerpt"`
	Choices        []string   `json:"choices,omitempty"`
	Masked         bool       `json:"masked,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	TTLSeconds     int        `json:"ttl_seconds"`
}

// Reply is a resolution attempt for a prompt, produced by a channel or
// by the autopilot. At most one reply may successfully resolve a prompt.
type Reply struct {
	PromptID        string    `json:"prompt_id"`
	SessionID       string    `json:"session_id"`
	Value           string    `json:"value"`
	Nonce           string    `json:"nonce"`
	ChannelIdentity string    `json:"channel_identity"`
	ThreadID        string    `json:"thread_id"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventContext carries the prompt plus the surrounding session facts the
// policy engine and risk classifier score against.
type EventContext struct {
	Event        PromptEvent `json:"event"`
	Tool         string      `json:"tool,omitempty"`
	RepoPath     string      `json:"repo_path,omitempty"`
	Branch       string      `json:"branch,omitempty"`
	CIStatus     string      `json:"ci_status,omitempty"`
	FileScope    string      `json:"file_scope,omitempty"`
	Environment  string      `json:"environment,omitempty"`
	SessionTags  []string    `json:"session_tags,omitempty"`
	SessionState string      `json:"session_state,omitempty"`
}

// Decision is the outcome of evaluating a policy against an event
// context. Identical inputs always produce an identical decision except
// for the timestamp.
type Decision struct {
	MatchedRuleID  string     `json:"matched_rule_id,omitempty"`
	Action         ActionType `json:"action_type"`
	Value          string     `json:"action_value,omitempty"`
	Explanation    string     `json:"explanation"`
	RiskScore      int        `json:"risk_score"`
	RiskCategory   string     `json:"risk_category"`
	PolicyHash     string     `json:"policy_hash"`
	IdempotencyKey string     `json:"idempotency_key"`
	Timestamp      time.Time  `json:"timestamp"`
}

// Outcome is the terminal disposition of a handled prompt.
type Outcome string

const (
	OutcomeStopped     Outcome = "stopped"
	OutcomeEscalated   Outcome = "escalated"
	OutcomeSuggested   Outcome = "suggested"
	OutcomeAutoReplied Outcome = "auto_replied"
	OutcomeDenied      Outcome = "denied"
	OutcomeNotified    Outcome = "notified"
	OutcomeRateLimited Outcome = "rate_limited"
)

// ActionResult reports what the autopilot did with a prompt.
type ActionResult struct {
	Outcome  Outcome   `json:"outcome"`
	Decision *Decision `json:"decision,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Injector is the adapter-layer capability that delivers input to the
// supervised process. Inject writes a decided value for a classified
// prompt; Write delivers raw bytes without interaction framing.
type Injector interface {
	Inject(ctx context.Context, sessionID, value string, promptType PromptType) error
	Write(ctx context.Context, sessionID, data string) error
}

// Notifier is the channel-layer capability for operator feedback and
// human escalation. The core never talks to a network API directly.
type Notifier interface {
	Notify(ctx context.Context, sessionID, message string) error
	RouteToHuman(ctx context.Context, event PromptEvent, decision *Decision) error
}
