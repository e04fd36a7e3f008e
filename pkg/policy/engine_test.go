package policy

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/Quorum-Labs/warden/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func mustLoad(t *testing.T, doc string) *Policy {
	t.Helper()
	p, err := Load([]byte(doc))
	require.NoError(t, err)
	return p
}

func yesNoEvent(conf contracts.Confidence) contracts.EventContext {
	return contracts.EventContext{
		Event: contracts.PromptEvent{
			PromptID:   "p-1",
			SessionID:  "s-1",
			Type:       contracts.PromptYesNo,
			Confidence: conf,
			Excerpt:    "Continue? [y/n]",
		},
		Environment: "dev",
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: ordering
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
rules:
  - id: first
    match:
      prompt_types: [yes_no]
    action:
      type: auto_reply
      value: "y"
  - id: second
    match:
      prompt_types: [yes_no]
    action:
      type: deny
      reason: never reached
`
	e := NewEngine().WithClock(fixedClock)
	d := e.Evaluate(mustLoad(t, doc), yesNoEvent(contracts.ConfidenceHigh))
	assert.Equal(t, "first", d.MatchedRuleID)
	assert.Equal(t, contracts.ActionAutoReply, d.Action)
	assert.Equal(t, "y", d.Value)

	// Reordering the two rules flips the outcome.
	reordered := `
policy_version: "1.0.0"
name: ordering
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
rules:
  - id: second
    match:
      prompt_types: [yes_no]
    action:
      type: deny
      reason: now first
  - id: first
    match:
      prompt_types: [yes_no]
    action:
      type: auto_reply
      value: "y"
`
	d2 := e.Evaluate(mustLoad(t, reordered), yesNoEvent(contracts.ConfidenceHigh))
	assert.Equal(t, "second", d2.MatchedRuleID)
	assert.Equal(t, contracts.ActionDeny, d2.Action)
}

func TestEvaluateMinConfidenceGate(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: confidence
autonomy_mode: full
defaults:
  no_match: deny
  low_confidence: require_human
rules:
  - id: confident-yes
    match:
      prompt_types: [yes_no]
      min_confidence: medium
    action:
      type: auto_reply
      value: "y"
`
	p := mustLoad(t, doc)
	e := NewEngine().WithClock(fixedClock)

	high := e.Evaluate(p, yesNoEvent(contracts.ConfidenceHigh))
	assert.Equal(t, "confident-yes", high.MatchedRuleID)
	assert.Equal(t, contracts.ActionAutoReply, high.Action)
	assert.Equal(t, "y", high.Value)

	// Low confidence misses the rule, and the low_confidence default
	// applies instead of no_match.
	low := e.Evaluate(p, yesNoEvent(contracts.ConfidenceLow))
	assert.Empty(t, low.MatchedRuleID)
	assert.Equal(t, contracts.ActionRequireHuman, low.Action)
}

func TestEvaluateNoMatchDefault(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: defaults
autonomy_mode: full
defaults:
  no_match: deny
  low_confidence: require_human
rules:
  - id: tool-only
    match:
      prompt_types: [tool_use]
    action:
      type: notify_only
      message: tool call observed
`
	d := NewEngine().WithClock(fixedClock).Evaluate(mustLoad(t, doc), yesNoEvent(contracts.ConfidenceHigh))
	assert.Empty(t, d.MatchedRuleID)
	assert.Equal(t, contracts.ActionDeny, d.Action)
}

func TestEvaluateWildcardPromptType(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: wildcard
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
rules:
  - id: anything
    match:
      prompt_types: ["*"]
    action:
      type: notify_only
      message: observed
`
	d := NewEngine().WithClock(fixedClock).Evaluate(mustLoad(t, doc), yesNoEvent(contracts.ConfidenceHigh))
	assert.Equal(t, "anything", d.MatchedRuleID)
}

func TestEvaluateContainsIsCaseInsensitive(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: contains
autonomy_mode: full
defaults:
  no_match: deny
  low_confidence: deny
rules:
  - id: continue-prompts
    match:
      contains: "CONTINUE"
    action:
      type: auto_reply
      value: "y"
`
	d := NewEngine().WithClock(fixedClock).Evaluate(mustLoad(t, doc), yesNoEvent(contracts.ConfidenceHigh))
	assert.Equal(t, "continue-prompts", d.MatchedRuleID)
}

func TestEvaluateAnyOfNoneOf(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: groups
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
rules:
  - id: grouped
    match:
      prompt_types: [yes_no]
      any_of:
        - environment: dev
        - environment: staging
      none_of:
        - contains: "rm -rf"
    action:
      type: auto_reply
      value: "y"
`
	p := mustLoad(t, doc)
	e := NewEngine().WithClock(fixedClock)

	ok := yesNoEvent(contracts.ConfidenceHigh)
	assert.Equal(t, "grouped", e.Evaluate(p, ok).MatchedRuleID)

	prodEvent := yesNoEvent(contracts.ConfidenceHigh)
	prodEvent.Environment = "production"
	assert.Empty(t, e.Evaluate(p, prodEvent).MatchedRuleID, "any_of group unsatisfied")

	destructive := yesNoEvent(contracts.ConfidenceHigh)
	destructive.Event.Excerpt = "Run rm -rf build? [y/n]"
	assert.Empty(t, e.Evaluate(p, destructive).MatchedRuleID, "none_of member matched")
}

func TestEvaluateDeterministic(t *testing.T) {
	p := mustLoad(t, validDoc)
	e := NewEngine().WithClock(fixedClock)
	ec := yesNoEvent(contracts.ConfidenceHigh)

	first := e.Evaluate(p, ec)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Evaluate(p, ec))
	}
}

func TestEvaluateStampsPolicyHashAndKey(t *testing.T) {
	p := mustLoad(t, validDoc)
	d := NewEngine().WithClock(fixedClock).Evaluate(p, yesNoEvent(contracts.ConfidenceHigh))
	assert.Equal(t, p.Hash(), d.PolicyHash)
	assert.Equal(t, DeriveIdempotencyKey(p.Hash(), "p-1", "s-1"), d.IdempotencyKey)
	assert.Len(t, d.IdempotencyKey, 16)
}

func TestExplainDoesNotChangeOutcome(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: explain
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
rules:
  - id: winner
    match:
      prompt_types: [yes_no]
    action:
      type: auto_reply
      value: "y"
  - id: also-matches
    match:
      prompt_types: ["*"]
    action:
      type: deny
`
	p := mustLoad(t, doc)
	e := NewEngine().WithClock(fixedClock)
	ec := yesNoEvent(contracts.ConfidenceHigh)

	ex := e.Explain(p, ec)
	assert.Equal(t, e.Evaluate(p, ec), ex.Decision)
	require.Len(t, ex.Trace, 2)
	assert.True(t, ex.Trace[0].Matched)
	assert.True(t, ex.Trace[0].Winner)
	assert.True(t, ex.Trace[1].Matched, "later rules still evaluated for explain")
	assert.False(t, ex.Trace[1].Winner)
}

func TestEvaluateExprPredicate(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: expr
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
rules:
  - id: short-dev-only
    match:
      expr: 'event.excerpt.size() < 100 && environment == "dev"'
    action:
      type: auto_reply
      value: "y"
`
	p := mustLoad(t, doc)
	e := NewEngine().WithClock(fixedClock)

	assert.Equal(t, "short-dev-only", e.Evaluate(p, yesNoEvent(contracts.ConfidenceHigh)).MatchedRuleID)

	prod := yesNoEvent(contracts.ConfidenceHigh)
	prod.Environment = "production"
	assert.Empty(t, e.Evaluate(p, prod).MatchedRuleID)
}

func TestMatchBoundedCapsScannedInput(t *testing.T) {
	re := regexp.MustCompile(`needle`)

	within := strings.Repeat("x", maxRegexInput-6) + "needle"
	assert.True(t, matchBounded(re, within))

	beyond := strings.Repeat("x", maxRegexInput) + "needle"
	assert.False(t, matchBounded(re, beyond))
}

func TestDeriveIdempotencyKeyStable(t *testing.T) {
	k1 := DeriveIdempotencyKey("hash", "p1", "s1")
	k2 := DeriveIdempotencyKey("hash", "p1", "s1")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, DeriveIdempotencyKey("hash", "p2", "s1"))
}
