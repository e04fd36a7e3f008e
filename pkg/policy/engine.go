package policy

import (
	"fmt"
	"time"

	"github.com/Quorum-Labs/warden/pkg/canonicalize"
	"github.com/Quorum-Labs/warden/pkg/contracts"
	"github.com/Quorum-Labs/warden/pkg/risk"
)

// Engine evaluates a policy against event contexts. Evaluation is a
// pure function of (policy, context): no I/O, no mutation, and the same
// inputs always produce the same decision apart from the timestamp.
type Engine struct {
	clock func() time.Time
}

// NewEngine creates a policy engine.
func NewEngine() *Engine {
	return &Engine{clock: time.Now}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate walks the rules in document order and applies the first rule
// whose criteria fully hold. If no rule matches, the document defaults
// decide: low-confidence events fall to defaults.low_confidence, all
// others to defaults.no_match.
func (e *Engine) Evaluate(p *Policy, ec contracts.EventContext) contracts.Decision {
	var (
		matched *Rule
		action  contracts.ActionType
		value   string
		explain string
	)

	for i := range p.Rules {
		if p.Rules[i].Match.Matches(ec) {
			matched = &p.Rules[i]
			break
		}
	}

	switch {
	case matched != nil:
		action = matched.Action.Type
		value = actionValue(matched.Action)
		explain = fmt.Sprintf("rule %q matched", matched.ID)
	case ec.Event.Confidence == contracts.ConfidenceLow:
		action = defaultToAction(p.Defaults.LowConfidence)
		explain = fmt.Sprintf("no rule matched; low confidence default %q applied", p.Defaults.LowConfidence)
	default:
		action = defaultToAction(p.Defaults.NoMatch)
		explain = fmt.Sprintf("no rule matched; default %q applied", p.Defaults.NoMatch)
	}

	assessment := risk.Classify(risk.Input{
		Action:      action,
		Confidence:  ec.Event.Confidence,
		PromptType:  ec.Event.Type,
		Excerpt:     ec.Event.Excerpt,
		Branch:      ec.Branch,
		CIStatus:    ec.CIStatus,
		FileScope:   ec.FileScope,
		Environment: ec.Environment,
	})

	d := contracts.Decision{
		Action:         action,
		Value:          value,
		Explanation:    explain,
		RiskScore:      assessment.Score,
		RiskCategory:   string(assessment.Category),
		PolicyHash:     p.Hash(),
		IdempotencyKey: DeriveIdempotencyKey(p.Hash(), ec.Event.PromptID, ec.Event.SessionID),
		Timestamp:      e.clock(),
	}
	if matched != nil {
		d.MatchedRuleID = matched.ID
	}
	return d
}

// RuleTrace records one rule's evaluation for explain tooling.
type RuleTrace struct {
	RuleID  string `json:"rule_id"`
	Matched bool   `json:"matched"`
	Winner  bool   `json:"winner"`
}

// Explanation pairs a decision with the full rule trace.
type Explanation struct {
	Decision contracts.Decision `json:"decision"`
	Trace    []RuleTrace        `json:"trace"`
}

// Explain evaluates every rule for diagnostic output. The outcome is
// byte-identical to Evaluate: later matches are reported but have no
// effect on the winning decision.
func (e *Engine) Explain(p *Policy, ec contracts.EventContext) Explanation {
	decision := e.Evaluate(p, ec)
	trace := make([]RuleTrace, 0, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		trace = append(trace, RuleTrace{
			RuleID:  r.ID,
			Matched: r.Match.Matches(ec),
			Winner:  r.ID == decision.MatchedRuleID,
		})
	}
	return Explanation{Decision: decision, Trace: trace}
}

// DeriveIdempotencyKey computes the decide-once key for a prompt under
// a policy: SHA256(policy_hash + ":" + prompt_id + ":" + session_id)
// truncated to 16 hex characters. Independent of prompt text, so
// re-evaluating the same prompt under the same policy always yields the
// same key.
func DeriveIdempotencyKey(policyHash, promptID, sessionID string) string {
	digest := canonicalize.HashString(policyHash + ":" + promptID + ":" + sessionID)
	return digest[:16]
}

func actionValue(a Action) string {
	switch a.Type {
	case contracts.ActionAutoReply:
		return a.Value
	case contracts.ActionRequireHuman, contracts.ActionNotifyOnly:
		return a.Message
	case contracts.ActionDeny:
		return a.Reason
	}
	return ""
}

func defaultToAction(d DefaultAction) contracts.ActionType {
	if d == DefaultDeny {
		return contracts.ActionDeny
	}
	return contracts.ActionRequireHuman
}
