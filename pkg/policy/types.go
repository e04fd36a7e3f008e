// Package policy implements the policy document model, the load-time
// validator, and the deterministic first-match-wins rule evaluator.
//
// A policy is immutable once loaded. Its content hash identifies the
// exact ruleset in force and is stamped into every decision, so a
// recorded decision can always be traced to the document that produced
// it.
package policy

import (
	"regexp"

	"github.com/google/cel-go/cel"
	"github.com/Quorum-Labs/warden/pkg/contracts"
)

// SupportedVersion is the policy document version this runtime accepts.
// Loading a document with any other version fails.
const SupportedVersion = "1.0.0"

// AutonomyMode controls how much the autopilot may do on its own.
type AutonomyMode string

const (
	AutonomyOff    AutonomyMode = "off"
	AutonomyAssist AutonomyMode = "assist"
	AutonomyFull   AutonomyMode = "full"
)

// Valid reports whether m is a known autonomy mode.
func (m AutonomyMode) Valid() bool {
	switch m {
	case AutonomyOff, AutonomyAssist, AutonomyFull:
		return true
	}
	return false
}

// DefaultAction is the fallback applied when no rule matches. Only the
// two human-safe fallbacks are permitted.
type DefaultAction string

const (
	DefaultRequireHuman DefaultAction = "require_human"
	DefaultDeny         DefaultAction = "deny"
)

// Defaults configures the no-match fallbacks.
type Defaults struct {
	NoMatch       DefaultAction `yaml:"no_match" json:"no_match"`
	LowConfidence DefaultAction `yaml:"low_confidence" json:"low_confidence"`
}

// Constraints bound the values an auto_reply may inject.
type Constraints struct {
	MaxLength      int      `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	NumericOnly    bool     `yaml:"numeric_only,omitempty" json:"numeric_only,omitempty"`
	AllowedChoices []string `yaml:"allowed_choices,omitempty" json:"allowed_choices,omitempty"`
}

// Action is the tagged-union payload of a rule. Type discriminates;
// unknown tags are rejected at load time.
type Action struct {
	Type        contracts.ActionType `yaml:"type" json:"type"`
	Value       string               `yaml:"value,omitempty" json:"value,omitempty"`
	Message     string               `yaml:"message,omitempty" json:"message,omitempty"`
	Reason      string               `yaml:"reason,omitempty" json:"reason,omitempty"`
	Constraints *Constraints         `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// MatchCriteria is an AND-composed predicate set. All populated fields
// must hold for the criteria to match. AnyOf groups require at least
// one matching member; a matching NoneOf member fails the criteria.
// The flat form is the one-branch special case of the grouped form;
// there is a single evaluation path.
type MatchCriteria struct {
	Tool          string          `yaml:"tool,omitempty" json:"tool,omitempty"`
	RepoPrefix    string          `yaml:"repo_prefix,omitempty" json:"repo_prefix,omitempty"`
	PromptTypes   []string        `yaml:"prompt_types,omitempty" json:"prompt_types,omitempty"`
	MinConfidence string          `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
	MaxConfidence string          `yaml:"max_confidence,omitempty" json:"max_confidence,omitempty"`
	Contains      string          `yaml:"contains,omitempty" json:"contains,omitempty"`
	Regex         string          `yaml:"regex,omitempty" json:"regex,omitempty"`
	SessionTag    string          `yaml:"session_tag,omitempty" json:"session_tag,omitempty"`
	SessionState  string          `yaml:"session_state,omitempty" json:"session_state,omitempty"`
	Environment   string          `yaml:"environment,omitempty" json:"environment,omitempty"`
	Expr          string          `yaml:"expr,omitempty" json:"expr,omitempty"`
	AnyOf         []MatchCriteria `yaml:"any_of,omitempty" json:"any_of,omitempty"`
	NoneOf        []MatchCriteria `yaml:"none_of,omitempty" json:"none_of,omitempty"`

	compiledRegex *regexp.Regexp
	compiledExpr  cel.Program
}

// Rule binds match criteria to an action. MaxAutoReplies, when set,
// caps per-session autonomous replies attributed to this rule.
type Rule struct {
	ID             string        `yaml:"id" json:"id"`
	Match          MatchCriteria `yaml:"match" json:"match"`
	Action         Action        `yaml:"action" json:"action"`
	MaxAutoReplies int           `yaml:"max_auto_replies,omitempty" json:"max_auto_replies,omitempty"`
}

// Policy is a loaded, validated, immutable ruleset.
type Policy struct {
	Version      string       `yaml:"policy_version" json:"policy_version"`
	Name         string       `yaml:"name" json:"name"`
	AutonomyMode AutonomyMode `yaml:"autonomy_mode" json:"autonomy_mode"`
	Rules        []Rule       `yaml:"rules" json:"rules"`
	Defaults     Defaults     `yaml:"defaults" json:"defaults"`

	hash string
}

// Hash returns the content hash of the canonical policy document.
func (p *Policy) Hash() string {
	return p.hash
}

// RuleByID returns the rule with the given ID, or nil.
func (p *Policy) RuleByID(id string) *Rule {
	for i := range p.Rules {
		if p.Rules[i].ID == id {
			return &p.Rules[i]
		}
	}
	return nil
}
