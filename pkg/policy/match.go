package policy

import (
	"regexp"
	"strings"
	"time"

	"github.com/Quorum-Labs/warden/pkg/contracts"
)

// Wildcard in a prompt_types list matches any prompt type.
const Wildcard = "*"

// regexTimeout bounds a single content-regex evaluation. Patterns come
// from operator-authored policy files, which still count as an
// untrusted pattern source.
const regexTimeout = 100 * time.Millisecond

// Matches reports whether the criteria hold for the event context.
// All flat predicates AND together; each any_of group needs one
// matching member; any matching none_of member fails the criteria.
func (m *MatchCriteria) Matches(ec contracts.EventContext) bool {
	if m.Tool != "" && m.Tool != ec.Tool {
		return false
	}
	if m.RepoPrefix != "" && !strings.HasPrefix(ec.RepoPath, m.RepoPrefix) {
		return false
	}
	if len(m.PromptTypes) > 0 && !promptTypeMatches(m.PromptTypes, ec.Event.Type) {
		return false
	}
	if m.MinConfidence != "" && ec.Event.Confidence.Rank() < contracts.Confidence(m.MinConfidence).Rank() {
		return false
	}
	if m.MaxConfidence != "" && ec.Event.Confidence.Rank() > contracts.Confidence(m.MaxConfidence).Rank() {
		return false
	}
	if m.Contains != "" && !strings.Contains(strings.ToLower(ec.Event.Excerpt), strings.ToLower(m.Contains)) {
		return false
	}
	if m.compiledRegex != nil && !matchBounded(m.compiledRegex, ec.Event.Excerpt) {
		return false
	}
	if m.SessionTag != "" && !hasTag(ec.SessionTags, m.SessionTag) {
		return false
	}
	if m.SessionState != "" && m.SessionState != ec.SessionState {
		return false
	}
	if m.Environment != "" && !strings.EqualFold(m.Environment, ec.Environment) {
		return false
	}
	if m.compiledExpr != nil && !m.evalExpr(ec) {
		return false
	}

	if len(m.AnyOf) > 0 {
		matched := false
		for i := range m.AnyOf {
			if m.AnyOf[i].Matches(ec) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for i := range m.NoneOf {
		if m.NoneOf[i].Matches(ec) {
			return false
		}
	}
	return true
}

func promptTypeMatches(allowed []string, pt contracts.PromptType) bool {
	for _, a := range allowed {
		if a == Wildcard || a == string(pt) {
			return true
		}
	}
	return false
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// maxRegexInput caps the excerpt bytes a content regex may scan. The
// match goroutine in matchBounded cannot be interrupted once started,
// so the cap also bounds the work a timed-out match leaves behind: at
// most one linear RE2 pass over this many bytes.
const maxRegexInput = 64 << 10

// matchBounded runs a compiled regex under a hard deadline. Go's RE2
// engine is linear-time, but the bound is a contract, not a tuning
// knob: a match that cannot finish inside the window counts as a
// non-match.
func matchBounded(re *regexp.Regexp, text string) bool {
	if len(text) > maxRegexInput {
		text = text[:maxRegexInput]
	}
	done := make(chan bool, 1)
	go func() {
		done <- re.MatchString(text)
	}()
	select {
	case matched := <-done:
		return matched
	case <-time.After(regexTimeout):
		return false
	}
}

// evalExpr runs the compiled rule expression. Expression failures are
// non-matches: a rule never fires on an evaluation error.
func (m *MatchCriteria) evalExpr(ec contracts.EventContext) bool {
	tags := ec.SessionTags
	if tags == nil {
		tags = []string{}
	}
	choices := ec.Event.Choices
	if choices == nil {
		choices = []string{}
	}
	input := map[string]interface{}{
		"event": map[string]interface{}{
			"prompt_id":   ec.Event.PromptID,
			"session_id":  ec.Event.SessionID,
			"prompt_type": string(ec.Event.Type),
			"confidence":  string(ec.Event.Confidence),
			"excerpt":     ec.Event.Excerpt,
			"choices":     choices,
			"masked":      ec.Event.Masked,
		},
		"tool":          ec.Tool,
		"repo_path":     ec.RepoPath,
		"branch":        ec.Branch,
		"ci_status":     ec.CIStatus,
		"file_scope":    ec.FileScope,
		"environment":   ec.Environment,
		"session_state": ec.SessionState,
		"session_tags":  tags,
	}
	out, _, err := m.compiledExpr.Eval(input)
	if err != nil {
		return false
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed
}
