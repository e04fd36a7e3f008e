package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
policy_version: "1.0.0"
name: default
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
rules:
  - id: approve-yes-no
    match:
      prompt_types: [yes_no]
      min_confidence: medium
    action:
      type: auto_reply
      value: "y"
    max_auto_replies: 5
  - id: deny-force-push
    match:
      regex: 'git push\s+(--force|-f)'
    action:
      type: deny
      reason: force pushes require a human
`

func TestLoadValidDocument(t *testing.T) {
	p, err := Load([]byte(validDoc))
	require.NoError(t, err)
	assert.Equal(t, "default", p.Name)
	assert.Equal(t, AutonomyFull, p.AutonomyMode)
	assert.Len(t, p.Rules, 2)
	assert.Len(t, p.Hash(), 64)
	assert.NotNil(t, p.RuleByID("deny-force-push"))
	assert.Nil(t, p.RuleByID("missing"))
}

func TestLoadHashStableAcrossFormatting(t *testing.T) {
	p1, err := Load([]byte(validDoc))
	require.NoError(t, err)
	reformatted := strings.ReplaceAll(validDoc, "name: default", "name:   default   # trailing comment")
	p2, err := Load([]byte(reformatted))
	require.NoError(t, err)
	assert.Equal(t, p1.Hash(), p2.Hash())
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	doc := strings.Replace(validDoc, `policy_version: "1.0.0"`, `policy_version: "2.0.0"`, 1)
	_, err := Load([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestLoadAcceptsEquivalentSemver(t *testing.T) {
	doc := strings.Replace(validDoc, `policy_version: "1.0.0"`, `policy_version: "1.0"`, 1)
	_, err := Load([]byte(doc))
	assert.NoError(t, err)
}

func TestLoadRejectsDuplicateRuleIDs(t *testing.T) {
	doc := strings.Replace(validDoc, "id: deny-force-push", "id: approve-yes-no", 1)
	_, err := Load([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateRuleID)
}

func TestLoadRejectsBadRuleID(t *testing.T) {
	doc := strings.Replace(validDoc, "id: deny-force-push", `id: "-starts-with-dash"`, 1)
	_, err := Load([]byte(doc))
	assert.Error(t, err)
}

func TestLoadRejectsEmptyMatchingRegex(t *testing.T) {
	doc := strings.Replace(validDoc, `regex: 'git push\s+(--force|-f)'`, `regex: 'a*'`, 1)
	_, err := Load([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsafeRegex)
}

func TestLoadRejectsInvalidRegex(t *testing.T) {
	doc := strings.Replace(validDoc, `regex: 'git push\s+(--force|-f)'`, `regex: '(unclosed'`, 1)
	_, err := Load([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsafeRegex)
}

func TestLoadRejectsUnknownActionType(t *testing.T) {
	doc := strings.Replace(validDoc, "type: deny", "type: explode", 1)
	_, err := Load([]byte(doc))
	assert.Error(t, err)
}

func TestLoadRejectsAutoReplyWithoutValue(t *testing.T) {
	doc := strings.Replace(validDoc, `      value: "y"`+"\n", "", 1)
	_, err := Load([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestLoadValidatesConstraintsAgainstValue(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: constrained
autonomy_mode: assist
defaults:
  no_match: deny
  low_confidence: require_human
rules:
  - id: pick-option
    match:
      prompt_types: [multiple_choice]
    action:
      type: auto_reply
      value: "3"
      constraints:
        max_length: 1
        numeric_only: true
        allowed_choices: ["1", "2"]
`
	_, err := Load([]byte(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestLoadRejectsUnknownPromptType(t *testing.T) {
	doc := strings.Replace(validDoc, "prompt_types: [yes_no]", "prompt_types: [maybe]", 1)
	_, err := Load([]byte(doc))
	assert.Error(t, err)
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	doc := validDoc + "\nextra_key: true\n"
	_, err := Load([]byte(doc))
	assert.Error(t, err)
}

func TestLoadCompilesExpr(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: expr
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
rules:
  - id: short-excerpts-only
    match:
      expr: 'event.excerpt.size() < 100 && environment != "production"'
    action:
      type: auto_reply
      value: "y"
`
	p, err := Load([]byte(doc))
	require.NoError(t, err)
	assert.NotNil(t, p.Rules[0].Match.compiledExpr)
}

func TestLoadRejectsNonBooleanExpr(t *testing.T) {
	doc := `
policy_version: "1.0.0"
name: expr
autonomy_mode: full
defaults:
  no_match: require_human
  low_confidence: require_human
rules:
  - id: bad-expr
    match:
      expr: 'event.excerpt.size()'
    action:
      type: deny
`
	_, err := Load([]byte(doc))
	assert.Error(t, err)
}
