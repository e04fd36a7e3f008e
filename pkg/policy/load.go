package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Quorum-Labs/warden/pkg/canonicalize"
)

var (
	ErrUnsupportedVersion = errors.New("unsupported policy version")
	ErrDuplicateRuleID    = errors.New("duplicate rule id")
	ErrUnsafeRegex        = errors.New("unsafe regex pattern")
	ErrInvalidAction      = errors.New("invalid action payload")
)

var ruleIDPattern = regexp.MustCompile(`^[A-Za-z0-9][\w-]{0,63}$`)

const schemaURL = "https://schemas.warden.local/policy-v1.schema.json"

// policySchema is the structural contract of a policy document. It is
// applied before semantic validation so malformed documents fail with a
// precise location instead of a zero-value surprise downstream.
const policySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["policy_version", "name", "autonomy_mode", "rules", "defaults"],
  "additionalProperties": false,
  "properties": {
    "policy_version": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "autonomy_mode": {"enum": ["off", "assist", "full"]},
    "defaults": {
      "type": "object",
      "required": ["no_match", "low_confidence"],
      "additionalProperties": false,
      "properties": {
        "no_match": {"enum": ["require_human", "deny"]},
        "low_confidence": {"enum": ["require_human", "deny"]}
      }
    },
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "action"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string"},
          "match": {"$ref": "#/$defs/match"},
          "action": {
            "type": "object",
            "required": ["type"],
            "additionalProperties": false,
            "properties": {
              "type": {"enum": ["auto_reply", "require_human", "deny", "notify_only"]},
              "value": {"type": "string"},
              "message": {"type": "string"},
              "reason": {"type": "string"},
              "constraints": {
                "type": "object",
                "additionalProperties": false,
                "properties": {
                  "max_length": {"type": "integer", "minimum": 1},
                  "numeric_only": {"type": "boolean"},
                  "allowed_choices": {"type": "array", "items": {"type": "string", "minLength": 1}}
                }
              }
            }
          },
          "max_auto_replies": {"type": "integer", "minimum": 1}
        }
      }
    }
  },
  "$defs": {
    "match": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "tool": {"type": "string"},
        "repo_prefix": {"type": "string"},
        "prompt_types": {"type": "array", "items": {"type": "string"}},
        "min_confidence": {"enum": ["low", "medium", "high"]},
        "max_confidence": {"enum": ["low", "medium", "high"]},
        "contains": {"type": "string"},
        "regex": {"type": "string"},
        "session_tag": {"type": "string"},
        "session_state": {"type": "string"},
        "environment": {"type": "string"},
        "expr": {"type": "string"},
        "any_of": {"type": "array", "items": {"$ref": "#/$defs/match"}},
        "none_of": {"type": "array", "items": {"$ref": "#/$defs/match"}}
      }
    }
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(policySchema)); err != nil {
		panic(fmt.Sprintf("policy: schema resource: %v", err))
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("policy: schema compile: %v", err))
	}
	return sch
}

// celEnv exposes the event context to rule expressions. Built once;
// expressions are compiled against it at load time.
var celEnv = mustCelEnv()

func mustCelEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("event", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("tool", types.StringType),
			decls.NewVariable("repo_path", types.StringType),
			decls.NewVariable("branch", types.StringType),
			decls.NewVariable("ci_status", types.StringType),
			decls.NewVariable("file_scope", types.StringType),
			decls.NewVariable("environment", types.StringType),
			decls.NewVariable("session_state", types.StringType),
			decls.NewVariable("session_tags", types.NewListType(types.StringType)),
		),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: cel env: %v", err))
	}
	return env
}

// LoadFile reads, validates, and compiles a YAML policy document.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Load(data)
}

// Load validates and compiles a YAML policy document. All validation is
// front-loaded here; evaluation never fails on document shape.
func Load(data []byte) (*Policy, error) {
	var generic interface{}
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}

	// Round-trip through JSON so schema validation sees JSON-native types.
	jsonDoc, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("policy: normalize: %w", err)
	}
	var jsonGeneric interface{}
	dec := json.NewDecoder(bytes.NewReader(jsonDoc))
	dec.UseNumber()
	if err := dec.Decode(&jsonGeneric); err != nil {
		return nil, fmt.Errorf("policy: normalize decode: %w", err)
	}
	if err := compiledSchema.Validate(jsonGeneric); err != nil {
		return nil, fmt.Errorf("policy: schema: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}

	if err := validateVersion(p.Version); err != nil {
		return nil, err
	}
	if err := validateAndCompile(&p); err != nil {
		return nil, err
	}

	// Content hash over the normalized document, so formatting and
	// comments do not perturb it.
	hash, err := canonicalize.Hash(jsonGeneric)
	if err != nil {
		return nil, fmt.Errorf("policy: content hash: %w", err)
	}
	p.hash = hash

	return &p, nil
}

func validateVersion(version string) error {
	got, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q is not a valid version", ErrUnsupportedVersion, version)
	}
	want := semver.MustParse(SupportedVersion)
	if !got.Equal(want) {
		return fmt.Errorf("%w: document declares %s, runtime supports %s",
			ErrUnsupportedVersion, version, SupportedVersion)
	}
	return nil
}

func validateAndCompile(p *Policy) error {
	if !p.AutonomyMode.Valid() {
		return fmt.Errorf("policy: unknown autonomy mode %q", p.AutonomyMode)
	}

	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if !ruleIDPattern.MatchString(r.ID) {
			return fmt.Errorf("policy: rule %d: id %q does not match required pattern", i, r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicateRuleID, r.ID)
		}
		seen[r.ID] = true

		if err := validateAction(r.Action); err != nil {
			return fmt.Errorf("policy: rule %q: %w", r.ID, err)
		}
		if err := compileMatch(&r.Match); err != nil {
			return fmt.Errorf("policy: rule %q: %w", r.ID, err)
		}
	}
	return nil
}

func validateAction(a Action) error {
	switch a.Type {
	case "auto_reply":
		if a.Value == "" {
			return fmt.Errorf("%w: auto_reply requires a value", ErrInvalidAction)
		}
		if a.Constraints != nil {
			return checkConstraints(a.Value, a.Constraints)
		}
		return nil
	case "require_human", "deny", "notify_only":
		return nil
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidAction, a.Type)
	}
}

func checkConstraints(value string, c *Constraints) error {
	if c.MaxLength > 0 && len(value) > c.MaxLength {
		return fmt.Errorf("%w: value exceeds max_length %d", ErrInvalidAction, c.MaxLength)
	}
	if c.NumericOnly {
		for _, r := range value {
			if r < '0' || r > '9' {
				return fmt.Errorf("%w: value %q is not numeric", ErrInvalidAction, value)
			}
		}
	}
	if len(c.AllowedChoices) > 0 {
		ok := false
		for _, choice := range c.AllowedChoices {
			if choice == value {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: value %q not in allowed_choices", ErrInvalidAction, value)
		}
	}
	return nil
}

// compileMatch compiles regex and expression predicates recursively and
// rejects unsafe patterns. A regex that can match the empty string is
// too broad to be a meaningful content predicate and is refused here,
// never at evaluation time.
func compileMatch(m *MatchCriteria) error {
	for _, pt := range m.PromptTypes {
		if pt != Wildcard && !promptTypeKnown(pt) {
			return fmt.Errorf("unknown prompt type %q", pt)
		}
	}

	if m.Regex != "" {
		re, err := regexp.Compile(m.Regex)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsafeRegex, err)
		}
		if re.MatchString("") {
			return fmt.Errorf("%w: pattern %q matches the empty string", ErrUnsafeRegex, m.Regex)
		}
		m.compiledRegex = re
	}

	if m.Expr != "" {
		ast, issues := celEnv.Compile(m.Expr)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("expr compilation failed: %w", issues.Err())
		}
		if ast.OutputType() != types.BoolType {
			return fmt.Errorf("expr %q must evaluate to a boolean", m.Expr)
		}
		prg, err := celEnv.Program(ast)
		if err != nil {
			return fmt.Errorf("expr program construction failed: %w", err)
		}
		m.compiledExpr = prg
	}

	for i := range m.AnyOf {
		if err := compileMatch(&m.AnyOf[i]); err != nil {
			return err
		}
	}
	for i := range m.NoneOf {
		if err := compileMatch(&m.NoneOf[i]); err != nil {
			return err
		}
	}
	return nil
}

func promptTypeKnown(pt string) bool {
	switch pt {
	case "yes_no", "confirm_enter", "multiple_choice", "free_text", "tool_use":
		return true
	}
	return false
}
