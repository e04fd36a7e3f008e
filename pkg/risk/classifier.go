// Package risk scores a prospective action from independently weighted
// context factors. Classification is pure and deterministic: the same
// input always yields the same score, category, factor list, and input
// hash, so assessments can be correlated across the audit trail and
// reproduced offline.
package risk

import (
	"strings"

	"github.com/Quorum-Labs/warden/pkg/canonicalize"
	"github.com/Quorum-Labs/warden/pkg/contracts"
)

// Category buckets a score for human consumption.
type Category string

const (
	CategoryLow      Category = "LOW"
	CategoryMedium   Category = "MEDIUM"
	CategoryHigh     Category = "HIGH"
	CategoryCritical Category = "CRITICAL"
)

// Factor is one contribution to the total score.
type Factor struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	Detail string `json:"detail,omitempty"`
}

// Assessment is the classifier output.
type Assessment struct {
	Score     int      `json:"score"`
	Category  Category `json:"category"`
	Factors   []Factor `json:"factors"`
	InputHash string   `json:"input_hash"`
}

// Input is the fact set the classifier scores. All fields are optional;
// absent facts contribute no weight.
type Input struct {
	Action      contracts.ActionType `json:"action"`
	Confidence  contracts.Confidence `json:"confidence"`
	PromptType  contracts.PromptType `json:"prompt_type"`
	Excerpt     string               `json:"excerpt,omitempty"`
	Branch      string               `json:"branch,omitempty"`
	CIStatus    string               `json:"ci_status,omitempty"`
	FileScope   string               `json:"file_scope,omitempty"`
	Environment string               `json:"environment,omitempty"`
}

// Factor weights. Every factor only ever adds weight, so introducing an
// additional risk signal can never lower the total score.
const (
	weightAutoReply        = 15
	weightConfidenceLow    = 20
	weightConfidenceMedium = 10
	weightFreeText         = 20
	weightToolUse          = 12
	weightMultipleChoice   = 8
	weightBasicPrompt      = 5
	weightProtectedBranch  = 20
	weightCIFailing        = 15
	weightCIUnknown        = 8
	weightScopeSecrets     = 25
	weightScopeInfra       = 18
	weightScopeConfig      = 10
	weightDestructiveCmd   = 25
	weightEnvProduction    = 20
	weightEnvStaging       = 10
)

// protectedBranches are exact branch names that always score as
// protected; any "release/" prefixed branch is protected as well.
var protectedBranches = map[string]bool{
	"main":       true,
	"master":     true,
	"production": true,
	"prod":       true,
}

// destructiveSubstrings is the fixed command fragment list checked
// case-insensitively against the prompt excerpt.
var destructiveSubstrings = []string{
	"rm -rf",
	"drop table",
	"drop database",
	"truncate table",
	"--force",
	"git reset --hard",
	"git push -f",
	"git clean -fd",
	"dd if=",
	"mkfs",
}

// Classify scores the input and returns the assessment. Pure function.
func Classify(in Input) Assessment {
	var factors []Factor
	add := func(name string, weight int, detail string) {
		factors = append(factors, Factor{Name: name, Weight: weight, Detail: detail})
	}

	if in.Action == contracts.ActionAutoReply {
		add("action", weightAutoReply, "autonomous reply")
	}

	switch in.Confidence {
	case contracts.ConfidenceLow:
		add("confidence", weightConfidenceLow, "low classification confidence")
	case contracts.ConfidenceMedium:
		add("confidence", weightConfidenceMedium, "medium classification confidence")
	}

	switch in.PromptType {
	case contracts.PromptFreeText:
		add("prompt_type", weightFreeText, "free text input")
	case contracts.PromptToolUse:
		add("prompt_type", weightToolUse, "tool invocation")
	case contracts.PromptMultipleChoice:
		add("prompt_type", weightMultipleChoice, "multiple choice")
	case contracts.PromptYesNo, contracts.PromptConfirmEnter:
		add("prompt_type", weightBasicPrompt, "binary confirmation")
	}

	if branchProtected(in.Branch) {
		add("protected_branch", weightProtectedBranch, in.Branch)
	}

	switch strings.ToLower(in.CIStatus) {
	case "failing", "failed", "red":
		add("ci_status", weightCIFailing, "ci failing")
	case "unknown":
		add("ci_status", weightCIUnknown, "ci status unknown")
	}

	switch strings.ToLower(in.FileScope) {
	case "secrets":
		add("file_scope", weightScopeSecrets, "secrets scope")
	case "infrastructure":
		add("file_scope", weightScopeInfra, "infrastructure scope")
	case "config":
		add("file_scope", weightScopeConfig, "config scope")
	}

	if frag := destructiveFragment(in.Excerpt); frag != "" {
		add("destructive_command", weightDestructiveCmd, frag)
	}

	switch strings.ToLower(in.Environment) {
	case "production", "prod":
		add("environment", weightEnvProduction, "production")
	case "staging":
		add("environment", weightEnvStaging, "staging")
	}

	score := 0
	for _, f := range factors {
		score += f.Weight
	}
	if score > 100 {
		score = 100
	}

	hash, err := canonicalize.Hash(in)
	if err != nil {
		// Input is plain strings; marshal cannot fail in practice.
		hash = ""
	}

	return Assessment{
		Score:     score,
		Category:  Categorize(score),
		Factors:   factors,
		InputHash: hash,
	}
}

// Categorize maps a 0–100 score to its category band.
func Categorize(score int) Category {
	switch {
	case score <= 25:
		return CategoryLow
	case score <= 50:
		return CategoryMedium
	case score <= 75:
		return CategoryHigh
	default:
		return CategoryCritical
	}
}

func branchProtected(branch string) bool {
	if branch == "" {
		return false
	}
	if protectedBranches[strings.ToLower(branch)] {
		return true
	}
	return strings.HasPrefix(strings.ToLower(branch), "release/")
}

func destructiveFragment(excerpt string) string {
	if excerpt == "" {
		return ""
	}
	lower := strings.ToLower(excerpt)
	for _, frag := range destructiveSubstrings {
		if strings.Contains(lower, frag) {
			return frag
		}
	}
	return ""
}
