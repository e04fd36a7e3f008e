// Package gate implements the single checkpoint every inbound remote
// message passes before anything is written to a supervised process.
// Evaluation is a pure function: no I/O, no mutation, and the check
// order is part of the contract: identity first, then session, then
// conversation state, then prompt binding.
package gate

import (
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/Quorum-Labs/warden/pkg/contracts"
	"github.com/Quorum-Labs/warden/pkg/registry"
)

// Reason is the closed set of rejection codes.
type Reason string

const (
	ReasonIdentityNotAllowed Reason = "identity_not_allowlisted"
	ReasonNoActiveSession    Reason = "no_active_session"
	ReasonBusyStreaming      Reason = "busy_streaming"
	ReasonBusyRunning        Reason = "busy_running"
	ReasonSessionStopped     Reason = "session_stopped"
	ReasonNotAwaitingInput   Reason = "not_awaiting_input"
	ReasonPromptExpired      Reason = "prompt_ttl_expired"
	ReasonUnsafeInputType    Reason = "unsafe_input_type"
	ReasonInvalidChoice      Reason = "invalid_choice"
	ReasonFreeChatDisabled   Reason = "free_chat_disabled"
)

// rejectionText maps each reason to its fixed operator-facing message
// and next-action hint. Hints are text-first: they never reference UI
// affordances, and they never expose internal state.
var rejectionText = map[Reason][2]string{
	ReasonIdentityNotAllowed: {"You are not authorized to control this session.", "Ask the session owner to add your identity to the allowlist."},
	ReasonNoActiveSession:    {"No active session is bound to this conversation.", "Start or attach a session before sending input."},
	ReasonBusyStreaming:      {"The agent is currently streaming output.", "Wait for the current output to finish, then try again."},
	ReasonBusyRunning:        {"The agent is busy executing.", "Wait for the agent to pause, or stop it first."},
	ReasonSessionStopped:     {"This session has stopped.", "Start a new session to continue."},
	ReasonNotAwaitingInput:   {"The agent is not waiting for input right now.", "Wait for the next prompt before replying."},
	ReasonPromptExpired:      {"That prompt has expired.", "Wait for the agent to ask again, or check the session status."},
	ReasonUnsafeInputType:    {"This prompt cannot be answered over a remote channel.", "Answer it directly at the terminal."},
	ReasonInvalidChoice:      {"That reply is not one of the offered choices.", "Reply with exactly one of the listed options."},
	ReasonFreeChatDisabled:   {"Free-form chat is disabled for this session.", "Send input only when the agent prompts for it."},
}

// Context is the caller-assembled snapshot the gate evaluates. The gate
// itself reads nothing and writes nothing.
type Context struct {
	Identity  string
	Allowlist []string

	// Binding is the conversation binding, nil when no session is
	// bound to the inbound thread.
	Binding *registry.Binding

	// Prompt is the active prompt binding for AWAITING_INPUT, nil
	// when no prompt is pending.
	Prompt          *contracts.PromptEvent
	PromptExpiresAt time.Time

	Reply string
	Now   time.Time

	// AllowInterrupt permits input while the conversation is RUNNING.
	AllowInterrupt bool
	// AllowFreeChat permits free-form input while IDLE.
	AllowFreeChat bool
}

// Result is the gate verdict. When accepted, InjectionPayload carries
// the normalized value to hand to the executor.
type Result struct {
	Accept           bool   `json:"accept"`
	Reason           Reason `json:"reason,omitempty"`
	Message          string `json:"message,omitempty"`
	Hint             string `json:"next_hint,omitempty"`
	InjectionPayload string `json:"injection_payload,omitempty"`
}

// Reject builds the fixed rejection result for a reason code. Callers
// that discover a rejection outside Evaluate (such as a consumed or
// expired prompt record) use it so the operator-facing text stays
// uniform.
func Reject(r Reason) Result {
	text := rejectionText[r]
	return Result{Accept: false, Reason: r, Message: text[0], Hint: text[1]}
}

// Evaluate applies the ordered checks and short-circuits on the first
// failure.
func Evaluate(ctx Context) Result {
	// 1. Identity. An empty allowlist rejects everyone.
	if !allowlisted(ctx.Identity, ctx.Allowlist) {
		return Reject(ReasonIdentityNotAllowed)
	}

	// 2. A session and a known conversation state must exist.
	if ctx.Binding == nil || ctx.Binding.SessionID == "" {
		return Reject(ReasonNoActiveSession)
	}

	// 3. Conversation state.
	switch ctx.Binding.State {
	case registry.StateStreaming:
		return Reject(ReasonBusyStreaming)
	case registry.StateRunning:
		if !ctx.AllowInterrupt {
			return Reject(ReasonBusyRunning)
		}
		return accept(ctx.Reply)
	case registry.StateStopped:
		return Reject(ReasonSessionStopped)
	case registry.StateAwaitingInput:
		return evaluateAwaitingInput(ctx)
	case registry.StateIdle:
		if !ctx.AllowFreeChat {
			return Reject(ReasonFreeChatDisabled)
		}
		return accept(ctx.Reply)
	default:
		return Reject(ReasonNoActiveSession)
	}
}

// evaluateAwaitingInput checks the prompt binding: it must exist, be
// within its TTL, and carry a safe interaction class. When a finite
// choice set is declared, the reply must be a member of it.
func evaluateAwaitingInput(ctx Context) Result {
	if ctx.Prompt == nil {
		return Reject(ReasonNotAwaitingInput)
	}
	if !ctx.PromptExpiresAt.IsZero() && ctx.Now.After(ctx.PromptExpiresAt) {
		return Reject(ReasonPromptExpired)
	}

	// Password-style input must never arrive as free text through a
	// remote channel.
	if ctx.Prompt.Type == contracts.PromptFreeText && ctx.Prompt.Masked {
		return Reject(ReasonUnsafeInputType)
	}
	if !ctx.Prompt.Type.Valid() {
		return Reject(ReasonUnsafeInputType)
	}

	value := normalizeReply(ctx.Reply)
	if len(ctx.Prompt.Choices) > 0 && !choiceMember(value, ctx.Prompt.Choices) {
		return Reject(ReasonInvalidChoice)
	}

	return Result{Accept: true, InjectionPayload: value}
}

func accept(reply string) Result {
	return Result{Accept: true, InjectionPayload: normalizeReply(reply)}
}

func allowlisted(identity string, allowlist []string) bool {
	if identity == "" {
		return false
	}
	for _, allowed := range allowlist {
		if allowed == identity {
			return true
		}
	}
	return false
}

// normalizeReply applies NFC normalization so visually identical
// replies compare equal against declared choice sets.
func normalizeReply(reply string) string {
	return norm.NFC.String(reply)
}

func choiceMember(value string, choices []string) bool {
	for _, c := range choices {
		if norm.NFC.String(c) == value {
			return true
		}
	}
	return false
}

// Describe renders a result for logs and operator feedback.
func (r Result) Describe() string {
	if r.Accept {
		return "accepted"
	}
	return fmt.Sprintf("rejected (%s): %s", r.Reason, r.Message)
}
