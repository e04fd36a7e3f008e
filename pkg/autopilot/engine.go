package autopilot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Quorum-Labs/warden/pkg/contracts"
	"github.com/Quorum-Labs/warden/pkg/gate"
	"github.com/Quorum-Labs/warden/pkg/ledger"
	"github.com/Quorum-Labs/warden/pkg/observability"
	"github.com/Quorum-Labs/warden/pkg/policy"
)

// ActionExecutor delivers input to the supervised process. Satisfied by
// the interaction executor. Execute carries the full prompt event so
// masked values can be redacted from operator feedback; Chat delivers
// free-form text outside any prompt.
type ActionExecutor interface {
	Execute(ctx context.Context, ev contracts.PromptEvent, value string) error
	Chat(ctx context.Context, sessionID, text string) error
}

// Engine owns the kill-switch state machine and the autonomy decision
// loop. HandlePrompt is serialized through the engine mutex so counter
// reads, rate-limit checks, and kill-switch reads stay consistent.
type Engine struct {
	mu       sync.Mutex
	state    State
	pol      *policy.Policy
	pe       *policy.Engine
	aud      *ledger.Ledger
	store    *StateStore
	prompts  *ledger.PromptStore
	exec     ActionExecutor
	notifier contracts.Notifier
	metrics  *observability.Metrics
	limiter  *rate.Limiter
	counters map[string]map[string]int
	log      zerolog.Logger
	clock    func() time.Time
}

// Config wires an engine's collaborators.
type Config struct {
	Policy   *policy.Policy
	Ledger   *ledger.Ledger
	Store    *StateStore         // optional; state is memory-only when nil
	Prompts  *ledger.PromptStore // optional; replies skip the decide-once guard when nil
	Executor ActionExecutor
	Notifier contracts.Notifier
	Metrics  *observability.Metrics // optional
	// AutoRepliesPerMinute caps autonomous replies across all sessions.
	// Zero disables the limiter.
	AutoRepliesPerMinute int
	Logger               zerolog.Logger
}

// New restores the persisted kill-switch state (when a store is given)
// and returns a running engine.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	state := StateRunning
	if cfg.Store != nil {
		loaded, err := cfg.Store.Load(ctx)
		if err != nil {
			return nil, err
		}
		state = loaded
	}

	var limiter *rate.Limiter
	if cfg.AutoRepliesPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.AutoRepliesPerMinute)/60.0), cfg.AutoRepliesPerMinute)
	}

	return &Engine{
		state:    state,
		pol:      cfg.Policy,
		pe:       policy.NewEngine(),
		aud:      cfg.Ledger,
		store:    cfg.Store,
		prompts:  cfg.Prompts,
		exec:     cfg.Executor,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		limiter:  limiter,
		counters: make(map[string]map[string]int),
		log:      cfg.Logger,
		clock:    time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.pe.WithClock(clock)
	return e
}

// State returns the current kill-switch position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Transition moves the kill-switch, persists the change, and records it
// in the audit ledger before it takes effect for callers.
func (e *Engine) Transition(ctx context.Context, to State, triggeredBy string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	e.log.Info().Str("from", string(from)).Str("to", string(to)).
		Str("triggered_by", triggeredBy).Msg("autopilot transition")

	if _, err := e.aud.Append(ctx, ledger.EventStateTransition, "", "", TransitionRecord{
		From: from, To: to, TriggeredBy: triggeredBy, Timestamp: e.clock().UTC(),
	}); err != nil {
		return err
	}
	if e.store != nil {
		if err := e.store.Record(ctx, from, to, triggeredBy); err != nil {
			return err
		}
	}
	e.state = to
	return nil
}

// Pause, Resume, and Stop are the operator-facing transitions.
func (e *Engine) Pause(ctx context.Context, by string) error {
	return e.Transition(ctx, StatePaused, by)
}

func (e *Engine) Resume(ctx context.Context, by string) error {
	return e.Transition(ctx, StateRunning, by)
}

func (e *Engine) Stop(ctx context.Context, by string) error {
	return e.Transition(ctx, StateStopped, by)
}

// SetPolicy hot-swaps the active policy. The reload is audited and
// logged; in-flight HandlePrompt calls finish under the old policy.
func (e *Engine) SetPolicy(ctx context.Context, p *policy.Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.log.Info().Str("policy", p.Name).Str("hash", p.Hash()).
		Str("mode", string(p.AutonomyMode)).Msg("policy reloaded")

	if _, err := e.aud.Append(ctx, ledger.EventPolicyLoaded, "", "", map[string]string{
		"name":          p.Name,
		"policy_hash":   p.Hash(),
		"autonomy_mode": string(p.AutonomyMode),
	}); err != nil {
		return err
	}
	e.pol = p
	return nil
}

// Policy returns the active policy.
func (e *Engine) Policy() *policy.Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pol
}

// ResetSession clears the session's per-rule reply counters. Called
// when a session ends.
func (e *Engine) ResetSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.counters, sessionID)
	_, err := e.aud.Append(ctx, ledger.EventSessionEnded, sessionID, "", map[string]string{})
	return err
}

// ReplyCount returns the session's counter for a rule.
func (e *Engine) ReplyCount(sessionID, ruleID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters[sessionID][ruleID]
}

// HandlePrompt runs the full decision loop for one detected prompt.
// The decision is appended to the audit ledger before any externally
// visible effect. Kill-switch and autonomy-mode checks short-circuit
// without consulting the policy.
func (e *Engine) HandlePrompt(ctx context.Context, ec contracts.EventContext) (contracts.ActionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev := ec.Event
	log := e.log.With().Str("session_id", ev.SessionID).Str("prompt_id", ev.PromptID).Logger()

	// The detection is recorded before any disposition so the session
	// stays replayable from the ledger alone.
	if _, err := e.aud.Append(ctx, ledger.EventPromptDetected, ev.SessionID, ev.PromptID, ec); err != nil {
		return contracts.ActionResult{}, err
	}

	switch e.state {
	case StateStopped:
		log.Warn().Msg("prompt dropped: engine stopped")
		return contracts.ActionResult{Outcome: contracts.OutcomeStopped, Detail: "autopilot stopped"}, nil
	case StatePaused:
		log.Info().Msg("prompt escalated: engine paused")
		return e.escalate(ctx, ev, nil, "autopilot paused")
	}

	if e.pol.AutonomyMode == policy.AutonomyOff {
		log.Info().Msg("prompt escalated: autonomy off")
		return e.escalate(ctx, ev, nil, "autonomy mode off")
	}

	decision := e.pe.Evaluate(e.pol, ec)
	log.Info().
		Str("rule", decision.MatchedRuleID).
		Str("action", string(decision.Action)).
		Int("risk_score", decision.RiskScore).
		Msg("policy decision")

	// Audit first. If the append fails, nothing acts on the decision.
	if _, err := e.aud.Append(ctx, ledger.EventDecisionMade, ev.SessionID, ev.PromptID, decision); err != nil {
		return contracts.ActionResult{}, err
	}
	e.metrics.RecordDecision(ctx, string(decision.Action))

	if decision.Action == contracts.ActionAutoReply {
		if rule := e.pol.RuleByID(decision.MatchedRuleID); rule != nil && rule.MaxAutoReplies > 0 {
			if e.counters[ev.SessionID][rule.ID] >= rule.MaxAutoReplies {
				log.Warn().Str("rule", rule.ID).Msg("auto-reply cap reached")
				return e.escalate(ctx, ev, &decision, "auto-reply cap reached for rule "+rule.ID)
			}
		}
	}

	if e.pol.AutonomyMode == policy.AutonomyAssist {
		if err := e.notifier.RouteToHuman(ctx, ev, &decision); err != nil {
			return contracts.ActionResult{}, err
		}
		return contracts.ActionResult{Outcome: contracts.OutcomeSuggested, Decision: &decision}, nil
	}

	switch decision.Action {
	case contracts.ActionAutoReply:
		return e.autoReply(ctx, log, ev, decision)
	case contracts.ActionRequireHuman:
		return e.escalate(ctx, ev, &decision, decision.Explanation)
	case contracts.ActionDeny:
		if err := e.notifier.Notify(ctx, ev.SessionID, "prompt denied by policy: "+decision.Explanation); err != nil {
			return contracts.ActionResult{}, err
		}
		return contracts.ActionResult{Outcome: contracts.OutcomeDenied, Decision: &decision}, nil
	case contracts.ActionNotifyOnly:
		if err := e.notifier.Notify(ctx, ev.SessionID, "prompt observed: "+ev.Excerpt); err != nil {
			return contracts.ActionResult{}, err
		}
		return contracts.ActionResult{Outcome: contracts.OutcomeNotified, Decision: &decision}, nil
	default:
		return contracts.ActionResult{}, fmt.Errorf("autopilot: unknown action %q", decision.Action)
	}
}

func (e *Engine) autoReply(ctx context.Context, log zerolog.Logger, ev contracts.PromptEvent, decision contracts.Decision) (contracts.ActionResult, error) {
	if e.limiter != nil && !e.limiter.Allow() {
		log.Warn().Msg("auto-reply rate limit hit")
		res, err := e.escalate(ctx, ev, &decision, "auto-reply rate limit reached")
		if err != nil {
			return res, err
		}
		res.Outcome = contracts.OutcomeRateLimited
		return res, nil
	}

	if err := e.exec.Execute(ctx, ev, decision.Value); err != nil {
		log.Error().Err(err).Msg("injection failed")
		return e.escalate(ctx, ev, &decision, "injection failed: "+err.Error())
	}

	if e.counters[ev.SessionID] == nil {
		e.counters[ev.SessionID] = make(map[string]int)
	}
	e.counters[ev.SessionID][decision.MatchedRuleID]++
	return contracts.ActionResult{Outcome: contracts.OutcomeAutoReplied, Decision: &decision}, nil
}

func (e *Engine) escalate(ctx context.Context, ev contracts.PromptEvent, decision *contracts.Decision, detail string) (contracts.ActionResult, error) {
	if _, err := e.aud.Append(ctx, ledger.EventEscalation, ev.SessionID, ev.PromptID, map[string]string{
		"detail": detail,
	}); err != nil {
		return contracts.ActionResult{}, err
	}
	e.metrics.RecordEscalation(ctx)
	if err := e.notifier.RouteToHuman(ctx, ev, decision); err != nil {
		return contracts.ActionResult{}, err
	}
	return contracts.ActionResult{Outcome: contracts.OutcomeEscalated, Decision: decision, Detail: detail}, nil
}

// HandleReply runs one inbound remote reply through the gate and, on
// acceptance, consumes the prompt record and delivers the payload to
// the process. The verdict is appended to the audit ledger before any
// byte reaches the session. A reply whose prompt record was already
// consumed or has lapsed comes back as a prompt-expired rejection, not
// an error.
func (e *Engine) HandleReply(ctx context.Context, gc gate.Context, reply contracts.Reply) (gate.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sessionID := reply.SessionID
	if gc.Binding != nil && gc.Binding.SessionID != "" {
		sessionID = gc.Binding.SessionID
	}
	log := e.log.With().Str("session_id", sessionID).Str("prompt_id", reply.PromptID).
		Str("identity", reply.ChannelIdentity).Logger()

	res := gate.Evaluate(gc)
	if !res.Accept {
		log.Info().Str("reason", string(res.Reason)).Msg("reply rejected")
		return res, e.auditRejection(ctx, sessionID, reply.PromptID, res)
	}

	if gc.Prompt != nil {
		if e.prompts != nil {
			resolved, err := e.prompts.Resolve(ctx, reply.PromptID, reply.Nonce, ledger.StatusResolved)
			if err != nil {
				return gate.Result{}, err
			}
			if !resolved {
				// Replay, nonce mismatch, or expiry. A zero-row update
				// is a normal rejected outcome.
				log.Warn().Msg("reply refused: prompt record not resolvable")
				res = gate.Reject(gate.ReasonPromptExpired)
				return res, e.auditRejection(ctx, sessionID, reply.PromptID, res)
			}
		}
		payload := map[string]string{
			"channel_identity": reply.ChannelIdentity,
			"thread_id":        reply.ThreadID,
		}
		if !gc.Prompt.Masked {
			payload["value"] = res.InjectionPayload
		}
		if _, err := e.aud.Append(ctx, ledger.EventPromptResolved, sessionID, reply.PromptID, payload); err != nil {
			return gate.Result{}, err
		}
		if err := e.exec.Execute(ctx, *gc.Prompt, res.InjectionPayload); err != nil {
			log.Error().Err(err).Msg("reply delivery failed")
			return res, fmt.Errorf("autopilot: deliver reply: %w", err)
		}
		return res, nil
	}

	// Free-form input carries no prompt record to consume.
	if err := e.exec.Chat(ctx, sessionID, res.InjectionPayload); err != nil {
		log.Error().Err(err).Msg("chat delivery failed")
		return res, fmt.Errorf("autopilot: deliver chat: %w", err)
	}
	return res, nil
}

func (e *Engine) auditRejection(ctx context.Context, sessionID, promptID string, res gate.Result) error {
	if _, err := e.aud.Append(ctx, ledger.EventGateRejected, sessionID, promptID, res); err != nil {
		return err
	}
	e.metrics.RecordGateRejection(ctx, string(res.Reason))
	return nil
}
