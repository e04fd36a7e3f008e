// Package executor delivers decided values into a supervised process
// and verifies the process actually advanced past the prompt.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Quorum-Labs/warden/pkg/contracts"
	"github.com/Quorum-Labs/warden/pkg/ledger"
	"github.com/Quorum-Labs/warden/pkg/observability"
)

// RedactionMarker replaces masked values in all operator-facing text.
// The real value is still delivered to the process.
const RedactionMarker = "[redacted]"

var (
	ErrExhausted = errors.New("executor: retries exhausted")
	ErrCancelled = errors.New("executor: cancelled")
)

// Plan bounds one interaction class's delivery behavior.
type Plan struct {
	AdvanceTimeout       time.Duration
	RetryDelay           time.Duration
	MaxRetries           int
	VerifyAdvance        bool
	EscalateOnExhaustion bool
}

// PlanFor returns the default plan for a prompt class.
func PlanFor(t contracts.PromptType) Plan {
	switch t {
	case contracts.PromptYesNo, contracts.PromptConfirmEnter:
		return Plan{AdvanceTimeout: 10 * time.Second, RetryDelay: 2 * time.Second, MaxRetries: 2, VerifyAdvance: true, EscalateOnExhaustion: true}
	case contracts.PromptMultipleChoice:
		return Plan{AdvanceTimeout: 10 * time.Second, RetryDelay: 3 * time.Second, MaxRetries: 2, VerifyAdvance: true, EscalateOnExhaustion: true}
	case contracts.PromptToolUse:
		return Plan{AdvanceTimeout: 30 * time.Second, RetryDelay: 5 * time.Second, MaxRetries: 1, VerifyAdvance: true, EscalateOnExhaustion: true}
	default:
		return Plan{AdvanceTimeout: 15 * time.Second, RetryDelay: 3 * time.Second, MaxRetries: 1, VerifyAdvance: false, EscalateOnExhaustion: true}
	}
}

// ProgressSource exposes the last time a session produced output.
// Owned by the PTY adapter layer.
type ProgressSource interface {
	LastOutput(sessionID string) time.Time
}

// Executor runs injection plans. The retry loop is the only blocking
// operation in the pipeline; it honors context cancellation between
// attempts and while polling.
type Executor struct {
	injector     contracts.Injector
	notifier     contracts.Notifier
	progress     ProgressSource
	plans        map[contracts.PromptType]Plan
	pollInterval time.Duration
	aud          *ledger.Ledger
	metrics      *observability.Metrics
	log          zerolog.Logger
	clock        func() time.Time
}

// New creates an executor with default per-class plans.
func New(injector contracts.Injector, notifier contracts.Notifier, progress ProgressSource, log zerolog.Logger) *Executor {
	return &Executor{
		injector:     injector,
		notifier:     notifier,
		progress:     progress,
		plans:        make(map[contracts.PromptType]Plan),
		pollInterval: 250 * time.Millisecond,
		log:          log,
		clock:        time.Now,
	}
}

// WithLedger records every injection attempt as an audit event.
func (e *Executor) WithLedger(aud *ledger.Ledger) *Executor {
	e.aud = aud
	return e
}

// WithMetrics counts injection attempts on the pipeline instruments.
func (e *Executor) WithMetrics(m *observability.Metrics) *Executor {
	e.metrics = m
	return e
}

// WithPlan overrides the plan for one prompt class.
func (e *Executor) WithPlan(t contracts.PromptType, p Plan) *Executor {
	e.plans[t] = p
	return e
}

// WithPollInterval overrides the advance-poll interval for testing.
func (e *Executor) WithPollInterval(d time.Duration) *Executor {
	e.pollInterval = d
	return e
}

// WithClock overrides the clock for testing.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

func (e *Executor) planFor(t contracts.PromptType) Plan {
	if p, ok := e.plans[t]; ok {
		return p
	}
	return PlanFor(t)
}

// displayValue is what feedback text may show for a value.
func displayValue(ev contracts.PromptEvent, value string) string {
	if ev.Masked {
		return RedactionMarker
	}
	return value
}

// Execute injects the value under the prompt class's plan. With
// verify-advance set, the session must produce new output within the
// plan's window or the injection is retried; after the retry budget is
// spent the operator is notified and, if configured, the prompt is
// routed to a human.
func (e *Executor) Execute(ctx context.Context, ev contracts.PromptEvent, value string) error {
	plan := e.planFor(ev.Type)
	log := e.log.With().Str("session_id", ev.SessionID).Str("prompt_id", ev.PromptID).Logger()
	shown := displayValue(ev, value)

	var lastErr error
	for attempt := 0; attempt <= plan.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Info().Int("attempt", attempt+1).Msg("re-injecting")
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			case <-time.After(plan.RetryDelay):
			}
		}

		baseline := e.progress.LastOutput(ev.SessionID)
		err := e.injector.Inject(ctx, ev.SessionID, value, ev.Type)
		e.recordAttempt(ctx, ev, attempt+1, err)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("injection attempt failed")
			continue
		}
		if !plan.VerifyAdvance {
			return nil
		}
		if e.waitForAdvance(ctx, ev.SessionID, baseline, plan.AdvanceTimeout) {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		lastErr = fmt.Errorf("no output advance within %s", plan.AdvanceTimeout)
		log.Warn().Int("attempt", attempt+1).Msg("session stalled after injection")
		e.notify(ctx, ev.SessionID, fmt.Sprintf(
			"session stalled after injecting %q (attempt %d/%d)", shown, attempt+1, plan.MaxRetries+1))
	}

	e.notify(ctx, ev.SessionID, fmt.Sprintf(
		"giving up on prompt %s after %d attempts", ev.PromptID, plan.MaxRetries+1))
	if plan.EscalateOnExhaustion {
		if err := e.notifier.RouteToHuman(ctx, ev, nil); err != nil {
			log.Error().Err(err).Msg("escalation delivery failed")
		}
	}
	return fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

// Chat writes free-form text directly to the process, bypassing the
// plan and verify machinery. The write is carriage-return terminated;
// a trailing newline would be interpreted by the CLI as a literal
// line break instead of a submit.
func (e *Executor) Chat(ctx context.Context, sessionID, text string) error {
	text = strings.TrimRight(text, "\r\n")
	if err := e.injector.Write(ctx, sessionID, text+"\r"); err != nil {
		return fmt.Errorf("executor: chat write: %w", err)
	}
	return nil
}

// waitForAdvance polls the progress source until the last-output time
// moves past the baseline, the window elapses, or ctx is cancelled.
func (e *Executor) waitForAdvance(ctx context.Context, sessionID string, baseline time.Time, window time.Duration) bool {
	deadline := e.clock().Add(window)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if e.progress.LastOutput(sessionID).After(baseline) {
			return true
		}
		if !e.clock().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// recordAttempt logs one injection attempt to the metrics instruments
// and, when a ledger is wired, to the audit chain. The attempt value is
// never part of the payload; masked input must not reach the ledger.
func (e *Executor) recordAttempt(ctx context.Context, ev contracts.PromptEvent, attempt int, injectErr error) {
	e.metrics.RecordInjection(ctx, string(ev.Type), injectErr == nil)
	if e.aud == nil {
		return
	}
	payload := map[string]interface{}{
		"attempt": attempt,
		"ok":      injectErr == nil,
	}
	if injectErr != nil {
		payload["error"] = injectErr.Error()
	}
	if _, err := e.aud.Append(ctx, ledger.EventInjection, ev.SessionID, ev.PromptID, payload); err != nil {
		e.log.Warn().Err(err).Str("prompt_id", ev.PromptID).Msg("injection audit append failed")
	}
}

func (e *Executor) notify(ctx context.Context, sessionID, message string) {
	if err := e.notifier.Notify(ctx, sessionID, message); err != nil {
		e.log.Error().Err(err).Str("session_id", sessionID).Msg("operator notify failed")
	}
}
