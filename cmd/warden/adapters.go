package main

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Quorum-Labs/warden/pkg/contracts"
)

// tmuxInjector delivers input to supervised processes running in tmux
// panes. Sessions register their pane target before first use.
type tmuxInjector struct {
	mu      sync.RWMutex
	targets map[string]string
}

func newTmuxInjector() *tmuxInjector {
	return &tmuxInjector{targets: make(map[string]string)}
}

// Register binds a session ID to a tmux target ("session:window.pane").
func (t *tmuxInjector) Register(sessionID, target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[sessionID] = target
}

func (t *tmuxInjector) target(sessionID string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.targets[sessionID]
	if !ok {
		return "", fmt.Errorf("no tmux target registered for session %s", sessionID)
	}
	return target, nil
}

// Inject sends the value as literal keys followed by Enter.
func (t *tmuxInjector) Inject(ctx context.Context, sessionID, value string, _ contracts.PromptType) error {
	target, err := t.target(sessionID)
	if err != nil {
		return err
	}
	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", target, "-l", value).Run(); err != nil {
		return fmt.Errorf("tmux send-keys: %w", err)
	}
	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", target, "Enter").Run(); err != nil {
		return fmt.Errorf("tmux send-keys enter: %w", err)
	}
	return nil
}

// Write sends raw bytes literally, with no trailing Enter.
func (t *tmuxInjector) Write(ctx context.Context, sessionID, data string) error {
	target, err := t.target(sessionID)
	if err != nil {
		return err
	}
	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", target, "-l", data).Run(); err != nil {
		return fmt.Errorf("tmux send-keys: %w", err)
	}
	return nil
}

// logNotifier is the channel capability for a headless run: operator
// feedback and escalations go to the structured log.
type logNotifier struct {
	log zerolog.Logger
}

func (n logNotifier) Notify(_ context.Context, sessionID, message string) error {
	n.log.Info().Str("session_id", sessionID).Msg(message)
	return nil
}

func (n logNotifier) RouteToHuman(_ context.Context, ev contracts.PromptEvent, decision *contracts.Decision) error {
	e := n.log.Warn().
		Str("session_id", ev.SessionID).
		Str("prompt_id", ev.PromptID).
		Str("excerpt", ev.Excerpt)
	if decision != nil {
		e = e.Str("suggested_action", string(decision.Action)).Str("rule", decision.MatchedRuleID)
	}
	e.Msg("prompt needs a human")
	return nil
}

// outputTracker records the last time each session produced output.
// The PTY watcher calls Observe; the executor polls LastOutput.
type outputTracker struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

func newOutputTracker() *outputTracker {
	return &outputTracker{last: make(map[string]time.Time)}
}

func (o *outputTracker) Observe(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last[sessionID] = time.Now()
}

func (o *outputTracker) LastOutput(sessionID string) time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last[sessionID]
}
