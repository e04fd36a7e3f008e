// Package registry maps (channel, thread) pairs to supervised sessions
// and tracks each conversation's state machine. Bindings expire after
// an inactivity TTL; an expired binding is functionally identical to an
// absent one, so expiry is advisory cleanup rather than a correctness
// boundary.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound          = errors.New("conversation binding not found")
	ErrInvalidTransition = errors.New("invalid conversation state transition")
	ErrAlreadyBound      = errors.New("thread already bound to a session")
)

// State is the conversation lifecycle state.
type State string

const (
	StateIdle          State = "IDLE"
	StateRunning       State = "RUNNING"
	StateStreaming     State = "STREAMING"
	StateAwaitingInput State = "AWAITING_INPUT"
	StateStopped       State = "STOPPED"
)

// validTransitions is the closed transition table. STOPPED is terminal.
var validTransitions = map[State][]State{
	StateIdle:          {StateRunning, StateAwaitingInput, StateStopped},
	StateRunning:       {StateStreaming, StateAwaitingInput, StateIdle, StateStopped},
	StateStreaming:     {StateRunning, StateAwaitingInput, StateIdle, StateStopped},
	StateAwaitingInput: {StateRunning, StateIdle, StateStopped},
	StateStopped:       {},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// QueuedMessage is a message held while the session is busy.
type QueuedMessage struct {
	Identity string    `json:"identity"`
	Text     string    `json:"text"`
	QueuedAt time.Time `json:"queued_at"`
}

// Binding ties a channel thread to a session.
type Binding struct {
	Channel      string          `json:"channel"`
	ThreadID     string          `json:"thread_id"`
	SessionID    string          `json:"session_id"`
	State        State           `json:"state"`
	LastActivity time.Time       `json:"last_activity"`
	Queued       []QueuedMessage `json:"queued_messages,omitempty"`
}

type key struct {
	channel string
	thread  string
}

// Registry owns the binding table. All state lives on the instance;
// lifecycle is explicit (Bind, Remove, Sweep), never ambient.
type Registry struct {
	mu       sync.RWMutex
	bindings map[key]*Binding
	ttl      time.Duration
	clock    func() time.Time
}

// New creates a registry with the given inactivity TTL.
func New(ttl time.Duration) *Registry {
	return &Registry{
		bindings: make(map[key]*Binding),
		ttl:      ttl,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Bind creates a binding for a thread. Binding an already-bound thread
// is an error; the existing binding must be removed or expire first.
func (r *Registry) Bind(channel, threadID, sessionID string) (*Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{channel, threadID}
	if existing, ok := r.bindings[k]; ok && !r.expired(existing) {
		return nil, fmt.Errorf("%w: %s/%s -> %s", ErrAlreadyBound, channel, threadID, existing.SessionID)
	}

	b := &Binding{
		Channel:      channel,
		ThreadID:     threadID,
		SessionID:    sessionID,
		State:        StateIdle,
		LastActivity: r.clock(),
	}
	r.bindings[k] = b
	return copyBinding(b), nil
}

// Lookup returns the binding for a thread, pruning it lazily when the
// TTL has lapsed. Expiry removes the binding; session data is never
// touched.
func (r *Registry) Lookup(channel, threadID string) (*Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{channel, threadID}
	b, ok := r.bindings[k]
	if !ok {
		return nil, ErrNotFound
	}
	if r.expired(b) {
		delete(r.bindings, k)
		return nil, ErrNotFound
	}
	return copyBinding(b), nil
}

// Transition moves a binding's conversation state, enforcing the
// transition table, and refreshes its activity timestamp.
func (r *Registry) Transition(channel, threadID string, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[key{channel, threadID}]
	if !ok || r.expired(b) {
		return ErrNotFound
	}
	if !CanTransition(b.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.State, to)
	}
	b.State = to
	b.LastActivity = r.clock()
	return nil
}

// Touch refreshes a binding's activity timestamp.
func (r *Registry) Touch(channel, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[key{channel, threadID}]
	if !ok || r.expired(b) {
		return ErrNotFound
	}
	b.LastActivity = r.clock()
	return nil
}

// Enqueue holds a message on the binding for later delivery.
func (r *Registry) Enqueue(channel, threadID, identity, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[key{channel, threadID}]
	if !ok || r.expired(b) {
		return ErrNotFound
	}
	b.Queued = append(b.Queued, QueuedMessage{
		Identity: identity,
		Text:     text,
		QueuedAt: r.clock(),
	})
	return nil
}

// DrainQueue removes and returns all queued messages for a binding.
func (r *Registry) DrainQueue(channel, threadID string) ([]QueuedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[key{channel, threadID}]
	if !ok || r.expired(b) {
		return nil, ErrNotFound
	}
	out := b.Queued
	b.Queued = nil
	return out, nil
}

// Remove deletes a binding outright.
func (r *Registry) Remove(channel, threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, key{channel, threadID})
}

// Sweep prunes every expired binding and returns the count removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for k, b := range r.bindings {
		if r.expired(b) {
			delete(r.bindings, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

func (r *Registry) expired(b *Binding) bool {
	if r.ttl <= 0 {
		return false
	}
	return r.clock().Sub(b.LastActivity) > r.ttl
}

func copyBinding(b *Binding) *Binding {
	out := *b
	if b.Queued != nil {
		out.Queued = append([]QueuedMessage(nil), b.Queued...)
	}
	return &out
}
