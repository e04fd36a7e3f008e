package executor

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Quorum-Labs/warden/pkg/contracts"
	"github.com/Quorum-Labs/warden/pkg/ledger"
)

type fakeInjector struct {
	mu       sync.Mutex
	injects  []string
	writes   []string
	err      error
	onInject func()
}

func (f *fakeInjector) Inject(_ context.Context, sessionID, value string, _ contracts.PromptType) error {
	f.mu.Lock()
	f.injects = append(f.injects, sessionID+"/"+value)
	cb := f.onInject
	err := f.err
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return err
}

func (f *fakeInjector) Write(_ context.Context, sessionID, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, sessionID+"/"+data)
	return f.err
}

func (f *fakeInjector) injectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.injects)
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
	routed   int
}

func (f *fakeNotifier) Notify(_ context.Context, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeNotifier) RouteToHuman(_ context.Context, _ contracts.PromptEvent, _ *contracts.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed++
	return nil
}

func (f *fakeNotifier) allMessages() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.messages, "\n")
}

type fakeProgress struct {
	mu   sync.Mutex
	last time.Time
}

func (f *fakeProgress) LastOutput(string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeProgress) advance() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = time.Now()
}

func fastPlan(verify bool, retries int) Plan {
	return Plan{
		AdvanceTimeout:       50 * time.Millisecond,
		RetryDelay:           5 * time.Millisecond,
		MaxRetries:           retries,
		VerifyAdvance:        verify,
		EscalateOnExhaustion: true,
	}
}

func yesNoEvent(masked bool) contracts.PromptEvent {
	return contracts.PromptEvent{
		PromptID:  "p1",
		SessionID: "s1",
		Type:      contracts.PromptYesNo,
		Masked:    masked,
		Excerpt:   "Continue? [y/n]",
	}
}

func newTestExecutor(inj *fakeInjector, n *fakeNotifier, p *fakeProgress) *Executor {
	return New(inj, n, p, zerolog.Nop()).WithPollInterval(2 * time.Millisecond)
}

func TestExecuteSucceedsOnAdvance(t *testing.T) {
	inj := &fakeInjector{}
	n := &fakeNotifier{}
	p := &fakeProgress{}
	inj.onInject = p.advance

	e := newTestExecutor(inj, n, p).WithPlan(contracts.PromptYesNo, fastPlan(true, 2))
	err := e.Execute(context.Background(), yesNoEvent(false), "y")
	require.NoError(t, err)
	assert.Equal(t, 1, inj.injectCount())
	assert.Empty(t, n.messages)
}

func TestExecuteWithoutVerifySkipsPolling(t *testing.T) {
	inj := &fakeInjector{}
	n := &fakeNotifier{}
	p := &fakeProgress{}

	e := newTestExecutor(inj, n, p).WithPlan(contracts.PromptYesNo, fastPlan(false, 2))
	err := e.Execute(context.Background(), yesNoEvent(false), "y")
	require.NoError(t, err)
	assert.Equal(t, 1, inj.injectCount())
}

func TestExecuteRetriesOnStallThenExhausts(t *testing.T) {
	inj := &fakeInjector{}
	n := &fakeNotifier{}
	p := &fakeProgress{} // never advances

	e := newTestExecutor(inj, n, p).WithPlan(contracts.PromptYesNo, fastPlan(true, 1))
	err := e.Execute(context.Background(), yesNoEvent(false), "y")
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, inj.injectCount())
	assert.Contains(t, n.allMessages(), "stalled")
	assert.Contains(t, n.allMessages(), "giving up")
	assert.Equal(t, 1, n.routed)
}

func TestExecuteRetriesAfterInjectionError(t *testing.T) {
	inj := &fakeInjector{err: errors.New("pty write failed")}
	n := &fakeNotifier{}
	p := &fakeProgress{}

	e := newTestExecutor(inj, n, p).WithPlan(contracts.PromptYesNo, fastPlan(true, 2))
	err := e.Execute(context.Background(), yesNoEvent(false), "y")
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 3, inj.injectCount())
}

func TestExecuteRedactsMaskedValues(t *testing.T) {
	inj := &fakeInjector{}
	n := &fakeNotifier{}
	p := &fakeProgress{}

	e := newTestExecutor(inj, n, p).WithPlan(contracts.PromptFreeText, fastPlan(true, 0))
	ev := yesNoEvent(true)
	ev.Type = contracts.PromptFreeText

	err := e.Execute(context.Background(), ev, "hunter2")
	assert.ErrorIs(t, err, ErrExhausted)

	// The real value is delivered; feedback only ever shows the marker.
	assert.Equal(t, []string{"s1/hunter2"}, inj.injects)
	assert.NotContains(t, n.allMessages(), "hunter2")
	assert.Contains(t, n.allMessages(), RedactionMarker)
}

func TestExecuteCancellation(t *testing.T) {
	inj := &fakeInjector{}
	n := &fakeNotifier{}
	p := &fakeProgress{}

	ctx, cancel := context.WithCancel(context.Background())
	inj.onInject = cancel

	e := newTestExecutor(inj, n, p).WithPlan(contracts.PromptYesNo, Plan{
		AdvanceTimeout: 10 * time.Second,
		RetryDelay:     10 * time.Second,
		MaxRetries:     5,
		VerifyAdvance:  true,
	})

	done := make(chan error, 1)
	go func() { done <- e.Execute(ctx, yesNoEvent(false), "y") }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after cancellation")
	}
}

func TestChatWritesCarriageReturn(t *testing.T) {
	inj := &fakeInjector{}
	e := newTestExecutor(inj, &fakeNotifier{}, &fakeProgress{})

	require.NoError(t, e.Chat(context.Background(), "s1", "describe the failing test\n"))
	require.Len(t, inj.writes, 1)
	assert.Equal(t, "s1/describe the failing test\r", inj.writes[0])
	assert.False(t, strings.HasSuffix(inj.writes[0], "\n"))
}

func openTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	l, err := ledger.New(context.Background(), db)
	require.NoError(t, err)
	return l
}

func TestExecuteAuditsEveryAttempt(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	inj := &fakeInjector{}
	p := &fakeProgress{} // never advances

	e := newTestExecutor(inj, &fakeNotifier{}, p).
		WithLedger(l).
		WithPlan(contracts.PromptYesNo, fastPlan(true, 1))
	err := e.Execute(ctx, yesNoEvent(false), "y")
	assert.ErrorIs(t, err, ErrExhausted)

	events, err := l.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, ledger.EventInjection, ev.EventType)
		assert.Equal(t, "p1", ev.PromptID)
	}
}

func TestExecuteAuditRecordsFailedAttempt(t *testing.T) {
	ctx := context.Background()
	l := openTestLedger(t)
	inj := &fakeInjector{err: errors.New("pty gone")}

	e := newTestExecutor(inj, &fakeNotifier{}, &fakeProgress{}).
		WithLedger(l).
		WithPlan(contracts.PromptYesNo, fastPlan(false, 0))
	err := e.Execute(ctx, yesNoEvent(false), "y")
	assert.ErrorIs(t, err, ErrExhausted)

	events, err := l.SessionEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, string(events[0].Payload), "pty gone")
	assert.NotContains(t, string(events[0].Payload), `"ok":true`)
}

func TestPlanForDefaults(t *testing.T) {
	p := PlanFor(contracts.PromptYesNo)
	assert.True(t, p.VerifyAdvance)
	assert.Equal(t, 2, p.MaxRetries)

	p = PlanFor(contracts.PromptFreeText)
	assert.False(t, p.VerifyAdvance)
}
