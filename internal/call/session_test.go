package call

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/dialbot/internal/observability"
	"github.com/antoniostano/dialbot/internal/pipeline"
)

func newTestMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	ns := "test_call_" + strings.NewReplacer("/", "_", "#", "_").Replace(t.Name()) +
		"_" + time.Now().Format("150405000000000")
	return observability.NewMetrics(ns)
}

type fakeConn struct {
	mu        sync.Mutex
	inbound   chan []byte
	writes    [][]byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakePipe struct {
	mu       sync.Mutex
	spoken   []string
	turns    int
	events   chan pipeline.Event
	stopped  bool
	speakErr error
}

func newFakePipe() *fakePipe {
	return &fakePipe{events: make(chan pipeline.Event, 16)}
}

func (p *fakePipe) PushAudio(context.Context, string) error { return nil }

func (p *fakePipe) PushSpokenMessage(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.speakErr != nil {
		return p.speakErr
	}
	p.spoken = append(p.spoken, text)
	return nil
}

func (p *fakePipe) RequestAssistantTurn(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns++
	return nil
}

func (p *fakePipe) Events() <-chan pipeline.Event { return p.events }

func (p *fakePipe) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.events)
	return nil
}

func (p *fakePipe) spokenCopy() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.spoken...)
}

type fakeProvider struct{ pipe *fakePipe }

func (f *fakeProvider) StartPipeline(context.Context, pipeline.Spec) (pipeline.Pipeline, error) {
	return f.pipe, nil
}

func testConfig() SessionConfig {
	return SessionConfig{
		SystemPrompt:          "test prompt",
		SessionDuration:       time.Hour,
		IdleWarning:           time.Hour,
		IdleDisconnectRetries: 3,
		FarewellGrace:         0,
		GreetingEnabled:       false,
	}
}

func startSession(t *testing.T, cfg SessionConfig) (*Session, *fakeConn, *fakePipe) {
	t.Helper()
	conn := newFakeConn()
	pipe := newFakePipe()
	s := NewSession(Options{
		CallSID:   "CA-test",
		StreamSID: "MZ-test",
		Config:    cfg,
		Conn:      conn,
		Provider:  &fakeProvider{pipe: pipe},
		Metrics:   newTestMetrics(t),
	})
	go func() { _ = s.Run(context.Background()) }()
	waitFor(t, func() bool { return s.State() == StateActive })
	return s, conn, pipe
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func countFarewells(spoken []string) int {
	n := 0
	for _, s := range spoken {
		if s == idleFarewellText || s == expiredFarewellText {
			n++
		}
	}
	return n
}

func TestSessionExpiresAfterDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.SessionDuration = 40 * time.Millisecond
	s, _, pipe := startSession(t, cfg)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close after deadline")
	}

	if s.State() != StateClosed {
		t.Fatalf("state = %q, want closed", s.State())
	}
	if s.Outcome() != OutcomeExpired {
		t.Fatalf("outcome = %q, want expired", s.Outcome())
	}
	spoken := pipe.spokenCopy()
	if len(spoken) != 1 || spoken[0] != expiredFarewellText {
		t.Fatalf("spoken = %v, want exactly one expiry farewell", spoken)
	}
}

func TestIdleEscalationReachesClosing(t *testing.T) {
	cfg := testConfig()
	cfg.IdleWarning = 25 * time.Millisecond
	cfg.IdleDisconnectRetries = 2
	s, _, pipe := startSession(t, cfg)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close after idle exhaustion")
	}

	if s.Outcome() != OutcomeIdle {
		t.Fatalf("outcome = %q, want idle_timeout", s.Outcome())
	}
	spoken := pipe.spokenCopy()
	// One escalation prompt, then the farewell.
	if len(spoken) != 2 || spoken[0] != idlePromptFor(1) || spoken[1] != idleFarewellText {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestActivityResetsIdleEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.IdleWarning = 40 * time.Millisecond
	cfg.IdleDisconnectRetries = 5
	s, _, pipe := startSession(t, cfg)

	waitFor(t, func() bool { return len(pipe.spokenCopy()) >= 1 })
	if s.IdleRetries() != 1 {
		t.Fatalf("idleRetries = %d, want 1", s.IdleRetries())
	}

	s.HandleActivity()
	if s.IdleRetries() != 0 {
		t.Fatalf("idleRetries after activity = %d, want 0", s.IdleRetries())
	}

	// Escalation restarts from step one after the reset.
	waitFor(t, func() bool { return len(pipe.spokenCopy()) >= 2 })
	spoken := pipe.spokenCopy()
	if spoken[1] != idlePromptFor(1) {
		t.Fatalf("second prompt = %q, want the first escalation step again", spoken[1])
	}

	s.HandleDisconnect()
	<-s.Done()
}

func TestDisconnectSkipsFarewellAndCancelsTimers(t *testing.T) {
	cfg := testConfig()
	s, conn, pipe := startSession(t, cfg)

	_ = conn.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close on disconnect")
	}

	if s.Outcome() != OutcomeHangup {
		t.Fatalf("outcome = %q, want hangup", s.Outcome())
	}
	if len(pipe.spokenCopy()) != 0 {
		t.Fatalf("spoken = %v, want none on abrupt hangup", pipe.spokenCopy())
	}
}

func TestStaleHandlersAfterClosedAreNoOps(t *testing.T) {
	cfg := testConfig()
	s, conn, _ := startSession(t, cfg)
	_ = conn.Close()
	<-s.Done()

	// Handlers and a second cancellation pass must all be safe after Closed.
	s.HandleActivity()
	s.HandleDisconnect()
	s.onIdleTimeout()
	s.onDeadline()
	s.mu.Lock()
	s.cancelTimersLocked()
	s.cancelTimersLocked()
	s.mu.Unlock()

	if s.State() != StateClosed || s.Outcome() != OutcomeHangup {
		t.Fatalf("state/outcome changed after Closed: %q/%q", s.State(), s.Outcome())
	}
}

func TestRacingTriggersCloseExactlyOnce(t *testing.T) {
	cfg := testConfig()
	// Idle exhaustion and the duration deadline land in the same instant.
	cfg.IdleWarning = 30 * time.Millisecond
	cfg.IdleDisconnectRetries = 1
	cfg.SessionDuration = 30 * time.Millisecond
	s, _, pipe := startSession(t, cfg)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close")
	}

	// Whichever trigger won, there is exactly one closing transition and
	// exactly one farewell.
	if s.State() != StateClosed {
		t.Fatalf("state = %q, want closed", s.State())
	}
	if got := s.Outcome(); got != OutcomeIdle && got != OutcomeExpired {
		t.Fatalf("outcome = %q, want idle_timeout or expired", got)
	}
	if n := countFarewells(pipe.spokenCopy()); n != 1 {
		t.Fatalf("farewells = %d, want exactly 1 (spoken: %v)", n, pipe.spokenCopy())
	}
}

func TestFarewellFailureStillReachesClosed(t *testing.T) {
	cfg := testConfig()
	cfg.SessionDuration = 30 * time.Millisecond
	conn := newFakeConn()
	pipe := newFakePipe()
	pipe.speakErr = io.ErrClosedPipe
	s := NewSession(Options{
		CallSID:  "CA-test",
		Config:   cfg,
		Conn:     conn,
		Provider: &fakeProvider{pipe: pipe},
		Metrics:  newTestMetrics(t),
	})
	go func() { _ = s.Run(context.Background()) }()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("failed farewell blocked shutdown")
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %q, want closed", s.State())
	}
}

func TestGreetingPolicyRunsAssistantFirst(t *testing.T) {
	cfg := testConfig()
	cfg.GreetingEnabled = true
	s, conn, pipe := startSession(t, cfg)

	waitFor(t, func() bool {
		pipe.mu.Lock()
		defer pipe.mu.Unlock()
		return pipe.turns == 1
	})

	_ = conn.Close()
	<-s.Done()
}
