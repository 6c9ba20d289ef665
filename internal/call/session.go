package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/antoniostano/dialbot/internal/callstore"
	"github.com/antoniostano/dialbot/internal/observability"
	"github.com/antoniostano/dialbot/internal/pipeline"
	"github.com/antoniostano/dialbot/internal/protocol"
	"github.com/antoniostano/dialbot/internal/stream"
)

type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Outcome labels why a session ended.
type Outcome string

const (
	OutcomeHangup  Outcome = "hangup"
	OutcomeIdle    Outcome = "idle_timeout"
	OutcomeExpired Outcome = "expired"
	OutcomeError   Outcome = "error"
)

const spokenDeliveryTimeout = 5 * time.Second

func idlePromptFor(retry int) string {
	if retry == 1 {
		return "Hello? Are you still there?"
	}
	return "I haven't heard anything from you. Is there anything else I can help you with?"
}

const (
	idleFarewellText    = "It sounds like you've stepped away, so I'll end the call here. Goodbye!"
	expiredFarewellText = "We've reached the end of our time for this call. Thank you for talking with me. Goodbye!"
)

// Options configures a Session. Records is optional.
type Options struct {
	CallSID     string
	StreamSID   string
	PhoneNumber string
	Config      SessionConfig
	Conn        stream.Conn
	Provider    pipeline.Provider
	Metrics     *observability.Metrics
	Records     callstore.Store
}

// Session owns one call's lifecycle: the turn-taking pipeline, the idle and
// duration timers, and shutdown sequencing. States move Connecting → Active
// → Closing → Closed, never backwards. All mutation is routed through
// handlers that check the current state under the session mutex, so a timer
// that fires after a transition began is a no-op.
type Session struct {
	callSID     string
	streamSID   string
	phoneNumber string
	cfg         SessionConfig
	conn        stream.Conn
	provider    pipeline.Provider
	metrics     *observability.Metrics
	records     callstore.Store

	mu             sync.Mutex
	state          State
	idleRetries    int
	idleTimer      *time.Timer
	deadlineTimer  *time.Timer
	lastActivityAt time.Time
	outcome        Outcome

	pipe      pipeline.Pipeline
	startedAt time.Time
	done      chan struct{}
}

func NewSession(opts Options) *Session {
	return &Session{
		callSID:     opts.CallSID,
		streamSID:   opts.StreamSID,
		phoneNumber: opts.PhoneNumber,
		cfg:         opts.Config,
		conn:        opts.Conn,
		provider:    opts.Provider,
		metrics:     opts.Metrics,
		records:     opts.Records,
		state:       StateConnecting,
		done:        make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IdleRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleRetries
}

func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run wires the pipeline, arms the timers, and drives the connection until
// a terminal event. It returns once the session is Closed.
func (s *Session) Run(ctx context.Context) error {
	s.startedAt = time.Now().UTC()

	pipe, err := s.provider.StartPipeline(ctx, pipeline.Spec{
		CallSID:      s.callSID,
		StreamSID:    s.streamSID,
		SystemPrompt: s.cfg.SystemPrompt,
		Sink:         s.conn,
	})
	if err != nil {
		s.mu.Lock()
		s.state = StateClosed
		s.outcome = OutcomeError
		s.mu.Unlock()
		_ = s.conn.Close()
		close(s.done)
		return fmt.Errorf("start pipeline: %w", err)
	}
	s.pipe = pipe

	s.mu.Lock()
	s.state = StateActive
	s.lastActivityAt = time.Now()
	s.idleTimer = time.AfterFunc(s.cfg.IdleWarning, s.onIdleTimeout)
	s.deadlineTimer = time.AfterFunc(s.cfg.SessionDuration, s.onDeadline)
	s.mu.Unlock()
	s.metrics.CallEvents.WithLabelValues("session_active").Inc()

	if s.cfg.GreetingEnabled {
		if err := pipe.RequestAssistantTurn(ctx); err != nil {
			log.Printf("call %s: greeting turn failed: %v", s.callSID, err)
			s.metrics.ProviderErrors.WithLabelValues("pipeline", "greeting_failed").Inc()
		}
	}

	go s.consumePipelineEvents()
	s.readLoop(ctx)

	<-s.done
	return nil
}

// readLoop consumes the (replayed) provider stream until disconnect.
func (s *Session) readLoop(ctx context.Context) {
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			s.HandleDisconnect()
			return
		}

		parsed, err := protocol.Parse(data)
		if err != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
			continue
		}
		switch msg := parsed.(type) {
		case protocol.Media:
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.EventMedia)).Inc()
			if err := s.pipe.PushAudio(ctx, msg.Media.Payload); err != nil {
				s.metrics.ProviderErrors.WithLabelValues("pipeline", "push_audio_failed").Inc()
			}
		case protocol.Stop:
			s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.EventStop)).Inc()
			s.HandleDisconnect()
			return
		case protocol.Connected, protocol.Start, protocol.Mark:
			// Replayed handshake frames and playback marks carry no new work.
			s.metrics.WSMessages.WithLabelValues("inbound", string(eventOf(parsed))).Inc()
		}
	}
}

func eventOf(msg any) protocol.EventType {
	switch msg.(type) {
	case protocol.Connected:
		return protocol.EventConnected
	case protocol.Start:
		return protocol.EventStart
	case protocol.Mark:
		return protocol.EventMark
	default:
		return ""
	}
}

func (s *Session) consumePipelineEvents() {
	for evt := range s.pipe.Events() {
		switch evt.Type {
		case pipeline.EventActivity:
			s.HandleActivity()
		case pipeline.EventError:
			log.Printf("call %s: pipeline error %s: %s", s.callSID, evt.Code, evt.Detail)
			s.metrics.ProviderErrors.WithLabelValues("pipeline", evt.Code).Inc()
			if s.beginClose(OutcomeError) {
				s.finish("")
			}
		case pipeline.EventTurnEnd:
			// Turn accounting only; no lifecycle effect.
		}
	}
}

// HandleActivity resets idle tracking. Outside Active it is a no-op.
func (s *Session) HandleActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.idleRetries = 0
	s.lastActivityAt = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer.Reset(s.cfg.IdleWarning)
	}
}

// HandleDisconnect handles the remote hangup: timers are cancelled before
// the pipeline comes down so a firing timer cannot resurrect state.
func (s *Session) HandleDisconnect() {
	if !s.beginClose(OutcomeHangup) {
		return
	}
	s.metrics.CallEvents.WithLabelValues(string(OutcomeHangup)).Inc()
	s.finish("")
}

func (s *Session) onIdleTimeout() {
	s.mu.Lock()
	if s.state != StateActive {
		// Stale firing after a transition; not an error.
		s.mu.Unlock()
		return
	}
	// A firing that lost the lock race to a fresh activity reset counts for
	// the window before that activity; rearm for the remainder instead.
	if elapsed := time.Since(s.lastActivityAt); elapsed < s.cfg.IdleWarning {
		s.idleTimer.Reset(s.cfg.IdleWarning - elapsed)
		s.mu.Unlock()
		return
	}
	s.idleRetries++
	if s.idleRetries < s.cfg.IdleDisconnectRetries {
		prompt := idlePromptFor(s.idleRetries)
		s.idleTimer.Reset(s.cfg.IdleWarning)
		s.mu.Unlock()
		s.metrics.CallEvents.WithLabelValues("idle_warning").Inc()
		s.speak(prompt)
		return
	}
	s.beginCloseLocked(OutcomeIdle)
	s.mu.Unlock()
	s.metrics.CallEvents.WithLabelValues(string(OutcomeIdle)).Inc()
	s.finish(idleFarewellText)
}

func (s *Session) onDeadline() {
	if !s.beginClose(OutcomeExpired) {
		return
	}
	s.metrics.CallEvents.WithLabelValues(string(OutcomeExpired)).Inc()
	s.finish(expiredFarewellText)
}

// beginClose attempts the single Active→Closing transition. Exactly one
// trigger wins; the rest observe a non-Active state and back off.
func (s *Session) beginClose(outcome Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	s.beginCloseLocked(outcome)
	return true
}

func (s *Session) beginCloseLocked(outcome Outcome) {
	s.state = StateClosing
	s.outcome = outcome
	s.cancelTimersLocked()
}

// cancelTimersLocked is idempotent: stopping a fired or already-stopped
// timer is a no-op.
func (s *Session) cancelTimersLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
	}
}

// speak delivers one spoken message best-effort.
func (s *Session) speak(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), spokenDeliveryTimeout)
	defer cancel()
	if err := s.pipe.PushSpokenMessage(ctx, text); err != nil {
		log.Printf("call %s: spoken message failed: %v", s.callSID, err)
		s.metrics.ProviderErrors.WithLabelValues("pipeline", "speak_failed").Inc()
	}
}

// finish runs the Closing sequence: optional farewell plus delivery grace,
// pipeline stop, connection close, then Closed. Reached exactly once, by
// whichever trigger won beginClose. Failures along the way are logged and
// never block progression to Closed.
func (s *Session) finish(farewell string) {
	if farewell != "" {
		// Drop any queued assistant audio so the farewell plays promptly.
		if frame, err := protocol.NewClearMessage(s.streamSID); err == nil {
			_ = s.conn.WriteMessage(frame)
		}
		s.speak(farewell)
		if s.cfg.FarewellGrace > 0 {
			time.Sleep(s.cfg.FarewellGrace)
		}
	}

	if err := s.pipe.Stop(); err != nil {
		log.Printf("call %s: pipeline stop failed: %v", s.callSID, err)
	}
	_ = s.conn.Close()

	s.mu.Lock()
	s.state = StateClosed
	outcome := s.outcome
	s.mu.Unlock()

	endedAt := time.Now().UTC()
	s.metrics.CallEvents.WithLabelValues("session_closed").Inc()
	s.metrics.ObserveCallDuration(endedAt.Sub(s.startedAt))
	s.saveRecordBestEffort(outcome, endedAt)

	close(s.done)
}

func (s *Session) saveRecordBestEffort(outcome Outcome, endedAt time.Time) {
	if s.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.records.SaveCall(ctx, callstore.Record{
		CallSID:     s.callSID,
		StreamSID:   s.streamSID,
		PhoneNumber: s.phoneNumber,
		Outcome:     string(outcome),
		StartedAt:   s.startedAt,
		EndedAt:     endedAt,
	})
	if err != nil {
		log.Printf("call %s: save call record failed: %v", s.callSID, err)
	}
}
