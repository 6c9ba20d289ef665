package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/dialbot/internal/call"
	"github.com/antoniostano/dialbot/internal/callstore"
	"github.com/antoniostano/dialbot/internal/config"
	"github.com/antoniostano/dialbot/internal/observability"
	"github.com/antoniostano/dialbot/internal/pipeline"
	"github.com/antoniostano/dialbot/internal/registry"
	"github.com/antoniostano/dialbot/internal/stream"
	"github.com/antoniostano/dialbot/internal/twilio"
)

// CallPlacer starts an outbound call whose connection instructions are
// served from instructionURL.
type CallPlacer interface {
	PlaceCall(ctx context.Context, to, from, instructionURL string) (string, error)
}

type Server struct {
	cfg      config.Config
	gateway  CallPlacer
	pending  *registry.Registry
	provider pipeline.Provider
	metrics  *observability.Metrics
	records  callstore.Store
	upgrader websocket.Upgrader
}

func New(cfg config.Config, gateway CallPlacer, pending *registry.Registry, provider pipeline.Provider, metrics *observability.Metrics, records callstore.Store) *Server {
	return &Server{
		cfg:      cfg,
		gateway:  gateway,
		pending:  pending,
		provider: provider,
		metrics:  metrics,
		records:  records,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Telephony providers connect without an Origin header; allow
				// those, and restrict browser connections to the same origin
				// unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/start", s.handleStart)
	r.Post("/twiml", s.handleTwiML)
	r.Get("/ws", s.handleMediaStream)
	r.Get("/v1/calls", s.handleRecentCalls)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"pending_calls": s.pending.PendingCount(),
	})
}

// paramPhoneNumber rides along in the custom parameters purely so call
// records keep the dialed number when the pending entry was already
// consumed by the webhook.
const paramPhoneNumber = "phone_number"

type startRequest struct {
	PhoneNumber           string         `json:"phone_number"`
	Body                  map[string]any `json:"body"`
	SystemPrompt          string         `json:"llm_context"`
	SessionDuration       *int           `json:"session_duration"`
	IdleWarningTimeout    *int           `json:"idle_warning_timeout"`
	IdleDisconnectTimeout *int           `json:"idle_disconnect_timeout"`
	Greeting              *bool          `json:"greeting"`
}

type startResponse struct {
	CallSID     string `json:"call_sid"`
	Status      string `json:"status"`
	PhoneNumber string `json:"phone_number"`
}

// handleStart places the outbound call and parks the requested session
// configuration until the media stream correlates back to the call sid.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	phone := strings.TrimSpace(req.PhoneNumber)
	if phone == "" {
		respondError(w, http.StatusBadRequest, "missing_phone_number", "phone_number is required")
		return
	}

	params := s.paramsFromRequest(req)
	cfg := call.ConfigFromParams(params, s.sessionDefaults())

	instructionURL := strings.TrimRight(strings.TrimSpace(s.cfg.PublicBaseURL), "/") + "/twiml"
	callSID, err := s.gateway.PlaceCall(r.Context(), phone, s.cfg.TwilioFromNumber, instructionURL)
	if err != nil {
		log.Printf("call placement to %s failed: %v", phone, err)
		s.metrics.GatewayErrors.Inc()
		respondError(w, http.StatusBadGateway, "call_placement_failed", err.Error())
		return
	}

	s.pending.Put(callSID, registry.Entry{
		Config:      cfg,
		Params:      params,
		PhoneNumber: phone,
	})
	s.metrics.CallEvents.WithLabelValues("call_initiated").Inc()

	respondJSON(w, http.StatusOK, startResponse{
		CallSID:     callSID,
		Status:      "call_initiated",
		PhoneNumber: phone,
	})
}

// paramsFromRequest flattens the initiation body into the string parameters
// embedded in the connection instructions, so the same values survive the
// round trip through the provider's custom parameters.
func (s *Server) paramsFromRequest(req startRequest) map[string]string {
	params := map[string]string{}
	// Arbitrary passthrough values ride along as custom parameters; only
	// scalars survive the string round trip.
	for k, v := range req.Body {
		switch val := v.(type) {
		case string:
			params[k] = val
		case float64:
			params[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			params[k] = strconv.FormatBool(val)
		}
	}
	params[paramPhoneNumber] = strings.TrimSpace(req.PhoneNumber)
	if v := strings.TrimSpace(req.SystemPrompt); v != "" {
		params[call.ParamSystemPrompt] = v
	}
	if req.SessionDuration != nil {
		params[call.ParamSessionDuration] = strconv.Itoa(*req.SessionDuration)
	}
	if req.IdleWarningTimeout != nil {
		params[call.ParamIdleWarningTimeout] = strconv.Itoa(*req.IdleWarningTimeout)
	}
	if req.IdleDisconnectTimeout != nil {
		params[call.ParamIdleDisconnectTimeout] = strconv.Itoa(*req.IdleDisconnectTimeout)
	}
	if req.Greeting != nil {
		params[call.ParamGreeting] = strconv.FormatBool(*req.Greeting)
	}
	return params
}

func (s *Server) sessionDefaults() call.Defaults {
	return call.Defaults{
		SystemPrompt:              call.DefaultSystemPrompt,
		SessionDurationSeconds:    s.cfg.DefaultSessionDurationSeconds,
		IdleWarningSeconds:        s.cfg.DefaultIdleWarningSeconds,
		IdleDisconnectSeconds:     s.cfg.DefaultIdleDisconnectSeconds,
		MaxSessionDurationSeconds: s.cfg.MaxSessionDurationSeconds,
		FarewellGrace:             s.cfg.FarewellGrace,
		GreetingEnabled:           s.cfg.GreetingEnabled,
	}
}

// handleTwiML answers the provider's webhook with the connection
// instructions for a placed call. Pending parameters for the call are
// embedded so they come back in the stream's start event; an unknown call
// sid still gets a valid, parameter-free document.
func (s *Server) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))

	var params map[string]string
	if entry, ok := s.pending.TakeIfPresent(callSID); ok {
		params = entry.Params
	} else {
		s.metrics.CallEvents.WithLabelValues("twiml_unknown_call").Inc()
	}

	body, err := twilio.ConnectStreamTwiML(twilio.StreamURL(s.cfg.PublicBaseURL), params)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "twiml_render_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleMediaStream upgrades the provider's streaming connection, correlates
// it to a call, resolves the session configuration, and runs the call to
// completion.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := stream.NewWebsocketConn(wsConn)
	info, replayed, err := stream.Correlate(conn, stream.CorrelateOptions{
		MaxAttempts:    s.cfg.CorrelationAttempts,
		AttemptTimeout: s.cfg.CorrelationAttemptTimeout,
	})
	if err != nil {
		log.Printf("media stream correlation failed: %v", err)
		s.metrics.CallEvents.WithLabelValues("correlation_failed").Inc()
		_ = conn.Close()
		return
	}

	cfg, phone := s.resolveSessionConfig(info)

	sess := call.NewSession(call.Options{
		CallSID:     info.CallSID,
		StreamSID:   info.StreamSID,
		PhoneNumber: phone,
		Config:      cfg,
		Conn:        replayed,
		Provider:    s.provider,
		Metrics:     s.metrics,
		Records:     s.records,
	})

	s.metrics.ActiveCalls.Inc()
	defer s.metrics.ActiveCalls.Dec()

	if err := sess.Run(r.Context()); err != nil {
		log.Printf("call %s: session ended with error: %v", info.CallSID, err)
	}
}

// resolveSessionConfig decides where the session configuration comes from:
// a still-pending registry entry wins, then the custom parameters carried by
// the start event, then the documented defaults.
func (s *Server) resolveSessionConfig(info stream.StartInfo) (call.SessionConfig, string) {
	if entry, ok := s.pending.TakeIfPresent(info.CallSID); ok {
		return entry.Config, entry.PhoneNumber
	}
	if len(info.CustomParameters) > 0 {
		return call.ConfigFromParams(info.CustomParameters, s.sessionDefaults()), info.CustomParameters[paramPhoneNumber]
	}
	s.metrics.CallEvents.WithLabelValues("registry_miss").Inc()
	return call.ConfigFromParams(nil, s.sessionDefaults()), ""
}

func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	records, err := s.records.RecentCalls(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if records == nil {
		records = []callstore.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
