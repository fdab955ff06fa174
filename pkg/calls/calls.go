// Package calls implements the call lifecycle: placing outbound calls,
// answering Twilio's voice and status webhooks, reporting transcripts and
// terminating calls.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teslashibe/go-callrelay/internal/log"
	"github.com/teslashibe/go-callrelay/pkg/callerr"
	"github.com/teslashibe/go-callrelay/pkg/session"
	"github.com/teslashibe/go-callrelay/pkg/telephony"
)

// URLs are the public callback addresses Twilio is given.
type URLs interface {
	VoiceURL(sessionID string) string
	StatusCallbackURL() string
	StreamURL() string
}

// Bridges tears down live media bridges.
type Bridges interface {
	Terminate(ctx context.Context, sessionID string) bool
}

// Config holds call defaults. Request credentials override Credentials
// field by field.
type Config struct {
	Credentials session.Credentials
	FromNumber  string

	// Greeting is spoken before the media stream opens. Empty skips it.
	Greeting string
	Voice    string

	// UnavailableMessage is spoken to calls whose session is gone.
	UnavailableMessage string

	HangupTimeout time.Duration
	RingTimeout   int
}

// DefaultUnavailableMessage is spoken when a voice webhook names no session.
const DefaultUnavailableMessage = "We're sorry, this call can no longer be connected. Goodbye."

const (
	defaultHangupTimeout   = 10 * time.Second
	bridgeTeardownDeadline = 5 * time.Second
)

// Service coordinates the registry, the telephony provider and the media
// bridges.
type Service struct {
	registry *session.Registry
	phone    telephony.Client
	urls     URLs
	bridges  Bridges
	cfg      Config
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBridges lets termination and final status callbacks close live
// bridges.
func WithBridges(b Bridges) Option {
	return func(s *Service) {
		s.bridges = b
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a Service.
func NewService(registry *session.Registry, phone telephony.Client, urls URLs, cfg Config, opts ...Option) *Service {
	if cfg.HangupTimeout <= 0 {
		cfg.HangupTimeout = defaultHangupTimeout
	}
	if cfg.UnavailableMessage == "" {
		cfg.UnavailableMessage = DefaultUnavailableMessage
	}
	s := &Service{
		registry: registry,
		phone:    phone,
		urls:     urls,
		cfg:      cfg,
		logger:   log.Component("calls"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitiateRequest asks for one outbound call.
type InitiateRequest struct {
	Target      string
	Caller      string
	Script      string
	Persona     string
	Context     string
	Credentials session.Credentials
}

// InitiateResult identifies the placed call.
type InitiateResult struct {
	SessionID string         `json:"sessionId"`
	CallSid   string         `json:"callSid"`
	Status    session.Status `json:"status"`
}

// InitiateCall validates the request, creates a session and asks Twilio to
// place the call. Validation and configuration errors are returned before
// any session or provider request exists. A provider rejection leaves the
// session failed and returns a *callerr.ProviderError.
func (s *Service) InitiateCall(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	caller := strings.TrimSpace(req.Caller)
	if caller == "" {
		caller = s.cfg.FromNumber
	}
	target := strings.TrimSpace(req.Target)
	if err := telephony.ValidateE164("target number", target); err != nil {
		return InitiateResult{}, err
	}
	if err := telephony.ValidateE164("caller number", caller); err != nil {
		return InitiateResult{}, err
	}

	creds := mergeCredentials(s.cfg.Credentials, req.Credentials)
	if err := requireCredentials(creds); err != nil {
		return InitiateResult{}, err
	}
	statusURL := s.urls.StatusCallbackURL()
	if !strings.HasPrefix(statusURL, "http") {
		return InitiateResult{}, callerr.Configuration("public base URL is not configured")
	}

	cc := session.CallContext{
		Script:  req.Script,
		Persona: req.Persona,
		Context: req.Context,
	}
	sess, err := s.registry.Create(cc, target, caller, creds)
	if err != nil {
		return InitiateResult{}, err
	}
	logger := s.logger.With("session_id", sess.ID)

	callSid, err := s.phone.PlaceCall(ctx, creds, telephony.PlaceCallParams{
		To:                target,
		From:              caller,
		VoiceURL:          s.urls.VoiceURL(sess.ID),
		StatusCallbackURL: statusURL,
		StatusEvents:      telephony.DefaultStatusEvents,
		RingTimeout:       s.cfg.RingTimeout,
	})
	if err != nil {
		failed, _, _ := s.registry.TransitionWith(sess.ID, session.StatusFailed, func(cs *session.CallSession) {
			cs.FailureReason = err.Error()
		})
		logger.Warn("call placement rejected", "error", err)
		return InitiateResult{SessionID: sess.ID, Status: failed.Status}, err
	}

	if err := s.registry.BindCallSid(sess.ID, callSid); err != nil {
		logger.Error("bind call sid failed", "call_sid", callSid, "error", err)
		return InitiateResult{}, fmt.Errorf("calls: bind call sid: %w", err)
	}
	// A status webhook may already have moved the call further along.
	current, _, err := s.registry.Transition(sess.ID, session.StatusRinging)
	if err != nil {
		return InitiateResult{}, err
	}
	if current.Status.Terminal() {
		// Terminated while placement was in flight, before the SID was known.
		s.hangupOrphan(ctx, current, logger)
	}

	logger.Info("call placed", "call_sid", callSid, "to", target)
	return InitiateResult{SessionID: sess.ID, CallSid: callSid, Status: current.Status}, nil
}

// StatusCallback is one Twilio status webhook delivery.
type StatusCallback struct {
	CallSid      string
	CallStatus   string
	CallDuration int
}

// HandleStatusCallback applies a status webhook. It never fails: unknown
// calls, unknown statuses and late or duplicate deliveries are logged and
// acknowledged. A terminal status closes any live bridge.
func (s *Service) HandleStatusCallback(ctx context.Context, cb StatusCallback) {
	logger := s.logger.With("call_sid", cb.CallSid, "call_status", cb.CallStatus)

	status, ok := session.ParseProviderStatus(cb.CallStatus)
	if !ok {
		logger.Warn("ignoring unknown call status")
		return
	}

	sess, applied, err := s.registry.TransitionByCallSid(cb.CallSid, status, func(cs *session.CallSession) {
		if cb.CallDuration > 0 {
			cs.Duration = cb.CallDuration
		}
	})
	switch {
	case errors.Is(err, callerr.ErrNotFound):
		logger.Info("status for unknown call acknowledged")
		return
	case err != nil:
		logger.Warn("status callback not applied", "error", err)
		return
	case !applied:
		logger.Debug("status callback ignored", "session_id", sess.ID, "current", sess.Status)
		return
	}

	logger.Info("call status changed", "session_id", sess.ID, "status", sess.Status)
	if sess.Status.Terminal() {
		go s.teardown(sess.ID)
	}
}

// TranscriptView is the read model for a call.
type TranscriptView struct {
	SessionID    string                    `json:"sessionId"`
	CallSid      string                    `json:"callSid"`
	Status       session.Status            `json:"status"`
	Transcript   []session.TranscriptEntry `json:"transcript"`
	Duration     int                       `json:"durationSeconds"`
	Failure      string                    `json:"failureReason,omitempty"`
	Conversation string                    `json:"conversationId,omitempty"`
	CreatedAt    time.Time                 `json:"createdAt"`
	UpdatedAt    time.Time                 `json:"updatedAt"`
}

// Transcript returns the status and transcript of a session. The id may be
// a session ID or a Twilio call SID.
func (s *Service) Transcript(id string) (TranscriptView, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return TranscriptView{}, err
	}
	return viewOf(sess), nil
}

// List returns every session still held in memory, oldest first.
func (s *Service) List() []TranscriptView {
	sessions := s.registry.List()
	views := make([]TranscriptView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewOf(sess))
	}
	return views
}

// Count returns how many sessions are held in memory.
func (s *Service) Count() int {
	return s.registry.Len()
}

// Terminate ends a call at Twilio and closes its bridge. Terminating an
// ended call only tears down any leftover bridge and succeeds. The Twilio
// request is bounded by the hangup timeout and fails with
// callerr.ErrTimedOut when it expires, leaving the status unchanged.
func (s *Service) Terminate(ctx context.Context, id string) (TranscriptView, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return TranscriptView{}, err
	}
	logger := s.logger.With("session_id", sess.ID, "call_sid", sess.CallSid)

	if sess.Status.Terminal() {
		s.closeBridge(ctx, sess.ID)
		return viewOf(sess), nil
	}

	if sess.CallSid != "" {
		hctx, cancel := context.WithTimeout(ctx, s.cfg.HangupTimeout)
		err := s.phone.Hangup(hctx, sess.Credentials, sess.CallSid)
		cancel()
		if err != nil {
			logger.Warn("hangup failed", "error", err)
			return TranscriptView{}, err
		}
	}

	to := session.StatusCompleted
	if sess.Status != session.StatusInProgress {
		to = session.StatusCanceled
	}
	ended, _, err := s.registry.Transition(sess.ID, to)
	if err != nil {
		return TranscriptView{}, err
	}
	s.closeBridge(ctx, sess.ID)

	logger.Info("call terminated", "status", ended.Status)
	return viewOf(ended), nil
}

// hangupOrphan ends a call that was placed after its session ended.
func (s *Service) hangupOrphan(ctx context.Context, sess session.CallSession, logger *slog.Logger) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.HangupTimeout)
	defer cancel()
	if err := s.phone.Hangup(hctx, sess.Credentials, sess.CallSid); err != nil {
		logger.Warn("hangup of call placed after termination failed", "call_sid", sess.CallSid, "error", err)
		return
	}
	logger.Info("hung up call placed after termination", "call_sid", sess.CallSid, "status", sess.Status)
}

// VoiceInstructions returns the TwiML for a session's voice webhook. An
// unknown or ended session gets a spoken apology and a hangup rather than
// an error, so Twilio never plays its own failure message.
func (s *Service) VoiceInstructions(sessionID string) (string, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil || sess.Status.Terminal() {
		s.logger.Warn("voice webhook for unavailable session", "session_id", sessionID)
		return telephony.Apology(s.cfg.UnavailableMessage, s.cfg.Voice)
	}
	return telephony.VoiceInstructions(s.cfg.Greeting, s.cfg.Voice, s.urls.StreamURL(), map[string]string{
		telephony.SessionParam: sess.ID,
	})
}

// AuthToken returns the Twilio auth token a webhook for callSid (or
// sessionID) must be signed with.
func (s *Service) AuthToken(sessionID, callSid string) string {
	if sessionID != "" {
		if sess, err := s.registry.Get(sessionID); err == nil && sess.Credentials.AuthToken != "" {
			return sess.Credentials.AuthToken
		}
	}
	if callSid != "" {
		if sess, err := s.registry.GetByCallSid(callSid); err == nil && sess.Credentials.AuthToken != "" {
			return sess.Credentials.AuthToken
		}
	}
	return s.cfg.Credentials.AuthToken
}

func (s *Service) lookup(id string) (session.CallSession, error) {
	sess, err := s.registry.Get(id)
	if errors.Is(err, callerr.ErrNotFound) {
		if bySid, sidErr := s.registry.GetByCallSid(id); sidErr == nil {
			return bySid, nil
		}
	}
	return sess, err
}

func (s *Service) teardown(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), bridgeTeardownDeadline)
	defer cancel()
	s.closeBridge(ctx, sessionID)
}

func (s *Service) closeBridge(ctx context.Context, sessionID string) {
	if s.bridges == nil {
		return
	}
	if s.bridges.Terminate(ctx, sessionID) {
		s.logger.Debug("bridge closed", "session_id", sessionID)
	}
}

func viewOf(sess session.CallSession) TranscriptView {
	transcript := sess.Transcript
	if transcript == nil {
		transcript = []session.TranscriptEntry{}
	}
	return TranscriptView{
		SessionID:    sess.ID,
		CallSid:      sess.CallSid,
		Status:       sess.Status,
		Transcript:   transcript,
		Duration:     sess.Duration,
		Failure:      sess.FailureReason,
		Conversation: sess.ConversationID,
		CreatedAt:    sess.CreatedAt,
		UpdatedAt:    sess.UpdatedAt,
	}
}

func mergeCredentials(base, override session.Credentials) session.Credentials {
	pick := func(a, b string) string {
		if b = strings.TrimSpace(b); b != "" {
			return b
		}
		return a
	}
	return session.Credentials{
		AccountSID: pick(base.AccountSID, override.AccountSID),
		AuthToken:  pick(base.AuthToken, override.AuthToken),
		AgentID:    pick(base.AgentID, override.AgentID),
		APIKey:     pick(base.APIKey, override.APIKey),
	}
}

func requireCredentials(c session.Credentials) error {
	var missing []string
	if c.AccountSID == "" {
		missing = append(missing, "twilio account sid")
	}
	if c.AuthToken == "" {
		missing = append(missing, "twilio auth token")
	}
	if c.AgentID == "" {
		missing = append(missing, "voice-AI agent id")
	}
	if c.APIKey == "" {
		missing = append(missing, "voice-AI api key")
	}
	if len(missing) > 0 {
		return callerr.Configuration("missing %s", strings.Join(missing, ", "))
	}
	return nil
}
