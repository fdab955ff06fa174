// Package bridge relays a live Twilio Media Stream to a conversational agent.
//
// One Bridge serves one inbound media stream. It resolves the call session
// from the stream's start frame, dials the agent, then runs two pumps that
// share a cancel signal: caller audio to the agent, and agent output back to
// the caller. Finalized transcripts are appended to the session as they
// arrive. When the agent cannot be reached the caller hears a spoken apology
// instead of dead air.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-callrelay/internal/log"
	"github.com/teslashibe/go-callrelay/pkg/callerr"
	"github.com/teslashibe/go-callrelay/pkg/codec"
	"github.com/teslashibe/go-callrelay/pkg/conversation"
	"github.com/teslashibe/go-callrelay/pkg/session"
	"github.com/teslashibe/go-callrelay/pkg/telephony"
	"github.com/teslashibe/go-callrelay/pkg/voicebridge"
)

// State is the lifecycle stage of a bridge.
type State int

const (
	// StatePending means the stream is accepted but no session is resolved.
	StatePending State = iota
	// StateBridging means both legs are open and frames are relaying.
	StateBridging
	// StateClosing means one leg ended and the other is being closed.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBridging:
		return "bridging"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Leg is the telephony side of the bridge. Both gofiber/contrib/websocket
// and gorilla/websocket connections satisfy it.
type Leg interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Config controls bridge timing and the fallback message.
type Config struct {
	// IdleTimeout closes the bridge when either leg is silent this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// StartTimeout bounds the wait for the stream's start frame.
	StartTimeout time.Duration

	// FallbackMessage is spoken when the agent leg fails.
	FallbackMessage string

	// FallbackTimeout bounds the telephony request that plays it.
	FallbackTimeout time.Duration
}

// DefaultConfig returns the default bridge settings.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:     60 * time.Second,
		StartTimeout:    10 * time.Second,
		FallbackMessage: "We're sorry, our assistant is unavailable right now. Please try again later. Goodbye.",
		FallbackTimeout: 10 * time.Second,
	}
}

// Deps are the collaborators a bridge needs.
type Deps struct {
	Registry *session.Registry
	Builder  *voicebridge.Builder
	Dialer   Dialer
	Phone    telephony.Client
	Logger   *slog.Logger
}

const writeWait = 5 * time.Second

// Bridge relays one media stream.
type Bridge struct {
	id      string
	leg     Leg
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	started time.Time
	stats   *counters

	mu         sync.Mutex
	state      State
	sessionID  string
	callSid    string
	streamSid  string
	cancel     context.CancelFunc
	terminated bool

	writeMu sync.Mutex
	inConv  atomic.Pointer[codec.Converter]
	outConv atomic.Pointer[codec.Converter]

	framesIn  atomic.Uint64
	framesOut atomic.Uint64

	done chan struct{}

	// Set by the Manager.
	onResolved func(*Bridge)
	onClosed   func(*Bridge)
}

// New creates a bridge for one inbound stream. Call Run to serve it.
func New(leg Leg, deps Deps, cfg Config) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = log.Component("bridge")
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultConfig().FallbackMessage
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = DefaultConfig().FallbackTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultConfig().StartTimeout
	}

	id := uuid.NewString()
	b := &Bridge{
		id:      id,
		leg:     leg,
		deps:    deps,
		cfg:     cfg,
		logger:  logger.With("bridge_id", id),
		started: time.Now(),
		stats:   &counters{},
		done:    make(chan struct{}),
	}
	passthrough := codec.Converter{From: codec.Telephony, To: codec.Telephony}
	b.inConv.Store(&passthrough)
	b.outConv.Store(&passthrough)
	return b
}

// ID returns the bridge's unique identifier.
func (b *Bridge) ID() string { return b.id }

// State returns the current lifecycle stage.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SessionID returns the resolved session ID, empty while pending.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// Done is closed when Run returns.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Terminate closes both legs. It is safe to call at any time, more than
// once, and before Run.
func (b *Bridge) Terminate() {
	b.mu.Lock()
	b.terminated = true
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Info is a point-in-time view of a bridge.
type Info struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	CallSid   string    `json:"callSid"`
	StreamSid string    `json:"streamSid"`
	State     State     `json:"state"`
	Started   time.Time `json:"started"`
	FramesIn  uint64    `json:"framesIn"`
	FramesOut uint64    `json:"framesOut"`
}

// Info returns a snapshot of the bridge.
func (b *Bridge) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Info{
		ID:        b.id,
		SessionID: b.sessionID,
		CallSid:   b.callSid,
		StreamSid: b.streamSid,
		State:     b.state,
		Started:   b.started,
		FramesIn:  b.framesIn.Load(),
		FramesOut: b.framesOut.Load(),
	}
}

// Run serves the stream until either leg ends, Terminate is called or ctx
// is canceled. It returns nil for a normal hangup, an error wrapping
// callerr.ErrNotFound when the stream names no live session, and an error
// wrapping callerr.ErrBridgeFailure when the agent leg failed.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.done)
	defer func() {
		if b.onClosed != nil {
			b.onClosed(b)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	b.cancel = cancel
	terminated := b.terminated
	b.mu.Unlock()
	if terminated {
		cancel()
	}

	// Unblocks reads on the telephony leg when terminated early.
	stop := context.AfterFunc(ctx, func() {
		b.closeLeg(websocket.CloseNormalClosure, "terminated")
	})
	defer stop()

	start, err := b.awaitStart()
	if err != nil {
		if ctx.Err() != nil {
			b.setState(StateClosed)
			return nil
		}
		b.reject(websocket.CloseProtocolError, err)
		return err
	}

	sess, err := b.resolve(start)
	if err != nil {
		b.stats.rejected.Add(1)
		b.reject(websocket.ClosePolicyViolation, err)
		return err
	}
	if b.onResolved != nil {
		b.onResolved(b)
	}
	b.stats.started.Add(1)

	b.logger.Info("media stream started",
		"session_id", sess.ID,
		"call_sid", sess.CallSid,
		"stream_sid", start.StreamSid,
	)

	agent, err := b.dial(ctx, sess)
	if err != nil {
		if ctx.Err() != nil {
			b.shutdown()
			return nil
		}
		b.stats.failed.Add(1)
		return b.fallback(ctx, sess, err)
	}

	b.setState(StateBridging)
	err = b.relay(ctx, agent)
	if errors.Is(err, callerr.ErrBridgeFailure) {
		if ctx.Err() != nil {
			b.shutdown()
			return nil
		}
		b.stats.failed.Add(1)
		return b.fallback(ctx, sess, err)
	}
	if err != nil {
		b.logger.Warn("bridge ended with error", "session_id", sess.ID, "error", err)
	}
	b.logger.Info("media stream ended",
		"session_id", sess.ID,
		"frames_in", b.framesIn.Load(),
		"frames_out", b.framesOut.Load(),
	)
	return err
}

// awaitStart reads until Twilio's start frame, skipping the connected frame.
func (b *Bridge) awaitStart() (*telephony.StreamStart, error) {
	deadline := time.Now().Add(b.cfg.StartTimeout)
	_ = b.leg.SetReadDeadline(deadline)
	defer func() { _ = b.leg.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := b.leg.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("bridge: no start frame within %s: %w", b.cfg.StartTimeout, callerr.ErrTimedOut)
			}
			return nil, fmt.Errorf("bridge: stream closed before start: %w", err)
		}
		msg, err := telephony.ParseStreamMessage(data)
		if err != nil {
			b.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		switch msg.Event {
		case telephony.EventStart:
			if msg.Start == nil {
				return nil, fmt.Errorf("bridge: start frame without payload")
			}
			start := *msg.Start
			if start.StreamSid == "" {
				start.StreamSid = msg.StreamSid
			}
			return &start, nil
		case telephony.EventStop:
			return nil, fmt.Errorf("bridge: stream stopped before start")
		}
	}
}

// resolve finds the session named by the start frame and binds the call SID.
func (b *Bridge) resolve(start *telephony.StreamStart) (session.CallSession, error) {
	reg := b.deps.Registry

	var (
		sess session.CallSession
		err  error
	)
	if id := start.CustomParameters[telephony.SessionParam]; id != "" {
		sess, err = reg.Get(id)
	} else if start.CallSid != "" {
		sess, err = reg.GetByCallSid(start.CallSid)
	} else {
		err = callerr.NotFound("session", "")
	}
	if err != nil {
		return session.CallSession{}, err
	}
	if sess.Status.Terminal() {
		return session.CallSession{}, callerr.NotFound("live session", sess.ID)
	}

	if start.CallSid != "" {
		if err := reg.BindCallSid(sess.ID, start.CallSid); err != nil {
			return session.CallSession{}, err
		}
		sess.CallSid = start.CallSid
	}
	// The stream only starts once the call is answered.
	if s, _, err := reg.Transition(sess.ID, session.StatusInProgress); err == nil {
		sess = s
	}

	b.mu.Lock()
	b.sessionID = sess.ID
	b.callSid = sess.CallSid
	b.streamSid = start.StreamSid
	b.mu.Unlock()
	return sess, nil
}

func (b *Bridge) dial(ctx context.Context, sess session.CallSession) (conversation.Provider, error) {
	if b.deps.Builder == nil || b.deps.Dialer == nil {
		return nil, callerr.Configuration("no agent dialer configured")
	}
	desc, err := b.deps.Builder.Build(sess.ID, sess.Context, sess.CallSid, sess.Credentials)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("dialing agent", "descriptor", desc)

	agent, err := b.deps.Dialer.Dial(ctx, desc, SeedFor(sess))
	if err != nil {
		return nil, err
	}
	b.useFormats(agent.Capabilities())
	return agent, nil
}

// relay runs both pumps until one of them ends, then closes both legs. When
// the agent leg fails the telephony leg stays open so the fallback can still
// be spoken on the live stream; the caller closes it.
func (b *Bridge) relay(ctx context.Context, agent conversation.Provider) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() {
		errc <- b.pumpCaller(ctx, agent)
		cancel()
	}()
	go func() {
		errc <- b.pumpAgent(ctx, agent)
		cancel()
	}()

	<-ctx.Done()
	b.setState(StateClosing)
	_ = agent.Close()
	// Unblocks the caller pump without closing the socket.
	_ = b.leg.SetReadDeadline(time.Now())

	first := <-errc
	second := <-errc
	b.logAgentLeg(agent)

	err := first
	if err == nil {
		err = second
	}
	if errors.Is(err, callerr.ErrBridgeFailure) {
		return err
	}
	b.closeLeg(websocket.CloseNormalClosure, "")
	b.setState(StateClosed)
	return err
}

// pumpCaller forwards caller audio to the agent.
func (b *Bridge) pumpCaller(ctx context.Context, agent conversation.Provider) error {
	for {
		if b.cfg.IdleTimeout > 0 {
			_ = b.leg.SetReadDeadline(time.Now().Add(b.cfg.IdleTimeout))
		}
		// Checked after the deadline is set so relay's wake-up is never lost.
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := b.leg.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) {
				return fmt.Errorf("bridge: telephony leg idle for %s: %w", b.cfg.IdleTimeout, callerr.ErrTimedOut)
			}
			return nil
		}

		msg, err := telephony.ParseStreamMessage(data)
		if err != nil {
			b.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}

		switch msg.Event {
		case telephony.EventMedia:
			if msg.Media != nil && msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			audio, err := msg.Audio()
			if err != nil {
				b.logger.Debug("bad media payload", "error", err)
				continue
			}
			b.framesIn.Add(1)
			b.stats.framesIn.Add(1)
			if err := agent.SendAudio(b.inConv.Load().Convert(audio)); err != nil {
				if conversation.IsNotConnected(err) {
					return nil
				}
				return fmt.Errorf("%w: send audio to agent: %v", callerr.ErrBridgeFailure, err)
			}

		case telephony.EventDTMF:
			if msg.DTMF != nil {
				b.logger.Debug("dtmf", "digit", msg.DTMF.Digit)
			}

		case telephony.EventStop:
			return nil
		}
	}
}

// pumpAgent forwards agent audio to the caller and records transcripts in
// arrival order.
func (b *Bridge) pumpAgent(ctx context.Context, agent conversation.Provider) error {
	var idle <-chan time.Time
	var timer *time.Timer
	if b.cfg.IdleTimeout > 0 {
		timer = time.NewTimer(b.cfg.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	events := agent.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-idle:
			return fmt.Errorf("bridge: agent leg idle for %s: %w", b.cfg.IdleTimeout, callerr.ErrTimedOut)

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if timer != nil {
				timer.Reset(b.cfg.IdleTimeout)
			}

			switch ev.Type {
			case conversation.EventAudio:
				frame, err := telephony.MediaFrame(b.stream(), b.outConv.Load().Convert(ev.Audio))
				if err != nil {
					continue
				}
				if err := b.write(frame); err != nil {
					return nil
				}
				b.framesOut.Add(1)
				b.stats.framesOut.Add(1)

			case conversation.EventInterruption:
				frame, err := telephony.ClearFrame(b.stream())
				if err == nil {
					if err := b.write(frame); err != nil {
						return nil
					}
				}

			case conversation.EventTranscript:
				b.appendTranscript(ev)

			case conversation.EventMetadata:
				if ev.Metadata != nil {
					b.useFormats(conversation.Capabilities{
						InputFormat:  ev.Metadata.InputFormat,
						OutputFormat: ev.Metadata.OutputFormat,
					})
					b.recordConversation(ev.Metadata.ConversationID)
				}

			case conversation.EventError:
				b.logger.Warn("agent error", "error", ev.Err)

			case conversation.EventDisconnected:
				if ev.Err != nil {
					return fmt.Errorf("%w: agent leg dropped: %v", callerr.ErrBridgeFailure, ev.Err)
				}
				return nil
			}
		}
	}
}

func (b *Bridge) recordConversation(conversationID string) {
	if conversationID == "" {
		return
	}
	id := b.SessionID()
	_, err := b.deps.Registry.Update(id, func(s *session.CallSession) error {
		s.ConversationID = conversationID
		return nil
	})
	if err != nil {
		b.logger.Warn("record conversation id failed", "session_id", id, "error", err)
	}
}

// trafficCounter is implemented by providers that count their traffic.
type trafficCounter interface {
	Metrics() conversation.Metrics
}

func (b *Bridge) logAgentLeg(agent conversation.Provider) {
	attrs := []any{"session_id", b.SessionID(), "conversation_id", agent.ConversationID()}
	if tc, ok := agent.(trafficCounter); ok {
		m := tc.Metrics()
		attrs = append(attrs,
			"messages_sent", m.MessagesSent,
			"messages_received", m.MessagesReceived,
			"audio_bytes_sent", m.AudioBytesSent,
			"audio_bytes_received", m.AudioBytesReceived,
		)
		if !m.ConnectionTime.IsZero() {
			attrs = append(attrs, "connected_for", time.Since(m.ConnectionTime).Round(time.Millisecond))
		}
	}
	b.logger.Info("agent leg closed", attrs...)
}

func (b *Bridge) appendTranscript(ev conversation.Event) {
	if !ev.Final || ev.Text == "" {
		return
	}
	role, ok := session.ParseRole(string(ev.Role))
	if !ok {
		b.logger.Debug("dropping transcript with unknown role", "role", ev.Role)
		return
	}
	id := b.SessionID()
	err := b.deps.Registry.AppendTranscript(id, session.TranscriptEntry{
		Role:      role,
		Text:      ev.Text,
		Timestamp: ev.Time,
	})
	if err != nil {
		b.logger.Warn("append transcript failed", "session_id", id, "error", err)
	}
}

// fallback plays the apology on the live call, then closes the stream. The
// telephony leg must still be open when Say runs: once Twilio sees the
// stream close it moves past <Connect> and the call ends.
func (b *Bridge) fallback(ctx context.Context, sess session.CallSession, cause error) error {
	b.setState(StateClosing)

	err := cause
	if !errors.Is(err, callerr.ErrBridgeFailure) {
		err = fmt.Errorf("%w: %v", callerr.ErrBridgeFailure, cause)
	}
	b.logger.Error("agent leg unavailable, playing fallback message",
		"session_id", sess.ID,
		"call_sid", sess.CallSid,
		"auth_failure", conversation.IsAuthFailure(cause),
		"retryable", conversation.IsRetryable(cause),
		"error", cause,
	)

	_, _ = b.deps.Registry.Update(sess.ID, func(s *session.CallSession) error {
		s.FailureReason = err.Error()
		return nil
	})

	if b.deps.Phone != nil && sess.CallSid != "" {
		sayCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.FallbackTimeout)
		defer cancel()
		if sayErr := b.deps.Phone.Say(sayCtx, sess.Credentials, sess.CallSid, b.cfg.FallbackMessage); sayErr != nil {
			b.logger.Error("fallback message failed", "session_id", sess.ID, "error", sayErr)
		}
	}

	b.shutdown()
	return err
}

// shutdown closes the telephony leg and marks the bridge closed.
func (b *Bridge) shutdown() {
	b.setState(StateClosing)
	b.closeLeg(websocket.CloseNormalClosure, "")
	b.setState(StateClosed)
}

func (b *Bridge) reject(code int, cause error) {
	b.logger.Warn("rejecting media stream", "error", cause)
	b.closeLeg(code, cause.Error())
	b.setState(StateClosed)
}

func (b *Bridge) closeLeg(code int, reason string) {
	// Close reasons are limited to 123 bytes.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	b.writeMu.Lock()
	_ = b.leg.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	b.writeMu.Unlock()
	_ = b.leg.Close()
}

func (b *Bridge) write(frame []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.leg.WriteMessage(websocket.TextMessage, frame)
}

func (b *Bridge) useFormats(caps conversation.Capabilities) {
	if in, err := codec.NewConverter(codec.Telephony.String(), caps.InputFormat); err == nil {
		b.inConv.Store(&in)
	} else {
		b.logger.Warn("unsupported agent input format", "format", caps.InputFormat)
	}
	if out, err := codec.NewConverter(caps.OutputFormat, codec.Telephony.String()); err == nil {
		b.outConv.Store(&out)
	} else {
		b.logger.Warn("unsupported agent output format", "format", caps.OutputFormat)
	}
}

func (b *Bridge) stream() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamSid
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s > b.state {
		b.state = s
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
