package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	elevenLabsBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"
	apiKeyHeader      = "xi-api-key"
)

// ElevenLabs implements Provider for the ElevenLabs Agents Platform.
type ElevenLabs struct {
	config *Config
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	state   ConnectionState
	meta    Metadata
	metrics Metrics

	// gorilla/websocket allows one concurrent writer; audio and pongs are
	// written from different goroutines.
	writeMu sync.Mutex

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	// Atomic counters for metrics
	messagesSent       atomic.Int64
	messagesReceived   atomic.Int64
	audioBytesSent     atomic.Int64
	audioBytesReceived atomic.Int64
}

// NewElevenLabs creates a new ElevenLabs conversation provider.
//
// The agent is either named directly:
//
//	provider, _ := NewElevenLabs(
//	    WithAPIKey(apiKey),
//	    WithAgentID(agentID),
//	)
//
// or reached through a prebuilt descriptor whose header carries the key:
//
//	provider, _ := NewElevenLabs(WithEndpoint(desc.Endpoint, desc.Header))
func NewElevenLabs(opts ...Option) (*ElevenLabs, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	return &ElevenLabs{
		config: cfg,
		logger: cfg.Logger.With("component", "conversation.elevenlabs"),
		state:  StateDisconnected,
		meta: Metadata{
			InputFormat:  cfg.InputFormat,
			OutputFormat: cfg.OutputFormat,
		},
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Connect establishes the WebSocket connection and sends the session
// initiation message. A provider connects at most once.
func (e *ElevenLabs) Connect(ctx context.Context) error {
	select {
	case <-e.done:
		return ErrConnectionClosed
	default:
	}

	e.mu.Lock()
	if e.state != StateDisconnected || e.conn != nil {
		e.mu.Unlock()
		return ErrAlreadyConnected
	}
	e.state = StateConnecting
	e.mu.Unlock()

	endpoint, header, err := e.dialTarget()
	if err != nil {
		e.setState(StateDisconnected)
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: e.config.Timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		e.setState(StateDisconnected)
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		e.logger.Warn("dial failed", "status", status, "error", err)
		return dialError(status, err)
	}

	e.mu.Lock()
	e.conn = conn
	e.state = StateConnected
	e.metrics.ConnectionTime = time.Now()
	e.mu.Unlock()

	if err := e.writeJSON(e.initiationMessage()); err != nil {
		_ = e.Close()
		return err
	}

	go e.readLoop(conn)

	e.logger.Info("connected to ElevenLabs Agents Platform",
		"variables", len(e.config.DynamicVariables),
		"prompt_override", e.config.PromptOverride != "",
	)
	return nil
}

func (e *ElevenLabs) dialTarget() (string, http.Header, error) {
	header := http.Header{}
	if e.config.Header != nil {
		header = e.config.Header.Clone()
	}
	if e.config.APIKey != "" {
		header.Set(apiKeyHeader, e.config.APIKey)
	}

	if e.config.Endpoint != "" {
		return e.config.Endpoint, header, nil
	}

	base := e.config.BaseURL
	if base == "" {
		base = elevenLabsBaseURL
	}
	wsURL, err := url.Parse(base)
	if err != nil {
		return "", nil, fmt.Errorf("conversation.elevenlabs: invalid URL: %w", err)
	}
	q := wsURL.Query()
	q.Set("agent_id", e.config.AgentID)
	wsURL.RawQuery = q.Encode()

	return wsURL.String(), header, nil
}

func (e *ElevenLabs) initiationMessage() initiationMessage {
	msg := initiationMessage{
		Type:             "conversation_initiation_client_data",
		DynamicVariables: e.config.DynamicVariables,
	}

	agent := agentOverride{
		FirstMessage: e.config.FirstMessage,
		Language:     e.config.Language,
	}
	if e.config.PromptOverride != "" {
		agent.Prompt = &promptOverride{Prompt: e.config.PromptOverride}
	}
	if agent != (agentOverride{}) {
		msg.ConversationConfigOverride = &configOverride{Agent: &agent}
	}
	return msg
}

// Close ends the session. It is safe to call more than once.
func (e *ElevenLabs) Close() error {
	e.closeOnce.Do(func() { close(e.done) })

	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.state = StateDisconnected
	e.mu.Unlock()

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	_ = conn.Close()

	e.logger.Info("disconnected from ElevenLabs Agents Platform",
		"messages_sent", e.messagesSent.Load(),
		"messages_received", e.messagesReceived.Load(),
	)
	return nil
}

// IsConnected returns true if connected.
func (e *ElevenLabs) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateConnected
}

// Events implements Provider. The channel is closed when the read loop
// ends; it is never closed if Connect did not succeed.
func (e *ElevenLabs) Events() <-chan Event {
	return e.events
}

// SendAudio sends caller audio to the agent.
func (e *ElevenLabs) SendAudio(audio []byte) error {
	if !e.IsConnected() {
		return ErrNotConnected
	}

	// ElevenLabs uses a flat format, not type-based
	msg := map[string]string{
		"user_audio_chunk": base64.StdEncoding.EncodeToString(audio),
	}
	if err := e.writeJSON(msg); err != nil {
		return err
	}
	e.audioBytesSent.Add(int64(len(audio)))
	return nil
}

// Capabilities returns provider capabilities. Formats reflect the
// initiation metadata once it has arrived.
func (e *ElevenLabs) Capabilities() Capabilities {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Capabilities{
		InputFormat:  e.meta.InputFormat,
		OutputFormat: e.meta.OutputFormat,
	}
}

// ConversationID implements Provider.
func (e *ElevenLabs) ConversationID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.meta.ConversationID
}

// Metrics returns a snapshot of connection statistics.
func (e *ElevenLabs) Metrics() Metrics {
	e.mu.RLock()
	m := e.metrics
	e.mu.RUnlock()

	m.MessagesSent = e.messagesSent.Load()
	m.MessagesReceived = e.messagesReceived.Load()
	m.AudioBytesSent = e.audioBytesSent.Load()
	m.AudioBytesReceived = e.audioBytesReceived.Load()
	return m
}

func (e *ElevenLabs) setState(s ConnectionState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *ElevenLabs) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("conversation.elevenlabs: marshal failed: %w", err)
	}

	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(e.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return NewConnectionError("write failed", err, true)
	}
	e.messagesSent.Add(1)
	return nil
}

// readLoop owns the events channel and closes it on exit.
func (e *ElevenLabs) readLoop(conn *websocket.Conn) {
	var endErr error
	defer func() {
		e.setState(StateDisconnected)
		e.emit(Event{Type: EventDisconnected, Err: endErr})
		close(e.events)
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(e.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			endErr = e.readError(err)
			if endErr != nil {
				e.logger.Warn("read loop ended", "error", endErr)
			}
			return
		}

		e.messagesReceived.Add(1)

		var msg elevenLabsIncoming
		if err := json.Unmarshal(data, &msg); err != nil {
			e.logger.Warn("failed to parse message", "error", err)
			continue
		}

		e.handleMessage(msg)
	}
}

// readError maps a read failure to the error reported with
// EventDisconnected. Local closes and normal closures report nil.
func (e *ElevenLabs) readError(err error) error {
	select {
	case <-e.done:
		return nil
	default:
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return NewConnectionError(fmt.Sprintf("closed by server (%d): %s", closeErr.Code, closeErr.Text), err, false)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: no message for %s", ErrTimeout, e.config.ReadTimeout)
	}

	return NewConnectionError("read failed", err, true)
}

// handleMessage processes a single message.
func (e *ElevenLabs) handleMessage(msg elevenLabsIncoming) {
	switch msg.Type {
	case "conversation_initiation_metadata":
		md := msg.InitiationMetadata
		if md == nil {
			return
		}
		e.mu.Lock()
		e.meta.ConversationID = md.ConversationID
		if md.AgentOutputAudioFormat != "" {
			e.meta.OutputFormat = md.AgentOutputAudioFormat
		}
		if md.UserInputAudioFormat != "" {
			e.meta.InputFormat = md.UserInputAudioFormat
		}
		meta := e.meta
		e.mu.Unlock()

		e.logger.Info("conversation started",
			"conversation_id", meta.ConversationID,
			"input_format", meta.InputFormat,
			"output_format", meta.OutputFormat,
		)
		e.emit(Event{Type: EventMetadata, Metadata: &meta})

	case "audio":
		// Handle both nested (audio_event) and flat (audio) formats
		audioData := msg.Audio
		if msg.AudioEvent != nil && msg.AudioEvent.AudioBase64 != "" {
			audioData = msg.AudioEvent.AudioBase64
		}
		if audioData == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(audioData)
		if err != nil {
			e.logger.Warn("failed to decode audio", "error", err)
			return
		}
		e.audioBytesReceived.Add(int64(len(audio)))
		e.emit(Event{Type: EventAudio, Audio: audio})

	case "user_transcript":
		text := msg.Text
		if msg.UserTranscription != nil {
			text = msg.UserTranscription.UserTranscript
		}
		e.emitTranscript(RoleUser, text)

	case "agent_response":
		text := msg.Text
		if msg.AgentResponse != nil {
			text = msg.AgentResponse.AgentResponse
		}
		e.emitTranscript(RoleAgent, text)

	case "interruption":
		e.emit(Event{Type: EventInterruption})

	case "error":
		e.emit(Event{Type: EventError, Err: NewAPIError(0, msg.Code, msg.Message)})

	case "ping":
		// Respond to ping with pong including event_id
		eventID := 0
		if msg.PingEvent != nil {
			eventID = msg.PingEvent.EventID
		}
		e.sendPong(eventID)

	default:
		e.logger.Debug("unhandled message type", "type", msg.Type)
	}
}

func (e *ElevenLabs) emitTranscript(role TranscriptRole, text string) {
	if text == "" {
		return
	}
	e.emit(Event{Type: EventTranscript, Role: role, Text: text, Final: true})
}

// emit delivers ev unless the provider is closing.
func (e *ElevenLabs) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// sendPong responds to a ping message with the event_id.
func (e *ElevenLabs) sendPong(eventID int) {
	msg := map[string]any{
		"type":     "pong",
		"event_id": eventID,
	}
	if err := e.writeJSON(msg); err != nil {
		e.logger.Debug("pong failed", "error", err)
	}
}

// Message types for ElevenLabs API

type initiationMessage struct {
	Type                       string            `json:"type"`
	DynamicVariables           map[string]string `json:"dynamic_variables,omitempty"`
	ConversationConfigOverride *configOverride   `json:"conversation_config_override,omitempty"`
}

type configOverride struct {
	Agent *agentOverride `json:"agent,omitempty"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
	Language     string          `json:"language,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type elevenLabsIncoming struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Text    string `json:"text,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// Nested event structures (ElevenLabs format)
	AudioEvent         *audioEvent              `json:"audio_event,omitempty"`
	PingEvent          *pingEvent               `json:"ping_event,omitempty"`
	UserTranscription  *userTranscriptionEvent  `json:"user_transcription_event,omitempty"`
	AgentResponse      *agentResponseEvent      `json:"agent_response_event,omitempty"`
	InitiationMetadata *initiationMetadataEvent `json:"conversation_initiation_metadata_event,omitempty"`
}

type audioEvent struct {
	EventID     int    `json:"event_id"`
	AudioBase64 string `json:"audio_base_64"`
}

type pingEvent struct {
	EventID int `json:"event_id"`
	PingMs  int `json:"ping_ms,omitempty"`
}

type userTranscriptionEvent struct {
	UserTranscript string `json:"user_transcript"`
}

type agentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

type initiationMetadataEvent struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format"`
	UserInputAudioFormat   string `json:"user_input_audio_format"`
}

// Ensure ElevenLabs implements Provider.
var _ Provider = (*ElevenLabs)(nil)
