package conversation

import (
	"context"
	"sync"
	"time"
)

// Mock is a mock implementation of Provider for testing.
type Mock struct {
	mu sync.RWMutex

	// State
	connected bool
	closed    bool
	events    chan Event
	caps      Capabilities
	convID    string

	// Configurable behavior
	ConnectFunc   func(ctx context.Context) error
	SendAudioFunc func(audio []byte) error

	// Captured calls for assertions
	AudioSent  [][]byte
	CloseCalls int
}

// NewMock creates a new Mock provider.
func NewMock() *Mock {
	return &Mock{
		events: make(chan Event, 64),
		caps: Capabilities{
			InputFormat:  FormatULaw8000,
			OutputFormat: FormatULaw8000,
		},
	}
}

// Connect implements Provider.
func (m *Mock) Connect(ctx context.Context) error {
	if m.ConnectFunc != nil {
		if err := m.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrConnectionClosed
	}
	m.connected = true
	return nil
}

// Close implements Provider. It closes the event channel.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.connected = false
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

// IsConnected implements Provider.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SendAudio implements Provider.
func (m *Mock) SendAudio(audio []byte) error {
	if m.SendAudioFunc != nil {
		return m.SendAudioFunc(audio)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.AudioSent = append(m.AudioSent, append([]byte(nil), audio...))
	return nil
}

// Events implements Provider.
func (m *Mock) Events() <-chan Event {
	return m.events
}

// Capabilities implements Provider.
func (m *Mock) Capabilities() Capabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caps
}

// ConversationID implements Provider. It is empty until SimulateMetadata.
func (m *Mock) ConversationID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.convID
}

// SetFormats sets the audio formats reported by Capabilities.
func (m *Mock) SetFormats(input, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps.InputFormat = input
	m.caps.OutputFormat = output
}

// AudioCount returns how many audio chunks were sent.
func (m *Mock) AudioCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.AudioSent)
}

// SentAudio returns a copy of the audio chunks sent so far.
func (m *Mock) SentAudio() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.AudioSent))
	copy(out, m.AudioSent)
	return out
}

// Test helpers

// SimulateAudio pushes an agent audio event.
func (m *Mock) SimulateAudio(audio []byte) {
	m.push(Event{Type: EventAudio, Audio: audio})
}

// SimulateTranscript pushes a final transcript event.
func (m *Mock) SimulateTranscript(role TranscriptRole, text string) {
	m.push(Event{Type: EventTranscript, Role: role, Text: text, Final: true})
}

// SimulateInterruption pushes an interruption event.
func (m *Mock) SimulateInterruption() {
	m.push(Event{Type: EventInterruption})
}

// SimulateMetadata records the conversation ID and pushes a metadata event.
func (m *Mock) SimulateMetadata(conversationID string) {
	m.mu.Lock()
	m.convID = conversationID
	md := Metadata{ConversationID: conversationID, InputFormat: m.caps.InputFormat, OutputFormat: m.caps.OutputFormat}
	m.mu.Unlock()
	m.push(Event{Type: EventMetadata, Metadata: &md})
}

// SimulateError pushes an error event.
func (m *Mock) SimulateError(err error) {
	m.push(Event{Type: EventError, Err: err})
}

// SimulateDisconnect ends the session from the agent side.
func (m *Mock) SimulateDisconnect(err error) {
	m.push(Event{Type: EventDisconnected, Err: err})
	_ = m.Close()
}

func (m *Mock) push(ev Event) {
	ev.Time = time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.events <- ev
}

// Ensure Mock implements Provider.
var _ Provider = (*Mock)(nil)
