// Package conversation connects to a real-time conversational voice agent.
//
// A Provider owns one WebSocket session with the agent service. Audio goes
// in through SendAudio; everything the agent produces (audio, finalized
// transcripts, interruptions, errors) comes out of a single event channel
// that is closed when the session ends.
//
// Example usage:
//
//	provider, err := conversation.NewElevenLabs(
//	    conversation.WithEndpoint(desc.Endpoint, desc.Header),
//	    conversation.WithDynamicVariables(vars),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := provider.Connect(ctx); err != nil {
//	    return err
//	}
//	defer provider.Close()
//
//	for ev := range provider.Events() {
//	    switch ev.Type {
//	    case conversation.EventAudio:
//	        // forward ev.Audio to the caller
//	    case conversation.EventTranscript:
//	        // store ev.Role, ev.Text
//	    }
//	}
package conversation

import (
	"context"
	"time"
)

// Provider is one live session with a conversational agent.
type Provider interface {
	// Connect dials the agent and starts delivering events.
	Connect(ctx context.Context) error

	// Close ends the session. The Events channel is closed once the read
	// loop has drained.
	Close() error

	// IsConnected returns true while the session is open.
	IsConnected() bool

	// SendAudio streams caller audio in the provider's input format.
	SendAudio(audio []byte) error

	// Events delivers agent output until the session ends.
	Events() <-chan Event

	// Capabilities returns what this provider supports.
	Capabilities() Capabilities

	// ConversationID returns the provider's identifier for the session,
	// known once metadata has arrived.
	ConversationID() string
}

// EventType names an agent event.
type EventType string

const (
	EventAudio        EventType = "audio"
	EventTranscript   EventType = "transcript"
	EventInterruption EventType = "interruption"
	EventMetadata     EventType = "metadata"
	EventError        EventType = "error"
	EventDisconnected EventType = "disconnected"
)

// TranscriptRole identifies who is speaking.
type TranscriptRole string

const (
	RoleUser  TranscriptRole = "user"
	RoleAgent TranscriptRole = "agent"
)

// Event is one item on the provider's event channel.
type Event struct {
	Type EventType

	// Audio is set for EventAudio, in the provider's output format.
	Audio []byte

	// Role, Text and Final are set for EventTranscript.
	Role  TranscriptRole
	Text  string
	Final bool

	// Metadata is set for EventMetadata.
	Metadata *Metadata

	// Err is set for EventError and, when the session ended abnormally,
	// EventDisconnected.
	Err error

	Time time.Time
}

// Metadata describes a session as reported by the agent service.
type Metadata struct {
	ConversationID string

	// InputFormat is what SendAudio must carry, for example "ulaw_8000".
	InputFormat string

	// OutputFormat is what EventAudio carries.
	OutputFormat string
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	// InputFormat is the audio format SendAudio expects.
	InputFormat string

	// OutputFormat is the audio format of EventAudio.
	OutputFormat string
}

// ConnectionState represents the state of the provider connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Metrics tracks conversation statistics.
type Metrics struct {
	// ConnectionTime is when the connection was established.
	ConnectionTime time.Time

	MessagesSent     int64
	MessagesReceived int64
	AudioBytesSent   int64

	// AudioBytesReceived is the decoded size of agent audio.
	AudioBytesReceived int64
}
