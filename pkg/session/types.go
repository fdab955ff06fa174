package session

import (
	"time"
)

// Status is the lifecycle state of a call.
type Status string

// Call statuses. The last five are terminal.
const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNoAnswer   Status = "no_answer"
	StatusBusy       Status = "busy"
	StatusCanceled   Status = "canceled"
)

// rank orders statuses so transitions only move forward.
func (s Status) rank() int {
	switch s {
	case StatusInitiating:
		return 0
	case StatusRinging:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy, StatusCanceled:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return s.rank() == 3
}

// CanTransition reports whether a session in status from may move to to.
// Terminal statuses accept nothing, repeats are no-ops and a status never
// moves backwards (a late "ringing" after "in_progress" is ignored).
func CanTransition(from, to Status) bool {
	if !to.Valid() || from.Terminal() || from == to {
		return false
	}
	return to.rank() > from.rank()
}

// ParseProviderStatus maps a Twilio CallStatus value to a Status.
func ParseProviderStatus(s string) (Status, bool) {
	switch s {
	case "queued", "initiated":
		return StatusInitiating, true
	case "ringing":
		return StatusRinging, true
	case "in-progress", "answered":
		return StatusInProgress, true
	case "completed":
		return StatusCompleted, true
	case "busy":
		return StatusBusy, true
	case "no-answer":
		return StatusNoAnswer, true
	case "failed":
		return StatusFailed, true
	case "canceled":
		return StatusCanceled, true
	default:
		return "", false
	}
}

// Role identifies who spoke a transcript entry.
type Role string

const (
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// ParseRole maps a provider role name to a Role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "agent", "assistant", "ai":
		return RoleAgent, true
	case "user", "caller":
		return RoleUser, true
	default:
		return "", false
	}
}

// TranscriptEntry is one finalized utterance.
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallContext is the instruction set handed to the conversational agent.
// It is built once at initiation and never modified.
type CallContext struct {
	Script  string `json:"script"`
	Persona string `json:"persona"`
	Context string `json:"context"`
}

// Credentials are the provider secrets a call was placed with. They stay on
// the session so webhooks, the bridge and termination use the same account.
type Credentials struct {
	AccountSID string
	AuthToken  string
	AgentID    string
	APIKey     string
}

// CallSession is the in-memory record of one outbound call.
type CallSession struct {
	ID             string            `json:"sessionId"`
	CallSid        string            `json:"callSid"`
	Target         string            `json:"targetNumber"`
	Caller         string            `json:"callerNumber"`
	Context        CallContext       `json:"context"`
	Status         Status            `json:"status"`
	Transcript     []TranscriptEntry `json:"transcript"`
	Duration       int               `json:"durationSeconds,omitempty"`
	FailureReason  string            `json:"failureReason,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`

	Credentials Credentials `json:"-"`
}

// clone returns a deep copy safe to hand out of the registry.
func (s *CallSession) clone() CallSession {
	out := *s
	out.Transcript = make([]TranscriptEntry, len(s.Transcript))
	copy(out.Transcript, s.Transcript)
	return out
}

// EventType names a registry change.
type EventType string

const (
	EventCreated    EventType = "session.created"
	EventCallSid    EventType = "session.call_sid"
	EventStatus     EventType = "session.status"
	EventTranscript EventType = "session.transcript"
	EventEvicted    EventType = "session.evicted"
)

// Event describes a registry change. It never carries credentials.
type Event struct {
	Type      EventType        `json:"type"`
	SessionID string           `json:"sessionId"`
	CallSid   string           `json:"callSid,omitempty"`
	Status    Status           `json:"status,omitempty"`
	Entry     *TranscriptEntry `json:"entry,omitempty"`
	Time      time.Time        `json:"time"`
}

// Notifier receives registry events. Publish must not block for long; it is
// called outside the registry lock.
type Notifier interface {
	Publish(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Publish implements Notifier.
func (f NotifierFunc) Publish(e Event) { f(e) }
