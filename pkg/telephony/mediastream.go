package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Media Stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// StreamMessage is one JSON frame on a Twilio Media Stream.
type StreamMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSid      string       `json:"streamSid,omitempty"`
	Start          *StreamStart `json:"start,omitempty"`
	Media          *StreamMedia `json:"media,omitempty"`
	Mark           *StreamMark  `json:"mark,omitempty"`
	Stop           *StreamStop  `json:"stop,omitempty"`
	DTMF           *StreamDTMF  `json:"dtmf,omitempty"`
	Protocol       string       `json:"protocol,omitempty"`
	Version        string       `json:"version,omitempty"`
}

// StreamStart is the payload of the start event.
type StreamStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaFormat describes the stream audio. Twilio always sends
// audio/x-mulaw at 8000 Hz mono.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StreamMedia carries one base64 audio chunk.
type StreamMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StreamMark names a playback marker.
type StreamMark struct {
	Name string `json:"name"`
}

// StreamStop is the payload of the stop event.
type StreamStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// StreamDTMF carries a keypress.
type StreamDTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// ParseStreamMessage decodes a Media Stream frame.
func ParseStreamMessage(data []byte) (StreamMessage, error) {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StreamMessage{}, fmt.Errorf("telephony: decode stream frame: %w", err)
	}
	if msg.Event == "" {
		return StreamMessage{}, fmt.Errorf("telephony: stream frame has no event")
	}
	return msg, nil
}

// Audio decodes the base64 payload of a media frame.
func (m StreamMessage) Audio() ([]byte, error) {
	if m.Media == nil {
		return nil, fmt.Errorf("telephony: %s frame carries no media", m.Event)
	}
	audio, err := base64.StdEncoding.DecodeString(m.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode media payload: %w", err)
	}
	return audio, nil
}

// MediaFrame encodes μ-law audio as an outbound media frame.
func MediaFrame(streamSid string, audio []byte) ([]byte, error) {
	return json.Marshal(StreamMessage{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &StreamMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// MarkFrame encodes an outbound mark frame.
func MarkFrame(streamSid, name string) ([]byte, error) {
	return json.Marshal(StreamMessage{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      &StreamMark{Name: name},
	})
}

// ClearFrame encodes a frame that drops audio Twilio has buffered but not
// yet played, used when the caller interrupts the agent.
func ClearFrame(streamSid string) ([]byte, error) {
	return json.Marshal(StreamMessage{
		Event:     EventClear,
		StreamSid: streamSid,
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
