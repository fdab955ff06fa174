package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/teslashibe/go-callrelay/pkg/codec"
	"github.com/teslashibe/go-callrelay/pkg/conversation"
	"github.com/teslashibe/go-callrelay/pkg/session"
	"github.com/teslashibe/go-callrelay/pkg/voicebridge"
)

// Seed is the session context the agent is started with.
type Seed struct {
	SessionID string
	CallSid   string
	Context   session.CallContext
}

// SeedFor returns the seed for a session.
func SeedFor(s session.CallSession) Seed {
	return Seed{SessionID: s.ID, CallSid: s.CallSid, Context: s.Context}
}

// Variables returns the seed as agent prompt variables.
func (s Seed) Variables() map[string]string {
	return map[string]string{
		"session_id": s.SessionID,
		"call_sid":   s.CallSid,
		"script":     s.Context.Script,
		"persona":    s.Context.Persona,
		"context":    s.Context.Context,
	}
}

// Dialer opens a connected agent leg.
type Dialer interface {
	Dial(ctx context.Context, d voicebridge.Descriptor, seed Seed) (conversation.Provider, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, d voicebridge.Descriptor, seed Seed) (conversation.Provider, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, d voicebridge.Descriptor, seed Seed) (conversation.Provider, error) {
	return f(ctx, d, seed)
}

// ElevenLabsDialer dials the ElevenLabs Conversational AI agent named in the
// descriptor.
type ElevenLabsDialer struct {
	// ReadTimeout is the agent leg's idle timeout.
	ReadTimeout time.Duration

	// OverridePrompt sends the call script as the agent's system prompt.
	// The agent must allow prompt overrides.
	OverridePrompt bool

	// FirstMessage and Language override the agent's defaults when set.
	FirstMessage string
	Language     string

	Logger *slog.Logger
}

// Dial implements Dialer.
func (d *ElevenLabsDialer) Dial(ctx context.Context, desc voicebridge.Descriptor, seed Seed) (conversation.Provider, error) {
	opts := []conversation.Option{
		conversation.WithEndpoint(desc.Endpoint, desc.Header),
		conversation.WithDynamicVariables(seed.Variables()),
		// Agents built for telephony speak μ-law; metadata corrects this.
		conversation.WithAudioFormats(codec.Telephony.String(), codec.Telephony.String()),
	}
	if d.ReadTimeout > 0 {
		opts = append(opts, conversation.WithReadTimeout(d.ReadTimeout))
	}
	if d.OverridePrompt && seed.Context.Script != "" {
		opts = append(opts, conversation.WithPromptOverride(seed.Context.Script))
	}
	if d.FirstMessage != "" {
		opts = append(opts, conversation.WithFirstMessage(d.FirstMessage))
	}
	if d.Language != "" {
		opts = append(opts, conversation.WithLanguage(d.Language))
	}
	if d.Logger != nil {
		opts = append(opts, conversation.WithLogger(d.Logger))
	}

	p, err := conversation.NewElevenLabs(opts...)
	if err != nil {
		return nil, err
	}
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}
