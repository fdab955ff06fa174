// Package telephony talks to the telephony provider: placing and ending
// calls over the Twilio REST API, rendering TwiML, decoding Media Stream
// frames and validating webhook signatures.
package telephony

import (
	"context"
	"regexp"

	"github.com/teslashibe/go-callrelay/pkg/callerr"
	"github.com/teslashibe/go-callrelay/pkg/session"
)

// Client places and controls calls. Implementations must be safe for
// concurrent use.
type Client interface {
	// PlaceCall starts an outbound call and returns the provider call SID.
	PlaceCall(ctx context.Context, creds session.Credentials, params PlaceCallParams) (string, error)

	// Hangup ends a live call. Ending a call that has not been answered
	// cancels it.
	Hangup(ctx context.Context, creds session.Credentials, callSid string) error

	// Say replaces the live call's instructions with spoken text followed
	// by a hangup.
	Say(ctx context.Context, creds session.Credentials, callSid, text string) error
}

// PlaceCallParams describes one outbound call.
type PlaceCallParams struct {
	To   string
	From string

	// VoiceURL is fetched by the provider once the call connects and must
	// answer with TwiML.
	VoiceURL string

	// StatusCallbackURL receives lifecycle webhooks.
	StatusCallbackURL string

	// StatusEvents selects which lifecycle events are posted.
	StatusEvents []string

	// RingTimeout is how many seconds to ring before giving up. Zero uses
	// the provider default.
	RingTimeout int
}

// DefaultStatusEvents are the lifecycle events the relay subscribes to.
var DefaultStatusEvents = []string{"initiated", "ringing", "answered", "completed"}

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidateE164 checks that number is in E.164 form, such as +14155550100.
func ValidateE164(field, number string) error {
	if number == "" {
		return callerr.Validation("%s is required", field)
	}
	if !e164.MatchString(number) {
		return callerr.Validation("%s %q is not a valid E.164 phone number", field, number)
	}
	return nil
}
