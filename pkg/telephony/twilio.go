package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/teslashibe/go-callrelay/internal/httpc"
	"github.com/teslashibe/go-callrelay/pkg/callerr"
	"github.com/teslashibe/go-callrelay/pkg/session"
)

// Twilio implements Client on the Twilio REST API.
//
// A REST client is built per request because credentials travel with each
// call; construction only allocates.
type Twilio struct {
	httpClient *http.Client
	voice      string
	logger     *slog.Logger
}

// TwilioOption configures a Twilio client.
type TwilioOption func(*Twilio)

// WithHTTPClient sets the HTTP client used for REST requests.
func WithHTTPClient(c *http.Client) TwilioOption {
	return func(t *Twilio) {
		t.httpClient = c
	}
}

// WithVoice sets the TTS voice used by Say.
func WithVoice(voice string) TwilioOption {
	return func(t *Twilio) {
		t.voice = voice
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) TwilioOption {
	return func(t *Twilio) {
		t.logger = logger
	}
}

// NewTwilio creates a Twilio client.
func NewTwilio(opts ...TwilioOption) *Twilio {
	t := &Twilio{
		httpClient: httpc.Client,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "telephony.twilio")
	return t
}

func (t *Twilio) rest(creds session.Credentials) (*twilio.RestClient, error) {
	if creds.AccountSID == "" || creds.AuthToken == "" {
		return nil, callerr.Configuration("twilio account sid and auth token are required")
	}

	c := &client.Client{
		Credentials: client.NewCredentials(creds.AccountSID, creds.AuthToken),
		HTTPClient:  t.httpClient,
	}
	c.SetAccountSid(creds.AccountSID)

	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: creds.AccountSID,
		Password: creds.AuthToken,
		Client:   c,
	}), nil
}

// PlaceCall implements Client.
func (t *Twilio) PlaceCall(ctx context.Context, creds session.Credentials, p PlaceCallParams) (string, error) {
	rc, err := t.rest(creds)
	if err != nil {
		return "", err
	}

	params := &api.CreateCallParams{}
	params.SetTo(p.To)
	params.SetFrom(p.From)
	params.SetUrl(p.VoiceURL)
	params.SetMethod(http.MethodPost)
	if p.StatusCallbackURL != "" {
		events := p.StatusEvents
		if len(events) == 0 {
			events = DefaultStatusEvents
		}
		params.SetStatusCallback(p.StatusCallbackURL)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent(events)
	}
	if p.RingTimeout > 0 {
		params.SetTimeout(p.RingTimeout)
	}

	var sid string
	err = run(ctx, func() error {
		resp, err := rc.Api.CreateCall(params)
		if err != nil {
			return err
		}
		if resp.Sid == nil || *resp.Sid == "" {
			return &callerr.ProviderError{Provider: "twilio", Message: "create call response carried no sid"}
		}
		sid = *resp.Sid
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("telephony: place call to %s: %w", p.To, err)
	}

	t.logger.Info("call placed", "call_sid", sid, "to", p.To)
	return sid, nil
}

// Hangup implements Client. It sets the call status to completed, which
// Twilio also applies to calls that are still ringing.
func (t *Twilio) Hangup(ctx context.Context, creds session.Credentials, callSid string) error {
	rc, err := t.rest(creds)
	if err != nil {
		return err
	}

	params := &api.UpdateCallParams{}
	params.SetStatus("completed")

	if err := run(ctx, func() error {
		_, err := rc.Api.UpdateCall(callSid, params)
		return err
	}); err != nil {
		return fmt.Errorf("telephony: hangup %s: %w", callSid, err)
	}

	t.logger.Info("call hung up", "call_sid", callSid)
	return nil
}

// Say implements Client.
func (t *Twilio) Say(ctx context.Context, creds session.Credentials, callSid, text string) error {
	rc, err := t.rest(creds)
	if err != nil {
		return err
	}

	doc, err := Apology(text, t.voice)
	if err != nil {
		return err
	}

	params := &api.UpdateCallParams{}
	params.SetTwiml(doc)

	if err := run(ctx, func() error {
		_, err := rc.Api.UpdateCall(callSid, params)
		return err
	}); err != nil {
		return fmt.Errorf("telephony: say on %s: %w", callSid, err)
	}
	return nil
}

// run executes a blocking SDK call and gives up when ctx ends first. The
// SDK call itself is bounded by the HTTP client timeout.
func run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return providerError(err)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", callerr.ErrTimedOut, ctx.Err())
		}
		return ctx.Err()
	}
}

// providerError converts Twilio REST errors into *callerr.ProviderError.
func providerError(err error) error {
	if err == nil {
		return nil
	}
	var rest *client.TwilioRestError
	if errors.As(err, &rest) {
		return &callerr.ProviderError{
			Provider: "twilio",
			Code:     rest.Code,
			Message:  rest.Message,
			Status:   rest.Status,
			MoreInfo: rest.MoreInfo,
		}
	}
	var pe *callerr.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &callerr.ProviderError{Provider: "twilio", Message: err.Error()}
}
