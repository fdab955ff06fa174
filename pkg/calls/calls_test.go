package calls

import (
	"context"
	"encoding/xml"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-callrelay/internal/log"
	"github.com/teslashibe/go-callrelay/pkg/callerr"
	"github.com/teslashibe/go-callrelay/pkg/session"
	"github.com/teslashibe/go-callrelay/pkg/telephony"
)

type testURLs struct{ base string }

func (u testURLs) VoiceURL(id string) string { return u.base + "/twilio/voice/" + id }
func (u testURLs) StatusCallbackURL() string { return u.base + "/twilio/status" }
func (u testURLs) StreamURL() string         { return "wss://relay.test/media-stream" }

type fakeBridges struct {
	mu         sync.Mutex
	live       map[string]bool
	terminated []string
}

func (f *fakeBridges) Terminate(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	was := f.live[id]
	delete(f.live, id)
	return was
}

func (f *fakeBridges) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terminated)
}

var validCreds = session.Credentials{
	AccountSID: "AC123",
	AuthToken:  "token",
	AgentID:    "agent_1",
	APIKey:     "xi-key",
}

type harness struct {
	svc      *Service
	registry *session.Registry
	phone    *telephony.Mock
	bridges  *fakeBridges
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		registry: session.NewRegistry(session.WithLogger(log.Discard())),
		phone:    telephony.NewMock(),
		bridges:  &fakeBridges{live: map[string]bool{}},
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = "+14422663218"
	}
	h.svc = NewService(h.registry, h.phone, testURLs{base: "https://relay.test"}, cfg,
		WithBridges(h.bridges),
		WithLogger(log.Discard()),
	)
	return h
}

func request() InitiateRequest {
	return InitiateRequest{
		Target:      "+19705677890",
		Caller:      "+14422663218",
		Script:      "Confirm the appointment for Tuesday.",
		Persona:     "Sam from the clinic",
		Context:     "Patient booked online.",
		Credentials: validCreds,
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	res, err := h.svc.InitiateCall(ctx, request())
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if res.SessionID == "" || res.CallSid == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.Status != session.StatusRinging && res.Status != session.StatusInitiating {
		t.Errorf("Status = %s", res.Status)
	}

	placed := h.phone.Placed[0]
	if placed.To != "+19705677890" || placed.From != "+14422663218" {
		t.Errorf("placed = %+v", placed)
	}
	if placed.VoiceURL != "https://relay.test/twilio/voice/"+res.SessionID {
		t.Errorf("VoiceURL = %q", placed.VoiceURL)
	}
	if placed.StatusCallbackURL != "https://relay.test/twilio/status" {
		t.Errorf("StatusCallbackURL = %q", placed.StatusCallbackURL)
	}

	h.svc.HandleStatusCallback(ctx, StatusCallback{CallSid: res.CallSid, CallStatus: "in-progress"})
	h.svc.HandleStatusCallback(ctx, StatusCallback{CallSid: res.CallSid, CallStatus: "completed", CallDuration: 42})

	view, err := h.svc.Transcript(res.SessionID)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if view.Status != session.StatusCompleted {
		t.Errorf("Status = %s, want completed", view.Status)
	}
	if view.Duration != 42 {
		t.Errorf("Duration = %d", view.Duration)
	}
	if view.Transcript == nil {
		t.Error("transcript should be an empty array, not nil")
	}

	byCallSid, err := h.svc.Transcript(res.CallSid)
	if err != nil || byCallSid.SessionID != res.SessionID {
		t.Errorf("lookup by call sid = %+v, %v", byCallSid, err)
	}
}

func TestInitiateCallValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*InitiateRequest)
		wantErr error
	}{
		{"bad target", func(r *InitiateRequest) { r.Target = "970-567-7890" }, callerr.ErrValidation},
		{"missing target", func(r *InitiateRequest) { r.Target = "" }, callerr.ErrValidation},
		{"bad caller", func(r *InitiateRequest) { r.Caller = "+0123" }, callerr.ErrValidation},
		{"missing api key", func(r *InitiateRequest) { r.Credentials.APIKey = "" }, callerr.ErrConfiguration},
		{"missing agent id", func(r *InitiateRequest) { r.Credentials.AgentID = "" }, callerr.ErrConfiguration},
		{"missing account", func(r *InitiateRequest) { r.Credentials = session.Credentials{} }, callerr.ErrConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			req := request()
			tt.mutate(&req)

			_, err := h.svc.InitiateCall(context.Background(), req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if h.registry.Len() != 0 {
				t.Errorf("registry has %d sessions, want 0", h.registry.Len())
			}
			if h.phone.PlacedCount() != 0 {
				t.Error("no call should be placed")
			}
		})
	}
}

func TestInitiateCallUsesConfiguredDefaults(t *testing.T) {
	h := newHarness(t, Config{Credentials: validCreds, FromNumber: "+15550001111"})

	req := request()
	req.Caller = ""
	req.Credentials = session.Credentials{AgentID: "agent_override"}

	res, err := h.svc.InitiateCall(context.Background(), req)
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if h.phone.Placed[0].From != "+15550001111" {
		t.Errorf("From = %q", h.phone.Placed[0].From)
	}
	sess, _ := h.registry.Get(res.SessionID)
	if sess.Credentials.AgentID != "agent_override" || sess.Credentials.APIKey != "xi-key" {
		t.Errorf("credentials not merged: %+v", sess.Credentials)
	}
}

func TestInitiateCallWithoutPublicURL(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.urls = testURLs{}

	_, err := h.svc.InitiateCall(context.Background(), request())
	if !errors.Is(err, callerr.ErrConfiguration) {
		t.Fatalf("err = %v", err)
	}
	if h.registry.Len() != 0 {
		t.Error("no session should be created")
	}
}

func TestInitiateCallProviderRejection(t *testing.T) {
	h := newHarness(t, Config{})
	h.phone.PlaceCallFunc = func(ctx context.Context, creds session.Credentials, p telephony.PlaceCallParams) (string, error) {
		return "", &callerr.ProviderError{Provider: "twilio", Code: 21211, Message: "Invalid 'To' Phone Number", Status: 400}
	}

	res, err := h.svc.InitiateCall(context.Background(), request())
	pe, ok := callerr.IsProvider(err)
	if !ok || pe.Code != 21211 {
		t.Fatalf("err = %v, want provider error 21211", err)
	}

	sess, err := h.registry.Get(res.SessionID)
	if err != nil {
		t.Fatalf("session should remain for inspection: %v", err)
	}
	if sess.Status != session.StatusFailed {
		t.Errorf("Status = %s, want failed", sess.Status)
	}
	if !strings.Contains(sess.FailureReason, "21211") {
		t.Errorf("FailureReason = %q", sess.FailureReason)
	}
	if h.phone.PlacedCount() != 1 {
		t.Error("provider errors must not be retried")
	}
}

func TestDuplicateWebhook(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	res, err := h.svc.InitiateCall(ctx, request())
	if err != nil {
		t.Fatal(err)
	}
	_ = h.registry.AppendTranscript(res.SessionID, session.TranscriptEntry{Role: session.RoleAgent, Text: "Hello"})

	for i := 0; i < 2; i++ {
		h.svc.HandleStatusCallback(ctx, StatusCallback{CallSid: res.CallSid, CallStatus: "completed", CallDuration: 12})
	}
	// Late and out-of-order deliveries are ignored too.
	h.svc.HandleStatusCallback(ctx, StatusCallback{CallSid: res.CallSid, CallStatus: "ringing"})
	h.svc.HandleStatusCallback(ctx, StatusCallback{CallSid: res.CallSid, CallStatus: "busy", CallDuration: 99})

	view, _ := h.svc.Transcript(res.SessionID)
	if view.Status != session.StatusCompleted || view.Duration != 12 {
		t.Errorf("view = %+v", view)
	}
	if len(view.Transcript) != 1 {
		t.Errorf("transcript = %+v", view.Transcript)
	}
}

func TestStatusCallbackTolerance(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	// Neither panics nor changes anything.
	h.svc.HandleStatusCallback(ctx, StatusCallback{CallSid: "CA_unknown", CallStatus: "completed"})
	h.svc.HandleStatusCallback(ctx, StatusCallback{CallSid: "CA_unknown", CallStatus: "exploded"})

	if h.registry.Len() != 0 {
		t.Error("unknown calls must not create sessions")
	}
}

func TestTerminalStatusClosesBridge(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	res, _ := h.svc.InitiateCall(ctx, request())

	h.svc.HandleStatusCallback(ctx, StatusCallback{CallSid: res.CallSid, CallStatus: "completed"})

	deadline := time.Now().Add(2 * time.Second)
	for h.bridges.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge was not torn down")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTranscriptNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.svc.Transcript("missing"); !errors.Is(err, callerr.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
	if _, err := h.svc.Terminate(context.Background(), "missing"); !errors.Is(err, callerr.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestTerminateWhilePlacing(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	var terminated TranscriptView
	h.phone.PlaceCallFunc = func(ctx context.Context, creds session.Credentials, p telephony.PlaceCallParams) (string, error) {
		// The hangup request lands before Twilio has answered with a SID.
		id := h.registry.List()[0].ID
		view, err := h.svc.Terminate(ctx, id)
		if err != nil {
			t.Errorf("Terminate: %v", err)
		}
		terminated = view
		return "CA9000", nil
	}

	res, err := h.svc.InitiateCall(ctx, request())
	if err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if terminated.Status != session.StatusCanceled {
		t.Errorf("terminated status = %s, want canceled", terminated.Status)
	}
	if res.Status != session.StatusCanceled || res.CallSid != "CA9000" {
		t.Errorf("result = %+v", res)
	}
	if len(h.phone.HungUp) != 1 || h.phone.HungUp[0] != "CA9000" {
		t.Errorf("HungUp = %v, want the placed call hung up", h.phone.HungUp)
	}
}

func TestTerminate(t *testing.T) {
	t.Run("before answer cancels", func(t *testing.T) {
		h := newHarness(t, Config{})
		res, _ := h.svc.InitiateCall(context.Background(), request())

		view, err := h.svc.Terminate(context.Background(), res.SessionID)
		if err != nil {
			t.Fatalf("Terminate: %v", err)
		}
		if view.Status != session.StatusCanceled {
			t.Errorf("Status = %s, want canceled", view.Status)
		}
		if h.phone.HungUp[0] != res.CallSid {
			t.Errorf("HungUp = %v", h.phone.HungUp)
		}
	})

	t.Run("after answer completes and closes bridge", func(t *testing.T) {
		h := newHarness(t, Config{})
		ctx := context.Background()
		res, _ := h.svc.InitiateCall(ctx, request())
		h.svc.HandleStatusCallback(ctx, StatusCallback{CallSid: res.CallSid, CallStatus: "in-progress"})
		h.bridges.live[res.SessionID] = true

		view, err := h.svc.Terminate(ctx, res.SessionID)
		if err != nil {
			t.Fatalf("Terminate: %v", err)
		}
		if view.Status != session.StatusCompleted {
			t.Errorf("Status = %s, want completed", view.Status)
		}
		if h.bridges.count() != 1 {
			t.Errorf("bridge terminations = %d", h.bridges.count())
		}
	})

	t.Run("already ended is a no-op", func(t *testing.T) {
		h := newHarness(t, Config{})
		ctx := context.Background()
		res, _ := h.svc.InitiateCall(ctx, request())
		_, _, _ = h.registry.Transition(res.SessionID, session.StatusCompleted)

		for i := 0; i < 2; i++ {
			view, err := h.svc.Terminate(ctx, res.SessionID)
			if err != nil {
				t.Fatalf("Terminate #%d: %v", i, err)
			}
			if view.Status != session.StatusCompleted {
				t.Errorf("Status = %s", view.Status)
			}
		}
		if h.phone.HungUpCount() != 0 {
			t.Error("ended calls must not be hung up again")
		}
	})

	t.Run("provider timeout", func(t *testing.T) {
		h := newHarness(t, Config{HangupTimeout: 50 * time.Millisecond})
		h.phone.HangupFunc = func(ctx context.Context, creds session.Credentials, callSid string) error {
			<-ctx.Done()
			return callerr.ErrTimedOut
		}
		res, _ := h.svc.InitiateCall(context.Background(), request())

		_, err := h.svc.Terminate(context.Background(), res.SessionID)
		if !errors.Is(err, callerr.ErrTimedOut) {
			t.Fatalf("err = %v, want timed out", err)
		}
		sess, _ := h.registry.Get(res.SessionID)
		if sess.Status.Terminal() {
			t.Errorf("status should be unchanged on timeout, got %s", sess.Status)
		}
	})
}

type twimlResponse struct {
	Say    string    `xml:"Say"`
	Hangup *struct{} `xml:"Hangup"`
	Stream struct {
		URL    string `xml:"url,attr"`
		Params []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:"value,attr"`
		} `xml:"Parameter"`
	} `xml:"Connect>Stream"`
}

func TestVoiceInstructions(t *testing.T) {
	h := newHarness(t, Config{Greeting: "Connecting you now.", Voice: "Polly.Joanna"})
	res, _ := h.svc.InitiateCall(context.Background(), request())

	doc, err := h.svc.VoiceInstructions(res.SessionID)
	if err != nil {
		t.Fatalf("VoiceInstructions: %v", err)
	}
	var r twimlResponse
	if err := xml.Unmarshal([]byte(doc), &r); err != nil {
		t.Fatalf("parse %s: %v", doc, err)
	}
	if r.Say != "Connecting you now." {
		t.Errorf("Say = %q", r.Say)
	}
	if r.Stream.URL != "wss://relay.test/media-stream" {
		t.Errorf("Stream url = %q", r.Stream.URL)
	}
	if len(r.Stream.Params) != 1 || r.Stream.Params[0].Value != res.SessionID {
		t.Errorf("params = %+v", r.Stream.Params)
	}

	doc, err = h.svc.VoiceInstructions("missing")
	if err != nil {
		t.Fatalf("VoiceInstructions(missing): %v", err)
	}
	r = twimlResponse{}
	if err := xml.Unmarshal([]byte(doc), &r); err != nil {
		t.Fatalf("parse %s: %v", doc, err)
	}
	if r.Say != DefaultUnavailableMessage || r.Hangup == nil {
		t.Errorf("unknown session should get an apology and hangup: %s", doc)
	}
}

func TestAuthToken(t *testing.T) {
	h := newHarness(t, Config{Credentials: session.Credentials{AuthToken: "default-token"}})
	req := request()
	req.Credentials.AuthToken = "per-call-token"
	res, _ := h.svc.InitiateCall(context.Background(), req)

	if got := h.svc.AuthToken(res.SessionID, ""); got != "per-call-token" {
		t.Errorf("by session = %q", got)
	}
	if got := h.svc.AuthToken("", res.CallSid); got != "per-call-token" {
		t.Errorf("by call sid = %q", got)
	}
	if got := h.svc.AuthToken("", "CA_other"); got != "default-token" {
		t.Errorf("fallback = %q", got)
	}
}

func TestList(t *testing.T) {
	h := newHarness(t, Config{})
	for i := 0; i < 3; i++ {
		if _, err := h.svc.InitiateCall(context.Background(), request()); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(h.svc.List()); got != 3 {
		t.Errorf("List = %d", got)
	}
	if got := h.svc.Count(); got != 3 {
		t.Errorf("Count = %d", got)
	}
}
