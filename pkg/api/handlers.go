package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-callrelay/pkg/callerr"
	"github.com/teslashibe/go-callrelay/pkg/calls"
	"github.com/teslashibe/go-callrelay/pkg/session"
	"github.com/teslashibe/go-callrelay/pkg/telephony"
)

// CredentialsBody overrides the server's provider credentials for one call.
type CredentialsBody struct {
	TwilioAccountSID string `json:"twilioAccountSid"`
	TwilioAuthToken  string `json:"twilioAuthToken"`
	AgentID          string `json:"agentId"`
	APIKey           string `json:"apiKey"`
}

// CreateCallRequest is the body of POST /api/calls.
type CreateCallRequest struct {
	TargetNumber string           `json:"targetNumber"`
	CallerNumber string           `json:"callerNumber,omitempty"`
	Script       string           `json:"script"`
	Persona      string           `json:"persona,omitempty"`
	Context      string           `json:"context,omitempty"`
	Credentials  *CredentialsBody `json:"credentials,omitempty"`
}

func (r CreateCallRequest) initiate() calls.InitiateRequest {
	req := calls.InitiateRequest{
		Target:  r.TargetNumber,
		Caller:  r.CallerNumber,
		Script:  r.Script,
		Persona: r.Persona,
		Context: r.Context,
	}
	if r.Credentials != nil {
		req.Credentials = session.Credentials{
			AccountSID: r.Credentials.TwilioAccountSID,
			AuthToken:  r.Credentials.TwilioAuthToken,
			AgentID:    r.Credentials.AgentID,
			APIKey:     r.Credentials.APIKey,
		}
	}
	return req
}

// handleCreateCall places an outbound call.
func (s *Server) handleCreateCall(c *fiber.Ctx) error {
	var body CreateCallRequest
	if err := c.BodyParser(&body); err != nil {
		return callerr.Validation("invalid request body: %v", err)
	}

	res, err := s.calls.InitiateCall(c.UserContext(), body.initiate())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// handleListCalls returns every session held in memory.
func (s *Server) handleListCalls(c *fiber.Ctx) error {
	views := s.calls.List()
	return c.JSON(fiber.Map{
		"calls": views,
		"count": len(views),
	})
}

// handleGetCall returns a call's status and transcript.
func (s *Server) handleGetCall(c *fiber.Ctx) error {
	view, err := s.calls.Transcript(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// handleHangup terminates a call.
func (s *Server) handleHangup(c *fiber.Ctx) error {
	view, err := s.calls.Terminate(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// handleVoice answers Twilio's voice webhook with TwiML.
func (s *Server) handleVoice(c *fiber.Ctx) error {
	doc, err := s.calls.VoiceInstructions(c.Params("id"))
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "text/xml; charset=utf-8")
	return c.SendString(doc)
}

// handleStatus applies a Twilio status callback. Twilio always gets 204 so
// it never retries a delivery the relay chose to ignore.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	duration, _ := strconv.Atoi(c.FormValue("CallDuration"))
	s.calls.HandleStatusCallback(c.UserContext(), calls.StatusCallback{
		CallSid:      c.FormValue("CallSid"),
		CallStatus:   c.FormValue("CallStatus"),
		CallDuration: duration,
	})
	return c.SendStatus(fiber.StatusNoContent)
}

// verifyTwilio rejects webhooks whose X-Twilio-Signature does not match.
func (s *Server) verifyTwilio(c *fiber.Ctx) error {
	if !s.cfg.ValidateSignatures {
		return c.Next()
	}

	params := make(map[string]string)
	c.Request().PostArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = string(v)
	})

	token := s.calls.AuthToken(c.Params("id"), params["CallSid"])
	url := s.cfg.PublicBaseURL + c.OriginalURL()
	if !telephony.ValidateSignature(token, url, params, c.Get(telephony.SignatureHeader)) {
		s.logger.Warn("rejected unsigned twilio webhook", "path", c.Path(), "call_sid", params["CallSid"])
		return fiber.NewError(fiber.StatusForbidden, "invalid twilio signature")
	}
	return c.Next()
}

// handleHealth reports liveness.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":   "ok",
		"version":  s.cfg.Version,
		"sessions": s.calls.Count(),
	}
	if s.bridges != nil {
		resp["bridges"] = s.bridges.Stats()
	}
	if s.events != nil {
		resp["subscribers"] = s.events.ClientCount()
	}
	return c.JSON(resp)
}

// handleMetrics exposes counters in the Prometheus text format.
func (s *Server) handleMetrics(c *fiber.Ctx) error {
	var b strings.Builder
	gauge := func(name, help string, v any) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n\n", name, help, name, name, v)
	}
	counter := func(name, help string, v any) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n%s %v\n\n", name, help, name, name, v)
	}

	gauge("callrelay_sessions", "Sessions held in memory", s.calls.Count())
	if s.bridges != nil {
		stats := s.bridges.Stats()
		gauge("callrelay_bridges_active", "Live media bridges", stats.Active)
		counter("callrelay_bridges_started_total", "Bridges that resolved a session", stats.Started)
		counter("callrelay_bridges_failed_total", "Bridges that fell back to the apology message", stats.Failed)
		counter("callrelay_bridges_rejected_total", "Media streams rejected for an unknown session", stats.Rejected)
		counter("callrelay_frames_in_total", "Caller audio frames relayed to the agent", stats.FramesIn)
		counter("callrelay_frames_out_total", "Agent audio frames relayed to the caller", stats.FramesOut)
	}

	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(b.String())
}
