package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-callrelay/internal/log"
	"github.com/teslashibe/go-callrelay/pkg/session"
	"github.com/teslashibe/go-callrelay/pkg/voicebridge"
)

func TestElevenLabsDialerSendsOverrides(t *testing.T) {
	initiation := make(chan map[string]any, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "xi-key" || r.URL.Query().Get("agent_id") != "agent_1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg map[string]any
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&msg); err == nil {
			initiation <- msg
		}
		// Hold the socket until the client leaves.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	sess := session.CallSession{
		ID:      "sess-1",
		CallSid: "CA1",
		Context: session.CallContext{Script: "Book a demo.", Persona: "Alex"},
		Credentials: session.Credentials{
			AgentID: "agent_1",
			APIKey:  "xi-key",
		},
	}
	desc, err := voicebridge.New("ws"+strings.TrimPrefix(srv.URL, "http")).Build(sess.ID, sess.Context, sess.CallSid, sess.Credentials)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	d := &ElevenLabsDialer{
		ReadTimeout:    time.Second,
		OverridePrompt: true,
		FirstMessage:   "Hi, this is Alex.",
		Language:       "en",
		Logger:         log.Discard(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	agent, err := d.Dial(ctx, desc, SeedFor(sess))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer agent.Close()

	var msg map[string]any
	select {
	case msg = <-initiation:
	case <-ctx.Done():
		t.Fatal("no initiation message")
	}

	vars, _ := msg["dynamic_variables"].(map[string]any)
	if vars["session_id"] != "sess-1" || vars["call_sid"] != "CA1" || vars["script"] != "Book a demo." {
		t.Errorf("dynamic_variables = %v", vars)
	}

	override, _ := msg["conversation_config_override"].(map[string]any)
	agentCfg, _ := override["agent"].(map[string]any)
	if agentCfg["first_message"] != "Hi, this is Alex." || agentCfg["language"] != "en" {
		t.Errorf("agent override = %v", agentCfg)
	}
	prompt, _ := agentCfg["prompt"].(map[string]any)
	if prompt["prompt"] != "Book a demo." {
		t.Errorf("prompt override = %v", prompt)
	}
}

func TestElevenLabsDialerRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	desc, err := voicebridge.New("ws"+strings.TrimPrefix(srv.URL, "http")).Build("sess-1", session.CallContext{}, "", session.Credentials{
		AgentID: "agent_1",
		APIKey:  "wrong",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	d := &ElevenLabsDialer{Logger: log.Discard()}
	if _, err := d.Dial(context.Background(), desc, Seed{SessionID: "sess-1"}); err == nil {
		t.Fatal("expected dial to fail")
	}
}
