package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"sort"
	"strings"
	"testing"
)

type twimlDoc struct {
	XMLName xml.Name `xml:"Response"`
	Say     []struct {
		Voice string `xml:"voice,attr"`
		Text  string `xml:",chardata"`
	} `xml:"Say"`
	Connect *struct {
		Stream struct {
			URL    string `xml:"url,attr"`
			Name   string `xml:"name,attr"`
			Params []struct {
				Name  string `xml:"name,attr"`
				Value string `xml:"value,attr"`
			} `xml:"Parameter"`
		} `xml:"Stream"`
	} `xml:"Connect"`
	Hangup *struct{} `xml:"Hangup"`
}

func parseTwiML(t *testing.T, doc string) twimlDoc {
	t.Helper()
	var out twimlDoc
	if err := xml.Unmarshal([]byte(doc), &out); err != nil {
		t.Fatalf("invalid TwiML %q: %v", doc, err)
	}
	return out
}

func TestVoiceInstructions(t *testing.T) {
	t.Run("with greeting", func(t *testing.T) {
		doc, err := VoiceInstructions("Please hold.", "Polly.Joanna", "wss://relay.example.com/media-stream",
			map[string]string{SessionParam: "s1"})
		if err != nil {
			t.Fatalf("VoiceInstructions: %v", err)
		}
		got := parseTwiML(t, doc)
		if len(got.Say) != 1 || got.Say[0].Text != "Please hold." || got.Say[0].Voice != "Polly.Joanna" {
			t.Errorf("Say = %+v", got.Say)
		}
		if got.Connect == nil {
			t.Fatal("missing Connect")
		}
		if got.Connect.Stream.URL != "wss://relay.example.com/media-stream" {
			t.Errorf("Stream url = %q", got.Connect.Stream.URL)
		}
		params := got.Connect.Stream.Params
		if len(params) != 1 || params[0].Name != SessionParam || params[0].Value != "s1" {
			t.Errorf("Parameters = %+v", params)
		}
		if strings.Index(doc, "<Say") > strings.Index(doc, "<Connect") {
			t.Error("greeting must come before the stream")
		}
	})

	t.Run("without greeting", func(t *testing.T) {
		doc, err := VoiceInstructions("", "", "wss://x/media-stream", nil)
		if err != nil {
			t.Fatalf("VoiceInstructions: %v", err)
		}
		got := parseTwiML(t, doc)
		if len(got.Say) != 0 {
			t.Error("unexpected Say")
		}
		if got.Connect == nil {
			t.Error("missing Connect")
		}
	})
}

func TestApologyAndHangup(t *testing.T) {
	doc, err := Apology("Sorry.", "alice")
	if err != nil {
		t.Fatalf("Apology: %v", err)
	}
	got := parseTwiML(t, doc)
	if len(got.Say) != 1 || got.Say[0].Text != "Sorry." || got.Hangup == nil {
		t.Errorf("Apology = %s", doc)
	}

	doc, err = Hangup()
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if got := parseTwiML(t, doc); got.Hangup == nil || len(got.Say) != 0 {
		t.Errorf("Hangup = %s", doc)
	}
}

func TestValidateSignature(t *testing.T) {
	const token = "12345"
	url := "https://relay.example.com/twilio/status"
	params := map[string]string{"CallSid": "CA123", "CallStatus": "completed"}

	sig := sign(token, url, params)

	if !ValidateSignature(token, url, params, sig) {
		t.Error("valid signature rejected")
	}
	if ValidateSignature("other", url, params, sig) {
		t.Error("signature accepted with wrong token")
	}
	if ValidateSignature(token, url, params, "") {
		t.Error("empty signature accepted")
	}
}

// sign computes a Twilio webhook signature: HMAC-SHA1 over the URL followed
// by every form key and value in key order.
func sign(token, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}

	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
