package telephony

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

// StreamName names the media stream in TwiML and status events.
const StreamName = "callrelay"

// SessionParam is the custom stream parameter carrying the session ID.
const SessionParam = "sessionId"

// VoiceInstructions renders the TwiML served when a call connects: an
// optional greeting, then a bidirectional media stream to streamURL with
// params attached as custom parameters.
func VoiceInstructions(greeting, voice, streamURL string, params map[string]string) (string, error) {
	var elements []twiml.Element
	if greeting != "" {
		elements = append(elements, &twiml.VoiceSay{Message: greeting, Voice: voice})
	}

	stream := twiml.VoiceStream{
		Name: StreamName,
		Url:  streamURL,
	}
	for _, name := range sortedKeys(params) {
		stream.InnerElements = append(stream.InnerElements, twiml.VoiceParameter{
			Name:  name,
			Value: params[name],
		})
	}

	elements = append(elements, twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	})

	doc, err := twiml.Voice(elements)
	if err != nil {
		return "", fmt.Errorf("telephony: render voice instructions: %w", err)
	}
	return doc, nil
}

// Apology renders TwiML that speaks text and hangs up.
func Apology(text, voice string) (string, error) {
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: text, Voice: voice},
		&twiml.VoiceHangup{},
	})
	if err != nil {
		return "", fmt.Errorf("telephony: render apology: %w", err)
	}
	return doc, nil
}

// Hangup renders TwiML that ends the call.
func Hangup() (string, error) {
	doc, err := twiml.Voice([]twiml.Element{&twiml.VoiceHangup{}})
	if err != nil {
		return "", fmt.Errorf("telephony: render hangup: %w", err)
	}
	return doc, nil
}
