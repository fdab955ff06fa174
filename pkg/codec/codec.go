// Package codec translates audio between the telephony leg and the agent.
//
// Twilio Media Streams always carry 8 kHz μ-law. Agents report their own
// formats by name, such as "ulaw_8000" or "pcm_16000" (16-bit little-endian
// mono PCM at 16 kHz).
package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zaf/g711"
)

// Encoding is a sample encoding.
type Encoding string

const (
	EncodingULaw Encoding = "ulaw"
	EncodingPCM  Encoding = "pcm"
)

// Format is a named audio format such as "ulaw_8000".
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// Common formats.
var (
	ULaw8000 = Format{EncodingULaw, 8000}
	PCM8000  = Format{EncodingPCM, 8000}
	PCM16000 = Format{EncodingPCM, 16000}
	PCM22050 = Format{EncodingPCM, 22050}
	PCM24000 = Format{EncodingPCM, 24000}
	PCM44100 = Format{EncodingPCM, 44100}
)

// Telephony is the format of every Twilio Media Stream.
var Telephony = ULaw8000

// String returns the format name, e.g. "pcm_16000".
func (f Format) String() string {
	return fmt.Sprintf("%s_%d", f.Encoding, f.SampleRate)
}

// ParseFormat parses a format name. μ-law is only defined at 8 kHz.
func ParseFormat(name string) (Format, error) {
	enc, rate, ok := strings.Cut(strings.ToLower(strings.TrimSpace(name)), "_")
	if !ok {
		return Format{}, fmt.Errorf("codec: unknown format %q", name)
	}
	sr, err := strconv.Atoi(rate)
	if err != nil || sr <= 0 {
		return Format{}, fmt.Errorf("codec: bad sample rate in %q", name)
	}

	switch Encoding(enc) {
	case EncodingULaw:
		if sr != 8000 {
			return Format{}, fmt.Errorf("codec: %q: μ-law is only supported at 8000 Hz", name)
		}
		return Format{EncodingULaw, sr}, nil
	case EncodingPCM:
		return Format{EncodingPCM, sr}, nil
	default:
		return Format{}, fmt.Errorf("codec: unknown encoding in %q", name)
	}
}

// Convert translates one chunk of audio from one format to another. Equal
// formats return data unchanged.
func Convert(data []byte, from, to Format) []byte {
	if from == to || len(data) == 0 {
		return data
	}

	pcm := data
	if from.Encoding == EncodingULaw {
		pcm = g711.DecodeUlaw(data)
	}

	pcm = ResampleBytes(pcm, from.SampleRate, to.SampleRate)

	if to.Encoding == EncodingULaw {
		return g711.EncodeUlaw(pcm)
	}
	return pcm
}

// Converter converts a stream in one direction. The zero value passes
// audio through.
type Converter struct {
	From Format
	To   Format
}

// NewConverter parses both format names. An empty name means telephony
// μ-law.
func NewConverter(from, to string) (Converter, error) {
	f, err := parseOrTelephony(from)
	if err != nil {
		return Converter{}, err
	}
	t, err := parseOrTelephony(to)
	if err != nil {
		return Converter{}, err
	}
	return Converter{From: f, To: t}, nil
}

// Passthrough reports whether Convert returns its input unchanged.
func (c Converter) Passthrough() bool {
	return c.From == c.To
}

// Convert applies the conversion to one chunk.
func (c Converter) Convert(data []byte) []byte {
	if c.Passthrough() {
		return data
	}
	return Convert(data, c.From, c.To)
}

func parseOrTelephony(name string) (Format, error) {
	if name == "" {
		return Telephony, nil
	}
	return ParseFormat(name)
}
