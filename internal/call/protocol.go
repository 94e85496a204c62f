package call

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrBadPayload marks a well-formed media frame whose audio cannot be
// decoded. The call treats it as a transport failure.
var ErrBadPayload = errors.New("bad media payload")

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	// FrameStart carries the caller and dialed numbers.
	FrameStart
	// FrameInit is the browser test payload: a caller number and no event.
	FrameInit
	FrameMedia
	FrameStop
)

func (k FrameKind) String() string {
	switch k {
	case FrameStart:
		return "start"
	case FrameInit:
		return "init"
	case FrameMedia:
		return "media"
	case FrameStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Frame is a decoded inbound frame. Numbers are already normalized.
type Frame struct {
	Kind     FrameKind
	Caller   string
	Receiver string
	Audio    []byte
}

type wireMedia struct {
	Payload string `json:"payload"`
}

type wireMessage struct {
	Event string `json:"event,omitempty"`
	Start *struct {
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *wireMedia `json:"media,omitempty"`

	From   string `json:"from,omitempty"`
	Caller string `json:"caller,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// DecodeText parses a JSON text frame.
func DecodeText(data []byte) (Frame, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	switch msg.Event {
	case "start":
		f := Frame{Kind: FrameStart}
		if msg.Start != nil {
			f.Caller = NormalizeE164(msg.Start.CustomParameters["caller"])
			f.Receiver = NormalizeE164(msg.Start.CustomParameters["receiver"])
		}
		return f, nil
	case "media":
		if msg.Media == nil {
			return Frame{}, fmt.Errorf("%w: media frame without payload", ErrBadPayload)
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return Frame{Kind: FrameMedia, Audio: audio}, nil
	case "stop":
		return Frame{Kind: FrameStop}, nil
	case "":
		number := firstNonEmpty(msg.From, msg.Caller, msg.Phone)
		if number == "" {
			return Frame{Kind: FrameUnknown}, nil
		}
		return Frame{Kind: FrameInit, Caller: NormalizeE164(number)}, nil
	default:
		return Frame{Kind: FrameUnknown}, nil
	}
}

// EncodeMedia builds the outbound media frame for audio.
func EncodeMedia(audio []byte) ([]byte, error) {
	return json.Marshal(struct {
		Event string    `json:"event"`
		Media wireMedia `json:"media"`
	}{
		Event: "media",
		Media: wireMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}

// NormalizeE164 reduces a phone number to +<country><digits>. Ten-digit
// numbers are assumed to be North American.
func NormalizeE164(number string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, number)
	if digits == "" {
		return ""
	}
	if len(digits) == 10 {
		digits = "1" + digits
	}
	return "+" + digits
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
