// Package telephony encodes and decodes the media-stream wire frames spoken
// by the telephony peer. It carries no session logic: malformed input yields
// an error the session drops and logs by size, never by content.
package telephony

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame event names on the telephony wire.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Custom start parameters supplied by the answer webhook.
const (
	ParamPatientToken = "patientToken"
	ParamPatientPhone = "patientPhone"
	ParamLanguage     = "language"
)

type frame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Stop      *stopPayload  `json:"stop,omitempty"`
	DTMF      *dtmfPayload  `json:"dtmf,omitempty"`
	Mark      *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type stopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfPayload struct {
	Digit string `json:"digit"`
}

type markPayload struct {
	Name string `json:"name"`
}

// Message is one decoded inbound telephony frame. Exactly the fields for the
// event kind are populated.
type Message struct {
	Event string

	// start
	StreamSID    string
	CallSID      string
	CustomParams map[string]string

	// media: base64 mulaw audio, forwarded verbatim.
	AudioB64 string

	// dtmf
	Digit string

	// mark
	MarkName string
}

// Decode parses one inbound frame. Unknown event names decode into a Message
// with just the Event set so the session can ignore them deliberately.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, fmt.Errorf("telephony: decode frame: %w", err)
	}
	if strings.TrimSpace(f.Event) == "" {
		return Message{}, fmt.Errorf("telephony: frame missing event")
	}

	msg := Message{Event: f.Event, StreamSID: f.StreamSID}
	switch f.Event {
	case EventStart:
		if f.Start == nil {
			return Message{}, fmt.Errorf("telephony: start frame missing payload")
		}
		msg.StreamSID = f.Start.StreamSID
		msg.CallSID = f.Start.CallSID
		msg.CustomParams = f.Start.CustomParams
		if msg.StreamSID == "" {
			return Message{}, fmt.Errorf("telephony: start frame missing streamSid")
		}
	case EventMedia:
		if f.Media == nil || f.Media.Payload == "" {
			return Message{}, fmt.Errorf("telephony: media frame missing payload")
		}
		msg.AudioB64 = f.Media.Payload
	case EventDTMF:
		if f.DTMF != nil {
			msg.Digit = f.DTMF.Digit
		}
	case EventMark:
		if f.Mark != nil {
			msg.MarkName = f.Mark.Name
		}
	}
	return msg, nil
}

// EncodeMedia wraps one base64 audio chunk in a media frame tagged with the
// session's stream SID.
func EncodeMedia(streamSID, audioB64 string) ([]byte, error) {
	if streamSID == "" {
		return nil, fmt.Errorf("telephony: encode media without streamSid")
	}
	return json.Marshal(frame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &mediaPayload{Payload: audioB64},
	})
}

// EncodeMark emits a named synchronization mark.
func EncodeMark(streamSID, name string) ([]byte, error) {
	if streamSID == "" {
		return nil, fmt.Errorf("telephony: encode mark without streamSid")
	}
	return json.Marshal(frame{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &markPayload{Name: name},
	})
}

// EncodeClear tells the telephony peer to drop any buffered outbound audio.
func EncodeClear(streamSID string) ([]byte, error) {
	if streamSID == "" {
		return nil, fmt.Errorf("telephony: encode clear without streamSid")
	}
	return json.Marshal(frame{Event: EventClear, StreamSID: streamSID})
}
