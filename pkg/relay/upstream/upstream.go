// Package upstream defines the capability contract between a relay session
// and a realtime AI backend. One session owns exactly one Conn at a time;
// connectors differ by vendor and by what the conversation is for, the
// session's forwarding logic does not.
package upstream

import (
	"context"
	"errors"
)

// Variant names what kind of upstream session a connector establishes.
type Variant string

const (
	// VariantTranscriptionOnly streams caller audio up for transcription and
	// produces no assistant audio or tools.
	VariantTranscriptionOnly Variant = "transcription_only"
	// VariantConversationalAI holds a spoken conversation with tool access.
	VariantConversationalAI Variant = "conversational_ai"
	// VariantAgentBridge relays to an external live agent backend.
	VariantAgentBridge Variant = "agent_bridge"
)

// Connect failures the session distinguishes for teardown and fallback
// behavior.
var (
	ErrConnectTimeout = errors.New("upstream: connect timeout")
	ErrAuth           = errors.New("upstream: authentication failed")
)

// AudioFormatG711ULaw is the narrow-band telephony codec. Both directions use
// it so no transcoding happens on the hot path.
const AudioFormatG711ULaw = "g711_ulaw"

// ToolDecl declares one function the backend may call mid-conversation.
type ToolDecl struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object; nil means no arguments.
	Parameters map[string]any
}

// TurnDetection configures server-side voice-activity turn taking.
type TurnDetection struct {
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// SessionParams is the configuration sent before any audio flows.
type SessionParams struct {
	Instructions       string
	Voice              string
	Language           string
	InputAudioFormat   string
	OutputAudioFormat  string
	TranscriptionModel string
	TurnDetection      TurnDetection
	Tools              []ToolDecl
}

// EventType enumerates what a Conn can report.
type EventType int

const (
	// EventAudioDelta carries one base64 audio chunk for the caller.
	EventAudioDelta EventType = iota
	// EventCallerTranscript is a completed transcription of caller speech.
	EventCallerTranscript
	// EventAssistantTranscript is a completed assistant utterance text.
	EventAssistantTranscript
	// EventToolCall asks the relay to run a named lookup and reply.
	EventToolCall
	// EventError reports a backend error; the session decides severity.
	EventError
	// EventClosed is terminal: the upstream connection is gone.
	EventClosed
)

// ToolCall is a correlated function-call request from the backend.
type ToolCall struct {
	ID   string
	Name string
	// ArgsJSON is the raw argument object; may be "{}" or empty.
	ArgsJSON string
}

// Event is one typed occurrence on the upstream connection.
type Event struct {
	Type     EventType
	AudioB64 string
	Text     string
	Tool     ToolCall
	Err      error
}

// Conn is a configured, live upstream session. Events is closed after
// EventClosed is delivered. All methods are safe for use from the single
// session loop goroutine.
type Conn interface {
	// Events yields backend events in arrival order.
	Events() <-chan Event
	// AppendAudio forwards one base64 caller audio chunk.
	AppendAudio(audioB64 string) error
	// SendToolResult returns a tool result for the given call id and signals
	// the backend to continue generating.
	SendToolResult(callID, resultJSON string) error
	// SessionID is the backend-assigned identifier, for cross-referencing in
	// the call record. May be empty for backends that do not expose one.
	SessionID() string
	Close() error
}

// Connector establishes exactly one configured Conn per call. Connect must
// not return before the backend has acknowledged the session configuration,
// and must honor ctx for its overall deadline, mapping expiry to
// ErrConnectTimeout.
type Connector interface {
	Variant() Variant
	Connect(ctx context.Context, params SessionParams) (Conn, error)
}
