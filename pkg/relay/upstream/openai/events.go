package openai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire event types of interest on the realtime API.
const (
	typeSessionCreated         = "session.created"
	typeSessionUpdated         = "session.updated"
	typeAudioDelta             = "response.audio.delta"
	typeInputTranscriptDone    = "conversation.item.input_audio_transcription.completed"
	typeOutputTranscriptDone   = "response.audio_transcript.done"
	typeFunctionCallArgsDone   = "response.function_call_arguments.done"
	typeError                  = "error"
	typeSessionUpdate          = "session.update"
	typeInputAudioAppend       = "input_audio_buffer.append"
	typeConversationItemCreate = "conversation.item.create"
	typeResponseCreate         = "response.create"
	itemTypeFunctionCallOutput = "function_call_output"
	turnDetectionTypeServerVAD = "server_vad"
)

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string           `json:"modalities"`
	Instructions            string             `json:"instructions"`
	Voice                   string             `json:"voice,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionConf `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionConf `json:"turn_detection,omitempty"`
	Tools                   []toolDecl         `json:"tools,omitempty"`
}

type transcriptionConf struct {
	Model string `json:"model"`
}

type turnDetectionConf struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type toolDecl struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type conversationItemCreate struct {
	Type string           `json:"type"`
	Item functionCallItem `json:"item"`
}

type functionCallItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type responseCreate struct {
	Type string `json:"type"`
}

// serverEvent is the superset of inbound realtime events the relay reads.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Session    *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func decodeServerEvent(data []byte) (serverEvent, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return serverEvent{}, fmt.Errorf("openai: decode event: %w", err)
	}
	if strings.TrimSpace(ev.Type) == "" {
		return serverEvent{}, fmt.Errorf("openai: event missing type")
	}
	return ev, nil
}
