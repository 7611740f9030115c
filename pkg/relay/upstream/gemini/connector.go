// Package gemini bridges a relay session to the Gemini Live API, the
// agent-bridge upstream variant. Telephony mulaw is adapted to the linear PCM
// the backend requires at the connector boundary.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carebridge/callrelay/pkg/relay/upstream"
)

const (
	DefaultLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultModel   = "models/gemini-2.0-flash-live-001"

	inputMimeType = "audio/pcm;rate=16000"
)

type Connector struct {
	URL     string
	APIKey  string
	Model   string
	Logger  *slog.Logger
	Dialer  *websocket.Dialer
	Timeout time.Duration
}

func (c *Connector) Variant() upstream.Variant { return upstream.VariantAgentBridge }

func (c *Connector) Connect(ctx context.Context, params upstream.SessionParams) (upstream.Conn, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, upstream.ErrAuth
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	url := c.URL
	if url == "" {
		url = DefaultLiveURL
	}
	url += "?key=" + c.APIKey

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, fmt.Errorf("%w: status %d", upstream.ErrAuth, resp.StatusCode)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", upstream.ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	model := c.Model
	if model == "" {
		model = DefaultModel
	}
	msg := clientMessage{Setup: c.buildSetup(model, params)}
	data, err := json.Marshal(msg)
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("gemini: marshal setup: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetWriteDeadline(deadline)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("gemini: send setup: %w", err)
	}
	_ = ws.SetWriteDeadline(time.Time{})

	sessionID, err := awaitSetupComplete(ctx, ws)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	conn := &conn{
		ws:        ws,
		logger:    c.Logger,
		sessionID: sessionID,
		events:    make(chan upstream.Event, 64),
		toolNames: make(map[string]string),
	}
	go conn.readPump()
	return conn, nil
}

func (c *Connector) buildSetup(model string, p upstream.SessionParams) *setup {
	s := &setup{
		Model: model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		RealtimeInputConfig: &realtimeInputCfg{
			AutomaticActivityDetection: &activityDetection{
				PrefixPaddingMs:   int32(p.TurnDetection.PrefixPaddingMs),
				SilenceDurationMs: int32(p.TurnDetection.SilenceDurationMs),
			},
		},
		InputAudioTranscription:  &struct{}{},
		OutputAudioTranscription: &struct{}{},
	}
	if p.Instructions != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: p.Instructions}}}
	}
	if p.Voice != "" {
		s.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: &voiceConfig{PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: p.Voice}},
		}
	}
	if len(p.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(p.Tools))
		for _, t := range p.Tools {
			decls = append(decls, functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		s.Tools = []tool{{FunctionDeclarations: decls}}
	}
	return s
}

func awaitSetupComplete(ctx context.Context, ws *websocket.Conn) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
				return "", fmt.Errorf("%w: awaiting setupComplete", upstream.ErrConnectTimeout)
			}
			return "", fmt.Errorf("gemini: read during setup: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.SetupComplete != nil {
			return msg.SetupComplete.SessionID, nil
		}
	}
}

type conn struct {
	ws        *websocket.Conn
	logger    *slog.Logger
	sessionID string
	events    chan upstream.Event

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	// toolNames remembers call id -> function name, required by the tool
	// response message shape.
	toolMu    sync.Mutex
	toolNames map[string]string
}

func (c *conn) Events() <-chan upstream.Event { return c.events }

func (c *conn) SessionID() string { return c.sessionID }

func (c *conn) AppendAudio(audioB64 string) error {
	mulaw, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return fmt.Errorf("gemini: decode caller audio: %w", err)
	}
	pcm := muLaw8kToPCM16k(mulaw)
	return c.writeJSON(clientMessage{RealtimeInput: &realtimeInput{
		Audio: &blob{MimeType: inputMimeType, Data: base64.StdEncoding.EncodeToString(pcm)},
	}})
}

func (c *conn) SendToolResult(callID, resultJSON string) error {
	c.toolMu.Lock()
	name := c.toolNames[callID]
	delete(c.toolNames, callID)
	c.toolMu.Unlock()

	response := map[string]any{}
	if err := json.Unmarshal([]byte(resultJSON), &response); err != nil {
		response = map[string]any{"result": resultJSON}
	}
	return c.writeJSON(clientMessage{ToolResponse: &toolResponse{
		FunctionResponses: []functionResponse{{Name: name, ID: callID, Response: response}},
	}})
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) readPump() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.events <- upstream.Event{Type: upstream.EventError, Err: err}
			}
			c.events <- upstream.Event{Type: upstream.EventClosed}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if c.logger != nil {
				c.logger.Debug("dropped undecodable upstream frame", "bytes", len(data))
			}
			continue
		}

		if msg.ToolCall != nil {
			for _, call := range msg.ToolCall.FunctionCalls {
				c.toolMu.Lock()
				c.toolNames[call.ID] = call.Name
				c.toolMu.Unlock()

				args := "{}"
				if len(call.Args) > 0 {
					if raw, err := json.Marshal(call.Args); err == nil {
						args = string(raw)
					}
				}
				c.events <- upstream.Event{Type: upstream.EventToolCall, Tool: upstream.ToolCall{
					ID:       call.ID,
					Name:     call.Name,
					ArgsJSON: args,
				}}
			}
		}

		sc := msg.ServerContent
		if sc == nil {
			continue
		}
		if sc.ModelTurn != nil {
			for _, pt := range sc.ModelTurn.Parts {
				if pt.InlineData == nil || pt.InlineData.Data == "" {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(pt.InlineData.Data)
				if err != nil {
					continue
				}
				mulaw := pcm24kToMuLaw8k(pcm)
				c.events <- upstream.Event{
					Type:     upstream.EventAudioDelta,
					AudioB64: base64.StdEncoding.EncodeToString(mulaw),
				}
			}
		}
		if tr := sc.InputTranscription; tr != nil && tr.Finished && strings.TrimSpace(tr.Text) != "" {
			c.events <- upstream.Event{Type: upstream.EventCallerTranscript, Text: tr.Text}
		}
		if tr := sc.OutputTranscription; tr != nil && tr.Finished && strings.TrimSpace(tr.Text) != "" {
			c.events <- upstream.Event{Type: upstream.EventAssistantTranscript, Text: tr.Text}
		}
	}
}
