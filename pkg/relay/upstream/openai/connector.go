// Package openai speaks the OpenAI Realtime websocket protocol. One Connector
// serves two relay variants: the full conversational session and the
// transcription-only session, which differ solely in the configuration sent.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carebridge/callrelay/pkg/relay/upstream"
)

const DefaultRealtimeURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"

// Connector dials the realtime API and returns configured connections.
type Connector struct {
	URL     string
	APIKey  string
	Logger  *slog.Logger
	Mode    upstream.Variant
	Dialer  *websocket.Dialer
	Timeout time.Duration
}

func (c *Connector) Variant() upstream.Variant {
	if c.Mode == "" {
		return upstream.VariantConversationalAI
	}
	return c.Mode
}

// Connect dials, sends session.update as the first outbound message, and
// waits for session.updated before returning. No audio can reach the backend
// before it has acknowledged the configuration.
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
		url = DefaultRealtimeURL
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", upstream.ErrAuth, resp.StatusCode)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", upstream.ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	update := c.buildSessionUpdate(params)
	if err := writeJSONDeadline(ws, ctx, update); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("openai: send session.update: %w", err)
	}

	sessionID, err := awaitConfigured(ctx, ws)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	conn := &conn{
		ws:        ws,
		logger:    c.Logger,
		sessionID: sessionID,
		events:    make(chan upstream.Event, 64),
	}
	go conn.readPump()
	return conn, nil
}

func (c *Connector) buildSessionUpdate(p upstream.SessionParams) sessionUpdate {
	cfg := sessionConfig{
		Instructions:     p.Instructions,
		InputAudioFormat: p.InputAudioFormat,
		TurnDetection: &turnDetectionConf{
			Type:              turnDetectionTypeServerVAD,
			Threshold:         p.TurnDetection.Threshold,
			PrefixPaddingMs:   p.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: p.TurnDetection.SilenceDurationMs,
		},
	}
	if p.TranscriptionModel != "" {
		cfg.InputAudioTranscription = &transcriptionConf{Model: p.TranscriptionModel}
	}

	if c.Variant() == upstream.VariantTranscriptionOnly {
		cfg.Modalities = []string{"text"}
	} else {
		cfg.Modalities = []string{"text", "audio"}
		cfg.Voice = p.Voice
		cfg.OutputAudioFormat = p.OutputAudioFormat
		for _, tool := range p.Tools {
			cfg.Tools = append(cfg.Tools, toolDecl{
				Type:        "function",
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
	}
	return sessionUpdate{Type: typeSessionUpdate, Session: cfg}
}

func writeJSONDeadline(ws *websocket.Conn, ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetWriteDeadline(deadline)
	}
	defer func() { _ = ws.SetWriteDeadline(time.Time{}) }()
	return ws.WriteMessage(websocket.TextMessage, data)
}

// awaitConfigured reads until session.updated. session.created is expected
// first and skipped; an error event fails the connect.
func awaitConfigured(ctx context.Context, ws *websocket.Conn) (sessionID string, err error) {
	deadline, ok := ctx.Deadline()
	if ok {
		_ = ws.SetReadDeadline(deadline)
	}
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
				return "", fmt.Errorf("%w: awaiting session.updated", upstream.ErrConnectTimeout)
			}
			return "", fmt.Errorf("openai: read during configure: %w", err)
		}
		ev, err := decodeServerEvent(data)
		if err != nil {
			continue
		}
		switch ev.Type {
		case typeSessionCreated:
			if ev.Session != nil {
				sessionID = ev.Session.ID
			}
		case typeSessionUpdated:
			if sessionID == "" && ev.Session != nil {
				sessionID = ev.Session.ID
			}
			return sessionID, nil
		case typeError:
			msg := "unknown error"
			if ev.Error != nil {
				msg = ev.Error.Message
				if strings.Contains(strings.ToLower(ev.Error.Code), "auth") ||
					strings.Contains(strings.ToLower(ev.Error.Type), "auth") {
					return "", fmt.Errorf("%w: %s", upstream.ErrAuth, msg)
				}
			}
			return "", fmt.Errorf("openai: configure rejected: %s", msg)
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
}

func (c *conn) Events() <-chan upstream.Event { return c.events }

func (c *conn) SessionID() string { return c.sessionID }

func (c *conn) AppendAudio(audioB64 string) error {
	return c.writeJSON(audioAppend{Type: typeInputAudioAppend, Audio: audioB64})
}

func (c *conn) SendToolResult(callID, resultJSON string) error {
	if err := c.writeJSON(conversationItemCreate{
		Type: typeConversationItemCreate,
		Item: functionCallItem{
			Type:   itemTypeFunctionCallOutput,
			CallID: callID,
			Output: resultJSON,
		},
	}); err != nil {
		return err
	}
	// The backend waits for an explicit nudge before speaking again.
	return c.writeJSON(responseCreate{Type: typeResponseCreate})
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
		return fmt.Errorf("openai: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readPump translates wire events into typed upstream events, in arrival
// order, until the socket dies. It owns the events channel.
func (c *conn) readPump() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.events <- upstream.Event{Type: upstream.EventError, Err: err}
			}
			c.events <- upstream.Event{Type: upstream.EventClosed}
			return
		}

		ev, err := decodeServerEvent(data)
		if err != nil {
			if c.logger != nil {
				c.logger.Debug("dropped undecodable upstream frame", "bytes", len(data))
			}
			continue
		}

		switch ev.Type {
		case typeAudioDelta:
			if ev.Delta != "" {
				c.events <- upstream.Event{Type: upstream.EventAudioDelta, AudioB64: ev.Delta}
			}
		case typeInputTranscriptDone:
			if strings.TrimSpace(ev.Transcript) != "" {
				c.events <- upstream.Event{Type: upstream.EventCallerTranscript, Text: ev.Transcript}
			}
		case typeOutputTranscriptDone:
			if strings.TrimSpace(ev.Transcript) != "" {
				c.events <- upstream.Event{Type: upstream.EventAssistantTranscript, Text: ev.Transcript}
			}
		case typeFunctionCallArgsDone:
			c.events <- upstream.Event{Type: upstream.EventToolCall, Tool: upstream.ToolCall{
				ID:       ev.CallID,
				Name:     ev.Name,
				ArgsJSON: ev.Arguments,
			}}
		case typeError:
			msg := "upstream error"
			if ev.Error != nil && ev.Error.Message != "" {
				msg = ev.Error.Message
			}
			c.events <- upstream.Event{Type: upstream.EventError, Err: errors.New(msg)}
		}
	}
}
