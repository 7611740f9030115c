package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carebridge/callrelay/pkg/relay/upstream"
)

// stubRealtime is an httptest websocket server playing the backend's side of
// the configure handshake.
type stubRealtime struct {
	t *testing.T

	// script run after session.update arrives.
	onConfigure func(ws *websocket.Conn, update sessionUpdate)

	server  *httptest.Server
	updates chan sessionUpdate
}

func newStubRealtime(t *testing.T, onConfigure func(ws *websocket.Conn, update sessionUpdate)) *stubRealtime {
	t.Helper()
	s := &stubRealtime{t: t, onConfigure: onConfigure, updates: make(chan sessionUpdate, 1)}

	upgrader := websocket.Upgrader{}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var update sessionUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			t.Errorf("stub: bad session.update: %v", err)
			return
		}
		s.updates <- update
		if s.onConfigure != nil {
			s.onConfigure(ws, update)
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *stubRealtime) wsURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func ack(ws *websocket.Conn) {
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created","session":{"id":"sess_abc"}}`))
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated"}`))
}

func testParams() upstream.SessionParams {
	return upstream.SessionParams{
		Instructions:       "You are a clinical assistant.",
		Voice:              "alloy",
		InputAudioFormat:   upstream.AudioFormatG711ULaw,
		OutputAudioFormat:  upstream.AudioFormatG711ULaw,
		TranscriptionModel: "whisper-1",
		TurnDetection:      upstream.TurnDetection{Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500},
		Tools:              []upstream.ToolDecl{{Name: "get_medications", Description: "Current medications"}},
	}
}

func TestConnect_SendsConfigBeforeReturning(t *testing.T) {
	done := make(chan struct{})
	stub := newStubRealtime(t, func(ws *websocket.Conn, update sessionUpdate) {
		ack(ws)
		<-done
	})
	defer close(done)

	c := &Connector{URL: stub.wsURL(), APIKey: "sk-test", Timeout: 2 * time.Second}
	conn, err := c.Connect(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer conn.Close()

	update := <-stub.updates
	if update.Type != "session.update" {
		t.Fatalf("first outbound message = %q, want session.update", update.Type)
	}
	if update.Session.InputAudioFormat != "g711_ulaw" || update.Session.OutputAudioFormat != "g711_ulaw" {
		t.Fatalf("audio formats = %q/%q", update.Session.InputAudioFormat, update.Session.OutputAudioFormat)
	}
	if update.Session.TurnDetection == nil || update.Session.TurnDetection.Type != "server_vad" {
		t.Fatalf("turn detection = %+v", update.Session.TurnDetection)
	}
	if update.Session.TurnDetection.SilenceDurationMs != 500 {
		t.Fatalf("silence duration = %d", update.Session.TurnDetection.SilenceDurationMs)
	}
	if len(update.Session.Tools) != 1 || update.Session.Tools[0].Name != "get_medications" {
		t.Fatalf("tools = %+v", update.Session.Tools)
	}
	if !strings.Contains(update.Session.Instructions, "clinical assistant") {
		t.Fatalf("instructions = %q", update.Session.Instructions)
	}
	if conn.SessionID() != "sess_abc" {
		t.Fatalf("SessionID() = %q", conn.SessionID())
	}
}

func TestConnect_TranscriptionOnlyOmitsVoiceAndTools(t *testing.T) {
	done := make(chan struct{})
	stub := newStubRealtime(t, func(ws *websocket.Conn, update sessionUpdate) {
		ack(ws)
		<-done
	})
	defer close(done)

	c := &Connector{URL: stub.wsURL(), APIKey: "sk-test", Mode: upstream.VariantTranscriptionOnly, Timeout: 2 * time.Second}
	conn, err := c.Connect(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer conn.Close()

	update := <-stub.updates
	if update.Session.Voice != "" {
		t.Fatalf("voice = %q, want empty", update.Session.Voice)
	}
	if len(update.Session.Tools) != 0 {
		t.Fatalf("tools = %+v, want none", update.Session.Tools)
	}
	if len(update.Session.Modalities) != 1 || update.Session.Modalities[0] != "text" {
		t.Fatalf("modalities = %v", update.Session.Modalities)
	}
	if update.Session.InputAudioTranscription == nil {
		t.Fatal("input transcription missing")
	}
}

func TestConnect_TimeoutWhenBackendSilent(t *testing.T) {
	stub := newStubRealtime(t, func(ws *websocket.Conn, update sessionUpdate) {
		// Never acknowledge.
		time.Sleep(500 * time.Millisecond)
	})

	c := &Connector{URL: stub.wsURL(), APIKey: "sk-test", Timeout: 100 * time.Millisecond}
	_, err := c.Connect(context.Background(), testParams())
	if !errors.Is(err, upstream.ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}
}

func TestConnect_MissingKeyIsAuthError(t *testing.T) {
	c := &Connector{URL: "ws://127.0.0.1:1", APIKey: " "}
	_, err := c.Connect(context.Background(), testParams())
	if !errors.Is(err, upstream.ErrAuth) {
		t.Fatalf("Connect() error = %v, want ErrAuth", err)
	}
}

func TestConn_EventTranslationInOrder(t *testing.T) {
	stub := newStubRealtime(t, func(ws *websocket.Conn, update sessionUpdate) {
		ack(ws)
		frames := []string{
			`{"type":"response.audio.delta","delta":"QUJD"}`,
			`{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello there"}`,
			`{"type":"response.audio_transcript.done","transcript":"Hi, how can I help?"}`,
			`{"type":"response.function_call_arguments.done","call_id":"call_1","name":"get_medications","arguments":"{}"}`,
			`{"type":"rate_limits.updated"}`,
		}
		for _, f := range frames {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(f))
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})

	c := &Connector{URL: stub.wsURL(), APIKey: "sk-test", Timeout: 2 * time.Second}
	conn, err := c.Connect(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer conn.Close()

	var got []upstream.Event
	for ev := range conn.Events() {
		got = append(got, ev)
	}

	want := []upstream.EventType{
		upstream.EventAudioDelta,
		upstream.EventCallerTranscript,
		upstream.EventAssistantTranscript,
		upstream.EventToolCall,
		upstream.EventClosed,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %+v, want %d", got, len(want))
	}
	for i, w := range want {
		if got[i].Type != w {
			t.Fatalf("event[%d].Type = %v, want %v", i, got[i].Type, w)
		}
	}
	if got[0].AudioB64 != "QUJD" {
		t.Fatalf("audio delta = %q", got[0].AudioB64)
	}
	if got[3].Tool.ID != "call_1" || got[3].Tool.Name != "get_medications" {
		t.Fatalf("tool call = %+v", got[3].Tool)
	}
}

func TestConn_SendToolResultIncludesContinueSignal(t *testing.T) {
	received := make(chan string, 4)
	stub := newStubRealtime(t, func(ws *websocket.Conn, update sessionUpdate) {
		ack(ws)
		for i := 0; i < 2; i++ {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	})

	c := &Connector{URL: stub.wsURL(), APIKey: "sk-test", Timeout: 2 * time.Second}
	conn, err := c.Connect(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer conn.Close()

	if err := conn.SendToolResult("call_9", `{"medications":[]}`); err != nil {
		t.Fatalf("SendToolResult() error: %v", err)
	}

	first := <-received
	if !strings.Contains(first, `"conversation.item.create"`) || !strings.Contains(first, `"call_9"`) {
		t.Fatalf("first message = %s", first)
	}
	second := <-received
	if !strings.Contains(second, `"response.create"`) {
		t.Fatalf("second message = %s", second)
	}
}
