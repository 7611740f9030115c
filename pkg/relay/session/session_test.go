package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carebridge/callrelay/pkg/clinical"
	"github.com/carebridge/callrelay/pkg/relay/tools"
	"github.com/carebridge/callrelay/pkg/relay/upstream"
)

type recordingStore struct {
	mu        sync.Mutex
	byPhone   map[string]*clinical.Patient
	byID      map[string]*clinical.Patient
	insertErr error
	inserts   []*clinical.CallRecord
}

func (s *recordingStore) PatientByPhone(_ context.Context, phone string) (*clinical.Patient, error) {
	if p, ok := s.byPhone[phone]; ok {
		return p, nil
	}
	return nil, clinical.ErrNotFound
}

func (s *recordingStore) PatientByID(_ context.Context, id string) (*clinical.Patient, error) {
	if p, ok := s.byID[id]; ok {
		return p, nil
	}
	return nil, clinical.ErrNotFound
}

func (s *recordingStore) Medications(_ context.Context, id string) ([]clinical.Medication, error) {
	return []clinical.Medication{{Name: "Metformin", Dosage: "500mg", Frequency: "twice daily"}}, nil
}

func (s *recordingStore) LabResults(context.Context, string) ([]clinical.LabResult, error) {
	return nil, nil
}

func (s *recordingStore) Diagnoses(context.Context, string) ([]clinical.Diagnosis, error) {
	return nil, nil
}

func (s *recordingStore) ClinicalNotes(context.Context, string) ([]clinical.ClinicalNote, error) {
	return nil, nil
}

func (s *recordingStore) InsertCallRecord(_ context.Context, rec *clinical.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserts = append(s.inserts, rec)
	return nil
}

func (s *recordingStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserts)
}

func (s *recordingStore) lastInsert() *clinical.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inserts) == 0 {
		return nil
	}
	return s.inserts[len(s.inserts)-1]
}

type fakeTelephony struct {
	in        chan []byte
	closeOnce sync.Once
	mu        sync.Mutex
	writes    []string
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{in: make(chan []byte, 64)}
}

func (f *fakeTelephony) ReadMessage() (int, []byte, error) {
	data, ok := <-f.in
	if !ok {
		return 0, nil, errors.New("telephony socket closed")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeTelephony) SetReadDeadline(time.Time) error { return nil }

func (f *fakeTelephony) SetReadLimit(int64) {}

func (f *fakeTelephony) SetPongHandler(func(string) error) {}

func (f *fakeTelephony) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTelephony) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(data))
	return nil
}

func (f *fakeTelephony) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeTelephony) Close() error {
	f.closeOnce.Do(func() { close(f.in) })
	return nil
}

func (f *fakeTelephony) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

type fakeUpstreamConn struct {
	events    chan upstream.Event
	closeOnce sync.Once
	mu        sync.Mutex
	audio     []string
	results   map[string]string
}

func newFakeUpstreamConn() *fakeUpstreamConn {
	return &fakeUpstreamConn{
		events:  make(chan upstream.Event, 16),
		results: make(map[string]string),
	}
}

func (c *fakeUpstreamConn) Events() <-chan upstream.Event { return c.events }

func (c *fakeUpstreamConn) AppendAudio(audioB64 string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, audioB64)
	return nil
}

func (c *fakeUpstreamConn) SendToolResult(callID, resultJSON string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[callID] = resultJSON
	return nil
}

func (c *fakeUpstreamConn) SessionID() string { return "sess_test" }

func (c *fakeUpstreamConn) Close() error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeUpstreamConn) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func (c *fakeUpstreamConn) toolResult(callID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[callID]
	return res, ok
}

type fakeConnector struct {
	conn *fakeUpstreamConn
	err  error

	mu       sync.Mutex
	connects int
	params   upstream.SessionParams
}

func (f *fakeConnector) Variant() upstream.Variant { return upstream.VariantConversationalAI }

func (f *fakeConnector) Connect(_ context.Context, params upstream.SessionParams) (upstream.Conn, error) {
	f.mu.Lock()
	f.connects++
	f.params = params
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

func (f *fakeConnector) lastParams() upstream.SessionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

func (f *fakeConnector) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func startFrame(streamSID, callSID string, params map[string]string) []byte {
	data, _ := json.Marshal(map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid":        streamSID,
			"callSid":          callSID,
			"customParameters": params,
		},
	})
	return data
}

func mediaFrame(payload string) []byte {
	data, _ := json.Marshal(map[string]any{
		"event": "media",
		"media": map[string]any{"payload": payload},
	})
	return data
}

func stopFrame() []byte {
	return []byte(`{"event":"stop","stop":{"callSid":"CA1"}}`)
}

func newTestRelay(t *testing.T, deps Dependencies) *Relay {
	t.Helper()
	r, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return r
}

func runRelay(r *Relay, ctx context.Context) chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	return done
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRelay_ForwardsBothDirections(t *testing.T) {
	store := &recordingStore{byPhone: map[string]*clinical.Patient{
		"+15550001": {ID: "pat_1", FirstName: "Maria", LastName: "Santos", Phone: "+15550001"},
	}}
	conn := newFakeUpstreamConn()
	connector := &fakeConnector{conn: conn}
	ws := newFakeTelephony()

	r := newTestRelay(t, Dependencies{
		Conn:      ws,
		Connector: connector,
		Resolver:  &clinical.Resolver{Store: store},
		Store:     store,
	})
	done := runRelay(r, context.Background())

	ws.in <- startFrame("MZ123", "CA1", map[string]string{"patientPhone": "+15550001"})
	ws.in <- mediaFrame("Y2FsbGVy")

	eventually(t, func() bool { return conn.audioCount() == 1 }, "caller audio never reached upstream")

	conn.events <- upstream.Event{Type: upstream.EventAudioDelta, AudioB64: "YXNzaXN0YW50"}
	eventually(t, func() bool {
		for _, w := range ws.snapshot() {
			if strings.Contains(w, `"streamSid":"MZ123"`) && strings.Contains(w, "YXNzaXN0YW50") {
				return true
			}
		}
		return false
	}, "assistant audio never reached the caller with the stream sid")

	ws.in <- stopFrame()
	waitDone(t, done)

	if r.State() != StateClosed {
		t.Fatalf("state = %v, want closed", r.State())
	}
	rec := store.lastInsert()
	if rec == nil {
		t.Fatal("no call record written")
	}
	if rec.Status != clinical.CallStatusCompleted {
		t.Fatalf("status = %q, want completed", rec.Status)
	}
	if rec.CallSID != "CA1" || rec.StreamSID != "MZ123" || rec.PatientID != "pat_1" {
		t.Fatalf("record identity = %+v", rec)
	}

	params := connector.lastParams()
	if !strings.Contains(params.Instructions, "Maria Santos") {
		t.Fatalf("instructions missing patient context:\n%s", params.Instructions)
	}
	if len(params.Tools) != len(tools.Declarations()) {
		t.Fatalf("tools = %d, want %d", len(params.Tools), len(tools.Declarations()))
	}
	if params.InputAudioFormat != upstream.AudioFormatG711ULaw {
		t.Fatalf("input format = %q", params.InputAudioFormat)
	}
}

func TestRelay_ConnectTimeoutPlaysFallback(t *testing.T) {
	store := &recordingStore{}
	connector := &fakeConnector{err: fmt.Errorf("%w: no ack", upstream.ErrConnectTimeout)}
	ws := newFakeTelephony()

	r := newTestRelay(t, Dependencies{
		Conn:      ws,
		Connector: connector,
		Store:     store,
		Config:    Config{FallbackAudioB64: "c29ycnk="},
	})
	done := runRelay(r, context.Background())

	ws.in <- startFrame("MZ9", "CA9", nil)
	waitDone(t, done)

	rec := store.lastInsert()
	if rec == nil {
		t.Fatal("no call record written")
	}
	if rec.Status != clinical.CallStatusUpstreamFailed {
		t.Fatalf("status = %q, want upstream_failed", rec.Status)
	}
	if !strings.Contains(rec.StatusDetail, "upstream connect timeout") {
		t.Fatalf("detail = %q", rec.StatusDetail)
	}

	writes := ws.snapshot()
	var sawFallback, sawMark bool
	for _, w := range writes {
		if strings.Contains(w, "c29ycnk=") {
			sawFallback = true
		}
		if strings.Contains(w, `"name":"closing"`) {
			sawMark = true
		}
	}
	if !sawFallback || !sawMark {
		t.Fatalf("fallback announcement missing, writes = %v", writes)
	}
}

func TestRelay_ConnectFailureSendsClosingMarkWithoutFallbackAudio(t *testing.T) {
	store := &recordingStore{}
	connector := &fakeConnector{err: fmt.Errorf("%w: no ack", upstream.ErrConnectTimeout)}
	ws := newFakeTelephony()

	// No FallbackAudioB64 configured; the caller must still get the closing
	// notice, never a bare hang-up.
	r := newTestRelay(t, Dependencies{
		Conn:      ws,
		Connector: connector,
		Store:     store,
	})
	done := runRelay(r, context.Background())

	ws.in <- startFrame("MZ8", "CA8", nil)
	waitDone(t, done)

	var sawMark bool
	for _, w := range ws.snapshot() {
		if strings.Contains(w, `"event":"media"`) {
			t.Fatalf("unexpected media frame with no fallback audio: %q", w)
		}
		if strings.Contains(w, `"name":"closing"`) {
			sawMark = true
		}
	}
	if !sawMark {
		t.Fatalf("no closing mark sent; writes = %v", ws.snapshot())
	}

	rec := store.lastInsert()
	if rec == nil || rec.Status != clinical.CallStatusUpstreamFailed {
		t.Fatalf("record = %+v, want upstream_failed", rec)
	}
}

func TestRelay_PersistsExactlyOnceOnSimultaneousClose(t *testing.T) {
	store := &recordingStore{}
	conn := newFakeUpstreamConn()
	ws := newFakeTelephony()

	r := newTestRelay(t, Dependencies{
		Conn:      ws,
		Connector: &fakeConnector{conn: conn},
		Store:     store,
	})
	done := runRelay(r, context.Background())

	ws.in <- startFrame("MZ1", "CA1", nil)
	eventually(t, func() bool { return r.State() == StateActive }, "session never became active")

	// Both peers drop at once; only one close wins.
	ws.in <- stopFrame()
	conn.events <- upstream.Event{Type: upstream.EventClosed}
	waitDone(t, done)

	if got := store.insertCount(); got != 1 {
		t.Fatalf("insert count = %d, want 1", got)
	}
	if got := r.recorder.PersistAttempts(); got != 1 {
		t.Fatalf("persist attempts = %d, want 1", got)
	}
}

func TestRelay_MediaBeforeStartIsDropped(t *testing.T) {
	store := &recordingStore{}
	conn := newFakeUpstreamConn()
	ws := newFakeTelephony()

	r := newTestRelay(t, Dependencies{
		Conn:      ws,
		Connector: &fakeConnector{conn: conn},
		Store:     store,
	})
	done := runRelay(r, context.Background())

	ws.in <- mediaFrame("dG9vIGVhcmx5")
	ws.in <- startFrame("MZ1", "CA1", nil)
	eventually(t, func() bool { return r.State() == StateActive }, "session never became active")
	ws.in <- stopFrame()
	waitDone(t, done)

	if got := conn.audioCount(); got != 0 {
		t.Fatalf("audio forwarded before start: %d frames", got)
	}
}

func TestRelay_TokenBindsPatientIdentity(t *testing.T) {
	store := &recordingStore{byID: map[string]*clinical.Patient{
		"pat_7": {ID: "pat_7", FirstName: "Jonas", LastName: "Berg", Language: "no"},
	}}
	tokens := clinical.NewTokenTable(time.Minute, 16)
	tokens.Put("tok_abc", clinical.TokenData{PatientID: "pat_7"})
	conn := newFakeUpstreamConn()
	connector := &fakeConnector{conn: conn}
	ws := newFakeTelephony()

	r := newTestRelay(t, Dependencies{
		Conn:      ws,
		Connector: connector,
		Resolver:  &clinical.Resolver{Store: store},
		Tokens:    tokens,
		Store:     store,
	})
	done := runRelay(r, context.Background())

	ws.in <- startFrame("MZ2", "CA2", map[string]string{"patientToken": "tok_abc"})
	eventually(t, func() bool { return r.State() == StateActive }, "session never became active")
	ws.in <- stopFrame()
	waitDone(t, done)

	rec := store.lastInsert()
	if rec == nil || rec.PatientID != "pat_7" {
		t.Fatalf("record = %+v, want patient pat_7", rec)
	}
	if !strings.Contains(connector.lastParams().Instructions, "Jonas Berg") {
		t.Fatal("instructions missing token-resolved patient context")
	}
}

func TestRelay_ToolCallRoundTrip(t *testing.T) {
	store := &recordingStore{byPhone: map[string]*clinical.Patient{
		"+15550002": {ID: "pat_2", FirstName: "Ada", LastName: "King"},
	}}
	conn := newFakeUpstreamConn()
	ws := newFakeTelephony()

	r := newTestRelay(t, Dependencies{
		Conn:      ws,
		Connector: &fakeConnector{conn: conn},
		Resolver:  &clinical.Resolver{Store: store},
		Store:     store,
	})
	done := runRelay(r, context.Background())

	ws.in <- startFrame("MZ3", "CA3", map[string]string{"patientPhone": "+15550002"})
	eventually(t, func() bool { return r.State() == StateActive }, "session never became active")

	conn.events <- upstream.Event{Type: upstream.EventToolCall, Tool: upstream.ToolCall{
		ID:   "call_1",
		Name: tools.ToolMedications,
	}}
	eventually(t, func() bool {
		res, ok := conn.toolResult("call_1")
		return ok && strings.Contains(res, "Metformin")
	}, "tool result never sent upstream")

	ws.in <- stopFrame()
	waitDone(t, done)
}

func TestRelay_DuplicateStartIgnored(t *testing.T) {
	store := &recordingStore{}
	conn := newFakeUpstreamConn()
	connector := &fakeConnector{conn: conn}
	ws := newFakeTelephony()

	r := newTestRelay(t, Dependencies{
		Conn:      ws,
		Connector: connector,
		Store:     store,
	})
	done := runRelay(r, context.Background())

	ws.in <- startFrame("MZ1", "CA1", nil)
	ws.in <- startFrame("MZ1", "CA1", nil)
	eventually(t, func() bool { return r.State() == StateActive }, "session never became active")
	ws.in <- stopFrame()
	waitDone(t, done)

	if got := connector.connectCount(); got != 1 {
		t.Fatalf("connect count = %d, want 1", got)
	}
}

func TestRelay_ManyConcurrentCallsStayIsolated(t *testing.T) {
	const calls = 50

	byPhone := make(map[string]*clinical.Patient, calls)
	for i := 0; i < calls; i++ {
		phone := fmt.Sprintf("+1555%04d", i)
		byPhone[phone] = &clinical.Patient{
			ID:        fmt.Sprintf("pat_%d", i),
			FirstName: "Caller",
			LastName:  fmt.Sprintf("Number%d", i),
			Phone:     phone,
		}
	}
	store := &recordingStore{byPhone: byPhone}

	conns := make([]*fakeUpstreamConn, calls)
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		i := i
		conns[i] = newFakeUpstreamConn()
		ws := newFakeTelephony()
		r := newTestRelay(t, Dependencies{
			Conn:      ws,
			Connector: &fakeConnector{conn: conns[i]},
			Resolver:  &clinical.Resolver{Store: store},
			Store:     store,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			done := runRelay(r, context.Background())
			ws.in <- startFrame(fmt.Sprintf("MZ%d", i), fmt.Sprintf("CA%d", i),
				map[string]string{"patientPhone": fmt.Sprintf("+1555%04d", i)})
			ws.in <- mediaFrame(fmt.Sprintf("YXVkaW8t%d", i))
			eventually(t, func() bool { return conns[i].audioCount() == 1 }, "audio never forwarded")
			ws.in <- stopFrame()
			waitDone(t, done)
		}()
	}
	wg.Wait()

	if got := store.insertCount(); got != calls {
		t.Fatalf("insert count = %d, want %d", got, calls)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, rec := range store.inserts {
		var n int
		if _, err := fmt.Sscanf(rec.CallSID, "CA%d", &n); err != nil {
			t.Fatalf("unexpected call sid %q", rec.CallSID)
		}
		if want := fmt.Sprintf("pat_%d", n); rec.PatientID != want {
			t.Fatalf("call %s bound to patient %q, want %q", rec.CallSID, rec.PatientID, want)
		}
		if want := fmt.Sprintf("MZ%d", n); rec.StreamSID != want {
			t.Fatalf("call %s has stream %q, want %q", rec.CallSID, rec.StreamSID, want)
		}
	}
	for i, conn := range conns {
		conn.mu.Lock()
		audio := append([]string(nil), conn.audio...)
		conn.mu.Unlock()
		if len(audio) != 1 || audio[0] != fmt.Sprintf("YXVkaW8t%d", i) {
			t.Fatalf("call %d upstream audio = %v", i, audio)
		}
	}
}

func TestRelay_DrainAbortsCall(t *testing.T) {
	store := &recordingStore{}
	conn := newFakeUpstreamConn()
	ws := newFakeTelephony()

	r := newTestRelay(t, Dependencies{
		Conn:      ws,
		Connector: &fakeConnector{conn: conn},
		Store:     store,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := runRelay(r, ctx)

	ws.in <- startFrame("MZ4", "CA4", nil)
	eventually(t, func() bool { return r.State() == StateActive }, "session never became active")

	cancel()
	waitDone(t, done)

	rec := store.lastInsert()
	if rec == nil || rec.Status != clinical.CallStatusAborted {
		t.Fatalf("record = %+v, want aborted", rec)
	}
}
