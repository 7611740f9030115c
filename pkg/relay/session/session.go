// Package session runs one phone call end to end: it owns the telephony
// websocket, the upstream AI connection, and the transition from the first
// start frame through teardown and the durable call record.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/carebridge/callrelay/pkg/clinical"
	"github.com/carebridge/callrelay/pkg/relay/telephony"
	"github.com/carebridge/callrelay/pkg/relay/tools"
	"github.com/carebridge/callrelay/pkg/relay/upstream"
)

// State is the call lifecycle. Transitions only move forward and happen on
// the session goroutine, so a transition observed twice is a bug.
type State int32

const (
	StateAwaitingStart State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultInstructions = "You are a caring assistant on a medical clinic's patient phone line. " +
		"Speak naturally and keep answers short; the caller is listening, not reading. " +
		"Use the provided patient record and the lookup tools to answer questions about " +
		"medications, lab results, diagnoses, and visit notes. Never guess clinical values: " +
		"if the record does not contain the answer, say so and suggest contacting the clinic. " +
		"This line is not for emergencies; tell callers with urgent symptoms to hang up and dial 911."

	closingMarkName  = "closing"
	maxJournalErrors = 8
)

type Config struct {
	Instructions       string
	Voice              string
	DefaultLanguage    string
	TranscriptionModel string
	TurnDetection      upstream.TurnDetection

	MaxJSONMessageBytes    int64
	MaxMediaFPS            int
	MaxMediaBytesPerSecond int64
	InboundBurstSeconds    int
	MaxCallDuration        time.Duration

	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	OutboundQueueSize int

	// FallbackAudioB64 is a prerecorded mulaw apology played to the caller
	// when the AI backend cannot be reached.
	FallbackAudioB64 string
}

// TelephonyConn is the subset of *websocket.Conn the session uses.
type TelephonyConn interface {
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	wsWriter
}

type Dependencies struct {
	Conn      TelephonyConn
	Connector upstream.Connector
	Resolver  *clinical.Resolver
	Tokens    *clinical.TokenTable
	Store     clinical.Store
	Logger    *slog.Logger
	RequestID string
	Config    Config
	Now       func() time.Time
}

// Relay is one call. Create with New, drive with Run; Run returns when the
// call record has been written and both sockets are down.
type Relay struct {
	conn      TelephonyConn
	connector upstream.Connector
	resolver  *clinical.Resolver
	tokens    *clinical.TokenTable
	store     clinical.Store
	logger    *slog.Logger
	requestID string
	cfg       Config
	now       func() time.Time

	lifeCtx  context.Context
	lifeStop context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	stateVal atomic.Int32

	callSID           string
	streamSID         string
	callerPhone       string
	patientID         string
	language          string
	upstreamSessionID string
	startedAt         time.Time
	status            string
	statusDetail      string
	errs              []string
	droppedInbound    int
	droppedOutbound   int

	upConn     upstream.Conn
	dispatcher *tools.Dispatcher
	recorder   *Recorder
}

func New(deps Dependencies) (*Relay, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("telephony connection is required")
	}
	if deps.Connector == nil {
		return nil, fmt.Errorf("upstream connector is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.Instructions == "" {
		deps.Config.Instructions = defaultInstructions
	}
	if deps.Config.DefaultLanguage == "" {
		deps.Config.DefaultLanguage = "en"
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}

	lifeCtx, lifeStop := context.WithCancel(context.Background())
	r := &Relay{
		conn:             deps.Conn,
		connector:        deps.Connector,
		resolver:         deps.Resolver,
		tokens:           deps.Tokens,
		store:            deps.Store,
		logger:           deps.Logger,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		now:              deps.Now,
		lifeCtx:          lifeCtx,
		lifeStop:         lifeStop,
		outboundPriority: make(chan outboundFrame, 8),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		recorder:         &Recorder{Store: deps.Store, Logger: deps.Logger},
	}
	return r, nil
}

func (r *Relay) State() State { return State(r.stateVal.Load()) }

func (r *Relay) setState(s State) { r.stateVal.Store(int32(s)) }

// CallSID is empty until the start frame arrives.
func (r *Relay) CallSID() string { return r.callSID }

func (r *Relay) Run(ctx context.Context) error {
	defer r.lifeStop()

	if r.cfg.MaxJSONMessageBytes > 0 {
		r.conn.SetReadLimit(r.cfg.MaxJSONMessageBytes)
	}
	if r.cfg.ReadTimeout > 0 {
		_ = r.conn.SetReadDeadline(r.now().Add(r.cfg.ReadTimeout))
		r.conn.SetPongHandler(func(string) error {
			return r.conn.SetReadDeadline(r.now().Add(r.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:       r.conn,
			ctx:      r.lifeCtx,
			cfg:      r.cfg,
			priority: r.outboundPriority,
			normal:   r.outboundNormal,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	frames := make(chan telephony.Message, 512)
	go r.readLoop(frames)

	limiter := newInboundMediaLimiter(r.now, r.cfg.MaxMediaFPS, r.cfg.MaxMediaBytesPerSecond, r.cfg.InboundBurstSeconds)

	var callTimer *time.Timer
	if r.cfg.MaxCallDuration > 0 {
		callTimer = time.NewTimer(r.cfg.MaxCallDuration)
		defer callTimer.Stop()
	}
	callTimerCh := func() <-chan time.Time {
		if callTimer == nil {
			return nil
		}
		return callTimer.C
	}

	for r.State() != StateClosed {
		var upEvents <-chan upstream.Event
		if r.upConn != nil {
			upEvents = r.upConn.Events()
		}

		select {
		case <-ctx.Done():
			r.beginClose(clinical.CallStatusAborted, "server draining")
		case err := <-writerErrCh:
			if err != nil {
				r.journal(fmt.Sprintf("telephony write: %v", err))
			}
			r.beginClose(clinical.CallStatusAborted, "telephony write failed")
		case <-callTimerCh():
			r.beginClose(clinical.CallStatusCompleted, "max call duration reached")
		case msg, ok := <-frames:
			if !ok {
				r.beginClose(clinical.CallStatusCompleted, "telephony disconnected")
				continue
			}
			r.handleTelephony(ctx, msg, limiter)
		case ev, ok := <-upEvents:
			if !ok {
				r.beginClose(clinical.CallStatusCompleted, "upstream closed")
				continue
			}
			r.handleUpstream(ctx, ev)
		}
	}

	// Give the writer a moment to flush and close the socket.
	r.lifeStop()
	wait := 200 * time.Millisecond
	if r.cfg.WriteTimeout > 0 && r.cfg.WriteTimeout < wait {
		wait = r.cfg.WriteTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-writerErrCh:
	case <-timer.C:
	}

	if r.droppedInbound > 0 || r.droppedOutbound > 0 {
		r.logger.Warn("call dropped media frames",
			"call_sid", r.callSID,
			"dropped_inbound", r.droppedInbound,
			"dropped_outbound", r.droppedOutbound)
	}
	return nil
}

func (r *Relay) readLoop(frames chan<- telephony.Message) {
	defer close(frames)
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, derr := telephony.Decode(data)
		if derr != nil {
			r.logger.Debug("dropped undecodable telephony frame", "bytes", len(data))
			continue
		}
		select {
		case frames <- msg:
		case <-r.lifeCtx.Done():
			return
		}
	}
}

func (r *Relay) handleTelephony(ctx context.Context, msg telephony.Message, limiter *inboundMediaLimiter) {
	switch msg.Event {
	case telephony.EventStart:
		r.handleStart(ctx, msg)
	case telephony.EventMedia:
		if r.State() != StateActive {
			return
		}
		if !limiter.Allow(len(msg.AudioB64)) {
			r.droppedInbound++
			return
		}
		if err := r.upConn.AppendAudio(msg.AudioB64); err != nil {
			r.journal(fmt.Sprintf("append audio: %v", err))
			r.beginClose(clinical.CallStatusUpstreamFailed, "upstream write failed")
		}
	case telephony.EventStop:
		r.beginClose(clinical.CallStatusCompleted, "caller hung up")
	case telephony.EventDTMF:
		r.logger.Info("dtmf received", "call_sid", r.callSID, "digit", msg.Digit)
	case telephony.EventConnected, telephony.EventMark:
		// Informational only.
	default:
		r.logger.Debug("ignored telephony event", "event", msg.Event)
	}
}

func (r *Relay) handleStart(ctx context.Context, msg telephony.Message) {
	if r.State() != StateAwaitingStart {
		r.logger.Warn("duplicate start frame ignored", "call_sid", r.callSID)
		return
	}
	r.callSID = msg.CallSID
	r.streamSID = msg.StreamSID
	r.startedAt = r.now()
	r.callerPhone = msg.CustomParams[telephony.ParamPatientPhone]

	resolved := r.resolveIdentity(ctx, msg.CustomParams)
	r.patientID = resolved.PatientID
	r.language = msg.CustomParams[telephony.ParamLanguage]
	if r.language == "" {
		r.language = resolved.Language
	}
	if r.language == "" {
		r.language = r.cfg.DefaultLanguage
	}
	r.dispatcher = &tools.Dispatcher{Store: r.store, PatientID: r.patientID, Logger: r.logger}

	instructions := r.cfg.Instructions
	if resolved.Context != "" {
		instructions += "\n\n" + resolved.Context
	}

	conn, err := r.connector.Connect(ctx, upstream.SessionParams{
		Instructions:       instructions,
		Voice:              r.cfg.Voice,
		Language:           r.language,
		InputAudioFormat:   upstream.AudioFormatG711ULaw,
		OutputAudioFormat:  upstream.AudioFormatG711ULaw,
		TranscriptionModel: r.cfg.TranscriptionModel,
		TurnDetection:      r.cfg.TurnDetection,
		Tools:              tools.Declarations(),
	})
	if err != nil {
		r.journal(fmt.Sprintf("upstream connect: %v", err))
		r.logger.Error("upstream connect failed",
			"call_sid", r.callSID, "variant", string(r.connector.Variant()), "err", err)
		r.beginClose(clinical.CallStatusUpstreamFailed, connectFailureDetail(err))
		return
	}
	r.upConn = conn
	r.upstreamSessionID = conn.SessionID()
	r.setState(StateActive)
	r.logger.Info("call active",
		"call_sid", r.callSID,
		"stream_sid", r.streamSID,
		"request_id", r.requestID,
		"variant", string(r.connector.Variant()),
		"patient_bound", r.patientID != "",
		"language", r.language,
		"upstream_session", r.upstreamSessionID)
}

func (r *Relay) resolveIdentity(ctx context.Context, params map[string]string) clinical.Resolved {
	if r.resolver == nil {
		return clinical.Resolved{}
	}
	if token := params[telephony.ParamPatientToken]; token != "" && r.tokens != nil {
		if data, ok := r.tokens.Redeem(token); ok {
			resolved, _ := r.resolver.ResolveByID(ctx, data.PatientID)
			if resolved.Language == "" {
				resolved.Language = data.Language
			}
			return resolved
		}
		r.logger.Warn("unknown or expired patient token", "call_sid", r.callSID)
	}
	if phone := params[telephony.ParamPatientPhone]; phone != "" {
		resolved, _ := r.resolver.ResolveByPhone(ctx, phone)
		return resolved
	}
	return clinical.Resolved{}
}

func (r *Relay) handleUpstream(ctx context.Context, ev upstream.Event) {
	switch ev.Type {
	case upstream.EventAudioDelta:
		if r.State() != StateActive || r.streamSID == "" {
			return
		}
		payload, err := telephony.EncodeMedia(r.streamSID, ev.AudioB64)
		if err != nil {
			return
		}
		select {
		case r.outboundNormal <- outboundFrame{payload: payload}:
		default:
			r.droppedOutbound++
		}
	case upstream.EventCallerTranscript:
		r.recorder.Append(SpeakerCaller, ev.Text, r.now())
	case upstream.EventAssistantTranscript:
		r.recorder.Append(SpeakerAssistant, ev.Text, r.now())
	case upstream.EventToolCall:
		result := r.dispatcher.Dispatch(ctx, ev.Tool)
		if err := r.upConn.SendToolResult(ev.Tool.ID, result); err != nil {
			r.journal(fmt.Sprintf("tool result send: %v", err))
		}
	case upstream.EventError:
		if ev.Err != nil {
			r.journal(ev.Err.Error())
			r.logger.Warn("upstream error event", "call_sid", r.callSID, "err", ev.Err)
		}
	case upstream.EventClosed:
		r.beginClose(clinical.CallStatusCompleted, "upstream closed")
	}
}

// beginClose runs the entire teardown: it is idempotent, and by the time it
// returns the state is Closed and the call record write has been attempted.
func (r *Relay) beginClose(status, detail string) {
	if s := r.State(); s == StateClosing || s == StateClosed {
		return
	}
	r.setState(StateClosing)
	r.status = status
	r.statusDetail = detail
	r.logger.Info("call closing", "call_sid", r.callSID, "status", status, "detail", detail)

	if r.upConn != nil {
		_ = r.upConn.Close()
		// The upstream read pump exits once its socket drops; drain so it is
		// never stuck on a full event buffer.
		go drainEvents(r.upConn.Events())
		r.upConn = nil
	}

	if status == clinical.CallStatusUpstreamFailed {
		r.enqueueFallback()
	}

	r.lifeStop()
	r.persist()
	r.setState(StateClosed)
}

// enqueueFallback queues the closing notice on the priority lane so the
// writer flushes it during shutdown, before the close frame. The caller must
// never hear silence followed by a hang-up: the mark goes out even when no
// apology audio is configured.
func (r *Relay) enqueueFallback() {
	if r.streamSID == "" {
		return
	}
	if r.cfg.FallbackAudioB64 != "" {
		if payload, err := telephony.EncodeMedia(r.streamSID, r.cfg.FallbackAudioB64); err == nil {
			r.enqueuePriority(payload)
		}
	}
	if payload, err := telephony.EncodeMark(r.streamSID, closingMarkName); err == nil {
		r.enqueuePriority(payload)
	}
}

func (r *Relay) enqueuePriority(payload []byte) {
	select {
	case r.outboundPriority <- outboundFrame{payload: payload}:
	default:
		r.logger.Warn("priority frame dropped", "call_sid", r.callSID)
	}
}

func (r *Relay) persist() {
	if r.callSID == "" {
		// The stream never started; there is no call to record.
		return
	}
	detail := r.statusDetail
	if len(r.errs) > 0 {
		detail = detail + " [" + joinJournal(r.errs) + "]"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.recorder.Persist(ctx, RecordMeta{
		CallSID:           r.callSID,
		StreamSID:         r.streamSID,
		PatientID:         r.patientID,
		CallerPhone:       r.callerPhone,
		Language:          r.language,
		StartedAt:         r.startedAt,
		EndedAt:           r.now(),
		Status:            r.status,
		StatusDetail:      detail,
		UpstreamSessionID: r.upstreamSessionID,
	})
}

func (r *Relay) journal(msg string) {
	if len(r.errs) >= maxJournalErrors {
		return
	}
	r.errs = append(r.errs, msg)
}

func joinJournal(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e
	}
	return out
}

func connectFailureDetail(err error) string {
	switch {
	case errors.Is(err, upstream.ErrConnectTimeout):
		return "upstream connect timeout"
	case errors.Is(err, upstream.ErrAuth):
		return "upstream auth rejected"
	default:
		return "upstream connect failed"
	}
}

func drainEvents(ch <-chan upstream.Event) {
	for range ch {
	}
}
