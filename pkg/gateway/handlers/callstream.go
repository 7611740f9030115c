package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/carebridge/callrelay/pkg/clinical"
	"github.com/carebridge/callrelay/pkg/gateway/config"
	"github.com/carebridge/callrelay/pkg/gateway/lifecycle"
	"github.com/carebridge/callrelay/pkg/gateway/mw"
	"github.com/carebridge/callrelay/pkg/relay/session"
	"github.com/carebridge/callrelay/pkg/relay/sessions"
	"github.com/carebridge/callrelay/pkg/relay/upstream"
)

// CallStreamHandler upgrades /call-stream to a websocket and runs one relay
// session per connection. The handler returns only when the call is over and
// its record has been written.
type CallStreamHandler struct {
	Config    config.Config
	Connector upstream.Connector
	Resolver  *clinical.Resolver
	Tokens    *clinical.TokenTable
	Store     clinical.Store
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Tracker
}

func (h CallStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		http.Error(w, "gateway is draining", http.StatusServiceUnavailable)
		return
	}

	reqID, _ := mw.RequestIDFrom(r.Context())

	// The telephony peer is a media server, not a browser; there is no
	// origin to check.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("call stream upgrade failed", "request_id", reqID, "err", err)
		}
		return
	}
	defer conn.Close()

	relay, err := session.New(session.Dependencies{
		Conn:      conn,
		Connector: h.Connector,
		Resolver:  h.Resolver,
		Tokens:    h.Tokens,
		Store:     h.Store,
		Logger:    h.Logger,
		RequestID: reqID,
		Config:    h.sessionConfig(),
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("relay setup failed", "request_id", reqID, "err", err)
		}
		return
	}

	// The call outlives r.Context() semantics we care about: shutdown cancels
	// through the tracker, not through the request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if h.Calls != nil {
		unregister := h.Calls.Register(reqID, sessions.Handle{Cancel: cancel})
		defer unregister()
	}

	if err := relay.Run(ctx); err != nil && h.Logger != nil {
		h.Logger.Error("relay terminated with error", "request_id", reqID, "err", err)
	}
}

func (h CallStreamHandler) sessionConfig() session.Config {
	cfg := h.Config
	return session.Config{
		Instructions:       cfg.Instructions,
		Voice:              cfg.Voice,
		DefaultLanguage:    cfg.DefaultLanguage,
		TranscriptionModel: cfg.TranscriptionModel,
		TurnDetection: upstream.TurnDetection{
			Threshold:         cfg.VADThreshold,
			PrefixPaddingMs:   cfg.VADPrefixPaddingMS,
			SilenceDurationMs: cfg.VADSilenceDurationMS,
		},
		MaxJSONMessageBytes:    cfg.MaxJSONMessageBytes,
		MaxMediaFPS:            cfg.MaxMediaFPS,
		MaxMediaBytesPerSecond: cfg.MaxMediaBytesPerSecond,
		InboundBurstSeconds:    cfg.InboundBurstSeconds,
		MaxCallDuration:        cfg.MaxCallDuration,
		ReadTimeout:            cfg.WSReadTimeout,
		WriteTimeout:           cfg.WSWriteTimeout,
		PingInterval:           cfg.WSPingInterval,
		OutboundQueueSize:      cfg.OutboundQueueSize,
		FallbackAudioB64:       cfg.FallbackAudioB64,
	}
}
