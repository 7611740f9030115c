// Package server wires the gateway's HTTP surface: health and readiness
// probes, the informational root document, and the /call-stream websocket
// that carries actual calls.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/carebridge/callrelay/pkg/clinical"
	"github.com/carebridge/callrelay/pkg/gateway/config"
	"github.com/carebridge/callrelay/pkg/gateway/handlers"
	"github.com/carebridge/callrelay/pkg/gateway/lifecycle"
	"github.com/carebridge/callrelay/pkg/gateway/mw"
	"github.com/carebridge/callrelay/pkg/relay/sessions"
	"github.com/carebridge/callrelay/pkg/relay/upstream"
	"github.com/carebridge/callrelay/pkg/relay/upstream/gemini"
	"github.com/carebridge/callrelay/pkg/relay/upstream/openai"
)

// Store is the persistence surface the gateway needs: the clinical read
// model plus a reachability probe for readiness.
type Store interface {
	clinical.Store
	Ping(ctx context.Context) error
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store     Store
	connector upstream.Connector
	resolver  *clinical.Resolver
	tokens    *clinical.TokenTable
	lifecycle *lifecycle.Lifecycle
	calls     *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger, store Store) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		store:  store,
		resolver: &clinical.Resolver{
			Store:           store,
			Logger:          logger,
			MaxContextBytes: cfg.MaxContextBytes,
		},
		tokens:    clinical.NewTokenTable(cfg.TokenTTL, cfg.TokenTableSize),
		lifecycle: &lifecycle.Lifecycle{},
		calls:     sessions.NewTracker(),
	}
	s.connector = newConnector(cfg, logger)

	s.routes()
	return s
}

func newConnector(cfg config.Config, logger *slog.Logger) upstream.Connector {
	switch cfg.UpstreamVariant {
	case config.VariantAgentBridge:
		return &gemini.Connector{
			URL:     cfg.GeminiLiveURL,
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
			Logger:  logger,
			Timeout: cfg.UpstreamConnectTimeout,
		}
	default:
		return &openai.Connector{
			URL:     cfg.OpenAIRealtimeURL,
			APIKey:  cfg.OpenAIAPIKey,
			Logger:  logger,
			Mode:    upstream.Variant(cfg.UpstreamVariant),
			Timeout: cfg.UpstreamConnectTimeout,
		}
	}
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.RootHandler{})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
		Store:     s.store,
	})
	s.mux.Handle("/call-stream", handlers.CallStreamHandler{
		Config:    s.cfg,
		Connector: s.connector,
		Resolver:  s.resolver,
		Tokens:    s.tokens,
		Store:     s.store,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Tokens exposes the caller pre-resolution table so an answer webhook can
// mint tokens into it.
func (s *Server) Tokens() *clinical.TokenTable { return s.tokens }

// SetDraining flips the gateway into drain mode. New call-stream upgrades
// and readiness checks are refused; established calls keep running.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// ActiveCalls reports how many calls are currently in flight.
func (s *Server) ActiveCalls() int { return s.calls.Count() }

// WaitCalls blocks until every in-flight call finishes or ctx expires.
// Returns false on expiry.
func (s *Server) WaitCalls(ctx context.Context) bool {
	return s.calls.Wait(ctx)
}

// CancelCalls force-cancels every in-flight call. Each relay still tears
// down cleanly and writes its call record with an aborted status.
func (s *Server) CancelCalls() int {
	return s.calls.CancelAll()
}
