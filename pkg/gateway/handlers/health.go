package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/carebridge/callrelay/pkg/gateway/lifecycle"
	"github.com/carebridge/callrelay/pkg/relay/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// StorePinger is the slice of the store readiness cares about.
type StorePinger interface {
	Ping(ctx context.Context) error
}

const defaultPingTimeout = 2 * time.Second

// ReadyHandler reports whether the gateway should receive new calls. A
// draining gateway or an unreachable store answers 503 so the load balancer
// routes new calls elsewhere; calls already in flight are unaffected.
type ReadyHandler struct {
	Lifecycle   *lifecycle.Lifecycle
	Calls       *sessions.Tracker
	Store       StorePinger
	PingTimeout time.Duration
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool     `json:"ok"`
		Draining    bool     `json:"draining"`
		ActiveCalls int      `json:"active_calls"`
		Issues      []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)

	draining := h.Lifecycle != nil && h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "gateway is draining")
	}

	if h.Store != nil {
		timeout := h.PingTimeout
		if timeout <= 0 {
			timeout = defaultPingTimeout
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		err := h.Store.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "store unreachable: "+err.Error())
		}
	}

	active := 0
	if h.Calls != nil {
		active = h.Calls.Count()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:          ok,
		Draining:    draining,
		ActiveCalls: active,
		Issues:      issues,
	})
}
