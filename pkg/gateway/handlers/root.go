package handlers

import (
	"encoding/json"
	"net/http"
)

// RootHandler serves a static description of the service for anyone probing
// the HTTP surface. Everything real happens on the /call-stream websocket.
type RootHandler struct{}

func (h RootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"service": "callrelay-gateway",
		"state":   "up",
		"note":    "telephony media streams connect over websocket at /call-stream",
	})
}
