// Package lifecycle holds the draining flag that shutdown flips and the HTTP
// surface consults: readyz starts answering 503 and call-stream refuses new
// upgrades while calls already in flight run to completion.
package lifecycle

import "sync/atomic"

// Lifecycle is shared by reference between the server, the readiness probe
// and the call-stream handler. The zero value is a live, non-draining state.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
