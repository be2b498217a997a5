package lifecycle

import "sync/atomic"

// Lifecycle holds the process-wide draining flag. Readiness checks and
// the live-session upgrade consult it so a shutting-down gateway stops
// accepting new sessions while existing ones finish.
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
