package stage

import (
	"sync"
	"time"
)

// Gate reasons surfaced to the client on failure.
const (
	GateReasonScreening = "screening_failed"
	GateReasonRuntime   = "runtime_load_failed"
	GateReasonTimeout   = "timeout"
)

// Gate blocks scene dispatch until both loading signals land: the entry
// screening result and the runtime-ready report. Either failure, or the
// deadline expiring with the runtime still pending, fails the gate
// terminally. Once resolved, further experiment-config events are
// ignored so a reconnect never re-shows the loading screen.
type Gate struct {
	mu sync.Mutex

	needScreening bool
	needRuntime   bool

	screeningDone   bool
	screeningPassed bool
	runtimeDone     bool
	runtimeOK       bool

	resolved    bool
	failed      bool
	failMessage string

	deadline *time.Timer

	onResolved func()
	onFailed   func(reason, message string)
}

func NewGate(needScreening, needRuntime bool, onResolved func(), onFailed func(reason, message string)) *Gate {
	return &Gate{
		needScreening: needScreening,
		needRuntime:   needRuntime,
		onResolved:    onResolved,
		onFailed:      onFailed,
	}
}

// Arm starts the deadline clock. Called when experiment_config goes out;
// re-arming after resolution is a no-op.
func (g *Gate) Arm(timeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved || g.failed || g.deadline != nil {
		return
	}
	g.deadline = time.AfterFunc(timeout, g.onDeadline)
}

// Resolved reports whether the gate has opened.
func (g *Gate) Resolved() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved
}

// Failed reports whether the gate closed terminally.
func (g *Gate) Failed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failed
}

// OnScreening feeds the entry-screening verdict.
func (g *Gate) OnScreening(pass bool, message string) {
	g.mu.Lock()
	g.screeningDone = true
	g.screeningPassed = pass
	fire := g.checkLocked()
	g.mu.Unlock()
	fire()
}

// OnRuntimeComplete feeds the runtime-ready report. The deadline path
// funnels through here too, with ok=false and reason=timeout.
func (g *Gate) OnRuntimeComplete(ok bool, reason string) {
	g.mu.Lock()
	if g.runtimeDone {
		// Late duplicate (e.g. real completion racing the timeout).
		g.mu.Unlock()
		return
	}
	g.runtimeDone = true
	g.runtimeOK = ok
	if !ok {
		if reason == "" {
			reason = GateReasonRuntime
		}
		g.failMessage = reason
	}
	fire := g.checkLocked()
	g.mu.Unlock()
	fire()
}

func (g *Gate) onDeadline() {
	g.OnRuntimeComplete(false, GateReasonTimeout)
}

// checkLocked evaluates the gate and returns the callback to fire after
// the lock is released. Resolution and failure each happen at most once.
func (g *Gate) checkLocked() func() {
	if g.resolved || g.failed {
		return func() {}
	}

	if g.needScreening && g.screeningDone && !g.screeningPassed {
		return g.failLocked(GateReasonScreening, "")
	}
	if g.needRuntime && g.runtimeDone && !g.runtimeOK {
		reason := g.failMessage
		if reason == "" {
			reason = GateReasonRuntime
		}
		return g.failLocked(reason, "")
	}

	screeningReady := !g.needScreening || (g.screeningDone && g.screeningPassed)
	runtimeReady := !g.needRuntime || (g.runtimeDone && g.runtimeOK)
	if !screeningReady || !runtimeReady {
		return func() {}
	}

	g.resolved = true
	if g.deadline != nil {
		g.deadline.Stop()
	}
	cb := g.onResolved
	return func() {
		if cb != nil {
			cb()
		}
	}
}

func (g *Gate) failLocked(reason, message string) func() {
	g.failed = true
	if g.deadline != nil {
		g.deadline.Stop()
	}
	cb := g.onFailed
	return func() {
		if cb != nil {
			cb(reason, message)
		}
	}
}
