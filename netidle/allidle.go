package netidle

import (
	"sync"
	"time"

	"github.com/vizcomplete/ttvc/dom"
)

// The all-idle wait is a small state machine rather than ad hoc flags:
// a single owned timer and single-entry transitions close the race
// between "settle timer fires" and "network became busy again".
type idlePhase int

const (
	phaseBusy idlePhase = iota
	phaseAwaitCPU
	phaseSettling
	phaseDone
)

type allIdleWaiter struct {
	tracker *Tracker
	sched   dom.Scheduler
	window  time.Duration
	done    func(networkTimedOut bool)

	mu    sync.Mutex
	phase idlePhase
	timer dom.Timer
	unsub func()
}

// RequestAllIdle invokes done exactly once, after the tracker and the
// host CPU have been simultaneously idle for a continuous settle window.
// Any BUSY transition before the window elapses restarts the sequence
// from scratch. The returned cancel function suppresses the callback;
// it is safe to call after completion.
func RequestAllIdle(t *Tracker, sched dom.Scheduler, window time.Duration, done func(networkTimedOut bool)) (cancel func()) {
	w := &allIdleWaiter{
		tracker: t,
		sched:   sched,
		window:  window,
		done:    done,
		phase:   phaseBusy,
	}

	w.unsub = t.Subscribe(w.handleNetwork)

	// Base case: the network may already be quiet.
	if t.IsIdle() {
		w.handleNetwork(Idle)
	}

	return w.cancel
}

func (w *allIdleWaiter) handleNetwork(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.phase == phaseDone:
		return

	case s == Busy:
		// Restart from scratch: the settle timer (if armed) is void.
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.phase = phaseBusy

	case s == Idle && w.phase == phaseBusy:
		w.phase = phaseAwaitCPU
		w.sched.RequestIdleCallback(w.handleCPUIdle)
	}
}

func (w *allIdleWaiter) handleCPUIdle() {
	w.mu.Lock()
	defer w.mu.Unlock()

	// The network may have become busy again while we waited for the
	// CPU; in that case the sequence has already been reset.
	if w.phase != phaseAwaitCPU || !w.tracker.IsIdle() {
		return
	}
	w.phase = phaseSettling
	w.timer = w.sched.AfterFunc(w.window, w.settled)
}

func (w *allIdleWaiter) settled() {
	w.mu.Lock()
	if w.phase != phaseSettling {
		w.mu.Unlock()
		return
	}
	w.phase = phaseDone
	w.timer = nil
	unsub := w.unsub
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	didTimeOut := w.tracker.DidNetworkTimeOut()
	w.tracker.ResetDidNetworkTimeOut()
	w.done(didTimeOut)
}

func (w *allIdleWaiter) cancel() {
	w.mu.Lock()
	if w.phase == phaseDone {
		w.mu.Unlock()
		return
	}
	w.phase = phaseDone
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	unsub := w.unsub
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
