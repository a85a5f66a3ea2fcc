package measure

import (
	"context"
	"sync"
	"time"

	"github.com/vizcomplete/ttvc/dom"
)

type obsState int

const (
	stateActive obsState = iota
	stateCancelled
	stateCompleted
)

// observation is one measurement attempt for one navigation. Its state
// machine is strictly one-way: ACTIVE moves to CANCELLED or COMPLETED
// exactly once, and a terminal observation emits nothing further: a
// later-resolving completion path is fully suppressed.
type observation struct {
	index   int64
	start   time.Duration
	navType dom.NavigationType

	ctx       context.Context
	ctxCancel context.CancelFunc

	mu         sync.Mutex
	state      obsState
	removers   []func()
	cancelIdle func()
	tornDown   bool
}

func newObservation(index int64, start time.Duration, navType dom.NavigationType) *observation {
	o := &observation{index: index, start: start, navType: navType, state: stateActive}
	o.ctx, o.ctxCancel = context.WithCancel(context.Background())
	return o
}

func (o *observation) terminal() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state != stateActive
}

// addRemover registers a listener-removal function for teardown. If
// teardown already happened (listeners can be attached on a deferred
// tick), the remover runs immediately.
func (o *observation) addRemover(f func()) {
	o.mu.Lock()
	if o.tornDown {
		o.mu.Unlock()
		f()
		return
	}
	o.removers = append(o.removers, f)
	o.mu.Unlock()
}

func (o *observation) setCancelIdle(f func()) {
	o.mu.Lock()
	if o.tornDown {
		o.mu.Unlock()
		f()
		return
	}
	o.cancelIdle = f
	o.mu.Unlock()
}

// transition moves the observation to a terminal state. It reports false
// when the observation was already terminal.
func (o *observation) transition(to obsState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != stateActive {
		return false
	}
	o.state = to
	return true
}

// teardown removes listeners and cancels the idle wait. Idempotent; safe
// to call from any goroutine.
func (o *observation) teardown() {
	o.mu.Lock()
	if o.tornDown {
		o.mu.Unlock()
		return
	}
	o.tornDown = true
	removers := o.removers
	o.removers = nil
	cancelIdle := o.cancelIdle
	o.cancelIdle = nil
	o.mu.Unlock()

	for _, f := range removers {
		f()
	}
	if cancelIdle != nil {
		cancelIdle()
	}
	o.ctxCancel()
}
