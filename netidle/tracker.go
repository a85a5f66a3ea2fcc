// Package netidle tracks pending network-visible activity, meaning
// instrumented AJAX calls and in-flight sub-resource loads, and answers "is anything
// still loading right now?". Subscribers receive edge-triggered BUSY/IDLE
// transitions of the combined state.
package netidle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vizcomplete/ttvc/dom"
)

// State is the combined activity state.
type State int

const (
	Busy State = iota
	Idle
)

func (s State) String() string {
	if s == Idle {
		return "IDLE"
	}
	return "BUSY"
}

// Link rel values that never produce observable network-visible work, or
// that browsers fetch speculatively without affecting rendering.
var ignoredLinkRels = map[string]bool{
	"canonical":     true,
	"preconnect":    true,
	"dns-prefetch":  true,
	"preload":       true,
	"modulepreload": true,
	"prefetch":      true,
	"prerender":     true,
}

// Config controls a Tracker.
type Config struct {
	// NetworkTimeout is the stuck-signal safety net: a pending category
	// that sees no settlement for this long is force-cleared and flagged.
	// Zero disables the safety net entirely.
	NetworkTimeout time.Duration

	// IgnoreIframes excludes <iframe> elements from resource tracking.
	IgnoreIframes bool

	Scheduler dom.Scheduler
	Logger    *slog.Logger
}

// Tracker combines an instrumented AJAX counter with a sub-resource set
// discovered from DOM mutations and load/error events.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	pendingAjax int
	ajaxTimer   dom.Timer
	resources   map[dom.Element]struct{}
	resTimer    dom.Timer
	netTimedOut bool
	subs        map[int]func(State)
	nextSub     int

	attached   bool
	mo         dom.MutationObserver
	removeLoad func()
	removeErr  func()
}

// New creates a Tracker. Attach must be called before sub-resource
// tracking takes effect; the AJAX counter works immediately.
func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		cfg:       cfg,
		logger:    cfg.Logger,
		resources: make(map[dom.Element]struct{}),
		subs:      make(map[int]func(State)),
	}
}

// Attach wires the tracker to a host document: a subtree mutation watcher
// picks up inserted script/link/image/iframe nodes, capture-phase
// load/error listeners settle them, and elements already present are
// scanned once. Attach is idempotent.
func (t *Tracker) Attach(env *dom.Environment) error {
	t.mu.Lock()
	if t.attached {
		t.mu.Unlock()
		return nil
	}
	t.attached = true
	t.mu.Unlock()

	t.mo = env.Observers.NewMutationObserver(t.onMutations)
	if err := t.mo.Observe(env.Document.Root()); err != nil {
		return err
	}
	t.removeLoad = env.Document.Listen(dom.EventLoad, t.onResourceSettled)
	t.removeErr = env.Document.Listen(dom.EventError, t.onResourceSettled)

	// Resources parsed before attach still count: their load events have
	// not fired yet when the probe is installed at document start.
	for _, tag := range []string{"script", "link", "img", "iframe"} {
		for _, el := range env.Document.Query(tag) {
			t.track(el)
		}
	}
	return nil
}

// Detach removes listeners and stops the mutation watcher. Safe to call
// twice.
func (t *Tracker) Detach() {
	t.mu.Lock()
	if !t.attached {
		t.mu.Unlock()
		return
	}
	t.attached = false
	mo, rl, re := t.mo, t.removeLoad, t.removeErr
	t.mo, t.removeLoad, t.removeErr = nil, nil, nil
	t.mu.Unlock()

	if mo != nil {
		mo.Disconnect()
	}
	if rl != nil {
		rl()
	}
	if re != nil {
		re()
	}
}

// IncrementAjax records the start of an instrumented asynchronous request.
func (t *Tracker) IncrementAjax() {
	t.mu.Lock()
	wasIdle := t.idleLocked()
	t.pendingAjax++
	t.armAjaxTimerLocked()
	t.mu.Unlock()

	if wasIdle {
		t.emit(Busy)
	}
}

// DecrementAjax records the resolution of an instrumented request. An
// unmatched decrement clamps at zero rather than erroring.
func (t *Tracker) DecrementAjax() {
	t.mu.Lock()
	wasIdle := t.idleLocked()
	if t.pendingAjax > 0 {
		t.pendingAjax--
	}
	if t.pendingAjax == 0 && t.ajaxTimer != nil {
		t.ajaxTimer.Stop()
		t.ajaxTimer = nil
	}
	nowIdle := t.idleLocked()
	t.mu.Unlock()

	if !wasIdle && nowIdle {
		t.emit(Idle)
	}
}

// IsIdle reports whether both the AJAX counter and the resource set are
// empty.
func (t *Tracker) IsIdle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idleLocked()
}

// DidNetworkTimeOut reports whether a stuck-signal timeout forced the
// tracker idle since the last reset.
func (t *Tracker) DidNetworkTimeOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.netTimedOut
}

// ResetDidNetworkTimeOut clears the sticky timeout flag.
func (t *Tracker) ResetDidNetworkTimeOut() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.netTimedOut = false
}

// Subscribe registers a listener for combined BUSY/IDLE transitions and
// returns an unsubscribe function. Transitions are edge-triggered: a
// listener is only invoked when the combined state actually changes.
func (t *Tracker) Subscribe(cb func(State)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = cb
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) idleLocked() bool {
	return t.pendingAjax == 0 && len(t.resources) == 0
}

func (t *Tracker) emit(s State) {
	t.mu.Lock()
	cbs := make([]func(State), 0, len(t.subs))
	for _, cb := range t.subs {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(s)
	}
}

// onMutations discovers newly inserted trackable resources, including
// images nested within larger inserted fragments.
func (t *Tracker) onMutations(records []dom.MutationRecord) {
	for _, rec := range records {
		if rec.Kind != dom.MutationChildList {
			continue
		}
		for _, node := range rec.AddedNodes {
			t.track(node)
			for _, img := range node.Images() {
				t.track(img)
			}
		}
	}
}

// track adds an element to the pending set if it can still produce a
// load or error event. Elements that cannot (a complete image, a link
// without an href, a script without a src) are never added.
func (t *Tracker) track(el dom.Element) {
	if !t.trackable(el) {
		return
	}

	t.mu.Lock()
	if _, ok := t.resources[el]; ok {
		t.mu.Unlock()
		return
	}
	wasIdle := t.idleLocked()
	t.resources[el] = struct{}{}
	t.armResourceTimerLocked()
	t.mu.Unlock()

	if wasIdle {
		t.emit(Busy)
	}
}

func (t *Tracker) trackable(el dom.Element) bool {
	if !el.IsElement() {
		return false
	}
	switch el.Tag() {
	case "img":
		img, ok := el.(dom.Image)
		return ok && !img.Complete()
	case "script":
		src, ok := el.Attr("src")
		return ok && src != ""
	case "iframe":
		if t.cfg.IgnoreIframes {
			return false
		}
		src, ok := el.Attr("src")
		return ok && src != ""
	case "link":
		href, ok := el.Attr("href")
		if !ok || href == "" {
			return false
		}
		rel, _ := el.Attr("rel")
		return !ignoredLinkRels[rel]
	}
	return false
}

// onResourceSettled handles capture-phase load/error events for tracked
// elements.
func (t *Tracker) onResourceSettled(ev dom.Event) {
	if ev.Target == nil {
		return
	}

	t.mu.Lock()
	if _, ok := t.resources[ev.Target]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.resources, ev.Target)
	if len(t.resources) == 0 && t.resTimer != nil {
		t.resTimer.Stop()
		t.resTimer = nil
	}
	nowIdle := t.idleLocked()
	t.mu.Unlock()

	if nowIdle {
		t.emit(Idle)
	}
}

// armAjaxTimerLocked re-arms the stuck-signal timeout. Every new pending
// request pushes the deadline out; only a category that stays silent for
// the full window is force-cleared.
func (t *Tracker) armAjaxTimerLocked() {
	if t.cfg.NetworkTimeout <= 0 || t.cfg.Scheduler == nil {
		return
	}
	if t.ajaxTimer != nil {
		t.ajaxTimer.Stop()
	}
	t.ajaxTimer = t.cfg.Scheduler.AfterFunc(t.cfg.NetworkTimeout, t.onAjaxTimeout)
}

func (t *Tracker) armResourceTimerLocked() {
	if t.cfg.NetworkTimeout <= 0 || t.cfg.Scheduler == nil {
		return
	}
	if t.resTimer != nil {
		t.resTimer.Stop()
	}
	t.resTimer = t.cfg.Scheduler.AfterFunc(t.cfg.NetworkTimeout, t.onResourceTimeout)
}

func (t *Tracker) onAjaxTimeout() {
	t.mu.Lock()
	if t.pendingAjax == 0 {
		t.mu.Unlock()
		return
	}
	cleared := t.pendingAjax
	t.pendingAjax = 0
	t.ajaxTimer = nil
	t.netTimedOut = true
	nowIdle := t.idleLocked()
	t.mu.Unlock()

	t.logger.Warn("netidle: ajax requests timed out, forcing idle", "pending", cleared)
	if nowIdle {
		t.emit(Idle)
	}
}

func (t *Tracker) onResourceTimeout() {
	t.mu.Lock()
	if len(t.resources) == 0 {
		t.mu.Unlock()
		return
	}
	cleared := len(t.resources)
	t.resources = make(map[dom.Element]struct{})
	t.resTimer = nil
	t.netTimedOut = true
	nowIdle := t.idleLocked()
	t.mu.Unlock()

	t.logger.Warn("netidle: resource loads timed out, forcing idle", "pending", cleared)
	if nowIdle {
		t.emit(Idle)
	}
}
