package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/vizcomplete/ttvc/dom"
)

// probe message shapes. Times are performance.now() milliseconds.
type nodeDesc struct {
	ID        int               `json:"id"`
	Element   bool              `json:"element"`
	Tag       string            `json:"tag"`
	Attrs     map[string]string `json:"attrs"`
	Complete  *bool             `json:"complete"`
	Ancestors []nodeDesc        `json:"ancestors"`
	Images    []nodeDesc        `json:"images"`
}

type probeMutation struct {
	Type   string     `json:"type"`
	Target nodeDesc   `json:"target"`
	Added  []nodeDesc `json:"added"`
	Attr   string     `json:"attr"`
	Old    string     `json:"old"`
	Time   float64    `json:"time"`
}

type probeIntersection struct {
	Target       nodeDesc `json:"target"`
	Intersecting bool     `json:"intersecting"`
	Ratio        float64  `json:"ratio"`
	Time         float64  `json:"time"`
}

type probeMsg struct {
	Kind string `json:"kind"`

	// ready
	Time       float64 `json:"time"`
	Hidden     bool    `json:"hidden"`
	Loaded     bool    `json:"loaded"`
	Navigation *struct {
		Type            string  `json:"type"`
		ActivationStart float64 `json:"activationStart"`
	} `json:"navigation"`

	// event
	Type      string    `json:"type"`
	Target    *nodeDesc `json:"target"`
	Window    bool      `json:"window"`
	Persisted bool      `json:"persisted"`
	URL       string    `json:"url"`

	// mutations / intersections
	Observer int                 `json:"observer"`
	Records  []probeMutation     `json:"records"`
	Entries  []probeIntersection `json:"entries"`
}

// Env adapts one probed tab into a dom.Environment. All probe messages
// are dispatched sequentially from a single goroutine, matching the
// ordering contract of package dom.
type Env struct {
	tab    *Tab
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	// eval runs an expression in the page. Indirect so tests can script
	// the page side without a live tab.
	eval func(js string, args ...any) (*proto.RuntimeRemoteObject, error)

	mu         sync.Mutex
	elements   map[int]*remoteElement
	hidden     bool
	loaded     bool
	loadCh     chan struct{}
	listeners  map[dom.EventType]map[int]func(dom.Event)
	nextLis    int
	mutCbs     map[int]func([]dom.MutationRecord)
	intCbs     map[int]func([]dom.IntersectionEntry)
	nextObs    int
	navType    dom.NavigationType
	activation time.Duration
	readyCh    chan struct{}
	readyOnce  sync.Once

	clock *dom.MonotonicClock
}

// Attach wires the environment adapter to a prepared tab. It must be
// called before Navigate so the probe's handshake is not missed.
func Attach(ctx context.Context, tab *Tab, logger *slog.Logger) *Env {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &Env{
		tab:       tab,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		elements:  make(map[int]*remoteElement),
		loadCh:    make(chan struct{}),
		listeners: make(map[dom.EventType]map[int]func(dom.Event)),
		mutCbs:    make(map[int]func([]dom.MutationRecord)),
		intCbs:    make(map[int]func([]dom.IntersectionEntry)),
		readyCh:   make(chan struct{}),
		navType:   dom.NavigationNavigate,
	}
	e.eval = func(js string, args ...any) (*proto.RuntimeRemoteObject, error) {
		return tab.Page.Eval(js, args...)
	}

	go tab.Page.Context(ctx).EachEvent(func(ev *proto.RuntimeBindingCalled) {
		if ev.Name != bindingName {
			return
		}
		var msg probeMsg
		if err := json.Unmarshal([]byte(ev.Payload), &msg); err != nil {
			logger.Warn("browser: bad probe payload", "error", err)
			return
		}
		e.dispatch(msg)
	})()

	return e
}

// WaitReady blocks until the probe's handshake arrives, which happens at
// document start of the navigated page.
func (e *Env) WaitReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser: waiting for probe: %w", ctx.Err())
	}
}

// Environment returns the capability bundle for ttvc.Init. Valid only
// after WaitReady.
func (e *Env) Environment() *dom.Environment {
	return &dom.Environment{
		Document:   e,
		Observers:  e,
		Clock:      e.clock,
		Scheduler:  dom.RealScheduler{},
		Navigation: e,
	}
}

// Close detaches the adapter. The tab itself is closed by its owner.
func (e *Env) Close() { e.cancel() }

// TrackNetwork forwards CDP-level XHR and fetch request lifecycles to
// the given counters, covering requests the page never instruments.
func (e *Env) TrackNetwork(increment, decrement func()) {
	pending := make(map[proto.NetworkRequestID]struct{})
	var mu sync.Mutex

	settle := func(id proto.NetworkRequestID) {
		mu.Lock()
		_, ok := pending[id]
		delete(pending, id)
		mu.Unlock()
		if ok {
			decrement()
		}
	}

	go e.tab.Page.Context(e.ctx).EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Type != proto.NetworkResourceTypeXHR && ev.Type != proto.NetworkResourceTypeFetch {
				return
			}
			mu.Lock()
			pending[ev.RequestID] = struct{}{}
			mu.Unlock()
			increment()
		},
		func(ev *proto.NetworkLoadingFinished) { settle(ev.RequestID) },
		func(ev *proto.NetworkLoadingFailed) { settle(ev.RequestID) },
	)()
}

func (e *Env) dispatch(msg probeMsg) {
	switch msg.Kind {
	case "ready":
		e.handleReady(msg)
	case "event":
		e.handleEvent(msg)
	case "mutations":
		e.handleMutations(msg)
	case "intersections":
		e.handleIntersections(msg)
	default:
		e.logger.Debug("browser: unknown probe message", "kind", msg.Kind)
	}
}

func (e *Env) handleReady(msg probeMsg) {
	e.mu.Lock()
	e.hidden = msg.Hidden
	if msg.Loaded && !e.loaded {
		e.loaded = true
		close(e.loadCh)
	}
	if msg.Navigation != nil {
		switch msg.Navigation.Type {
		case "reload":
			e.navType = dom.NavigationReload
		case "back_forward":
			e.navType = dom.NavigationBackForward
		default:
			e.navType = dom.NavigationNavigate
		}
		e.activation = msDuration(msg.Navigation.ActivationStart)
	}
	// The probe reports its performance.now() at handshake; anchoring the
	// Go clock here aligns subsequent readings with the page time origin.
	e.clock = dom.NewMonotonicClock(time.Now(), msDuration(msg.Time))
	e.mu.Unlock()

	e.readyOnce.Do(func() { close(e.readyCh) })
	e.logger.Debug("browser: probe ready",
		"url", e.tab.PageURL, "hidden", msg.Hidden, "loaded", msg.Loaded)
}

func (e *Env) handleEvent(msg probeMsg) {
	ev := dom.Event{
		Type: dom.EventType(msg.Type),
		Time: msDuration(msg.Time),
	}
	if msg.Target != nil {
		ev.Target = e.intern(*msg.Target)
	}
	if ev.Type == dom.EventPageShow {
		ev.CacheRestore = msg.Persisted
	}

	e.mu.Lock()
	switch ev.Type {
	case dom.EventLoad:
		if msg.Window && !e.loaded {
			e.loaded = true
			close(e.loadCh)
		}
	case dom.EventVisibilityChange:
		e.hidden = msg.Hidden
	}
	cbs := e.listenersLocked(ev.Type)
	e.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

func (e *Env) handleMutations(msg probeMsg) {
	e.mu.Lock()
	cb := e.mutCbs[msg.Observer]
	records := make([]dom.MutationRecord, 0, len(msg.Records))
	for _, r := range msg.Records {
		rec := dom.MutationRecord{
			Target: e.internLocked(r.Target),
			Time:   msDuration(r.Time),
		}
		switch r.Type {
		case "childList":
			rec.Kind = dom.MutationChildList
			for _, d := range r.Added {
				rec.AddedNodes = append(rec.AddedNodes, e.internLocked(d))
			}
		case "attributes":
			rec.Kind = dom.MutationAttributes
			rec.AttributeName = r.Attr
			rec.OldValue = r.Old
		case "characterData":
			rec.Kind = dom.MutationCharacterData
			rec.OldValue = r.Old
		default:
			continue
		}
		records = append(records, rec)
	}
	e.mu.Unlock()

	if cb != nil && len(records) > 0 {
		cb(records)
	}
}

func (e *Env) handleIntersections(msg probeMsg) {
	e.mu.Lock()
	cb := e.intCbs[msg.Observer]
	entries := make([]dom.IntersectionEntry, 0, len(msg.Entries))
	for _, en := range msg.Entries {
		entries = append(entries, dom.IntersectionEntry{
			Target:       e.internLocked(en.Target),
			Intersecting: en.Intersecting,
			Ratio:        en.Ratio,
			Time:         msDuration(en.Time),
		})
	}
	e.mu.Unlock()

	if cb != nil && len(entries) > 0 {
		cb(entries)
	}
}

func (e *Env) listenersLocked(t dom.EventType) []func(dom.Event) {
	out := make([]func(dom.Event), 0, len(e.listeners[t]))
	for _, cb := range e.listeners[t] {
		out = append(out, cb)
	}
	return out
}

// --- dom.Document -------------------------------------------------------

func (e *Env) Root() dom.Element {
	res, err := e.eval(`() => window.__ttvc.root()`)
	if err != nil {
		e.logger.Error("browser: query root", "error", err)
		return nil
	}
	var d nodeDesc
	if err := json.Unmarshal([]byte(res.Value.Str()), &d); err != nil {
		e.logger.Error("browser: parse root", "error", err)
		return nil
	}
	return e.intern(d)
}

func (e *Env) Hidden() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hidden
}

func (e *Env) Query(tag string) []dom.Element {
	res, err := e.eval(`(tag) => window.__ttvc.query(tag)`, tag)
	if err != nil {
		e.logger.Error("browser: query", "tag", tag, "error", err)
		return nil
	}
	var descs []nodeDesc
	if err := json.Unmarshal([]byte(res.Value.Str()), &descs); err != nil {
		e.logger.Error("browser: parse query", "tag", tag, "error", err)
		return nil
	}
	out := make([]dom.Element, 0, len(descs))
	for _, d := range descs {
		out = append(out, e.intern(d))
	}
	return out
}

func (e *Env) Listen(t dom.EventType, cb func(dom.Event)) func() {
	e.mu.Lock()
	if e.listeners[t] == nil {
		e.listeners[t] = make(map[int]func(dom.Event))
	}
	id := e.nextLis
	e.nextLis++
	e.listeners[t][id] = cb
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners[t], id)
		e.mu.Unlock()
	}
}

func (e *Env) AwaitLoad(ctx context.Context) error {
	e.mu.Lock()
	if e.loaded {
		e.mu.Unlock()
		return nil
	}
	ch := e.loadCh
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// --- dom.NavigationTiming -----------------------------------------------

func (e *Env) Type() dom.NavigationType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.navType
}

func (e *Env) ActivationStart() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activation
}

// --- dom.ObserverFactory ------------------------------------------------

func (e *Env) NewMutationObserver(cb func([]dom.MutationRecord)) dom.MutationObserver {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.mutCbs[id] = cb
	e.mu.Unlock()

	if _, err := e.eval(`(id) => window.__ttvc.newMutationObserver(id)`, id); err != nil {
		e.logger.Error("browser: create mutation observer", "error", err)
	}
	return &remoteMutationObserver{env: e, id: id, cb: cb}
}

func (e *Env) NewIntersectionObserver(cb func([]dom.IntersectionEntry)) dom.IntersectionObserver {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.intCbs[id] = cb
	e.mu.Unlock()

	if _, err := e.eval(`(id) => window.__ttvc.newIntersectionObserver(id)`, id); err != nil {
		e.logger.Error("browser: create intersection observer", "error", err)
	}
	return &remoteIntersectionObserver{env: e, id: id, cb: cb}
}

// Remote observers outlive a single navigation: the measurement layer
// disconnects between navigations and observes the same handle again for
// the next one. Observe therefore restores the callback registration and
// recreates the page-side observer when it follows a Disconnect.
type remoteMutationObserver struct {
	env *Env
	id  int
	cb  func([]dom.MutationRecord)

	mu       sync.Mutex
	detached bool
}

func (o *remoteMutationObserver) Observe(root dom.Element) error {
	o.mu.Lock()
	detached := o.detached
	o.detached = false
	o.mu.Unlock()

	if detached {
		o.env.mu.Lock()
		o.env.mutCbs[o.id] = o.cb
		o.env.mu.Unlock()
		if _, err := o.env.eval(`(id) => window.__ttvc.newMutationObserver(id)`, o.id); err != nil {
			return fmt.Errorf("browser: recreate mutation observer: %w", err)
		}
	}

	rootID := 0
	if re, ok := root.(*remoteElement); ok {
		rootID = re.id
	}
	res, err := o.env.eval(
		`(id, rootId) => window.__ttvc.observeMutations(id, rootId)`, o.id, rootID)
	if err != nil {
		return fmt.Errorf("browser: observe mutations: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("browser: observe mutations: unknown observer or root")
	}
	return nil
}

func (o *remoteMutationObserver) Disconnect() {
	o.mu.Lock()
	o.detached = true
	o.mu.Unlock()

	o.env.mu.Lock()
	delete(o.env.mutCbs, o.id)
	o.env.mu.Unlock()
	_, _ = o.env.eval(`(id) => window.__ttvc.disconnectMutations(id)`, o.id)
}

type remoteIntersectionObserver struct {
	env *Env
	id  int
	cb  func([]dom.IntersectionEntry)

	mu       sync.Mutex
	detached bool
}

func (o *remoteIntersectionObserver) Observe(el dom.Element) {
	o.mu.Lock()
	detached := o.detached
	o.detached = false
	o.mu.Unlock()

	if detached {
		o.env.mu.Lock()
		o.env.intCbs[o.id] = o.cb
		o.env.mu.Unlock()
		if _, err := o.env.eval(`(id) => window.__ttvc.newIntersectionObserver(id)`, o.id); err != nil {
			o.env.logger.Error("browser: recreate intersection observer", "error", err)
			return
		}
	}

	re, ok := el.(*remoteElement)
	if !ok {
		return
	}
	_, _ = o.env.eval(
		`(id, elId) => window.__ttvc.observeIntersection(id, elId)`, o.id, re.id)
}

func (o *remoteIntersectionObserver) Unobserve(el dom.Element) {
	re, ok := el.(*remoteElement)
	if !ok {
		return
	}
	_, _ = o.env.eval(
		`(id, elId) => window.__ttvc.unobserveIntersection(id, elId)`, o.id, re.id)
}

func (o *remoteIntersectionObserver) Disconnect() {
	o.mu.Lock()
	o.detached = true
	o.mu.Unlock()

	o.env.mu.Lock()
	delete(o.env.intCbs, o.id)
	o.env.mu.Unlock()
	_, _ = o.env.eval(`(id) => window.__ttvc.disconnectIntersection(id)`, o.id)
}

func msDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
