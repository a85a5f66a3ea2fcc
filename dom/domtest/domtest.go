// Package domtest provides an in-memory host environment for exercising
// the measurement pipeline without a browser. Tests (and host-binding
// authors) drive it imperatively: append nodes, flip attributes, fire
// load events, intersect elements, background the page.
//
// All delivery is synchronous on the caller's goroutine, mirroring the
// single-threaded event-loop contract of package dom.
package domtest

import (
	"context"
	"sync"
	"time"

	"github.com/vizcomplete/ttvc/dom"
)

// Node is a fake DOM node. It implements dom.Element and dom.Image.
type Node struct {
	page     *Page
	tag      string
	text     bool
	parent   *Node
	children []*Node

	mu       sync.Mutex
	attrs    map[string]string
	complete bool
}

// NewNode creates a detached element node. Attribute pairs are given as
// alternating name/value strings.
func NewNode(tag string, attrPairs ...string) *Node {
	n := &Node{tag: tag, attrs: make(map[string]string)}
	for i := 0; i+1 < len(attrPairs); i += 2 {
		n.attrs[attrPairs[i]] = attrPairs[i+1]
	}
	return n
}

// NewTextNode creates a detached text node.
func NewTextNode() *Node {
	return &Node{text: true, attrs: make(map[string]string)}
}

// SetComplete marks an image node as already loaded.
func (n *Node) SetComplete(v bool) *Node {
	n.mu.Lock()
	n.complete = v
	n.mu.Unlock()
	return n
}

func (n *Node) Tag() string {
	if n.text {
		return ""
	}
	return n.tag
}

func (n *Node) Attr(name string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.attrs[name]
	return v, ok
}

func (n *Node) Parent() dom.Element {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *Node) IsElement() bool { return !n.text }

func (n *Node) Images() []dom.Image {
	var out []dom.Image
	n.walk(func(d *Node) {
		if d.tag == "img" && !d.text {
			out = append(out, d)
		}
	})
	return out
}

func (n *Node) Complete() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.complete
}

func (n *Node) walk(f func(*Node)) {
	f(n)
	for _, c := range n.children {
		c.walk(f)
	}
}

// Page is a fake document. It implements dom.Document, dom.ObserverFactory
// and dom.NavigationTiming; Env bundles it into a complete environment.
type Page struct {
	mu        sync.Mutex
	root      *Node
	hidden    bool
	loaded    bool
	loadCh    chan struct{}
	listeners map[dom.EventType]map[int]func(dom.Event)
	nextLis   int
	mutObs    []*mutationObs
	intObs    []*intersectionObs

	clock *dom.MonotonicClock

	NavType    dom.NavigationType
	Activation time.Duration
}

// NewPage creates a page with an empty <html><body> tree.
func NewPage() *Page {
	root := NewNode("html")
	body := NewNode("body")
	body.parent = root
	root.children = append(root.children, body)

	p := &Page{
		root:      root,
		loadCh:    make(chan struct{}),
		listeners: make(map[dom.EventType]map[int]func(dom.Event)),
		clock:     dom.NewMonotonicClock(time.Now(), 0),
		NavType:   dom.NavigationNavigate,
	}
	root.page = p
	body.page = p
	return p
}

// Env returns a complete environment backed by this page, a real-time
// scheduler and a monotonic clock.
func (p *Page) Env() *dom.Environment {
	return &dom.Environment{
		Document:   p,
		Observers:  p,
		Clock:      p.clock,
		Scheduler:  dom.RealScheduler{},
		Navigation: p,
	}
}

// Body returns the <body> node.
func (p *Page) Body() *Node { return p.root.children[0] }

// Now reads the page clock.
func (p *Page) Now() time.Duration { return p.clock.Now() }

// --- dom.Document ---

func (p *Page) Root() dom.Element { return p.root }

func (p *Page) Hidden() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hidden
}

func (p *Page) Query(tag string) []dom.Element {
	var out []dom.Element
	p.root.walk(func(n *Node) {
		if !n.text && n.tag == tag {
			out = append(out, n)
		}
	})
	return out
}

func (p *Page) Listen(t dom.EventType, cb func(dom.Event)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners[t] == nil {
		p.listeners[t] = make(map[int]func(dom.Event))
	}
	id := p.nextLis
	p.nextLis++
	p.listeners[t][id] = cb

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners[t], id)
	}
}

func (p *Page) AwaitLoad(ctx context.Context) error {
	p.mu.Lock()
	if p.loaded {
		p.mu.Unlock()
		return nil
	}
	ch := p.loadCh
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- dom.NavigationTiming ---

func (p *Page) Type() dom.NavigationType { return p.NavType }

func (p *Page) ActivationStart() time.Duration { return p.Activation }

// --- dom.ObserverFactory ---

func (p *Page) NewMutationObserver(cb func([]dom.MutationRecord)) dom.MutationObserver {
	return &mutationObs{page: p, cb: cb}
}

func (p *Page) NewIntersectionObserver(cb func([]dom.IntersectionEntry)) dom.IntersectionObserver {
	return &intersectionObs{page: p, cb: cb, observed: make(map[*Node]struct{})}
}

// --- test drivers ---

// Append attaches child under parent and delivers a childList mutation.
func (p *Page) Append(parent, child *Node) {
	child.parent = parent
	child.page = p
	parent.children = append(parent.children, child)

	p.deliverMutations([]dom.MutationRecord{{
		Kind:       dom.MutationChildList,
		Target:     parent,
		AddedNodes: []dom.Element{child},
		Time:       p.clock.Now(),
	}})
}

// SetAttr updates an attribute and delivers an attribute mutation with
// the previous value.
func (p *Page) SetAttr(n *Node, name, value string) {
	n.mu.Lock()
	old := n.attrs[name]
	n.attrs[name] = value
	n.mu.Unlock()

	p.deliverMutations([]dom.MutationRecord{{
		Kind:          dom.MutationAttributes,
		Target:        n,
		AttributeName: name,
		OldValue:      old,
		Time:          p.clock.Now(),
	}})
}

// RemoveAttr deletes an attribute and delivers an attribute mutation.
func (p *Page) RemoveAttr(n *Node, name string) {
	n.mu.Lock()
	old := n.attrs[name]
	delete(n.attrs, name)
	n.mu.Unlock()

	p.deliverMutations([]dom.MutationRecord{{
		Kind:          dom.MutationAttributes,
		Target:        n,
		AttributeName: name,
		OldValue:      old,
		Time:          p.clock.Now(),
	}})
}

// SetText delivers a character-data mutation targeting a text child of n.
func (p *Page) SetText(n *Node, old string) {
	txt := NewTextNode()
	txt.parent = n
	txt.page = p

	p.deliverMutations([]dom.MutationRecord{{
		Kind:     dom.MutationCharacterData,
		Target:   txt,
		OldValue: old,
		Time:     p.clock.Now(),
	}})
}

// Intersect reports n as intersecting the viewport to every observer
// currently watching it.
func (p *Page) Intersect(n *Node) {
	p.mu.Lock()
	obs := make([]*intersectionObs, len(p.intObs))
	copy(obs, p.intObs)
	p.mu.Unlock()

	entry := dom.IntersectionEntry{Target: n, Intersecting: true, Ratio: 1, Time: p.clock.Now()}
	for _, o := range obs {
		o.mu.Lock()
		_, watching := o.observed[n]
		o.mu.Unlock()
		if watching {
			o.cb([]dom.IntersectionEntry{entry})
		}
	}
}

// FireLoad dispatches a capture-phase load event targeting n and marks
// image nodes complete.
func (p *Page) FireLoad(n *Node) {
	if n != nil && n.tag == "img" {
		n.SetComplete(true)
	}
	p.dispatch(dom.Event{Type: dom.EventLoad, Target: n, Time: p.clock.Now()})
}

// FireError dispatches a capture-phase error event targeting n.
func (p *Page) FireError(n *Node) {
	p.dispatch(dom.Event{Type: dom.EventError, Target: n, Time: p.clock.Now()})
}

// Load marks the page loaded and fires the window load event.
func (p *Page) Load() {
	p.mu.Lock()
	if p.loaded {
		p.mu.Unlock()
		return
	}
	p.loaded = true
	close(p.loadCh)
	p.mu.Unlock()

	p.dispatch(dom.Event{Type: dom.EventLoad, Time: p.clock.Now()})
}

// SetHidden flips document visibility and fires visibilitychange.
func (p *Page) SetHidden(hidden bool) {
	p.mu.Lock()
	p.hidden = hidden
	p.mu.Unlock()
	p.dispatch(dom.Event{Type: dom.EventVisibilityChange, Time: p.clock.Now()})
}

// Fire dispatches an arbitrary event.
func (p *Page) Fire(ev dom.Event) {
	if ev.Time == 0 {
		ev.Time = p.clock.Now()
	}
	p.dispatch(ev)
}

func (p *Page) dispatch(ev dom.Event) {
	p.mu.Lock()
	cbs := make([]func(dom.Event), 0, len(p.listeners[ev.Type]))
	for _, cb := range p.listeners[ev.Type] {
		cbs = append(cbs, cb)
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

func (p *Page) deliverMutations(records []dom.MutationRecord) {
	p.mu.Lock()
	obs := make([]*mutationObs, len(p.mutObs))
	copy(obs, p.mutObs)
	p.mu.Unlock()

	for _, o := range obs {
		if o.active() {
			o.cb(records)
		}
	}
}

// A handle joins the page's delivery list once, on its first Observe.
// Disconnect only silences it, so an observe/disconnect/observe cycle
// never yields duplicate deliveries.
type mutationObs struct {
	page *Page
	cb   func([]dom.MutationRecord)

	mu         sync.Mutex
	observing  bool
	registered bool
}

func (o *mutationObs) Observe(root dom.Element) error {
	o.mu.Lock()
	o.observing = true
	was := o.registered
	o.registered = true
	o.mu.Unlock()

	if !was {
		o.page.mu.Lock()
		o.page.mutObs = append(o.page.mutObs, o)
		o.page.mu.Unlock()
	}
	return nil
}

func (o *mutationObs) Disconnect() {
	o.mu.Lock()
	o.observing = false
	o.mu.Unlock()
}

func (o *mutationObs) active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.observing
}

type intersectionObs struct {
	page *Page
	cb   func([]dom.IntersectionEntry)

	mu         sync.Mutex
	observed   map[*Node]struct{}
	registered bool
}

func (o *intersectionObs) Observe(el dom.Element) {
	n, ok := el.(*Node)
	if !ok {
		return
	}
	o.mu.Lock()
	o.observed[n] = struct{}{}
	was := o.registered
	o.registered = true
	o.mu.Unlock()

	if !was {
		o.page.mu.Lock()
		o.page.intObs = append(o.page.intObs, o)
		o.page.mu.Unlock()
	}
}

func (o *intersectionObs) Unobserve(el dom.Element) {
	n, ok := el.(*Node)
	if !ok {
		return
	}
	o.mu.Lock()
	delete(o.observed, n)
	o.mu.Unlock()
}

func (o *intersectionObs) Disconnect() {
	o.mu.Lock()
	o.observed = make(map[*Node]struct{})
	o.mu.Unlock()
}
