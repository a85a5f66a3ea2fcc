package browser

import (
	"sync"

	"github.com/vizcomplete/ttvc/dom"
)

// remoteElement is the Go handle for one page node. Handles are interned
// by probe id, so the same node is always the same pointer and can key
// detector maps. Attribute snapshots refresh on every descriptor receipt;
// between messages they may lag the live page, which is acceptable: the
// Go side only inspects attributes it was just told about.
type remoteElement struct {
	env *Env
	id  int

	mu       sync.Mutex
	element  bool
	tag      string
	attrs    map[string]string
	parent   *remoteElement
	images   []*remoteElement
	complete bool
}

func (e *Env) intern(d nodeDesc) *remoteElement {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.internLocked(d)
}

func (e *Env) internLocked(d nodeDesc) *remoteElement {
	el := e.updateLocked(d)

	// The ancestor chain arrives innermost first.
	child := el
	for _, a := range d.Ancestors {
		p := e.updateLocked(a)
		child.mu.Lock()
		child.parent = p
		child.mu.Unlock()
		child = p
	}

	if len(d.Images) > 0 {
		imgs := make([]*remoteElement, 0, len(d.Images))
		for _, img := range d.Images {
			imgs = append(imgs, e.updateLocked(img))
		}
		el.mu.Lock()
		el.images = imgs
		el.mu.Unlock()
	}
	return el
}

func (e *Env) updateLocked(d nodeDesc) *remoteElement {
	el, ok := e.elements[d.ID]
	if !ok {
		el = &remoteElement{env: e, id: d.ID}
		e.elements[d.ID] = el
	}

	el.mu.Lock()
	el.element = d.Element
	el.tag = d.Tag
	if d.Attrs != nil {
		el.attrs = d.Attrs
	}
	if d.Complete != nil {
		el.complete = *d.Complete
	}
	el.mu.Unlock()
	return el
}

func (el *remoteElement) Tag() string {
	el.mu.Lock()
	defer el.mu.Unlock()
	if !el.element {
		return ""
	}
	return el.tag
}

func (el *remoteElement) Attr(name string) (string, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	v, ok := el.attrs[name]
	return v, ok
}

func (el *remoteElement) Parent() dom.Element {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.parent == nil {
		return nil
	}
	return el.parent
}

func (el *remoteElement) IsElement() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.element
}

func (el *remoteElement) Images() []dom.Image {
	el.mu.Lock()
	defer el.mu.Unlock()
	out := make([]dom.Image, 0, len(el.images))
	for _, img := range el.images {
		out = append(out, img)
	}
	return out
}

func (el *remoteElement) Complete() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.complete
}
