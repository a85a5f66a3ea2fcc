package viewport

import (
	"sync"
	"time"

	"github.com/vizcomplete/ttvc/dom"
)

// ImageLoadObserver reports load times for images that are visible within
// the viewport. It records the load timestamp when a load/error event
// arrives, then confirms visibility through the intersection observer
// before invoking the callback.
type ImageLoadObserver struct {
	env      *dom.Environment
	callback func(ts time.Duration, img dom.Element)
	io       dom.IntersectionObserver

	mu         sync.Mutex
	observing  bool
	loadTimes  map[dom.Element]time.Duration
	removeLoad func()
	removeErr  func()
}

// NewImageLoadObserver creates an observer delivering (timestamp, image)
// pairs for in-viewport image completions.
func NewImageLoadObserver(env *dom.Environment, cb func(ts time.Duration, img dom.Element)) *ImageLoadObserver {
	o := &ImageLoadObserver{
		env:       env,
		callback:  cb,
		loadTimes: make(map[dom.Element]time.Duration),
	}
	o.io = env.Observers.NewIntersectionObserver(o.onIntersections)
	return o
}

// Observe starts listening for image load events. Idempotent.
func (o *ImageLoadObserver) Observe() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.observing {
		return
	}
	o.observing = true
	o.removeLoad = o.env.Document.Listen(dom.EventLoad, o.onLoadOrError)
	o.removeErr = o.env.Document.Listen(dom.EventError, o.onLoadOrError)
}

// Disconnect stops observation and clears recorded load times. Safe to
// call twice.
func (o *ImageLoadObserver) Disconnect() {
	o.mu.Lock()
	if !o.observing {
		o.mu.Unlock()
		return
	}
	o.observing = false
	o.loadTimes = make(map[dom.Element]time.Duration)
	removeLoad, removeErr := o.removeLoad, o.removeErr
	o.removeLoad, o.removeErr = nil, nil
	o.mu.Unlock()

	o.io.Disconnect()
	if removeLoad != nil {
		removeLoad()
	}
	if removeErr != nil {
		removeErr()
	}
}

func (o *ImageLoadObserver) onLoadOrError(ev dom.Event) {
	if ev.Target == nil || ev.Target.Tag() != "img" {
		return
	}

	o.mu.Lock()
	if !o.observing {
		o.mu.Unlock()
		return
	}
	o.loadTimes[ev.Target] = ev.Time
	o.mu.Unlock()

	o.io.Observe(ev.Target)
}

func (o *ImageLoadObserver) onIntersections(entries []dom.IntersectionEntry) {
	type hit struct {
		ts  time.Duration
		img dom.Element
	}
	var hits []hit

	o.mu.Lock()
	for _, entry := range entries {
		o.io.Unobserve(entry.Target)
		ts, ok := o.loadTimes[entry.Target]
		delete(o.loadTimes, entry.Target)
		if entry.Intersecting && ok {
			hits = append(hits, hit{ts: ts, img: entry.Target})
		}
	}
	o.mu.Unlock()

	for _, h := range hits {
		o.callback(h.ts, h.img)
	}
}
