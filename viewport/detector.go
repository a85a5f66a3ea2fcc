// Package viewport detects user-visible changes: DOM mutations and image
// loads that affect elements which have been inside the viewport at least
// once while observing.
//
// Given a root A, the mutation watcher sees every change underneath it.
// When children B (in viewport) and C (not) are added, both are handed to
// the intersection observer; B resolves almost immediately, C resolves if
// it ever scrolls into view. Changes whose element never intersects before
// disconnect are dropped and only show up in the diagnostics counters.
package viewport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vizcomplete/ttvc/dom"
)

// ChangeReason classifies why an element is considered visually changed.
type ChangeReason int

const (
	ReasonNodeAdded ChangeReason = iota
	ReasonUnhidden
	ReasonStyleRevealed
	ReasonImageSrcChanged
)

func (r ChangeReason) String() string {
	switch r {
	case ReasonNodeAdded:
		return "node_added"
	case ReasonUnhidden:
		return "unhidden"
	case ReasonStyleRevealed:
		return "style_revealed"
	case ReasonImageSrcChanged:
		return "image_src_changed"
	}
	return "unknown"
}

// Change is one observed visible change. Time is taken when the mutation
// is first observed, not when the intersection resolves, so ordering
// between near-simultaneous changes is preserved. Intersection carries
// proof of viewport entry; it is nil when the document was hidden and the
// intersection step was bypassed.
type Change struct {
	Time         time.Duration
	Reason       ChangeReason
	Target       dom.Element
	Intersection *dom.IntersectionEntry
}

// Stats are diagnostic counters accumulated over one observation window.
type Stats struct {
	MutationsObserved      int
	IntersectionsScheduled int
	IntersectionsObserved  int
	Unresolved             int
	MutationLatency        time.Duration
	IntersectionLatency    time.Duration
}

// Config for a Detector.
type Config struct {
	Env      *dom.Environment
	Callback func(Change)
	Logger   *slog.Logger
}

// Detector observes a root subtree and invokes the callback for each
// classified change once its element has intersected the viewport (or
// immediately while the document is hidden).
type Detector struct {
	env      *dom.Environment
	callback func(Change)
	logger   *slog.Logger

	mo      dom.MutationObserver
	io      dom.IntersectionObserver
	imageIO dom.IntersectionObserver

	mu            sync.Mutex
	observing     bool
	pending       map[dom.Element]Change
	loadingImages map[dom.Element]struct{}
	pageHasImages bool
	lastImageLoad time.Duration
	imageWaiters  []chan time.Duration
	wasHidden     bool
	stats         Stats
	removeLoad    func()
	removeErr     func()
}

// New creates a Detector. The environment must already be validated.
func New(cfg Config) *Detector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Detector{
		env:           cfg.Env,
		callback:      cfg.Callback,
		logger:        cfg.Logger,
		pending:       make(map[dom.Element]Change),
		loadingImages: make(map[dom.Element]struct{}),
	}
	d.mo = cfg.Env.Observers.NewMutationObserver(d.onMutations)
	d.io = cfg.Env.Observers.NewIntersectionObserver(d.onIntersections)
	d.imageIO = cfg.Env.Observers.NewIntersectionObserver(d.onImageIntersections)
	return d
}

// Observe starts (or restarts) watching the given root subtree.
func (d *Detector) Observe(root dom.Element) error {
	d.mu.Lock()
	if !d.observing {
		d.observing = true
		d.removeLoad = d.env.Document.Listen(dom.EventLoad, d.onImageSettled)
		d.removeErr = d.env.Document.Listen(dom.EventError, d.onImageSettled)
	}
	d.mu.Unlock()

	return d.mo.Observe(root)
}

// Disconnect stops all observation, clears pending state and freezes the
// diagnostics counters. Idempotent: a second call is a no-op.
func (d *Detector) Disconnect() {
	d.mu.Lock()
	if !d.observing {
		d.mu.Unlock()
		return
	}
	d.observing = false
	d.stats.Unresolved += len(d.pending)
	d.pending = make(map[dom.Element]Change)
	removeLoad, removeErr := d.removeLoad, d.removeErr
	d.removeLoad, d.removeErr = nil, nil
	d.mu.Unlock()

	d.mo.Disconnect()
	d.io.Disconnect()
	d.imageIO.Disconnect()
	if removeLoad != nil {
		removeLoad()
	}
	if removeErr != nil {
		removeErr()
	}
}

// WasDocumentHidden reports, sticky for the detector's lifetime, whether
// the document was ever observed hidden while processing a mutation.
func (d *Detector) WasDocumentHidden() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.wasHidden
}

// Stats returns a copy of the diagnostics counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// WaitForLoadingImages blocks until every in-viewport loading image has
// settled, returning the timestamp of the most recent completion. Pages
// that never showed a loading image return zero immediately, so an
// image-free page cannot wait forever.
func (d *Detector) WaitForLoadingImages(ctx context.Context) (time.Duration, error) {
	d.mu.Lock()
	if !d.pageHasImages || len(d.loadingImages) == 0 {
		ts := d.lastImageLoad
		if !d.pageHasImages {
			ts = 0
		}
		d.mu.Unlock()
		return ts, nil
	}
	ch := make(chan time.Duration, 1)
	d.imageWaiters = append(d.imageWaiters, ch)
	d.mu.Unlock()

	select {
	case ts := <-ch:
		return ts, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// onMutations classifies raw records and routes surviving changes to the
// viewport-intersection step, or straight to the callback while the
// document is hidden (a backgrounded tab renders nothing, so geometric
// intersection is vacuous).
func (d *Detector) onMutations(records []dom.MutationRecord) {
	start := d.env.Clock.Now()

	var immediate []Change
	hidden := d.env.Document.Hidden()

	d.mu.Lock()
	if !d.observing {
		d.mu.Unlock()
		return
	}
	d.stats.MutationsObserved += len(records)
	if hidden {
		d.wasHidden = true
	}

	for _, rec := range records {
		for _, ch := range classify(rec) {
			if hidden {
				immediate = append(immediate, ch)
				continue
			}
			d.scheduleLocked(ch)
		}
	}
	d.stats.MutationLatency += d.env.Clock.Now() - start
	d.mu.Unlock()

	for _, ch := range immediate {
		d.callback(ch)
	}
}

// scheduleLocked registers a pending change and begins intersection
// observation of its target. Incomplete image descendants are watched by
// the decoupled image intersection observer.
func (d *Detector) scheduleLocked(ch Change) {
	d.stats.IntersectionsScheduled++
	d.pending[ch.Target] = ch
	d.io.Observe(ch.Target)

	for _, img := range ch.Target.Images() {
		if !img.Complete() {
			d.imageIO.Observe(img)
		}
	}
}

func (d *Detector) onIntersections(entries []dom.IntersectionEntry) {
	start := d.env.Clock.Now()

	var resolved []Change

	d.mu.Lock()
	if !d.observing {
		d.mu.Unlock()
		return
	}
	d.stats.IntersectionsObserved += len(entries)
	for _, entry := range entries {
		if !entry.Intersecting {
			continue
		}
		d.io.Unobserve(entry.Target)

		// Duplicate entries for the same element must not double-fire
		// the callback; the pending map is the single source of truth.
		ch, ok := d.pending[entry.Target]
		if !ok {
			continue
		}
		delete(d.pending, entry.Target)
		e := entry
		ch.Intersection = &e
		resolved = append(resolved, ch)
	}
	d.stats.IntersectionLatency += d.env.Clock.Now() - start
	d.mu.Unlock()

	for _, ch := range resolved {
		d.callback(ch)
	}
}

func (d *Detector) onImageIntersections(entries []dom.IntersectionEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.observing {
		return
	}
	for _, entry := range entries {
		if entry.Intersecting {
			d.pageHasImages = true
			d.loadingImages[entry.Target] = struct{}{}
		}
	}
}

// onImageSettled drains the loading-images set as load/error events
// arrive, waking waiters when it empties.
func (d *Detector) onImageSettled(ev dom.Event) {
	if ev.Target == nil {
		return
	}

	d.mu.Lock()
	if _, ok := d.loadingImages[ev.Target]; !ok {
		d.mu.Unlock()
		return
	}
	d.imageIO.Unobserve(ev.Target)
	delete(d.loadingImages, ev.Target)
	d.lastImageLoad = ev.Time
	var waiters []chan time.Duration
	var ts time.Duration
	if len(d.loadingImages) == 0 {
		waiters = d.imageWaiters
		d.imageWaiters = nil
		ts = d.lastImageLoad
	}
	d.mu.Unlock()

	for _, ch := range waiters {
		ch <- ts
	}
}

// classify turns one raw mutation record into zero or more changes.
// Records whose target is outside the render tree are discarded with no
// downstream effect. Character-data records are observed (they count in
// diagnostics) but produce no change: text attribution is deliberately
// outside the guaranteed surface.
func classify(rec dom.MutationRecord) []Change {
	target := nearestElement(rec.Target)
	if target == nil || !isInRenderTree(target) {
		return nil
	}

	switch rec.Kind {
	case dom.MutationChildList:
		var out []Change
		for _, node := range rec.AddedNodes {
			el := node
			if !el.IsElement() {
				continue
			}
			if !isInRenderTree(el) {
				continue
			}
			out = append(out, Change{Time: rec.Time, Reason: ReasonNodeAdded, Target: el})
		}
		return out

	case dom.MutationAttributes:
		switch rec.AttributeName {
		case "hidden":
			if !isHidden(target) {
				return []Change{{Time: rec.Time, Reason: ReasonUnhidden, Target: target}}
			}
		case "style":
			style, _ := target.Attr("style")
			if styleHidesElement(rec.OldValue) && !styleHidesElement(style) {
				return []Change{{Time: rec.Time, Reason: ReasonStyleRevealed, Target: target}}
			}
		case "src":
			if target.Tag() == "img" {
				return []Change{{Time: rec.Time, Reason: ReasonImageSrcChanged, Target: target}}
			}
		}
	}
	return nil
}
