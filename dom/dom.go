// Package dom defines the host-environment capabilities the measurement
// core depends on: opaque element handles, mutation and viewport-intersection
// observation, document state, a monotonic clock, and timer scheduling.
//
// The core never touches a real DOM. A host binding (a headless browser
// driver, or a fake in tests) implements these contracts and delivers all
// callbacks sequentially from a single dispatch goroutine, mirroring the
// browser event loop.
package dom

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedEnvironment is returned when a required capability is
// missing. It is surfaced at construction time, never from the running
// measurement pipeline.
var ErrUnsupportedEnvironment = errors.New("dom: unsupported environment")

// Element is an opaque handle to a host DOM node. Implementations must be
// comparable and stable: the same underlying node is always represented by
// an equal handle, so detectors can key pending state by element identity.
type Element interface {
	// Tag returns the lower-case tag name, or "" for non-element nodes.
	Tag() string

	// Attr returns the named attribute value and whether it is present.
	Attr(name string) (string, bool)

	// Parent returns the parent element, or nil at the root or for
	// detached nodes.
	Parent() Element

	// IsElement reports whether the node is an HTML element. Text and
	// comment nodes report false; their changes are attributed to the
	// nearest element ancestor via Parent.
	IsElement() bool

	// Images returns the <img> descendants of this node, including the
	// node itself when it is an image.
	Images() []Image
}

// Image is an element handle with image load state.
type Image interface {
	Element

	// Complete reports whether the image has finished loading (or failed).
	// A complete image can never fire a further load event.
	Complete() bool
}

// MutationKind classifies a raw mutation record.
type MutationKind int

const (
	MutationChildList MutationKind = iota
	MutationAttributes
	MutationCharacterData
)

// MutationRecord is one raw mutation as reported by the host observer.
// Time is the host clock value at the moment the mutation was observed,
// preserving relative ordering even when viewport resolution arrives later.
type MutationRecord struct {
	Kind          MutationKind
	Target        Element
	AttributeName string
	OldValue      string
	AddedNodes    []Element
	Time          time.Duration
}

// IntersectionEntry reports a viewport-intersection observation.
type IntersectionEntry struct {
	Target       Element
	Intersecting bool
	Ratio        float64
	Time         time.Duration
}

// MutationObserver watches a subtree for childList, attribute
// (hidden/style/src) and character-data changes.
type MutationObserver interface {
	Observe(root Element) error
	Disconnect()
}

// IntersectionObserver reports when observed elements intersect the
// viewport. Duplicate entries for the same element may be delivered;
// consumers deduplicate.
type IntersectionObserver interface {
	Observe(el Element)
	Unobserve(el Element)
	Disconnect()
}

// ObserverFactory creates observers bound to the host page.
type ObserverFactory interface {
	NewMutationObserver(cb func([]MutationRecord)) MutationObserver
	NewIntersectionObserver(cb func([]IntersectionEntry)) IntersectionObserver
}

// EventType names the host events the measurement lifecycle listens to.
type EventType string

const (
	EventClick            EventType = "click"
	EventKeyDown          EventType = "keydown"
	EventVisibilityChange EventType = "visibilitychange"
	EventPageHide         EventType = "pagehide"
	EventPageShow         EventType = "pageshow"
	EventLocationChange   EventType = "locationchange"
	EventLoad             EventType = "load"
	EventError            EventType = "error"
)

// Event is a discrete host signal dispatched into the measurement state
// machine.
type Event struct {
	Type   EventType
	Target Element

	// CacheRestore is set on pageshow events delivered for a
	// back/forward-cache restoration.
	CacheRestore bool

	// Time is the host clock value when the event fired.
	Time time.Duration
}

// Document exposes page-level state and event subscription. Load and
// error listeners are capture-phase: they see sub-resource events that
// do not bubble.
type Document interface {
	// Root returns the document root element to observe.
	Root() Element

	// Hidden reports whether the page is currently backgrounded.
	Hidden() bool

	// Query returns all descendant elements with the given tag name.
	Query(tag string) []Element

	// Listen subscribes to an event type and returns a removal function.
	// Removal is idempotent.
	Listen(t EventType, cb func(Event)) (remove func())

	// AwaitLoad blocks until the page load event has fired, returning
	// immediately if it already has. It unblocks with ctx.Err() on
	// cancellation.
	AwaitLoad(ctx context.Context) error
}

// Clock reports monotonic time elapsed since the navigation time origin.
type Clock interface {
	Now() time.Duration
}

// Timer is a stoppable scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the
	// timer was stopped before firing.
	Stop() bool
}

// Scheduler provides timer and CPU-idle scheduling.
type Scheduler interface {
	// AfterFunc runs f once after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// RequestIdleCallback runs f once when the host has no pending work.
	RequestIdleCallback(f func())
}

// NavigationType is the browser-reported navigation classification.
type NavigationType string

const (
	NavigationNavigate    NavigationType = "navigate"
	NavigationReload      NavigationType = "reload"
	NavigationBackForward NavigationType = "back_forward"
)

// NavigationTiming exposes the host navigation-timing entry.
type NavigationTiming interface {
	Type() NavigationType

	// ActivationStart is non-zero when the page was prerendered and
	// activated after the recorded start time.
	ActivationStart() time.Duration
}

// Environment bundles the capabilities a measurement needs. Every field
// is required; Validate reports which are missing.
type Environment struct {
	Document   Document
	Observers  ObserverFactory
	Clock      Clock
	Scheduler  Scheduler
	Navigation NavigationTiming
}

// Validate checks that every required capability is present. A missing
// capability wraps ErrUnsupportedEnvironment so callers can test with
// errors.Is.
func (e *Environment) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil environment", ErrUnsupportedEnvironment)
	}
	missing := ""
	switch {
	case e.Document == nil:
		missing = "document"
	case e.Observers == nil:
		missing = "observers"
	case e.Clock == nil:
		missing = "clock"
	case e.Scheduler == nil:
		missing = "scheduler"
	case e.Navigation == nil:
		missing = "navigation timing"
	}
	if missing != "" {
		return fmt.Errorf("%w: missing %s capability", ErrUnsupportedEnvironment, missing)
	}
	return nil
}
