package measure

import (
	"fmt"
	"time"

	"github.com/vizcomplete/ttvc/dom"
	"github.com/vizcomplete/ttvc/viewport"
)

// CancellationReason explains why a measurement was aborted. Cancellation
// is an expected outcome, delivered through the error subscriber channel,
// never thrown through the pipeline.
type CancellationReason string

const (
	// A later navigation was detected through a page-hide signal.
	CancelNewNavigation CancellationReason = "NEW_NAVIGATION"
	// The coordinator started a new observation before this one finished.
	CancelNewMeasurement CancellationReason = "NEW_MEASUREMENT"
	// The page was backgrounded.
	CancelVisibilityChange CancellationReason = "VISIBILITY_CHANGE"
	// The user clicked or pressed a key during the measurement.
	CancelUserInteraction CancellationReason = "USER_INTERACTION"
	// The host application called Cancel.
	CancelManual CancellationReason = "MANUAL_CANCELLATION"
)

// Navigation types beyond the browser-reported set: script marks an
// SPA-style navigation with an explicit start time, prerender marks a
// navigation whose activation happened after the recorded start.
const (
	NavigationScript    dom.NavigationType = "script"
	NavigationPrerender dom.NavigationType = "prerender"
)

// VisibleChangeSource tells which signal produced the last visible change.
type VisibleChangeSource int

const (
	SourceMutation VisibleChangeSource = iota
	SourceImageLoad
)

// VisibleChange identifies the most recent visual update of a navigation:
// either a viewport mutation or an in-viewport image load.
type VisibleChange struct {
	Time   time.Duration
	Target dom.Element
	Source VisibleChangeSource

	// Mutation carries the full change record when Source is
	// SourceMutation.
	Mutation *viewport.Change
}

// Detail is the metadata attached to a successful measurement.
type Detail struct {
	// DidNetworkTimeOut is set when a stalled network signal was
	// force-cleared during this measurement.
	DidNetworkTimeOut bool

	LastVisibleChange *VisibleChange

	NavigationType dom.NavigationType
}

// Metric is a completed TTVC measurement. All times are relative to the
// navigation time origin; Duration is the TTVC value itself.
type Metric struct {
	Start    time.Duration
	End      time.Duration
	Duration time.Duration
	Detail   Detail
}

// CancellationError records an aborted measurement. EventType and
// EventTarget are set when a host event triggered the cancellation.
type CancellationError struct {
	Start    time.Duration
	End      time.Duration
	Duration time.Duration

	Reason      CancellationReason
	EventType   dom.EventType
	EventTarget dom.Element

	LastVisibleChange *VisibleChange
	NavigationType    dom.NavigationType
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("measure: cancelled after %v: %s", e.Duration, e.Reason)
}
