// Package sink defines output backends for measurement results.
package sink

import (
	"context"
	"time"

	"github.com/vizcomplete/ttvc/idgen"
	"github.com/vizcomplete/ttvc/measure"
)

// Kind discriminates the two result shapes.
type Kind string

const (
	KindMetric       Kind = "metric"
	KindCancellation Kind = "cancellation"
)

// Result is the wire envelope for one measurement outcome. Durations are
// serialised in milliseconds to match the convention of web performance
// timelines.
type Result struct {
	ID      string `json:"id"`
	PageID  string `json:"page_id"`
	PageURL string `json:"page_url"`
	Kind    Kind   `json:"kind"`

	StartMs    float64 `json:"start_ms"`
	EndMs      float64 `json:"end_ms"`
	DurationMs float64 `json:"duration_ms"`

	NavigationType  string `json:"navigation_type,omitempty"`
	NetworkTimedOut bool   `json:"network_timed_out,omitempty"`

	// Reason and Event are set for cancellations only.
	Reason string `json:"reason,omitempty"`
	Event  string `json:"event,omitempty"`

	At time.Time `json:"at"`
}

// FromMetric builds a Result envelope for a completed measurement.
func FromMetric(pageID, pageURL string, m measure.Metric) Result {
	return Result{
		ID:              newResultID(),
		PageID:          pageID,
		PageURL:         pageURL,
		Kind:            KindMetric,
		StartMs:         ms(m.Start),
		EndMs:           ms(m.End),
		DurationMs:      ms(m.Duration),
		NavigationType:  string(m.Detail.NavigationType),
		NetworkTimedOut: m.Detail.DidNetworkTimeOut,
		At:              time.Now().UTC(),
	}
}

// FromCancellation builds a Result envelope for an aborted measurement.
func FromCancellation(pageID, pageURL string, e measure.CancellationError) Result {
	return Result{
		ID:             newResultID(),
		PageID:         pageID,
		PageURL:        pageURL,
		Kind:           KindCancellation,
		StartMs:        ms(e.Start),
		EndMs:          ms(e.End),
		DurationMs:     ms(e.Duration),
		NavigationType: string(e.NavigationType),
		Reason:         string(e.Reason),
		Event:          string(e.EventType),
		At:             time.Now().UTC(),
	}
}

// newResultID scopes result identifiers so they are recognisable in
// mixed logs and webhook payloads.
var newResultID = idgen.Prefixed("res_", idgen.Default)

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Sink is the output interface. Implementations deliver results to
// different backends (stdout, webhook, SQLite, in-process callback).
type Sink interface {
	Send(ctx context.Context, r Result) error
	Close() error
}
