package domtest

import (
	"testing"

	"github.com/vizcomplete/ttvc/dom"
)

// The measurement layer reuses one observer handle across navigations,
// disconnecting after each and observing again for the next. Each change
// must reach the callback exactly once per cycle.
func TestMutationObserverSingleDeliveryAcrossReconnect(t *testing.T) {
	page := NewPage()

	var batches int
	mo := page.NewMutationObserver(func([]dom.MutationRecord) { batches++ })
	if err := mo.Observe(page.Root()); err != nil {
		t.Fatalf("first Observe: %v", err)
	}

	page.Append(page.Body(), NewNode("div"))
	if batches != 1 {
		t.Fatalf("batches = %d after one mutation, want 1", batches)
	}

	mo.Disconnect()
	page.Append(page.Body(), NewNode("div"))
	if batches != 1 {
		t.Fatalf("batches = %d, disconnected observer received a mutation", batches)
	}

	if err := mo.Observe(page.Root()); err != nil {
		t.Fatalf("Observe after Disconnect: %v", err)
	}
	page.Append(page.Body(), NewNode("div"))
	if batches != 2 {
		t.Fatalf("batches = %d after re-observe and one mutation, want 2", batches)
	}
}

func TestIntersectionObserverSingleDeliveryAcrossReconnect(t *testing.T) {
	page := NewPage()
	target := NewNode("div")
	page.Append(page.Body(), target)

	var entries int
	io := page.NewIntersectionObserver(func(es []dom.IntersectionEntry) { entries += len(es) })
	io.Observe(target)

	page.Intersect(target)
	if entries != 1 {
		t.Fatalf("entries = %d after one intersection, want 1", entries)
	}

	io.Disconnect()
	page.Intersect(target)
	if entries != 1 {
		t.Fatalf("entries = %d, disconnected observer received an entry", entries)
	}

	io.Observe(target)
	page.Intersect(target)
	if entries != 2 {
		t.Fatalf("entries = %d after re-observe and one intersection, want 2", entries)
	}
}
