package viewport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vizcomplete/ttvc/dom/domtest"
)

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(ch Change) {
	l.mu.Lock()
	l.changes = append(l.changes, ch)
	l.mu.Unlock()
}

func (l *changeLog) snapshot() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Change, len(l.changes))
	copy(out, l.changes)
	return out
}

func newDetector(t *testing.T, page *domtest.Page) (*Detector, *changeLog) {
	t.Helper()
	log := &changeLog{}
	d := New(Config{Env: page.Env(), Callback: log.add})
	if err := d.Observe(page.Root()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.Disconnect)
	return d, log
}

func TestChangeRequiresIntersection(t *testing.T) {
	page := domtest.NewPage()
	_, log := newDetector(t, page)

	div := domtest.NewNode("div")
	page.Append(page.Body(), div)

	if got := log.snapshot(); len(got) != 0 {
		t.Fatalf("callback fired before intersection: %v", got)
	}

	page.Intersect(div)
	got := log.snapshot()
	if len(got) != 1 {
		t.Fatalf("changes = %d, want 1", len(got))
	}
	if got[0].Reason != ReasonNodeAdded || got[0].Target != div {
		t.Fatalf("change = %+v, want node_added targeting the inserted div", got[0])
	}
	if got[0].Intersection == nil || !got[0].Intersection.Intersecting {
		t.Fatal("change carries no intersection proof")
	}
}

func TestDuplicateIntersectionsDoNotDoubleFire(t *testing.T) {
	page := domtest.NewPage()
	_, log := newDetector(t, page)

	div := domtest.NewNode("div")
	page.Append(page.Body(), div)
	page.Intersect(div)
	page.Intersect(div)

	if got := log.snapshot(); len(got) != 1 {
		t.Fatalf("changes = %d, want 1 (duplicate intersections must dedupe)", len(got))
	}
}

func TestChangeTimeIsMutationTime(t *testing.T) {
	page := domtest.NewPage()
	_, log := newDetector(t, page)

	div := domtest.NewNode("div")
	page.Append(page.Body(), div)
	mutationBy := page.Now()

	time.Sleep(10 * time.Millisecond)
	page.Intersect(div)

	got := log.snapshot()
	if len(got) != 1 {
		t.Fatalf("changes = %d, want 1", len(got))
	}
	if got[0].Time > mutationBy {
		t.Fatalf("change time %v taken after mutation delivery (%v)", got[0].Time, mutationBy)
	}
}

func TestHiddenDocumentBypassesIntersection(t *testing.T) {
	page := domtest.NewPage()
	d, log := newDetector(t, page)

	page.SetHidden(true)
	div := domtest.NewNode("div")
	page.Append(page.Body(), div)

	got := log.snapshot()
	if len(got) != 1 {
		t.Fatalf("changes = %d, want 1 immediate change on a hidden document", len(got))
	}
	if got[0].Intersection != nil {
		t.Fatal("bypassed change must not carry intersection proof")
	}
	if !d.WasDocumentHidden() {
		t.Fatal("WasDocumentHidden = false after a hidden-document mutation")
	}

	// Sticky: the flag survives the document becoming visible again.
	page.SetHidden(false)
	page.Append(page.Body(), domtest.NewNode("p"))
	if !d.WasDocumentHidden() {
		t.Fatal("WasDocumentHidden flag not sticky")
	}
}

func TestRenderTreeFiltering(t *testing.T) {
	page := domtest.NewPage()
	_, log := newDetector(t, page)

	hidden := domtest.NewNode("div", "hidden", "")
	ignored := domtest.NewNode("div", IgnoreAttribute, "ignore")
	styled := domtest.NewNode("div", "style", "visibility: hidden")
	for _, n := range []*domtest.Node{hidden, ignored, styled} {
		page.Append(page.Body(), n)
		page.Intersect(n)
	}

	if got := log.snapshot(); len(got) != 0 {
		t.Fatalf("filtered elements produced changes: %v", got)
	}
}

func TestUnhiddenClassification(t *testing.T) {
	page := domtest.NewPage()
	_, log := newDetector(t, page)

	div := domtest.NewNode("div", "hidden", "")
	page.Append(page.Body(), div)
	page.RemoveAttr(div, "hidden")
	page.Intersect(div)

	got := log.snapshot()
	if len(got) != 1 || got[0].Reason != ReasonUnhidden {
		t.Fatalf("changes = %+v, want one unhidden change", got)
	}
}

func TestStyleRevealClassification(t *testing.T) {
	page := domtest.NewPage()
	_, log := newDetector(t, page)

	div := domtest.NewNode("div", "style", "display:none")
	page.Append(page.Body(), div)
	page.SetAttr(div, "style", "display:block")
	page.Intersect(div)

	got := log.snapshot()
	if len(got) != 1 || got[0].Reason != ReasonStyleRevealed {
		t.Fatalf("changes = %+v, want one style_revealed change", got)
	}

	// A style edit that never hid the element is not a reveal.
	page.SetAttr(div, "style", "color:red")
	page.Intersect(div)
	if got := log.snapshot(); len(got) != 1 {
		t.Fatalf("non-revealing style edit produced a change: %+v", got)
	}
}

func TestImageSrcChangeClassification(t *testing.T) {
	page := domtest.NewPage()
	_, log := newDetector(t, page)

	img := domtest.NewNode("img", "src", "/a.png")
	page.Append(page.Body(), img)
	page.Intersect(img)

	page.SetAttr(img, "src", "/b.png")
	page.Intersect(img)

	got := log.snapshot()
	if len(got) != 2 {
		t.Fatalf("changes = %d, want 2", len(got))
	}
	if got[1].Reason != ReasonImageSrcChanged {
		t.Fatalf("second change reason = %v, want image_src_changed", got[1].Reason)
	}
}

func TestCharacterDataObservedButUnclassified(t *testing.T) {
	page := domtest.NewPage()
	d, log := newDetector(t, page)

	div := domtest.NewNode("div")
	page.Append(page.Body(), div)
	page.Intersect(div)

	before := d.Stats().MutationsObserved
	page.SetText(div, "old text")

	if got := d.Stats().MutationsObserved; got != before+1 {
		t.Fatalf("MutationsObserved = %d, want %d", got, before+1)
	}
	if got := log.snapshot(); len(got) != 1 {
		t.Fatalf("character-data mutation produced a change: %+v", got)
	}
}

func TestWaitForLoadingImagesOnImageFreePage(t *testing.T) {
	page := domtest.NewPage()
	d, _ := newDetector(t, page)

	page.Append(page.Body(), domtest.NewNode("div"))

	ts, err := d.WaitForLoadingImages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ts != 0 {
		t.Fatalf("image-free page returned %v, want 0", ts)
	}
}

func TestWaitForLoadingImagesBlocksUntilSettled(t *testing.T) {
	page := domtest.NewPage()
	d, _ := newDetector(t, page)

	card := domtest.NewNode("div")
	img := domtest.NewNode("img", "src", "/photo.jpg")
	page.Append(card, img)
	page.Append(page.Body(), card)
	page.Intersect(img) // image intersection marks it loading in viewport

	done := make(chan time.Duration, 1)
	go func() {
		ts, err := d.WaitForLoadingImages(context.Background())
		if err != nil {
			t.Error(err)
		}
		done <- ts
	}()

	select {
	case ts := <-done:
		t.Fatalf("wait returned %v with an image still loading", ts)
	case <-time.After(20 * time.Millisecond):
	}

	page.FireLoad(img)

	select {
	case ts := <-done:
		if ts == 0 {
			t.Fatal("settled wait returned zero timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return after the image loaded")
	}
}

func TestWaitForLoadingImagesHonorsContext(t *testing.T) {
	page := domtest.NewPage()
	d, _ := newDetector(t, page)

	card := domtest.NewNode("div")
	img := domtest.NewNode("img", "src", "/slow.jpg")
	page.Append(card, img)
	page.Append(page.Body(), card)
	page.Intersect(img)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := d.WaitForLoadingImages(ctx); err == nil {
		t.Fatal("expected context error for an image that never settles")
	}
}

func TestDisconnectFreezesAndCounts(t *testing.T) {
	page := domtest.NewPage()
	d, log := newDetector(t, page)

	div := domtest.NewNode("div")
	page.Append(page.Body(), div) // pending, never intersects

	d.Disconnect()
	d.Disconnect() // idempotent

	if got := d.Stats().Unresolved; got != 1 {
		t.Fatalf("Unresolved = %d, want 1", got)
	}

	page.Intersect(div)
	page.Append(page.Body(), domtest.NewNode("p"))
	if got := log.snapshot(); len(got) != 0 {
		t.Fatalf("disconnected detector delivered changes: %+v", got)
	}
}
