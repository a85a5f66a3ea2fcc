package measure

import (
	"testing"
	"time"

	"github.com/vizcomplete/ttvc/dom"
	"github.com/vizcomplete/ttvc/dom/domtest"
)

const testIdleWindow = 20 * time.Millisecond

func newCalculator(t *testing.T, page *domtest.Page) (*Calculator, chan Metric, chan CancellationError) {
	t.Helper()
	calc, err := New(Config{Env: page.Env(), IdleWindow: testIdleWindow})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(calc.Shutdown)

	metrics := make(chan Metric, 4)
	errors := make(chan CancellationError, 4)
	calc.OnTTVC(
		func(m Metric) { metrics <- m },
		func(e CancellationError) { errors <- e },
	)
	return calc, metrics, errors
}

func waitMetric(t *testing.T, ch <-chan Metric) Metric {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a metric")
		return Metric{}
	}
}

func waitError(t *testing.T, ch <-chan CancellationError) CancellationError {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a cancellation")
		return CancellationError{}
	}
}

func expectQuiet(t *testing.T, metrics <-chan Metric, errors <-chan CancellationError) {
	t.Helper()
	select {
	case m := <-metrics:
		t.Fatalf("unexpected metric %+v", m)
	case e := <-errors:
		t.Fatalf("unexpected cancellation %+v", e)
	case <-time.After(3 * testIdleWindow):
	}
}

func TestInitialLoadMeasurement(t *testing.T) {
	page := domtest.NewPage()
	calc, metrics, _ := newCalculator(t, page)

	calc.Start(StartOptions{})

	hero := domtest.NewNode("div")
	page.Append(page.Body(), hero)
	page.Intersect(hero)
	changeBy := page.Now()

	page.Load()

	m := waitMetric(t, metrics)
	if m.Start != 0 {
		t.Fatalf("Start = %v, want 0 for the initial load", m.Start)
	}
	if m.End <= 0 || m.End > changeBy {
		t.Fatalf("End = %v, want the change time (at most %v)", m.End, changeBy)
	}
	if m.Duration != m.End-m.Start {
		t.Fatalf("Duration = %v, want End-Start = %v", m.Duration, m.End-m.Start)
	}
	if m.Detail.NavigationType != dom.NavigationNavigate {
		t.Fatalf("NavigationType = %q, want navigate", m.Detail.NavigationType)
	}
	if m.Detail.DidNetworkTimeOut {
		t.Fatal("DidNetworkTimeOut = true on a quiet page")
	}
	lvc := m.Detail.LastVisibleChange
	if lvc == nil || lvc.Target != hero || lvc.Source != SourceMutation {
		t.Fatalf("LastVisibleChange = %+v, want mutation targeting the inserted div", lvc)
	}
}

func TestNetworkActivityDelaysCompletion(t *testing.T) {
	page := domtest.NewPage()
	calc, metrics, _ := newCalculator(t, page)

	calc.Start(StartOptions{})
	calc.Tracker().IncrementAjax()
	page.Load()

	// While the request is pending nothing may complete.
	select {
	case m := <-metrics:
		t.Fatalf("metric %+v delivered while the network was busy", m)
	case <-time.After(3 * testIdleWindow):
	}

	card := domtest.NewNode("div")
	page.Append(page.Body(), card)
	page.Intersect(card)
	changeBy := page.Now()

	calc.Tracker().DecrementAjax()

	m := waitMetric(t, metrics)
	// The value reflects the paint, not the moment the network went quiet.
	if m.End > changeBy {
		t.Fatalf("End = %v, want the change time (at most %v), not idle time", m.End, changeBy)
	}
}

func TestStuckRequestTimesOutIntoMetric(t *testing.T) {
	page := domtest.NewPage()
	calc, err := New(Config{
		Env:            page.Env(),
		IdleWindow:     testIdleWindow,
		NetworkTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(calc.Shutdown)

	metrics := make(chan Metric, 4)
	errors := make(chan CancellationError, 4)
	calc.OnTTVC(
		func(m Metric) { metrics <- m },
		func(e CancellationError) { errors <- e },
	)

	calc.Start(StartOptions{})
	// A request that never settles: the safety net must force idle and
	// the measurement must still complete, flagged.
	calc.Tracker().IncrementAjax()

	banner := domtest.NewNode("div")
	page.Append(page.Body(), banner)
	page.Intersect(banner)

	page.Load()

	m := waitMetric(t, metrics)
	if !m.Detail.DidNetworkTimeOut {
		t.Fatal("DidNetworkTimeOut = false for a request that never settled")
	}
	lvc := m.Detail.LastVisibleChange
	if lvc == nil || lvc.Target != banner {
		t.Fatalf("LastVisibleChange = %+v, want the inserted div", lvc)
	}
	select {
	case e := <-errors:
		t.Fatalf("unexpected cancellation %+v", e)
	default:
	}
}

func TestNewMeasurementCancelsActive(t *testing.T) {
	page := domtest.NewPage()
	calc, metrics, errors := newCalculator(t, page)

	calc.Start(StartOptions{})
	calc.Start(StartOptions{Start: page.Now()})

	e := waitError(t, errors)
	if e.Reason != CancelNewMeasurement {
		t.Fatalf("Reason = %q, want NEW_MEASUREMENT", e.Reason)
	}

	page.Load()
	m := waitMetric(t, metrics)
	if m.Detail.NavigationType != NavigationScript {
		t.Fatalf("NavigationType = %q, want script for an explicit-start navigation", m.Detail.NavigationType)
	}

	// Exactly one metric: the first observation must stay suppressed.
	select {
	case m := <-metrics:
		t.Fatalf("cancelled observation produced metric %+v", m)
	case <-time.After(3 * testIdleWindow):
	}
}

func TestUserInteractionCancels(t *testing.T) {
	page := domtest.NewPage()
	calc, metrics, errors := newCalculator(t, page)

	calc.Start(StartOptions{})
	// Interaction listeners attach on a deferred tick.
	time.Sleep(10 * time.Millisecond)

	target := domtest.NewNode("button")
	page.Fire(dom.Event{Type: dom.EventClick, Target: target})

	e := waitError(t, errors)
	if e.Reason != CancelUserInteraction {
		t.Fatalf("Reason = %q, want USER_INTERACTION", e.Reason)
	}
	if e.EventType != dom.EventClick || e.EventTarget != target {
		t.Fatalf("event info = (%q, %v), want the triggering click", e.EventType, e.EventTarget)
	}

	page.Load()
	expectQuiet(t, metrics, errors)
}

func TestVisibilityChangeCancels(t *testing.T) {
	page := domtest.NewPage()
	calc, metrics, errors := newCalculator(t, page)

	calc.Start(StartOptions{})
	page.SetHidden(true)

	e := waitError(t, errors)
	if e.Reason != CancelVisibilityChange {
		t.Fatalf("Reason = %q, want VISIBILITY_CHANGE", e.Reason)
	}

	page.Load()
	expectQuiet(t, metrics, errors)
}

func TestPageHideCancels(t *testing.T) {
	page := domtest.NewPage()
	calc, _, errors := newCalculator(t, page)

	calc.Start(StartOptions{})
	page.Fire(dom.Event{Type: dom.EventPageHide})

	e := waitError(t, errors)
	if e.Reason != CancelNewNavigation {
		t.Fatalf("Reason = %q, want NEW_NAVIGATION", e.Reason)
	}
}

func TestManualCancel(t *testing.T) {
	page := domtest.NewPage()
	calc, metrics, errors := newCalculator(t, page)

	calc.Start(StartOptions{})
	calc.Cancel(nil)

	e := waitError(t, errors)
	if e.Reason != CancelManual {
		t.Fatalf("Reason = %q, want MANUAL_CANCELLATION", e.Reason)
	}

	// A second cancel of the same observation is a no-op.
	calc.Cancel(nil)
	page.Load()
	expectQuiet(t, metrics, errors)
}

func TestLateImageLoadWinsAttribution(t *testing.T) {
	page := domtest.NewPage()
	calc, metrics, _ := newCalculator(t, page)

	calc.Start(StartOptions{})

	card := domtest.NewNode("div")
	img := domtest.NewNode("img", "src", "/photo.jpg")
	page.Append(card, img)
	page.Append(page.Body(), card)
	page.Intersect(card)
	page.Intersect(img)
	mutationBy := page.Now()

	page.Load()
	time.Sleep(10 * time.Millisecond)

	page.FireLoad(img)
	page.Intersect(img) // in-viewport proof for the completed image

	m := waitMetric(t, metrics)
	lvc := m.Detail.LastVisibleChange
	if lvc == nil || lvc.Source != SourceImageLoad || lvc.Target != img {
		t.Fatalf("LastVisibleChange = %+v, want image load attribution", lvc)
	}
	if m.End <= mutationBy {
		t.Fatalf("End = %v, want a time after the mutations (%v)", m.End, mutationBy)
	}
}

func TestCacheRestoreMeasurement(t *testing.T) {
	page := domtest.NewPage()
	calc, metrics, _ := newCalculator(t, page)
	page.Load()

	restoreAt := page.Now()
	calc.Start(StartOptions{Start: restoreAt, CacheRestore: true})

	content := domtest.NewNode("main")
	page.Append(page.Body(), content)
	page.Intersect(content)

	m := waitMetric(t, metrics)
	if m.Detail.NavigationType != dom.NavigationBackForward {
		t.Fatalf("NavigationType = %q, want back_forward", m.Detail.NavigationType)
	}
	if m.Start != restoreAt {
		t.Fatalf("Start = %v, want the restore time %v", m.Start, restoreAt)
	}
}

func TestDeriveNavigation(t *testing.T) {
	page := domtest.NewPage()

	typ, start := deriveNavigation(page, 5*time.Millisecond, true)
	if typ != dom.NavigationBackForward || start != 5*time.Millisecond {
		t.Errorf("cache restore: got (%q, %v)", typ, start)
	}

	page.Activation = 30 * time.Millisecond
	typ, start = deriveNavigation(page, 10*time.Millisecond, false)
	if typ != NavigationPrerender || start != 30*time.Millisecond {
		t.Errorf("prerender: got (%q, %v), want (prerender, 30ms)", typ, start)
	}

	page.Activation = 0
	typ, start = deriveNavigation(page, 10*time.Millisecond, false)
	if typ != NavigationScript || start != 10*time.Millisecond {
		t.Errorf("script: got (%q, %v)", typ, start)
	}

	page.NavType = dom.NavigationReload
	typ, start = deriveNavigation(page, 0, false)
	if typ != dom.NavigationReload || start != 0 {
		t.Errorf("browser timing: got (%q, %v)", typ, start)
	}
}

func TestSubscriberUnsubscribe(t *testing.T) {
	page := domtest.NewPage()
	calc, err := New(Config{Env: page.Env(), IdleWindow: testIdleWindow})
	if err != nil {
		t.Fatal(err)
	}
	defer calc.Shutdown()

	metrics := make(chan Metric, 1)
	unsub := calc.OnTTVC(func(m Metric) { metrics <- m }, nil)
	unsub()

	calc.Start(StartOptions{})
	page.Load()

	select {
	case m := <-metrics:
		t.Fatalf("unsubscribed listener received %+v", m)
	case <-time.After(3 * testIdleWindow):
	}
}

func TestEnvironmentValidation(t *testing.T) {
	page := domtest.NewPage()
	env := page.Env()
	env.Observers = nil

	if _, err := New(Config{Env: env}); err == nil {
		t.Fatal("expected an error for an environment without observers")
	}
}
