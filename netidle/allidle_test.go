package netidle

import (
	"testing"
	"time"

	"github.com/vizcomplete/ttvc/dom"
)

func waitDone(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for all-idle callback")
		return false
	}
}

func TestRequestAllIdleWhenAlreadyQuiet(t *testing.T) {
	tr := New(Config{})
	done := make(chan bool, 1)

	start := time.Now()
	RequestAllIdle(tr, dom.RealScheduler{}, 20*time.Millisecond, func(timedOut bool) {
		done <- timedOut
	})

	if timedOut := waitDone(t, done); timedOut {
		t.Fatal("networkTimedOut = true on a quiet tracker")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("callback fired after %v, before the settle window elapsed", elapsed)
	}
}

func TestRequestAllIdleWaitsForNetwork(t *testing.T) {
	tr := New(Config{})
	tr.IncrementAjax()

	done := make(chan bool, 1)
	RequestAllIdle(tr, dom.RealScheduler{}, 10*time.Millisecond, func(timedOut bool) {
		done <- timedOut
	})

	select {
	case <-done:
		t.Fatal("callback fired while the network was busy")
	case <-time.After(30 * time.Millisecond):
	}

	tr.DecrementAjax()
	waitDone(t, done)
}

func TestBusyDipRestartsSettleWindow(t *testing.T) {
	tr := New(Config{})
	done := make(chan bool, 1)

	RequestAllIdle(tr, dom.RealScheduler{}, 50*time.Millisecond, func(timedOut bool) {
		done <- timedOut
	})

	// Interrupt the settle window twice; each dip voids the armed timer.
	for i := 0; i < 2; i++ {
		time.Sleep(25 * time.Millisecond)
		tr.IncrementAjax()
		select {
		case <-done:
			t.Fatal("callback fired during a busy dip")
		default:
		}
		tr.DecrementAjax()
	}

	start := time.Now()
	waitDone(t, done)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("callback fired %v after the last dip, window not restarted", elapsed)
	}
}

func TestCancelSuppressesCallback(t *testing.T) {
	tr := New(Config{})
	done := make(chan bool, 1)

	cancel := RequestAllIdle(tr, dom.RealScheduler{}, 10*time.Millisecond, func(timedOut bool) {
		done <- timedOut
	})
	cancel()
	cancel() // idempotent

	select {
	case <-done:
		t.Fatal("callback fired after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCallbackReportsNetworkTimeout(t *testing.T) {
	tr := New(Config{NetworkTimeout: 10 * time.Millisecond, Scheduler: dom.RealScheduler{}})
	tr.IncrementAjax()

	done := make(chan bool, 1)
	RequestAllIdle(tr, dom.RealScheduler{}, 10*time.Millisecond, func(timedOut bool) {
		done <- timedOut
	})

	if timedOut := waitDone(t, done); !timedOut {
		t.Fatal("networkTimedOut = false after a forced idle")
	}
	// The flag is consumed when the callback is delivered.
	if tr.DidNetworkTimeOut() {
		t.Fatal("timeout flag not reset after delivery")
	}
}

func TestCallbackFiresExactlyOnce(t *testing.T) {
	tr := New(Config{})
	done := make(chan bool, 4)

	RequestAllIdle(tr, dom.RealScheduler{}, 5*time.Millisecond, func(timedOut bool) {
		done <- timedOut
	})
	waitDone(t, done)

	// Further transitions after completion must not re-trigger delivery.
	tr.IncrementAjax()
	tr.DecrementAjax()
	select {
	case <-done:
		t.Fatal("callback fired a second time")
	case <-time.After(30 * time.Millisecond):
	}
}
