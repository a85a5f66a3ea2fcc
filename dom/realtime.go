package dom

import (
	"runtime"
	"time"
)

// MonotonicClock measures elapsed time from a fixed origin using the
// runtime monotonic clock.
type MonotonicClock struct {
	origin time.Time
	offset time.Duration
}

// NewMonotonicClock anchors a clock at origin. offset shifts readings,
// which hosts use to align with an external time base (e.g. a browser's
// performance.now at attach time).
func NewMonotonicClock(origin time.Time, offset time.Duration) *MonotonicClock {
	return &MonotonicClock{origin: origin, offset: offset}
}

func (c *MonotonicClock) Now() time.Duration {
	return time.Since(c.origin) + c.offset
}

// RealScheduler schedules on the Go runtime. RequestIdleCallback is an
// approximation: it yields the processor once before running, which is
// sufficient for hosts without a genuine idle-callback facility.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return goTimer{time.AfterFunc(d, f)}
}

func (RealScheduler) RequestIdleCallback(f func()) {
	go func() {
		runtime.Gosched()
		f()
	}()
}

type goTimer struct{ t *time.Timer }

func (g goTimer) Stop() bool { return g.t.Stop() }
