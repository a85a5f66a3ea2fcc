// Package ttvc estimates Time To Visually Complete: the elapsed time from
// navigation start until the last user-visible change, accounting for
// pending network activity.
//
// The package is host-agnostic: it measures whatever environment binding
// it is given (see package dom). internal/browser provides a binding that
// drives a live Chrome page; tests use dom/domtest.
//
// Typical use:
//
//	monitor, err := ttvc.Init(env, ttvc.Options{})
//	if err != nil { ... }
//	defer monitor.Shutdown()
//
//	unsubscribe := monitor.OnTTVC(
//		func(m measure.Metric) { record(m) },
//		func(e measure.CancellationError) { recordAbort(e) },
//	)
//	defer unsubscribe()
//
// The initial page load is measured automatically; the host application
// calls Start for each SPA route change, and brackets its own network
// requests with IncrementAjaxCount/DecrementAjaxCount.
package ttvc

import (
	"log/slog"
	"os"
	"time"

	"github.com/vizcomplete/ttvc/dom"
	"github.com/vizcomplete/ttvc/measure"
)

// Options configures a Monitor.
type Options struct {
	// IdleTimeout is the continuous network+CPU quiet window required
	// before a measurement completes. Default 200ms.
	IdleTimeout time.Duration

	// NetworkTimeout is the stuck-signal safety net for requests that
	// never settle. Default 60s.
	NetworkTimeout time.Duration

	// DisableNetworkTimeout turns the safety net off entirely.
	DisableNetworkTimeout bool

	// IgnoreIframes excludes iframes from resource tracking.
	IgnoreIframes bool

	// Debug enables verbose logging when no Logger is supplied.
	Debug bool

	Logger *slog.Logger
}

// Monitor is the public measurement handle: one per observed page.
type Monitor struct {
	env      *dom.Environment
	calc     *measure.Calculator
	removers []func()
}

// Init validates the environment, starts measuring the initial page load,
// and wires the automatic navigation listeners: the SPA locationchange
// event and bfcache pageshow restorations. It fails with an error
// wrapping dom.ErrUnsupportedEnvironment when a required host capability
// is missing.
func Init(env *dom.Environment, opts Options) (*Monitor, error) {
	logger := opts.Logger
	if logger == nil {
		if opts.Debug {
			logger = slog.New(slog.NewTextHandler(os.Stderr,
				&slog.HandlerOptions{Level: slog.LevelDebug}))
		} else {
			logger = slog.Default()
		}
	}

	networkTimeout := opts.NetworkTimeout
	if opts.DisableNetworkTimeout {
		networkTimeout = -1
	}

	calc, err := measure.New(measure.Config{
		Env:            env,
		IdleWindow:     opts.IdleTimeout,
		NetworkTimeout: networkTimeout,
		IgnoreIframes:  opts.IgnoreIframes,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	m := &Monitor{env: env, calc: calc}

	m.removers = append(m.removers,
		env.Document.Listen(dom.EventLocationChange, func(ev dom.Event) {
			calc.Start(measure.StartOptions{Start: ev.Time})
		}),
		env.Document.Listen(dom.EventPageShow, func(ev dom.Event) {
			if ev.CacheRestore {
				calc.Start(measure.StartOptions{Start: ev.Time, CacheRestore: true})
			}
		}),
	)

	// The initial load is measured automatically; hosts must not call
	// Start for it.
	calc.Start(measure.StartOptions{})

	return m, nil
}

// OnTTVC subscribes to measurement results. onError may be nil; the
// returned function removes both subscriptions.
func (m *Monitor) OnTTVC(onMetric func(measure.Metric), onError func(measure.CancellationError)) (unsubscribe func()) {
	return m.calc.OnTTVC(onMetric, onError)
}

// Start begins measuring a new SPA navigation, using the current host
// clock reading as the navigation start.
func (m *Monitor) Start() {
	m.calc.Start(measure.StartOptions{Start: m.env.Clock.Now()})
}

// Cancel aborts the current measurement, if one is active.
func (m *Monitor) Cancel(eventInfo *dom.Event) {
	m.calc.Cancel(eventInfo)
}

// IncrementAjaxCount marks the start of a host-instrumented request.
func (m *Monitor) IncrementAjaxCount() { m.calc.Tracker().IncrementAjax() }

// DecrementAjaxCount marks the resolution of a host-instrumented request.
func (m *Monitor) DecrementAjaxCount() { m.calc.Tracker().DecrementAjax() }

// Shutdown removes the automatic listeners and releases the calculator.
func (m *Monitor) Shutdown() {
	for _, f := range m.removers {
		f()
	}
	m.removers = nil
	m.calc.Shutdown()
}
