// Package service orchestrates measurements: it drives browser tabs for
// configured pages, feeds results to sinks, and exposes the HTTP and MCP
// surfaces.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vizcomplete/ttvc"
	"github.com/vizcomplete/ttvc/idgen"
	"github.com/vizcomplete/ttvc/internal/browser"
	"github.com/vizcomplete/ttvc/internal/config"
	"github.com/vizcomplete/ttvc/internal/sink"
	"github.com/vizcomplete/ttvc/measure"
)

var (
	// ErrNoURL rejects measurement requests without a target.
	ErrNoURL = errors.New("service: url is required")

	// ErrNoStore is returned by Results when no sqlite sink is configured.
	ErrNoStore = errors.New("service: no sqlite sink configured")
)

// Service runs measurements against a shared browser.
type Service struct {
	cfg     *config.Config
	browser *browser.Manager
	out     sink.Sink
	store   *sink.Store
	logger  *slog.Logger
}

// New assembles a Service. out receives every result and may be nil;
// store backs the results query surface and may be nil.
func New(cfg *config.Config, mgr *browser.Manager, out sink.Sink, store *sink.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, browser: mgr, out: out, store: store, logger: logger}
}

// Run measures every configured page, honoring per-page repeat intervals,
// until ctx is cancelled. Pages are measured concurrently, each in its
// own tab.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.cfg.Pages {
		wg.Add(1)
		go func(p config.PageConfig) {
			defer wg.Done()
			s.measureLoop(ctx, p)
		}(p)
	}
	wg.Wait()
}

func (s *Service) measureLoop(ctx context.Context, p config.PageConfig) {
	for {
		res, err := s.Measure(ctx, p.ID, p.URL)
		if err != nil {
			s.logger.Error("measurement failed", "page_id", p.ID, "url", p.URL, "error", err)
		} else {
			s.logger.Info("measurement complete",
				"page_id", p.ID, "kind", res.Kind, "duration_ms", res.DurationMs)
		}

		if p.Repeat <= 0 || ctx.Err() != nil {
			return
		}
		t := time.NewTimer(p.Repeat)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Measure loads pageURL in a fresh tab and waits for one measurement
// outcome: a metric, or a cancellation (also a valid outcome, reported
// with a nil error). The result is delivered to the configured sinks
// before returning.
func (s *Service) Measure(ctx context.Context, pageID, pageURL string) (sink.Result, error) {
	if pageURL == "" {
		return sink.Result{}, ErrNoURL
	}
	if pageID == "" {
		pageID = idgen.New()
	}

	tab, err := browser.OpenTab(s.browser, pageID)
	if err != nil {
		return sink.Result{}, err
	}
	defer tab.Close()

	ctx, cancel := context.WithTimeout(ctx, s.measureDeadline())
	defer cancel()

	env := browser.Attach(ctx, tab, s.logger)
	defer env.Close()

	if err := tab.Navigate(ctx, pageURL, s.cfg.Browser.NavigateTimeout); err != nil {
		return sink.Result{}, err
	}
	if err := env.WaitReady(ctx); err != nil {
		return sink.Result{}, err
	}

	monitor, err := ttvc.Init(env.Environment(), ttvc.Options{
		IdleTimeout:           s.cfg.Measure.IdleWindow,
		NetworkTimeout:        s.cfg.Measure.NetworkTimeout,
		DisableNetworkTimeout: s.cfg.Measure.DisableNetworkTimeout,
		IgnoreIframes:         s.cfg.Measure.IgnoreIframes,
		Logger:                s.logger,
	})
	if err != nil {
		return sink.Result{}, err
	}
	defer monitor.Shutdown()

	// XHR and fetch traffic observed at the CDP layer gates completion
	// the same way page-instrumented requests would.
	env.TrackNetwork(monitor.IncrementAjaxCount, monitor.DecrementAjaxCount)

	metricCh := make(chan measure.Metric, 1)
	cancelCh := make(chan measure.CancellationError, 1)
	unsubscribe := monitor.OnTTVC(
		func(m measure.Metric) {
			select {
			case metricCh <- m:
			default:
			}
		},
		func(e measure.CancellationError) {
			select {
			case cancelCh <- e:
			default:
			}
		},
	)
	defer unsubscribe()

	var res sink.Result
	select {
	case m := <-metricCh:
		res = sink.FromMetric(pageID, pageURL, m)
	case e := <-cancelCh:
		res = sink.FromCancellation(pageID, pageURL, e)
	case <-ctx.Done():
		return sink.Result{}, fmt.Errorf("service: measuring %s: %w", pageURL, ctx.Err())
	}

	if s.out != nil {
		if err := s.out.Send(ctx, res); err != nil {
			s.logger.Warn("sink delivery failed", "page_id", pageID, "error", err)
		}
	}
	return res, nil
}

// Results returns stored results, most recent first. pageID filters when
// non-empty; limit <= 0 means the store default.
func (s *Service) Results(ctx context.Context, pageID string, limit int) ([]sink.Result, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	return s.store.Query(ctx, pageID, limit)
}

// measureDeadline bounds one Measure call: navigation plus the network
// safety net plus settling slack. With the safety net disabled the bound
// falls back to a generous fixed window.
func (s *Service) measureDeadline() time.Duration {
	net := s.cfg.Measure.NetworkTimeout
	if s.cfg.Measure.DisableNetworkTimeout || net <= 0 {
		net = 5 * time.Minute
	}
	return s.cfg.Browser.NavigateTimeout + net + 30*time.Second
}
