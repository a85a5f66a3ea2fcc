// Package measure reconciles viewport changes, image loads, network
// activity and user signals into a single Time To Visually Complete
// measurement per navigation.
//
// The Calculator is the coordinator: it sequences observations across
// repeated navigations (initial load, SPA route changes, bfcache
// restores), guarantees at most one is active, and fans results out to
// subscribers.
package measure

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vizcomplete/ttvc/dom"
	"github.com/vizcomplete/ttvc/netidle"
	"github.com/vizcomplete/ttvc/viewport"
)

const (
	// DefaultIdleWindow is the continuous network+CPU quiet period
	// required before a measurement may complete.
	DefaultIdleWindow = 200 * time.Millisecond

	// DefaultNetworkTimeout is the stuck-signal safety net for
	// uninstrumented or hung requests.
	DefaultNetworkTimeout = 60 * time.Second
)

// Config for a Calculator.
type Config struct {
	Env *dom.Environment

	// IdleWindow defaults to DefaultIdleWindow when zero.
	IdleWindow time.Duration

	// NetworkTimeout defaults to DefaultNetworkTimeout when zero; a
	// negative value disables the stuck-signal safety net entirely.
	NetworkTimeout time.Duration

	// IgnoreIframes excludes iframe elements from resource tracking.
	IgnoreIframes bool

	Logger *slog.Logger
}

// Calculator owns the detectors and the measurement lifecycle. Create one
// per page with New and release it with Shutdown.
type Calculator struct {
	cfg    Config
	env    *dom.Environment
	logger *slog.Logger

	tracker  *netidle.Tracker
	detector *viewport.Detector
	imageObs *viewport.ImageLoadObserver

	mu              sync.Mutex
	navCount        int64
	active          *observation
	lastMutation    *viewport.Change
	lastImageLoad   time.Duration
	lastImageTarget dom.Element
	metricSubs      map[int]func(Metric)
	errorSubs       map[int]func(CancellationError)
	nextSub         int
}

// StartOptions parameterise one navigation measurement.
type StartOptions struct {
	// Start is the navigation trigger time relative to the time origin.
	// Zero means the initial page load.
	Start time.Duration

	// CacheRestore marks a back/forward-cache restoration.
	CacheRestore bool
}

// New validates the environment and builds a Calculator. A missing host
// capability fails here, at construction, wrapping
// dom.ErrUnsupportedEnvironment, never later from the pipeline.
func New(cfg Config) (*Calculator, error) {
	if err := cfg.Env.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultIdleWindow
	}
	switch {
	case cfg.NetworkTimeout == 0:
		cfg.NetworkTimeout = DefaultNetworkTimeout
	case cfg.NetworkTimeout < 0:
		cfg.NetworkTimeout = 0 // disabled
	}

	c := &Calculator{
		cfg:        cfg,
		env:        cfg.Env,
		logger:     cfg.Logger,
		metricSubs: make(map[int]func(Metric)),
		errorSubs:  make(map[int]func(CancellationError)),
	}

	c.tracker = netidle.New(netidle.Config{
		NetworkTimeout: cfg.NetworkTimeout,
		IgnoreIframes:  cfg.IgnoreIframes,
		Scheduler:      cfg.Env.Scheduler,
		Logger:         cfg.Logger,
	})
	if err := c.tracker.Attach(cfg.Env); err != nil {
		return nil, err
	}

	c.detector = viewport.New(viewport.Config{
		Env:      cfg.Env,
		Callback: c.onChange,
		Logger:   cfg.Logger,
	})
	c.imageObs = viewport.NewImageLoadObserver(cfg.Env, c.onImageLoad)

	return c, nil
}

// Tracker exposes the activity tracker so the host application can
// instrument its own requests.
func (c *Calculator) Tracker() *netidle.Tracker { return c.tracker }

// OnTTVC registers result subscribers. onError may be nil. The returned
// function deregisters both.
func (c *Calculator) OnTTVC(onMetric func(Metric), onError func(CancellationError)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if onMetric != nil {
		c.metricSubs[id] = onMetric
	}
	if onError != nil {
		c.errorSubs[id] = onError
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.metricSubs, id)
		delete(c.errorSubs, id)
		c.mu.Unlock()
	}
}

// Start begins measuring a new navigation. A still-active prior
// observation is cancelled with NEW_MEASUREMENT before the new one
// activates, so at most one observation is ever active.
func (c *Calculator) Start(opts StartOptions) {
	c.mu.Lock()
	c.navCount++
	index := c.navCount
	prev := c.active
	c.mu.Unlock()

	if prev != nil {
		c.cancelObservation(prev, CancelNewMeasurement, nil)
	}

	navType, start := deriveNavigation(c.env.Navigation, opts.Start, opts.CacheRestore)
	obs := newObservation(index, start, navType)

	// Reset shared last-change state for the new navigation slot. The
	// previous observation is terminal by now, so no stale writer
	// remains.
	c.mu.Lock()
	c.active = obs
	c.lastMutation = nil
	c.lastImageLoad = 0
	c.lastImageTarget = nil
	c.mu.Unlock()

	c.logger.Debug("measure: starting observation",
		"index", index, "start", start, "navigation_type", string(navType))

	c.imageObs.Observe()
	if err := c.detector.Observe(c.env.Document.Root()); err != nil {
		c.logger.Error("measure: observe document root", "error", err)
	}

	c.attachCancellationTriggers(obs)

	go c.run(obs)
}

// Cancel aborts the currently active observation, if any. eventInfo may
// carry the triggering host event.
func (c *Calculator) Cancel(eventInfo *dom.Event) {
	c.mu.Lock()
	obs := c.active
	c.mu.Unlock()
	if obs == nil {
		return
	}
	c.cancelObservation(obs, CancelManual, eventInfo)
}

// Shutdown cancels any active observation and releases detectors and
// listeners. The Calculator must not be reused afterwards.
func (c *Calculator) Shutdown() {
	c.Cancel(nil)
	c.detector.Disconnect()
	c.imageObs.Disconnect()
	c.tracker.Detach()
}

func (c *Calculator) attachCancellationTriggers(obs *observation) {
	doc := c.env.Document

	obs.addRemover(doc.Listen(dom.EventPageHide, func(ev dom.Event) {
		c.cancelObservation(obs, CancelNewNavigation, &ev)
	}))
	obs.addRemover(doc.Listen(dom.EventVisibilityChange, func(ev dom.Event) {
		if doc.Hidden() {
			c.cancelObservation(obs, CancelVisibilityChange, &ev)
		}
	}))

	// Interaction listeners attach on a deferred tick so the very click
	// or keypress that triggered an SPA navigation is not counted as a
	// cancelling interaction.
	c.env.Scheduler.AfterFunc(0, func() {
		if obs.terminal() {
			return
		}
		onInteraction := func(ev dom.Event) {
			c.cancelObservation(obs, CancelUserInteraction, &ev)
		}
		obs.addRemover(doc.Listen(dom.EventClick, onInteraction))
		obs.addRemover(doc.Listen(dom.EventKeyDown, onInteraction))
	})
}

// run drives one observation through its suspension points: page load,
// then the compound network+CPU idle wait, then the images-drained wait.
// Cancellation is re-checked after every resume since it may have happened
// while suspended.
func (c *Calculator) run(obs *observation) {
	defer c.cleanup(obs)

	if err := c.env.Document.AwaitLoad(obs.ctx); err != nil {
		return
	}
	if obs.terminal() {
		return
	}

	idleCh := make(chan bool, 1)
	cancelIdle := netidle.RequestAllIdle(c.tracker, c.env.Scheduler, c.cfg.IdleWindow,
		func(networkTimedOut bool) { idleCh <- networkTimedOut })
	obs.setCancelIdle(cancelIdle)

	var didNetworkTimeOut bool
	select {
	case didNetworkTimeOut = <-idleCh:
	case <-obs.ctx.Done():
		return
	}
	if obs.terminal() {
		return
	}

	imageTime, err := c.detector.WaitForLoadingImages(obs.ctx)
	if err != nil {
		return
	}
	if obs.terminal() {
		return
	}

	c.complete(obs, didNetworkTimeOut, imageTime)
}

// cleanup removes the observation's listeners and, only when no newer
// navigation has started meanwhile, disconnects the shared detectors;
// a just-started observation may already depend on them.
func (c *Calculator) cleanup(obs *observation) {
	obs.teardown()

	c.mu.Lock()
	latest := obs.index == c.navCount
	c.mu.Unlock()

	if latest {
		c.detector.Disconnect()
		c.imageObs.Disconnect()
	}
}

func (c *Calculator) complete(obs *observation, didNetworkTimeOut bool, imageTime time.Duration) {
	c.mu.Lock()
	lastMutation := c.lastMutation
	lastImage := c.lastImageLoad
	if imageTime > lastImage {
		lastImage = imageTime
	}
	lastImageTarget := c.lastImageTarget
	c.mu.Unlock()

	var lastMutationTime time.Duration
	if lastMutation != nil {
		lastMutationTime = lastMutation.Time
	}

	end := obs.start
	if lastImage > end {
		end = lastImage
	}
	if lastMutationTime > end {
		end = lastMutationTime
	}

	if end < 0 {
		// A negative elapsed value means the host clock overflowed or
		// misbehaved; the measurement is unusable. Discarded with a
		// diagnostic, neither a Metric nor a CancellationError.
		if obs.transition(stateCompleted) {
			c.logger.Warn("measure: discarding non-representable end timestamp",
				"end", end, "index", obs.index)
		}
		return
	}

	if !obs.transition(stateCompleted) {
		return
	}

	// Image load wins the attribution only when strictly more recent
	// than the last mutation.
	var last *VisibleChange
	switch {
	case lastImage > lastMutationTime && lastImageTarget != nil:
		last = &VisibleChange{Time: lastImage, Target: lastImageTarget, Source: SourceImageLoad}
	case lastMutation != nil:
		last = &VisibleChange{
			Time:     lastMutation.Time,
			Target:   lastMutation.Target,
			Source:   SourceMutation,
			Mutation: lastMutation,
		}
	}

	m := Metric{
		Start:    obs.start,
		End:      end,
		Duration: end - obs.start,
		Detail: Detail{
			DidNetworkTimeOut: didNetworkTimeOut,
			LastVisibleChange: last,
			NavigationType:    obs.navType,
		},
	}

	c.logger.Info("measure: TTVC",
		"duration", m.Duration, "start", m.Start, "end", m.End,
		"navigation_type", string(obs.navType), "network_timed_out", didNetworkTimeOut)

	c.emitMetric(m)
}

func (c *Calculator) cancelObservation(obs *observation, reason CancellationReason, ev *dom.Event) {
	if !obs.transition(stateCancelled) {
		return
	}

	end := c.env.Clock.Now()

	c.mu.Lock()
	lastMutation := c.lastMutation
	lastImage := c.lastImageLoad
	lastImageTarget := c.lastImageTarget
	c.mu.Unlock()

	var lastMutationTime time.Duration
	if lastMutation != nil {
		lastMutationTime = lastMutation.Time
	}
	var last *VisibleChange
	switch {
	case lastImage > lastMutationTime && lastImageTarget != nil:
		last = &VisibleChange{Time: lastImage, Target: lastImageTarget, Source: SourceImageLoad}
	case lastMutation != nil:
		last = &VisibleChange{
			Time:     lastMutation.Time,
			Target:   lastMutation.Target,
			Source:   SourceMutation,
			Mutation: lastMutation,
		}
	}

	e := CancellationError{
		Start:             obs.start,
		End:               end,
		Duration:          end - obs.start,
		Reason:            reason,
		LastVisibleChange: last,
		NavigationType:    obs.navType,
	}
	if ev != nil {
		e.EventType = ev.Type
		e.EventTarget = ev.Target
	}

	c.logger.Debug("measure: observation cancelled",
		"index", obs.index, "reason", string(reason))

	obs.teardown()
	c.emitError(e)
}

func (c *Calculator) onChange(ch viewport.Change) {
	c.mu.Lock()
	if c.lastMutation == nil || ch.Time >= c.lastMutation.Time {
		cp := ch
		c.lastMutation = &cp
	}
	c.mu.Unlock()
}

func (c *Calculator) onImageLoad(ts time.Duration, img dom.Element) {
	c.mu.Lock()
	if ts >= c.lastImageLoad {
		c.lastImageLoad = ts
		c.lastImageTarget = img
	}
	c.mu.Unlock()
}

func (c *Calculator) emitMetric(m Metric) {
	c.mu.Lock()
	subs := make([]func(Metric), 0, len(c.metricSubs))
	for _, s := range c.metricSubs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s(m)
	}
}

func (c *Calculator) emitError(e CancellationError) {
	c.mu.Lock()
	subs := make([]func(CancellationError), 0, len(c.errorSubs))
	for _, s := range c.errorSubs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s(e)
	}
}
