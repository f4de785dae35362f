package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/open-notebook/vmgate/internal/api"
	"github.com/open-notebook/vmgate/internal/metrics"
	"github.com/open-notebook/vmgate/internal/store"
	"github.com/open-notebook/vmgate/pkg/log"
)

// VMClient is the remote lifecycle API the controller drives.
type VMClient interface {
	Status(ctx context.Context) (*api.StatusSnapshot, error)
	Start(ctx context.Context) (*api.StartResponse, error)
	Stop(ctx context.Context) (*api.StopResponse, error)
}

// Options configures a Controller.
type Options struct {
	Client VMClient

	// Store persists the last snapshot and pending transition across
	// restarts. Defaults to an in-memory store.
	Store store.Store

	Logger log.Logger

	// PollInterval is the status poll cadence while the VM is not
	// confirmed running. Default 10s.
	PollInterval time.Duration

	// ProgressTick is how often progress updates are published while a
	// locally initiated start is in flight. Default 400ms.
	ProgressTick time.Duration

	// FreshnessCeiling is the maximum age at which a cached running
	// snapshot may be used as placeholder data. Default 60s.
	FreshnessCeiling time.Duration

	// EstimatedStart is the fallback start duration estimate when the
	// server snapshot does not carry one. Default 90s.
	EstimatedStart time.Duration

	// DisableGate turns the gate off for local and trusted environments.
	// ForceGate keeps it on regardless, for testing.
	DisableGate bool
	ForceGate   bool
}

// State is an immutable view of the gate published to subscribers.
type State struct {
	Status    api.Status
	RawStatus string
	CheckedAt time.Time
	Config    api.VMConfig

	// Validating is true until a live check has completed this run or
	// while one is in flight.
	Validating bool

	// Starting is the display signal: local intent OR server-reported
	// starting. Stopping is local intent only. Suspending covers local
	// stopping, the optimistic pre-confirmation flag and a
	// server-reported suspending status.
	Starting   bool
	Stopping   bool
	Suspending bool

	// HasProgress is true only when a locally held start timestamp backs
	// the progress value; otherwise the starting UI is indeterminate.
	HasProgress bool
	Progress    float64

	Gated        bool
	StartEnabled bool

	// Err is the most recent start/stop failure, held until the next
	// command; with no command failure pending it carries the most recent
	// status check failure, cleared once a check succeeds.
	Err string
}

// Controller owns the VM lifecycle gate: it polls status, tracks local
// transition intent, persists it across restarts and publishes gate
// decisions to subscribers.
type Controller struct {
	client VMClient
	cache  *cache
	log    log.Logger

	pollInterval   time.Duration
	progressTick   time.Duration
	estimatedStart time.Duration
	disableGate    bool
	forceGate      bool

	mu          sync.Mutex
	machine     *fsm.FSM
	snapshot    *api.StatusSnapshot
	fetchedOnce bool
	fetching    bool
	gen         uint64
	appliedGen  uint64
	startedAt   time.Time
	restored    bool
	optimistic  bool
	progress    float64
	fetchErr    string
	cmdErr      string

	subs    map[int]chan State
	nextSub int

	progressStop chan struct{}

	pollCh    chan struct{}
	stopCh    chan struct{}
	runOnce   sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// New builds a controller and restores any persisted transition intent.
// Restored state is advisory only: Run always begins with a forced live
// status check, and a cached running snapshot is never trusted past the
// freshness ceiling.
func New(opts Options) (*Controller, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("gate: client is required")
	}
	if opts.Store == nil {
		opts.Store = store.NewMemStore()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithName("gate")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ProgressTick <= 0 {
		opts.ProgressTick = 400 * time.Millisecond
	}
	if opts.FreshnessCeiling <= 0 {
		opts.FreshnessCeiling = 60 * time.Second
	}
	if opts.EstimatedStart <= 0 {
		opts.EstimatedStart = 90 * time.Second
	}

	c := &Controller{
		client: opts.Client,
		cache: &cache{
			store:   opts.Store,
			ceiling: opts.FreshnessCeiling,
			log:     opts.Logger,
		},
		log:            opts.Logger,
		pollInterval:   opts.PollInterval,
		progressTick:   opts.ProgressTick,
		estimatedStart: opts.EstimatedStart,
		disableGate:    opts.DisableGate,
		forceGate:      opts.ForceGate,
		machine:        newTransitionMachine(opts.Logger),
		subs:           make(map[int]chan State),
		pollCh:         make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		now:            time.Now,
	}

	now := c.now()
	if snap := c.cache.loadSnapshot(now); snap != nil {
		c.snapshot = snap
	}
	if t := c.cache.loadStartedAt(); !t.IsZero() {
		// A start can only still be in flight within a few estimates;
		// anything older is leftover from a run that failed or was killed.
		if age := now.Sub(t); age > 3*c.estimatedStart {
			c.log.Info("discarding stale start timestamp", "startedAt", t, "age", age.String())
			c.cache.clearStartedAt()
		} else if err := c.machine.Event(context.Background(), EventRestore); err == nil {
			c.startedAt = t
			c.restored = true
			c.log.Info("restored in-progress start", "startedAt", t)
		}
	}

	return c, nil
}

// Run starts the status poll loop. It returns immediately; the loop stops
// when ctx is cancelled or Close is called. Calls after the first are
// no-ops.
func (c *Controller) Run(ctx context.Context) {
	c.runOnce.Do(func() {
		c.mu.Lock()
		if c.machine.Current() == phaseStarting && !c.startedAt.IsZero() {
			c.startProgressTickerLocked()
		}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.pollLoop(ctx)
	})
}

// Close tears down timers and subscriptions. Safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressStop = nil
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// Subscribe registers a state observer. The returned cancel function
// unregisters it. Updates to a full channel are dropped rather than
// blocking the controller.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// State returns the current gate state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Refetch forces an immediate status check.
func (c *Controller) Refetch() {
	c.kickPoll()
}

// Start records local starting intent, persists it and issues the start
// request. On request failure the transition is reverted, the error is
// surfaced in the published state and the start control becomes
// actionable again.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if err := c.machine.Event(ctx, EventStart); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("start not allowed: %w", err)
	}
	now := c.now()
	c.startedAt = now
	c.restored = false
	c.progress = 0
	c.cmdErr = ""
	c.cache.saveStartedAt(now)
	c.startProgressTickerLocked()
	c.mu.Unlock()

	c.publish()
	c.kickPoll()
	c.log.Info("start requested")

	if _, err := c.client.Start(ctx); err != nil {
		c.mu.Lock()
		_ = c.machine.Event(ctx, EventFail)
		// The persisted timestamp is left in place; the next
		// construction discards or restores it against a live check.
		c.startedAt = time.Time{}
		c.cmdErr = err.Error()
		c.stopProgressTickerLocked()
		c.mu.Unlock()

		c.publish()
		c.log.Error(err, "start request failed")
		return fmt.Errorf("starting VM: %w", err)
	}
	return nil
}

// Stop records local stopping intent with an optimistic suspending flag
// so the UI reflects the action before the server confirms, then issues
// the stop request.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if err := c.machine.Event(ctx, EventStop); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("stop not allowed: %w", err)
	}
	c.optimistic = true
	c.cmdErr = ""
	c.mu.Unlock()

	c.publish()
	c.kickPoll()
	c.log.Info("stop requested")

	if _, err := c.client.Stop(ctx); err != nil {
		c.mu.Lock()
		_ = c.machine.Event(ctx, EventFail)
		c.optimistic = false
		c.cmdErr = err.Error()
		c.mu.Unlock()

		c.publish()
		c.log.Error(err, "stop request failed")
		return fmt.Errorf("stopping VM: %w", err)
	}
	return nil
}

func (c *Controller) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	// Forced live check on startup: cached state never unlocks the gate.
	c.fetch(ctx)

	for {
		var tick <-chan time.Time
		var timer *time.Timer
		if c.shouldPoll() {
			timer = time.NewTimer(c.pollInterval)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-c.stopCh:
			stopTimer(timer)
			return
		case <-c.pollCh:
			stopTimer(timer)
			c.fetch(ctx)
		case <-tick:
			c.fetch(ctx)
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// shouldPoll reports whether the interval poll stays armed: it does while
// the last status is anything but running, and while a local transition
// awaits server confirmation.
func (c *Controller) shouldPoll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot == nil || c.snapshot.Status != api.StatusRunning {
		return true
	}
	return c.machine.Current() != phaseIdle
}

func (c *Controller) fetch(ctx context.Context) {
	c.mu.Lock()
	c.fetching = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.publish()

	started := time.Now()
	snap, err := c.client.Status(ctx)
	metrics.StatusCheckSeconds.Observe(time.Since(started).Seconds())

	c.mu.Lock()
	c.fetching = false

	if err != nil {
		// The previous snapshot stays displayed, but a failed fetch never
		// counts as a completed check: the gate cannot release on it.
		metrics.StatusChecksTotal.WithLabelValues("failure").Inc()
		c.fetchErr = err.Error()
		c.mu.Unlock()
		c.publish()
		c.log.Warn("status check failed", "error", err.Error())
		return
	}

	if gen <= c.appliedGen {
		// A newer fetch already resolved; drop this result.
		c.mu.Unlock()
		return
	}
	c.appliedGen = gen

	metrics.StatusChecksTotal.WithLabelValues("success").Inc()
	c.fetchErr = ""
	if !snap.Status.Known() {
		snap.Status = api.StatusUnknown
	}
	c.snapshot = snap
	c.fetchedOnce = true
	c.cache.saveSnapshot(snap)
	c.applySnapshotLocked(ctx, snap)
	c.mu.Unlock()

	c.publish()
}

// applySnapshotLocked reconciles local transition intent with a freshly
// resolved server snapshot. The snapshot is the single source of truth;
// local intent only bridges the gap until the server catches up.
func (c *Controller) applySnapshotLocked(ctx context.Context, snap *api.StatusSnapshot) {
	switch c.machine.Current() {
	case phaseStarting:
		if snap.Status == api.StatusRunning {
			if err := c.machine.Event(ctx, EventConfirmRunning); err == nil {
				c.startedAt = time.Time{}
				c.restored = false
				c.progress = 100
				c.cache.clearStartedAt()
				c.stopProgressTickerLocked()
				c.log.Info("VM confirmed running, start complete")
			}
		} else if c.restored && (snap.Status == api.StatusStopped || snap.Status == api.StatusSuspended) {
			// The restored intent belonged to a previous run. A terminal
			// non-running status means that start failed or was undone, so
			// holding the starting UI would wedge the start control.
			if err := c.machine.Event(ctx, EventFail); err == nil {
				c.startedAt = time.Time{}
				c.restored = false
				c.cache.clearStartedAt()
				c.stopProgressTickerLocked()
				c.log.Info("restored start contradicted by live status", "status", snap.Status)
			}
		}
	case phaseStopping:
		if snap.Status == api.StatusSuspended || snap.Status == api.StatusStopped {
			if err := c.machine.Event(ctx, EventConfirmStopped); err == nil {
				c.optimistic = false
				c.log.Info("VM confirmed down", "status", snap.Status)
			}
		}
	default:
		if snap.Status == api.StatusRunning {
			// No transition pending: a leftover persisted timestamp from
			// an earlier run must not resurrect the starting UI.
			c.cache.clearStartedAt()
		}
	}
}

func (c *Controller) kickPoll() {
	select {
	case c.pollCh <- struct{}{}:
	default:
	}
}

func (c *Controller) startProgressTickerLocked() {
	if c.progressStop != nil {
		return
	}
	stop := make(chan struct{})
	c.progressStop = stop

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.progressTick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-c.stopCh:
				return
			case <-t.C:
				c.publish()
			}
		}
	}()
}

func (c *Controller) stopProgressTickerLocked() {
	if c.progressStop != nil {
		close(c.progressStop)
		c.progressStop = nil
	}
}

func (c *Controller) estimatedLocked() time.Duration {
	if c.snapshot != nil && c.snapshot.Config.EstimatedStartSeconds > 0 {
		return time.Duration(c.snapshot.Config.EstimatedStartSeconds) * time.Second
	}
	return c.estimatedStart
}

func (c *Controller) stateLocked() State {
	st := State{
		Status: api.StatusUnknown,
	}
	// A command failure is the more actionable message; a fetch failure
	// shows only until the next check succeeds.
	st.Err = c.cmdErr
	if st.Err == "" {
		st.Err = c.fetchErr
	}
	if c.snapshot != nil {
		st.Status = c.snapshot.Status
		st.RawStatus = c.snapshot.RawStatus
		st.CheckedAt = c.snapshot.CheckedAt
		st.Config = c.snapshot.Config
	}

	phase := c.machine.Current()
	localStarting := phase == phaseStarting
	localStopping := phase == phaseStopping

	st.Validating = !c.fetchedOnce || c.fetching
	st.Starting = localStarting || st.Status == api.StatusStarting
	st.Stopping = localStopping
	st.Suspending = localStopping || c.optimistic || st.Status == api.StatusSuspending

	if localStarting && !c.startedAt.IsZero() {
		st.Progress = Progress(c.now(), c.startedAt, c.estimatedLocked())
		st.HasProgress = true
	} else if c.progress == 100 {
		st.Progress = 100
		st.HasProgress = true
	}

	st.Gated = ShouldGate(DecisionInput{
		Validating: st.Validating,
		Status:     st.Status,
		Starting:   localStarting,
		Stopping:   localStopping,
		Bypass:     c.disableGate,
		Force:      c.forceGate,
	})
	st.StartEnabled = StartEnabled(st.Validating, st.Starting, st.Stopping, st.Suspending)
	return st
}

func (c *Controller) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stateLocked()
	if st.Gated {
		metrics.GateBlocked.Set(1)
	} else {
		metrics.GateBlocked.Set(0)
	}
	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
			// Drop the update rather than block; the next publish
			// carries newer state.
		}
	}
}
