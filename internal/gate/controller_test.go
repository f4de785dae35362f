package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/open-notebook/vmgate/internal/api"
	"github.com/open-notebook/vmgate/internal/store"
)

// fakeClient implements VMClient with a mutable status.
type fakeClient struct {
	mu          sync.Mutex
	status      api.Status
	statusErr   error
	startErr    error
	stopErr     error
	statusCalls int
	onStart     func(f *fakeClient)
	onStop      func(f *fakeClient)
}

func newFakeClient(status api.Status) *fakeClient {
	return &fakeClient{status: status}
}

func (f *fakeClient) setStatus(status api.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeClient) Status(ctx context.Context) (*api.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &api.StatusSnapshot{
		Status:    f.status,
		RawStatus: strings.ToUpper(string(f.status)),
		CheckedAt: time.Now(),
		Config:    api.VMConfig{Project: "p", Zone: "z", Name: "n", EstimatedStartSeconds: 90},
	}, nil
}

func (f *fakeClient) Start(ctx context.Context) (*api.StartResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.onStart != nil {
		f.onStart(f)
	}
	return &api.StartResponse{RequestedAt: time.Now(), PreviousStatus: f.status}, nil
}

func (f *fakeClient) Stop(ctx context.Context) (*api.StopResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	if f.onStop != nil {
		f.onStop(f)
	}
	return &api.StopResponse{RequestedAt: time.Now(), PreviousStatus: f.status, Action: "suspend"}, nil
}

func testOptions(client VMClient, s store.Store) Options {
	return Options{
		Client:       client,
		Store:        s,
		PollInterval: 15 * time.Millisecond,
		ProgressTick: 5 * time.Millisecond,
	}
}

func newRunningController(t *testing.T, opts Options) *Controller {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		c.Close()
	})
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGateHoldsUntilLiveCheck(t *testing.T) {
	s := store.NewMemStore()
	seedSnapshot(t, s, api.StatusRunning, 2*time.Minute)

	client := newFakeClient(api.StatusRunning)
	c, err := New(testOptions(client, s))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	// The stale running snapshot must have been discarded entirely.
	st := c.State()
	if st.Status != api.StatusUnknown {
		t.Errorf("expected unknown status from stale cache, got %s", st.Status)
	}
	if !st.Gated {
		t.Error("expected gate up before any live check")
	}
	if !st.Validating {
		t.Error("expected validating before any live check")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Run(ctx)

	waitFor(t, "gate release after live check", func() bool { return !c.State().Gated })
}

func TestFreshCacheIsPlaceholderOnly(t *testing.T) {
	s := store.NewMemStore()
	seeded := seedSnapshot(t, s, api.StatusRunning, 10*time.Second)

	client := newFakeClient(api.StatusRunning)
	c, err := New(testOptions(client, s))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	// Fresh cached running may be displayed, but never unlocks the gate
	// on its own.
	st := c.State()
	if st.Status != api.StatusRunning {
		t.Errorf("expected cached running placeholder, got %s", st.Status)
	}
	if !st.Gated {
		t.Error("expected gate up until the live check resolves")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Run(ctx)

	waitFor(t, "live snapshot supersedes cache", func() bool {
		st := c.State()
		return !st.Gated && st.CheckedAt.After(seeded.CheckedAt)
	})
}

func TestStartConfirmedRunningClearsEverything(t *testing.T) {
	s := store.NewMemStore()
	client := newFakeClient(api.StatusStopped)
	client.onStart = func(f *fakeClient) { f.status = api.StatusRunning }

	c := newRunningController(t, testOptions(client, s))
	waitFor(t, "first live check", func() bool { return !c.State().Validating })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, "running confirmation", func() bool {
		st := c.State()
		return st.Status == api.StatusRunning && !st.Starting && !st.Gated
	})

	st := c.State()
	if st.Progress != 100 || !st.HasProgress {
		t.Errorf("expected progress to snap to 100, got %.2f (has=%v)", st.Progress, st.HasProgress)
	}
	if _, err := s.Get(keyStartedAt); !errors.Is(err, store.ErrNotFound) {
		t.Error("expected persisted start timestamp to be cleared")
	}

	// A fresh controller over the same store must not resurrect the
	// starting UI.
	c2, err := New(testOptions(newFakeClient(api.StatusRunning), s))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c2.Close()
	if st := c2.State(); st.Starting {
		t.Error("expected no starting state after confirmed running")
	}
}

func TestStartFailureRecovery(t *testing.T) {
	client := newFakeClient(api.StatusSuspended)
	client.startErr = errors.New("compute API call failed: quota exceeded")

	c := newRunningController(t, testOptions(client, store.NewMemStore()))
	waitFor(t, "first live check", func() bool { return !c.State().Validating })

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}

	st := c.State()
	if st.Starting {
		t.Error("expected starting flag cleared after failure")
	}
	if st.Err == "" {
		t.Error("expected error message populated")
	}
	if !st.StartEnabled {
		t.Error("expected start control re-enabled after failure")
	}
}

func TestStopOptimisticSuspending(t *testing.T) {
	client := newFakeClient(api.StatusRunning)
	c := newRunningController(t, testOptions(client, store.NewMemStore()))
	waitFor(t, "gate release", func() bool { return !c.State().Gated })

	done := make(chan error, 1)
	go func() { done <- c.Stop(context.Background()) }()

	// Suspending shows before the server reports anything.
	waitFor(t, "optimistic suspending", func() bool {
		st := c.State()
		return st.Suspending && st.Stopping && st.Gated
	})

	if err := <-done; err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	client.setStatus(api.StatusSuspended)
	waitFor(t, "suspend confirmation", func() bool {
		st := c.State()
		return st.Status == api.StatusSuspended && !st.Stopping && !st.Suspending
	})
}

func TestStopFailureRecovery(t *testing.T) {
	client := newFakeClient(api.StatusRunning)
	client.stopErr = errors.New("compute API call failed: permission denied")

	c := newRunningController(t, testOptions(client, store.NewMemStore()))
	waitFor(t, "gate release", func() bool { return !c.State().Gated })

	if err := c.Stop(context.Background()); err == nil {
		t.Fatal("expected Stop to fail")
	}

	st := c.State()
	if st.Stopping || st.Suspending {
		t.Error("expected stopping flags cleared after failure")
	}
	if st.Err == "" {
		t.Error("expected error message populated")
	}
}

func TestPollCadenceStopsWhenRunning(t *testing.T) {
	client := newFakeClient(api.StatusStopped)
	c := newRunningController(t, testOptions(client, store.NewMemStore()))

	// Not running: the interval keeps firing.
	waitFor(t, "repeated polls", func() bool { return client.calls() >= 3 })

	client.setStatus(api.StatusRunning)
	waitFor(t, "running observed", func() bool { return c.State().Status == api.StatusRunning })

	settled := client.calls()
	time.Sleep(100 * time.Millisecond)
	if extra := client.calls() - settled; extra > 1 {
		t.Errorf("expected polling to stop once running, saw %d extra fetches", extra)
	}

	// A manual refetch still works.
	c.Refetch()
	waitFor(t, "forced refetch", func() bool { return client.calls() > settled })
}

func TestFailedFetchKeepsSnapshotButBlocksRelease(t *testing.T) {
	client := newFakeClient(api.StatusStopped)
	c := newRunningController(t, testOptions(client, store.NewMemStore()))
	waitFor(t, "first live check", func() bool { return !c.State().Validating })

	client.mu.Lock()
	client.statusErr = errors.New("connection refused")
	client.status = api.StatusRunning
	client.mu.Unlock()

	waitFor(t, "failed fetch observed", func() bool { return c.State().Err != "" })

	st := c.State()
	if st.Status != api.StatusStopped {
		t.Errorf("expected previous snapshot kept, got %s", st.Status)
	}
	if !st.Gated {
		t.Error("expected gate up while fetches fail")
	}
	if st.Err == "" {
		t.Error("expected connectivity error surfaced")
	}
}

func TestFetchErrorClearsOnRecovery(t *testing.T) {
	client := newFakeClient(api.StatusStopped)
	c := newRunningController(t, testOptions(client, store.NewMemStore()))
	waitFor(t, "first live check", func() bool { return !c.State().Validating })

	client.mu.Lock()
	client.statusErr = errors.New("connection refused")
	client.mu.Unlock()
	waitFor(t, "failed fetch observed", func() bool { return c.State().Err != "" })

	client.mu.Lock()
	client.statusErr = nil
	client.status = api.StatusRunning
	client.mu.Unlock()

	// A recovered check clears the connectivity error along with the gate.
	waitFor(t, "recovery clears the error", func() bool {
		st := c.State()
		return st.Status == api.StatusRunning && !st.Gated && st.Err == ""
	})
}

func TestRestoreStartingAcrossRestart(t *testing.T) {
	s := store.NewMemStore()
	startedAt := time.Now().Add(-30 * time.Second)
	if err := s.Set(keyStartedAt, []byte(startedAt.Format(time.RFC3339Nano))); err != nil {
		t.Fatal(err)
	}

	client := newFakeClient(api.StatusStarting)
	c, err := New(testOptions(client, s))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	st := c.State()
	if !st.Starting {
		t.Error("expected restored starting state")
	}
	if !st.HasProgress {
		t.Error("expected progress from the restored timestamp")
	}
	if st.Progress <= 0 || st.Progress > ProgressCap {
		t.Errorf("unexpected restored progress %.2f", st.Progress)
	}
}

func TestStaleStartTimestampDiscardedOnRestore(t *testing.T) {
	s := store.NewMemStore()
	old := time.Now().Add(-6 * time.Hour)
	if err := s.Set(keyStartedAt, []byte(old.Format(time.RFC3339Nano))); err != nil {
		t.Fatal(err)
	}

	c, err := New(testOptions(newFakeClient(api.StatusStopped), s))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if c.State().Starting {
		t.Error("expected hours-old start timestamp to be discarded")
	}
	if _, err := s.Get(keyStartedAt); !errors.Is(err, store.ErrNotFound) {
		t.Error("expected stale timestamp cleared from the store")
	}
}

func TestRestoredStartYieldsToStoppedVM(t *testing.T) {
	// A start fails, the process restarts with the timestamp still
	// persisted, and the VM turns out to be stopped: the starting UI must
	// give way so the start control works again.
	s := store.NewMemStore()
	startedAt := time.Now().Add(-30 * time.Second)
	if err := s.Set(keyStartedAt, []byte(startedAt.Format(time.RFC3339Nano))); err != nil {
		t.Fatal(err)
	}

	client := newFakeClient(api.StatusStopped)
	c, err := New(testOptions(client, s))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !c.State().Starting {
		t.Fatal("expected restored starting before the live check")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		c.Close()
	})

	waitFor(t, "restored start cleared by live status", func() bool {
		st := c.State()
		return !st.Starting && st.StartEnabled && st.Status == api.StatusStopped
	})
	if _, err := s.Get(keyStartedAt); !errors.Is(err, store.ErrNotFound) {
		t.Error("expected persisted timestamp cleared")
	}
}

func TestRunSecondCallIsNoOp(t *testing.T) {
	client := newFakeClient(api.StatusRunning)
	c, err := New(testOptions(client, store.NewMemStore()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Run(ctx)
	c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		c.Close()
	})

	waitFor(t, "first live check", func() bool { return !c.State().Validating })
	time.Sleep(60 * time.Millisecond)
	if calls := client.calls(); calls != 1 {
		t.Errorf("expected a single forced check, got %d", calls)
	}
}

func TestServerInitiatedStartingIsIndeterminate(t *testing.T) {
	client := newFakeClient(api.StatusStarting)
	c := newRunningController(t, testOptions(client, store.NewMemStore()))
	waitFor(t, "first live check", func() bool { return !c.State().Validating })

	st := c.State()
	if !st.Starting {
		t.Error("expected server-reported starting to show as starting")
	}
	if st.HasProgress {
		t.Error("expected no progress bar without a local start timestamp")
	}
	if !st.Gated {
		t.Error("expected gate up while starting")
	}
}

func TestGateBypass(t *testing.T) {
	opts := testOptions(newFakeClient(api.StatusStopped), store.NewMemStore())
	opts.DisableGate = true

	c, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if c.State().Gated {
		t.Error("expected no gating with the bypass flag set")
	}

	opts.ForceGate = true
	forced, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer forced.Close()

	if !forced.State().Gated {
		t.Error("expected force flag to override the bypass")
	}
}

func TestSubscribePublishesStateChanges(t *testing.T) {
	client := newFakeClient(api.StatusStopped)
	c := newRunningController(t, testOptions(client, store.NewMemStore()))

	ch, cancel := c.Subscribe()
	defer cancel()

	c.Refetch()

	select {
	case st := <-ch:
		if !st.Gated {
			t.Error("expected gated state while stopped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state published to subscriber")
	}
}
