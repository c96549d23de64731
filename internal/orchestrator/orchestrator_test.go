package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpilot/internal/agent"
	"devpilot/internal/eventbus"
	"devpilot/internal/storage"
	"devpilot/internal/task"
	"devpilot/internal/task/catalog"
	"devpilot/internal/task/engine"
	"devpilot/internal/task/poller"
	"devpilot/internal/task/registry"
	"devpilot/internal/task/scheduler"
	logx "devpilot/pkg/logx"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeBackend struct {
	mu     sync.Mutex
	seq    atomic.Int64
	status string
	block  chan struct{}
}

func (b *fakeBackend) CreateJob(ctx context.Context, req agent.CreateRequest) (agent.Job, error) {
	if b.block != nil {
		<-b.block
	}
	return agent.Job{ID: fmt.Sprintf("bc-%d", b.seq.Add(1)), Status: "CREATING"}, nil
}

func (b *fakeBackend) GetJob(ctx context.Context, id string) (agent.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.status
	if st == "" {
		st = "RUNNING"
	}
	return agent.Job{ID: id, Status: st}, nil
}

func (b *fakeBackend) setStatus(s string) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

type harness struct {
	o       *Orchestrator
	backend *fakeBackend
	queue   *task.Queue
	reg     *registry.Registry
}

func fastConfig() Config {
	return Config{
		DevelopmentEvery: "20ms",
		FeatureEvery:     "1h",
		ControlsEvery:    "1h",
		TabsEvery:        "1h",
		PollEvery:        "20ms",
		AutoSaveEvery:    "20ms",
		SecurityEvery:    "1h",
		Baseline:         engine.Policy{Delay: -1},
		Aggressive:       engine.Policy{Delay: -1},
	}
}

func newHarness(t *testing.T, cat *catalog.Catalog, store storage.Store) *harness {
	t.Helper()
	if cat == nil {
		var err error
		cat, err = catalog.Default()
		require.NoError(t, err)
	}
	bus := eventbus.New()
	be := &fakeBackend{}
	q := task.NewQueue()
	reg := registry.New()
	eng := engine.New(engine.Config{CircuitTripFailures: -1}, q, reg, be, nil, logx.Nop(), bus)
	pol := poller.New(poller.Config{}, reg, be, logx.Nop(), bus)
	o, err := New(fastConfig(), Deps{
		Queue: q, Registry: reg, Generator: catalog.NewGenerator(cat, nil),
		Engine: eng, Poller: pol, Store: store, Log: logx.Nop(), Bus: bus,
	})
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop(context.Background()) })
	return &harness{o: o, backend: be, queue: q, reg: reg}
}

func TestEnableRequiresStart(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)
	q, reg, be := task.NewQueue(), registry.New(), &fakeBackend{}
	o, err := New(Config{}, Deps{
		Queue: q, Registry: reg, Generator: catalog.NewGenerator(cat, nil),
		Engine: engine.New(engine.Config{}, q, reg, be, nil, logx.Nop(), nil),
		Poller: poller.New(poller.Config{}, reg, be, logx.Nop(), nil),
	})
	require.NoError(t, err)
	_, err = o.Enable(context.Background(), task.ModeBaseline)
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = New(Config{}, Deps{Queue: q})
	assert.True(t, task.IsConfigurationError(err))
}

func TestEnableBaselineRunsDevelopmentLoop(t *testing.T) {
	h := newHarness(t, nil, nil)

	st, err := h.o.Enable(context.Background(), task.ModeBaseline)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, task.ModeBaseline, st.Mode)
	assert.True(t, st.Gates["baseline"])

	assert.Eventually(t, func() bool { return h.reg.Counts().Total == 6 }, waitFor, tick)
	// Outstanding keys are not launched twice.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 6, h.reg.Counts().Total)
	assert.True(t, h.o.sched.Running(LoopDevelopment))
	assert.False(t, h.o.sched.Running(LoopFeatureCycle))

	st = h.o.Disable()
	assert.False(t, st.Enabled)
	assert.Eventually(t, func() bool { return !h.o.sched.Running(LoopDevelopment) }, waitFor, tick)
}

func TestEnableAggressiveRunsSectionLoops(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.o.Enable(context.Background(), task.ModeAggressive)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.reg.Counts().Total == 34 }, waitFor, tick)
	for _, name := range []string{LoopFeatureCycle, LoopControlsCycle, LoopTabCycle, LoopStatusPoll} {
		assert.True(t, h.o.sched.Running(name), name)
	}
	assert.False(t, h.o.sched.Running(LoopDevelopment))
	sum := 0
	for _, n := range h.o.Stats().ByCategory {
		sum += n
	}
	assert.Equal(t, 34, sum)

	_, err = h.o.Enable(context.Background(), task.ModeBaseline)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return !h.o.sched.Running(LoopFeatureCycle) && !h.o.sched.Running(LoopStatusPoll) && h.o.sched.Running(LoopDevelopment)
	}, waitFor, tick)
}

func TestForceCycleWhileDisabled(t *testing.T) {
	h := newHarness(t, nil, nil)

	st, err := h.o.ForceCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, 6, st.LastCycle.Drain.Launched)
	assert.Equal(t, 6, st.Outstanding)
	assert.Zero(t, st.QueueLen)

	st, err = h.o.ForceCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, st.LastCycle.Skipped)
	assert.Zero(t, st.LastCycle.Generated)
}

func TestFinishedJobsBecomeSatisfied(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.o.ForceCycle(context.Background())
	require.NoError(t, err)

	h.backend.setStatus("COMPLETED")
	st, err := h.o.ForceCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.LastCycle.Generated)
	assert.Zero(t, st.LastCycle.Skipped)
	assert.Equal(t, 6, h.reg.Counts().Finished)

	doc := h.o.ExportHistory()
	assert.Len(t, doc.Satisfied, 6)
	assert.Len(t, doc.Jobs, 6)
	assert.Len(t, doc.Outcomes, 6)
	assert.Equal(t, 6, doc.Stats.Completed)
}

func TestClearQueueAndReset(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.o.ForceCycle(context.Background())
	require.NoError(t, err)

	tasks, err := h.o.gen.Generate(task.ModeAggressive)
	require.NoError(t, err)
	h.queue.Enqueue(tasks...)
	assert.Equal(t, 34, h.o.State().QueueLen)
	assert.Zero(t, h.o.ClearQueue().QueueLen)

	_, err = h.o.Enable(context.Background(), task.ModeBaseline)
	require.NoError(t, err)
	h.o.Disable()
	require.Eventually(t, func() bool { return !h.o.sched.Running(LoopDevelopment) }, waitFor, tick)
	st := h.o.Reset()
	assert.False(t, st.Enabled)
	assert.Zero(t, st.Outstanding)
	assert.Nil(t, st.LastCycle)
	s := h.o.Stats()
	assert.Zero(t, s.TotalLaunched)
	assert.Zero(t, s.QueueLen)
}

func TestResetDuringStaggerDrainDropsUnissuedTasks(t *testing.T) {
	h := newHarness(t, nil, nil)
	tasks, err := h.o.gen.GenerateSection(task.ModeAggressive, "feature")
	require.NoError(t, err)
	require.Greater(t, len(tasks), 3)

	done := make(chan CycleReport, 1)
	go func() {
		done <- h.o.dispatch(context.Background(), task.ModeAggressive, tasks,
			engine.Policy{Mode: engine.StaggerParallel, Delay: 100 * time.Millisecond, MaxRetries: engine.AggressiveMaxRetries})
	}()

	time.Sleep(150 * time.Millisecond)
	h.o.Reset()
	rep := <-done

	assert.Equal(t, 2, rep.Drain.Launched)
	assert.Equal(t, len(tasks)-2, rep.Drain.Cleared)
	assert.EqualValues(t, 2, h.backend.seq.Load())
	s := h.o.Stats()
	assert.Zero(t, s.TotalLaunched)
	assert.Zero(t, s.QueueLen)
	assert.Zero(t, h.reg.Counts().Total)
}

func TestSetGate(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.o.SetGate("turbo", true)
	assert.Error(t, err)
	_, err = h.o.SetGate("autonomous", true)
	assert.Error(t, err)

	st, err := h.o.SetGate("security-scan", true)
	require.NoError(t, err)
	assert.True(t, st.Gates["security_scan"])
	// Needs autonomous mode as well.
	assert.False(t, h.o.sched.Running(LoopSecurityScan))
	_, err = h.o.Enable(context.Background(), task.ModeBaseline)
	require.NoError(t, err)
	assert.True(t, h.o.sched.Running(LoopSecurityScan))
}

func TestAutoSaveRestoreAndAudit(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "devpilot.json")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	h := newHarness(t, nil, store)
	_, err = h.o.ForceCycle(ctx)
	require.NoError(t, err)
	_, err = h.o.SetGate("auto_save", true)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok, err := store.LoadSnapshot(ctx, DefaultSnapshotName)
		return err == nil && ok
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		got, err := h.o.RecentAudit(ctx, 100)
		return err == nil && len(got) >= 6
	}, waitFor, tick)
	require.NoError(t, h.o.Stop(ctx))

	again := newHarness(t, nil, store)
	c := again.reg.Counts()
	assert.Equal(t, 6, c.Total)
	assert.Equal(t, 6, c.Creating+c.Running)

	entries, err := again.o.RecentAudit(ctx, 100)
	require.NoError(t, err)
	launched := 0
	for _, e := range entries {
		if e.Action == storage.ActionLaunched {
			launched++
		}
	}
	assert.Equal(t, 6, launched)
}

func TestConfigurationErrorHaltsScheduler(t *testing.T) {
	cat, err := catalog.Default()
	require.NoError(t, err)
	h := newHarness(t, cat, nil)
	h.o.gen.Swap(nil)

	_, err = h.o.Enable(context.Background(), task.ModeBaseline)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.o.State().Halted != "" }, waitFor, tick)
	assert.Contains(t, h.o.State().Halted, "catalog not loaded")
	assert.Eventually(t, func() bool { return !h.o.sched.Running(LoopDevelopment) }, waitFor, tick)
}

func TestStatusDoesNotWaitOnRemoteCalls(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.backend.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.o.ForceCycle(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	st := h.o.Status()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 5, st.QueueLen)
	assert.Len(t, st.Loops, 7)
	_ = h.o.ExportHistory()

	close(h.backend.block)
	<-done
	assert.Equal(t, 6, h.o.Stats().Outstanding)
}

func TestLoopGatesMatchModes(t *testing.T) {
	h := newHarness(t, nil, nil)
	want := map[string][]string{
		LoopDevelopment:   {"autonomous", "baseline"},
		LoopFeatureCycle:  {"aggressive", "autonomous"},
		LoopControlsCycle: {"aggressive", "autonomous"},
		LoopTabCycle:      {"aggressive", "autonomous"},
		LoopStatusPoll:    {"aggressive", "autonomous"},
		LoopSecurityScan:  {"autonomous", "security_scan"},
		LoopAutoSave:      {"auto_save"},
	}
	for _, li := range h.o.Status().Loops {
		assert.Equal(t, want[li.Name], li.Gates, li.Name)
		assert.Equal(t, scheduler.StateStopped, li.State, li.Name)
	}
}
