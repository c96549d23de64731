package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpilot/internal/agent"
	"devpilot/internal/eventbus"
	"devpilot/internal/task"
	"devpilot/internal/task/registry"
	logx "devpilot/pkg/logx"
)

type stubGetter struct {
	mu     sync.Mutex
	status map[string]string
	errs   map[string]error
	calls  map[string]int
}

func (g *stubGetter) GetJob(ctx context.Context, id string) (agent.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[id]++
	if err := g.errs[id]; err != nil {
		return agent.Job{}, err
	}
	return agent.Job{ID: id, Status: g.status[id], Summary: "summary of " + id}, nil
}

func register(t *testing.T, reg *registry.Registry, id string, st registry.Status) {
	t.Helper()
	d, err := task.New(task.Spec{Key: "k-" + id, Description: "do " + id, Category: "feature"})
	require.NoError(t, err)
	_, err = reg.Register(id, d, st)
	require.NoError(t, err)
}

func TestPollOnceUpdatesAndIsolatesFailures(t *testing.T) {
	reg := registry.New()
	register(t, reg, "a", registry.StatusCreating)
	register(t, reg, "b", registry.StatusRunning)
	register(t, reg, "c", registry.StatusRunning)
	register(t, reg, "d", registry.StatusCreating)
	register(t, reg, "done", registry.StatusFinished)

	g := &stubGetter{
		status: map[string]string{"a": "RUNNING", "b": "COMPLETED", "d": "EXPIRED"},
		errs:   map[string]error{"c": errors.New("connection reset")},
	}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	var terminal []string
	var tmu sync.Mutex
	p := New(Config{Timeout: time.Second}, reg, g, logx.Nop(), bus)
	p.OnTerminal(func(r registry.Record) {
		tmu.Lock()
		terminal = append(terminal, r.ID)
		tmu.Unlock()
	})

	rep := p.PollOnce(context.Background())
	assert.Equal(t, PollReport{Checked: 4, Changed: 3, Finished: 1, Failed: 1, Errors: 1}, rep)

	get := func(id string) registry.Status {
		r, ok := reg.Get(id)
		require.True(t, ok)
		return r.Status
	}
	assert.Equal(t, registry.StatusRunning, get("a"))
	assert.Equal(t, registry.StatusFinished, get("b"))
	assert.Equal(t, registry.StatusRunning, get("c"))
	assert.Equal(t, registry.StatusFailed, get("d"))
	assert.Zero(t, g.calls["done"])
	assert.ElementsMatch(t, []string{"b", "d"}, terminal)

	n := 0
	for n < 3 {
		select {
		case ev := <-ch:
			assert.Equal(t, eventbus.JobStatus, ev.Type)
			n++
		case <-time.After(time.Second):
			t.Fatal("missing job.status events")
		}
	}
}

func TestPollNotFoundMarksFailed(t *testing.T) {
	reg := registry.New()
	register(t, reg, "gone", registry.StatusRunning)
	g := &stubGetter{errs: map[string]error{"gone": &agent.APIError{StatusCode: 404}}}

	rep := New(Config{}, reg, g, logx.Nop(), nil).PollOnce(context.Background())
	assert.Equal(t, 1, rep.Failed)
	r, _ := reg.Get("gone")
	assert.Equal(t, registry.StatusFailed, r.Status)
	assert.Equal(t, NotFoundSummary, r.Summary)
}

func TestPollNeverMovesTerminalBackwards(t *testing.T) {
	reg := registry.New()
	register(t, reg, "x", registry.StatusRunning)
	g := &stubGetter{status: map[string]string{"x": "FINISHED"}}
	p := New(Config{}, reg, g, logx.Nop(), nil)

	p.PollOnce(context.Background())
	g.mu.Lock()
	g.status["x"] = "RUNNING"
	g.mu.Unlock()
	rep := p.PollOnce(context.Background())

	assert.Zero(t, rep.Checked)
	r, _ := reg.Get("x")
	assert.Equal(t, registry.StatusFinished, r.Status)
}

func TestPollUnknownStatusIsPollError(t *testing.T) {
	reg := registry.New()
	register(t, reg, "x", registry.StatusCreating)
	g := &stubGetter{status: map[string]string{"x": "WEIRD"}}

	rep := New(Config{}, reg, g, logx.Nop(), nil).PollOnce(context.Background())
	assert.Equal(t, 1, rep.Errors)
	r, _ := reg.Get("x")
	assert.Equal(t, registry.StatusCreating, r.Status)
}

func TestPollCancelledSkipsUnissued(t *testing.T) {
	reg := registry.New()
	register(t, reg, "a", registry.StatusRunning)
	register(t, reg, "b", registry.StatusRunning)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := New(Config{}, reg, &stubGetter{}, logx.Nop(), nil).PollOnce(ctx)
	assert.Equal(t, 2, rep.Skipped)
	assert.Zero(t, rep.Checked)
}
