package stats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devpilot/internal/agent"
	"devpilot/internal/task"
	"devpilot/internal/task/engine"
	"devpilot/internal/task/registry"
	logx "devpilot/pkg/logx"
)

type okLauncher struct{ n int }

func (l *okLauncher) CreateJob(ctx context.Context, req agent.CreateRequest) (agent.Job, error) {
	l.n++
	return agent.Job{ID: req.Prompt, Status: "CREATING"}, nil
}

func TestSnapshotDerivesFromRegistryAndCounters(t *testing.T) {
	q := task.NewQueue()
	reg := registry.New()
	svc := engine.New(engine.Config{CircuitTripFailures: -1}, q, reg, &okLauncher{}, nil, logx.Nop(), nil)
	agg := New(reg, svc, q)

	for _, s := range []task.Spec{
		{Description: "A", Category: "feature"},
		{Description: "B", Category: "bug"},
		{Description: "C", Category: "feature"},
	} {
		d, err := task.New(s)
		require.NoError(t, err)
		q.Enqueue(d)
	}
	svc.Drain(context.Background(), engine.Policy{Mode: engine.Sequential, Delay: -1})

	_, _, err := reg.UpdateStatus("A", registry.StatusFinished, "")
	require.NoError(t, err)
	_, _, err = reg.UpdateStatus("B", registry.StatusFailed, "")
	require.NoError(t, err)

	s := agg.Snapshot()
	assert.Equal(t, 3, s.TotalLaunched)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Outstanding)
	assert.Equal(t, 2, s.ByCategory[task.CategoryFeature])
	assert.Equal(t, 1, s.ByCategory[task.CategoryBug])
	assert.Equal(t, 0, s.ByCategory[task.CategoryDoc])
	assert.Zero(t, s.QueueLen)
}

func TestSnapshotIsIdempotent(t *testing.T) {
	q := task.NewQueue()
	reg := registry.New()
	svc := engine.New(engine.Config{}, q, reg, &okLauncher{}, nil, logx.Nop(), nil)
	d, _ := task.New(task.Spec{Description: "x", Category: "ui"})
	q.Enqueue(d)
	svc.Drain(context.Background(), engine.Policy{Delay: -1})

	agg := New(reg, svc, q)
	assert.Equal(t, agg.Snapshot(), agg.Snapshot())
}
