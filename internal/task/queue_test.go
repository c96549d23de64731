package task

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTask(t *testing.T, desc, cat string) Descriptor {
	t.Helper()
	d, err := New(Spec{Description: desc, Category: cat, Priority: "high"})
	require.NoError(t, err)
	return d
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	a := mustTask(t, "A", "feature")
	b := mustTask(t, "B", "bug")
	c := mustTask(t, "C", "feature")
	q.Enqueue(a)
	q.Enqueue(b, c)

	for _, want := range []Descriptor{a, b, c} {
		got, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want.ID, got.ID)
	}
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestQueueRequeueGoesToTail(t *testing.T) {
	q := NewQueue()
	a := mustTask(t, "A", "feature")
	b := mustTask(t, "B", "bug")
	q.Enqueue(a, b)

	first, _ := q.Dequeue()
	q.Requeue(first.Retried())

	got, _ := q.Dequeue()
	assert.Equal(t, b.ID, got.ID)
	got, _ = q.Dequeue()
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, PriorityMedium, got.Priority)
}

func TestQueueTakeAllTransfersOwnership(t *testing.T) {
	q := NewQueue()
	q.Enqueue(mustTask(t, "A", "feature"), mustTask(t, "B", "doc"))

	items := q.TakeAll()
	assert.Len(t, items, 2)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Items())
}

func TestLeaseReturnKeepsOrderAtHead(t *testing.T) {
	q := NewQueue()
	q.Enqueue(mustTask(t, "A", "feature"), mustTask(t, "B", "bug"))
	taken, lease := q.Take()
	q.Enqueue(mustTask(t, "C", "doc"))
	require.True(t, lease.Claim())
	require.True(t, lease.Return(taken[1:]))

	var got []string
	for _, d := range q.Items() {
		got = append(got, d.Description)
	}
	assert.Equal(t, []string{"B", "C"}, got)
	assert.Equal(t, 2, q.Clear())
}

func TestClearVoidsLease(t *testing.T) {
	q := NewQueue()
	q.Enqueue(mustTask(t, "A", "feature"), mustTask(t, "B", "bug"), mustTask(t, "C", "doc"))
	taken, lease := q.Take()
	require.Len(t, taken, 3)
	require.True(t, lease.Claim())

	// The claimed task is in flight; the two still leased are discarded.
	assert.Equal(t, 2, q.Clear())
	assert.False(t, lease.Claim())
	assert.False(t, lease.Return(taken[1:]))
	assert.Zero(t, q.Len())

	// A later lease is unaffected by the earlier clear.
	q.Enqueue(mustTask(t, "D", "ui"))
	_, next := q.Take()
	assert.True(t, next.Claim())
	assert.False(t, next.Claim())
	assert.Zero(t, q.Clear())
}

func TestQueueClear(t *testing.T) {
	q := NewQueue()
	q.Enqueue(mustTask(t, "A", "feature"), mustTask(t, "B", "doc"))
	assert.Equal(t, 2, q.Clear())
	assert.Zero(t, q.Len())
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d, _ := New(Spec{Description: fmt.Sprintf("t-%d-%d", i, j), Category: "test"})
				q.Enqueue(d)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 400, q.Len())
}

func TestNewValidates(t *testing.T) {
	_, err := New(Spec{Description: "x", Category: "marketing"})
	assert.Error(t, err)
	_, err = New(Spec{Description: " ", Category: "bug"})
	assert.Error(t, err)
	_, err = New(Spec{Description: "x", Category: "bug", Priority: "urgent"})
	assert.Error(t, err)

	d, err := New(Spec{Description: "x", Category: "BUG"})
	require.NoError(t, err)
	assert.Equal(t, CategoryBug, d.Category)
	assert.Equal(t, PriorityMedium, d.Priority)
	assert.NotEmpty(t, d.ID)
}

func TestPriorityDowngrade(t *testing.T) {
	assert.Equal(t, PriorityHigh, PriorityCritical.Downgrade())
	assert.Equal(t, PriorityMedium, PriorityHigh.Downgrade())
	assert.Equal(t, PriorityLow, PriorityMedium.Downgrade())
	assert.Equal(t, PriorityLow, PriorityLow.Downgrade())
}
