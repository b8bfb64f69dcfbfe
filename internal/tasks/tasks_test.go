package tasks

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abilian/abilian-core/internal/common/logtrace"
	"github.com/abilian/abilian-core/internal/metrics"
)

type reindexPayload struct {
	Index string  `json:"index"`
	IDs   []int64 `json:"ids"`
}

func newQueue(t *testing.T, eager bool) (*Queue, *MemoryBackend, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	backend := NewMemoryBackend()
	q := New(backend, Options{Clock: clk, Eager: eager, Metrics: metrics.New(), PollInterval: 50 * time.Millisecond})
	t.Cleanup(func() { q.Close() })
	return q, backend, clk
}

func TestSubmitAndDrain(t *testing.T) {
	q, backend, _ := newQueue(t, false)
	ctx := context.Background()

	var got []reindexPayload
	q.Handle("index_update", func(ctx context.Context, task *Task) error {
		var p reindexPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		got = append(got, p)
		return nil
	})

	id1, err := q.Submit(ctx, "index_update", reindexPayload{Index: "default", IDs: []int64{1, 2}})
	require.NoError(t, err)
	id2, err := q.Submit(ctx, "index_update", reindexPayload{Index: "default", IDs: []int64{3}})
	require.NoError(t, err)
	assert.Less(t, id1, id2, "ids sort by submission")
	assert.Equal(t, 2, backend.Len())
	assert.Empty(t, got, "nothing runs before a worker pops")

	n, err := q.Drain(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []reindexPayload{
		{Index: "default", IDs: []int64{1, 2}},
		{Index: "default", IDs: []int64{3}},
	}, got)
	series, err := testutil.GatherAndCount(q.metrics.Registry(), "abilian_tasks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series, "queued and done")
}

func TestEagerRunsInline(t *testing.T) {
	q, backend, _ := newQueue(t, true)
	ctx := context.Background()

	ran := 0
	var requestID string
	q.Handle("ping", func(ctx context.Context, _ *Task) error {
		ran++
		requestID = logtrace.RequestIdFromContext(ctx)
		return nil
	})
	id, err := q.Submit(ctx, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, id, requestID, "handlers log under the task id")
	assert.Equal(t, 0, backend.Len())

	failure := errors.New("boom")
	q.Handle("fail", func(context.Context, *Task) error { return failure })
	_, err = q.Submit(ctx, "fail", nil)
	assert.ErrorIs(t, err, failure)

	_, err = q.Submit(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestPanicBecomesError(t *testing.T) {
	q, _, _ := newQueue(t, true)
	q.Handle("explode", func(context.Context, *Task) error { panic("bad state") })
	_, err := q.Submit(context.Background(), "explode", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTasks)
	assert.Contains(t, err.Error(), "bad state")
}

func TestExpiredTasksAreDropped(t *testing.T) {
	q, _, clk := newQueue(t, false)
	ctx := context.Background()

	ran := 0
	q.Handle("index_update", func(context.Context, *Task) error {
		ran++
		return nil
	})
	_, err := q.Submit(ctx, "index_update", nil, WithExpiry(50*time.Minute))
	require.NoError(t, err)
	_, err = q.Submit(ctx, "index_update", nil)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	n, err := q.Drain(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the task without expiry still runs")
	assert.Equal(t, 1, ran)
}

func TestTaskExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := &Task{Name: "x"}
	assert.False(t, task.Expired(now))
	task.ExpiresAt = now.Add(time.Minute)
	assert.False(t, task.Expired(now))
	assert.True(t, task.Expired(now.Add(time.Minute)))
}

func TestEncodeDecode(t *testing.T) {
	q, _, _ := newQueue(t, false)
	payload := reindexPayload{Index: "default", IDs: []int64{7}}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	in := &Task{ID: q.ids.next(q.clock.Now()), Name: "index_update", Payload: data, EnqueuedAt: q.clock.Now()}

	b, err := encodeTask(in)
	require.NoError(t, err)
	out, err := decodeTask(b)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.EnqueuedAt.Equal(out.EnqueuedAt))

	var p reindexPayload
	require.NoError(t, out.Decode(&p))
	assert.Equal(t, payload, p)

	_, err = decodeTask([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestRunStopsOnCancel(t *testing.T) {
	q, _, _ := newQueue(t, false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	q.Handle("ping", func(context.Context, *Task) error {
		close(done)
		return nil
	})
	errc := make(chan error, 1)
	go func() { errc <- q.Run(ctx) }()

	_, err := q.Submit(ctx, "ping", nil)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not run the task")
	}
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunPeriodic(t *testing.T) {
	q, backend, clk := newQueue(t, false)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.RunPeriodic(ctx, Periodic{Name: "cleanup", Every: time.Hour, Expiry: 50 * time.Minute})
	}()

	require.NoError(t, clk.WaitAdvance(time.Hour, 5*time.Second, 1))
	task, err := backend.Pop(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "cleanup", task.Name)
	assert.Equal(t, task.EnqueuedAt.Add(50*time.Minute), task.ExpiresAt)

	require.NoError(t, clk.WaitAdvance(time.Hour, 5*time.Second, 1))
	task, err = backend.Pop(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)

	cancel()
	wg.Wait()
}

func TestMemoryBackendClosed(t *testing.T) {
	backend := NewMemoryBackend()
	require.NoError(t, backend.Close())
	err := backend.Push(context.Background(), &Task{Name: "ping"})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("ABILIAN_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ABILIAN_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	backend, err := NewRedisBackend(ctx, url)
	require.NoError(t, err)
	backend.key = "abilian:tasks:test"
	defer backend.Close()
	defer backend.client.Del(ctx, backend.key)

	q := New(backend, Options{})
	_, err = q.Submit(ctx, "ping", map[string]int{"n": 1})
	require.NoError(t, err)
	n, err := backend.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	task, err := backend.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "ping", task.Name)
	assert.JSONEq(t, `{"n":1}`, string(task.Payload))

	task, err = backend.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
}
