package command

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

func (r *recordingBroadcaster) PublishSnapshot(_ context.Context, s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recordingBroadcaster) statuses(runID string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, s := range r.snapshots {
		if s.RunID == runID && (len(out) == 0 || out[len(out)-1] != s.Status) {
			out = append(out, s.Status)
		}
	}
	return out
}

func startDispatcher(t *testing.T, opts ...Option) *Dispatcher {
	t.Helper()
	d := NewDispatcher(opts...)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
	return d
}

func waitResult(t *testing.T, d *Dispatcher, runID string) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := d.WaitForCompletion(ctx, runID)
	require.NoError(t, err)
	return res
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	d := NewDispatcher(WithWorkers(1))

	var mu sync.Mutex
	var order []string
	record := func(name string) Handler {
		return func(context.Context, *Run) (Result, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return Result{}, nil
		}
	}

	// Queue everything before the single worker starts.
	a, err := d.Enqueue("test", record("A"), EnqueueOptions{Priority: 2})
	require.NoError(t, err)
	b, err := d.Enqueue("test", record("B"), EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	c, err := d.Enqueue("test", record("C"), EnqueueOptions{Priority: 2})
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	for _, h := range []*Handle{a, b, c} {
		waitResult(t, d, h.RunID)
	}
	assert.Equal(t, []string{"B", "A", "C"}, order)
}

func TestDispatcher_AtMostNConcurrent(t *testing.T) {
	const workers = 2
	d := startDispatcher(t, WithWorkers(workers))

	var running, peak atomic.Int32
	handler := func(context.Context, *Run) (Result, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return Result{Success: true}, nil
	}

	var handles []*Handle
	for i := 0; i < 8; i++ {
		h, err := d.Enqueue("slow", handler, EnqueueOptions{})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		assert.True(t, waitResult(t, d, h.RunID).Success)
	}

	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Equal(t, int32(workers), peak.Load())
}

func TestDispatcher_WaitIsIdempotentThenNotFound(t *testing.T) {
	d := startDispatcher(t, WithRetention(50*time.Millisecond), WithJanitorInterval(10*time.Millisecond))

	h, err := d.Enqueue("op", func(context.Context, *Run) (Result, error) {
		return Result{Success: true, Message: "done"}, nil
	}, EnqueueOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", h.RunID)

	first := waitResult(t, d, "run-1")
	second := waitResult(t, d, "run-1")
	assert.Equal(t, first, second)
	assert.Equal(t, Result{Success: true, Message: "done"}, first)
	assert.Equal(t, first, h.Result())

	assert.Eventually(t, func() bool {
		_, err := d.WaitForCompletion(context.Background(), "run-1")
		return errors.Is(err, ErrCommandNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = d.WaitForCompletion(context.Background(), "never-enqueued")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestDispatcher_WaitCancellationDoesNotCancelWork(t *testing.T) {
	d := startDispatcher(t)

	release := make(chan struct{})
	h, err := d.Enqueue("op", func(ctx context.Context, _ *Run) (Result, error) {
		select {
		case <-release:
			return Result{Success: true}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}, EnqueueOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.WaitForCompletion(ctx, h.RunID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	snap, ok := d.Get(h.RunID)
	require.True(t, ok)
	assert.False(t, snap.Status.IsTerminal())

	close(release)
	assert.True(t, waitResult(t, d, h.RunID).Success)
}

func TestDispatcher_PanicAndErrorContained(t *testing.T) {
	d := startDispatcher(t, WithWorkers(1))

	panicky, err := d.Enqueue("boom", func(context.Context, *Run) (Result, error) {
		panic("kaboom")
	}, EnqueueOptions{})
	require.NoError(t, err)
	failing, err := d.Enqueue("err", func(context.Context, *Run) (Result, error) {
		return Result{}, errors.New("model unavailable")
	}, EnqueueOptions{})
	require.NoError(t, err)
	after, err := d.Enqueue("ok", func(context.Context, *Run) (Result, error) {
		return Result{}, nil
	}, EnqueueOptions{})
	require.NoError(t, err)

	res := waitResult(t, d, panicky.RunID)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "kaboom")

	res = waitResult(t, d, failing.RunID)
	assert.False(t, res.Success)
	assert.Equal(t, "model unavailable", res.Message)

	// The same worker survived both.
	assert.True(t, waitResult(t, d, after.RunID).Success)

	snap, ok := d.Get(panicky.RunID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.ErrorMessage, "kaboom")
}

func TestDispatcher_LogicalFailure(t *testing.T) {
	d := startDispatcher(t)

	h, err := d.Enqueue("op", func(context.Context, *Run) (Result, error) {
		return Result{Success: false, Message: "3 of 5 tests failed"}, nil
	}, EnqueueOptions{})
	require.NoError(t, err)

	res := waitResult(t, d, h.RunID)
	assert.False(t, res.Success)
	snap, _ := d.Get(h.RunID)
	assert.Equal(t, StatusFailed, snap.Status)
}

func TestDispatcher_CancelQueued(t *testing.T) {
	d := NewDispatcher()

	var called atomic.Bool
	h, err := d.Enqueue("op", func(context.Context, *Run) (Result, error) {
		called.Store(true)
		return Result{}, nil
	}, EnqueueOptions{})
	require.NoError(t, err)

	require.NoError(t, d.Cancel(h.RunID))
	<-h.Done()
	assert.False(t, h.Result().Success)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called.Load())

	snap, ok := d.Get(h.RunID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.ErrorIs(t, d.Cancel(h.RunID), ErrCommandNotFound)
}

func TestDispatcher_CancelRunning(t *testing.T) {
	d := startDispatcher(t)

	started := make(chan struct{})
	h, err := d.Enqueue("op", func(ctx context.Context, _ *Run) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}, EnqueueOptions{})
	require.NoError(t, err)

	<-started
	require.NoError(t, d.Cancel(h.RunID))
	res := waitResult(t, d, h.RunID)
	assert.False(t, res.Success)

	snap, _ := d.Get(h.RunID)
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestDispatcher_ProgressAndBroadcast(t *testing.T) {
	b := &recordingBroadcaster{}
	d := startDispatcher(t, WithBroadcaster(b))

	release := make(chan struct{})
	reported := make(chan struct{})
	h, err := d.Enqueue("story", func(ctx context.Context, run *Run) (Result, error) {
		run.UpdateStep(2, 5, "writing chapter 2")
		run.UpdateRetry(1)
		close(reported)
		<-release
		return Result{}, nil
	}, EnqueueOptions{Metadata: map[string]string{"entity": "novel-1"}})
	require.NoError(t, err)

	<-reported
	active := d.ActiveCommands()
	require.Len(t, active, 1)
	assert.Equal(t, StatusRunning, active[0].Status)
	assert.Equal(t, 2, active[0].CurrentStep)
	assert.Equal(t, 5, active[0].MaxStep)
	assert.Equal(t, "writing chapter 2", active[0].StepDescription)
	assert.Equal(t, 1, active[0].RetryCount)
	assert.Equal(t, "novel-1", active[0].Metadata["entity"])
	require.NotNil(t, active[0].StartedAt)

	close(release)
	waitResult(t, d, h.RunID)
	assert.Empty(t, d.ActiveCommands())
	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusCompleted}, b.statuses(h.RunID))

	assert.ErrorIs(t, d.UpdateStep(h.RunID, 1, 1, ""), ErrCommandNotFound)
	assert.ErrorIs(t, d.UpdateRetry("nope", 1), ErrCommandNotFound)
}

func TestDispatcher_ActiveCommandsOrdered(t *testing.T) {
	d := NewDispatcher()
	noop := func(context.Context, *Run) (Result, error) { return Result{}, nil }

	for _, id := range []string{"first", "second", "third"} {
		_, err := d.Enqueue("op", noop, EnqueueOptions{RunID: id, Priority: 3})
		require.NoError(t, err)
	}

	active := d.ActiveCommands()
	require.Len(t, active, 3)
	assert.Equal(t, "first", active[0].RunID)
	assert.Equal(t, "second", active[1].RunID)
	assert.Equal(t, "third", active[2].RunID)
	assert.Equal(t, StatusQueued, active[0].Status)
	assert.Equal(t, 3, active[0].Priority)
}

func TestDispatcher_EnqueueValidation(t *testing.T) {
	d := NewDispatcher()
	noop := func(context.Context, *Run) (Result, error) { return Result{}, nil }

	_, err := d.Enqueue("op", nil, EnqueueOptions{})
	assert.Error(t, err)
	_, err = d.Enqueue("", noop, EnqueueOptions{})
	assert.Error(t, err)

	h, err := d.Enqueue("op", noop, EnqueueOptions{RunID: "dup"})
	require.NoError(t, err)
	assert.NotEmpty(t, h.RunID)
	_, err = d.Enqueue("op", noop, EnqueueOptions{RunID: "dup"})
	assert.ErrorIs(t, err, ErrDuplicateRun)

	snap, ok := d.Get("dup")
	require.True(t, ok)
	assert.Equal(t, DefaultPriority, snap.Priority)
}

func TestDispatcher_StopCancelsQueued(t *testing.T) {
	d := NewDispatcher(WithWorkers(1))
	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))

	block := make(chan struct{})
	_, err := d.Enqueue("op", func(ctx context.Context, _ *Run) (Result, error) {
		close(block)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}, EnqueueOptions{RunID: "running"})
	require.NoError(t, err)
	<-block
	queued, err := d.Enqueue("op", func(context.Context, *Run) (Result, error) {
		return Result{}, nil
	}, EnqueueOptions{RunID: "queued"})
	require.NoError(t, err)

	d.Stop()
	<-queued.Done()

	snap, _ := d.Get("running")
	assert.Equal(t, StatusCancelled, snap.Status)
	snap, _ = d.Get("queued")
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestDispatcher_EnqueueAfterStop(t *testing.T) {
	d := NewDispatcher(WithWorkers(1))
	require.NoError(t, d.Start(context.Background()))
	d.Stop()
	d.Stop()

	_, err := d.Enqueue("op", func(context.Context, *Run) (Result, error) {
		return Result{}, nil
	}, EnqueueOptions{RunID: "late"})
	assert.ErrorIs(t, err, ErrDispatcherStopped)
	assert.ErrorIs(t, d.Start(context.Background()), ErrDispatcherStopped)

	_, ok := d.Get("late")
	assert.False(t, ok)
	_, err = d.WaitForCompletion(context.Background(), "late")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestDispatcher_StopBeforeStartCancelsQueued(t *testing.T) {
	d := NewDispatcher()
	h, err := d.Enqueue("op", func(context.Context, *Run) (Result, error) {
		return Result{Success: true}, nil
	}, EnqueueOptions{})
	require.NoError(t, err)

	d.Stop()
	<-h.Done()
	snap, ok := d.Get(h.RunID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestDispatcher_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := startDispatcher(t, WithRegisterer(reg))

	h, err := d.Enqueue("render", func(context.Context, *Run) (Result, error) {
		return Result{}, nil
	}, EnqueueOptions{})
	require.NoError(t, err)
	waitResult(t, d, h.RunID)

	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.enqueued.WithLabelValues("render")))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.finished.WithLabelValues("render", "completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(d.metrics.running))

	// A second dispatcher on the same registry shares collectors instead of panicking.
	other := NewDispatcher(WithRegisterer(reg))
	assert.Same(t, d.metrics.enqueued, other.metrics.enqueued)
}
