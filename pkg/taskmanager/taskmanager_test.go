package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ljc0311/clipforge/pkg/engine"
)

func instantRunner(out string) Runner {
	return func(ctx context.Context, t *Task) (string, error) {
		t.MarkSubmitted("stub", "h1")
		t.MarkPolling()
		return out, nil
	}
}

func blockingRunner(release <-chan struct{}) Runner {
	return func(ctx context.Context, t *Task) (string, error) {
		t.MarkSubmitted("stub", "h1")
		t.MarkPolling()
		select {
		case <-release:
			return "/tmp/out.mp4", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func TestSubmitAndAwaitSuccess(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	id, err := m.Submit(engine.Job{ID: "scene-1/0"}, instantRunner("/tmp/clip0.mp4"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := m.AwaitResult(id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, rec.State)
	assert.Equal(t, "/tmp/clip0.mp4", rec.OutputPath)
	assert.Equal(t, "stub", rec.EngineID)
	assert.Equal(t, engine.Handle("h1"), rec.RemoteHandle)
	assert.Equal(t, "scene-1", rec.SceneID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.False(t, rec.StartedAt.IsZero())
	assert.False(t, rec.EndedAt.IsZero())
}

func TestFailureAttachesLastError(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	id, err := m.Submit(engine.Job{ID: "j"}, func(ctx context.Context, t *Task) (string, error) {
		t.MarkSubmitted("stub", "h1")
		return "", fmt.Errorf("%w: engine broke", engine.ErrUnavailable)
	})
	require.NoError(t, err)

	rec, err := m.AwaitResult(id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.LastError, "engine broke")
	assert.Empty(t, rec.OutputPath)
}

func TestConcurrencyBound(t *testing.T) {
	const limit = 2
	m := New(Config{MaxConcurrent: limit})
	defer m.Close()

	var active, peak atomic.Int64
	release := make(chan struct{})
	var wg sync.WaitGroup

	runner := func(ctx context.Context, task *Task) (string, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		task.MarkSubmitted("stub", "h")
		task.MarkPolling()
		<-release
		active.Add(-1)
		return "/tmp/x.mp4", nil
	}

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		id, err := m.Submit(engine.Job{ID: fmt.Sprintf("j%d", i)}, runner)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Give the pool time to admit as many as it will.
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int64(limit))

	// Snapshot must never show more than limit tasks past Queued and
	// non-terminal.
	inFlight := 0
	for _, rec := range m.Snapshot() {
		if rec.State == StateSubmitted || rec.State == StatePolling {
			inFlight++
		}
	}
	assert.LessOrEqual(t, inFlight, limit)

	close(release)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			rec, err := m.AwaitResult(id, 5*time.Second)
			assert.NoError(t, err)
			assert.Equal(t, StateSucceeded, rec.State)
		}(id)
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(limit))
}

func TestSubmitDoesNotBlockWhenPoolIsFull(t *testing.T) {
	m := New(Config{MaxConcurrent: 1})
	defer m.Close()

	release := make(chan struct{})
	defer close(release)

	_, err := m.Submit(engine.Job{ID: "j0"}, blockingRunner(release))
	require.NoError(t, err)

	start := time.Now()
	id, err := m.Submit(engine.Job{ID: "j1"}, blockingRunner(release))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	rec, err := m.AwaitResult(id, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrAwaitTimeout)
	assert.Equal(t, StateQueued, rec.State)
}

func TestCancelWhileQueued(t *testing.T) {
	m := New(Config{MaxConcurrent: 1})
	defer m.Close()

	release := make(chan struct{})
	defer close(release)

	_, err := m.Submit(engine.Job{ID: "j0"}, blockingRunner(release))
	require.NoError(t, err)

	queued, err := m.Submit(engine.Job{ID: "j1"}, blockingRunner(release))
	require.NoError(t, err)

	m.Cancel(queued)
	rec, err := m.AwaitResult(queued, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, rec.State)
	assert.Empty(t, rec.LastError, "cancellation is not an error")
}

func TestCancelWhilePolling(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	polling := make(chan struct{})
	id, err := m.Submit(engine.Job{ID: "j0"}, func(ctx context.Context, task *Task) (string, error) {
		task.MarkSubmitted("stub", "h")
		task.MarkPolling()
		close(polling)
		<-ctx.Done()
		return "", &engine.Error{Op: "Poll", Engine: "stub", Err: engine.ErrCancelled}
	})
	require.NoError(t, err)

	<-polling
	m.Cancel(id)
	m.Cancel(id) // idempotent

	rec, err := m.AwaitResult(id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, rec.State)
	assert.Empty(t, rec.LastError)
}

func TestCancelUnknownTaskIsNoop(t *testing.T) {
	m := New(Config{})
	defer m.Close()
	m.Cancel("no-such-task")
}

func TestCancelScene(t *testing.T) {
	m := New(Config{MaxConcurrent: 4})
	defer m.Close()

	release := make(chan struct{})
	defer close(release)

	a0, _ := m.Submit(engine.Job{ID: "scene-a/0"}, blockingRunner(release))
	a1, _ := m.Submit(engine.Job{ID: "scene-a/1"}, blockingRunner(release))
	b0, _ := m.Submit(engine.Job{ID: "scene-b/0"}, blockingRunner(release))

	m.CancelScene("scene-a")

	for _, id := range []string{a0, a1} {
		rec, err := m.AwaitResult(id, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, rec.State)
	}

	rec, err := m.AwaitResult(b0, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrAwaitTimeout)
	assert.NotEqual(t, StateCancelled, rec.State)
}

func TestStateMachineRejectsBackwardTransitions(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	id, err := m.Submit(engine.Job{ID: "j0"}, func(ctx context.Context, task *Task) (string, error) {
		task.MarkSubmitted("stub", "h1")
		task.MarkPolling()
		// A retry legitimately returns to Submitted.
		task.MarkRetry("stub2", "h2", errors.New("first attempt timed out"))
		task.MarkPolling()
		// Submitting from a terminal state later must be ignored; see below.
		return "/tmp/out.mp4", nil
	})
	require.NoError(t, err)

	rec, err := m.AwaitResult(id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, rec.State)
	assert.Equal(t, 1, rec.Retries)
	assert.Equal(t, "stub2", rec.EngineID)
	assert.Contains(t, rec.LastError, "timed out")
}

func TestTransitionsIgnoredAfterTerminal(t *testing.T) {
	m := New(Config{})
	defer m.Close()

	var task *Task
	id, err := m.Submit(engine.Job{ID: "j0"}, func(ctx context.Context, tk *Task) (string, error) {
		task = tk
		tk.MarkSubmitted("stub", "h")
		return "/tmp/out.mp4", nil
	})
	require.NoError(t, err)

	rec, err := m.AwaitResult(id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StateSucceeded, rec.State)

	task.MarkPolling()
	task.MarkSubmitted("other", "h9")
	after, err := m.AwaitResult(id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, after.State)
	assert.Equal(t, "stub", after.EngineID)
}

func TestHistoryEviction(t *testing.T) {
	m := New(Config{MaxConcurrent: 4, HistoryLimit: 2})
	defer m.Close()

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := m.Submit(engine.Job{ID: fmt.Sprintf("j%d", i)}, instantRunner("/tmp/x.mp4"))
		require.NoError(t, err)
		rec, err := m.AwaitResult(id, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, StateSucceeded, rec.State)
		ids = append(ids, id)
	}

	snap := m.Snapshot()
	assert.LessOrEqual(t, len(snap), 2)

	// The oldest records are gone.
	_, err := m.AwaitResult(ids[0], time.Second)
	assert.Error(t, err)
}

func TestSubmitAfterClose(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Submit(engine.Job{ID: "j"}, instantRunner("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseCancelsInFlight(t *testing.T) {
	m := New(Config{})

	started := make(chan struct{})
	id, err := m.Submit(engine.Job{ID: "j"}, func(ctx context.Context, task *Task) (string, error) {
		task.MarkSubmitted("stub", "h")
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, m.Close())

	rec, err := m.AwaitResult(id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, rec.State)
}
