package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine implements Engine for tests. Poll results are consumed in order;
// the last result repeats.
type fakeEngine struct {
	desc Descriptor

	mu        sync.Mutex
	polls     []pollStep
	pollCalls atomic.Int64
}

type pollStep struct {
	res PollResult
	err error
}

func (f *fakeEngine) Describe() Descriptor { return f.desc }

func (f *fakeEngine) Submit(ctx context.Context, job Job) (Handle, error) {
	return Handle("h-" + job.ID), nil
}

func (f *fakeEngine) Poll(ctx context.Context, h Handle) (PollResult, error) {
	f.pollCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.polls) == 0 {
		return PollResult{Status: StatusProcessing}, nil
	}
	step := f.polls[0]
	if len(f.polls) > 1 {
		f.polls = f.polls[1:]
	}
	return step.res, step.err
}

func (f *fakeEngine) Download(ctx context.Context, assetRef, destPath string) error { return nil }
func (f *fakeEngine) Cancel(ctx context.Context, h Handle) error                    { return nil }
func (f *fakeEngine) Ping(ctx context.Context) error                                { return nil }
func (f *fakeEngine) Close() error                                                  { return nil }

func fastOpts() AwaitOptions {
	return AwaitOptions{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      1.5,
		Jitter:          0,
		WallTimeout:     time.Second,
		MaxNetRetries:   3,
	}
}

func TestAwaitSucceeds(t *testing.T) {
	eng := &fakeEngine{
		desc: Descriptor{ID: "fake", Name: "Fake"},
		polls: []pollStep{
			{res: PollResult{Status: StatusProcessing}},
			{res: PollResult{Status: StatusProcessing}},
			{res: PollResult{Status: StatusSucceeded, AssetRef: "https://x/clip.mp4"}},
		},
	}

	res, err := Await(context.Background(), eng, "h1", fastOpts())
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "https://x/clip.mp4", res.AssetRef)
	assert.Equal(t, int64(3), eng.pollCalls.Load())
}

func TestAwaitReportsRemoteFailure(t *testing.T) {
	eng := &fakeEngine{
		desc:  Descriptor{ID: "fake"},
		polls: []pollStep{{res: PollResult{Status: StatusFailed, Reason: "nsfw filter"}}},
	}

	res, err := Await(context.Background(), eng, "h1", fastOpts())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "nsfw filter", res.Reason)
}

func TestAwaitCancelledMidBackoff(t *testing.T) {
	eng := &fakeEngine{desc: Descriptor{ID: "fake"}} // polls Processing forever

	ctx, cancel := context.WithCancel(context.Background())
	opts := fastOpts()
	opts.InitialInterval = 50 * time.Millisecond
	opts.MaxInterval = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := Await(ctx, eng, "h1", opts)
		done <- err
	}()

	// Let the first poll happen, then cancel during the backoff sleep.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, IsCancelled(err))
	case <-time.After(opts.MaxInterval + 100*time.Millisecond):
		t.Fatal("await did not stop within one backoff interval of cancellation")
	}

	// No further polls after cancellation was observed.
	after := eng.pollCalls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, eng.pollCalls.Load())
}

func TestAwaitDeadSessionStopsLoop(t *testing.T) {
	eng := &deadSessionEngine{fakeEngine{desc: Descriptor{ID: "fake"}}}

	_, err := Await(context.Background(), eng, "h1", fastOpts())
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	// Session was dead before the first poll; no I/O may have happened.
	assert.Equal(t, int64(0), eng.pollCalls.Load())
}

type deadSessionEngine struct{ fakeEngine }

func (*deadSessionEngine) SessionAlive() bool { return false }

func TestAwaitWallTimeout(t *testing.T) {
	eng := &fakeEngine{desc: Descriptor{ID: "fake"}}

	opts := fastOpts()
	opts.WallTimeout = 20 * time.Millisecond
	opts.InitialInterval = 5 * time.Millisecond

	_, err := Await(context.Background(), eng, "h1", opts)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestAwaitTransientErrorsRetriedThenEscalated(t *testing.T) {
	eng := &fakeEngine{
		desc:  Descriptor{ID: "fake"},
		polls: []pollStep{{err: assert.AnError}},
	}

	opts := fastOpts()
	opts.MaxNetRetries = 2

	_, err := Await(context.Background(), eng, "h1", opts)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	// Initial attempt plus two retries before escalation.
	assert.Equal(t, int64(3), eng.pollCalls.Load())
}

func TestAwaitAuthErrorImmediate(t *testing.T) {
	eng := &fakeEngine{
		desc:  Descriptor{ID: "fake"},
		polls: []pollStep{{err: &Error{Op: "Poll", Engine: "fake", Err: ErrAuth}}},
	}

	_, err := Await(context.Background(), eng, "h1", fastOpts())
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.Equal(t, int64(1), eng.pollCalls.Load())
}

func TestAwaitNotFound(t *testing.T) {
	eng := &fakeEngine{
		desc:  Descriptor{ID: "fake"},
		polls: []pollStep{{res: PollResult{Status: StatusNotFound}}},
	}

	_, err := Await(context.Background(), eng, "h1", fastOpts())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}
