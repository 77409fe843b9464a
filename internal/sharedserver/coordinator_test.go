package sharedserver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireStartsOnceAndSharesHandle(t *testing.T) {
	var starts int32
	coord := New(
		func(ctx context.Context, key string, config any) (Handle, error) {
			atomic.AddInt32(&starts, 1)
			return "handle-" + key, nil
		},
		nil,
	)

	h1, tok1, err := coord.Acquire(context.Background(), "server-a", nil)
	require.NoError(t, err)
	h2, tok2, err := coord.Acquire(context.Background(), "server-a", nil)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts))
	assert.Equal(t, 2, coord.Refcount("server-a"))

	require.NoError(t, coord.Release(tok1))
	assert.Equal(t, 1, coord.Refcount("server-a"))
	require.NoError(t, coord.Release(tok2))
	assert.Equal(t, 0, coord.Refcount("server-a"))
}

func TestConcurrentAcquireSharesSingleStartup(t *testing.T) {
	var starts int32
	started := make(chan struct{})
	release := make(chan struct{})

	coord := New(
		func(ctx context.Context, key string, config any) (Handle, error) {
			atomic.AddInt32(&starts, 1)
			close(started)
			<-release
			return "handle", nil
		},
		nil,
	)

	const n = 5
	var wg sync.WaitGroup
	results := make([]Handle, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, _, err := coord.Acquire(context.Background(), "shared", nil)
			results[i] = h
			errs[i] = err
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&starts))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, Handle("handle"), results[i])
	}
	assert.Equal(t, n, coord.Refcount("shared"))
}

func TestFailedStartupRollsBackRefcountForAllWaiters(t *testing.T) {
	startErr := errors.New("boom")
	started := make(chan struct{})
	proceed := make(chan struct{})

	var calls int32
	coord := New(
		func(ctx context.Context, key string, config any) (Handle, error) {
			if atomic.AddInt32(&calls, 1) > 1 {
				return "ok", nil
			}
			close(started)
			<-proceed
			return nil, startErr
		},
		nil,
	)

	const n = 3
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := coord.Acquire(context.Background(), "flaky", nil)
			errs[i] = err
		}(i)
	}

	<-started
	// Hold the startup open until every caller is waiting on it.
	require.Eventually(t, func() bool {
		return coord.Refcount("flaky") == n
	}, 2*time.Second, time.Millisecond)
	close(proceed)
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, startErr)
	}
	assert.Equal(t, 0, coord.Refcount("flaky"))

	// A subsequent acquire starts fresh rather than reusing dead state.
	h, _, err := coord.Acquire(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, Handle("ok"), h)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestReleaseStopsHandleAtZeroRefcount(t *testing.T) {
	var stopped int32
	coord := New(
		func(ctx context.Context, key string, config any) (Handle, error) {
			return "h", nil
		},
		func(h Handle) error {
			atomic.AddInt32(&stopped, 1)
			return nil
		},
	)

	_, tok, err := coord.Acquire(context.Background(), "k", nil)
	require.NoError(t, err)

	require.NoError(t, coord.Release(tok))
	assert.Equal(t, int32(1), atomic.LoadInt32(&stopped))
	assert.Equal(t, 0, coord.Refcount("k"))
}

func TestAcquireAfterReleaseRestartsServer(t *testing.T) {
	var starts int32
	coord := New(
		func(ctx context.Context, key string, config any) (Handle, error) {
			n := atomic.AddInt32(&starts, 1)
			return n, nil
		},
		func(h Handle) error { return nil },
	)

	_, tok, err := coord.Acquire(context.Background(), "k", nil)
	require.NoError(t, err)
	require.NoError(t, coord.Release(tok))

	h, _, err := coord.Acquire(context.Background(), "k", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), h)
}

func TestReleaseWithZeroValueTokenIsNoop(t *testing.T) {
	coord := New(nil, nil)
	require.NoError(t, coord.Release(ReleaseToken{}))
}

func TestAcquireRespectsContextTimeoutOfCaller(t *testing.T) {
	coord := New(
		func(ctx context.Context, key string, config any) (Handle, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return "too-slow", nil
			}
		},
		nil,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := coord.Acquire(ctx, "slow", nil)
	require.Error(t, err)
}

// TestServerProcessStartAndClose runs a real subprocess through the
// concrete Handle implementation: Close must terminate it and return
// once the process is reaped, and a second Close must be a no-op.
func TestServerProcessStartAndClose(t *testing.T) {
	p, err := StartServerProcess(context.Background(), "sleep", []string{"30"})
	require.NoError(t, err)
	require.NotZero(t, p.Pid())

	require.NoError(t, p.Close())

	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("server process did not exit after Close")
	}

	require.NoError(t, p.Close())
}

func TestStartServerProcessMissingBinary(t *testing.T) {
	_, err := StartServerProcess(context.Background(), "/no/such/binary", nil)
	require.Error(t, err)
}
