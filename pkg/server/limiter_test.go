package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterGrantsUpToMax(t *testing.T) {
	l := newLimiter(2, 4, time.Second)

	r1, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)
	r2, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)

	r1()
	r2()

	r3, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)
	r3()
}

func TestLimiterUnlimitedWhenMaxZero(t *testing.T) {
	l := newLimiter(0, 0, time.Millisecond)
	for i := 0; i < 100; i++ {
		release, status := l.acquire(context.Background())
		require.Equal(t, acquireOK, status)
		release()
	}
}

func TestLimiterQueueFullRejectsImmediately(t *testing.T) {
	l := newLimiter(1, 0, time.Second)

	release, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)
	defer release()

	_, status = l.acquire(context.Background())
	assert.Equal(t, acquireBusy, status)
}

func TestLimiterQueueTimeout(t *testing.T) {
	l := newLimiter(1, 4, 20*time.Millisecond)

	release, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)
	defer release()

	start := time.Now()
	_, status = l.acquire(context.Background())
	assert.Equal(t, acquireQueueTimeout, status)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestLimiterHandsPermitToWaiter(t *testing.T) {
	l := newLimiter(1, 4, time.Second)

	release, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)

	var wg sync.WaitGroup
	results := make(chan acquireStatus, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, s := l.acquire(context.Background())
		results <- s
		if r != nil {
			r()
		}
	}()

	time.Sleep(10 * time.Millisecond)
	release()
	wg.Wait()
	assert.Equal(t, acquireOK, <-results)
}

func TestLimiterClientAbort(t *testing.T) {
	l := newLimiter(1, 4, time.Second)

	release, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, status = l.acquire(ctx)
	assert.Equal(t, acquireAborted, status)
}

func TestLimiterReleaseIsIdempotent(t *testing.T) {
	l := newLimiter(1, 4, time.Second)

	release, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)
	release()
	release()
	release()

	// A double release must not free a phantom permit.
	r2, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)
	_, status = l.acquire(context.Background())
	if status == acquireOK {
		t.Fatal("second concurrent acquire should not succeed with max 1")
	}
	r2()
}

func TestLimiterSkipsAbandonedWaiters(t *testing.T) {
	l := newLimiter(1, 4, 10*time.Millisecond)

	release, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)

	// This waiter times out and leaves the queue.
	_, status = l.acquire(context.Background())
	require.Equal(t, acquireQueueTimeout, status)

	release()

	// The permit must be free again, not stuck on the dead waiter.
	r2, status := l.acquire(context.Background())
	require.Equal(t, acquireOK, status)
	r2()
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl := newRateLimiter(configRate(60, 2))
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"), "burst of 2 exhausted")

	// One token refills after a second at 60 rpm.
	now = now.Add(time.Second)
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
}

func TestRateLimiterBucketsAreIndependent(t *testing.T) {
	rl := newRateLimiter(configRate(60, 1))
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"))
}
