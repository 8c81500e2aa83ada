package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueue_RunsWorkAndReturnsResult(t *testing.T) {
	q := New(2, 10)

	err := q.Enqueue(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestQueue_PropagatesWorkError(t *testing.T) {
	q := New(2, 10)
	sentinel := errors.New("imap failure")

	err := q.Enqueue(context.Background(), func(ctx context.Context) error {
		return sentinel
	})
	// Enqueue retries up to maxRetries before giving up, so the final
	// error is still the sentinel every attempt returned.
	require.ErrorIs(t, err, sentinel)
}

func TestQueue_NeverExceedsMaxConcurrent(t *testing.T) {
	q := New(2, 100)

	var active int32
	var maxSeen int32
	const jobs = 8

	done := make(chan error, jobs)
	for i := 0; i < jobs; i++ {
		go func() {
			done <- q.Enqueue(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxSeen)
					if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}

	for i := 0; i < jobs; i++ {
		require.NoError(t, <-done)
	}
	require.LessOrEqual(t, int(maxSeen), 2)
}

func TestQueue_ShutdownRejectsPending(t *testing.T) {
	q := New(1, 10)

	block := make(chan struct{})
	started := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- q.Enqueue(context.Background(), func(ctx context.Context) error {
			close(started)
			<-block
			return nil
		})
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		second <- q.Enqueue(context.Background(), func(ctx context.Context) error {
			return nil
		})
	}()

	// Give the second job time to land in the pending FIFO before we
	// shut down, so it is the one ErrShutdown rejects.
	time.Sleep(20 * time.Millisecond)
	q.Shutdown()
	close(block)

	require.NoError(t, <-first)
	require.ErrorIs(t, <-second, ErrShutdown)
}

func TestQueue_EnqueueAfterShutdownIsRejected(t *testing.T) {
	q := New(1, 10)
	q.Shutdown()

	err := q.Enqueue(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestQueue_SetRateLimitedArmsCooldown(t *testing.T) {
	q := New(1, 10)
	q.SetRateLimited(0.05)

	st := q.Stats()
	require.True(t, st.CooldownUntil.After(time.Now().Add(-time.Second)))

	err := q.Enqueue(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestBackoffDelay_CapsAtMaxBackoff(t *testing.T) {
	d := backoffDelay(20)
	require.LessOrEqual(t, d, maxBackoff+maxBackoff/2)
}

func TestBackoffDelay_GrowsWithFailures(t *testing.T) {
	small := backoffDelay(1)
	large := backoffDelay(4)
	require.Less(t, small, large)
}
