package idle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// counterFuncs builds a pair of ChangeFunc callbacks that record every
// invocation under a mutex, safe to read after the goroutine driving
// debounceLoop has stopped.
func counterFuncs() (pulses *int, debounces *int, onPulse, onDebounce ChangeFunc) {
	var mu sync.Mutex
	p, d := 0, 0
	onPulse = func(string) {
		mu.Lock()
		p++
		mu.Unlock()
	}
	onDebounce = func(string) {
		mu.Lock()
		d++
		mu.Unlock()
	}
	return &p, &d, onPulse, onDebounce
}

func TestDebounceLoop_BurstCollapsesToOneDebounce(t *testing.T) {
	pulses, debounces, onPulse, onDebounce := counterFuncs()
	l := New(nil, 40*time.Millisecond, onPulse, onDebounce)

	ctx, cancel := context.WithCancel(context.Background())
	notifyCh := make(chan struct{}, 1)
	cycleCh := make(chan time.Time) // never fires in this test

	done := make(chan struct{})
	go func() {
		l.debounceLoop(ctx, "user@example.com", notifyCh, cycleCh, func() {})
		close(done)
	}()

	// spec.md §8 scenario 5: inject five mail events within 500ms.
	for i := 0; i < 5; i++ {
		notifyCh <- struct{}{}
		time.Sleep(20 * time.Millisecond)
	}

	// Let the debounce window elapse once the burst stops.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	require.Equal(t, 5, *pulses, "onPulse must fire once per raw event")
	require.Equal(t, 1, *debounces, "exactly one change-notification must be delivered after the debounce")
}

func TestDebounceLoop_NoEventsMeansNoDebounce(t *testing.T) {
	pulses, debounces, onPulse, onDebounce := counterFuncs()
	l := New(nil, 20*time.Millisecond, onPulse, onDebounce)

	ctx, cancel := context.WithCancel(context.Background())
	notifyCh := make(chan struct{}, 1)
	cycleCh := make(chan time.Time)

	done := make(chan struct{})
	go func() {
		l.debounceLoop(ctx, "user@example.com", notifyCh, cycleCh, func() {})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	require.Equal(t, 0, *pulses)
	require.Equal(t, 0, *debounces)
}

func TestDebounceLoop_CycleInvokesOnDone(t *testing.T) {
	_, _, onPulse, onDebounce := counterFuncs()
	l := New(nil, defaultDebounce, onPulse, onDebounce)

	ctx := context.Background()
	notifyCh := make(chan struct{}, 1)
	cycleCh := make(chan time.Time, 1)
	cycleCh <- time.Now()

	var onDoneCalled bool
	done := make(chan struct{})
	go func() {
		l.debounceLoop(ctx, "user@example.com", notifyCh, cycleCh, func() { onDoneCalled = true })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("debounceLoop did not return after cycleCh fired")
	}
	require.True(t, onDoneCalled)
}
