package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRunTicksAndStops(t *testing.T) {
	stopCh := make(chan struct{})
	ticks := make(chan struct{}, 16)
	done := make(chan struct{})

	go func() {
		Run(stopCh, func() time.Duration { return 5 * time.Millisecond }, 0, func() {
			ticks <- struct{}{}
		})
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d never fired", i)
		}
	}

	close(stopCh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRunReloadsInterval(t *testing.T) {
	stopCh := make(chan struct{})
	defer close(stopCh)

	intervals := make(chan time.Duration, 16)
	var current atomic.Int64
	current.Store(int64(5 * time.Millisecond))
	ticks := make(chan struct{}, 16)

	go Run(stopCh, func() time.Duration {
		d := time.Duration(current.Load())
		intervals <- d
		return d
	}, 0, func() { ticks <- struct{}{} })

	<-ticks
	current.Store(int64(7 * time.Millisecond))
	<-ticks
	<-ticks

	// The interval function was consulted between ticks, so the change
	// took effect without a restart.
	seen := map[time.Duration]bool{}
	for len(intervals) > 0 {
		seen[<-intervals] = true
	}
	if !seen[5*time.Millisecond] || !seen[7*time.Millisecond] {
		t.Fatalf("intervals seen: %v", seen)
	}
}

func TestRunFirstTickImmediate(t *testing.T) {
	stopCh := make(chan struct{})
	defer close(stopCh)
	ticks := make(chan struct{}, 1)

	go Run(stopCh, func() time.Duration { return time.Hour }, 0, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("first tick should fire immediately, not after the interval")
	}
}
