// Package scanloop runs a function on a jittered interval. The interval
// is re-read before every sleep, so a tickSeconds change on the config
// tab takes effect on the very next tick.
package scanloop

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultInterval and DefaultJitterRange define the tick cadence used
	// when the config tab carries no tickSeconds.
	DefaultInterval    = 60 * time.Second
	DefaultJitterRange = 5 * time.Second
)

// Run executes fn immediately and then at a jittered interval until
// stopCh is closed. The sleep is: intervalFn() + random([0, jitterRange)).
// Jitter keeps fleet workers polling the same sheet from synchronizing.
func Run(stopCh <-chan struct{}, intervalFn func() time.Duration, jitterRange time.Duration, fn func()) {
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		select {
		case <-stopCh:
			return
		default:
		}
		fn()

		interval := intervalFn()
		if interval <= 0 {
			interval = time.Second
		}
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
	}
}
