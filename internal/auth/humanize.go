package auth

import (
	"context"
	"math/rand"
	"time"

	"github.com/lullworks/lull/internal/browser"
)

// humanizer adds input timing noise so no two attempts produce identical
// traces. The rand source and sleep are injectable; tests run with a
// no-op sleep and a seeded source.
type humanizer struct {
	rand  *rand.Rand
	sleep func(time.Duration)
}

func newHumanizer(seed int64, sleep func(time.Duration)) *humanizer {
	return &humanizer{rand: rand.New(rand.NewSource(seed)), sleep: sleep}
}

func (h *humanizer) between(lo, hi time.Duration) time.Duration {
	return lo + time.Duration(h.rand.Int63n(int64(hi-lo)))
}

// click wraps a page-transition click with pre-click jitter and a
// post-click pause.
func (h *humanizer) click(ctx context.Context, drv browser.Driver, selector string) error {
	h.sleep(h.between(100*time.Millisecond, 300*time.Millisecond))
	if err := drv.Click(ctx, selector); err != nil {
		return err
	}
	h.sleep(h.between(300*time.Millisecond, 2000*time.Millisecond))
	return nil
}

// typeText enters text character by character with variable per-key delay
// and an occasional longer pause, the way a person types a password.
func (h *humanizer) typeText(ctx context.Context, drv browser.Driver, selector, text string) error {
	for _, r := range text {
		if err := drv.TypeText(ctx, selector, string(r)); err != nil {
			return err
		}
		d := h.between(40*time.Millisecond, 160*time.Millisecond)
		if h.rand.Intn(12) == 0 {
			d += h.between(200*time.Millisecond, 600*time.Millisecond)
		}
		h.sleep(d)
	}
	return nil
}
