package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lullworks/lull/internal/browser"
)

// MembershipURL is the paid-memberships management page.
const MembershipURL = "https://www.youtube.com/paid_memberships"

// minBodyLength is the page-text threshold below which the membership
// page is considered still loading.
const minBodyLength = 500

// Sample is one scrape of the membership page's observable state.
type Sample struct {
	PauseButton  bool
	ResumeButton bool
	ManageButton bool
	PausedText   bool
	BillingText  string
	UpdatePay    bool
}

// DetectedState is what a stable sample maps to.
type DetectedState string

const (
	DetectedActive    DetectedState = "active"
	DetectedPaused    DetectedState = "paused"
	DetectedUncertain DetectedState = "uncertain"
)

// State maps the sample to exactly one detected state. Anything that is
// not unambiguously active or paused is uncertain, and uncertain is never
// committed.
func (s Sample) State() DetectedState {
	switch {
	case s.PauseButton && !s.ResumeButton && !s.PausedText:
		return DetectedActive
	case s.ManageButton && s.BillingText != "" && !s.PausedText && !s.ResumeButton:
		return DetectedActive
	case s.ResumeButton && !s.PauseButton:
		return DetectedPaused
	case s.PausedText && s.ResumeButton:
		return DetectedPaused
	default:
		return DetectedUncertain
	}
}

func (s Sample) equal(o Sample) bool { return s == o }

// waitMembershipReady blocks until the page shows at least one action
// button and enough text to be trusted, or the context expires.
func waitMembershipReady(ctx context.Context, drv browser.Driver) error {
	for {
		out, err := drv.Evaluate(ctx, fmt.Sprintf(`(() => {
			const text = document.body ? document.body.innerText : '';
			const buttons = Array.from(document.querySelectorAll('button, [role="button"]'))
				.map(b => (b.innerText || '').toLowerCase());
			const action = buttons.some(t =>
				t.includes('pause') || t.includes('resume') || t.includes('manage'));
			return (action && text.length > %d) ? "ready" : "loading";
		})()`, minBodyLength))
		if err != nil {
			return err
		}
		if out == "ready" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// scrapeSample reads one Sample from the live page.
func scrapeSample(ctx context.Context, drv browser.Driver) (Sample, error) {
	out, err := drv.Evaluate(ctx, `(() => {
		const texts = Array.from(document.querySelectorAll('button, [role="button"], a'))
			.map(b => (b.innerText || '').toLowerCase());
		const has = n => texts.some(t => t.includes(n));
		const body = document.body ? document.body.innerText : '';
		const bodyLow = body.toLowerCase();
		const billing = (() => {
			const m = body.match(/next billing date[:\s]*([^\n]+)/i);
			if (m) return m[1].trim();
			const d = document.querySelector('[aria-label*="billing"], .billing-date');
			return d ? d.innerText.trim() : '';
		})();
		return [
			has('pause') ? '1' : '0',
			has('resume') ? '1' : '0',
			has('manage') ? '1' : '0',
			(bodyLow.includes('membership paused') || bodyLow.includes('paused until')) ? '1' : '0',
			(has('update payment method') || bodyLow.includes('update your payment method')) ? '1' : '0',
			billing,
		].join('|');
	})()`)
	if err != nil {
		return Sample{}, err
	}
	parts := strings.SplitN(out, "|", 6)
	if len(parts) != 6 {
		return Sample{}, fmt.Errorf("workflow: malformed sample %q", out)
	}
	flag := func(s string) bool { v, _ := strconv.Atoi(s); return v == 1 }
	return Sample{
		PauseButton:  flag(parts[0]),
		ResumeButton: flag(parts[1]),
		ManageButton: flag(parts[2]),
		PausedText:   flag(parts[3]),
		UpdatePay:    flag(parts[4]),
		BillingText:  parts[5],
	}, nil
}

// applyPause walks manage → pause → confirm and returns to the
// membership view. Reports whether a payment-recovery confirmation was
// encountered mid-flow.
func applyPause(ctx context.Context, drv browser.Driver) (recovered bool, err error) {
	return applySequence(ctx, drv, []string{"manage", "pause"}, "pause")
}

// applyResume walks manage → resume → confirm symmetrically.
func applyResume(ctx context.Context, drv browser.Driver) (recovered bool, err error) {
	return applySequence(ctx, drv, []string{"manage", "resume"}, "resume")
}

func applySequence(ctx context.Context, drv browser.Driver, steps []string, confirm string) (bool, error) {
	recovered := false
	for _, step := range steps {
		clicked, err := clickButton(ctx, drv, step)
		if err != nil {
			return recovered, err
		}
		if !clicked && step == "manage" {
			// Some layouts expose the action directly, no manage layer.
			continue
		}
		if !clicked {
			return recovered, fmt.Errorf("workflow: no %q affordance", step)
		}
		settle(ctx)
	}

	// A payment-recovery interstitial can appear before the confirm
	// dialog; completing it counts as recovered and the flow goes on.
	if ok, err := clickButton(ctx, drv, "confirm payment"); err != nil {
		return recovered, err
	} else if ok {
		recovered = true
		settle(ctx)
	}

	if ok, err := clickButton(ctx, drv, confirm); err != nil {
		return recovered, err
	} else if !ok {
		return recovered, fmt.Errorf("workflow: confirm dialog missing %q", confirm)
	}
	settle(ctx)

	if err := drv.Navigate(ctx, MembershipURL); err != nil {
		return recovered, err
	}
	return recovered, nil
}

// clickButton finds the first button whose text contains the needle and
// clicks its box through the mouse pipeline.
func clickButton(ctx context.Context, drv browser.Driver, needle string) (bool, error) {
	out, err := drv.Evaluate(ctx, fmt.Sprintf(`(() => {
		const els = Array.from(document.querySelectorAll('button, [role="button"], a'));
		for (const el of els) {
			if ((el.innerText || '').toLowerCase().includes(%q)) {
				el.scrollIntoView({block: "center"});
				const r = el.getBoundingClientRect();
				return JSON.stringify({x: r.x, y: r.y, w: r.width, h: r.height});
			}
		}
		return "none";
	})()`, strings.ToLower(needle)))
	if err != nil {
		return false, err
	}
	if out == "none" {
		return false, nil
	}
	r, err := browser.ParseRect(out)
	if err != nil {
		return false, fmt.Errorf("workflow: click %q: %w", needle, err)
	}
	if err := drv.ClickRect(ctx, r); err != nil {
		return false, err
	}
	return true, nil
}

func settle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(1500 * time.Millisecond):
	}
}
