package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lullworks/lull/internal/browser"
	"github.com/lullworks/lull/internal/outcome"
)

// SignInURL is the canonical entry point; every recovery path re-navigates
// here.
const SignInURL = "https://accounts.google.com/ServiceLogin?service=youtube&continue=https%3A%2F%2Fwww.youtube.com%2F"

// Credentials is what the flow needs from a task row.
type Credentials struct {
	Email         string
	Password      string
	RecoveryEmail string
	TOTPSecret    string
}

// Flow runs one authentication attempt on one session. Budgets: a
// wall-clock ceiling and a page-transition ceiling, whichever trips first
// ends the attempt with auth_timeout.
type Flow struct {
	drv    browser.Driver
	creds  Credentials
	logger *log.Logger
	human  *humanizer

	NowFn     func() time.Time
	Sleep     func(time.Duration)
	WallClock time.Duration
	MaxSteps  int
	// Debug logs every classifier decision; wired to DEBUG_STARTUP.
	Debug bool

	handlers map[PageType]func(ctx context.Context) error
}

func NewFlow(drv browser.Driver, creds Credentials, logger *log.Logger) *Flow {
	f := &Flow{
		drv:       drv,
		creds:     creds,
		logger:    logger,
		NowFn:     time.Now,
		Sleep:     time.Sleep,
		WallClock: 180 * time.Second,
		MaxSteps:  10,
	}
	f.human = newHumanizer(time.Now().UnixNano(), func(d time.Duration) { f.Sleep(d) })
	f.handlers = map[PageType]func(context.Context) error{
		PageAccountChooser:       f.handleAccountChooser,
		PageEmailInput:           f.handleEmailInput,
		PagePasswordInput:        f.handlePasswordInput,
		PageTwoFactor:            f.handleTwoFactor,
		PageRecoverySelection:    f.handleRecoverySelection,
		PageIdentityConfirmation: f.handleIdentityConfirmation,
		PagePasskeyEnrollment:    f.handlePasskeyEnrollment,
		PageBrowserError:         f.handleBrowserError,
		PageProviderError:        f.handleBrowserError,
		PageImageCaptcha:         f.handleCaptcha,
		PageRecaptcha:            f.handleCaptcha,
		PageAccountDisabled: func(context.Context) error {
			return outcome.Errf(outcome.KindAccountDisabled, "sign-in rejected")
		},
		PagePhoneVerification: func(context.Context) error {
			return outcome.Errf(outcome.KindPhoneVerification, "phone challenge")
		},
		PageUnknown: f.handleUnknown,
	}
	return f
}

// Run navigates to the sign-in entry point and loops
// classify → dispatch until signed in, a typed failure, or budget
// exhaustion. The returned error is always nil or an *outcome.Error.
func (f *Flow) Run(ctx context.Context) error {
	deadline := f.NowFn().Add(f.WallClock)
	if err := f.drv.Navigate(ctx, SignInURL); err != nil {
		return f.driverFailure("navigate sign-in", err)
	}

	var prev PageType
	repeats := 0
	for step := 1; step <= f.MaxSteps; step++ {
		if f.NowFn().After(deadline) {
			return outcome.Errf(outcome.KindAuthTimeout, "wall clock exceeded at step %d", step)
		}

		page, err := Classify(ctx, f.drv)
		if err != nil {
			return f.driverFailure("classify", err)
		}
		if f.Debug {
			f.logger.Printf("[auth] step %d: page=%s", step, page)
		}

		if signedIn(page) {
			return nil
		}

		// Revisiting the same page type repeatedly means the handler is
		// not advancing; bail before the budget burns out so the loop
		// can be reported distinctly.
		if page == prev {
			repeats++
			if repeats >= 3 {
				return outcome.Errf(outcome.KindAuthTimeout, "loop on %s", page)
			}
		} else {
			prev, repeats = page, 0
		}

		handler, ok := f.handlers[page]
		if !ok {
			handler = f.handleUnknown
		}
		if err := handler(ctx); err != nil {
			var oe *outcome.Error
			if errors.As(err, &oe) {
				return oe
			}
			return f.driverFailure(string(page), err)
		}
	}
	return outcome.Errf(outcome.KindAuthTimeout, "step budget exhausted")
}

// driverFailure types a raw driver error: a dead socket is session_lost,
// anything else is browser_error.
func (f *Flow) driverFailure(op string, err error) error {
	if errors.Is(err, browser.ErrSessionLost) {
		return &outcome.Error{Kind: outcome.KindSessionLost, Detail: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &outcome.Error{Kind: outcome.KindAuthTimeout, Detail: op, Err: err}
	}
	return &outcome.Error{Kind: outcome.KindBrowserError, Detail: op, Err: err}
}

// handleAccountChooser prefers "use another account", which routes to the
// plain email page and sidesteps a known captcha trigger on the tile
// path. The account tile is the fallback only.
func (f *Flow) handleAccountChooser(ctx context.Context) error {
	if ok, err := f.clickByText(ctx, "use another account"); err != nil {
		return err
	} else if ok {
		return nil
	}
	if ok, err := f.clickByText(ctx, strings.ToLower(f.creds.Email)); err != nil {
		return err
	} else if ok {
		return nil
	}
	return fmt.Errorf("auth: account chooser with no usable option")
}

// handleEmailInput types the address only when the field is not already
// pre-populated with it, then clicks next.
func (f *Flow) handleEmailInput(ctx context.Context) error {
	const field = `input[type="email"]`
	current, err := f.drv.Evaluate(ctx,
		`(document.querySelector(`+jsQuote(field)+`) || {value:""}).value`)
	if err != nil {
		return err
	}
	if !strings.EqualFold(strings.TrimSpace(current), f.creds.Email) {
		if err := f.human.typeText(ctx, f.drv, field, f.creds.Email); err != nil {
			return err
		}
	}
	return f.human.click(ctx, f.drv, "#identifierNext")
}

func (f *Flow) handlePasswordInput(ctx context.Context) error {
	const field = `input[type="password"]`
	if err := f.human.typeText(ctx, f.drv, field, f.creds.Password); err != nil {
		return err
	}
	return f.human.click(ctx, f.drv, "#passwordNext")
}

func (f *Flow) handleTwoFactor(ctx context.Context) error {
	code, err := totpCode(f.creds.TOTPSecret, f.NowFn, f.Sleep)
	if err != nil {
		return outcome.Wrap(outcome.KindAuthTimeout, err)
	}
	const field = `input[name="totpPin"], input[type="tel"]`
	if err := f.human.typeText(ctx, f.drv, field, code); err != nil {
		return err
	}
	return f.human.click(ctx, f.drv, "#totpNext")
}

// handleRecoverySelection picks the recovery-email challenge; failing
// that, the first option that is not a blocking one (phone).
func (f *Flow) handleRecoverySelection(ctx context.Context) error {
	if ok, err := f.clickByText(ctx, "recovery email"); err != nil {
		return err
	} else if ok {
		return nil
	}
	if ok, err := f.clickByText(ctx, "confirm your recovery email"); err != nil {
		return err
	} else if ok {
		return nil
	}
	out, err := f.drv.Evaluate(ctx, `(() => {
		const opts = Array.from(document.querySelectorAll('[data-challengetype], li [role="link"]'));
		for (const o of opts) {
			if (/phone|text message|call/i.test(o.innerText)) continue;
			o.scrollIntoView({block: "center"});
			const r = o.getBoundingClientRect();
			return JSON.stringify({x: r.x, y: r.y, w: r.width, h: r.height});
		}
		return "none";
	})()`)
	if err != nil {
		return err
	}
	if out == "none" {
		return fmt.Errorf("auth: no non-blocking recovery option")
	}
	r, err := browser.ParseRect(out)
	if err != nil {
		return fmt.Errorf("auth: recovery selection: %w", err)
	}
	return f.drv.ClickRect(ctx, r)
}

// handleIdentityConfirmation answers the speedbump with the recovery
// email when a field is shown, otherwise just confirms.
func (f *Flow) handleIdentityConfirmation(ctx context.Context) error {
	const field = `input[type="email"]`
	present, err := f.drv.Evaluate(ctx, "document.querySelector("+jsQuote(field)+") !== null")
	if err != nil {
		return err
	}
	if present == "true" && f.creds.RecoveryEmail != "" {
		if err := f.human.typeText(ctx, f.drv, field, f.creds.RecoveryEmail); err != nil {
			return err
		}
	}
	if ok, err := f.clickByText(ctx, "next", "continue", "confirm"); err != nil {
		return err
	} else if ok {
		return nil
	}
	return fmt.Errorf("auth: identity confirmation with no affordance")
}

// handlePasskeyEnrollment skips enrollment. A black or error page under
// the prompt gets one reload before giving up.
func (f *Flow) handlePasskeyEnrollment(ctx context.Context) error {
	if ok, err := f.clickByText(ctx, "not now", "skip"); err != nil {
		return err
	} else if ok {
		return nil
	}
	body, err := f.drv.Evaluate(ctx, "document.body ? document.body.innerText.length : 0")
	if err != nil {
		return err
	}
	if body == "0" {
		if err := f.drv.Navigate(ctx, SignInURL); err != nil {
			return err
		}
		body, err = f.drv.Evaluate(ctx, "document.body ? document.body.innerText.length : 0")
		if err != nil {
			return err
		}
		if body == "0" {
			return outcome.Errf(outcome.KindBrowserError, "passkey black screen")
		}
		return nil
	}
	return fmt.Errorf("auth: passkey prompt with no skip affordance")
}

// handleBrowserError reloads once, then re-navigates to the sign-in URL
// up to 3 times with inter-attempt sleep. Connection-closed and
// network-changed errors are proxy reconnects, not dead sessions.
func (f *Flow) handleBrowserError(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			f.Sleep(2 * time.Second)
		}
		if err := f.drv.Navigate(ctx, SignInURL); err != nil {
			lastErr = err
			if errors.Is(err, browser.ErrSessionLost) {
				return err
			}
			continue
		}
		page, err := Classify(ctx, f.drv)
		if err != nil {
			return err
		}
		if page != PageBrowserError && page != PageProviderError {
			return nil
		}
	}
	if lastErr != nil {
		return outcome.Wrap(outcome.KindBrowserError, lastErr)
	}
	return outcome.Errf(outcome.KindBrowserError, "error page persisted through reloads")
}

// handleCaptcha never solves; it reports the challenge so the row is
// rescheduled on a fresh session later.
func (f *Flow) handleCaptcha(context.Context) error {
	return outcome.Errf(outcome.KindCaptcha, "challenge presented")
}

// handleUnknown gives the page one reload to resolve into something the
// classifier knows.
func (f *Flow) handleUnknown(ctx context.Context) error {
	url, err := f.drv.CurrentURL(ctx)
	if err != nil {
		return err
	}
	if url == "" || url == "about:blank" {
		return f.drv.Navigate(ctx, SignInURL)
	}
	return f.drv.Navigate(ctx, url)
}

// clickByText finds the first clickable element whose text contains any
// of the given lowercase needles and clicks its box through the mouse
// pipeline.
func (f *Flow) clickByText(ctx context.Context, needles ...string) (bool, error) {
	var quoted []string
	for _, n := range needles {
		quoted = append(quoted, jsQuote(strings.ToLower(n)))
	}
	expr := `(() => {
		const needles = [` + strings.Join(quoted, ",") + `];
		const els = Array.from(document.querySelectorAll('button, [role="button"], [role="link"], a, li'));
		for (const el of els) {
			const text = (el.innerText || '').toLowerCase();
			if (needles.some(n => text.includes(n))) {
				el.scrollIntoView({block: "center"});
				const r = el.getBoundingClientRect();
				return JSON.stringify({x: r.x, y: r.y, w: r.width, h: r.height});
			}
		}
		return "none";
	})()`
	f.human.sleep(f.human.between(100*time.Millisecond, 300*time.Millisecond))
	out, err := f.drv.Evaluate(ctx, expr)
	if err != nil {
		return false, err
	}
	if out == "none" {
		return false, nil
	}
	r, err := browser.ParseRect(out)
	if err != nil {
		return false, fmt.Errorf("auth: click by text: %w", err)
	}
	if err := f.drv.ClickRect(ctx, r); err != nil {
		return false, err
	}
	f.human.sleep(f.human.between(300*time.Millisecond, 2000*time.Millisecond))
	return true, nil
}
