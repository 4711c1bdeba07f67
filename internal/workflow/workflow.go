// Package workflow runs one subscription attempt as a state machine:
// authenticate, open the membership page, detect the current state with
// stability sampling, apply the intent, verify through the displayed
// billing date, and hand a typed outcome to the result writer.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lullworks/lull/internal/auth"
	"github.com/lullworks/lull/internal/billingdate"
	"github.com/lullworks/lull/internal/browser"
	"github.com/lullworks/lull/internal/clock"
	"github.com/lullworks/lull/internal/outcome"
	"github.com/lullworks/lull/internal/task"
)

// nearFutureWindow bounds how far ahead a billing date may sit for a
// resume to count as verified.
const nearFutureWindow = 45 * 24 * time.Hour

// SessionRunner provides scoped browser sessions; satisfied by the
// browser provider.
type SessionRunner interface {
	WithSession(ctx context.Context, profileID string, fn func(*browser.Session) error) error
}

// Outcome is the workflow's verdict on one attempt. KindOK means NewStatus
// and (when set) BillingDate are verified and safe to commit.
type Outcome struct {
	Kind        outcome.Kind
	NewStatus   string
	BillingDate time.Time
	Detail      string
}

func (o Outcome) Success() bool { return o.Kind == outcome.KindOK }

// Workflow drives attempts. Page operations are hooks with live CDP
// defaults so tests can substitute scripted behavior.
type Workflow struct {
	sessions SessionRunner
	clk      *clock.Clock
	logger   *log.Logger

	AuthFn   func(ctx context.Context, drv browser.Driver, creds auth.Credentials) error
	ReadyFn  func(ctx context.Context, drv browser.Driver) error
	SampleFn func(ctx context.Context, drv browser.Driver) (Sample, error)
	PauseFn  func(ctx context.Context, drv browser.Driver) (bool, error)
	ResumeFn func(ctx context.Context, drv browser.Driver) (bool, error)
	Sleep    func(time.Duration)

	// MaxSamples caps stability sampling; two consecutive identical
	// samples end it early.
	MaxSamples int
	// ReadyTimeout bounds the wait for the membership page to render.
	ReadyTimeout time.Duration
}

func New(sessions SessionRunner, clk *clock.Clock, logger *log.Logger) *Workflow {
	return &Workflow{
		sessions: sessions,
		clk:      clk,
		logger:   logger,
		AuthFn: func(ctx context.Context, drv browser.Driver, creds auth.Credentials) error {
			return auth.NewFlow(drv, creds, logger).Run(ctx)
		},
		ReadyFn:      waitMembershipReady,
		SampleFn:     scrapeSample,
		PauseFn:      applyPause,
		ResumeFn:     applyResume,
		Sleep:        time.Sleep,
		MaxSamples:   5,
		ReadyTimeout: 60 * time.Second,
	}
}

type passResult struct {
	alreadyTarget bool
	sample        Sample
	out           Outcome
}

// Run executes the attempt. A row already found in its target state gets
// exactly one re-check on a fresh session before success is committed;
// roughly one read in twenty misreports the paused state, and the second
// session filters those out.
func (w *Workflow) Run(ctx context.Context, row task.Row, intent task.Intent, profileID string) Outcome {
	res, err := w.pass(ctx, row, intent, profileID, false)
	if err != nil {
		return failureOutcome(err)
	}
	if !res.alreadyTarget {
		return res.out
	}

	w.logger.Printf("[workflow] row %d already in target state for %s, re-checking on fresh session",
		row.Number, intent)
	res, err = w.pass(ctx, row, intent, profileID, true)
	if err != nil {
		return failureOutcome(err)
	}
	if res.alreadyTarget {
		return w.confirmedTarget(intent, res.sample)
	}
	// The first read was the false positive; the fresh pass applied the
	// intent for real and verified it.
	return res.out
}

// Login authenticates the row's account and stops there, without touching
// the membership page. Used to warm fresh browser profiles so the real
// runs later start from a signed-in state.
func (w *Workflow) Login(ctx context.Context, row task.Row, profileID string) Outcome {
	err := w.sessions.WithSession(ctx, profileID, func(s *browser.Session) error {
		return w.AuthFn(ctx, s.Driver, auth.Credentials{
			Email:         row.Email,
			Password:      row.Password,
			RecoveryEmail: row.RecoveryEmail,
			TOTPSecret:    row.TOTPSecret,
		})
	})
	if err != nil {
		return failureOutcome(err)
	}
	return Outcome{Kind: outcome.KindOK, Detail: "login only"}
}

// pass runs one full session. recheck marks the second pass, where
// finding the target state means confirmation rather than another
// deferral.
func (w *Workflow) pass(ctx context.Context, row task.Row, intent task.Intent, profileID string, recheck bool) (passResult, error) {
	var res passResult
	err := w.sessions.WithSession(ctx, profileID, func(s *browser.Session) error {
		drv := s.Driver

		if err := w.AuthFn(ctx, drv, auth.Credentials{
			Email:         row.Email,
			Password:      row.Password,
			RecoveryEmail: row.RecoveryEmail,
			TOTPSecret:    row.TOTPSecret,
		}); err != nil {
			return err
		}

		sample, err := w.detect(ctx, drv)
		if err != nil {
			return err
		}
		res.sample = sample

		state := sample.State()
		if state == DetectedUncertain {
			return outcome.Errf(outcome.KindStateUncertain, "unstable membership page")
		}

		target := targetState(intent)
		if state == target {
			res.alreadyTarget = true
			if !recheck {
				return nil // defer to the fresh-session pass
			}
			return nil
		}
		res.alreadyTarget = false

		recovered, err := w.apply(ctx, drv, intent)
		if err != nil {
			return err
		}

		after, err := w.detect(ctx, drv)
		if err != nil {
			return err
		}
		res.out = w.verify(row, intent, after, recovered)
		return nil
	})
	if err != nil {
		return passResult{}, err
	}
	return res, nil
}

// detect waits for the membership page and samples it until two
// consecutive samples agree.
func (w *Workflow) detect(ctx context.Context, drv browser.Driver) (Sample, error) {
	if err := drv.Navigate(ctx, MembershipURL); err != nil {
		return Sample{}, err
	}
	readyCtx, cancel := context.WithTimeout(ctx, w.ReadyTimeout)
	defer cancel()
	if err := w.ReadyFn(readyCtx, drv); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Sample{}, outcome.Errf(outcome.KindStateUncertain, "membership page never became ready")
		}
		return Sample{}, err
	}

	var prev Sample
	havePrev := false
	for i := 0; i < w.MaxSamples; i++ {
		s, err := w.SampleFn(ctx, drv)
		if err != nil {
			return Sample{}, err
		}
		if havePrev && s.equal(prev) {
			return s, nil
		}
		prev, havePrev = s, true
		w.Sleep(700 * time.Millisecond)
	}
	return Sample{}, outcome.Errf(outcome.KindStateUncertain,
		"no two consecutive samples agreed in %d tries", w.MaxSamples)
}

func (w *Workflow) apply(ctx context.Context, drv browser.Driver, intent task.Intent) (bool, error) {
	if intent == task.IntentPause {
		return w.PauseFn(ctx, drv)
	}
	return w.ResumeFn(ctx, drv)
}

// verify maps the post-action page to a typed outcome per intent.
func (w *Workflow) verify(row task.Row, intent task.Intent, after Sample, recovered bool) Outcome {
	now := w.clk.Now()
	newDate, haveNew := billingdate.Parse(after.BillingText, now, now.Location())
	prior, havePrior := w.clk.ParseDate(row.NextBillingDate)

	if intent == task.IntentPause {
		if after.State() != DetectedPaused {
			// The action went through but the page does not show paused:
			// the subscription has not renewed yet.
			return Outcome{Kind: outcome.KindPaymentPending, Detail: "page not paused after pause"}
		}
		if haveNew && (!havePrior || newDate.After(prior)) {
			return Outcome{
				Kind:        outcome.KindOK,
				NewStatus:   task.StatusPaused,
				BillingDate: newDate,
			}
		}
		if haveNew && havePrior && !newDate.After(prior) {
			return Outcome{Kind: outcome.KindPaymentPending,
				Detail: fmt.Sprintf("billing date unchanged at %s", w.clk.FormatDate(newDate))}
		}
		// Paused with no readable date still counts; the date column is
		// left as-is.
		return Outcome{Kind: outcome.KindOK, NewStatus: task.StatusPaused}
	}

	// Resume intent.
	if after.UpdatePay {
		return Outcome{Kind: outcome.KindPaymentMethodIssue, Detail: "update payment method required"}
	}
	if recovered {
		return Outcome{Kind: outcome.KindPaymentRecovered, Detail: "payment recovery completed mid-flow"}
	}
	if haveNew && newDate.After(now.Add(-24*time.Hour)) && newDate.Before(now.Add(nearFutureWindow)) {
		return Outcome{
			Kind:        outcome.KindOK,
			NewStatus:   task.StatusActive,
			BillingDate: newDate,
		}
	}
	return Outcome{Kind: outcome.KindStateUncertain, Detail: "no near-future billing date after resume"}
}

// confirmedTarget builds the success outcome for a row whose target state
// was confirmed by the second session.
func (w *Workflow) confirmedTarget(intent task.Intent, sample Sample) Outcome {
	out := Outcome{Kind: outcome.KindOK, NewStatus: string(targetState(intent)), Detail: "already in target state"}
	now := w.clk.Now()
	if d, ok := billingdate.Parse(sample.BillingText, now, now.Location()); ok {
		out.BillingDate = d
	}
	return out
}

func targetState(intent task.Intent) DetectedState {
	if intent == task.IntentPause {
		return DetectedPaused
	}
	return DetectedActive
}

// failureOutcome types an error that escaped a pass.
func failureOutcome(err error) Outcome {
	var oe *outcome.Error
	if errors.As(err, &oe) {
		return Outcome{Kind: oe.Kind, Detail: oe.Error()}
	}
	if errors.Is(err, browser.ErrSessionLost) {
		return Outcome{Kind: outcome.KindSessionLost, Detail: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Outcome{Kind: outcome.KindAuthTimeout, Detail: err.Error()}
	}
	return Outcome{Kind: outcome.KindBrowserError, Detail: err.Error()}
}
