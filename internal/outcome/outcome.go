// Package outcome defines the failure taxonomy shared by the workflow,
// result writer and worker loop. Every attempt ends in exactly one Kind,
// and each Kind carries a Class that tells the worker what to do next:
// retry on the regular schedule, park the row on the payment-retry
// schedule, or stop touching the row entirely.
package outcome

import "fmt"

// Kind identifies what went wrong (or right) during an attempt.
type Kind string

const (
	KindOK Kind = "ok"

	// Retriable on the regular schedule.
	KindTransportTransient Kind = "transport_transient"
	KindAuthTimeout        Kind = "auth_timeout"
	KindCaptcha            Kind = "captcha"
	KindSessionLost        Kind = "session_lost"
	KindBrowserError       Kind = "browser_error"
	KindStateUncertain     Kind = "state_uncertain"

	// Recovered payment: retriable with no backoff, the row re-runs on
	// the next tick to confirm the final state.
	KindPaymentRecovered Kind = "payment_recovered_needs_recheck"

	// Pending payment: parked on the payment-retry schedule.
	KindPaymentPending Kind = "payment_pending"

	// Terminal: the row needs a human.
	KindAccountDisabled      Kind = "account_disabled"
	KindPhoneVerification    Kind = "phone_verification"
	KindPaymentMethodIssue   Kind = "payment_method_issue"
	KindPaymentDelayExceeded Kind = "payment_delay_exceeded"
)

// Class groups kinds by the worker's follow-up action.
type Class int

const (
	Success Class = iota
	Retriable
	ScheduledRetry
	Terminal
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case Retriable:
		return "retriable"
	case ScheduledRetry:
		return "scheduled-retry"
	case Terminal:
		return "terminal"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// ClassOf maps a kind to its follow-up class. Unknown kinds classify as
// Retriable so a taxonomy gap never strands a row.
func ClassOf(k Kind) Class {
	switch k {
	case KindOK:
		return Success
	case KindPaymentPending:
		return ScheduledRetry
	case KindAccountDisabled, KindPhoneVerification, KindPaymentMethodIssue, KindPaymentDelayExceeded:
		return Terminal
	default:
		return Retriable
	}
}

// Error is the failure value the workflow and its collaborators return.
// Kind drives behavior; Detail is for logs and the result cell only.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds an *Error with a formatted detail string.
func Errf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(k Kind, err error) *Error {
	return &Error{Kind: k, Err: err}
}
