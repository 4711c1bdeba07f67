package outcome

import (
	"errors"
	"testing"
)

func TestClassOf(t *testing.T) {
	cases := []struct {
		kind Kind
		want Class
	}{
		{KindOK, Success},
		{KindTransportTransient, Retriable},
		{KindAuthTimeout, Retriable},
		{KindCaptcha, Retriable},
		{KindSessionLost, Retriable},
		{KindBrowserError, Retriable},
		{KindStateUncertain, Retriable},
		{KindPaymentRecovered, Retriable},
		{KindPaymentPending, ScheduledRetry},
		{KindAccountDisabled, Terminal},
		{KindPhoneVerification, Terminal},
		{KindPaymentMethodIssue, Terminal},
		{KindPaymentDelayExceeded, Terminal},
		{Kind("something_new"), Retriable},
	}
	for _, c := range cases {
		if got := ClassOf(c.kind); got != c.want {
			t.Errorf("ClassOf(%s) = %s, want %s", c.kind, got, c.want)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	inner := errors.New("connection reset")
	err := Wrap(KindTransportTransient, inner)
	if !errors.Is(err, inner) {
		t.Fatal("wrapped error lost the cause")
	}

	var oe *Error
	if !errors.As(error(err), &oe) {
		t.Fatal("errors.As failed")
	}
	if oe.Kind != KindTransportTransient {
		t.Fatalf("kind = %s", oe.Kind)
	}

	e := Errf(KindCaptcha, "challenge on %s", "signin")
	if got := e.Error(); got != "captcha: challenge on signin" {
		t.Fatalf("Error() = %q", got)
	}
}
