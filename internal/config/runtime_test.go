package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRuntimeFromKeyValues(t *testing.T) {
	rt, warns := RuntimeFromKeyValues(map[string]string{
		"pauseAfterMinutes":    "30",
		"resumeBeforeMinutes":  "60",
		"tickSeconds":          "45",
		"maxRetries":           "4",
		"lockTtlSeconds":       "300",
		"paymentRetryMaxHours": "24",
		"notifyPaymentDelay":   "false",
	})
	if len(warns) != 0 {
		t.Fatalf("unexpected warnings: %v", warns)
	}
	if rt.PauseAfter != 30*time.Minute {
		t.Errorf("PauseAfter = %v", rt.PauseAfter)
	}
	if rt.ResumeBefore != 60*time.Minute {
		t.Errorf("ResumeBefore = %v", rt.ResumeBefore)
	}
	if rt.TickInterval != 45*time.Second {
		t.Errorf("TickInterval = %v", rt.TickInterval)
	}
	if rt.MaxRetries != 4 {
		t.Errorf("MaxRetries = %d", rt.MaxRetries)
	}
	if rt.LockTTL != 5*time.Minute {
		t.Errorf("LockTTL = %v", rt.LockTTL)
	}
	if rt.PaymentRetryMax != 24*time.Hour {
		t.Errorf("PaymentRetryMax = %v", rt.PaymentRetryMax)
	}
	if rt.Notify.PaymentDelay {
		t.Error("PaymentDelay toggle should be off")
	}
	if !rt.Notify.PermanentFailure {
		t.Error("PermanentFailure toggle should keep default on")
	}
}

func TestRuntimeFromKeyValues_MalformedFallsBack(t *testing.T) {
	def := NewDefaultRuntime()
	rt, warns := RuntimeFromKeyValues(map[string]string{
		"pauseAfterMinutes": "soon",
		"maxRetries":        "0",
		"tickSeconds":       "0",
	})
	if len(warns) != 3 {
		t.Fatalf("warnings = %v, want 3", warns)
	}
	if rt.PauseAfter != def.PauseAfter {
		t.Errorf("PauseAfter = %v, want default %v", rt.PauseAfter, def.PauseAfter)
	}
	if rt.MaxRetries != def.MaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", rt.MaxRetries, def.MaxRetries)
	}
	if rt.TickInterval != def.TickInterval {
		t.Errorf("TickInterval = %v, want default %v", rt.TickInterval, def.TickInterval)
	}
}

func TestPaymentBackoffSchedule(t *testing.T) {
	rt := NewDefaultRuntime()

	cases := []struct {
		since time.Duration
		want  time.Duration
	}{
		{0, 15 * time.Minute},
		{10 * time.Minute, 15 * time.Minute},
		{15 * time.Minute, 30 * time.Minute},
		{30 * time.Minute, 30 * time.Minute},
		{45 * time.Minute, 60 * time.Minute},
		{105 * time.Minute, 120 * time.Minute},
		{48 * time.Hour, 120 * time.Minute},
	}
	for _, tc := range cases {
		if got := rt.PaymentBackoff(tc.since); got != tc.want {
			t.Errorf("PaymentBackoff(%v) = %v, want %v", tc.since, got, tc.want)
		}
	}
}

func TestPaymentBackoff_ConfiguredSchedule(t *testing.T) {
	rt, warns := RuntimeFromKeyValues(map[string]string{
		"paymentBackoffMinutes": "5, 10",
	})
	if len(warns) != 0 {
		t.Fatalf("unexpected warnings: %v", warns)
	}
	if got := rt.PaymentBackoff(0); got != 5*time.Minute {
		t.Errorf("first step = %v", got)
	}
	if got := rt.PaymentBackoff(6 * time.Minute); got != 10*time.Minute {
		t.Errorf("second step = %v", got)
	}

	_, warns = RuntimeFromKeyValues(map[string]string{"paymentBackoffMinutes": "5,zero"})
	if len(warns) != 1 {
		t.Fatalf("malformed schedule should warn, got %v", warns)
	}
}

type fakeKVReader struct {
	kv  map[string]string
	err error
}

func (f *fakeKVReader) ReadKeyValues(context.Context, string) (map[string]string, error) {
	return f.kv, f.err
}

func TestStore_ReusesLastGoodOnFailure(t *testing.T) {
	reader := &fakeKVReader{kv: map[string]string{"maxRetries": "7"}}
	store := NewStore(reader, "config")

	rt := store.Load(context.Background())
	if rt.MaxRetries != 7 {
		t.Fatalf("MaxRetries = %d, want 7", rt.MaxRetries)
	}

	reader.err = errors.New("transport down")
	rt = store.Load(context.Background())
	if rt.MaxRetries != 7 {
		t.Fatalf("failed load should reuse last snapshot, got MaxRetries = %d", rt.MaxRetries)
	}
}
