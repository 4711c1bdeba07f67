package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NotifyToggles holds channel-by-channel switches for out-of-band alerts.
type NotifyToggles struct {
	PermanentFailure   bool `json:"notify_permanent_failure"`
	PaymentDelay       bool `json:"notify_payment_delay"`
	LoopDetected       bool `json:"notify_loop_detected"`
	RetryCapExceeded   bool `json:"notify_retry_cap_exceeded"`
	PaymentMethodIssue bool `json:"notify_payment_method_issue"`
}

// Runtime is the per-tick configuration snapshot read from the config tab.
// It is a value type: a snapshot taken at tick start never mutates mid-tick.
type Runtime struct {
	PauseAfter          time.Duration   `json:"pause_after"`
	ResumeBefore        time.Duration   `json:"resume_before"`
	TickInterval        time.Duration   `json:"tick_interval"`
	MaxRetries          int             `json:"max_retries"`
	LockTTL             time.Duration   `json:"lock_ttl"`
	PaymentRetryMax     time.Duration   `json:"payment_retry_max"`
	PaymentBackoffSteps []time.Duration `json:"payment_backoff_steps"`
	Notify              NotifyToggles   `json:"notify"`
}

// NewDefaultRuntime returns a Runtime populated with the stock settings used
// when the config tab is missing a key.
func NewDefaultRuntime() Runtime {
	return Runtime{
		PauseAfter:      30 * time.Minute,
		ResumeBefore:    60 * time.Minute,
		TickInterval:    60 * time.Second,
		MaxRetries:      5,
		LockTTL:         10 * time.Minute,
		PaymentRetryMax: 24 * time.Hour,
		PaymentBackoffSteps: []time.Duration{
			15 * time.Minute,
			30 * time.Minute,
			60 * time.Minute,
			120 * time.Minute,
		},
		Notify: NotifyToggles{
			PermanentFailure:   true,
			PaymentDelay:       true,
			LoopDetected:       true,
			RetryCapExceeded:   true,
			PaymentMethodIssue: true,
		},
	}
}

// Config tab keys. Values are plain numbers in the units encoded in the key
// name; toggles are 0/1 or true/false.
const (
	keyPauseAfterMinutes    = "pauseAfterMinutes"
	keyResumeBeforeMinutes  = "resumeBeforeMinutes"
	keyTickSeconds          = "tickSeconds"
	keyMaxRetries           = "maxRetries"
	keyLockTTLSeconds       = "lockTtlSeconds"
	keyPaymentRetryMaxHours = "paymentRetryMaxHours"
	keyPaymentBackoff       = "paymentBackoffMinutes"

	keyNotifyPermanentFailure   = "notifyPermanentFailure"
	keyNotifyPaymentDelay       = "notifyPaymentDelay"
	keyNotifyLoopDetected       = "notifyLoopDetected"
	keyNotifyRetryCapExceeded   = "notifyRetryCapExceeded"
	keyNotifyPaymentMethodIssue = "notifyPaymentMethodIssue"
)

// RuntimeFromKeyValues builds a snapshot from the raw key/value rows of the
// config tab. Unknown keys are ignored; malformed values fall back to the
// default and are reported as warnings so a bad edit never halts the fleet.
func RuntimeFromKeyValues(kv map[string]string) (Runtime, []string) {
	rt := NewDefaultRuntime()
	var warns []string

	readMinutes(kv, keyPauseAfterMinutes, &rt.PauseAfter, &warns)
	readMinutes(kv, keyResumeBeforeMinutes, &rt.ResumeBefore, &warns)
	readSeconds(kv, keyTickSeconds, &rt.TickInterval, &warns)
	readInt(kv, keyMaxRetries, &rt.MaxRetries, &warns)
	readSeconds(kv, keyLockTTLSeconds, &rt.LockTTL, &warns)
	readHours(kv, keyPaymentRetryMaxHours, &rt.PaymentRetryMax, &warns)

	if raw, ok := kv[keyPaymentBackoff]; ok {
		steps, err := parseBackoffMinutes(raw)
		if err != nil {
			warns = append(warns, fmt.Sprintf("%s: %v", keyPaymentBackoff, err))
		} else {
			rt.PaymentBackoffSteps = steps
		}
	}

	readBool(kv, keyNotifyPermanentFailure, &rt.Notify.PermanentFailure, &warns)
	readBool(kv, keyNotifyPaymentDelay, &rt.Notify.PaymentDelay, &warns)
	readBool(kv, keyNotifyLoopDetected, &rt.Notify.LoopDetected, &warns)
	readBool(kv, keyNotifyRetryCapExceeded, &rt.Notify.RetryCapExceeded, &warns)
	readBool(kv, keyNotifyPaymentMethodIssue, &rt.Notify.PaymentMethodIssue, &warns)

	if rt.MaxRetries < 1 {
		warns = append(warns, fmt.Sprintf("%s: must be at least 1, using default", keyMaxRetries))
		rt.MaxRetries = NewDefaultRuntime().MaxRetries
	}
	if rt.TickInterval < time.Second {
		warns = append(warns, fmt.Sprintf("%s: below 1s, using default", keyTickSeconds))
		rt.TickInterval = NewDefaultRuntime().TickInterval
	}
	if rt.LockTTL < 10*time.Second {
		warns = append(warns, fmt.Sprintf("%s: below 10s, using default", keyLockTTLSeconds))
		rt.LockTTL = NewDefaultRuntime().LockTTL
	}

	return rt, warns
}

// PaymentBackoff returns the wait before the next payment retry given the
// time elapsed since the payment-pending state was first seen. The schedule
// is cumulative: 15 min after first sight, then 30, 60, 120 (capped at the
// last step).
func (r Runtime) PaymentBackoff(sinceFirstSeen time.Duration) time.Duration {
	steps := r.PaymentBackoffSteps
	if len(steps) == 0 {
		return 15 * time.Minute
	}
	var cum time.Duration
	idx := 0
	for i := 0; i < len(steps)-1; i++ {
		cum += steps[i]
		if sinceFirstSeen < cum {
			break
		}
		idx = i + 1
	}
	return steps[idx]
}

func parseBackoffMinutes(raw string) ([]time.Duration, error) {
	parts := strings.Split(raw, ",")
	steps := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid minutes list %q", raw)
		}
		steps = append(steps, time.Duration(n)*time.Minute)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("empty minutes list")
	}
	return steps, nil
}

func readInt(kv map[string]string, key string, dst *int, warns *[]string) {
	raw, ok := kv[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		*warns = append(*warns, fmt.Sprintf("%s: invalid integer %q", key, raw))
		return
	}
	*dst = n
}

func readBool(kv map[string]string, key string, dst *bool, warns *[]string) {
	raw, ok := kv[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		*warns = append(*warns, fmt.Sprintf("%s: invalid boolean %q", key, raw))
		return
	}
	*dst = b
}

func readMinutes(kv map[string]string, key string, dst *time.Duration, warns *[]string) {
	readUnit(kv, key, time.Minute, dst, warns)
}

func readSeconds(kv map[string]string, key string, dst *time.Duration, warns *[]string) {
	readUnit(kv, key, time.Second, dst, warns)
}

func readHours(kv map[string]string, key string, dst *time.Duration, warns *[]string) {
	readUnit(kv, key, time.Hour, dst, warns)
}

func readUnit(kv map[string]string, key string, unit time.Duration, dst *time.Duration, warns *[]string) {
	raw, ok := kv[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		*warns = append(*warns, fmt.Sprintf("%s: invalid value %q", key, raw))
		return
	}
	*dst = time.Duration(n) * unit
}
