package result

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lullworks/lull/internal/clock"
	"github.com/lullworks/lull/internal/config"
	"github.com/lullworks/lull/internal/notify"
	"github.com/lullworks/lull/internal/outcome"
	"github.com/lullworks/lull/internal/sheet"
	"github.com/lullworks/lull/internal/task"
	"github.com/lullworks/lull/internal/workflow"
)

var seoul = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		panic(err)
	}
	return loc
}()

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]sheet.CellUpdate
}

func (r *batchRecorder) WriteBatch(_ context.Context, _ string, updates []sheet.CellUpdate) error {
	r.mu.Lock()
	r.batches = append(r.batches, updates)
	r.mu.Unlock()
	return nil
}

func (r *batchRecorder) last(t *testing.T) map[string]string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.batches) == 0 {
		t.Fatal("no batch written")
	}
	m := map[string]string{}
	for _, u := range r.batches[len(r.batches)-1] {
		m[u.CellA1] = u.Value
	}
	return m
}

func newTestWriter(t *testing.T, now time.Time) (*Writer, *batchRecorder, *capture) {
	t.Helper()
	rec := &batchRecorder{}
	clk := clock.NewFixed(seoul)
	clk.NowFn = func() time.Time { return now }

	cap := &capture{}
	n := notify.New(cap.sender, func() config.NotifyToggles {
		return config.NotifyToggles{
			PermanentFailure: true, PaymentDelay: true, LoopDetected: true,
			RetryCapExceeded: true, PaymentMethodIssue: true,
		}
	}, log.New(io.Discard, "", 0))
	t.Cleanup(n.Close)

	w := NewWriter(rec, "work", config.DefaultColumns(), clk, n, log.New(io.Discard, "", 0))
	return w, rec, cap
}

type capture struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capture) sender(_ context.Context, e notify.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *capture) got() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Event(nil), c.events...)
}

var testNow = time.Date(2025, 12, 1, 10, 30, 0, 0, seoul)

func TestCommitSuccess(t *testing.T) {
	w, rec, _ := newTestWriter(t, testNow)
	cols := config.DefaultColumns()
	row := task.Row{Number: 4, Email: "u@example.com", RetryCount: 3,
		PaymentFirstSeen: "2025-12-01 08:00:00"}

	out := workflow.Outcome{
		Kind:        outcome.KindOK,
		NewStatus:   task.StatusPaused,
		BillingDate: time.Date(2026, 1, 5, 0, 0, 0, 0, seoul),
	}
	if err := w.Commit(context.Background(), row, out, config.NewDefaultRuntime()); err != nil {
		t.Fatal(err)
	}

	got := rec.last(t)
	if got[config.CellA1(cols.Status, 4)] != "paused" {
		t.Errorf("status = %q", got[config.CellA1(cols.Status, 4)])
	}
	if got[config.CellA1(cols.NextBillingDate, 4)] != "2026-01-05" {
		t.Errorf("billing = %q", got[config.CellA1(cols.NextBillingDate, 4)])
	}
	if got[config.CellA1(cols.RetryCount, 4)] != "0" {
		t.Error("retry count must reset on success")
	}
	if v, ok := got[config.CellA1(cols.LockValue, 4)]; !ok || v != "" {
		t.Error("lock must be cleared in the same batch")
	}
	if v := got[config.CellA1(cols.PaymentFirstSeen, 4)]; v != "" {
		t.Error("payment first-seen must clear on success")
	}
	if rt := got[config.CellA1(cols.ResultText, 4)]; rt != "paused 12/01 10:30" {
		t.Errorf("result text = %q, want status then short stamp", rt)
	}
}

func TestCommitRetriableIncrementsRetry(t *testing.T) {
	w, rec, _ := newTestWriter(t, testNow)
	cols := config.DefaultColumns()
	row := task.Row{Number: 7, RetryCount: 1}

	out := workflow.Outcome{Kind: outcome.KindCaptcha}
	if err := w.Commit(context.Background(), row, out, config.NewDefaultRuntime()); err != nil {
		t.Fatal(err)
	}

	got := rec.last(t)
	if got[config.CellA1(cols.RetryCount, 7)] != "2" {
		t.Errorf("retry = %q, want 2", got[config.CellA1(cols.RetryCount, 7)])
	}
	if _, ok := got[config.CellA1(cols.Status, 7)]; ok {
		t.Error("status must stay unchanged on failure")
	}
}

func TestCommitPaymentPendingSchedulesRetry(t *testing.T) {
	w, rec, _ := newTestWriter(t, testNow)
	cols := config.DefaultColumns()

	// First pending: firstSeen = now, next retry in 15 minutes.
	row := task.Row{Number: 9}
	out := workflow.Outcome{Kind: outcome.KindPaymentPending}
	if err := w.Commit(context.Background(), row, out, config.NewDefaultRuntime()); err != nil {
		t.Fatal(err)
	}
	got := rec.last(t)
	if got[config.CellA1(cols.PaymentFirstSeen, 9)] != "2025-12-01 10:30:00" {
		t.Errorf("firstSeen = %q", got[config.CellA1(cols.PaymentFirstSeen, 9)])
	}
	if got[config.CellA1(cols.PaymentNextRetry, 9)] != "2025-12-01 10:45:00" {
		t.Errorf("nextRetry = %q, want +15m", got[config.CellA1(cols.PaymentNextRetry, 9)])
	}

	// Second pending 20 minutes after first-seen: earliest first-seen is
	// preserved and the backoff widens to 30 minutes.
	row.PaymentFirstSeen = "2025-12-01 10:10:00"
	if err := w.Commit(context.Background(), row, out, config.NewDefaultRuntime()); err != nil {
		t.Fatal(err)
	}
	got = rec.last(t)
	if got[config.CellA1(cols.PaymentFirstSeen, 9)] != "2025-12-01 10:10:00" {
		t.Errorf("firstSeen = %q, earliest must be preserved", got[config.CellA1(cols.PaymentFirstSeen, 9)])
	}
	if got[config.CellA1(cols.PaymentNextRetry, 9)] != "2025-12-01 11:00:00" {
		t.Errorf("nextRetry = %q, want +30m", got[config.CellA1(cols.PaymentNextRetry, 9)])
	}
}

func TestCommitIdempotent(t *testing.T) {
	w, rec, _ := newTestWriter(t, testNow)
	row := task.Row{Number: 4, RetryCount: 2}
	out := workflow.Outcome{
		Kind:        outcome.KindOK,
		NewStatus:   task.StatusActive,
		BillingDate: time.Date(2025, 12, 20, 0, 0, 0, 0, seoul),
	}
	rt := config.NewDefaultRuntime()

	w.Commit(context.Background(), row, out, rt)
	first := rec.last(t)
	w.Commit(context.Background(), row, out, rt)
	second := rec.last(t)

	for cell, v := range first {
		if second[cell] != v {
			t.Errorf("cell %s diverged on re-commit: %q vs %q", cell, v, second[cell])
		}
	}
}

func TestCommitTerminalNotifies(t *testing.T) {
	w, _, cap := newTestWriter(t, testNow)
	row := task.Row{Number: 5, Email: "u@example.com", RetryCount: 2}

	out := workflow.Outcome{Kind: outcome.KindAccountDisabled, Detail: "rejected"}
	if err := w.Commit(context.Background(), row, out, config.NewDefaultRuntime()); err != nil {
		t.Fatal(err)
	}
	w.notifier.Close()

	events := cap.got()
	if len(events) != 1 || events[0].Category != notify.PermanentFailure {
		t.Fatalf("events = %+v", events)
	}
	if strings.Contains(events[0].Account, "@") {
		t.Error("notification leaked the raw address")
	}
}

func TestCommitGiveUp(t *testing.T) {
	w, rec, cap := newTestWriter(t, testNow)
	cols := config.DefaultColumns()
	row := task.Row{Number: 6, Email: "u@example.com",
		PaymentFirstSeen: "2025-11-30 09:00:00", PaymentNextRetry: "2025-12-01 09:00:00"}

	if err := w.CommitGiveUp(context.Background(), row, config.NewDefaultRuntime()); err != nil {
		t.Fatal(err)
	}
	w.notifier.Close()

	got := rec.last(t)
	if rt := got[config.CellA1(cols.ResultText, 6)]; !strings.Contains(rt, "payment delayed >24h") {
		t.Errorf("result text = %q", rt)
	}
	if got[config.CellA1(cols.PaymentNextRetry, 6)] != "" {
		t.Error("next retry must clear on give-up")
	}
	events := cap.got()
	if len(events) != 1 || events[0].Category != notify.PaymentDelay {
		t.Fatalf("events = %+v", events)
	}
}

func TestRetryCapNotification(t *testing.T) {
	w, _, cap := newTestWriter(t, testNow)
	rt := config.NewDefaultRuntime() // MaxRetries 5
	row := task.Row{Number: 8, Email: "u@example.com", RetryCount: 4}

	out := workflow.Outcome{Kind: outcome.KindAuthTimeout, Detail: "wall clock exceeded"}
	if err := w.Commit(context.Background(), row, out, rt); err != nil {
		t.Fatal(err)
	}
	w.notifier.Close()

	events := cap.got()
	if len(events) != 1 || events[0].Category != notify.RetryCapExceeded {
		t.Fatalf("events = %+v", events)
	}
}
