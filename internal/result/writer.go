// Package result commits typed attempt outcomes back to the worker tab.
// One outcome is one batched write: status, billing date, result text,
// retry count, payment-retry pair and the lock clear all land together,
// so a crash can never leave a row half-updated.
package result

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lullworks/lull/internal/clock"
	"github.com/lullworks/lull/internal/config"
	"github.com/lullworks/lull/internal/mapping"
	"github.com/lullworks/lull/internal/notify"
	"github.com/lullworks/lull/internal/outcome"
	"github.com/lullworks/lull/internal/sheet"
	"github.com/lullworks/lull/internal/task"
	"github.com/lullworks/lull/internal/workflow"
)

// BatchWriter is the slice of the sheet gateway the writer needs.
type BatchWriter interface {
	WriteBatch(ctx context.Context, tab string, updates []sheet.CellUpdate) error
}

// Writer commits outcomes. All cell values are absolute, so re-committing
// the same outcome after a crash converges to the same row state.
type Writer struct {
	gw       BatchWriter
	tab      string
	cols     config.Columns
	clk      *clock.Clock
	notifier *notify.Notifier
	logger   *log.Logger
}

func NewWriter(gw BatchWriter, tab string, cols config.Columns, clk *clock.Clock,
	notifier *notify.Notifier, logger *log.Logger) *Writer {
	return &Writer{gw: gw, tab: tab, cols: cols, clk: clk, notifier: notifier, logger: logger}
}

// Commit writes one attempt's outcome. The lock cell is cleared in the
// same batch; on success the retry count resets, on retriable failure it
// increments, on terminal failure it freezes.
func (w *Writer) Commit(ctx context.Context, row task.Row, out workflow.Outcome, rt config.Runtime) error {
	now := w.clk.Now()
	stamp := w.clk.ShortStamp(now)
	cell := func(col, value string) sheet.CellUpdate {
		return sheet.CellUpdate{CellA1: config.CellA1(col, row.Number), Value: value}
	}

	updates := []sheet.CellUpdate{cell(w.cols.LockValue, "")}
	clearPayment := func() {
		updates = append(updates,
			cell(w.cols.PaymentFirstSeen, ""),
			cell(w.cols.PaymentNextRetry, ""))
	}

	switch outcome.ClassOf(out.Kind) {
	case outcome.Success:
		// Login-only outcomes carry no new status; leave the status cell alone.
		if out.NewStatus != "" {
			updates = append(updates, cell(w.cols.Status, out.NewStatus))
		}
		label := out.NewStatus
		if label == "" {
			label = "login"
		}
		updates = append(updates,
			cell(w.cols.RetryCount, "0"),
			cell(w.cols.ResultText, fmt.Sprintf("%s %s", label, stamp)))
		if !out.BillingDate.IsZero() {
			updates = append(updates, cell(w.cols.NextBillingDate, w.clk.FormatDate(out.BillingDate)))
		}
		clearPayment()

	case outcome.Retriable:
		retries := row.RetryCount + 1
		updates = append(updates,
			cell(w.cols.RetryCount, strconv.Itoa(retries)),
			cell(w.cols.ResultText, fmt.Sprintf("%s %s", out.Kind, stamp)))
		clearPayment()
		w.notifyRetriable(row, out, retries, rt)

	case outcome.ScheduledRetry:
		firstSeen := now
		if t, ok := w.clk.ParseLong(row.PaymentFirstSeen); ok && t.Before(firstSeen) {
			firstSeen = t
		}
		nextRetry := now.Add(rt.PaymentBackoff(now.Sub(firstSeen)))
		updates = append(updates,
			cell(w.cols.PaymentFirstSeen, w.clk.LongStamp(firstSeen)),
			cell(w.cols.PaymentNextRetry, w.clk.LongStamp(nextRetry)),
			cell(w.cols.ResultText, fmt.Sprintf("payment pending, retry %s",
				w.clk.ShortStamp(nextRetry))))

	case outcome.Terminal:
		updates = append(updates,
			cell(w.cols.ResultText, fmt.Sprintf("%s %s", out.Kind, stamp)))
		clearPayment()
		w.notifyTerminal(row, out)
	}

	if err := w.gw.WriteBatch(ctx, w.tab, updates); err != nil {
		return fmt.Errorf("result: commit row %d: %w", row.Number, err)
	}
	w.logger.Printf("[result] row %d: %s (%s)", row.Number, out.Kind, mapping.LogKey(row.Email))
	return nil
}

// CommitGiveUp retires a row whose payment retries aged past the cap. The
// terminal text names the threshold so the sheet explains itself.
func (w *Writer) CommitGiveUp(ctx context.Context, row task.Row, rt config.Runtime) error {
	hours := int(rt.PaymentRetryMax / time.Hour)
	out := workflow.Outcome{
		Kind:   outcome.KindPaymentDelayExceeded,
		Detail: fmt.Sprintf("payment delayed >%dh", hours),
	}
	now := w.clk.Now()
	updates := []sheet.CellUpdate{
		{CellA1: config.CellA1(w.cols.LockValue, row.Number), Value: ""},
		{CellA1: config.CellA1(w.cols.PaymentFirstSeen, row.Number), Value: ""},
		{CellA1: config.CellA1(w.cols.PaymentNextRetry, row.Number), Value: ""},
		{CellA1: config.CellA1(w.cols.ResultText, row.Number),
			Value: fmt.Sprintf("payment delayed >%dh %s", hours, w.clk.ShortStamp(now))},
	}
	if err := w.gw.WriteBatch(ctx, w.tab, updates); err != nil {
		return fmt.Errorf("result: give up row %d: %w", row.Number, err)
	}
	w.notifyTerminal(row, out)
	w.logger.Printf("[result] row %d: gave up, %s", row.Number, out.Detail)
	return nil
}

func (w *Writer) notifyTerminal(row task.Row, out workflow.Outcome) {
	if w.notifier == nil {
		return
	}
	var cat notify.Category
	switch out.Kind {
	case outcome.KindAccountDisabled, outcome.KindPhoneVerification:
		cat = notify.PermanentFailure
	case outcome.KindPaymentMethodIssue:
		cat = notify.PaymentMethodIssue
	case outcome.KindPaymentDelayExceeded:
		cat = notify.PaymentDelay
	default:
		return
	}
	w.notifier.Emit(notify.Event{
		Category: cat,
		Account:  mapping.LogKey(row.Email),
		Row:      row.Number,
		Text:     string(out.Kind) + " " + out.Detail,
	})
}

func (w *Writer) notifyRetriable(row task.Row, out workflow.Outcome, retries int, rt config.Runtime) {
	if w.notifier == nil {
		return
	}
	if retries >= rt.MaxRetries {
		w.notifier.Emit(notify.Event{
			Category: notify.RetryCapExceeded,
			Account:  mapping.LogKey(row.Email),
			Row:      row.Number,
			Text:     fmt.Sprintf("retry cap reached after %s", out.Kind),
		})
	}
	if out.Kind == outcome.KindAuthTimeout && strings.Contains(out.Detail, "loop") {
		w.notifier.Emit(notify.Event{
			Category: notify.LoopDetected,
			Account:  mapping.LogKey(row.Email),
			Row:      row.Number,
			Text:     out.Detail,
		})
	}
}
