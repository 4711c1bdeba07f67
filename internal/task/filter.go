package task

import (
	"sort"
	"time"

	"github.com/lullworks/lull/internal/clock"
	"github.com/lullworks/lull/internal/config"
	"github.com/lullworks/lull/internal/lock"
)

// Candidate is a row elected onto a queue, with its parsed instants.
type Candidate struct {
	Row       Row
	Intent    Intent
	Scheduled time.Time // combined billing date + time of day
	NextRetry time.Time // payment-retry queue only
	FirstSeen time.Time // payment-retry queue only
}

// Queues is the output of one partition pass. PaymentRetry runs first each
// tick, then Resume, then Pause. GiveUp holds payment-pending rows whose
// first-seen age passed the cap; they get a terminal commit instead of a run.
type Queues struct {
	PaymentRetry []Candidate
	Resume       []Candidate
	Pause        []Candidate
	GiveUp       []Candidate
}

// Total returns the number of runnable candidates (GiveUp excluded).
func (q Queues) Total() int {
	return len(q.PaymentRetry) + len(q.Resume) + len(q.Pause)
}

// Partition elects rows onto the three queues for the given instant.
// Rows with unparseable date or time cells are never eligible. The lock
// predicate applies to every queue; the retry cap gates the run queues
// only, so a payment row that aged past the give-up threshold still
// retires even after its retries ran out. Boundaries are inclusive on
// both the pause and resume edges.
func Partition(rows []Row, now time.Time, rt config.Runtime, clk *clock.Clock) Queues {
	var q Queues

	for _, row := range rows {
		if lockedByOther(row.LockValue, now, clk) {
			continue
		}

		if row.PaymentNextRetry != "" {
			electPaymentRetry(&q, row, now, rt, clk)
			continue
		}
		if row.RetryCount >= rt.MaxRetries {
			continue
		}

		scheduled, ok := clk.Combine(row.NextBillingDate, row.ScheduledTimeOfDay)
		if !ok {
			continue
		}

		switch row.Status {
		case StatusPaused:
			// scheduled <= now + resumeBefore, inclusive.
			if !scheduled.After(now.Add(rt.ResumeBefore)) {
				q.Resume = append(q.Resume, Candidate{Row: row, Intent: IntentResume, Scheduled: scheduled})
			}
		case StatusActive:
			// scheduled <= now - pauseAfter, inclusive.
			if !scheduled.After(now.Add(-rt.PauseAfter)) {
				q.Pause = append(q.Pause, Candidate{Row: row, Intent: IntentPause, Scheduled: scheduled})
			}
		}
	}

	byScheduleThenRetries := func(cands []Candidate) {
		sort.SliceStable(cands, func(i, j int) bool {
			if !cands[i].Scheduled.Equal(cands[j].Scheduled) {
				return cands[i].Scheduled.Before(cands[j].Scheduled)
			}
			return cands[i].Row.RetryCount < cands[j].Row.RetryCount
		})
	}
	byScheduleThenRetries(q.Resume)
	byScheduleThenRetries(q.Pause)
	sort.SliceStable(q.PaymentRetry, func(i, j int) bool {
		return q.PaymentRetry[i].NextRetry.Before(q.PaymentRetry[j].NextRetry)
	})

	return q
}

func electPaymentRetry(q *Queues, row Row, now time.Time, rt config.Runtime, clk *clock.Clock) {
	nextRetry, ok := clk.ParseLong(row.PaymentNextRetry)
	if !ok {
		return
	}
	firstSeen, ok := clk.ParseLong(row.PaymentFirstSeen)
	if !ok {
		return
	}

	cand := Candidate{
		Row:       row,
		Intent:    IntentPause,
		NextRetry: nextRetry,
		FirstSeen: firstSeen,
	}

	// Aged past the cap: surface as a give-up candidate, not a run. The
	// retry cap never blocks this; a capped row must still retire.
	if now.Sub(firstSeen) >= rt.PaymentRetryMax {
		q.GiveUp = append(q.GiveUp, cand)
		return
	}
	if row.RetryCount >= rt.MaxRetries {
		return
	}
	if nextRetry.After(now) {
		return
	}
	q.PaymentRetry = append(q.PaymentRetry, cand)
}

func lockedByOther(lockValue string, now time.Time, clk *clock.Clock) bool {
	st, ok := lock.Decode(lockValue, clk)
	if !ok {
		return false
	}
	return !st.ExpiredAt(now)
}
