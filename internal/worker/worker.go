// Package worker runs the tick loop: snapshot config, read the sheet,
// partition rows into queues, and work each elected row under its lock.
// Payment retries run first, then resumes, then pauses: payment rows are
// time-sensitive and cheap to give up on, and a missed resume is visible
// to the person while a missed pause only delays one billing cycle.
package worker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/lullworks/lull/internal/attemptlog"
	"github.com/lullworks/lull/internal/clock"
	"github.com/lullworks/lull/internal/config"
	"github.com/lullworks/lull/internal/mapping"
	"github.com/lullworks/lull/internal/outcome"
	"github.com/lullworks/lull/internal/scanloop"
	"github.com/lullworks/lull/internal/sheet"
	"github.com/lullworks/lull/internal/task"
	"github.com/lullworks/lull/internal/workflow"
)

// RowReader is the sheet slice the loop reads the worker tab through.
type RowReader interface {
	ReadRows(ctx context.Context, tab string) ([]sheet.Row, error)
}

// Locker claims and releases row locks for one owner id.
type Locker interface {
	Claim(ctx context.Context, rowNumber int, ttl time.Duration) (bool, error)
	Release(ctx context.Context, rowNumber int)
}

// Resolver maps a row's email to its browser profile.
type Resolver interface {
	Resolve(ctx context.Context, email string) (mapping.Profile, bool, error)
}

// Runner executes one attempt.
type Runner interface {
	Run(ctx context.Context, row task.Row, intent task.Intent, profileID string) workflow.Outcome
	Login(ctx context.Context, row task.Row, profileID string) workflow.Outcome
}

// Committer writes outcomes back to the sheet.
type Committer interface {
	Commit(ctx context.Context, row task.Row, out workflow.Outcome, rt config.Runtime) error
	CommitGiveUp(ctx context.Context, row task.Row, rt config.Runtime) error
}

// ConfigLoader snapshots the runtime config. Load reads the config tab;
// Last returns the most recent snapshot without touching the sheet.
type ConfigLoader interface {
	Load(ctx context.Context) config.Runtime
	Last() config.Runtime
}

// Deps wires the worker's collaborators. NewLocker builds one lock owner
// per pool slot so contention between slots is visible in the lock column.
type Deps struct {
	Rows      RowReader
	Store     ConfigLoader
	Clock     *clock.Clock
	Columns   config.Columns
	NewLocker func(ownerSuffix string) Locker
	Resolver  Resolver
	Workflow  Runner
	Results   Committer
	Attempts  *attemptlog.Service // optional
	Logger    *log.Logger
}

// Options are the process-level switches.
type Options struct {
	WorkerTab string
	WorkerID  string
	// PoolSize > 1 runs a bounded concurrent variant; each slot gets its
	// own lock owner suffix and sessions never share a profile id.
	PoolSize int
	// LoginMode authenticates every elected row without applying its
	// intent; used to warm a fleet of fresh profiles.
	LoginMode bool
	// AutoExitAfterTask stops the loop after the first completed attempt.
	AutoExitAfterTask bool
}

// Stats counts attempts since process start.
type Stats struct {
	Ticks      atomic.Int64
	Attempts   atomic.Int64
	Succeeded  atomic.Int64
	Failed     atomic.Int64
	ClaimsLost atomic.Int64
}

// Worker is the long-lived loop service.
type Worker struct {
	deps  Deps
	opts  Options
	stats *Stats

	lockers []Locker
	// inflight holds profile ids with a live session; two slots must
	// never drive the same profile.
	inflight *xsync.Map[string, int]

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(deps Deps, opts Options) *Worker {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	// Auto-exit means "do one task"; a pool would start several.
	if opts.AutoExitAfterTask {
		opts.PoolSize = 1
	}
	w := &Worker{
		deps:     deps,
		opts:     opts,
		stats:    &Stats{},
		inflight: xsync.NewMap[string, int](),
		stopCh:   make(chan struct{}),
	}
	for slot := 0; slot < opts.PoolSize; slot++ {
		suffix := ""
		if opts.PoolSize > 1 {
			suffix = fmt.Sprintf("-%d", slot)
		}
		w.lockers = append(w.lockers, deps.NewLocker(suffix))
	}
	return w
}

// Start launches the tick loop. The interval follows the config snapshot,
// so a tickSeconds change applies on the next tick.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		scanloop.Run(w.stopCh, w.tickInterval, scanloop.DefaultJitterRange, w.tick)
	}()
	w.deps.Logger.Printf("[worker] %s started (pool=%d, login=%v)",
		w.opts.WorkerID, w.opts.PoolSize, w.opts.LoginMode)
}

// Stop requests shutdown and waits for the loop. An in-flight attempt
// finishes naturally; only the tick boundaries check the flag.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.deps.Logger.Printf("[worker] %s stopped", w.opts.WorkerID)
}

// Stats returns the process counters.
func (w *Worker) Stats() *Stats { return w.stats }

// Done is closed once the worker begins stopping, whether by Stop or by
// AutoExitAfterTask firing.
func (w *Worker) Done() <-chan struct{} { return w.stopCh }

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// tickInterval reads the sleep from the last snapshot; the tick itself
// already refreshed it, so no second sheet read per cycle.
func (w *Worker) tickInterval() time.Duration {
	return w.deps.Store.Last().TickInterval
}

// tick runs one pass over the sheet.
func (w *Worker) tick() {
	if w.stopping() {
		return
	}
	ctx := context.Background()
	w.stats.Ticks.Add(1)

	rt := w.deps.Store.Load(ctx)
	raw, err := w.deps.Rows.ReadRows(ctx, w.opts.WorkerTab)
	if err != nil {
		w.deps.Logger.Printf("[worker] read %s: %v", w.opts.WorkerTab, err)
		return
	}
	rows := task.DecodeRows(raw, w.deps.Columns)
	now := w.deps.Clock.Now()
	queues := task.Partition(rows, now, rt, w.deps.Clock)

	if n := queues.Total(); n > 0 {
		w.deps.Logger.Printf("[worker] tick: %d due (payment=%d resume=%d pause=%d giveup=%d)",
			n, len(queues.PaymentRetry), len(queues.Resume), len(queues.Pause), len(queues.GiveUp))
	}

	for _, cand := range queues.GiveUp {
		if w.stopping() {
			return
		}
		w.giveUp(ctx, cand, rt)
	}

	ordered := make([]task.Candidate, 0, len(queues.PaymentRetry)+len(queues.Resume)+len(queues.Pause))
	ordered = append(ordered, queues.PaymentRetry...)
	ordered = append(ordered, queues.Resume...)
	ordered = append(ordered, queues.Pause...)

	before := w.stats.Attempts.Load()
	if w.opts.PoolSize > 1 {
		w.runPool(ctx, ordered, rt)
	} else {
		for _, cand := range ordered {
			if w.stopping() {
				break
			}
			w.runOne(ctx, 0, cand, rt)
			if w.opts.AutoExitAfterTask && w.stats.Attempts.Load() > before {
				w.stopOnce.Do(func() { close(w.stopCh) })
				break
			}
		}
	}

	if ran := w.stats.Attempts.Load() - before; ran > 0 {
		w.deps.Logger.Printf("[worker] tick done: %d attempts (lifetime %d ok / %d failed / %d claims lost)",
			ran, w.stats.Succeeded.Load(), w.stats.Failed.Load(), w.stats.ClaimsLost.Load())
	}
}

// runPool drives the bounded concurrent variant: a slot-indexed semaphore
// with per-slot lock owners. Rows targeting a profile that is already in
// flight are skipped this tick rather than queued.
func (w *Worker) runPool(ctx context.Context, ordered []task.Candidate, rt config.Runtime) {
	slots := make(chan int, w.opts.PoolSize)
	for i := 0; i < w.opts.PoolSize; i++ {
		slots <- i
	}
	var wg sync.WaitGroup
	for _, cand := range ordered {
		if w.stopping() {
			break
		}
		slot := <-slots
		wg.Add(1)
		go func(slot int, cand task.Candidate) {
			defer wg.Done()
			defer func() { slots <- slot }()
			w.runOne(ctx, slot, cand, rt)
		}(slot, cand)
	}
	wg.Wait()
}

// runOne works a single elected row: resolve, lock, attempt, commit. A
// panic anywhere in the attempt is caught here, the lock released, and
// the loop keeps going with the next row.
func (w *Worker) runOne(ctx context.Context, slot int, cand task.Candidate, rt config.Runtime) {
	row := cand.Row
	acct := mapping.LogKey(row.Email)
	locker := w.lockers[slot]

	profile, ok, err := w.deps.Resolver.Resolve(ctx, row.Email)
	if err != nil {
		w.deps.Logger.Printf("[worker] row %d (%s): mapping lookup: %v", row.Number, acct, err)
		return
	}
	if !ok {
		w.deps.Logger.Printf("[worker] row %d (%s): no profile mapping, skipping", row.Number, acct)
		return
	}

	if _, loaded := w.inflight.LoadOrStore(profile.ProfileID, slot); loaded {
		w.deps.Logger.Printf("[worker] row %d (%s): profile %s already in flight",
			row.Number, acct, profile.ProfileID)
		return
	}
	defer w.inflight.Delete(profile.ProfileID)

	claimed, err := locker.Claim(ctx, row.Number, rt.LockTTL)
	if err != nil {
		w.deps.Logger.Printf("[worker] row %d (%s): lock claim: %v", row.Number, acct, err)
		return
	}
	if !claimed {
		w.stats.ClaimsLost.Add(1)
		return
	}

	start := w.deps.Clock.Now()
	out, panicked := w.attempt(ctx, row, cand.Intent, profile.ProfileID)
	w.stats.Attempts.Add(1)

	if panicked {
		// The attempt died without an outcome; release the lock so the
		// row is claimable next tick, and leave its cells alone.
		w.stats.Failed.Add(1)
		locker.Release(ctx, row.Number)
		return
	}

	if out.Success() {
		w.stats.Succeeded.Add(1)
	} else {
		w.stats.Failed.Add(1)
	}

	if err := w.deps.Results.Commit(ctx, row, out, rt); err != nil {
		w.deps.Logger.Printf("[worker] row %d (%s): commit: %v", row.Number, acct, err)
		// The commit carries the lock clear; without it, clear explicitly.
		locker.Release(ctx, row.Number)
	}

	w.emitAttempt(row, cand.Intent, out, start)
}

// attempt runs the workflow (or login only) with panic containment.
func (w *Worker) attempt(ctx context.Context, row task.Row, intent task.Intent, profileID string) (out workflow.Outcome, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			w.deps.Logger.Printf("[worker] row %d: panic: %v\n%s", row.Number, r, debug.Stack())
		}
	}()
	if w.opts.LoginMode {
		return w.deps.Workflow.Login(ctx, row, profileID), false
	}
	return w.deps.Workflow.Run(ctx, row, intent, profileID), false
}

func (w *Worker) giveUp(ctx context.Context, cand task.Candidate, rt config.Runtime) {
	locker := w.lockers[0]
	claimed, err := locker.Claim(ctx, cand.Row.Number, rt.LockTTL)
	if err != nil || !claimed {
		return
	}
	if err := w.deps.Results.CommitGiveUp(ctx, cand.Row, rt); err != nil {
		w.deps.Logger.Printf("[worker] row %d: give-up commit: %v", cand.Row.Number, err)
		locker.Release(ctx, cand.Row.Number)
	}
}

func (w *Worker) emitAttempt(row task.Row, intent task.Intent, out workflow.Outcome, start time.Time) {
	if w.deps.Attempts == nil {
		return
	}
	w.deps.Attempts.Emit(attemptlog.Entry{
		TsNs:       start.UnixNano(),
		WorkerID:   w.opts.WorkerID,
		RowNumber:  row.Number,
		Account:    mapping.LogKey(row.Email),
		Intent:     string(intent),
		Kind:       string(out.Kind),
		Class:      outcome.ClassOf(out.Kind).String(),
		Detail:     out.Detail,
		DurationMs: w.deps.Clock.Now().Sub(start).Milliseconds(),
	})
}
