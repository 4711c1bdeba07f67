package worker

import (
	"context"
	"io"
	"log"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/lullworks/lull/internal/clock"
	"github.com/lullworks/lull/internal/config"
	"github.com/lullworks/lull/internal/mapping"
	"github.com/lullworks/lull/internal/outcome"
	"github.com/lullworks/lull/internal/sheet"
	"github.com/lullworks/lull/internal/task"
	"github.com/lullworks/lull/internal/workflow"
)

var testNow = time.Date(2025, 12, 2, 12, 0, 0, 0, time.UTC)

func testClock() *clock.Clock {
	clk := clock.NewFixed(time.UTC)
	clk.NowFn = func() time.Time { return testNow }
	return clk
}

type fakeRows struct {
	rows []sheet.Row
	err  error
}

func (f *fakeRows) ReadRows(ctx context.Context, tab string) ([]sheet.Row, error) {
	return f.rows, f.err
}

type fakeStore struct {
	rt    config.Runtime
	loads int
}

func (f *fakeStore) Load(ctx context.Context) config.Runtime { f.loads++; return f.rt }
func (f *fakeStore) Last() config.Runtime                    { return f.rt }

type fakeLocker struct {
	mu       sync.Mutex
	suffix   string
	refuse   map[int]bool
	claims   []int
	releases []int
}

func (f *fakeLocker) Claim(ctx context.Context, rowNumber int, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse[rowNumber] {
		return false, nil
	}
	f.claims = append(f.claims, rowNumber)
	return true, nil
}

func (f *fakeLocker) Release(ctx context.Context, rowNumber int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, rowNumber)
}

type fakeResolver struct {
	profiles map[string]mapping.Profile
}

func (f *fakeResolver) Resolve(ctx context.Context, email string) (mapping.Profile, bool, error) {
	p, ok := f.profiles[mapping.NormalizeEmail(email)]
	return p, ok, nil
}

type runCall struct {
	row       int
	intent    task.Intent
	profileID string
}

type fakeRunner struct {
	mu        sync.Mutex
	runs      []runCall
	logins    []int
	out       workflow.Outcome
	panicRow  int
	active    int
	maxActive int

	// optional gates for the pool test
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, row task.Row, intent task.Intent, profileID string) workflow.Outcome {
	f.mu.Lock()
	f.runs = append(f.runs, runCall{row: row.Number, intent: intent, profileID: profileID})
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	if row.Number == f.panicRow {
		panic("scripted failure")
	}
	return f.out
}

func (f *fakeRunner) Login(ctx context.Context, row task.Row, profileID string) workflow.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, row.Number)
	return workflow.Outcome{Kind: outcome.KindOK, Detail: "login only"}
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type fakeCommitter struct {
	mu      sync.Mutex
	commits []int
	giveUps []int
	err     error
}

func (f *fakeCommitter) Commit(ctx context.Context, row task.Row, out workflow.Outcome, rt config.Runtime) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, row.Number)
	return f.err
}

func (f *fakeCommitter) CommitGiveUp(ctx context.Context, row task.Row, rt config.Runtime) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.giveUps = append(f.giveUps, row.Number)
	return f.err
}

// sheetRow builds a worker-tab row in the default column layout.
func sheetRow(number int, cells map[string]string) sheet.Row {
	return sheet.Row{Number: number, Cells: cells}
}

func pauseRow(number int, email string) sheet.Row {
	return sheetRow(number, map[string]string{
		"A": email, "B": "pw", "E": "active",
		"F": "2025-12-01", "G": "10:00",
	})
}

func resumeRow(number int, email string) sheet.Row {
	return sheetRow(number, map[string]string{
		"A": email, "B": "pw", "E": "paused",
		"F": "2025-12-02", "G": "12:30",
	})
}

func paymentRow(number int, email, firstSeen, nextRetry string) sheet.Row {
	return sheetRow(number, map[string]string{
		"A": email, "B": "pw", "E": "active",
		"F": "2025-12-01", "G": "10:00",
		"K": firstSeen, "L": nextRetry,
	})
}

type fixture struct {
	rows     *fakeRows
	store    *fakeStore
	locker   *fakeLocker
	resolver *fakeResolver
	runner   *fakeRunner
	commits  *fakeCommitter
	lockers  []*fakeLocker
}

func newFixture(rows ...sheet.Row) *fixture {
	profiles := map[string]mapping.Profile{}
	for _, r := range rows {
		email := r.Cells["A"]
		profiles[mapping.NormalizeEmail(email)] = mapping.Profile{
			Number:    strconv.Itoa(r.Number),
			ProfileID: "prof-" + email,
			Email:     email,
		}
	}
	return &fixture{
		rows:     &fakeRows{rows: rows},
		store:    &fakeStore{rt: config.NewDefaultRuntime()},
		resolver: &fakeResolver{profiles: profiles},
		runner:   &fakeRunner{out: workflow.Outcome{Kind: outcome.KindOK, NewStatus: task.StatusPaused}},
		commits:  &fakeCommitter{},
	}
}

func (fx *fixture) worker(opts Options) *Worker {
	opts.WorkerTab = "worker1"
	if opts.WorkerID == "" {
		opts.WorkerID = "host-a"
	}
	deps := Deps{
		Rows:     fx.rows,
		Store:    fx.store,
		Clock:    testClock(),
		Columns:  config.DefaultColumns(),
		Resolver: fx.resolver,
		Workflow: fx.runner,
		Results:  fx.commits,
		Logger:   log.New(io.Discard, "", 0),
		NewLocker: func(suffix string) Locker {
			l := &fakeLocker{suffix: suffix, refuse: map[int]bool{}}
			fx.lockers = append(fx.lockers, l)
			if fx.locker == nil {
				fx.locker = l
			}
			return l
		},
	}
	return New(deps, opts)
}

func TestTickRunsQueuesInOrder(t *testing.T) {
	fx := newFixture(
		pauseRow(2, "pause@gmail.com"),
		resumeRow(3, "resume@gmail.com"),
		paymentRow(4, "pay@gmail.com", "2025-12-02 10:00:00", "2025-12-02 11:00:00"),
	)
	w := fx.worker(Options{})
	w.tick()

	want := []runCall{
		{row: 4, intent: task.IntentPause, profileID: "prof-pay@gmail.com"},
		{row: 3, intent: task.IntentResume, profileID: "prof-resume@gmail.com"},
		{row: 2, intent: task.IntentPause, profileID: "prof-pause@gmail.com"},
	}
	if len(fx.runner.runs) != len(want) {
		t.Fatalf("runs = %v, want %v", fx.runner.runs, want)
	}
	for i, r := range fx.runner.runs {
		if r != want[i] {
			t.Errorf("run[%d] = %+v, want %+v", i, r, want[i])
		}
	}
	if len(fx.commits.commits) != 3 {
		t.Errorf("commits = %v, want 3 rows", fx.commits.commits)
	}
	// The commit batch clears the lock; no separate release on success.
	if len(fx.locker.releases) != 0 {
		t.Errorf("releases = %v, want none", fx.locker.releases)
	}
	if got := w.Stats().Succeeded.Load(); got != 3 {
		t.Errorf("succeeded = %d, want 3", got)
	}
}

func TestLockRefusalSkipsRow(t *testing.T) {
	fx := newFixture(pauseRow(2, "a@gmail.com"))
	w := fx.worker(Options{})
	fx.locker.refuse[2] = true
	w.tick()

	if got := fx.runner.runCount(); got != 0 {
		t.Fatalf("runs with refused lock = %d, want 0", got)
	}
	if len(fx.commits.commits) != 0 {
		t.Errorf("commits with refused lock = %v, want none", fx.commits.commits)
	}
}

func TestMissingMappingSkipsBeforeLock(t *testing.T) {
	fx := newFixture(pauseRow(2, "a@gmail.com"))
	fx.resolver.profiles = map[string]mapping.Profile{}
	w := fx.worker(Options{})
	w.tick()

	if got := fx.runner.runCount(); got != 0 {
		t.Fatalf("runs without mapping = %d, want 0", got)
	}
	if len(fx.locker.claims) != 0 {
		t.Errorf("lock claimed without mapping: %v", fx.locker.claims)
	}
}

func TestPanicReleasesLockAndContinues(t *testing.T) {
	fx := newFixture(
		pauseRow(2, "boom@gmail.com"),
		pauseRow(3, "ok@gmail.com"),
	)
	fx.runner.panicRow = 2
	w := fx.worker(Options{})
	w.tick()

	if len(fx.locker.releases) != 1 || fx.locker.releases[0] != 2 {
		t.Fatalf("releases = %v, want [2]", fx.locker.releases)
	}
	if len(fx.commits.commits) != 1 || fx.commits.commits[0] != 3 {
		t.Fatalf("commits = %v, want [3] (panicked row uncommitted)", fx.commits.commits)
	}
	if got := w.Stats().Failed.Load(); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}

func TestCommitFailureReleasesLock(t *testing.T) {
	fx := newFixture(pauseRow(2, "a@gmail.com"))
	fx.commits.err = context.DeadlineExceeded
	w := fx.worker(Options{})
	w.tick()

	if len(fx.locker.releases) != 1 || fx.locker.releases[0] != 2 {
		t.Fatalf("releases after failed commit = %v, want [2]", fx.locker.releases)
	}
}

func TestAgedPaymentRowGetsGiveUpCommit(t *testing.T) {
	fx := newFixture(
		paymentRow(2, "old@gmail.com", "2025-11-30 10:00:00", "2025-12-02 11:00:00"),
	)
	w := fx.worker(Options{})
	w.tick()

	if len(fx.commits.giveUps) != 1 || fx.commits.giveUps[0] != 2 {
		t.Fatalf("giveUps = %v, want [2]", fx.commits.giveUps)
	}
	if got := fx.runner.runCount(); got != 0 {
		t.Errorf("runs for aged payment row = %d, want 0", got)
	}
}

func TestLoginModeAuthenticatesWithoutIntent(t *testing.T) {
	fx := newFixture(pauseRow(2, "a@gmail.com"))
	w := fx.worker(Options{LoginMode: true})
	w.tick()

	if got := fx.runner.runCount(); got != 0 {
		t.Fatalf("Run called in login mode: %d", got)
	}
	if len(fx.runner.logins) != 1 || fx.runner.logins[0] != 2 {
		t.Fatalf("logins = %v, want [2]", fx.runner.logins)
	}
	if len(fx.commits.commits) != 1 {
		t.Errorf("login outcome not committed: %v", fx.commits.commits)
	}
}

func TestAutoExitStopsAfterFirstAttempt(t *testing.T) {
	fx := newFixture(
		pauseRow(2, "a@gmail.com"),
		pauseRow(3, "b@gmail.com"),
	)
	w := fx.worker(Options{AutoExitAfterTask: true})
	w.tick()

	if got := fx.runner.runCount(); got != 1 {
		t.Fatalf("runs with auto-exit = %d, want 1", got)
	}
	if !w.stopping() {
		t.Error("worker not stopping after auto-exit attempt")
	}
}

func TestPoolNeverSharesProfile(t *testing.T) {
	// Two rows mapping to the same account, hence the same profile. While
	// the first attempt is held mid-flight, the second must be skipped;
	// a run after the first finished is fine, overlap is not.
	rows := []sheet.Row{
		pauseRow(2, "same@gmail.com"),
		sheetRow(3, map[string]string{
			"A": "same+alias@gmail.com", "B": "pw", "E": "active",
			"F": "2025-12-01", "G": "10:00",
		}),
	}
	fx := newFixture(rows...)
	fx.runner.started = make(chan struct{}, 2)
	fx.runner.gate = make(chan struct{})
	w := fx.worker(Options{PoolSize: 2})

	done := make(chan struct{})
	go func() {
		w.tick()
		close(done)
	}()

	<-fx.runner.started
	// Hold the first attempt open long enough for the second dispatch to
	// hit the in-flight set; a second start during this window is exactly
	// the forbidden overlap.
	overlapped := false
	select {
	case <-fx.runner.started:
		overlapped = true
	case <-time.After(200 * time.Millisecond):
	}
	close(fx.runner.gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tick did not finish")
	}

	if overlapped {
		t.Fatal("second attempt started while first was still in flight")
	}
	fx.runner.mu.Lock()
	maxActive := fx.runner.maxActive
	fx.runner.mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("concurrent attempts on one profile = %d, want 1", maxActive)
	}
	if got := fx.runner.runCount(); got < 1 {
		t.Fatalf("runs = %d, want at least the first attempt", got)
	}
	if len(fx.lockers) != 2 {
		t.Errorf("lock owners = %d, want one per pool slot", len(fx.lockers))
	}
	if fx.lockers[0].suffix == fx.lockers[1].suffix {
		t.Errorf("pool slots share lock owner suffix %q", fx.lockers[0].suffix)
	}
}

func TestStartStop(t *testing.T) {
	fx := newFixture()
	w := fx.worker(Options{})
	w.Start()
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	if got := w.Stats().Ticks.Load(); got < 1 {
		t.Errorf("ticks after start/stop = %d, want >= 1", got)
	}
}

func TestReadErrorSkipsTick(t *testing.T) {
	fx := newFixture(pauseRow(2, "a@gmail.com"))
	fx.rows.err = context.DeadlineExceeded
	w := fx.worker(Options{})
	w.tick()

	if got := fx.runner.runCount(); got != 0 {
		t.Fatalf("runs after read error = %d, want 0", got)
	}
}

func TestTickIntervalReadsLastSnapshotOnly(t *testing.T) {
	fx := newFixture()
	w := fx.worker(Options{})

	if got, want := w.tickInterval(), fx.store.rt.TickInterval; got != want {
		t.Fatalf("interval = %v, want %v", got, want)
	}
	// The tick itself refreshes the config; the sleep between ticks must
	// not cost a second read.
	if fx.store.loads != 0 {
		t.Fatalf("interval lookup hit the config tab %d times, want 0", fx.store.loads)
	}

	w.tick()
	if fx.store.loads != 1 {
		t.Fatalf("loads after one tick = %d, want 1", fx.store.loads)
	}
}
