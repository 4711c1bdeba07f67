package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lullworks/lull/internal/attemptlog"
	"github.com/lullworks/lull/internal/auth"
	"github.com/lullworks/lull/internal/browser"
	"github.com/lullworks/lull/internal/buildinfo"
	"github.com/lullworks/lull/internal/clock"
	"github.com/lullworks/lull/internal/config"
	"github.com/lullworks/lull/internal/lock"
	"github.com/lullworks/lull/internal/mapping"
	"github.com/lullworks/lull/internal/notify"
	"github.com/lullworks/lull/internal/profilesvc"
	"github.com/lullworks/lull/internal/result"
	"github.com/lullworks/lull/internal/sheet"
	"github.com/lullworks/lull/internal/worker"
	"github.com/lullworks/lull/internal/workflow"
)

// bootstrapError marks a startup failure on the spreadsheet or local
// state that no amount of retrying inside the process can fix; main
// turns it into exit code 2 so the supervisor can tell it apart from
// a plain config mistake.
type bootstrapError struct{ err error }

func (e bootstrapError) Error() string { return e.err.Error() }
func (e bootstrapError) Unwrap() error { return e.err }

// profileServicePorts is the range scanned when the configured profile
// service URL does not answer; the service picks the first free port in
// this range on boot.
var profileServicePorts = []int{35000, 35001, 35002, 35003, 35004, 35005, 35006, 35007, 35008, 35009}

type lullApp struct {
	envCfg *config.EnvConfig

	notifier    *notify.Notifier
	attemptRepo *attemptlog.Repo
	attempts    *attemptlog.Service
	work        *worker.Worker
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	log.Printf("lull %s (%s, built %s) starting", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	if envCfg.MemorySoftLimitMB > 0 {
		debug.SetMemoryLimit(int64(envCfg.MemorySoftLimitMB) << 20)
		log.Printf("memory soft limit set to %d MiB", envCfg.MemorySoftLimitMB)
	}

	app, err := newLullApp(envCfg)
	if err != nil {
		return err
	}

	app.start()
	waitForShutdown(app.work.Done())
	app.shutdown()
	return nil
}

func newLullApp(envCfg *config.EnvConfig) (*lullApp, error) {
	logger := log.Default()

	clk, err := clock.New(envCfg.Zone)
	if err != nil {
		return nil, err
	}
	cols, err := config.LoadColumns(envCfg.ColumnsFile)
	if err != nil {
		return nil, err
	}

	bootCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	transport, err := sheet.NewGoogleTransport(bootCtx, envCfg.SheetsID, envCfg.CredentialsFile)
	if err != nil {
		return nil, bootstrapError{fmt.Errorf("sheets transport: %w", err)}
	}
	gw := sheet.NewGateway(transport)
	for _, tab := range []string{envCfg.WorkerTab, envCfg.MappingTab, envCfg.ConfigTab} {
		if err := gw.EnsureTab(bootCtx, tab); err != nil {
			return nil, bootstrapError{fmt.Errorf("ensure tab %q: %w", tab, err)}
		}
	}
	log.Printf("spreadsheet bootstrap complete (worker=%s mapping=%s config=%s)",
		envCfg.WorkerTab, envCfg.MappingTab, envCfg.ConfigTab)

	store := config.NewStore(gw, envCfg.ConfigTab)
	rt := store.Load(bootCtx)
	log.Printf("runtime config: tick=%s pool=%d maxRetries=%d", rt.TickInterval, envCfg.PoolSize, rt.MaxRetries)
	if envCfg.DebugStartup {
		log.Printf("columns: %+v", cols)
		log.Printf("runtime snapshot: %+v", rt)
	}

	resolver := mapping.NewResolver(gw, envCfg.MappingTab, cols, 4096)
	if err := resolver.Refresh(bootCtx); err != nil {
		log.Printf("warning: initial mapping refresh failed, will retry on demand: %v", err)
	}

	profiles := newProfileClient(bootCtx, envCfg, logger)
	provider := browser.NewProvider(profiles, logger)
	provider.ConnectTimeout = envCfg.ConnectTimeout
	if envCfg.DebugShots {
		provider.ShotFn = newShotWriter(envCfg.LogDir, clk, logger)
	}

	notifier := notify.NewSlack(envCfg.SlackWebhookURL, func() config.NotifyToggles {
		return store.Last().Notify
	}, logger)

	attemptRepo, err := attemptlog.Open(envCfg.StateDir)
	if err != nil {
		return nil, bootstrapError{fmt.Errorf("attempt log open: %w", err)}
	}
	attempts, err := attemptlog.NewService(attemptlog.ServiceConfig{
		Repo:          attemptRepo,
		Logger:        logger,
		QueueSize:     envCfg.AttemptLogQueueSize,
		FlushBatch:    envCfg.AttemptLogFlushBatch,
		FlushInterval: envCfg.AttemptLogFlushInterval,
		Retain:        time.Duration(envCfg.AttemptLogRetainDays) * 24 * time.Hour,
		PruneSchedule: envCfg.AttemptLogPruneSchedule,
	})
	if err != nil {
		_ = attemptRepo.Close()
		return nil, err
	}

	wf := workflow.New(provider, clk, logger)
	if envCfg.DebugStartup {
		wf.AuthFn = func(ctx context.Context, drv browser.Driver, creds auth.Credentials) error {
			f := auth.NewFlow(drv, creds, logger)
			f.Debug = true
			return f.Run(ctx)
		}
	}

	workerID := newWorkerID()
	work := worker.New(worker.Deps{
		Rows:    gw,
		Store:   store,
		Clock:   clk,
		Columns: cols,
		NewLocker: func(suffix string) worker.Locker {
			return lock.NewManager(gw, envCfg.WorkerTab, cols, clk, workerID+suffix)
		},
		Resolver: resolver,
		Workflow: wf,
		Results:  result.NewWriter(gw, envCfg.WorkerTab, cols, clk, notifier, logger),
		Attempts: attempts,
		Logger:   logger,
	}, worker.Options{
		WorkerTab:         envCfg.WorkerTab,
		WorkerID:          workerID,
		PoolSize:          envCfg.PoolSize,
		LoginMode:         envCfg.LoginMode,
		AutoExitAfterTask: envCfg.AutoExitAfterTask,
	})

	return &lullApp{
		envCfg:      envCfg,
		notifier:    notifier,
		attemptRepo: attemptRepo,
		attempts:    attempts,
		work:        work,
	}, nil
}

// newProfileClient connects to the browser profile service, falling back
// to a port scan when the configured URL does not answer. A dead service
// is not fatal at startup; attempts fail retriably until it comes up.
func newProfileClient(ctx context.Context, envCfg *config.EnvConfig, logger *log.Logger) *profilesvc.Client {
	client := profilesvc.New(envCfg.ProfileAPIURL, envCfg.ProfileAPITimeout, logger)
	client.MaxAttempts = envCfg.StartRetries
	if client.Healthy(ctx) {
		return client
	}

	host := "127.0.0.1"
	if u, err := url.Parse(envCfg.ProfileAPIURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	base, err := profilesvc.DiscoverBaseURL(ctx, host, profileServicePorts)
	if err != nil {
		log.Printf("warning: profile service unreachable at %s and discovery failed: %v", envCfg.ProfileAPIURL, err)
		return client
	}
	log.Printf("profile service discovered at %s", base)
	client = profilesvc.New(base, envCfg.ProfileAPITimeout, logger)
	client.MaxAttempts = envCfg.StartRetries
	return client
}

// newShotWriter stores failure screenshots under <logDir>/shots.
func newShotWriter(logDir string, clk *clock.Clock, logger *log.Logger) func(profileID string, png []byte) {
	dir := filepath.Join(logDir, "shots")
	return func(profileID string, png []byte) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Printf("[shots] mkdir: %v", err)
			return
		}
		name := fmt.Sprintf("%s-%s.png", profileID, clk.Now().Format("20060102-150405"))
		if err := os.WriteFile(filepath.Join(dir, name), png, 0o644); err != nil {
			logger.Printf("[shots] write %s: %v", name, err)
		}
	}
}

// newWorkerID builds the lock owner identity: hostname plus a per-process
// suffix, so restarts never mistake a stale lock for their own.
func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "lull-" + strconv.Itoa(os.Getpid())
	}
	return host + "-" + uuid.NewString()[:8]
}

func (a *lullApp) start() {
	a.attempts.Start()
	a.work.Start()
}

func waitForShutdown(workerDone <-chan struct{}) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down...", sig)
	case <-workerDone:
		log.Println("worker finished, shutting down...")
	}
}

func (a *lullApp) shutdown() {
	// The loop first: no new attempts after this, and the in-flight one
	// finishes before Stop returns.
	a.work.Stop()

	stats := a.work.Stats()
	log.Printf("lifetime: %d ticks, %d attempts (%d ok, %d failed)",
		stats.Ticks.Load(), stats.Attempts.Load(), stats.Succeeded.Load(), stats.Failed.Load())

	a.attempts.Stop()
	if err := a.attemptRepo.Close(); err != nil {
		log.Printf("attempt log close error: %v", err)
	}
	a.notifier.Close()
	log.Println("lull stopped")
}
