// Package config handles environment-based configuration loading, the
// per-tick runtime snapshot, and the spreadsheet column mapping.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Spreadsheet
	SheetsID        string
	CredentialsFile string
	WorkerTab       string
	MappingTab      string
	ConfigTab       string
	ColumnsFile     string

	// Zone
	Zone string

	// Browser profile service
	ProfileAPIURL     string
	ProfileAPITimeout time.Duration
	ConnectTimeout    time.Duration
	StartRetries      int

	// Directories
	StateDir string
	LogDir   string

	// Attempt log
	AttemptLogQueueSize     int
	AttemptLogFlushBatch    int
	AttemptLogFlushInterval time.Duration
	AttemptLogRetainDays    int
	AttemptLogPruneSchedule string

	// Notifications
	SlackWebhookURL string

	// Worker
	PoolSize          int
	MemorySoftLimitMB int

	// Modes
	DebugStartup      bool
	DebugShots        bool
	LoginMode         bool
	AutoExitAfterTask bool
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Spreadsheet ---
	cfg.SheetsID = strings.TrimSpace(envStr("GOOGLE_SHEETS_ID", ""))
	cfg.CredentialsFile = strings.TrimSpace(envStr("LULL_CREDENTIALS_FILE", ""))
	cfg.WorkerTab = envStr("LULL_WORKER_TAB", "integrated")
	cfg.MappingTab = envStr("LULL_MAPPING_TAB", "profiles")
	cfg.ConfigTab = envStr("LULL_CONFIG_TAB", "config")
	cfg.ColumnsFile = envStr("LULL_COLUMNS_FILE", "")

	// --- Zone ---
	cfg.Zone = envStr("LULL_ZONE", "Asia/Seoul")

	// --- Browser profile service ---
	cfg.ProfileAPIURL = strings.TrimSpace(envStr("LULL_PROFILE_API_URL", "http://127.0.0.1:35000"))
	cfg.ProfileAPITimeout = envDuration("LULL_PROFILE_API_TIMEOUT", 30*time.Second, &errs)
	cfg.ConnectTimeout = envDuration("LULL_CONNECT_TIMEOUT", 20*time.Second, &errs)
	cfg.StartRetries = envInt("LULL_START_RETRIES", 3, &errs)

	// --- Directories ---
	cfg.StateDir = envStr("LULL_STATE_DIR", "/var/lib/lull")
	cfg.LogDir = envStr("LULL_LOG_DIR", "/var/log/lull")

	// --- Attempt log ---
	cfg.AttemptLogQueueSize = envInt("LULL_ATTEMPT_LOG_QUEUE_SIZE", 1024, &errs)
	cfg.AttemptLogFlushBatch = envInt("LULL_ATTEMPT_LOG_FLUSH_BATCH_SIZE", 256, &errs)
	cfg.AttemptLogFlushInterval = envDuration("LULL_ATTEMPT_LOG_FLUSH_INTERVAL", time.Minute, &errs)
	cfg.AttemptLogRetainDays = envInt("LULL_ATTEMPT_LOG_RETAIN_DAYS", 30, &errs)
	cfg.AttemptLogPruneSchedule = envStr("LULL_ATTEMPT_LOG_PRUNE_SCHEDULE", "0 4 * * *")

	// --- Notifications ---
	cfg.SlackWebhookURL = strings.TrimSpace(envStr("LULL_SLACK_WEBHOOK_URL", ""))

	// --- Worker ---
	cfg.PoolSize = envInt("LULL_POOL_SIZE", 1, &errs)
	cfg.MemorySoftLimitMB = envInt("LULL_MEMORY_SOFT_LIMIT_MB", 0, &errs)

	// --- Modes ---
	cfg.DebugStartup = envBool("DEBUG_STARTUP", false, &errs)
	cfg.DebugShots = envBool("LULL_DEBUG_SHOTS", false, &errs)
	cfg.LoginMode = envBool("LOGIN_MODE", false, &errs)
	cfg.AutoExitAfterTask = envBool("AUTO_EXIT_AFTER_TASK", false, &errs)

	// --- Validation ---
	if cfg.SheetsID == "" {
		errs = append(errs, "GOOGLE_SHEETS_ID must be set")
	}
	if cfg.CredentialsFile == "" {
		errs = append(errs, "LULL_CREDENTIALS_FILE must be set")
	} else if _, err := os.Stat(cfg.CredentialsFile); err != nil {
		errs = append(errs, fmt.Sprintf("LULL_CREDENTIALS_FILE: %v", err))
	}
	if _, err := time.LoadLocation(cfg.Zone); err != nil {
		errs = append(errs, fmt.Sprintf("LULL_ZONE: invalid zone %q: %v", cfg.Zone, err))
	}
	if cfg.WorkerTab == "" || cfg.MappingTab == "" || cfg.ConfigTab == "" {
		errs = append(errs, "LULL_WORKER_TAB, LULL_MAPPING_TAB and LULL_CONFIG_TAB must not be empty")
	}
	if cfg.ProfileAPIURL == "" {
		errs = append(errs, "LULL_PROFILE_API_URL must not be empty")
	}
	if cfg.ProfileAPITimeout <= 0 {
		errs = append(errs, "LULL_PROFILE_API_TIMEOUT must be positive")
	}
	if cfg.ConnectTimeout <= 0 {
		errs = append(errs, "LULL_CONNECT_TIMEOUT must be positive")
	}
	validatePositive("LULL_START_RETRIES", cfg.StartRetries, &errs)
	validatePositive("LULL_ATTEMPT_LOG_QUEUE_SIZE", cfg.AttemptLogQueueSize, &errs)
	validatePositive("LULL_ATTEMPT_LOG_FLUSH_BATCH_SIZE", cfg.AttemptLogFlushBatch, &errs)
	validatePositive("LULL_ATTEMPT_LOG_RETAIN_DAYS", cfg.AttemptLogRetainDays, &errs)
	if cfg.AttemptLogFlushInterval <= 0 {
		errs = append(errs, "LULL_ATTEMPT_LOG_FLUSH_INTERVAL must be positive")
	}
	if cfg.AttemptLogQueueSize < 2*cfg.AttemptLogFlushBatch {
		errs = append(errs, "LULL_ATTEMPT_LOG_QUEUE_SIZE must be at least 2x LULL_ATTEMPT_LOG_FLUSH_BATCH_SIZE")
	}
	if _, err := cron.ParseStandard(cfg.AttemptLogPruneSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("LULL_ATTEMPT_LOG_PRUNE_SCHEDULE: invalid cron expression %q: %v", cfg.AttemptLogPruneSchedule, err))
	}
	validatePositive("LULL_POOL_SIZE", cfg.PoolSize, &errs)
	if cfg.MemorySoftLimitMB < 0 {
		errs = append(errs, "LULL_MEMORY_SOFT_LIMIT_MB must not be negative")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
