// Package config loads the orchestrator's typed configuration: task and
// parallelism limits, timeout profiles, retry policy, and evidence
// retention settings. Values come from an orunner.toml file and are then
// overridden by environment variables, mirroring the teacher's
// tier-prefixed-env-var-with-shared-fallback pattern in llm.NewTier.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// TaskLimits bounds one task's resource usage (§9 design notes).
type TaskLimits struct {
	Files   int `toml:"files"`
	Tests   int `toml:"tests"`
	Seconds int `toml:"seconds"`
}

// ParallelLimits bounds concurrent work across tasks.
type ParallelLimits struct {
	Subagents int `toml:"subagents"`
	Executors int `toml:"executors"`
}

// TimeoutProfile names one of the Supervisor's idle/hard timeout pairs.
type TimeoutProfile string

const (
	ProfileStandard TimeoutProfile = "standard"
	ProfileLong     TimeoutProfile = "long"
	ProfileExtended TimeoutProfile = "extended"
)

// Timeouts collects every duration the core enforces.
type Timeouts struct {
	Deadlock  time.Duration // fixed 60s per the design notes; not config-overridable
	Operation time.Duration // §5 cancellation wait, default 120s
	Idle      time.Duration // staleness threshold, default 45m; the Supervisor's scan uses ProfileTimeouts instead and does not read it
	Hard      time.Duration // hard timeout, default 10m; the Supervisor's scan uses ProfileTimeouts instead and does not read it
	IdleExit  time.Duration // watchdog idle-exit window, default 1h
	ScanEvery time.Duration // Supervisor scan interval, default 5m
}

// ProfileTimeouts returns the (idle, hard) pair for a named timeout
// profile (§4.6).
func ProfileTimeouts(p TimeoutProfile) (idle, hard time.Duration) {
	switch p {
	case ProfileLong:
		return 120 * time.Second, 30 * time.Minute
	case ProfileExtended:
		return 300 * time.Second, 60 * time.Minute
	default:
		return 60 * time.Second, 10 * time.Minute
	}
}

// EvidenceSettings governs evidence file lifecycle.
type EvidenceSettings struct {
	RetentionDays      int  `toml:"retention_days"`
	CompressionEnabled bool `toml:"compression_enabled"`
}

// RetryPolicy governs the worker's transient-failure retry behaviour.
type RetryPolicy struct {
	MaxAttempts    int           `toml:"max_attempts"`
	InitialBackoff time.Duration `toml:"-"`
	MaxBackoff     time.Duration `toml:"-"`
	RetryThreshold int           `toml:"retry_threshold"` // consecutive failures before escalation (§4.6)
}

// Config is the orchestrator's full typed configuration.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string

	StateDir string

	TaskLimits       TaskLimits       `toml:"task_limits"`
	ParallelLimits   ParallelLimits   `toml:"parallel_limits"`
	Timeouts         Timeouts         `toml:"-"`
	EvidenceSettings EvidenceSettings `toml:"evidence_settings"`
	Retry            RetryPolicy      `toml:"retry"`
}

// fileShape is the TOML document shape; Timeouts is handled separately
// since it mixes a fixed value (Deadlock) with config-file durations
// expressed as plain seconds/minutes.
type fileShape struct {
	TaskLimits       TaskLimits       `toml:"task_limits"`
	ParallelLimits   ParallelLimits   `toml:"parallel_limits"`
	EvidenceSettings EvidenceSettings `toml:"evidence_settings"`
	Retry            RetryPolicy      `toml:"retry"`
	TimeoutsSeconds  struct {
		Operation int `toml:"operation"`
		IdleMin   int `toml:"idle_minutes"`
		HardMin   int `toml:"hard_minutes"`
		IdleExit  int `toml:"idle_exit_minutes"`
		ScanEvery int `toml:"scan_every_minutes"`
	} `toml:"timeouts"`
}

// Default returns the spec's documented defaults (§9, §4.6).
func Default() Config {
	return Config{
		Provider: "openai",
		TaskLimits: TaskLimits{
			Files:   20,
			Tests:   50,
			Seconds: 900,
		},
		ParallelLimits: ParallelLimits{
			Subagents: 9,
			Executors: 4,
		},
		Timeouts: Timeouts{
			Deadlock:  60 * time.Second,
			Operation: 120 * time.Second,
			Idle:      45 * time.Minute,
			Hard:      10 * time.Minute,
			IdleExit:  time.Hour,
			ScanEvery: 5 * time.Minute,
		},
		EvidenceSettings: EvidenceSettings{
			RetentionDays:      30,
			CompressionEnabled: false,
		},
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     60 * time.Second,
			RetryThreshold: 2,
		},
	}
}

// Load reads path (if present; absence is not an error) and layers
// environment variable overrides on top, exactly as the teacher's LLM
// client falls back through tier-prefixed then shared env vars.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var fs fileShape
			if _, err := toml.DecodeFile(path, &fs); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
			applyFileShape(&cfg, fs)
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyFileShape(cfg *Config, fs fileShape) {
	if fs.TaskLimits != (TaskLimits{}) {
		cfg.TaskLimits = fs.TaskLimits
	}
	if fs.ParallelLimits != (ParallelLimits{}) {
		cfg.ParallelLimits = fs.ParallelLimits
	}
	if fs.EvidenceSettings.RetentionDays != 0 {
		cfg.EvidenceSettings = fs.EvidenceSettings
	}
	if fs.Retry.MaxAttempts != 0 {
		cfg.Retry.MaxAttempts = fs.Retry.MaxAttempts
	}
	if fs.Retry.RetryThreshold != 0 {
		cfg.Retry.RetryThreshold = fs.Retry.RetryThreshold
	}
	t := fs.TimeoutsSeconds
	if t.Operation != 0 {
		cfg.Timeouts.Operation = time.Duration(t.Operation) * time.Second
	}
	if t.IdleMin != 0 {
		cfg.Timeouts.Idle = time.Duration(t.IdleMin) * time.Minute
	}
	if t.HardMin != 0 {
		cfg.Timeouts.Hard = time.Duration(t.HardMin) * time.Minute
	}
	if t.IdleExit != 0 {
		cfg.Timeouts.IdleExit = time.Duration(t.IdleExit) * time.Minute
	}
	if t.ScanEvery != 0 {
		cfg.Timeouts.ScanEvery = time.Duration(t.ScanEvery) * time.Minute
	}
}

// get mirrors llm.NewTier's pattern: try the PM_RUNNER-prefixed var first,
// then the shared OPENAI_ var.
func get(suffix, fallback string) string {
	if v := os.Getenv("PM_RUNNER_" + suffix); v != "" {
		return v
	}
	return os.Getenv(fallback)
}

func applyEnvOverrides(cfg *Config) {
	if v := get("PROVIDER", ""); v != "" {
		cfg.Provider = v
	}
	cfg.APIKey = get("API_KEY", "OPENAI_API_KEY")
	cfg.BaseURL = get("BASE_URL", "OPENAI_BASE_URL")
	cfg.Model = get("MODEL", "OPENAI_MODEL")

	if v := os.Getenv("PM_RUNNER_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("PM_RUNNER_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("PM_RUNNER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Idle = d
		}
	}
	if v := os.Getenv("PM_RUNNER_HARD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Hard = d
		}
	}
}
