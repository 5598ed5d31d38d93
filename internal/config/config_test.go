package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.TaskLimits.Files != 20 || cfg.TaskLimits.Tests != 50 || cfg.TaskLimits.Seconds != 900 {
		t.Fatalf("unexpected task limits: %+v", cfg.TaskLimits)
	}
	if cfg.ParallelLimits.Subagents != 9 || cfg.ParallelLimits.Executors != 4 {
		t.Fatalf("unexpected parallel limits: %+v", cfg.ParallelLimits)
	}
	if cfg.Timeouts.Idle != 45*time.Minute || cfg.Timeouts.Hard != 10*time.Minute {
		t.Fatalf("unexpected timeouts: %+v", cfg.Timeouts)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default retry max attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TaskLimits.Seconds != 900 {
		t.Fatalf("expected defaults when file missing, got %+v", cfg.TaskLimits)
	}
}

func TestLoadAppliesTOMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orunner.toml")
	content := `
[task_limits]
files = 5
tests = 10
seconds = 60

[parallel_limits]
subagents = 2
executors = 1

[timeouts]
operation = 30
idle_minutes = 5
hard_minutes = 2

[evidence_settings]
retention_days = 7
compression_enabled = true

[retry]
max_attempts = 5
retry_threshold = 1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TaskLimits.Files != 5 || cfg.TaskLimits.Seconds != 60 {
		t.Fatalf("expected overridden task limits, got %+v", cfg.TaskLimits)
	}
	if cfg.Timeouts.Idle != 5*time.Minute || cfg.Timeouts.Hard != 2*time.Minute {
		t.Fatalf("expected overridden timeouts, got %+v", cfg.Timeouts)
	}
	if !cfg.EvidenceSettings.CompressionEnabled || cfg.EvidenceSettings.RetentionDays != 7 {
		t.Fatalf("expected overridden evidence settings, got %+v", cfg.EvidenceSettings)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.RetryThreshold != 1 {
		t.Fatalf("expected overridden retry policy, got %+v", cfg.Retry)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("PM_RUNNER_RETRY_MAX", "7")
	t.Setenv("PM_RUNNER_IDLE_TIMEOUT", "90s")
	t.Setenv("PM_RUNNER_API_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "orunner.toml")
	content := "[retry]\nmax_attempts = 5\n\n[timeouts]\nidle_minutes = 5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Retry.MaxAttempts != 7 {
		t.Fatalf("expected env override for retry max, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Timeouts.Idle != 90*time.Second {
		t.Fatalf("expected env override for idle timeout, got %v", cfg.Timeouts.Idle)
	}
	if cfg.APIKey != "sk-test" {
		t.Fatalf("expected PM_RUNNER_API_KEY to populate APIKey, got %q", cfg.APIKey)
	}
}

func TestEnvAPIKeyFallsBackToOpenAI(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-shared")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "sk-shared" {
		t.Fatalf("expected fallback to OPENAI_API_KEY, got %q", cfg.APIKey)
	}
}

func TestProfileTimeouts(t *testing.T) {
	cases := []struct {
		profile    TimeoutProfile
		idle, hard time.Duration
	}{
		{ProfileStandard, 60 * time.Second, 10 * time.Minute},
		{ProfileLong, 120 * time.Second, 30 * time.Minute},
		{ProfileExtended, 300 * time.Second, 60 * time.Minute},
	}
	for _, c := range cases {
		idle, hard := ProfileTimeouts(c.profile)
		if idle != c.idle || hard != c.hard {
			t.Errorf("profile %s: got idle=%v hard=%v, want idle=%v hard=%v", c.profile, idle, hard, c.idle, c.hard)
		}
	}
}
