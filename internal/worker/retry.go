package worker

import (
	"fmt"
	"time"

	"github.com/pm-runner/orunner/internal/config"
	"github.com/pm-runner/orunner/internal/queue"
)

// nextBackoff returns the delay before retry attempt number attempt
// (1-indexed: the delay before the *first* retry, i.e. after attempt 1
// failed). It starts at policy.InitialBackoff and doubles per attempt,
// capped at policy.MaxBackoff.
func nextBackoff(attempt int, policy config.RetryPolicy) time.Duration {
	d := policy.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > policy.MaxBackoff {
			return policy.MaxBackoff
		}
	}
	if d > policy.MaxBackoff {
		d = policy.MaxBackoff
	}
	return d
}

// limitError is a resource-limit violation (§4.3 resource caps). It is
// never retried, but it resolves the task to INCOMPLETE with a violation
// record rather than ERROR (§4.3, §7).
type limitError struct {
	msg string
}

func (e *limitError) Error() string { return e.msg }

// checkLimits enforces the per-task resource caps: files touched, tests
// run, and wall-clock seconds spent. elapsed is the attempt's observed
// duration.
func checkLimits(rec queue.TaskRecord, result resultLike, elapsed time.Duration, limits config.TaskLimits) error {
	if n := len(rec.FilesModified) + len(result.FilesModified); n > limits.Files {
		return &limitError{msg: fmt.Sprintf("files_modified limit exceeded: %d > %d", n, limits.Files)}
	}
	if result.TestsRun > limits.Tests {
		return &limitError{msg: fmt.Sprintf("tests_run limit exceeded: %d > %d", result.TestsRun, limits.Tests)}
	}
	secs := elapsed.Seconds()
	if secs > float64(limits.Seconds) {
		return &limitError{msg: fmt.Sprintf("duration limit exceeded: %.0fs > %ds", secs, limits.Seconds)}
	}
	return nil
}

// resultLike is the subset of executor.Result checkLimits needs, kept
// narrow so this file does not import executor.
type resultLike struct {
	FilesModified []string
	TestsRun      int
}
