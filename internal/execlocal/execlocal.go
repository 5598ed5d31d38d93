// Package execlocal implements the "local stub" Executor flavour the
// contract names (§6(a): "a real LLM client, a local stub, a
// deterministic mock"): it runs a task's prompt as a shell command in a
// dedicated workspace directory instead of calling out to an LLM,
// tracking which files the command touched for the TaskRecord's
// files_modified list and for resource-limit enforcement.
package execlocal

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pm-runner/orunner/internal/executor"
)

const defaultShellTimeout = 30 * time.Second

// WorkspaceDir returns the local executor's designated output directory.
// Reads $PM_RUNNER_WORKSPACE; defaults to ~/orunner_workspace. All files a
// local command creates are expected to land here instead of the
// process's CWD.
func WorkspaceDir() string {
	if env := os.Getenv("PM_RUNNER_WORKSPACE"); env != "" {
		return ExpandHome(env)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "orunner_workspace")
}

// ExpandHome replaces a leading "~/" or a bare "~" with the user's home
// directory. Returns path unchanged if it does not start with "~".
func ExpandHome(path string) string {
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// ResolveOutputPath redirects bare filenames and "./" relative paths into
// the workspace directory. Paths with a directory component, absolute
// paths, or paths already under the workspace are returned unchanged.
func ResolveOutputPath(path string) (resolved string, redirected bool) {
	clean := filepath.Clean(path)
	if filepath.Dir(clean) == "." {
		return filepath.Join(WorkspaceDir(), clean), true
	}
	return path, false
}

// EnsureWorkspace creates the workspace directory if it does not exist.
func EnsureWorkspace() error {
	return os.MkdirAll(WorkspaceDir(), 0o755)
}

// RunShell executes cmd in a bash shell with a bounded timeout, returning
// stdout, stderr, and any execution error.
func RunShell(ctx context.Context, cmd string, timeout time.Duration) (stdout, stderr string, err error) {
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(ctx, "bash", "-c", cmd)
	c.Dir = WorkspaceDir()

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	err = c.Run()
	return outBuf.String(), errBuf.String(), err
}

// GlobFiles walks root recursively and returns paths whose base name
// matches pattern. Inaccessible entries are silently skipped.
func GlobFiles(root, pattern string) ([]string, error) {
	if root == "" {
		root = "."
	}
	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if matched, _ := filepath.Match(pattern, d.Name()); matched {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, err
}

// snapshot maps a file's path to its modification time, for before/after
// diffing around a command run.
type snapshot map[string]time.Time

func takeSnapshot(root string) snapshot {
	snap := make(snapshot)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		snap[path] = info.ModTime()
		return nil
	})
	return snap
}

// diff reports paths present in after that are new or newer than in before.
func diff(before, after snapshot) []string {
	var changed []string
	for path, mtime := range after {
		if prev, ok := before[path]; !ok || mtime.After(prev) {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

// Local is an Executor that runs a task's prompt as a shell command in
// the workspace directory. It never reports success without a real
// command having run, so it never forges LLMEvidence (§6(a)).
type Local struct {
	Timeout time.Duration
}

// NewLocal constructs a Local executor with the given per-command
// timeout (defaultShellTimeout if zero).
func NewLocal(timeout time.Duration) *Local {
	return &Local{Timeout: timeout}
}

// Execute runs req.Prompt as a shell command, reporting the files it
// created or modified under the workspace and mapping its outcome onto
// the Executor contract.
func (l *Local) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	if err := EnsureWorkspace(); err != nil {
		return executor.Result{}, fmt.Errorf("execlocal: ensure workspace: %w", err)
	}
	root := WorkspaceDir()

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	before := takeSnapshot(root)
	stdout, stderr, err := RunShell(runCtx, req.Prompt, timeout)
	after := takeSnapshot(root)
	duration := time.Since(start).Milliseconds()

	changed := diff(before, after)

	if err != nil {
		kind := executor.FailureFatal
		if runCtx.Err() == context.DeadlineExceeded {
			kind = executor.FailureTransient
		}
		msg := err.Error()
		if stderr != "" {
			msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(stderr))
		}
		return executor.Result{
			Status:        executor.StatusError,
			FilesModified: changed,
			DurationMs:    duration,
			Err:           &executor.StructuredError{Kind: kind, Message: msg},
		}, nil
	}

	return executor.Result{
		Output:        stdout,
		Status:        executor.StatusComplete,
		FilesModified: changed,
		DurationMs:    duration,
	}, nil
}
