// Package supervisor implements the Supervisor: the cross-cutting
// component that watches the QueueStore for stale and orphaned tasks,
// enforces idle/hard timeout profiles, reports retry escalation, and
// publishes typed events describing all of the above. It observes only
// the queue's own RUNNING/QUEUED/ERROR state: it publishes to the event
// bus but does not subscribe to it.
package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pm-runner/orunner/internal/bus"
	"github.com/pm-runner/orunner/internal/config"
	"github.com/pm-runner/orunner/internal/queue"
	"github.com/pm-runner/orunner/internal/types"
)

// staleRun is one sidecar entry in .stale-runs.json: a task that has been
// RUNNING longer than the idle threshold without a progress event.
type staleRun struct {
	TaskID     string  `json:"task_id"`
	Title      string  `json:"title"`
	Status     string  `json:"status"`
	AgeMinutes float64 `json:"ageMinutes"`
}

// OrphanDecision names how the Supervisor resumes a task it finds
// RUNNING immediately after a process restart (§4.6).
type OrphanDecision string

const (
	// DecisionSoftResume: partial artifacts exist, so the task is left
	// RUNNING with its run_id unchanged. Workers take only QUEUED tasks,
	// so no Worker picks it up again; it stays RUNNING until the periodic
	// scan's idle or hard timeout moves it to AWAITING_RESPONSE.
	DecisionSoftResume OrphanDecision = "soft_resume"
	// DecisionRollbackReplay: the default when no partial artifacts are
	// found; the task is requeued with a freshly minted run_id.
	DecisionRollbackReplay OrphanDecision = "rollback_replay"
)

// orphanStaleThreshold is how recently updated_at must be, relative to
// process start, for a RUNNING task found at startup to be considered
// "still genuinely in flight" rather than orphaned by a crash.
const orphanStaleThreshold = 30 * time.Second

// escalationTier names a retry-escalation reporting tier (§4.6): these
// are reported, not enforced — the worker's own retry policy is
// unaffected by this value.
type escalationTier string

const (
	tierPlanning escalationTier = "planning"
	tierStandard escalationTier = "standard"
	tierAdvanced escalationTier = "advanced"
)

// persistedState is what survives a process restart: the Supervisor's
// view of per-task consecutive-failure counts used for escalation
// reporting.
type persistedState struct {
	WindowStart      time.Time      `json:"window_start"`
	ScansRun         int            `json:"scans_run"`
	ConsecutiveFails map[string]int `json:"consecutive_fails"`
}

// Supervisor is the Supervisor component.
type Supervisor struct {
	store *queue.Store
	b     *bus.Bus
	cfg   config.Config

	statePath  string
	staleDir   string
	profile    config.TimeoutProfile
	scanEvery  time.Duration

	mu               sync.Mutex
	windowStart      time.Time
	scansRun         int
	consecutiveFails map[string]int
}

// New constructs a Supervisor. statePath is where scan state is persisted
// across restarts; staleDir is the directory .stale-runs.json is written
// to (typically the namespace state directory).
func New(store *queue.Store, b *bus.Bus, cfg config.Config, statePath, staleDir string, profile config.TimeoutProfile) *Supervisor {
	s := &Supervisor{
		store:            store,
		b:                b,
		cfg:              cfg,
		statePath:        statePath,
		staleDir:         staleDir,
		profile:          profile,
		scanEvery:        cfg.Timeouts.ScanEvery,
		windowStart:      time.Now().UTC(),
		consecutiveFails: make(map[string]int),
	}
	s.loadState()
	return s
}

func (s *Supervisor) loadState() {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		return // absent on first run
	}
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		slog.Warn("supervisor: could not load persisted state", "error", err)
		return
	}
	s.windowStart = ps.WindowStart
	s.scansRun = ps.ScansRun
	if ps.ConsecutiveFails != nil {
		s.consecutiveFails = ps.ConsecutiveFails
	}
}

func (s *Supervisor) saveState() {
	s.mu.Lock()
	ps := persistedState{
		WindowStart:      s.windowStart,
		ScansRun:         s.scansRun,
		ConsecutiveFails: copyIntMap(s.consecutiveFails),
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		slog.Warn("supervisor: marshal state failed", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		slog.Warn("supervisor: create state dir failed", "error", err)
		return
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("supervisor: write state failed", "error", err)
		return
	}
	if err := os.Rename(tmp, s.statePath); err != nil {
		os.Remove(tmp)
		slog.Warn("supervisor: rename state failed", "error", err)
	}
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ReconcileOnStartup scans every RUNNING task at process start and
// decides soft_resume vs rollback_replay for each (§4.6 post-restart
// orphan detection). Call once, before Run.
func (s *Supervisor) ReconcileOnStartup() {
	now := time.Now().UTC()
	for _, rec := range s.store.List(queue.Filter{Status: queue.StatusRunning}) {
		age := now.Sub(rec.UpdatedAt)
		if age < orphanStaleThreshold {
			continue // plausibly still genuinely in flight
		}
		decision := s.decideOrphan(rec)
		if decision == DecisionRollbackReplay {
			if _, err := s.store.UpdateStatus(rec.TaskID, queue.StatusQueued, "", ""); err != nil {
				slog.Warn("supervisor: rollback_replay requeue failed", "task_id", rec.TaskID, "error", err)
				continue
			}
		}
		s.emit(types.EventCheck, rec.TaskID, string(decision))
	}
}

// decideOrphan: soft_resume when partial artifacts (a non-empty
// files_modified, or any tool_progress or heartbeat progress event)
// already exist for the task; rollback_replay — minting a fresh run_id on the next
// attempt — is the default otherwise.
func (s *Supervisor) decideOrphan(rec queue.TaskRecord) OrphanDecision {
	if len(rec.FilesModified) > 0 {
		return DecisionSoftResume
	}
	for _, ev := range rec.ProgressEvents {
		if ev.Kind == "tool_progress" || ev.Kind == "heartbeat" {
			return DecisionSoftResume
		}
	}
	return DecisionRollbackReplay
}

// Run drives the Supervisor's periodic scan and the idle-exit watchdog
// until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.emit(types.EventStarted, "", "supervisor")
	defer s.emit(types.EventStopped, "", "supervisor")

	ticker := time.NewTicker(s.scanEvery)
	defer ticker.Stop()

	watcher, watchCh := s.startIdleWatchdog(ctx)
	if watcher != nil {
		defer watcher.Close()
	}

	idleTimer := time.NewTimer(s.cfg.Timeouts.IdleExit)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan()
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(s.cfg.Timeouts.IdleExit)
		case <-watchCh:
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(s.cfg.Timeouts.IdleExit)
		case <-idleTimer.C:
			s.emit(types.EventTimeout, "", "idle-exit watchdog fired")
			return
		}
	}
}

// startIdleWatchdog watches the namespace state directory for
// filesystem activity (new task files, status updates) so the idle-exit
// timer resets on any real work, not just on scan cadence. Returns a nil
// watcher if the directory cannot be watched — the Supervisor still
// functions, just without sub-scan-interval idle resets.
func (s *Supervisor) startIdleWatchdog(ctx context.Context) (*fsnotify.Watcher, <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("supervisor: idle watchdog disabled", "error", err)
		return nil, nil
	}
	if err := watcher.Add(s.staleDir); err != nil {
		slog.Warn("supervisor: could not watch state dir", "dir", s.staleDir, "error", err)
		watcher.Close()
		return nil, nil
	}

	activity := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case activity <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("supervisor: watcher error", "error", err)
			}
		}
	}()
	return watcher, activity
}

// scan walks RUNNING tasks once. Idle time is measured from the task's
// last progress event (not UpdatedAt, which AppendEvent never bumps);
// hard-timeout time is measured from the run's recorded start. Both the
// idle and hard thresholds transition the task to AWAITING_RESPONSE with
// a Resume option (§4.6) — never ERROR, since neither means the task
// failed, only that it needs attention. Tasks past idle are also
// recorded in the stale-runs sidecar report. Tasks whose consecutive
// failures cross the retry threshold get an escalation report.
func (s *Supervisor) scan() {
	idle, hard := config.ProfileTimeouts(s.profile)
	now := time.Now().UTC()

	var stale []staleRun
	for _, rec := range s.store.List(queue.Filter{Status: queue.StatusRunning}) {
		hardAge := now.Sub(rec.RunStartedAt())
		if hardAge >= hard {
			if _, err := s.store.UpdateStatus(rec.TaskID, queue.StatusAwaitingResponse, "hard timeout exceeded", ""); err != nil {
				slog.Warn("supervisor: hard-timeout transition failed", "task_id", rec.TaskID, "error", err)
				continue
			}
			s.emit(types.EventTimeout, rec.TaskID, "hard timeout")
			continue
		}
		idleAge := now.Sub(rec.LastProgressAt())
		if idleAge >= idle {
			if _, err := s.store.UpdateStatus(rec.TaskID, queue.StatusAwaitingResponse, "idle timeout exceeded", ""); err != nil {
				slog.Warn("supervisor: idle-timeout transition failed", "task_id", rec.TaskID, "error", err)
				continue
			}
			stale = append(stale, staleRun{
				TaskID:     rec.TaskID,
				Title:      firstLine(rec.Prompt),
				Status:     string(rec.Status),
				AgeMinutes: idleAge.Minutes(),
			})
			s.emit(types.EventCheck, rec.TaskID, "stale")
			s.emit(types.EventTimeout, rec.TaskID, "idle timeout")
		}
	}

	for _, rec := range s.store.List(queue.Filter{Status: queue.StatusError}) {
		s.mu.Lock()
		s.consecutiveFails[rec.TaskID]++
		fails := s.consecutiveFails[rec.TaskID]
		s.mu.Unlock()
		if fails >= s.cfg.Retry.RetryThreshold {
			s.emit(types.EventMaxRetries, rec.TaskID, string(s.escalationTier(fails)))
		}
	}

	s.mu.Lock()
	s.scansRun++
	s.mu.Unlock()
	s.saveState()

	if err := s.writeStaleReport(stale); err != nil {
		slog.Warn("supervisor: write .stale-runs.json failed", "error", err)
	}
}

// escalationTier reports (but never enforces) which retry tier a task's
// consecutive-failure count has reached.
func (s *Supervisor) escalationTier(consecutiveFails int) escalationTier {
	switch {
	case consecutiveFails >= 3*s.cfg.Retry.RetryThreshold:
		return tierAdvanced
	case consecutiveFails >= s.cfg.Retry.RetryThreshold:
		return tierStandard
	default:
		return tierPlanning
	}
}

func (s *Supervisor) writeStaleReport(stale []staleRun) error {
	path := filepath.Join(s.staleDir, ".stale-runs.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(stale, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	if len(s) > 80 {
		return s[:80]
	}
	return s
}

func (s *Supervisor) emit(kind types.EventKind, taskID, cause string) {
	if s.b == nil {
		return
	}
	s.b.Publish(types.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		TaskID:    taskID,
		Cause:     cause,
	})
}
