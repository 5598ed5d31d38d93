package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// taskEntry pairs a TaskRecord with its own mutex so the worker can hold a
// lock across a status-update boundary without blocking unrelated tasks.
// No lock is ever held across executor I/O (§5).
type taskEntry struct {
	mu     sync.Mutex
	record TaskRecord
}

// sessionIndexEntry is one denormalised summary row in a session's index.json,
// letting callers list tasks without reading every task file.
type sessionIndexEntry struct {
	TaskID    string    `json:"task_id"`
	Status    Status    `json:"status"`
	TaskType  TaskType  `json:"task_type"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionIndex struct {
	SessionID string              `json:"session_id"`
	Entries   []sessionIndexEntry `json:"entries"`
}

// Store is the durable, namespace-scoped QueueStore. One Store instance
// should be constructed per namespace state directory.
type Store struct {
	dir string // namespace state directory; sessions live under dir/sessions

	mu      sync.Mutex // protects order, tasks map structure, counters
	order   []string   // task_id in global enqueue order within this namespace
	tasks   map[string]*taskEntry
	counter map[string]int // session_id -> next monotonic counter
}

// Open constructs a Store rooted at dir, loading any existing session
// indices so in-memory state matches what's on disk after a restart.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:     dir,
		tasks:   make(map[string]*taskEntry),
		counter: make(map[string]int),
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("queue: create state dir: %w", err)
	}
	if err := s.reload(); err != nil {
		return nil, fmt.Errorf("queue: reload: %w", err)
	}
	return s, nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.dir, "sessions", sessionID)
}

func (s *Store) taskPath(sessionID, taskID string) string {
	return filepath.Join(s.sessionDir(sessionID), "tasks", taskID+".json")
}

// TaskPath exposes the on-disk location of one task's record, for
// callers (tests, tooling) that need to inspect or edit it directly.
func (s *Store) TaskPath(sessionID, taskID string) string {
	return s.taskPath(sessionID, taskID)
}

// Reload re-reads every task record from disk, replacing the in-memory
// index. Used after an out-of-band edit to a task file (e.g. a test
// backdating updated_at) or to recover in-memory state without
// restarting the process.
func (s *Store) Reload() error {
	s.mu.Lock()
	s.order = nil
	s.tasks = make(map[string]*taskEntry)
	s.counter = make(map[string]int)
	s.mu.Unlock()
	return s.reload()
}

func (s *Store) indexPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "index.json")
}

// reload walks sessions/ and rebuilds the in-memory index from disk,
// ordering tasks by created_at since the enqueue order itself is kept
// only in memory and is not recoverable after a restart.
func (s *Store) reload() error {
	sessionsDir := filepath.Join(s.dir, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var all []*TaskRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sessionID := e.Name()
		taskFiles, err := os.ReadDir(filepath.Join(sessionsDir, sessionID, "tasks"))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		for _, tf := range taskFiles {
			if tf.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(sessionsDir, sessionID, "tasks", tf.Name()))
			if err != nil {
				slog.Warn("queue: skip unreadable task file", "file", tf.Name(), "error", err)
				continue
			}
			var rec TaskRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				slog.Warn("queue: skip malformed task file", "file", tf.Name(), "error", err)
				continue
			}
			all = append(all, &rec)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	for _, rec := range all {
		s.tasks[rec.TaskID] = &taskEntry{record: *rec}
		s.order = append(s.order, rec.TaskID)
		if n := taskCounterSuffix(rec.SessionID, rec.TaskID); n > s.counter[rec.SessionID] {
			s.counter[rec.SessionID] = n
		}
	}
	return nil
}

// taskCounterSuffix extracts the trailing monotonic counter from a task_id
// of the form "<sessionID>-<NNNN>", returning 0 if it doesn't parse.
func taskCounterSuffix(sessionID, taskID string) int {
	prefix := sessionID + "-"
	if len(taskID) <= len(prefix) || taskID[:len(prefix)] != prefix {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(taskID[len(prefix):], "%d", &n); err != nil {
		return 0
	}
	return n
}

// Enqueue creates a QUEUED TaskRecord, assigns it a monotonic (per session)
// task_id, appends it to the namespace's enqueue order, durably persists it,
// and returns the stored record. threadID is the task's group_id (§4.2);
// pass "" for a task with no group.
func (s *Store) Enqueue(namespace, sessionID, threadID, prompt string, parentTaskID string, taskType TaskType) (TaskRecord, error) {
	s.mu.Lock()
	s.counter[sessionID]++
	n := s.counter[sessionID]
	taskID := fmt.Sprintf("%s-%04d", sessionID, n)
	now := time.Now().UTC()
	rec := TaskRecord{
		TaskID:       taskID,
		Namespace:    namespace,
		SessionID:    sessionID,
		ThreadID:     threadID,
		ParentTaskID: parentTaskID,
		TaskType:     taskType,
		Prompt:       prompt,
		Status:       StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	entry := &taskEntry{record: rec}
	s.tasks[taskID] = entry
	s.order = append(s.order, taskID)
	s.mu.Unlock()

	if err := s.persist(&rec); err != nil {
		return TaskRecord{}, fmt.Errorf("queue: enqueue: %w", err)
	}
	if err := s.rewriteIndex(sessionID); err != nil {
		return TaskRecord{}, fmt.Errorf("queue: enqueue: rewrite index: %w", err)
	}
	return rec, nil
}

// GetItem returns a copy of the TaskRecord for taskID, or false if unknown.
func (s *Store) GetItem(taskID string) (TaskRecord, bool) {
	s.mu.Lock()
	entry, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return TaskRecord{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record, true
}

// ErrTerminal is returned by UpdateStatus when the task is already in a
// terminal status and newStatus is non-terminal (invariant I1 / P6).
type ErrTerminal struct {
	TaskID string
	From   Status
	To     Status
}

func (e *ErrTerminal) Error() string {
	return fmt.Sprintf("queue: task %s: refusing transition from terminal status %s to %s", e.TaskID, e.From, e.To)
}

// UpdateStatus transitions taskID to newStatus, refusing to regress out of a
// terminal status, bumping updated_at strictly forward, and appending a
// status_changed progress event. output and errorMessage are optional;
// pass "" to leave the corresponding field unchanged, for terminal
// transitions as for any other.
func (s *Store) UpdateStatus(taskID string, newStatus Status, errorMessage, output string) (TaskRecord, error) {
	s.mu.Lock()
	entry, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return TaskRecord{}, fmt.Errorf("queue: unknown task %s", taskID)
	}

	entry.mu.Lock()
	if entry.record.Status.Terminal() && !newStatus.Terminal() {
		from, to := entry.record.Status, newStatus
		entry.mu.Unlock()
		return TaskRecord{}, &ErrTerminal{TaskID: taskID, From: from, To: to}
	}

	now := time.Now().UTC()
	if !now.After(entry.record.UpdatedAt) {
		now = entry.record.UpdatedAt.Add(time.Nanosecond)
	}
	prevStatus := entry.record.Status
	entry.record.Status = newStatus
	if errorMessage != "" {
		entry.record.Error = errorMessage
	}
	if output != "" {
		entry.record.Output = output
	}
	entry.record.UpdatedAt = now
	if newStatus == StatusRunning && prevStatus != StatusRunning {
		entry.record.StartedAt = now
	}
	if newStatus.Terminal() {
		entry.record.CompletedAt = now
	}
	entry.record.ProgressEvents = append(entry.record.ProgressEvents, ProgressEvent{
		Kind:      "status_changed",
		Payload:   map[string]string{"to": string(newStatus)},
		Timestamp: now,
	})
	rec := entry.record
	entry.mu.Unlock()

	if err := s.persist(&rec); err != nil {
		return TaskRecord{}, fmt.Errorf("queue: update status: %w", err)
	}
	if err := s.rewriteIndex(rec.SessionID); err != nil {
		return TaskRecord{}, fmt.Errorf("queue: update status: rewrite index: %w", err)
	}
	return rec, nil
}

// UpdateMeta applies fn to taskID's record to mutate metadata fields
// (RunID, DetectedTaskType, BlockedReason, TerminatedBy, FilesModified,
// AttemptCount, Usage) outside the status-transition invariants that
// UpdateStatus enforces. fn must not change Status; bumps updated_at
// strictly forward like UpdateStatus does.
func (s *Store) UpdateMeta(taskID string, fn func(*TaskRecord)) (TaskRecord, error) {
	s.mu.Lock()
	entry, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return TaskRecord{}, fmt.Errorf("queue: unknown task %s", taskID)
	}

	entry.mu.Lock()
	fn(&entry.record)
	now := time.Now().UTC()
	if !now.After(entry.record.UpdatedAt) {
		now = entry.record.UpdatedAt.Add(time.Nanosecond)
	}
	entry.record.UpdatedAt = now
	rec := entry.record
	entry.mu.Unlock()

	if err := s.persist(&rec); err != nil {
		return TaskRecord{}, fmt.Errorf("queue: update meta: %w", err)
	}
	if err := s.rewriteIndex(rec.SessionID); err != nil {
		return TaskRecord{}, fmt.Errorf("queue: update meta: rewrite index: %w", err)
	}
	return rec, nil
}

// AppendEvent appends a ProgressEvent to taskID's record and persists it.
func (s *Store) AppendEvent(taskID string, event ProgressEvent) error {
	s.mu.Lock()
	entry, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue: unknown task %s", taskID)
	}

	entry.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	entry.record.ProgressEvents = append(entry.record.ProgressEvents, event)
	rec := entry.record
	entry.mu.Unlock()

	return s.persist(&rec)
}

// List returns TaskRecords matching filter, in enqueue order. If
// filter.SessionID is set, only that session's namespace-insertion-order
// slice is considered; otherwise the whole namespace's order is scanned.
func (s *Store) List(filter Filter) []TaskRecord {
	s.mu.Lock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	var out []TaskRecord
	for _, taskID := range order {
		s.mu.Lock()
		entry, ok := s.tasks[taskID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		entry.mu.Lock()
		rec := entry.record
		entry.mu.Unlock()
		if filter.matches(&rec) {
			out = append(out, rec)
		}
	}
	return out
}

// persist atomically writes rec to its JSON file (write-temp-then-rename,
// fsync before rename) so a crash never leaves a torn task record on disk.
func (s *Store) persist(rec *TaskRecord) error {
	path := s.taskPath(rec.SessionID, rec.TaskID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWriteJSON(path, rec)
}

// rewriteIndex regenerates sessions/<sessionID>/index.json from the
// in-memory task entries belonging to that session, in enqueue order.
func (s *Store) rewriteIndex(sessionID string) error {
	s.mu.Lock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	idx := sessionIndex{SessionID: sessionID}
	for _, taskID := range order {
		s.mu.Lock()
		entry, ok := s.tasks[taskID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		entry.mu.Lock()
		rec := entry.record
		entry.mu.Unlock()
		if rec.SessionID != sessionID {
			continue
		}
		idx.Entries = append(idx.Entries, sessionIndexEntry{
			TaskID:    rec.TaskID,
			Status:    rec.Status,
			TaskType:  rec.TaskType,
			CreatedAt: rec.CreatedAt,
		})
	}

	path := s.indexPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWriteJSON(path, &idx)
}

// atomicWriteJSON marshals v as pretty-printed UTF-8 JSON (two-space
// indent, per the persistence layout contract) and writes it to path via a
// temp-file-then-rename so readers never observe a partially written file.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
