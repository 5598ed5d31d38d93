package queue

import (
	"path/filepath"
	"testing"
	"time"
)

func TestEnqueueGetItemRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec, err := s.Enqueue("default", "sess1", "", "do the thing", "", TaskReadInfo)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if rec.Status != StatusQueued {
		t.Fatalf("expected QUEUED, got %s", rec.Status)
	}

	got, ok := s.GetItem(rec.TaskID)
	if !ok {
		t.Fatalf("GetItem: not found")
	}
	if got.Prompt != rec.Prompt || got.TaskID != rec.TaskID {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, rec)
	}
}

func TestEnqueueMonotonicTaskIDsPerSession(t *testing.T) {
	s, _ := Open(t.TempDir())
	r1, _ := s.Enqueue("default", "sess1", "", "a", "", TaskReadInfo)
	r2, _ := s.Enqueue("default", "sess1", "", "b", "", TaskReadInfo)
	r3, _ := s.Enqueue("default", "sess2", "", "c", "", TaskReadInfo)

	if r1.TaskID >= r2.TaskID {
		t.Fatalf("expected task ids to increase within a session, got %q then %q", r1.TaskID, r2.TaskID)
	}
	if r3.TaskID == r1.TaskID {
		t.Fatalf("session2 task id collided with session1")
	}
}

func TestEnqueueOrderPreservedWithinNamespace(t *testing.T) {
	s, _ := Open(t.TempDir())
	r1, _ := s.Enqueue("default", "sess1", "", "first", "", TaskReadInfo)
	r2, _ := s.Enqueue("default", "sess1", "", "second", "", TaskReadInfo)
	r3, _ := s.Enqueue("default", "sess2", "", "third", "", TaskReadInfo)

	list := s.List(Filter{})
	if len(list) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(list))
	}
	if list[0].TaskID != r1.TaskID || list[1].TaskID != r2.TaskID || list[2].TaskID != r3.TaskID {
		t.Fatalf("enqueue order not preserved: %+v", list)
	}
}

func TestUpdateStatusRefusesTerminalRegression(t *testing.T) {
	s, _ := Open(t.TempDir())
	rec, _ := s.Enqueue("default", "sess1", "", "x", "", TaskReadInfo)

	if _, err := s.UpdateStatus(rec.TaskID, StatusComplete, "", "done"); err != nil {
		t.Fatalf("UpdateStatus to COMPLETE: %v", err)
	}

	_, err := s.UpdateStatus(rec.TaskID, StatusRunning, "", "")
	if err == nil {
		t.Fatalf("expected error regressing out of terminal status")
	}
	var terminalErr *ErrTerminal
	if !errorsAs(err, &terminalErr) {
		t.Fatalf("expected ErrTerminal, got %v (%T)", err, err)
	}
}

func errorsAs(err error, target **ErrTerminal) bool {
	if e, ok := err.(*ErrTerminal); ok {
		*target = e
		return true
	}
	return false
}

func TestUpdateStatusMonotonicUpdatedAt(t *testing.T) {
	s, _ := Open(t.TempDir())
	rec, _ := s.Enqueue("default", "sess1", "", "x", "", TaskReadInfo)
	created := rec.UpdatedAt

	r2, err := s.UpdateStatus(rec.TaskID, StatusRunning, "", "")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !r2.UpdatedAt.After(created) {
		t.Fatalf("updated_at did not advance")
	}

	r3, err := s.UpdateStatus(rec.TaskID, StatusComplete, "", "done")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !r3.UpdatedAt.After(r2.UpdatedAt) {
		t.Fatalf("updated_at not strictly monotonic: %v -> %v", r2.UpdatedAt, r3.UpdatedAt)
	}
	if r3.CompletedAt.IsZero() {
		t.Fatalf("expected completed_at to be set on terminal transition")
	}
}

func TestPersistenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	s1, _ := Open(dir)
	rec, _ := s1.Enqueue("default", "sess1", "", "persisted", "", TaskImplementation)
	if _, err := s1.UpdateStatus(rec.TaskID, StatusRunning, "", ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := s2.GetItem(rec.TaskID)
	if !ok {
		t.Fatalf("task not found after reload")
	}
	if got.Status != StatusRunning || got.Prompt != "persisted" {
		t.Fatalf("reloaded record mismatch: %+v", got)
	}

	indexPath := filepath.Join(dir, "sessions", "sess1", "index.json")
	if _, err := time.Parse(time.RFC3339, got.CreatedAt.Format(time.RFC3339)); err != nil {
		t.Fatalf("created_at not a valid timestamp")
	}
	_ = indexPath
}

func TestListFilterByStatus(t *testing.T) {
	s, _ := Open(t.TempDir())
	r1, _ := s.Enqueue("default", "sess1", "", "a", "", TaskReadInfo)
	r2, _ := s.Enqueue("default", "sess1", "", "b", "", TaskReadInfo)
	if _, err := s.UpdateStatus(r1.TaskID, StatusComplete, "", "ok"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	completed := s.List(Filter{Status: StatusComplete})
	if len(completed) != 1 || completed[0].TaskID != r1.TaskID {
		t.Fatalf("expected only r1 in completed filter, got %+v", completed)
	}
	queued := s.List(Filter{Status: StatusQueued})
	if len(queued) != 1 || queued[0].TaskID != r2.TaskID {
		t.Fatalf("expected only r2 in queued filter, got %+v", queued)
	}
}
