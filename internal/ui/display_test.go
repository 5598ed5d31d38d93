package ui

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pm-runner/orunner/internal/types"
)

// --- runeWidth ---

func TestRuneWidth_ASCIIIsOneColumn(t *testing.T) {
	for _, r := range "abcdefghijklmnopqrstuvwxyz0123456789 !@#" {
		if got := runeWidth(r); got != 1 {
			t.Errorf("runeWidth(%q) = %d, want 1", r, got)
		}
	}
}

func TestRuneWidth_CJKUnifiedIdeographsAreTwoColumns(t *testing.T) {
	for _, r := range "重新执行命令文件" {
		if got := runeWidth(r); got != 2 {
			t.Errorf("runeWidth(%q U+%04X) = %d, want 2", r, r, got)
		}
	}
}

func TestRuneWidth_HangulSyllablesAreTwoColumns(t *testing.T) {
	for _, r := range "한글" {
		if got := runeWidth(r); got != 2 {
			t.Errorf("runeWidth(%q U+%04X) = %d, want 2", r, r, got)
		}
	}
}

// --- clipCols ---

func TestClipCols_UnchangedWhenWithinLimit(t *testing.T) {
	s := "hello"
	if got := clipCols(s, 10); got != s {
		t.Errorf("clipCols(%q, 10) = %q, want unchanged", s, got)
	}
}

func TestClipCols_TruncatesAtColumnBoundaryForCJK(t *testing.T) {
	// "重新执行命令" = 6 CJK runes = 12 cols; clip to 8 cols must fit within it.
	s := "重新执行命令"
	got := clipCols(s, 8)
	runes := []rune(got)
	if runes[len(runes)-1] != '…' {
		t.Errorf("clipCols CJK: expected trailing …, got %q", got)
	}
	content := string(runes[:len(runes)-1])
	cols := 0
	for _, r := range content {
		cols += runeWidth(r)
	}
	if cols > 8 {
		t.Errorf("clipCols CJK: content is %d cols, want <= 8", cols)
	}
}

func TestClipCols_AppendsEllipsisOnlyWhenTrimmed(t *testing.T) {
	short := "ok"
	if got := clipCols(short, 10); strings.Contains(got, "…") {
		t.Errorf("clipCols: unexpected … in unchanged result %q", got)
	}
	long := strings.Repeat("a", 20)
	if got := clipCols(long, 10); !strings.HasSuffix(got, "…") {
		t.Errorf("clipCols: expected … suffix for truncated result, got %q", got)
	}
}

// --- isTerminalKind ---

func TestIsTerminalKind(t *testing.T) {
	terminal := []types.EventKind{
		types.EventComplete, types.EventError, types.EventMaxRetries,
		types.EventNoEvidence, types.EventInvalid, types.EventTimeout,
	}
	for _, k := range terminal {
		if !isTerminalKind(k) {
			t.Errorf("isTerminalKind(%q) = false, want true", k)
		}
	}
	nonTerminal := []types.EventKind{types.EventStarted, types.EventStopped, types.EventCheck, types.EventRetry}
	for _, k := range nonTerminal {
		if isTerminalKind(k) {
			t.Errorf("isTerminalKind(%q) = true, want false", k)
		}
	}
}

// --- Display task lifecycle ---

func newTestDisplay() (*Display, chan types.Event) {
	ch := make(chan types.Event, 16)
	return New(ch), ch
}

func TestDisplay_OpenTask_RegistersTask(t *testing.T) {
	d, _ := newTestDisplay()
	d.handle(types.Event{Kind: types.EventStarted, TaskID: "t1"})
	d.mu.Lock()
	_, ok := d.tasks["t1"]
	d.mu.Unlock()
	if !ok {
		t.Fatal("expected task t1 to be registered after EventStarted")
	}
}

func TestDisplay_CloseTask_RemovesTask(t *testing.T) {
	d, _ := newTestDisplay()
	d.handle(types.Event{Kind: types.EventStarted, TaskID: "t1"})
	d.handle(types.Event{Kind: types.EventComplete, TaskID: "t1"})
	d.mu.Lock()
	_, ok := d.tasks["t1"]
	n := len(d.tasks)
	d.mu.Unlock()
	if ok {
		t.Fatal("expected task t1 to be removed after EventComplete")
	}
	if n != 0 {
		t.Fatalf("expected 0 tasks open, got %d", n)
	}
}

func TestDisplay_UpdateTask_DoesNotRegisterUnknownTask(t *testing.T) {
	d, _ := newTestDisplay()
	// Retry for a task that was never opened (e.g. stale event) must not panic
	// or create a phantom entry.
	d.handle(types.Event{Kind: types.EventRetry, TaskID: "ghost"})
	d.mu.Lock()
	n := len(d.tasks)
	d.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected 0 tasks, got %d", n)
	}
}

func TestDisplay_MultipleConcurrentTasksTrackedIndependently(t *testing.T) {
	d, _ := newTestDisplay()
	d.handle(types.Event{Kind: types.EventStarted, TaskID: "t1"})
	d.handle(types.Event{Kind: types.EventStarted, TaskID: "t2"})
	d.mu.Lock()
	n := len(d.tasks)
	d.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 concurrently open tasks, got %d", n)
	}
	d.handle(types.Event{Kind: types.EventError, TaskID: "t1"})
	d.mu.Lock()
	_, t1Open := d.tasks["t1"]
	_, t2Open := d.tasks["t2"]
	d.mu.Unlock()
	if t1Open {
		t.Error("t1 should be closed")
	}
	if !t2Open {
		t.Error("t2 should still be open")
	}
}

func TestDisplay_WaitIdle_ReturnsImmediatelyWhenNoTasksOpen(t *testing.T) {
	d, _ := newTestDisplay()
	start := time.Now()
	d.WaitIdle(2 * time.Second)
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("WaitIdle should return immediately when no tasks are open")
	}
}

func TestDisplay_WaitIdle_UnblocksWhenTaskCloses(t *testing.T) {
	d, _ := newTestDisplay()
	d.handle(types.Event{Kind: types.EventStarted, TaskID: "t1"})
	done := make(chan struct{})
	go func() {
		d.WaitIdle(2 * time.Second)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	d.handle(types.Event{Kind: types.EventComplete, TaskID: "t1"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not unblock after task closed")
	}
}

func TestDisplay_AbortClearsAllOpenTasks(t *testing.T) {
	d, _ := newTestDisplay()
	d.handle(types.Event{Kind: types.EventStarted, TaskID: "t1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	d.Abort()
	var n int
	var sup bool
	deadline := time.Now().Add(time.Second)
	for {
		d.mu.Lock()
		n = len(d.tasks)
		sup = d.suppressed
		d.mu.Unlock()
		if (n == 0 && sup) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n != 0 || !sup {
		t.Fatalf("expected tasks cleared and suppressed=true, got n=%d suppressed=%v", n, sup)
	}
}

func TestDisplay_SupervisorLevelEventDoesNotOpenTaskBox(t *testing.T) {
	d, _ := newTestDisplay()
	d.handle(types.Event{Kind: types.EventStarted, TaskID: ""})
	d.mu.Lock()
	n := len(d.tasks)
	d.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected supervisor-level event (empty task_id) to open no task box, got %d open", n)
	}
}
