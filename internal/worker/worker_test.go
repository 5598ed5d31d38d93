package worker

import (
	"context"
	"testing"
	"time"

	"github.com/pm-runner/orunner/internal/bus"
	"github.com/pm-runner/orunner/internal/completion"
	"github.com/pm-runner/orunner/internal/config"
	"github.com/pm-runner/orunner/internal/evidence"
	"github.com/pm-runner/orunner/internal/executor"
	"github.com/pm-runner/orunner/internal/executor/stub"
	"github.com/pm-runner/orunner/internal/prompt"
	"github.com/pm-runner/orunner/internal/queue"
)

func newTestWorker(t *testing.T, exec executor.Executor) (*Worker, *queue.Store) {
	t.Helper()
	store, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	rec := evidence.New(t.TempDir())
	cfg := config.Default()
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	w := New(store, prompt.New(), exec, rec, bus.New(), cfg, true, 10*time.Millisecond)
	return w, store
}

func waitTerminal(t *testing.T, store *queue.Store, taskID string) queue.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok := store.GetItem(taskID)
		if ok && (rec.Status.Terminal() || rec.Status == queue.StatusAwaitingResponse || rec.Status == queue.StatusBlocked) {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a stopping status", taskID)
	return queue.TaskRecord{}
}

func TestWorkerCompletesSuccessfulTask(t *testing.T) {
	w, store := newTestWorker(t, stub.NewSuccess("done"))
	rec, err := store.Enqueue("default", "sess1", "", "show me the readme", "", queue.TaskReadInfo)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusComplete {
		t.Fatalf("expected COMPLETE, got %v (error=%q)", final.Status, final.Error)
	}
	if final.Output != "done" {
		t.Fatalf("expected output to be recorded, got %q", final.Output)
	}
}

func TestWorkerFailsClosedWithoutAPIKey(t *testing.T) {
	s := stub.NewSuccess("done")
	w, store := newTestWorker(t, s)
	w.APIKeyPresent = false
	rec, _ := store.Enqueue("default", "sess1", "", "show me the readme", "", queue.TaskReadInfo)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusError {
		t.Fatalf("expected ERROR without an API key, got %v", final.Status)
	}
	if final.Error != "API key not configured" {
		t.Fatalf("expected the pre-dispatch gate reason, got %q", final.Error)
	}
	if s.CallCount() != 0 {
		t.Fatalf("expected the executor never to be called without an API key, got %d calls", s.CallCount())
	}
}

func TestWorkerBreachingResourceLimitsGoesIncomplete(t *testing.T) {
	w, store := newTestWorker(t, stub.NewFixed(executor.Result{
		Status:        executor.StatusComplete,
		Output:        "done",
		FilesModified: make([]string, 1000),
	}))
	rec, _ := store.Enqueue("default", "sess1", "", "touch a lot of files", "", queue.TaskImplementation)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusIncomplete {
		t.Fatalf("expected a resource-limit breach to resolve INCOMPLETE, not ERROR, got %v", final.Status)
	}
	if final.TerminatedBy != "resource_limit" {
		t.Fatalf("expected terminated_by=resource_limit, got %q", final.TerminatedBy)
	}
	found := false
	for _, ev := range final.ProgressEvents {
		if ev.Kind == "resource_limit_violation" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a resource_limit_violation progress event, got %+v", final.ProgressEvents)
	}
}

func TestWorkerRecordsRunMetadata(t *testing.T) {
	w, store := newTestWorker(t, stub.NewFixed(executor.Result{
		Status: executor.StatusComplete, Output: "done", FilesModified: []string{"a.go"},
	}))
	rec, _ := store.Enqueue("default", "sess1", "", "add a helper", "", queue.TaskImplementation)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusComplete {
		t.Fatalf("expected COMPLETE, got %v", final.Status)
	}
	if final.RunID == "" {
		t.Fatalf("expected run_id to be recorded")
	}
	if final.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", final.AttemptCount)
	}
	if final.DetectedTaskType != queue.TaskImplementation {
		t.Fatalf("expected detected_task_type IMPLEMENTATION, got %v", final.DetectedTaskType)
	}
	if len(final.FilesModified) != 1 || final.FilesModified[0] != "a.go" {
		t.Fatalf("expected files_modified to be recorded, got %v", final.FilesModified)
	}
}

func TestWorkerBlockedTaskSetsBlockedReason(t *testing.T) {
	w, store := newTestWorker(t, stub.NewFixed(executor.Result{Status: executor.StatusBlocked, Output: "refusing"}))
	rec, _ := store.Enqueue("default", "sess1", "", "rm -rf the production database", "", queue.TaskDangerousOp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusBlocked {
		t.Fatalf("expected BLOCKED, got %v", final.Status)
	}
	if final.BlockedReason != "refusing" {
		t.Fatalf("expected blocked_reason to carry the refusal, got %q", final.BlockedReason)
	}
}

func TestWorkerPromotesBlockedToIncompleteForNonDangerousTask(t *testing.T) {
	w, store := newTestWorker(t, stub.NewFixed(executor.Result{Status: executor.StatusBlocked, Output: "needs approval"}))
	rec, _ := store.Enqueue("default", "sess1", "", "add a helper function", "", queue.TaskImplementation)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusIncomplete {
		t.Fatalf("expected Guard promotion to INCOMPLETE, got %v", final.Status)
	}
}

func TestWorkerLeavesDangerousTaskBlocked(t *testing.T) {
	w, store := newTestWorker(t, stub.NewFixed(executor.Result{Status: executor.StatusBlocked, Output: "refusing"}))
	rec, _ := store.Enqueue("default", "sess1", "", "rm -rf the production database", "", queue.TaskDangerousOp)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusBlocked {
		t.Fatalf("expected BLOCKED to remain for a dangerous task, got %v", final.Status)
	}
}

func TestWorkerRetriesTransientFailureThenSucceeds(t *testing.T) {
	s := &stub.Stub{Responses: []executor.Result{
		{Status: executor.StatusError, Err: &executor.StructuredError{Kind: executor.FailureTransient, Message: "timeout"}},
		{Status: executor.StatusComplete, Output: "done"},
	}}
	w, store := newTestWorker(t, s)
	rec, _ := store.Enqueue("default", "sess1", "", "show the log file", "", queue.TaskReadInfo)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusComplete {
		t.Fatalf("expected eventual COMPLETE, got %v", final.Status)
	}
	if s.CallCount() < 2 {
		t.Fatalf("expected at least 2 executor calls, got %d", s.CallCount())
	}
}

func TestWorkerDoesNotRetryFatalFailure(t *testing.T) {
	s := &stub.Stub{Responses: []executor.Result{
		{Status: executor.StatusError, Err: &executor.StructuredError{Kind: executor.FailureFatal, Message: "bad request"}},
		{Status: executor.StatusComplete, Output: "should never run"},
	}}
	w, store := newTestWorker(t, s)
	rec, _ := store.Enqueue("default", "sess1", "", "show the log file", "", queue.TaskReadInfo)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusError {
		t.Fatalf("expected ERROR for a fatal failure, got %v", final.Status)
	}
	if s.CallCount() != 1 {
		t.Fatalf("expected exactly 1 executor call for a fatal failure, got %d", s.CallCount())
	}
}

func TestWorkerAwaitsResponseOnPendingQuestion(t *testing.T) {
	w, store := newTestWorker(t, stub.NewSuccess("Which branch should I target?"))
	rec, _ := store.Enqueue("default", "sess1", "", "show me the readme", "", queue.TaskReadInfo)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusAwaitingResponse {
		t.Fatalf("expected AWAITING_RESPONSE for a pending question, got %v", final.Status)
	}
}

// echoRunIDExecutor returns scripted output but stamps each gate's run_id
// from the incoming request, since the worker mints a fresh run_id per
// attempt and the CompletionProtocol rejects any gate whose run_id
// doesn't match.
type echoRunIDExecutor struct {
	outputs []string
	failing []bool
	seen    []executor.Request
	calls   int
}

func (e *echoRunIDExecutor) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	e.seen = append(e.seen, req)
	idx := e.calls
	if idx >= len(e.outputs) {
		idx = len(e.outputs) - 1
	}
	e.calls++
	gate := completion.QAGateResult{GateName: "unit", RunID: req.RunID}
	if e.failing[idx] {
		gate.Failing = 1
	} else {
		gate.Passing = 1
	}
	return executor.Result{Status: executor.StatusComplete, Output: e.outputs[idx], Gates: []completion.QAGateResult{gate}}, nil
}

func TestWorkerRejectsThenRetriesWithModificationPrompt(t *testing.T) {
	s := &echoRunIDExecutor{outputs: []string{"v1", "v2"}, failing: []bool{true, false}}
	w, store := newTestWorker(t, s)
	rec, _ := store.Enqueue("default", "sess1", "", "implement the feature", "", queue.TaskImplementation)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.Run(ctx)

	final := waitTerminal(t, store, rec.TaskID)
	if final.Status != queue.StatusComplete {
		t.Fatalf("expected eventual COMPLETE after the rejected gate, got %v (error=%q)", final.Status, final.Error)
	}
	if s.calls < 2 {
		t.Fatalf("expected a retry after a failing gate, got %d calls", s.calls)
	}
	if len(s.seen) >= 2 && s.seen[1].Prompt == s.seen[0].Prompt {
		t.Fatalf("expected the retried prompt to include the modification prompt")
	}
}

func TestDetectTaskTypeDefaultsToReadInfo(t *testing.T) {
	if got := detectTaskType("what is the weather like"); got != queue.TaskReadInfo {
		t.Fatalf("expected READ_INFO default, got %v", got)
	}
	if got := detectTaskType("implement a retry queue"); got != queue.TaskImplementation {
		t.Fatalf("expected IMPLEMENTATION, got %v", got)
	}
	if got := detectTaskType("force-push to main"); got != queue.TaskDangerousOp {
		t.Fatalf("expected DANGEROUS_OP, got %v", got)
	}
}

func TestHasPendingQuestion(t *testing.T) {
	if !hasPendingQuestion("") {
		t.Fatalf("empty response should be pending")
	}
	if !hasPendingQuestion("Should I proceed?") {
		t.Fatalf("trailing ? should be pending")
	}
	if hasPendingQuestion("Here is the summary you asked for.") {
		t.Fatalf("a plain statement should not be pending")
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	policy := config.RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 4 * time.Second}
	if d := nextBackoff(1, policy); d != time.Second {
		t.Fatalf("attempt 1: expected 1s, got %v", d)
	}
	if d := nextBackoff(2, policy); d != 2*time.Second {
		t.Fatalf("attempt 2: expected 2s, got %v", d)
	}
	if d := nextBackoff(3, policy); d != 4*time.Second {
		t.Fatalf("attempt 3: expected capped 4s, got %v", d)
	}
	if d := nextBackoff(10, policy); d != 4*time.Second {
		t.Fatalf("attempt 10: expected capped 4s, got %v", d)
	}
}

func TestNewRunIDIsMonotonicallyIncreasing(t *testing.T) {
	a := NewRunID("task-1", "do a thing")
	b := NewRunID("task-1", "do a thing")
	if a == b {
		t.Fatalf("expected distinct run ids, got identical %q", a)
	}
	if a >= b {
		t.Fatalf("expected lexicographically increasing run ids, got %q then %q", a, b)
	}
}
