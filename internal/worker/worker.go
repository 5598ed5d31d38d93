// Package worker implements the TaskWorker: the single-consumer loop that
// drains QUEUED tasks from a QueueStore in enqueue order, assembles each
// one's prompt, invokes the Executor contract, verifies evidence, and
// drives the task to a terminal or AWAITING_RESPONSE status.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pm-runner/orunner/internal/bus"
	"github.com/pm-runner/orunner/internal/completion"
	"github.com/pm-runner/orunner/internal/config"
	"github.com/pm-runner/orunner/internal/evidence"
	"github.com/pm-runner/orunner/internal/executor"
	"github.com/pm-runner/orunner/internal/prompt"
	"github.com/pm-runner/orunner/internal/queue"
	"github.com/pm-runner/orunner/internal/tasklog"
	"github.com/pm-runner/orunner/internal/types"
)

// groupState is the per-ThreadID (group_id) working memory the worker
// folds into each task's prompt.GroupContext (§4.3 step 2).
type groupState struct {
	workingFiles   []string
	lastResult     *prompt.LastTaskResult
	history        []prompt.ConversationEntry
}

// Worker is the TaskWorker. It owns no long-lived lock across executor
// I/O: the queue.Store's own per-task mutex is the only serialisation
// point, so concurrent Workers (or a Worker and a REPL reader) never
// block on an in-flight executor call.
type Worker struct {
	Store     *queue.Store
	Assembler *prompt.Assembler
	Executor  executor.Executor
	Evidence  *evidence.Recorder
	Bus       *bus.Bus
	Config    config.Config
	TaskLogs  *tasklog.Registry // optional; nil disables diagnostic logging

	APIKeyPresent bool // Double Execution Gate 1: whether a real LLM API key is configured

	GlobalPrelude string
	Template      prompt.Template

	mu     sync.Mutex
	groups map[string]*groupState

	// callIDs remembers, per run_id, which evidence call_ids belong to
	// it, so the Double Execution Gate can be checked without re-walking
	// every evidence file on disk.
	callMu  sync.Mutex
	callIDs map[string][]string

	pollInterval time.Duration
}

// New constructs a Worker. pollInterval governs how often the consumer
// loop scans for newly queued work (the loop has no other wake-up);
// callers typically pass a few hundred milliseconds.
func New(store *queue.Store, asm *prompt.Assembler, exec executor.Executor, rec *evidence.Recorder, b *bus.Bus, cfg config.Config, apiKeyPresent bool, pollInterval time.Duration) *Worker {
	return &Worker{
		Store:         store,
		Assembler:     asm,
		Executor:      exec,
		Evidence:      rec,
		Bus:           b,
		Config:        cfg,
		APIKeyPresent: apiKeyPresent,
		groups:        make(map[string]*groupState),
		callIDs:       make(map[string][]string),
		pollInterval:  pollInterval,
	}
}

// Run drives the consumer loop until ctx is cancelled: scan for QUEUED
// tasks in enqueue order, process the first one found, repeat. A single
// Worker processes tasks one at a time, honoring the enqueue-order
// invariant; run multiple Workers against the same Store for parallelism
// up to Config.ParallelLimits.Executors.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes every currently-QUEUED task once, in enqueue order,
// stopping early if ctx is cancelled mid-batch.
func (w *Worker) drain(ctx context.Context) {
	for {
		queued := w.Store.List(queue.Filter{Status: queue.StatusQueued})
		if len(queued) == 0 {
			return
		}
		if ctx.Err() != nil {
			return
		}
		w.processOne(ctx, queued[0])
	}
}

// processOne runs one task through to a terminal or AWAITING_RESPONSE
// status, including its full retry loop (§4.3 steps 1-7).
func (w *Worker) processOne(ctx context.Context, rec queue.TaskRecord) {
	w.emit(types.EventStarted, rec.TaskID, "")
	if w.TaskLogs != nil {
		w.TaskLogs.Open(rec.TaskID, rec.Prompt)
	}

	detected := rec.TaskType
	if detected == "" {
		detected = detectTaskType(rec.Prompt)
	}
	if _, err := w.Store.UpdateMeta(rec.TaskID, func(r *queue.TaskRecord) { r.DetectedTaskType = detected }); err != nil {
		slog.Warn("worker: record detected_task_type failed", "task_id", rec.TaskID, "error", err)
	}

	if _, err := w.Store.UpdateStatus(rec.TaskID, queue.StatusRunning, "", ""); err != nil {
		w.emit(types.EventError, rec.TaskID, err.Error())
		return
	}

	var rejection *prompt.Rejection
	var lastErr error
	maxAttempts := w.Config.Retry.MaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runID := NewRunID(rec.TaskID, rec.Prompt)
		if updated, err := w.Store.UpdateMeta(rec.TaskID, func(r *queue.TaskRecord) {
			r.RunID = runID
			r.AttemptCount++
		}); err != nil {
			slog.Warn("worker: record attempt metadata failed", "task_id", rec.TaskID, "error", err)
			rec, _ = w.Store.GetItem(rec.TaskID)
		} else {
			rec = updated
		}

		result, execErr := w.attempt(ctx, rec, detected, runID, rejection)
		lastErr = execErr

		if execErr != nil {
			w.emit(types.EventError, rec.TaskID, execErr.Error())
			if le, ok := execErr.(*limitError); ok {
				w.incomplete(rec.TaskID, le.Error())
				return
			}
			if isFatal(execErr) {
				w.fail(rec.TaskID, execErr.Error(), terminationReason(execErr))
				return
			}
			if attempt == maxAttempts {
				break
			}
			w.emit(types.EventRetry, rec.TaskID, execErr.Error())
			if w.TaskLogs != nil {
				w.TaskLogs.Get(rec.TaskID).Retry(attempt, execErr.Error())
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextBackoff(attempt, w.Config.Retry)):
			}
			continue
		}

		done, rej := w.finish(rec, detected, runID, result)
		if done {
			return
		}
		rejection = rej
		if attempt == maxAttempts {
			break
		}
		w.emit(types.EventRetry, rec.TaskID, "rejected, retrying with modification prompt")
		if w.TaskLogs != nil {
			w.TaskLogs.Get(rec.TaskID).Retry(attempt, "rejected by completion gate")
		}
	}

	w.emit(types.EventMaxRetries, rec.TaskID, "")
	msg := "max retry attempts exhausted"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	w.fail(rec.TaskID, msg, "max_retries")
}

// attempt assembles the prompt, checks the Double Execution Gate, and
// invokes the Executor once. Gates 1 and 2 (API key, evidence directory)
// are checked before dispatch: on failure the executor is never invoked
// and no evidence is written (§4.3 step 4, scenario S6).
func (w *Worker) attempt(ctx context.Context, rec queue.TaskRecord, taskType queue.TaskType, runID string, rejection *prompt.Rejection) (executor.Result, error) {
	group := w.groupContext(rec.ThreadID)

	assembled, _, err := w.Assembler.Assemble(w.GlobalPrelude, w.Template, group, rec.Prompt, rejection)
	if err != nil {
		return executor.Result{}, fmt.Errorf("worker: assemble prompt: %w", err)
	}

	if ok, reason := w.preDispatchGate(); !ok {
		return executor.Result{}, &gateError{reason}
	}

	req := executor.Request{
		Prompt:        assembled,
		TaskID:        rec.TaskID,
		SessionID:     rec.SessionID,
		RunID:         runID,
		Model:         w.Config.Model,
		MaxDurationMs: int64(w.Config.TaskLimits.Seconds) * 1000,
	}

	callID := uuid.New().String()
	callStart := time.Now()
	result, err := w.Executor.Execute(ctx, req)
	duration := time.Since(callStart)

	ev := evidence.LLMEvidence{
		CallID:     callID,
		Provider:   w.Config.Provider,
		Model:      w.Config.Model,
		DurationMs: duration.Milliseconds(),
	}
	reqHash, hashErr := evidence.RequestHash([]evidence.Message{{Role: "user", Content: assembled}})
	if hashErr == nil {
		ev.RequestHash = reqHash
	}
	if err != nil {
		ev.Success = false
		ev.Error = err.Error()
	} else {
		ev.Success = result.Status == executor.StatusComplete
		if result.Err != nil {
			ev.Error = result.Err.Message
		} else {
			ev.ResponseHash = evidence.ResponseHash(result.Output)
		}
	}
	if recErr := w.Evidence.Record(ev); recErr != nil {
		slog.Warn("worker: record evidence failed", "task_id", rec.TaskID, "error", recErr)
	} else {
		w.trackCall(runID, callID)
	}
	if err == nil {
		if _, uerr := w.Store.UpdateMeta(rec.TaskID, func(r *queue.TaskRecord) {
			r.Usage.PromptTokens += result.PromptTokens
			r.Usage.CompletionTokens += result.CompletionTokens
		}); uerr != nil {
			slog.Warn("worker: record usage failed", "task_id", rec.TaskID, "error", uerr)
		}
	}
	if w.TaskLogs != nil {
		w.TaskLogs.Get(rec.TaskID).LLMCall(runID, callID, assembled, result.Output, result.PromptTokens, result.CompletionTokens)
		for _, g := range result.Gates {
			w.TaskLogs.Get(rec.TaskID).GateVerdict(g.GateName, g.Passing, g.Failing, g.Skipped)
		}
	}

	if err != nil {
		return executor.Result{}, fmt.Errorf("worker: executor: %w", err)
	}
	if result.Err != nil && result.Err.Kind == executor.FailureFatal {
		return result, &structuredFatal{result.Err.Message}
	}
	if result.Err != nil && result.Err.Kind == executor.FailureTransient {
		return result, &structuredTransient{result.Err.Message}
	}
	if err := checkLimits(rec, resultLike{FilesModified: result.FilesModified, TestsRun: result.TestsRun}, duration, w.Config.TaskLimits); err != nil {
		return result, err
	}
	return result, nil
}

// finish interprets one successful Executor call's result against the
// Double Execution Gate and the task's type, updating the QueueStore and
// returning whether the task reached a stopping point (terminal or
// AWAITING_RESPONSE) this attempt, plus a Rejection to retry with if not.
func (w *Worker) finish(rec queue.TaskRecord, taskType queue.TaskType, runID string, result executor.Result) (done bool, rejection *prompt.Rejection) {
	w.updateGroup(rec.ThreadID, result, rec.Prompt)

	switch result.Status {
	case executor.StatusBlocked:
		if taskType == queue.TaskDangerousOp {
			w.blockTask(rec.TaskID, result.Output)
			return true, nil
		}
		// Guard promotion: a non-dangerous task that comes back BLOCKED is
		// promoted to INCOMPLETE rather than left BLOCKED (§4.3 step 7).
		w.complete(rec.TaskID, queue.StatusIncomplete, result)
		return true, nil

	case executor.StatusAwaitingResponse:
		w.store(rec.TaskID, queue.StatusAwaitingResponse, result)
		w.emit(types.EventComplete, rec.TaskID, "awaiting_response")
		return true, nil

	case executor.StatusComplete:
		gate := w.gate(runID)
		if !gate.Passed() {
			w.emit(types.EventNoEvidence, rec.TaskID, gate.Reason())
			w.fail(rec.TaskID, gate.Reason(), "no_evidence")
			return true, nil
		}
		if (taskType == queue.TaskReadInfo || taskType == queue.TaskReport) && hasPendingQuestion(result.Output) {
			w.store(rec.TaskID, queue.StatusAwaitingResponse, result)
			w.emit(types.EventComplete, rec.TaskID, "awaiting_response")
			return true, nil
		}
		proto := completion.NewProtocol(runID)
		verdict, err := proto.Judge(result.Gates)
		if err != nil {
			w.emit(types.EventInvalid, rec.TaskID, err.Error())
			w.fail(rec.TaskID, err.Error(), "invalid_verdict")
			return true, nil
		}
		if verdict.FinalStatus == completion.StatusFailing {
			return false, &prompt.Rejection{DetectedIssues: verdict.FailingGates, OriginalTask: rec.Prompt}
		}
		w.complete(rec.TaskID, queue.StatusComplete, result)
		w.emit(types.EventComplete, rec.TaskID, "")
		return true, nil

	default: // executor.StatusError
		return false, nil
	}
}

func (w *Worker) gate(runID string) completion.DoubleExecutionGate {
	w.callMu.Lock()
	ids := append([]string(nil), w.callIDs[runID]...)
	w.callMu.Unlock()
	return completion.DoubleExecutionGate{
		APIKeyPresent:              w.APIKeyPresent,
		EvidenceWritable:           w.Evidence.EnsureWritable() == nil,
		HasVerifiedSuccessEvidence: w.Evidence.CanAssertComplete(ids),
	}
}

func (w *Worker) trackCall(runID, callID string) {
	w.callMu.Lock()
	w.callIDs[runID] = append(w.callIDs[runID], callID)
	w.callMu.Unlock()
}

func (w *Worker) complete(taskID string, status queue.Status, result executor.Result) {
	w.store(taskID, status, result)
}

func (w *Worker) blockTask(taskID, reason string) {
	if _, err := w.Store.UpdateMeta(taskID, func(r *queue.TaskRecord) { r.BlockedReason = reason }); err != nil {
		slog.Warn("worker: record blocked_reason failed", "task_id", taskID, "error", err)
	}
	if _, err := w.Store.UpdateStatus(taskID, queue.StatusBlocked, "", ""); err != nil {
		slog.Warn("worker: update status to BLOCKED failed", "task_id", taskID, "error", err)
	}
	w.closeLog(taskID, queue.StatusBlocked)
}

// fail moves a task to ERROR. terminatedBy classifies the cause
// ("fatal_error", "no_evidence", "invalid_verdict", "gate", "max_retries")
// and is recorded on the task record alongside the human-readable reason.
func (w *Worker) fail(taskID, reason, terminatedBy string) {
	if _, err := w.Store.UpdateMeta(taskID, func(r *queue.TaskRecord) { r.TerminatedBy = terminatedBy }); err != nil {
		slog.Warn("worker: record terminated_by failed", "task_id", taskID, "error", err)
	}
	if _, err := w.Store.UpdateStatus(taskID, queue.StatusError, reason, ""); err != nil {
		slog.Warn("worker: update status to ERROR failed", "task_id", taskID, "error", err)
	}
	w.closeLog(taskID, queue.StatusError)
}

// incomplete moves a task to INCOMPLETE after a resource-limit or
// per-task timeout breach (§4.3, §7), recording a violation event rather
// than treating the breach as a fatal error.
func (w *Worker) incomplete(taskID, reason string) {
	if _, err := w.Store.UpdateMeta(taskID, func(r *queue.TaskRecord) { r.TerminatedBy = "resource_limit" }); err != nil {
		slog.Warn("worker: record terminated_by failed", "task_id", taskID, "error", err)
	}
	if err := w.Store.AppendEvent(taskID, queue.ProgressEvent{Kind: "resource_limit_violation", Payload: map[string]string{"reason": reason}}); err != nil {
		slog.Warn("worker: append resource_limit_violation event failed", "task_id", taskID, "error", err)
	}
	if _, err := w.Store.UpdateStatus(taskID, queue.StatusIncomplete, reason, ""); err != nil {
		slog.Warn("worker: update status to INCOMPLETE failed", "task_id", taskID, "error", err)
	}
	w.closeLog(taskID, queue.StatusIncomplete)
}

func (w *Worker) store(taskID string, status queue.Status, result executor.Result) {
	if len(result.FilesModified) > 0 {
		if err := w.Store.AppendEvent(taskID, queue.ProgressEvent{Kind: "tool_progress", Payload: map[string]any{"files_modified": result.FilesModified}}); err != nil {
			slog.Warn("worker: append files_modified event failed", "task_id", taskID, "error", err)
		}
		if _, err := w.Store.UpdateMeta(taskID, func(r *queue.TaskRecord) {
			r.FilesModified = mergeUnique(r.FilesModified, result.FilesModified)
		}); err != nil {
			slog.Warn("worker: record files_modified failed", "task_id", taskID, "error", err)
		}
	}
	if _, err := w.Store.UpdateStatus(taskID, status, "", result.Output); err != nil {
		slog.Warn("worker: update status failed", "task_id", taskID, "status", status, "error", err)
		return
	}
	if status.Terminal() || status == queue.StatusAwaitingResponse {
		w.closeLog(taskID, status)
	}
}

func (w *Worker) closeLog(taskID string, status queue.Status) {
	if w.TaskLogs != nil {
		w.TaskLogs.Close(taskID, string(status))
	}
}

func (w *Worker) emit(kind types.EventKind, taskID, cause string) {
	if w.Bus == nil {
		return
	}
	w.Bus.Publish(types.Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		TaskID:    taskID,
		Cause:     cause,
	})
}

func (w *Worker) groupContext(threadID string) prompt.GroupContext {
	if threadID == "" {
		return prompt.GroupContext{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.groups[threadID]
	if !ok {
		return prompt.GroupContext{GroupID: threadID}
	}
	return prompt.GroupContext{
		GroupID:        threadID,
		WorkingFiles:   append([]string(nil), g.workingFiles...),
		LastTaskResult: g.lastResult,
		History:        append([]prompt.ConversationEntry(nil), g.history...),
	}
}

func (w *Worker) updateGroup(threadID string, result executor.Result, input string) {
	if threadID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	g, ok := w.groups[threadID]
	if !ok {
		g = &groupState{}
		w.groups[threadID] = g
	}
	g.workingFiles = mergeUnique(g.workingFiles, result.FilesModified)
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Message
	}
	g.lastResult = &prompt.LastTaskResult{FilesModified: result.FilesModified, Error: errMsg}
	g.history = append(g.history, prompt.ConversationEntry{Input: input, Summary: result.Output})
}

func mergeUnique(existing, additions []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, e := range existing {
		seen[e] = true
	}
	for _, a := range additions {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// structuredFatal / structuredTransient wrap an executor-reported
// StructuredError so isFatal can distinguish them without importing
// executor's FailureKind into the retry path's error type switch.
type structuredFatal struct{ msg string }

func (e *structuredFatal) Error() string { return e.msg }

type structuredTransient struct{ msg string }

func (e *structuredTransient) Error() string { return e.msg }

// gateError signals a pre-dispatch Double Execution Gate failure (API key
// or evidence-directory check): the executor is never invoked and no
// evidence is written for this attempt (§4.3 step 4, scenario S6).
type gateError struct{ msg string }

func (e *gateError) Error() string { return e.msg }

// preDispatchGate checks Gates 1 and 2 of the Double Execution Gate
// before the executor is invoked. Gate 3 (verified-success evidence) can
// only be checked after a call completes and is checked in gate().
func (w *Worker) preDispatchGate() (ok bool, reason string) {
	if !w.APIKeyPresent {
		return false, "API key not configured"
	}
	if err := w.Evidence.EnsureWritable(); err != nil {
		return false, "evidence directory not writable"
	}
	return true, ""
}

// isFatal reports whether err should abort the retry loop immediately
// rather than backing off and trying again (§4.3 Retry policy: FATAL_ERROR
// is never retried). limitError is handled separately by the caller
// before isFatal is consulted, since it resolves to INCOMPLETE, not ERROR.
func isFatal(err error) bool {
	switch err.(type) {
	case *structuredFatal, *gateError:
		return true
	default:
		return false
	}
}

// terminationReason classifies err for TaskRecord.TerminatedBy.
func terminationReason(err error) string {
	switch err.(type) {
	case *gateError:
		return "gate"
	case *structuredFatal:
		return "fatal_error"
	default:
		return "error"
	}
}
