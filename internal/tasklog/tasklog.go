// Package tasklog provides per-task structured diagnostic logging for the
// orchestrator.
//
// Each task gets one JSONL file in a configurable directory. The worker
// logs LLM calls (full prompts and responses), gate verdicts, and
// retries. ToolCall writes tool_call events, but neither the worker nor
// the local executor calls it, so those events appear only when another
// caller writes them. The log is
// the diagnostic trail an operator reads to see why a task ended up
// where it did — it does not feed any scoring function.
//
// Design constraints:
//   - All TaskLog methods are nil-safe (no-op on nil receiver) so the
//     worker doesn't need nil checks before every log call.
//   - Registry is the sole owner of JSONL persistence; callers never open
//     files directly.
//   - The worker opens a log via Registry.Open when a task starts
//     running, and closes it via Registry.Close when the task reaches a
//     terminal or AWAITING_RESPONSE status.
package tasklog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind labels a single structured event in the task log.
type EventKind string

const (
	KindTaskBegin    EventKind = "task_begin"
	KindTaskEnd      EventKind = "task_end"
	KindLLMCall      EventKind = "llm_call"
	KindToolCall     EventKind = "tool_call"
	KindGateVerdict  EventKind = "gate_verdict"
	KindRetry        EventKind = "retry"
)

// Event is one JSONL line in the task log. Fields are omitempty so each
// event only serialises relevant data.
type Event struct {
	Kind      EventKind `json:"kind"`
	Timestamp string    `json:"ts"`

	// task_begin / task_end
	TaskID      string `json:"task_id,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Status      string `json:"status,omitempty"` // queue.Status the task stopped at (terminal, AWAITING_RESPONSE or BLOCKED)
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	TotalTokens int    `json:"total_tokens,omitempty"`

	// llm_call
	RunID            string `json:"run_id,omitempty"`
	CallID           string `json:"call_id,omitempty"`
	UserPrompt       string `json:"user_prompt,omitempty"`
	Response         string `json:"response,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`

	// tool_call
	Tool       string `json:"tool,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`
	ToolError  string `json:"tool_error,omitempty"`

	// gate_verdict
	GateName string `json:"gate_name,omitempty"`
	Passing  int    `json:"passing,omitempty"`
	Failing  int    `json:"failing,omitempty"`
	Skipped  int    `json:"skipped,omitempty"`

	// retry
	Attempt int    `json:"attempt,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// TaskLog is a handle for writing structured events for one task.
//
// Expectations:
//   - All methods are nil-safe (no-op when called on nil *TaskLog)
//   - Concurrent writes are safe (mutex-protected)
//   - TotalTokens returns the running sum of prompt+completion tokens
//     across all LLMCall events
type TaskLog struct {
	taskID           string
	started          time.Time
	mu               sync.Mutex
	f                *os.File
	promptTokens     int
	completionTokens int
}

// Registry maps task IDs to open TaskLogs. It is the sole authority for
// creating and closing task log files.
//
// Expectations:
//   - Open creates the log directory if absent
//   - Open writes a task_begin event as the first JSONL line
//   - Open returns the existing log without re-opening when called twice
//     for the same taskID (a retry attempt logs into the same file)
//   - Get returns nil for unknown task IDs
//   - Get returns the same pointer returned by Open for the same taskID
//   - Close writes task_end with status, elapsed_ms, total_tokens before
//     flushing
//   - Close removes the taskID from the registry so subsequent Get
//     returns nil
//   - Close no-ops gracefully when taskID is not registered
type Registry struct {
	dir  string
	mu   sync.Mutex
	logs map[string]*TaskLog
}

// NewRegistry creates a Registry that writes one JSONL file per task
// under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, logs: make(map[string]*TaskLog)}
}

// Open creates a new TaskLog for taskID, writes a task_begin event, and
// registers it. If a log for taskID is already open (e.g. a retry
// attempt), it returns the existing log.
func (r *Registry) Open(taskID, prompt string) *TaskLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tl, ok := r.logs[taskID]; ok {
		return tl
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		log.Printf("[TASKLOG] could not create dir %s: %v", r.dir, err)
		return nil
	}
	path := filepath.Join(r.dir, taskID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[TASKLOG] could not open %s: %v", path, err)
		return nil
	}

	tl := &TaskLog{taskID: taskID, started: time.Now(), f: f}
	r.logs[taskID] = tl
	tl.write(Event{
		Kind:   KindTaskBegin,
		TaskID: taskID,
		Prompt: prompt,
	})
	return tl
}

// Get returns the TaskLog for taskID, or nil if not found. Nil is safe
// to pass to all TaskLog methods.
func (r *Registry) Get(taskID string) *TaskLog {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs[taskID]
}

// Close writes a task_end event, flushes and closes the file, and
// removes the entry from the registry. Safe to call on a nil *Registry
// or unknown taskID.
func (r *Registry) Close(taskID, status string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	tl, ok := r.logs[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.logs, taskID)
	r.mu.Unlock()

	tl.mu.Lock()
	elapsed := time.Since(tl.started).Milliseconds()
	total := tl.promptTokens + tl.completionTokens
	tl.mu.Unlock()

	tl.write(Event{
		Kind:        KindTaskEnd,
		TaskID:      taskID,
		Status:      status,
		ElapsedMs:   elapsed,
		TotalTokens: total,
	})

	tl.mu.Lock()
	if tl.f != nil {
		_ = tl.f.Close()
		tl.f = nil
	}
	tl.mu.Unlock()
}

// LLMCall writes an llm_call event with the full prompt, response, and
// token counts for one Executor invocation.
func (tl *TaskLog) LLMCall(runID, callID, userPrompt, response string, promptToks, completionToks int) {
	if tl == nil {
		return
	}
	tl.mu.Lock()
	tl.promptTokens += promptToks
	tl.completionTokens += completionToks
	tl.mu.Unlock()
	tl.write(Event{
		Kind:             KindLLMCall,
		RunID:            runID,
		CallID:           callID,
		UserPrompt:       userPrompt,
		Response:         response,
		PromptTokens:     promptToks,
		CompletionTokens: completionToks,
	})
}

// ToolCall writes a tool_call event for one local command the Executor
// ran. toolError is empty on success.
func (tl *TaskLog) ToolCall(tool, toolInput, toolOutput, toolError string) {
	if tl == nil {
		return
	}
	tl.write(Event{
		Kind:       KindToolCall,
		Tool:       tool,
		ToolInput:  toolInput,
		ToolOutput: toolOutput,
		ToolError:  toolError,
	})
}

// GateVerdict writes a gate_verdict event for one QA gate's contribution
// to a completion judgment.
func (tl *TaskLog) GateVerdict(gateName string, passing, failing, skipped int) {
	if tl == nil {
		return
	}
	tl.write(Event{
		Kind:     KindGateVerdict,
		GateName: gateName,
		Passing:  passing,
		Failing:  failing,
		Skipped:  skipped,
	})
}

// Retry writes a retry event when the worker backs off and re-attempts
// a task.
func (tl *TaskLog) Retry(attempt int, reason string) {
	if tl == nil {
		return
	}
	tl.write(Event{
		Kind:    KindRetry,
		Attempt: attempt,
		Reason:  reason,
	})
}

// TotalTokens returns the total token count accumulated so far.
//
// Expectations:
//   - Returns 0 on nil receiver
//   - Returns sum of prompt and completion tokens from all LLMCall events
func (tl *TaskLog) TotalTokens() int {
	if tl == nil {
		return 0
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.promptTokens + tl.completionTokens
}

// write appends one JSON line to the task log file. Adds a timestamp,
// mutex-protected.
func (tl *TaskLog) write(e Event) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[TASKLOG] marshal error: %v", err)
		return
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.f == nil {
		return
	}
	if _, err = fmt.Fprintf(tl.f, "%s\n", data); err != nil {
		log.Printf("[TASKLOG] write error: %v", err)
	}
}
