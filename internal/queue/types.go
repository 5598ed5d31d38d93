// Package queue implements the namespace-partitioned durable task queue —
// the QueueStore component. It owns every TaskRecord: writes are atomic
// (write-temp-then-rename), serialised per task_id, and never regress a
// terminal record back to a non-terminal status.
package queue

import "time"

// TaskType classifies the kind of work a task performs, which in turn
// governs how a BLOCKED result and an INCOMPLETE READ_INFO/REPORT result
// are handled downstream.
type TaskType string

const (
	TaskReadInfo        TaskType = "READ_INFO"
	TaskReport          TaskType = "REPORT"
	TaskLightEdit       TaskType = "LIGHT_EDIT"
	TaskImplementation  TaskType = "IMPLEMENTATION"
	TaskReviewResponse  TaskType = "REVIEW_RESPONSE"
	TaskConfigCIChange  TaskType = "CONFIG_CI_CHANGE"
	TaskDangerousOp     TaskType = "DANGEROUS_OP"
)

// Status is a TaskRecord's lifecycle state.
type Status string

const (
	StatusQueued           Status = "QUEUED"
	StatusRunning          Status = "RUNNING"
	StatusAwaitingResponse Status = "AWAITING_RESPONSE"
	StatusComplete         Status = "COMPLETE"
	StatusIncomplete       Status = "INCOMPLETE"
	StatusError            Status = "ERROR"
	StatusCancelled        Status = "CANCELLED"
	StatusBlocked          Status = "BLOCKED"
)

// Terminal reports whether s is a terminal status: one a task can never
// transition out of (invariant I1 / property P6).
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusIncomplete, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// ProgressEvent is one opaque progress signal appended to a TaskRecord.
type ProgressEvent struct {
	Kind      string    `json:"kind"` // "heartbeat" | "tool_progress" | "log_chunk" | "status_changed"
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ResourceUsage accumulates token counts observed across a task's attempts.
type ResourceUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TaskRecord is the durable record of one submitted task.
type TaskRecord struct {
	TaskID    string `json:"task_id"`
	Namespace string `json:"namespace"`
	SessionID string `json:"session_id"`
	// ThreadID is the task's group_id (§4.2 enqueue signature): the key
	// the TaskWorker uses to build taskGroupContext from working files,
	// history, and the last task's result.
	ThreadID     string   `json:"thread_id,omitempty"`
	RunID        string   `json:"run_id,omitempty"`
	ParentTaskID string   `json:"parent_task_id,omitempty"`
	TaskType     TaskType `json:"task_type"`
	// DetectedTaskType records what the worker's detector chose, which may
	// differ from TaskType when the caller did not supply a hint.
	DetectedTaskType TaskType `json:"detected_task_type,omitempty"`

	Prompt        string   `json:"prompt"`
	Status        Status   `json:"status"`
	Output        string   `json:"output,omitempty"`
	Error         string   `json:"error,omitempty"`
	BlockedReason string   `json:"blocked_reason,omitempty"`
	TerminatedBy  string   `json:"terminated_by,omitempty"`
	FilesModified []string `json:"files_modified,omitempty"`

	Usage ResourceUsage `json:"usage"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	// StartedAt is set each time the task enters RUNNING from another status;
	// the supervisor's hard-timeout check keys off it rather than UpdatedAt.
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	ProgressEvents []ProgressEvent `json:"progress_events,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
}

// LastProgressAt returns the timestamp of the most recent ProgressEvent,
// or CreatedAt if the task has none. The supervisor's idle-timeout check
// keys liveness off this rather than UpdatedAt, since AppendEvent does
// not bump UpdatedAt.
func (t *TaskRecord) LastProgressAt() time.Time {
	if len(t.ProgressEvents) == 0 {
		return t.CreatedAt
	}
	last := t.ProgressEvents[0].Timestamp
	for _, ev := range t.ProgressEvents[1:] {
		if ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	return last
}

// RunStartedAt returns when the task's current run began, falling back to
// CreatedAt for records persisted before StartedAt was tracked.
func (t *TaskRecord) RunStartedAt() time.Time {
	if t.StartedAt.IsZero() {
		return t.CreatedAt
	}
	return t.StartedAt
}

// Filter narrows List results.
type Filter struct {
	Status    Status    // zero value: no status filter
	SessionID string    // empty: no session filter
	TaskType  TaskType  // empty: no type filter
	Since     time.Time // zero value: no time bound
}

func (f Filter) matches(t *TaskRecord) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.SessionID != "" && t.SessionID != f.SessionID {
		return false
	}
	if f.TaskType != "" && t.TaskType != f.TaskType {
		return false
	}
	if !f.Since.IsZero() && t.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
