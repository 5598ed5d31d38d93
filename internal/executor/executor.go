// Package executor defines the Executor contract — the boundary the core
// calls out across to run one assembled prompt. Implementations are
// pluggable: a real LLM client, a local command runner, a deterministic
// stub. None but a real LLM-backed implementation may ever report
// LLMEvidence with success=true.
package executor

import (
	"context"
	"time"

	"github.com/pm-runner/orunner/internal/completion"
)

// StatusHint is the coarse outcome an Executor reports for one call.
type StatusHint string

const (
	StatusComplete         StatusHint = "COMPLETE"
	StatusAwaitingResponse StatusHint = "AWAITING_RESPONSE"
	StatusBlocked          StatusHint = "BLOCKED"
	StatusError            StatusHint = "ERROR"
)

// FailureKind classifies why an Executor call failed, driving the
// worker's retry-vs-fatal decision (§4.3 Retry policy).
type FailureKind string

const (
	FailureTransient FailureKind = "TRANSIENT"
	FailureFatal     FailureKind = "FATAL_ERROR"
)

// StructuredError is the optional structured failure an Executor may
// attach to a Result.
type StructuredError struct {
	Kind    FailureKind
	Message string
}

func (e *StructuredError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Request is everything the core hands an Executor for one call.
type Request struct {
	Prompt        string
	TaskID        string
	SessionID     string
	RunID         string
	Model         string
	MaxDurationMs int64
}

// Result is what an Executor returns for one call.
type Result struct {
	Output           string
	Status           StatusHint
	FilesModified    []string
	TestsRun         int
	Err              *StructuredError
	Gates            []completion.QAGateResult
	DurationMs       int64
	PromptTokens     int
	CompletionTokens int
}

// Executor runs one assembled prompt and reports output, status, and
// evidence-relevant QA signals. Implementations must honor ctx
// cancellation and must never forge success outside the fail-closed
// path (a stub must never report a result that would let evidence be
// recorded with success=true for a call that did not really happen).
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Heartbeat describes an opaque progress signal for a call in flight.
// Nothing in this module produces or consumes it: the Executor interface
// has no channel for it, and the Supervisor's staleness scan reads only
// the ProgressEvents stored on each TaskRecord.
type Heartbeat struct {
	TaskID    string
	Timestamp time.Time
	Detail    string
}
