// Package stub provides a deterministic Executor for tests. It never
// performs a real LLM call, so by design it must not forge evidence of
// one: callers decide per test what StatusHint and output to return, but
// the zero-value Stub reports an empty, non-COMPLETE result so tests that
// forget to configure it cannot accidentally assert a fail-closed path.
package stub

import (
	"context"

	"github.com/pm-runner/orunner/internal/completion"
	"github.com/pm-runner/orunner/internal/executor"
)

// Stub is a scripted Executor. Responses is consumed in order, one per
// Execute call; the last entry repeats once exhausted. An empty
// Responses list yields a single AWAITING_RESPONSE result with empty
// output.
type Stub struct {
	Responses []executor.Result
	Err       error // if set, every call returns this error instead

	calls int
	Seen  []executor.Request
}

// NewFixed returns a Stub that always returns the same result.
func NewFixed(result executor.Result) *Stub {
	return &Stub{Responses: []executor.Result{result}}
}

// NewSuccess returns a Stub whose result is StatusComplete with the given
// output and no QA gates. The worker synthesises no gate for it: with no
// gates the completion verdict is NO_EVIDENCE, which does not block
// COMPLETE, and READ_INFO/REPORT output is checked only by the worker's
// question detector.
func NewSuccess(output string) *Stub {
	return NewFixed(executor.Result{Status: executor.StatusComplete, Output: output})
}

// NewFailure returns a Stub whose result is a fatal-or-transient error.
func NewFailure(kind executor.FailureKind, message string) *Stub {
	return NewFixed(executor.Result{
		Status: executor.StatusError,
		Err:    &executor.StructuredError{Kind: kind, Message: message},
	})
}

// NewWithGates returns a Stub that reports the given QAGateResults
// alongside a COMPLETE status.
func NewWithGates(output string, gates []completion.QAGateResult) *Stub {
	return NewFixed(executor.Result{Status: executor.StatusComplete, Output: output, Gates: gates})
}

// Execute returns the next scripted response, recording the request for
// later assertions.
func (s *Stub) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	s.Seen = append(s.Seen, req)
	if s.Err != nil {
		return executor.Result{}, s.Err
	}
	if len(s.Responses) == 0 {
		return executor.Result{Status: executor.StatusAwaitingResponse}, nil
	}
	idx := s.calls
	if idx >= len(s.Responses) {
		idx = len(s.Responses) - 1
	}
	s.calls++
	return s.Responses[idx], nil
}

// CallCount returns how many times Execute was invoked.
func (s *Stub) CallCount() int {
	return s.calls
}
