package executor

import (
	"context"
	"time"

	"github.com/pm-runner/orunner/internal/llm"
)

// Live is an Executor backed by a real OpenAI-compatible chat completion
// call, via the teacher's llm.Client. One call per Execute; no tool loop —
// the core treats the executor as an opaque LLM-backed process.
type Live struct {
	Client *llm.Client
	System string // system prompt prefix; "" uses a minimal default
}

// NewLive constructs a Live executor around an existing llm.Client.
func NewLive(client *llm.Client, system string) *Live {
	if system == "" {
		system = "You are a task execution engine. Execute the instructions in the user message and report the outcome plainly."
	}
	return &Live{Client: client, System: system}
}

// Execute issues one chat completion call and maps its outcome to the
// Executor contract. A transport/API error is reported as StatusError
// with FailureTransient so the worker's retry policy can act on it; the
// worker is responsible for deciding when enough attempts have been made.
func (l *Live) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	content, usage, err := l.Client.Chat(ctx, l.System, req.Prompt)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		return Result{
			Status:     StatusError,
			DurationMs: duration,
			Err:        &StructuredError{Kind: FailureTransient, Message: err.Error()},
		}, nil
	}

	return Result{
		Output:           content,
		Status:           StatusComplete,
		DurationMs:       duration,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}, nil
}
