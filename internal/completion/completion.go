// Package completion implements the CompletionProtocol: gate-aggregation
// verdict computation with strict run_id consistency (the "stale run"
// guard) and the Double Execution Gate's evidence-backed COMPLETE
// assertion.
package completion

import (
	"fmt"
	"time"
)

// QAGateResult is one QA signal source's report for a single run.
type QAGateResult struct {
	GateName  string    `json:"gate_name"`
	RunID     string    `json:"run_id"`
	Passing   int       `json:"passing"`
	Failing   int       `json:"failing"`
	Skipped   int       `json:"skipped"`
	Timestamp time.Time `json:"timestamp"`
}

// GateSummary is the per-gate contribution shown in a CompletionVerdict.
type GateSummary struct {
	GateName string `json:"gate_name"`
	Passing  int    `json:"passing"`
	Failing  int    `json:"failing"`
	Skipped  int    `json:"skipped"`
}

// FinalStatus is the aggregated judgment for one completion check.
type FinalStatus string

const (
	StatusComplete   FinalStatus = "COMPLETE"
	StatusFailing    FinalStatus = "FAILING"
	StatusNoEvidence FinalStatus = "NO_EVIDENCE"
)

// CompletionVerdict is the aggregated completion judgment across gates.
type CompletionVerdict struct {
	FinalStatus  FinalStatus   `json:"final_status"`
	AllPass      bool          `json:"all_pass"`
	FailingTotal int           `json:"failing_total"`
	SkippedTotal int           `json:"skipped_total"`
	FailingGates []string      `json:"failing_gates"`
	PerGate      []GateSummary `json:"per_gate"`
	RunID        string        `json:"run_id"`
	JudgedAt     time.Time     `json:"judged_at"`
}

// StaleRunError is raised when gates disagree on run_id, or disagree with
// the protocol's currently bound run_id.
type StaleRunError struct {
	BoundRunID    string
	ActualRunIDs  []string
}

func (e *StaleRunError) Error() string {
	return fmt.Sprintf("completion: stale run: bound=%q actual=%v", e.BoundRunID, e.ActualRunIDs)
}

// Protocol is the CompletionProtocol. It optionally binds a "current"
// run_id; once bound, every judged gate set must match it exactly.
type Protocol struct {
	currentRunID string
}

// NewProtocol constructs a Protocol, optionally pre-binding a run_id.
// Pass "" to leave it unbound (the first Judge call's run_id becomes
// authoritative for that call only — no persistent binding occurs until
// BindRun is called explicitly).
func NewProtocol(boundRunID string) *Protocol {
	return &Protocol{currentRunID: boundRunID}
}

// BindRun sets the run_id all future Judge calls must match.
func (p *Protocol) BindRun(runID string) {
	p.currentRunID = runID
}

// CurrentRunID returns the bound run_id, or "" if unbound.
func (p *Protocol) CurrentRunID() string {
	return p.currentRunID
}

// Judge aggregates gates into a CompletionVerdict. Empty gates yield
// NO_EVIDENCE. Distinct run_ids among the gates, or any disagreement with
// a bound current run_id, abort judgment with a StaleRunError — no
// verdict is returned in that case (property P1, scenarios S2/S3).
func (p *Protocol) Judge(gates []QAGateResult) (CompletionVerdict, error) {
	if len(gates) == 0 {
		return CompletionVerdict{FinalStatus: StatusNoEvidence, JudgedAt: time.Now().UTC()}, nil
	}

	seen := make(map[string]bool)
	var distinct []string
	for _, g := range gates {
		if !seen[g.RunID] {
			seen[g.RunID] = true
			distinct = append(distinct, g.RunID)
		}
	}
	if len(distinct) > 1 {
		return CompletionVerdict{}, &StaleRunError{BoundRunID: p.currentRunID, ActualRunIDs: distinct}
	}
	runID := distinct[0]
	if p.currentRunID != "" && runID != p.currentRunID {
		return CompletionVerdict{}, &StaleRunError{BoundRunID: p.currentRunID, ActualRunIDs: distinct}
	}

	var failingTotal, passingTotal, skippedTotal int
	var failingGates []string
	var perGate []GateSummary
	var negativeMarker bool

	for _, g := range gates {
		passing, failing, skipped := g.Passing, g.Failing, g.Skipped
		// Negative values are coerced to a single failure with a bounded
		// penalty: one added failure count, gate marked failing.
		if passing < 0 || failing < 0 || skipped < 0 {
			negativeMarker = true
			if passing < 0 {
				passing = 0
			}
			if failing < 0 {
				failing = 0
			}
			if skipped < 0 {
				skipped = 0
			}
			failing++
		}

		passingTotal += passing
		failingTotal += failing
		skippedTotal += skipped
		if failing > 0 {
			failingGates = append(failingGates, g.GateName)
		}
		perGate = append(perGate, GateSummary{GateName: g.GateName, Passing: passing, Failing: failing, Skipped: skipped})
	}

	verdict := CompletionVerdict{
		FailingTotal: failingTotal,
		SkippedTotal: skippedTotal,
		FailingGates: failingGates,
		PerGate:      perGate,
		RunID:        runID,
		JudgedAt:     time.Now().UTC(),
	}

	switch {
	case failingTotal > 0 || negativeMarker:
		verdict.FinalStatus = StatusFailing
		verdict.AllPass = false
	case passingTotal > 0:
		verdict.FinalStatus = StatusComplete
		verdict.AllPass = true
	default:
		verdict.FinalStatus = StatusNoEvidence
		verdict.AllPass = false
	}
	return verdict, nil
}

// DoubleExecutionGate is the fail-closed predicate asserting that a task
// may be marked COMPLETE only with proof of a real LLM call: both an API
// key gate and an evidence-directory-writable gate must have passed, and
// at least one verified, successful LLMEvidence record must exist for the
// task's current run_id.
type DoubleExecutionGate struct {
	APIKeyPresent     bool
	EvidenceWritable  bool
	HasVerifiedSuccessEvidence bool
}

// Passed reports whether both gates hold and verified success evidence
// exists (property P5).
func (g DoubleExecutionGate) Passed() bool {
	return g.APIKeyPresent && g.EvidenceWritable && g.HasVerifiedSuccessEvidence
}

// Reason returns a human-readable explanation for the first failing gate,
// or "" if the gate passed.
func (g DoubleExecutionGate) Reason() string {
	switch {
	case !g.APIKeyPresent:
		return "API key not configured"
	case !g.EvidenceWritable:
		return "evidence directory not writable"
	case !g.HasVerifiedSuccessEvidence:
		return "no verified evidence of a successful LLM call"
	default:
		return ""
	}
}
