package worker

import (
	"strings"
	"unicode"

	"github.com/pm-runner/orunner/internal/queue"
)

// keywordTable maps a lowercased verb/noun fragment to the task type it
// signals (§4.3 expansion). Checked in the order below so a more specific
// phrase (e.g. "force-push") wins over a looser one.
var keywordTable = []struct {
	taskType queue.TaskType
	keywords []string
}{
	{queue.TaskDangerousOp, []string{"rm -rf", "force-push", "force push", "drop table", "delete ", "production"}},
	{queue.TaskConfigCIChange, []string{"ci pipeline", "workflow", "pipeline", " ci ", ".yml", "config"}},
	{queue.TaskReviewResponse, []string{"review comment", "address comment", "respond to review", "pr comment"}},
	{queue.TaskImplementation, []string{"implement", "build", "add ", "create "}},
	{queue.TaskLightEdit, []string{"rename", "format", "typo", "comment"}},
	{queue.TaskReport, []string{"summarize", "summarise", "report"}},
	{queue.TaskReadInfo, []string{"read", "show", "explain", "list"}},
}

// containsCJK reports whether s contains any CJK codepoint (Han,
// Hiragana, or Katakana).
func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) {
			return true
		}
	}
	return false
}

// detectTaskType classifies prompt into a TaskType (§4.3 step 1, §4.7).
// A prompt with no matched keyword — English or CJK — defaults to
// READ_INFO, the conservative choice: an INCOMPLETE READ_INFO becomes
// AWAITING_RESPONSE rather than dropping output as ERROR (resolves Open
// Question 3 by unifying the English default with the stated Japanese
// one).
func detectTaskType(prompt string) queue.TaskType {
	lower := " " + strings.ToLower(prompt) + " "
	for _, entry := range keywordTable {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.taskType
			}
		}
	}
	return queue.TaskReadInfo
}

// clarificationMarkers are CJK phrases that signal the response is asking
// the user something rather than answering. A marker anywhere in a
// CJK response counts, whatever else the response contains.
var clarificationMarkers = []string{"教えて", "ですか", "かどうか"}

// hasPendingQuestion implements the question-detector used by step 6's
// READ_INFO/REPORT gate: a response that ends with an interrogative, or
// contains a CJK clarification marker, is treated as awaiting the user
// rather than a completed answer.
func hasPendingQuestion(response string) bool {
	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return true // no output at all cannot have answered anything
	}
	if strings.HasSuffix(trimmed, "?") || strings.HasSuffix(trimmed, "？") {
		return true
	}
	if containsCJK(trimmed) {
		for _, marker := range clarificationMarkers {
			if strings.Contains(trimmed, marker) {
				return true
			}
		}
	}
	return false
}
