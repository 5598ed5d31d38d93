// Package prompt implements the PromptAssembler: deterministic, reviewable
// composition of a task prompt from the project's template files and the
// user's input, with mandatory rule injection and modification-on-reject.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MandatoryRules is injected verbatim at the head of every global_prelude.
const MandatoryRules = `Mandatory Rules:
- No omission markers (ellipses, "remaining omitted", "etc.", "ditto").
- No TODO/FIXME/TBD remnants.
- No unbalanced constructs.
- Evidence required before claiming completion: enumerate the paths of every changed file.
- No "completed/over with" early-termination phrases.
- Fail closed when uncertain.`

// ConversationEntry is one prior turn in a task group's history, used to
// synthesise the task_group prelude.
type ConversationEntry struct {
	Input   string
	Summary string
}

// maxHistoryEntries and maxHistoryChars bound how much of a task group's
// history is folded into the task_group prelude — the same
// truncate-to-N-entries-and-100-chars idiom the teacher's REPL uses to
// build session context for its Perceiver.
const (
	maxHistoryEntries = 5
	maxHistoryChars   = 100
)

// LastTaskResult summarises the previous task in a group, when one exists.
type LastTaskResult struct {
	FilesModified []string
	Error         string
}

// GroupContext carries everything the task_group prelude is synthesised
// from.
type GroupContext struct {
	GroupID        string
	WorkingFiles   []string
	LastTaskResult *LastTaskResult
	History        []ConversationEntry
}

// Sections holds the individual assembled pieces, in composition order,
// for logging and for reassembly on retry.
type Sections struct {
	GlobalPrelude        string
	TemplateRules        string
	ProjectPrelude       string
	TaskGroupPrelude     string
	ModificationPrompt   string
	UserInput            string
	TemplateOutputFormat string
	OutputEpilogue       string
}

// Join concatenates the non-empty sections with "\n\n", in fixed order.
func (s Sections) Join() string {
	var parts []string
	for _, p := range []string{
		s.GlobalPrelude,
		s.TemplateRules,
		s.ProjectPrelude,
		s.TaskGroupPrelude,
		s.ModificationPrompt,
		s.UserInput,
		s.TemplateOutputFormat,
		s.OutputEpilogue,
	} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Template names an active prompt template: optional rule and
// output-format injections plus the directory its prelude/epilogue files
// live under.
type Template struct {
	Active       bool
	Rules        string
	OutputFormat string
	Dir          string // directory containing project-prelude.md / output-epilogue.md
}

// Rejection carries the data needed to build a modification_prompt on a
// retry after a review REJECT (§4.4 item 5, scenario S7).
type Rejection struct {
	DetectedIssues []string
	OriginalTask   string
}

const modificationTemplate = `The previous attempt was rejected. Address every issue below before proceeding.

Detected issues:
%s

Original task:
%s`

// BuildModificationPrompt expands {{detected_issues}} as a bullet list and
// {{original_task}} as the verbatim prior prompt.
func BuildModificationPrompt(r Rejection) string {
	var bullets strings.Builder
	for _, issue := range r.DetectedIssues {
		fmt.Fprintf(&bullets, "- %s\n", issue)
	}
	return fmt.Sprintf(modificationTemplate, strings.TrimRight(bullets.String(), "\n"), r.OriginalTask)
}

// Assembler is the PromptAssembler. It is stateless: all inputs needed to
// assemble a prompt are passed to Assemble, so repeated calls with
// identical inputs are byte-identical (property R1).
type Assembler struct{}

// New constructs an Assembler.
func New() *Assembler {
	return &Assembler{}
}

// Assemble composes the fixed-order prompt. userInput must be non-empty
// (fail-closed rejects empty input). rejection is nil on a first attempt;
// non-nil on a retry following a REJECT.
func (a *Assembler) Assemble(globalPrelude string, tmpl Template, group GroupContext, userInput string, rejection *Rejection) (string, Sections, error) {
	if strings.TrimSpace(userInput) == "" {
		return "", Sections{}, fmt.Errorf("prompt: user_input is required and must be non-empty")
	}

	sections := Sections{
		GlobalPrelude: strings.TrimRight(MandatoryRules+"\n\n"+globalPrelude, "\n"),
		UserInput:     userInput,
	}

	if tmpl.Active {
		sections.TemplateRules = tmpl.Rules
		sections.TemplateOutputFormat = tmpl.OutputFormat
	}

	sections.ProjectPrelude = readTemplateFile(tmpl, "project-prelude.md")
	sections.OutputEpilogue = readTemplateFile(tmpl, "output-epilogue.md")
	sections.TaskGroupPrelude = buildTaskGroupPrelude(group)

	if rejection != nil {
		sections.ModificationPrompt = BuildModificationPrompt(*rejection)
	}

	return sections.Join(), sections, nil
}

// readTemplateFile returns the contents of name inside tmpl.Dir, or "" if
// the template is inactive, the directory is unset, or the file is
// missing — missing-but-optional template files are treated as empty
// strings, not errors.
func readTemplateFile(tmpl Template, name string) string {
	if !tmpl.Active || tmpl.Dir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(tmpl.Dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(data), "\n")
}

// buildTaskGroupPrelude synthesises the task_group prelude from the
// group's history, working files, and last task result.
func buildTaskGroupPrelude(g GroupContext) string {
	if g.GroupID == "" && len(g.WorkingFiles) == 0 && g.LastTaskResult == nil && len(g.History) == 0 {
		return ""
	}

	var sb strings.Builder
	if g.GroupID != "" {
		fmt.Fprintf(&sb, "Task group: %s\n", g.GroupID)
	}
	if len(g.WorkingFiles) > 0 {
		fmt.Fprintf(&sb, "Working files:\n")
		for _, f := range g.WorkingFiles {
			fmt.Fprintf(&sb, "  - %s\n", f)
		}
	}
	if g.LastTaskResult != nil {
		fmt.Fprintf(&sb, "Last task result:\n")
		if len(g.LastTaskResult.FilesModified) > 0 {
			fmt.Fprintf(&sb, "  files_modified: %s\n", strings.Join(g.LastTaskResult.FilesModified, ", "))
		}
		if g.LastTaskResult.Error != "" {
			fmt.Fprintf(&sb, "  error: %s\n", g.LastTaskResult.Error)
		}
	}

	history := g.History
	if len(history) > maxHistoryEntries {
		history = history[len(history)-maxHistoryEntries:]
	}
	if len(history) > 0 {
		fmt.Fprintf(&sb, "Recent conversation:\n")
		for i, e := range history {
			fmt.Fprintf(&sb, "  [%d] %s -> %s\n", i+1, truncate(e.Input, maxHistoryChars), truncate(e.Summary, maxHistoryChars))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
