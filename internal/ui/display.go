// Package ui renders a live terminal view of Supervisor and Worker events
// read off a bus tap: a box per running task, a spinner for the aggregate
// in-flight set, and banner lines for supervisor-level events (stale-run
// scans, idle-exit, lifecycle).
package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/pm-runner/orunner/internal/types"
)

// ANSI codes
const (
	ansiReset   = "\033[0m"
	ansiBold    = "\033[1m"
	ansiDim     = "\033[2m"
	ansiCyan    = "\033[36m"
	ansiYellow  = "\033[33m"
	ansiGreen   = "\033[32m"
	ansiRed     = "\033[31m"
	ansiMagenta = "\033[35m"
)

var eventIcon = map[types.EventKind]string{
	types.EventStarted:    "▶",
	types.EventStopped:    "■",
	types.EventCheck:      "…",
	types.EventComplete:   "✅",
	types.EventRetry:      "↻",
	types.EventMaxRetries: "✖",
	types.EventNoEvidence: "⚠",
	types.EventInvalid:    "⚠",
	types.EventError:      "❌",
	types.EventTimeout:    "⏱",
}

var eventColor = map[types.EventKind]string{
	types.EventStarted:    ansiCyan,
	types.EventComplete:   ansiGreen,
	types.EventRetry:      ansiYellow,
	types.EventMaxRetries: ansiRed,
	types.EventNoEvidence: ansiYellow,
	types.EventInvalid:    ansiRed,
	types.EventError:      ansiRed,
	types.EventTimeout:    ansiMagenta,
}

// terminalKinds close a task's box. Started/Retry/Check only update it.
func isTerminalKind(k types.EventKind) bool {
	switch k {
	case types.EventComplete, types.EventError, types.EventMaxRetries,
		types.EventNoEvidence, types.EventInvalid, types.EventTimeout:
		return true
	default:
		return false
	}
}

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

type taskState struct {
	started time.Time
	status  string
}

// Display renders Supervisor/Worker events to stdout. Unlike a single
// pipeline animation, it tracks every concurrently-running task by ID so
// a worker pool with ParallelLimits.Executors > 1 renders correctly.
type Display struct {
	tap      <-chan types.Event
	abortCh  chan struct{}
	resumeCh chan struct{}

	mu         sync.Mutex
	tasks      map[string]*taskState
	suppressed bool
	spinIdx    int
	allClear   chan struct{} // closed when tasks becomes empty; recreated on next open
}

// New creates a Display reading from tap.
func New(tap <-chan types.Event) *Display {
	return &Display{
		tap:      tap,
		abortCh:  make(chan struct{}, 1),
		resumeCh: make(chan struct{}, 1),
		tasks:    make(map[string]*taskState),
		allClear: closedChan(),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Abort closes every open task box immediately and suppresses further
// rendering until Resume(). Safe to call from any goroutine (e.g. a REPL's
// Ctrl-C handler).
func (d *Display) Abort() {
	select {
	case d.abortCh <- struct{}{}:
	default:
	}
}

// Resume lifts the post-abort suppression.
func (d *Display) Resume() {
	select {
	case d.resumeCh <- struct{}{}:
	default:
	}
}

// WaitIdle blocks until no task box is open, or until timeout elapses.
// A REPL in one-shot mode calls this after enqueueing so it doesn't print
// its own result ahead of the task's closing box.
func (d *Display) WaitIdle(timeout time.Duration) {
	d.mu.Lock()
	ch := d.allClear
	d.mu.Unlock()
	select {
	case <-ch:
	case <-time.After(timeout):
	}
}

// Run is the main render goroutine. All terminal writes happen here, so no
// extra locking is needed for I/O itself.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Print("\r\033[K")
			return

		case <-d.abortCh:
			fmt.Print("\r\033[K")
			d.mu.Lock()
			d.suppressed = true
			d.tasks = make(map[string]*taskState)
			d.signalIfClearLocked()
			d.mu.Unlock()

		case <-d.resumeCh:
			d.mu.Lock()
			d.suppressed = false
			d.mu.Unlock()

		case ev, ok := <-d.tap:
			if !ok {
				return
			}
			d.mu.Lock()
			sup := d.suppressed
			d.mu.Unlock()
			if sup {
				continue
			}
			d.handle(ev)

		case <-ticker.C:
			d.redrawStatus()
		}
	}
}

func (d *Display) handle(ev types.Event) {
	fmt.Print("\r\033[K")
	if ev.TaskID == "" {
		d.printBanner(ev)
		return
	}
	switch {
	case ev.Kind == types.EventStarted:
		d.openTask(ev.TaskID)
	case isTerminalKind(ev.Kind):
		d.closeTask(ev)
	default:
		d.updateTask(ev.TaskID, ev.Kind, ev.Cause)
	}
}

func (d *Display) openTask(taskID string) {
	d.mu.Lock()
	d.tasks[taskID] = &taskState{started: time.Now(), status: "starting"}
	d.allClear = make(chan struct{})
	d.mu.Unlock()
	fmt.Printf("%s┌─── %s task %s%s%s %s\n", ansiDim, eventIcon[types.EventStarted], ansiBold, clipCols(taskID, 24), ansiReset+ansiDim, strings.Repeat("─", 20)+ansiReset)
}

func (d *Display) updateTask(taskID string, kind types.EventKind, cause string) {
	d.mu.Lock()
	ts, ok := d.tasks[taskID]
	d.mu.Unlock()
	if !ok {
		return
	}
	label := string(kind)
	if cause != "" {
		label += ": " + clipCols(cause, 48)
	}
	d.mu.Lock()
	ts.status = label
	d.mu.Unlock()

	color := eventColor[kind]
	if color == "" {
		color = ansiDim
	}
	fmt.Printf("  %s ──[%s%s%s]\n", clipCols(taskID, 16), color, label, ansiReset)
}

func (d *Display) closeTask(ev types.Event) {
	d.mu.Lock()
	ts, ok := d.tasks[ev.TaskID]
	delete(d.tasks, ev.TaskID)
	d.signalIfClearLocked()
	d.mu.Unlock()

	var elapsed time.Duration
	if ok {
		elapsed = time.Since(ts.started).Round(time.Millisecond)
	}
	icon := eventIcon[ev.Kind]
	if icon == "" {
		icon = "•"
	}
	detail := ""
	if ev.Cause != "" {
		detail = " " + clipCols(ev.Cause, 40)
	}
	fmt.Printf("%s└─── %s  %v%s %s%s\n", ansiDim, icon, elapsed, detail, strings.Repeat("─", 15), ansiReset)
}

func (d *Display) printBanner(ev types.Event) {
	color := eventColor[ev.Kind]
	if color == "" {
		color = ansiDim
	}
	icon := eventIcon[ev.Kind]
	if icon == "" {
		icon = "•"
	}
	msg := string(ev.Kind)
	if ev.Cause != "" {
		msg = clipCols(ev.Cause, 70)
	}
	fmt.Printf("%s%s supervisor: %s%s\n", color, icon, msg, ansiReset)
}

// signalIfClearLocked closes allClear once tasks is empty. Caller holds d.mu.
func (d *Display) signalIfClearLocked() {
	if len(d.tasks) == 0 {
		select {
		case <-d.allClear:
			// already closed
		default:
			close(d.allClear)
		}
	}
}

// redrawStatus overwrites the current line with an aggregate spinner
// summarizing every open task box. It prints nothing when idle, so a quiet
// REPL doesn't spin forever.
func (d *Display) redrawStatus() {
	d.mu.Lock()
	n := len(d.tasks)
	var oldest time.Duration
	var oldestID string
	for id, ts := range d.tasks {
		age := time.Since(ts.started)
		if age > oldest {
			oldest = age
			oldestID = id
		}
	}
	frame := spinRunes[d.spinIdx%len(spinRunes)]
	d.spinIdx++
	d.mu.Unlock()

	if n == 0 {
		return
	}
	oldest = oldest.Round(time.Second)
	summary := fmt.Sprintf("%d running — oldest %v (%s)", n, oldest, clipCols(oldestID, 20))
	fmt.Printf("\r\033[K%s%s%s %s", ansiCyan, string(frame), ansiReset, clipCols(summary, 76))
}

// runeWidth reports the terminal column width of a single rune (1 for
// ordinary runes, 2 for East-Asian-wide and fullwidth runes).
func runeWidth(r rune) int {
	return runewidth.RuneWidth(r)
}

// clipCols truncates s to at most cols terminal columns, appending "…"
// when truncation occurs. Unlike a byte- or rune-count clip, this keeps
// CJK status lines from wrapping an 80-column terminal.
func clipCols(s string, cols int) string {
	if runewidth.StringWidth(s) <= cols {
		return s
	}
	return runewidth.Truncate(s, cols, "…")
}
