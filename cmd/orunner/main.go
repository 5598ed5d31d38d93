package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/pm-runner/orunner/internal/bus"
	"github.com/pm-runner/orunner/internal/completion"
	"github.com/pm-runner/orunner/internal/config"
	"github.com/pm-runner/orunner/internal/evidence"
	"github.com/pm-runner/orunner/internal/execlocal"
	"github.com/pm-runner/orunner/internal/executor"
	"github.com/pm-runner/orunner/internal/executor/stub"
	"github.com/pm-runner/orunner/internal/llm"
	"github.com/pm-runner/orunner/internal/namespace"
	"github.com/pm-runner/orunner/internal/prompt"
	"github.com/pm-runner/orunner/internal/queue"
	"github.com/pm-runner/orunner/internal/supervisor"
	"github.com/pm-runner/orunner/internal/tasklog"
	"github.com/pm-runner/orunner/internal/types"
	"github.com/pm-runner/orunner/internal/ui"
	"github.com/pm-runner/orunner/internal/worker"
)

func main() {
	_ = godotenv.Load(".env")

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: getwd: %v\n", err)
		os.Exit(1)
	}

	ns, err := namespace.Build(namespace.BuildOptions{ProjectRoot: cwd, AutoDerive: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	stateDir := namespace.StateDir(cwd, ns)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error: create state dir: %v\n", err)
		os.Exit(1)
	}

	// Redirect debug logs to file so they don't interfere with the terminal UI.
	if f, err := os.OpenFile(filepath.Join(stateDir, "debug.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		log.SetOutput(f)
		defer f.Close()
	}

	cfg, err := config.Load(filepath.Join(cwd, "orunner.toml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg.StateDir = stateDir
	apiKeyPresent := cfg.APIKey != ""

	store, err := queue.Open(stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open queue: %v\n", err)
		os.Exit(1)
	}
	rec := evidence.New(filepath.Join(stateDir, "evidence"))
	logReg := tasklog.NewRegistry(filepath.Join(stateDir, "tasks"))
	b := bus.New()

	exec := buildExecutor(cfg, apiKeyPresent)
	asm := prompt.New()
	tmpl := prompt.Template{}

	workers := make([]*worker.Worker, 0, cfg.ParallelLimits.Executors)
	for i := 0; i < cfg.ParallelLimits.Executors; i++ {
		w := worker.New(store, asm, exec, rec, b, cfg, apiKeyPresent, 500*time.Millisecond)
		w.TaskLogs = logReg
		w.Template = tmpl
		workers = append(workers, w)
	}

	sup := supervisor.New(store, b, cfg, filepath.Join(stateDir, "supervisor-state.json"), stateDir, config.ProfileStandard)
	sup.ReconcileOnStartup()

	disp := ui.New(b.NewTap())

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for _, w := range workers {
		go w.Run(ctx)
	}
	go sup.Run(ctx)
	go disp.Run(ctx)

	sessionID := uuid.New().String()

	if len(os.Args) > 1 && os.Args[1] != "" {
		intrCh := make(chan os.Signal, 1)
		signal.Notify(intrCh, os.Interrupt)
		go func() {
			select {
			case <-intrCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		input := strings.Join(os.Args[1:], " ")
		taskRec, err := store.Enqueue(ns, sessionID, "", input, "", "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: enqueue: %v\n", err)
			cancel()
			os.Exit(1)
		}
		final, err := waitTerminal(ctx, store, taskRec.TaskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			cancel()
			os.Exit(1)
		}
		disp.WaitIdle(300 * time.Millisecond)
		printResult(final)
		cancel()
		time.Sleep(200 * time.Millisecond)
		return
	}

	runREPL(ctx, cancel, store, ns, sessionID, stateDir, disp)
}

// buildExecutor picks the Executor implementation: an explicit
// PM_RUNNER_EXECUTOR override ("local" for the shell-command runner), a
// real LLM client when an API key is configured, or otherwise a stub that
// answers every call it receives with AWAITING_RESPONSE. Without an API
// key the Double Execution Gate fails closed before any executor is
// called, so each task ends in ERROR whatever the executor choice.
func buildExecutor(cfg config.Config, apiKeyPresent bool) executor.Executor {
	switch os.Getenv("PM_RUNNER_EXECUTOR") {
	case "local":
		return execlocal.NewLocal(cfg.Timeouts.Operation)
	case "stub":
		return stub.NewFixed(executor.Result{Status: executor.StatusAwaitingResponse})
	}
	if apiKeyPresent {
		return executor.NewLive(llm.New(), "")
	}
	return stub.NewFixed(executor.Result{Status: executor.StatusAwaitingResponse})
}

// waitTerminal polls the store until taskID reaches a terminal,
// AWAITING_RESPONSE or BLOCKED status, or ctx is cancelled.
func waitTerminal(ctx context.Context, store *queue.Store, taskID string) (queue.TaskRecord, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return queue.TaskRecord{}, ctx.Err()
		case <-ticker.C:
			rec, ok := store.GetItem(taskID)
			if !ok {
				return queue.TaskRecord{}, fmt.Errorf("task %s disappeared", taskID)
			}
			if rec.Status.Terminal() || rec.Status == queue.StatusAwaitingResponse || rec.Status == queue.StatusBlocked {
				return rec, nil
			}
		}
	}
}

// sessionEntry records one REPL turn. runREPL keeps the last few of them
// but passes them nowhere: each task's group history is built by the
// worker from the tasks it ran under the REPL's thread ID.
type sessionEntry struct {
	Input   string
	Summary string
}

func runREPL(ctx context.Context, cancel context.CancelFunc, store *queue.Store, ns, sessionID, stateDir string, disp *ui.Display) {
	fmt.Printf("\033[1m\033[36morunner\033[0m — local task orchestrator  \033[2m(namespace=%s | exit/Ctrl-D to quit | debug: %s)\033[0m\n",
		ns, filepath.Join(stateDir, "debug.log"))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "\033[36m>\033[0m ",
		HistoryFile:       filepath.Join(stateDir, "history"),
		HistorySearchFold: true,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline init error: %v\n", err)
		cancel()
		return
	}
	defer rl.Close()

	const maxHistory = 5
	var history []sessionEntry
	threadID := uuid.New().String()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			fmt.Println("\n\033[2m(Ctrl+C again or type 'exit' to quit)\033[0m")
			line2, err2 := rl.Readline()
			if err2 == readline.ErrInterrupt || strings.TrimSpace(line2) == "exit" || strings.TrimSpace(line2) == "quit" {
				cancel()
				return
			}
			line, err = line2, err2
		}
		if err != nil {
			cancel()
			break
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			cancel()
			break
		}

		// /status — show this project's QUEUED/RUNNING/AWAITING_RESPONSE tasks.
		if input == "/status" {
			printStatus(store)
			continue
		}

		disp.Resume()
		taskRec, err := store.Enqueue(ns, sessionID, threadID, input, "", "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: enqueue: %v\n", err)
			continue
		}

		final, err := waitTerminal(ctx, store, taskRec.TaskID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		disp.WaitIdle(300 * time.Millisecond)
		printResult(final)
		history = append(history, sessionEntry{Input: input, Summary: firstN(final.Output, 120)})
		if len(history) > maxHistory {
			history = history[len(history)-maxHistory:]
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func printStatus(store *queue.Store) {
	active := append(store.List(queue.Filter{Status: queue.StatusQueued}),
		store.List(queue.Filter{Status: queue.StatusRunning})...)
	active = append(active, store.List(queue.Filter{Status: queue.StatusAwaitingResponse})...)
	if len(active) == 0 {
		fmt.Println("\033[2m(no active tasks)\033[0m")
		return
	}
	for _, rec := range active {
		fmt.Printf("  %s  %-18s  %s\n", rec.TaskID, rec.Status, firstN(rec.Prompt, 60))
	}
}

func printResult(rec queue.TaskRecord) {
	const (
		bold  = "\033[1m"
		green = "\033[32m"
		red   = "\033[31m"
		reset = "\033[0m"
	)
	color := green
	if rec.Status == queue.StatusError || rec.Status == queue.StatusIncomplete {
		color = red
	}
	fmt.Printf("\n%s%s[%s]%s\n", bold, color, rec.Status, reset)
	if rec.Error != "" {
		fmt.Println(rec.Error)
		return
	}
	if rec.BlockedReason != "" {
		fmt.Println(rec.BlockedReason)
		return
	}
	fmt.Println(rec.Output)
}

// _ references kept importable for completion/types use in richer REPL
// commands (/status above, future verdict inspection) without re-adding
// imports later.
var (
	_ = completion.StatusComplete
	_ = types.EventStarted
	_ = json.Marshal
	_ = slog.Info
)
