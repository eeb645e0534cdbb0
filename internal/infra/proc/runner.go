// Package proc wraps spawn, kill and exit-event capture for the single
// supervised child process.
package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/sentinel/internal/core/domain"
)

// Command describes how to launch the supervised worker.
type Command struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
	Dir  string   `yaml:"dir"`
	Env  []string `yaml:"env"`
}

// ErrAlreadyRunning is returned by Start when a child is still alive.
var ErrAlreadyRunning = errors.New("child process already running")

// Runner owns the lifecycle of the single child process. Exactly one child
// runs at a time; each termination is delivered once on Exits.
type Runner struct {
	command Command

	mu        sync.Mutex
	current   *exec.Cmd
	startedAt time.Time
	tail      *TailBuffer

	exits chan domain.ExitEvent
}

// NewRunner creates a runner for the given command.
func NewRunner(command Command, tailLines int) *Runner {
	return &Runner{
		command: command,
		tail:    NewTailBuffer(tailLines),
		exits:   make(chan domain.ExitEvent, 1),
	}
}

// Exits delivers one ExitEvent per terminated child.
func (r *Runner) Exits() <-chan domain.ExitEvent {
	return r.exits
}

// Running reports whether a child is currently alive.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// StartedAt returns when the current child started, zero if none.
func (r *Runner) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return time.Time{}
	}
	return r.startedAt
}

// Start spawns a new child. Returns ErrAlreadyRunning if the previous child
// has not terminated yet.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return ErrAlreadyRunning
	}

	r.tail.Reset()
	cmd := exec.Command(r.command.Path, r.command.Args...)
	cmd.Dir = r.command.Dir
	if len(r.command.Env) > 0 {
		cmd.Env = r.command.Env
	}
	cmd.Stdout = r.tail
	cmd.Stderr = r.tail

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", r.command.Path, err)
	}

	r.current = cmd
	r.startedAt = time.Now()
	slog.Info("Child process started", "path", r.command.Path, "pid", cmd.Process.Pid)

	go r.wait(cmd, r.startedAt)
	return nil
}

// wait blocks until the child terminates, then publishes its exit event.
func (r *Runner) wait(cmd *exec.Cmd, startedAt time.Time) {
	err := cmd.Wait()
	endedAt := time.Now()

	ev := domain.ExitEvent{
		ID:        uuid.New().String(),
		StartedAt: startedAt,
		EndedAt:   endedAt,
		LogTail:   r.tail.Snapshot(),
	}

	if state := cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			ev.Signal = ws.Signal().String()
		} else {
			code := state.ExitCode()
			ev.ExitCode = &code
		}
	} else if err != nil {
		ev.Signal = "unknown"
	}

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	r.exits <- ev
}

// Stop terminates the current child gracefully: SIGTERM, then SIGKILL after
// the grace period. No-op when nothing is running. The resulting exit event
// is still delivered on Exits.
func (r *Runner) Stop(grace time.Duration) {
	r.mu.Lock()
	cmd := r.current
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("Failed to signal child", "pid", pid, "error", err)
	}

	deadline := time.After(grace)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			slog.Warn("Child did not exit within grace period, killing", "pid", pid)
			_ = cmd.Process.Kill()
			return
		case <-tick.C:
			r.mu.Lock()
			alive := r.current == cmd
			r.mu.Unlock()
			if !alive {
				return
			}
		}
	}
}

// Kill terminates the current child immediately. Used by the circuit
// breaker when a failure burst demands an instant stop.
func (r *Runner) Kill() {
	r.mu.Lock()
	cmd := r.current
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	slog.Warn("Killing child process", "pid", cmd.Process.Pid)
	_ = cmd.Process.Kill()
}
