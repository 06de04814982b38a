package shell

import (
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// finishedRetention is how long a finished command's record is kept for
// diagnostics before the sweeper prunes it.
const finishedRetention = 30 * time.Minute

// maxFinishedRecords caps the finished list so a long-running process
// can't accumulate unbounded history between sweeps.
const maxFinishedRecords = 200

// runningCommand is one standard (non-PTY) subprocess currently executing
// under the current turn.
type runningCommand struct {
	id        string
	command   string
	cwd       string
	cmd       *exec.Cmd
	startedAt time.Time
}

// FinishedCommand is the retained record of a completed standard command.
type FinishedCommand struct {
	ID         string
	Command    string
	Cwd        string
	ExitCode   int
	Killed     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// CommandRegistry tracks the standard subprocesses spawned by run_command
// so the global cancellation sweep can kill every process group the
// current turn started, and retains finished records briefly for
// diagnostics. A cron-scheduled sweeper prunes expired records.
type CommandRegistry struct {
	mu       sync.Mutex
	running  map[string]*runningCommand
	finished []FinishedCommand

	sweeper *cron.Cron
	logger  *slog.Logger
}

// NewCommandRegistry builds a registry and starts its pruning sweeper.
func NewCommandRegistry(logger *slog.Logger) *CommandRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CommandRegistry{
		running: make(map[string]*runningCommand),
		logger:  logger.With("component", "command_registry"),
		sweeper: cron.New(),
	}
	_, _ = r.sweeper.AddFunc("@every 1m", r.prune)
	r.sweeper.Start()
	return r
}

// Register records a started subprocess and returns its registry id.
func (r *CommandRegistry) Register(command, cwd string, cmd *exec.Cmd) string {
	rc := &runningCommand{
		id:        uuid.NewString(),
		command:   command,
		cwd:       cwd,
		cmd:       cmd,
		startedAt: time.Now(),
	}
	r.mu.Lock()
	r.running[rc.id] = rc
	r.mu.Unlock()
	return rc.id
}

// MarkExited moves a running command to the finished list.
func (r *CommandRegistry) MarkExited(id string, exitCode int, killed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.running[id]
	if !ok {
		return
	}
	delete(r.running, id)
	r.finished = append(r.finished, FinishedCommand{
		ID:         rc.id,
		Command:    rc.command,
		Cwd:        rc.cwd,
		ExitCode:   exitCode,
		Killed:     killed,
		StartedAt:  rc.startedAt,
		FinishedAt: time.Now(),
	})
	if len(r.finished) > maxFinishedRecords {
		r.finished = r.finished[len(r.finished)-maxFinishedRecords:]
	}
}

// KillAll terminates the process group of every running command. It is
// idempotent: commands already gone are skipped. The registry entries are
// left for the owning RunCommand call to mark exited when Wait returns.
func (r *CommandRegistry) KillAll() {
	r.mu.Lock()
	targets := make([]*runningCommand, 0, len(r.running))
	for _, rc := range r.running {
		targets = append(targets, rc)
	}
	r.mu.Unlock()

	for _, rc := range targets {
		killProcessGroup(rc.cmd)
		r.logger.Info("killed running command", "command", rc.command)
	}
}

// killProcessGroup kills cmd's whole process group when it was started
// with Setpgid, falling back to killing the single process.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = cmd.Process.Kill()
}

// RunningCount reports how many commands are currently registered as
// running.
func (r *CommandRegistry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Finished returns a copy of the retained finished records.
func (r *CommandRegistry) Finished() []FinishedCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FinishedCommand, len(r.finished))
	copy(out, r.finished)
	return out
}

// prune drops finished records older than the retention window.
func (r *CommandRegistry) prune() {
	cutoff := time.Now().Add(-finishedRetention)
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.finished[:0]
	for _, fc := range r.finished {
		if fc.FinishedAt.After(cutoff) {
			kept = append(kept, fc)
		}
	}
	r.finished = kept
}

// Stop halts the pruning sweeper. Running commands are untouched.
func (r *CommandRegistry) Stop() {
	r.sweeper.Stop()
}
