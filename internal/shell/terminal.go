// Package shell implements the terminal subsystem: command approval,
// blocklisting, standard and PTY execution, and session lifecycle.
package shell

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Terminal composes the approval rendezvous, command blocklist, approval
// history store, and PTY session table into the single collaborator the
// Request Orchestrator talks to for everything terminal-related.
type Terminal struct {
	mu          sync.RWMutex
	ptySessions map[string]*ptySession

	registry  *CommandRegistry
	blocklist *Blocklist
	approvals *ApprovalStore
	rendez    *Rendezvous
	sink      EventSink
	logger    *slog.Logger

	askLevel    AskLevel
	sessionMode atomic.Bool

	// OnCommand, if set, is invoked once per run_command invocation with
	// its full lifecycle outcome, so a caller (the Request Orchestrator)
	// can build and persist a Terminal Event record. It is never invoked
	// concurrently with itself for a single Terminal, but run_command
	// calls from different rounds of the same turn can overlap; callers
	// that accumulate state across calls must synchronize themselves.
	OnCommand func(CommandEvent)
}

// CommandEvent is the full lifecycle outcome of one run_command dispatch,
// independent of the Terminal Subsystem's live event stream: it is the
// shape a caller needs to build a persisted Terminal Event record.
type CommandEvent struct {
	Command    string
	Cwd        string
	ExitCode   int
	DurationMs int64
	Output     string
	Denied     bool
	TimedOut   bool
	PTY        bool
	Background bool
	SessionID  string
}

// Config configures a Terminal.
type Config struct {
	AskLevel           AskLevel
	BlocklistOverrides []string
	ApprovalStorePath  string
	Sink               EventSink
	Logger             *slog.Logger
}

// New builds a Terminal from config.
func New(cfg Config) (*Terminal, error) {
	if cfg.AskLevel == "" {
		cfg.AskLevel = AskOnMiss
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	store, err := NewApprovalStore(cfg.ApprovalStorePath)
	if err != nil {
		return nil, err
	}

	return &Terminal{
		ptySessions: make(map[string]*ptySession),
		registry:    NewCommandRegistry(cfg.Logger),
		blocklist:   NewBlocklist(cfg.BlocklistOverrides),
		approvals:   store,
		rendez:      NewRendezvous(),
		sink:        cfg.Sink,
		logger:      cfg.Logger.With("component", "terminal"),
		askLevel:    cfg.AskLevel,
	}, nil
}

func (t *Terminal) emit(ev Event) {
	t.sink.Emit(ev)
}

func (t *Terminal) reportCommand(ce CommandEvent) {
	if t.OnCommand != nil {
		t.OnCommand(ce)
	}
}

// SetSessionMode enables or disables the "all commands auto-approved"
// session flag. It auto-expires at end-of-turn — callers are expected to
// call SetSessionMode(false) from the orchestrator's turn-cleanup path.
func (t *Terminal) SetSessionMode(active bool) {
	t.sessionMode.Store(active)
}

// SessionModeActive reports whether session mode currently auto-approves
// every command.
func (t *Terminal) SessionModeActive() bool {
	return t.sessionMode.Load()
}

// RequestSessionMode broadcasts a terminal_session_request event and waits
// for the user's approval via the rendezvous primitive. On approval, it
// sets the session flag and emits terminal_session_started.
func (t *Terminal) RequestSessionMode(ctx context.Context) (approved bool) {
	requestID, wait := t.rendez.Begin()
	t.emit(Event{Type: EventSessionRequest, RequestID: requestID, At: time.Now()})
	resp := wait()
	if resp.Approved {
		t.SetSessionMode(true)
		t.emit(Event{Type: EventSessionStarted, At: time.Now()})
	}
	return resp.Approved
}

// EndSessionMode clears the session flag and emits terminal_session_ended.
func (t *Terminal) EndSessionMode() {
	t.SetSessionMode(false)
	t.emit(Event{Type: EventSessionEnded, At: time.Now()})
}

// CheckApproval implements check_approval(command, cwd): under
// an ask_level miss, it broadcasts a terminal_approval_request and awaits a
// decision, deadline, or cancel-all. It returns whether the command may
// proceed and the rendezvous request id (empty when no prompt was needed).
func (t *Terminal) CheckApproval(ctx context.Context, command, cwd string) (approved bool, requestID string) {
	if t.sessionMode.Load() {
		return true, ""
	}
	switch t.askLevel {
	case AskOff:
		return true, ""
	case AskOnMiss:
		if t.approvals.IsApproved(command) {
			return true, ""
		}
	case AskAlways:
		// always prompts, fall through
	}

	requestID, wait := t.rendez.Begin()
	t.emit(Event{Type: EventApprovalRequest, RequestID: requestID, Command: command, At: time.Now()})
	resp := wait()
	if resp.Approved && resp.Remember {
		if err := t.approvals.Remember(command); err != nil {
			t.logger.Warn("failed to persist remembered approval", "error", err)
		}
	}
	return resp.Approved, requestID
}

// ResolveApproval delivers the user's terminal_approval_response decision
// for a pending approval or session-mode request.
func (t *Terminal) ResolveApproval(requestID string, approved, remember bool) {
	t.rendez.Resolve(requestID, approved, remember)
}

// CancelAll implements the global cancellation sweep triggered by a Stop
// request: every pending approval/session request resolves to denied,
// every active standard subprocess and PTY session is killed.
func (t *Terminal) CancelAll() {
	t.rendez.CancelAll()

	t.mu.Lock()
	sessions := make([]*ptySession, 0, len(t.ptySessions))
	for _, s := range t.ptySessions {
		sessions = append(sessions, s)
	}
	t.ptySessions = make(map[string]*ptySession)
	t.mu.Unlock()

	for _, s := range sessions {
		t.killPTYLocked(s)
		t.emit(Event{Type: EventCommandComplete, SessionID: s.id, Command: s.command, ExitCode: -1, At: time.Now()})
	}

	t.registry.KillAll()
}

// Close stops the Terminal's background workers: the finished-command
// sweeper and the approval-store file watcher.
func (t *Terminal) Close() {
	t.registry.Stop()
	t.approvals.Close()
}
