package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

// InterceptedToolNames lists the tool names the terminal tool server
// advertises but the core intercepts before they reach any subprocess.
var InterceptedToolNames = []string{
	"run_command",
	"request_session_mode",
	"end_session_mode",
	"send_input",
	"read_output",
	"kill_process",
	"get_environment",
	"find_files",
}

// RunCommandArgs is the input schema for run_command.
type RunCommandArgs struct {
	Command    string `json:"command" jsonschema:"required,description=Shell command to execute"`
	Cwd        string `json:"cwd,omitempty" jsonschema:"description=Working directory"`
	PTY        bool   `json:"pty,omitempty" jsonschema:"description=Run in a pseudoterminal for interactive programs"`
	Background bool   `json:"background,omitempty" jsonschema:"description=Only meaningful with pty=true; keep the session alive after yield_ms"`
	YieldMs    int    `json:"yield_ms,omitempty" jsonschema:"description=How long a background PTY waits for early exit before yielding its session id"`
	TimeoutMs  int    `json:"timeout_ms,omitempty" jsonschema:"description=Caller-requested timeout, clamped to the subsystem ceiling"`
}

// SendInputArgs is the input schema for send_input.
type SendInputArgs struct {
	SessionID string `json:"session_id" jsonschema:"required"`
	Text      string `json:"text" jsonschema:"required,description=May contain JSON escape sequences such as \\n"`
	AppendCR  bool   `json:"append_cr,omitempty"`
	WaitMs    int    `json:"wait_ms,omitempty"`
}

// ReadOutputArgs is the input schema for read_output.
type ReadOutputArgs struct {
	SessionID string `json:"session_id" jsonschema:"required"`
	Lines     int    `json:"lines,omitempty"`
}

// KillProcessArgs is the input schema for kill_process.
type KillProcessArgs struct {
	SessionID string `json:"session_id" jsonschema:"required"`
}

// FindFilesArgs is the input schema for find_files.
type FindFilesArgs struct {
	Directory string `json:"directory" jsonschema:"required"`
	Pattern   string `json:"pattern,omitempty" jsonschema:"description=Glob pattern, default *"`
}

const findFilesMaxResults = 200

// ToolSchema returns the JSON Schema for one of the intercepted tool's
// argument structs, generated with invopop/jsonschema the same way
// config.JSONSchema documents the configuration file.
func ToolSchema(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	schema := r.Reflect(v)
	return json.Marshal(schema)
}

// Dispatch executes one of the intercepted terminal tools and returns its
// textual result, in the never-errors style the rest of the tool loop
// expects from every tool dispatch path.
func (t *Terminal) Dispatch(ctx context.Context, toolName string, rawArgs json.RawMessage) string {
	switch toolName {
	case "run_command":
		return t.dispatchRunCommand(ctx, rawArgs)
	case "request_session_mode":
		approved := t.RequestSessionMode(ctx)
		if approved {
			return "session mode enabled"
		}
		return "session mode request denied"
	case "end_session_mode":
		t.EndSessionMode()
		return "session mode ended"
	case "send_input":
		return t.dispatchSendInput(rawArgs)
	case "read_output":
		return t.dispatchReadOutput(rawArgs)
	case "kill_process":
		return t.dispatchKillProcess(rawArgs)
	case "get_environment":
		return t.dispatchGetEnvironment(ctx)
	case "find_files":
		return t.dispatchFindFiles(rawArgs)
	default:
		return fmt.Sprintf("unknown terminal tool: %s", toolName)
	}
}

func (t *Terminal) dispatchRunCommand(ctx context.Context, rawArgs json.RawMessage) string {
	var args RunCommandArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return fmt.Sprintf("invalid run_command args: %s", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return "run_command requires a non-empty command"
	}

	if blocked, reason := t.blocklist.Check(args.Command); blocked {
		t.reportCommand(CommandEvent{Command: args.Command, Cwd: args.Cwd, ExitCode: -1, Output: "BLOCKED: " + reason, Denied: true, PTY: args.PTY, Background: args.Background})
		return "BLOCKED: " + reason
	}

	approved, _ := t.CheckApproval(ctx, args.Command, args.Cwd)
	if !approved {
		t.reportCommand(CommandEvent{Command: args.Command, Cwd: args.Cwd, ExitCode: -1, Output: "Command denied by user", Denied: true, PTY: args.PTY, Background: args.Background})
		return "Command denied by user"
	}

	if args.PTY {
		start := time.Now()
		sessionID, tail, exitCode, timedOut, err := t.RunPTY(ctx, args.Command, args.Cwd, args.Background, args.YieldMs)
		if err != nil {
			t.reportCommand(CommandEvent{Command: args.Command, Cwd: args.Cwd, ExitCode: -1, Output: err.Error(), PTY: true, Background: args.Background, DurationMs: time.Since(start).Milliseconds()})
			return fmt.Sprintf("pty execution failed: %s", err)
		}
		duration := time.Since(start).Milliseconds()
		if sessionID != "" {
			t.reportCommand(CommandEvent{Command: args.Command, Cwd: args.Cwd, Output: tail, PTY: true, Background: true, SessionID: sessionID, DurationMs: duration})
			return fmt.Sprintf("session_id: %s (still running in background)\n%s", sessionID, tail)
		}
		t.reportCommand(CommandEvent{Command: args.Command, Cwd: args.Cwd, ExitCode: exitCode, Output: tail, TimedOut: timedOut, PTY: true, Background: args.Background, DurationMs: duration})
		if timedOut {
			return fmt.Sprintf("command timed out\n%s", tail)
		}
		return fmt.Sprintf("exit_code=%d\n%s", exitCode, tail)
	}

	timeout := time.Duration(args.TimeoutMs) * time.Millisecond
	result := t.RunCommand(ctx, args.Command, args.Cwd, timeout)
	t.reportCommand(CommandEvent{
		Command: args.Command, Cwd: args.Cwd, ExitCode: result.ExitCode,
		DurationMs: result.DurationMs, Output: result.FullOutput, TimedOut: result.TimedOut,
	})
	if result.TimedOut {
		return fmt.Sprintf("command timed out after %dms\n%s", result.DurationMs, result.FullOutput)
	}
	return fmt.Sprintf("exit_code=%d duration_ms=%d\n%s", result.ExitCode, result.DurationMs, result.FullOutput)
}

func (t *Terminal) dispatchSendInput(rawArgs json.RawMessage) string {
	var args SendInputArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return fmt.Sprintf("invalid send_input args: %s", err)
	}
	text, err := decodeEscapes(args.Text)
	if err != nil {
		return fmt.Sprintf("invalid escape sequence: %s", err)
	}
	tail, err := t.SendInput(args.SessionID, text, args.AppendCR, args.WaitMs)
	if err != nil {
		return err.Error()
	}
	return tail
}

func (t *Terminal) dispatchReadOutput(rawArgs json.RawMessage) string {
	var args ReadOutputArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return fmt.Sprintf("invalid read_output args: %s", err)
	}
	if args.Lines <= 0 {
		args.Lines = ptyTailLines
	}
	tail, err := t.ReadOutput(args.SessionID, args.Lines)
	if err != nil {
		return err.Error()
	}
	return tail
}

func (t *Terminal) dispatchKillProcess(rawArgs json.RawMessage) string {
	var args KillProcessArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return fmt.Sprintf("invalid kill_process args: %s", err)
	}
	if err := t.KillProcess(args.SessionID); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("Session %s terminated", args.SessionID)
}

func (t *Terminal) dispatchGetEnvironment(ctx context.Context) string {
	cwd, _ := os.Getwd()
	shellPath := os.Getenv("SHELL")
	if shellPath == "" {
		shellPath = "/bin/sh"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "os=%s arch=%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "shell=%s\n", shellPath)
	fmt.Fprintf(&sb, "cwd=%s\n", cwd)

	for _, tool := range []string{"git", "node", "python3", "go", "docker"} {
		version := probeVersion(ctx, tool)
		fmt.Fprintf(&sb, "%s=%s\n", tool, version)
	}
	return sb.String()
}

func probeVersion(ctx context.Context, tool string) string {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	path, err := exec.LookPath(tool)
	if err != nil {
		return "not found"
	}
	out, err := exec.CommandContext(probeCtx, path, "--version").Output()
	if err != nil {
		return "unknown"
	}
	line := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	return line
}

func (t *Terminal) dispatchFindFiles(rawArgs json.RawMessage) string {
	var args FindFilesArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return fmt.Sprintf("invalid find_files args: %s", err)
	}
	if args.Pattern == "" {
		args.Pattern = "*"
	}
	if strings.TrimSpace(args.Directory) == "" {
		return "find_files requires a directory"
	}

	var matches []string
	err := filepath.WalkDir(args.Directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort walk, skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		ok, matchErr := filepath.Match(args.Pattern, d.Name())
		if matchErr == nil && ok {
			matches = append(matches, path)
			if len(matches) >= findFilesMaxResults {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Sprintf("find_files failed: %s", err)
	}
	if len(matches) == findFilesMaxResults {
		matches = append(matches, fmt.Sprintf("… capped at %d results", findFilesMaxResults))
	}
	return strings.Join(matches, "\n")
}

// decodeEscapes decodes JSON-style escape sequences (\n, \t, , …) in a
// raw tool-supplied string, e.g. to send Ctrl-C to an interactive program.
func decodeEscapes(s string) (string, error) {
	var decoded string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &decoded); err != nil {
		return s, nil
	}
	return decoded, nil
}
