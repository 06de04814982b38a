package shell

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"\x1b[31mred\x1b[0m", "red"},
		{"\x1b[2J\x1b[Hcleared", "cleared"},
		{"\x1b]0;title\x07body", "body"},
	}
	for _, tt := range tests {
		if got := stripANSI(tt.in); got != tt.want {
			t.Errorf("stripANSI(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLastNLines(t *testing.T) {
	text := "a\nb\nc\nd\n"
	if got := lastNLines(text, 2); got != "c\nd\n" {
		t.Errorf("lastNLines(2) = %q", got)
	}
	if got := lastNLines(text, 10); got != text {
		t.Errorf("lastNLines(10) = %q, want full text", got)
	}
	if got := lastNLines(text, 0); got != "" {
		t.Errorf("lastNLines(0) = %q, want empty", got)
	}
}

func TestRunPTYForeground(t *testing.T) {
	term, sink := newTestTerminal(t, AskOff)

	sessionID, tail, exitCode, timedOut, err := term.RunPTY(context.Background(), "echo from-pty", "", false, 0)
	if err != nil {
		t.Fatalf("RunPTY() error = %v", err)
	}
	if sessionID != "" {
		t.Errorf("foreground run must not return a session id, got %q", sessionID)
	}
	if exitCode != 0 || timedOut {
		t.Errorf("exitCode = %d, timedOut = %v", exitCode, timedOut)
	}
	if !strings.Contains(tail, "from-pty") {
		t.Errorf("tail = %q, want output", tail)
	}

	outputs := sink.byType(EventOutput)
	if len(outputs) == 0 {
		t.Fatalf("expected raw terminal_output events")
	}
	for _, ev := range outputs {
		if !ev.Raw || !ev.Stream {
			t.Errorf("PTY output must stream with raw=true: %+v", ev)
		}
	}
	sink.waitFor(t, EventCommandComplete)
}

func TestRunPTYBackgroundYieldsSession(t *testing.T) {
	term, sink := newTestTerminal(t, AskOff)

	sessionID, _, _, _, err := term.RunPTY(context.Background(), "sleep 30", "", true, 200)
	if err != nil {
		t.Fatalf("RunPTY() error = %v", err)
	}
	if sessionID == "" {
		t.Fatalf("background run should yield a session id")
	}
	sink.waitFor(t, EventSessionStarted)

	// The session stays addressable until killed.
	if _, err := term.ReadOutput(sessionID, 10); err != nil {
		t.Fatalf("ReadOutput() error = %v", err)
	}

	if err := term.KillProcess(sessionID); err != nil {
		t.Fatalf("KillProcess() error = %v", err)
	}
	ev := sink.waitFor(t, EventCommandComplete)
	if ev.ExitCode != -1 {
		t.Errorf("kill completion exit code = %d, want -1", ev.ExitCode)
	}
	if _, err := term.ReadOutput(sessionID, 10); err == nil {
		t.Errorf("killed session must be deregistered")
	}
}

func TestRunPTYBackgroundEarlyExit(t *testing.T) {
	term, _ := newTestTerminal(t, AskOff)

	sessionID, tail, exitCode, _, err := term.RunPTY(context.Background(), "echo quick", "", true, 5000)
	if err != nil {
		t.Fatalf("RunPTY() error = %v", err)
	}
	if sessionID != "" {
		t.Errorf("process that exits within yield window must not leave a session, got %q", sessionID)
	}
	if exitCode != 0 || !strings.Contains(tail, "quick") {
		t.Errorf("exitCode = %d, tail = %q", exitCode, tail)
	}
}

func TestPTYSendInputAndReadOutput(t *testing.T) {
	term, _ := newTestTerminal(t, AskOff)

	sessionID, _, _, _, err := term.RunPTY(context.Background(), "cat", "", true, 200)
	if err != nil {
		t.Fatalf("RunPTY() error = %v", err)
	}
	if sessionID == "" {
		t.Fatalf("cat should still be running after the yield window")
	}
	defer func() { _ = term.KillProcess(sessionID) }()

	tail, err := term.SendInput(sessionID, "marco", true, 300)
	if err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}
	if !strings.Contains(tail, "marco") {
		t.Errorf("tail after input = %q, want echo of input", tail)
	}

	out, err := term.ReadOutput(sessionID, 50)
	if err != nil {
		t.Fatalf("ReadOutput() error = %v", err)
	}
	if !strings.Contains(out, "marco") {
		t.Errorf("ReadOutput = %q", out)
	}
}

func TestDispatchRunCommandPTYBackground(t *testing.T) {
	term, _ := newTestTerminal(t, AskOff)

	args, _ := json.Marshal(RunCommandArgs{Command: "sleep 30", PTY: true, Background: true, YieldMs: 200})
	got := term.Dispatch(context.Background(), "run_command", args)
	if !strings.Contains(got, "session_id:") {
		t.Fatalf("result = %q, want session_id: marker", got)
	}

	sessionID := strings.Fields(strings.TrimPrefix(got[strings.Index(got, "session_id:"):], "session_id:"))[0]
	killArgs, _ := json.Marshal(KillProcessArgs{SessionID: sessionID})
	killed := term.Dispatch(context.Background(), "kill_process", killArgs)
	if killed != "Session "+sessionID+" terminated" {
		t.Errorf("kill result = %q", killed)
	}
}

func TestCancelAllTerminatesPTYSessions(t *testing.T) {
	term, sink := newTestTerminal(t, AskOff)

	sessionID, _, _, _, err := term.RunPTY(context.Background(), "sleep 30", "", true, 200)
	if err != nil {
		t.Fatalf("RunPTY() error = %v", err)
	}
	if sessionID == "" {
		t.Fatalf("expected a live session")
	}

	term.CancelAll()
	ev := sink.waitFor(t, EventCommandComplete)
	if ev.ExitCode != -1 {
		t.Errorf("cancel completion exit code = %d, want -1", ev.ExitCode)
	}
	if _, err := term.ReadOutput(sessionID, 10); err == nil {
		t.Errorf("cancelled session must be removed from the registry")
	}

	// Idempotent.
	term.CancelAll()
}

func TestResizeAllNoSessions(t *testing.T) {
	term, _ := newTestTerminal(t, AskOff)
	term.ResizeAll(120, 40) // must not panic with no sessions
}

func TestPTYTextBufferCap(t *testing.T) {
	s := &ptySession{}
	big := make([]byte, 3_000_000)
	for i := range big {
		big[i] = 'x'
	}
	s.appendText(big)
	s.mu.Lock()
	n := len(s.textBuf)
	s.mu.Unlock()
	if n > 2_000_000 {
		t.Errorf("text buffer = %d bytes, want capped at 2MB", n)
	}
}

func TestRunPTYBlocked(t *testing.T) {
	term, _ := newTestTerminal(t, AskOff)
	_, tail, exitCode, _, err := term.RunPTY(context.Background(), "mkfs /dev/sda", "", false, 0)
	if err != nil {
		t.Fatalf("RunPTY() error = %v", err)
	}
	if !strings.HasPrefix(tail, "BLOCKED:") || exitCode != -1 {
		t.Errorf("tail = %q, exitCode = %d", tail, exitCode)
	}
}
