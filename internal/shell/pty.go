package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/term"
)

// PTY execution timeouts.
const (
	ptyForegroundTimeout = 120 * time.Second
	ptyBackgroundTimeout = 1800 * time.Second
	defaultYieldMs       = 10_000
	ptyTailLines         = 200
	ptyEarlyTailLines    = 100
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][0-9A-Za-z]`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// ptySession is an active pseudoterminal-backed command.
type ptySession struct {
	mu        sync.Mutex
	id        string
	command   string
	cwd       string
	cmd        *exec.Cmd
	file       *os.File
	textBuf    []byte // ANSI-stripped, used for read_output / tail rendering
	cancel     context.CancelFunc
	done       chan struct{}
	readerDone chan struct{}
	exitCode   int
	exited     bool
	startedAt  time.Time
}

func (p *ptySession) appendText(raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	clean := stripANSI(string(raw))
	p.textBuf = append(p.textBuf, clean...)
	const maxText = 2_000_000
	if len(p.textBuf) > maxText {
		p.textBuf = p.textBuf[len(p.textBuf)-maxText:]
	}
}

func (p *ptySession) tailLines(n int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lastNLines(string(p.textBuf), n)
}

func lastNLines(text string, n int) string {
	if n <= 0 {
		return ""
	}
	start := len(text)
	lines := 0
	for i := len(text) - 1; i >= 0; i-- {
		if text[i] == '\n' {
			lines++
			if lines > n {
				start = i + 1
				return text[start:]
			}
		}
	}
	return text
}

// defaultPTYSize probes the current process's controlling terminal for a
// sensible initial size before the frontend publishes its own via resize;
// it falls back to 80x24 when no terminal is attached (the normal case for
// a headless server process).
func defaultPTYSize() pty.Winsize {
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && h > 0 {
		return pty.Winsize{Cols: uint16(w), Rows: uint16(h)}
	}
	return pty.Winsize{Cols: 80, Rows: 24}
}

// RunPTY spawns command in a pseudoterminal. Foreground waits for exit or
// timeout; background waits up to yieldMs (default 10s) for an early exit
// and otherwise returns the live session's id immediately.
func (t *Terminal) RunPTY(ctx context.Context, command, cwd string, background bool, yieldMs int) (sessionID string, tail string, exitCode int, timedOut bool, err error) {
	if blocked, reason := t.blocklist.Check(command); blocked {
		return "", "BLOCKED: " + reason, -1, false, nil
	}

	timeout := ptyForegroundTimeout
	if background {
		timeout = ptyBackgroundTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = append(SanitizedEnv(nil), "TERM=xterm-256color")

	f, startErr := pty.StartWithSize(cmd, ptrSize(defaultPTYSize()))
	if startErr != nil {
		cancel()
		return "", "", -1, false, fmt.Errorf("start pty: %w", startErr)
	}

	sess := &ptySession{
		id:         uuid.NewString(),
		command:    command,
		cwd:        cwd,
		cmd:        cmd,
		file:       f,
		cancel:     cancel,
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		startedAt:  time.Now(),
	}

	t.mu.Lock()
	t.ptySessions[sess.id] = sess
	t.mu.Unlock()

	go t.ptyReadLoop(sess)
	go t.ptyWait(sess)

	waitFor := timeout
	if background {
		if yieldMs <= 0 {
			yieldMs = defaultYieldMs
		}
		waitFor = time.Duration(yieldMs) * time.Millisecond
	}

	select {
	case <-sess.done:
		// Let the reader drain whatever the PTY still buffers before the
		// tail is snapshotted; the pty read errors out shortly after the
		// child exits.
		select {
		case <-sess.readerDone:
		case <-time.After(2 * time.Second):
		}
		sess.mu.Lock()
		code := sess.exitCode
		sess.mu.Unlock()
		t.removePTY(sess.id)
		t.emit(Event{Type: EventCommandComplete, SessionID: sess.id, Command: command, ExitCode: code, At: time.Now()})
		return "", sess.tailLines(ptyTailLines), code, false, nil
	case <-time.After(waitFor):
		if !background {
			t.killPTYLocked(sess)
			t.emit(Event{Type: EventCommandComplete, SessionID: sess.id, Command: command, ExitCode: -1, TimedOut: true, At: time.Now()})
			return "", sess.tailLines(ptyTailLines), -1, true, nil
		}
		t.emit(Event{Type: EventSessionStarted, SessionID: sess.id, Command: command, At: time.Now()})
		return sess.id, sess.tailLines(ptyEarlyTailLines), 0, false, nil
	}
}

func ptrSize(sz pty.Winsize) *pty.Winsize { return &sz }

func (t *Terminal) ptyReadLoop(sess *ptySession) {
	defer close(sess.readerDone)
	buf := make([]byte, 4096)
	for {
		n, err := sess.file.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			sess.appendText(chunk)
			t.emit(Event{Type: EventOutput, SessionID: sess.id, Text: string(chunk), Stream: true, Raw: true, At: time.Now()})
		}
		if err != nil {
			return
		}
	}
}

func (t *Terminal) ptyWait(sess *ptySession) {
	err := sess.cmd.Wait()
	sess.mu.Lock()
	sess.exited = true
	sess.exitCode = exitCodeFromErr(err)
	sess.mu.Unlock()
	close(sess.done)
}

func exitCodeFromErr(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// ResizeAll resizes every active PTY session to the given cols/rows — the
// frontend publishes a single (cols, rows) pair that applies to all active
// sessions.
func (t *Terminal) ResizeAll(cols, rows int) {
	t.mu.RLock()
	sessions := make([]*ptySession, 0, len(t.ptySessions))
	for _, s := range t.ptySessions {
		sessions = append(sessions, s)
	}
	t.mu.RUnlock()

	size := &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
	for _, s := range sessions {
		_ = pty.Setsize(s.file, size)
	}
}

// SendInput writes text (after JSON escape-sequence decoding by the caller)
// to the named PTY session, optionally appending a carriage return, waits
// waitMs, and returns the recent text buffer.
func (t *Terminal) SendInput(sessionID, text string, appendCR bool, waitMs int) (string, error) {
	t.mu.RLock()
	sess, ok := t.ptySessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown terminal session: %s", sessionID)
	}
	if appendCR {
		text += "\r"
	}
	if _, err := io.WriteString(sess.file, text); err != nil {
		return "", fmt.Errorf("write input: %w", err)
	}
	if waitMs > 0 {
		time.Sleep(time.Duration(waitMs) * time.Millisecond)
	}
	return sess.tailLines(ptyTailLines), nil
}

// ReadOutput returns the last n lines of the named PTY session's text buffer.
func (t *Terminal) ReadOutput(sessionID string, n int) (string, error) {
	t.mu.RLock()
	sess, ok := t.ptySessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown terminal session: %s", sessionID)
	}
	return sess.tailLines(n), nil
}

// KillProcess terminates the named PTY session and emits completion.
func (t *Terminal) KillProcess(sessionID string) error {
	t.mu.RLock()
	sess, ok := t.ptySessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown terminal session: %s", sessionID)
	}
	t.killPTYLocked(sess)
	t.removePTY(sessionID)
	t.emit(Event{Type: EventCommandComplete, SessionID: sessionID, Command: sess.command, ExitCode: -1, At: time.Now()})
	return nil
}

func (t *Terminal) killPTYLocked(sess *ptySession) {
	sess.cancel()
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	_ = sess.file.Close()
}

func (t *Terminal) removePTY(id string) {
	t.mu.Lock()
	delete(t.ptySessions, id)
	t.mu.Unlock()
}
