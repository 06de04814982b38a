package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexuscore/engine/internal/shell"
)

// serverProcess is one running tool-server child: the subprocess handle,
// its line-framed JSON-RPC channel, and the pending-call table that
// multiplexes concurrent requests over that single channel. A call whose
// id has no outstanding entry is dropped — the server cannot invent
// responses the client never asked for.
type serverProcess struct {
	cfg    ServerConfig
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcInbound

	alive     atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	readerWG  sync.WaitGroup

	serverName    string
	serverVersion string
}

// spawnServer starts the child with a PATH-pinned environment and begins
// demuxing its stdout. It does not perform the protocol handshake; the
// Manager drives that so spawn and protocol failures stay distinguishable.
func spawnServer(cfg ServerConfig, logger *slog.Logger) (*serverProcess, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = shell.SanitizedEnv(cfg.Env)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	p := &serverProcess{
		cfg:     cfg,
		logger:  logger.With("tool_server", cfg.Name),
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *rpcInbound),
		closed:  make(chan struct{}),
	}
	p.alive.Store(true)

	p.readerWG.Add(1)
	go p.readLoop(stdout)
	if stderr != nil {
		p.readerWG.Add(1)
		go p.drainStderr(stderr)
	}

	p.logger.Info("tool server spawned", "pid", cmd.Process.Pid)
	return p, nil
}

func (p *serverProcess) readLoop(stdout io.Reader) {
	defer p.readerWG.Done()
	defer p.alive.Store(false)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcInbound
		if err := json.Unmarshal(line, &msg); err != nil {
			p.logger.Warn("dropping unparseable server output", "error", err)
			continue
		}
		if !msg.isResponse() {
			p.logger.Debug("server notification", "method", msg.Method)
			continue
		}

		p.pendingMu.Lock()
		ch, ok := p.pending[*msg.ID]
		if ok {
			delete(p.pending, *msg.ID)
		}
		p.pendingMu.Unlock()
		if !ok {
			p.logger.Warn("dropping response with no outstanding request", "id", *msg.ID)
			continue
		}
		ch <- &msg
	}
}

func (p *serverProcess) drainStderr(stderr io.Reader) {
	defer p.readerWG.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// call issues one JSON-RPC request and blocks for its response, the
// context, the per-server timeout, or channel shutdown — whichever fires
// first. The per-server timeout does not apply to call_tool, which the
// Manager bounds with its own ceiling through ctx.
func (p *serverProcess) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !p.alive.Load() {
		return nil, fmt.Errorf("server %s is not running", p.cfg.Name)
	}

	id := p.nextID.Add(1)
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	respCh := make(chan *rpcInbound, 1)
	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	p.writeMu.Lock()
	_, err = p.stdin.Write(append(payload, '\n'))
	p.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	var timeout <-chan time.Time
	if method != "call_tool" {
		timer := time.NewTimer(p.cfg.rpcTimeout())
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: server error %d: %s", method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%s: no response within %s", method, p.cfg.rpcTimeout())
	case <-p.closed:
		return nil, fmt.Errorf("server %s closed", p.cfg.Name)
	}
}

// handshake completes the protocol initialization and returns the
// server's advertised tool list.
func (p *serverProcess) handshake(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := p.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "engine", "version": "1.0.0"},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return nil, fmt.Errorf("initialize: bad result: %w", err)
	}
	p.serverName = init.ServerInfo.Name
	p.serverVersion = init.ServerInfo.Version

	raw, err = p.call(ctx, "list_tools", nil)
	if err != nil {
		return nil, fmt.Errorf("list_tools: %w", err)
	}
	var list listToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("list_tools: bad result: %w", err)
	}

	p.logger.Info("tool server ready",
		"server", p.serverName, "version", p.serverVersion, "tools", len(list.Tools))
	return list.Tools, nil
}

// callTool issues call_tool and flattens the response's textual content
// blocks into one string.
func (p *serverProcess) callTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	raw, err := p.call(ctx, "call_tool", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", false, err
	}
	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, fmt.Errorf("call_tool: bad result: %w", err)
	}

	var out []byte
	for _, block := range result.Content {
		switch block.Type {
		case "text":
			out = append(out, block.Text...)
		default:
			out = append(out, fmt.Sprintf("[%s: %s]", block.Type, block.MimeType)...)
		}
	}
	return string(out), result.IsError, nil
}

// running reports whether the child is still believed alive.
func (p *serverProcess) running() bool {
	return p.alive.Load()
}

// close terminates the channel and the child. Idempotent.
func (p *serverProcess) close() {
	p.closeOnce.Do(func() {
		p.alive.Store(false)
		close(p.closed)
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		p.readerWG.Wait()
		_ = p.cmd.Wait()
	})
}
