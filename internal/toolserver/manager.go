// Package toolserver implements the Tool-Server Manager: it owns
// tool-server child processes speaking line-framed JSON-RPC on their
// standard streams, enforces a global unique-tool-name invariant, pins
// the PATH every server child sees to the one captured at process start,
// and never lets a call_tool failure escape as anything but a result
// string.
package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// callToolCeiling is the hard ceiling on a single call_tool invocation,
// regardless of any caller-requested timeout.
const callToolCeiling = 180 * time.Second

// SpawnError is returned by Connect when the child process cannot start.
type SpawnError struct {
	Server string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Server, e.Err)
}
func (e *SpawnError) Unwrap() error { return e.Err }

// HandshakeError is returned by Connect when the child violates the
// initialize/list_tools protocol.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake %s: %v", e.Server, e.Err)
}
func (e *HandshakeError) Unwrap() error { return e.Err }

// ToolView is the canonical, provider-neutral shape the Manager exposes
// for every registered tool.
type ToolView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	JSONSchema  []byte `json:"json_schema"`
	Server      string `json:"-"`
}

// ReembedNotifier is invoked after every registration change so the
// Retriever can rebuild its embedding cache. It is satisfied by
// (*retriever.Retriever).Reembed via a small adapter in the wiring layer,
// kept as a closure here so this package never imports retriever.
type ReembedNotifier func(ctx context.Context)

// Manager owns tool-server subprocess connections and routes invocations
// to them. There is exactly one instance per process.
type Manager struct {
	mu        sync.RWMutex
	servers   map[string]*serverProcess
	tools     map[string][]ToolDescriptor // server name -> registered tools
	toolOwner map[string]string           // tool name -> server name

	logger   *slog.Logger
	onChange ReembedNotifier
}

// NewManager builds an empty Tool-Server Manager.
func NewManager(logger *slog.Logger, onChange ReembedNotifier) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if onChange == nil {
		onChange = func(context.Context) {}
	}
	return &Manager{
		servers:   make(map[string]*serverProcess),
		tools:     make(map[string][]ToolDescriptor),
		toolOwner: make(map[string]string),
		logger:    logger.With("component", "toolserver"),
		onChange:  onChange,
	}
}

// Connect spawns a tool-server child process, completes the
// initialize/list_tools handshake, and registers its tools under the
// global unique-name invariant. It is a no-op if serverName is already
// connected.
func (m *Manager) Connect(ctx context.Context, serverName, command string, args []string, env map[string]string) error {
	m.mu.Lock()
	if _, exists := m.servers[serverName]; exists {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	proc, err := spawnServer(ServerConfig{
		Name:    serverName,
		Command: command,
		Args:    args,
		Env:     env,
	}, m.logger)
	if err != nil {
		return &SpawnError{Server: serverName, Err: err}
	}

	discovered, err := proc.handshake(ctx)
	if err != nil {
		proc.close()
		return &HandshakeError{Server: serverName, Err: err}
	}

	// A tool whose inputSchema is not a valid JSON Schema document is
	// skipped rather than exposed to a provider that would reject the
	// whole tools block over it.
	registered := make([]ToolDescriptor, 0, len(discovered))
	for _, t := range discovered {
		if err := validateToolSchema(t.InputSchema); err != nil {
			m.logger.Warn("skipping tool with invalid schema", "server", serverName, "tool", t.Name, "error", err)
			continue
		}
		registered = append(registered, t)
	}

	m.mu.Lock()
	for _, t := range registered {
		if owner, exists := m.toolOwner[t.Name]; exists {
			m.mu.Unlock()
			proc.close()
			return &HandshakeError{
				Server: serverName,
				Err:    fmt.Errorf("tool %q already registered by %q", t.Name, owner),
			}
		}
	}
	for _, t := range registered {
		m.toolOwner[t.Name] = serverName
	}
	m.servers[serverName] = proc
	m.tools[serverName] = registered
	m.mu.Unlock()

	m.logger.Info("tool server connected", "server", serverName, "tools", len(registered))
	m.onChange(ctx)
	return nil
}

// Disconnect terminates a server's channel and removes every tool it
// owned, then notifies the Retriever.
func (m *Manager) Disconnect(ctx context.Context, serverName string) {
	m.mu.Lock()
	proc, exists := m.servers[serverName]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.servers, serverName)
	delete(m.tools, serverName)
	for name, owner := range m.toolOwner {
		if owner == serverName {
			delete(m.toolOwner, name)
		}
	}
	m.mu.Unlock()

	if proc != nil {
		proc.close()
	}
	m.onChange(ctx)
}

// Cleanup disconnects every connected server. Called on core shutdown.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.Disconnect(ctx, name)
	}
}

// CallTool resolves name to its owning server and issues a call_tool
// request with a hard 180-second ceiling, regardless of any
// caller-supplied context deadline. It never returns an error: failures
// become human-readable result strings so the LLM can read and recover
// from them.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) string {
	m.mu.RLock()
	serverName, ok := m.toolOwner[name]
	var proc *serverProcess
	if ok {
		proc = m.servers[serverName]
	}
	m.mu.RUnlock()

	if !ok || proc == nil {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}
	if !proc.running() {
		return fmt.Sprintf("Error: server %q for tool %q is not running", serverName, name)
	}

	callCtx, cancel := context.WithTimeout(ctx, callToolCeiling)
	defer cancel()

	text, isError, err := proc.callTool(callCtx, name, args)
	if err != nil {
		return fmt.Sprintf("Error: %s", err)
	}
	if isError && text == "" {
		return "Error: tool reported failure"
	}
	return text
}

// Tools returns the canonical, provider-neutral tool view for every
// currently registered tool, sorted by name for deterministic output.
func (m *Manager) Tools() []ToolView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	views := make([]ToolView, 0, len(m.toolOwner))
	for serverName, descriptors := range m.tools {
		for _, t := range descriptors {
			views = append(views, ToolView{
				Name:        t.Name,
				Description: t.Description,
				JSONSchema:  t.InputSchema,
				Server:      serverName,
			})
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

// OwnerOf reports which server owns a tool name, if any.
func (m *Manager) OwnerOf(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.toolOwner[name]
	return owner, ok
}

// Connected reports whether a server name currently has an active
// connection.
func (m *Manager) Connected(serverName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.servers[serverName]
	return ok
}

// validateToolSchema compiles a tool's inputSchema as JSON Schema. An
// empty schema is allowed (a tool with no arguments).
func validateToolSchema(schema []byte) error {
	if len(schema) == 0 {
		return nil
	}
	_, err := jsonschema.CompileString("inputSchema.json", string(schema))
	return err
}

// ConnectGoogleServers checks for a persisted OAuth token file named by
// GOOGLE_TOKEN_FILE and, only if present, spawns the Gmail and Calendar
// tool servers with that token path injected into their environment.
func (m *Manager) ConnectGoogleServers(ctx context.Context, gmailCommand, calendarCommand string) error {
	tokenFile := os.Getenv("GOOGLE_TOKEN_FILE")
	if tokenFile == "" {
		return nil
	}
	if _, err := os.Stat(tokenFile); err != nil {
		return nil
	}

	env := map[string]string{"GOOGLE_TOKEN_FILE": tokenFile}
	if err := m.Connect(ctx, "gmail", gmailCommand, nil, env); err != nil {
		return err
	}
	return m.Connect(ctx, "calendar", calendarCommand, nil, env)
}
