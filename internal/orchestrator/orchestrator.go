package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/internal/gateway"
	"github.com/nexuscore/engine/internal/observability"
	"github.com/nexuscore/engine/internal/sessions"
	"github.com/nexuscore/engine/internal/shell"
	"github.com/nexuscore/engine/pkg/models"
)

// ErrBusy is returned when a turn is submitted while another is in flight.
var ErrBusy = errors.New("a turn is already in progress")

// ErrEmptyQuery is returned for a submit_query carrying no usable text.
var ErrEmptyQuery = errors.New("query text is empty")

const (
	captureModeFullscreen = "fullscreen"
	titleMaxLen           = 50
)

// AttachmentProvider captures a single fullscreen screenshot on demand.
// It is an external collaborator: the orchestrator only calls it under
// the exact conditions below and never inspects how it works.
type AttachmentProvider interface {
	CaptureFullscreen(ctx context.Context) (path string, err error)
}

// Bus is the subset of gateway.Bus the orchestrator needs, so tests can
// supply a recording fake instead of a live WebSocket fan-out.
type Bus interface {
	Broadcast(ev gateway.Event)
}

// Orchestrator runs one logical user turn end-to-end: context and
// cancellation, tool loop invocation, streaming generation, and
// persistence. Exactly one turn may be in flight at a time.
type Orchestrator struct {
	bus        Bus
	store      sessions.Store
	toolLoop   *ToolLoop
	terminal   *shell.Terminal
	attachment AttachmentProvider
	pending    *PendingTerminalEvents
	tools      ToolCatalog
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu        sync.Mutex
	current   *RequestContext
	nextReqID int64

	conversationID atomic.Value // string
}

// Deps collects the Orchestrator's collaborators.
type Deps struct {
	Bus        Bus
	Store      sessions.Store
	ToolLoop   *ToolLoop
	Terminal   *shell.Terminal
	Attachment AttachmentProvider
	Pending    *PendingTerminalEvents
	Tools      ToolCatalog
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// New builds a Request Orchestrator.
func New(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		bus:        d.Bus,
		store:      d.Store,
		toolLoop:   d.ToolLoop,
		terminal:   d.Terminal,
		attachment: d.Attachment,
		pending:    d.Pending,
		tools:      d.Tools,
		metrics:    d.Metrics,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Turn is the caller-supplied shape of one submit_query frame.
type Turn struct {
	Content        string
	CaptureMode    string
	Model          string
	ConversationID string
	HasAttachments bool
}

// SubmitQuery runs one full turn: parses slash prefixes, opens a Request
// Context, optionally synthesizes a fullscreen screenshot, runs the tool
// loop then the streaming completion, persists the conversation and
// messages, and always tears the turn down in its finally block.
//
// generate is the streaming completion call; the orchestrator doesn't
// know the concrete provider, only that it yields CompletionChunks and
// respects ctx cancellation.
func (o *Orchestrator) SubmitQuery(ctx context.Context, turn Turn, generate func(context.Context, *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error)) error {
	forcedSkills, cleaned := ParseSlashPrefixes(turn.Content)
	if strings.TrimSpace(cleaned) == "" && !turn.HasAttachments {
		o.bus.Broadcast(gateway.NewEvent(gateway.EventError, "", map[string]any{"error": ErrEmptyQuery.Error()}))
		return ErrEmptyQuery
	}

	rc, err := o.begin(forcedSkills)
	if err != nil {
		o.bus.Broadcast(gateway.NewEvent(gateway.EventError, "", map[string]any{"error": err.Error()}))
		return err
	}
	requestID := fmt.Sprintf("req-%d", rc.ID)
	o.wireTerminalEvents(ctx)
	defer o.finish(rc)

	o.bus.Broadcast(gateway.NewEvent(gateway.EventQuery, requestID, map[string]any{"content": cleaned}))

	attachments := o.maybeSynthesizeScreenshot(ctx, turn, requestID)

	var tools []agent.Tool
	if o.tools != nil {
		tools = o.tools.ToolsFor(ctx, cleaned)
	}

	req := &agent.CompletionRequest{
		Model:    turn.Model,
		Messages: []agent.CompletionMessage{{Role: "user", Content: cleaned, Attachments: attachments}},
		Tools:    tools,
	}

	var toolMessages []agent.CompletionMessage
	if !turn.HasAttachments && len(attachments) == 0 {
		summary := o.wireToolEvents(requestID)
		toolMessages, err = o.toolLoop.Run(ctx, rc, req)
		o.unwireToolEvents()
		if err != nil {
			o.bus.Broadcast(gateway.NewEvent(gateway.EventError, requestID, map[string]any{"error": err.Error()}))
			return err
		}
		if len(summary.calls) > 0 {
			o.bus.Broadcast(gateway.NewEvent(gateway.EventToolCallsSummary, requestID, map[string]any{
				"count": len(summary.calls),
				"tools": summary.calls,
			}))
		}
	} else {
		toolMessages = req.Messages
	}

	if rc.Cancelled() {
		return nil
	}

	finalReq := *req
	finalReq.Messages = toolMessages
	finalReq.EnableThinking = true

	assistantText, tokens, genErr := o.stream(ctx, rc, requestID, &finalReq, generate)
	if genErr != nil {
		o.bus.Broadcast(gateway.NewEvent(gateway.EventError, requestID, map[string]any{"error": genErr.Error()}))
	}

	return o.persistTurn(ctx, turn, cleaned, assistantText, toolMessages, tokens, requestID)
}

// begin enforces the single-flight busy lock and installs a fresh Request
// Context as "current".
func (o *Orchestrator) begin(forcedSkills []string) (*RequestContext, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return nil, ErrBusy
	}
	o.nextReqID++
	rc := NewRequestContext(o.nextReqID, forcedSkills)
	o.current = rc
	return rc, nil
}

// finish runs the turn's cleanup: mark the context done, clear "current",
// and auto-expire session mode.
func (o *Orchestrator) finish(rc *RequestContext) {
	rc.MarkDone()
	o.mu.Lock()
	if o.current == rc {
		o.current = nil
	}
	o.mu.Unlock()
	if o.terminal != nil {
		o.terminal.EndSessionMode()
		o.terminal.OnCommand = nil
	}
}

// wireTerminalEvents installs the Terminal Subsystem's per-command hook
// for the duration of one turn: every run_command outcome becomes a
// TerminalEventRecord, either queued (no conversation id yet, per the
// deferred-event ownership rule) or persisted immediately
// (a conversation already exists for this client). The Terminal is a
// single shared instance, but the busy lock in begin guarantees at most
// one turn runs at a time, so the closure is safe the same way
// wireToolEvents is.
func (o *Orchestrator) wireTerminalEvents(ctx context.Context) {
	if o.terminal == nil || o.pending == nil {
		return
	}
	o.terminal.OnCommand = func(ce shell.CommandEvent) {
		conversationID, _ := o.conversationID.Load().(string)
		rec := TerminalEventRecord{
			Command:       ce.Command,
			Cwd:           ce.Cwd,
			ExitCode:      ce.ExitCode,
			DurationMs:    ce.DurationMs,
			OutputPreview: BuildOutputPreview(ce.Output),
			FullOutput:    TruncateFullOutput(ce.Output),
			TimedOut:      ce.TimedOut,
			Denied:        ce.Denied,
			PTY:           ce.PTY,
			Background:    ce.Background,
		}
		if err := o.pending.QueueOrAppend(ctx, conversationID, rec); err != nil {
			o.logger.Warn("failed to persist terminal event", "error", err)
		}
	}
}

// Cancel cancels the in-flight turn, if any. Returns false if no turn was
// active.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	rc := o.current
	o.mu.Unlock()
	if rc == nil {
		return false
	}
	rc.Cancel()
	if o.terminal != nil {
		o.terminal.CancelAll()
	}
	return true
}

// maybeSynthesizeScreenshot implements the capture_mode=="fullscreen",
// empty-history, no-screenshots-attached auto-capture rule. It never
// fails the turn: a capture error is logged and the turn proceeds without
// an attachment.
func (o *Orchestrator) maybeSynthesizeScreenshot(ctx context.Context, turn Turn, requestID string) []models.Attachment {
	if turn.CaptureMode != captureModeFullscreen || turn.HasAttachments || o.attachment == nil {
		return nil
	}
	if cid, _ := o.conversationID.Load().(string); cid != "" {
		return nil // history non-empty: a conversation already exists for this client
	}
	path, err := o.attachment.CaptureFullscreen(ctx)
	if err != nil {
		o.logger.Warn("fullscreen capture failed", "error", err)
		return nil
	}
	return []models.Attachment{{ID: uuid.NewString(), Type: "image", URL: path}}
}

// stream runs the provider adapter's streaming generation call, relaying
// thinking/content chunks onto the bus and returning the accumulated
// assistant text and token usage.
func (o *Orchestrator) stream(ctx context.Context, rc *RequestContext, requestID string, req *agent.CompletionRequest, generate func(context.Context, *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error)) (string, usage, error) {
	start := time.Now()
	chunks, err := generate(ctx, req)
	if err != nil {
		return "", usage{}, err
	}

	var text strings.Builder
	var u usage
	for chunk := range chunks {
		if rc.Cancelled() {
			break
		}
		switch {
		case chunk.Error != nil:
			return text.String(), u, chunk.Error
		case chunk.ThinkingStart:
			o.bus.Broadcast(gateway.NewEvent(gateway.EventThinkingChunk, requestID, nil))
		case chunk.Thinking != "":
			o.bus.Broadcast(gateway.NewEvent(gateway.EventThinkingChunk, requestID, map[string]any{"text": chunk.Thinking}))
		case chunk.ThinkingEnd:
			o.bus.Broadcast(gateway.NewEvent(gateway.EventThinkingComplete, requestID, nil))
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			o.bus.Broadcast(gateway.NewEvent(gateway.EventResponseChunk, requestID, map[string]any{"text": chunk.Text}))
		}
		if chunk.Done {
			u = usage{input: chunk.InputTokens, output: chunk.OutputTokens}
		}
	}
	o.bus.Broadcast(gateway.NewEvent(gateway.EventResponseComplete, requestID, nil))
	if u.input > 0 || u.output > 0 {
		o.bus.Broadcast(gateway.NewEvent(gateway.EventTokenUsage, requestID, map[string]any{
			"input_tokens": u.input, "output_tokens": u.output,
		}))
	}
	if o.metrics != nil {
		o.metrics.ObserveLLMRequest(req.Model, "stream", time.Since(start).Seconds())
		o.metrics.AddTokens(req.Model, u.input, u.output)
	}
	return text.String(), u, nil
}

type usage struct {
	input, output int
}

// toolCallSummary accumulates the names of tools called during one turn's
// tool loop, for the tool_calls_summary event emitted once the loop ends.
type toolCallSummary struct {
	calls []string
}

// wireToolEvents installs the Tool Loop's per-call hooks for the duration
// of one turn, emitting tool_call {status: calling} before dispatch and
// tool_call {status: complete} (carrying the result) after. The Tool Loop
// is a single shared instance, but SubmitQuery's busy lock guarantees at
// most one turn runs at a time, so a closure-captured requestID is safe.
func (o *Orchestrator) wireToolEvents(requestID string) *toolCallSummary {
	summary := &toolCallSummary{}
	o.toolLoop.OnToolCall = func(call models.ToolCall) {
		o.bus.Broadcast(gateway.NewEvent(gateway.EventToolCall, requestID, map[string]any{
			"status": gateway.ToolCallCalling,
			"id":     call.ID,
			"name":   call.Name,
			"input":  json.RawMessage(call.Input),
		}))
	}
	o.toolLoop.OnToolResult = func(call models.ToolCall, result models.ToolResult) {
		summary.calls = append(summary.calls, call.Name)
		o.bus.Broadcast(gateway.NewEvent(gateway.EventToolCall, requestID, map[string]any{
			"status":   gateway.ToolCallComplete,
			"id":       call.ID,
			"name":     call.Name,
			"result":   result.Content,
			"is_error": result.IsError,
		}))
	}
	return summary
}

// unwireToolEvents clears the Tool Loop's per-call hooks once the turn's
// tool loop has finished, so a stale closure never fires for a later turn.
func (o *Orchestrator) unwireToolEvents() {
	o.toolLoop.OnToolCall = nil
	o.toolLoop.OnToolResult = nil
}

// persistTurn creates the conversation if needed, flushes queued Terminal
// Events, persists both messages, and falls back to a placeholder
// assistant message when tool calls happened but no text was produced.
func (o *Orchestrator) persistTurn(ctx context.Context, turn Turn, userText, assistantText string, toolMessages []agent.CompletionMessage, u usage, requestID string) error {
	conversationID, _ := o.conversationID.Load().(string)
	created := false
	if conversationID == "" {
		session := &models.Session{
			Channel: models.ChannelDesktop,
			Title:   truncateTitle(userText),
		}
		if err := o.store.Create(ctx, session); err != nil {
			return err
		}
		conversationID = session.ID
		o.conversationID.Store(conversationID)
		created = true
		if o.pending != nil {
			if err := o.pending.Flush(ctx, conversationID); err != nil {
				o.logger.Warn("failed to flush queued terminal events", "error", err)
			}
		}
	}

	toolCalled := hasToolCall(toolMessages)
	if assistantText == "" && toolCalled {
		assistantText = "(no text response; tool calls were made)"
	}

	userMsg := &models.Message{SessionID: conversationID, Role: models.RoleUser, Content: userText, CreatedAt: time.Now()}
	if err := o.store.AppendMessage(ctx, conversationID, userMsg); err != nil {
		return err
	}
	assistantMsg := &models.Message{
		SessionID: conversationID,
		Role:      models.RoleAssistant,
		Content:   assistantText,
		ToolCalls: collectToolCalls(toolMessages),
		CreatedAt: time.Now(),
	}
	if err := o.store.AppendMessage(ctx, conversationID, assistantMsg); err != nil {
		return err
	}

	if u.input > 0 || u.output > 0 {
		if err := o.accumulateTokenUsage(ctx, conversationID, u); err != nil {
			o.logger.Warn("failed to persist token usage", "error", err)
		}
	}

	payload := map[string]any{"conversation_id": conversationID, "created": created}
	o.bus.Broadcast(gateway.NewEvent(gateway.EventConversationSaved, requestID, payload))
	return nil
}

// accumulateTokenUsage adds this turn's token counts onto the
// conversation's cumulative input/output counters, stored in Session
// Metadata since the shared Session type carries no dedicated fields for
// per-turn usage accounting.
func (o *Orchestrator) accumulateTokenUsage(ctx context.Context, conversationID string, u usage) error {
	session, err := o.store.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if session.Metadata == nil {
		session.Metadata = make(map[string]any)
	}
	session.Metadata["input_tokens"] = toInt(session.Metadata["input_tokens"]) + u.input
	session.Metadata["output_tokens"] = toInt(session.Metadata["output_tokens"]) + u.output
	return o.store.Update(ctx, session)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func truncateTitle(text string) string {
	if len(text) <= titleMaxLen {
		return text
	}
	return text[:titleMaxLen] + "…"
}

func hasToolCall(messages []agent.CompletionMessage) bool {
	for _, m := range messages {
		if len(m.ToolCalls) > 0 {
			return true
		}
	}
	return false
}

func collectToolCalls(messages []agent.CompletionMessage) []models.ToolCall {
	var out []models.ToolCall
	for _, m := range messages {
		out = append(out, m.ToolCalls...)
	}
	return out
}
