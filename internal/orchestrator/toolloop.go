package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/internal/observability"
	"github.com/nexuscore/engine/internal/shell"
	"github.com/nexuscore/engine/pkg/models"
)

// maxToolLoopRounds is the hard ceiling on tool-calling rounds within a
// single turn, regardless of how many rounds the model would like to take.
const maxToolLoopRounds = 30

// maxToolResultChars truncates any single tool result before it is
// appended back into the conversation, so one runaway command cannot blow
// the context window.
const maxToolResultChars = 100_000

const truncationMarker = "\n...[truncated, output exceeded 100000 characters]"

// ProviderAdapter is the minimal, provider-neutral surface the Tool Loop
// needs from an LLM backend: one non-streaming round with thinking
// disabled, since the loop only cares whether the model wants to call a
// tool, not how it phrases the decision. ProviderBridge (providerbridge.go)
// implements it for any agent.LLMProvider.
type ProviderAdapter interface {
	// CompleteRound asks the model for its next move given the
	// conversation so far. Run sets EnableThinking to false on every
	// request it passes in: the loop never pays for extended reasoning on
	// intermediate tool-calling rounds.
	CompleteRound(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionMessage, error)
}

// ToolDispatcher resolves a tool call to its result text. It never
// returns an error: failures are encoded as result text so the model can
// read and recover from them.
type ToolDispatcher interface {
	CallTool(ctx context.Context, name string, args map[string]any) string
}

// ToolLoop runs the provider-neutral multi-round tool-calling cycle.
// Exactly one ToolLoop exists per Request Orchestrator; it is stateless
// across turns.
type ToolLoop struct {
	provider ProviderAdapter
	tools    ToolDispatcher
	terminal *shell.Terminal
	logger   *slog.Logger

	// OnToolCall and OnToolResult, if set, are invoked for event-bus
	// emission (tool_call calling/complete) around each dispatched call.
	OnToolCall   func(call models.ToolCall)
	OnToolResult func(call models.ToolCall, result models.ToolResult)

	// Metrics, if set, records per-dispatch latency and loop outcomes.
	Metrics *observability.Metrics
}

// NewToolLoop builds a Tool Loop bound to a provider adapter, the
// Tool-Server Manager (as a ToolDispatcher), and the Terminal Subsystem
// for intercepted tool names.
func NewToolLoop(provider ProviderAdapter, tools ToolDispatcher, terminal *shell.Terminal, logger *slog.Logger) *ToolLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolLoop{provider: provider, tools: tools, terminal: terminal, logger: logger.With("component", "toolloop")}
}

// interceptedToolSet is computed once; membership means the call is
// dispatched to the Terminal Subsystem rather than the Tool-Server
// Manager, regardless of which server's list_tools response advertised
// the name.
var interceptedToolSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(shell.InterceptedToolNames))
	for _, n := range shell.InterceptedToolNames {
		set[n] = struct{}{}
	}
	return set
}()

// Run drives the tool-calling cycle to completion: it asks the adapter
// for a response with thinking disabled, stops as soon as a round
// produces no tool calls, dispatches every tool call in a round before
// asking again, and returns the full message history either way.
//
// The loop is the caller's responsibility to skip entirely when the
// turn carries image attachments; Run does not inspect req.Messages for
// attachments itself.
func (l *ToolLoop) Run(ctx context.Context, rc *RequestContext, req *agent.CompletionRequest) ([]agent.CompletionMessage, error) {
	messages := append([]agent.CompletionMessage(nil), req.Messages...)

	for round := 0; round < maxToolLoopRounds; round++ {
		if rc.Cancelled() {
			l.recordOutcome("cancelled", round)
			return messages, nil
		}

		roundReq := *req
		roundReq.Messages = messages
		roundReq.EnableThinking = false

		reply, err := l.provider.CompleteRound(ctx, &roundReq)
		if err != nil {
			l.recordOutcome("error", round)
			return messages, err
		}

		// No tool calls: the caller runs the streaming final call instead,
		// so the history goes back unchanged — this round's reply is
		// discarded, not appended.
		if len(reply.ToolCalls) == 0 {
			l.recordOutcome("done", round)
			return messages, nil
		}

		reply.Content = stripReasoning(reply.Content)
		messages = append(messages, *reply)

		results := l.dispatchRound(ctx, rc, reply.ToolCalls)
		messages = append(messages, agent.CompletionMessage{
			Role:        "tool",
			ToolResults: results,
		})
	}

	l.logger.Warn("tool loop hit round ceiling", "rounds", maxToolLoopRounds)
	l.recordOutcome("ceiling", maxToolLoopRounds)
	return messages, nil
}

func (l *ToolLoop) recordOutcome(outcome string, rounds int) {
	if l.Metrics != nil {
		l.Metrics.RecordToolLoopOutcome(outcome, rounds)
	}
}

// dispatchRound executes every tool call in a single round in order,
// checking the cancel flag before each one and aborting the remainder of
// the round — but not the calls already issued — the instant it fires.
func (l *ToolLoop) dispatchRound(ctx context.Context, rc *RequestContext, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if rc.Cancelled() {
			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    "cancelled before execution",
				IsError:    true,
			})
			continue
		}

		if l.OnToolCall != nil {
			l.OnToolCall(call)
		}

		start := time.Now()
		text := l.dispatchOne(ctx, call)
		if l.Metrics != nil {
			status := "success"
			if strings.HasPrefix(text, "Error:") {
				status = "error"
			}
			l.Metrics.ObserveToolCall(call.Name, status, time.Since(start).Seconds())
		}
		text = truncate(text)

		result := models.ToolResult{ToolCallID: call.ID, Content: text}
		results = append(results, result)

		if l.OnToolResult != nil {
			l.OnToolResult(call, result)
		}
	}
	return results
}

// dispatchOne routes a single tool call to the Terminal Subsystem when
// its name is in the intercepted set and a terminal is configured, else
// to the Tool-Server Manager.
func (l *ToolLoop) dispatchOne(ctx context.Context, call models.ToolCall) string {
	if _, intercepted := interceptedToolSet[call.Name]; intercepted && l.terminal != nil {
		return l.terminal.Dispatch(ctx, call.Name, json.RawMessage(call.Input))
	}

	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return "Error: invalid arguments: " + err.Error()
		}
	}
	return l.tools.CallTool(ctx, call.Name, args)
}

func truncate(s string) string {
	if len(s) <= maxToolResultChars {
		return s
	}
	return s[:maxToolResultChars] + truncationMarker
}

// stripReasoning removes a leading <think>...</think> block some models
// emit even when asked not to reason, so it never pollutes the
// conversation history fed back into the next round.
func stripReasoning(content string) string {
	const open, close = "<think>", "</think>"
	if !strings.HasPrefix(content, open) {
		return content
	}
	end := strings.Index(content, close)
	if end < 0 {
		return content
	}
	return strings.TrimLeft(content[end+len(close):], " \n\t\r")
}
