package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/internal/agent/toolconv"
	"github.com/nexuscore/engine/pkg/models"
)

const (
	anthropicDefaultModel      = "claude-sonnet-4-20250514"
	anthropicDefaultMaxTokens  = 4096
	anthropicMinThinkingBudget = 1024
	anthropicDefaultThinking   = 10_000
)

// AnthropicConfig configures an Anthropic adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Anthropic adapts the Anthropic Messages API to agent.LLMProvider:
// messages become content-block arrays, tool calls stream back as
// tool_use blocks, and extended thinking maps onto the thinking chunk
// kinds.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicProvider builds an Anthropic adapter. The API key is
// required; everything else has defaults.
func NewAnthropicProvider(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = anthropicDefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) SupportsTools() bool { return true }

func (a *Anthropic) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000, SupportsVision: true},
	}
}

// Complete opens a streaming Messages request and relays its events as
// CompletionChunks.
func (a *Anthropic) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	params, err := a.buildParams(req, model)
	if err != nil {
		return nil, &CallError{Provider: "anthropic", Model: model, Err: err}
	}

	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := withRetries(ctx, a.maxRetries, a.retryDelay, func() error {
			stream = a.client.Messages.NewStreaming(ctx, params)
			return stream.Err()
		})
		if err != nil {
			out <- &agent.CompletionChunk{Error: &CallError{Provider: "anthropic", Model: model, Err: err}}
			return
		}

		a.relay(stream, out, model)
	}()
	return out, nil
}

func (a *Anthropic) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < anthropicMinThinkingBudget {
			budget = anthropicDefaultThinking
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

// anthropicMessages converts role-tagged history into Anthropic's
// content-block form. Tool results ride on user messages, tool calls on
// assistant messages; system content never appears here (it lives in
// params.System).
func anthropicMessages(history []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		if msg.Role == "system" {
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, result := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(result.ToolCallID, result.Content, result.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("tool call %s: invalid input: %w", call.Name, err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

// relay walks the SSE event stream. Tool-use input arrives as JSON
// fragments across input_json_delta events and is only emitted once its
// content block closes; thinking blocks bracket their deltas with
// start/end markers.
func (a *Anthropic) relay(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *agent.CompletionChunk, model string) {
	var (
		pendingTool  *models.ToolCall
		pendingInput strings.Builder
		thinking     bool
		inputTokens  int
		outputTokens int
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				thinking = true
				out <- &agent.CompletionChunk{ThinkingStart: true}
			case "tool_use":
				use := block.AsToolUse()
				pendingTool = &models.ToolCall{ID: use.ID, Name: use.Name}
				pendingInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- &agent.CompletionChunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- &agent.CompletionChunk{Thinking: delta.Thinking}
				}
			case "input_json_delta":
				pendingInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			switch {
			case thinking:
				thinking = false
				out <- &agent.CompletionChunk{ThinkingEnd: true}
			case pendingTool != nil:
				pendingTool.Input = json.RawMessage(pendingInput.String())
				out <- &agent.CompletionChunk{ToolCall: pendingTool}
				pendingTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			out <- &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- &agent.CompletionChunk{Error: &CallError{Provider: "anthropic", Model: model, Err: err}}
		return
	}
	// Stream ended without a message_stop: still signal completion so the
	// consumer's range loop terminates.
	out <- &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
}
