package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/internal/agent/toolconv"
	"github.com/nexuscore/engine/pkg/models"
)

const openaiDefaultModel = "gpt-4o"

// OpenAI adapts the OpenAI chat-completions API to agent.LLMProvider.
// Tool-call arguments arrive fragmented across deltas keyed by index and
// are stitched back together before emission.
type OpenAI struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider builds an OpenAI adapter. A non-empty baseURL points
// the adapter at any OpenAI-compatible endpoint instead of the hosted
// API. An empty key yields an adapter whose Complete fails fast, so a
// half-configured install still starts.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAI {
	p := &OpenAI{maxRetries: 3, retryDelay: time.Second}
	if apiKey == "" {
		return p
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) SupportsTools() bool { return true }

func (o *OpenAI) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
	}
}

// Complete opens a streaming chat completion and relays its deltas.
func (o *OpenAI) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if o.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	model := req.Model
	if model == "" {
		model = openaiDefaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      openaiMessages(req.System, req.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toolconv.ToOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := withRetries(ctx, o.maxRetries, o.retryDelay, func() error {
		var openErr error
		stream, openErr = o.client.CreateChatCompletionStream(ctx, chatReq)
		return openErr
	})
	if err != nil {
		return nil, &CallError{Provider: "openai", Model: model, Err: err}
	}

	out := make(chan *agent.CompletionChunk)
	go o.relay(ctx, stream, out, model)
	return out, nil
}

// openaiMessages flattens role-tagged history into OpenAI's message
// list: system first, tool results as one role=tool message per result,
// image attachments as multi-part user content.
func openaiMessages(system string, history []agent.CompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range history {
		if len(msg.ToolResults) > 0 {
			for _, result := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    result.Content,
					ToolCallID: result.ToolCallID,
				})
			}
			continue
		}

		m := openai.ChatCompletionMessage{Role: msg.Role}
		if parts := openaiImageParts(msg); parts != nil {
			m.MultiContent = parts
		} else {
			m.Content = msg.Content
		}
		for _, call := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Input),
				},
			})
		}
		out = append(out, m)
	}
	return out
}

func openaiImageParts(msg agent.CompletionMessage) []openai.ChatMessagePart {
	var images []models.Attachment
	for _, att := range msg.Attachments {
		if att.Type == "image" {
			images = append(images, att)
		}
	}
	if len(images) == 0 {
		return nil
	}

	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: msg.Content})
	}
	for _, att := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: att.URL, Detail: openai.ImageURLDetailAuto},
		})
	}
	return parts
}

func (o *OpenAI) relay(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *agent.CompletionChunk, model string) {
	defer close(out)
	defer stream.Close()

	assembling := make(map[int]*models.ToolCall)
	argBuf := make(map[int][]byte)
	var inputTokens, outputTokens int

	flushTools := func() {
		for idx, call := range assembling {
			if call.ID == "" || call.Name == "" {
				continue
			}
			call.Input = json.RawMessage(argBuf[idx])
			out <- &agent.CompletionChunk{ToolCall: call}
		}
		assembling = make(map[int]*models.ToolCall)
		argBuf = make(map[int][]byte)
	}

	for {
		if err := ctx.Err(); err != nil {
			out <- &agent.CompletionChunk{Error: err, Done: true}
			return
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flushTools()
				out <- &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
				return
			}
			out <- &agent.CompletionChunk{Error: &CallError{Provider: "openai", Model: model, Err: err}, Done: true}
			return
		}

		// The usage-bearing final chunk has no choices.
		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			out <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if assembling[idx] == nil {
				assembling[idx] = &models.ToolCall{}
			}
			if tc.ID != "" {
				assembling[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				assembling[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				argBuf[idx] = append(argBuf[idx], tc.Function.Arguments...)
			}
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushTools()
		}
	}
}
