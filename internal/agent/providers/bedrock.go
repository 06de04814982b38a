package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/internal/agent/toolconv"
	"github.com/nexuscore/engine/pkg/models"
)

const bedrockDefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

// BedrockConfig configures a Bedrock adapter. Credentials fall back to
// the AWS default chain when not set explicitly.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// Bedrock adapts the AWS Bedrock Converse streaming API to
// agent.LLMProvider.
type Bedrock struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewBedrockProvider builds a Bedrock adapter over the given region and
// credentials.
func NewBedrockProvider(cfg BedrockConfig) (*Bedrock, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = bedrockDefaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	return &Bedrock{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (b *Bedrock) Name() string { return "bedrock" }

func (b *Bedrock) SupportsTools() bool { return true }

func (b *Bedrock) Models() []agent.Model {
	return []agent.Model{
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Name: "Claude 3.5 Sonnet (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "meta.llama3-70b-instruct-v1:0", Name: "Llama 3 70B (Bedrock)", ContextSize: 8192, SupportsVision: false},
	}
}

// Complete opens a ConverseStream request and relays its events.
func (b *Bedrock) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	messages, err := bedrockMessages(req.Messages)
	if err != nil {
		return nil, &CallError{Provider: "bedrock", Model: model, Err: err}
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toolconv.ToBedrockTools(req.Tools)
	}

	var stream *bedrockruntime.ConverseStreamOutput
	err = withRetries(ctx, b.maxRetries, b.retryDelay, func() error {
		var callErr error
		stream, callErr = b.client.ConverseStream(ctx, input)
		return callErr
	})
	if err != nil {
		return nil, &CallError{Provider: "bedrock", Model: model, Err: err}
	}

	out := make(chan *agent.CompletionChunk)
	go b.relay(ctx, stream, out, model)
	return out, nil
}

// bedrockMessages converts history into Converse messages. Image
// attachments are read from local paths only — the desktop client always
// attaches files it captured itself.
func bedrockMessages(history []agent.CompletionMessage) ([]types.Message, error) {
	out := make([]types.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == "system" {
			continue
		}

		var blocks []types.ContentBlock
		if msg.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, att := range msg.Attachments {
			if att.Type != "image" {
				continue
			}
			if img := bedrockImageBlock(att); img != nil {
				blocks = append(blocks, img)
			}
		}
		for _, result := range msg.ToolResults {
			blocks = append(blocks, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(result.ToolCallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: result.Content}},
				},
			})
		}
		for _, call := range msg.ToolCalls {
			var callInput any
			if err := json.Unmarshal(call.Input, &callInput); err != nil {
				return nil, fmt.Errorf("tool call %s: invalid input: %w", call.Name, err)
			}
			blocks = append(blocks, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(call.Name),
					Input:     document.NewLazyDocument(callInput),
				},
			})
		}
		if len(blocks) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func bedrockImageBlock(att models.Attachment) types.ContentBlock {
	format, ok := bedrockImageFormat(att.URL)
	if !ok {
		return nil
	}
	data, err := os.ReadFile(att.URL)
	if err != nil {
		return nil
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}
}

func bedrockImageFormat(path string) (types.ImageFormat, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return types.ImageFormatPng, true
	case ".jpg", ".jpeg":
		return types.ImageFormatJpeg, true
	case ".gif":
		return types.ImageFormatGif, true
	case ".webp":
		return types.ImageFormatWebp, true
	default:
		return "", false
	}
}

func (b *Bedrock) relay(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- *agent.CompletionChunk, model string) {
	defer close(out)

	events := stream.GetStream()
	defer events.Close()

	var (
		pendingTool  *models.ToolCall
		pendingInput strings.Builder
		inputTokens  int
		outputTokens int
		stopped      bool
	)

	finish := func() {
		out <- &agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	}

	for {
		select {
		case <-ctx.Done():
			out <- &agent.CompletionChunk{Error: ctx.Err(), Done: true}
			return
		case event, ok := <-events.Events():
			if !ok {
				if err := events.Err(); err != nil {
					out <- &agent.CompletionChunk{Error: &CallError{Provider: "bedrock", Model: model, Err: err}, Done: true}
					return
				}
				finish()
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if use, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					pendingTool = &models.ToolCall{
						ID:   aws.ToString(use.Value.ToolUseId),
						Name: aws.ToString(use.Value.Name),
					}
					pendingInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						out <- &agent.CompletionChunk{Text: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						pendingInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if pendingTool != nil {
					pendingTool.Input = json.RawMessage(pendingInput.String())
					out <- &agent.CompletionChunk{ToolCall: pendingTool}
					pendingTool = nil
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				// Usage metadata trails message_stop; hold Done until it
				// arrives (or the channel drains).
				stopped = true

			case *types.ConverseStreamOutputMemberMetadata:
				if usage := ev.Value.Usage; usage != nil {
					inputTokens = int(aws.ToInt32(usage.InputTokens))
					outputTokens = int(aws.ToInt32(usage.OutputTokens))
				}
				if stopped {
					finish()
					return
				}
			}
		}
	}
}
