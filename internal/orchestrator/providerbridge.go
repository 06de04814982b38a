package orchestrator

import (
	"context"
	"fmt"

	"github.com/nexuscore/engine/internal/agent"
)

// ProviderBridge adapts an agent.LLMProvider — the interface every
// concrete provider in internal/agent/providers already implements — to
// both collaborators the engine needs from a model backend: the Tool
// Loop's blocking, non-streaming round (ProviderAdapter) and the
// Orchestrator's streaming generation call (GenerateFunc). A single
// bridge per provider means Anthropic, OpenAI, and Bedrock need no
// engine-specific wrapper code of their own.
type ProviderBridge struct {
	Provider agent.LLMProvider
}

// NewProviderBridge wraps an LLMProvider for use as both a
// ProviderAdapter and a GenerateFunc.
func NewProviderBridge(p agent.LLMProvider) *ProviderBridge {
	return &ProviderBridge{Provider: p}
}

// CompleteRound drains the provider's streaming Complete into a single
// CompletionMessage, satisfying ProviderAdapter. A tool-calling round
// never needs partial text as it arrives: the loop only inspects the
// finished message's ToolCalls.
func (b *ProviderBridge) CompleteRound(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionMessage, error) {
	chunks, err := b.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	msg := &agent.CompletionMessage{Role: "assistant"}
	for chunk := range chunks {
		if chunk.Error != nil {
			return nil, fmt.Errorf("%s: %w", b.Provider.Name(), chunk.Error)
		}
		msg.Content += chunk.Text
		if chunk.ToolCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			break
		}
	}
	return msg, nil
}

// Generate is a GenerateFunc backed directly by the wrapped provider's
// streaming Complete call — the Orchestrator's final-answer half of the
// turn wants every chunk as it arrives, unlike CompleteRound.
func (b *ProviderBridge) Generate(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	return b.Provider.Complete(ctx, req)
}

var _ ProviderAdapter = (*ProviderBridge)(nil)
