package orchestrator

import (
	"context"
	"testing"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/pkg/models"
)

type fakeLLMProvider struct {
	chunks []*agent.CompletionChunk
}

func (f *fakeLLMProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}
func (f *fakeLLMProvider) Name() string          { return "fake" }
func (f *fakeLLMProvider) Models() []agent.Model { return nil }
func (f *fakeLLMProvider) SupportsTools() bool   { return true }

func TestProviderBridgeCompleteRoundAssemblesMessage(t *testing.T) {
	provider := &fakeLLMProvider{chunks: []*agent.CompletionChunk{
		{Text: "hello "},
		{Text: "world"},
		{ToolCall: &models.ToolCall{ID: "1", Name: "add"}},
		{Done: true},
	}}
	bridge := NewProviderBridge(provider)

	msg, err := bridge.CompleteRound(context.Background(), &agent.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Content != "hello world" {
		t.Fatalf("unexpected content: %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "add" {
		t.Fatalf("unexpected tool calls: %v", msg.ToolCalls)
	}
}

func TestProviderBridgeGenerateUsesUnderlyingChunks(t *testing.T) {
	provider := &fakeLLMProvider{chunks: []*agent.CompletionChunk{{Text: "hi"}, {Done: true}}}
	bridge := NewProviderBridge(provider)

	ch, err := bridge.Generate(context.Background(), &agent.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []string
	for chunk := range ch {
		got = append(got, chunk.Text)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(got))
	}
}
