package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/pkg/models"
)

type scriptedProvider struct {
	rounds [][]models.ToolCall // nil slice for a round means "no tool calls, stop"
	calls  int
}

func (p *scriptedProvider) CompleteRound(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionMessage, error) {
	idx := p.calls
	p.calls++
	if idx >= len(p.rounds) {
		return &agent.CompletionMessage{Role: "assistant", Content: "done"}, nil
	}
	return &agent.CompletionMessage{Role: "assistant", ToolCalls: p.rounds[idx]}, nil
}

type recordingDispatcher struct {
	seen []string
}

func (d *recordingDispatcher) CallTool(ctx context.Context, name string, args map[string]any) string {
	d.seen = append(d.seen, name)
	return "result:" + name
}

func TestToolLoopStopsWhenNoToolCalls(t *testing.T) {
	provider := &scriptedProvider{}
	dispatcher := &recordingDispatcher{}
	loop := NewToolLoop(provider, dispatcher, nil, nil)
	rc := NewRequestContext(1, nil)

	msgs, err := loop.Run(context.Background(), rc, &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected exactly one round, got %d", provider.calls)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected history returned unchanged, got %d messages", len(msgs))
	}
	if msgs[0].Role != "user" {
		t.Fatalf("expected the original user message, got %+v", msgs[0])
	}
}

func TestToolLoopDispatchesAndAppendsResults(t *testing.T) {
	provider := &scriptedProvider{
		rounds: [][]models.ToolCall{
			{{ID: "1", Name: "add", Input: json.RawMessage(`{"a":1,"b":2}`)}},
		},
	}
	dispatcher := &recordingDispatcher{}
	loop := NewToolLoop(provider, dispatcher, nil, nil)
	rc := NewRequestContext(1, nil)

	msgs, err := loop.Run(context.Background(), rc, &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "add"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatcher.seen) != 1 || dispatcher.seen[0] != "add" {
		t.Fatalf("expected add dispatched once, got %v", dispatcher.seen)
	}
	last := msgs[len(msgs)-1]
	if len(last.ToolResults) != 1 || last.ToolResults[0].Content != "result:add" {
		t.Fatalf("expected tool result appended, got %+v", last)
	}
}

func TestToolLoopHonorsRoundCeiling(t *testing.T) {
	rounds := make([][]models.ToolCall, maxToolLoopRounds+5)
	for i := range rounds {
		rounds[i] = []models.ToolCall{{ID: "x", Name: "noop", Input: json.RawMessage(`{}`)}}
	}
	provider := &scriptedProvider{rounds: rounds}
	dispatcher := &recordingDispatcher{}
	loop := NewToolLoop(provider, dispatcher, nil, nil)
	rc := NewRequestContext(1, nil)

	_, err := loop.Run(context.Background(), rc, &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "loop forever"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.calls != maxToolLoopRounds {
		t.Fatalf("expected exactly %d rounds, got %d", maxToolLoopRounds, provider.calls)
	}
}

func TestToolLoopAbortsRemainingCallsOnCancel(t *testing.T) {
	provider := &scriptedProvider{
		rounds: [][]models.ToolCall{
			{
				{ID: "1", Name: "first", Input: json.RawMessage(`{}`)},
				{ID: "2", Name: "second", Input: json.RawMessage(`{}`)},
			},
		},
	}
	dispatcher := &recordingDispatcher{}
	loop := NewToolLoop(provider, dispatcher, nil, nil)
	rc := NewRequestContext(1, nil)

	loop.OnToolCall = func(call models.ToolCall) {
		if call.Name == "first" {
			rc.Cancel()
		}
	}

	msgs, err := loop.Run(context.Background(), rc, &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "go"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dispatcher.seen) != 1 {
		t.Fatalf("expected only the first call dispatched, got %v", dispatcher.seen)
	}
	last := msgs[len(msgs)-1]
	if len(last.ToolResults) != 2 || !last.ToolResults[1].IsError {
		t.Fatalf("expected second call marked cancelled, got %+v", last.ToolResults)
	}
}

func TestTruncateAddsMarkerPastLimit(t *testing.T) {
	huge := make([]byte, maxToolResultChars+10)
	for i := range huge {
		huge[i] = 'a'
	}
	out := truncate(string(huge))
	if len(out) <= maxToolResultChars {
		t.Fatalf("expected truncation marker appended")
	}
	if out[:maxToolResultChars] != string(huge[:maxToolResultChars]) {
		t.Fatal("expected prefix preserved before truncation")
	}
}

func TestStripReasoningRemovesLeadingThinkBlock(t *testing.T) {
	in := "<think>internal musing</think>\nfinal answer"
	if got := stripReasoning(in); got != "final answer" {
		t.Fatalf("expected stripped content, got %q", got)
	}
}

func TestStripReasoningLeavesPlainContentAlone(t *testing.T) {
	in := "just an answer"
	if got := stripReasoning(in); got != in {
		t.Fatalf("expected unchanged content, got %q", got)
	}
}
