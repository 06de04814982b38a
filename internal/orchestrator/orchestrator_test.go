package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/internal/gateway"
	"github.com/nexuscore/engine/internal/sessions"
	"github.com/nexuscore/engine/internal/shell"
	"github.com/nexuscore/engine/pkg/models"
)

type recordingBus struct {
	events []gateway.Event
}

func (b *recordingBus) Broadcast(ev gateway.Event) {
	b.events = append(b.events, ev)
}

func (b *recordingBus) hasType(t gateway.EventType) bool {
	for _, ev := range b.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *recordingBus, sessions.Store) {
	t.Helper()
	bus := &recordingBus{}
	store := sessions.NewMemoryStore()
	loop := NewToolLoop(&scriptedProvider{}, &recordingDispatcher{}, nil, nil)
	o := New(Deps{Bus: bus, Store: store, ToolLoop: loop, Pending: NewPendingTerminalEvents(NewMemoryTerminalEventStore())})
	return o, bus, store
}

func streamText(text string) func(context.Context, *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	return func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
		ch := make(chan *agent.CompletionChunk, 2)
		ch <- &agent.CompletionChunk{Text: text}
		ch <- &agent.CompletionChunk{Done: true, InputTokens: 10, OutputTokens: 5}
		close(ch)
		return ch, nil
	}
}

func TestSubmitQueryRejectsEmptyText(t *testing.T) {
	o, bus, _ := newTestOrchestrator(t)
	err := o.SubmitQuery(context.Background(), Turn{Content: "   "}, streamText("hi"))
	if err != ErrEmptyQuery {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	if !bus.hasType(gateway.EventError) {
		t.Fatal("expected an error event broadcast")
	}
}

func TestSubmitQueryPersistsConversationAndMessages(t *testing.T) {
	o, bus, store := newTestOrchestrator(t)
	err := o.SubmitQuery(context.Background(), Turn{Content: "hello there"}, streamText("hi back"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bus.hasType(gateway.EventConversationSaved) {
		t.Fatal("expected conversation_saved event")
	}

	sessionsList, err := store.List(context.Background(), "", sessions.ListOptions{})
	if err != nil {
		t.Fatalf("unexpected error listing sessions: %v", err)
	}
	if len(sessionsList) != 1 {
		t.Fatalf("expected exactly one conversation, got %d", len(sessionsList))
	}

	history, err := store.GetHistory(context.Background(), sessionsList[0].ID, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(history))
	}
}

func TestSubmitQueryRejectsWhileBusy(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	rc, err := o.begin(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer o.finish(rc)

	err = o.SubmitQuery(context.Background(), Turn{Content: "hello"}, streamText("hi"))
	if err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestSubmitQueryFallsBackWhenToolCallsButNoText(t *testing.T) {
	o, _, store := newTestOrchestrator(t)
	provider := &scriptedProvider{rounds: [][]models.ToolCall{
		{{ID: "1", Name: "add", Input: json.RawMessage(`{}`)}},
	}}
	loop := NewToolLoop(provider, &recordingDispatcher{}, nil, nil)
	o.toolLoop = loop

	noText := func(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
		ch := make(chan *agent.CompletionChunk, 1)
		ch <- &agent.CompletionChunk{Done: true}
		close(ch)
		return ch, nil
	}

	err := o.SubmitQuery(context.Background(), Turn{Content: "do something"}, noText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sessionsList, _ := store.List(context.Background(), "", sessions.ListOptions{})
	history, _ := store.GetHistory(context.Background(), sessionsList[0].ID, 10)
	if history[1].Content == "" {
		t.Fatal("expected a non-empty placeholder assistant message")
	}
}

func TestSubmitQueryEmitsToolCallEventsInOrder(t *testing.T) {
	o, bus, _ := newTestOrchestrator(t)
	provider := &scriptedProvider{rounds: [][]models.ToolCall{
		{{ID: "1", Name: "add", Input: json.RawMessage(`{}`)}},
	}}
	loop := NewToolLoop(provider, &recordingDispatcher{}, nil, nil)
	o.toolLoop = loop

	err := o.SubmitQuery(context.Background(), Turn{Content: "add 1 and 2"}, streamText("3"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var callingIdx, completeIdx, summaryIdx = -1, -1, -1
	for i, ev := range bus.events {
		switch {
		case ev.Type == gateway.EventToolCall && ev.Payload["status"] == gateway.ToolCallCalling:
			callingIdx = i
		case ev.Type == gateway.EventToolCall && ev.Payload["status"] == gateway.ToolCallComplete:
			completeIdx = i
		case ev.Type == gateway.EventToolCallsSummary:
			summaryIdx = i
		}
	}

	if callingIdx == -1 || completeIdx == -1 {
		t.Fatalf("expected both a calling and a complete tool_call event, got %+v", bus.events)
	}
	if completeIdx <= callingIdx {
		t.Fatalf("expected complete to follow calling: calling=%d complete=%d", callingIdx, completeIdx)
	}
	if summaryIdx == -1 || summaryIdx <= completeIdx {
		t.Fatalf("expected tool_calls_summary after the last complete event: complete=%d summary=%d", completeIdx, summaryIdx)
	}
	if o.toolLoop.OnToolCall != nil || o.toolLoop.OnToolResult != nil {
		t.Fatal("expected tool loop hooks to be cleared after the turn")
	}
}

func TestSubmitQueryDefersThenPersistsTerminalEvents(t *testing.T) {
	bus := &recordingBus{}
	store := sessions.NewMemoryStore()
	eventStore := NewMemoryTerminalEventStore()
	pending := NewPendingTerminalEvents(eventStore)

	terminal, err := shell.New(shell.Config{
		AskLevel:          shell.AskOff,
		ApprovalStorePath: filepath.Join(t.TempDir(), "approvals.json"),
	})
	if err != nil {
		t.Fatalf("unexpected error building terminal: %v", err)
	}

	loop := NewToolLoop(&scriptedProvider{}, &recordingDispatcher{}, terminal, nil)
	o := New(Deps{Bus: bus, Store: store, ToolLoop: loop, Terminal: terminal, Pending: pending})

	// Dispatch a denied-by-blocklist command before the turn's first
	// persisted message exists: the record must be queued in memory only.
	ctx := context.Background()
	o.wireTerminalEvents(ctx)
	terminal.Dispatch(ctx, "run_command", json.RawMessage(`{"command":"rm -rf /"}`))

	recs, _ := eventStore.ListByConversation(ctx, "")
	if len(recs) != 0 {
		t.Fatalf("expected no persisted records before the first message, got %d", len(recs))
	}

	if err := o.SubmitQuery(ctx, Turn{Content: "hello"}, streamText("hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conversationID, _ := o.conversationID.Load().(string)
	if conversationID == "" {
		t.Fatal("expected a conversation id to be assigned")
	}
	recs, _ = eventStore.ListByConversation(ctx, conversationID)
	if len(recs) != 1 {
		t.Fatalf("expected the deferred terminal event to flush under the new conversation id, got %d records", len(recs))
	}
	if !recs[0].Denied || recs[0].ExitCode != -1 {
		t.Fatalf("expected a denied/blocked record with exit_code -1, got %+v", recs[0])
	}
}
