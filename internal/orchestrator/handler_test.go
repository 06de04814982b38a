package orchestrator

import (
	"context"
	"testing"

	"github.com/nexuscore/engine/internal/gateway"
	"github.com/nexuscore/engine/internal/sessions"
	"github.com/nexuscore/engine/pkg/models"
)

func TestHandlerLoadConversationSetsActive(t *testing.T) {
	o, _, store := newTestOrchestrator(t)
	h := NewHandler(o, nil, store, nil, nil, "", nil)

	session := &models.Session{Channel: models.ChannelDesktop, Title: "x"}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.LoadConversation("client-1", session.ID)

	if got, _ := o.conversationID.Load().(string); got != session.ID {
		t.Fatalf("expected conversation id %q active, got %q", session.ID, got)
	}
}

func TestHandlerLoadConversationUnknownIDIgnored(t *testing.T) {
	o, _, store := newTestOrchestrator(t)
	h := NewHandler(o, nil, store, nil, nil, "", nil)

	h.LoadConversation("client-1", "does-not-exist")

	if got, _ := o.conversationID.Load().(string); got != "" {
		t.Fatalf("expected no active conversation, got %q", got)
	}
}

func TestHandlerClearContextResetsActive(t *testing.T) {
	o, _, store := newTestOrchestrator(t)
	h := NewHandler(o, nil, store, nil, nil, "", nil)
	o.conversationID.Store("some-id")

	h.ClearContext("client-1")

	if got, _ := o.conversationID.Load().(string); got != "" {
		t.Fatalf("expected conversation cleared, got %q", got)
	}
}

func TestHandlerSubmitQueryUnknownModelNoop(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	h := NewHandler(o, nil, sessions.NewMemoryStore(), nil, map[string]GenerateFunc{}, "", nil)
	h.SubmitQuery(context.Background(), "client-1", "hello", "", "ghost-model")
}

func TestHandlerClearContextBroadcastsEvent(t *testing.T) {
	o, _, store := newTestOrchestrator(t)
	bus := &recordingBus{}
	h := NewHandler(o, nil, store, bus, nil, "", nil)

	h.ClearContext("client-1")

	if !bus.hasType(gateway.EventContextCleared) {
		t.Fatal("expected a context_cleared event on the bus")
	}
}

func TestHandlerResumeConversationBroadcastsEvent(t *testing.T) {
	o, _, store := newTestOrchestrator(t)
	bus := &recordingBus{}
	h := NewHandler(o, nil, store, bus, nil, "", nil)

	session := &models.Session{Channel: models.ChannelDesktop, Title: "x"}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	h.ResumeConversation("client-1", session.ID)

	if !bus.hasType(gateway.EventConversationResumed) {
		t.Fatal("expected a conversation_resumed event on the bus")
	}
}
