package orchestrator

import (
	"context"
	"log/slog"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/internal/gateway"
	"github.com/nexuscore/engine/internal/sessions"
	"github.com/nexuscore/engine/internal/shell"
)

// GenerateFunc is a provider adapter's streaming generation call, keyed
// by model name in a Handler's registry.
type GenerateFunc func(context.Context, *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error)

// Handler adapts an Orchestrator, the Terminal Subsystem, and the
// Conversation store to gateway.Handler, so the WS transport never needs
// to import this package's internals — only this narrow interface.
type Handler struct {
	orch      *Orchestrator
	terminal  *shell.Terminal
	store     sessions.Store
	bus       Bus
	providers map[string]GenerateFunc
	fallback  string
	logger    *slog.Logger
}

// NewHandler builds a gateway.Handler. providers maps a model name to its
// streaming generation call; fallback names the provider used when
// submit_query omits a model. bus is used only for the handful of
// frames (clear_context, load/resume_conversation) that broadcast
// directly rather than through a turn; everything else goes through
// Orchestrator.SubmitQuery, which owns the bus itself.
func NewHandler(orch *Orchestrator, terminal *shell.Terminal, store sessions.Store, bus Bus, providers map[string]GenerateFunc, fallback string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: orch, terminal: terminal, store: store, bus: bus, providers: providers, fallback: fallback, logger: logger.With("component", "handler")}
}

var _ gateway.Handler = (*Handler)(nil)

func (h *Handler) SubmitQuery(ctx context.Context, clientID, content, captureMode, model string) {
	if model == "" {
		model = h.fallback
	}
	generate, ok := h.providers[model]
	if !ok {
		h.logger.Warn("unknown model requested", "model", model)
		return
	}
	turn := Turn{Content: content, CaptureMode: captureMode, Model: model}
	go func() {
		if err := h.orch.SubmitQuery(ctx, turn, generate); err != nil {
			h.logger.Warn("submit_query failed", "client", clientID, "error", err)
		}
	}()
}

func (h *Handler) ClearContext(clientID string) {
	h.orch.conversationID.Store("")
	if h.bus != nil {
		h.bus.Broadcast(gateway.NewEvent(gateway.EventContextCleared, "", nil))
	}
}

func (h *Handler) RemoveScreenshot(clientID, id string) {
	// Screenshot bookkeeping is owned by the external AttachmentProvider
	// collaborator; nothing to do on the orchestrator side beyond the
	// removal the UI already performed locally.
}

func (h *Handler) SetCaptureMode(clientID, mode string) {
	// Capture mode is read per-turn from the submit_query frame itself;
	// no persistent mode needs tracking here.
}

func (h *Handler) StopStreaming(clientID string) {
	h.orch.Cancel()
}

func (h *Handler) GetConversations(clientID string, limit, offset int) {
	sessionsList, err := h.store.List(context.Background(), "", sessions.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		h.logger.Warn("get_conversations failed", "error", err)
		return
	}
	h.logger.Debug("get_conversations", "client", clientID, "count", len(sessionsList))
}

func (h *Handler) LoadConversation(clientID, conversationID string) {
	if _, err := h.store.Get(context.Background(), conversationID); err != nil {
		h.logger.Warn("load_conversation: unknown conversation", "id", conversationID)
		if h.bus != nil {
			h.bus.Broadcast(gateway.NewEvent(gateway.EventError, "", map[string]any{"error": "unknown conversation"}))
		}
		return
	}
	h.orch.conversationID.Store(conversationID)
	if h.bus != nil {
		h.bus.Broadcast(gateway.NewEvent(gateway.EventConversationResumed, "", map[string]any{"conversation_id": conversationID}))
	}
}

func (h *Handler) DeleteConversation(clientID, conversationID string) {
	if err := h.store.Delete(context.Background(), conversationID); err != nil {
		h.logger.Warn("delete_conversation failed", "id", conversationID, "error", err)
	}
}

func (h *Handler) SearchConversations(clientID, query string) {
	// The frame is accepted and ignored: no conversation search is
	// performed and nothing is sent back to the client.
}

func (h *Handler) ResumeConversation(clientID, conversationID string) {
	h.LoadConversation(clientID, conversationID)
}

func (h *Handler) StartRecording(clientID string) {}
func (h *Handler) StopRecording(clientID string)  {}

func (h *Handler) TerminalApprovalResponse(requestID string, approved, remember bool) {
	if h.terminal != nil {
		h.terminal.ResolveApproval(requestID, approved, remember)
	}
}

func (h *Handler) TerminalSessionResponse(requestID string, approved bool) {
	if h.terminal != nil {
		h.terminal.ResolveApproval(requestID, approved, false)
	}
}

func (h *Handler) TerminalResize(cols, rows int) {
	if h.terminal != nil && cols > 0 && rows > 0 {
		h.terminal.ResizeAll(cols, rows)
	}
}

func (h *Handler) TerminalKill() {
	if h.terminal != nil {
		h.terminal.CancelAll()
	}
}
