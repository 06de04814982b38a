package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 20 * time.Second
)

// Handler dispatches one parsed inbound frame to the Request Orchestrator.
// The gateway package owns WS framing only; every frame is routed to this
// interface so gateway never needs to import the orchestrator package.
type Handler interface {
	SubmitQuery(ctx context.Context, clientID, content, captureMode, model string)
	ClearContext(clientID string)
	RemoveScreenshot(clientID, id string)
	SetCaptureMode(clientID, mode string)
	StopStreaming(clientID string)
	GetConversations(clientID string, limit, offset int)
	LoadConversation(clientID, conversationID string)
	DeleteConversation(clientID, conversationID string)
	SearchConversations(clientID, query string)
	ResumeConversation(clientID, conversationID string)
	StartRecording(clientID string)
	StopRecording(clientID string)
	TerminalApprovalResponse(requestID string, approved, remember bool)
	TerminalSessionResponse(requestID string, approved bool)
	TerminalResize(cols, rows int)
	TerminalKill()
}

// Server upgrades HTTP connections to the single WebSocket endpoint,
// registers each connection with the Bus, and dispatches inbound frames to
// Handler. There is exactly one Server per process, matching the Bus.
type Server struct {
	bus      *Bus
	handler  Handler
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer builds a gateway Server over the given Bus and Handler.
func NewServer(bus *Bus, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bus:     bus,
		handler: handler,
		logger:  logger.With("component", "ws_gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	wc := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	s.bus.Connect(wc, []Event{NewEvent(EventReady, "", nil)})
	defer s.bus.Disconnect(wc.id)

	go wc.writeLoop()
	s.readLoop(ctx, wc)
}

func (s *Server) readLoop(ctx context.Context, wc *wsClient) {
	defer wc.close()

	wc.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := wc.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := ParseInboundFrame(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "client", wc.id, "error", err)
			continue
		}
		s.dispatch(ctx, wc.id, frame)
	}
}

func (s *Server) dispatch(ctx context.Context, clientID string, f InboundFrame) {
	h := s.handler
	switch f.Type {
	case FrameSubmitQuery:
		h.SubmitQuery(ctx, clientID, f.Content, f.CaptureMode, f.Model)
	case FrameClearContext:
		h.ClearContext(clientID)
	case FrameRemoveScreenshot:
		h.RemoveScreenshot(clientID, f.ID)
	case FrameSetCaptureMode:
		h.SetCaptureMode(clientID, f.Mode)
	case FrameStopStreaming:
		h.StopStreaming(clientID)
	case FrameGetConversations:
		h.GetConversations(clientID, f.Limit, f.Offset)
	case FrameLoadConversation:
		h.LoadConversation(clientID, f.ConversationID)
	case FrameDeleteConversation:
		h.DeleteConversation(clientID, f.ConversationID)
	case FrameSearchConversations:
		h.SearchConversations(clientID, f.Query)
	case FrameResumeConversation:
		h.ResumeConversation(clientID, f.ConversationID)
	case FrameStartRecording:
		h.StartRecording(clientID)
	case FrameStopRecording:
		h.StopRecording(clientID)
	case FrameTerminalApprovalResp:
		h.TerminalApprovalResponse(f.RequestID, f.Approved, f.Remember)
	case FrameTerminalSessionResp:
		h.TerminalSessionResponse(f.RequestID, f.Approved)
	case FrameTerminalResize:
		h.TerminalResize(f.Cols, f.Rows)
	case FrameTerminalKill:
		h.TerminalKill()
	default:
		// Unknown types are silently ignored.
	}
}

// wsClient adapts a single gorilla websocket connection to gateway.Client.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) close() {
	c.cancel()
	_ = c.conn.Close()
}
