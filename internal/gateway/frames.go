package gateway

import "encoding/json"

// InboundFrame is the envelope every client→core frame parses into before
// being dispatched by Type. Unknown types are dropped. Fields are a
// superset of every recognized frame's payload; each handler method reads
// only the fields its frame type defines.
type InboundFrame struct {
	Type string `json:"type"`

	// submit_query
	Content     string `json:"content,omitempty"`
	CaptureMode string `json:"capture_mode,omitempty"`
	Model       string `json:"model,omitempty"`

	// remove_screenshot
	ID string `json:"id,omitempty"`

	// set_capture_mode
	Mode string `json:"mode,omitempty"`

	// get_conversations
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`

	// load_conversation / delete_conversation / resume_conversation
	ConversationID string `json:"conversation_id,omitempty"`

	// search_conversations
	Query string `json:"query,omitempty"`

	// terminal_approval_response / terminal_session_response
	RequestID string `json:"request_id,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Remember  bool   `json:"remember,omitempty"`

	// terminal_resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`
}

// Inbound frame type strings.
const (
	FrameSubmitQuery            = "submit_query"
	FrameClearContext           = "clear_context"
	FrameRemoveScreenshot       = "remove_screenshot"
	FrameSetCaptureMode         = "set_capture_mode"
	FrameStopStreaming          = "stop_streaming"
	FrameGetConversations       = "get_conversations"
	FrameLoadConversation       = "load_conversation"
	FrameDeleteConversation     = "delete_conversation"
	FrameSearchConversations    = "search_conversations"
	FrameResumeConversation     = "resume_conversation"
	FrameStartRecording         = "start_recording"
	FrameStopRecording          = "stop_recording"
	FrameTerminalApprovalResp   = "terminal_approval_response"
	FrameTerminalSessionResp    = "terminal_session_response"
	FrameTerminalResize         = "terminal_resize"
	FrameTerminalKill           = "terminal_kill"
)

// ParseInboundFrame decodes one inbound WS text frame. A JSON syntax error
// is the only thing treated as fatal to the connection; an unrecognized
// Type is left for the dispatcher to silently drop.
func ParseInboundFrame(raw []byte) (InboundFrame, error) {
	var f InboundFrame
	err := json.Unmarshal(raw, &f)
	return f, err
}
