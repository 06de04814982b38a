package toolserver

import "encoding/json"

// The tool-server protocol is JSON-RPC 2.0, one message per line on the
// child's standard streams. The core is always the client; the only
// server-initiated traffic it accepts is notifications, which are logged
// and dropped.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rpcInbound is every message shape a server can write back: a response
// (ID + Result/Error) or a notification (Method, no ID). Demuxing keys on
// which fields are populated.
type rpcInbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (m *rpcInbound) isResponse() bool {
	return m.ID != nil && m.Method == ""
}

// ToolDescriptor is one tool as a server advertises it in its list_tools
// response: the canonical {name, description, json schema} triple.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// contentBlock is one entry of a call_tool result's content array. Only
// text blocks carry information the engine forwards; other types are
// rendered as placeholders.
type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type callToolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}
