package orchestrator

import (
	"github.com/nexuscore/engine/internal/gateway"
	"github.com/nexuscore/engine/internal/shell"
)

// TerminalEventBridge implements shell.EventSink by translating every
// Terminal Subsystem event onto the gateway's outbound event catalog, so
// a Terminal built with this sink reaches every connected WebSocket
// client instead of only the process that dispatched the tool call.
type TerminalEventBridge struct {
	Bus Bus
}

// NewTerminalEventBridge builds a shell.EventSink that forwards onto bus.
func NewTerminalEventBridge(bus Bus) *TerminalEventBridge {
	return &TerminalEventBridge{Bus: bus}
}

var shellToGatewayEvent = map[shell.EventType]gateway.EventType{
	shell.EventApprovalRequest: gateway.EventTerminalApprovalRequest,
	shell.EventSessionRequest:  gateway.EventTerminalSessionRequest,
	shell.EventSessionStarted:  gateway.EventTerminalSessionStarted,
	shell.EventSessionEnded:    gateway.EventTerminalSessionEnded,
	shell.EventOutput:          gateway.EventTerminalOutput,
	shell.EventCommandComplete: gateway.EventTerminalCommandComplete,
	shell.EventRunningNotice:   gateway.EventTerminalRunningNotice,
}

// Emit implements shell.EventSink.
func (b *TerminalEventBridge) Emit(ev shell.Event) {
	typ, ok := shellToGatewayEvent[ev.Type]
	if !ok {
		return
	}

	payload := map[string]any{}
	switch ev.Type {
	case shell.EventOutput:
		payload["text"] = ev.Text
		payload["stream"] = ev.Stream
		payload["raw"] = ev.Raw
		if ev.SessionID != "" {
			payload["session_id"] = ev.SessionID
		}
	case shell.EventCommandComplete:
		payload["exit_code"] = ev.ExitCode
		payload["duration_ms"] = ev.DurationMs
		payload["timed_out"] = ev.TimedOut
		if ev.SessionID != "" {
			payload["session_id"] = ev.SessionID
		}
	case shell.EventApprovalRequest:
		payload["command"] = ev.Command
	case shell.EventRunningNotice:
		payload["command"] = ev.Command
	default:
		if ev.SessionID != "" {
			payload["session_id"] = ev.SessionID
		}
	}
	for k, v := range ev.Meta {
		payload[k] = v
	}
	if len(payload) == 0 {
		payload = nil
	}

	b.Bus.Broadcast(gateway.Event{Type: typ, RequestID: ev.RequestID, At: ev.At, Payload: payload})
}
