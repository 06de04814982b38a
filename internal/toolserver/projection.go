package toolserver

import (
	"context"
	"encoding/json"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/internal/agent/toolconv"
)

// boundTool adapts a ToolView into agent.Tool so the Manager's canonical
// tool list can be projected through the same toolconv converters the
// Tool Loop's provider adapters already use, stripping schema keys a
// given provider rejects (e.g. additionalProperties for Gemini).
type boundTool struct {
	view    ToolView
	manager *Manager
}

func (b boundTool) Name() string             { return b.view.Name }
func (b boundTool) Description() string      { return b.view.Description }
func (b boundTool) Schema() json.RawMessage  { return stripUnsupportedSchemaKeys(b.view.JSONSchema) }
func (b boundTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &agent.ToolResult{Content: "Error: invalid arguments: " + err.Error(), IsError: true}, nil
		}
	}
	out := b.manager.CallTool(ctx, b.view.Name, args)
	return &agent.ToolResult{Content: out}, nil
}

// stripUnsupportedSchemaKeys removes schema keys that at least one
// supported provider rejects outright (Gemini rejects
// additionalProperties; all four reject $schema). Providers that do
// accept a key simply ignore its absence.
func stripUnsupportedSchemaKeys(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return schema
	}
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		return schema
	}
	delete(m, "additionalProperties")
	delete(m, "$schema")
	out, err := json.Marshal(m)
	if err != nil {
		return schema
	}
	return out
}

// AsAgentTools projects the canonical tool list into the agent.Tool shape
// the provider-neutral Tool Loop and toolconv converters consume.
func (m *Manager) AsAgentTools(names []string) []agent.Tool {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}
	var out []agent.Tool
	for _, v := range m.Tools() {
		if len(names) > 0 {
			if _, ok := wanted[v.Name]; !ok {
				continue
			}
		}
		out = append(out, boundTool{view: v, manager: m})
	}
	return out
}

// AnthropicTools, OpenAITools, BedrockTools, and GeminiTools are the four
// supported provider-specific projections of the canonical tool list.
func (m *Manager) AnthropicTools(names []string) (any, error) {
	return toolconv.ToAnthropicTools(m.AsAgentTools(names))
}

func (m *Manager) OpenAITools(names []string) any {
	return toolconv.ToOpenAITools(m.AsAgentTools(names))
}

func (m *Manager) BedrockTools(names []string) any {
	return toolconv.ToBedrockTools(m.AsAgentTools(names))
}

func (m *Manager) GeminiTools(names []string) any {
	return toolconv.ToGeminiTools(m.AsAgentTools(names))
}
