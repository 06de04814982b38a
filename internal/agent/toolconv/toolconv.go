// Package toolconv projects the engine's canonical tool shape
// ({name, description, json schema}) into each supported provider's
// native tool-definition form, so schema quirks are handled here, not in
// each provider adapter.
package toolconv

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/nexuscore/engine/internal/agent"
)

// schemaMap decodes a tool's JSON Schema into a generic map, substituting
// the empty-object schema when the tool carries none or the document is
// malformed — providers reject a missing parameters block outright, so a
// broken schema degrades to "tool with no arguments" instead of failing
// the whole request.
func schemaMap(tool agent.Tool) map[string]any {
	raw := tool.Schema()
	if len(raw) > 0 {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			return m
		}
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// ToAnthropicTools converts tools to the Anthropic Messages API form.
func ToAnthropicTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", tool.Name(), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: schema did not produce a tool definition", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		out = append(out, param)
	}
	return out, nil
}

// ToOpenAITools converts tools to the OpenAI chat-completions function
// form (also consumed by every OpenAI-compatible endpoint).
func ToOpenAITools(tools []agent.Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap(tool),
			},
		})
	}
	return out
}

// ToBedrockTools converts tools to the Bedrock Converse API's tool
// configuration.
func ToBedrockTools(tools []agent.Tool) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]types.Tool, 0, len(tools))
	for _, tool := range tools {
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name()),
				Description: aws.String(tool.Description()),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schemaMap(tool)),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

// ToGeminiTools converts tools to Gemini function declarations. Gemini's
// Schema type is a closed struct rather than free-form JSON, so the
// schema map is translated field by field; keys Gemini rejects
// (additionalProperties, $schema) simply have no destination and drop
// out.
func ToGeminiTools(tools []agent.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  geminiSchema(schemaMap(tool)),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func geminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	for key, value := range m {
		switch key {
		case "type":
			if t, ok := value.(string); ok {
				s.Type = genai.Type(strings.ToUpper(t))
			}
		case "description":
			s.Description, _ = value.(string)
		case "enum":
			if items, ok := value.([]any); ok {
				for _, item := range items {
					if str, ok := item.(string); ok {
						s.Enum = append(s.Enum, str)
					}
				}
			}
		case "required":
			if items, ok := value.([]any); ok {
				for _, item := range items {
					if str, ok := item.(string); ok {
						s.Required = append(s.Required, str)
					}
				}
			}
		case "properties":
			if props, ok := value.(map[string]any); ok {
				s.Properties = make(map[string]*genai.Schema, len(props))
				for name, prop := range props {
					if propMap, ok := prop.(map[string]any); ok {
						s.Properties[name] = geminiSchema(propMap)
					}
				}
			}
		case "items":
			if itemMap, ok := value.(map[string]any); ok {
				s.Items = geminiSchema(itemMap)
			}
		}
	}
	return s
}
