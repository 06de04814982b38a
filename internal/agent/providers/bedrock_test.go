package providers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nexuscore/engine/internal/agent"
	"github.com/nexuscore/engine/pkg/models"
)

func TestBedrockMessagesConversion(t *testing.T) {
	history := []agent.CompletionMessage{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "add 1 and 2"},
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "add", Input: json.RawMessage(`{"a":1,"b":2}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "call-1", Content: "3"},
		}},
	}

	out, err := bedrockMessages(history)
	if err != nil {
		t.Fatalf("bedrockMessages() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("messages = %d, want 3 (system dropped)", len(out))
	}
	if out[0].Role != types.ConversationRoleUser || out[1].Role != types.ConversationRoleAssistant {
		t.Errorf("roles = %v, %v", out[0].Role, out[1].Role)
	}
	if _, ok := out[1].Content[0].(*types.ContentBlockMemberToolUse); !ok {
		t.Errorf("assistant content = %T, want tool use block", out[1].Content[0])
	}
	if _, ok := out[2].Content[0].(*types.ContentBlockMemberToolResult); !ok {
		t.Errorf("tool message content = %T, want tool result block", out[2].Content[0])
	}
}

func TestBedrockMessagesRejectsBadToolInput(t *testing.T) {
	history := []agent.CompletionMessage{
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "x", Name: "add", Input: json.RawMessage(`{broken`)},
		}},
	}
	if _, err := bedrockMessages(history); err == nil {
		t.Fatalf("expected an error for unparseable tool input")
	}
}

func TestBedrockImageFormat(t *testing.T) {
	tests := []struct {
		path string
		want types.ImageFormat
		ok   bool
	}{
		{"/tmp/a.png", types.ImageFormatPng, true},
		{"/tmp/a.JPG", types.ImageFormatJpeg, true},
		{"/tmp/a.jpeg", types.ImageFormatJpeg, true},
		{"/tmp/a.gif", types.ImageFormatGif, true},
		{"/tmp/a.webp", types.ImageFormatWebp, true},
		{"/tmp/a.tiff", "", false},
		{"/tmp/noext", "", false},
	}
	for _, tt := range tests {
		got, ok := bedrockImageFormat(tt.path)
		if got != tt.want || ok != tt.ok {
			t.Errorf("bedrockImageFormat(%q) = %v/%v, want %v/%v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBedrockImageBlockReadsLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	block := bedrockImageBlock(models.Attachment{Type: "image", URL: path})
	img, ok := block.(*types.ContentBlockMemberImage)
	if !ok {
		t.Fatalf("block = %T", block)
	}
	src, ok := img.Value.Source.(*types.ImageSourceMemberBytes)
	if !ok || string(src.Value) != "png-bytes" {
		t.Errorf("source = %#v", img.Value.Source)
	}

	if bedrockImageBlock(models.Attachment{Type: "image", URL: "/no/such/file.png"}) != nil {
		t.Errorf("unreadable file should yield no block")
	}
}
