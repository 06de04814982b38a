package toolserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nexuscore/engine/internal/shell"
)

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr string
	}{
		{"valid", ServerConfig{Name: "srv", Command: "/bin/cat"}, ""},
		{"missing name", ServerConfig{Command: "/bin/cat"}, "name"},
		{"missing command", ServerConfig{Name: "srv"}, "command"},
		{"path injection upper", ServerConfig{Name: "srv", Command: "/bin/cat", Env: map[string]string{"PATH": "/evil"}}, "PATH"},
		{"path injection mixed", ServerConfig{Name: "srv", Command: "/bin/cat", Env: map[string]string{"PaTh": "/evil"}}, "PATH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSpawnServerPinsChildPath(t *testing.T) {
	p, err := spawnServer(ServerConfig{
		Name:    "srv",
		Command: "/bin/cat",
		Env:     map[string]string{"EXTRA": "v"},
	}, slog.Default())
	if err != nil {
		t.Fatalf("spawnServer() error = %v", err)
	}
	defer p.close()

	var childPath string
	for _, kv := range p.cmd.Env {
		if strings.HasPrefix(kv, "PATH=") {
			childPath = strings.TrimPrefix(kv, "PATH=")
		}
	}
	if childPath != shell.StartupPath() {
		t.Errorf("child PATH = %q, want startup PATH", childPath)
	}
}

func TestSpawnServerRejectsPathInjection(t *testing.T) {
	_, err := spawnServer(ServerConfig{
		Name:    "srv",
		Command: "/bin/cat",
		Env:     map[string]string{"path": "/evil/bin"},
	}, slog.Default())
	if err == nil {
		t.Fatalf("expected PATH injection to be rejected")
	}
}

func TestCallTimesOutAgainstSilentServer(t *testing.T) {
	// cat echoes requests back; the echo carries a method field, so the
	// demux drops it and the call must hit its timeout.
	p, err := spawnServer(ServerConfig{
		Name:    "srv",
		Command: "/bin/cat",
		Timeout: 200 * time.Millisecond,
	}, slog.Default())
	if err != nil {
		t.Fatalf("spawnServer() error = %v", err)
	}
	defer p.close()

	_, err = p.call(context.Background(), "initialize", nil)
	if err == nil || !strings.Contains(err.Error(), "no response") {
		t.Errorf("call error = %v, want timeout", err)
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	p, err := spawnServer(ServerConfig{Name: "srv", Command: "/bin/cat"}, slog.Default())
	if err != nil {
		t.Fatalf("spawnServer() error = %v", err)
	}
	p.close()
	p.close() // idempotent

	if _, err := p.call(context.Background(), "list_tools", nil); err == nil {
		t.Errorf("expected call on closed server to fail")
	}
}

func TestRPCInboundDemux(t *testing.T) {
	var resp rpcInbound
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":7,"result":{"tools":[]}}`), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !resp.isResponse() || *resp.ID != 7 {
		t.Errorf("response not recognized: %+v", resp)
	}

	var notif rpcInbound
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"log","params":{}}`), &notif); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if notif.isResponse() {
		t.Errorf("notification misclassified as response: %+v", notif)
	}
}

func TestCallToolResultFlattening(t *testing.T) {
	var result callToolResult
	raw := `{"content":[{"type":"text","text":"100"},{"type":"image","mimeType":"image/png"},{"type":"text","text":"!"}]}`
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	var out strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.String() != "100!" {
		t.Errorf("flattened = %q", out.String())
	}
}
