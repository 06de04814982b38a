package toolserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/nexuscore/engine/internal/shell"
)

// defaultRPCTimeout bounds a single JSON-RPC round trip that carries no
// tighter deadline of its own (handshake, list_tools). call_tool has its
// own 180s ceiling in the Manager.
const defaultRPCTimeout = 30 * time.Second

// ServerConfig describes one tool-server child process: how to spawn it
// and whether to do so automatically at startup.
type ServerConfig struct {
	Name      string            `yaml:"name" json:"name"`
	Command   string            `yaml:"command" json:"command"`
	Args      []string          `yaml:"args" json:"args,omitempty"`
	Env       map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir   string            `yaml:"workdir" json:"workdir,omitempty"`
	AutoStart bool              `yaml:"auto_start" json:"auto_start,omitempty"`

	// Timeout overrides the per-call RPC timeout for this server. Zero
	// means the default.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate rejects configs that could not spawn a usable server, and any
// env map that tries to set PATH under any case variant.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("server name is required")
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("server %s: command is required", c.Name)
	}
	if injected, reason := shell.CheckPathInjection(c.Env); injected {
		return fmt.Errorf("server %s: %s", c.Name, reason)
	}
	return nil
}

func (c ServerConfig) rpcTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultRPCTimeout
}
