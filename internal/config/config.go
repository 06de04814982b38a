package config

import (
	"time"

	"github.com/nexuscore/engine/internal/observability"
	"github.com/nexuscore/engine/internal/toolserver"
)

// Config is the root configuration document loaded by Load. It is decoded
// from merged YAML/JSON5 raw maps (see loader.go) after $include resolution.
type Config struct {
	Version int `yaml:"version" json:"version"`

	Server   ServerConfig              `yaml:"server" json:"server"`
	Logging  observability.LogConfig   `yaml:"logging" json:"logging"`
	Tracing  observability.TraceConfig `yaml:"tracing" json:"tracing"`
	Database DatabaseConfig            `yaml:"database" json:"database"`

	Terminal    TerminalConfig     `yaml:"terminal" json:"terminal"`
	Retriever   RetrieverConfig    `yaml:"retriever" json:"retriever"`
	ToolServers []toolserver.ServerConfig `yaml:"toolservers" json:"toolservers"`

	Providers []ProviderConfig `yaml:"providers" json:"providers"`
}

// ServerConfig configures the Event Bus / WebSocket gateway listener.
type ServerConfig struct {
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
}

// DatabaseConfig configures the conversation/message/terminal-event store.
type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn" json:"dsn"`
}

// ProviderConfig describes one configured LLM provider adapter.
type ProviderConfig struct {
	Name    string `yaml:"name" json:"name"`
	APIKey  string `yaml:"api_key" json:"api_key,omitempty"`
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
	Region  string `yaml:"region" json:"region,omitempty"`
	Default bool   `yaml:"default" json:"default,omitempty"`
}

// TerminalConfig configures the terminal subsystem's ask level, approval
// store, and command blocklist.
type TerminalConfig struct {
	// AskLevel is the approval posture: "always", "on-miss", or "off".
	AskLevel string `yaml:"ask_level" json:"ask_level"`

	// BlocklistOverrides appends additional blocked-command patterns on
	// top of the built-in blocklist.
	BlocklistOverrides []string `yaml:"blocklist_overrides" json:"blocklist_overrides,omitempty"`

	// ApprovalStorePath is where remembered command signatures are
	// persisted across restarts.
	ApprovalStorePath string `yaml:"approval_store_path" json:"approval_store_path"`
}

// RetrieverConfig configures the semantic tool retriever.
type RetrieverConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Backend  string        `yaml:"backend" json:"backend"`
	TopK     int           `yaml:"top_k" json:"top_k"`
	AlwaysOn []string      `yaml:"always_on" json:"always_on,omitempty"`
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}
