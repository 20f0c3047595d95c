// Package config defines the YAML configuration schema for the banter
// server and its validation rules. Configuration is loaded once at startup
// and optionally re-read by a file watcher so that hot-reloadable settings
// (log level, pipeline tuning) can change without a restart.
package config

import (
	"time"

	"github.com/MrWong99/banter/internal/tools/mcpbridge"
)

// LogLevel is the slog level the server runs at.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether the log level is one of the known values.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Pipeline  PipelineConfig    `yaml:"pipeline"`
	Providers ProvidersConfig   `yaml:"providers"`
	Fanout    FanoutConfig      `yaml:"fanout"`
	MCP       []MCPServerConfig `yaml:"mcp_servers"`
	Prompts   PromptsConfig     `yaml:"prompts"`
}

// ServerConfig holds the HTTP listener (metrics + health endpoints) and
// logging settings.
type ServerConfig struct {
	// ListenAddr is the host:port the metrics/health HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`
	// LogLevel is hot-reloadable via the config watcher.
	LogLevel LogLevel `yaml:"log_level"`
}

// PipelineConfig tunes the conversation decision pipeline.
type PipelineConfig struct {
	// BotName is the persona name templates and mention detection use.
	BotName string `yaml:"bot_name"`
	// ReserveTokens is the completion headroom kept free when fitting
	// history into the model's context window. Zero means the default.
	ReserveTokens int `yaml:"reserve_tokens"`
	// MaxToolIterations caps tool-call round trips per reply.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// StructuredRetries is the number of corrective re-prompts allowed
	// when a model emits output that fails schema validation.
	StructuredRetries int `yaml:"structured_retries"`
	// MaxMessageLength is the chunking limit for outgoing replies.
	MaxMessageLength int `yaml:"max_message_length"`
}

// ProviderEntry describes one LLM backend.
type ProviderEntry struct {
	// Name selects the backend implementation, e.g. "openai" or "ollama".
	Name string `yaml:"name"`
	// APIKey may be empty for local backends.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// Options carries backend-specific settings verbatim.
	Options map[string]any `yaml:"options"`
}

// ProvidersConfig selects the models each pipeline stage talks to. Default
// is required; per-stage overrides are optional and fall back to it.
type ProvidersConfig struct {
	Default ProviderEntry  `yaml:"default"`
	Analyze *ProviderEntry `yaml:"analyze"`
	Decide  *ProviderEntry `yaml:"decide"`
	Respond *ProviderEntry `yaml:"respond"`
	// Fallbacks are tried in order when the selected provider fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
	Retry     RetryConfig     `yaml:"retry"`
}

// RetryConfig tunes transient-error retries on provider calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// FanoutConfig lists additional models queried in parallel for
// multi-model comparisons.
type FanoutConfig struct {
	// Timeout applies to every target without its own timeout.
	Timeout time.Duration  `yaml:"timeout"`
	Targets []FanoutTarget `yaml:"targets"`
}

// FanoutTarget is one fanout participant.
type FanoutTarget struct {
	Provider ProviderEntry `yaml:"provider"`
	// Timeout overrides FanoutConfig.Timeout for this target.
	Timeout time.Duration `yaml:"timeout"`
}

// MCPServerConfig describes an external MCP tool server whose tools are
// imported into the dispatcher registry at startup.
type MCPServerConfig struct {
	// Name must be unique across configured servers.
	Name      string              `yaml:"name"`
	Transport mcpbridge.Transport `yaml:"transport"`
	// Command is the subprocess to launch for stdio transport.
	Command string `yaml:"command"`
	// URL is the endpoint for streamable-http transport.
	URL string `yaml:"url"`
	// Env is extra environment for stdio subprocesses, "KEY=value" form.
	Env []string `yaml:"env"`
}

// PromptsConfig controls prompt template loading.
type PromptsConfig struct {
	// Dir overrides the embedded templates with files from a directory.
	Dir string `yaml:"dir"`
}
