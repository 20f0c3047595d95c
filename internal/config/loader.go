package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/MrWong99/banter/internal/tools/mcpbridge"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames are the backend names the provider factory knows how
// to construct.
var ValidProviderNames = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"ollama":    true,
	"gemini":    true,
	"deepseek":  true,
	"mistral":   true,
	"groq":      true,
	"llamacpp":  true,
	"llamafile": true,
}

// Load reads and validates a config file from disk.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses YAML from r, applies defaults and validates the
// result. ${VAR} references are expanded from the environment before
// parsing so secrets like API keys can stay out of the file. Unknown
// fields are rejected so typos surface at startup instead of silently
// falling back to defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in values that may be omitted from the file.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogLevelInfo
	}
	if c.Pipeline.BotName == "" {
		c.Pipeline.BotName = "banter"
	}
}

// Validate checks the configuration for errors. All problems are collected
// and returned joined so a broken file reports everything at once.
func (c *Config) Validate() error {
	var errs []error

	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("config: server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel))
	}
	if c.Pipeline.ReserveTokens < 0 {
		errs = append(errs, errors.New("config: pipeline.reserve_tokens must not be negative"))
	}
	if c.Pipeline.MaxToolIterations < 0 {
		errs = append(errs, errors.New("config: pipeline.max_tool_iterations must not be negative"))
	}
	if c.Pipeline.StructuredRetries < 0 {
		errs = append(errs, errors.New("config: pipeline.structured_retries must not be negative"))
	}
	if c.Pipeline.MaxMessageLength < 0 {
		errs = append(errs, errors.New("config: pipeline.max_message_length must not be negative"))
	}

	errs = append(errs, validateProvider("providers.default", c.Providers.Default)...)
	for stage, entry := range map[string]*ProviderEntry{
		"providers.analyze": c.Providers.Analyze,
		"providers.decide":  c.Providers.Decide,
		"providers.respond": c.Providers.Respond,
	} {
		if entry != nil {
			errs = append(errs, validateProvider(stage, *entry)...)
		}
	}
	for i, fb := range c.Providers.Fallbacks {
		errs = append(errs, validateProvider(fmt.Sprintf("providers.fallbacks[%d]", i), fb)...)
	}
	if c.Providers.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("config: providers.retry.max_attempts must not be negative"))
	}
	if c.Providers.Retry.BaseDelay < 0 || c.Providers.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("config: providers.retry delays must not be negative"))
	}

	if c.Fanout.Timeout < 0 {
		errs = append(errs, errors.New("config: fanout.timeout must not be negative"))
	}
	for i, t := range c.Fanout.Targets {
		errs = append(errs, validateProvider(fmt.Sprintf("fanout.targets[%d].provider", i), t.Provider)...)
		if t.Timeout < 0 {
			errs = append(errs, fmt.Errorf("config: fanout.targets[%d].timeout must not be negative", i))
		}
	}

	seen := make(map[string]bool, len(c.MCP))
	for i, srv := range c.MCP {
		prefix := fmt.Sprintf("config: mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[srv.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", prefix, srv.Name))
		}
		seen[srv.Name] = true
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s: transport %q is not one of stdio, streamable-http", prefix, srv.Transport))
		}
		switch srv.Transport {
		case mcpbridge.TransportStdio:
			if srv.Command == "" {
				errs = append(errs, fmt.Errorf("%s: stdio transport requires command", prefix))
			}
		case mcpbridge.TransportStreamableHTTP:
			if srv.URL == "" {
				errs = append(errs, fmt.Errorf("%s: streamable-http transport requires url", prefix))
			}
		}
	}

	if c.Prompts.Dir != "" {
		if info, err := os.Stat(c.Prompts.Dir); err != nil || !info.IsDir() {
			slog.Warn("configured prompts directory is not accessible, embedded templates will be used",
				"dir", c.Prompts.Dir)
		}
	}

	return errors.Join(errs...)
}

func validateProvider(prefix string, p ProviderEntry) []error {
	var errs []error
	name := strings.ToLower(p.Name)
	if name == "" {
		errs = append(errs, fmt.Errorf("config: %s.name is required", prefix))
	} else if !ValidProviderNames[name] {
		errs = append(errs, fmt.Errorf("config: %s.name %q is not a known provider", prefix, p.Name))
	}
	if p.Model == "" {
		errs = append(errs, fmt.Errorf("config: %s.model is required", prefix))
	}
	return errs
}
