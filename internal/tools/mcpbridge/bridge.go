// Package mcpbridge imports tools from Model Context Protocol (MCP) servers
// into a [tools.Registry].
//
// The bridge connects via stdio or streamable-HTTP transports using the
// official MCP Go SDK, lists each server's tool catalogue, and registers every
// discovered tool with a handler that forwards invocations to the owning
// server session. Imported tools go through the same schema validation gate as
// built-in tools.
//
// Typical usage:
//
//	b := mcpbridge.New(logger)
//	defer b.Close()
//
//	err := b.Import(ctx, registry, mcpbridge.ServerConfig{
//	    Name:      "dice",
//	    Transport: mcpbridge.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-dice-server",
//	})
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/banter/internal/tools"
	"github.com/MrWong99/banter/pkg/provider/llm"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via streamable HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies this server in logs and errors. Must be unique within
	// a single Bridge.
	Name string

	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable path and optional arguments used when
	// Transport is stdio, split on whitespace.
	// Example: "/usr/local/bin/mcp-server --config /etc/mcp.json"
	Command string

	// URL is the endpoint address used when Transport is streamable-http.
	URL string

	// Env holds additional environment variables for the server process in
	// "KEY=value" form, appended to the parent environment. Only used for
	// stdio transport. May be nil.
	Env []string
}

// Bridge manages connections to MCP servers. Safe for concurrent use.
type Bridge struct {
	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession // key: server name

	// client is reused across all server connections. The SDK allows a single
	// Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
	logger *slog.Logger
}

// New creates a Bridge with no connections.
func New(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "banter-mcpbridge", Version: "1.0.0"},
		nil,
	)
	return &Bridge{
		sessions: make(map[string]*mcpsdk.ClientSession),
		client:   client,
		logger:   logger,
	}
}

// Import connects to the MCP server described by cfg, lists its tools, and
// registers each one into registry. The session stays open for the life of
// the Bridge; registered handlers forward invocations to it.
//
// Returns an error if the transport cannot be established, the tool listing
// fails, or any discovered tool cannot be registered (for example a name
// collision with an already-registered tool).
func (b *Bridge) Import(ctx context.Context, registry *tools.Registry, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcpbridge: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcpbridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	b.mu.Lock()
	_, exists := b.sessions[cfg.Name]
	b.mu.Unlock()
	if exists {
		return fmt.Errorf("mcpbridge: server %q is already connected", cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		cmd, err := stdioCommand(ctx, cfg)
		if err != nil {
			return err
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcpbridge: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpbridge: failed to connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: failed to list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	for _, mcpTool := range discovered {
		reg := tools.Registration{
			Definition: llm.ToolDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  schemaToMap(mcpTool.InputSchema),
			},
			Handler: b.forwardHandler(cfg.Name, mcpTool.Name),
		}
		if err := registry.Register(reg); err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpbridge: server %q: %w", cfg.Name, err)
		}
		b.logger.Info("imported MCP tool", "server", cfg.Name, "tool", mcpTool.Name)
	}

	b.mu.Lock()
	b.sessions[cfg.Name] = session
	b.mu.Unlock()

	return nil
}

// forwardHandler returns a tools.Handler that routes an invocation to the
// named server's session.
func (b *Bridge) forwardHandler(serverName, toolName string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		b.mu.Lock()
		session, ok := b.sessions[serverName]
		b.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("mcpbridge: server %q is not connected", serverName)
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: args,
		})
		if err != nil {
			return "", fmt.Errorf("mcpbridge: call to tool %q failed: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("mcpbridge: tool %q reported an error: %s", toolName, sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down all server connections. Tools imported from those servers
// will fail on subsequent invocations. After Close returns the Bridge must not
// be used again.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpbridge: error closing server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}

// stdioCommand builds the subprocess for a stdio-transport server.
func stdioCommand(ctx context.Context, cfg ServerConfig) (*exec.Cmd, error) {
	executable, args := splitCommand(cfg.Command)
	if executable == "" {
		return nil, fmt.Errorf("mcpbridge: stdio server %q requires a non-empty Command", cfg.Name)
	}
	cmd := exec.CommandContext(ctx, executable, args...)
	if len(cfg.Env) > 0 {
		// A non-nil exec.Cmd.Env replaces the environment entirely, so start
		// from the parent's to keep PATH, HOME and friends.
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	return cmd, nil
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// schemaToMap converts any schema value to a map[string]any via a JSON
// round-trip, falling back to an empty object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
