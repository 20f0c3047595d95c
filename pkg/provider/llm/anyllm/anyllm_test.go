package anyllm

import (
	"strings"
	"testing"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
	if _, err := New("not-a-provider", "some-model"); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{name: "anyllm/openai", model: "gpt-4o"}

	req := llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hello", Name: "alice"},
		},
		Temperature: 0.7,
		MaxTokens:   256,
		Tools: []llm.ToolDefinition{
			{Name: "add_numbers", Description: "adds", Parameters: map[string]any{"type": "object"}},
		},
	}

	params := p.buildParams(req)

	if params.Model != "gpt-4o" {
		t.Errorf("Model = %q, want gpt-4o", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("got %d messages, want 2 (system + user)", len(params.Messages))
	}
	if params.Messages[0].Content != "be brief" {
		t.Errorf("system content = %q", params.Messages[0].Content)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("Temperature not forwarded")
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("MaxTokens not forwarded")
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "add_numbers" {
		t.Errorf("tool definition not forwarded: %+v", params.Tools)
	}
}

func TestNormaliseFinish(t *testing.T) {
	tests := map[string]string{
		"stop":           llm.FinishStop,
		"end_turn":       llm.FinishStop,
		"length":         llm.FinishLength,
		"max_tokens":     llm.FinishLength,
		"tool_calls":     llm.FinishToolCalls,
		"tool_use":       llm.FinishToolCalls,
		"content_filter": llm.FinishContentFilter,
		"error":          llm.FinishError,
		"weird":          llm.FinishStop,
	}
	for in, want := range tests {
		if got := normaliseFinish(in); got != want {
			t.Errorf("normaliseFinish(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCountTokens_Approximation(t *testing.T) {
	p := &Provider{name: "anyllm/openai", model: "gpt-4o"}

	count, err := p.CountTokens([]llm.Message{
		{Role: llm.RoleUser, Content: strings.Repeat("a", 400)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 400 chars ≈ 100 tokens + 4 overhead.
	if count != 104 {
		t.Fatalf("count = %d, want 104", count)
	}
}

func TestModelCapabilities(t *testing.T) {
	claude := modelCapabilities("claude-3-5-sonnet-latest")
	if claude.ContextWindow != 200_000 {
		t.Errorf("claude context window = %d", claude.ContextWindow)
	}

	gpt := modelCapabilities("gpt-4o-mini")
	if !gpt.SupportsResponseSchema {
		t.Errorf("gpt-4o-mini should support a wire-level response schema")
	}

	unknown := modelCapabilities("some-local-model")
	if unknown.ContextWindow == 0 || !unknown.SupportsStreaming {
		t.Errorf("unknown models should receive defaults, got %+v", unknown)
	}
}
