package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func addNumbersRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	err := r.Register(Registration{
		Definition: llm.ToolDefinition{
			Name:        "add_numbers",
			Description: "Adds two numbers together.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"a": map[string]any{"type": "number"},
					"b": map[string]any{"type": "number"},
				},
				"required": []any{"a", "b"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			a := args["a"].(float64)
			b := args["b"].(float64)
			return fmt.Sprintf("%g", a+b), nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Freeze()
	return r
}

func TestDispatch_AddNumbers(t *testing.T) {
	d := NewDispatcher(addNumbersRegistry(t), discardLogger())

	res := d.Dispatch(context.Background(), llm.ToolCall{
		ID:        "call-1",
		Name:      "add_numbers",
		Arguments: `{"a": 15, "b": 25}`,
	})
	if res.Err != nil {
		t.Fatalf("Dispatch: %v", res.Err)
	}
	if res.Message.Role != llm.RoleTool {
		t.Errorf("role = %q, want %q", res.Message.Role, llm.RoleTool)
	}
	if res.Message.ToolCallID != "call-1" {
		t.Errorf("tool call id = %q, want call-1", res.Message.ToolCallID)
	}
	if res.Message.Content != "40" {
		t.Errorf("content = %q, want 40", res.Message.Content)
	}
}

func TestDispatch_SchemaViolationNeverReachesHandler(t *testing.T) {
	var invoked atomic.Bool
	r := NewRegistry()
	err := r.Register(Registration{
		Definition: llm.ToolDefinition{
			Name: "strict",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"count": map[string]any{"type": "integer"},
				},
				"required": []any{"count"},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			invoked.Store(true)
			return "ok", nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Freeze()
	d := NewDispatcher(r, discardLogger())

	for name, args := range map[string]string{
		"wrong type":       `{"count": "three"}`,
		"missing required": `{}`,
		"not json":         `count=3`,
	} {
		res := d.Dispatch(context.Background(), llm.ToolCall{ID: "c", Name: "strict", Arguments: args})
		var sve *SchemaValidationError
		if !errors.As(res.Err, &sve) {
			t.Errorf("%s: err = %v, want *SchemaValidationError", name, res.Err)
			continue
		}
		if sve.Tool != "strict" {
			t.Errorf("%s: Tool = %q", name, sve.Tool)
		}
		if res.Message.Role != llm.RoleTool || !strings.HasPrefix(res.Message.Content, "error:") {
			t.Errorf("%s: failure message = %+v, want tool-role error message", name, res.Message)
		}
	}
	if invoked.Load() {
		t.Error("handler ran despite schema violation")
	}
}

func TestDispatch_UnknownTool(t *testing.T) {
	d := NewDispatcher(addNumbersRegistry(t), discardLogger())

	res := d.Dispatch(context.Background(), llm.ToolCall{ID: "x", Name: "no_such_tool", Arguments: `{}`})
	if res.Err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if res.Message.Role != llm.RoleTool || !strings.Contains(res.Message.Content, "no_such_tool") {
		t.Errorf("message = %+v, want tool-role error naming the tool", res.Message)
	}
}

func TestDispatch_GeneratesInvocationID(t *testing.T) {
	d := NewDispatcher(addNumbersRegistry(t), discardLogger())

	res := d.Dispatch(context.Background(), llm.ToolCall{Name: "add_numbers", Arguments: `{"a": 1, "b": 2}`})
	if res.Message.ToolCallID == "" {
		t.Error("expected generated invocation id for empty call ID")
	}
}

func TestDispatch_HonoursMaxDuration(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Registration{
		Definition: llm.ToolDefinition{
			Name:          "slow",
			Parameters:    map[string]any{"type": "object"},
			MaxDurationMs: 10,
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "done", nil
			}
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Freeze()
	d := NewDispatcher(r, discardLogger())

	res := d.Dispatch(context.Background(), llm.ToolCall{ID: "s", Name: "slow", Arguments: `{}`})
	if res.Err == nil {
		t.Fatal("expected deadline error")
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", res.Err)
	}
}

func TestDispatchAll_PreservesInputOrder(t *testing.T) {
	r := NewRegistry()
	for _, reg := range []Registration{
		{
			Definition: llm.ToolDefinition{Name: "seq", Parameters: map[string]any{"type": "object"}},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return "seq", nil
			},
		},
		{
			Definition: llm.ToolDefinition{Name: "par", Parameters: map[string]any{"type": "object"}, Concurrent: true},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return "par", nil
			},
		},
	} {
		if err := r.Register(reg); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	r.Freeze()
	d := NewDispatcher(r, discardLogger())

	calls := []llm.ToolCall{
		{ID: "1", Name: "par", Arguments: `{}`},
		{ID: "2", Name: "par", Arguments: `{}`},
		{ID: "3", Name: "seq", Arguments: `{}`},
		{ID: "4", Name: "par", Arguments: `{}`},
	}
	results := d.DispatchAll(context.Background(), calls)
	if len(results) != len(calls) {
		t.Fatalf("got %d results, want %d", len(results), len(calls))
	}
	for i, res := range results {
		if res.Message.ToolCallID != calls[i].ID {
			t.Errorf("result %d: invocation id = %q, want %q", i, res.Message.ToolCallID, calls[i].ID)
		}
	}
}

func TestDispatchAll_FailureIsolatedPerCall(t *testing.T) {
	d := NewDispatcher(addNumbersRegistry(t), discardLogger())

	results := d.DispatchAll(context.Background(), []llm.ToolCall{
		{ID: "bad", Name: "add_numbers", Arguments: `{"a": "oops"}`},
		{ID: "good", Name: "add_numbers", Arguments: `{"a": 2, "b": 3}`},
	})
	if results[0].Err == nil {
		t.Error("expected validation failure for first call")
	}
	if results[1].Err != nil {
		t.Errorf("second call failed: %v", results[1].Err)
	}
	if results[1].Message.Content != "5" {
		t.Errorf("second result = %q, want 5", results[1].Message.Content)
	}
}

func TestRegistry_Frozen(t *testing.T) {
	r := addNumbersRegistry(t)
	err := r.Register(Registration{
		Definition: llm.ToolDefinition{Name: "late"},
		Handler:    func(ctx context.Context, args map[string]any) (string, error) { return "", nil },
	})
	if err == nil {
		t.Error("expected registration after Freeze to fail")
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewRegistry()
	reg := Registration{
		Definition: llm.ToolDefinition{Name: "dup", Parameters: map[string]any{"type": "object"}},
		Handler:    func(ctx context.Context, args map[string]any) (string, error) { return "", nil },
	}
	if err := r.Register(reg); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		err := r.Register(Registration{
			Definition: llm.ToolDefinition{Name: name, Parameters: map[string]any{"type": "object"}},
			Handler:    func(ctx context.Context, args map[string]any) (string, error) { return "", nil },
		})
		if err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}
	r.Freeze()

	defs := r.Definitions()
	want := []string{"alpha", "mid", "zeta"}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("defs[%d] = %q, want %q", i, def.Name, want[i])
		}
	}
}
