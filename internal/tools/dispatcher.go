package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

// SchemaValidationError reports tool-call arguments that do not satisfy the
// tool's parameter schema. The invocation is never retried; the error text is
// surfaced back into the conversation so the model can correct itself on its
// next turn.
type SchemaValidationError struct {
	Tool         string
	InvocationID string
	Err          error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("tools: invocation %s of %q: arguments do not match schema: %v", e.InvocationID, e.Tool, e.Err)
}

func (e *SchemaValidationError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one tool invocation. Message is always populated
// and safe to append to the conversation: failures are reported as tool-role
// error messages rather than dropped. Err additionally carries the failure for
// logging and metrics, and is nil on success.
type Result struct {
	Message llm.Message
	Err     error
}

// Dispatcher validates and executes tool calls requested by a model.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher over a frozen registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Dispatch runs a single tool call: look up the tool, decode and validate the
// arguments against the registered schema, then invoke the handler under the
// tool's execution deadline. Unknown tools, malformed argument JSON, schema
// violations and handler failures all come back as tool-role error messages
// so the model sees what went wrong.
func (d *Dispatcher) Dispatch(ctx context.Context, call llm.ToolCall) Result {
	id := call.ID
	if id == "" {
		id = uuid.NewString()
	}

	e, ok := d.registry.lookup(call.Name)
	if !ok {
		err := fmt.Errorf("tools: unknown tool %q", call.Name)
		return d.failure(id, call.Name, err)
	}

	args, err := decodeArguments(call.Arguments)
	if err != nil {
		return d.failure(id, call.Name, &SchemaValidationError{Tool: call.Name, InvocationID: id, Err: err})
	}
	if err := e.schema.Validate(args); err != nil {
		return d.failure(id, call.Name, &SchemaValidationError{Tool: call.Name, InvocationID: id, Err: err})
	}

	execCtx := ctx
	if e.def.MaxDurationMs > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(e.def.MaxDurationMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	out, err := e.handler(execCtx, args)
	if err != nil {
		return d.failure(id, call.Name, fmt.Errorf("tools: %q failed: %w", call.Name, err))
	}

	d.logger.Debug("tool call completed",
		"tool", call.Name,
		"invocation_id", id,
		"duration", time.Since(start))

	return Result{Message: llm.Message{
		Role:       llm.RoleTool,
		Content:    out,
		ToolCallID: id,
	}}
}

// DispatchAll executes a batch of tool calls and returns one Result per call,
// in input order. Calls run sequentially, except that consecutive calls to
// tools marked Concurrent run as a parallel group; the group completes before
// the next sequential call starts, so ordering between a concurrent group and
// its neighbours is preserved.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []llm.ToolCall) []Result {
	results := make([]Result, len(calls))

	i := 0
	for i < len(calls) {
		if !d.concurrent(calls[i]) {
			results[i] = d.Dispatch(ctx, calls[i])
			i++
			continue
		}

		// Gather the run of consecutive concurrent-capable calls.
		j := i
		for j < len(calls) && d.concurrent(calls[j]) {
			j++
		}
		g, gctx := errgroup.WithContext(ctx)
		for k := i; k < j; k++ {
			k := k
			g.Go(func() error {
				results[k] = d.Dispatch(gctx, calls[k])
				return nil
			})
		}
		// Goroutines never return errors; failures live in their Result.
		_ = g.Wait()
		i = j
	}
	return results
}

func (d *Dispatcher) concurrent(call llm.ToolCall) bool {
	e, ok := d.registry.lookup(call.Name)
	return ok && e.def.Concurrent
}

// failure logs the error and wraps it in a tool-role message the model can
// read and react to.
func (d *Dispatcher) failure(id, tool string, err error) Result {
	d.logger.Warn("tool call failed", "tool", tool, "invocation_id", id, "error", err)
	return Result{
		Message: llm.Message{
			Role:       llm.RoleTool,
			Content:    fmt.Sprintf("error: %v", err),
			ToolCallID: id,
		},
		Err: err,
	}
}

// decodeArguments parses the raw JSON argument payload of a tool call. Empty
// arguments decode to an empty object, matching models that omit the field
// for parameterless tools.
func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	return args, nil
}
