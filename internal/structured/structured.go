// Package structured turns free-form model completions into validated Go
// values.
//
// Extract derives a JSON Schema from the target type, requests a completion
// constrained to that schema, and validates the response before decoding it.
// When a response fails to parse or validate, the failure is fed back to the
// model as a corrective message and the request is retried a bounded number
// of times.
package structured

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

// DefaultMaxRetries is the number of corrective re-prompts attempted after
// the first failed response.
const DefaultMaxRetries = 2

// ErrContentFiltered indicates the provider refused to complete the request.
// It is never retried: a filtered prompt will be filtered again.
var ErrContentFiltered = errors.New("structured: completion stopped by content filter")

// OutputValidationError reports that every attempt produced output that could
// not be decoded into the target type.
type OutputValidationError struct {
	// Attempts is the total number of completions requested.
	Attempts int

	// LastRaw is the raw text of the final failed response, kept for
	// diagnostics.
	LastRaw string

	// Err is the decode or validation failure of the final attempt.
	Err error
}

func (e *OutputValidationError) Error() string {
	return fmt.Sprintf("structured: output invalid after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *OutputValidationError) Unwrap() error {
	return e.Err
}

// Options tunes one extraction.
type Options[T any] struct {
	// MaxRetries is the number of corrective re-prompts after the first
	// attempt. Zero means DefaultMaxRetries; negative disables retries.
	MaxRetries int

	// Check optionally validates the decoded value beyond what the schema can
	// express, for example cross-field constraints. A Check failure triggers a
	// corrective retry like any other validation failure.
	Check func(v T) error
}

func (o Options[T]) retries() int {
	if o.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	if o.MaxRetries < 0 {
		return 0
	}
	return o.MaxRetries
}

// Extract requests a completion and decodes it into T, validating against the
// JSON Schema derived from T. It returns the decoded value and the number of
// completions requested.
//
// Providers that support native response schemas receive the schema on the
// request; for the rest the schema is injected into the system prompt as a
// formatting instruction. Either way the response is validated locally, so a
// provider ignoring the schema cannot smuggle malformed output through.
//
// Provider errors abort immediately; retry of transient provider failures
// belongs to the resilience layer, not here.
func Extract[T any](ctx context.Context, provider llm.Provider, req llm.CompletionRequest, opts Options[T]) (T, int, error) {
	var zero T

	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return zero, 0, fmt.Errorf("structured: derive schema for %T: %w", zero, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return zero, 0, fmt.Errorf("structured: resolve schema for %T: %w", zero, err)
	}
	schemaMap, err := schemaToMap(schema)
	if err != nil {
		return zero, 0, fmt.Errorf("structured: encode schema for %T: %w", zero, err)
	}

	if provider.Capabilities().SupportsResponseSchema {
		req.ResponseSchema = schemaMap
	} else {
		req.SystemPrompt = appendSchemaInstruction(req.SystemPrompt, schemaMap)
	}

	maxAttempts := 1 + opts.retries()
	conversation := req.Messages

	var lastRaw string
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req.Messages = conversation

		resp, err := provider.Complete(ctx, req)
		if err != nil {
			return zero, attempt, fmt.Errorf("structured: completion failed: %w", err)
		}
		if resp.FinishReason == llm.FinishContentFilter {
			return zero, attempt, ErrContentFiltered
		}

		raw := stripCodeFences(resp.Content)
		value, decodeErr := decode[T](raw, resolved)
		if decodeErr == nil && opts.Check != nil {
			decodeErr = opts.Check(value)
		}
		if decodeErr == nil {
			return value, attempt, nil
		}

		lastRaw = resp.Content
		lastErr = decodeErr

		// Feed the failure back so the model can correct itself.
		conversation = append(conversation,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: correctiveMessage(decodeErr)},
		)
	}

	return zero, maxAttempts, &OutputValidationError{
		Attempts: maxAttempts,
		LastRaw:  lastRaw,
		Err:      lastErr,
	}
}

// decode parses raw JSON, validates it against the resolved schema, and
// unmarshals it into T.
func decode[T any](raw string, resolved *jsonschema.Resolved) (T, error) {
	var zero T

	var instance any
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		return zero, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return zero, fmt.Errorf("response violates schema: %w", err)
	}

	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return zero, fmt.Errorf("response does not decode: %w", err)
	}
	return value, nil
}

func correctiveMessage(err error) string {
	return fmt.Sprintf(
		"Your previous response could not be processed: %v\nRespond again with only a JSON object matching the required schema. No prose, no code fences.",
		err)
}

// appendSchemaInstruction adds a formatting instruction carrying the schema
// to the system prompt, for providers without native response schemas.
func appendSchemaInstruction(systemPrompt string, schema map[string]any) string {
	data, err := json.Marshal(schema)
	if err != nil {
		return systemPrompt
	}
	instruction := fmt.Sprintf(
		"Respond with only a JSON object matching this JSON Schema. No prose, no code fences.\n%s", data)
	if systemPrompt == "" {
		return instruction
	}
	return systemPrompt + "\n\n" + instruction
}

// schemaToMap converts a derived schema into the wire form carried on
// completion requests.
func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// stripCodeFences removes a surrounding markdown code fence, with or without
// a language tag. Models frequently wrap JSON in fences despite instructions.
func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	rest := trimmed[3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		// Opening fence with no body.
		return strings.TrimSpace(strings.TrimSuffix(rest, "```"))
	}
	rest = strings.TrimSuffix(strings.TrimSpace(rest), "```")
	return strings.TrimSpace(rest)
}
