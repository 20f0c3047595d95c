package structured

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/banter/pkg/provider/llm"
	"github.com/MrWong99/banter/pkg/provider/llm/mock"
)

type verdict struct {
	Intent    string `json:"intent"`
	Responded bool   `json:"responded"`
}

func respond(content string) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: content, FinishReason: llm.FinishStop}, nil
}

func TestExtract_ValidFirstAttempt(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content:      `{"intent": "question", "responded": true}`,
			FinishReason: llm.FinishStop,
		},
	}

	v, attempts, err := Extract[verdict](context.Background(), p, llm.CompletionRequest{}, Options[verdict]{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if v.Intent != "question" || !v.Responded {
		t.Errorf("value = %+v", v)
	}
}

func TestExtract_StripsCodeFences(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content:      "```json\n{\"intent\": \"greeting\", \"responded\": false}\n```",
			FinishReason: llm.FinishStop,
		},
	}

	v, _, err := Extract[verdict](context.Background(), p, llm.CompletionRequest{}, Options[verdict]{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v.Intent != "greeting" {
		t.Errorf("Intent = %q, want greeting", v.Intent)
	}
}

func TestExtract_CorrectiveRetryAfterBadJSON(t *testing.T) {
	p := &mock.Provider{
		CompleteFunc: func(call int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if call == 0 {
				return respond("Sure! Here is my analysis in plain prose.")
			}
			// The retry must carry the failed output and a corrective message.
			n := len(req.Messages)
			if n < 2 {
				return nil, fmt.Errorf("retry request has %d messages, want appended correction", n)
			}
			if req.Messages[n-2].Role != llm.RoleAssistant {
				return nil, fmt.Errorf("second-to-last role = %q, want assistant", req.Messages[n-2].Role)
			}
			last := req.Messages[n-1]
			if last.Role != llm.RoleUser || !strings.Contains(last.Content, "could not be processed") {
				return nil, fmt.Errorf("last message = %+v, want corrective user message", last)
			}
			return respond(`{"intent": "question", "responded": true}`)
		},
	}

	v, attempts, err := Extract[verdict](context.Background(), p, llm.CompletionRequest{}, Options[verdict]{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if v.Intent != "question" {
		t.Errorf("Intent = %q", v.Intent)
	}
}

func TestExtract_ExhaustedRetries(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content:      "still not json",
			FinishReason: llm.FinishStop,
		},
	}

	_, attempts, err := Extract[verdict](context.Background(), p, llm.CompletionRequest{}, Options[verdict]{})
	var ove *OutputValidationError
	if !errors.As(err, &ove) {
		t.Fatalf("err = %v, want *OutputValidationError", err)
	}
	if attempts != 1+DefaultMaxRetries {
		t.Errorf("attempts = %d, want %d", attempts, 1+DefaultMaxRetries)
	}
	if ove.LastRaw != "still not json" {
		t.Errorf("LastRaw = %q", ove.LastRaw)
	}
}

func TestExtract_SchemaRejectsWrongShape(t *testing.T) {
	// Valid JSON, wrong types: schema validation must catch it and retry.
	p := &mock.Provider{
		CompleteFunc: func(call int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if call == 0 {
				return respond(`{"intent": 42, "responded": "yes"}`)
			}
			return respond(`{"intent": "question", "responded": true}`)
		},
	}

	v, attempts, err := Extract[verdict](context.Background(), p, llm.CompletionRequest{}, Options[verdict]{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if v.Intent != "question" {
		t.Errorf("Intent = %q", v.Intent)
	}
}

func TestExtract_CheckFailureTriggersRetry(t *testing.T) {
	p := &mock.Provider{
		CompleteFunc: func(call int, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if call == 0 {
				return respond(`{"intent": "forbidden", "responded": false}`)
			}
			return respond(`{"intent": "question", "responded": false}`)
		},
	}

	opts := Options[verdict]{
		Check: func(v verdict) error {
			if v.Intent == "forbidden" {
				return fmt.Errorf("intent %q is not allowed", v.Intent)
			}
			return nil
		},
	}
	v, attempts, err := Extract[verdict](context.Background(), p, llm.CompletionRequest{}, opts)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if v.Intent != "question" {
		t.Errorf("Intent = %q", v.Intent)
	}
}

func TestExtract_ContentFilterNotRetried(t *testing.T) {
	p := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{FinishReason: llm.FinishContentFilter},
	}

	_, attempts, err := Extract[verdict](context.Background(), p, llm.CompletionRequest{}, Options[verdict]{})
	if !errors.Is(err, ErrContentFiltered) {
		t.Fatalf("err = %v, want ErrContentFiltered", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if len(p.CompleteCalls) != 1 {
		t.Errorf("provider called %d times, want 1", len(p.CompleteCalls))
	}
}

func TestExtract_ProviderErrorAborts(t *testing.T) {
	wantErr := &llm.ProviderError{Provider: "mock", Kind: llm.KindRateLimited, Err: errors.New("429")}
	p := &mock.Provider{CompleteErr: wantErr}

	_, _, err := Extract[verdict](context.Background(), p, llm.CompletionRequest{}, Options[verdict]{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped provider error", err)
	}
	if len(p.CompleteCalls) != 1 {
		t.Errorf("provider called %d times, want 1 (no local retry of provider errors)", len(p.CompleteCalls))
	}
}

func TestExtract_SchemaPlacement(t *testing.T) {
	t.Run("native response schema", func(t *testing.T) {
		p := &mock.Provider{
			Caps: llm.ModelCapabilities{SupportsResponseSchema: true},
			CompleteResponse: &llm.CompletionResponse{
				Content:      `{"intent": "question", "responded": true}`,
				FinishReason: llm.FinishStop,
			},
		}
		_, _, err := Extract[verdict](context.Background(), p, llm.CompletionRequest{SystemPrompt: "base"}, Options[verdict]{})
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		req := p.CompleteCalls[0].Req
		if req.ResponseSchema == nil {
			t.Error("ResponseSchema not set for schema-capable provider")
		}
		if req.SystemPrompt != "base" {
			t.Errorf("system prompt modified for schema-capable provider: %q", req.SystemPrompt)
		}
	})

	t.Run("instruction fallback", func(t *testing.T) {
		p := &mock.Provider{
			CompleteResponse: &llm.CompletionResponse{
				Content:      `{"intent": "question", "responded": true}`,
				FinishReason: llm.FinishStop,
			},
		}
		_, _, err := Extract[verdict](context.Background(), p, llm.CompletionRequest{SystemPrompt: "base"}, Options[verdict]{})
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		req := p.CompleteCalls[0].Req
		if req.ResponseSchema != nil {
			t.Error("ResponseSchema set for provider without schema support")
		}
		if !strings.Contains(req.SystemPrompt, "JSON Schema") || !strings.HasPrefix(req.SystemPrompt, "base") {
			t.Errorf("system prompt missing schema instruction: %q", req.SystemPrompt)
		}
	})
}

func TestStripCodeFences(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"language tag", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  \n```json\n{\"a\":1}\n```\n", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripCodeFences(tc.in); got != tc.want {
				t.Errorf("stripCodeFences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
