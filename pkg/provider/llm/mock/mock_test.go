package mock

import (
	"context"
	"strings"
	"testing"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

// Draining a stream must yield the same content and finish reason that
// Complete returns for the identical request.
func TestStreamMatchesComplete(t *testing.T) {
	p := &Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content:      "the answer is 42",
			FinishReason: llm.FinishStop,
		},
		StreamChunks: []llm.Chunk{
			{Text: "the answer"},
			{Text: " is "},
			{Text: "42", FinishReason: llm.FinishStop},
		},
	}

	req := llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "what is the answer?"}},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var sb strings.Builder
	var finish string
	for c := range ch {
		sb.WriteString(c.Text)
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
	}

	if sb.String() != resp.Content {
		t.Errorf("aggregated stream %q != complete content %q", sb.String(), resp.Content)
	}
	if finish != resp.FinishReason {
		t.Errorf("stream finish %q != complete finish %q", finish, resp.FinishReason)
	}
}

func TestStreamCancellationClosesChannel(t *testing.T) {
	chunks := make([]llm.Chunk, 100)
	for i := range chunks {
		chunks[i] = llm.Chunk{Text: "x"}
	}
	p := &Provider{StreamChunks: chunks}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	<-ch
	cancel()

	// The channel must close after cancellation; draining must terminate.
	for range ch {
	}
}
