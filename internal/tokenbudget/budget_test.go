package tokenbudget

import (
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/banter/pkg/provider/llm"
	llmmock "github.com/MrWong99/banter/pkg/provider/llm/mock"
)

// countByLen counts one token per content character, no per-message overhead.
// Keeps test arithmetic exact.
func countByLen(messages []llm.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total, nil
}

func msgOfLen(n int) llm.Message {
	content := ""
	for i := 0; i < n; i++ {
		content += "x"
	}
	return llm.Message{Role: llm.RoleUser, Content: content}
}

func newTestManager(window int) *Manager {
	return New(&llmmock.Provider{
		CountTokensFunc: countByLen,
		Caps:            llm.ModelCapabilities{ContextWindow: window},
	})
}

func TestFit_KeepsMostRecentSuffix(t *testing.T) {
	// budget = 1000 - 100 - requestOverhead = 884
	m := newTestManager(1000)

	history := []llm.Message{msgOfLen(500), msgOfLen(400), msgOfLen(300), msgOfLen(100)}

	fit, total, err := m.Fit(history, 100)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	// Newest first: 100 + 300 + 400 = 800 fits; +500 would be 1300 > 884.
	if len(fit) != 3 {
		t.Fatalf("kept %d messages, want 3", len(fit))
	}
	if fit[0].Content != history[1].Content {
		t.Fatal("suffix does not start at the expected message")
	}
	if total != 800+requestOverhead {
		t.Fatalf("total = %d, want %d", total, 800+requestOverhead)
	}
}

func TestFit_NeverExceedsBudget(t *testing.T) {
	for _, reserve := range []int{50, 100, 400} {
		for _, sizes := range [][]int{
			{10}, {600}, {100, 100, 100, 100, 100}, {250, 250, 250}, {1, 2, 3, 4, 5},
		} {
			m := newTestManager(1000)
			var history []llm.Message
			for _, s := range sizes {
				history = append(history, msgOfLen(s))
			}

			fit, total, err := m.Fit(history, reserve)
			var overflow *ContextOverflowError
			if errors.As(err, &overflow) {
				continue
			}
			if err != nil {
				t.Fatalf("reserve=%d sizes=%v: %v", reserve, sizes, err)
			}
			if total+reserve > 1000 {
				t.Fatalf("reserve=%d sizes=%v: total %d + reserve exceeds window", reserve, sizes, total)
			}
			if len(fit) == 0 {
				t.Fatalf("reserve=%d sizes=%v: empty fit without overflow error", reserve, sizes)
			}
		}
	}
}

func TestFit_ExactBoundary(t *testing.T) {
	m := newTestManager(1000)
	// budget = 1000 - 100 - 16 = 884; history of exactly 884 tokens must fit whole.
	history := []llm.Message{msgOfLen(400), msgOfLen(484)}

	fit, total, err := m.Fit(history, 100)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(fit) != 2 {
		t.Fatalf("exactly-fitting history was trimmed: kept %d of 2", len(fit))
	}
	if total != 884+requestOverhead {
		t.Fatalf("total = %d", total)
	}
}

func TestFit_SingleOversizedMessage(t *testing.T) {
	m := newTestManager(1000)
	history := []llm.Message{msgOfLen(10), msgOfLen(900)}

	_, _, err := m.Fit(history, 200)
	var overflow *ContextOverflowError
	if !errors.As(err, &overflow) {
		t.Fatalf("err = %v, want *ContextOverflowError", err)
	}
	if overflow.NeedTokens != 900 {
		t.Fatalf("NeedTokens = %d, want 900", overflow.NeedTokens)
	}
}

func TestFit_EmptyHistory(t *testing.T) {
	m := newTestManager(1000)
	fit, total, err := m.Fit(nil, 100)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(fit) != 0 {
		t.Fatalf("fit = %v", fit)
	}
	if total != requestOverhead {
		t.Fatalf("total = %d", total)
	}
}

func TestFit_InvalidReserve(t *testing.T) {
	m := newTestManager(1000)
	if _, _, err := m.Fit([]llm.Message{msgOfLen(1)}, 0); err == nil {
		t.Fatal("expected error for zero reserve")
	}
	if _, _, err := m.Fit([]llm.Message{msgOfLen(1)}, 1000); err == nil {
		t.Fatal("expected error when reserve consumes the whole window")
	}
}

func TestCount_WrapsProviderError(t *testing.T) {
	m := New(&llmmock.Provider{CountTokensErr: fmt.Errorf("boom")})
	if _, err := m.Count([]llm.Message{msgOfLen(1)}); err == nil {
		t.Fatal("expected error")
	}
}
