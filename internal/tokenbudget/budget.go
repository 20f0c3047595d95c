// Package tokenbudget enforces per-model context window budgets.
//
// Counting goes through the provider's CountTokens so each model's own
// tokenisation rule (or its adapter's approximation) applies. The Fit
// operation selects the largest recent suffix of a history that fits the
// window after reserving room for the completion, dropping oldest messages
// first and never truncating inside a single message.
package tokenbudget

import (
	"fmt"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

// requestOverhead is a fixed token allowance for per-request framing the
// message counts don't capture (chat scaffolding, tool declarations header).
const requestOverhead = 16

// ContextOverflowError is returned when even the single most recent message
// exceeds the available budget. Fatal: the caller must split or summarise the
// message before retrying.
type ContextOverflowError struct {
	// NeedTokens is the count required by the most recent message alone.
	NeedTokens int

	// BudgetTokens is the window remaining after the completion reserve.
	BudgetTokens int
}

// Error implements the error interface.
func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("tokenbudget: most recent message needs %d tokens but only %d fit the context window", e.NeedTokens, e.BudgetTokens)
}

// Manager counts tokens and fits histories for one provider/model pair.
// The zero value is not usable; create instances with New.
type Manager struct {
	provider llm.Provider
}

// New creates a Manager bound to the given provider.
func New(p llm.Provider) *Manager {
	return &Manager{provider: p}
}

// Count returns the token count for msgs under the provider's counting rule.
func (m *Manager) Count(msgs []llm.Message) (int, error) {
	n, err := m.provider.CountTokens(msgs)
	if err != nil {
		return 0, fmt.Errorf("tokenbudget: count: %w", err)
	}
	return n, nil
}

// Fit selects the longest contiguous suffix of history whose token count plus
// fixed overhead fits contextWindow − reserve. The returned slice preserves
// the original order (oldest first) and aliases history's backing array; the
// second return value is the suffix's token count including overhead.
//
// reserve is the completion budget to leave free and must be positive. An
// empty history fits trivially. When even the most recent message alone is
// over budget, Fit returns a *ContextOverflowError.
func (m *Manager) Fit(history []llm.Message, reserve int) ([]llm.Message, int, error) {
	if reserve <= 0 {
		return nil, 0, fmt.Errorf("tokenbudget: reserve must be positive, got %d", reserve)
	}

	window := m.provider.Capabilities().ContextWindow
	budget := window - reserve - requestOverhead
	if budget <= 0 {
		return nil, 0, fmt.Errorf("tokenbudget: reserve %d leaves no room in a %d-token context window", reserve, window)
	}

	if len(history) == 0 {
		return history[:0], requestOverhead, nil
	}

	// Walk newest → oldest, accumulating per-message counts until the next
	// message would overflow. Per-message counting is additive under the
	// adapters' counting rules, so the suffix total equals the sum.
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n, err := m.provider.CountTokens(history[i : i+1])
		if err != nil {
			return nil, 0, fmt.Errorf("tokenbudget: count message %d: %w", i, err)
		}
		if total+n > budget {
			break
		}
		total += n
		start = i
	}

	if start == len(history) {
		need, err := m.provider.CountTokens(history[len(history)-1:])
		if err != nil {
			return nil, 0, fmt.Errorf("tokenbudget: count newest message: %w", err)
		}
		return nil, 0, &ContextOverflowError{NeedTokens: need, BudgetTokens: budget}
	}

	return history[start:], total + requestOverhead, nil
}
