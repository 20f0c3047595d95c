// Package fanout sends the same completion request to several models at once.
//
// Each target runs in its own goroutine under its own timeout; one model
// failing or stalling never affects the others. Results come back in the same
// order the targets were given, so callers can zip them with their target
// list regardless of which model answered first.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

// Target names one model taking part in a fan-out.
type Target struct {
	// Name labels the target in results and logs, typically the model name.
	Name string

	// Provider executes the request. A nil Provider produces an invalid-request
	// failure in that target's result slot rather than aborting the fan-out.
	Provider llm.Provider

	// Timeout bounds this target's completion. Zero means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout bounds a single target when Target.Timeout is zero.
const DefaultTimeout = 60 * time.Second

// Result is one target's outcome. Exactly one of Response and Err is set.
type Result struct {
	// Name is the Target.Name this result belongs to.
	Name string

	// Response is the completion on success, nil on failure.
	Response *llm.CompletionResponse

	// Err is the failure, nil on success.
	Err error

	// Duration is the wall-clock time this target took.
	Duration time.Duration
}

// Asker fans a completion request out to multiple providers.
type Asker struct {
	logger *slog.Logger
}

// New creates an Asker.
func New(logger *slog.Logger) *Asker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Asker{logger: logger}
}

// AskMany sends req to every target concurrently and returns one Result per
// target, in target order. Failures are isolated per slot; AskMany itself
// fails only when ctx is already done or targets is empty.
//
// ctx bounds the whole fan-out. Individual targets additionally run under
// their own Timeout, so a slow model turns into a timeout failure in its own
// slot while the rest complete normally.
func (a *Asker) AskMany(ctx context.Context, targets []Target, req llm.CompletionRequest) ([]Result, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("fanout: no targets")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fanout: %w", err)
	}

	results := make([]Result, len(targets))

	g := new(errgroup.Group)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = a.ask(ctx, target, req)
			return nil
		})
	}
	// Goroutines never return errors; failures live in their Result slot.
	_ = g.Wait()

	return results, nil
}

func (a *Asker) ask(ctx context.Context, target Target, req llm.CompletionRequest) Result {
	start := time.Now()

	if target.Provider == nil {
		return Result{
			Name: target.Name,
			Err: llm.NewProviderError(target.Name, llm.KindInvalidRequest,
				fmt.Errorf("fanout: target %q has no provider", target.Name)),
			Duration: time.Since(start),
		}
	}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	askCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := target.Provider.Complete(askCtx, req)
	duration := time.Since(start)
	if err != nil {
		a.logger.Warn("fan-out target failed", "target", target.Name, "duration", duration, "error", err)
		return Result{Name: target.Name, Err: err, Duration: duration}
	}

	a.logger.Debug("fan-out target completed", "target", target.Name, "duration", duration)
	return Result{Name: target.Name, Response: resp, Duration: duration}
}
