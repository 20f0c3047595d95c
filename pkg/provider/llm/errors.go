package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies provider failures into the categories the retry layer
// cares about. Transient kinds (rate limits, timeouts) are retried with backoff;
// fatal kinds are surfaced immediately.
type ErrorKind string

const (
	// KindRateLimited means the provider rejected the request due to rate or
	// quota limits. Transient.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTimeout means the request or stream did not complete in time. Transient.
	KindTimeout ErrorKind = "timeout"

	// KindAuth means the credentials were missing, invalid, or lack permission.
	// Fatal — retrying cannot help.
	KindAuth ErrorKind = "auth"

	// KindInvalidRequest means the request itself was malformed (bad model id,
	// oversized payload, unsupported parameter). Fatal — a caller defect.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindUnknown covers everything else (network resets, 5xx, parse failures).
	KindUnknown ErrorKind = "unknown"
)

// ProviderError wraps a backend failure with its classification and the
// provider name that produced it.
type ProviderError struct {
	// Provider is the adapter name (e.g., "openai", "anyllm/anthropic").
	Provider string

	// Kind is the failure classification.
	Kind ErrorKind

	// Err is the underlying SDK or transport error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the error is a transient condition worth retrying
// with backoff. AuthError and InvalidRequest are never retryable.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTimeout
}

// NewProviderError builds a *ProviderError. If err is already a *ProviderError
// it is returned unchanged so classification survives wrapping layers.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// ClassifyError assigns an ErrorKind to an arbitrary backend error. Context
// deadline errors map to KindTimeout; otherwise the error text is matched
// against the phrases the major vendors use. Adapters with typed SDK errors
// (e.g., the OpenAI adapter) should classify from status codes instead and only
// fall back to this.
func ClassifyError(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	kind := KindUnknown
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case containsAny(err, "rate limit", "rate_limit", "too many requests", "quota", "overloaded", "429"):
		kind = KindRateLimited
	case containsAny(err, "timeout", "timed out", "deadline exceeded", "408"):
		kind = KindTimeout
	case containsAny(err, "api key", "unauthorized", "authentication", "permission", "401", "403"):
		kind = KindAuth
	case containsAny(err, "invalid request", "invalid_request", "bad request", "model_not_found", "does not exist", "400", "404", "422"):
		kind = KindInvalidRequest
	}

	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// containsAny reports whether the lower-cased error text contains any needle.
func containsAny(err error, needles ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
