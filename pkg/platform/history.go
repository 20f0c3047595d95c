package platform

import (
	"errors"
	"fmt"
)

// ErrOutOfOrder is returned when a history is constructed from messages whose
// timestamps are not non-decreasing.
var ErrOutOfOrder = errors.New("platform: history timestamps must be non-decreasing")

// History is a bounded, ordered window of conversation messages supplied by
// the platform. Timestamps are guaranteed non-decreasing by construction.
//
// A History is a value type: the pipeline reads it, never writes it.
type History struct {
	messages []Message
}

// NewHistory validates msgs and wraps them in a History. The slice is copied,
// so callers may reuse their backing array. Returns ErrOutOfOrder (wrapped
// with the offending index) when ordering is violated.
func NewHistory(msgs []Message) (History, error) {
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			return History{}, fmt.Errorf("%w (index %d)", ErrOutOfOrder, i)
		}
	}
	cp := make([]Message, len(msgs))
	copy(cp, msgs)
	return History{messages: cp}, nil
}

// Messages returns the window contents, oldest first. The returned slice must
// not be mutated.
func (h History) Messages() []Message {
	return h.messages
}

// Len returns the number of messages in the window.
func (h History) Len() int {
	return len(h.messages)
}

// At returns the i-th message (oldest first). It panics on out-of-range i,
// matching slice semantics; use Len to bound-check.
func (h History) At(i int) Message {
	return h.messages[i]
}

// Tail returns a History containing at most the n most recent messages.
func (h History) Tail(n int) History {
	if n >= len(h.messages) {
		return h
	}
	if n <= 0 {
		return History{}
	}
	return History{messages: h.messages[len(h.messages)-n:]}
}
