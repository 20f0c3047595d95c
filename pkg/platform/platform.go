// Package platform defines the contract between the conversation pipeline and
// the chat platform that hosts it.
//
// The platform (Discord, Slack, a TUI, a test harness) owns message delivery,
// presence, and rate limits. It supplies incoming messages together with a
// bounded history window, and consumes pipeline output through a Responder.
// Nothing in this package performs I/O.
package platform

import (
	"fmt"
	"time"
)

// Message is a single chat message. Values are immutable once created; the
// pipeline never mutates a Message it was handed.
type Message struct {
	// SpeakerID identifies the author (platform user id or bot id).
	SpeakerID string

	// SpeakerName is the author's display name. May be empty.
	SpeakerName string

	// ChannelID identifies the conversation channel.
	ChannelID string

	// Content is the raw message text.
	Content string

	// Timestamp is when the platform received the message.
	Timestamp time.Time

	// ReplyToID references the message this one replies to. Empty when the
	// message is not a reply.
	ReplyToID string

	// Attachments lists URLs of any attached media. The pipeline treats these
	// as opaque references.
	Attachments []string
}

// Mention returns the platform addressing token for a user id. Responders emit
// this token when a reply should explicitly address someone.
func Mention(userID string) string {
	return fmt.Sprintf("<@%s>", userID)
}

// Responder consumes pipeline output. Implementations belong to the platform
// layer; the pipeline only ever calls Send with already-chunked content.
type Responder interface {
	// Send delivers content to the given channel. Implementations may apply
	// platform limits; use ChunkMessage first when content can exceed them.
	Send(channelID string, content string) error
}

// Delegator receives delegation records for actions the agent decided to hand
// off rather than answer itself. Execution of the delegated task is owned by
// an external collaborator; the pipeline only emits the record.
type Delegator interface {
	Delegate(rec DelegationRecord) error
}

// DelegationRecord describes a handed-off conversation action.
type DelegationRecord struct {
	// ID uniquely identifies this delegation.
	ID string

	// ChannelID is the conversation the delegation originated from.
	ChannelID string

	// MessageID references the triggering message when the platform assigns
	// message ids. May be empty.
	MessageID string

	// Rationale is the model's stated reason for delegating.
	Rationale string

	// CreatedAt is when the pipeline emitted the record.
	CreatedAt time.Time
}
