// Package pipeline implements the conversation decision core: every incoming
// message flows through Analyze, Decide, and Act stages before the agent
// speaks, stays silent, or hands the task off.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/MrWong99/banter/pkg/platform"
)

// Stage identifies a pipeline phase, used in errors, logs, and metrics.
type Stage string

const (
	StageAnalyze Stage = "analyze"
	StageDecide  Stage = "decide"
	StageAct     Stage = "act"
)

// Action is the decided reaction to an incoming message.
type Action string

const (
	// ActionRespond means the agent replies in the channel.
	ActionRespond Action = "respond"

	// ActionNoOp means the agent stays silent.
	ActionNoOp Action = "no_op"

	// ActionDelegate means the task is handed off to an external collaborator.
	ActionDelegate Action = "delegate"
)

// IsValid reports whether a is one of the known actions.
func (a Action) IsValid() bool {
	return a == ActionRespond || a == ActionNoOp || a == ActionDelegate
}

// ErrToolLoopExceeded indicates the respond stage requested tool calls more
// times than the configured bound allows. The conversation state at that point
// is discarded; tool side effects that already ran are not rolled back.
var ErrToolLoopExceeded = errors.New("pipeline: tool iteration limit exceeded")

// StageError attributes a pipeline failure to the stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Analysis is the structured verdict of the analyze stage: a neutral reading
// of the conversational situation, produced before any decision is made.
type Analysis struct {
	// Speaker characterises the author of the incoming message.
	Speaker string `json:"speaker"`

	// Intent classifies what the speaker wants (question, request, banter,
	// announcement, spam, ...).
	Intent string `json:"intent"`

	// Audience names who the message addresses.
	Audience string `json:"audience"`

	// ExpectedLength is the response length the speaker appears to expect
	// (none, short, detailed).
	ExpectedLength string `json:"expected_length"`

	// ExpectedTone is the response tone the speaker appears to expect.
	ExpectedTone string `json:"expected_tone"`

	// NextSpeaker names who should naturally speak next.
	NextSpeaker string `json:"next_speaker"`

	// RelevantExcerpts indexes the numbered history entries that matter for
	// understanding the message. Indices refer to the history window shown to
	// the model.
	RelevantExcerpts []int `json:"relevant_excerpts"`

	// RespondRecommendation is the analyzer's non-binding suggestion whether
	// the agent should take part. The decide stage makes the actual call.
	RespondRecommendation bool `json:"respond_recommendation"`

	// Rationale explains the analysis in one or two sentences.
	Rationale string `json:"rationale"`
}

// ActionDecision is the structured verdict of the decide stage.
type ActionDecision struct {
	// Action is the chosen reaction.
	Action Action `json:"action"`

	// ContentDraft is the raw reply draft. Non-empty exactly when Action is
	// ActionRespond; the act stage polishes it into the final reply.
	ContentDraft string `json:"content_draft"`

	// Rationale explains the decision.
	Rationale string `json:"rationale"`
}

// Outcome summarises one complete pipeline run.
type Outcome struct {
	// Action is the final action taken, after normalisation.
	Action Action

	// Analysis is the analyze stage verdict.
	Analysis Analysis

	// Decision is the decide stage verdict, after normalisation.
	Decision ActionDecision

	// Reply is the final reply text when Action is ActionRespond, empty
	// otherwise.
	Reply string

	// ReplyChunks is the number of platform messages the reply was split into.
	ReplyChunks int

	// ToolIterations is the number of tool-call rounds the act stage ran.
	ToolIterations int

	// Delegation is the emitted record when Action is ActionDelegate, nil
	// otherwise.
	Delegation *platform.DelegationRecord

	// DroppedMessages is the number of history messages trimmed to fit the
	// model's context window.
	DroppedMessages int
}
