package loop

import (
	"context"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/review"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

// EventType names a streamed loop event
type EventType string

const (
	EventStep              EventType = "step"
	EventText              EventType = "text"
	EventToolCall          EventType = "tool_call"
	EventAttempt           EventType = "attempt"
	EventReview            EventType = "review"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventCheckpoint        EventType = "checkpoint"
	EventOutcome           EventType = "outcome"
)

// Event is kept flat so handlers can forward it as one JSON line
type Event struct {
	Type       EventType                 `json:"type"`
	Step       int                       `json:"step"`
	Text       string                    `json:"text,omitempty"`
	Tool       string                    `json:"tool,omitempty"`
	CallID     string                    `json:"callId,omitempty"`
	Attempt    *models.GenerationAttempt `json:"attempt,omitempty"`
	Review     *review.Verdict           `json:"review,omitempty"`
	Approval   *models.ApprovalRequest   `json:"approval,omitempty"`
	Decision   *models.ApprovalDecision  `json:"decision,omitempty"`
	Checkpoint *models.Checkpoint        `json:"checkpoint,omitempty"`
	Outcome    models.Outcome            `json:"outcome,omitempty"`
	Message    string                    `json:"message,omitempty"`
}

// Sink receives loop events in order
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) error { return nil }
