package metrics

import (
	"context"
	"time"

	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
)

// Recorder is implemented by every metrics backend
type Recorder interface {
	RecordAPIRequest(ctx context.Context, endpoint string, statusCode int, duration time.Duration)
	RecordTokenUsage(ctx context.Context, model string, usage llm.Usage)
	RecordSynthesis(ctx context.Context, model string, duration time.Duration, success bool)
	RecordLoopOutcome(ctx context.Context, outcome string, attempts int, duration time.Duration)
}

// Multi fans every record out to several backends
type Multi []Recorder

// NewMulti drops nil recorders
func NewMulti(recorders ...Recorder) Multi {
	out := make(Multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m Multi) RecordAPIRequest(ctx context.Context, endpoint string, statusCode int, duration time.Duration) {
	for _, r := range m {
		r.RecordAPIRequest(ctx, endpoint, statusCode, duration)
	}
}

func (m Multi) RecordTokenUsage(ctx context.Context, model string, usage llm.Usage) {
	for _, r := range m {
		r.RecordTokenUsage(ctx, model, usage)
	}
}

func (m Multi) RecordSynthesis(ctx context.Context, model string, duration time.Duration, success bool) {
	for _, r := range m {
		r.RecordSynthesis(ctx, model, duration, success)
	}
}

func (m Multi) RecordLoopOutcome(ctx context.Context, outcome string, attempts int, duration time.Duration) {
	for _, r := range m {
		r.RecordLoopOutcome(ctx, outcome, attempts, duration)
	}
}

// Nop discards everything
type Nop struct{}

func (Nop) RecordAPIRequest(context.Context, string, int, time.Duration)  {}
func (Nop) RecordTokenUsage(context.Context, string, llm.Usage)           {}
func (Nop) RecordSynthesis(context.Context, string, time.Duration, bool)  {}
func (Nop) RecordLoopOutcome(context.Context, string, int, time.Duration) {}
