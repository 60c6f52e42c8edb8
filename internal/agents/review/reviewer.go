package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/metrics"
	"github.com/Conceptual-Machines/nativeads-api/internal/observability"
	"github.com/Conceptual-Machines/nativeads-api/internal/prompt"
	"github.com/Conceptual-Machines/nativeads-api/internal/services"
)

var (
	ErrEmptyImage      = errors.New("image url is required")
	ErrInvalidResponse = errors.New("review response is invalid")
)

// Reviewer scores an image outside the agent loop
type Reviewer struct {
	provider     llm.Provider
	params       services.LLMParameters
	systemPrompt string
	metrics      metrics.Recorder
}

// NewReviewer creates a standalone reviewer
func NewReviewer(provider llm.Provider, params services.LLMParameters, recorder metrics.Recorder) (*Reviewer, error) {
	systemPrompt, err := prompt.NewPromptBuilder().BuildReviewPrompt()
	if err != nil {
		return nil, fmt.Errorf("load review prompt: %w", err)
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	log.Printf("🔍 REVIEWER INITIALIZED: provider=%s model=%s", provider.Name(), params.Model)

	return &Reviewer{
		provider:     provider,
		params:       params,
		systemPrompt: systemPrompt,
		metrics:      recorder,
	}, nil
}

// Review looks at the actual pixels and returns a normalized verdict.
// rubricContext is the concept the image was meant to depict.
func (r *Reviewer) Review(ctx context.Context, imageURL, rubricContext string) (*Verdict, error) {
	imageURL = strings.TrimSpace(imageURL)
	if imageURL == "" {
		return nil, ErrEmptyImage
	}

	startTime := time.Now()
	transaction := sentry.StartTransaction(ctx, "review.review")
	defer transaction.Finish()
	transaction.SetTag("model", r.params.Model)

	trace := observability.GetClient().StartTrace(ctx, "review", observability.TraceOptions{
		Input: map[string]any{"image_url": imageURL, "context": rubricContext},
	})
	defer trace.Finish()

	generation := trace.Generation("review.generate", map[string]any{"provider": r.provider.Name()})
	defer generation.Finish()

	input := prompt.BuildReviewInput(rubricContext)
	generation.Input(input)

	resp, err := r.provider.Generate(transaction.Context(), &llm.GenerationRequest{
		Model:         r.params.Model,
		SystemPrompt:  r.systemPrompt,
		ReasoningMode: r.params.ReasoningEffort,
		Messages:      []llm.Message{llm.UserMessage(input, imageURL)},
		OutputSchema: &llm.OutputSchema{
			Name:        "review_verdict",
			Description: "Per-criterion checklist verdict with score and refined prompt",
			Schema:      llm.GetReviewVerdictSchema(),
		},
	})
	if err != nil {
		transaction.Status = sentry.SpanStatusInternalError
		generation.SetLevel("ERROR")
		return nil, fmt.Errorf("review call: %w", err)
	}
	generation.Output(resp.RawOutput)
	generation.LogUsage(r.params.Model, resp.Usage)
	r.metrics.RecordTokenUsage(transaction.Context(), r.params.Model, resp.Usage)

	var in Input
	if err := json.Unmarshal([]byte(resp.RawOutput), &in); err != nil {
		transaction.Status = sentry.SpanStatusInternalError
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	in.ImageURL = imageURL

	verdict, err := Normalize(in)
	if err != nil {
		transaction.Status = sentry.SpanStatusInternalError
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	trace.Score("review_score", float64(verdict.Score), string(verdict.Band))

	log.Printf("✅ REVIEW COMPLETED in %v: score=%d/%d band=%s passes=%v",
		time.Since(startTime), verdict.Score, MaxScore, verdict.Band, verdict.Passes)
	return verdict, nil
}
