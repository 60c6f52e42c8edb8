package ideation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/metrics"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/observability"
	"github.com/Conceptual-Machines/nativeads-api/internal/prompt"
	"github.com/Conceptual-Machines/nativeads-api/internal/services"
)

// Kind discriminates the two ideation outcomes
type Kind string

const (
	KindClarify Kind = "clarify"
	KindIdeate  Kind = "ideate"
)

var (
	ErrEmptyConcept    = errors.New("concept is required")
	ErrInvalidResponse = errors.New("ideation response is invalid")
)

// Result is either a set of clarification questions or generation-ready prompts
type Result struct {
	Type      Kind                           `json:"type"`
	Questions []models.ClarificationQuestion `json:"questions,omitempty"`
	*models.IdeationResult
	// Fallback is set when the model would not finalize and the raw concept is used as-is
	Fallback bool `json:"fallback,omitempty"`
}

// rawResponse mirrors the flat union schema the model fills in
type rawResponse struct {
	Type               Kind                           `json:"type"`
	Questions          []models.ClarificationQuestion `json:"questions"`
	PrimaryPrompt      string                         `json:"primaryPrompt"`
	Variations         []string                       `json:"variations"`
	AdditionalConcepts []string                       `json:"additionalConcepts"`
}

// Engine runs the clarify-or-ideate decision and ideation in one structured call
type Engine struct {
	provider     llm.Provider
	params       services.LLMParameters
	systemPrompt string
	timeout      time.Duration
	metrics      metrics.Recorder
}

// NewEngine creates an ideation engine
func NewEngine(provider llm.Provider, params services.LLMParameters, timeout time.Duration, recorder metrics.Recorder) (*Engine, error) {
	systemPrompt, err := prompt.NewPromptBuilder().BuildIdeationPrompt()
	if err != nil {
		return nil, fmt.Errorf("load ideation prompt: %w", err)
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	log.Printf("💡 IDEATION ENGINE INITIALIZED: provider=%s model=%s timeout=%v",
		provider.Name(), params.Model, timeout)

	return &Engine{
		provider:     provider,
		params:       params,
		systemPrompt: systemPrompt,
		timeout:      timeout,
		metrics:      recorder,
	}, nil
}

// Ideate decides whether the concept needs clarification and otherwise expands it.
// A nil answers map allows clarification. Any non-nil map, including an empty one
// from a skip, finalizes: the result is always KindIdeate. Saved personas are
// offered to the model as candidates for the persona axis.
func (e *Engine) Ideate(ctx context.Context, concept string, answers map[string]string, personas ...models.Persona) (*Result, error) {
	concept = normalizeSpace(concept)
	if concept == "" {
		return nil, ErrEmptyConcept
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	startTime := time.Now()
	finalize := answers != nil
	log.Printf("💡 IDEATION STARTED: concept=%q answers=%d finalize=%v", truncate(concept, 80), len(answers), finalize)

	transaction := sentry.StartTransaction(ctx, "ideation.ideate")
	defer transaction.Finish()
	transaction.SetTag("model", e.params.Model)
	transaction.SetTag("finalize", fmt.Sprintf("%t", finalize))

	trace := observability.GetClient().StartTrace(ctx, "ideation", observability.TraceOptions{
		Input:    concept,
		Metadata: map[string]any{"answers": answers, "finalize": finalize, "personas": len(personas)},
	})
	defer trace.Finish()

	input := prompt.BuildIdeationInput(concept, answers, personas)
	raw, err := e.call(transaction.Context(), trace, input)
	if err != nil {
		transaction.Status = sentry.SpanStatusInternalError
		return nil, err
	}

	if raw.Type == KindClarify && !finalize {
		questions := sanitizeQuestions(raw.Questions, answers)
		if len(questions) == 0 {
			log.Printf("🔁 Clarification had no usable questions, asking again")
			raw, err = e.call(transaction.Context(), trace, input+"\n\n"+prompt.ClarifyInstruction)
			if err != nil {
				transaction.Status = sentry.SpanStatusInternalError
				return nil, err
			}
			if raw.Type == KindClarify {
				questions = sanitizeQuestions(raw.Questions, answers)
			}
		}
		if len(questions) > 0 {
			log.Printf("❓ IDEATION NEEDS CLARIFICATION: %d question(s) in %v", len(questions), time.Since(startTime))
			return &Result{Type: KindClarify, Questions: questions}, nil
		}
		if raw.Type == KindClarify {
			log.Printf("⚠️  Clarification still had no usable questions, finalizing instead")
			finalize = true
		}
	}

	if raw.Type == KindClarify && finalize {
		log.Printf("🔁 Model asked again after answers, retrying with finalize instruction")
		raw, err = e.call(transaction.Context(), trace, input+"\n\n"+prompt.FinalizeInstruction)
		if err != nil {
			transaction.Status = sentry.SpanStatusInternalError
			return nil, err
		}
		if raw.Type == KindClarify {
			log.Printf("⚠️  Model still asking, using raw concept as primary prompt")
			return &Result{
				Type:           KindIdeate,
				IdeationResult: &models.IdeationResult{PrimaryPrompt: concept},
				Fallback:       true,
			}, nil
		}
	}

	result, err := sanitizeIdeation(raw)
	if err != nil {
		transaction.Status = sentry.SpanStatusInternalError
		return nil, err
	}

	log.Printf("✅ IDEATION COMPLETED in %v: %d variation(s), %d additional concept(s)",
		time.Since(startTime), len(result.Variations), len(result.AdditionalConcepts))
	return &Result{Type: KindIdeate, IdeationResult: result}, nil
}

func (e *Engine) call(ctx context.Context, trace *observability.Trace, input string) (*rawResponse, error) {
	generation := trace.Generation("ideation.generate", map[string]any{"provider": e.provider.Name()})
	generation.Input(input)
	defer generation.Finish()

	resp, err := e.provider.Generate(ctx, &llm.GenerationRequest{
		Model:         e.params.Model,
		SystemPrompt:  e.systemPrompt,
		ReasoningMode: e.params.ReasoningEffort,
		Messages:      []llm.Message{llm.UserMessage(input)},
		OutputSchema: &llm.OutputSchema{
			Name:        "ideation_response",
			Description: "Either clarification questions or generation-ready prompts",
			Schema:      llm.GetIdeationSchema(),
		},
	})
	if err != nil {
		generation.SetLevel("ERROR")
		return nil, fmt.Errorf("ideation call: %w", err)
	}

	generation.Output(resp.RawOutput)
	generation.LogUsage(e.params.Model, resp.Usage)
	e.metrics.RecordTokenUsage(ctx, e.params.Model, resp.Usage)

	var raw rawResponse
	if err := json.Unmarshal([]byte(resp.RawOutput), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	switch raw.Type {
	case KindClarify, KindIdeate:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidResponse, raw.Type)
	}
	return &raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
