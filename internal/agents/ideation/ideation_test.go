package ideation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/services"
)

// mockProvider replays canned structured outputs in order
type mockProvider struct {
	outputs  []string
	err      error
	requests []*llm.GenerationRequest
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Generate(_ context.Context, request *llm.GenerationRequest) (*llm.GenerationResponse, error) {
	m.requests = append(m.requests, request)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.outputs) == 0 {
		return nil, errors.New("no more outputs")
	}
	out := m.outputs[0]
	m.outputs = m.outputs[1:]
	return &llm.GenerationResponse{RawOutput: out, Usage: llm.Usage{TotalTokens: 10}}, nil
}

func (m *mockProvider) Step(context.Context, *llm.StepRequest) (*llm.StepResponse, error) {
	return nil, errors.New("not used")
}

func newTestEngine(t *testing.T, provider *mockProvider) *Engine {
	t.Helper()
	engine, err := NewEngine(provider, services.LLMParameters{Model: "gpt-5-mini", ReasoningEffort: "minimal"}, time.Second, nil)
	require.NoError(t, err)
	return engine
}

const clarifyDust = `{
	"type": "clarify",
	"questions": [
		{"id": "angle", "question": "What angle are you testing?", "options": ["Problem awareness", "Product in use", "Before vs after", "Comparison vs competitor", "Other / something else"]},
		{"id": "product", "question": "What product is this ad for?", "options": ["Air purifier", "Duster", "Vacuum", "Allergy pill", "Robot vacuum", "Other / something else"]}
	]
}`

const ideateRazor = `{
	"type": "ideate",
	"primaryPrompt": "close-up of red irritated shin after shaving, harsh bathroom light [painful] [relatable], iphone style, low-fi image",
	"variations": [
		"same shin in a car at golden hour [frustrated] [real]",
		"same shin in a car at golden hour [frustrated] [real]",
		"razor with {{BRAND}} logo on the counter",
		"   "
	],
	"additionalConcepts": ["discovery of a gentler razor", "comparison vs cheap disposable"]
}`

func TestIdeate_ClarifiesAmbiguousConcept(t *testing.T) {
	provider := &mockProvider{outputs: []string{clarifyDust}}
	engine := newTestEngine(t, provider)

	result, err := engine.Ideate(context.Background(), "dust", nil)
	require.NoError(t, err)

	assert.Equal(t, KindClarify, result.Type)
	require.Len(t, result.Questions, 2)
	assert.Equal(t, models.AxisProduct, result.Questions[0].ID, "product comes first")
	assert.Equal(t, models.AxisAngle, result.Questions[1].ID)

	product := result.Questions[0].Options
	assert.Len(t, product, 5)
	assert.Equal(t, models.OtherOption, product[len(product)-1])
	assert.Equal(t, "dust", provider.requests[0].Messages[0].Content)
	assert.NotNil(t, provider.requests[0].OutputSchema)
}

func TestIdeate_SkipNeverClarifiesTwice(t *testing.T) {
	provider := &mockProvider{outputs: []string{clarifyDust, ideateRazor}}
	engine := newTestEngine(t, provider)

	result, err := engine.Ideate(context.Background(), "dust", map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, KindIdeate, result.Type)
	assert.False(t, result.Fallback)
	require.Len(t, provider.requests, 2)
	assert.Contains(t, provider.requests[1].Messages[0].Content, "Do not ask any more questions")
}

func TestIdeate_FallsBackToConceptWhenModelKeepsAsking(t *testing.T) {
	provider := &mockProvider{outputs: []string{clarifyDust, clarifyDust}}
	engine := newTestEngine(t, provider)

	result, err := engine.Ideate(context.Background(), "dust", map[string]string{"product": "Air purifier"})
	require.NoError(t, err)

	assert.Equal(t, KindIdeate, result.Type)
	assert.True(t, result.Fallback)
	assert.Equal(t, "dust", result.PrimaryPrompt)
}

const clarifyThin = `{
	"type": "clarify",
	"questions": [
		{"id": "product", "question": "What product?", "options": ["Air purifier", "Other / something else"]}
	]
}`

func TestIdeate_UnusableQuestionsAreAskedAgain(t *testing.T) {
	provider := &mockProvider{outputs: []string{clarifyThin, clarifyDust}}
	engine := newTestEngine(t, provider)

	result, err := engine.Ideate(context.Background(), "dust", nil)
	require.NoError(t, err)

	assert.Equal(t, KindClarify, result.Type)
	assert.Len(t, result.Questions, 2)
	require.Len(t, provider.requests, 2)
	assert.Contains(t, provider.requests[1].Messages[0].Content, "3 or 4 concrete options")
}

func TestIdeate_UnusableQuestionsTwiceFinalizes(t *testing.T) {
	provider := &mockProvider{outputs: []string{clarifyThin, clarifyThin, ideateRazor}}
	engine := newTestEngine(t, provider)

	result, err := engine.Ideate(context.Background(), "razor burn", nil)
	require.NoError(t, err)

	assert.Equal(t, KindIdeate, result.Type)
	assert.False(t, result.Fallback)
	require.Len(t, provider.requests, 3)
	assert.Contains(t, provider.requests[2].Messages[0].Content, "Do not ask any more questions")
}

func TestIdeate_AnswersAppendedToInput(t *testing.T) {
	provider := &mockProvider{outputs: []string{ideateRazor}}
	engine := newTestEngine(t, provider)

	_, err := engine.Ideate(context.Background(), "dust", map[string]string{"product": "air purifier"})
	require.NoError(t, err)
	assert.Equal(t, "dust\n\nClarification answers:\nproduct: air purifier", provider.requests[0].Messages[0].Content)
}

func TestIdeate_SavedPersonasOffered(t *testing.T) {
	provider := &mockProvider{outputs: []string{clarifyDust}}
	engine := newTestEngine(t, provider)

	_, err := engine.Ideate(context.Background(), "dust", nil,
		models.Persona{Name: "Busy mom", Description: "35, two kids, no time"})
	require.NoError(t, err)
	assert.Contains(t, provider.requests[0].Messages[0].Content, "- Busy mom: 35, two kids, no time")
}

func TestIdeate_SpecifiedConcept(t *testing.T) {
	provider := &mockProvider{outputs: []string{ideateRazor}}
	engine := newTestEngine(t, provider)

	result, err := engine.Ideate(context.Background(), "red irritated skin after shaving legs with a cheap razor", nil)
	require.NoError(t, err)

	assert.Equal(t, KindIdeate, result.Type)
	assert.NotEmpty(t, result.PrimaryPrompt)
	assert.True(t, strings.HasSuffix(result.PrimaryPrompt, StyleSuffix))
	require.Len(t, result.Variations, 1, "duplicates, blanks and placeholders are dropped")
	assert.True(t, strings.HasSuffix(result.Variations[0], ", "+StyleSuffix))
	assert.Len(t, result.AdditionalConcepts, 2)
}

func TestIdeate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		concept  string
		provider *mockProvider
		wantErr  error
	}{
		{"empty concept", "   ", &mockProvider{}, ErrEmptyConcept},
		{"bad json", "dust", &mockProvider{outputs: []string{"not json"}}, ErrInvalidResponse},
		{"unknown type", "dust", &mockProvider{outputs: []string{`{"type":"maybe"}`}}, ErrInvalidResponse},
		{"placeholder primary", "dust", &mockProvider{outputs: []string{`{"type":"ideate","primaryPrompt":"a [PRODUCT] on a shelf"}`}}, ErrInvalidResponse},
		{"empty primary", "dust", &mockProvider{outputs: []string{`{"type":"ideate","primaryPrompt":" "}`}}, ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestEngine(t, tt.provider).Ideate(context.Background(), tt.concept, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	providerErr := errors.New("upstream down")
	_, err := newTestEngine(t, &mockProvider{err: providerErr}).Ideate(context.Background(), "dust", nil)
	assert.ErrorIs(t, err, providerErr)
}

func TestSanitizeQuestions(t *testing.T) {
	questions := []models.ClarificationQuestion{
		{ID: "persona", Question: "Who?", Options: []string{"a", "b", "c", "d", "e", "Other"}},
		{ID: "product", Question: "What?", Options: []string{"a", "b", "c"}},
		{ID: "product", Question: "Duplicate", Options: []string{"x", "y", "z"}},
		{ID: "mood", Question: "Unknown axis", Options: []string{"x", "y", "z"}},
		{ID: "angle", Question: "Thin", Options: []string{"x", "Other / something else"}},
	}

	got := sanitizeQuestions(questions, nil)
	require.Len(t, got, 2)
	assert.Equal(t, "product", got[0].ID)
	assert.Equal(t, []string{"a", "b", "c", models.OtherOption}, got[0].Options)
	assert.Equal(t, []string{"a", "b", "c", "d", models.OtherOption}, got[1].Options)

	answered := sanitizeQuestions(questions, map[string]string{"product": "Air purifier"})
	require.Len(t, answered, 1)
	assert.Equal(t, "persona", answered[0].ID)
}

func TestFindPlaceholder(t *testing.T) {
	assert.Equal(t, "{{brand}}", findPlaceholder("a {{brand}} bottle"))
	assert.Equal(t, "<persona>", findPlaceholder("a <persona> frowning"))
	assert.Equal(t, "[PRODUCT NAME]", findPlaceholder("holding [PRODUCT NAME]"))
	assert.Equal(t, "TBD", findPlaceholder("lighting TBD"))
	assert.Empty(t, findPlaceholder("crumpled tissue [gross] [relatable], iphone style, low-fi image"))
}
