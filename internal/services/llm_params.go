package services

import (
	"strings"

	"github.com/Conceptual-Machines/nativeads-api/internal/config"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
)

// LLMStage represents which reasoning call we are making
type LLMStage string

const (
	LLMStageIdeation LLMStage = "ideation" // Clarify-or-ideate structured call
	LLMStageAgent    LLMStage = "agent"    // Tool-calling generate/review loop
	LLMStageReview   LLMStage = "review"   // Standalone structured review
)

// Reasoning effort constants
const (
	reasoningEffortMinimal = "minimal"
	reasoningEffortLow     = "low"
	reasoningEffortMedium  = "medium"
	reasoningEffortHigh    = "high"
)

// LLMParameters contains the model selection for one stage
type LLMParameters struct {
	Model           string
	Provider        string
	ReasoningEffort string
}

// GetLLMParameters returns the parameters for each stage.
// Ideation and review fall back to the agent's reasoning model when unset.
func GetLLMParameters(cfg *config.Config, stage LLMStage) LLMParameters {
	params := LLMParameters{
		Model:           cfg.ReasoningModel,
		Provider:        cfg.ReasoningProvider,
		ReasoningEffort: GetReasoningEffort(cfg.ReasoningEffort),
	}

	switch stage {
	case LLMStageIdeation:
		// Ideation is latency-sensitive: the user is waiting on questions
		if cfg.IdeationModel != "" {
			params.Model = cfg.IdeationModel
		}
		params.ReasoningEffort = reasoningEffortMinimal
	case LLMStageReview:
		if cfg.ReviewModel != "" {
			params.Model = cfg.ReviewModel
		}
	case LLMStageAgent:
	}

	if params.Provider == "" || params.Model != cfg.ReasoningModel {
		params.Provider = llm.InferProviderName(params.Model)
	}
	return params
}

// GetReasoningEffort normalizes a user-supplied reasoning preference
func GetReasoningEffort(reasoningMode string) string {
	switch strings.ToLower(strings.TrimSpace(reasoningMode)) {
	case reasoningEffortHigh:
		return reasoningEffortHigh
	case reasoningEffortMedium, "med":
		return reasoningEffortMedium
	case reasoningEffortMinimal, "none":
		return reasoningEffortMinimal
	default:
		return reasoningEffortLow
	}
}
