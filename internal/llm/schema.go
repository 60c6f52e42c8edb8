package llm

// Tool names exchanged with the reasoning model
const (
	ToolGenerateImage = "generateImage"
	ToolReviewImage   = "reviewImage"
	ToolApproveRetry  = "approveRetry"
)

const (
	maxReferenceImages = 14
	maxReviewScore     = 7
	maxQuestions       = 3
)

// RubricCriterionIDs lists the keys of the per-criterion verdict object, in checklist order
var RubricCriterionIDs = []string{
	"authentic_ugc",
	"lofi_aesthetic",
	"emotional_hook",
	"matches_concept",
	"no_text_overlays",
	"no_ai_artifacts",
	"plausibly_posted",
}

// GetGenerateImageSchema returns the input schema of the generateImage tool
func GetGenerateImageSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt": map[string]any{
				"type":        "string",
				"description": "The native ad image prompt to generate",
			},
			"image_input": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"maxItems":    maxReferenceImages,
				"description": "Optional reference image URLs (up to 14)",
			},
		},
		"required": []string{"prompt"},
	}
}

// GetReviewImageSchema returns the input schema of the reviewImage tool
func GetReviewImageSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"image_url": map[string]any{
				"type":        "string",
				"description": "The URL of the generated image",
			},
			"passes": map[string]any{
				"type":        "boolean",
				"description": "Whether the image passes the quality checklist",
			},
			"score": map[string]any{
				"type":        "integer",
				"minimum":     0,
				"maximum":     maxReviewScore,
				"description": "Quality score out of 7 based on the checklist",
			},
			"issues": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Specific checklist items that failed",
			},
			"refined_prompt": map[string]any{
				"type":        "string",
				"description": "Improved prompt addressing the issues. Required when passes is false.",
			},
		},
		"required": []string{"image_url", "passes", "score", "issues"},
	}
}

// GetApproveRetrySchema returns the input schema of the approveRetry tool.
// The tool has no executor: a call without a result is the pause signal.
func GetApproveRetrySchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"failureReason": map[string]any{
				"type":        "string",
				"description": "1-2 sentences on what failed in the last image",
			},
			"refinedPrompt": map[string]any{
				"type":        "string",
				"description": "The prompt to use for the retry if approved",
			},
			"attemptNumber": map[string]any{
				"type":        "integer",
				"enum":        []int{2, 3, 4},
				"description": "Number of the generation attempt this approval would unlock",
			},
		},
		"required": []string{"failureReason", "refinedPrompt", "attemptNumber"},
	}
}

// GetIdeationSchema returns the discriminated clarify|ideate output schema
func GetIdeationSchema() map[string]any {
	stringArray := func(description string) map[string]any {
		return map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": description,
		}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type": "string",
				"enum": []string{"clarify", "ideate"},
				"description": "clarify when PRODUCT, PERSONA or ANGLE is not clearly established; " +
					"ideate only when all three are",
			},
			"questions": map[string]any{
				"type":     "array",
				"maxItems": maxQuestions,
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{
							"type": "string",
							"enum": []string{"product", "persona", "angle"},
						},
						"question": map[string]any{"type": "string"},
						"options":  stringArray("4-5 tappable options; the last must be 'Other / something else'"),
					},
					"required": []string{"id", "question", "options"},
				},
				"description": "1-3 questions in priority order: product, persona, angle",
			},
			"primaryPrompt":      map[string]any{"type": "string", "description": "The main generation-ready prompt"},
			"variations":         stringArray("3-4 complete prompts each changing exactly one dimension"),
			"additionalConcepts": stringArray("2-3 adjacent angles for the same product and persona"),
		},
		"required": []string{"type"},
	}
}

// GetReviewVerdictSchema returns the output schema of a standalone review
func GetReviewVerdictSchema() map[string]any {
	criteria := make(map[string]any, len(RubricCriterionIDs))
	for _, id := range RubricCriterionIDs {
		criteria[id] = map[string]any{"type": "boolean"}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"criteria": map[string]any{
				"type":       "object",
				"properties": criteria,
				"required":   RubricCriterionIDs,
			},
			"passes":         map[string]any{"type": "boolean"},
			"score":          map[string]any{"type": "integer", "minimum": 0, "maximum": maxReviewScore},
			"issues":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"refined_prompt": map[string]any{"type": "string"},
		},
		"required": []string{"criteria", "passes", "score", "issues"},
	}
}

// AgentTools returns the tool definitions offered to the agent loop
func AgentTools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        ToolGenerateImage,
			Description: "Generate a native-style ad image from the provided prompt",
			Parameters:  GetGenerateImageSchema(),
		},
		{
			Name: ToolReviewImage,
			Description: "Review the generated image against the Native Ad Performance Checklist " +
				"and return a structured quality assessment",
			Parameters: GetReviewImageSchema(),
		},
		{
			Name: ToolApproveRetry,
			Description: "Ask the user for approval before retrying a failed image. " +
				"Wait for the result before doing anything else.",
			Parameters: GetApproveRetrySchema(),
		},
	}
}
