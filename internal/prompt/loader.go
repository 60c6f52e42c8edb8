package prompt

import (
	"strings"

	"github.com/Conceptual-Machines/nativeads-api/pkg/embedded"
)

type Loader struct{}

func NewPromptLoader() *Loader {
	return &Loader{}
}

// GetAgentSystemPrompt loads the generate/review loop instructions
func (l *Loader) GetAgentSystemPrompt() (string, error) {
	return strings.TrimSpace(string(embedded.AgentSystemPromptTxt)), nil
}

// GetIdeationSystemPrompt loads the clarify-or-ideate instructions
func (l *Loader) GetIdeationSystemPrompt() (string, error) {
	return strings.TrimSpace(string(embedded.IdeationSystemPromptTxt)), nil
}

// GetReviewSystemPrompt loads the standalone reviewer instructions
func (l *Loader) GetReviewSystemPrompt() (string, error) {
	return strings.TrimSpace(string(embedded.ReviewSystemPromptTxt)), nil
}
