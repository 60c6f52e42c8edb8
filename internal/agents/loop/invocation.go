package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/review"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
)

// ErrUnknownTool is returned for tool names outside the closed set
var ErrUnknownTool = errors.New("unknown tool")

// Invocation is one decoded tool call. The set is closed: GenerateImageCall,
// ReviewImageCall and ApproveRetryCall.
type Invocation interface {
	callID() string
	isInvocation()
}

// GenerateImageCall asks for one synthesis
type GenerateImageCall struct {
	CallID     string   `json:"-"`
	Prompt     string   `json:"prompt"`
	ImageInput []string `json:"image_input,omitempty"`
}

// ReviewImageCall carries the model's checklist verdict
type ReviewImageCall struct {
	CallID string `json:"-"`
	review.Input
}

// ApproveRetryCall is the pause signal: it has no executor
type ApproveRetryCall struct {
	CallID        string `json:"-"`
	FailureReason string `json:"failureReason"`
	RefinedPrompt string `json:"refinedPrompt"`
	AttemptNumber int    `json:"attemptNumber"`
}

func (c GenerateImageCall) callID() string { return c.CallID }
func (c ReviewImageCall) callID() string   { return c.CallID }
func (c ApproveRetryCall) callID() string  { return c.CallID }

func (GenerateImageCall) isInvocation() {}
func (ReviewImageCall) isInvocation()   {}
func (ApproveRetryCall) isInvocation()  {}

// DecodeInvocation maps a provider tool call onto its typed variant
func DecodeInvocation(call llm.ToolCall) (Invocation, error) {
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	switch call.Name {
	case llm.ToolGenerateImage:
		var c GenerateImageCall
		if err := json.Unmarshal(args, &c); err != nil {
			return nil, fmt.Errorf("invalid %s arguments: %w", call.Name, err)
		}
		c.Prompt = strings.TrimSpace(c.Prompt)
		if c.Prompt == "" {
			return nil, fmt.Errorf("invalid %s arguments: prompt is required", call.Name)
		}
		c.CallID = call.ID
		return c, nil

	case llm.ToolReviewImage:
		var c ReviewImageCall
		if err := json.Unmarshal(args, &c.Input); err != nil {
			return nil, fmt.Errorf("invalid %s arguments: %w", call.Name, err)
		}
		c.CallID = call.ID
		return c, nil

	case llm.ToolApproveRetry:
		var c ApproveRetryCall
		if err := json.Unmarshal(args, &c); err != nil {
			return nil, fmt.Errorf("invalid %s arguments: %w", call.Name, err)
		}
		c.FailureReason = strings.TrimSpace(c.FailureReason)
		c.RefinedPrompt = strings.TrimSpace(c.RefinedPrompt)
		c.CallID = call.ID
		return c, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
}
