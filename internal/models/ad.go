package models

import "time"

// Phase is the session-level state of the generation workflow
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseIdeating   Phase = "ideating"
	PhaseClarifying Phase = "clarifying"
	PhaseAwaiting   Phase = "awaiting"
	PhaseGenerating Phase = "generating"
)

// Outcome is the terminal classification of one concept's loop run
type Outcome string

const (
	OutcomePassed            Outcome = "passed"
	OutcomeFailedMaxRetries  Outcome = "failed-max-retries"
	OutcomeRejectedByUser    Outcome = "rejected-by-user"
	OutcomeStepLimitExceeded Outcome = "step-limit-exceeded"
	OutcomeSynthesisError    Outcome = "synthesis-error"
)

// Message returns the one-line user-facing description of an outcome
func (o Outcome) Message() string {
	switch o {
	case OutcomePassed:
		return "The image passed review."
	case OutcomeFailedMaxRetries:
		return "The image did not pass review after the maximum number of attempts."
	case OutcomeRejectedByUser:
		return "Retry skipped. Keeping the last attempt."
	case OutcomeStepLimitExceeded:
		return "Stopped: the agent ran out of steps before finishing."
	case OutcomeSynthesisError:
		return "Image generation failed."
	default:
		return string(o)
	}
}

// Axis names the three dimensions a concept must pin down
const (
	AxisProduct = "product"
	AxisPersona = "persona"
	AxisAngle   = "angle"
)

// OtherOption is the terminal escape option of every clarification question
const OtherOption = "Other / something else"

// ClarificationQuestion is one tappable question asked before ideation
type ClarificationQuestion struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// IdeationResult holds generation-ready prompts for one clarified concept
type IdeationResult struct {
	PrimaryPrompt      string   `json:"primaryPrompt"`
	Variations         []string `json:"variations"`
	AdditionalConcepts []string `json:"additionalConcepts"`
}

// Settings are the per-session image options forwarded to the synthesis adapter
type Settings struct {
	Model             string `json:"model"`
	AspectRatio       string `json:"aspect_ratio"`
	Resolution        string `json:"resolution"`
	OutputFormat      string `json:"output_format"`
	SafetyFilterLevel string `json:"safety_filter_level"`
}

// GenerationAttempt records one synthesis (+ review) cycle
type GenerationAttempt struct {
	ID            string    `json:"id"`
	AttemptNumber int       `json:"attemptNumber"`
	Prompt        string    `json:"prompt"`
	ImageURL      *string   `json:"imageUrl"`
	ReviewScore   *int      `json:"reviewScore"`
	Passed        *bool     `json:"passed"`
	Issues        []string  `json:"issues,omitempty"`
	Error         *string   `json:"error"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ApprovalRequest is the pause payload emitted when a retry needs human consent
type ApprovalRequest struct {
	ID            string `json:"id"`
	CallID        string `json:"callId"`
	FailureReason string `json:"failureReason"`
	RefinedPrompt string `json:"refinedPrompt"`
	AttemptNumber int    `json:"attemptNumber"`
}

// ApprovalDecision resolves exactly one ApprovalRequest
type ApprovalDecision struct {
	ApprovalID string `json:"approvalId"`
	Approved   bool   `json:"approved"`
}

// Checkpoint marks an attempt that passed review
type Checkpoint struct {
	AttemptID     string `json:"attemptId"`
	AttemptNumber int    `json:"attemptNumber"`
	ImageURL      string `json:"imageUrl"`
	Score         int    `json:"score"`
}

// Checkpoints derives one checkpoint per passing attempt, de-duplicated by attempt ID
func Checkpoints(attempts []GenerationAttempt) []Checkpoint {
	seen := make(map[string]bool, len(attempts))
	var out []Checkpoint
	for _, a := range attempts {
		if a.Passed == nil || !*a.Passed || a.ImageURL == nil || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		score := 0
		if a.ReviewScore != nil {
			score = *a.ReviewScore
		}
		out = append(out, Checkpoint{
			AttemptID:     a.ID,
			AttemptNumber: a.AttemptNumber,
			ImageURL:      *a.ImageURL,
			Score:         score,
		})
	}
	return out
}
