package loop

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/review"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/prompt"
)

// DefaultMaxAttempts caps synthesis calls per loop run
const DefaultMaxAttempts = 3

var (
	ErrInvalidTransition = errors.New("invalid loop transition")
	ErrGateReentered     = errors.New("approval gate already entered for this attempt")
	ErrStaleApproval     = errors.New("approval does not match the pending request")
)

// Phase is the controller-side state of one loop run
type Phase string

const (
	PhasePlanning         Phase = "planning"
	PhaseSynthesizing     Phase = "synthesizing"
	PhaseReviewing        Phase = "reviewing"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseDone             Phase = "done"
	PhaseTerminated       Phase = "terminated"
)

// State is everything the controller knows about one run.
// It is a value: Reduce never mutates its input.
type State struct {
	Phase    Phase                      `json:"phase"`
	Attempts []models.GenerationAttempt `json:"attempts"`
	Pending  *models.ApprovalRequest    `json:"pending,omitempty"`
	// Unlocked is the highest attempt number synthesis may currently reach
	Unlocked int `json:"unlocked"`
	// NeedsApproval is set after a failed attempt while retries remain
	NeedsApproval bool            `json:"needsApproval"`
	Gated         []int           `json:"gated,omitempty"`
	LastVerdict   *review.Verdict `json:"lastVerdict,omitempty"`
	Outcome       models.Outcome  `json:"outcome,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	MaxAttempts   int             `json:"maxAttempts"`
}

// NewState returns the entry state of a run
func NewState(maxAttempts int) State {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return State{Phase: PhasePlanning, Unlocked: 1, MaxAttempts: maxAttempts}
}

// Terminal reports whether the run has an outcome
func (s State) Terminal() bool {
	return s.Phase == PhaseDone || s.Phase == PhaseTerminated
}

// NextAttempt is the number the next synthesis would get
func (s State) NextAttempt() int {
	return len(s.Attempts) + 1
}

// CanSynthesize reports whether a generateImage call may run now
func (s State) CanSynthesize() bool {
	return s.Phase == PhasePlanning &&
		!s.NeedsApproval &&
		len(s.Attempts) < s.Unlocked &&
		len(s.Attempts) < s.MaxAttempts
}

// Current returns the latest attempt, nil before the first synthesis
func (s State) Current() *models.GenerationAttempt {
	if len(s.Attempts) == 0 {
		return nil
	}
	a := s.Attempts[len(s.Attempts)-1]
	return &a
}

// Action is an input to Reduce
type Action interface {
	isAction()
}

// SynthesisStarted opens a new attempt
type SynthesisStarted struct {
	AttemptID string
	Prompt    string
	At        time.Time
}

// SynthesisFinished records the adapter result of the open attempt
type SynthesisFinished struct {
	ImageURL string
	Err      string
}

// ReviewRecorded attaches a normalized verdict to the open attempt
type ReviewRecorded struct {
	Verdict *review.Verdict
}

// ApprovalOpened suspends the run on a retry request
type ApprovalOpened struct {
	Request models.ApprovalRequest
}

// ApprovalResolved applies the human decision
type ApprovalResolved struct {
	ApprovalID string
	Approved   bool
}

// Terminate ends the run with an outcome the tools cannot produce themselves
type Terminate struct {
	Outcome models.Outcome
	Reason  string
}

func (SynthesisStarted) isAction()  {}
func (SynthesisFinished) isAction() {}
func (ReviewRecorded) isAction()    {}
func (ApprovalOpened) isAction()    {}
func (ApprovalResolved) isAction()  {}
func (Terminate) isAction()         {}

// Reduce computes the next state deterministically
func Reduce(s State, action Action) (State, error) {
	next := s
	next.Attempts = slices.Clone(s.Attempts)
	next.Gated = slices.Clone(s.Gated)

	switch a := action.(type) {
	case SynthesisStarted:
		if !s.CanSynthesize() {
			return s, fmt.Errorf("%w: synthesis in phase %s (attempts=%d unlocked=%d)",
				ErrInvalidTransition, s.Phase, len(s.Attempts), s.Unlocked)
		}
		next.Attempts = append(next.Attempts, models.GenerationAttempt{
			ID:            a.AttemptID,
			AttemptNumber: s.NextAttempt(),
			Prompt:        a.Prompt,
			CreatedAt:     a.At,
		})
		next.Phase = PhaseSynthesizing
		return next, nil

	case SynthesisFinished:
		if s.Phase != PhaseSynthesizing {
			return s, fmt.Errorf("%w: synthesis result in phase %s", ErrInvalidTransition, s.Phase)
		}
		current := &next.Attempts[len(next.Attempts)-1]
		if a.Err != "" || a.ImageURL == "" {
			msg := a.Err
			if msg == "" {
				msg = "image generation returned no image"
			}
			current.Error = &msg
			return afterFailure(next, true), nil
		}
		url := a.ImageURL
		current.ImageURL = &url
		next.Phase = PhaseReviewing
		return next, nil

	case ReviewRecorded:
		if s.Phase != PhaseReviewing || a.Verdict == nil {
			return s, fmt.Errorf("%w: review in phase %s", ErrInvalidTransition, s.Phase)
		}
		current := &next.Attempts[len(next.Attempts)-1]
		score, passed := a.Verdict.Score, a.Verdict.Passes
		current.ReviewScore = &score
		current.Passed = &passed
		current.Issues = a.Verdict.Issues
		next.LastVerdict = a.Verdict
		if passed {
			next.Phase = PhaseDone
			next.Outcome = models.OutcomePassed
			return next, nil
		}
		return afterFailure(next, false), nil

	case ApprovalOpened:
		if s.Phase != PhasePlanning || !s.NeedsApproval {
			return s, fmt.Errorf("%w: approval request in phase %s", ErrInvalidTransition, s.Phase)
		}
		if slices.Contains(s.Gated, a.Request.AttemptNumber) {
			return s, ErrGateReentered
		}
		if a.Request.AttemptNumber != s.NextAttempt() {
			return s, fmt.Errorf("%w: approval for attempt %d, next is %d",
				ErrInvalidTransition, a.Request.AttemptNumber, s.NextAttempt())
		}
		req := a.Request
		next.Pending = &req
		next.Gated = append(next.Gated, req.AttemptNumber)
		next.Phase = PhaseAwaitingApproval
		return next, nil

	case ApprovalResolved:
		if s.Phase != PhaseAwaitingApproval || s.Pending == nil {
			return s, fmt.Errorf("%w: decision in phase %s", ErrInvalidTransition, s.Phase)
		}
		if a.ApprovalID != "" && a.ApprovalID != s.Pending.ID {
			return s, ErrStaleApproval
		}
		pending := s.Pending
		next.Pending = nil
		if !a.Approved {
			next.Phase = PhaseTerminated
			next.Outcome = models.OutcomeRejectedByUser
			return next, nil
		}
		next.Phase = PhasePlanning
		next.NeedsApproval = false
		next.Unlocked = pending.AttemptNumber
		return next, nil

	case Terminate:
		if s.Terminal() {
			return s, nil
		}
		next.Phase = PhaseTerminated
		next.Outcome = a.Outcome
		next.Reason = a.Reason
		next.Pending = nil
		return next, nil

	default:
		return s, fmt.Errorf("%w: unknown action %T", ErrInvalidTransition, action)
	}
}

// afterFailure either opens the way to the gate or ends the run at the attempt cap
func afterFailure(s State, synthesisFailed bool) State {
	if len(s.Attempts) >= s.MaxAttempts {
		s.Phase = PhaseTerminated
		s.Outcome = models.OutcomeFailedMaxRetries
		if synthesisFailed {
			s.Outcome = models.OutcomeSynthesisError
			if cur := s.Attempts[len(s.Attempts)-1]; cur.Error != nil {
				s.Reason = *cur.Error
			}
		}
		return s
	}
	s.Phase = PhasePlanning
	s.NeedsApproval = true
	return s
}

// buildApproval turns an approveRetry call into the request the gate emits.
// The attempt number is always the controller's, whatever the model sent.
func buildApproval(s State, call ApproveRetryCall) models.ApprovalRequest {
	reason := call.FailureReason
	refined := call.RefinedPrompt
	if s.LastVerdict != nil && !s.LastVerdict.Passes {
		if reason == "" {
			reason = s.LastVerdict.FailureReason()
		}
		if refined == "" {
			refined = s.LastVerdict.RefinedPrompt
		}
	}
	if cur := s.Current(); cur != nil {
		if reason == "" && cur.Error != nil {
			reason = "Image generation failed: " + *cur.Error
		}
		if refined == "" {
			refined = cur.Prompt
		}
	}
	return models.ApprovalRequest{
		ID:            call.CallID,
		CallID:        call.CallID,
		FailureReason: reason,
		RefinedPrompt: refined,
		AttemptNumber: s.NextAttempt(),
	}
}

// approvalPayload is the tool result recorded for a resolved approveRetry call
type approvalPayload struct {
	Approved bool `json:"approved"`
}

// turnStart returns the index after the last real user message.
// Controller injections (review and nudge turns) are not turn boundaries.
func turnStart(messages []llm.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != llm.RoleUser || isInjection(m.Content) {
			continue
		}
		return i + 1
	}
	return 0
}

// StepsTaken counts the assistant turns of the current turn, so the step
// ceiling holds across pauses
func StepsTaken(messages []llm.Message) int {
	n := 0
	for _, m := range messages[turnStart(messages):] {
		if m.Role == llm.RoleAssistant {
			n++
		}
	}
	return n
}

func isInjection(content string) bool {
	return content == prompt.ReviewInjection ||
		content == prompt.GenerateNudge ||
		content == prompt.ReviewNudge
}

// Replay rebuilds the state of the current turn from its transcript so every run
// is self-contained given the message history.
func Replay(messages []llm.Message, maxAttempts int) (State, error) {
	s := NewState(maxAttempts)
	calls := make(map[string]Invocation)
	var order []string
	answered := make(map[string]bool)

	apply := func(action Action) error {
		next, err := Reduce(s, action)
		if err != nil {
			return err
		}
		s = next
		return nil
	}

	for _, m := range messages[turnStart(messages):] {
		switch m.Role {
		case llm.RoleAssistant:
			for _, call := range m.ToolCalls {
				inv, err := DecodeInvocation(call)
				if err != nil {
					continue
				}
				calls[inv.callID()] = inv
				order = append(order, inv.callID())
			}

		case llm.RoleTool:
			if m.ToolResult == nil {
				continue
			}
			answered[m.ToolResult.CallID] = true
			inv, ok := calls[m.ToolResult.CallID]
			if !ok || m.ToolResult.IsError {
				continue
			}
			if err := replayResult(&s, inv, m.ToolResult.Content, apply); err != nil {
				return s, fmt.Errorf("replay %s: %w", m.ToolResult.CallID, err)
			}
		}
	}

	// A trailing approveRetry with no result is the pause
	for _, id := range order {
		call, ok := calls[id].(ApproveRetryCall)
		if !ok || answered[id] {
			continue
		}
		if s.Phase == PhasePlanning && s.NeedsApproval {
			if err := apply(ApprovalOpened{Request: buildApproval(s, call)}); err != nil {
				return s, fmt.Errorf("replay %s: %w", id, err)
			}
		}
	}
	return s, nil
}

func replayResult(s *State, inv Invocation, content json.RawMessage, apply func(Action) error) error {
	switch v := inv.(type) {
	case GenerateImageCall:
		var result synthesis.Result
		if err := json.Unmarshal(content, &result); err != nil {
			return err
		}
		if err := apply(SynthesisStarted{AttemptID: v.CallID, Prompt: v.Prompt}); err != nil {
			return err
		}
		return apply(SynthesisFinished{ImageURL: result.ImageURL, Err: result.Error})

	case ReviewImageCall:
		var verdict review.Verdict
		if err := json.Unmarshal(content, &verdict); err != nil {
			return err
		}
		return apply(ReviewRecorded{Verdict: &verdict})

	case ApproveRetryCall:
		var payload approvalPayload
		if err := json.Unmarshal(content, &payload); err != nil {
			return err
		}
		if err := apply(ApprovalOpened{Request: buildApproval(*s, v)}); err != nil {
			return err
		}
		return apply(ApprovalResolved{ApprovalID: v.CallID, Approved: payload.Approved})
	}
	return nil
}
