package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/review"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/logger"
	"github.com/Conceptual-Machines/nativeads-api/internal/media"
	"github.com/Conceptual-Machines/nativeads-api/internal/metrics"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/observability"
	"github.com/Conceptual-Machines/nativeads-api/internal/prompt"
	"github.com/Conceptual-Machines/nativeads-api/internal/services"
)

// DefaultMaxSteps leaves room for three synthesis, review and gate cycles plus a reply
const DefaultMaxSteps = 10

var (
	// ErrCancelled is returned when the caller's context is cancelled mid-run,
	// together with the work finished so far. It is not an outcome: the session
	// decides what cancellation means.
	ErrCancelled         = errors.New("agent loop cancelled")
	ErrNoPendingApproval = errors.New("no approval is pending")
	ErrLoopFinished      = errors.New("agent loop already finished for this turn")
)

// Synthesizer is the image adapter as the loop sees it
type Synthesizer interface {
	Generate(ctx context.Context, req synthesis.Request) synthesis.Result
}

// Options bound one run
type Options struct {
	MaxSteps    int
	MaxAttempts int
	Timeout     time.Duration
}

// Input is everything one run needs. Messages is the whole chat; a resumed run
// passes the same history back together with the decision.
type Input struct {
	Messages []llm.Message
	Settings models.Settings
	// References overrides the reference images found in the latest user turn
	References []string
	Decision   *models.ApprovalDecision
	SessionID  string
	UserID     string
}

// Output is the result of one run, either terminal or paused on the gate
type Output struct {
	State    State                   `json:"state"`
	Messages []llm.Message           `json:"messages"`
	Outcome  models.Outcome          `json:"outcome,omitempty"`
	Pending  *models.ApprovalRequest `json:"pending,omitempty"`
	Text     string                  `json:"text,omitempty"`
	Error    string                  `json:"error,omitempty"`
	Steps    int                     `json:"steps"`
	Usage    llm.Usage               `json:"usage"`
}

// Paused reports whether the run is waiting on a human decision
func (o *Output) Paused() bool {
	return o.Pending != nil && o.Outcome == ""
}

// Controller runs the bounded tool-calling loop
type Controller struct {
	provider llm.Provider
	synth    Synthesizer
	params   services.LLMParameters
	builder  *prompt.Builder
	opts     Options
	metrics  metrics.Recorder
}

// NewController creates a loop controller
func NewController(provider llm.Provider, synth Synthesizer, params services.LLMParameters, opts Options, recorder metrics.Recorder) *Controller {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	log.Printf("🤖 AGENT LOOP INITIALIZED: provider=%s model=%s max_steps=%d max_attempts=%d timeout=%v",
		provider.Name(), params.Model, opts.MaxSteps, opts.MaxAttempts, opts.Timeout)

	return &Controller{
		provider: provider,
		synth:    synth,
		params:   params,
		builder:  prompt.NewPromptBuilder(),
		opts:     opts,
		metrics:  recorder,
	}
}

// MaxAttempts returns the attempt cap of every run
func (c *Controller) MaxAttempts() int {
	return c.opts.MaxAttempts
}

// Run executes or resumes the loop for the latest user turn
func (c *Controller) Run(ctx context.Context, in Input, sink Sink) (*Output, error) {
	if sink == nil {
		sink = nopSink{}
	}
	parent := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	state, err := Replay(in.Messages, c.opts.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("rebuild loop state: %w", err)
	}
	switch {
	case state.Phase == PhaseAwaitingApproval && in.Decision == nil:
		return &Output{State: state, Messages: in.Messages, Pending: state.Pending}, nil
	case state.Phase != PhaseAwaitingApproval && in.Decision != nil:
		return nil, ErrNoPendingApproval
	case state.Terminal():
		return nil, ErrLoopFinished
	}

	systemPrompt, err := c.builder.BuildAgentPrompt(in.Settings)
	if err != nil {
		return nil, fmt.Errorf("build agent prompt: %w", err)
	}

	transaction := sentry.StartTransaction(ctx, "loop.run")
	defer transaction.Finish()
	transaction.SetTag("model", c.params.Model)
	transaction.SetTag("image_model", in.Settings.Model)
	transaction.SetTag("resumed", fmt.Sprintf("%t", in.Decision != nil))

	trace := observability.GetClient().StartTrace(ctx, "agent-loop", observability.TraceOptions{
		UserID:    in.UserID,
		SessionID: in.SessionID,
		Tags:      []string{"loop"},
		Input:     lastUserText(in.Messages),
		Metadata:  map[string]any{"settings": in.Settings, "resumed": in.Decision != nil},
	})
	defer trace.Finish()

	refs := in.References
	if refs == nil {
		refs = ExtractReferences(in.Messages)
	}

	r := &run{
		c:            c,
		ctx:          transaction.Context(),
		parent:       parent,
		sink:         sink,
		state:        state,
		messages:     slices.Clone(in.Messages),
		systemPrompt: systemPrompt,
		settings:     in.Settings,
		refs:         refs,
		trace:        trace,
		startTime:    time.Now(),
		steps:        StepsTaken(in.Messages),
		fields:       logger.Fields{"session_id": in.SessionID, "model": c.params.Model},
	}

	log.Printf("🤖 AGENT LOOP STARTED: phase=%s attempts=%d refs=%d resumed=%v",
		state.Phase, len(state.Attempts), len(refs), in.Decision != nil)

	out, err := r.execute(in.Decision)
	if err != nil {
		transaction.Status = sentry.SpanStatusInternalError
		if errors.Is(err, ErrCancelled) {
			transaction.Status = sentry.SpanStatusCanceled
		}
		return out, err
	}
	if out.Outcome != "" && out.Outcome != models.OutcomePassed {
		transaction.Status = sentry.SpanStatusAborted
	}
	return out, nil
}

// run holds the mutable state of one invocation; nothing in it outlives Run
type run struct {
	c            *Controller
	ctx          context.Context
	parent       context.Context
	sink         Sink
	state        State
	messages     []llm.Message
	systemPrompt string
	settings     models.Settings
	refs         []string
	trace        *observability.Trace
	startTime    time.Time
	fields       logger.Fields

	steps        int
	usage        llm.Usage
	text         string
	nudged       bool
	reviewNudged bool
	narrated     bool
}

func (r *run) execute(decision *models.ApprovalDecision) (*Output, error) {
	if decision != nil {
		if err := r.resolve(*decision); err != nil {
			return nil, err
		}
	}

	for {
		if r.parent.Err() != nil {
			return r.cancelled(), ErrCancelled
		}
		if r.ctx.Err() != nil {
			r.apply(Terminate{Outcome: models.OutcomeSynthesisError, Reason: "the agent timed out"})
		}
		if r.state.Terminal() {
			return r.finish(), nil
		}
		if r.state.Phase == PhaseAwaitingApproval {
			return r.pause(), nil
		}
		if r.steps >= r.c.opts.MaxSteps {
			log.Printf("⚠️  Step limit %d reached in phase %s", r.c.opts.MaxSteps, r.state.Phase)
			r.apply(Terminate{Outcome: models.OutcomeStepLimitExceeded, Reason: "step limit reached"})
			continue
		}

		msg, err := r.step(llm.AgentTools())
		if err != nil {
			if r.parent.Err() != nil {
				return r.cancelled(), ErrCancelled
			}
			if r.ctx.Err() != nil {
				continue
			}
			log.Printf("❌ Agent step failed: %v", err)
			r.apply(Terminate{Outcome: models.OutcomeSynthesisError, Reason: "the reasoning model failed"})
			continue
		}

		if len(msg.ToolCalls) == 0 {
			r.handleText()
			continue
		}

		for _, call := range msg.ToolCalls {
			if r.state.Phase == PhaseAwaitingApproval {
				r.toolError(call, "skipped: waiting for retry approval")
				continue
			}
			r.dispatch(call)
		}
	}
}

// step runs one provider turn and appends the assistant message
func (r *run) step(tools []llm.ToolDefinition) (*llm.Message, error) {
	r.steps++
	generation := r.trace.Generation(fmt.Sprintf("loop.step.%d", r.steps), map[string]any{
		"phase": string(r.state.Phase),
		"tools": len(tools),
	})
	defer generation.Finish()

	resp, err := r.c.provider.Step(r.ctx, &llm.StepRequest{
		Model:         r.c.params.Model,
		SystemPrompt:  r.systemPrompt,
		ReasoningMode: r.c.params.ReasoningEffort,
		Messages:      r.messages,
		Tools:         tools,
	})
	if err != nil {
		generation.SetLevel("ERROR")
		return nil, err
	}

	msg := resp.Message
	msg.Role = llm.RoleAssistant
	r.messages = append(r.messages, msg)
	r.usage = r.usage.Add(resp.Usage)
	generation.Output(msg)
	generation.LogUsage(r.c.params.Model, resp.Usage)
	r.c.metrics.RecordTokenUsage(r.ctx, r.c.params.Model, resp.Usage)

	kind := "text"
	if len(msg.ToolCalls) > 0 {
		kind = msg.ToolCalls[0].Name
	}
	logger.LogLoopStep(r.ctx, r.steps, kind, r.fields.Merge(logger.Fields{"phase": string(r.state.Phase)}))
	r.publish(Event{Type: EventStep, Message: kind})
	if msg.Content != "" {
		r.text = msg.Content
		r.publish(Event{Type: EventText, Text: msg.Content})
	}
	return &msg, nil
}

// handleText decides what a tool-less reply means in the current phase
func (r *run) handleText() {
	switch {
	case r.state.Phase == PhasePlanning && len(r.state.Attempts) == 0:
		if !r.nudged {
			log.Printf("👉 Model replied without generating, nudging once")
			r.nudged = true
			r.messages = append(r.messages, llm.UserMessage(prompt.GenerateNudge))
			return
		}
		r.narrated = true
		r.apply(Terminate{Outcome: models.OutcomeSynthesisError, Reason: "no image was requested"})

	case r.state.Phase == PhasePlanning && r.state.NeedsApproval:
		// The model explained the failure without asking; open the gate ourselves
		r.openGate(ApproveRetryCall{CallID: newCallID()}, true)

	case r.state.Phase == PhaseReviewing:
		if !r.reviewNudged {
			log.Printf("👉 Model skipped the review, nudging once")
			r.reviewNudged = true
			cur := r.state.Current()
			r.messages = append(r.messages, llm.UserMessage(prompt.ReviewNudge, *cur.ImageURL))
			return
		}
		r.narrated = true
		r.apply(Terminate{Outcome: models.OutcomeSynthesisError, Reason: "the image was not reviewed"})

	default:
		r.narrated = true
		r.apply(Terminate{Outcome: models.OutcomeSynthesisError, Reason: "the agent stopped before finishing"})
	}
}

func (r *run) dispatch(call llm.ToolCall) {
	r.publish(Event{Type: EventToolCall, Tool: call.Name, CallID: call.ID})

	inv, err := DecodeInvocation(call)
	if err != nil {
		r.toolError(call, err.Error())
		return
	}
	switch v := inv.(type) {
	case GenerateImageCall:
		r.synthesize(v)
	case ReviewImageCall:
		r.review(v)
	case ApproveRetryCall:
		if r.state.Phase != PhasePlanning || !r.state.NeedsApproval {
			r.toolError(call, "no failed attempt is waiting for a retry decision")
			return
		}
		r.openGate(v, false)
	}
}

func (r *run) synthesize(call GenerateImageCall) {
	if !r.state.CanSynthesize() {
		r.toolError(llm.ToolCall{ID: call.CallID, Name: llm.ToolGenerateImage}, r.synthesisBlockedReason())
		return
	}
	r.apply(SynthesisStarted{AttemptID: call.CallID, Prompt: call.Prompt, At: time.Now()})
	attemptNumber := len(r.state.Attempts)

	refs := synthesis.MergeReferences(call.ImageInput, r.refs, synthesis.MaxReferenceImages)
	log.Printf("🎨 Attempt %d/%d: refs=%d prompt=%q", attemptNumber, r.state.MaxAttempts, len(refs), truncate(call.Prompt, 80))

	span := r.trace.Span(fmt.Sprintf("synthesis.attempt.%d", attemptNumber), map[string]any{
		"prompt":     call.Prompt,
		"references": len(refs),
		"settings":   r.settings,
	})
	result := r.c.synth.Generate(r.ctx, synthesis.Request{
		Prompt:          call.Prompt,
		ReferenceImages: refs,
		Settings:        r.settings,
	})
	span.End(result, !result.Success)
	if r.parent.Err() != nil {
		// interrupted, not failed: the call stays unanswered
		log.Printf("🛑 Attempt %d interrupted by cancellation", attemptNumber)
		return
	}

	r.apply(SynthesisFinished{ImageURL: result.ImageURL, Err: result.Error})
	r.toolResult(llm.ToolCall{ID: call.CallID, Name: llm.ToolGenerateImage}, result, false)

	attempt := r.attempt(attemptNumber)
	r.publish(Event{Type: EventAttempt, Attempt: &attempt})

	if result.Success {
		// The reviewer must see the pixels
		r.messages = append(r.messages, llm.UserMessage(prompt.ReviewInjection, result.ImageURL))
	} else {
		log.Printf("❌ Attempt %d failed: %s", attemptNumber, result.Error)
	}
}

func (r *run) synthesisBlockedReason() string {
	switch {
	case r.state.Phase == PhaseReviewing:
		return "review the current image with reviewImage before generating again"
	case len(r.state.Attempts) >= r.state.MaxAttempts:
		return fmt.Sprintf("attempt limit of %d reached", r.state.MaxAttempts)
	case r.state.NeedsApproval:
		return "the last attempt failed: call approveRetry and wait for the user before generating again"
	default:
		return "image generation is not allowed right now"
	}
}

func (r *run) review(call ReviewImageCall) {
	toolCall := llm.ToolCall{ID: call.CallID, Name: llm.ToolReviewImage}
	if r.state.Phase != PhaseReviewing {
		r.toolError(toolCall, "no generated image is waiting for review")
		return
	}
	in := call.Input
	in.ImageURL = *r.state.Current().ImageURL

	verdict, err := review.Normalize(in)
	if err != nil {
		r.toolError(toolCall, err.Error())
		return
	}
	r.apply(ReviewRecorded{Verdict: verdict})
	r.toolResult(toolCall, verdict, false)
	r.trace.Score("review_score", float64(verdict.Score), string(verdict.Band))

	log.Printf("🔍 Review: score=%d/%d band=%s passes=%v", verdict.Score, review.MaxScore, verdict.Band, verdict.Passes)
	r.publish(Event{Type: EventReview, Review: verdict})

	if verdict.Passes {
		attempt := r.attempt(len(r.state.Attempts))
		r.publish(Event{Type: EventCheckpoint, Checkpoint: &models.Checkpoint{
			AttemptID:     attempt.ID,
			AttemptNumber: attempt.AttemptNumber,
			ImageURL:      *attempt.ImageURL,
			Score:         verdict.Score,
		}})
	}
}

// openGate suspends the run. A controller-issued request is appended as its own
// assistant turn so the decision has a call to answer on resume.
func (r *run) openGate(call ApproveRetryCall, controllerIssued bool) {
	req := buildApproval(r.state, call)
	if call.AttemptNumber != 0 && call.AttemptNumber != req.AttemptNumber {
		log.Printf("🔧 approveRetry attemptNumber %d corrected to %d", call.AttemptNumber, req.AttemptNumber)
	}
	if controllerIssued {
		args, _ := json.Marshal(ApproveRetryCall{
			FailureReason: req.FailureReason,
			RefinedPrompt: req.RefinedPrompt,
			AttemptNumber: req.AttemptNumber,
		})
		r.messages = append(r.messages, llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: call.CallID, Name: llm.ToolApproveRetry, Arguments: args}},
		})
	}
	if !r.apply(ApprovalOpened{Request: req}) {
		return
	}
	log.Printf("⏸️  Waiting for approval of attempt %d: %s", req.AttemptNumber, req.FailureReason)
	r.publish(Event{Type: EventApprovalRequested, Approval: &req})
}

// resolve answers the pending approveRetry call and acts on the decision
func (r *run) resolve(decision models.ApprovalDecision) error {
	pending := r.state.Pending
	if decision.ApprovalID != pending.ID {
		return ErrStaleApproval
	}
	next, err := Reduce(r.state, ApprovalResolved{ApprovalID: decision.ApprovalID, Approved: decision.Approved})
	if err != nil {
		return err
	}
	r.state = next
	r.toolResult(llm.ToolCall{ID: pending.CallID, Name: llm.ToolApproveRetry}, approvalPayload{Approved: decision.Approved}, false)
	r.publish(Event{Type: EventApprovalResolved, Decision: &decision, Approval: pending})

	if !decision.Approved {
		log.Printf("🛑 Retry rejected by user at attempt %d", pending.AttemptNumber)
		return nil
	}

	// Exactly one synthesis, issued by the controller with the refined prompt
	log.Printf("▶️  Retry approved, issuing attempt %d", pending.AttemptNumber)
	call := GenerateImageCall{CallID: newCallID(), Prompt: pending.RefinedPrompt}
	args, _ := json.Marshal(call)
	r.messages = append(r.messages, llm.Message{
		Role:      llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{ID: call.CallID, Name: llm.ToolGenerateImage, Arguments: args}},
	})
	r.publish(Event{Type: EventToolCall, Tool: llm.ToolGenerateImage, CallID: call.CallID})
	r.synthesize(call)
	return nil
}

func (r *run) pause() *Output {
	out := r.output()
	out.Pending = r.state.Pending
	log.Printf("⏸️  AGENT LOOP PAUSED after %d step(s) in %v", r.steps, time.Since(r.startTime))
	return out
}

// finish writes the closing narrative when one is still owed and reports the outcome
func (r *run) finish() *Output {
	if !r.narrated && r.ctx.Err() == nil && r.steps < r.c.opts.MaxSteps &&
		r.state.Outcome != models.OutcomeStepLimitExceeded {
		r.narrated = true
		if _, err := r.step(nil); err != nil {
			log.Printf("⚠️  Closing narrative failed: %v", err)
		}
	}

	outcome := r.state.Outcome
	message := outcome.Message()
	if r.state.Reason != "" && outcome != models.OutcomeRejectedByUser {
		message = message + " (" + r.state.Reason + ")"
	}
	r.publish(Event{Type: EventOutcome, Outcome: outcome, Message: message})

	duration := time.Since(r.startTime)
	r.c.metrics.RecordLoopOutcome(r.ctx, string(outcome), len(r.state.Attempts), duration)
	r.trace.Score("outcome_passed", boolScore(outcome == models.OutcomePassed), string(outcome))
	logger.Info("Agent loop finished", r.fields.Merge(logger.Fields{
		"outcome":  string(outcome),
		"attempts": len(r.state.Attempts),
		"steps":    r.steps,
		"cost":     observability.FormatCost(observability.CalculateTokenCost(r.c.params.Model, r.usage)),
	}))
	log.Printf("✅ AGENT LOOP FINISHED in %v: outcome=%s attempts=%d steps=%d",
		duration, outcome, len(r.state.Attempts), r.steps)

	out := r.output()
	out.Outcome = outcome
	if outcome != models.OutcomePassed {
		out.Error = message
	}
	return out
}

// cancelled returns the messages up to the last finished tool result
func (r *run) cancelled() *Output {
	log.Printf("🛑 AGENT LOOP CANCELLED after %d step(s), %d attempt(s)", r.steps, len(r.state.Attempts))
	return r.output()
}

func (r *run) output() *Output {
	return &Output{
		State:    r.state,
		Messages: r.messages,
		Text:     r.text,
		Steps:    r.steps,
		Usage:    r.usage,
	}
}

// apply reduces an action; a rejected transition is logged and the state kept
func (r *run) apply(action Action) bool {
	next, err := Reduce(r.state, action)
	if err != nil {
		logger.Error("Rejected loop transition", err, r.fields.Merge(logger.Fields{"phase": string(r.state.Phase)}))
		return false
	}
	r.state = next
	return true
}

func (r *run) attempt(number int) models.GenerationAttempt {
	return r.state.Attempts[number-1]
}

func (r *run) toolResult(call llm.ToolCall, payload any, isError bool) {
	content, err := json.Marshal(payload)
	if err != nil {
		content, _ = json.Marshal(map[string]string{"error": err.Error()})
		isError = true
	}
	r.messages = append(r.messages, llm.ToolResultMessage(llm.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: content,
		IsError: isError,
	}))
}

func (r *run) toolError(call llm.ToolCall, message string) {
	log.Printf("⚠️  %s rejected: %s", call.Name, message)
	r.toolResult(call, map[string]string{"error": message}, true)
}

func (r *run) publish(event Event) {
	event.Step = r.steps
	if err := r.sink.Publish(r.ctx, event); err != nil {
		log.Printf("⚠️  Failed to publish %s event: %v", event.Type, err)
	}
}

// ExtractReferences returns the data: URL images of the most recent user turn that has any
func ExtractReferences(messages []llm.Message) []string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != llm.RoleUser || isInjection(m.Content) || len(m.Images) == 0 {
			continue
		}
		var refs []string
		for _, img := range m.Images {
			if media.IsDataURL(img) {
				refs = append(refs, img)
			}
		}
		return refs
	}
	return nil
}

func lastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser && !isInjection(messages[i].Content) {
			return messages[i].Content
		}
	}
	return ""
}

func newCallID() string {
	return "call_" + uuid.NewString()
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
