package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/ideation"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/loop"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/services"
	"github.com/Conceptual-Machines/nativeads-api/internal/store"
)

const testUser = "user-1"

type ideateCall struct {
	concept  string
	answers  map[string]string
	personas []models.Persona
}

type fakeIdeator struct {
	mu     sync.Mutex
	calls  []ideateCall
	ideate func(ctx context.Context, call int, concept string, answers map[string]string) (*ideation.Result, error)
}

func (f *fakeIdeator) Ideate(ctx context.Context, concept string, answers map[string]string, personas ...models.Persona) (*ideation.Result, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, ideateCall{concept: concept, answers: answers, personas: personas})
	f.mu.Unlock()
	if f.ideate == nil {
		return ideated("primary prompt"), nil
	}
	return f.ideate(ctx, call, concept, answers)
}

func (f *fakeIdeator) Calls() []ideateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ideateCall(nil), f.calls...)
}

type fakeRunner struct {
	mu     sync.Mutex
	inputs []loop.Input
	run    func(ctx context.Context, call int, in loop.Input, sink loop.Sink) (*loop.Output, error)
}

func (f *fakeRunner) Run(ctx context.Context, in loop.Input, sink loop.Sink) (*loop.Output, error) {
	f.mu.Lock()
	call := len(f.inputs)
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	if f.run == nil {
		return passed(in, "call_"+lastUserText(in.Messages)), nil
	}
	return f.run(ctx, call, in, sink)
}

func (f *fakeRunner) Inputs() []loop.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]loop.Input(nil), f.inputs...)
}

func ideated(primary string) *ideation.Result {
	return &ideation.Result{
		Type:           ideation.KindIdeate,
		IdeationResult: &models.IdeationResult{PrimaryPrompt: primary, Variations: []string{"v1", "v2"}},
	}
}

func clarify(ids ...string) *ideation.Result {
	var qs []models.ClarificationQuestion
	for _, id := range ids {
		qs = append(qs, models.ClarificationQuestion{ID: id, Question: id + "?", Options: []string{"a", models.OtherOption}})
	}
	return &ideation.Result{Type: ideation.KindClarify, Questions: qs}
}

func lastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func generated(callID, url string) llm.Message {
	content, _ := json.Marshal(map[string]any{"success": true, "imageUrl": url})
	return llm.ToolResultMessage(llm.ToolResult{CallID: callID, Name: llm.ToolGenerateImage, Content: content})
}

func passed(in loop.Input, callID string) *loop.Output {
	url := "https://cdn.example.com/" + callID + ".png"
	score, ok := 7, true
	messages := append(append([]llm.Message(nil), in.Messages...),
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: callID, Name: llm.ToolGenerateImage}}},
		generated(callID, url),
		llm.Message{Role: llm.RoleAssistant, Content: "Done."},
	)
	return &loop.Output{
		Messages: messages,
		Outcome:  models.OutcomePassed,
		State: loop.State{Attempts: []models.GenerationAttempt{{
			ID: callID, AttemptNumber: 1, Prompt: lastUserText(in.Messages),
			ImageURL: &url, ReviewScore: &score, Passed: &ok,
		}}},
	}
}

func paused(in loop.Input, approvalID string) *loop.Output {
	messages := append(append([]llm.Message(nil), in.Messages...),
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: approvalID, Name: llm.ToolApproveRetry}}},
	)
	return &loop.Output{
		Messages: messages,
		Pending:  &models.ApprovalRequest{ID: approvalID, CallID: approvalID, AttemptNumber: 2, RefinedPrompt: "better"},
	}
}

// stepProvider plays assistant turns back to a real loop controller
type stepProvider struct {
	mu    sync.Mutex
	turns []llm.Message
	n     int
	// hold runs before the nth step (1-based) is answered
	hold func(ctx context.Context, n int) error
}

func (p *stepProvider) Name() string { return "mock" }

func (p *stepProvider) Generate(context.Context, *llm.GenerationRequest) (*llm.GenerationResponse, error) {
	return nil, errors.New("not used")
}

func (p *stepProvider) Step(ctx context.Context, _ *llm.StepRequest) (*llm.StepResponse, error) {
	p.mu.Lock()
	p.n++
	n := p.n
	p.mu.Unlock()
	if p.hold != nil {
		if err := p.hold(ctx, n); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.turns) == 0 {
		return &llm.StepResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "Done."}}, nil
	}
	turn := p.turns[0]
	p.turns = p.turns[1:]
	return &llm.StepResponse{Message: turn}, nil
}

type staticSynth struct{ url string }

func (f staticSynth) Generate(_ context.Context, req synthesis.Request) synthesis.Result {
	return synthesis.Result{Success: true, ImageURL: f.url, EnhancedPrompt: req.Prompt}
}

func toolCall(id, name string, args any) llm.Message {
	raw, _ := json.Marshal(args)
	return llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: raw}}}
}

func newTestManager(t *testing.T, ideator *fakeIdeator, runner Runner, repo store.Repository) *Manager {
	t.Helper()
	m := NewManager(ideator, runner, repo, Options{DefaultModel: "nano-banana"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func newTestSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.Create(context.Background(), testUser, "", models.Settings{})
	require.NoError(t, err)
	return s
}

func waitSettled(t *testing.T, s *Session, phase models.Phase) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = s.Snapshot()
		return snap.Phase == phase && !snap.Busy
	}, 2*time.Second, 5*time.Millisecond, "want phase %s", phase)
	return snap
}

func phaseHistory(s *Session) []models.Phase {
	backlog, _, cancel, _ := s.Events().Subscribe(0)
	cancel()
	var phases []models.Phase
	for _, e := range backlog {
		if e.Type != EventPhase {
			continue
		}
		var payload struct {
			Phase models.Phase `json:"phase"`
		}
		_ = json.Unmarshal(e.Data, &payload)
		phases = append(phases, payload.Phase)
	}
	return phases
}

func TestSession_ClarifyAnswerPickGenerate(t *testing.T) {
	ideator := &fakeIdeator{ideate: func(_ context.Context, call int, _ string, _ map[string]string) (*ideation.Result, error) {
		if call == 0 {
			return clarify(models.AxisProduct), nil
		}
		return ideated("A tired parent with an air purifier"), nil
	}}
	runner := &fakeRunner{}
	repo := store.NewMemory()
	s := newTestSession(t, newTestManager(t, ideator, runner, repo))

	require.NoError(t, s.Submit("dust", nil))
	snap := waitSettled(t, s, models.PhaseClarifying)
	require.Len(t, snap.Questions, 1)
	assert.Equal(t, "dust", snap.Concept)

	assert.ErrorIs(t, s.Submit("another", nil), ErrBusy)
	assert.ErrorIs(t, s.Pick(""), ErrInvalidPhase)

	require.NoError(t, s.Answer(map[string]string{models.AxisProduct: "air purifier"}))
	snap = waitSettled(t, s, models.PhaseAwaiting)
	require.NotNil(t, snap.Ideation)

	calls := ideator.Calls()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0].answers)
	assert.Equal(t, map[string]string{models.AxisProduct: "air purifier"}, calls[1].answers)

	require.NoError(t, s.Pick(""))
	snap = waitSettled(t, s, models.PhaseIdle)
	assert.Equal(t, models.OutcomePassed, snap.LastOutcome)
	assert.Empty(t, snap.Concept)
	assert.Nil(t, snap.Ideation)
	require.Len(t, snap.Checkpoints, 1)
	assert.Equal(t, []models.Phase{
		models.PhaseIdeating, models.PhaseClarifying, models.PhaseIdeating,
		models.PhaseAwaiting, models.PhaseGenerating, models.PhaseIdle,
	}, phaseHistory(s))

	inputs := runner.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, "A tired parent with an air purifier", lastUserText(inputs[0].Messages))
	assert.Equal(t, "nano-banana", inputs[0].Settings.Model)

	require.Eventually(t, func() bool {
		chats, _ := repo.ListChats(context.Background(), testUser, 0)
		images, _ := repo.ListImages(context.Background(), testUser, 0)
		return len(chats) == 1 && len(images) == 1
	}, 2*time.Second, 5*time.Millisecond)
	chats, _ := repo.ListChats(context.Background(), testUser, 0)
	assert.Equal(t, "A tired parent with an air purifier", chats[0].Title)
	assert.Contains(t, chats[0].ThumbnailURL, "https://cdn.example.com/")
}

func TestSession_SkipFinalizes(t *testing.T) {
	ideator := &fakeIdeator{ideate: func(_ context.Context, call int, _ string, _ map[string]string) (*ideation.Result, error) {
		if call == 0 {
			return clarify(models.AxisProduct, models.AxisPersona), nil
		}
		return ideated("final"), nil
	}}
	s := newTestSession(t, newTestManager(t, ideator, &fakeRunner{}, nil))

	require.NoError(t, s.Submit("dust", nil))
	waitSettled(t, s, models.PhaseClarifying)
	require.NoError(t, s.Skip())
	waitSettled(t, s, models.PhaseAwaiting)

	calls := ideator.Calls()
	require.Len(t, calls, 2)
	assert.NotNil(t, calls[1].answers, "skip sends an empty, non-nil answer map")
	assert.Empty(t, calls[1].answers)
}

func TestSession_SubmitValidation(t *testing.T) {
	s := newTestSession(t, newTestManager(t, &fakeIdeator{}, &fakeRunner{}, nil))
	assert.ErrorIs(t, s.Submit("   ", nil), ErrEmptyInput)
	assert.ErrorIs(t, s.Skip(), ErrInvalidPhase)
	assert.ErrorIs(t, s.Answer(nil), ErrInvalidPhase)
	assert.ErrorIs(t, s.Decide(models.ApprovalDecision{Approved: true}), ErrNoPendingApproval)
	assert.NoError(t, s.Cancel(), "cancel while idle is a no-op")
}

func TestSession_ImagesOnlyAndReferencesConsumedOnce(t *testing.T) {
	ideator := &fakeIdeator{}
	runner := &fakeRunner{}
	s := newTestSession(t, newTestManager(t, ideator, runner, nil))

	require.NoError(t, s.Enqueue("queued concept"))
	require.NoError(t, s.Submit("", []string{"data:image/png;base64,AAAA"}))
	waitSettled(t, s, models.PhaseIdle)

	assert.Empty(t, ideator.Calls(), "image-only input skips ideation")
	inputs := runner.Inputs()
	require.Len(t, inputs, 2)

	first := inputs[0].Messages[len(inputs[0].Messages)-1]
	assert.Equal(t, imagesOnlyPrompt, first.Content)
	assert.Equal(t, []string{"data:image/png;base64,AAAA"}, first.Images)

	second := inputs[1].Messages[len(inputs[1].Messages)-1]
	assert.Equal(t, "queued concept", second.Content)
	assert.Empty(t, second.Images)
}

func TestSession_FollowUpSkipsIdeation(t *testing.T) {
	repo := store.NewMemory()
	history, _ := json.Marshal([]llm.Message{
		llm.UserMessage("coffee ad"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: llm.ToolGenerateImage}}},
		generated("c1", "https://cdn/1.png"),
	})
	require.NoError(t, repo.UpsertChat(context.Background(), &models.Chat{ID: "chat-1", UserID: testUser, Messages: string(history)}))

	ideator := &fakeIdeator{}
	runner := &fakeRunner{}
	m := newTestManager(t, ideator, runner, repo)

	_, err := m.Create(context.Background(), "someone-else", "chat-1", models.Settings{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	s, err := m.Create(context.Background(), testUser, "chat-1", models.Settings{})
	require.NoError(t, err)
	assert.Equal(t, "chat-1", s.Snapshot().ChatID)

	require.NoError(t, s.Submit("", []string{"data:image/png;base64,BBBB"}))
	waitSettled(t, s, models.PhaseIdle)

	assert.Empty(t, ideator.Calls())
	inputs := runner.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, followUpPrompt, lastUserText(inputs[0].Messages))
	assert.Len(t, inputs[0].Messages, 4, "history is passed to the loop")

	require.Eventually(t, func() bool {
		chat, err := repo.GetChat(context.Background(), testUser, "chat-1")
		return err == nil && !strings.Contains(chat.Messages, "data:image") && len(chat.Messages) > len(history)
	}, 2*time.Second, 5*time.Millisecond, "saved transcript drops inline files")
}

func TestSession_QueueIsFIFOAndNeverIdlesBetweenItems(t *testing.T) {
	var order []string
	var mu sync.Mutex
	runner := &fakeRunner{run: func(_ context.Context, call int, in loop.Input, _ loop.Sink) (*loop.Output, error) {
		mu.Lock()
		order = append(order, lastUserText(in.Messages))
		mu.Unlock()
		switch call {
		case 0:
			return passed(in, "a"), nil
		case 1:
			out := passed(in, "b")
			out.Outcome = models.OutcomeFailedMaxRetries
			return out, nil
		default:
			out := passed(in, "c")
			out.Outcome = models.OutcomeRejectedByUser
			return out, nil
		}
	}}
	repo := store.NewMemory()
	s := newTestSession(t, newTestManager(t, &fakeIdeator{}, runner, repo))

	require.NoError(t, s.Submit("concept", nil))
	waitSettled(t, s, models.PhaseAwaiting)
	require.NoError(t, s.Enqueue("c2", "c3"))
	assert.Equal(t, models.PhaseAwaiting, s.Snapshot().Phase, "queueing keeps the phase")

	require.NoError(t, s.Pick("c1"))
	snap := waitSettled(t, s, models.PhaseIdle)

	assert.Equal(t, []string{"c1", "c2", "c3"}, order)
	assert.Empty(t, snap.Queue)
	assert.Equal(t, models.OutcomeRejectedByUser, snap.LastOutcome)
	assert.Equal(t, []models.Phase{
		models.PhaseIdeating, models.PhaseAwaiting, models.PhaseGenerating, models.PhaseIdle,
	}, phaseHistory(s))

	require.Eventually(t, func() bool {
		q, _ := repo.LoadQueue(context.Background(), testUser)
		return len(q) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_ApprovalPauseAndResume(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, call int, in loop.Input, _ loop.Sink) (*loop.Output, error) {
		if call == 0 {
			return paused(in, "call_gate"), nil
		}
		return passed(in, "call_retry"), nil
	}}
	s := newTestSession(t, newTestManager(t, &fakeIdeator{}, runner, nil))

	require.NoError(t, s.Submit("concept", nil))
	waitSettled(t, s, models.PhaseAwaiting)
	require.NoError(t, s.Pick(""))

	snap := waitSettled(t, s, models.PhaseGenerating)
	require.NotNil(t, snap.Pending)
	assert.Equal(t, 2, snap.Pending.AttemptNumber)
	assert.ErrorIs(t, s.Submit("new", nil), ErrBusy)

	assert.ErrorIs(t, s.Decide(models.ApprovalDecision{ApprovalID: "other", Approved: true}), ErrStaleApproval)
	require.NoError(t, s.Decide(models.ApprovalDecision{ApprovalID: "call_gate", Approved: true}))
	snap = waitSettled(t, s, models.PhaseIdle)
	assert.Nil(t, snap.Pending)

	inputs := runner.Inputs()
	require.Len(t, inputs, 2)
	require.NotNil(t, inputs[1].Decision)
	assert.True(t, inputs[1].Decision.Approved)
	assert.Equal(t, "call_gate", inputs[1].Decision.ApprovalID)
	assert.ErrorIs(t, s.Decide(models.ApprovalDecision{Approved: true}), ErrNoPendingApproval, "one decision per request")
}

func TestSession_CancelDuringApprovalKeepsQueue(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, _ int, in loop.Input, _ loop.Sink) (*loop.Output, error) {
		return paused(in, "call_gate"), nil
	}}
	s := newTestSession(t, newTestManager(t, &fakeIdeator{}, runner, nil))

	require.NoError(t, s.Submit("concept", nil))
	waitSettled(t, s, models.PhaseAwaiting)
	require.NoError(t, s.Enqueue("q1", "q2"))
	require.NoError(t, s.Pick("first"))
	waitSettled(t, s, models.PhaseGenerating)

	require.NoError(t, s.Cancel())
	snap := s.Snapshot()
	assert.Equal(t, models.PhaseIdle, snap.Phase)
	assert.Equal(t, []string{"q1", "q2"}, snap.Queue)
	assert.Nil(t, snap.Pending)
	assert.ErrorIs(t, s.Decide(models.ApprovalDecision{ApprovalID: "call_gate", Approved: true}), ErrNoPendingApproval)

	last := snap.Messages[len(snap.Messages)-1]
	require.NotNil(t, last.ToolResult, "the dangling gate call is answered")
	assert.Equal(t, "call_gate", last.ToolResult.CallID)
	assert.True(t, last.ToolResult.IsError)
	assert.Len(t, runner.Inputs(), 1)
}

func TestSession_CancelDropsLateResults(t *testing.T) {
	release := make(chan struct{})
	ideator := &fakeIdeator{ideate: func(context.Context, int, string, map[string]string) (*ideation.Result, error) {
		<-release
		return ideated("late"), nil
	}}
	started := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, _ int, in loop.Input, sink loop.Sink) (*loop.Output, error) {
		close(started)
		<-ctx.Done()
		_ = sink.Publish(ctx, loop.Event{Type: loop.EventText, Text: "late"})
		return nil, loop.ErrCancelled
	}}
	s := newTestSession(t, newTestManager(t, ideator, runner, nil))

	require.NoError(t, s.Submit("concept", nil))
	require.NoError(t, s.Cancel())
	close(release)
	time.Sleep(20 * time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, models.PhaseIdle, snap.Phase)
	assert.Nil(t, snap.Ideation)

	require.NoError(t, s.Submit("", []string{"data:image/png;base64,AAAA"}))
	<-started
	require.NoError(t, s.Cancel())
	time.Sleep(20 * time.Millisecond)
	snap = s.Snapshot()
	assert.Equal(t, models.PhaseIdle, snap.Phase)
	assert.False(t, snap.Busy)

	backlog, _, cancel, _ := s.Events().Subscribe(0)
	cancel()
	for _, e := range backlog {
		assert.NotEqual(t, EventLoop, e.Type, "events of a cancelled run are dropped")
	}
}

func TestSession_CancelKeepsFinishedAttempts(t *testing.T) {
	const url = "https://cdn.example.com/ad.png"
	entered := make(chan struct{})
	provider := &stepProvider{
		turns: []llm.Message{
			toolCall("g1", llm.ToolGenerateImage, map[string]any{"prompt": "coffee ad"}),
			toolCall("r1", llm.ToolReviewImage, map[string]any{
				"image_url": url, "passes": true, "score": 7, "issues": []string{},
			}),
		},
		hold: func(ctx context.Context, n int) error {
			if n < 3 {
				return nil
			}
			// the closing narrative hangs until the user cancels
			close(entered)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	controller := loop.NewController(provider, staticSynth{url: url}, services.LLMParameters{Model: "gpt-5-mini"}, loop.Options{}, nil)
	repo := store.NewMemory()
	s := newTestSession(t, newTestManager(t, &fakeIdeator{}, controller, repo))

	require.NoError(t, s.Submit("", []string{"data:image/png;base64,AAAA"}))
	<-entered
	require.NoError(t, s.Cancel())

	ctx := context.Background()
	require.Eventually(t, func() bool {
		images, err := repo.ListImages(ctx, testUser, 10)
		if err != nil || len(images) != 1 {
			return false
		}
		chat, err := repo.GetChat(ctx, testUser, s.Snapshot().ChatID)
		return err == nil && strings.Contains(chat.Messages, url)
	}, 2*time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, models.PhaseIdle, snap.Phase)
	require.Len(t, snap.Checkpoints, 1)
	assert.Equal(t, url, snap.Checkpoints[0].ImageURL)

	answered := map[string]bool{}
	for _, m := range snap.Messages {
		if m.ToolResult != nil {
			answered[m.ToolResult.CallID] = true
		}
	}
	assert.True(t, answered["g1"])
	assert.True(t, answered["r1"])
}

func TestManager_RestoredPausedChatIsAnswered(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	saved, err := json.Marshal([]llm.Message{
		llm.UserMessage("coffee"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "gate1", Name: llm.ToolApproveRetry}}},
	})
	require.NoError(t, err)
	require.NoError(t, repo.UpsertChat(ctx, &models.Chat{ID: "chat-1", UserID: testUser, Messages: string(saved)}))

	runner := &fakeRunner{}
	m := newTestManager(t, &fakeIdeator{}, runner, repo)
	s, err := m.Create(ctx, testUser, "chat-1", models.Settings{})
	require.NoError(t, err)
	assert.Nil(t, s.Snapshot().Pending)

	require.NoError(t, s.Submit("make it brighter", nil))
	waitSettled(t, s, models.PhaseIdle)

	inputs := runner.Inputs()
	require.Len(t, inputs, 1)
	sent := inputs[0].Messages
	require.Len(t, sent, 4)
	require.NotNil(t, sent[2].ToolResult)
	assert.Equal(t, "gate1", sent[2].ToolResult.CallID)
	assert.True(t, sent[2].ToolResult.IsError)
	assert.Equal(t, "make it brighter", sent[3].Content)
}

func TestSession_IdeationFailureFallsBackToGeneration(t *testing.T) {
	ideator := &fakeIdeator{ideate: func(context.Context, int, string, map[string]string) (*ideation.Result, error) {
		return nil, errors.New("model down")
	}}
	runner := &fakeRunner{}
	s := newTestSession(t, newTestManager(t, ideator, runner, nil))

	require.NoError(t, s.Submit("raw concept", nil))
	waitSettled(t, s, models.PhaseIdle)

	inputs := runner.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, "raw concept", lastUserText(inputs[0].Messages))
}

func TestSession_LoopErrorIsVisible(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, int, loop.Input, loop.Sink) (*loop.Output, error) {
		return nil, errors.New("boom")
	}}
	s := newTestSession(t, newTestManager(t, &fakeIdeator{}, runner, nil))

	require.NoError(t, s.Submit("", []string{"data:image/png;base64,AAAA"}))
	snap := waitSettled(t, s, models.PhaseIdle)
	assert.Equal(t, models.OutcomeSynthesisError, snap.LastOutcome)
	assert.NotEmpty(t, snap.LastError)
	assert.NotContains(t, snap.LastError, "boom")
}

func TestSession_QueueEditsAndSettings(t *testing.T) {
	s := newTestSession(t, newTestManager(t, &fakeIdeator{}, &fakeRunner{}, nil))

	assert.ErrorIs(t, s.Enqueue(" ", ""), ErrEmptyInput)
	require.NoError(t, s.Enqueue("a", "b", "c"))
	assert.ErrorIs(t, s.RemoveQueued(3), ErrQueueIndex)
	assert.ErrorIs(t, s.RemoveQueued(-1), ErrQueueIndex)
	require.NoError(t, s.RemoveQueued(1))
	assert.Equal(t, []string{"a", "c"}, s.Snapshot().Queue)

	require.NoError(t, s.UpdateSettings(models.Settings{Model: "imagen-4", AspectRatio: "16:9"}))
	settings := s.Snapshot().Settings
	assert.Equal(t, "imagen-4", settings.Model)
	assert.Equal(t, "16:9", settings.AspectRatio)
	assert.NotEmpty(t, settings.Resolution)
}

func TestSession_Reideate(t *testing.T) {
	ideator := &fakeIdeator{}
	s := newTestSession(t, newTestManager(t, ideator, &fakeRunner{}, nil))

	assert.ErrorIs(t, s.Reideate(), ErrEmptyInput)

	require.NoError(t, s.Submit("sleepy commuter coffee", nil))
	waitSettled(t, s, models.PhaseAwaiting)
	require.NoError(t, s.Pick("prompt"))
	waitSettled(t, s, models.PhaseIdle)

	require.NoError(t, s.Reideate())
	waitSettled(t, s, models.PhaseAwaiting)
	calls := ideator.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "prompt", calls[1].concept, "falls back to the first user text of the chat")
}

func TestManager_ScopingCloseAndReap(t *testing.T) {
	m := NewManager(&fakeIdeator{}, &fakeRunner{}, nil, Options{IdleTimeout: time.Minute})
	defer func() { _ = m.Shutdown(context.Background()) }()

	s, err := m.Create(context.Background(), testUser, "", models.Settings{})
	require.NoError(t, err)

	_, err = m.Get("intruder", s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := m.Get(testUser, s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	assert.Equal(t, 0, m.Reap(time.Now()))
	assert.Equal(t, 1, m.Reap(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, m.Len())
	assert.ErrorIs(t, s.Submit("x", nil), ErrClosed)

	s2, err := m.Create(context.Background(), testUser, "", models.Settings{})
	require.NoError(t, err)
	require.NoError(t, m.Close(testUser, s2.ID))
	assert.ErrorIs(t, m.Close(testUser, s2.ID), ErrNotFound)
}

func TestSession_IdeationOffersSavedPersonas(t *testing.T) {
	repo := store.NewMemory()
	require.NoError(t, repo.CreatePersona(context.Background(), &models.Persona{
		ID: "p1", UserID: testUser, Name: "Busy mom", Description: "35, two kids",
	}))
	require.NoError(t, repo.CreatePersona(context.Background(), &models.Persona{
		ID: "p2", UserID: "someone-else", Name: "Not mine", Description: "x",
	}))
	ideator := &fakeIdeator{}
	s := newTestSession(t, newTestManager(t, ideator, &fakeRunner{}, repo))

	require.NoError(t, s.Submit("dust", nil))
	waitSettled(t, s, models.PhaseAwaiting)

	calls := ideator.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].personas, 1)
	assert.Equal(t, "Busy mom", calls[0].personas[0].Name)
}

func TestManager_RestoresQueue(t *testing.T) {
	repo := store.NewMemory()
	require.NoError(t, repo.SaveQueue(context.Background(), testUser, []string{"saved"}))
	m := newTestManager(t, &fakeIdeator{}, &fakeRunner{}, repo)

	s := newTestSession(t, m)
	assert.Equal(t, []string{"saved"}, s.Snapshot().Queue)
}
