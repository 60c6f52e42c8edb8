package session

import (
	"context"
	"errors"
	"log"
	"slices"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/ideation"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/loop"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/logger"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

// beginLocked marks work in flight and returns its context and epoch.
// Only one ideation or loop run is ever active per session.
func (s *Session) beginLocked() (context.Context, uint64) {
	ctx, cancel := context.WithCancel(s.m.ctx)
	s.cancel = cancel
	s.busy = true
	return ctx, s.epoch
}

// finishLocked clears the in-flight marker; false means the result is stale
func (s *Session) finishLocked(epoch uint64) bool {
	if epoch != s.epoch {
		return false
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.busy = false
	return true
}

// complete applies a background result unless a cancel happened meanwhile,
// in which case stale runs instead, if set
func (s *Session) complete(epoch uint64, kind string, fn, stale func()) {
	err := s.locked(func() error {
		if !s.finishLocked(epoch) {
			if stale != nil {
				stale()
				return nil
			}
			log.Printf("🗑️  Dropping stale %s result for session %s", kind, s.ID)
			return nil
		}
		fn()
		return nil
	})
	if errors.Is(err, ErrClosed) {
		log.Printf("🗑️  Dropping %s result for closed session %s", kind, s.ID)
	}
}

func (s *Session) startIdeation(concept string, answers map[string]string) {
	s.concept = concept
	s.answers = answers
	s.questions = nil
	s.ideation = nil
	s.setPhase(models.PhaseIdeating)

	ctx, epoch := s.beginLocked()
	s.wg.Add(1)
	go s.runIdeation(ctx, epoch, concept, answers)
}

func (s *Session) runIdeation(ctx context.Context, epoch uint64, concept string, answers map[string]string) {
	defer s.wg.Done()

	result, err := s.m.ideator.Ideate(ctx, concept, answers, s.personas(ctx)...)

	s.complete(epoch, "ideation", func() {
		fields := logger.WithSession(s.ID, string(s.phase))
		switch {
		case err != nil:
			// degraded but available: the raw concept goes straight to the loop
			logger.Error("Ideation failed, generating directly", err, fields)
			s.broker.Publish(EventNotice, map[string]string{"message": ideationFailedMsg})
			s.startGeneration(concept)
		case result.Type == ideation.KindClarify:
			s.questions = result.Questions
			s.broker.Publish(EventClarification, map[string]any{
				"concept":   concept,
				"questions": result.Questions,
			})
			s.setPhase(models.PhaseClarifying)
		default:
			s.ideation = result.IdeationResult
			s.broker.Publish(EventIdeation, map[string]any{
				"concept":  concept,
				"ideation": result.IdeationResult,
				"fallback": result.Fallback,
			})
			s.setPhase(models.PhaseAwaiting)
		}
	}, nil)
}

// personas loads the user's saved personas; ideation goes on without them on error
func (s *Session) personas(ctx context.Context) []models.Persona {
	if s.m.repo == nil {
		return nil
	}
	personas, err := s.m.repo.ListPersonas(ctx, s.UserID)
	if err != nil {
		logger.Warn("Failed to load personas", logger.Fields{"session_id": s.ID, "error": err.Error()})
		return nil
	}
	return personas
}

// startGeneration appends the user turn and runs the loop. Attached reference
// images go to this generation only.
func (s *Session) startGeneration(prompt string) {
	files := s.pendingFiles
	s.pendingFiles = nil
	s.concept = ""
	s.answers = nil
	s.questions = nil
	s.ideation = nil

	s.messages = append(s.messages, llm.UserMessage(prompt, files...))
	s.setPhase(models.PhaseGenerating)
	log.Printf("🎨 Session %s generating: refs=%d queue=%d", s.ID, len(files), len(s.queue))
	s.startLoop(nil)
}

func (s *Session) startLoop(decision *models.ApprovalDecision) {
	ctx, epoch := s.beginLocked()
	in := loop.Input{
		Messages:  slices.Clone(s.messages),
		Settings:  s.settings,
		Decision:  decision,
		SessionID: s.ID,
		UserID:    s.UserID,
	}
	s.wg.Add(1)
	go s.runLoop(ctx, epoch, in)
}

func (s *Session) runLoop(ctx context.Context, epoch uint64, in loop.Input) {
	defer s.wg.Done()

	sink := loop.SinkFunc(func(_ context.Context, event loop.Event) error {
		s.publishLoop(epoch, event)
		return nil
	})
	out, err := s.m.runner.Run(ctx, in, sink)

	s.complete(epoch, "loop", func() {
		if err != nil {
			if errors.Is(err, loop.ErrCancelled) {
				s.salvageLocked(len(in.Messages), out)
				s.setPhase(models.PhaseIdle)
				return
			}
			logger.Error("Agent loop failed", err, logger.WithSession(s.ID, string(s.phase)))
			s.lastOutcome = models.OutcomeSynthesisError
			s.lastError = models.OutcomeSynthesisError.Message()
			s.broker.Publish(EventError, map[string]string{"message": s.lastError})
			s.advanceLocked()
			return
		}

		s.messages = out.Messages
		for _, cp := range models.Checkpoints(out.State.Attempts) {
			s.addCheckpoint(cp)
		}
		s.saveImages(out.State.Attempts)

		if out.Paused() {
			s.pending = out.Pending
			s.saveChat()
			return
		}

		s.lastOutcome = out.Outcome
		s.lastError = out.Error
		s.saveChat()
		s.advanceLocked()
	}, func() {
		s.salvageLocked(len(in.Messages), out)
	})
}

// salvageLocked keeps what a cancelled run finished. Images always reach the
// gallery; the transcript is merged only when no newer turn started on top of
// the history the run was given.
func (s *Session) salvageLocked(base int, out *loop.Output) {
	if out == nil {
		return
	}
	s.saveImages(out.State.Attempts)
	if len(s.messages) != base || len(out.Messages) <= base {
		log.Printf("🗑️  Dropping cancelled transcript for session %s", s.ID)
		return
	}
	s.messages = AnswerDangling(out.Messages, cancelledByUser)
	for _, cp := range models.Checkpoints(out.State.Attempts) {
		s.addCheckpoint(cp)
	}
	log.Printf("♻️  Session %s kept %d attempt(s) of a cancelled run", s.ID, len(out.State.Attempts))
	s.saveChat()
}

// publishLoop forwards loop events of the current epoch only
func (s *Session) publishLoop(epoch uint64, event loop.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || epoch != s.epoch {
		return
	}
	if event.Type == loop.EventCheckpoint && event.Checkpoint != nil {
		s.addCheckpoint(*event.Checkpoint)
	}
	s.broker.Publish(EventLoop, event)
}

// advanceLocked is the queue processor: on loop completion it pops the next
// concept and stays in generating, or goes idle when the queue is empty.
func (s *Session) advanceLocked() {
	if len(s.queue) == 0 {
		s.setPhase(models.PhaseIdle)
		return
	}
	next := s.queue[0]
	s.queue = slices.Clone(s.queue[1:])
	s.queueChanged()
	log.Printf("⏭️  Session %s: next queued concept (%d left)", s.ID, len(s.queue))
	s.startGeneration(next)
}
