// Package session hosts the per-chat phase machine and the concept queue that
// drive ideation and the agent loop.
package session

import (
	"context"
	"errors"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
	"github.com/Conceptual-Machines/nativeads-api/internal/llm"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

var (
	ErrBusy              = errors.New("session is busy")
	ErrEmptyInput        = errors.New("a concept or an image is required")
	ErrInvalidPhase      = errors.New("action is not allowed in the current phase")
	ErrNoPendingApproval = errors.New("no retry approval is pending")
	ErrStaleApproval     = errors.New("approval does not match the pending request")
	ErrQueueIndex        = errors.New("queue index out of range")
	ErrClosed            = errors.New("session is closed")
	ErrNotFound          = errors.New("session not found")
)

const (
	followUpPrompt    = "Refine or generate a new native ad"
	imagesOnlyPrompt  = "Generate a native ad with the attached images"
	ideationFailedMsg = "Failed to ideate, generating directly"
	cancelledByUser   = "cancelled by user"
)

// Snapshot is the full client-visible state, used on (re)connection
type Snapshot struct {
	ID           string                         `json:"id"`
	ChatID       string                         `json:"chatId,omitempty"`
	Phase        models.Phase                   `json:"phase"`
	Busy         bool                           `json:"busy"`
	Concept      string                         `json:"concept,omitempty"`
	Questions    []models.ClarificationQuestion `json:"questions,omitempty"`
	Answers      map[string]string              `json:"answers,omitempty"`
	Ideation     *models.IdeationResult         `json:"ideation,omitempty"`
	Queue        []string                       `json:"queue"`
	Settings     models.Settings                `json:"settings"`
	Pending      *models.ApprovalRequest        `json:"pending,omitempty"`
	Checkpoints  []models.Checkpoint            `json:"checkpoints,omitempty"`
	PendingFiles int                            `json:"pendingFiles,omitempty"`
	Messages     []llm.Message                  `json:"messages,omitempty"`
	LastOutcome  models.Outcome                 `json:"lastOutcome,omitempty"`
	LastError    string                         `json:"lastError,omitempty"`
	Cursor       uint64                         `json:"cursor"`
}

// Session is one user's live chat. All mutation goes through the transition
// methods; work that must not run under the lock is queued on jobs.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	m      *Manager
	broker *Broker

	mu           sync.Mutex
	phase        models.Phase
	epoch        uint64
	busy         bool
	cancel       context.CancelFunc
	concept      string
	answers      map[string]string
	questions    []models.ClarificationQuestion
	ideation     *models.IdeationResult
	queue        []string
	settings     models.Settings
	chatID       string
	messages     []llm.Message
	pendingFiles []string
	pending      *models.ApprovalRequest
	checkpoints  []models.Checkpoint
	seen         map[string]bool
	savedImages  map[string]bool
	lastOutcome  models.Outcome
	lastError    string
	lastActive   time.Time
	closed       bool
	jobs         []func()
	persistMu    sync.Mutex
	wg           sync.WaitGroup
}

// Events exposes the session's event stream
func (s *Session) Events() *Broker {
	return s.broker
}

// locked runs fn under the session lock, then runs the queued jobs
func (s *Session) locked(fn func() error) error {
	s.mu.Lock()
	var err error
	if s.closed {
		err = ErrClosed
	} else {
		s.lastActive = time.Now()
		err = fn()
	}
	jobs := s.jobs
	s.jobs = nil
	s.mu.Unlock()

	for _, job := range jobs {
		job()
	}
	return err
}

func (s *Session) later(job func()) {
	s.jobs = append(s.jobs, job)
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:           s.ID,
		ChatID:       s.chatID,
		Phase:        s.phase,
		Busy:         s.busy,
		Concept:      s.concept,
		Questions:    slices.Clone(s.questions),
		Ideation:     s.ideation,
		Queue:        slices.Clone(s.queue),
		Settings:     s.settings,
		Checkpoints:  slices.Clone(s.checkpoints),
		PendingFiles: len(s.pendingFiles),
		Messages:     StripFiles(s.messages),
		LastOutcome:  s.lastOutcome,
		LastError:    s.lastError,
		Cursor:       s.broker.Cursor(),
	}
	if snap.Queue == nil {
		snap.Queue = []string{}
	}
	if len(s.answers) > 0 {
		snap.Answers = make(map[string]string, len(s.answers))
		for k, v := range s.answers {
			snap.Answers[k] = v
		}
	}
	if s.pending != nil {
		p := *s.pending
		snap.Pending = &p
	}
	return snap
}

// Submit starts work on new user input. It is rejected unless the session is idle.
func (s *Session) Submit(text string, images []string) error {
	return s.locked(func() error {
		if s.phase != models.PhaseIdle || s.busy {
			return ErrBusy
		}
		text = strings.TrimSpace(text)
		if text == "" && len(images) == 0 {
			return ErrEmptyInput
		}
		if len(images) > 0 {
			s.pendingFiles = slices.Clone(images)
		}
		s.lastOutcome, s.lastError = "", ""

		switch {
		case len(s.messages) > 0:
			if text == "" {
				text = followUpPrompt
			}
			s.startGeneration(text)
		case text == "":
			s.startGeneration(imagesOnlyPrompt)
		default:
			s.startIdeation(text, nil)
		}
		return nil
	})
}

// Answer re-runs ideation with the user's clarification answers
func (s *Session) Answer(answers map[string]string) error {
	return s.locked(func() error {
		if s.phase != models.PhaseClarifying {
			return ErrInvalidPhase
		}
		merged := make(map[string]string, len(s.answers)+len(answers))
		for k, v := range s.answers {
			merged[k] = v
		}
		for k, v := range answers {
			if v = strings.TrimSpace(v); v != "" {
				merged[strings.TrimSpace(k)] = v
			}
		}
		s.startIdeation(s.concept, merged)
		return nil
	})
}

// Skip finalizes ideation with whatever answers were given so far
func (s *Session) Skip() error {
	return s.locked(func() error {
		if s.phase != models.PhaseClarifying {
			return ErrInvalidPhase
		}
		answers := make(map[string]string, len(s.answers))
		for k, v := range s.answers {
			answers[k] = v
		}
		s.startIdeation(s.concept, answers)
		return nil
	})
}

// Pick starts generation from a chosen prompt; empty picks the primary prompt
func (s *Session) Pick(prompt string) error {
	return s.locked(func() error {
		if s.phase != models.PhaseAwaiting {
			return ErrInvalidPhase
		}
		prompt = strings.TrimSpace(prompt)
		if prompt == "" && s.ideation != nil {
			prompt = s.ideation.PrimaryPrompt
		}
		if prompt == "" {
			return ErrEmptyInput
		}
		s.startGeneration(prompt)
		return nil
	})
}

// Enqueue appends concepts to the FIFO queue without changing phase
func (s *Session) Enqueue(concepts ...string) error {
	return s.locked(func() error {
		added := 0
		for _, c := range concepts {
			if c = strings.TrimSpace(c); c != "" {
				s.queue = append(s.queue, c)
				added++
			}
		}
		if added == 0 {
			return ErrEmptyInput
		}
		s.queueChanged()
		return nil
	})
}

// RemoveQueued drops one queued concept by index
func (s *Session) RemoveQueued(index int) error {
	return s.locked(func() error {
		if index < 0 || index >= len(s.queue) {
			return ErrQueueIndex
		}
		s.queue = slices.Delete(s.queue, index, index+1)
		s.queueChanged()
		return nil
	})
}

// UpdateSettings replaces the image settings used by the next synthesis
func (s *Session) UpdateSettings(settings models.Settings) error {
	return s.locked(func() error {
		s.settings = synthesis.WithDefaults(settings, s.m.opts.DefaultModel)
		s.broker.Publish(EventSettings, s.settings)
		return nil
	})
}

// Decide resolves the pending retry approval and resumes the loop
func (s *Session) Decide(decision models.ApprovalDecision) error {
	return s.locked(func() error {
		if s.pending == nil {
			return ErrNoPendingApproval
		}
		if s.busy {
			return ErrBusy
		}
		if decision.ApprovalID == "" {
			decision.ApprovalID = s.pending.ID
		}
		if decision.ApprovalID != s.pending.ID {
			return ErrStaleApproval
		}
		s.pending = nil
		s.startLoop(&decision)
		return nil
	})
}

// Reideate runs ideation again for the current or first concept of the chat
func (s *Session) Reideate() error {
	return s.locked(func() error {
		if (s.phase != models.PhaseIdle && s.phase != models.PhaseAwaiting) || s.busy {
			return ErrBusy
		}
		concept := s.concept
		if concept == "" {
			concept = firstUserText(s.messages)
		}
		if concept == "" {
			return ErrEmptyInput
		}
		s.startIdeation(concept, nil)
		return nil
	})
}

// Cancel aborts in-flight work and returns to idle. Completed attempts and the
// queue are kept; a pending approval is discarded.
func (s *Session) Cancel() error {
	return s.locked(func() error {
		s.abortLocked()
		return nil
	})
}

func (s *Session) abortLocked() {
	if s.phase == models.PhaseIdle && !s.busy && s.pending == nil {
		return
	}
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.busy = false

	if s.pending != nil {
		s.messages = AnswerDangling(s.messages, cancelledByUser)
		s.pending = nil
		s.saveChat()
	}

	s.concept = ""
	s.answers = nil
	s.questions = nil
	s.ideation = nil
	s.pendingFiles = nil
	log.Printf("🛑 Session %s cancelled (queue=%d)", s.ID, len(s.queue))
	s.setPhase(models.PhaseIdle)
}

func (s *Session) setPhase(phase models.Phase) {
	if s.phase == phase {
		return
	}
	s.phase = phase
	s.broker.Publish(EventPhase, map[string]any{"phase": phase})
}

func (s *Session) queueChanged() {
	queue := slices.Clone(s.queue)
	if queue == nil {
		queue = []string{}
	}
	s.broker.Publish(EventQueue, map[string]any{"queue": queue})
	s.saveQueue()
}

func (s *Session) addCheckpoint(cp models.Checkpoint) bool {
	if s.seen[cp.AttemptID] {
		return false
	}
	s.seen[cp.AttemptID] = true
	s.checkpoints = append(s.checkpoints, cp)
	return true
}
