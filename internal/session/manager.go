package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Conceptual-Machines/nativeads-api/internal/agents/ideation"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/loop"
	"github.com/Conceptual-Machines/nativeads-api/internal/agents/synthesis"
	"github.com/Conceptual-Machines/nativeads-api/internal/logger"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
	"github.com/Conceptual-Machines/nativeads-api/internal/store"
)

// Ideator clarifies and ideates a concept, offering the user's saved personas
type Ideator interface {
	Ideate(ctx context.Context, concept string, answers map[string]string, personas ...models.Persona) (*ideation.Result, error)
}

// Runner executes or resumes one agent loop turn
type Runner interface {
	Run(ctx context.Context, in loop.Input, sink loop.Sink) (*loop.Output, error)
}

// Options configure a Manager
type Options struct {
	DefaultModel string
	HistorySize  int
	// IdleTimeout closes sessions without activity or work in flight; zero disables reaping
	IdleTimeout time.Duration
}

// Manager owns the live sessions of every user
type Manager struct {
	ideator Ideator
	runner  Runner
	repo    store.Repository
	opts    Options

	ctx  context.Context
	stop context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. repo may be nil to disable persistence.
func NewManager(ideator Ideator, runner Runner, repo store.Repository, opts Options) *Manager {
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	ctx, stop := context.WithCancel(context.Background())

	log.Printf("🗂️  SESSION MANAGER INITIALIZED: history=%d idle_timeout=%v persistence=%t",
		opts.HistorySize, opts.IdleTimeout, repo != nil)

	return &Manager{
		ideator:  ideator,
		runner:   runner,
		repo:     repo,
		opts:     opts,
		ctx:      ctx,
		stop:     stop,
		sessions: make(map[string]*Session),
	}
}

// Create opens a session, resuming the saved chat when chatID is set.
// The user's persisted queue is restored.
func (m *Manager) Create(ctx context.Context, userID, chatID string, settings models.Settings) (*Session, error) {
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		CreatedAt:   time.Now(),
		m:           m,
		broker:      NewBroker(m.opts.HistorySize),
		phase:       models.PhaseIdle,
		settings:    synthesis.WithDefaults(settings, m.opts.DefaultModel),
		seen:        make(map[string]bool),
		savedImages: make(map[string]bool),
		lastActive:  time.Now(),
	}

	if m.repo != nil {
		if chatID != "" {
			chat, err := m.repo.GetChat(ctx, userID, chatID)
			if err != nil {
				return nil, err
			}
			messages, err := DecodeMessages(chat.Messages)
			if err != nil {
				return nil, fmt.Errorf("decode chat %s: %w", chatID, err)
			}
			s.chatID = chat.ID
			// a chat saved while paused on an approval has no one left to decide it
			s.messages = AnswerDangling(messages, cancelledByUser)
			for _, cp := range DeriveCheckpoints(messages) {
				s.addCheckpoint(cp)
			}
		}

		queue, err := m.repo.LoadQueue(ctx, userID)
		if err != nil {
			logger.Error("Failed to load queue", err, logger.Fields{"user_id": userID})
		} else {
			s.queue = queue
		}
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Printf("🆕 Session %s created for user %s (chat=%q, messages=%d, queue=%d)",
		s.ID, userID, s.chatID, len(s.messages), len(s.queue))
	return s, nil
}

// Get returns a live session owned by userID
func (m *Manager) Get(userID, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.UserID != userID {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close tears a session down, discarding any pending approval
func (m *Manager) Close(userID, id string) error {
	s, err := m.Get(userID, id)
	if err != nil {
		return err
	}
	m.remove(s)
	return nil
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	s.close()
}

// Reap closes sessions idle since before now-IdleTimeout with nothing in flight.
// A session paused on an approval is kept; its user may still decide.
func (m *Manager) Reap(now time.Time) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		stale := !s.busy && s.pending == nil && now.Sub(s.lastActive) > m.opts.IdleTimeout
		s.mu.Unlock()
		if stale {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		m.remove(s)
	}
	if len(idle) > 0 {
		log.Printf("🧹 Reaped %d idle session(s)", len(idle))
	}
	return len(idle)
}

// Run reaps idle sessions until ctx is done
func (m *Manager) Run(ctx context.Context) {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(m.opts.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Reap(now)
		}
	}
}

// Shutdown cancels all work and waits for background runs to return
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.close()
			s.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		log.Printf("👋 Session manager stopped (%d session(s) closed)", len(sessions))
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("session manager shutdown timed out"), ctx.Err())
	}
}

// close discards in-flight work and ends the event stream
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.abortLocked()
	s.closed = true
	jobs := s.jobs
	s.jobs = nil
	s.mu.Unlock()

	for _, job := range jobs {
		job()
	}
	s.broker.Publish(EventClosed, map[string]string{"id": s.ID})
	s.broker.Close()
	log.Printf("🔒 Session %s closed", s.ID)
}
