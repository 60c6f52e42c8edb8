package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

// MemoryStore keeps everything in process; used for local runs and tests
type MemoryStore struct {
	mu     sync.RWMutex
	chats  map[string]models.Chat
	images   []models.GeneratedImage
	queues   map[string][]string
	personas []models.Persona
}

// NewMemory creates an empty in-memory repository
func NewMemory() *MemoryStore {
	return &MemoryStore{
		chats:  make(map[string]models.Chat),
		queues: make(map[string][]string),
	}
}

func (s *MemoryStore) UpsertChat(_ context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.chats[chat.ID]; ok {
		chat.CreatedAt = existing.CreatedAt
	} else if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = now
	s.chats[chat.ID] = *chat
	return nil
}

func (s *MemoryStore) GetChat(_ context.Context, userID, chatID string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[chatID]
	if !ok || chat.UserID != userID {
		return nil, ErrNotFound
	}
	return &chat, nil
}

func (s *MemoryStore) ListChats(_ context.Context, userID string, limit int) ([]models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Chat
	for _, chat := range s.chats {
		if chat.UserID == userID {
			chat.Messages = ""
			out = append(out, chat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) DeleteChat(_ context.Context, userID, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok || chat.UserID != userID {
		return ErrNotFound
	}
	delete(s.chats, chatID)
	return nil
}

func (s *MemoryStore) SaveImage(_ context.Context, image *models.GeneratedImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if image.CreatedAt.IsZero() {
		image.CreatedAt = time.Now()
	}
	s.images = append(s.images, *image)
	return nil
}

func (s *MemoryStore) ListImages(_ context.Context, userID string, limit int) ([]models.GeneratedImage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.GeneratedImage
	for i := len(s.images) - 1; i >= 0 && len(out) < listLimit(limit); i-- {
		if s.images[i].UserID == userID {
			out = append(out, s.images[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveQueue(_ context.Context, userID string, concepts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[userID] = slices.Clone(concepts)
	return nil
}

func (s *MemoryStore) LoadQueue(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.queues[userID])
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (s *MemoryStore) CreatePersona(_ context.Context, persona *models.Persona) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if persona.CreatedAt.IsZero() {
		persona.CreatedAt = time.Now()
	}
	s.personas = append(s.personas, *persona)
	return nil
}

func (s *MemoryStore) ListPersonas(_ context.Context, userID string) ([]models.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Persona{}
	for i := len(s.personas) - 1; i >= 0; i-- {
		if s.personas[i].UserID == userID {
			out = append(out, s.personas[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) DeletePersona(_ context.Context, userID, personaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.personas {
		if p.ID == personaID && p.UserID == userID {
			s.personas = slices.Delete(s.personas, i, i+1)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
