package session

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Conceptual-Machines/nativeads-api/internal/logger"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

const persistTimeout = 10 * time.Second

// persist runs a write after the session lock is released. Writes of one
// session are serialized, and each reads the latest state, so the last wins.
func (s *Session) persist(name string, write func(ctx context.Context) error) {
	if s.m.repo == nil {
		return
	}
	s.later(func() {
		s.persistMu.Lock()
		defer s.persistMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			logger.Error("Failed to persist "+name, err, logger.Fields{
				"session_id": s.ID,
				"user_id":    s.UserID,
			})
		}
	})
}

func (s *Session) ensureChatID() string {
	if s.chatID == "" {
		s.chatID = uuid.NewString()
	}
	return s.chatID
}

// saveChat upserts the transcript without inline files
func (s *Session) saveChat() {
	if len(s.messages) == 0 {
		return
	}
	s.ensureChatID()
	s.persist("chat", func(ctx context.Context) error {
		s.mu.Lock()
		messages := StripFiles(s.messages)
		chat := &models.Chat{
			ID:           s.chatID,
			UserID:       s.UserID,
			Title:        ExtractTitle(s.messages),
			ThumbnailURL: ExtractThumbnail(s.messages),
		}
		s.mu.Unlock()

		raw, err := json.Marshal(messages)
		if err != nil {
			return err
		}
		chat.Messages = string(raw)
		return s.m.repo.UpsertChat(ctx, chat)
	})
}

// saveImages adds newly mirrored attempts to the gallery once each
func (s *Session) saveImages(attempts []models.GenerationAttempt) {
	var images []*models.GeneratedImage
	for _, a := range attempts {
		if a.ImageURL == nil || s.savedImages[a.ID] {
			continue
		}
		s.savedImages[a.ID] = true
		img := &models.GeneratedImage{
			ID:          uuid.NewString(),
			CreatedAt:   a.CreatedAt,
			UserID:      s.UserID,
			ChatID:      s.ensureChatID(),
			URL:         *a.ImageURL,
			Prompt:      a.Prompt,
			Model:       s.settings.Model,
			AspectRatio: s.settings.AspectRatio,
		}
		if a.ReviewScore != nil {
			img.Score = *a.ReviewScore
		}
		if a.Passed != nil {
			img.Passed = *a.Passed
		}
		images = append(images, img)
	}
	if len(images) == 0 {
		return
	}
	s.persist("images", func(ctx context.Context) error {
		for _, img := range images {
			if err := s.m.repo.SaveImage(ctx, img); err != nil {
				return err
			}
		}
		return nil
	})
}

// saveQueue stores the queue as it is when the write runs
func (s *Session) saveQueue() {
	s.persist("queue", func(ctx context.Context) error {
		s.mu.Lock()
		queue := slices.Clone(s.queue)
		s.mu.Unlock()
		return s.m.repo.SaveQueue(ctx, s.UserID, queue)
	})
}
