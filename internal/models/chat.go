package models

import (
	"time"
)

// Chat is a persisted conversation with its serialized message transcript
type Chat struct {
	ID           string    `gorm:"primarykey;size:64" json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	UserID       string    `gorm:"not null;index" json:"user_id"`
	Title        string    `json:"title"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Messages     string    `gorm:"type:text" json:"-"` // JSON array of llm.Message
}

// GeneratedImage is a gallery entry for a mirrored image
type GeneratedImage struct {
	ID          string    `gorm:"primarykey;size:64" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UserID      string    `gorm:"not null;index" json:"user_id"`
	ChatID      string    `gorm:"index" json:"chat_id"`
	URL         string    `gorm:"not null" json:"url"`
	Prompt      string    `gorm:"type:text" json:"prompt"`
	Model       string    `json:"model"`
	AspectRatio string    `json:"aspect_ratio"`
	Score       int       `json:"score"`
	Passed      bool      `json:"passed"`
}

// QueuedConcept is one pending concept in a user's FIFO queue
type QueuedConcept struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UserID    string    `gorm:"not null;index:idx_queue_user_pos" json:"user_id"`
	Position  int       `gorm:"not null;index:idx_queue_user_pos" json:"position"`
	Concept   string    `gorm:"type:text;not null" json:"concept"`
}

// Persona is a saved audience description the user can reuse across concepts
type Persona struct {
	ID          string    `gorm:"primarykey;size:64" json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	UserID      string    `gorm:"not null;index" json:"user_id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `gorm:"type:text;not null" json:"description"`
}
