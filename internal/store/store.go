// Package store persists chats, generated images and concept queues.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Conceptual-Machines/nativeads-api/internal/config"
	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

// ErrNotFound is returned when a record does not exist for the user
var ErrNotFound = errors.New("record not found")

const defaultListLimit = 50

// Repository is the persistence sink for completed results.
// Every read is scoped to a user.
type Repository interface {
	// UpsertChat creates or replaces a chat by ID
	UpsertChat(ctx context.Context, chat *models.Chat) error

	// GetChat returns one chat with its transcript
	GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error)

	// ListChats returns the most recently updated chats, without transcripts
	ListChats(ctx context.Context, userID string, limit int) ([]models.Chat, error)

	// DeleteChat removes a chat; images already in the gallery are kept
	DeleteChat(ctx context.Context, userID, chatID string) error

	// SaveImage records a mirrored image in the gallery
	SaveImage(ctx context.Context, image *models.GeneratedImage) error

	// ListImages returns the newest gallery entries
	ListImages(ctx context.Context, userID string, limit int) ([]models.GeneratedImage, error)

	// SaveQueue replaces the user's pending concept queue
	SaveQueue(ctx context.Context, userID string, concepts []string) error

	// LoadQueue returns the pending concepts in FIFO order
	LoadQueue(ctx context.Context, userID string) ([]string, error)

	// CreatePersona saves a reusable persona
	CreatePersona(ctx context.Context, persona *models.Persona) error

	// ListPersonas returns the user's personas, newest first
	ListPersonas(ctx context.Context, userID string) ([]models.Persona, error)

	// DeletePersona removes one persona
	DeletePersona(ctx context.Context, userID, personaID string) error

	// Ping verifies connectivity
	Ping(ctx context.Context) error

	// Close releases the connection
	Close() error
}

// New opens the repository selected by DB_DRIVER
func New(cfg *config.Config) (Repository, error) {
	switch strings.ToLower(cfg.DBDriver) {
	case config.DBDriverPostgres:
		return NewGorm(cfg.DatabaseURL)
	case config.DBDriverSQLite:
		return NewSQLite(cfg.SQLitePath)
	case config.DBDriverMemory, "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
