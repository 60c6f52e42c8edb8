package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

// SQLiteStore implements Repository for self-hosted single-node deployments
type SQLiteStore struct {
	db      *sql.DB
	queueMu sync.Mutex // serializes queue rewrites to avoid SQLITE_BUSY
}

// NewSQLite opens (or creates) the database at dbPath
func NewSQLite(dbPath string) (Repository, error) {
	return newSQLite(dbPath)
}

func newSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		thumbnail_url TEXT NOT NULL DEFAULT '',
		messages TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_user_updated ON chats(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS generated_images (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		chat_id TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		aspect_ratio TEXT NOT NULL DEFAULT '',
		score INTEGER NOT NULL DEFAULT 0,
		passed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_images_user_created ON generated_images(user_id, created_at);

	CREATE TABLE IF NOT EXISTS queued_concepts (
		user_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		concept TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, position)
	);

	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_personas_user_created ON personas(user_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertChat(ctx context.Context, chat *models.Chat) error {
	now := time.Now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = now

	query := `
	INSERT INTO chats (id, user_id, title, thumbnail_url, messages, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		thumbnail_url = excluded.thumbnail_url,
		messages = excluded.messages,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		chat.ID, chat.UserID, chat.Title, chat.ThumbnailURL, chat.Messages,
		chat.CreatedAt.UnixMilli(), chat.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	query := `
		SELECT id, user_id, title, thumbnail_url, messages, created_at, updated_at
		FROM chats WHERE id = ? AND user_id = ?`

	var chat models.Chat
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(
		&chat.ID, &chat.UserID, &chat.Title, &chat.ThumbnailURL, &chat.Messages, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	chat.CreatedAt = time.UnixMilli(createdAt)
	chat.UpdatedAt = time.UnixMilli(updatedAt)
	return &chat, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, userID string, limit int) ([]models.Chat, error) {
	query := `
		SELECT id, user_id, title, thumbnail_url, created_at, updated_at
		FROM chats WHERE user_id = ?
		ORDER BY updated_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var chat models.Chat
		var createdAt, updatedAt int64
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.ThumbnailURL, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chat.CreatedAt = time.UnixMilli(createdAt)
		chat.UpdatedAt = time.UnixMilli(updatedAt)
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveImage(ctx context.Context, image *models.GeneratedImage) error {
	if image.CreatedAt.IsZero() {
		image.CreatedAt = time.Now()
	}
	query := `
	INSERT INTO generated_images (id, user_id, chat_id, url, prompt, model, aspect_ratio, score, passed, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		image.ID, image.UserID, image.ChatID, image.URL, image.Prompt, image.Model,
		image.AspectRatio, image.Score, image.Passed, image.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListImages(ctx context.Context, userID string, limit int) ([]models.GeneratedImage, error) {
	query := `
		SELECT id, user_id, chat_id, url, prompt, model, aspect_ratio, score, passed, created_at
		FROM generated_images WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var images []models.GeneratedImage
	for rows.Next() {
		var img models.GeneratedImage
		var createdAt int64
		if err := rows.Scan(&img.ID, &img.UserID, &img.ChatID, &img.URL, &img.Prompt, &img.Model,
			&img.AspectRatio, &img.Score, &img.Passed, &createdAt); err != nil {
			return nil, fmt.Errorf("scan image row: %w", err)
		}
		img.CreatedAt = time.UnixMilli(createdAt)
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *SQLiteStore) SaveQueue(ctx context.Context, userID string, concepts []string) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queued_concepts WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	now := time.Now().UnixMilli()
	for i, c := range concepts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queued_concepts (user_id, position, concept, created_at) VALUES (?, ?, ?, ?)`,
			userID, i, c, now); err != nil {
			return fmt.Errorf("save queue: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadQueue(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT concept FROM queued_concepts WHERE user_id = ? ORDER BY position ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreatePersona(ctx context.Context, persona *models.Persona) error {
	if persona.CreatedAt.IsZero() {
		persona.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO personas (id, user_id, name, description, created_at) VALUES (?, ?, ?, ?, ?)`,
		persona.ID, persona.UserID, persona.Name, persona.Description, persona.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create persona: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPersonas(ctx context.Context, userID string) ([]models.Persona, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, description, created_at
		FROM personas WHERE user_id = ?
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	personas := []models.Persona{}
	for rows.Next() {
		var p models.Persona
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan persona row: %w", err)
		}
		p.CreatedAt = time.UnixMilli(createdAt)
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

func (s *SQLiteStore) DeletePersona(ctx context.Context, userID, personaID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE id = ? AND user_id = ?`, personaID, userID)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
