package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Conceptual-Machines/nativeads-api/internal/models"
)

// GormStore implements Repository on Postgres
type GormStore struct {
	db *gorm.DB
}

// NewGorm connects to Postgres and migrates the schema
func NewGorm(dsn string) (Repository, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres driver")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return newGormStore(db)
}

func newGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&models.Chat{}, &models.GeneratedImage{}, &models.QueuedConcept{}, &models.Persona{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Printf("✅ Database connected (%s)", db.Dialector.Name())
	return &GormStore{db: db}, nil
}

func (s *GormStore) UpsertChat(ctx context.Context, chat *models.Chat) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at", "title", "thumbnail_url", "messages"}),
	}).Create(chat).Error
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

func (s *GormStore) GetChat(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", chatID, userID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &chat, nil
}

func (s *GormStore) ListChats(ctx context.Context, userID string, limit int) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.WithContext(ctx).
		Select("id", "created_at", "updated_at", "user_id", "title", "thumbnail_url").
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(listLimit(limit)).
		Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

func (s *GormStore) DeleteChat(ctx context.Context, userID, chatID string) error {
	result := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", chatID, userID).Delete(&models.Chat{})
	if result.Error != nil {
		return fmt.Errorf("delete chat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SaveImage(ctx context.Context, image *models.GeneratedImage) error {
	if err := s.db.WithContext(ctx).Create(image).Error; err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

func (s *GormStore) ListImages(ctx context.Context, userID string, limit int) ([]models.GeneratedImage, error) {
	var images []models.GeneratedImage
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(listLimit(limit)).
		Find(&images).Error
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	return images, nil
}

func (s *GormStore) SaveQueue(ctx context.Context, userID string, concepts []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.QueuedConcept{}).Error; err != nil {
			return fmt.Errorf("clear queue: %w", err)
		}
		if len(concepts) == 0 {
			return nil
		}
		rows := make([]models.QueuedConcept, len(concepts))
		for i, c := range concepts {
			rows[i] = models.QueuedConcept{UserID: userID, Position: i, Concept: c}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("save queue: %w", err)
		}
		return nil
	})
}

func (s *GormStore) LoadQueue(ctx context.Context, userID string) ([]string, error) {
	var rows []models.QueuedConcept
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("position ASC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Concept
	}
	return out, nil
}

func (s *GormStore) CreatePersona(ctx context.Context, persona *models.Persona) error {
	if err := s.db.WithContext(ctx).Create(persona).Error; err != nil {
		return fmt.Errorf("create persona: %w", err)
	}
	return nil
}

func (s *GormStore) ListPersonas(ctx context.Context, userID string) ([]models.Persona, error) {
	var personas []models.Persona
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&personas).Error
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	return personas, nil
}

func (s *GormStore) DeletePersona(ctx context.Context, userID, personaID string) error {
	result := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", personaID, userID).Delete(&models.Persona{})
	if result.Error != nil {
		return fmt.Errorf("delete persona: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
