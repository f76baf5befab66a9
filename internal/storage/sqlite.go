package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"thumbnailer/internal/models"
)

type imageRow struct {
	ID          string                                 `gorm:"type:text;primaryKey"`
	Status      string                                 `gorm:"not null;default:NEW;index"`
	OriginalURL string                                 `gorm:"not null"`
	Thumbnails  *datatypes.JSONType[map[string]string] `gorm:"type:json"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (imageRow) TableName() string {
	return "images"
}

// SQLite is a single-file backend for local runs and tests.
type SQLite struct {
	db *gorm.DB
}

func NewSQLite(dsn string) (*SQLite, error) {
	const op = "storage.NewSQLite"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := db.AutoMigrate(&imageRow{}); err != nil {
		return nil, fmt.Errorf("%s: migrate: %w", op, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (s *SQLite) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLite) Session(ctx context.Context) (Session, error) {
	return &sqliteSession{db: s.db.Session(&gorm.Session{NewDB: true, Context: ctx})}, nil
}

func (s *SQLite) SaveImage(ctx context.Context, img *models.Image) error {
	const op = "storage.SaveImage"

	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	if img.Status == "" {
		img.Status = models.StatusNew
	}
	row := imageRow{
		ID:          img.ID.String(),
		Status:      string(img.Status),
		OriginalURL: img.OriginalURL,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	img.CreatedAt = row.CreatedAt
	img.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *SQLite) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	const op = "storage.GetImage"

	var row imageRow
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	img := &models.Image{
		ID:          id,
		Status:      models.Status(row.Status),
		OriginalURL: row.OriginalURL,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.Thumbnails != nil {
		img.Thumbnails = row.Thumbnails.Data()
	}
	return img, nil
}

type sqliteSession struct {
	db *gorm.DB
}

func (s *sqliteSession) UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status) (bool, error) {
	const op = "storage.UpdateStatus"
	res := s.db.WithContext(ctx).Model(&imageRow{}).
		Where("id = ?", id.String()).
		Update("status", string(status))
	if res.Error != nil {
		return false, fmt.Errorf("%s: %w", op, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *sqliteSession) UpdateThumbnails(ctx context.Context, id uuid.UUID, thumbnails map[string]string) (bool, error) {
	const op = "storage.UpdateThumbnails"
	value := datatypes.NewJSONType(thumbnails)
	res := s.db.WithContext(ctx).Model(&imageRow{}).
		Where("id = ?", id.String()).
		Update("thumbnails", value)
	if res.Error != nil {
		return false, fmt.Errorf("%s: %w", op, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *sqliteSession) Close() {}
