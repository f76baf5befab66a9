// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"thumbnailer/internal/models"
)

var ErrNotFound = errors.New("image not found")

// Session is the data access a single job needs. Update methods report whether a
// row was affected; zero rows is not an error.
type Session interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status) (bool, error)
	UpdateThumbnails(ctx context.Context, id uuid.UUID, thumbnails map[string]string) (bool, error)
	Close()
}

// Sessions hands out one Session per job.
type Sessions interface {
	Session(ctx context.Context) (Session, error)
}

// Records is the ingestion side: creating and reading image records.
type Records interface {
	SaveImage(ctx context.Context, img *models.Image) error
	GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error)
	Ping(ctx context.Context) error
}

type Store interface {
	Sessions
	Records
	Close()
}

// Open picks the backend for driver.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case models.DriverSQLite:
		s, err := NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case models.DriverPostgres:
		s, err := NewStorage(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storage.Open: unknown driver %q", driver)
	}
}

type Storage struct {
	pool *pgxpool.Pool
}

func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := runMigrations(db); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Session acquires a dedicated connection; Close releases it back to the pool.
func (s *Storage) Session(ctx context.Context) (Session, error) {
	const op = "storage.Session"
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &pgSession{conn: conn}, nil
}

func (s *Storage) SaveImage(ctx context.Context, img *models.Image) error {
	const op = "storage.SaveImage"

	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	if img.Status == "" {
		img.Status = models.StatusNew
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO images (id, status, original_url)
		 VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		img.ID, string(img.Status), img.OriginalURL,
	).Scan(&img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetImage(ctx context.Context, id uuid.UUID) (*models.Image, error) {
	const op = "storage.GetImage"

	var (
		img    models.Image
		status string
		thumbs []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, original_url, thumbnails, created_at, updated_at
		 FROM images WHERE id = $1`, id,
	).Scan(&img.ID, &status, &img.OriginalURL, &thumbs, &img.CreatedAt, &img.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	img.Status = models.Status(status)
	if len(thumbs) > 0 {
		if err := sonic.Unmarshal(thumbs, &img.Thumbnails); err != nil {
			return nil, fmt.Errorf("%s: decode thumbnails: %w", op, err)
		}
	}
	return &img, nil
}

type pgSession struct {
	conn *pgxpool.Conn
}

func (s *pgSession) UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status) (bool, error) {
	const op = "storage.UpdateStatus"
	tag, err := s.conn.Exec(ctx,
		`UPDATE images SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgSession) UpdateThumbnails(ctx context.Context, id uuid.UUID, thumbnails map[string]string) (bool, error) {
	const op = "storage.UpdateThumbnails"
	raw, err := sonic.Marshal(thumbnails)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	tag, err := s.conn.Exec(ctx,
		`UPDATE images SET thumbnails = $2::jsonb, updated_at = NOW() WHERE id = $1`, id, string(raw))
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgSession) Close() {
	s.conn.Release()
}
