package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"thumbnailer/internal/models"
)

func StatusKey(id uuid.UUID) string {
	return fmt.Sprintf("image:status:%s", id)
}

// StatusCache mirrors image status into Redis so status polling skips the database.
// Cache writes are best effort; the database stays authoritative.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewStatusCache(redisURL string, ttl time.Duration, logger *slog.Logger) (*StatusCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("storage.NewStatusCache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusCache{client: redis.NewClient(opts), ttl: ttl, logger: logger}, nil
}

func (c *StatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *StatusCache) Close() error {
	return c.client.Close()
}

func (c *StatusCache) SetStatus(ctx context.Context, id uuid.UUID, status models.Status) error {
	return c.client.Set(ctx, StatusKey(id), string(status), c.ttl).Err()
}

func (c *StatusCache) GetStatus(ctx context.Context, id uuid.UUID) (models.Status, bool, error) {
	val, err := c.client.Get(ctx, StatusKey(id)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.Status(val), true, nil
}

// Wrap returns Sessions whose successful status updates are also written to the cache.
func (c *StatusCache) Wrap(inner Sessions) Sessions {
	return &cachedSessions{inner: inner, cache: c}
}

type cachedSessions struct {
	inner Sessions
	cache *StatusCache
}

func (s *cachedSessions) Session(ctx context.Context) (Session, error) {
	sess, err := s.inner.Session(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedSession{Session: sess, cache: s.cache}, nil
}

type cachedSession struct {
	Session
	cache *StatusCache
}

func (s *cachedSession) UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status) (bool, error) {
	ok, err := s.Session.UpdateStatus(ctx, id, status)
	if err != nil || !ok {
		return ok, err
	}
	if cerr := s.cache.SetStatus(ctx, id, status); cerr != nil {
		s.cache.logger.Warn("status cache write failed", "image_id", id, "status", status, "error", cerr)
	}
	return ok, nil
}
