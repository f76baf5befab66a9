package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"thumbnailer/internal/models"
	"thumbnailer/internal/storage"
)

// setupPostgres spins up a Postgres container and returns a migrated Storage.
func setupPostgres(t *testing.T) *storage.Storage {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("images_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := storage.NewStorage(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPostgres_ImageLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupPostgres(t)
	ctx := context.Background()

	img := &models.Image{OriginalURL: "uploads/123e4567-e89b-12d3-a456-426614174000_cat.png"}
	require.NoError(t, s.SaveImage(ctx, img))

	got, err := s.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, got.Status)
	assert.Nil(t, got.Thumbnails)

	sess, err := s.Session(ctx)
	require.NoError(t, err)
	defer sess.Close()

	ok, err := sess.UpdateStatus(ctx, img.ID, models.StatusProcessing)
	require.NoError(t, err)
	assert.True(t, ok)

	thumbs := map[string]string{
		"100x100":   "uploads/thumb_100x100_cat.png",
		"300x300":   "uploads/thumb_300x300_cat.png",
		"1200x1200": "uploads/thumb_1200x1200_cat.png",
	}
	ok, err = sess.UpdateThumbnails(ctx, img.ID, thumbs)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sess.UpdateStatus(ctx, img.ID, models.StatusDone)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetImage(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, got.Status)
	assert.Equal(t, thumbs, got.Thumbnails)
}

func TestPostgres_MissingRecord(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := setupPostgres(t)
	ctx := context.Background()

	_, err := s.GetImage(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	sess, err := s.Session(ctx)
	require.NoError(t, err)
	defer sess.Close()

	ok, err := sess.UpdateStatus(ctx, uuid.New(), models.StatusError)
	require.NoError(t, err)
	assert.False(t, ok)
}
