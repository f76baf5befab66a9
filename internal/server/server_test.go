package server_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thumbnailer/internal/models"
	"thumbnailer/internal/server"
	"thumbnailer/internal/storage"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []models.JobEnvelope
	queues    []string
	err       error
	down      bool
}

func (p *fakePublisher) Publish(_ context.Context, queue string, msg any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.queues = append(p.queues, queue)
	p.published = append(p.published, msg.(models.JobEnvelope))
	return nil
}

func (p *fakePublisher) Connected() bool { return !p.down }

type fixture struct {
	cfg   *models.Config
	store *storage.SQLite
	pub   *fakePublisher
	cache *storage.StatusCache
	srv   *server.Server
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &models.Config{
		ServerAddr:  ":0",
		StoragePath: t.TempDir(),
		UploadDir:   "uploads",
		Broker:      models.BrokerConfig{Queue: "images"},
	}
	store, err := storage.NewSQLite(fmt.Sprintf("file:server-%d?mode=memory&cache=shared", time.Now().UnixNano()))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	f := &fixture{cfg: cfg, store: store, pub: &fakePublisher{}}
	var reader server.StatusReader
	if withCache {
		mr := miniredis.RunT(t)
		f.cache, err = storage.NewStatusCache("redis://"+mr.Addr(), time.Hour, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = f.cache.Close() })
		reader = f.cache
	}
	f.srv = server.NewServer(cfg, store, f.pub, reader, nil)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, field, name string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestUpload_StoresRecordsAndPublishes(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(uploadRequest(t, "file", "cat.png", []byte("not really a png")))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decode(t, w)
	id := uuid.MustParse(resp["id"].(string))
	assert.Equal(t, "NEW", resp["status"])

	wantPath := "uploads/" + id.String() + "_cat.png"
	data, err := os.ReadFile(filepath.Join(f.cfg.StoragePath, wantPath))
	require.NoError(t, err)
	assert.Equal(t, "not really a png", string(data))

	img, err := f.store.GetImage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, img.Status)
	assert.Equal(t, wantPath, img.OriginalURL)

	require.Len(t, f.pub.published, 1)
	env := f.pub.published[0]
	assert.Equal(t, "images", f.pub.queues[0])
	assert.Equal(t, id.String(), env.ImageID)
	assert.Equal(t, wantPath, env.FilePath)
	assert.Equal(t, resp["task_id"], env.TaskID)
}

func TestUpload_MissingFile(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(uploadRequest(t, "image", "cat.png", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.pub.published)
}

func TestUpload_PublishFailureLeavesRecordNew(t *testing.T) {
	f := newFixture(t, false)
	f.pub.err = errors.New("broker connection error")

	w := f.do(uploadRequest(t, "file", "cat.png", []byte("x")))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	entries, err := os.ReadDir(filepath.Join(f.cfg.StoragePath, "uploads"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	id := uuid.MustParse(entries[0].Name()[:36])

	img, err := f.store.GetImage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, img.Status)
}

func TestGetImage(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	img := &models.Image{OriginalURL: "uploads/x_a.jpg"}
	require.NoError(t, f.store.SaveImage(ctx, img))
	sess, err := f.store.Session(ctx)
	require.NoError(t, err)
	_, err = sess.UpdateThumbnails(ctx, img.ID, map[string]string{"100x100": "uploads/thumb_100x100_a.jpg"})
	require.NoError(t, err)
	_, err = sess.UpdateStatus(ctx, img.ID, models.StatusDone)
	require.NoError(t, err)
	sess.Close()

	w := f.do(httptest.NewRequest(http.MethodGet, "/image/"+img.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.Equal(t, img.ID.String(), resp["id"])
	assert.Equal(t, "DONE", resp["status"])
	assert.Equal(t, "uploads/x_a.jpg", resp["original_url"])
	assert.Equal(t, map[string]any{"100x100": "uploads/thumb_100x100_a.jpg"}, resp["thumbnails"])
}

func TestGetImage_Errors(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(httptest.NewRequest(http.MethodGet, "/image/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/image/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetImage_DatabaseWinsOverStaleCache(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	w := f.do(uploadRequest(t, "file", "cat.png", []byte("x")))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := uuid.MustParse(decode(t, w)["id"].(string))

	// worker finished without reaching the cache
	sess, err := f.store.Session(ctx)
	require.NoError(t, err)
	_, err = sess.UpdateThumbnails(ctx, id, map[string]string{"100x100": "uploads/thumb_100x100_cat.png"})
	require.NoError(t, err)
	_, err = sess.UpdateStatus(ctx, id, models.StatusDone)
	require.NoError(t, err)
	sess.Close()

	cached, ok, err := f.cache.GetStatus(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.StatusNew, cached)

	w = f.do(httptest.NewRequest(http.MethodGet, "/image/"+id.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "DONE", resp["status"])
	assert.Equal(t, map[string]any{"100x100": "uploads/thumb_100x100_cat.png"}, resp["thumbnails"])
}

func TestGetImage_EmptyThumbnailsBeforeDone(t *testing.T) {
	f := newFixture(t, false)

	img := &models.Image{OriginalURL: "uploads/x_a.jpg"}
	require.NoError(t, f.store.SaveImage(context.Background(), img))

	w := f.do(httptest.NewRequest(http.MethodGet, "/image/"+img.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":"`+img.ID.String()+`","status":"NEW","original_url":"uploads/x_a.jpg","thumbnails":{}}`, w.Body.String())
}

func TestGetImage_CachedStatusWhenDatabaseDown(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	img := &models.Image{OriginalURL: "uploads/x_a.jpg"}
	require.NoError(t, f.store.SaveImage(ctx, img))
	require.NoError(t, f.cache.SetStatus(ctx, img.ID, models.StatusProcessing))
	f.store.Close()

	w := f.do(httptest.NewRequest(http.MethodGet, "/image/"+img.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "PROCESSING", resp["status"])
	assert.Equal(t, map[string]any{}, resp["thumbnails"])
}

func TestGetImage_TerminalCacheNeedsDatabase(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	img := &models.Image{OriginalURL: "uploads/x_a.jpg"}
	require.NoError(t, f.store.SaveImage(ctx, img))
	require.NoError(t, f.cache.SetStatus(ctx, img.ID, models.StatusDone))
	f.store.Close()

	w := f.do(httptest.NewRequest(http.MethodGet, "/image/"+img.ID.String(), nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestUpload_SeedsCache(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(uploadRequest(t, "file", "cat.png", []byte("x")))
	require.Equal(t, http.StatusAccepted, w.Code)
	id := uuid.MustParse(decode(t, w)["id"].(string))

	status, ok, err := f.cache.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.StatusNew, status)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, true)

	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"database": "ok", "broker": "ok", "cache": "ok"}, decode(t, w))

	f.pub.down = true
	w = f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "disconnected", decode(t, w)["broker"])
}
