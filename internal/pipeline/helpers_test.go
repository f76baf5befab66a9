package pipeline_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"thumbnailer/internal/models"
	"thumbnailer/internal/storage"
)

const uploadID = "123e4567-e89b-12d3-a456-426614174000"

type record struct {
	status     models.Status
	thumbnails map[string]string
	history    []models.Status
}

// memStore is an in-memory storage.Sessions keyed by image id.
type memStore struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*record
	calls     []string
	sessions  int
	closed    int
	openErr   error
	statusErr map[models.Status]error
	thumbsErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]*record), statusErr: make(map[models.Status]error)}
}

func (m *memStore) add(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = &record{status: models.StatusNew}
}

func (m *memStore) get(id uuid.UUID) record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[id]
}

func (m *memStore) Session(_ context.Context) (storage.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.sessions++
	return &memSession{m: m}, nil
}

type memSession struct{ m *memStore }

func (s *memSession) UpdateStatus(_ context.Context, id uuid.UUID, status models.Status) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.calls = append(s.m.calls, "status:"+string(status))
	if err := s.m.statusErr[status]; err != nil {
		return false, err
	}
	r, ok := s.m.records[id]
	if !ok {
		return false, nil
	}
	r.status = status
	r.history = append(r.history, status)
	return true, nil
}

func (s *memSession) UpdateThumbnails(_ context.Context, id uuid.UUID, thumbnails map[string]string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.calls = append(s.m.calls, "thumbnails")
	if s.m.thumbsErr != nil {
		return false, s.m.thumbsErr
	}
	r, ok := s.m.records[id]
	if !ok {
		return false, nil
	}
	r.thumbnails = thumbnails
	return true, nil
}

func (s *memSession) Close() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.closed++
}

// writeImage saves a small test image at root/rel, encoded by extension.
func writeImage(t *testing.T, root, rel string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	img := imaging.New(64, 48, color.NRGBA{R: 200, G: 80, B: 40, A: 255})
	require.NoError(t, imaging.Save(img, p))
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func imageSize(t *testing.T, path string) image.Point {
	t.Helper()
	img, err := imaging.Open(path)
	require.NoError(t, err)
	return img.Bounds().Size()
}

var errDiskFull = errors.New("no space left on device")

// failingFS reads through to the wrapped filesystem and fails or panics on writes.
type failingFS struct {
	inner interface {
		Stat(string) (fs.FileInfo, error)
		ReadFile(string) ([]byte, error)
		WriteFile(string, []byte) error
	}
	failOn  string
	panicOn string
}

func (f *failingFS) Stat(name string) (fs.FileInfo, error) { return f.inner.Stat(name) }
func (f *failingFS) ReadFile(name string) ([]byte, error)  { return f.inner.ReadFile(name) }

func (f *failingFS) WriteFile(name string, data []byte) error {
	base := filepath.Base(name)
	if f.panicOn != "" && base == f.panicOn {
		panic("encoder exploded")
	}
	if f.failOn != "" && base == f.failOn {
		return errDiskFull
	}
	return f.inner.WriteFile(name, data)
}
