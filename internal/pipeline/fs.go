package pipeline

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Filesystem is where sources are read from and thumbnails written to.
type Filesystem interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
}

// LocalFS resolves relative names against Root.
type LocalFS struct {
	Root string
}

func (l LocalFS) path(name string) string {
	if l.Root == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(l.Root, name)
}

func (l LocalFS) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(l.path(name))
}

func (l LocalFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(l.path(name))
}

func (l LocalFS) WriteFile(name string, data []byte) error {
	p := l.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}
