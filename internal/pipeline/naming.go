package pipeline

import (
	"fmt"
	"path/filepath"
	"strings"
)

type Size struct {
	Width  int
	Height int
}

func (s Size) Key() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Sizes are produced for every image, in this order.
var Sizes = []Size{
	{Width: 100, Height: 100},
	{Width: 300, Height: 300},
	{Width: 1200, Height: 1200},
}

// identifierLen is the length of the canonical UUID string the upload path prefixes
// file names with.
const identifierLen = 36

// SimplifyName returns the base name of path without a leading "<uuid>_" segment.
func SimplifyName(path string) string {
	base := filepath.Base(path)
	prefix, rest, ok := strings.Cut(base, "_")
	if ok && len(prefix) == identifierLen {
		return rest
	}
	return base
}

// ThumbnailName is the deterministic output name for size, e.g. thumb_100x100_cat.png.
func ThumbnailName(sourcePath string, size Size) string {
	return fmt.Sprintf("thumb_%s_%s", size.Key(), SimplifyName(sourcePath))
}
