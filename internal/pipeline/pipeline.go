// Package pipeline turns one job into thumbnails and drives the image status
// NEW -> PROCESSING -> DONE | ERROR around that work.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	// registers WebP with image.Decode, which imaging.Decode uses
	_ "golang.org/x/image/webp"

	"thumbnailer/internal/models"
	"thumbnailer/internal/storage"
	"thumbnailer/internal/workpool"
)

// Runner executes blocking work off the caller's goroutine and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func() error) error
}

type Pipeline struct {
	sessions     storage.Sessions
	files        Filesystem
	runner       Runner
	thumbnailDir string
	logger       *slog.Logger
}

type Option func(*Pipeline)

// WithThumbnailDir sets the directory thumbnails are written to, relative to the
// filesystem root. Empty writes next to the root.
func WithThumbnailDir(dir string) Option {
	return func(p *Pipeline) { p.thumbnailDir = dir }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func New(sessions storage.Sessions, files Filesystem, runner Runner, opts ...Option) *Pipeline {
	p := &Pipeline{
		sessions: sessions,
		files:    files,
		runner:   runner,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs one job to completion. Recognized faults are recorded as ERROR and
// reported as OutcomeFailed; store failures are reported as OutcomeUnhandled.
func (p *Pipeline) Process(ctx context.Context, env models.JobEnvelope, imageID uuid.UUID) Outcome {
	log := p.logger.With("task_id", env.TaskID, "image_id", imageID.String(), "file_path", env.FilePath)
	log.Info("processing started")

	sess, err := p.sessions.Session(ctx)
	if err != nil {
		log.Error("open store session failed", "error", err)
		return Outcome{Kind: OutcomeUnhandled, Err: err}
	}
	defer sess.Close()

	thumbs, err := p.run(ctx, sess, imageID, env.FilePath, log)
	if err == nil {
		log.Info("processing done", "thumbnails", len(thumbs))
		return Outcome{Kind: OutcomeDone, Thumbnails: thumbs}
	}

	var fault *Fault
	if !errors.As(err, &fault) {
		log.Error("processing aborted", "error", err)
		return Outcome{Kind: OutcomeUnhandled, Err: err}
	}

	log.Warn("processing failed", "fault", string(fault.Kind), "error", fault.Err)
	if err := p.setStatus(ctx, sess, imageID, models.StatusError, log); err != nil {
		log.Error("recording error status failed", "error", err)
		return Outcome{Kind: OutcomeUnhandled, Err: err}
	}
	return Outcome{Kind: OutcomeFailed, Fault: fault.Kind, Err: fault}
}

func (p *Pipeline) run(ctx context.Context, sess storage.Session, id uuid.UUID, sourcePath string, log *slog.Logger) (map[string]string, error) {
	if _, err := p.files.Stat(sourcePath); err != nil {
		return nil, &Fault{Kind: FaultMissingSource, Err: err}
	}

	if err := p.setStatus(ctx, sess, id, models.StatusProcessing, log); err != nil {
		return nil, err
	}

	var src image.Image
	err := p.runner.Do(ctx, func() error {
		data, err := p.files.ReadFile(sourcePath)
		if err != nil {
			return &Fault{Kind: FaultMissingSource, Err: err}
		}
		img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
		if err != nil {
			return &Fault{Kind: FaultDecode, Err: err}
		}
		src = img
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	thumbs, err := p.renderAll(ctx, src, sourcePath)
	if err != nil {
		return nil, err
	}

	ok, err := sess.UpdateThumbnails(ctx, id, thumbs)
	if err != nil {
		return nil, fmt.Errorf("update thumbnails: %w", err)
	}
	if !ok {
		log.Warn("thumbnail update affected no rows")
	}

	if err := p.setStatus(ctx, sess, id, models.StatusDone, log); err != nil {
		return nil, err
	}
	return thumbs, nil
}

// renderAll produces every size concurrently on the runner. Files written before a
// failure stay on disk.
func (p *Pipeline) renderAll(ctx context.Context, src image.Image, sourcePath string) (map[string]string, error) {
	paths := make([]string, len(Sizes))

	var g errgroup.Group
	for i, size := range Sizes {
		i, size := i, size
		g.Go(func() error {
			return p.runner.Do(ctx, func() error {
				out, err := p.render(src, sourcePath, size)
				paths[i] = out
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, classify(err)
	}

	thumbs := make(map[string]string, len(Sizes))
	for i, size := range Sizes {
		thumbs[size.Key()] = paths[i]
	}
	return thumbs, nil
}

func (p *Pipeline) render(src image.Image, sourcePath string, size Size) (string, error) {
	name := ThumbnailName(sourcePath, size)
	out := name
	if p.thumbnailDir != "" {
		out = filepath.Join(p.thumbnailDir, name)
	}

	format, err := imaging.FormatFromFilename(name)
	if err != nil {
		return "", &Fault{Kind: FaultWrite, Err: err}
	}

	resized := imaging.Resize(src, size.Width, size.Height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		return "", &Fault{Kind: FaultWrite, Err: err}
	}
	if err := p.files.WriteFile(out, buf.Bytes()); err != nil {
		return "", &Fault{Kind: FaultWrite, Err: err}
	}
	return out, nil
}

// setStatus does not escalate a missing record: zero affected rows is only logged.
func (p *Pipeline) setStatus(ctx context.Context, sess storage.Session, id uuid.UUID, status models.Status, log *slog.Logger) error {
	ok, err := sess.UpdateStatus(ctx, id, status)
	if err != nil {
		return fmt.Errorf("update status %s: %w", status, err)
	}
	if !ok {
		log.Warn("status update affected no rows", "status", string(status))
		return nil
	}
	log.Debug("status updated", "status", string(status))
	return nil
}

// classify keeps recognized faults and environmental errors as they are; anything
// else raised by image work becomes FaultUnexpected.
func classify(err error) error {
	var fault *Fault
	switch {
	case errors.As(err, &fault):
		return err
	case errors.Is(err, workpool.ErrPoolClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &Fault{Kind: FaultUnexpected, Err: err}
	}
}
