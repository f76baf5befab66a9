package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"thumbnailer/internal/models"
	"thumbnailer/internal/storage"
)

type Publisher interface {
	Publish(ctx context.Context, queue string, msg any) error
	Connected() bool
}

type StatusReader interface {
	GetStatus(ctx context.Context, id uuid.UUID) (models.Status, bool, error)
	SetStatus(ctx context.Context, id uuid.UUID, status models.Status) error
	Ping(ctx context.Context) error
}

type Server struct {
	cfg       *models.Config
	router    *gin.Engine
	http      *http.Server
	db        storage.Records
	publisher Publisher
	cache     StatusReader
	logger    *slog.Logger
}

// NewServer wires the ingestion routes. cache may be nil.
func NewServer(cfg *models.Config, db storage.Records, publisher Publisher, cache StatusReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.Static("/files", cfg.StoragePath)

	s := &Server{cfg: cfg, router: r, db: db, publisher: publisher, cache: cache, logger: logger}

	r.POST("/upload", s.handleUpload)
	r.GET("/image/:id", s.handleGetImage)
	r.GET("/health", s.handleHealth)

	s.http = &http.Server{Addr: cfg.ServerAddr, Handler: r}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A clean Stop returns nil.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.ServerAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
		)
	}
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	id := uuid.New()
	name := filepath.Base(file.Filename)
	relPath := filepath.ToSlash(filepath.Join(s.cfg.UploadDir, id.String()+"_"+name))
	dst := filepath.Join(s.cfg.StoragePath, relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		s.fail(c, op, err)
		return
	}
	if err := saveUpload(file, dst); err != nil {
		s.fail(c, op, err)
		return
	}

	ctx := c.Request.Context()
	img := models.Image{
		ID:          id,
		Status:      models.StatusNew,
		OriginalURL: relPath,
	}
	if err := s.db.SaveImage(ctx, &img); err != nil {
		s.fail(c, op, err)
		return
	}
	if s.cache != nil {
		if err := s.cache.SetStatus(ctx, id, models.StatusNew); err != nil {
			s.logger.Warn("status cache write failed", "image_id", id.String(), "error", err)
		}
	}

	env := models.NewJobEnvelope(id, relPath)
	if err := s.publisher.Publish(ctx, s.cfg.Broker.Queue, env); err != nil {
		// the record stays NEW, nothing will pick it up until it is resubmitted
		s.fail(c, op, err)
		return
	}
	s.logger.Info("job queued", "task_id", env.TaskID, "image_id", id.String(), "file_path", relPath)

	c.JSON(http.StatusAccepted, gin.H{
		"id":      id.String(),
		"task_id": env.TaskID,
		"status":  img.Status,
	})
}

func saveUpload(file *multipart.FileHeader, dst string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (s *Server) handleGetImage(c *gin.Context) {
	const op = "server.handleGetImage"

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image id"})
		return
	}

	ctx := c.Request.Context()
	img, err := s.db.GetImage(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	if err != nil {
		// a non-terminal cached status has nothing else to show, so it can stand in for the row
		if status, ok := s.cachedStatus(ctx, id); ok && !status.Terminal() {
			s.logger.Warn("database read failed, serving cached status", "image_id", id.String(), "error", err)
			c.JSON(http.StatusOK, gin.H{
				"id":         id.String(),
				"status":     status,
				"thumbnails": map[string]string{},
			})
			return
		}
		s.fail(c, op, err)
		return
	}

	thumbs := img.Thumbnails
	if thumbs == nil {
		thumbs = map[string]string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           img.ID.String(),
		"status":       img.Status,
		"original_url": img.OriginalURL,
		"thumbnails":   thumbs,
	})
}

func (s *Server) cachedStatus(ctx context.Context, id uuid.UUID) (models.Status, bool) {
	if s.cache == nil {
		return "", false
	}
	status, ok, err := s.cache.GetStatus(ctx, id)
	if err != nil {
		s.logger.Warn("status cache read failed", "image_id", id.String(), "error", err)
		return "", false
	}
	return status, ok
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	report := gin.H{"database": "ok", "broker": "ok"}
	code := http.StatusOK

	if err := s.db.Ping(ctx); err != nil {
		report["database"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if !s.publisher.Connected() {
		report["broker"] = "disconnected"
		code = http.StatusServiceUnavailable
	}
	if s.cache != nil {
		report["cache"] = "ok"
		if err := s.cache.Ping(ctx); err != nil {
			// cache is optional, a failure only degrades status reads
			report["cache"] = err.Error()
		}
	}
	c.JSON(code, report)
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	s.logger.Error("request failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
}
