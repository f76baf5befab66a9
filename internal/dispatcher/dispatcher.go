// Package dispatcher turns broker deliveries into pipeline runs and decides how
// each delivery is settled.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"thumbnailer/internal/broker"
	"thumbnailer/internal/models"
	"thumbnailer/internal/pipeline"
	"thumbnailer/internal/workpool"
)

var ErrUnhandled = errors.New("job not handled")

type Processor interface {
	Process(ctx context.Context, env models.JobEnvelope, imageID uuid.UUID) pipeline.Outcome
}

type Dispatcher struct {
	processor Processor
	pool      *workpool.Pool
	logger    *slog.Logger
}

func New(processor Processor, pool *workpool.Pool, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{processor: processor, pool: pool, logger: logger}
}

// Handle is a broker.Handler. Done and recognized faults acknowledge the delivery,
// unhandled faults requeue it and undecodable bodies are rejected.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) (err error) {
	env, id, derr := models.DecodeJobEnvelope(body)
	if derr != nil {
		d.logger.Error("malformed job", "body_size", len(body), "error", derr)
		return fmt.Errorf("%w: %v", broker.ErrMalformed, derr)
	}
	log := d.logger.With("task_id", env.TaskID, "image_id", id.String())

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "panic", r)
			err = fmt.Errorf("%w: panic: %v", ErrUnhandled, r)
		}
	}()

	// image work finishes even when the consumer is shutting down
	out := d.processor.Process(context.WithoutCancel(ctx), env, id)

	switch out.Kind {
	case pipeline.OutcomeDone:
		return nil
	case pipeline.OutcomeFailed:
		log.Info("job failed, acknowledging", "fault", string(out.Fault))
		return nil
	default:
		log.Error("job unhandled, requeueing", "error", out.Err)
		return fmt.Errorf("%w: %v", ErrUnhandled, out.Err)
	}
}

// Close waits for in-flight pool work. Call after the consume loop has returned.
func (d *Dispatcher) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}
