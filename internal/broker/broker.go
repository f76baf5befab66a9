// Package broker moves job messages between the ingestion API and workers with
// at-least-once delivery.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bytedance/sonic"

	"thumbnailer/internal/models"
)

var (
	// ErrConnection marks broker unavailability. Callers retry at process level.
	ErrConnection = errors.New("broker connection error")
	// ErrMalformed is returned by handlers for bodies that will never succeed; such
	// deliveries are dropped instead of requeued.
	ErrMalformed = errors.New("malformed message")
)

// Handler processes one delivery body. nil acknowledges, ErrMalformed rejects,
// any other error requeues.
type Handler func(ctx context.Context, body []byte) error

type Client interface {
	// Connect dials the broker and declares the work queue durable.
	Connect(ctx context.Context) error
	// Publish serializes msg and enqueues it as a persistent message.
	Publish(ctx context.Context, queue string, msg any) error
	// Consume delivers messages to h until ctx is cancelled (returns nil) or the
	// broker fails. At most prefetch deliveries are unacknowledged at a time.
	Consume(ctx context.Context, queue string, prefetch int, h Handler) error
	// Disconnect is idempotent.
	Disconnect() error
	Connected() bool
}

type Settlement int

const (
	Ack Settlement = iota
	Requeue
	Reject
)

func (s Settlement) String() string {
	switch s {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Settle maps a handler result to the broker action.
func Settle(err error) Settlement {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrMalformed):
		return Reject
	default:
		return Requeue
	}
}

func New(cfg models.BrokerConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Kind {
	case models.BrokerAMQP:
		return NewAMQPClient(cfg.URL, cfg.Queue, logger), nil
	case models.BrokerKafka:
		return NewKafkaClient(cfg.Brokers, cfg.Queue, cfg.GroupID, cfg.ReplicationFactor, logger), nil
	default:
		return nil, fmt.Errorf("broker.New: unknown kind %q", cfg.Kind)
	}
}

func encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case []byte:
		return m, nil
	case interface{ Encode() ([]byte, error) }:
		return m.Encode()
	default:
		return sonic.Marshal(msg)
	}
}

func connErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrConnection, err)
}
