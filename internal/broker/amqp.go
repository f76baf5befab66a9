package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQPClient struct {
	url    string
	queue  string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

func NewAMQPClient(url, queue string, logger *slog.Logger) *AMQPClient {
	return &AMQPClient{url: url, queue: queue, logger: logger}
}

func (c *AMQPClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *AMQPClient) connectLocked(ctx context.Context) error {
	const op = "broker.AMQPClient.Connect"

	_ = c.closeLocked()

	cfg := amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Dial = amqp.DefaultDial(time.Until(deadline))
	}
	conn, err := amqp.DialConfig(c.url, cfg)
	if err != nil {
		return connErr(op, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return connErr(op, err)
	}

	c.conn, c.ch = conn, ch
	c.declared = make(map[string]bool)
	if err := c.declareLocked(c.queue); err != nil {
		_ = c.closeLocked()
		return connErr(op, err)
	}
	c.logger.Info("broker connected", "kind", "amqp", "queue", c.queue)
	return nil
}

func (c *AMQPClient) declareLocked(queue string) error {
	if c.declared[queue] {
		return nil
	}
	if _, err := c.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	c.declared[queue] = true
	return nil
}

func (c *AMQPClient) connectedLocked() bool {
	return c.conn != nil && !c.conn.IsClosed() && c.ch != nil && !c.ch.IsClosed()
}

func (c *AMQPClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

// ensureLocked reconnects once when the connection or channel is gone.
func (c *AMQPClient) ensureLocked(ctx context.Context) error {
	if c.connectedLocked() {
		return nil
	}
	c.logger.Warn("broker not connected, reconnecting", "kind", "amqp")
	return c.connectLocked(ctx)
}

func (c *AMQPClient) Publish(ctx context.Context, queue string, msg any) error {
	const op = "broker.AMQPClient.Publish"

	body, err := encode(msg)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureLocked(ctx); err != nil {
		return err
	}
	if err := c.declareLocked(queue); err != nil {
		return connErr(op, err)
	}

	err = c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return connErr(op, err)
	}
	return nil
}

func (c *AMQPClient) Consume(ctx context.Context, queue string, prefetch int, h Handler) error {
	const op = "broker.AMQPClient.Consume"

	c.mu.Lock()
	if err := c.ensureLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.declareLocked(queue); err != nil {
		c.mu.Unlock()
		return connErr(op, err)
	}
	ch := c.ch
	c.mu.Unlock()

	if err := ch.Qos(prefetch, 0, false); err != nil {
		return connErr(op, err)
	}
	tag := "thumbnailer-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return connErr(op, err)
	}
	c.logger.Info("consuming", "kind", "amqp", "queue", queue, "prefetch", prefetch)

	err = consumeLoop(ctx, deliveries, h, c.logger)
	if ctx.Err() != nil {
		if cerr := ch.Cancel(tag, false); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
			c.logger.Warn("cancel consumer failed", "error", cerr)
		}
		return nil
	}
	return err
}

func consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, h Handler, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery channel closed", ErrConnection)
			}
			if err := handleDelivery(ctx, d, h, logger); err != nil {
				return err
			}
		}
	}
}

func handleDelivery(ctx context.Context, d amqp.Delivery, h Handler, logger *slog.Logger) error {
	herr := h(ctx, d.Body)

	var err error
	switch s := Settle(herr); s {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		logger.Warn("delivery requeued", "delivery_tag", d.DeliveryTag, "redelivered", d.Redelivered, "error", herr)
		err = d.Nack(false, true)
	case Reject:
		logger.Error("delivery rejected", "delivery_tag", d.DeliveryTag, "error", herr)
		err = d.Reject(false)
	}
	if err != nil {
		return fmt.Errorf("%w: settle delivery %d: %v", ErrConnection, d.DeliveryTag, err)
	}
	return nil
}

func (c *AMQPClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *AMQPClient) closeLocked() error {
	var errs []error
	if c.ch != nil && !c.ch.IsClosed() {
		errs = append(errs, c.ch.Close())
	}
	if c.conn != nil && !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}
	c.ch, c.conn = nil, nil
	return errors.Join(errs...)
}
