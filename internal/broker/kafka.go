package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// RedeliveryHeader counts how many times a message was put back on its topic.
const RedeliveryHeader = "x-redelivery"

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient maps the queue contract onto a topic and consumer group. Ack commits
// the offset; requeue republishes the message to the tail of the topic, then commits.
type KafkaClient struct {
	brokers     []string
	topic       string
	groupID     string
	replication int
	logger      *slog.Logger

	mu        sync.Mutex
	writer    messageWriter
	newWriter func() messageWriter
	newReader func(topic string, prefetch int) messageReader
	setup     func(ctx context.Context, topic string) error
}

func NewKafkaClient(brokers []string, topic, groupID string, replication int, logger *slog.Logger) *KafkaClient {
	c := &KafkaClient{
		brokers:     brokers,
		topic:       topic,
		groupID:     groupID,
		replication: replication,
		logger:      logger,
	}
	c.newWriter = func() messageWriter {
		return &kafka.Writer{
			Addr:         kafka.TCP(c.brokers...),
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		}
	}
	c.newReader = func(topic string, prefetch int) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:       c.brokers,
			Topic:         topic,
			GroupID:       c.groupID,
			QueueCapacity: prefetch,
			MinBytes:      1,
			MaxBytes:      10e6,
		})
	}
	c.setup = c.createTopic
	return c
}

func (c *KafkaClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *KafkaClient) connectLocked(ctx context.Context) error {
	const op = "broker.KafkaClient.Connect"

	if err := c.setup(ctx, c.topic); err != nil {
		return connErr(op, err)
	}
	if c.writer != nil {
		_ = c.writer.Close()
	}
	c.writer = c.newWriter()
	c.logger.Info("broker connected", "kind", "kafka", "topic", c.topic, "brokers", c.brokers)
	return nil
}

// createTopic declares the topic through the cluster controller.
func (c *KafkaClient) createTopic(ctx context.Context, topic string) error {
	if len(c.brokers) == 0 {
		return errors.New("no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	cconn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cconn.Close()

	err = cconn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: c.replication,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	return nil
}

func (c *KafkaClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer != nil
}

func (c *KafkaClient) ensureWriter(ctx context.Context) (messageWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		c.logger.Warn("broker not connected, reconnecting", "kind", "kafka")
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return c.writer, nil
}

func (c *KafkaClient) Publish(ctx context.Context, queue string, msg any) error {
	const op = "broker.KafkaClient.Publish"

	body, err := encode(msg)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", op, err)
	}
	w, err := c.ensureWriter(ctx)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, kafka.Message{Topic: queue, Value: body, Time: time.Now().UTC()}); err != nil {
		return connErr(op, err)
	}
	return nil
}

func (c *KafkaClient) Consume(ctx context.Context, queue string, prefetch int, h Handler) error {
	const op = "broker.KafkaClient.Consume"

	if _, err := c.ensureWriter(ctx); err != nil {
		return err
	}
	r := c.newReader(queue, prefetch)
	defer r.Close()
	c.logger.Info("consuming", "kind", "kafka", "topic", queue, "group_id", c.groupID)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return connErr(op, err)
		}
		if err := c.settle(ctx, r, m, h(ctx, m.Value)); err != nil {
			return err
		}
	}
}

// settle runs on a context detached from ctx so a shutdown never loses an offset
// for work that already finished.
func (c *KafkaClient) settle(ctx context.Context, r messageReader, m kafka.Message, herr error) error {
	const op = "broker.KafkaClient.settle"
	sctx := context.WithoutCancel(ctx)

	switch Settle(herr) {
	case Requeue:
		attempt := redeliveries(m) + 1
		c.logger.Warn("delivery requeued", "topic", m.Topic, "offset", m.Offset, "redelivery", attempt, "error", herr)
		w, err := c.ensureWriter(sctx)
		if err != nil {
			return err
		}
		again := kafka.Message{
			Topic:   m.Topic,
			Key:     m.Key,
			Value:   m.Value,
			Headers: withRedelivery(m.Headers, attempt),
			Time:    time.Now().UTC(),
		}
		if err := w.WriteMessages(sctx, again); err != nil {
			// offset stays uncommitted, the group redelivers after restart
			return connErr(op, err)
		}
	case Reject:
		c.logger.Error("delivery rejected", "topic", m.Topic, "offset", m.Offset, "error", herr)
	}

	if err := r.CommitMessages(sctx, m); err != nil {
		return connErr(op, err)
	}
	return nil
}

func redeliveries(m kafka.Message) int {
	for _, h := range m.Headers {
		if h.Key == RedeliveryHeader {
			n, err := strconv.Atoi(string(h.Value))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

func withRedelivery(headers []kafka.Header, n int) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != RedeliveryHeader {
			out = append(out, h)
		}
	}
	return append(out, kafka.Header{Key: RedeliveryHeader, Value: []byte(strconv.Itoa(n))})
}

func (c *KafkaClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return nil
	}
	err := c.writer.Close()
	c.writer = nil
	return err
}
