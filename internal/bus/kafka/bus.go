// Package kafka implements the dispatch bus on Apache Kafka.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/bus"
)

const (
	fetchRetryDelay = 500 * time.Millisecond
	handlerBackoff  = 200 * time.Millisecond
)

// Config names the brokers, topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	// GroupID enables consuming. A publish-only bus leaves it empty.
	GroupID string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Bus writes hosts to a topic keyed by host and consumes them through a
// consumer group, committing each offset once its handler has run.
type Bus struct {
	writer messageWriter
	reader messageReader
	logger *zap.Logger
}

var _ bus.Bus = (*Bus)(nil)

// New builds a Bus for cfg. No connection is made until the first publish
// or fetch.
func New(cfg Config, logger *zap.Logger) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		AllowAutoTopicCreation: true,
	}
	var reader messageReader
	if cfg.GroupID != "" {
		reader = kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		})
	}
	return newBus(writer, reader, logger), nil
}

func newBus(writer messageWriter, reader messageReader, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{writer: writer, reader: reader, logger: logger}
}

// Publish writes host to the topic. The host is also the partition key so
// repeats of one host land on the same partition.
func (b *Bus) Publish(ctx context.Context, host string) error {
	msg := kafkago.Message{Key: []byte(host), Value: []byte(host)}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{msg: &msg})
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Subscribe fetches hosts until ctx ends or the reader is closed. A failing
// handler is retried up to bus.MaxDeliveryAttempts times before the message
// is committed and dropped, so one poison message cannot stall a partition.
func (b *Bus) Subscribe(ctx context.Context, handler bus.Handler) error {
	if b.reader == nil {
		return errors.New("kafka consumer group is not configured")
	}
	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			b.logger.Warn("Kafka fetch failed", zap.Error(err))
			if !sleep(ctx, fetchRetryDelay) {
				return nil
			}
			continue
		}

		b.deliver(ctx, msg, handler)

		if err := b.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, msg kafkago.Message, handler bus.Handler) {
	host := string(msg.Value)
	ctx = otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{msg: &msg})
	var err error
	for attempt := 1; attempt <= bus.MaxDeliveryAttempts; attempt++ {
		if err = handler(ctx, host); err == nil {
			return
		}
		if attempt < bus.MaxDeliveryAttempts && !sleep(ctx, time.Duration(attempt)*handlerBackoff) {
			return
		}
	}
	b.logger.Warn("Dropping message after repeated handler failures",
		zap.String("host", host),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(err),
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close closes the writer and, when consuming, the reader.
func (b *Bus) Close() error {
	var errs []error
	if err := b.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	if b.reader != nil {
		if err := b.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	return errors.Join(errs...)
}

// headerCarrier implements propagation.TextMapCarrier for Kafka headers.
type headerCarrier struct {
	msg *kafkago.Message
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafkago.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
