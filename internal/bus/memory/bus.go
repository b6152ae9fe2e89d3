// Package memory provides an in-process bus for single-binary deployments
// and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/polymath-crawler/internal/bus"
)

type envelope struct {
	host    string
	attempt int
}

// Bus is a bounded channel shared by every publisher and subscriber in the
// process. Subscribers compete for messages.
type Bus struct {
	ch        chan envelope
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

var _ bus.Bus = (*Bus)(nil)

// New constructs a bus buffering up to capacity undelivered hosts.
func New(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		ch:     make(chan envelope, capacity),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Publish enqueues host, blocking while the buffer is full.
func (b *Bus) Publish(ctx context.Context, host string) error {
	select {
	case <-b.done:
		return bus.ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	case <-b.done:
		return bus.ErrClosed
	case b.ch <- envelope{host: host, attempt: 1}:
		return nil
	}
}

// Subscribe delivers hosts to handler until ctx ends or the bus is closed.
// A message whose handler fails is requeued until it has been attempted
// bus.MaxDeliveryAttempts times.
func (b *Bus) Subscribe(ctx context.Context, handler bus.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case env := <-b.ch:
			if err := handler(ctx, env.host); err != nil {
				b.redeliver(env, err)
			}
		}
	}
}

func (b *Bus) redeliver(env envelope, cause error) {
	if env.attempt >= bus.MaxDeliveryAttempts {
		b.logger.Warn("Dropping message after repeated handler failures",
			zap.String("host", env.host),
			zap.Int("attempts", env.attempt),
			zap.Error(cause),
		)
		return
	}
	env.attempt++
	select {
	case b.ch <- env:
	default:
		b.logger.Warn("Bus full, dropping redelivery", zap.String("host", env.host), zap.Error(cause))
	}
}

// Close stops delivery. Pending messages are discarded. Closing twice is safe.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
