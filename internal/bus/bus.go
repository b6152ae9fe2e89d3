// Package bus defines the dispatch channel used to hand newly discovered
// hosts to crawl workers.
//
// A message is the bare scheme and host of a site, for example
// "https://example.com". Delivery is at least once and unordered, so every
// consumer must dedup before starting a crawl.
package bus

import (
	"context"
	"errors"
)

// DefaultTopic is the single logical topic shared by producers and consumers.
const DefaultTopic = "polymath"

// MaxDeliveryAttempts bounds how often a driver hands the same message to a
// failing handler before giving up on it.
const MaxDeliveryAttempts = 3

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler processes one received host. A non-nil error asks the driver to
// redeliver the message.
type Handler func(ctx context.Context, host string) error

// Publisher announces a host.
type Publisher interface {
	Publish(ctx context.Context, host string) error
}

// Subscriber feeds received hosts to a handler until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
}

// Bus is an open connection to the dispatch topic. It is opened at startup,
// passed to the components that need it and closed at shutdown.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// NoOp discards every published host and never delivers anything.
type NoOp struct{}

// Publish does nothing and returns nil.
func (NoOp) Publish(context.Context, string) error { return nil }

// Subscribe blocks until ctx ends.
func (NoOp) Subscribe(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}

// Close does nothing and returns nil.
func (NoOp) Close() error { return nil }
