// Package bus provides the status event bus for the runtime. Lifecycle
// transitions are published as subjects under "otto.agent.<id>.status".
// The default implementation uses NATS, with an in-memory option for
// single-process deployments and tests.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("request timeout")

	// ErrNoResponders is returned when no subscribers are available to handle a request.
	ErrNoResponders = errors.New("no responders available")

	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// MessageBus is the transport for runtime events.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Supports wildcards: "otto.agent.*.status" matches any agent id.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a single response.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
// For request/reply, return data to send as a response; return nil for none.
type MessageHandler func(msg *Message) []byte

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL is the NATS server URL. Ignored for the in-memory bus.
	URL string

	// Name is a client identifier for debugging.
	Name string

	// Timeout is the default timeout for operations.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "otto",
		Timeout: 30 * time.Second,
	}
}
