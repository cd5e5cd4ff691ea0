// Package bus fans room traffic out between server instances. The NATS
// implementation is used when several nodes share rooms; the in-memory one
// serves single-node deployments and tests.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus.
var ErrClosed = errors.New("bus closed")

// MessageBus publishes byte payloads on dotted subjects.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends data to every subscriber of subject without waiting for
	// delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. "*" matches one token and ">"
	// matches the remainder, e.g. "zenspace.rooms.>".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes one incoming message.
type MessageHandler func(msg *Message)

// Message is a delivered payload.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds connection settings for the NATS bus.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://localhost:4222".
	URL string
	// Name identifies this client in server monitoring.
	Name string
	// Timeout bounds the initial connect.
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "zenspace",
		Timeout: 10 * time.Second,
	}
}
