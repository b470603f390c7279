// Package transport connects the broker to the instant-messaging network
// where local users live.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrDisconnected is returned once the connection to the messaging server
// is gone. The broker answers it by reconnecting.
var ErrDisconnected = errors.New("transport disconnected")

// Message is text a local user sent to the broker account.
type Message struct {
	From     string
	Resource string
	Text     string
}

// Presence reports that one resource of a user went online or offline.
type Presence struct {
	User     string
	Resource string
	Online   bool
}

// Transport is what the broker needs from a presence-aware messaging
// client. Implementations are driven from a single goroutine: handlers
// run synchronously inside ProcessEvents.
type Transport interface {
	// Connect dials, authenticates and announces presence, replacing any
	// previous connection.
	Connect(ctx context.Context) error
	Send(ctx context.Context, recipient, text string) error
	// ProcessEvents handles inbound traffic for at most slice and reports
	// whether anything arrived.
	ProcessEvents(ctx context.Context, slice time.Duration) (bool, error)
	OnMessage(func(Message))
	OnPresence(func(Presence))
	Close() error
}
