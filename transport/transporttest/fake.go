// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"chatbridge/transport"
)

type Sent struct {
	To   string
	Text string
}

// Fake records what the broker sends and replays queued inbound events on
// the next ProcessEvents call.
type Fake struct {
	mu          sync.Mutex
	connected   bool
	connects    int
	failConnect int
	failSend    error
	inbound     []func()
	sent        []Sent

	onMessage  func(transport.Message)
	onPresence func(transport.Presence)
}

var _ transport.Transport = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		onMessage:  func(transport.Message) {},
		onPresence: func(transport.Presence) {},
	}
}

func (f *Fake) OnMessage(handler func(transport.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = handler
}

func (f *Fake) OnPresence(handler func(transport.Presence)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPresence = handler
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failConnect > 0 {
		f.failConnect--
		return transport.ErrDisconnected
	}
	f.connected = true
	return nil
}

func (f *Fake) Send(ctx context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrDisconnected
	}
	if f.failSend != nil {
		err := f.failSend
		f.failSend = nil
		return err
	}
	f.sent = append(f.sent, Sent{To: recipient, Text: text})
	return nil
}

func (f *Fake) ProcessEvents(ctx context.Context, slice time.Duration) (bool, error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return false, transport.ErrDisconnected
	}
	events := f.inbound
	f.inbound = nil
	f.mu.Unlock()

	if len(events) == 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(slice):
		}
		return false, nil
	}

	// Handlers may call Send, so they run without the lock held.
	for _, event := range events {
		event()
	}
	return true, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// Receive queues a message from a local user.
func (f *Fake) Receive(from, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, func() {
		f.onMessage(transport.Message{From: from, Text: text})
	})
}

// SetPresence queues a presence change.
func (f *Fake) SetPresence(user, resource string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, func() {
		f.onPresence(transport.Presence{User: user, Resource: resource, Online: online})
	})
}

// Disconnect drops the connection as a server restart would.
func (f *Fake) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

// FailConnect makes the next n Connect calls fail.
func (f *Fake) FailConnect(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failConnect = n
}

// FailNextSend makes the next Send return err.
func (f *Fake) FailNextSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = err
}

func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Sent returns and forgets everything sent so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	sent := f.sent
	f.sent = nil
	return sent
}

// SentTo returns the texts sent to recipient, forgetting all sends.
func (f *Fake) SentTo(recipient string) []string {
	var out []string
	for _, s := range f.Sent() {
		if s.To == recipient {
			out = append(out, s.Text)
		}
	}
	return out
}
