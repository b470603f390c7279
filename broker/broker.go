// Package broker runs the loop that ties the messaging transport to the
// queue store: it offers waiting chats to local users, delivers queued
// messages to them and feeds what they send back into the command
// dispatcher.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"chatbridge/chat"
	"chatbridge/command"
	"chatbridge/models"
	"chatbridge/transport"
)

type Config struct {
	LocalUsers        []string
	ProcessSlice      time.Duration
	ReconnectDelay    time.Duration
	ReconnectAttempts int
}

// Store is the part of the queue store the broker uses.
type Store interface {
	chat.Store
	presenceStore
	ListReachableLocalUsers(ctx context.Context) ([]string, error)
	DrainUndeliveredForLocal(ctx context.Context) ([]models.LocalDelivery, error)
	MarkLocalDelivered(ctx context.Context, messageID int64) error
}

type Broker struct {
	cfg        Config
	store      Store
	transport  transport.Transport
	clock      quartz.Clock
	logger     *zap.Logger
	machine    *chat.Machine
	dispatcher *command.Dispatcher
	presence   *Presence
	metrics    *metrics

	// handlerErr holds the first fault raised by a transport handler
	// during ProcessEvents.
	handlerErr error
}

func New(cfg Config, store Store, t transport.Transport, clock quartz.Clock, logger *zap.Logger, reg prometheus.Registerer) *Broker {
	if cfg.ProcessSlice <= 0 {
		cfg.ProcessSlice = time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 20 * time.Second
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 1
	}

	logger = logger.Named("broker")
	machine := chat.New(store, logger)
	return &Broker{
		cfg:        cfg,
		store:      store,
		transport:  t,
		clock:      clock,
		logger:     logger,
		machine:    machine,
		dispatcher: command.New(machine, t, logger),
		presence:   NewPresence(store, cfg.LocalUsers, logger),
		metrics:    newMetrics(reg),
	}
}

func (b *Broker) Presence() *Presence {
	return b.presence
}

// Start resets presence, installs the transport handlers and connects.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.presence.Reset(ctx); err != nil {
		return xerrors.Errorf("reset presence: %w", err)
	}
	b.metrics.online.Set(0)

	b.transport.OnMessage(func(msg transport.Message) { b.handleMessage(ctx, msg) })
	b.transport.OnPresence(func(ev transport.Presence) { b.handlePresence(ctx, ev) })

	if err := b.transport.Connect(ctx); err != nil {
		b.logger.Warn("initial connect failed", zap.Error(err))
		return b.reconnect(ctx)
	}
	return nil
}

// Run starts the broker and steps it until ctx is done. Any error it
// returns is fatal.
func (b *Broker) Run(ctx context.Context) error {
	defer b.transport.Close()

	if err := b.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	for ctx.Err() == nil {
		if err := b.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// Step runs one iteration: offer waiting chats, deliver queued local
// messages, then handle inbound traffic for one process slice. A lost
// connection is recovered before Step returns.
func (b *Broker) Step(ctx context.Context) error {
	err := b.notifyWaiting(ctx)
	if err == nil {
		err = b.deliverLocal(ctx)
	}
	if err == nil {
		err = b.process(ctx)
	}

	if errors.Is(err, transport.ErrDisconnected) {
		b.logger.Info("disconnected from the server, reconnecting", zap.Duration("delay", b.cfg.ReconnectDelay))
		return b.reconnect(ctx)
	}
	return err
}

func (b *Broker) notifyWaiting(ctx context.Context) error {
	waiting, err := b.store.GetSessionsByStatus(ctx, models.StatusWaiting)
	if err != nil {
		return err
	}

	for _, s := range waiting {
		reachable, err := b.store.ListReachableLocalUsers(ctx)
		if err != nil {
			return err
		}
		if len(reachable) == 0 {
			if err := b.machine.Unanswered(ctx, s); err != nil {
				return err
			}
			b.metrics.unanswered.Inc()
			continue
		}

		for _, user := range reachable {
			if err := b.transport.Send(ctx, user, notification(s, reachable, user)); err != nil {
				return err
			}
			b.logger.Info("chat request sent", zap.Int64("chat", s.ID), zap.String("remote_user", s.RemoteUser), zap.String("local_user", user))
		}
		if err := b.machine.Notified(ctx, s); err != nil {
			return err
		}
		b.metrics.notified.Inc()
	}
	return nil
}

// notification is the offer text for recipient, naming the other
// recipients when there are any.
func notification(s models.Session, recipients []string, recipient string) string {
	text := fmt.Sprintf("Remote user '%s' wants to start a conversation.", s.RemoteUser)
	if s.StartMessage != "" {
		text += fmt.Sprintf(" The starting message is: '%s'.", s.StartMessage)
	}
	text += fmt.Sprintf(" To accept this request, reply with the message '!ACCEPT %d'.", s.ID)

	others := make([]string, 0, len(recipients))
	for _, user := range recipients {
		if user != recipient {
			others = append(others, user)
		}
	}
	if len(others) > 0 {
		text += fmt.Sprintf(" Requests were also sent to: %s.", strings.Join(others, ", "))
	}
	return text
}

// deliverLocal sends every undelivered local-bound message in queue
// order. A message is marked delivered only after the transport took it,
// so a crash in between sends it again on restart.
func (b *Broker) deliverLocal(ctx context.Context) error {
	deliveries, err := b.store.DrainUndeliveredForLocal(ctx)
	if err != nil {
		return err
	}

	for _, d := range deliveries {
		if err := b.transport.Send(ctx, d.LocalUser, d.Payload); err != nil {
			return err
		}
		if err := b.store.MarkLocalDelivered(ctx, d.MessageID); err != nil {
			return err
		}
		b.metrics.delivered.Inc()
		b.logger.Info("remote message delivered", zap.Int64("chat", d.SessionID), zap.String("remote_user", d.RemoteUser), zap.String("local_user", d.LocalUser))
	}
	return nil
}

func (b *Broker) process(ctx context.Context) error {
	_, err := b.transport.ProcessEvents(ctx, b.cfg.ProcessSlice)
	if b.handlerErr != nil {
		err, b.handlerErr = b.handlerErr, nil
	}
	return err
}

func (b *Broker) handleMessage(ctx context.Context, msg transport.Message) {
	if b.handlerErr != nil {
		return
	}
	// Only configured local users may answer or control chats.
	if !b.presence.Known(msg.From) {
		b.logger.Warn("ignoring message from unknown sender", zap.String("from", msg.From))
		b.metrics.commands.WithLabelValues("ignored").Inc()
		return
	}
	name, err := b.dispatcher.Dispatch(ctx, msg.From, msg.Text)
	b.metrics.commands.WithLabelValues(name).Inc()
	if err != nil {
		b.handlerErr = xerrors.Errorf("handle message from %s: %w", msg.From, err)
	}
}

func (b *Broker) handlePresence(ctx context.Context, ev transport.Presence) {
	if b.handlerErr != nil {
		return
	}
	applied, err := b.presence.Update(ctx, ev)
	if err != nil {
		b.handlerErr = xerrors.Errorf("update presence of %s: %w", ev.User, err)
		return
	}
	if applied {
		b.metrics.online.Set(float64(len(b.presence.Online())))
	}
}

// reconnect waits one reconnect delay and then tries to connect up to
// ReconnectAttempts times, the same delay apart.
func (b *Broker) reconnect(ctx context.Context) error {
	b.metrics.reconnects.Inc()

	timer := b.clock.NewTimer(b.cfg.ReconnectDelay, "broker", "reconnect")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.ReconnectDelay), uint64(b.cfg.ReconnectAttempts-1)),
		ctx,
	)
	connect := func() error {
		err := b.transport.Connect(ctx)
		if errors.Is(err, transport.ErrAuthFailed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		b.logger.Warn("reconnect failed", zap.Error(err), zap.Duration("retry_in", next))
	}

	if err := backoff.RetryNotifyWithTimer(connect, policy, notify, &clockTimer{clock: b.clock}); err != nil {
		return xerrors.Errorf("reconnect to messaging server: %w", err)
	}
	b.logger.Info("reconnected")
	return nil
}

// clockTimer lets backoff wait on the broker's clock.
type clockTimer struct {
	clock quartz.Clock
	timer *quartz.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.NewTimer(d, "broker", "retry")
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.C
}
