// Package remote is the side of the broker that web visitors talk to.
// Visitor identities are opaque strings supplied by the caller; every
// operation on an existing chat checks that the caller is the visitor who
// started it.
package remote

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chatbridge/chat"
	"chatbridge/db"
	"chatbridge/models"
)

type Store interface {
	chat.Store
	TakeOldestForRemote(ctx context.Context, sessionID int64) (string, bool, error)
	ListReachableLocalUsers(ctx context.Context) ([]string, error)
}

type Client struct {
	store   Store
	machine *chat.Machine
	logger  *zap.Logger
}

func New(store Store, logger *zap.Logger) *Client {
	logger = logger.Named("remote")
	return &Client{
		store:   store,
		machine: chat.New(store, logger),
		logger:  logger,
	}
}

// StartSession files a chat request and returns its id.
func (c *Client) StartSession(ctx context.Context, remoteUser, message string) (int64, error) {
	return c.machine.Start(ctx, remoteUser, message)
}

// PollMessage consumes the oldest message queued for remoteUser in chat
// id. A chat that does not exist or belongs to someone else has no
// messages.
func (c *Client) PollMessage(ctx context.Context, id int64, remoteUser string) (string, bool, error) {
	if _, ok, err := c.owned(ctx, id, remoteUser); !ok || err != nil {
		return "", false, err
	}
	return c.store.TakeOldestForRemote(ctx, id)
}

// SendMessage queues text for the local side of chat id and reports
// whether it will be delivered. Text sent before the chat is accepted is
// held until a local user takes it.
func (c *Client) SendMessage(ctx context.Context, id int64, remoteUser, text string) (bool, error) {
	s, ok, err := c.owned(ctx, id, remoteUser)
	if !ok || err != nil {
		return false, err
	}

	switch {
	case s.Status.Terminal():
		return false, c.store.EnqueueForRemote(ctx, id, chat.AlreadyOverText)
	case s.Status == models.StatusWaiting || s.Status == models.StatusNotified:
		if err := c.store.EnqueueForRemote(ctx, id, chat.PendingText); err != nil {
			return false, err
		}
	}
	if err := c.store.EnqueueForLocal(ctx, id, text); err != nil {
		return false, err
	}
	return true, nil
}

// EndSession closes chat id on the visitor's behalf. It reports false
// when the chat was not open.
func (c *Client) EndSession(ctx context.Context, id int64, remoteUser string) (bool, error) {
	if _, ok, err := c.owned(ctx, id, remoteUser); !ok || err != nil {
		return false, err
	}
	return c.machine.End(ctx, id)
}

// IsAnyoneAvailable reports whether a chat request made now would reach
// at least one local user.
func (c *Client) IsAnyoneAvailable(ctx context.Context) (bool, error) {
	users, err := c.store.ListReachableLocalUsers(ctx)
	if err != nil {
		return false, err
	}
	return len(users) > 0, nil
}

func (c *Client) owned(ctx context.Context, id int64, remoteUser string) (*models.Session, bool, error) {
	s, err := c.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.RemoteUser != remoteUser {
		c.logger.Warn("chat requested by another visitor", zap.Int64("chat", id), zap.String("remote_user", remoteUser))
		return nil, false, nil
	}
	return s, true, nil
}
