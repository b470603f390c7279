// Package chat drives chat sessions through their lifecycle. Every status
// change goes through Machine, which checks the transition, writes it to
// the store and queues the messages the other side should see.
package chat

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"chatbridge/db"
	"chatbridge/models"
)

// Text the remote side sees as a session moves through its lifecycle.
const (
	StartedText     = "Your chat has started."
	ClosedText      = "The chat is now closed."
	CanceledText    = "Your chat was canceled."
	UnansweredText  = "No one is available to answer your chat request right now."
	PendingText     = "Your message will be delivered when the chat begins."
	AlreadyOverText = "This chat is already closed."
)

// Store is the part of the queue store the state machine needs.
type Store interface {
	CreateSession(ctx context.Context, remoteUser, startMessage string) (int64, error)
	AcceptSession(ctx context.Context, id int64, localUser string) error
	CloseSession(ctx context.Context, id int64, status models.Status) error
	SetSessionStatus(ctx context.Context, id int64, status models.Status) error
	GetSession(ctx context.Context, id int64) (*models.Session, error)
	GetOpenSessionForLocalUser(ctx context.Context, localUser string) (*models.Session, error)
	GetSessionsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Session, error)
	EnqueueForLocal(ctx context.Context, id int64, text string) error
	EnqueueForRemote(ctx context.Context, id int64, text string) error
}

// Rejection is a request a user may not make in the session's current
// state. Its message is meant to be shown to that user.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return r.Reason
}

func reject(format string, args ...interface{}) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a user error rather than a fault.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

type Machine struct {
	store  Store
	logger *zap.Logger
}

func New(store Store, logger *zap.Logger) *Machine {
	return &Machine{store: store, logger: logger.Named("chat")}
}

// Start opens a new Waiting session for remoteUser.
func (m *Machine) Start(ctx context.Context, remoteUser, startMessage string) (int64, error) {
	id, err := m.store.CreateSession(ctx, remoteUser, startMessage)
	if err != nil {
		return 0, err
	}
	m.logger.Info("chat requested", zap.Int64("chat", id), zap.String("remote_user", remoteUser))
	return id, nil
}

// Notified records that every reachable local user has been told about
// a Waiting session.
func (m *Machine) Notified(ctx context.Context, s models.Session) error {
	if err := m.check(s, models.StatusNotified); err != nil {
		return err
	}
	return m.store.SetSessionStatus(ctx, s.ID, models.StatusNotified)
}

// Unanswered fails a Waiting session nobody was around to take.
func (m *Machine) Unanswered(ctx context.Context, s models.Session) error {
	if err := m.check(s, models.StatusFailed); err != nil {
		return err
	}
	if err := m.store.EnqueueForRemote(ctx, s.ID, UnansweredText); err != nil {
		return err
	}
	if err := m.store.CloseSession(ctx, s.ID, models.StatusFailed); err != nil {
		return err
	}
	m.logger.Info("chat failed, no local users available", zap.Int64("chat", s.ID), zap.String("remote_user", s.RemoteUser))
	return nil
}

// Accept hands session id to localUser. The session must have been
// offered and localUser must not already be in a chat.
func (m *Machine) Accept(ctx context.Context, id int64, localUser string) (*models.Session, error) {
	current, err := m.store.GetOpenSessionForLocalUser(ctx, localUser)
	switch {
	case err == nil:
		return nil, reject("You are already handling chat #%d with %s.", current.ID, current.RemoteUser)
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	s, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	switch s.Status {
	case models.StatusOpen:
		if s.LocalUser == localUser {
			return nil, reject("You are already handling chat #%d.", id)
		}
		return nil, reject("Chat #%d is already handled by %s.", id, s.LocalUser)
	case models.StatusClosed:
		return nil, reject("Chat #%d is already finished.", id)
	case models.StatusCanceledLocally:
		return nil, reject("Chat #%d was canceled.", id)
	case models.StatusFailed:
		return nil, reject("Chat #%d has already failed.", id)
	case models.StatusWaiting:
		return nil, reject("Chat #%d has not been offered yet. Try again in a moment.", id)
	}
	if err := m.check(*s, models.StatusOpen); err != nil {
		return nil, err
	}

	if err := m.store.AcceptSession(ctx, id, localUser); err != nil {
		return nil, err
	}
	if err := m.store.EnqueueForRemote(ctx, id, StartedText); err != nil {
		return nil, err
	}
	s.Status = models.StatusOpen
	s.LocalUser = localUser
	m.logger.Info("chat accepted", zap.Int64("chat", id), zap.String("local_user", localUser), zap.String("remote_user", s.RemoteUser))
	return s, nil
}

// Cancel withdraws a session that nobody has accepted yet.
func (m *Machine) Cancel(ctx context.Context, id int64, localUser string) error {
	s, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case s.Status == models.StatusOpen && s.LocalUser == localUser:
		return reject("You have already accepted chat #%d. Send '!FINISH' to close it.", id)
	case s.Status == models.StatusOpen:
		return reject("Chat #%d has already been accepted by %s.", id, s.LocalUser)
	case s.Status.Terminal():
		return reject("Chat #%d is already closed.", id)
	}
	if err := m.check(*s, models.StatusCanceledLocally); err != nil {
		return err
	}

	if err := m.store.CloseSession(ctx, id, models.StatusCanceledLocally); err != nil {
		return err
	}
	if err := m.store.EnqueueForRemote(ctx, id, CanceledText); err != nil {
		return err
	}
	m.logger.Info("chat canceled", zap.Int64("chat", id), zap.String("local_user", localUser))
	return nil
}

// Finish closes the Open session held by localUser.
func (m *Machine) Finish(ctx context.Context, localUser string) (*models.Session, error) {
	s, err := m.store.GetOpenSessionForLocalUser(ctx, localUser)
	if errors.Is(err, db.ErrNotFound) {
		return nil, reject("You are not currently active in a chat.")
	}
	if err != nil {
		return nil, err
	}
	if err := m.close(ctx, *s); err != nil {
		return nil, err
	}
	if err := m.store.EnqueueForRemote(ctx, s.ID, ClosedText); err != nil {
		return nil, err
	}
	return s, nil
}

// End closes session id on behalf of the remote side. Sessions that are
// not Open are left alone and End reports false.
func (m *Machine) End(ctx context.Context, id int64) (bool, error) {
	s, err := m.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.Status != models.StatusOpen {
		return false, nil
	}
	if err := m.close(ctx, *s); err != nil {
		return false, err
	}
	if err := m.store.EnqueueForLocal(ctx, id, ClosedText); err != nil {
		return false, err
	}
	if err := m.store.EnqueueForRemote(ctx, id, ClosedText); err != nil {
		return false, err
	}
	return true, nil
}

// Relay queues text from localUser for the remote side of their Open
// session. The returned session is nil when localUser is not in a chat.
func (m *Machine) Relay(ctx context.Context, localUser, text string) (*models.Session, error) {
	s, err := m.store.GetOpenSessionForLocalUser(ctx, localUser)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := m.store.EnqueueForRemote(ctx, s.ID, text); err != nil {
		return nil, err
	}
	m.logger.Debug("local message queued", zap.Int64("chat", s.ID), zap.String("local_user", localUser))
	return s, nil
}

// Current returns the Open session held by localUser, or nil.
func (m *Machine) Current(ctx context.Context, localUser string) (*models.Session, error) {
	s, err := m.store.GetOpenSessionForLocalUser(ctx, localUser)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return s, err
}

// Pending lists the sessions still waiting for someone to accept them.
func (m *Machine) Pending(ctx context.Context) ([]models.Session, error) {
	return m.store.GetSessionsByStatus(ctx, models.StatusWaiting, models.StatusNotified)
}

func (m *Machine) close(ctx context.Context, s models.Session) error {
	if err := m.check(s, models.StatusClosed); err != nil {
		return err
	}
	if err := m.store.CloseSession(ctx, s.ID, models.StatusClosed); err != nil {
		return err
	}
	m.logger.Info("chat closed", zap.Int64("chat", s.ID), zap.String("local_user", s.LocalUser), zap.String("remote_user", s.RemoteUser))
	return nil
}

func (m *Machine) lookup(ctx context.Context, id int64) (*models.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, reject("Chat #%d does not exist.", id)
	}
	return s, err
}

// check guards the transition graph. A failure here is a bug in the
// caller, not a user error.
func (m *Machine) check(s models.Session, to models.Status) error {
	if !CanTransition(s.Status, to) {
		return xerrors.Errorf("chat #%d: illegal transition %s -> %s", s.ID, s.Status, to)
	}
	return nil
}
