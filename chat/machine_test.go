package chat_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chatbridge/chat"
	"chatbridge/db"
	"chatbridge/models"
)

func setup(t *testing.T) (*chat.Machine, *db.DB) {
	t.Helper()
	database, err := db.New(context.Background(), filepath.Join(t.TempDir(), "chat.db"), quartz.NewMock(t))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return chat.New(database, zaptest.NewLogger(t)), database
}

// drain pops every queued remote message of a session.
func drain(t *testing.T, database *db.DB, id int64) []string {
	t.Helper()
	var out []string
	for {
		text, ok, err := database.TakeOldestForRemote(context.Background(), id)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, text)
	}
}

func status(t *testing.T, database *db.DB, id int64) models.Status {
	t.Helper()
	s, err := database.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s.Status
}

func requireRejected(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, chat.IsRejection(err), "expected a rejection, got %v", err)
	require.Equal(t, reason, err.Error())
}

func notified(t *testing.T, m *chat.Machine, database *db.DB, remoteUser string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := m.Start(ctx, remoteUser, "")
	require.NoError(t, err)
	s, err := database.GetSession(ctx, id)
	require.NoError(t, err)
	require.NoError(t, m.Notified(ctx, *s))
	return id
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	all := []models.Status{
		models.StatusWaiting,
		models.StatusNotified,
		models.StatusOpen,
		models.StatusClosed,
		models.StatusFailed,
		models.StatusCanceledLocally,
	}
	legal := map[[2]models.Status]bool{
		{models.StatusWaiting, models.StatusNotified}:         true,
		{models.StatusWaiting, models.StatusFailed}:           true,
		{models.StatusWaiting, models.StatusCanceledLocally}:  true,
		{models.StatusNotified, models.StatusOpen}:            true,
		{models.StatusNotified, models.StatusCanceledLocally}: true,
		{models.StatusOpen, models.StatusClosed}:              true,
		{models.StatusOpen, models.StatusCanceledLocally}:     true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, legal[[2]models.Status{from, to}], chat.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestAcceptLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, database := setup(t)

	id := notified(t, m, database, "alice")
	s, err := m.Accept(ctx, id, "bob")
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, s.Status)
	require.Equal(t, "bob", s.LocalUser)
	require.Equal(t, []string{db.RequestSentText, chat.StartedText}, drain(t, database, id))

	closed, err := m.Finish(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, id, closed.ID)
	require.Equal(t, models.StatusClosed, status(t, database, id))
	require.Equal(t, []string{chat.ClosedText}, drain(t, database, id))
}

func TestAcceptRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, database := setup(t)

	_, err := m.Accept(ctx, 99, "bob")
	requireRejected(t, err, "Chat #99 does not exist.")

	waiting, err := m.Start(ctx, "alice", "")
	require.NoError(t, err)
	_, err = m.Accept(ctx, waiting, "bob")
	requireRejected(t, err, "Chat #1 has not been offered yet. Try again in a moment.")
	require.Equal(t, models.StatusWaiting, status(t, database, waiting))

	first := notified(t, m, database, "carol")
	_, err = m.Accept(ctx, first, "bob")
	require.NoError(t, err)

	_, err = m.Accept(ctx, first, "bob")
	requireRejected(t, err, "You are already handling chat #2 with carol.")

	_, err = m.Accept(ctx, first, "dave")
	requireRejected(t, err, "Chat #2 is already handled by bob.")

	second := notified(t, m, database, "erin")
	_, err = m.Accept(ctx, second, "bob")
	requireRejected(t, err, "You are already handling chat #2 with carol.")
	require.Equal(t, models.StatusNotified, status(t, database, second))

	_, err = m.Finish(ctx, "bob")
	require.NoError(t, err)
	_, err = m.Accept(ctx, first, "dave")
	requireRejected(t, err, "Chat #2 is already finished.")

	require.NoError(t, m.Cancel(ctx, second, "dave"))
	_, err = m.Accept(ctx, second, "dave")
	requireRejected(t, err, "Chat #3 was canceled.")

	failed, err := m.Start(ctx, "frank", "")
	require.NoError(t, err)
	s, err := database.GetSession(ctx, failed)
	require.NoError(t, err)
	require.NoError(t, m.Unanswered(ctx, *s))
	_, err = m.Accept(ctx, failed, "dave")
	requireRejected(t, err, "Chat #4 has already failed.")
}

func TestCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, database := setup(t)

	err := m.Cancel(ctx, 7, "bob")
	requireRejected(t, err, "Chat #7 does not exist.")

	waiting, err := m.Start(ctx, "alice", "")
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, waiting, "bob"))
	require.Equal(t, models.StatusCanceledLocally, status(t, database, waiting))
	require.Equal(t, []string{db.RequestSentText, chat.CanceledText}, drain(t, database, waiting))

	err = m.Cancel(ctx, waiting, "bob")
	requireRejected(t, err, "Chat #1 is already closed.")

	open := notified(t, m, database, "carol")
	_, err = m.Accept(ctx, open, "bob")
	require.NoError(t, err)

	err = m.Cancel(ctx, open, "bob")
	requireRejected(t, err, "You have already accepted chat #2. Send '!FINISH' to close it.")
	err = m.Cancel(ctx, open, "dave")
	requireRejected(t, err, "Chat #2 has already been accepted by bob.")
	require.Equal(t, models.StatusOpen, status(t, database, open))
}

func TestFinishWithoutChat(t *testing.T) {
	t.Parallel()
	m, _ := setup(t)

	_, err := m.Finish(context.Background(), "bob")
	requireRejected(t, err, "You are not currently active in a chat.")
}

func TestEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, database := setup(t)

	ended, err := m.End(ctx, 5)
	require.NoError(t, err)
	require.False(t, ended)

	id := notified(t, m, database, "alice")
	ended, err = m.End(ctx, id)
	require.NoError(t, err)
	require.False(t, ended)
	require.Equal(t, models.StatusNotified, status(t, database, id))

	_, err = m.Accept(ctx, id, "bob")
	require.NoError(t, err)
	ended, err = m.End(ctx, id)
	require.NoError(t, err)
	require.True(t, ended)
	require.Equal(t, models.StatusClosed, status(t, database, id))

	deliveries, err := database.DrainUndeliveredForLocal(ctx)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, chat.ClosedText, deliveries[0].Payload)
	require.Equal(t, "bob", deliveries[0].LocalUser)

	ended, err = m.End(ctx, id)
	require.NoError(t, err)
	require.False(t, ended)
}

func TestUnansweredAndNotifiedGuardTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, database := setup(t)

	id := notified(t, m, database, "alice")
	s, err := database.GetSession(ctx, id)
	require.NoError(t, err)

	err = m.Unanswered(ctx, *s)
	require.Error(t, err)
	require.False(t, chat.IsRejection(err))
	err = m.Notified(ctx, *s)
	require.Error(t, err)
	require.Equal(t, models.StatusNotified, status(t, database, id))
}

func TestRelay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, database := setup(t)

	s, err := m.Relay(ctx, "bob", "anyone there?")
	require.NoError(t, err)
	require.Nil(t, s)

	id := notified(t, m, database, "alice")
	_, err = m.Accept(ctx, id, "bob")
	require.NoError(t, err)
	drain(t, database, id)

	s, err = m.Relay(ctx, "bob", "hello alice")
	require.NoError(t, err)
	require.Equal(t, id, s.ID)
	require.Equal(t, []string{"hello alice"}, drain(t, database, id))
}

func TestPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, database := setup(t)

	a, err := m.Start(ctx, "alice", "")
	require.NoError(t, err)
	b := notified(t, m, database, "carol")
	c := notified(t, m, database, "erin")
	_, err = m.Accept(ctx, c, "bob")
	require.NoError(t, err)

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, a, pending[0].ID)
	require.Equal(t, b, pending[1].ID)
}

func TestCurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, database := setup(t)

	s, err := m.Current(ctx, "bob")
	require.NoError(t, err)
	require.Nil(t, s)

	id := notified(t, m, database, "alice")
	_, err = m.Accept(ctx, id, "bob")
	require.NoError(t, err)

	s, err = m.Current(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, id, s.ID)
	require.Equal(t, "alice", s.RemoteUser)
}
