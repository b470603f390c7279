package remote_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"chatbridge/broker"
	"chatbridge/chat"
	"chatbridge/db"
	"chatbridge/models"
	"chatbridge/remote"
	"chatbridge/transport/transporttest"
)

func setup(t *testing.T) (*remote.Client, *db.DB) {
	t.Helper()
	database, err := db.New(context.Background(), filepath.Join(t.TempDir(), "remote.db"), quartz.NewMock(t))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return remote.New(database, zaptest.NewLogger(t)), database
}

func poll(t *testing.T, client *remote.Client, id int64, remoteUser string) string {
	t.Helper()
	text, ok, err := client.PollMessage(context.Background(), id, remoteUser)
	require.NoError(t, err)
	require.True(t, ok, "expected a message for chat #%d", id)
	return text
}

func requireNoMessage(t *testing.T, client *remote.Client, id int64, remoteUser string) {
	t.Helper()
	_, ok, err := client.PollMessage(context.Background(), id, remoteUser)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConversation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, database := setup(t)

	fake := transporttest.New()
	b := broker.New(broker.Config{LocalUsers: []string{"bob"}, ProcessSlice: time.Millisecond}, database, fake, quartz.NewReal(), zaptest.NewLogger(t), nil)
	require.NoError(t, b.Start(ctx))
	fake.SetPresence("bob", "", true)
	require.NoError(t, b.Step(ctx))

	available, err := client.IsAnyoneAvailable(ctx)
	require.NoError(t, err)
	require.True(t, available)

	id, err := client.StartSession(ctx, "alice", "hi")
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	require.Equal(t, db.RequestSentText, poll(t, client, id, "alice"))

	require.NoError(t, b.Step(ctx))
	s, err := database.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusNotified, s.Status)
	offers := fake.SentTo("bob")
	require.Len(t, offers, 1)
	require.Contains(t, offers[0], "alice")
	require.Contains(t, offers[0], "!ACCEPT 1")

	fake.Receive("bob", "!ACCEPT 1")
	require.NoError(t, b.Step(ctx))
	s, err = database.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, s.Status)
	require.Equal(t, "bob", s.LocalUser)
	require.Equal(t, chat.StartedText, poll(t, client, id, "alice"))

	available, err = client.IsAnyoneAvailable(ctx)
	require.NoError(t, err)
	require.False(t, available)

	delivered, err := client.SendMessage(ctx, id, "alice", "what are your hours?")
	require.NoError(t, err)
	require.True(t, delivered)
	fake.Sent()
	require.NoError(t, b.Step(ctx))
	require.Equal(t, []string{"what are your hours?"}, fake.SentTo("bob"))

	fake.Receive("bob", "nine to five")
	require.NoError(t, b.Step(ctx))
	require.Equal(t, "nine to five", poll(t, client, id, "alice"))

	fake.Receive("bob", "!FINISH")
	require.NoError(t, b.Step(ctx))
	s, err = database.GetSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.StatusClosed, s.Status)
	require.Equal(t, chat.ClosedText, poll(t, client, id, "alice"))

	delivered, err = client.SendMessage(ctx, id, "alice", "bye")
	require.NoError(t, err)
	require.False(t, delivered)
	require.Equal(t, chat.AlreadyOverText, poll(t, client, id, "alice"))
	requireNoMessage(t, client, id, "alice")
}

func TestIdentityIsChecked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, _ := setup(t)

	id, err := client.StartSession(ctx, "alice", "")
	require.NoError(t, err)

	requireNoMessage(t, client, id, "mallory")
	requireNoMessage(t, client, 42, "alice")

	delivered, err := client.SendMessage(ctx, id, "mallory", "hello")
	require.NoError(t, err)
	require.False(t, delivered)

	ended, err := client.EndSession(ctx, id, "mallory")
	require.NoError(t, err)
	require.False(t, ended)

	// The ack is still waiting for its rightful owner.
	require.Equal(t, db.RequestSentText, poll(t, client, id, "alice"))
	requireNoMessage(t, client, id, "alice")
}

func TestMessageBeforeAcceptIsHeld(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, database := setup(t)

	id, err := client.StartSession(ctx, "alice", "")
	require.NoError(t, err)
	poll(t, client, id, "alice")

	delivered, err := client.SendMessage(ctx, id, "alice", "still there?")
	require.NoError(t, err)
	require.True(t, delivered)
	require.Equal(t, chat.PendingText, poll(t, client, id, "alice"))

	// Nobody holds the chat yet, so nothing is ready for local delivery.
	deliveries, err := database.DrainUndeliveredForLocal(ctx)
	require.NoError(t, err)
	require.Empty(t, deliveries)

	require.NoError(t, database.SetSessionStatus(ctx, id, models.StatusNotified))
	require.NoError(t, database.AcceptSession(ctx, id, "bob"))
	deliveries, err = database.DrainUndeliveredForLocal(ctx)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, "still there?", deliveries[0].Payload)
}

func TestEndSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, database := setup(t)

	id, err := client.StartSession(ctx, "alice", "")
	require.NoError(t, err)
	poll(t, client, id, "alice")

	ended, err := client.EndSession(ctx, id, "alice")
	require.NoError(t, err)
	require.False(t, ended)

	require.NoError(t, database.SetSessionStatus(ctx, id, models.StatusNotified))
	require.NoError(t, database.AcceptSession(ctx, id, "bob"))

	ended, err = client.EndSession(ctx, id, "alice")
	require.NoError(t, err)
	require.True(t, ended)
	require.Equal(t, chat.ClosedText, poll(t, client, id, "alice"))

	deliveries, err := database.DrainUndeliveredForLocal(ctx)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, chat.ClosedText, deliveries[0].Payload)
}

func TestConcurrentPollers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	client, database := setup(t)

	id, err := client.StartSession(ctx, "alice", "")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, database.EnqueueForRemote(ctx, id, "reply"))
	}

	var (
		mu    sync.Mutex
		count int
		wg    sync.WaitGroup
	)
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, ok, err := client.PollMessage(ctx, id, "alice")
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 21, count)
}
