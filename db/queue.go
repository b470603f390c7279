package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/xerrors"

	"chatbridge/models"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func enqueue(ctx context.Context, e execer, table string, sessionID int64, text string, now int64) error {
	_, err := e.ExecContext(ctx,
		"INSERT INTO "+table+" (session_id, post_time, payload) VALUES (?, ?, ?)",
		sessionID, now, text,
	)
	if err != nil {
		return xerrors.Errorf("enqueue into %s for session %d: %w", table, sessionID, err)
	}
	return nil
}

// EnqueueForLocal queues text for delivery to the session's local user.
func (db *DB) EnqueueForLocal(ctx context.Context, sessionID int64, text string) error {
	return enqueue(ctx, db.conn, "local_queue", sessionID, text, db.now())
}

// EnqueueForRemote queues text for the session's remote user to poll.
func (db *DB) EnqueueForRemote(ctx context.Context, sessionID int64, text string) error {
	return enqueue(ctx, db.conn, "remote_queue", sessionID, text, db.now())
}

// TakeOldestForRemote returns the oldest undelivered remote-bound message
// of the session and marks it delivered. The select and the update run in
// one immediate transaction, so concurrent pollers never receive the same
// message. ok is false when nothing is queued.
func (db *DB) TakeOldestForRemote(ctx context.Context, sessionID int64) (text string, ok bool, err error) {
	// Once begun, the transaction runs to commit or rollback even if the
	// caller gives up.
	ctx = context.WithoutCancel(ctx)

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, xerrors.Errorf("begin take for session %d: %w", sessionID, err)
	}
	defer tx.Rollback()

	var row struct {
		ID      int64  `db:"id"`
		Payload string `db:"payload"`
	}
	err = tx.GetContext(ctx, &row,
		"SELECT id, payload FROM remote_queue WHERE session_id = ? AND send_time IS NULL ORDER BY id LIMIT 1",
		sessionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, xerrors.Errorf("select oldest for session %d: %w", sessionID, err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE remote_queue SET send_time = ? WHERE id = ?", db.now(), row.ID); err != nil {
		return "", false, xerrors.Errorf("mark remote message %d: %w", row.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, xerrors.Errorf("commit take for session %d: %w", sessionID, err)
	}
	return row.Payload, true, nil
}

// DrainUndeliveredForLocal lists every undelivered local-bound message
// whose session has a local user, in queue order. Only the broker loop
// consumes this queue, so no lock is taken.
func (db *DB) DrainUndeliveredForLocal(ctx context.Context) ([]models.LocalDelivery, error) {
	var rows []struct {
		MessageID  int64  `db:"message_id"`
		SessionID  int64  `db:"session_id"`
		LocalUser  string `db:"local_user"`
		RemoteUser string `db:"remote_user"`
		Payload    string `db:"payload"`
	}
	err := db.conn.SelectContext(ctx, &rows, `
		SELECT q.id AS message_id, s.id AS session_id, s.local_user, s.remote_user, q.payload
		FROM local_queue q
		JOIN sessions s ON s.id = q.session_id
		WHERE q.send_time IS NULL AND s.local_user IS NOT NULL
		ORDER BY q.id
	`)
	if err != nil {
		return nil, xerrors.Errorf("drain local queue: %w", err)
	}

	deliveries := make([]models.LocalDelivery, 0, len(rows))
	for _, r := range rows {
		deliveries = append(deliveries, models.LocalDelivery{
			MessageID:  r.MessageID,
			SessionID:  r.SessionID,
			LocalUser:  r.LocalUser,
			RemoteUser: r.RemoteUser,
			Payload:    r.Payload,
		})
	}
	return deliveries, nil
}

func (db *DB) MarkLocalDelivered(ctx context.Context, messageID int64) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE local_queue SET send_time = ? WHERE id = ?", db.now(), messageID)
	if err != nil {
		return xerrors.Errorf("mark local message %d: %w", messageID, err)
	}
	return nil
}

type queueRow struct {
	ID        int64         `db:"id"`
	SessionID int64         `db:"session_id"`
	PostTime  int64         `db:"post_time"`
	SendTime  sql.NullInt64 `db:"send_time"`
	Payload   string        `db:"payload"`
}

func (r queueRow) message() models.QueuedMessage {
	m := models.QueuedMessage{
		ID:        r.ID,
		SessionID: r.SessionID,
		PostTime:  time.Unix(0, r.PostTime),
		Payload:   r.Payload,
	}
	if r.SendTime.Valid {
		m.SendTime = time.Unix(0, r.SendTime.Int64)
	}
	return m
}

// History returns every message ever queued for the session in both
// directions, delivered or not, in queue order.
func (db *DB) History(ctx context.Context, sessionID int64) (local, remote []models.QueuedMessage, err error) {
	local, err = db.history(ctx, "local_queue", sessionID)
	if err != nil {
		return nil, nil, err
	}
	remote, err = db.history(ctx, "remote_queue", sessionID)
	if err != nil {
		return nil, nil, err
	}
	return local, remote, nil
}

func (db *DB) history(ctx context.Context, table string, sessionID int64) ([]models.QueuedMessage, error) {
	var rows []queueRow
	err := db.conn.SelectContext(ctx, &rows,
		"SELECT id, session_id, post_time, send_time, payload FROM "+table+" WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, xerrors.Errorf("history from %s for session %d: %w", table, sessionID, err)
	}
	messages := make([]models.QueuedMessage, 0, len(rows))
	for _, r := range rows {
		messages = append(messages, r.message())
	}
	return messages, nil
}
