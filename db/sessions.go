package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/xerrors"

	"chatbridge/models"
)

// RequestSentText is queued for the remote user as soon as a session is
// created.
const RequestSentText = "Your chat request has been sent. Please wait while it is answered."

const sessionColumns = "id, local_user, remote_user, start_time, end_time, status, start_message"

type sessionRow struct {
	ID           int64          `db:"id"`
	LocalUser    sql.NullString `db:"local_user"`
	RemoteUser   string         `db:"remote_user"`
	StartTime    int64          `db:"start_time"`
	EndTime      sql.NullInt64  `db:"end_time"`
	Status       int            `db:"status"`
	StartMessage sql.NullString `db:"start_message"`
}

func (r sessionRow) session() models.Session {
	s := models.Session{
		ID:           r.ID,
		LocalUser:    r.LocalUser.String,
		RemoteUser:   r.RemoteUser,
		StartTime:    time.Unix(0, r.StartTime),
		Status:       models.Status(r.Status),
		StartMessage: r.StartMessage.String,
	}
	if r.EndTime.Valid {
		s.EndTime = time.Unix(0, r.EndTime.Int64)
	}
	return s
}

// CreateSession stores a new Waiting session and queues the request
// acknowledgement for the remote user in the same transaction.
func (db *DB) CreateSession(ctx context.Context, remoteUser, startMessage string) (int64, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, xerrors.Errorf("begin create session: %w", err)
	}
	defer tx.Rollback()

	now := db.now()
	var message sql.NullString
	if startMessage != "" {
		message = sql.NullString{String: startMessage, Valid: true}
	}

	result, err := tx.ExecContext(ctx,
		"INSERT INTO sessions (remote_user, start_time, status, start_message) VALUES (?, ?, ?, ?)",
		remoteUser, now, models.StatusWaiting, message,
	)
	if err != nil {
		return 0, xerrors.Errorf("insert session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, xerrors.Errorf("session id: %w", err)
	}

	if err := enqueue(ctx, tx, "remote_queue", id, RequestSentText, now); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, xerrors.Errorf("commit create session: %w", err)
	}
	return id, nil
}

// AcceptSession opens the session and assigns it to localUser. The
// caller has already checked that the session may be accepted.
func (db *DB) AcceptSession(ctx context.Context, id int64, localUser string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE sessions SET status = ?, local_user = ? WHERE id = ?",
		models.StatusOpen, localUser, id,
	)
	if err != nil {
		return xerrors.Errorf("accept session %d: %w", id, err)
	}
	return nil
}

// CloseSession moves the session to a terminal status and stamps its end
// time. A session that already has an end time is left untouched.
func (db *DB) CloseSession(ctx context.Context, id int64, status models.Status) error {
	if !status.Terminal() {
		return xerrors.Errorf("close session %d: status %s is not terminal", id, status)
	}
	_, err := db.conn.ExecContext(ctx,
		"UPDATE sessions SET status = ?, end_time = ? WHERE id = ? AND end_time IS NULL",
		status, db.now(), id,
	)
	if err != nil {
		return xerrors.Errorf("close session %d: %w", id, err)
	}
	return nil
}

func (db *DB) SetSessionStatus(ctx context.Context, id int64, status models.Status) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE sessions SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return xerrors.Errorf("set session %d status: %w", id, err)
	}
	return nil
}

func (db *DB) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	return db.getSession(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
}

// GetOpenSessionForLocalUser returns the one Open session held by
// localUser, or ErrNotFound.
func (db *DB) GetOpenSessionForLocalUser(ctx context.Context, localUser string) (*models.Session, error) {
	return db.getSession(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE local_user = ? AND status = ? ORDER BY id LIMIT 1",
		localUser, models.StatusOpen,
	)
}

func (db *DB) getSession(ctx context.Context, query string, args ...interface{}) (*models.Session, error) {
	var row sessionRow
	err := db.conn.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("get session: %w", err)
	}
	s := row.session()
	return &s, nil
}

// GetSessionsByStatus returns the sessions in any of the given statuses,
// oldest first.
func (db *DB) GetSessionsByStatus(ctx context.Context, statuses ...models.Status) ([]models.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT "+sessionColumns+" FROM sessions WHERE status IN (?) ORDER BY id", statuses)
	if err != nil {
		return nil, xerrors.Errorf("build status query: %w", err)
	}

	var rows []sessionRow
	if err := db.conn.SelectContext(ctx, &rows, db.conn.Rebind(query), args...); err != nil {
		return nil, xerrors.Errorf("sessions by status: %w", err)
	}

	sessions := make([]models.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.session())
	}
	return sessions, nil
}
