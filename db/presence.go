package db

import (
	"context"

	"golang.org/x/xerrors"

	"chatbridge/models"
)

// SetPresence records whether one resource of a local user is reachable.
func (db *DB) SetPresence(ctx context.Context, localUser, resource string, online bool) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO presence (local_user, resource, online) VALUES (?, ?, ?)
		ON CONFLICT(local_user, resource) DO UPDATE SET online = excluded.online`,
		localUser, resource, online,
	)
	if err != nil {
		return xerrors.Errorf("set presence of %s: %w", localUser, err)
	}
	return nil
}

// ClearPresence forgets every cached presence.
func (db *DB) ClearPresence(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM presence"); err != nil {
		return xerrors.Errorf("clear presence: %w", err)
	}
	return nil
}

// ListReachableLocalUsers returns the local users with at least one
// online resource who are not already in an Open session, sorted.
func (db *DB) ListReachableLocalUsers(ctx context.Context) ([]string, error) {
	var users []string
	err := db.conn.SelectContext(ctx, &users, `
		SELECT DISTINCT p.local_user
		FROM presence p
		WHERE p.online = 1
		  AND p.local_user NOT IN (
			SELECT local_user FROM sessions WHERE status = ? AND local_user IS NOT NULL
		  )
		ORDER BY p.local_user`,
		models.StatusOpen,
	)
	if err != nil {
		return nil, xerrors.Errorf("list reachable local users: %w", err)
	}
	return users, nil
}
