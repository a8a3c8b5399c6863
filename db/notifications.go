package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/deemkeen/campusnet/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertNotification  = `INSERT INTO notifications(id, user_id, actor_id, kind, message, read, created_at) VALUES (?, ?, ?, ?, ?, 0, ?)`
	sqlSelectNotifications = `SELECT id, user_id, actor_id, kind, message, read, created_at FROM notifications
                                                            WHERE user_id = ?
                                                            ORDER BY created_at DESC
                                                            LIMIT ?`
	sqlMarkNotificationsRead = `UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0`
)

func (db *DB) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if n.Id == "" {
		n.Id = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertNotification,
			n.Id,
			string(n.UserId),
			string(n.ActorId),
			string(n.Kind),
			n.Message,
			n.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadNotifications(ctx context.Context, user domain.Identity, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx, sqlSelectNotifications, string(user), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var userId, actorId, kind string
		if err := rows.Scan(&n.Id, &userId, &actorId, &kind, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return notifications, err
		}
		n.UserId = domain.Identity(userId)
		n.ActorId = domain.Identity(actorId)
		n.Kind = domain.NotificationKind(kind)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (db *DB) MarkNotificationsRead(ctx context.Context, user domain.Identity) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlMarkNotificationsRead, string(user))
		return err
	})
}
