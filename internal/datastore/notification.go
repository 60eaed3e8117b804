package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/thenoetrevino/boardsync/internal/models"
)

// InsertNotification stores a notification. A second notification for the
// same recipient, project and sequence returns ErrDuplicate.
func (s *Store) InsertNotification(ctx context.Context, n models.Notification) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO notifications (id, recipient_id, project_id, event_sequence, event_kind, task_id,
			title, message, action_reference, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (recipient_id, project_id, event_sequence) DO NOTHING`),
		n.ID, n.RecipientID, n.ProjectID, n.EventSequence, n.EventKind, n.TaskID,
		n.Title, n.Message, n.ActionReference, n.Read, toUnix(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification for %s: %w", n.RecipientID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert notification for %s: %w", n.RecipientID, err)
	}
	if affected == 0 {
		return ErrDuplicate
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first
func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, recipient_id, project_id, event_sequence, event_kind, task_id,
			title, message, action_reference, is_read, created_at
		FROM notifications WHERE recipient_id = ?`
	if unreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, s.q(query), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var (
			n         models.Notification
			taskID    sql.NullString
			actionRef sql.NullString
			createdAt int64
		)
		err := rows.Scan(&n.ID, &n.RecipientID, &n.ProjectID, &n.EventSequence, &n.EventKind, &taskID,
			&n.Title, &n.Message, &actionRef, &n.Read, &createdAt)
		if err != nil {
			return nil, err
		}
		n.TaskID = nullStringToString(taskID)
		n.ActionReference = nullStringToString(actionRef)
		n.CreatedAt = fromUnix(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead marks a notification read. Only its recipient may
// do so; anything else reports ErrNotFound.
func (s *Store) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE notifications SET is_read = TRUE WHERE id = ? AND recipient_id = ?`),
		notificationID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark notification %s read: %w", notificationID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("notification %s: %w", notificationID, ErrNotFound)
	}
	return nil
}
