package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/thenoetrevino/boardsync/internal/models"
)

// InsertComment stores a comment and advances the project's watermark
func (s *Store) InsertComment(ctx context.Context, c models.Comment, seq int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO comments (id, project_id, task_id, author_id, body, mentions, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			c.ID, c.ProjectID, c.TaskID, c.AuthorID, c.Body, joinIDs(c.Mentions), toUnix(c.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert comment on task %s: %w", c.TaskID, err)
		}
		return s.bumpSequence(ctx, tx, c.ProjectID, seq)
	})
}

// ListComments returns a task's comments oldest first
func (s *Store) ListComments(ctx context.Context, taskID string) ([]models.Comment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, project_id, task_id, author_id, body, mentions, created_at
		FROM comments WHERE task_id = ? ORDER BY created_at, id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments of task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []models.Comment
	for rows.Next() {
		var (
			c         models.Comment
			mentions  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.TaskID, &c.AuthorID, &c.Body, &mentions, &createdAt); err != nil {
			return nil, err
		}
		c.Mentions = splitIDs(nullStringToString(mentions))
		c.CreatedAt = fromUnix(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
