package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/thenoetrevino/boardsync/internal/models"
)

const taskColumns = `id, project_id, list_id, title, description, status, priority,
	position, creator_id, due_date, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (models.Task, error) {
	var (
		t           models.Task
		description sql.NullString
		creatorID   sql.NullString
		dueDate     sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := r.Scan(&t.ID, &t.ProjectID, &t.ListID, &t.Title, &description, &t.Status, &t.Priority,
		&t.Position, &creatorID, &dueDate, &createdAt, &updatedAt)
	if err != nil {
		return models.Task{}, err
	}
	t.Description = nullStringToString(description)
	t.CreatorID = nullStringToString(creatorID)
	t.DueDate = nullToTimePtr(dueDate)
	t.CreatedAt = fromUnix(createdAt)
	t.UpdatedAt = fromUnix(updatedAt)
	return t, nil
}

// GetTask loads a task with its assignees and watchers
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("failed to get task %s: %w", id, err)
	}

	tasks := map[string]*models.Task{t.ID: &t}
	if err := s.loadTaskUsers(ctx, "task_assignees", `t.id = ?`, id, tasks); err != nil {
		return models.Task{}, err
	}
	if err := s.loadTaskUsers(ctx, "task_watchers", `t.id = ?`, id, tasks); err != nil {
		return models.Task{}, err
	}
	return t, nil
}

// ListTasks returns every task of a project ordered by list and position
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+taskColumns+` FROM tasks WHERE project_id = ?
		ORDER BY list_id, position, id`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of project %s: %w", projectID, err)
	}

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	byID := make(map[string]*models.Task, len(out))
	for i := range out {
		byID[out[i].ID] = &out[i]
	}
	if err := s.loadTaskUsers(ctx, "task_assignees", `t.project_id = ?`, projectID, byID); err != nil {
		return nil, err
	}
	if err := s.loadTaskUsers(ctx, "task_watchers", `t.project_id = ?`, projectID, byID); err != nil {
		return nil, err
	}
	return out, nil
}

// loadTaskUsers fills AssigneeIDs or WatcherIDs from a join table
func (s *Store) loadTaskUsers(ctx context.Context, table, where string, arg any, tasks map[string]*models.Task) error {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT u.task_id, u.user_id FROM `+table+` u
		JOIN tasks t ON t.id = u.task_id
		WHERE `+where+` ORDER BY u.task_id, u.ord`), arg)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, userID string
		if err := rows.Scan(&taskID, &userID); err != nil {
			return err
		}
		t, ok := tasks[taskID]
		if !ok {
			continue
		}
		if table == "task_assignees" {
			t.AssigneeIDs = append(t.AssigneeIDs, userID)
		} else {
			t.WatcherIDs = append(t.WatcherIDs, userID)
		}
	}
	return rows.Err()
}

// InsertTask stores a new task
func (s *Store) InsertTask(ctx context.Context, t models.Task, positions map[string]int64, seq int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, t.ProjectID, t.ListID, t.Title, t.Description, string(t.Status), string(t.Priority),
			t.Position, t.CreatorID, timePtrToNull(t.DueDate), toUnix(t.CreatedAt), toUnix(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
		}
		if err := s.replaceTaskUsers(ctx, tx, t); err != nil {
			return err
		}
		if err := s.setPositions(ctx, tx, positions, t.ID); err != nil {
			return err
		}
		return s.bumpSequence(ctx, tx, t.ProjectID, seq)
	})
}

// SaveTask writes every mutable field of an existing task
func (s *Store) SaveTask(ctx context.Context, t models.Task, seq int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.updateTask(ctx, tx, t); err != nil {
			return err
		}
		if err := s.replaceTaskUsers(ctx, tx, t); err != nil {
			return err
		}
		return s.bumpSequence(ctx, tx, t.ProjectID, seq)
	})
}

// MoveTask changes a task's list and key
func (s *Store) MoveTask(ctx context.Context, taskID, listID string, position int64, seq int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var projectID string
		err := tx.QueryRowContext(ctx, s.q(`SELECT project_id FROM tasks WHERE id = ?`), taskID).Scan(&projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get task %s: %w", taskID, err)
		}

		_, err = tx.ExecContext(ctx, s.q(`UPDATE tasks SET list_id = ?, position = ? WHERE id = ?`),
			listID, position, taskID)
		if err != nil {
			return fmt.Errorf("failed to move task %s: %w", taskID, err)
		}
		return s.bumpSequence(ctx, tx, projectID, seq)
	})
}

// RenumberList saves the moved task and rewrites the keys of its list
func (s *Store) RenumberList(ctx context.Context, moved models.Task, positions map[string]int64, seq int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.updateTask(ctx, tx, moved); err != nil {
			return err
		}
		if err := s.setPositions(ctx, tx, positions, ""); err != nil {
			return err
		}
		return s.bumpSequence(ctx, tx, moved.ProjectID, seq)
	})
}

// DeleteTask removes a task and everything attached to it
func (s *Store) DeleteTask(ctx context.Context, projectID, taskID string, seq int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM task_assignees WHERE task_id = ?`,
			`DELETE FROM task_watchers WHERE task_id = ?`,
			`DELETE FROM comments WHERE task_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.q(stmt), taskID); err != nil {
				return fmt.Errorf("failed to delete task %s: %w", taskID, err)
			}
		}

		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE id = ? AND project_id = ?`), taskID, projectID)
		if err != nil {
			return fmt.Errorf("failed to delete task %s: %w", taskID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return s.bumpSequence(ctx, tx, projectID, seq)
	})
}

func (s *Store) updateTask(ctx context.Context, tx *sql.Tx, t models.Task) error {
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE tasks SET list_id = ?, title = ?, description = ?, status = ?, priority = ?,
			position = ?, due_date = ?, updated_at = ?
		WHERE id = ?`),
		t.ListID, t.Title, t.Description, string(t.Status), string(t.Priority),
		t.Position, timePtrToNull(t.DueDate), toUnix(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (s *Store) replaceTaskUsers(ctx context.Context, tx *sql.Tx, t models.Task) error {
	sets := []struct {
		table string
		ids   []string
	}{
		{"task_assignees", t.AssigneeIDs},
		{"task_watchers", t.WatcherIDs},
	}
	for _, set := range sets {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+set.table+` WHERE task_id = ?`), t.ID); err != nil {
			return fmt.Errorf("failed to clear %s for task %s: %w", set.table, t.ID, err)
		}
		for i, userID := range set.ids {
			_, err := tx.ExecContext(ctx, s.q(`
				INSERT INTO `+set.table+` (task_id, user_id, ord) VALUES (?, ?, ?)
				ON CONFLICT (task_id, user_id) DO NOTHING`),
				t.ID, userID, i,
			)
			if err != nil {
				return fmt.Errorf("failed to store %s for task %s: %w", set.table, t.ID, err)
			}
		}
	}
	return nil
}

// setPositions rewrites task keys, skipping the task named by skip
func (s *Store) setPositions(ctx context.Context, tx *sql.Tx, positions map[string]int64, skip string) error {
	for id, pos := range positions {
		if id == skip {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE tasks SET position = ? WHERE id = ?`), pos, id); err != nil {
			return fmt.Errorf("failed to reposition task %s: %w", id, err)
		}
	}
	return nil
}
