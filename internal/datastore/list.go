package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/thenoetrevino/boardsync/internal/models"
)

// CreateList inserts a list
func (s *Store) CreateList(ctx context.Context, l models.List) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO lists (id, project_id, name, position, created_at) VALUES (?, ?, ?, ?, ?)`),
		l.ID, l.ProjectID, l.Name, l.Position, toUnix(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert list %s: %w", l.ID, err)
	}
	return nil
}

// GetList loads a list by id
func (s *Store) GetList(ctx context.Context, id string) (models.List, error) {
	var (
		l         models.List
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, project_id, name, position, created_at FROM lists WHERE id = ?`), id,
	).Scan(&l.ID, &l.ProjectID, &l.Name, &l.Position, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.List{}, fmt.Errorf("list %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.List{}, fmt.Errorf("failed to get list %s: %w", id, err)
	}
	l.CreatedAt = fromUnix(createdAt)
	return l, nil
}

// ListLists returns a project's lists in board order
func (s *Store) ListLists(ctx context.Context, projectID string) ([]models.List, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, project_id, name, position, created_at
		FROM lists WHERE project_id = ? ORDER BY position, id`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lists of project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []models.List
	for rows.Next() {
		var (
			l         models.List
			createdAt int64
		)
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Name, &l.Position, &createdAt); err != nil {
			return nil, err
		}
		l.CreatedAt = fromUnix(createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}
