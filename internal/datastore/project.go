package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/thenoetrevino/boardsync/internal/models"
)

// CreateProject inserts a project
func (s *Store) CreateProject(ctx context.Context, p models.Project) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO projects (id, workspace_id, name, description, last_sequence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		p.ID, p.WorkspaceID, p.Name, p.Description, p.LastSequence, toUnix(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert project %s: %w", p.ID, err)
	}
	return nil
}

// GetProject loads a project by id
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	var (
		p           models.Project
		workspaceID sql.NullString
		description sql.NullString
		createdAt   int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, workspace_id, name, description, last_sequence, created_at
		FROM projects WHERE id = ?`), id,
	).Scan(&p.ID, &workspaceID, &p.Name, &description, &p.LastSequence, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("failed to get project %s: %w", id, err)
	}

	p.WorkspaceID = nullStringToString(workspaceID)
	p.Description = nullStringToString(description)
	p.CreatedAt = fromUnix(createdAt)
	return p, nil
}

// ProjectSequence returns the persisted sequence watermark of a project
func (s *Store) ProjectSequence(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT last_sequence FROM projects WHERE id = ?`), id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get sequence for project %s: %w", id, err)
	}
	return seq, nil
}

// AddMember grants a user access to a project. Adding an existing member
// is a no-op.
func (s *Store) AddMember(ctx context.Context, projectID, userID, role string) error {
	if role == "" {
		role = models.RoleMember
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO project_members (project_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT (project_id, user_id) DO NOTHING`),
		projectID, userID, role,
	)
	if err != nil {
		return fmt.Errorf("failed to add member %s to project %s: %w", userID, projectID, err)
	}
	return nil
}

// IsMember reports whether the user may access the project
func (s *Store) IsMember(ctx context.Context, projectID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*) FROM project_members WHERE project_id = ? AND user_id = ?`),
		projectID, userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return n > 0, nil
}

// ListMembers returns the user ids of a project's members
func (s *Store) ListMembers(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id FROM project_members WHERE project_id = ? ORDER BY user_id`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// bumpSequence stores seq as the project's watermark. It never moves the
// watermark backwards.
func (s *Store) bumpSequence(ctx context.Context, tx *sql.Tx, projectID string, seq int64) error {
	if seq <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, s.q(`
		UPDATE projects SET last_sequence = ? WHERE id = ? AND last_sequence < ?`),
		seq, projectID, seq,
	)
	if err != nil {
		return fmt.Errorf("failed to advance sequence of project %s: %w", projectID, err)
	}
	return nil
}
