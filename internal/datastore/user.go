package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/thenoetrevino/boardsync/internal/models"
)

// CreateUser inserts a user
func (s *Store) CreateUser(ctx context.Context, u models.User) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO users (id, username, display_name, created_at) VALUES (?, ?, ?, ?)`),
		u.ID, u.Username, u.DisplayName, toUnix(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert user %s: %w", u.Username, err)
	}
	return nil
}

// GetUser loads a user by id
func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	var (
		u           models.User
		displayName sql.NullString
		createdAt   int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, username, display_name, created_at FROM users WHERE id = ?`), id,
	).Scan(&u.ID, &u.Username, &displayName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	u.DisplayName = nullStringToString(displayName)
	u.CreatedAt = fromUnix(createdAt)
	return u, nil
}

// ResolveUsernames maps usernames to user ids. Unknown names are absent
// from the result.
func (s *Store) ResolveUsernames(ctx context.Context, usernames []string) (map[string]string, error) {
	out := make(map[string]string, len(usernames))
	if len(usernames) == 0 {
		return out, nil
	}

	args := make([]any, len(usernames))
	for i, name := range usernames {
		args[i] = name
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT username, id FROM users WHERE username IN (`+placeholders(len(usernames))+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve usernames: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, err
		}
		out[name] = id
	}
	return out, rows.Err()
}
