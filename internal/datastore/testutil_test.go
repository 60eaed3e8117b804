package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thenoetrevino/boardsync/internal/models"
)

// ============================================================================
// DATABASE SETUP HELPERS
// ============================================================================

// setupTestStore opens a migrated in-memory database
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testTime = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

// seedBoard creates a project with one member and two lists
func seedBoard(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, models.User{ID: "u1", Username: "alice", CreatedAt: testTime}))
	require.NoError(t, s.CreateUser(ctx, models.User{ID: "u2", Username: "bob", CreatedAt: testTime}))
	require.NoError(t, s.CreateProject(ctx, models.Project{ID: "p1", Name: "Launch", CreatedAt: testTime}))
	require.NoError(t, s.AddMember(ctx, "p1", "u1", models.RoleOwner))
	require.NoError(t, s.CreateList(ctx, models.List{ID: "l1", ProjectID: "p1", Name: "Todo", Position: 1, CreatedAt: testTime}))
	require.NoError(t, s.CreateList(ctx, models.List{ID: "l2", ProjectID: "p1", Name: "Done", Position: 2, CreatedAt: testTime}))
}

func newTask(id, listID string, pos int64) models.Task {
	return models.Task{
		ID:        id,
		ProjectID: "p1",
		ListID:    listID,
		Title:     "Task " + id,
		Status:    models.StatusTodo,
		Priority:  models.PriorityMedium,
		Position:  pos,
		CreatedAt: testTime,
		UpdatedAt: testTime,
	}
}
