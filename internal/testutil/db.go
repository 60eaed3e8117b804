// Package testutil holds fixtures shared by package tests: a seeded
// in-memory store, signed tokens and websocket helpers.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/thenoetrevino/boardsync/internal/datastore"
	"github.com/thenoetrevino/boardsync/internal/models"
)

// TestTime is the creation time stamped on seeded rows
var TestTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// SetupTestStore opens a migrated in-memory database closed at test end
func SetupTestStore(t *testing.T) *datastore.Store {
	t.Helper()
	store, err := datastore.Open(context.Background(), datastore.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("Warning: store close error during cleanup: %v", err)
		}
	})
	return store
}

// SeedBoard creates users u1 (alice), u2 (bob) and u3 (mallory), project p1
// with u1 and u2 as members, and lists l1 (Todo) and l2 (Done).
func SeedBoard(t *testing.T, store *datastore.Store) {
	t.Helper()
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Failed to seed board: %v", err)
		}
	}
	must(store.CreateUser(ctx, models.User{ID: "u1", Username: "alice", CreatedAt: TestTime}))
	must(store.CreateUser(ctx, models.User{ID: "u2", Username: "bob", CreatedAt: TestTime}))
	must(store.CreateUser(ctx, models.User{ID: "u3", Username: "mallory", CreatedAt: TestTime}))
	must(store.CreateProject(ctx, models.Project{ID: "p1", Name: "Launch", CreatedAt: TestTime}))
	must(store.AddMember(ctx, "p1", "u1", models.RoleOwner))
	must(store.AddMember(ctx, "p1", "u2", models.RoleMember))
	must(store.CreateList(ctx, models.List{ID: "l1", ProjectID: "p1", Name: "Todo", Position: 1, CreatedAt: TestTime}))
	must(store.CreateList(ctx, models.List{ID: "l2", ProjectID: "p1", Name: "Done", Position: 2, CreatedAt: TestTime}))
}

// CreateTestTask stores a task in project p1 directly, bypassing the board
func CreateTestTask(t *testing.T, store *datastore.Store, id, listID string, pos int64, assignees ...string) models.Task {
	t.Helper()
	task := models.Task{
		ID:          id,
		ProjectID:   "p1",
		ListID:      listID,
		Title:       "Task " + id,
		Status:      models.StatusTodo,
		Priority:    models.PriorityMedium,
		Position:    pos,
		AssigneeIDs: assignees,
		CreatorID:   "u1",
		CreatedAt:   TestTime,
		UpdatedAt:   TestTime,
	}
	if err := store.InsertTask(context.Background(), task, nil, 0); err != nil {
		t.Fatalf("Failed to create test task: %v", err)
	}
	return task
}
