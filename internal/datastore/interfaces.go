package datastore

import (
	"context"

	"github.com/thenoetrevino/boardsync/internal/models"
)

// ProjectRepository covers projects, membership and the sequence watermark.
type ProjectRepository interface {
	CreateProject(ctx context.Context, p models.Project) error
	GetProject(ctx context.Context, id string) (models.Project, error)
	ProjectSequence(ctx context.Context, id string) (int64, error)
	AddMember(ctx context.Context, projectID, userID, role string) error
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
	ListMembers(ctx context.Context, projectID string) ([]string, error)
}

// ListRepository covers board lists
type ListRepository interface {
	CreateList(ctx context.Context, l models.List) error
	GetList(ctx context.Context, id string) (models.List, error)
	ListLists(ctx context.Context, projectID string) ([]models.List, error)
}

// TaskReader defines read operations for tasks.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
	ListTasks(ctx context.Context, projectID string) ([]models.Task, error)
}

// TaskWriter defines write operations for tasks. Every write stores seq as
// the project's last sequence in the same transaction.
type TaskWriter interface {
	// InsertTask stores a new task. positions, when non-nil, rewrites the
	// keys of other tasks in the same transaction.
	InsertTask(ctx context.Context, t models.Task, positions map[string]int64, seq int64) error
	SaveTask(ctx context.Context, t models.Task, seq int64) error
	MoveTask(ctx context.Context, taskID, listID string, position int64, seq int64) error
	RenumberList(ctx context.Context, moved models.Task, positions map[string]int64, seq int64) error
	DeleteTask(ctx context.Context, projectID, taskID string, seq int64) error
}

// TaskRepository combines all task-related operations.
type TaskRepository interface {
	TaskReader
	TaskWriter
}

// CommentRepository covers task comments
type CommentRepository interface {
	InsertComment(ctx context.Context, c models.Comment, seq int64) error
	ListComments(ctx context.Context, taskID string) ([]models.Comment, error)
}

// NotificationRepository covers per-user notifications
type NotificationRepository interface {
	InsertNotification(ctx context.Context, n models.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
}

// UserRepository covers principals
type UserRepository interface {
	CreateUser(ctx context.Context, u models.User) error
	GetUser(ctx context.Context, id string) (models.User, error)
	ResolveUsernames(ctx context.Context, usernames []string) (map[string]string, error)
}

// DataStore defines the unified interface for all data operations.
// Consumers can depend on the smaller interfaces for clearer dependencies.
type DataStore interface {
	ProjectRepository
	ListRepository
	TaskRepository
	CommentRepository
	NotificationRepository
	UserRepository
}

// Compile-time verification that *Store implements DataStore
var _ DataStore = (*Store)(nil)
