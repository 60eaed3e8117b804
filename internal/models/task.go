package models

import (
	"slices"
	"time"
)

// Task represents a single card on a board
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	ListID      string     `json:"list_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Position    int64      `json:"position"`
	AssigneeIDs []string   `json:"assignee_ids,omitempty"`
	WatcherIDs  []string   `json:"watcher_ids,omitempty"`
	CreatorID   string     `json:"creator_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the task. Nil slices stay nil so a restored
// copy compares equal to the value it was taken from.
func (t Task) Clone() Task {
	c := t
	c.AssigneeIDs = slices.Clone(t.AssigneeIDs)
	c.WatcherIDs = slices.Clone(t.WatcherIDs)
	if t.DueDate != nil {
		due := *t.DueDate
		c.DueDate = &due
	}
	return c
}

// HasAssignee reports whether userID is assigned to the task
func (t Task) HasAssignee(userID string) bool {
	return slices.Contains(t.AssigneeIDs, userID)
}

// List is an ordered column of tasks within a project
type List struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Position  int64     `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}
