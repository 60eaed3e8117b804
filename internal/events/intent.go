package events

import (
	"encoding/json"
	"time"

	"github.com/thenoetrevino/boardsync/internal/models"
)

// Action names the mutation an intent requests
type Action string

const (
	ActionCreateTask       Action = "create_task"
	ActionMoveTask         Action = "move_task"
	ActionUpdateTask       Action = "update_task"
	ActionDeleteTask       Action = "delete_task"
	ActionCreateComment    Action = "create_comment"
	ActionMarkNotification Action = "mark_notification_read"
)

// Intent is a client's request to mutate a project
type Intent struct {
	Action        Action          `json:"action"`
	ProjectID     string          `json:"project_id,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewIntent encodes payload into an intent
func NewIntent(action Action, projectID, entityID, correlationID string, payload any) (Intent, error) {
	in := Intent{
		Action:        action,
		ProjectID:     projectID,
		EntityID:      entityID,
		CorrelationID: correlationID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Intent{}, err
		}
		in.Payload = raw
	}
	return in, nil
}

// Decode unmarshals the intent payload into v
func (i Intent) Decode(v any) error {
	if len(i.Payload) == 0 {
		return Errorf(CodeInvalid, "%s intent has no payload", i.Action)
	}
	if err := json.Unmarshal(i.Payload, v); err != nil {
		return Errorf(CodeInvalid, "malformed %s payload: %v", i.Action, err)
	}
	return nil
}

// CreateTaskPayload creates a task. TaskID may be proposed by the client so
// optimistic state and the confirmed event refer to the same id. A nil
// Index appends to the list.
type CreateTaskPayload struct {
	TaskID      string          `json:"task_id,omitempty"`
	ListID      string          `json:"list_id"`
	Index       *int            `json:"index,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Status      models.Status   `json:"status,omitempty"`
	Priority    models.Priority `json:"priority,omitempty"`
	AssigneeIDs []string        `json:"assignee_ids,omitempty"`
	WatcherIDs  []string        `json:"watcher_ids,omitempty"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
}

// MoveTaskPayload moves a task to index within list_id, counted with the task
// itself removed from its current list.
type MoveTaskPayload struct {
	ListID string `json:"list_id"`
	Index  int    `json:"index"`
}

// UpdateTaskPayload carries only the fields being changed
type UpdateTaskPayload struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	Status      *models.Status   `json:"status,omitempty"`
	Priority    *models.Priority `json:"priority,omitempty"`
	AssigneeIDs *[]string        `json:"assignee_ids,omitempty"`
	WatcherIDs  *[]string        `json:"watcher_ids,omitempty"`
	DueDate     *time.Time       `json:"due_date,omitempty"`
	ClearDue    bool             `json:"clear_due_date,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p UpdateTaskPayload) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.AssigneeIDs == nil && p.WatcherIDs == nil &&
		p.DueDate == nil && !p.ClearDue
}

// Apply writes the patch onto t and returns the names of the changed fields
func (p UpdateTaskPayload) Apply(t *models.Task) []string {
	var changed []string
	if p.Title != nil {
		t.Title = *p.Title
		changed = append(changed, "title")
	}
	if p.Description != nil {
		t.Description = *p.Description
		changed = append(changed, "description")
	}
	if p.Status != nil {
		t.Status = *p.Status
		changed = append(changed, "status")
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
		changed = append(changed, "priority")
	}
	if p.AssigneeIDs != nil {
		t.AssigneeIDs = append([]string(nil), (*p.AssigneeIDs)...)
		changed = append(changed, "assignees")
	}
	if p.WatcherIDs != nil {
		t.WatcherIDs = append([]string(nil), (*p.WatcherIDs)...)
		changed = append(changed, "watchers")
	}
	if p.ClearDue {
		t.DueDate = nil
		changed = append(changed, "due_date")
	} else if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
		changed = append(changed, "due_date")
	}
	return changed
}

// CreateCommentPayload adds a comment to the task named by the intent's
// entity id.
type CreateCommentPayload struct {
	CommentID string `json:"comment_id,omitempty"`
	Body      string `json:"body"`
}

// MarkNotificationPayload is empty; the entity id names the notification
type MarkNotificationPayload struct{}
