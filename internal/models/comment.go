package models

import (
	"slices"
	"time"
)

// Comment represents a note attached to a task
type Comment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	TaskID    string    `json:"task_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the comment
func (c Comment) Clone() Comment {
	out := c
	out.Mentions = slices.Clone(c.Mentions)
	return out
}

// Notification is a persisted, per-recipient record of a change that
// concerns the recipient.
type Notification struct {
	ID              string    `json:"id"`
	RecipientID     string    `json:"recipient_id"`
	ProjectID       string    `json:"project_id"`
	EventSequence   int64     `json:"event_sequence"`
	EventKind       string    `json:"event_kind"`
	TaskID          string    `json:"task_id,omitempty"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	ActionReference string    `json:"action_reference,omitempty"`
	Read            bool      `json:"read"`
	CreatedAt       time.Time `json:"created_at"`
}
