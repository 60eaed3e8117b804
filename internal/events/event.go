package events

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/thenoetrevino/boardsync/internal/models"
)

// Kind names the type of a change event
type Kind string

const (
	KindTaskCreated    Kind = "task_created"
	KindTaskMoved      Kind = "task_moved"
	KindTaskUpdated    Kind = "task_updated"
	KindTaskDeleted    Kind = "task_deleted"
	KindCommentCreated Kind = "comment_created"
	KindListRenumbered Kind = "list_renumbered"
)

// Event is an immutable record of one accepted mutation. Sequence is
// unique and strictly increasing within a project.
type Event struct {
	Sequence  int64     `json:"sequence"`
	ProjectID string    `json:"project_id"`
	Kind      Kind      `json:"kind"`
	ActorID   string    `json:"actor_id,omitempty"`
	Origin    string    `json:"origin,omitempty"` // connection that submitted the intent
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Payload is one of the concrete event payloads below. The set is closed;
// consumers handle every kind through a Visitor.
type Payload interface {
	Kind() Kind
	accept(ev Event, v Visitor) error
}

// Visitor has one method per event kind. Adding a kind breaks every
// implementation until it handles the new case.
type Visitor interface {
	TaskCreated(ev Event, p *TaskCreated) error
	TaskMoved(ev Event, p *TaskMoved) error
	TaskUpdated(ev Event, p *TaskUpdated) error
	TaskDeleted(ev Event, p *TaskDeleted) error
	CommentCreated(ev Event, p *CommentCreated) error
	ListRenumbered(ev Event, p *ListRenumbered) error
}

// Visit dispatches the event to the matching Visitor method
func (e Event) Visit(v Visitor) error {
	if e.Payload == nil {
		return fmt.Errorf("event %d has no payload", e.Sequence)
	}
	return e.Payload.accept(e, v)
}

// New builds an event, taking its kind from the payload
func New(projectID string, seq int64, actor Origin, at time.Time, p Payload) Event {
	return Event{
		Sequence:  seq,
		ProjectID: projectID,
		Kind:      p.Kind(),
		ActorID:   actor.UserID,
		Origin:    actor.ConnectionID,
		Timestamp: at,
		Payload:   p,
	}
}

// Origin identifies who submitted an intent
type Origin struct {
	UserID        string
	ConnectionID  string
	CorrelationID string
}

// ============================================================================
// PAYLOADS
// ============================================================================

// TaskCreated carries the full new task
type TaskCreated struct {
	Task models.Task `json:"task"`
}

// TaskMoved carries the task in its new list and position
type TaskMoved struct {
	Task         models.Task `json:"task"`
	FromListID   string      `json:"from_list_id"`
	FromPosition int64       `json:"from_position"`
}

// TaskUpdated carries the task after the update. Changed lists the field
// names that were modified.
type TaskUpdated struct {
	Task                models.Task `json:"task"`
	PreviousAssigneeIDs []string    `json:"previous_assignee_ids,omitempty"`
	Changed             []string    `json:"changed,omitempty"`
}

// TaskDeleted identifies the removed task
type TaskDeleted struct {
	TaskID      string   `json:"task_id"`
	ListID      string   `json:"list_id"`
	AssigneeIDs []string `json:"assignee_ids,omitempty"`
}

// CommentCreated carries the comment and the task it was made on
type CommentCreated struct {
	Comment models.Comment `json:"comment"`
	Task    models.Task    `json:"task"`
}

// ListRenumbered replaces the keys of every task in a list. It stands in for
// the create or move that exhausted the key space; Cause names that
// mutation and Task is the task it placed.
type ListRenumbered struct {
	ListID     string           `json:"list_id"`
	Cause      Kind             `json:"cause"`
	Task       models.Task      `json:"task"`
	FromListID string           `json:"from_list_id,omitempty"`
	Positions  map[string]int64 `json:"positions"`
}

func (*TaskCreated) Kind() Kind    { return KindTaskCreated }
func (*TaskMoved) Kind() Kind      { return KindTaskMoved }
func (*TaskUpdated) Kind() Kind    { return KindTaskUpdated }
func (*TaskDeleted) Kind() Kind    { return KindTaskDeleted }
func (*CommentCreated) Kind() Kind { return KindCommentCreated }
func (*ListRenumbered) Kind() Kind { return KindListRenumbered }

func (p *TaskCreated) accept(ev Event, v Visitor) error    { return v.TaskCreated(ev, p) }
func (p *TaskMoved) accept(ev Event, v Visitor) error      { return v.TaskMoved(ev, p) }
func (p *TaskUpdated) accept(ev Event, v Visitor) error    { return v.TaskUpdated(ev, p) }
func (p *TaskDeleted) accept(ev Event, v Visitor) error    { return v.TaskDeleted(ev, p) }
func (p *CommentCreated) accept(ev Event, v Visitor) error { return v.CommentCreated(ev, p) }
func (p *ListRenumbered) accept(ev Event, v Visitor) error { return v.ListRenumbered(ev, p) }

// TaskIDs returns every task whose state the event changes
func (e Event) TaskIDs() []string {
	switch p := e.Payload.(type) {
	case *TaskCreated:
		return []string{p.Task.ID}
	case *TaskMoved:
		return []string{p.Task.ID}
	case *TaskUpdated:
		return []string{p.Task.ID}
	case *TaskDeleted:
		return []string{p.TaskID}
	case *CommentCreated:
		return []string{p.Comment.TaskID}
	case *ListRenumbered:
		ids := slices.Collect(maps.Keys(p.Positions))
		if !slices.Contains(ids, p.Task.ID) {
			ids = append(ids, p.Task.ID)
		}
		slices.Sort(ids)
		return ids
	}
	return nil
}

// ============================================================================
// JSON
// ============================================================================

type eventJSON struct {
	Sequence  int64           `json:"sequence"`
	ProjectID string          `json:"project_id"`
	Kind      Kind            `json:"kind"`
	ActorID   string          `json:"actor_id,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %d has no payload", e.Sequence)
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		Sequence:  e.Sequence,
		ProjectID: e.ProjectID,
		Kind:      e.Payload.Kind(),
		ActorID:   e.ActorID,
		Origin:    e.Origin,
		Timestamp: e.Timestamp,
		Payload:   raw,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var p Payload
	switch w.Kind {
	case KindTaskCreated:
		p = &TaskCreated{}
	case KindTaskMoved:
		p = &TaskMoved{}
	case KindTaskUpdated:
		p = &TaskUpdated{}
	case KindTaskDeleted:
		p = &TaskDeleted{}
	case KindCommentCreated:
		p = &CommentCreated{}
	case KindListRenumbered:
		p = &ListRenumbered{}
	default:
		return fmt.Errorf("unknown event kind %q", w.Kind)
	}
	if err := json.Unmarshal(w.Payload, p); err != nil {
		return fmt.Errorf("decode %s payload: %w", w.Kind, err)
	}

	*e = Event{
		Sequence:  w.Sequence,
		ProjectID: w.ProjectID,
		Kind:      w.Kind,
		ActorID:   w.ActorID,
		Origin:    w.Origin,
		Timestamp: w.Timestamp,
		Payload:   p,
	}
	return nil
}
