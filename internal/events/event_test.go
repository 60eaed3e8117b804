package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenoetrevino/boardsync/internal/models"
)

func TestProtocolVersion(t *testing.T) {
	if ProtocolVersion != 1 {
		t.Errorf("Expected ProtocolVersion to be 1, got %d", ProtocolVersion)
	}
}

// ============================================================================
// Event JSON
// ============================================================================

func TestEvent_JSONRestoresConcretePayload(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	task := models.Task{ID: "t1", ProjectID: "p1", ListID: "l2", Title: "Ship", Position: 15, Status: models.StatusTodo}

	tests := []struct {
		name    string
		payload Payload
	}{
		{"created", &TaskCreated{Task: task}},
		{"moved", &TaskMoved{Task: task, FromListID: "l1", FromPosition: 10}},
		{"updated", &TaskUpdated{Task: task, PreviousAssigneeIDs: []string{"u1"}, Changed: []string{"title"}}},
		{"deleted", &TaskDeleted{TaskID: "t1", ListID: "l2"}},
		{"comment", &CommentCreated{Comment: models.Comment{ID: "c1", TaskID: "t1", Body: "hi"}, Task: task}},
		{"renumbered", &ListRenumbered{ListID: "l2", Cause: KindTaskMoved, Task: task, FromListID: "l1", Positions: map[string]int64{"t1": 10}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := New("p1", 7, Origin{UserID: "u1", ConnectionID: "c9"}, at, tt.payload)

			data, err := json.Marshal(ev)
			require.NoError(t, err)

			var got Event
			require.NoError(t, json.Unmarshal(data, &got))

			assert.Equal(t, ev, got)
			assert.Equal(t, tt.payload.Kind(), got.Kind)
		})
	}
}

func TestEvent_UnmarshalUnknownKind(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"sequence":1,"kind":"task_archived","payload":{}}`), &ev)
	assert.Error(t, err)
}

func TestEvent_MarshalWithoutPayload(t *testing.T) {
	_, err := json.Marshal(Event{Sequence: 1})
	assert.Error(t, err)
}

// ============================================================================
// Visitor
// ============================================================================

type kindRecorder struct{ seen []Kind }

func (r *kindRecorder) TaskCreated(ev Event, p *TaskCreated) error {
	r.seen = append(r.seen, ev.Kind)
	return nil
}
func (r *kindRecorder) TaskMoved(ev Event, p *TaskMoved) error {
	r.seen = append(r.seen, ev.Kind)
	return nil
}
func (r *kindRecorder) TaskUpdated(ev Event, p *TaskUpdated) error {
	r.seen = append(r.seen, ev.Kind)
	return nil
}
func (r *kindRecorder) TaskDeleted(ev Event, p *TaskDeleted) error {
	r.seen = append(r.seen, ev.Kind)
	return nil
}
func (r *kindRecorder) CommentCreated(ev Event, p *CommentCreated) error {
	r.seen = append(r.seen, ev.Kind)
	return nil
}
func (r *kindRecorder) ListRenumbered(ev Event, p *ListRenumbered) error {
	return fmt.Errorf("renumber %s", p.ListID)
}

func TestEvent_VisitDispatchesByKind(t *testing.T) {
	r := &kindRecorder{}
	payloads := []Payload{&TaskCreated{}, &TaskMoved{}, &TaskUpdated{}, &TaskDeleted{}, &CommentCreated{}}
	for i, p := range payloads {
		require.NoError(t, New("p", int64(i+1), Origin{}, time.Time{}, p).Visit(r))
	}
	assert.Equal(t, []Kind{KindTaskCreated, KindTaskMoved, KindTaskUpdated, KindTaskDeleted, KindCommentCreated}, r.seen)

	err := New("p", 9, Origin{}, time.Time{}, &ListRenumbered{ListID: "l1"}).Visit(r)
	assert.EqualError(t, err, "renumber l1")

	assert.Error(t, Event{}.Visit(r))
}

func TestEvent_TaskIDs(t *testing.T) {
	ev := Event{Payload: &ListRenumbered{
		Task:      models.Task{ID: "b"},
		Positions: map[string]int64{"c": 30, "a": 10, "b": 20},
	}}
	assert.Equal(t, []string{"a", "b", "c"}, ev.TaskIDs())

	ev = Event{Payload: &CommentCreated{Comment: models.Comment{TaskID: "t9"}}}
	assert.Equal(t, []string{"t9"}, ev.TaskIDs())
}

// ============================================================================
// Errors
// ============================================================================

func TestError_IsMatchesCode(t *testing.T) {
	err := Errorf(CodeConflict, "list %s does not exist", "l1")
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "conflict: list l1 does not exist", err.Error())

	wrapped := fmt.Errorf("move: %w", err)
	assert.True(t, errors.Is(wrapped, ErrConflict))
	assert.Equal(t, CodeConflict, CodeOf(wrapped))
}

func TestAsError_HidesUnknownErrors(t *testing.T) {
	e := AsError(errors.New("disk on fire"))
	assert.Equal(t, CodeInternal, e.Code)
	assert.NotContains(t, e.Message, "disk")

	assert.Nil(t, AsError(nil))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}

func TestErrorCode_Retryable(t *testing.T) {
	assert.True(t, CodeBusy.Retryable())
	assert.True(t, CodeTransportLost.Retryable())
	assert.False(t, CodeConflict.Retryable())
}
