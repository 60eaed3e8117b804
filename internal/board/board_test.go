package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenoetrevino/boardsync/internal/changelog"
	"github.com/thenoetrevino/boardsync/internal/datastore"
	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
	"github.com/thenoetrevino/boardsync/internal/position"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

var testTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type published struct {
	ev     events.Event
	origin events.Origin
}

type recordingPublisher struct {
	mu  sync.Mutex
	out []published
}

func (p *recordingPublisher) Publish(ev events.Event, origin events.Origin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, published{ev, origin})
}

func (p *recordingPublisher) events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.out))
	for i, x := range p.out {
		out[i] = x.ev
	}
	return out
}

type fixture struct {
	store *datastore.Store
	log   *changelog.Log
	pub   *recordingPublisher
	mgr   *Manager
	board *Board
}

// setupBoard seeds project p1 with lists l1, l2 and tasks A, B, C in l1 at
// the given keys.
func setupBoard(t *testing.T, keys ...int64) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := datastore.Open(ctx, datastore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateUser(ctx, models.User{ID: "u1", Username: "alice"}))
	require.NoError(t, store.CreateUser(ctx, models.User{ID: "u2", Username: "bob"}))
	require.NoError(t, store.CreateUser(ctx, models.User{ID: "u3", Username: "mallory"}))
	require.NoError(t, store.CreateProject(ctx, models.Project{ID: "p1", Name: "Launch"}))
	require.NoError(t, store.AddMember(ctx, "p1", "u1", models.RoleOwner))
	require.NoError(t, store.AddMember(ctx, "p1", "u2", models.RoleMember))
	require.NoError(t, store.CreateList(ctx, models.List{ID: "l1", ProjectID: "p1", Name: "Todo", Position: 1}))
	require.NoError(t, store.CreateList(ctx, models.List{ID: "l2", ProjectID: "p1", Name: "Done", Position: 2}))

	for i, key := range keys {
		id := string(rune('A' + i))
		require.NoError(t, store.InsertTask(ctx, models.Task{
			ID: id, ProjectID: "p1", ListID: "l1", Title: "Task " + id,
			Status: models.StatusTodo, Priority: models.PriorityMedium,
			Position: key, CreatedAt: testTime, UpdatedAt: testTime,
		}, nil, 0))
	}

	return newFixture(t, store)
}

func newFixture(t *testing.T, store *datastore.Store) *fixture {
	t.Helper()
	log := changelog.New(changelog.Options{Retention: 100, MaxAge: time.Hour, Now: func() time.Time { return testTime }})
	pub := &recordingPublisher{}
	mgr := NewManager(store, log,
		WithPublisher(pub),
		WithAllocator(position.New(10)),
		WithClock(func() time.Time { return testTime }))
	return &fixture{store: store, log: log, pub: pub, mgr: mgr, board: mgr.Board("p1")}
}

var alice = events.Origin{UserID: "u1", ConnectionID: "c1", CorrelationID: "corr"}

func order(t *testing.T, b *Board, listID string) []string {
	t.Helper()
	snap, err := b.Snapshot(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, task := range snap.Tasks {
		if task.ListID == listID {
			ids = append(ids, task.ID)
		}
	}
	return ids
}

func assertDistinctKeys(t *testing.T, b *Board) {
	t.Helper()
	snap, err := b.Snapshot(context.Background())
	require.NoError(t, err)
	seen := map[string]map[int64]string{}
	for _, task := range snap.Tasks {
		if seen[task.ListID] == nil {
			seen[task.ListID] = map[int64]string{}
		}
		if other, dup := seen[task.ListID][task.Position]; dup {
			t.Fatalf("tasks %s and %s share key %d in %s", other, task.ID, task.Position, task.ListID)
		}
		seen[task.ListID][task.Position] = task.ID
	}
}

// ============================================================================
// MOVE
// ============================================================================

func TestMoveTask_MidpointKey(t *testing.T) {
	f := setupBoard(t, 10, 20, 30)

	ev, err := f.board.MoveTask(context.Background(), alice, "C", events.MoveTaskPayload{ListID: "l1", Index: 1})
	require.NoError(t, err)

	assert.Equal(t, int64(1), ev.Sequence)
	assert.Equal(t, events.KindTaskMoved, ev.Kind)
	moved := ev.Payload.(*events.TaskMoved)
	assert.Equal(t, int64(15), moved.Task.Position)
	assert.Equal(t, "l1", moved.FromListID)
	assert.Equal(t, int64(30), moved.FromPosition)

	assert.Equal(t, []string{"A", "C", "B"}, order(t, f.board, "l1"))
	assert.Equal(t, []events.Event{ev}, f.pub.events())
	assert.Equal(t, alice, f.pub.out[0].origin)

	stored, err := f.store.GetTask(context.Background(), "C")
	require.NoError(t, err)
	assert.Equal(t, int64(15), stored.Position)
}

func TestMoveTask_UnderflowRenumbers(t *testing.T) {
	f := setupBoard(t, 10, 11, 40)

	ev, err := f.board.MoveTask(context.Background(), alice, "C", events.MoveTaskPayload{ListID: "l1", Index: 1})
	require.NoError(t, err)

	require.Equal(t, events.KindListRenumbered, ev.Kind)
	p := ev.Payload.(*events.ListRenumbered)
	assert.Equal(t, events.KindTaskMoved, p.Cause)
	assert.Equal(t, "l1", p.FromListID)
	assert.Equal(t, map[string]int64{"A": 10, "C": 20, "B": 30}, p.Positions)
	assert.Equal(t, int64(20), p.Task.Position)

	assert.Equal(t, []string{"A", "C", "B"}, order(t, f.board, "l1"))
	assertDistinctKeys(t, f.board)

	tasks, err := f.store.ListTasks(context.Background(), "p1")
	require.NoError(t, err)
	keys := map[string]int64{}
	for _, task := range tasks {
		keys[task.ID] = task.Position
	}
	assert.Equal(t, map[string]int64{"A": 10, "B": 30, "C": 20}, keys)
}

func TestMoveTask_ConcurrentMovesSerialize(t *testing.T) {
	f := setupBoard(t, 10, 20, 30, 40, 50, 60)
	ctx := context.Background()

	ids := []string{"A", "B", "C", "D", "E", "F"}
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.board.MoveTask(ctx, events.Origin{UserID: "u1", ConnectionID: id}, id, events.MoveTaskPayload{ListID: "l2", Index: 0})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	evs := f.pub.events()
	require.Len(t, evs, len(ids))
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
	assert.Len(t, order(t, f.board, "l2"), len(ids))
	assertDistinctKeys(t, f.board)
}

func TestMoveTask_MissingListConflicts(t *testing.T) {
	f := setupBoard(t, 10)

	_, err := f.board.MoveTask(context.Background(), alice, "A", events.MoveTaskPayload{ListID: "gone", Index: 0})
	assert.ErrorIs(t, err, events.ErrConflict)
	assert.Empty(t, f.pub.events())

	seq, err := f.board.Sequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestMoveTask_Errors(t *testing.T) {
	f := setupBoard(t, 10, 20)
	ctx := context.Background()

	_, err := f.board.MoveTask(ctx, alice, "missing", events.MoveTaskPayload{ListID: "l1"})
	assert.ErrorIs(t, err, events.ErrNotFound)

	_, err = f.board.MoveTask(ctx, alice, "A", events.MoveTaskPayload{ListID: "l1", Index: 5})
	assert.ErrorIs(t, err, events.ErrConflict)

	_, err = f.board.MoveTask(ctx, alice, "", events.MoveTaskPayload{ListID: "l1"})
	assert.ErrorIs(t, err, events.ErrInvalid)
}

func TestMoveTask_AfterDeleteIsNotFound(t *testing.T) {
	f := setupBoard(t, 10, 20)
	ctx := context.Background()

	_, err := f.board.DeleteTask(ctx, alice, "A")
	require.NoError(t, err)

	_, err = f.board.MoveTask(ctx, alice, "A", events.MoveTaskPayload{ListID: "l2", Index: 0})
	assert.ErrorIs(t, err, events.ErrNotFound)
	assert.Len(t, f.pub.events(), 1)
}

// ============================================================================
// CREATE / UPDATE / DELETE
// ============================================================================

func TestCreateTask_AppendsAndHonorsProposedID(t *testing.T) {
	f := setupBoard(t, 10, 20)
	ctx := context.Background()

	ev, err := f.board.CreateTask(ctx, alice, events.CreateTaskPayload{TaskID: "N", ListID: "l1", Title: "New"})
	require.NoError(t, err)

	created := ev.Payload.(*events.TaskCreated).Task
	assert.Equal(t, "N", created.ID)
	assert.Equal(t, int64(30), created.Position)
	assert.Equal(t, models.StatusTodo, created.Status)
	assert.Equal(t, models.PriorityMedium, created.Priority)
	assert.Equal(t, "u1", created.CreatorID)
	assert.Equal(t, []string{"A", "B", "N"}, order(t, f.board, "l1"))

	_, err = f.board.CreateTask(ctx, alice, events.CreateTaskPayload{TaskID: "N", ListID: "l1", Title: "Again"})
	assert.ErrorIs(t, err, events.ErrConflict)
}

func TestCreateTask_AtIndexWithRenumber(t *testing.T) {
	f := setupBoard(t, 10, 11)
	idx := 1

	ev, err := f.board.CreateTask(context.Background(), alice, events.CreateTaskPayload{TaskID: "N", ListID: "l1", Index: &idx, Title: "Wedge"})
	require.NoError(t, err)

	p := ev.Payload.(*events.ListRenumbered)
	assert.Equal(t, events.KindTaskCreated, p.Cause)
	assert.Equal(t, "N", p.Task.ID)
	assert.Equal(t, []string{"A", "N", "B"}, order(t, f.board, "l1"))
	assertDistinctKeys(t, f.board)
}

func TestCreateTask_Validation(t *testing.T) {
	f := setupBoard(t)
	ctx := context.Background()

	tests := []struct {
		name string
		p    events.CreateTaskPayload
		want error
	}{
		{"empty title", events.CreateTaskPayload{ListID: "l1", Title: "  "}, events.ErrInvalid},
		{"long title", events.CreateTaskPayload{ListID: "l1", Title: string(make([]rune, 256))}, events.ErrInvalid},
		{"bad status", events.CreateTaskPayload{ListID: "l1", Title: "x", Status: "blocked"}, events.ErrInvalid},
		{"non-member assignee", events.CreateTaskPayload{ListID: "l1", Title: "x", AssigneeIDs: []string{"u3"}}, events.ErrInvalid},
		{"missing list", events.CreateTaskPayload{ListID: "nope", Title: "x"}, events.ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.board.CreateTask(ctx, alice, tt.p)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.pub.events())
}

func TestUpdateTask_RecordsPreviousAssignees(t *testing.T) {
	f := setupBoard(t, 10)
	ctx := context.Background()

	first := []string{"u1"}
	_, err := f.board.UpdateTask(ctx, alice, "A", events.UpdateTaskPayload{AssigneeIDs: &first})
	require.NoError(t, err)

	second := []string{"u2"}
	title := "Renamed"
	ev, err := f.board.UpdateTask(ctx, alice, "A", events.UpdateTaskPayload{AssigneeIDs: &second, Title: &title})
	require.NoError(t, err)

	p := ev.Payload.(*events.TaskUpdated)
	assert.Equal(t, []string{"u1"}, p.PreviousAssigneeIDs)
	assert.Equal(t, []string{"u2"}, p.Task.AssigneeIDs)
	assert.Equal(t, []string{"title", "assignees"}, p.Changed)
	assert.Equal(t, int64(10), p.Task.Position)

	stored, err := f.store.GetTask(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Title)

	_, err = f.board.UpdateTask(ctx, alice, "A", events.UpdateTaskPayload{})
	assert.ErrorIs(t, err, events.ErrInvalid)
}

func TestDeleteTask(t *testing.T) {
	f := setupBoard(t, 10, 20)
	ctx := context.Background()

	ev, err := f.board.DeleteTask(ctx, alice, "A")
	require.NoError(t, err)
	assert.Equal(t, &events.TaskDeleted{TaskID: "A", ListID: "l1"}, ev.Payload)
	assert.Equal(t, []string{"B"}, order(t, f.board, "l1"))

	_, err = f.board.DeleteTask(ctx, alice, "A")
	assert.ErrorIs(t, err, events.ErrNotFound)
}

// ============================================================================
// COMMENTS
// ============================================================================

func TestCreateComment_ResolvesMemberMentions(t *testing.T) {
	f := setupBoard(t, 10)

	ev, err := f.board.CreateComment(context.Background(), alice, "A", events.CreateCommentPayload{
		Body: "@bob please review, cc @mallory and @nobody. mail me at x@alice.dev",
	})
	require.NoError(t, err)

	p := ev.Payload.(*events.CommentCreated)
	assert.Equal(t, []string{"u2"}, p.Comment.Mentions)
	assert.Equal(t, "u1", p.Comment.AuthorID)
	assert.Equal(t, "A", p.Task.ID)

	_, err = f.board.CreateComment(context.Background(), alice, "A", events.CreateCommentPayload{Body: ""})
	assert.ErrorIs(t, err, events.ErrInvalid)
}

func TestParseMentions(t *testing.T) {
	assert.Equal(t, []string{"bob", "carol"}, ParseMentions("@bob, @carol and @bob."))
	assert.Empty(t, ParseMentions("write to dev@example.com"))
}

// ============================================================================
// SEQUENCING / LOCKING
// ============================================================================

func TestBoard_BusyWhenLockHeld(t *testing.T) {
	f := setupBoard(t, 10)
	require.NoError(t, f.board.lock(context.Background()))
	defer f.board.unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.board.MoveTask(ctx, alice, "A", events.MoveTaskPayload{ListID: "l2"})
	assert.ErrorIs(t, err, events.ErrBusy)
}

func TestBoard_SequenceSurvivesRestart(t *testing.T) {
	f := setupBoard(t, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.board.MoveTask(ctx, alice, "A", events.MoveTaskPayload{ListID: "l2", Index: 0})
		require.NoError(t, err)
	}

	restarted := newFixture(t, f.store)
	ev, err := restarted.board.MoveTask(ctx, alice, "A", events.MoveTaskPayload{ListID: "l1", Index: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Sequence)
	assert.Equal(t, int64(4), restarted.log.Tail("p1"))
}

func TestBoard_UnknownProject(t *testing.T) {
	f := setupBoard(t)
	_, err := f.mgr.Board("nope").Snapshot(context.Background())
	assert.ErrorIs(t, err, events.ErrNotFound)
	assert.Equal(t, []string{"p1"}, f.mgr.Projects())
}

func TestBoard_NormalizesDuplicateKeysOnLoad(t *testing.T) {
	f := setupBoard(t, 10, 10, 10)

	assert.Equal(t, []string{"A", "B", "C"}, order(t, f.board, "l1"))
	assertDistinctKeys(t, f.board)

	tasks, err := f.store.ListTasks(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), tasks[2].Position)
}

func TestBoard_LoadHook(t *testing.T) {
	f := setupBoard(t, 10)
	var loaded []string
	mgr := NewManager(f.store, f.log, WithLoadHook(func(id string, seq int64) {
		loaded = append(loaded, fmt.Sprintf("%s@%d", id, seq))
	}))

	_, err := mgr.Board("p1").Snapshot(context.Background())
	require.NoError(t, err)
	_, err = mgr.Board("p1").Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1@0"}, loaded)
}

// ============================================================================
// ATTACH
// ============================================================================

func TestAttach_ReplaysOrSnapshots(t *testing.T) {
	f := setupBoard(t, 10, 20)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.board.MoveTask(ctx, alice, "A", events.MoveTaskPayload{ListID: "l1", Index: 1})
		require.NoError(t, err)
	}

	var got events.Sync
	capture := func(s events.Sync) error { got = s; return nil }

	from := int64(1)
	require.NoError(t, f.board.Attach(ctx, &from, capture))
	assert.Nil(t, got.Snapshot)
	require.Len(t, got.Events, 2)
	assert.Equal(t, int64(2), got.Events[0].Sequence)
	assert.Equal(t, int64(3), got.Sequence)

	ahead := int64(99)
	require.NoError(t, f.board.Attach(ctx, &ahead, capture))
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, int64(3), got.Snapshot.Sequence)

	require.NoError(t, f.board.Attach(ctx, nil, capture))
	require.NotNil(t, got.Snapshot)
	assert.Len(t, got.Snapshot.Tasks, 2)
	assert.Equal(t, []models.List{
		{ID: "l1", ProjectID: "p1", Name: "Todo", Position: 1},
		{ID: "l2", ProjectID: "p1", Name: "Done", Position: 2},
	}, got.Snapshot.Lists)
}

// ============================================================================
// PERSISTENCE FAILURE
// ============================================================================

type failingStore struct {
	*datastore.Store
}

func (failingStore) MoveTask(context.Context, string, string, int64, int64) error {
	return errors.New("disk full")
}

func TestMoveTask_PersistFailureLeavesStateUntouched(t *testing.T) {
	f := setupBoard(t, 10, 20, 30)
	mgr := NewManager(failingStore{f.store}, f.log, WithPublisher(f.pub), WithAllocator(position.New(10)))
	b := mgr.Board("p1")

	_, err := b.MoveTask(context.Background(), alice, "C", events.MoveTaskPayload{ListID: "l1", Index: 0})
	assert.ErrorIs(t, err, events.ErrInternal)
	assert.Equal(t, []string{"A", "B", "C"}, order(t, b, "l1"))
	assert.Empty(t, f.pub.events())
	assert.Equal(t, int64(0), f.log.Tail("p1"))
}
