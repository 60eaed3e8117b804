package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenoetrevino/boardsync/internal/changelog"
	"github.com/thenoetrevino/boardsync/internal/datastore"
	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
)

// ============================================================================
// TEST DOUBLES
// ============================================================================

// journal records store writes and pushes in the order they happen
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type memStore struct {
	mu       sync.Mutex
	journal  *journal
	rows     map[string]models.Notification
	failures int
}

func (s *memStore) InsertNotification(_ context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	key := dedupeKey(n.ProjectID, n.EventSequence, n.RecipientID)
	if _, ok := s.rows[key]; ok {
		return datastore.ErrDuplicate
	}
	s.rows[key] = n
	s.journal.add("store:" + n.RecipientID)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memStore) has(seq int64, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[dedupeKey("p1", seq, userID)]
	return ok
}

func (s *memStore) fail(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

type fakePusher struct {
	journal *journal
	online  map[string]bool
	mu      sync.Mutex
	pushed  []events.NotificationPush
}

func (p *fakePusher) SendToUser(userID string, msg events.Message) int {
	if !p.online[userID] {
		return 0
	}
	p.mu.Lock()
	p.pushed = append(p.pushed, *msg.Notification)
	p.mu.Unlock()
	p.journal.add("push:" + userID)
	return 1
}

// logBuffer collects watcher logs written from another goroutine
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var now = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memStore
	pusher *fakePusher
	j      *journal
	d      *Dispatcher
}

func setupDispatcher(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	j := &journal{}
	f := &fixture{
		j:      j,
		store:  &memStore{journal: j, rows: make(map[string]models.Notification)},
		pusher: &fakePusher{journal: j, online: map[string]bool{"u1": true, "u2": true}},
	}
	ids := 0
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return now }),
		WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }),
		WithIDs(func() string { ids++; return fmt.Sprintf("n%d", ids) }),
	}
	f.d = New(f.store, f.pusher, append(base, opts...)...)
	return f
}

func task(assignees, watchers []string) models.Task {
	return models.Task{ID: "t1", ProjectID: "p1", ListID: "l1", Title: "Write docs", AssigneeIDs: assignees, WatcherIDs: watchers}
}

func event(seq int64, p events.Payload) events.Event {
	return events.New("p1", seq, events.Origin{UserID: "u9"}, now, p)
}

// setupLog returns a change log whose clock matches the event timestamps
func setupLog(retention int) *changelog.Log {
	return changelog.New(changelog.Options{Retention: retention, Now: func() time.Time { return now }})
}

// ============================================================================
// INTERESTED PARTIES
// ============================================================================

func TestRecipients(t *testing.T) {
	tests := []struct {
		name    string
		payload events.Payload
		want    []string
	}{
		{
			name:    "created notifies assignees only",
			payload: &events.TaskCreated{Task: task([]string{"u1", "u2"}, []string{"u3"})},
			want:    []string{"u1", "u2"},
		},
		{
			name:    "moved notifies assignees and watchers",
			payload: &events.TaskMoved{Task: task([]string{"u1"}, []string{"u3"}), FromListID: "l2"},
			want:    []string{"u1", "u3"},
		},
		{
			name: "updated includes previous assignees",
			payload: &events.TaskUpdated{
				Task:                task([]string{"u2"}, []string{"u2", "u4"}),
				PreviousAssigneeIDs: []string{"u1"},
			},
			want: []string{"u2", "u1", "u4"},
		},
		{
			name: "comment adds mentions and drops the author",
			payload: &events.CommentCreated{
				Comment: models.Comment{AuthorID: "u1", Mentions: []string{"u5", "u1"}},
				Task:    task([]string{"u1", "u2"}, nil),
			},
			want: []string{"u2", "u5"},
		},
		{
			name:    "deleted notifies nobody",
			payload: &events.TaskDeleted{TaskID: "t1", AssigneeIDs: []string{"u1"}},
			want:    nil,
		},
		{
			name:    "renumber caused by create",
			payload: &events.ListRenumbered{Cause: events.KindTaskCreated, Task: task([]string{"u1"}, []string{"u3"})},
			want:    []string{"u1"},
		},
		{
			name:    "renumber caused by move",
			payload: &events.ListRenumbered{Cause: events.KindTaskMoved, Task: task([]string{"u1"}, []string{"u3"})},
			want:    []string{"u1", "u3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Recipients(event(1, tt.payload)))
		})
	}
}

func TestDescribe(t *testing.T) {
	c := describe(event(1, &events.CommentCreated{
		Comment: models.Comment{Body: "  looks good  "},
		Task:    task(nil, nil),
	}))
	assert.Equal(t, "New comment on Write docs", c.title)
	assert.Equal(t, "looks good", c.body)
	assert.Equal(t, "t1", c.taskID)

	c = describe(event(2, &events.TaskUpdated{Task: task(nil, nil), Changed: []string{"title", "status"}}))
	assert.Equal(t, `"Write docs" was updated: title, status`, c.body)

	assert.Equal(t, "/projects/p1/tasks/t1", actionReference("p1", "t1"))
	assert.Equal(t, "/projects/p1", actionReference("p1", ""))
}

// ============================================================================
// DISPATCH
// ============================================================================

func TestDispatch_StoresBeforePushing(t *testing.T) {
	f := setupDispatcher(t)
	ev := event(7, &events.TaskMoved{Task: task([]string{"u1", "u3"}, nil), FromListID: "l2"})

	res, err := f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, Result{Stored: 2, Pushed: 1}, res)

	// u3 is offline: stored, not pushed
	assert.Equal(t, []string{"store:u1", "push:u1", "store:u3"}, f.j.list())

	require.Len(t, f.pusher.pushed, 1)
	push := f.pusher.pushed[0]
	assert.Equal(t, "n1", push.NotificationID)
	assert.Equal(t, "Task moved", push.Title)
	assert.Equal(t, "/projects/p1/tasks/t1", push.ActionReference)
	assert.Equal(t, int64(7), push.Sequence)
	assert.Equal(t, events.KindTaskMoved, push.Kind)
}

func TestDispatch_TwiceForSameEventIsIdempotent(t *testing.T) {
	f := setupDispatcher(t)
	ev := event(3, &events.TaskCreated{Task: task([]string{"u1"}, nil)})

	_, err := f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	res, err := f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Equal(t, 1, f.store.count())
	assert.Len(t, f.pusher.pushed, 1)
}

func TestDispatch_StoreRejectsDuplicateWithoutPush(t *testing.T) {
	f := setupDispatcher(t)
	ev := event(3, &events.TaskCreated{Task: task([]string{"u1"}, nil)})
	_, err := f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	// a second instance with its own deduper
	other := New(f.store, f.pusher, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	res, err := other.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Len(t, f.pusher.pushed, 1)
}

func TestDispatch_RetriesTransientStoreFailure(t *testing.T) {
	f := setupDispatcher(t)
	f.store.failures = 2

	res, err := f.d.Dispatch(context.Background(), event(1, &events.TaskCreated{Task: task([]string{"u1"}, nil)}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)
}

func TestDispatch_FailureReleasesDedupeKey(t *testing.T) {
	f := setupDispatcher(t, WithAttempts(1))
	f.store.failures = 1
	ev := event(1, &events.TaskCreated{Task: task([]string{"u1"}, nil)})

	_, err := f.d.Dispatch(context.Background(), ev)
	require.Error(t, err)
	assert.Empty(t, f.pusher.pushed)

	res, err := f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, Result{Stored: 1, Pushed: 1}, res)
}

func TestDispatch_NoRecipients(t *testing.T) {
	f := setupDispatcher(t)
	res, err := f.d.Dispatch(context.Background(), event(1, &events.TaskDeleted{TaskID: "t1"}))
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.j.list())
}

// ============================================================================
// WATCH
// ============================================================================

func TestWatch_DispatchesAppendedEvents(t *testing.T) {
	f := setupDispatcher(t)
	log := setupLog(0)

	ctx, cancel := context.WithCancel(context.Background())
	f.d.Watch(ctx, log, "p1", 0)
	f.d.Watch(ctx, log, "p1", 0) // no second watcher

	require.NoError(t, log.Append(event(1, &events.TaskCreated{Task: task([]string{"u1"}, nil)})))
	require.NoError(t, log.Append(event(2, &events.TaskUpdated{Task: task([]string{"u2"}, nil), PreviousAssigneeIDs: []string{"u1"}})))

	require.Eventually(t, func() bool { return f.store.count() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	f.d.Wait()
	assert.Len(t, f.pusher.pushed, 3)
}

func TestWatch_RetriesEventUntilStored(t *testing.T) {
	f := setupDispatcher(t, WithAttempts(1))
	f.store.fail(3)
	log := setupLog(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		f.d.Wait()
	}()
	f.d.Watch(ctx, log, "p1", 0)

	require.NoError(t, log.Append(event(1, &events.TaskCreated{Task: task([]string{"u1"}, nil)})))
	require.NoError(t, log.Append(event(2, &events.TaskCreated{Task: task([]string{"u2"}, nil)})))

	require.Eventually(t, func() bool { return f.store.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.store.has(1, "u1"))
	assert.True(t, f.store.has(2, "u2"))
	// the failing event held the cursor, so order is preserved
	assert.Equal(t, []string{"store:u1", "push:u1", "store:u2", "push:u2"}, f.j.list())
}

func TestWatch_FellBehindLogsLostRange(t *testing.T) {
	var logs logBuffer
	f := setupDispatcher(t, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	log := setupLog(2)
	for seq := int64(1); seq <= 4; seq++ {
		user := "u1"
		if seq%2 == 0 {
			user = "u2"
		}
		require.NoError(t, log.Append(event(seq, &events.TaskCreated{Task: task([]string{user}, nil)})))
	}
	require.Equal(t, int64(2), log.Floor("p1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		f.d.Wait()
	}()
	f.d.Watch(ctx, log, "p1", 0)

	require.Eventually(t, func() bool { return f.store.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, f.store.has(3, "u1"))
	assert.True(t, f.store.has(4, "u2"))
	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "lost_from=1 lost_to=2")
}

// ============================================================================
// DEDUPERS
// ============================================================================

func TestRedisDeduper(t *testing.T) {
	m, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dd := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	added, err := dd.Add(ctx, "p1:1:u1")
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, m.Exists("boardsync:notify:p1:1:u1"))

	added, err = dd.Add(ctx, "p1:1:u1")
	require.NoError(t, err)
	assert.False(t, added)

	require.NoError(t, dd.Remove(ctx, "p1:1:u1"))
	added, err = dd.Add(ctx, "p1:1:u1")
	require.NoError(t, err)
	assert.True(t, added)

	m.FastForward(2 * time.Minute)
	added, err = dd.Add(ctx, "p1:1:u1")
	require.NoError(t, err)
	assert.True(t, added)
}

func TestRedisDeduper_SharedAcrossDispatchers(t *testing.T) {
	m, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dd := NewRedisDeduper(client, time.Minute)
	f := setupDispatcher(t, WithDeduper(dd))
	second := New(f.store, f.pusher, WithDeduper(dd), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	ev := event(4, &events.TaskCreated{Task: task([]string{"u1"}, nil)})
	_, err = f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	res, err := second.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Equal(t, []string{"store:u1", "push:u1"}, f.j.list())
}

func TestRedisDeduper_UnavailableFallsBackToStore(t *testing.T) {
	m, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	m.Close()

	f := setupDispatcher(t, WithDeduper(NewRedisDeduper(client, time.Minute)))
	ev := event(5, &events.TaskCreated{Task: task([]string{"u1"}, nil)})

	res, err := f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Stored)

	res, err = f.d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
}

func TestMemoryDeduper_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	dd := NewMemoryDeduper(time.Minute)
	dd.now = func() time.Time { return now }
	ctx := context.Background()

	added, _ := dd.Add(ctx, "k")
	assert.True(t, added)
	added, _ = dd.Add(ctx, "k")
	assert.False(t, added)

	now = now.Add(time.Minute)
	assert.Equal(t, 1, dd.Sweep())
	added, _ = dd.Add(ctx, "k")
	assert.True(t, added)
}
