package registry

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

func newTestRegistry(opts ...Option) *Registry {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return New(opts...)
}

func moved(seq int64) events.Event {
	return events.New("p1", seq, events.Origin{UserID: "u1", ConnectionID: "x"}, time.Time{},
		&events.TaskMoved{Task: models.Task{ID: "t1"}})
}

func join(t *testing.T, r *Registry, c *Conn, seq int64) {
	t.Helper()
	require.True(t, r.Join(c, events.TypeJoined, events.Sync{ProjectID: "p1", Sequence: seq}))
	msg := <-c.Outbound()
	require.Equal(t, events.TypeJoined, msg.Type)
}

// drain returns every queued message without blocking
func drain(c *Conn) []events.Message {
	var out []events.Message
	for {
		select {
		case msg := <-c.Outbound():
			out = append(out, msg)
		default:
			return out
		}
	}
}

// ============================================================================
// FAN-OUT
// ============================================================================

func TestPublish_AckToOriginEventToOthers(t *testing.T) {
	r := newTestRegistry()
	origin := r.Register("u1")
	peer := r.Register("u2")
	outsider := r.Register("u3")
	join(t, r, origin, 0)
	join(t, r, peer, 0)
	drain(origin) // peer's arrival

	ev := moved(1)
	r.Publish(ev, events.Origin{UserID: "u1", ConnectionID: origin.ID, CorrelationID: "corr-1"})

	got := drain(origin)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeAck, got[0].Type)
	assert.Equal(t, "corr-1", got[0].Ack.CorrelationID)
	assert.Equal(t, int64(1), got[0].Ack.Sequence)

	got = drain(peer)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeEvent, got[0].Type)
	assert.Equal(t, int64(1), got[0].Event.Sequence)

	assert.Empty(t, drain(outsider))
	assert.Equal(t, int64(1), origin.Watermark("p1"))
	assert.Equal(t, int64(1), r.Metrics().AcksSent.Load())
	assert.Equal(t, int64(1), r.Metrics().EventsSent.Load())
}

func TestPublish_OriginOutsideRoomStillGetsAck(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("u1")

	r.Publish(moved(1), events.Origin{ConnectionID: c.ID, CorrelationID: "k"})

	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeAck, got[0].Type)
	assert.Equal(t, int64(0), c.Watermark("p1"))
}

func TestPublish_NeverResendsAtOrBelowWatermark(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("u2")
	join(t, r, c, 5)

	r.Publish(moved(4), events.Origin{})
	r.Publish(moved(5), events.Origin{})
	r.Publish(moved(6), events.Origin{})

	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, int64(6), got[0].Event.Sequence)
}

func TestPublish_SlowConsumerIsEvicted(t *testing.T) {
	r := newTestRegistry(WithBufferSize(2))
	slow := r.Register("u2")
	fast := r.Register("u3")
	join(t, r, fast, 0)
	join(t, r, slow, 0)
	drain(fast)

	var closed atomic.Int32
	slow.OnClose(func() error { closed.Add(1); return nil })

	r.Publish(moved(1), events.Origin{})
	r.Publish(moved(2), events.Origin{})
	drain(fast)
	r.Publish(moved(3), events.Origin{})

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow connection should be closed")
	}
	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, 1, r.RoomSize("p1"))
	assert.Equal(t, int64(1), r.Metrics().Evictions.Load())

	got := drain(fast)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Event.Sequence)
	assert.Equal(t, events.TypePresence, got[1].Type)
	assert.Equal(t, "u2", got[1].Presence.UserID)
	assert.False(t, got[1].Presence.Online)
}

// ============================================================================
// ROOMS
// ============================================================================

func TestJoinLeave(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("u1")
	join(t, r, c, 3)

	assert.True(t, c.InRoom("p1"))
	assert.Equal(t, []string{"p1"}, c.Rooms())
	assert.Equal(t, int32(1), r.Metrics().ActiveRooms.Load())

	r.Leave(c, "p1")
	assert.False(t, c.InRoom("p1"))
	assert.Equal(t, 0, r.RoomSize("p1"))

	r.Publish(moved(4), events.Origin{})
	assert.Empty(t, drain(c))
}

func TestJoin_RemovedConnection(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("u1")
	r.Remove(c, "test")

	assert.False(t, r.Join(c, events.TypeJoined, events.Sync{ProjectID: "p1"}))
	assert.Equal(t, 0, r.RoomSize("p1"))
}

func TestSendToUser_ReachesEveryConnection(t *testing.T) {
	r := newTestRegistry()
	a := r.Register("u1")
	b := r.Register("u1")
	other := r.Register("u2")

	msg := events.Message{Type: events.TypeNotification, Notification: &events.NotificationPush{NotificationID: "n1"}}
	assert.Equal(t, 2, r.SendToUser("u1", msg))
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
	assert.Empty(t, drain(other))
	assert.Equal(t, 0, r.SendToUser("nobody", msg))
	assert.Equal(t, int64(2), r.Metrics().NotificationsSent.Load())
}

func TestRemove_IsIdempotent(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("u1")
	join(t, r, c, 0)

	var closed atomic.Int32
	c.OnClose(func() error { closed.Add(1); return nil })

	r.Remove(c, "test")
	r.Remove(c, "test")

	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.RoomSize("p1"))
}

func TestSend_ClosedConnectionIsNotEvicted(t *testing.T) {
	r := newTestRegistry()
	c := r.Register("u1")
	r.Remove(c, "test")

	assert.False(t, r.Send(c, events.Message{Type: events.TypePing}))
	assert.Equal(t, int64(0), r.Metrics().Evictions.Load())
}

// ============================================================================
// PRESENCE
// ============================================================================

func TestPresence_FirstConnectionAnnounced(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(WithClock(func() time.Time { return at }))
	a := r.Register("u1")
	b := r.Register("u2")
	join(t, r, a, 0)

	require.True(t, r.Join(b, events.TypeJoined, events.Sync{ProjectID: "p1"}))
	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"u1", "u2"}, got[0].Sync.Online)

	got = drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypePresence, got[0].Type)
	assert.Equal(t, events.Presence{ProjectID: "p1", UserID: "u2", Online: true, At: at}, *got[0].Presence)

	// a second tab of u2 and a rejoin are not news
	second := r.Register("u2")
	join(t, r, second, 0)
	join(t, r, b, 0)
	assert.Empty(t, drain(a))
	assert.Equal(t, []string{"u1", "u2"}, r.Online("p1"))
}

func TestPresence_LastConnectionAnnounced(t *testing.T) {
	r := newTestRegistry()
	a := r.Register("u1")
	tab1 := r.Register("u2")
	tab2 := r.Register("u2")
	join(t, r, a, 0)
	join(t, r, tab1, 0)
	join(t, r, tab2, 0)
	drain(a)

	r.Remove(tab1, "test")
	assert.Empty(t, drain(a))

	r.Leave(tab2, "p1")
	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, "u2", got[0].Presence.UserID)
	assert.False(t, got[0].Presence.Online)
	assert.Equal(t, []string{"u1"}, r.Online("p1"))

	// leaving a room never joined says nothing
	r.Leave(tab2, "p1")
	assert.Empty(t, drain(a))
}

func TestPresence_OtherRoomsHearNothing(t *testing.T) {
	r := newTestRegistry()
	a := r.Register("u1")
	b := r.Register("u2")
	join(t, r, a, 0)

	require.True(t, r.Join(b, events.TypeJoined, events.Sync{ProjectID: "p2"}))
	r.Remove(b, "test")

	assert.Empty(t, drain(a))
}

// ============================================================================
// LIVENESS
// ============================================================================

func TestReap_RemovesIdleConnections(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newTestRegistry(WithClock(func() time.Time { return now }))

	idle := r.Register("u1")
	active := r.Register("u2")

	now = now.Add(2 * time.Minute)
	active.Touch(now)

	assert.Equal(t, 1, r.Reap(90*time.Second))
	assert.Equal(t, 1, r.Count())

	_, ok := r.Get(idle.ID)
	assert.False(t, ok)
	_, ok = r.Get(active.ID)
	assert.True(t, ok)
}

func TestPing_QueuesOnEveryConnection(t *testing.T) {
	r := newTestRegistry()
	a := r.Register("u1")
	b := r.Register("u2")

	r.Ping()

	assert.Equal(t, events.TypePing, drain(a)[0].Type)
	assert.Equal(t, events.TypePing, drain(b)[0].Type)
}

func TestShutdown_ClosesAll(t *testing.T) {
	r := newTestRegistry()
	a := r.Register("u1")
	r.Register("u2")

	r.Shutdown()

	assert.Equal(t, 0, r.Count())
	<-a.Done()
	assert.Equal(t, int32(0), r.Metrics().GetSnapshot().ConnectedClients)
}
