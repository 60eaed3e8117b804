// Package registry tracks live connections and the project and user rooms
// they belong to, and fans events out to them.
package registry

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thenoetrevino/boardsync/internal/events"
)

// DefaultBufferSize is the per-connection send queue length
const DefaultBufferSize = 256

// Registry is the connection arena. Rooms hold connection ids, never
// connections, so removing a connection is a map delete in each index.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]struct{} // project id -> conn ids
	users map[string]map[string]struct{} // user id -> conn ids

	metrics    *Metrics
	bufferSize int
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithBufferSize sets the per-connection send queue length
func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics shares a metrics instance
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:      make(map[string]*Conn),
		rooms:      make(map[string]map[string]struct{}),
		users:      make(map[string]map[string]struct{}),
		metrics:    NewMetrics(),
		bufferSize: DefaultBufferSize,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Metrics returns the registry's counters
func (r *Registry) Metrics() *Metrics { return r.metrics }

// Register adds a connection for an authenticated user and places it in
// the user's personal room.
func (r *Registry) Register(userID string) *Conn {
	c := newConn(uuid.NewString(), userID, r.bufferSize, r.now())

	r.mu.Lock()
	r.conns[c.ID] = c
	addMember(r.users, userID, c.ID)
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.ConnectedClients.Store(int32(count))
	r.logger.Info("client connected",
		"conn_id", c.ID,
		"user_id", userID,
		"clients", count)
	return c
}

// Get returns a registered connection
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Remove releases every room membership of c and closes it. Removing an
// already removed connection does nothing.
func (r *Registry) Remove(c *Conn, reason string) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		c.close()
		return
	}
	delete(r.conns, c.ID)
	removeMember(r.users, c.UserID, c.ID)
	var slow []*Conn
	for _, projectID := range c.Rooms() {
		removeMember(r.rooms, projectID, c.ID)
		if !r.presentLocked(projectID, c.UserID) {
			slow = append(slow, r.announceLocked(projectID, c.UserID, false)...)
		}
	}
	count, rooms := len(r.conns), len(r.rooms)
	r.mu.Unlock()

	c.close()
	for _, s := range slow {
		r.evict(s)
	}

	r.metrics.ConnectedClients.Store(int32(count))
	r.metrics.ActiveRooms.Store(int32(rooms))
	r.logger.Info("client disconnected",
		"conn_id", c.ID,
		"user_id", c.UserID,
		"reason", reason,
		"clients", count)
}

// Join places c in a project room and queues the sync that brings it up to
// date, listing the users present. Every later broadcast to the room
// carries a sequence above s.Sequence. It must be called while the project
// is locked so no event slips in between. The user's first connection in
// the room is announced to the other members.
func (r *Registry) Join(c *Conn, msgType events.MessageType, s events.Sync) bool {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	_, member := r.rooms[s.ProjectID][c.ID]
	arrived := !member && !r.presentLocked(s.ProjectID, c.UserID)
	addMember(r.rooms, s.ProjectID, c.ID)
	rooms := len(r.rooms)
	s.Online = r.onlineLocked(s.ProjectID)

	c.mu.Lock()
	c.rooms[s.ProjectID] = struct{}{}
	if s.Sequence > c.sent[s.ProjectID] || s.Snapshot != nil {
		c.sent[s.ProjectID] = s.Sequence
	}
	ok := c.enqueueLocked(events.SyncMessage(msgType, s))
	c.mu.Unlock()

	var slow []*Conn
	if arrived {
		slow = r.announceLocked(s.ProjectID, c.UserID, true)
	}
	r.mu.Unlock()

	r.metrics.ActiveRooms.Store(int32(rooms))
	if !ok {
		r.evict(c)
	}
	for _, sc := range slow {
		r.evict(sc)
	}
	return ok
}

// Leave takes c out of a project room
func (r *Registry) Leave(c *Conn, projectID string) {
	r.mu.Lock()
	_, member := r.rooms[projectID][c.ID]
	removeMember(r.rooms, projectID, c.ID)
	rooms := len(r.rooms)
	c.mu.Lock()
	delete(c.rooms, projectID)
	delete(c.sent, projectID)
	c.mu.Unlock()

	var slow []*Conn
	if member && !r.presentLocked(projectID, c.UserID) {
		slow = r.announceLocked(projectID, c.UserID, false)
	}
	r.mu.Unlock()

	r.metrics.ActiveRooms.Store(int32(rooms))
	for _, sc := range slow {
		r.evict(sc)
	}
}

// Online returns the users with a connection in a project room, sorted
func (r *Registry) Online(projectID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked(projectID)
}

// presentLocked reports whether any connection of userID is in the room
func (r *Registry) presentLocked(projectID, userID string) bool {
	room := r.rooms[projectID]
	for id := range r.users[userID] {
		if _, ok := room[id]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) onlineLocked(projectID string) []string {
	seen := make(map[string]struct{})
	for id := range r.rooms[projectID] {
		seen[r.conns[id].UserID] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// announceLocked queues a presence frame for every room member belonging to
// another user and returns the connections whose queue was full.
func (r *Registry) announceLocked(projectID, userID string, online bool) []*Conn {
	msg := events.PresenceMessage(events.Presence{
		ProjectID: projectID,
		UserID:    userID,
		Online:    online,
		At:        r.now().UTC(),
	})

	var slow []*Conn
	for id := range r.rooms[projectID] {
		c := r.conns[id]
		if c.UserID == userID {
			continue
		}
		if !c.enqueue(msg) {
			slow = append(slow, c)
		}
	}
	r.logger.Debug("presence changed",
		"project_id", projectID,
		"user_id", userID,
		"online", online)
	return slow
}

// Send queues a direct reply to c. A full queue evicts the connection; a
// closed one is simply skipped.
func (r *Registry) Send(c *Conn, msg events.Message) bool {
	if c.Closed() {
		return false
	}
	if c.enqueue(msg) {
		return true
	}
	r.evict(c)
	return false
}

// Publish delivers an accepted event: the originating connection gets an
// ack carrying the event, every other member of the project room gets the
// event itself. Called with the project locked, so each connection's queue
// receives a project's events in sequence order.
func (r *Registry) Publish(ev events.Event, origin events.Origin) {
	var slow []*Conn

	r.mu.RLock()
	if origin.ConnectionID != "" {
		if c, ok := r.conns[origin.ConnectionID]; ok {
			c.mu.Lock()
			queued := c.enqueueLocked(events.AckMessage(origin.CorrelationID, ev))
			if queued && ev.Sequence > c.sent[ev.ProjectID] {
				if _, joined := c.rooms[ev.ProjectID]; joined {
					c.sent[ev.ProjectID] = ev.Sequence
				}
			}
			c.mu.Unlock()
			if queued {
				r.metrics.IncAcksSent()
			} else {
				slow = append(slow, c)
			}
		}
	}

	msg := events.EventMessage(ev)
	for id := range r.rooms[ev.ProjectID] {
		if id == origin.ConnectionID {
			continue
		}
		c := r.conns[id]
		sent, ok := c.deliver(ev, msg)
		if !ok {
			slow = append(slow, c)
			continue
		}
		if sent {
			r.metrics.IncEventsSent()
		}
	}
	r.mu.RUnlock()

	for _, c := range slow {
		r.evict(c)
	}
}

// SendToUser delivers msg to every connection of a user and returns how
// many accepted it.
func (r *Registry) SendToUser(userID string, msg events.Message) int {
	var slow []*Conn
	delivered := 0

	r.mu.RLock()
	for id := range r.users[userID] {
		c := r.conns[id]
		if c.enqueue(msg) {
			delivered++
		} else {
			slow = append(slow, c)
		}
	}
	r.mu.RUnlock()

	if msg.Type == events.TypeNotification {
		r.metrics.NotificationsSent.Add(int64(delivered))
	}
	for _, c := range slow {
		r.evict(c)
	}
	return delivered
}

func (r *Registry) evict(c *Conn) {
	// already removed by another path
	if c.Closed() {
		return
	}
	r.metrics.IncEvictions()
	r.logger.Warn("client send queue full, evicting",
		"conn_id", c.ID,
		"user_id", c.UserID)
	r.Remove(c, "slow consumer")
}

// ============================================================================
// LIVENESS
// ============================================================================

// Ping queues a ping frame on every connection
func (r *Registry) Ping() {
	msg := events.Message{Version: events.ProtocolVersion, Type: events.TypePing}
	for _, c := range r.snapshot() {
		r.Send(c, msg)
	}
}

// Reap removes connections with no inbound traffic for longer than idle
// and returns how many were removed.
func (r *Registry) Reap(idle time.Duration) int {
	now := r.now()
	var stale []*Conn
	for _, c := range r.snapshot() {
		if now.Sub(c.LastSeen()) > idle {
			stale = append(stale, c)
		}
	}

	// removed outside the registry lock
	for _, c := range stale {
		r.logger.Info("removing idle client",
			"conn_id", c.ID,
			"idle", now.Sub(c.LastSeen()).Round(time.Second))
		r.Remove(c, "idle")
	}
	return len(stale)
}

// Monitor pings every connection each pingInterval and reaps connections
// idle for longer than idleTimeout, until ctx is done.
func (r *Registry) Monitor(ctx context.Context, pingInterval, idleTimeout time.Duration) {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	healthTicker := time.NewTicker(idleTimeout / 2)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			r.Ping()
		case <-healthTicker.C:
			r.Reap(idleTimeout)
		}
	}
}

// Shutdown removes every connection
func (r *Registry) Shutdown() {
	for _, c := range r.snapshot() {
		r.Remove(c, "shutdown")
	}
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomSize returns the number of connections joined to a project
func (r *Registry) RoomSize(projectID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[projectID])
}

func (r *Registry) snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func addMember(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[connID] = struct{}{}
}

func removeMember(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}
