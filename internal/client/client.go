// Package client connects to a boardsync server over a websocket. It keeps
// one reconciler per joined project, reconnects with exponential backoff and
// resumes every joined project after each reconnect.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/position"
	"github.com/thenoetrevino/boardsync/internal/reconciler"
)

var (
	ErrNilClient  = errors.New("client is nil")
	ErrNotJoined  = errors.New("project not joined")
	ErrNoEndpoint = errors.New("server url is required")
)

// Config holds connection settings
type Config struct {
	URL   string
	Token string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration // no frame for this long drops the connection
	HeartbeatEvery   time.Duration // overridden by the server's welcome
	PendingTimeout   time.Duration
	SweepInterval    time.Duration

	// Gap must match the server's position gap for predictions to agree
	Gap int64

	// MaxReconnect bounds the total time spent reconnecting. Zero retries
	// until the context ends.
	MaxReconnect time.Duration

	UpdateBuffer int
}

// DefaultConfig returns client defaults for url
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      90 * time.Second,
		HeartbeatEvery:   30 * time.Second,
		PendingTimeout:   reconciler.DefaultTimeout,
		SweepInterval:    time.Second,
		Gap:              position.DefaultGap,
		UpdateBuffer:     256,
	}
}

// UpdateKind names what an Update reports
type UpdateKind string

const (
	UpdateState        UpdateKind = "state"
	UpdateSync         UpdateKind = "sync"
	UpdateEvent        UpdateKind = "event"
	UpdateAck          UpdateKind = "ack"
	UpdateRollback     UpdateKind = "rollback"
	UpdateNotification UpdateKind = "notification"
	UpdatePresence     UpdateKind = "presence"
	UpdateError        UpdateKind = "error"
)

// Update is one change observed by the client. Local state is already
// updated when it is delivered; read it from Board.
type Update struct {
	Kind         UpdateKind
	ProjectID    string
	State        State
	Result       reconciler.Result
	Event        *events.Event
	Notification *events.NotificationPush
	Presence     *events.Presence
	Err          *events.Error
}

// flight is an intent awaiting its ack
type flight struct {
	projectID string
	intent    events.Intent
	attempt   int
}

// Client is a reconnecting sync protocol client
type Client struct {
	cfg        Config
	dialer     *websocket.Dialer
	cache      *Cache
	logger     *slog.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff
	retries    int

	mu       sync.Mutex
	boards   map[string]*reconciler.Reconciler
	inflight map[string]*flight
	resyncs  map[string]bool // projects with a resync outstanding
	online   map[string]map[string]struct{}
	conn     *websocket.Conn
	welcome  events.Welcome

	writeMu sync.Mutex
	state   atomic.Int32
	updates chan Update
	closed  atomic.Bool
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithCache persists confirmed board state between runs
func WithCache(cache *Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// WithDialer overrides the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithBackOff overrides the reconnect policy
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// WithRetries sets how many times an intent rejected as busy is sent
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// New creates a client. It does not connect until Run.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNoEndpoint
	}
	defaults := DefaultConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = defaults.HeartbeatEvery
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = defaults.PendingTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaults.UpdateBuffer
	}

	c := &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:   slog.Default(),
		now:      time.Now,
		retries:  DefaultRetries,
		boards:   make(map[string]*reconciler.Reconciler),
		inflight: make(map[string]*flight),
		resyncs:  make(map[string]bool),
		online:   make(map[string]map[string]struct{}),
		updates:  make(chan Update, cfg.UpdateBuffer),
	}
	c.newBackOff = c.defaultBackOff
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = c.cfg.MaxReconnect
	return b
}

// Updates delivers changes as they are applied. Updates are dropped, with
// a warning, when the consumer falls behind; board state is unaffected.
func (c *Client) Updates() <-chan Update {
	if c == nil {
		ch := make(chan Update)
		close(ch)
		return ch
	}
	return c.updates
}

// State returns the connection state
func (c *Client) State() State {
	if c == nil {
		return StateClosed
	}
	return State(c.state.Load())
}

// Welcome returns the last handshake answer
func (c *Client) Welcome() events.Welcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// Board returns the reconciler of a joined project
func (c *Client) Board(projectID string) (*reconciler.Reconciler, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.boards[projectID]
	return r, ok
}

// Projects returns the joined project ids
func (c *Client) Projects() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.boards))
}

// Online returns the users the server last reported in a joined project's
// room, sorted
func (c *Client) Online(projectID string) []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.online[projectID]))
}

// Join starts tracking a project. A cached snapshot, when present, seeds
// the board so the join resumes from its sequence. The join is sent now if
// connected and on every reconnect.
func (c *Client) Join(projectID string) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	r, exists := c.boards[projectID]
	if !exists {
		r = reconciler.New(projectID,
			reconciler.WithAllocator(position.New(c.cfg.Gap)),
			reconciler.WithTimeout(c.cfg.PendingTimeout))
		c.seed(r)
		c.boards[projectID] = r
	}
	conn := c.conn
	c.mu.Unlock()

	if exists || conn == nil {
		return nil
	}
	return c.sendJoin(conn, r)
}

func (c *Client) seed(r *reconciler.Reconciler) {
	if c.cache == nil {
		return
	}
	snap, ok, err := c.cache.Load(r.ProjectID())
	if err != nil {
		c.logger.Warn("failed to load cached board", "project_id", r.ProjectID(), "error", err)
		return
	}
	if !ok {
		return
	}
	r.ApplySync(events.Sync{ProjectID: snap.ProjectID, Sequence: snap.Sequence, Snapshot: &snap})
	c.logger.Debug("board loaded from cache", "project_id", snap.ProjectID, "sequence", snap.Sequence)
}

// Leave stops tracking a project
func (c *Client) Leave(projectID string) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	r, ok := c.boards[projectID]
	delete(c.boards, projectID)
	delete(c.online, projectID)
	conn := c.conn
	c.mu.Unlock()

	if !ok {
		return ErrNotJoined
	}
	c.save(r)
	if conn == nil {
		return nil
	}
	return c.write(conn, events.Message{
		Version: events.ProtocolVersion,
		Type:    events.TypeLeave,
		Join:    &events.JoinRequest{ProjectID: projectID},
	})
}

// Submit applies in optimistically and sends it. The returned intent is the
// one sent, with its correlation id. Without a connection the mutation is
// rolled back at once and a transport_lost error returned.
func (c *Client) Submit(in events.Intent) (events.Intent, error) {
	if c == nil {
		return in, ErrNilClient
	}
	r, ok := c.Board(in.ProjectID)
	if !ok {
		return in, fmt.Errorf("%w: %s", ErrNotJoined, in.ProjectID)
	}

	out, err := r.Apply(in, c.now())
	if err != nil {
		return out, err
	}

	c.mu.Lock()
	conn := c.conn
	if conn != nil {
		c.inflight[out.CorrelationID] = &flight{projectID: out.ProjectID, intent: out}
	}
	c.mu.Unlock()

	if conn == nil {
		lost := events.Errorf(events.CodeTransportLost, "not connected")
		res := r.Acknowledge(events.Ack{CorrelationID: out.CorrelationID, Error: lost})
		c.emit(Update{Kind: UpdateRollback, ProjectID: out.ProjectID, Result: res, Err: lost})
		return out, lost
	}

	// a failed write leaves the mutation pending; the dropped connection
	// rolls it back
	if err := c.write(conn, intentMessage(out)); err != nil {
		return out, fmt.Errorf("send intent: %w", err)
	}
	return out, nil
}

// MarkRead marks a notification read. It bypasses the reconcilers since
// notifications are not board state.
func (c *Client) MarkRead(notificationID string) error {
	if c == nil {
		return ErrNilClient
	}
	in, err := events.NewIntent(events.ActionMarkNotification, "", notificationID, "", nil)
	if err != nil {
		return err
	}
	in.CorrelationID = "read-" + notificationID
	return c.send(intentMessage(in))
}

// ListNotifications asks for the unread backlog
func (c *Client) ListNotifications() error {
	if c == nil {
		return ErrNilClient
	}
	return c.send(events.Message{Version: events.ProtocolVersion, Type: events.TypeListUnread})
}

// Close persists every board to the cache and closes the connection. Call
// it after Run has returned.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	boards := slices.Collect(maps.Values(c.boards))
	conn := c.conn
	c.mu.Unlock()

	for _, r := range boards {
		c.save(r)
	}

	var errs []error
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if c.cache != nil {
		errs = append(errs, c.cache.Close())
	}
	c.setState(StateClosed)
	return errors.Join(errs...)
}

// ============================================================================
// HELPERS
// ============================================================================

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debug("connection state changed", "state", s.String())
	c.emit(Update{Kind: UpdateState, State: s})
}

func (c *Client) emit(u Update) {
	select {
	case c.updates <- u:
	default:
		c.logger.Warn("update buffer full, dropping update",
			"kind", u.Kind,
			"project_id", u.ProjectID)
	}
}

func (c *Client) save(r *reconciler.Reconciler) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Save(r.Snapshot()); err != nil {
		c.logger.Warn("failed to cache board", "project_id", r.ProjectID(), "error", err)
	}
}

// send writes msg on the current connection
func (c *Client) send(msg events.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return events.Errorf(events.CodeTransportLost, "not connected")
	}
	return c.write(conn, msg)
}

// write sends one frame. gorilla connections allow a single writer.
func (c *Client) write(conn *websocket.Conn, msg events.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if msg.Version == 0 {
		msg.Version = events.ProtocolVersion
	}
	if err := conn.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (c *Client) sendJoin(conn *websocket.Conn, r *reconciler.Reconciler) error {
	req := &events.JoinRequest{ProjectID: r.ProjectID()}
	if seq := r.Sequence(); seq > 0 {
		req.ResumeFrom = &seq
	}
	return c.write(conn, events.Message{Type: events.TypeJoin, Join: req})
}

// sendResync asks for the events after the board's last seen sequence. Only
// one request per project is outstanding at a time.
func (c *Client) sendResync(conn *websocket.Conn, r *reconciler.Reconciler) error {
	c.mu.Lock()
	if c.resyncs[r.ProjectID()] {
		c.mu.Unlock()
		return nil
	}
	c.resyncs[r.ProjectID()] = true
	c.mu.Unlock()

	c.logger.Info("requesting resync",
		"project_id", r.ProjectID(),
		"last_seen", r.Sequence())
	return c.write(conn, events.Message{
		Type:   events.TypeResync,
		Resync: &events.ResyncRequest{ProjectID: r.ProjectID(), LastSeen: r.Sequence()},
	})
}

func intentMessage(in events.Intent) events.Message {
	return events.Message{Version: events.ProtocolVersion, Type: events.TypeIntent, Intent: &in}
}
