// Package session runs the sync protocol for one client connection: the
// handshake, room joins, resyncs and mutation intents.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thenoetrevino/boardsync/internal/board"
	"github.com/thenoetrevino/boardsync/internal/datastore"
	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
	"github.com/thenoetrevino/boardsync/internal/registry"
)

// Transport is a framed, bidirectional JSON channel. *websocket.Conn
// satisfies it.
type Transport interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Authenticator verifies the handshake credential
type Authenticator interface {
	Authenticate(token string) (string, error)
}

// Boards hands out the board of a project
type Boards interface {
	Board(projectID string) *board.Board
}

// Store is the slice of the data API the handler needs directly
type Store interface {
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
}

// Config holds the protocol timeouts
type Config struct {
	HandshakeTimeout    time.Duration
	MutationTimeout     time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	PingInterval        time.Duration
	NotificationBacklog int
}

// DefaultConfig returns the timeouts used when none are configured
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:    10 * time.Second,
		MutationTimeout:     5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         90 * time.Second,
		PingInterval:        30 * time.Second,
		NotificationBacklog: 50,
	}
}

var errEvicted = errors.New("connection evicted")

// Handler serves connections. One Handler is shared by every connection.
type Handler struct {
	cfg    Config
	auth   Authenticator
	boards Boards
	store  Store
	reg    *registry.Registry
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler wires a handler
func NewHandler(cfg Config, auth Authenticator, boards Boards, store Store, reg *registry.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:    cfg,
		auth:   auth,
		boards: boards,
		store:  store,
		reg:    reg,
		logger: logger,
		now:    time.Now,
	}
}

// session is the per-connection state
type session struct {
	h     *Handler
	t     Transport
	conn  *registry.Conn
	state stateBox
	log   *slog.Logger
}

// Serve runs the protocol on t until the peer disconnects, the connection
// is evicted, or ctx is done. It always closes t.
func (h *Handler) Serve(ctx context.Context, t Transport) error {
	s := &session{h: h, t: t, log: h.logger}
	s.state.advance(StateHandshaking)

	userID, err := s.handshake()
	if err != nil {
		s.state.advance(StateDisconnected)
		s.writeDirect(events.ErrorMessage(err))
		_ = t.Close()
		return err
	}

	s.conn = h.reg.Register(userID)
	s.conn.OnClose(t.Close)
	s.log = h.logger.With("conn_id", s.conn.ID, "user_id", userID)
	s.state.advance(StateJoined)

	h.reg.Send(s.conn, events.Message{
		Version: events.ProtocolVersion,
		Type:    events.TypeWelcome,
		Welcome: &events.Welcome{
			ConnectionID:      s.conn.ID,
			UserID:            userID,
			HeartbeatInterval: h.cfg.PingInterval.Milliseconds(),
		},
	})

	g := new(errgroup.Group)
	g.Go(s.writeLoop)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			h.reg.Remove(s.conn, "shutdown")
		case <-s.conn.Done():
		}
		return nil
	})

	readErr := s.readLoop(ctx)
	h.reg.Remove(s.conn, disconnectReason(readErr))
	s.state.advance(StateDisconnected)
	_ = g.Wait()

	s.log.Debug("session ended", "reason", disconnectReason(readErr))
	return nil
}

// handshake waits for the credential frame
func (s *session) handshake() (string, error) {
	if d := s.h.cfg.HandshakeTimeout; d > 0 {
		_ = s.t.SetReadDeadline(s.h.now().Add(d))
	}

	var msg events.Message
	if err := s.t.ReadJSON(&msg); err != nil {
		return "", events.Errorf(events.CodeUnauthorized, "no handshake: %v", err)
	}
	if msg.Type != events.TypeHandshake || msg.Handshake == nil || msg.Handshake.Token == "" {
		return "", events.Errorf(events.CodeUnauthorized, "handshake required, got %q", msg.Type)
	}

	userID, err := s.h.auth.Authenticate(msg.Handshake.Token)
	if err != nil {
		s.log.Info("handshake rejected", "error", err)
		return "", err
	}
	_ = s.t.SetReadDeadline(time.Time{})
	return userID, nil
}

// writeDirect is used before the connection is registered, when no writer
// goroutine exists yet
func (s *session) writeDirect(msg events.Message) {
	if d := s.h.cfg.WriteTimeout; d > 0 {
		_ = s.t.SetWriteDeadline(s.h.now().Add(d))
	}
	if err := s.t.WriteJSON(msg); err != nil {
		s.log.Debug("failed to write frame", "type", msg.Type, "error", err)
	}
}

// writeLoop drains the connection's queue onto the transport
func (s *session) writeLoop() error {
	for {
		select {
		case <-s.conn.Done():
			return nil
		case msg := <-s.conn.Outbound():
			if d := s.h.cfg.WriteTimeout; d > 0 {
				_ = s.t.SetWriteDeadline(s.h.now().Add(d))
			}
			if err := s.t.WriteJSON(msg); err != nil {
				s.h.reg.Remove(s.conn, "write failed")
				return nil
			}
		}
	}
}

// readLoop handles inbound frames until the transport fails
func (s *session) readLoop(ctx context.Context) error {
	for {
		if d := s.h.cfg.IdleTimeout; d > 0 {
			_ = s.t.SetReadDeadline(s.h.now().Add(d))
		}

		var msg events.Message
		if err := s.t.ReadJSON(&msg); err != nil {
			return err
		}
		s.conn.Touch(s.h.now())

		if msg.Version != 0 && msg.Version != events.ProtocolVersion {
			s.log.Warn("protocol version mismatch",
				"got", msg.Version,
				"want", events.ProtocolVersion)
		}

		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *session) handle(ctx context.Context, msg events.Message) error {
	switch msg.Type {
	case events.TypeJoin:
		return s.join(ctx, msg.Join)
	case events.TypeLeave:
		if msg.Join != nil {
			s.h.reg.Leave(s.conn, msg.Join.ProjectID)
		}
	case events.TypeResync:
		return s.resync(ctx, msg.Resync)
	case events.TypeIntent:
		return s.intent(ctx, msg.Intent)
	case events.TypeListUnread:
		s.listNotifications(ctx)
	case events.TypePing:
		s.send(events.Message{Version: events.ProtocolVersion, Type: events.TypePong})
	case events.TypePong, events.TypeHeartbeat:
		// Touch already recorded the activity
	case events.TypeHandshake:
		s.send(events.ErrorMessage(events.Errorf(events.CodeInvalid, "already authenticated")))
	default:
		s.send(events.ErrorMessage(events.Errorf(events.CodeInvalid, "unknown message type %q", msg.Type)))
	}
	return nil
}

func (s *session) send(msg events.Message) {
	s.h.reg.Send(s.conn, msg)
}

func (s *session) mutationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := s.h.cfg.MutationTimeout; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// authorize reports whether the user may touch the project
func (s *session) authorize(ctx context.Context, projectID string) error {
	if projectID == "" {
		return events.Errorf(events.CodeInvalid, "project id is required")
	}
	ok, err := s.h.store.IsMember(ctx, projectID, s.conn.UserID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return events.Errorf(events.CodeForbidden, "not a member of project %s", projectID)
	}
	return nil
}

// join subscribes the connection to a project room and sends the state it
// needs: a replay after ResumeFrom if the log still has it, else a
// snapshot.
func (s *session) join(ctx context.Context, req *events.JoinRequest) error {
	if req == nil {
		s.send(events.ErrorMessage(events.Errorf(events.CodeInvalid, "join without a project")))
		return nil
	}
	mctx, cancel := s.mutationContext(ctx)
	defer cancel()

	if err := s.authorize(mctx, req.ProjectID); err != nil {
		s.log.Info("join refused", "project_id", req.ProjectID, "error", err)
		s.send(events.ErrorMessage(err))
		return nil
	}
	if req.ResumeFrom != nil {
		s.h.reg.Metrics().IncReconnections()
	}
	return s.attach(mctx, req.ProjectID, req.ResumeFrom, events.TypeJoined)
}

// resync replays events after LastSeen for a room already joined
func (s *session) resync(ctx context.Context, req *events.ResyncRequest) error {
	if req == nil {
		s.send(events.ErrorMessage(events.Errorf(events.CodeInvalid, "resync without a project")))
		return nil
	}
	if !s.conn.InRoom(req.ProjectID) {
		s.send(events.ErrorMessage(events.Errorf(events.CodeForbidden, "project %s not joined", req.ProjectID)))
		return nil
	}
	mctx, cancel := s.mutationContext(ctx)
	defer cancel()

	from := req.LastSeen
	return s.attach(mctx, req.ProjectID, &from, events.TypeReplay)
}

func (s *session) attach(ctx context.Context, projectID string, from *int64, msgType events.MessageType) error {
	b := s.h.boards.Board(projectID)
	err := b.Attach(ctx, from, func(sync events.Sync) error {
		if !s.h.reg.Join(s.conn, msgType, sync) {
			return errEvicted
		}
		s.log.Debug("room synced",
			"project_id", projectID,
			"sequence", sync.Sequence,
			"snapshot", sync.Snapshot != nil,
			"replayed", len(sync.Events))
		return nil
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errEvicted):
		return err
	}
	s.log.Warn("sync failed", "project_id", projectID, "error", err)
	s.send(events.ErrorMessage(err))
	return nil
}

// intent authorizes and applies one mutation. Success is acknowledged by
// the registry when the event is published; failures are rejected here.
func (s *session) intent(ctx context.Context, in *events.Intent) error {
	if in == nil {
		s.send(events.ErrorMessage(events.Errorf(events.CodeInvalid, "intent frame without an intent")))
		return nil
	}
	metrics := s.h.reg.Metrics()
	metrics.IncIntentsReceived()

	if in.Action == events.ActionMarkNotification {
		s.markRead(ctx, *in)
		return nil
	}

	mctx, cancel := s.mutationContext(ctx)
	defer cancel()

	err := s.authorize(mctx, in.ProjectID)
	if err == nil {
		origin := events.Origin{
			UserID:        s.conn.UserID,
			ConnectionID:  s.conn.ID,
			CorrelationID: in.CorrelationID,
		}
		_, err = s.h.boards.Board(in.ProjectID).Apply(mctx, origin, *in)
	}
	if err == nil {
		return nil
	}

	metrics.IncRejections()
	code := events.CodeOf(err)
	if code == events.CodeInternal {
		s.log.Error("intent failed",
			"project_id", in.ProjectID,
			"action", in.Action,
			"correlation_id", in.CorrelationID,
			"error", err)
	} else {
		s.log.Debug("intent rejected",
			"project_id", in.ProjectID,
			"action", in.Action,
			"correlation_id", in.CorrelationID,
			"code", code)
	}
	s.send(events.RejectMessage(in.CorrelationID, err))
	return nil
}

func (s *session) markRead(ctx context.Context, in events.Intent) {
	if in.EntityID == "" {
		s.send(events.RejectMessage(in.CorrelationID, events.Errorf(events.CodeInvalid, "notification id is required")))
		return
	}
	err := s.h.store.MarkNotificationRead(ctx, s.conn.UserID, in.EntityID)
	switch {
	case err == nil:
		s.send(events.Message{
			Version: events.ProtocolVersion,
			Type:    events.TypeAck,
			Ack:     &events.Ack{CorrelationID: in.CorrelationID},
		})
	case errors.Is(err, datastore.ErrNotFound):
		s.send(events.RejectMessage(in.CorrelationID, events.Errorf(events.CodeNotFound, "notification %s not found", in.EntityID)))
	default:
		s.log.Error("failed to mark notification read", "notification_id", in.EntityID, "error", err)
		s.send(events.RejectMessage(in.CorrelationID, err))
	}
}

// listNotifications sends the user's unread backlog
func (s *session) listNotifications(ctx context.Context) {
	list, err := s.h.store.ListNotifications(ctx, s.conn.UserID, true, s.h.cfg.NotificationBacklog)
	if err != nil {
		s.log.Error("failed to list notifications", "error", err)
		s.send(events.ErrorMessage(err))
		return
	}
	pushes := make([]events.NotificationPush, 0, len(list))
	for _, n := range list {
		pushes = append(pushes, events.PushFrom(n))
	}
	s.send(events.Message{
		Version:       events.ProtocolVersion,
		Type:          events.TypeNotifications,
		Notifications: pushes,
	})
}

func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, errEvicted):
		return "evicted"
	}
	return "read: " + err.Error()
}
