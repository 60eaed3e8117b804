package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/reconciler"
)

// ErrGaveUp is returned by Run when the reconnect policy stops retrying
var ErrGaveUp = errors.New("gave up reconnecting")

// Run connects and serves until ctx is done. A dropped connection rolls
// back every pending mutation, then the client reconnects with exponential
// backoff and rejoins every project from its last seen sequence. A rejected
// credential ends Run with an unauthorized error.
func (c *Client) Run(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	b := c.newBackOff()
	b.Reset()
	for {
		c.setState(StateConnecting)
		conn, err := c.connect(ctx)
		if err == nil {
			b.Reset()
			err = c.serve(ctx, conn)
		}

		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}
		if errors.Is(err, events.ErrUnauthorized) {
			c.setState(StateClosed)
			return err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			c.setState(StateClosed)
			return fmt.Errorf("%w: %w", ErrGaveUp, err)
		}

		c.setState(StateBackoff)
		c.logger.Info("connection lost, reconnecting",
			"error", err,
			"retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateClosed)
			return nil
		case <-timer.C:
		}
	}
}

// connect dials and completes the handshake
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	err = c.write(conn, events.Message{
		Type:      events.TypeHandshake,
		Handshake: &events.Handshake{Token: c.cfg.Token},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	_ = conn.SetReadDeadline(c.now().Add(c.cfg.HandshakeTimeout))
	var msg events.Message
	if err := conn.ReadJSON(&msg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}

	switch {
	case msg.Type == events.TypeError && msg.Error != nil:
		_ = conn.Close()
		return nil, msg.Error
	case msg.Type != events.TypeWelcome || msg.Welcome == nil:
		_ = conn.Close()
		return nil, fmt.Errorf("expected welcome, got %q", msg.Type)
	}

	c.mu.Lock()
	c.welcome = *msg.Welcome
	c.mu.Unlock()

	c.logger.Info("connected",
		"conn_id", msg.Welcome.ConnectionID,
		"user_id", msg.Welcome.UserID)
	return conn, nil
}

// serve runs one established connection until it fails
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	c.conn = conn
	boards := slices.Collect(maps.Values(c.boards))
	c.mu.Unlock()
	c.setState(StateConnected)

	defer c.disconnect(conn)

	for _, r := range boards {
		if err := c.sendJoin(conn, r); err != nil {
			return fmt.Errorf("rejoin %s: %w", r.ProjectID(), err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error {
		return c.monitor(gctx, conn)
	})
	g.Go(func() error {
		return c.readLoop(conn)
	})
	return g.Wait()
}

// disconnect forgets conn and rolls back everything it left in flight
func (c *Client) disconnect(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	clear(c.inflight)
	clear(c.resyncs)
	clear(c.online)
	boards := slices.Collect(maps.Values(c.boards))
	c.mu.Unlock()

	lost := events.Errorf(events.CodeTransportLost, "connection lost")
	for _, r := range boards {
		for _, res := range r.FailAll(lost) {
			c.emit(Update{Kind: UpdateRollback, ProjectID: r.ProjectID(), Result: res, Err: lost})
		}
		c.save(r)
	}
}

// monitor sends heartbeats and expires mutations whose ack is overdue
func (c *Client) monitor(ctx context.Context, conn *websocket.Conn) error {
	every := c.cfg.HeartbeatEvery
	if ms := c.Welcome().HeartbeatInterval; ms > 0 {
		every = time.Duration(ms) * time.Millisecond
	}
	heartbeat := time.NewTicker(every)
	defer heartbeat.Stop()

	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-heartbeat.C:
			if err := c.write(conn, events.Message{Type: events.TypeHeartbeat}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}

		case <-sweep.C:
			if err := c.expire(conn); err != nil {
				return err
			}
		}
	}
}

func (c *Client) expire(conn *websocket.Conn) error {
	c.mu.Lock()
	boards := slices.Collect(maps.Values(c.boards))
	c.mu.Unlock()

	now := c.now()
	for _, r := range boards {
		expired := r.Expire(now)
		if len(expired) == 0 {
			continue
		}
		c.mu.Lock()
		for _, res := range expired {
			delete(c.inflight, res.CorrelationID)
		}
		c.mu.Unlock()

		for _, res := range expired {
			c.logger.Warn("mutation timed out",
				"project_id", r.ProjectID(),
				"correlation_id", res.CorrelationID)
			c.emit(Update{Kind: UpdateRollback, ProjectID: r.ProjectID(), Result: res, Err: res.Err})
		}
		if err := c.sendResync(conn, r); err != nil {
			return fmt.Errorf("resync %s: %w", r.ProjectID(), err)
		}
	}
	return nil
}

// ============================================================================
// INBOUND
// ============================================================================

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(c.now().Add(c.cfg.ReadTimeout))
		var msg events.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msg.Version != 0 && msg.Version != events.ProtocolVersion {
			c.logger.Warn("protocol version mismatch",
				"got", msg.Version,
				"want", events.ProtocolVersion)
		}
		if err := c.handle(conn, msg); err != nil {
			return err
		}
	}
}

func (c *Client) handle(conn *websocket.Conn, msg events.Message) error {
	switch msg.Type {
	case events.TypeJoined, events.TypeReplay:
		if msg.Sync == nil {
			return nil
		}
		r, ok := c.Board(msg.Sync.ProjectID)
		if !ok {
			return nil
		}
		c.mu.Lock()
		delete(c.resyncs, r.ProjectID())
		if msg.Sync.Online != nil {
			users := make(map[string]struct{}, len(msg.Sync.Online))
			for _, id := range msg.Sync.Online {
				users[id] = struct{}{}
			}
			c.online[r.ProjectID()] = users
		}
		c.mu.Unlock()

		res := r.ApplySync(*msg.Sync)
		c.emit(Update{Kind: UpdateSync, ProjectID: r.ProjectID(), Result: res})
		if res.Status == reconciler.StatusGap {
			return c.sendResync(conn, r)
		}
		c.save(r)

	case events.TypeEvent:
		if msg.Event == nil {
			return nil
		}
		r, ok := c.Board(msg.Event.ProjectID)
		if !ok {
			return nil
		}
		res := r.Receive(*msg.Event)
		switch res.Status {
		case reconciler.StatusGap:
			return c.sendResync(conn, r)
		case reconciler.StatusApplied, reconciler.StatusDeferred:
			c.emit(Update{Kind: UpdateEvent, ProjectID: r.ProjectID(), Result: res, Event: msg.Event})
		}

	case events.TypeAck:
		if msg.Ack == nil {
			return nil
		}
		return c.acknowledge(conn, *msg.Ack)

	case events.TypeNotification:
		if msg.Notification != nil {
			c.emit(Update{Kind: UpdateNotification, ProjectID: msg.Notification.ProjectID, Notification: msg.Notification})
		}

	case events.TypeNotifications:
		for i := range msg.Notifications {
			n := msg.Notifications[i]
			c.emit(Update{Kind: UpdateNotification, ProjectID: n.ProjectID, Notification: &n})
		}

	case events.TypePresence:
		p := msg.Presence
		if p == nil {
			return nil
		}
		c.mu.Lock()
		_, joined := c.boards[p.ProjectID]
		if joined {
			users, ok := c.online[p.ProjectID]
			if !ok {
				users = make(map[string]struct{})
				c.online[p.ProjectID] = users
			}
			if p.Online {
				users[p.UserID] = struct{}{}
			} else {
				delete(users, p.UserID)
			}
		}
		c.mu.Unlock()
		if joined {
			c.emit(Update{Kind: UpdatePresence, ProjectID: p.ProjectID, Presence: p})
		}

	case events.TypePing:
		return c.write(conn, events.Message{Type: events.TypePong})

	case events.TypeError:
		if msg.Error == nil {
			return nil
		}
		c.logger.Warn("server error", "code", msg.Error.Code, "message", msg.Error.Message)
		c.emit(Update{Kind: UpdateError, Err: msg.Error})
		if msg.Error.Code == events.CodeUnauthorized {
			return msg.Error
		}

	default:
		c.logger.Debug("ignoring message", "type", msg.Type)
	}
	return nil
}

func (c *Client) acknowledge(conn *websocket.Conn, ack events.Ack) error {
	c.mu.Lock()
	f, ok := c.inflight[ack.CorrelationID]
	delete(c.inflight, ack.CorrelationID)
	c.mu.Unlock()

	if !ok {
		// notification acks and acks for mutations already timed out
		if ack.Event == nil {
			return nil
		}
		r, joined := c.Board(ack.Event.ProjectID)
		if !joined {
			return nil
		}
		res := r.Acknowledge(ack)
		c.emit(Update{Kind: UpdateAck, ProjectID: r.ProjectID(), Result: res, Event: ack.Event})
		return nil
	}

	if ack.Error != nil && ack.Error.Code.Retryable() {
		if f.attempt+1 < c.retries {
			c.retry(conn, f, ack.Error)
			return nil
		}
		c.logger.Warn("intent failed after all retries",
			"attempts", c.retries,
			"action", f.intent.Action,
			"project_id", f.projectID,
			"error", ack.Error)
	}

	r, joined := c.Board(f.projectID)
	if !joined {
		return nil
	}
	res := r.Acknowledge(ack)
	if res.Status == reconciler.StatusRolledBack {
		c.logger.Info("mutation rejected",
			"project_id", f.projectID,
			"correlation_id", ack.CorrelationID,
			"code", ack.Error.Code)
		c.emit(Update{Kind: UpdateRollback, ProjectID: f.projectID, Result: res, Err: ack.Error})
	} else {
		c.emit(Update{Kind: UpdateAck, ProjectID: f.projectID, Result: res, Event: ack.Event})
	}

	if r.NeedsResync() {
		return c.sendResync(conn, r)
	}
	return nil
}
