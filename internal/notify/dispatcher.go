// Package notify turns change events into durable per-user notifications
// and pushes them to the recipients' live connections.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/thenoetrevino/boardsync/internal/changelog"
	"github.com/thenoetrevino/boardsync/internal/datastore"
	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
)

// DefaultAttempts is how many times a notification write is tried
const DefaultAttempts = 3

// Store persists notifications
type Store interface {
	InsertNotification(ctx context.Context, n models.Notification) error
}

// Pusher delivers a frame to every live connection of a user
type Pusher interface {
	SendToUser(userID string, msg events.Message) int
}

// Result summarizes one Dispatch call
type Result struct {
	Stored  int
	Pushed  int
	Skipped int
}

// Dispatcher decides who is told about an event, persists one notification
// per interested user and then pushes it.
type Dispatcher struct {
	store    Store
	pusher   Pusher
	dedupe   Deduper
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	attempts int

	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	watched map[string]struct{}
	wg      sync.WaitGroup
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithDeduper replaces the in-memory deduper
func WithDeduper(dd Deduper) Option {
	return func(d *Dispatcher) { d.dedupe = dd }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithIDs overrides notification id generation
func WithIDs(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// WithBackOff sets the delay policy between dispatch rounds of a watched
// event whose notifications could not all be stored
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(d *Dispatcher) { d.newBackOff = fn }
}

// WithAttempts sets how many times a write is tried
func WithAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.attempts = n
		}
	}
}

// New creates a dispatcher
func New(store Store, pusher Pusher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		pusher:     pusher,
		dedupe:     NewMemoryDeduper(DefaultDedupeTTL),
		logger:     slog.Default(),
		now:        time.Now,
		newID:      uuid.NewString,
		attempts:   DefaultAttempts,
		newBackOff: defaultBackOff,
		watched:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch notifies every interested user about ev. Each notification is
// stored before it is pushed; a pair already dispatched is skipped, so
// calling Dispatch twice for one event is harmless.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) (Result, error) {
	var (
		res  Result
		errs []error
	)

	users := Recipients(ev)
	if len(users) == 0 {
		return res, nil
	}
	c := describe(ev)

	for _, userID := range users {
		key := dedupeKey(ev.ProjectID, ev.Sequence, userID)

		added, err := d.dedupe.Add(ctx, key)
		if err != nil {
			// the unique key in the store still guards against doubles
			d.logger.Warn("notification dedupe unavailable",
				"key", key,
				"error", err)
			added = true
		}
		if !added {
			res.Skipped++
			continue
		}

		n := models.Notification{
			ID:              d.newID(),
			RecipientID:     userID,
			ProjectID:       ev.ProjectID,
			EventSequence:   ev.Sequence,
			EventKind:       string(ev.Kind),
			TaskID:          c.taskID,
			Title:           c.title,
			Message:         c.body,
			ActionReference: actionReference(ev.ProjectID, c.taskID),
			CreatedAt:       d.now().UTC(),
		}

		if err := d.persistWithRetry(ctx, n); err != nil {
			if errors.Is(err, datastore.ErrDuplicate) {
				res.Skipped++
				continue
			}
			if rmErr := d.dedupe.Remove(ctx, key); rmErr != nil {
				d.logger.Warn("failed to release dedupe key", "key", key, "error", rmErr)
			}
			errs = append(errs, fmt.Errorf("notify %s of event %d: %w", userID, ev.Sequence, err))
			continue
		}
		res.Stored++

		push := events.PushFrom(n)
		msg := events.Message{
			Version:      events.ProtocolVersion,
			Type:         events.TypeNotification,
			Notification: &push,
		}
		if d.pusher.SendToUser(userID, msg) > 0 {
			res.Pushed++
		}
	}

	return res, errors.Join(errs...)
}

// Watch dispatches every event appended to a project's log after from,
// until ctx is done. Watching a project already watched does nothing.
func (d *Dispatcher) Watch(ctx context.Context, log *changelog.Log, projectID string, from int64) {
	d.mu.Lock()
	if _, ok := d.watched[projectID]; ok {
		d.mu.Unlock()
		return
	}
	d.watched[projectID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.watched, projectID)
			d.mu.Unlock()
		}()
		d.follow(ctx, log, projectID, from)
	}()
}

func (d *Dispatcher) follow(ctx context.Context, log *changelog.Log, projectID string, from int64) {
	cursor := from
	for ctx.Err() == nil {
		restart := false
		for ev, err := range log.Subscribe(ctx, projectID, cursor) {
			if err != nil {
				if errors.Is(err, changelog.ErrPruned) {
					floor := log.Floor(projectID)
					d.logger.Error("notification watcher fell behind the log, notifications lost",
						"project_id", projectID,
						"lost_from", cursor+1,
						"lost_to", floor)
					cursor = floor
					restart = true
					break
				}
				d.logger.Error("notification watcher stopped",
					"project_id", projectID,
					"error", err)
				return
			}

			if !d.dispatchUntilStored(ctx, ev) {
				return
			}
			cursor = ev.Sequence
		}
		if !restart {
			return
		}
	}
}

// dispatchUntilStored dispatches ev until every recipient is stored, backing
// off between rounds. Recipients already stored are skipped through the
// dedupe key, so each round only retries the failures. It returns false
// when ctx ends first.
func (d *Dispatcher) dispatchUntilStored(ctx context.Context, ev events.Event) bool {
	var b backoff.BackOff
	for {
		res, err := d.Dispatch(ctx, ev)
		if err == nil {
			if res.Stored > 0 {
				d.logger.Debug("notifications dispatched",
					"project_id", ev.ProjectID,
					"sequence", ev.Sequence,
					"stored", res.Stored,
					"pushed", res.Pushed)
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		if b == nil {
			b = d.newBackOff()
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			d.logger.Error("notification dispatch abandoned",
				"project_id", ev.ProjectID,
				"sequence", ev.Sequence,
				"error", err)
			return true
		}
		d.logger.Warn("notification dispatch failed, retrying",
			"project_id", ev.ProjectID,
			"sequence", ev.Sequence,
			"retry_in", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	// a watcher never gives up on an event while the server runs
	b.MaxElapsedTime = 0
	return b
}

// Wait blocks until every watcher has returned
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
