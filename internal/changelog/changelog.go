// Package changelog keeps a bounded, per-project history of change events
// so reconnecting clients can catch up without a full snapshot.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/thenoetrevino/boardsync/internal/events"
)

var (
	// ErrPruned means events after the requested sequence are no longer
	// retained. The caller must fall back to a snapshot.
	ErrPruned = errors.New("requested sequence has been pruned")

	// ErrAhead means the requested sequence is past the project's tail,
	// which happens when a client kept state from an older server.
	ErrAhead = errors.New("requested sequence is ahead of the log")

	// ErrOutOfOrder is returned by Append when the event does not directly
	// follow the current tail.
	ErrOutOfOrder = errors.New("event sequence does not follow tail")
)

// Default retention
const (
	DefaultRetention = 1000
	DefaultMaxAge    = 10 * time.Minute
)

// Options configures retention
type Options struct {
	// Retention is the maximum number of events kept per project
	Retention int

	// MaxAge drops events older than this on append and Prune
	MaxAge time.Duration

	Now func() time.Time
}

// Log holds the recent events of every loaded project
type Log struct {
	mu       sync.RWMutex
	projects map[string]*projectLog
	opts     Options
}

type projectLog struct {
	events []events.Event
	tail   int64 // highest sequence ever appended
	floor  int64 // events with sequence <= floor are gone
	wake   chan struct{}
}

// New creates an empty log
func New(opts Options) *Log {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Log{projects: make(map[string]*projectLog), opts: opts}
}

func (l *Log) project(projectID string) *projectLog {
	p, ok := l.projects[projectID]
	if !ok {
		p = &projectLog{wake: make(chan struct{})}
		l.projects[projectID] = p
	}
	return p
}

// Init sets the starting point of a project whose history before base is
// not available, typically after a restart. It is a no-op when the project
// already has a tail at or beyond base.
func (l *Log) Init(projectID string, base int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.project(projectID)
	if p.tail >= base {
		return
	}
	p.events = nil
	p.tail = base
	p.floor = base
}

// Append adds the next event of a project
func (l *Log) Append(ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.project(ev.ProjectID)
	if ev.Sequence != p.tail+1 {
		return fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, ev.Sequence, p.tail)
	}

	p.events = append(p.events, ev)
	p.tail = ev.Sequence
	l.prune(p, l.opts.Now())

	close(p.wake)
	p.wake = make(chan struct{})
	return nil
}

// prune drops events beyond the count limit or older than MaxAge
func (l *Log) prune(p *projectLog, now time.Time) {
	drop := 0
	if over := len(p.events) - l.opts.Retention; over > 0 {
		drop = over
	}
	cutoff := now.Add(-l.opts.MaxAge)
	for drop < len(p.events) && p.events[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}

	p.floor = p.events[drop-1].Sequence
	// copy so the dropped prefix can be collected
	p.events = append([]events.Event(nil), p.events[drop:]...)
}

// Prune applies age-based retention to every project. It is called
// periodically so idle projects release memory too.
func (l *Log) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.Now()
	for _, p := range l.projects {
		l.prune(p, now)
	}
}

// Tail returns the highest sequence appended for a project
func (l *Log) Tail(projectID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if p, ok := l.projects[projectID]; ok {
		return p.tail
	}
	return 0
}

// Floor returns the sequence just below the oldest retained event of a
// project. Subscribing from anything lower fails with ErrPruned.
func (l *Log) Floor(projectID string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if p, ok := l.projects[projectID]; ok {
		return p.floor
	}
	return 0
}

// Since returns every retained event with sequence greater than from, in
// order. It fails with ErrPruned or ErrAhead when it cannot produce a
// contiguous run.
func (l *Log) Since(projectID string, from int64) ([]events.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out, _, err := l.since(projectID, from)
	return out, err
}

func (l *Log) since(projectID string, from int64) ([]events.Event, <-chan struct{}, error) {
	p, ok := l.projects[projectID]
	if !ok {
		if from == 0 {
			return nil, nil, nil
		}
		return nil, nil, ErrAhead
	}
	if from > p.tail {
		return nil, p.wake, ErrAhead
	}
	if from < p.floor {
		return nil, p.wake, ErrPruned
	}

	start := int(from - p.floor)
	out := make([]events.Event, len(p.events)-start)
	copy(out, p.events[start:])
	return out, p.wake, nil
}

// Subscribe returns a lazy sequence of the project's events after from. It
// replays what is retained, then blocks for new events until ctx is done.
// A subscriber that falls behind retention receives ErrPruned and the
// sequence ends. Each call starts an independent cursor, so the sequence
// may be ranged over again.
func (l *Log) Subscribe(ctx context.Context, projectID string, from int64) iter.Seq2[events.Event, error] {
	return func(yield func(events.Event, error) bool) {
		cursor := from
		for {
			l.mu.Lock()
			l.project(projectID)
			batch, wake, err := l.since(projectID, cursor)
			l.mu.Unlock()

			if err != nil {
				yield(events.Event{}, err)
				return
			}
			for _, ev := range batch {
				if !yield(ev, nil) {
					return
				}
				cursor = ev.Sequence
			}
			if len(batch) > 0 {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
		}
	}
}
