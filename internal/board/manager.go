// Package board holds the authoritative in-memory state of each project and
// serializes every mutation to it.
package board

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/thenoetrevino/boardsync/internal/changelog"
	"github.com/thenoetrevino/boardsync/internal/datastore"
	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
	"github.com/thenoetrevino/boardsync/internal/position"
)

// Store is the slice of the data API the board needs
type Store interface {
	GetProject(ctx context.Context, id string) (models.Project, error)
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
	ListLists(ctx context.Context, projectID string) ([]models.List, error)
	ListTasks(ctx context.Context, projectID string) ([]models.Task, error)
	ResolveUsernames(ctx context.Context, usernames []string) (map[string]string, error)
	InsertComment(ctx context.Context, c models.Comment, seq int64) error
	datastore.TaskWriter
}

// Publisher delivers an accepted event. It is called while the project is
// locked, so deliveries for one project happen in sequence order.
type Publisher interface {
	Publish(ev events.Event, origin events.Origin)
}

type noopPublisher struct{}

func (noopPublisher) Publish(events.Event, events.Origin) {}

// Manager owns the board of every project touched since startup
type Manager struct {
	mu     sync.Mutex
	boards map[string]*Board

	store  Store
	log    *changelog.Log
	pub    Publisher
	alloc  position.Allocator
	now    func() time.Time
	logger *slog.Logger
	onLoad func(projectID string, seq int64)
}

// Option configures a Manager
type Option func(*Manager)

// WithPublisher sets where accepted events are delivered
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

// WithAllocator overrides the position allocator
func WithAllocator(a position.Allocator) Option {
	return func(m *Manager) { m.alloc = a }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithLoadHook is called once per project after its board is loaded, with
// the sequence the board starts from.
func WithLoadHook(fn func(projectID string, seq int64)) Option {
	return func(m *Manager) { m.onLoad = fn }
}

// NewManager creates a manager. Boards are loaded from store on first use.
func NewManager(store Store, log *changelog.Log, opts ...Option) *Manager {
	m := &Manager{
		boards: make(map[string]*Board),
		store:  store,
		log:    log,
		pub:    noopPublisher{},
		alloc:  position.New(position.DefaultGap),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Board returns the handle for a project. The project is not read until the
// first operation on the handle.
func (m *Manager) Board(projectID string) *Board {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.boards[projectID]
	if !ok {
		b = &Board{
			id:  projectID,
			m:   m,
			sem: make(chan struct{}, 1),
		}
		m.boards[projectID] = b
	}
	return b
}

// forget drops the handle of a project that failed to load
func (m *Manager) forget(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boards, projectID)
}

// Projects returns the ids of every board with a handle
func (m *Manager) Projects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.boards))
	for id := range m.boards {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
