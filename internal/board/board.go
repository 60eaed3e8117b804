package board

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/thenoetrevino/boardsync/internal/changelog"
	"github.com/thenoetrevino/boardsync/internal/datastore"
	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
	"github.com/thenoetrevino/boardsync/internal/position"
)

// Board is the authoritative state of one project. All reads and writes
// happen while holding sem, a one-slot channel that doubles as a lock with
// a deadline.
type Board struct {
	id  string
	m   *Manager
	sem chan struct{}

	// guarded by sem
	loaded bool
	seq    int64
	lists  map[string]models.List
	tasks  map[string]models.Task
}

// ID returns the project id
func (b *Board) ID() string { return b.id }

func (b *Board) lock(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	default:
	}

	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return events.Errorf(events.CodeBusy, "project %s is busy", b.id)
	}
}

func (b *Board) unlock() { <-b.sem }

// withLock runs fn on a loaded board
func (b *Board) withLock(ctx context.Context, fn func() error) error {
	if err := b.lock(ctx); err != nil {
		return err
	}
	defer b.unlock()

	if err := b.ensureLoaded(ctx); err != nil {
		return err
	}
	return fn()
}

func (b *Board) ensureLoaded(ctx context.Context) error {
	if b.loaded {
		return nil
	}

	project, err := b.m.store.GetProject(ctx, b.id)
	if errors.Is(err, datastore.ErrNotFound) {
		b.m.forget(b.id)
		return events.Errorf(events.CodeNotFound, "project %s does not exist", b.id)
	}
	if err != nil {
		return b.storeErr("load project", err)
	}

	lists, err := b.m.store.ListLists(ctx, b.id)
	if err != nil {
		return b.storeErr("load lists", err)
	}
	tasks, err := b.m.store.ListTasks(ctx, b.id)
	if err != nil {
		return b.storeErr("load tasks", err)
	}

	b.lists = make(map[string]models.List, len(lists))
	for _, l := range lists {
		b.lists[l.ID] = l
	}
	b.tasks = make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		b.tasks[t.ID] = t
	}
	b.seq = project.LastSequence

	if err := b.normalize(ctx); err != nil {
		return err
	}

	b.m.log.Init(b.id, b.seq)
	b.loaded = true
	b.m.logger.Info("board loaded",
		"project_id", b.id,
		"sequence", b.seq,
		"lists", len(b.lists),
		"tasks", len(b.tasks))

	if b.m.onLoad != nil {
		b.m.onLoad(b.id, b.seq)
	}
	return nil
}

// normalize renumbers any list whose stored keys collide so the ordering
// invariant holds before the first mutation. No event is emitted; nobody
// has observed this state yet.
func (b *Board) normalize(ctx context.Context) error {
	for listID := range b.lists {
		tasks := b.listTasks(listID, "")
		keyed := make([]position.Keyed, len(tasks))
		for i, t := range tasks {
			keyed[i] = position.Keyed{ID: t.ID, Key: t.Position}
		}
		if !position.HasDuplicates(keyed) {
			continue
		}

		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		keys := b.m.alloc.Renumber(ids)

		first := tasks[0].Clone()
		first.Position = keys[first.ID]
		if err := b.m.store.RenumberList(ctx, first, keys, 0); err != nil {
			return b.storeErr("normalize positions", err)
		}
		b.applyPositions(keys)

		b.m.logger.Warn("normalized duplicate positions",
			"project_id", b.id,
			"list_id", listID,
			"tasks", len(ids))
	}
	return nil
}

// listTasks returns the tasks of a list in display order, leaving out
// exclude. Equal keys fall back to creation time then id so the order is
// deterministic even before normalization.
func (b *Board) listTasks(listID, exclude string) []models.Task {
	var out []models.Task
	for _, t := range b.tasks {
		if t.ListID == listID && t.ID != exclude {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, c models.Task) int {
		if n := cmp.Compare(a.Position, c.Position); n != 0 {
			return n
		}
		if n := a.CreatedAt.Compare(c.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, c.ID)
	})
	return out
}

func (b *Board) keyed(listID, exclude string) []position.Keyed {
	tasks := b.listTasks(listID, exclude)
	out := make([]position.Keyed, len(tasks))
	for i, t := range tasks {
		out[i] = position.Keyed{ID: t.ID, Key: t.Position}
	}
	return out
}

func (b *Board) applyPositions(keys map[string]int64) {
	for id, pos := range keys {
		t, ok := b.tasks[id]
		if !ok {
			continue
		}
		t.Position = pos
		b.tasks[id] = t
	}
}

// snapshot builds the ordered state. Caller holds the lock.
func (b *Board) snapshot() events.Snapshot {
	lists := make([]models.List, 0, len(b.lists))
	for _, l := range b.lists {
		lists = append(lists, l)
	}
	slices.SortFunc(lists, func(a, c models.List) int {
		if n := cmp.Compare(a.Position, c.Position); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, c.ID)
	})

	tasks := make([]models.Task, 0, len(b.tasks))
	for _, l := range lists {
		for _, t := range b.listTasks(l.ID, "") {
			tasks = append(tasks, t.Clone())
		}
	}

	return events.Snapshot{
		ProjectID: b.id,
		Sequence:  b.seq,
		Lists:     lists,
		Tasks:     tasks,
	}
}

// Snapshot returns the full ordered state of the project
func (b *Board) Snapshot(ctx context.Context) (events.Snapshot, error) {
	var snap events.Snapshot
	err := b.withLock(ctx, func() error {
		snap = b.snapshot()
		return nil
	})
	return snap, err
}

// Sequence returns the last issued sequence of the project
func (b *Board) Sequence(ctx context.Context) (int64, error) {
	var seq int64
	err := b.withLock(ctx, func() error {
		seq = b.seq
		return nil
	})
	return seq, err
}

// Task returns a copy of one task
func (b *Board) Task(ctx context.Context, taskID string) (models.Task, error) {
	var task models.Task
	err := b.withLock(ctx, func() error {
		t, ok := b.tasks[taskID]
		if !ok {
			return events.Errorf(events.CodeNotFound, "task %s does not exist", taskID)
		}
		task = t.Clone()
		return nil
	})
	return task, err
}

// Attach computes what a joining or resyncing client needs and hands it to
// fn while the project is still locked. fn is expected to register the
// client for broadcasts, which guarantees no event falls between the sync
// and the first broadcast. A nil from, or a from the log can no longer
// serve, yields a snapshot.
func (b *Board) Attach(ctx context.Context, from *int64, fn func(events.Sync) error) error {
	return b.withLock(ctx, func() error {
		sync := events.Sync{ProjectID: b.id, Sequence: b.seq}

		if from != nil {
			evs, err := b.m.log.Since(b.id, *from)
			switch {
			case err == nil:
				sync.Events = evs
				return fn(sync)
			case errors.Is(err, changelog.ErrPruned), errors.Is(err, changelog.ErrAhead):
				b.m.logger.Debug("resync falls back to snapshot",
					"project_id", b.id,
					"from", *from,
					"tail", b.seq,
					"reason", err)
			default:
				return err
			}
		}

		snap := b.snapshot()
		sync.Snapshot = &snap
		return fn(sync)
	})
}

// storeErr maps a data API failure onto the error taxonomy
func (b *Board) storeErr(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return events.Errorf(events.CodeBusy, "%s timed out", op)
	case errors.Is(err, datastore.ErrNotFound):
		return events.Errorf(events.CodeConflict, "%s: %v", op, err)
	}
	b.m.logger.Error("datastore failure",
		"project_id", b.id,
		"op", op,
		"error", err)
	return fmt.Errorf("%s: %w", op, ErrStorageUnavailable)
}
