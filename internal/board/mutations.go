package board

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
	"github.com/thenoetrevino/boardsync/internal/position"
)

// Apply decodes an intent and runs the matching mutation
func (b *Board) Apply(ctx context.Context, origin events.Origin, in events.Intent) (events.Event, error) {
	switch in.Action {
	case events.ActionCreateTask:
		var p events.CreateTaskPayload
		if err := in.Decode(&p); err != nil {
			return events.Event{}, err
		}
		return b.CreateTask(ctx, origin, p)

	case events.ActionMoveTask:
		var p events.MoveTaskPayload
		if err := in.Decode(&p); err != nil {
			return events.Event{}, err
		}
		return b.MoveTask(ctx, origin, in.EntityID, p)

	case events.ActionUpdateTask:
		var p events.UpdateTaskPayload
		if err := in.Decode(&p); err != nil {
			return events.Event{}, err
		}
		return b.UpdateTask(ctx, origin, in.EntityID, p)

	case events.ActionDeleteTask:
		return b.DeleteTask(ctx, origin, in.EntityID)

	case events.ActionCreateComment:
		var p events.CreateCommentPayload
		if err := in.Decode(&p); err != nil {
			return events.Event{}, err
		}
		return b.CreateComment(ctx, origin, in.EntityID, p)
	}
	return events.Event{}, ErrUnknownAction
}

// commit assigns the next sequence to an accepted change, records it and
// hands it to the publisher. persist runs first; nothing changes in memory
// or on the wire if it fails. Caller holds the lock.
func (b *Board) commit(origin events.Origin, payload events.Payload, persist func(seq int64) error, apply func()) (events.Event, error) {
	seq := b.seq + 1
	if err := persist(seq); err != nil {
		return events.Event{}, err
	}

	apply()
	b.seq = seq

	ev := events.New(b.id, seq, origin, b.m.now().UTC(), payload)
	if err := b.m.log.Append(ev); err != nil {
		// the log only rejects out-of-order appends, which the lock rules out
		b.m.logger.Error("change log rejected event",
			"project_id", b.id,
			"sequence", seq,
			"error", err)
	}
	b.m.pub.Publish(ev, origin)

	b.m.logger.Debug("change accepted",
		"project_id", b.id,
		"sequence", seq,
		"kind", ev.Kind,
		"user_id", origin.UserID)
	return ev, nil
}

func taskNotFound(id string) error {
	return events.Errorf(events.CodeNotFound, "task %s does not exist", id)
}

func listMissing(id string) error {
	return events.Errorf(events.CodeConflict, "list %s does not exist", id)
}

func (b *Board) place(listID, taskID string, index int) (position.Placement, error) {
	p, err := b.m.alloc.Place(b.keyed(listID, taskID), index, taskID)
	if errors.Is(err, position.ErrIndexOutOfRange) {
		return p, events.Errorf(events.CodeConflict, "index %d is out of range for list %s", index, listID)
	}
	return p, err
}

// ============================================================================
// TASKS
// ============================================================================

// CreateTask adds a task to a list at the requested index, or at the end
func (b *Board) CreateTask(ctx context.Context, origin events.Origin, p events.CreateTaskPayload) (events.Event, error) {
	if err := validateCreate(&p); err != nil {
		return events.Event{}, err
	}
	if err := b.checkMembers(ctx, p.AssigneeIDs, p.WatcherIDs); err != nil {
		return events.Event{}, err
	}

	var ev events.Event
	err := b.withLock(ctx, func() error {
		if _, ok := b.lists[p.ListID]; !ok {
			return listMissing(p.ListID)
		}

		id := p.TaskID
		if id == "" {
			id = uuid.NewString()
		}
		if _, exists := b.tasks[id]; exists {
			return events.Errorf(events.CodeConflict, "task %s already exists", id)
		}

		index := len(b.keyed(p.ListID, ""))
		if p.Index != nil {
			index = *p.Index
		}
		placement, err := b.place(p.ListID, id, index)
		if err != nil {
			return err
		}

		now := b.m.now().UTC()
		task := models.Task{
			ID:          id,
			ProjectID:   b.id,
			ListID:      p.ListID,
			Title:       p.Title,
			Description: p.Description,
			Status:      p.Status,
			Priority:    p.Priority,
			Position:    placement.Key,
			AssigneeIDs: append([]string(nil), p.AssigneeIDs...),
			WatcherIDs:  append([]string(nil), p.WatcherIDs...),
			CreatorID:   origin.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if p.DueDate != nil {
			due := p.DueDate.UTC()
			task.DueDate = &due
		}

		var payload events.Payload = &events.TaskCreated{Task: task.Clone()}
		if placement.Renumbered != nil {
			payload = &events.ListRenumbered{
				ListID:    p.ListID,
				Cause:     events.KindTaskCreated,
				Task:      task.Clone(),
				Positions: placement.Renumbered,
			}
		}

		ev, err = b.commit(origin, payload,
			func(seq int64) error {
				if err := b.m.store.InsertTask(ctx, task, placement.Renumbered, seq); err != nil {
					return b.storeErr("insert task", err)
				}
				return nil
			},
			func() {
				b.tasks[id] = task
				if placement.Renumbered != nil {
					b.applyPositions(placement.Renumbered)
				}
			})
		return err
	})
	return ev, err
}

// MoveTask places a task at index within a list. The index counts the
// list's tasks with the moved task left out.
func (b *Board) MoveTask(ctx context.Context, origin events.Origin, taskID string, p events.MoveTaskPayload) (events.Event, error) {
	if taskID == "" {
		return events.Event{}, ErrMissingEntity
	}

	var ev events.Event
	err := b.withLock(ctx, func() error {
		task, ok := b.tasks[taskID]
		if !ok {
			return taskNotFound(taskID)
		}
		if _, ok := b.lists[p.ListID]; !ok {
			return listMissing(p.ListID)
		}

		placement, err := b.place(p.ListID, taskID, p.Index)
		if err != nil {
			return err
		}

		moved := task.Clone()
		moved.ListID = p.ListID
		moved.Position = placement.Key

		var (
			payload events.Payload
			persist func(seq int64) error
		)
		if placement.Renumbered == nil {
			payload = &events.TaskMoved{Task: moved.Clone(), FromListID: task.ListID, FromPosition: task.Position}
			persist = func(seq int64) error {
				if err := b.m.store.MoveTask(ctx, taskID, p.ListID, placement.Key, seq); err != nil {
					return b.storeErr("move task", err)
				}
				return nil
			}
		} else {
			payload = &events.ListRenumbered{
				ListID:     p.ListID,
				Cause:      events.KindTaskMoved,
				Task:       moved.Clone(),
				FromListID: task.ListID,
				Positions:  placement.Renumbered,
			}
			persist = func(seq int64) error {
				if err := b.m.store.RenumberList(ctx, moved, placement.Renumbered, seq); err != nil {
					return b.storeErr("renumber list", err)
				}
				return nil
			}
		}

		ev, err = b.commit(origin, payload, persist, func() {
			b.tasks[taskID] = moved
			if placement.Renumbered != nil {
				b.applyPositions(placement.Renumbered)
			}
		})
		return err
	})
	return ev, err
}

// UpdateTask changes a task's fields. Ordering is never touched here.
func (b *Board) UpdateTask(ctx context.Context, origin events.Origin, taskID string, p events.UpdateTaskPayload) (events.Event, error) {
	if taskID == "" {
		return events.Event{}, ErrMissingEntity
	}
	if err := validateUpdate(p); err != nil {
		return events.Event{}, err
	}
	var assignees, watchers []string
	if p.AssigneeIDs != nil {
		assignees = *p.AssigneeIDs
	}
	if p.WatcherIDs != nil {
		watchers = *p.WatcherIDs
	}
	if err := b.checkMembers(ctx, assignees, watchers); err != nil {
		return events.Event{}, err
	}

	var ev events.Event
	err := b.withLock(ctx, func() error {
		task, ok := b.tasks[taskID]
		if !ok {
			return taskNotFound(taskID)
		}

		updated := task.Clone()
		changed := p.Apply(&updated)
		updated.UpdatedAt = b.m.now().UTC()

		payload := &events.TaskUpdated{
			Task:                updated.Clone(),
			PreviousAssigneeIDs: task.Clone().AssigneeIDs,
			Changed:             changed,
		}

		var err error
		ev, err = b.commit(origin, payload,
			func(seq int64) error {
				if err := b.m.store.SaveTask(ctx, updated, seq); err != nil {
					return b.storeErr("save task", err)
				}
				return nil
			},
			func() { b.tasks[taskID] = updated })
		return err
	})
	return ev, err
}

// DeleteTask removes a task
func (b *Board) DeleteTask(ctx context.Context, origin events.Origin, taskID string) (events.Event, error) {
	if taskID == "" {
		return events.Event{}, ErrMissingEntity
	}

	var ev events.Event
	err := b.withLock(ctx, func() error {
		task, ok := b.tasks[taskID]
		if !ok {
			return taskNotFound(taskID)
		}

		payload := &events.TaskDeleted{
			TaskID:      taskID,
			ListID:      task.ListID,
			AssigneeIDs: task.Clone().AssigneeIDs,
		}

		var err error
		ev, err = b.commit(origin, payload,
			func(seq int64) error {
				if err := b.m.store.DeleteTask(ctx, b.id, taskID, seq); err != nil {
					return b.storeErr("delete task", err)
				}
				return nil
			},
			func() { delete(b.tasks, taskID) })
		return err
	})
	return ev, err
}

// ============================================================================
// COMMENTS
// ============================================================================

// CreateComment adds a comment to a task. Comments do not affect ordering
// but take a sequence so subscribers see them in order with task changes.
func (b *Board) CreateComment(ctx context.Context, origin events.Origin, taskID string, p events.CreateCommentPayload) (events.Event, error) {
	if taskID == "" {
		return events.Event{}, ErrMissingEntity
	}
	if err := validateComment(p.Body); err != nil {
		return events.Event{}, err
	}
	mentions, err := b.resolveMentions(ctx, p.Body)
	if err != nil {
		return events.Event{}, err
	}

	var ev events.Event
	err = b.withLock(ctx, func() error {
		task, ok := b.tasks[taskID]
		if !ok {
			return taskNotFound(taskID)
		}

		id := p.CommentID
		if id == "" {
			id = uuid.NewString()
		}
		comment := models.Comment{
			ID:        id,
			ProjectID: b.id,
			TaskID:    taskID,
			AuthorID:  origin.UserID,
			Body:      p.Body,
			Mentions:  mentions,
			CreatedAt: b.m.now().UTC(),
		}

		payload := &events.CommentCreated{Comment: comment.Clone(), Task: task.Clone()}

		var err error
		ev, err = b.commit(origin, payload,
			func(seq int64) error {
				if err := b.m.store.InsertComment(ctx, comment, seq); err != nil {
					return b.storeErr("insert comment", err)
				}
				return nil
			},
			func() {})
		return err
	})
	return ev, err
}
