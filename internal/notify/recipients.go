package notify

import (
	"slices"

	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
)

// recipients collects the users interested in one event. It implements
// events.Visitor so a new event kind cannot be forgotten here.
type recipients struct {
	users []string
}

// Recipients returns the interested users for ev, deduplicated, in the
// order they were first named.
func Recipients(ev events.Event) []string {
	r := &recipients{}
	if err := ev.Visit(r); err != nil {
		return nil
	}
	return r.users
}

func (r *recipients) add(ids ...string) {
	for _, id := range ids {
		if id != "" && !slices.Contains(r.users, id) {
			r.users = append(r.users, id)
		}
	}
}

func (r *recipients) drop(id string) {
	r.users = slices.DeleteFunc(r.users, func(u string) bool { return u == id })
}

func (r *recipients) involved(t models.Task) {
	r.add(t.AssigneeIDs...)
	r.add(t.WatcherIDs...)
}

func (r *recipients) TaskCreated(_ events.Event, p *events.TaskCreated) error {
	r.add(p.Task.AssigneeIDs...)
	return nil
}

func (r *recipients) TaskMoved(_ events.Event, p *events.TaskMoved) error {
	r.involved(p.Task)
	return nil
}

func (r *recipients) TaskUpdated(_ events.Event, p *events.TaskUpdated) error {
	r.add(p.Task.AssigneeIDs...)
	r.add(p.PreviousAssigneeIDs...)
	r.add(p.Task.WatcherIDs...)
	return nil
}

func (r *recipients) TaskDeleted(_ events.Event, _ *events.TaskDeleted) error {
	return nil
}

func (r *recipients) CommentCreated(_ events.Event, p *events.CommentCreated) error {
	r.add(p.Task.AssigneeIDs...)
	r.add(p.Comment.Mentions...)
	r.add(p.Task.WatcherIDs...)
	r.drop(p.Comment.AuthorID)
	return nil
}

// A renumbering stands in for the create or move that caused it
func (r *recipients) ListRenumbered(_ events.Event, p *events.ListRenumbered) error {
	switch p.Cause {
	case events.KindTaskCreated:
		r.add(p.Task.AssigneeIDs...)
	case events.KindTaskMoved:
		r.involved(p.Task)
	}
	return nil
}
