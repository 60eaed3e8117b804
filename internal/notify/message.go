package notify

import (
	"fmt"
	"strings"

	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
)

// content is the human readable part of a notification
type content struct {
	taskID string
	title  string
	body   string
}

func describe(ev events.Event) content {
	switch p := ev.Payload.(type) {
	case *events.TaskCreated:
		return content{p.Task.ID, "New task assigned", fmt.Sprintf("You were assigned to %q", p.Task.Title)}
	case *events.TaskMoved:
		return moved(p.Task, p.FromListID)
	case *events.TaskUpdated:
		return content{p.Task.ID, "Task updated", updatedMessage(p)}
	case *events.CommentCreated:
		return content{p.Task.ID, fmt.Sprintf("New comment on %s", p.Task.Title), excerpt(p.Comment.Body, 140)}
	case *events.ListRenumbered:
		if p.Cause == events.KindTaskCreated {
			return content{p.Task.ID, "New task assigned", fmt.Sprintf("You were assigned to %q", p.Task.Title)}
		}
		return moved(p.Task, p.FromListID)
	case *events.TaskDeleted:
		return content{p.TaskID, "Task deleted", "A task you were involved in was deleted"}
	}
	return content{title: string(ev.Kind)}
}

func moved(t models.Task, from string) content {
	if from == t.ListID {
		return content{t.ID, "Task moved", fmt.Sprintf("%q was reordered", t.Title)}
	}
	return content{t.ID, "Task moved", fmt.Sprintf("%q was moved to another list", t.Title)}
}

func updatedMessage(p *events.TaskUpdated) string {
	if len(p.Changed) == 0 {
		return fmt.Sprintf("%q was updated", p.Task.Title)
	}
	return fmt.Sprintf("%q was updated: %s", p.Task.Title, strings.Join(p.Changed, ", "))
}

func excerpt(s string, limit int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= limit {
		return string(r)
	}
	return string(r[:limit-1]) + "…"
}

// actionReference points the client at the task the notification is about
func actionReference(projectID, taskID string) string {
	if taskID == "" {
		return "/projects/" + projectID
	}
	return "/projects/" + projectID + "/tasks/" + taskID
}
