package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/thenoetrevino/boardsync/internal/client"
	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/reconciler"
)

// OutputFormatter prints client updates as JSON lines or human-readable text
type OutputFormatter struct {
	JSON bool
	Out  io.Writer
}

type updateJSON struct {
	Kind         client.UpdateKind        `json:"kind"`
	ProjectID    string                   `json:"project_id,omitempty"`
	State        string                   `json:"state,omitempty"`
	Status       string                   `json:"status,omitempty"`
	Sequence     int64                    `json:"sequence,omitempty"`
	Correlation  string                   `json:"correlation_id,omitempty"`
	Event        *events.Event            `json:"event,omitempty"`
	Notification *events.NotificationPush `json:"notification,omitempty"`
	Presence     *events.Presence         `json:"presence,omitempty"`
	Error        *events.Error            `json:"error,omitempty"`
}

// Update outputs one update
func (f *OutputFormatter) Update(u client.Update) error {
	if f.JSON {
		out := updateJSON{
			Kind:         u.Kind,
			ProjectID:    u.ProjectID,
			Event:        u.Event,
			Notification: u.Notification,
			Presence:     u.Presence,
			Error:        u.Err,
		}
		if u.Kind == client.UpdateState {
			out.State = u.State.String()
		} else if u.Kind != client.UpdateNotification && u.Kind != client.UpdatePresence && u.Kind != client.UpdateError {
			out.Status = u.Result.Status.String()
			out.Sequence = u.Result.Sequence
			out.Correlation = u.Result.CorrelationID
		}
		return json.NewEncoder(f.Out).Encode(out)
	}

	_, err := fmt.Fprintln(f.Out, f.line(u))
	return err
}

// line formats an update for a terminal
func (f *OutputFormatter) line(u client.Update) string {
	switch u.Kind {
	case client.UpdateState:
		return fmt.Sprintf("state         %s", u.State)

	case client.UpdateSync:
		return fmt.Sprintf("sync          %s  #%d  %s", u.ProjectID, u.Result.Sequence, u.Result.Status)

	case client.UpdateEvent:
		if u.Event == nil {
			return fmt.Sprintf("event         %s  #%d", u.ProjectID, u.Result.Sequence)
		}
		line := fmt.Sprintf("event         %s  #%d  %s  by %s", u.ProjectID, u.Event.Sequence, u.Event.Kind, u.Event.ActorID)
		if ids := u.Event.TaskIDs(); len(ids) > 0 {
			line += "  tasks=" + strings.Join(ids, ",")
		}
		if u.Result.Status == reconciler.StatusApplied {
			return line
		}
		return line + "  (" + u.Result.Status.String() + ")"

	case client.UpdateAck:
		return fmt.Sprintf("ack           %s  #%d  %s  %s", u.ProjectID, u.Result.Sequence, u.Result.CorrelationID, u.Result.Status)

	case client.UpdateRollback:
		return fmt.Sprintf("rollback      %s  %s  %s", u.ProjectID, u.Result.CorrelationID, errText(u.Err))

	case client.UpdateNotification:
		if u.Notification == nil {
			return "notification"
		}
		n := u.Notification
		line := fmt.Sprintf("notification  %s  %s: %s", n.ProjectID, n.Title, n.Message)
		if n.ActionReference != "" {
			line += "  -> " + n.ActionReference
		}
		return line

	case client.UpdatePresence:
		if u.Presence == nil {
			return "presence"
		}
		state := "offline"
		if u.Presence.Online {
			state = "online"
		}
		return fmt.Sprintf("presence      %s  %s  %s", u.ProjectID, u.Presence.UserID, state)

	case client.UpdateError:
		return fmt.Sprintf("error         %s", errText(u.Err))
	}
	return string(u.Kind)
}

func errText(err *events.Error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
