package events

import (
	"time"

	"github.com/thenoetrevino/boardsync/internal/models"
)

// ProtocolVersion is the current wire protocol version.
// Increment this when making breaking changes to Message structure.
const ProtocolVersion = 1

// MessageType names a wire message
type MessageType string

const (
	// client -> server
	TypeHandshake  MessageType = "handshake"
	TypeJoin       MessageType = "join_project"
	TypeLeave      MessageType = "leave_project"
	TypeIntent     MessageType = "intent"
	TypeResync     MessageType = "resync"
	TypeHeartbeat  MessageType = "heartbeat"
	TypeListUnread MessageType = "list_notifications"
	TypePing       MessageType = "ping"
	TypePong       MessageType = "pong"

	// server -> client
	TypeWelcome       MessageType = "welcome"
	TypeJoined        MessageType = "joined"
	TypeReplay        MessageType = "replay"
	TypeAck           MessageType = "ack"
	TypeEvent         MessageType = "event"
	TypeNotification  MessageType = "notification"
	TypeNotifications MessageType = "notifications"
	TypePresence      MessageType = "presence"
	TypeError         MessageType = "error"
)

// Message wraps every frame on the wire. Exactly one body field is set,
// matching Type.
type Message struct {
	Version       int                `json:"version,omitempty"`
	Type          MessageType        `json:"type"`
	Handshake     *Handshake         `json:"handshake,omitempty"`
	Welcome       *Welcome           `json:"welcome,omitempty"`
	Join          *JoinRequest       `json:"join,omitempty"`
	Resync        *ResyncRequest     `json:"resync,omitempty"`
	Sync          *Sync              `json:"sync,omitempty"`
	Intent        *Intent            `json:"intent,omitempty"`
	Ack           *Ack               `json:"ack,omitempty"`
	Event         *Event             `json:"event,omitempty"`
	Notification  *NotificationPush  `json:"notification,omitempty"`
	Notifications []NotificationPush `json:"notifications,omitempty"`
	Presence      *Presence          `json:"presence,omitempty"`
	Error         *Error             `json:"error,omitempty"`
}

// Handshake presents the bearer credential. It must be the first frame.
type Handshake struct {
	Token string `json:"token"`
}

// Welcome confirms the handshake
type Welcome struct {
	ConnectionID      string `json:"connection_id"`
	UserID            string `json:"user_id"`
	HeartbeatInterval int64  `json:"heartbeat_interval_ms,omitempty"`
}

// JoinRequest subscribes to (or leaves) a project room. ResumeFrom asks
// for a replay instead of a snapshot when the server still has the events.
type JoinRequest struct {
	ProjectID  string `json:"project_id"`
	ResumeFrom *int64 `json:"resume_from,omitempty"`
}

// ResyncRequest asks for every event after LastSeen
type ResyncRequest struct {
	ProjectID string `json:"project_id"`
	LastSeen  int64  `json:"last_seen_sequence"`
}

// Snapshot is the full ordered state of a project at Sequence
type Snapshot struct {
	ProjectID string        `json:"project_id"`
	Sequence  int64         `json:"sequence"`
	Lists     []models.List `json:"lists"`
	Tasks     []models.Task `json:"tasks"`
}

// Sync answers a join or resync. Either Snapshot is set and replaces the
// client's state, or Events holds the contiguous run after the client's
// last seen sequence. Sequence is the tail after applying either.
type Sync struct {
	ProjectID string    `json:"project_id"`
	Sequence  int64     `json:"sequence"`
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
	Events    []Event   `json:"events,omitempty"`
	Online    []string  `json:"online,omitempty"` // users in the room, set on join
}

// Ack resolves an intent. Exactly one of Event or Error is set for board
// mutations; notification acks carry neither.
type Ack struct {
	CorrelationID string `json:"correlation_id"`
	Sequence      int64  `json:"sequence,omitempty"`
	Event         *Event `json:"event,omitempty"`
	Error         *Error `json:"error,omitempty"`
}

// NotificationPush is the per-user notification frame
type NotificationPush struct {
	NotificationID  string    `json:"notification_id"`
	ProjectID       string    `json:"project_id"`
	TaskID          string    `json:"task_id,omitempty"`
	Kind            Kind      `json:"kind"`
	Sequence        int64     `json:"sequence"`
	Title           string    `json:"title"`
	Message         string    `json:"message"`
	ActionReference string    `json:"action_reference,omitempty"`
	Read            bool      `json:"read,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Presence reports a user's first connection entering a project room or
// their last one leaving it
type Presence struct {
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Online    bool      `json:"online"`
	At        time.Time `json:"at"`
}

// PushFrom converts a stored notification into its wire form
func PushFrom(n models.Notification) NotificationPush {
	return NotificationPush{
		NotificationID:  n.ID,
		ProjectID:       n.ProjectID,
		TaskID:          n.TaskID,
		Kind:            Kind(n.EventKind),
		Sequence:        n.EventSequence,
		Title:           n.Title,
		Message:         n.Message,
		ActionReference: n.ActionReference,
		Read:            n.Read,
		CreatedAt:       n.CreatedAt,
	}
}

// ============================================================================
// CONSTRUCTORS
// ============================================================================

// EventMessage wraps an event for broadcast
func EventMessage(ev Event) Message {
	return Message{Version: ProtocolVersion, Type: TypeEvent, Event: &ev}
}

// AckMessage confirms an intent with its authoritative event
func AckMessage(correlationID string, ev Event) Message {
	return Message{
		Version: ProtocolVersion,
		Type:    TypeAck,
		Ack:     &Ack{CorrelationID: correlationID, Sequence: ev.Sequence, Event: &ev},
	}
}

// RejectMessage fails an intent
func RejectMessage(correlationID string, err error) Message {
	return Message{
		Version: ProtocolVersion,
		Type:    TypeAck,
		Ack:     &Ack{CorrelationID: correlationID, Error: AsError(err)},
	}
}

// ErrorMessage reports a failure not tied to an intent
func ErrorMessage(err error) Message {
	return Message{Version: ProtocolVersion, Type: TypeError, Error: AsError(err)}
}

// PresenceMessage wraps a presence change
func PresenceMessage(p Presence) Message {
	return Message{Version: ProtocolVersion, Type: TypePresence, Presence: &p}
}

// SyncMessage carries a join or resync answer
func SyncMessage(t MessageType, s Sync) Message {
	return Message{Version: ProtocolVersion, Type: t, Sync: &s}
}
