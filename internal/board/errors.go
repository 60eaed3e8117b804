package board

import "github.com/thenoetrevino/boardsync/internal/events"

// Validation errors. They all carry the invalid code, so errors.Is against
// events.ErrInvalid matches every one of them.
var (
	ErrEmptyTitle         = events.Errorf(events.CodeInvalid, "task title cannot be empty")
	ErrTitleTooLong       = events.Errorf(events.CodeInvalid, "task title cannot exceed 255 characters")
	ErrDescriptionTooLong = events.Errorf(events.CodeInvalid, "task description is too long")
	ErrInvalidStatus      = events.Errorf(events.CodeInvalid, "unknown task status")
	ErrInvalidPriority    = events.Errorf(events.CodeInvalid, "unknown task priority")
	ErrEmptyComment       = events.Errorf(events.CodeInvalid, "comment cannot be empty")
	ErrCommentTooLong     = events.Errorf(events.CodeInvalid, "comment cannot exceed 5000 characters")
	ErrEmptyUpdate        = events.Errorf(events.CodeInvalid, "update changes nothing")
	ErrMissingEntity      = events.Errorf(events.CodeInvalid, "intent has no entity id")
	ErrUnknownAction      = events.Errorf(events.CodeInvalid, "unknown intent action")
	ErrAssigneeNotMember  = events.Errorf(events.CodeInvalid, "assignees and watchers must be project members")
	ErrStorageUnavailable = events.Errorf(events.CodeInternal, "failed to persist change")
)
