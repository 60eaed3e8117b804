package board

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/models"
)

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return ErrEmptyTitle
	}
	if utf8.RuneCountInString(title) > models.MaxTitleLength {
		return ErrTitleTooLong
	}
	return nil
}

func validateDescription(desc string) error {
	if utf8.RuneCountInString(desc) > models.MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return nil
}

func validateCreate(p *events.CreateTaskPayload) error {
	if err := validateTitle(p.Title); err != nil {
		return err
	}
	if err := validateDescription(p.Description); err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = models.StatusTodo
	} else if !p.Status.Valid() {
		return ErrInvalidStatus
	}
	if p.Priority == "" {
		p.Priority = models.PriorityMedium
	} else if !p.Priority.Valid() {
		return ErrInvalidPriority
	}
	return nil
}

func validateUpdate(p events.UpdateTaskPayload) error {
	if p.Empty() {
		return ErrEmptyUpdate
	}
	if p.Title != nil {
		if err := validateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Description != nil {
		if err := validateDescription(*p.Description); err != nil {
			return err
		}
	}
	if p.Status != nil && !p.Status.Valid() {
		return ErrInvalidStatus
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return ErrInvalidPriority
	}
	return nil
}

func validateComment(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrEmptyComment
	}
	if utf8.RuneCountInString(body) > models.MaxCommentLength {
		return ErrCommentTooLong
	}
	return nil
}

// checkMembers fails when any of ids is not a member of the project
func (b *Board) checkMembers(ctx context.Context, ids ...[]string) error {
	seen := map[string]bool{}
	for _, set := range ids {
		for _, id := range set {
			if seen[id] {
				continue
			}
			seen[id] = true

			ok, err := b.m.store.IsMember(ctx, b.id, id)
			if err != nil {
				return b.storeErr("check membership", err)
			}
			if !ok {
				return ErrAssigneeNotMember
			}
		}
	}
	return nil
}

var mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9_][A-Za-z0-9_.-]*)`)

// ParseMentions returns the distinct usernames mentioned as @name in body,
// in order of first appearance.
func ParseMentions(body string) []string {
	var out []string
	for _, m := range mentionPattern.FindAllStringSubmatch(body, -1) {
		name := strings.TrimRight(m[1], ".-")
		if name != "" && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// resolveMentions maps mentioned usernames to the ids of project members.
// Names that do not resolve, or resolve to non-members, are dropped.
func (b *Board) resolveMentions(ctx context.Context, body string) ([]string, error) {
	names := ParseMentions(body)
	if len(names) == 0 {
		return nil, nil
	}

	ids, err := b.m.store.ResolveUsernames(ctx, names)
	if err != nil {
		return nil, b.storeErr("resolve mentions", err)
	}

	var out []string
	for _, name := range names {
		id, ok := ids[name]
		if !ok || slices.Contains(out, id) {
			continue
		}
		member, err := b.m.store.IsMember(ctx, b.id, id)
		if err != nil {
			return nil, b.storeErr("check membership", err)
		}
		if member {
			out = append(out, id)
		}
	}
	return out, nil
}
