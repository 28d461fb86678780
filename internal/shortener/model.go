package shortener

import (
	"time"
)

// Link maps a short identifier to a target URL.
//
// A link with a nil GroupID belongs to the shared pool and may be claimed by a
// group. RetiredAt is set when a link leaves a group while the pool already
// holds another link for the same target; retired links still resolve but are
// never reused.
type Link struct {
	ID        string
	GroupID   *string
	Target    string
	CreatedAt time.Time
	UpdatedAt time.Time
	RetiredAt *time.Time
}

// Pooled reports whether the link is available for reuse by a group.
func (l Link) Pooled() bool {
	return l.GroupID == nil && l.RetiredAt == nil
}

// OwnedBy reports whether the link belongs to the group with the given id.
func (l Link) OwnedBy(groupID string) bool {
	return l.GroupID != nil && *l.GroupID == groupID
}

// Group is a password-protected named set of links.
type Group struct {
	ID         string
	SecretHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// GroupView is a group together with its member links.
type GroupView struct {
	Group    Group
	Children []Link
}
