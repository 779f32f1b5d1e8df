// Package rbac maps token roles to the document actions they permit.
package rbac

import (
	"slices"
	"strings"
)

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	// ActionRead opens a document, receives its updates and exchanges awareness.
	ActionRead Action = "read"
	// ActionWrite sends updates.
	ActionWrite Action = "write"
	// ActionAdmin lists documents, opens restricted ones and triggers compaction.
	ActionAdmin Action = "admin"
)

// Commenters edit through an outer annotation layer, so for the document
// itself they are read-only.
var grants = map[Role][]Action{
	RoleViewer:    {ActionRead},
	RoleCommenter: {ActionRead},
	RoleEditor:    {ActionRead, ActionWrite},
	RoleAdmin:     {ActionRead, ActionWrite, ActionAdmin},
}

func Can(role Role, action Action) bool {
	return slices.Contains(grants[role], action)
}

// Normalize maps a token role claim to a Role. Unknown roles become viewer.
func Normalize(role string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	if _, ok := grants[r]; ok {
		return r
	}
	return RoleViewer
}
