// Package rbac holds the role capability table. Participant ownership of a
// particular thread is checked by the caller; Can only answers whether a
// role may ever perform an action.
package rbac

import "parley/api/internal/store"

type Action string

const (
	ActionCreate       Action = "create"
	ActionRead         Action = "read"
	ActionAppend       Action = "append"
	ActionMarkRead     Action = "markRead"
	ActionUpdateStatus Action = "updateStatus"
	ActionReport       Action = "report"
	// ActionModerate covers report resolution, report search and actor
	// deactivation.
	ActionModerate Action = "moderate"
)

func Can(role store.Role, action Action) bool {
	switch role {
	case store.RoleRequester:
		return action == ActionCreate || action == ActionRead || action == ActionAppend || action == ActionMarkRead || action == ActionReport
	case store.RoleResponder:
		return action == ActionRead || action == ActionAppend || action == ActionMarkRead || action == ActionUpdateStatus || action == ActionReport
	case store.RoleModerator:
		return action == ActionRead || action == ActionUpdateStatus || action == ActionReport || action == ActionModerate
	default:
		return false
	}
}

// Participates reports whether actorID owns role's side of the thread.
func Participates(role store.Role, actorID string, thread store.Thread) bool {
	switch role {
	case store.RoleRequester:
		return thread.RequesterID == actorID
	case store.RoleResponder:
		return thread.ResponderID != "" && thread.ResponderID == actorID
	default:
		return false
	}
}
