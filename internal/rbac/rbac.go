// Package rbac holds the participant model of a chat: the user who started it and the owner of the
// need it is about. Nobody else has a role.
package rbac

type Role string
type Action string

const (
	RoleNone      Role = ""
	RoleInitiator Role = "initiator"
	RoleOwner     Role = "owner"
)

const (
	ActionRead Action = "read"
	ActionPost Action = "post"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleInitiator, RoleOwner:
		return action == ActionRead || action == ActionPost
	default:
		return false
	}
}

// Resolve returns the role userID holds in a chat started by initiatorID about a need owned by
// ownerID. An empty ownerID means the need link is gone or the need was posted anonymously.
func Resolve(userID, initiatorID, ownerID string) Role {
	if userID == "" {
		return RoleNone
	}
	if initiatorID == userID {
		return RoleInitiator
	}
	if ownerID != "" && ownerID == userID {
		return RoleOwner
	}
	return RoleNone
}
