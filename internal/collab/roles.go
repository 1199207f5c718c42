// Package collab runs shared writing sessions: invite codes, part
// assignment, presence, chat, and a live event feed.
package collab

type Role string
type Action string

const (
	RoleOwner        Role = "owner"
	RoleCollaborator Role = "collaborator"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionAssign Action = "assign"
	ActionManage Action = "manage"
	ActionChat   Action = "chat"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleCollaborator:
		return action == ActionRead || action == ActionWrite || action == ActionChat
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleCollaborator:
		return Role(role)
	default:
		return RoleCollaborator
	}
}
