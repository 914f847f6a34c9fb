package group

import (
	"chatcore-backend/internal/domain"
)

// Action is a group operation subject to role checks
type Action string

const (
	ActionAddMembers    Action = "add-members"
	ActionRemoveMember  Action = "remove-member"
	ActionToggleDeputy  Action = "toggle-deputy"
	ActionToggleMute    Action = "toggle-mute"
	ActionUpdateDetails Action = "update-details"
	ActionTransferOwner Action = "transfer-owner"
	ActionDelete        Action = "delete"
	ActionLeave         Action = "leave"
)

// CanPerform reports whether a member with actor role may apply action to a member with
// target role. Actions without a target ignore target.
func CanPerform(action Action, actor, target domain.GroupRole) bool {
	if actor == domain.RoleNone {
		return false
	}

	switch action {
	case ActionAddMembers:
		return true
	case ActionRemoveMember, ActionToggleMute:
		switch actor {
		case domain.RoleOwner:
			return target == domain.RoleDeputy || target == domain.RoleMember
		case domain.RoleDeputy:
			return target == domain.RoleMember
		}
		return false
	case ActionToggleDeputy:
		return actor == domain.RoleOwner && (target == domain.RoleDeputy || target == domain.RoleMember)
	case ActionUpdateDetails, ActionDelete:
		return actor == domain.RoleOwner
	case ActionTransferOwner:
		return actor == domain.RoleOwner && (target == domain.RoleDeputy || target == domain.RoleMember)
	case ActionLeave:
		return actor == domain.RoleDeputy || actor == domain.RoleMember
	}
	return false
}
