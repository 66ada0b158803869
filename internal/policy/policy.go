// Package policy holds the single permission predicate consulted by every
// command handler. Role checks live here and nowhere else.
package policy

import "coldroom/internal/models"

// Action names something an actor may attempt.
type Action string

const (
	ActionImposeRestriction Action = "impose-restriction"
	ActionRevokeRestriction Action = "revoke-restriction"
	ActionViewRestrictions  Action = "view-restrictions"
	ActionDeleteAccount     Action = "delete-account"
	ActionEditMessage       Action = "edit-message"
	ActionDeleteMessage     Action = "delete-message"
	ActionSendInRoom        Action = "send-in-room"
	ActionUpdateRoom        Action = "update-room"
	ActionDeleteRoom        Action = "delete-room"
	ActionSilenceRoom       Action = "silence-room"
	ActionCleanRoom         Action = "clean-room"
	ActionCleanAllRooms     Action = "clean-all-rooms"
	ActionManageModerators  Action = "manage-moderators"
	ActionUpdateSettings    Action = "update-settings"
	ActionReadSupport       Action = "read-support"
	ActionBlock             Action = "block"
)

// Actor is the identity attempting an action, evaluated in one room context.
type Actor struct {
	ID    string
	Owner bool
	// Moderator is true when the actor moderates the room the command targets.
	Moderator bool
}

// Role collapses the actor flags into the hierarchy position.
func (a Actor) Role() models.Role {
	switch {
	case a.Owner:
		return models.RoleOwner
	case a.Moderator:
		return models.RoleModerator
	default:
		return models.RoleRegular
	}
}

func (a Actor) privileged() bool { return a.Owner || a.Moderator }

// Target describes what the action touches. Only the fields relevant to the
// action need to be filled.
type Target struct {
	// SubjectID is the identity acted upon (restricted, deleted, blocked, message author).
	SubjectID string
	// SubjectProtected is true when the subject is the owner.
	SubjectProtected bool
	// CreatorID is the room creator or message author, for authorship rules.
	CreatorID string
	// ImposedBy and Elevated describe an existing restriction.
	ImposedBy string
	Elevated  bool
	// Silenced is the room's silence flag.
	Silenced bool
}

// DenyReason says why a check failed.
type DenyReason int

const (
	ReasonNone DenyReason = iota
	ReasonNotPrivileged
	ReasonNotOwner
	ReasonNotAuthor
	ReasonProtectedSubject
	ReasonElevated
	ReasonSelf
	ReasonSilenced
)

// String returns a human-readable reason.
func (r DenyReason) String() string {
	switch r {
	case ReasonNone:
		return "allowed"
	case ReasonNotPrivileged:
		return "Permission denied"
	case ReasonNotOwner:
		return "Only the owner can do that"
	case ReasonNotAuthor:
		return "Only the author or creator can do that"
	case ReasonProtectedSubject:
		return "The owner cannot be targeted"
	case ReasonElevated:
		return "Only the owner can lift a restriction imposed by the owner"
	case ReasonSelf:
		return "You cannot target yourself"
	case ReasonSilenced:
		return "Room is silenced"
	default:
		return "unknown"
	}
}

// Decision is the outcome of CanPerform.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

func allow() Decision { return Decision{Allowed: true} }

func deny(r DenyReason) Decision { return Decision{Reason: r} }

func allowIf(ok bool, r DenyReason) Decision {
	if ok {
		return allow()
	}
	return deny(r)
}

// CanPerform evaluates whether actor may perform action on target.
func CanPerform(actor Actor, action Action, target Target) Decision {
	switch action {
	case ActionImposeRestriction:
		if target.SubjectProtected {
			return deny(ReasonProtectedSubject)
		}
		if target.SubjectID == actor.ID {
			return deny(ReasonSelf)
		}
		if !actor.privileged() {
			return deny(ReasonNotPrivileged)
		}
		// Replacing an owner-imposed restriction counts as lifting it.
		if target.Elevated && !actor.Owner {
			return deny(ReasonElevated)
		}
		return allow()

	case ActionRevokeRestriction:
		if actor.Owner {
			return allow()
		}
		if !actor.Moderator {
			return deny(ReasonNotPrivileged)
		}
		if target.Elevated && target.ImposedBy != actor.ID {
			return deny(ReasonElevated)
		}
		return allow()

	case ActionViewRestrictions:
		return allowIf(actor.privileged(), ReasonNotPrivileged)

	case ActionDeleteAccount:
		if target.SubjectProtected {
			return deny(ReasonProtectedSubject)
		}
		return allowIf(actor.Owner, ReasonNotOwner)

	case ActionEditMessage:
		return allowIf(target.CreatorID == actor.ID, ReasonNotAuthor)

	case ActionDeleteMessage:
		if target.SubjectProtected && target.SubjectID != actor.ID {
			return deny(ReasonProtectedSubject)
		}
		return allowIf(actor.privileged(), ReasonNotPrivileged)

	case ActionSendInRoom:
		return allowIf(!target.Silenced || actor.privileged(), ReasonSilenced)

	case ActionUpdateRoom, ActionDeleteRoom:
		return allowIf(actor.Owner || target.CreatorID == actor.ID, ReasonNotAuthor)

	case ActionSilenceRoom, ActionCleanRoom, ActionCleanAllRooms,
		ActionManageModerators, ActionUpdateSettings, ActionReadSupport:
		return allowIf(actor.Owner, ReasonNotOwner)

	case ActionBlock:
		if target.SubjectProtected {
			return deny(ReasonProtectedSubject)
		}
		return allowIf(target.SubjectID != actor.ID, ReasonSelf)
	}
	return deny(ReasonNotPrivileged)
}

// Check is CanPerform translated into the error taxonomy.
func Check(actor Actor, action Action, target Target) error {
	d := CanPerform(actor, action, target)
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonProtectedSubject:
		return models.NewProtectedSubjectError(d.Reason.String())
	case ReasonSelf:
		return models.NewValidationError(d.Reason.String())
	default:
		return models.NewUnauthorizedError(d.Reason.String())
	}
}
