package policy

import (
	"testing"

	"coldroom/internal/models"

	"github.com/stretchr/testify/assert"
)

var (
	owner     = Actor{ID: "owner", Owner: true}
	moderator = Actor{ID: "mod", Moderator: true}
	regular   = Actor{ID: "alice"}
)

func TestCanPerform_ImposeRestriction(t *testing.T) {
	tests := []struct {
		name   string
		actor  Actor
		target Target
		want   DenyReason
	}{
		{"owner restricts regular", owner, Target{SubjectID: "bob"}, ReasonNone},
		{"moderator restricts regular", moderator, Target{SubjectID: "bob"}, ReasonNone},
		{"regular cannot restrict", regular, Target{SubjectID: "bob"}, ReasonNotPrivileged},
		{"owner is protected", moderator, Target{SubjectID: "owner", SubjectProtected: true}, ReasonProtectedSubject},
		{"owner cannot restrict self either", owner, Target{SubjectID: "owner", SubjectProtected: true}, ReasonProtectedSubject},
		{"self restriction", moderator, Target{SubjectID: "mod"}, ReasonSelf},
		{"moderator cannot replace elevated", moderator, Target{SubjectID: "bob", Elevated: true, ImposedBy: "owner"}, ReasonElevated},
		{"owner replaces elevated", owner, Target{SubjectID: "bob", Elevated: true, ImposedBy: "owner"}, ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := CanPerform(tt.actor, ActionImposeRestriction, tt.target)
			assert.Equal(t, tt.want == ReasonNone, d.Allowed)
			assert.Equal(t, tt.want, d.Reason)
		})
	}
}

func TestCanPerform_RevokeRestriction(t *testing.T) {
	tests := []struct {
		name    string
		actor   Actor
		target  Target
		allowed bool
	}{
		{"owner revokes elevated", owner, Target{Elevated: true, ImposedBy: "owner"}, true},
		{"moderator revokes own", moderator, Target{ImposedBy: "mod"}, true},
		{"moderator revokes other moderator's", moderator, Target{ImposedBy: "mod2"}, true},
		{"moderator cannot revoke elevated", moderator, Target{Elevated: true, ImposedBy: "owner"}, false},
		{"regular cannot revoke", regular, Target{ImposedBy: "mod"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanPerform(tt.actor, ActionRevokeRestriction, tt.target).Allowed)
		})
	}
}

func TestCanPerform_RoomAndMessageRules(t *testing.T) {
	assert.True(t, CanPerform(regular, ActionUpdateRoom, Target{CreatorID: "alice"}).Allowed)
	assert.False(t, CanPerform(regular, ActionDeleteRoom, Target{CreatorID: "bob"}).Allowed)
	assert.True(t, CanPerform(owner, ActionDeleteRoom, Target{CreatorID: "bob"}).Allowed)

	assert.True(t, CanPerform(regular, ActionEditMessage, Target{CreatorID: "alice"}).Allowed)
	assert.False(t, CanPerform(owner, ActionEditMessage, Target{CreatorID: "alice"}).Allowed)

	assert.True(t, CanPerform(moderator, ActionDeleteMessage, Target{SubjectID: "alice"}).Allowed)
	assert.False(t, CanPerform(regular, ActionDeleteMessage, Target{SubjectID: "alice"}).Allowed)
	assert.Equal(t, ReasonProtectedSubject,
		CanPerform(moderator, ActionDeleteMessage, Target{SubjectID: "owner", SubjectProtected: true}).Reason)

	assert.False(t, CanPerform(regular, ActionSendInRoom, Target{Silenced: true}).Allowed)
	assert.True(t, CanPerform(moderator, ActionSendInRoom, Target{Silenced: true}).Allowed)
	assert.True(t, CanPerform(regular, ActionSendInRoom, Target{}).Allowed)

	for _, a := range []Action{ActionSilenceRoom, ActionCleanRoom, ActionCleanAllRooms, ActionManageModerators, ActionUpdateSettings, ActionReadSupport} {
		assert.True(t, CanPerform(owner, a, Target{}).Allowed, a)
		assert.False(t, CanPerform(moderator, a, Target{}).Allowed, a)
	}
}

func TestCheck_MapsToErrorTaxonomy(t *testing.T) {
	err := Check(moderator, ActionDeleteAccount, Target{SubjectID: "owner", SubjectProtected: true})
	assert.True(t, models.IsCode(err, models.CodeProtectedSubject))

	err = Check(moderator, ActionDeleteAccount, Target{SubjectID: "bob"})
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))

	err = Check(regular, ActionBlock, Target{SubjectID: "alice"})
	assert.True(t, models.IsCode(err, models.CodeValidation))

	assert.NoError(t, Check(regular, ActionBlock, Target{SubjectID: "bob"}))
	assert.Equal(t, models.RoleModerator, moderator.Role())
}
