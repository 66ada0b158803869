package moderation

import (
	"testing"
	"time"

	"coldroom/internal/clock"
	"coldroom/internal/models"
	"coldroom/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0        = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	owner     = policy.Actor{ID: "owner", Owner: true}
	moderator = policy.Actor{ID: "user_mod", Moderator: true}
	member    = policy.Actor{ID: "user_member"}
	bob       = Subject{ID: "user_bob"}
)

func TestImpose_TimedMuteExpiresLazily(t *testing.T) {
	c := clock.Fake(t0)
	l := NewLedger(c)

	r, err := l.Impose(models.KindMute, bob, owner, "", 10, models.GlobalRoomID)
	require.NoError(t, err)
	assert.Equal(t, DefaultReason, r.Reason)
	assert.True(t, r.Elevated)
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, t0.Add(10*time.Minute), *r.ExpiresAt)

	c.Advance(9 * time.Minute)
	assert.True(t, l.IsRestricted(models.KindMute, bob.ID))

	c.Advance(2 * time.Minute)
	assert.False(t, l.IsRestricted(models.KindMute, bob.ID))
	_, ok := l.Active(models.KindMute, bob.ID)
	assert.False(t, ok)
	assert.Empty(t, l.records[models.KindMute], "expired record is cleared on the check")
}

func TestImpose_PermanentAndKindsAreIndependent(t *testing.T) {
	l := NewLedger(clock.Fake(t0))

	r, err := l.Impose(models.KindBan, bob, moderator, "spam", 0, "room_x")
	require.NoError(t, err)
	assert.True(t, r.Permanent())
	assert.False(t, r.Elevated)
	assert.Equal(t, "room_x", r.RoomID)

	assert.True(t, l.IsRestricted(models.KindBan, bob.ID))
	assert.False(t, l.IsRestricted(models.KindMute, bob.ID))
}

func TestImpose_Rejections(t *testing.T) {
	l := NewLedger(clock.Fake(t0))

	_, err := l.Impose(models.KindMute, Subject{ID: "owner", Protected: true}, moderator, "", 0, "")
	assert.True(t, models.IsCode(err, models.CodeProtectedSubject))

	_, err = l.Impose(models.KindBan, Subject{ID: "owner", Protected: true}, owner, "", 0, "")
	assert.True(t, models.IsCode(err, models.CodeProtectedSubject))

	_, err = l.Impose(models.KindMute, bob, member, "", 0, "")
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))

	_, err = l.Impose(models.KindMute, bob, owner, "", -5, "")
	assert.True(t, models.IsCode(err, models.CodeValidation))

	_, err = l.Impose("kick", bob, owner, "", 0, "")
	assert.True(t, models.IsCode(err, models.CodeValidation))

	assert.Empty(t, l.Export())
}

func TestImpose_ReplacesButNeverDowngradesElevated(t *testing.T) {
	c := clock.Fake(t0)
	l := NewLedger(c)

	_, err := l.Impose(models.KindMute, bob, moderator, "first", 5, "")
	require.NoError(t, err)
	c.Advance(time.Minute)
	_, err = l.Impose(models.KindMute, bob, owner, "second", 0, "")
	require.NoError(t, err)

	assert.Len(t, l.List(models.KindMute), 1)
	_, err = l.Impose(models.KindMute, bob, moderator, "third", 1, "")
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))

	r, ok := l.Active(models.KindMute, bob.ID)
	require.True(t, ok)
	assert.Equal(t, "second", r.Reason)
	assert.True(t, r.Permanent())
}

func TestRevoke(t *testing.T) {
	l := NewLedger(clock.Fake(t0))

	t.Run("moderator cannot revoke an elevated restriction", func(t *testing.T) {
		_, err := l.Impose(models.KindMute, bob, owner, "", 0, "")
		require.NoError(t, err)

		_, err = l.Revoke(models.KindMute, bob.ID, moderator)
		assert.True(t, models.IsCode(err, models.CodeUnauthorized))
		assert.True(t, l.IsRestricted(models.KindMute, bob.ID))

		_, err = l.Revoke(models.KindMute, bob.ID, owner)
		require.NoError(t, err)
		assert.False(t, l.IsRestricted(models.KindMute, bob.ID))
	})

	t.Run("moderators revoke non-elevated restrictions", func(t *testing.T) {
		other := policy.Actor{ID: "user_mod2", Moderator: true}
		_, err := l.Impose(models.KindBan, bob, other, "", 0, "")
		require.NoError(t, err)
		_, err = l.Revoke(models.KindBan, bob.ID, moderator)
		assert.NoError(t, err)
	})

	t.Run("missing restriction", func(t *testing.T) {
		_, err := l.Revoke(models.KindBan, "user_none", moderator)
		assert.True(t, models.IsCode(err, models.CodeNotFound))
	})

	t.Run("regular members are rejected before lookup", func(t *testing.T) {
		_, err := l.Revoke(models.KindBan, "user_none", member)
		assert.True(t, models.IsCode(err, models.CodeUnauthorized))
	})
}

func TestVisible(t *testing.T) {
	l := NewLedger(clock.Fake(t0))
	_, _ = l.Impose(models.KindMute, Subject{ID: "user_a"}, owner, "", 0, "")
	_, _ = l.Impose(models.KindMute, Subject{ID: "user_b"}, moderator, "", 0, "")

	all, err := l.Visible(models.KindMute, owner)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := l.Visible(models.KindMute, moderator)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "user_b", mine[0].SubjectID)

	_, err = l.Visible(models.KindMute, member)
	assert.Error(t, err)
}

func TestExportImport(t *testing.T) {
	c := clock.Fake(t0)
	l := NewLedger(c)
	_, _ = l.Impose(models.KindMute, Subject{ID: "user_a"}, owner, "", 1, "")
	_, _ = l.Impose(models.KindBan, Subject{ID: "user_b"}, owner, "", 0, "")

	c.Advance(2 * time.Minute)
	exported := l.Export()
	require.Len(t, exported, 1, "expired mute is not exported")

	restored := NewLedger(c)
	restored.Import(append(exported, models.Restriction{Kind: "bogus", SubjectID: "x"}))
	assert.True(t, restored.IsRestricted(models.KindBan, "user_b"))

	restored.PurgeSubject("user_b")
	assert.False(t, restored.IsRestricted(models.KindBan, "user_b"))
}
