package identity

import (
	"testing"
	"time"

	"coldroom/internal/clock"
	"coldroom/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	c := clock.Fake(t0)
	s := NewStore(NewBcryptHasher(bcrypt.MinCost), c, 2)
	_, created, err := s.EnsureOwner("frost", "owner-pass", "Frost King")
	require.NoError(t, err)
	require.True(t, created)
	return s, c
}

func register(t *testing.T, s *Store, username, display string) *models.Identity {
	t.Helper()
	ident, err := s.Register(Registration{Username: username, Password: "secret123", DisplayName: display, Gender: "female"})
	require.NoError(t, err)
	return ident
}

func TestRegister(t *testing.T) {
	s, _ := newTestStore(t)
	username := gofakeit.LetterN(10)

	ident := register(t, s, username, "Nova")
	assert.Contains(t, ident.ID, "user_")
	assert.NotEqual(t, "secret123", ident.PasswordHash)
	assert.False(t, ident.Protected())
	assert.Equal(t, t0, ident.LastActive)

	t.Run("duplicate username is case-insensitive", func(t *testing.T) {
		_, err := s.Register(Registration{Username: " " + upper(username) + " ", Password: "secret123", DisplayName: "Other"})
		assert.True(t, models.IsCode(err, models.CodeConflict))
	})

	t.Run("duplicate display name leaves the first account untouched", func(t *testing.T) {
		_, err := s.Register(Registration{Username: "second", Password: "secret123", DisplayName: "nova"})
		require.Error(t, err)
		assert.True(t, models.IsCode(err, models.CodeConflict))
		assert.Equal(t, "Display name taken", err.Error())

		first, err := s.Get(ident.ID)
		require.NoError(t, err)
		assert.Equal(t, "Nova", first.DisplayName)
	})

	t.Run("validation", func(t *testing.T) {
		cases := []Registration{
			{Username: "", Password: "secret123", DisplayName: "Someone"},
			{Username: "ab", Password: "secret123", DisplayName: "Someone"},
			{Username: "has space", Password: "secret123", DisplayName: "Someone"},
			{Username: "valid", Password: "abc", DisplayName: "Someone"},
			{Username: "valid", Password: "secret123", DisplayName: "Yo"},
		}
		for _, r := range cases {
			_, err := s.Register(r)
			assert.True(t, models.IsCode(err, models.CodeValidation), "%+v", r)
		}
	})
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

func TestVerify(t *testing.T) {
	s, _ := newTestStore(t)
	ident := register(t, s, "glacier", "Glacier")

	got, err := s.Verify("GLACIER", "secret123")
	require.NoError(t, err)
	assert.Equal(t, ident.ID, got.ID)

	_, err = s.Verify("glacier", "wrong")
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))

	_, err = s.Verify("nobody", "secret123")
	assert.True(t, models.IsCode(err, models.CodeUnauthorized))

	_, err = s.Verify("", "")
	assert.True(t, models.IsCode(err, models.CodeValidation))

	owner, err := s.Verify("frost", "owner-pass")
	require.NoError(t, err)
	assert.True(t, owner.Protected())
}

func TestChangeDisplayName(t *testing.T) {
	s, c := newTestStore(t)
	ident := register(t, s, "brook", "Brook")
	register(t, s, "river", "River")

	c.Advance(time.Hour)
	remaining, err := s.ChangeDisplayName(ident.ID, "Brook Two")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, t0.Add(time.Hour), ident.LastActive)

	_, err = s.ChangeDisplayName(ident.ID, "RIVER")
	assert.True(t, models.IsCode(err, models.CodeConflict))

	remaining, err = s.ChangeDisplayName(ident.ID, "Brook Three")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, err = s.ChangeDisplayName(ident.ID, "Brook Four")
	assert.True(t, models.IsCode(err, models.CodeLimitExceeded))
	assert.Equal(t, "Brook Three", ident.DisplayName)

	// The freed name is available again.
	other := register(t, s, "stream", "Brook")
	assert.Equal(t, "Brook", other.DisplayName)

	t.Run("owner is exempt from the cap", func(t *testing.T) {
		for i, name := range []string{"Frost A", "Frost B", "Frost C", "Frost D"} {
			remaining, err := s.ChangeDisplayName(OwnerID, name)
			require.NoError(t, err, i)
			assert.Equal(t, -1, remaining)
		}
	})
}

func TestInactiveAndRetire(t *testing.T) {
	s, c := newTestStore(t)
	idle := register(t, s, "idle", "Idle One")
	online := register(t, s, "online", "Online One")

	c.Advance(11 * 24 * time.Hour)
	fresh := register(t, s, "fresh", "Fresh One")

	ids := s.Inactive(10*24*time.Hour, func(id string) bool { return id == online.ID })
	assert.Equal(t, []string{idle.ID}, ids)
	assert.NotContains(t, ids, OwnerID)
	assert.NotContains(t, ids, fresh.ID)

	assert.True(t, s.Retire(idle.ID))
	assert.False(t, s.Retire(idle.ID))
	assert.False(t, s.Retire(OwnerID))
	assert.True(t, idle.Retired)

	// Retired identities still exist and can log in.
	_, err := s.Verify("idle", "secret123")
	require.NoError(t, err)
	s.Touch(idle.ID)
	assert.False(t, idle.Retired)
}

func TestDeleteAndImport(t *testing.T) {
	s, _ := newTestStore(t)
	ident := register(t, s, "ghost", "Ghost")

	err := s.Delete(OwnerID)
	assert.True(t, models.IsCode(err, models.CodeProtectedSubject))

	require.NoError(t, s.Delete(ident.ID))
	_, err = s.Get(ident.ID)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
	register(t, s, "ghost", "Ghost")

	exported := s.Export()
	restored := NewStore(NewBcryptHasher(bcrypt.MinCost), clock.Fake(t0), 2)
	dropped := restored.Import(append(exported, models.Identity{ID: "user_dup", Username: "GHOST", DisplayName: "x"}))
	assert.Equal(t, 1, dropped)
	assert.Equal(t, s.Len(), restored.Len())
	assert.True(t, restored.IsOwner(OwnerID))

	_, err = restored.Verify("frost", "owner-pass")
	assert.NoError(t, err)
}
