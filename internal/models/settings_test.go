package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettingsPatch_Apply(t *testing.T) {
	title := "Frost"
	loud := 3.5
	quiet := -1.0
	base := DefaultSettings()

	got := SettingsPatch{SiteTitle: &title, LoginMusicVolume: &loud, ChatMusicVolume: &quiet}.Apply(base)

	assert.Equal(t, "Frost", got.SiteTitle)
	assert.Equal(t, 1.0, got.LoginMusicVolume)
	assert.Equal(t, 0.0, got.ChatMusicVolume)
	assert.Equal(t, base.BackgroundColor, got.BackgroundColor, "untouched fields keep their value")
}

func TestAppErrorHelpers(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), NewConflictError("Username exists"))

	assert.True(t, IsCode(wrapped, CodeConflict))
	assert.False(t, IsCode(wrapped, CodeNotFound))
	assert.Equal(t, CodeConflict, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, "Internal server error", PublicMessage(NewInternalError(errors.New("disk on fire"))))
	assert.Equal(t, "Username exists", PublicMessage(wrapped))
}
