package models

import "time"

// Settings is the global site configuration served at startup and editable by the owner.
type Settings struct {
	SiteTitle         string  `json:"siteTitle"`
	SiteLogo          string  `json:"siteLogo"`
	BackgroundColor   string  `json:"backgroundColor"`
	WelcomeMessage    string  `json:"welcomeMessage"`
	LoginMusic        string  `json:"loginMusic"`
	ChatMusic         string  `json:"chatMusic"`
	LoginMusicVolume  float64 `json:"loginMusicVolume"`
	ChatMusicVolume   float64 `json:"chatMusicVolume"`
	AllowImageUpload  bool    `json:"allowImageUpload"`
	ImageUploadMethod string  `json:"imageUploadMethod"`
}

// DefaultSettings returns the settings a fresh installation starts with.
func DefaultSettings() Settings {
	return Settings{
		SiteTitle:         "Cold Room",
		BackgroundColor:   "#0b1a2a",
		WelcomeMessage:    "Welcome to Cold Room",
		LoginMusicVolume:  0.5,
		ChatMusicVolume:   0.5,
		ImageUploadMethod: "link",
	}
}

// SettingsPatch carries a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	SiteTitle         *string  `json:"siteTitle"`
	SiteLogo          *string  `json:"siteLogo"`
	BackgroundColor   *string  `json:"backgroundColor"`
	WelcomeMessage    *string  `json:"welcomeMessage"`
	LoginMusic        *string  `json:"loginMusic"`
	ChatMusic         *string  `json:"chatMusic"`
	LoginMusicVolume  *float64 `json:"loginMusicVolume"`
	ChatMusicVolume   *float64 `json:"chatMusicVolume"`
	AllowImageUpload  *bool    `json:"allowImageUpload"`
	ImageUploadMethod *string  `json:"imageUploadMethod"`
}

// Apply merges the patch into s. Volumes are clamped to [0, 1].
func (p SettingsPatch) Apply(s Settings) Settings {
	if p.SiteTitle != nil {
		s.SiteTitle = *p.SiteTitle
	}
	if p.SiteLogo != nil {
		s.SiteLogo = *p.SiteLogo
	}
	if p.BackgroundColor != nil {
		s.BackgroundColor = *p.BackgroundColor
	}
	if p.WelcomeMessage != nil {
		s.WelcomeMessage = *p.WelcomeMessage
	}
	if p.LoginMusic != nil {
		s.LoginMusic = *p.LoginMusic
	}
	if p.ChatMusic != nil {
		s.ChatMusic = *p.ChatMusic
	}
	if p.LoginMusicVolume != nil {
		s.LoginMusicVolume = clampUnit(*p.LoginMusicVolume)
	}
	if p.ChatMusicVolume != nil {
		s.ChatMusicVolume = clampUnit(*p.ChatMusicVolume)
	}
	if p.AllowImageUpload != nil {
		s.AllowImageUpload = *p.AllowImageUpload
	}
	if p.ImageUploadMethod != nil {
		s.ImageUploadMethod = *p.ImageUploadMethod
	}
	return s
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// SupportMessage is a note sent to the owner's support inbox.
type SupportMessage struct {
	ID        string    `json:"id"`
	FromID    string    `json:"fromId"`
	FromName  string    `json:"fromName"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}
