// Package models contains the domain entities shared by the coordinator components.
package models

import "time"

// Role is the coarse position of an identity in the moderation hierarchy.
type Role string

const (
	RoleRegular   Role = "regular"
	RoleModerator Role = "moderator"
	RoleOwner     Role = "owner"
)

// Identity is a registered account.
type Identity struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"passwordHash"`
	Gender       string    `json:"gender,omitempty"`
	Owner        bool      `json:"isOwner"`
	NameChanges  int       `json:"nameChanges"`
	Retired      bool      `json:"retired,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActive   time.Time `json:"lastActive"`
}

// Protected reports whether the identity is exempt from moderation.
func (i *Identity) Protected() bool {
	return i.Owner
}

// UserView is the client-facing projection of an Identity.
type UserView struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Gender      string    `json:"gender,omitempty"`
	IsOwner     bool      `json:"isOwner"`
	IsModerator bool      `json:"isModerator"`
	IsOnline    bool      `json:"isOnline"`
	LastActive  time.Time `json:"lastActive"`
}

// View projects the identity without credentials.
func (i *Identity) View() UserView {
	return UserView{
		ID:          i.ID,
		Username:    i.Username,
		DisplayName: i.DisplayName,
		Gender:      i.Gender,
		IsOwner:     i.Owner,
		LastActive:  i.LastActive,
	}
}
