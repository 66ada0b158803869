package models

import "time"

// RestrictionKind distinguishes mutes from bans.
type RestrictionKind string

const (
	KindMute RestrictionKind = "mute"
	KindBan  RestrictionKind = "ban"
)

// Valid reports whether k is a known kind.
func (k RestrictionKind) Valid() bool {
	return k == KindMute || k == KindBan
}

// Restriction is an active mute or ban.
type Restriction struct {
	SubjectID string          `json:"subjectId"`
	Kind      RestrictionKind `json:"kind"`
	Reason    string          `json:"reason"`
	ImposedBy string          `json:"imposedBy"`
	ImposedAt time.Time       `json:"imposedAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
	Elevated  bool            `json:"elevated"`
	RoomID    string          `json:"roomId,omitempty"`
}

// Permanent reports whether the restriction never expires.
func (r *Restriction) Permanent() bool {
	return r.ExpiresAt == nil
}

// ExpiredAt reports whether now is past the expiry.
func (r *Restriction) ExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}
