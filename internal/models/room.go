package models

import "time"

// GlobalRoomID is the id of the default room every session lands in.
const GlobalRoomID = "global"

// AccessPolicy describes how a room admits members.
type AccessPolicy string

const (
	AccessOpen     AccessPolicy = "open"
	AccessPassword AccessPolicy = "password-protected"
)

// Message is one entry of a room's history.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	Edited     bool      `json:"edited"`
	ReplyTo    string    `json:"replyTo,omitempty"`
}

// Room is the durable form of a room. Live membership is never persisted.
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	CreatorID    string    `json:"creatorId"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	Official     bool      `json:"isOfficial"`
	Silenced     bool      `json:"silenced"`
	Moderators   []string  `json:"moderators"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Access returns the room's admission policy.
func (r *Room) Access() AccessPolicy {
	if r.PasswordHash != "" {
		return AccessPassword
	}
	return AccessOpen
}

// RoomView is what clients see of a room.
type RoomView struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	CreatorID   string       `json:"creatorId"`
	Access      AccessPolicy `json:"access"`
	HasPassword bool         `json:"hasPassword"`
	Official    bool         `json:"isOfficial"`
	Silenced    bool         `json:"silenced"`
	Moderators  []string     `json:"moderators"`
	UserCount   int          `json:"userCount"`
	Messages    []Message    `json:"messages,omitempty"`
}
