package models

import "time"

// PrivateMessage is an entry of a thread between two identities.
type PrivateMessage struct {
	ID        string    `json:"id"`
	FromID    string    `json:"fromId"`
	ToID      string    `json:"toId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// PrivateThread holds the ordered history of one identity pair. Participants are sorted.
type PrivateThread struct {
	Participants [2]string        `json:"participants"`
	Messages     []PrivateMessage `json:"messages"`
}

// Block records that BlockerID refuses private messages from BlockedID.
type Block struct {
	BlockerID string `json:"blockerId"`
	BlockedID string `json:"blockedId"`
}
