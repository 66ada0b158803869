package models

import "time"

// SnapshotVersion is the document layout written by this build.
const SnapshotVersion = 1

// Snapshot is the single serialized document holding all durable state.
type Snapshot struct {
	Version      int              `json:"version"`
	SavedAt      time.Time        `json:"savedAt"`
	Identities   []Identity       `json:"identities"`
	Rooms        []Room           `json:"rooms"`
	Restrictions []Restriction    `json:"restrictions"`
	Threads      []PrivateThread  `json:"threads"`
	Blocks       []Block          `json:"blocks"`
	Settings     Settings         `json:"settings"`
	Support      []SupportMessage `json:"support"`
}

// MessageCount totals room and private messages in the document.
func (s *Snapshot) MessageCount() (room, private int) {
	for i := range s.Rooms {
		room += len(s.Rooms[i].Messages)
	}
	for i := range s.Threads {
		private += len(s.Threads[i].Messages)
	}
	return room, private
}
