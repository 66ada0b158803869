package coordinator

import (
	"sort"
	"strings"

	"coldroom/internal/models"
)

// userView projects an identity with presence and moderator flags. With a
// roomID the moderator flag is scoped to that room.
func (c *Coordinator) userView(ident *models.Identity, roomID string) models.UserView {
	v := ident.View()
	v.IsOnline = c.sessions.IsOnline(ident.ID)
	if roomID != "" {
		v.IsModerator = c.rooms.IsModerator(roomID, ident.ID)
	} else {
		v.IsModerator = c.rooms.ModeratesAny(ident.ID)
	}
	return v
}

func (c *Coordinator) userViewByID(id, roomID string) *models.UserView {
	ident, err := c.identities.Get(id)
	if err != nil {
		return nil
	}
	v := c.userView(ident, roomID)
	return &v
}

// roomUsers lists the live members of roomID, or every non-retired identity
// when roomID is empty. Online users come first.
func (c *Coordinator) roomUsers(roomID string) []models.UserView {
	var out []models.UserView
	if roomID == "" {
		for _, ident := range c.identities.List() {
			if !ident.Retired {
				out = append(out, c.userView(ident, ""))
			}
		}
	} else {
		for _, id := range c.rooms.Members(roomID) {
			if ident, err := c.identities.Get(id); err == nil {
				out = append(out, c.userView(ident, roomID))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsOnline != out[j].IsOnline {
			return out[i].IsOnline
		}
		return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
	})
	if out == nil {
		out = []models.UserView{}
	}
	return out
}

type restrictionView struct {
	models.Restriction
	DisplayName string `json:"displayName"`
}

func (c *Coordinator) restrictionViews(rs []models.Restriction) []restrictionView {
	out := make([]restrictionView, 0, len(rs))
	for _, r := range rs {
		v := restrictionView{Restriction: r}
		if ident, err := c.identities.Get(r.SubjectID); err == nil {
			v.DisplayName = ident.DisplayName
		}
		out = append(out, v)
	}
	return out
}

func (c *Coordinator) broadcastRooms() {
	c.dispatch.ToAuthenticated("rooms-list", c.rooms.List())
}

type moderatorsEvent struct {
	RoomID     string   `json:"roomId"`
	Moderators []string `json:"moderators"`
}

func (c *Coordinator) broadcastModerators(roomID string) {
	v, err := c.rooms.View(roomID, false)
	if err != nil {
		return
	}
	c.dispatch.ToAuthenticated("moderators-updated", moderatorsEvent{RoomID: roomID, Moderators: v.Moderators})
}

// Stats is the summary served by the HTTP read API.
type Stats struct {
	Identities      int `json:"identities"`
	Rooms           int `json:"rooms"`
	Connections     int `json:"connections"`
	OnlineSessions  int `json:"onlineSessions"`
	RoomMessages    int `json:"roomMessages"`
	PrivateMessages int `json:"privateMessages"`
	SupportMessages int `json:"supportMessages"`
}

func (c *Coordinator) stats() Stats {
	return Stats{
		Identities:      c.identities.Len(),
		Rooms:           c.rooms.Len(),
		Connections:     c.sessions.Len(),
		OnlineSessions:  c.sessions.OnlineCount(),
		RoomMessages:    c.rooms.MessageCount(),
		PrivateMessages: c.private.MessageCount(),
		SupportMessages: len(c.support),
	}
}
