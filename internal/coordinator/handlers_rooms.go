package coordinator

import (
	"context"
	"encoding/json"
	"strings"

	"coldroom/internal/models"
	"coldroom/internal/observability"
	"coldroom/internal/policy"
	"coldroom/internal/rooms"
	"coldroom/internal/session"

	"github.com/google/uuid"
)

const maxRoomPasswordLen = 72

type sendMessageRequest struct {
	Text    string `json:"text"`
	RoomID  string `json:"roomId"`
	ReplyTo string `json:"replyTo"`
}

type messageEvent struct {
	Message models.Message `json:"message"`
}

type historyTruncated struct {
	RoomID  string `json:"roomId"`
	Evicted int    `json:"evicted"`
}

// checkMuted refuses muted identities. Expired mutes are cleared by the lookup.
func (c *Coordinator) checkMuted(identityID string) error {
	if r, muted := c.ledger.Active(models.KindMute, identityID); muted {
		return models.NewUnauthorizedError("You are muted: " + r.Reason)
	}
	return nil
}

// currentRoom resolves roomID for a command that must target the session's room.
func (c *Coordinator) currentRoom(s *session.Session, roomID string) (string, error) {
	roomID = c.roomOrCurrent(s, roomID)
	if roomID == "" {
		return "", models.NewValidationError("roomId is required")
	}
	if !c.rooms.Exists(roomID) {
		return "", models.NewNotFoundError("room", roomID)
	}
	if roomID != s.RoomID {
		return "", models.NewUnauthorizedError("Join the room first")
	}
	return roomID, nil
}

func (c *Coordinator) handleSendMessage(s *session.Session, data json.RawMessage) error {
	req, err := decode[sendMessageRequest](data)
	if err != nil {
		return err
	}
	roomID, err := c.currentRoom(s, req.RoomID)
	if err != nil {
		return err
	}
	if err := c.checkMuted(s.IdentityID); err != nil {
		return err
	}
	if err := c.rooms.CheckSend(c.actor(s.IdentityID, roomID), roomID); err != nil {
		return err
	}
	text, err := c.rooms.ValidateText(req.Text)
	if err != nil {
		return err
	}
	if req.ReplyTo != "" {
		if _, err := c.rooms.Message(roomID, req.ReplyTo); err != nil {
			return err
		}
	}
	author, err := c.identities.Get(s.IdentityID)
	if err != nil {
		return err
	}

	msg := models.Message{
		ID:         "msg_" + uuid.NewString(),
		RoomID:     roomID,
		AuthorID:   author.ID,
		AuthorName: author.DisplayName,
		Text:       text,
		CreatedAt:  c.clock.Now().UTC(),
		ReplyTo:    req.ReplyTo,
	}
	truncated, err := c.rooms.AppendMessage(roomID, msg)
	if err != nil {
		return err
	}
	c.identities.Touch(author.ID)
	observability.MessageThroughput.WithLabelValues("room").Inc()

	c.dispatch.ToRoom(roomID, "new-message", messageEvent{Message: msg})
	if truncated {
		observability.HistoryTruncations.Inc()
		c.dispatch.ToRoom(roomID, "history-truncated", historyTruncated{RoomID: roomID, Evicted: 1})
	}
	return nil
}

type editMessageRequest struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Text      string `json:"text"`
}

func (c *Coordinator) handleEditMessage(s *session.Session, data json.RawMessage) error {
	req, err := decode[editMessageRequest](data)
	if err != nil {
		return err
	}
	roomID, err := c.currentRoom(s, req.RoomID)
	if err != nil {
		return err
	}
	if err := c.checkMuted(s.IdentityID); err != nil {
		return err
	}
	msg, err := c.rooms.EditMessage(c.actor(s.IdentityID, roomID), roomID, req.MessageID, req.Text)
	if err != nil {
		return err
	}
	c.dispatch.ToRoom(roomID, "message-edited", messageEvent{Message: msg})
	return nil
}

type messageRef struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

func (c *Coordinator) handleDeleteMessage(s *session.Session, data json.RawMessage) error {
	req, err := decode[messageRef](data)
	if err != nil {
		return err
	}
	roomID := c.roomOrCurrent(s, req.RoomID)
	if err := c.rooms.DeleteMessage(c.actor(s.IdentityID, roomID), roomID, req.MessageID); err != nil {
		return err
	}
	c.dispatch.ToRoom(roomID, "message-deleted", messageRef{MessageID: req.MessageID, RoomID: roomID})
	return nil
}

type joinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
}

type roomJoined struct {
	Room models.RoomView `json:"room"`
}

func (c *Coordinator) handleJoinRoom(s *session.Session, data json.RawMessage) error {
	req, err := decode[joinRoomRequest](data)
	if err != nil {
		return err
	}
	if req.RoomID == "" {
		return models.NewValidationError("roomId is required")
	}
	if err := c.rooms.CheckAccess(c.actor(s.IdentityID, req.RoomID), req.RoomID, req.Password); err != nil {
		return err
	}
	return c.moveTo(s, req.RoomID)
}

// moveTo binds s to roomID and announces the move to both rooms.
func (c *Coordinator) moveTo(s *session.Session, roomID string) error {
	previous, err := c.sessions.BindRoom(s.ID, roomID, c.rooms)
	if err != nil {
		return err
	}
	room, err := c.rooms.View(roomID, true)
	if err != nil {
		return err
	}
	c.reply(s, "room-joined", roomJoined{Room: room})
	if previous == roomID {
		return nil
	}
	c.reply(s, "users-list", c.roomUsers(roomID))

	joined := c.userViewByID(s.IdentityID, roomID)
	c.dispatch.ToRoomExcept(roomID, s.ID, "user-joined", membershipEvent{UserID: s.IdentityID, RoomID: roomID, User: joined})
	if previous != "" {
		c.dispatch.ToRoom(previous, "user-left", membershipEvent{UserID: s.IdentityID, RoomID: previous})
	}
	c.broadcastRooms()
	return nil
}

type createRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Password    string `json:"password"`
}

type roomCreated struct {
	RoomID string          `json:"roomId"`
	Room   models.RoomView `json:"room"`
}

func (c *Coordinator) hashRoomPassword(password string) (string, error) {
	if len(password) > maxRoomPasswordLen {
		return "", models.NewValidationError("Room password is too long")
	}
	hash, err := c.hasher.Hash(password)
	if err != nil {
		return "", models.NewInternalError(err)
	}
	return hash, nil
}

func (c *Coordinator) handleCreateRoom(s *session.Session, data json.RawMessage) error {
	req, err := decode[createRoomRequest](data)
	if err != nil {
		return err
	}
	if strings.TrimSpace(req.Name) == "" {
		return models.NewValidationError("Room name is required")
	}
	hash := ""
	if req.Password != "" {
		if hash, err = c.hashRoomPassword(req.Password); err != nil {
			return err
		}
	}
	room, err := c.rooms.Create(s.IdentityID, req.Name, req.Description, hash)
	if err != nil {
		return err
	}
	c.reply(s, "room-created", roomCreated{RoomID: room.ID, Room: room})
	return c.moveTo(s, room.ID)
}

type updateRoomRequest struct {
	RoomID         string  `json:"roomId"`
	Name           *string `json:"name"`
	Description    *string `json:"description"`
	Password       *string `json:"password"`
	RemovePassword bool    `json:"removePassword"`
}

type roomUpdated struct {
	Room models.RoomView `json:"room"`
}

func (c *Coordinator) handleUpdateRoom(s *session.Session, data json.RawMessage) error {
	req, err := decode[updateRoomRequest](data)
	if err != nil {
		return err
	}
	current, err := c.rooms.View(req.RoomID, false)
	if err != nil {
		return err
	}
	actor := c.actor(s.IdentityID, req.RoomID)
	if err := policy.Check(actor, policy.ActionUpdateRoom, policy.Target{CreatorID: current.CreatorID}); err != nil {
		return err
	}

	u := rooms.Update{Name: req.Name, Description: req.Description}
	switch {
	case req.RemovePassword:
		empty := ""
		u.PasswordHash = &empty
	case req.Password != nil && *req.Password != "":
		hash, err := c.hashRoomPassword(*req.Password)
		if err != nil {
			return err
		}
		u.PasswordHash = &hash
	}

	room, err := c.rooms.UpdateRoom(actor, req.RoomID, u)
	if err != nil {
		return err
	}
	c.dispatch.ToAuthenticated("room-updated", roomUpdated{Room: room})
	return nil
}

type roomRef struct {
	RoomID string `json:"roomId"`
}

func (c *Coordinator) handleDeleteRoom(s *session.Session, data json.RawMessage) error {
	req, err := decode[roomRef](data)
	if err != nil {
		return err
	}
	occupants := c.sessions.InRoom(req.RoomID)
	if _, err := c.rooms.Delete(c.actor(s.IdentityID, req.RoomID), req.RoomID); err != nil {
		return err
	}

	c.dispatch.ToAuthenticated("room-deleted", roomRef{RoomID: req.RoomID})
	for _, occupant := range occupants {
		c.sessions.Evict(occupant.ID)
		if err := c.moveTo(occupant, models.GlobalRoomID); err != nil {
			c.log.LogError(context.Background(), occupant.ID, occupant.IdentityID, err, "delete-room")
		}
	}
	c.broadcastRooms()
	return nil
}

func (c *Coordinator) handleGetRooms(s *session.Session, _ json.RawMessage) error {
	c.reply(s, "rooms-list", c.rooms.List())
	return nil
}

type getUsersRequest struct {
	RoomID string `json:"roomId"`
}

func (c *Coordinator) handleGetUsers(s *session.Session, data json.RawMessage) error {
	req, err := decode[getUsersRequest](data)
	if err != nil {
		return err
	}
	if req.RoomID != "" && !c.rooms.Exists(req.RoomID) {
		return models.NewNotFoundError("room", req.RoomID)
	}
	c.reply(s, "users-list", c.roomUsers(req.RoomID))
	return nil
}

type moderatorRequest struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

func (c *Coordinator) handleAddModerator(s *session.Session, data json.RawMessage) error {
	return c.setModerator(s, data, true)
}

func (c *Coordinator) handleRemoveModerator(s *session.Session, data json.RawMessage) error {
	return c.setModerator(s, data, false)
}

func (c *Coordinator) setModerator(s *session.Session, data json.RawMessage, grant bool) error {
	req, err := decode[moderatorRequest](data)
	if err != nil {
		return err
	}
	if _, err := c.identities.Get(req.UserID); err != nil {
		return err
	}
	actor := c.actor(s.IdentityID, req.RoomID)
	var mods []string
	if grant {
		mods, err = c.rooms.AddModerator(actor, req.RoomID, req.UserID)
	} else {
		mods, err = c.rooms.RemoveModerator(actor, req.RoomID, req.UserID)
	}
	if err != nil {
		return err
	}
	c.dispatch.ToAuthenticated("moderators-updated", moderatorsEvent{RoomID: req.RoomID, Moderators: mods})
	return nil
}

type roomSilenced struct {
	RoomID   string `json:"roomId"`
	Silenced bool   `json:"silenced"`
}

func (c *Coordinator) handleSilenceRoom(s *session.Session, data json.RawMessage) error {
	return c.setSilenced(s, data, true)
}

func (c *Coordinator) handleUnsilenceRoom(s *session.Session, data json.RawMessage) error {
	return c.setSilenced(s, data, false)
}

func (c *Coordinator) setSilenced(s *session.Session, data json.RawMessage, silenced bool) error {
	req, err := decode[roomRef](data)
	if err != nil {
		return err
	}
	roomID := c.roomOrCurrent(s, req.RoomID)
	if err := c.rooms.SetSilenced(c.actor(s.IdentityID, roomID), roomID, silenced); err != nil {
		return err
	}
	c.dispatch.ToRoom(roomID, "room-silenced", roomSilenced{RoomID: roomID, Silenced: silenced})
	return nil
}

func (c *Coordinator) handleCleanChat(s *session.Session, data json.RawMessage) error {
	req, err := decode[roomRef](data)
	if err != nil {
		return err
	}
	roomID := c.roomOrCurrent(s, req.RoomID)
	if err := c.rooms.Clean(c.actor(s.IdentityID, roomID), roomID); err != nil {
		return err
	}
	c.dispatch.ToRoom(roomID, "chat-cleaned", roomRef{RoomID: roomID})
	return nil
}

func (c *Coordinator) handleCleanAllRooms(s *session.Session, _ json.RawMessage) error {
	ids, err := c.rooms.CleanAll(c.actor(s.IdentityID, ""))
	if err != nil {
		return err
	}
	for _, id := range ids {
		c.dispatch.ToRoom(id, "chat-cleaned", roomRef{RoomID: id})
	}
	return nil
}
