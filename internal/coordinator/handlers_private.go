package coordinator

import (
	"encoding/json"

	"coldroom/internal/models"
	"coldroom/internal/observability"
	"coldroom/internal/session"
)

type privateMessageRequest struct {
	ToUserID string `json:"toUserId"`
	Text     string `json:"text"`
}

type privateMessageEvent struct {
	Message models.PrivateMessage `json:"message"`
	From    *models.UserView      `json:"from,omitempty"`
}

func (c *Coordinator) handleSendPrivateMessage(s *session.Session, data json.RawMessage) error {
	req, err := decode[privateMessageRequest](data)
	if err != nil {
		return err
	}
	if req.ToUserID == "" {
		return models.NewValidationError("toUserId is required")
	}
	if err := c.checkMuted(s.IdentityID); err != nil {
		return err
	}
	if _, err := c.identities.Get(req.ToUserID); err != nil {
		return err
	}
	text, err := c.rooms.ValidateText(req.Text)
	if err != nil {
		return err
	}
	msg, err := c.private.Send(s.IdentityID, req.ToUserID, text)
	if err != nil {
		return err
	}
	observability.MessageThroughput.WithLabelValues("private").Inc()

	c.dispatch.ToIdentity(req.ToUserID, "new-private-message", privateMessageEvent{
		Message: msg,
		From:    c.userViewByID(s.IdentityID, ""),
	})
	c.reply(s, "private-message-sent", privateMessageEvent{Message: msg})
	return nil
}

type privateHistoryRequest struct {
	WithUserID string `json:"withUserId"`
}

type privateHistory struct {
	WithUserID string                  `json:"withUserId"`
	Messages   []models.PrivateMessage `json:"messages"`
}

func (c *Coordinator) handleGetPrivateMessages(s *session.Session, data json.RawMessage) error {
	req, err := decode[privateHistoryRequest](data)
	if err != nil {
		return err
	}
	if req.WithUserID == "" {
		return models.NewValidationError("withUserId is required")
	}
	msgs := c.private.History(s.IdentityID, req.WithUserID)
	if msgs == nil {
		msgs = []models.PrivateMessage{}
	}
	c.reply(s, "private-messages", privateHistory{WithUserID: req.WithUserID, Messages: msgs})
	return nil
}

type blockRequest struct {
	UserID string `json:"userId"`
}

func (c *Coordinator) handleBlockUser(s *session.Session, data json.RawMessage) error {
	req, err := decode[blockRequest](data)
	if err != nil {
		return err
	}
	if _, err := c.identities.Get(req.UserID); err != nil {
		return err
	}
	if err := c.private.Block(s.IdentityID, req.UserID); err != nil {
		return err
	}
	c.reply(s, "blocked-users", c.private.BlockedBy(s.IdentityID))
	return nil
}

func (c *Coordinator) handleUnblockUser(s *session.Session, data json.RawMessage) error {
	req, err := decode[blockRequest](data)
	if err != nil {
		return err
	}
	if req.UserID == "" {
		return models.NewValidationError("userId is required")
	}
	c.private.Unblock(s.IdentityID, req.UserID)
	c.reply(s, "blocked-users", c.private.BlockedBy(s.IdentityID))
	return nil
}
