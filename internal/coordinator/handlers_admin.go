package coordinator

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"coldroom/internal/identity"
	"coldroom/internal/models"
	"coldroom/internal/observability"
	"coldroom/internal/policy"
	"coldroom/internal/session"

	"github.com/google/uuid"
)

const maxSupportLen = 1000

type settingsUpdated struct {
	Settings models.Settings `json:"settings"`
}

func (c *Coordinator) handleUpdateSettings(s *session.Session, data json.RawMessage) error {
	if err := policy.Check(c.actor(s.IdentityID, ""), policy.ActionUpdateSettings, policy.Target{}); err != nil {
		return err
	}
	patch, err := decode[models.SettingsPatch](data)
	if err != nil {
		return err
	}
	c.settings = patch.Apply(c.settings)
	c.dispatch.ToAll("settings-updated", settingsUpdated{Settings: c.settings})
	return nil
}

type supportRequest struct {
	Text string `json:"text"`
}

type supportEvent struct {
	Message models.SupportMessage `json:"message"`
}

func (c *Coordinator) handleSendSupportMessage(s *session.Session, data json.RawMessage) error {
	req, err := decode[supportRequest](data)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(req.Text)
	if n := utf8.RuneCountInString(text); n == 0 || n > maxSupportLen {
		return models.NewValidationError("Support message must be between 1 and 1000 characters")
	}
	from, err := c.identities.Get(s.IdentityID)
	if err != nil {
		return err
	}
	msg := models.SupportMessage{
		ID:        "sup_" + uuid.NewString(),
		FromID:    from.ID,
		FromName:  from.DisplayName,
		Text:      text,
		CreatedAt: c.clock.Now().UTC(),
	}
	c.support = append(c.support, msg)
	if over := len(c.support) - c.opts.SupportInboxCap; over > 0 {
		c.support = append([]models.SupportMessage(nil), c.support[over:]...)
	}
	observability.MessageThroughput.WithLabelValues("support").Inc()

	c.dispatch.ToIdentity(identity.OwnerID, "new-support-message", supportEvent{Message: msg})
	c.success(s, "Your message has been sent")
	return nil
}

func (c *Coordinator) checkSupportReader(s *session.Session) error {
	return policy.Check(c.actor(s.IdentityID, ""), policy.ActionReadSupport, policy.Target{})
}

func (c *Coordinator) replySupport(s *session.Session) {
	out := make([]models.SupportMessage, len(c.support))
	copy(out, c.support)
	c.reply(s, "support-messages", out)
}

func (c *Coordinator) handleGetSupportMessages(s *session.Session, _ json.RawMessage) error {
	if err := c.checkSupportReader(s); err != nil {
		return err
	}
	c.replySupport(s)
	return nil
}

type supportRef struct {
	ID string `json:"id"`
}

func (c *Coordinator) supportIndex(id string) int {
	for i, m := range c.support {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (c *Coordinator) handleMarkSupportRead(s *session.Session, data json.RawMessage) error {
	if err := c.checkSupportReader(s); err != nil {
		return err
	}
	req, err := decode[supportRef](data)
	if err != nil {
		return err
	}
	i := c.supportIndex(req.ID)
	if i < 0 {
		return models.NewNotFoundError("support message", req.ID)
	}
	c.support[i].Read = true
	c.replySupport(s)
	return nil
}

func (c *Coordinator) handleDeleteSupportMessage(s *session.Session, data json.RawMessage) error {
	if err := c.checkSupportReader(s); err != nil {
		return err
	}
	req, err := decode[supportRef](data)
	if err != nil {
		return err
	}
	i := c.supportIndex(req.ID)
	if i < 0 {
		return models.NewNotFoundError("support message", req.ID)
	}
	c.support = append(c.support[:i], c.support[i+1:]...)
	c.replySupport(s)
	return nil
}

// purgeSupport drops every support message sent by identityID.
func (c *Coordinator) purgeSupport(identityID string) {
	kept := c.support[:0]
	for _, m := range c.support {
		if m.FromID != identityID {
			kept = append(kept, m)
		}
	}
	c.support = kept
}
