package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"coldroom/internal/identity"
	"coldroom/internal/models"
	"coldroom/internal/notifications"
	"coldroom/internal/session"
)

// bannedError stops a login for an identity with an active ban.
type bannedError struct {
	restriction models.Restriction
}

func (e *bannedError) Error() string { return "banned: " + e.restriction.Reason }

// loginVerifier checks credentials and refuses banned identities.
type loginVerifier struct {
	c *Coordinator
}

func (v loginVerifier) Verify(username, password string) (*models.Identity, error) {
	ident, err := v.c.identities.Verify(username, password)
	if err != nil {
		return nil, err
	}
	if r, banned := v.c.ledger.Active(models.KindBan, ident.ID); banned {
		return nil, &bannedError{restriction: r}
	}
	return ident, nil
}

type bannedPayload struct {
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginSuccess struct {
	User         models.UserView `json:"user"`
	Room         models.RoomView `json:"room"`
	Settings     models.Settings `json:"settings"`
	BlockedUsers []string        `json:"blockedUsers"`
	Unread       int             `json:"unreadPrivateMessages"`
	Token        string          `json:"token,omitempty"`
}

func (c *Coordinator) handleLogin(s *session.Session, data json.RawMessage) error {
	req, err := decode[loginRequest](data)
	if err != nil {
		return err
	}
	ident, superseded, err := c.sessions.Authenticate(s.ID, loginVerifier{c}, req.Username, req.Password, c.rooms)
	var banned *bannedError
	if errors.As(err, &banned) {
		c.reply(s, "banned-user", bannedPayload{Reason: banned.restriction.Reason, ExpiresAt: banned.restriction.ExpiresAt})
		return nil
	}
	if err != nil {
		return err
	}
	return c.completeLogin(s, ident, superseded)
}

type resumeRequest struct {
	Token string `json:"token"`
}

func (c *Coordinator) handleResume(s *session.Session, data json.RawMessage) error {
	req, err := decode[resumeRequest](data)
	if err != nil {
		return err
	}
	if c.tokens == nil {
		return models.NewUnauthorizedError("Resume is not enabled")
	}
	if s.Authenticated() {
		return models.NewValidationError("Already logged in")
	}
	identityID, err := c.tokens.Parse(req.Token)
	if err != nil {
		return err
	}
	ident, err := c.identities.Get(identityID)
	if err != nil {
		return models.NewUnauthorizedError("Invalid or expired token")
	}
	if r, banned := c.ledger.Active(models.KindBan, ident.ID); banned {
		c.reply(s, "banned-user", bannedPayload{Reason: r.Reason, ExpiresAt: r.ExpiresAt})
		return nil
	}
	superseded, err := c.sessions.Bind(s.ID, ident.ID, c.rooms)
	if err != nil {
		return err
	}
	return c.completeLogin(s, ident, superseded)
}

// completeLogin enrolls a freshly bound session into the global room and
// sends the initial state.
func (c *Coordinator) completeLogin(s *session.Session, ident *models.Identity, superseded *session.Session) error {
	c.identities.Touch(ident.ID)

	if superseded != nil {
		if superseded.Sink != nil {
			if msg, err := notifications.Encode("session-replaced", actionResult{Message: "Logged in from another connection"}); err == nil {
				superseded.Sink.TrySend(msg)
			}
			superseded.Sink.Close()
		}
		if superseded.RoomID != "" {
			c.dispatch.ToRoom(superseded.RoomID, "user-left", membershipEvent{UserID: ident.ID, RoomID: superseded.RoomID})
		}
		c.log.LogDisconnect(context.Background(), superseded.ID, ident.ID, superseded.RoomID, "superseded")
	}

	if _, err := c.sessions.BindRoom(s.ID, models.GlobalRoomID, c.rooms); err != nil {
		return err
	}

	token := ""
	if c.tokens != nil {
		t, err := c.tokens.Issue(ident.ID)
		if err != nil {
			return models.NewInternalError(err)
		}
		token = t
	}

	room, err := c.rooms.View(models.GlobalRoomID, true)
	if err != nil {
		return err
	}
	me := c.userView(ident, "")
	c.reply(s, "login-success", loginSuccess{
		User:         me,
		Room:         room,
		Settings:     c.settings,
		BlockedUsers: c.private.BlockedBy(ident.ID),
		Unread:       c.private.Unread(ident.ID),
		Token:        token,
	})
	c.reply(s, "rooms-list", c.rooms.List())
	c.reply(s, "users-list", c.roomUsers(models.GlobalRoomID))

	joined := c.userView(ident, models.GlobalRoomID)
	c.dispatch.ToRoomExcept(models.GlobalRoomID, s.ID, "user-joined", membershipEvent{UserID: ident.ID, RoomID: models.GlobalRoomID, User: &joined})
	if superseded == nil {
		c.dispatch.ToAuthenticated("user-online", userRef{UserID: ident.ID})
	}
	c.broadcastRooms()
	c.log.LogLifecycle(context.Background(), "login", map[string]interface{}{
		"connection_id": s.ID,
		"user_id":       ident.ID,
		"superseded":    superseded != nil,
	})
	return nil
}

type registerRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Gender      string `json:"gender"`
}

type registerSuccess struct {
	Username string `json:"username"`
}

func (c *Coordinator) handleRegister(s *session.Session, data json.RawMessage) error {
	req, err := decode[registerRequest](data)
	if err != nil {
		return err
	}
	ident, err := c.identities.Register(identity.Registration{
		Username:    req.Username,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		Gender:      req.Gender,
	})
	if err != nil {
		return err
	}
	c.reply(s, "register-success", registerSuccess{Username: ident.Username})
	return nil
}

type changeDisplayNameRequest struct {
	NewDisplayName string `json:"newDisplayName"`
}

type displayNameChanged struct {
	User      models.UserView `json:"user"`
	Remaining int             `json:"remaining"`
}

type userUpdated struct {
	User models.UserView `json:"user"`
}

func (c *Coordinator) handleChangeDisplayName(s *session.Session, data json.RawMessage) error {
	req, err := decode[changeDisplayNameRequest](data)
	if err != nil {
		return err
	}
	remaining, err := c.identities.ChangeDisplayName(s.IdentityID, req.NewDisplayName)
	if err != nil {
		return err
	}
	ident, err := c.identities.Get(s.IdentityID)
	if err != nil {
		return err
	}
	v := c.userView(ident, "")
	c.reply(s, "display-name-changed", displayNameChanged{User: v, Remaining: remaining})
	c.dispatch.ToAuthenticated("user-updated", userUpdated{User: v})
	return nil
}

type pong struct {
	ServerTime time.Time `json:"serverTime"`
}

func (c *Coordinator) handlePing(s *session.Session, _ json.RawMessage) error {
	if s.Authenticated() {
		c.identities.Touch(s.IdentityID)
	} else {
		c.sessions.Heartbeat(s.ID)
	}
	c.reply(s, "pong", pong{ServerTime: c.clock.Now().UTC()})
	return nil
}
