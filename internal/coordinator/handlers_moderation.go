package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coldroom/internal/models"
	"coldroom/internal/moderation"
	"coldroom/internal/observability"
	"coldroom/internal/policy"
	"coldroom/internal/session"
)

type restrictRequest struct {
	UserID          string `json:"userId"`
	RoomID          string `json:"roomId"`
	DurationMinutes int    `json:"durationMinutes"`
	Reason          string `json:"reason"`
}

type restrictionNotice struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	Reason      string     `json:"reason"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	ImposedBy   string     `json:"imposedBy,omitempty"`
}

func (c *Coordinator) impose(s *session.Session, data json.RawMessage, kind models.RestrictionKind) (*models.Identity, models.Restriction, string, error) {
	req, err := decode[restrictRequest](data)
	if err != nil {
		return nil, models.Restriction{}, "", err
	}
	if req.UserID == "" {
		return nil, models.Restriction{}, "", models.NewValidationError("userId is required")
	}
	target, err := c.identities.Get(req.UserID)
	if err != nil {
		return nil, models.Restriction{}, "", err
	}
	roomID := c.roomOrCurrent(s, req.RoomID)
	r, err := c.ledger.Impose(kind,
		moderation.Subject{ID: target.ID, Protected: target.Protected()},
		c.actor(s.IdentityID, roomID),
		req.Reason, req.DurationMinutes, roomID)
	if err != nil {
		return nil, models.Restriction{}, "", err
	}
	observability.RestrictionsImposed.WithLabelValues(string(kind)).Inc()
	return target, r, roomID, nil
}

func (c *Coordinator) handleMuteUser(s *session.Session, data json.RawMessage) error {
	target, r, roomID, err := c.impose(s, data, models.KindMute)
	if err != nil {
		return err
	}
	notice := restrictionNotice{UserID: target.ID, DisplayName: target.DisplayName, Reason: r.Reason, ExpiresAt: r.ExpiresAt, ImposedBy: r.ImposedBy}
	c.success(s, fmt.Sprintf("%s has been muted", target.DisplayName))
	c.dispatch.ToRoom(roomID, "user-muted", notice)
	c.dispatch.ToIdentity(target.ID, "muted", notice)
	return nil
}

func (c *Coordinator) handleBanUser(s *session.Session, data json.RawMessage) error {
	target, r, roomID, err := c.impose(s, data, models.KindBan)
	if err != nil {
		return err
	}
	notice := restrictionNotice{UserID: target.ID, DisplayName: target.DisplayName, Reason: r.Reason, ExpiresAt: r.ExpiresAt, ImposedBy: r.ImposedBy}
	c.success(s, fmt.Sprintf("%s has been banned", target.DisplayName))
	if ts, online := c.sessions.ByIdentity(target.ID); online {
		c.dispatch.ToIdentity(target.ID, "banned", notice)
		c.disconnect(ts, "banned")
	}
	c.dispatch.ToRoom(roomID, "user-banned", notice)
	return nil
}

type revokeRequest struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
}

func (c *Coordinator) revoke(s *session.Session, kind models.RestrictionKind, userID, roomID string) error {
	if userID == "" {
		return models.NewValidationError("userId is required")
	}
	if _, err := c.ledger.Revoke(kind, userID, c.actor(s.IdentityID, c.roomOrCurrent(s, roomID))); err != nil {
		return err
	}
	if kind == models.KindMute {
		c.dispatch.ToIdentity(userID, "unmuted", userRef{UserID: userID})
	}
	return nil
}

func (c *Coordinator) handleUnmuteUser(s *session.Session, data json.RawMessage) error {
	req, err := decode[revokeRequest](data)
	if err != nil {
		return err
	}
	if err := c.revoke(s, models.KindMute, req.UserID, req.RoomID); err != nil {
		return err
	}
	c.success(s, "User has been unmuted")
	return nil
}

func (c *Coordinator) handleUnbanUser(s *session.Session, data json.RawMessage) error {
	req, err := decode[revokeRequest](data)
	if err != nil {
		return err
	}
	if err := c.revoke(s, models.KindBan, req.UserID, req.RoomID); err != nil {
		return err
	}
	c.success(s, "User has been unbanned")
	return nil
}

type revokeManyRequest struct {
	UserIDs []string `json:"userIds"`
	RoomID  string   `json:"roomId"`
}

type revokeFailure struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
	Code   string `json:"code"`
}

type revokeManyResult struct {
	Message string          `json:"message"`
	Revoked []string        `json:"revoked"`
	Failed  []revokeFailure `json:"failed"`
}

func (c *Coordinator) revokeMany(s *session.Session, data json.RawMessage, kind models.RestrictionKind) error {
	req, err := decode[revokeManyRequest](data)
	if err != nil {
		return err
	}
	if len(req.UserIDs) == 0 {
		return models.NewValidationError("userIds is required")
	}
	res := revokeManyResult{Revoked: []string{}, Failed: []revokeFailure{}}
	for _, id := range req.UserIDs {
		if err := c.revoke(s, kind, id, req.RoomID); err != nil {
			res.Failed = append(res.Failed, revokeFailure{UserID: id, Reason: models.PublicMessage(err), Code: models.CodeOf(err)})
			continue
		}
		res.Revoked = append(res.Revoked, id)
	}
	res.Message = fmt.Sprintf("%d lifted, %d failed", len(res.Revoked), len(res.Failed))
	c.reply(s, "action-success", res)
	return nil
}

func (c *Coordinator) handleUnmuteMultiple(s *session.Session, data json.RawMessage) error {
	return c.revokeMany(s, data, models.KindMute)
}

func (c *Coordinator) handleUnbanMultiple(s *session.Session, data json.RawMessage) error {
	return c.revokeMany(s, data, models.KindBan)
}

// listViewer sees lists as a moderator if they moderate any room.
func (c *Coordinator) listViewer(s *session.Session) policy.Actor {
	a := c.actor(s.IdentityID, "")
	a.Moderator = c.rooms.ModeratesAny(s.IdentityID)
	return a
}

func (c *Coordinator) handleGetMutedList(s *session.Session, _ json.RawMessage) error {
	rs, err := c.ledger.Visible(models.KindMute, c.listViewer(s))
	if err != nil {
		return err
	}
	c.reply(s, "muted-list", c.restrictionViews(rs))
	return nil
}

func (c *Coordinator) handleGetBannedList(s *session.Session, _ json.RawMessage) error {
	rs, err := c.ledger.Visible(models.KindBan, c.listViewer(s))
	if err != nil {
		return err
	}
	c.reply(s, "banned-list", c.restrictionViews(rs))
	return nil
}

type deleteAccountRequest struct {
	UserID string `json:"userId"`
}

func (c *Coordinator) handleDeleteAccount(s *session.Session, data json.RawMessage) error {
	req, err := decode[deleteAccountRequest](data)
	if err != nil {
		return err
	}
	target, err := c.identities.Get(req.UserID)
	if err != nil {
		return err
	}
	subject := policy.Target{SubjectID: target.ID, SubjectProtected: target.Protected()}
	if err := policy.Check(c.actor(s.IdentityID, ""), policy.ActionDeleteAccount, subject); err != nil {
		return err
	}

	if ts, online := c.sessions.ByIdentity(target.ID); online {
		c.dispatch.ToIdentity(target.ID, "account-deleted", userRef{UserID: target.ID})
		c.disconnect(ts, "account-deleted")
	}
	c.rooms.PurgeIdentity(target.ID)
	c.private.PurgeIdentity(target.ID)
	c.ledger.PurgeSubject(target.ID)
	c.purgeSupport(target.ID)
	if err := c.identities.Delete(target.ID); err != nil {
		return err
	}

	c.success(s, fmt.Sprintf("%s has been deleted", target.DisplayName))
	c.dispatch.ToAuthenticated("users-list", c.roomUsers(""))
	c.broadcastRooms()
	c.log.LogLifecycle(context.Background(), "account_deleted", map[string]interface{}{
		"user_id":    target.ID,
		"deleted_by": s.IdentityID,
	})
	return nil
}
