package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"coldroom/internal/models"
	"coldroom/internal/notifications"
	"coldroom/internal/observability"
	"coldroom/internal/policy"
	"coldroom/internal/session"
)

type handlerFunc func(c *Coordinator, s *session.Session, data json.RawMessage) error

type route struct {
	handler handlerFunc
	// anonymous commands may run before login.
	anonymous bool
	// readOnly commands never change durable state.
	readOnly   bool
	errorEvent string
}

var routes map[string]route

func init() {
	routes = map[string]route{
		"login":               {handler: (*Coordinator).handleLogin, anonymous: true, errorEvent: "login-error"},
		"resume":              {handler: (*Coordinator).handleResume, anonymous: true, errorEvent: "login-error"},
		"register":            {handler: (*Coordinator).handleRegister, anonymous: true, errorEvent: "register-error"},
		"ping":                {handler: (*Coordinator).handlePing, anonymous: true},
		"change-display-name": {handler: (*Coordinator).handleChangeDisplayName},

		"send-message":   {handler: (*Coordinator).handleSendMessage, errorEvent: "message-error"},
		"edit-message":   {handler: (*Coordinator).handleEditMessage, errorEvent: "message-error"},
		"delete-message": {handler: (*Coordinator).handleDeleteMessage},
		"join-room":      {handler: (*Coordinator).handleJoinRoom},
		"create-room":    {handler: (*Coordinator).handleCreateRoom},
		"update-room":    {handler: (*Coordinator).handleUpdateRoom},
		"delete-room":    {handler: (*Coordinator).handleDeleteRoom},
		"get-rooms":      {handler: (*Coordinator).handleGetRooms, readOnly: true},
		"get-users":      {handler: (*Coordinator).handleGetUsers, readOnly: true},

		"send-private-message": {handler: (*Coordinator).handleSendPrivateMessage},
		"get-private-messages": {handler: (*Coordinator).handleGetPrivateMessages},
		"block-user":           {handler: (*Coordinator).handleBlockUser},
		"unblock-user":         {handler: (*Coordinator).handleUnblockUser},

		"mute-user":       {handler: (*Coordinator).handleMuteUser},
		"unmute-user":     {handler: (*Coordinator).handleUnmuteUser},
		"ban-user":        {handler: (*Coordinator).handleBanUser},
		"unban-user":      {handler: (*Coordinator).handleUnbanUser},
		"unmute-multiple": {handler: (*Coordinator).handleUnmuteMultiple},
		"unban-multiple":  {handler: (*Coordinator).handleUnbanMultiple},
		"get-muted-list":  {handler: (*Coordinator).handleGetMutedList, readOnly: true},
		"get-banned-list": {handler: (*Coordinator).handleGetBannedList, readOnly: true},
		"delete-account":  {handler: (*Coordinator).handleDeleteAccount},

		"add-moderator":    {handler: (*Coordinator).handleAddModerator},
		"remove-moderator": {handler: (*Coordinator).handleRemoveModerator},
		"silence-room":     {handler: (*Coordinator).handleSilenceRoom},
		"unsilence-room":   {handler: (*Coordinator).handleUnsilenceRoom},
		"clean-chat":       {handler: (*Coordinator).handleCleanChat},
		"clean-all-rooms":  {handler: (*Coordinator).handleCleanAllRooms},

		"update-settings":        {handler: (*Coordinator).handleUpdateSettings},
		"send-support-message":   {handler: (*Coordinator).handleSendSupportMessage},
		"get-support-messages":   {handler: (*Coordinator).handleGetSupportMessages, readOnly: true},
		"mark-support-read":      {handler: (*Coordinator).handleMarkSupportRead},
		"delete-support-message": {handler: (*Coordinator).handleDeleteSupportMessage},
	}
}

func (c *Coordinator) handleFrame(ctx context.Context, connID string, frame []byte) {
	s, ok := c.sessions.Get(connID)
	if !ok {
		return
	}

	env, err := notifications.DecodeEnvelope(frame)
	if err != nil {
		c.replyError(ctx, s, "error", "malformed", models.NewValidationError("Malformed message"))
		return
	}
	r, ok := routes[env.Event]
	if !ok {
		c.replyError(ctx, s, "error", env.Event, models.NewValidationError(fmt.Sprintf("Unknown event %q", env.Event)))
		return
	}
	errorEvent := r.errorEvent
	if errorEvent == "" {
		errorEvent = "error"
	}

	ctx, span := observability.TraceCommand(ctx, env.Event, connID, s.IdentityID)
	defer span.End()
	start := time.Now()
	observability.WebSocketEventsTotal.WithLabelValues(env.Event).Inc()
	c.log.LogMessage(ctx, connID, s.IdentityID, env.Event)

	if s.Authenticated() {
		c.heartbeat(s)
	}

	switch {
	case !r.anonymous && !s.Authenticated():
		err = models.NewUnauthorizedError("Not logged in")
	default:
		err = c.invoke(env.Event, r.handler, s, env.Data)
	}

	observability.CommandDuration.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())
	if err != nil {
		span.SetError(err)
		c.replyError(ctx, s, errorEvent, env.Event, err)
		return
	}
	if !r.readOnly {
		c.mutated()
	}
}

// invoke runs one handler, converting a panic into an InternalError.
func (c *Coordinator) invoke(event string, h handlerFunc, s *session.Session, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			observability.HandlerPanics.Inc()
			observability.GlobalLogger.Error("Command handler panicked",
				slog.String("event", event),
				slog.String("connection_id", s.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = models.NewInternalError(fmt.Errorf("panic in %s: %v", event, r))
		}
	}()
	return h(c, s, data)
}

func (c *Coordinator) replyError(ctx context.Context, s *session.Session, errorEvent, event string, err error) {
	code := models.CodeOf(err)
	observability.CommandErrors.WithLabelValues(event, code).Inc()
	c.log.LogError(ctx, s.ID, s.IdentityID, err, event)
	c.dispatch.ToConnection(s.ID, errorEvent, notifications.ErrorPayload{
		Reason: models.PublicMessage(err),
		Code:   code,
	})
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, models.NewValidationError("Malformed payload")
	}
	return v, nil
}

// actor evaluates identityID in the context of roomID.
func (c *Coordinator) actor(identityID, roomID string) policy.Actor {
	return policy.Actor{
		ID:        identityID,
		Owner:     c.identities.IsOwner(identityID),
		Moderator: roomID != "" && c.rooms.IsModerator(roomID, identityID),
	}
}

func (c *Coordinator) reply(s *session.Session, event string, payload any) {
	c.dispatch.ToConnection(s.ID, event, payload)
}

type actionResult struct {
	Message string `json:"message"`
}

func (c *Coordinator) success(s *session.Session, message string) {
	c.reply(s, "action-success", actionResult{Message: message})
}

func (c *Coordinator) roomOrCurrent(s *session.Session, roomID string) string {
	if roomID != "" {
		return roomID
	}
	return s.RoomID
}
