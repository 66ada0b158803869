package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"coldroom/internal/auth"
	"coldroom/internal/clock"
	"coldroom/internal/identity"
	"coldroom/internal/models"
	"coldroom/internal/notifications"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

const testPassword = "secret1"

// probe records every event delivered to one connection.
type probe struct {
	frames []notifications.Envelope
	closed bool
}

func (p *probe) TrySend(msg []byte) bool {
	var env notifications.Envelope
	if err := json.Unmarshal(msg, &env); err == nil {
		p.frames = append(p.frames, env)
	}
	return !p.closed
}

func (p *probe) Close() { p.closed = true }

func (p *probe) last(event string) (notifications.Envelope, bool) {
	for i := len(p.frames) - 1; i >= 0; i-- {
		if p.frames[i].Event == event {
			return p.frames[i], true
		}
	}
	return notifications.Envelope{}, false
}

func (p *probe) count(event string) int {
	n := 0
	for _, f := range p.frames {
		if f.Event == event {
			n++
		}
	}
	return n
}

type harness struct {
	t     *testing.T
	c     *Coordinator
	clock *clock.FakeClock
	sinks map[string]*probe
	seq   int
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	opts := Options{
		HistoryCap:          50,
		PrivateHistoryCap:   50,
		NameChangeLimit:     2,
		MessageMaxLen:       1000,
		PresenceTimeout:     5 * time.Minute,
		InactivityThreshold: 24 * time.Hour,
		Owner:               OwnerAccount{Username: "owner", Password: "ownerpass", DisplayName: "Owner"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	clk := clock.Fake(t0)
	c, err := New(opts, Deps{
		Clock:  clk,
		Hasher: identity.NewBcryptHasher(bcrypt.MinCost),
		Tokens: auth.NewIssuer("a-test-secret-that-is-long-enough-32", time.Hour, clk),
	})
	require.NoError(t, err)
	return &harness{t: t, c: c, clock: clk, sinks: map[string]*probe{}}
}

func (h *harness) connect() string {
	h.t.Helper()
	h.seq++
	id := fmt.Sprintf("conn-%d", h.seq)
	p := &probe{}
	_, err := h.c.sessions.Open(id, p, "127.0.0.1")
	require.NoError(h.t, err)
	h.sinks[id] = p
	return id
}

func (h *harness) send(connID, event string, payload any) {
	h.t.Helper()
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(h.t, err)
		data = b
	}
	frame, err := json.Marshal(notifications.Envelope{Event: event, Data: data})
	require.NoError(h.t, err)
	h.c.handleFrame(context.Background(), connID, frame)
}

func (h *harness) register(username, displayName string) {
	h.t.Helper()
	conn := h.connect()
	h.send(conn, "register", map[string]string{
		"username":    username,
		"password":    testPassword,
		"displayName": displayName,
	})
	_, ok := h.sinks[conn].last("register-success")
	require.True(h.t, ok, "register %s", username)
}

// login opens a connection for username and returns it with the identity id.
func (h *harness) login(username, password string) (string, string) {
	h.t.Helper()
	conn := h.connect()
	h.send(conn, "login", map[string]string{"username": username, "password": password})
	env, ok := h.sinks[conn].last("login-success")
	require.True(h.t, ok, "login %s", username)
	var success loginSuccess
	require.NoError(h.t, json.Unmarshal(env.Data, &success))
	return conn, success.User.ID
}

func (h *harness) user(username string) (string, string) {
	h.t.Helper()
	h.register(username, "Display "+username)
	return h.login(username, testPassword)
}

func (h *harness) owner() (string, string) {
	return h.login("owner", "ownerpass")
}

func (h *harness) errorOf(connID, event string) notifications.ErrorPayload {
	h.t.Helper()
	env, ok := h.sinks[connID].last(event)
	require.True(h.t, ok, "expected %s on %s", event, connID)
	var p notifications.ErrorPayload
	require.NoError(h.t, json.Unmarshal(env.Data, &p))
	return p
}

func TestLoginFlow(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceID := h.user("alice")

	env, ok := h.sinks[alice].last("login-success")
	require.True(t, ok)
	var success loginSuccess
	require.NoError(t, json.Unmarshal(env.Data, &success))
	assert.Equal(t, models.GlobalRoomID, success.Room.ID)
	assert.NotEmpty(t, success.Token)
	assert.Equal(t, 1, h.sinks[alice].count("rooms-list"))
	assert.Equal(t, 1, h.sinks[alice].count("users-list"))

	_, bobID := h.user("bob")
	joined, ok := h.sinks[alice].last("user-joined")
	require.True(t, ok)
	var ev membershipEvent
	require.NoError(t, json.Unmarshal(joined.Data, &ev))
	assert.Equal(t, bobID, ev.UserID)
	assert.NotEqual(t, aliceID, bobID)
}

func TestLoginAndRoutingErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.register("alice", "Alice")

	conn := h.connect()
	h.send(conn, "login", map[string]string{"username": "alice", "password": "wrong-password"})
	assert.Equal(t, models.CodeUnauthorized, h.errorOf(conn, "login-error").Code)

	h.send(conn, "send-message", map[string]string{"text": "hi"})
	assert.Equal(t, models.CodeUnauthorized, h.errorOf(conn, "message-error").Code)

	h.send(conn, "no-such-event", nil)
	assert.Equal(t, models.CodeValidation, h.errorOf(conn, "error").Code)

	h.c.handleFrame(context.Background(), conn, []byte("not json"))
	assert.Equal(t, "Malformed message", h.errorOf(conn, "error").Reason)

	h.send(conn, "register", map[string]string{"username": "alice", "password": testPassword, "displayName": "Other"})
	assert.Equal(t, models.CodeConflict, h.errorOf(conn, "register-error").Code)
}

func TestResumeWithToken(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceID := h.user("alice")
	env, _ := h.sinks[alice].last("login-success")
	var success loginSuccess
	require.NoError(t, json.Unmarshal(env.Data, &success))

	conn := h.connect()
	h.send(conn, "resume", map[string]string{"token": success.Token})
	_, ok := h.sinks[conn].last("login-success")
	require.True(t, ok)
	s, _ := h.c.sessions.ByIdentity(aliceID)
	assert.Equal(t, conn, s.ID)

	other := h.connect()
	h.send(other, "resume", map[string]string{"token": "garbage"})
	assert.Equal(t, models.CodeUnauthorized, h.errorOf(other, "login-error").Code)
}

func TestMuteBlocksSendingUntilExpiry(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.owner()
	alice, aliceID := h.user("alice")

	h.send(owner, "mute-user", map[string]any{"userId": aliceID, "durationMinutes": 10, "reason": "spam"})
	_, ok := h.sinks[owner].last("action-success")
	require.True(t, ok)
	_, ok = h.sinks[alice].last("muted")
	require.True(t, ok)

	h.send(alice, "send-message", map[string]string{"text": "hello"})
	p := h.errorOf(alice, "message-error")
	assert.Equal(t, models.CodeUnauthorized, p.Code)
	assert.Contains(t, p.Reason, "spam")

	h.clock.Advance(11 * time.Minute)
	text := gofakeit.Sentence(6)
	h.send(alice, "send-message", map[string]string{"text": text})
	env, ok := h.sinks[owner].last("new-message")
	require.True(t, ok)
	var msg messageEvent
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, aliceID, msg.Message.AuthorID)
}

func TestBanDisconnectsAndRefusesLogin(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.owner()
	bob, bobID := h.user("bob")

	h.send(owner, "ban-user", map[string]any{"userId": bobID, "reason": "abuse"})
	_, ok := h.sinks[bob].last("banned")
	require.True(t, ok)
	assert.True(t, h.sinks[bob].closed)
	_, online := h.c.sessions.ByIdentity(bobID)
	assert.False(t, online)
	_, ok = h.sinks[owner].last("user-banned")
	assert.True(t, ok)

	conn := h.connect()
	h.send(conn, "login", map[string]string{"username": "bob", "password": testPassword})
	env, ok := h.sinks[conn].last("banned-user")
	require.True(t, ok)
	var payload bannedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "abuse", payload.Reason)
	assert.Nil(t, payload.ExpiresAt)
	assert.Zero(t, h.sinks[conn].count("login-success"))
}

func TestElevatedRestrictionNeedsOwner(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.owner()
	alice, aliceID := h.user("alice")
	_, bobID := h.user("bob")
	_, carolID := h.user("carol")

	h.send(owner, "add-moderator", map[string]string{"userId": aliceID, "roomId": models.GlobalRoomID})
	require.True(t, h.c.rooms.IsModerator(models.GlobalRoomID, aliceID))

	h.send(owner, "mute-user", map[string]any{"userId": bobID})
	h.send(alice, "unmute-user", map[string]any{"userId": bobID})
	assert.Equal(t, models.CodeUnauthorized, h.errorOf(alice, "error").Code)
	assert.True(t, h.c.ledger.IsRestricted(models.KindMute, bobID))

	h.send(alice, "mute-user", map[string]any{"userId": carolID})
	h.send(alice, "unmute-user", map[string]any{"userId": carolID})
	assert.False(t, h.c.ledger.IsRestricted(models.KindMute, carolID))

	h.send(owner, "unmute-user", map[string]any{"userId": bobID})
	assert.False(t, h.c.ledger.IsRestricted(models.KindMute, bobID))
}

func TestOwnerIsProtected(t *testing.T) {
	h := newHarness(t, nil)
	owner, ownerID := h.owner()
	alice, aliceID := h.user("alice")
	h.send(owner, "add-moderator", map[string]string{"userId": aliceID, "roomId": models.GlobalRoomID})

	h.send(alice, "mute-user", map[string]any{"userId": ownerID})
	assert.Equal(t, models.CodeProtectedSubject, h.errorOf(alice, "error").Code)
	h.send(alice, "ban-user", map[string]any{"userId": ownerID})
	assert.Equal(t, models.CodeProtectedSubject, h.errorOf(alice, "error").Code)

	h.send(owner, "delete-account", map[string]string{"userId": ownerID})
	assert.Equal(t, models.CodeProtectedSubject, h.errorOf(owner, "error").Code)
	_, err := h.c.identities.Get(ownerID)
	assert.NoError(t, err)
}

func TestMultiRevokeReportsPerID(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.owner()
	_, bobID := h.user("bob")
	_, carolID := h.user("carol")

	h.send(owner, "ban-user", map[string]any{"userId": bobID})
	h.send(owner, "unban-multiple", map[string]any{"userIds": []string{bobID, carolID}})
	env, ok := h.sinks[owner].last("action-success")
	require.True(t, ok)
	var res revokeManyResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, []string{bobID}, res.Revoked)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, carolID, res.Failed[0].UserID)
	assert.Equal(t, models.CodeNotFound, res.Failed[0].Code)

	h.send(owner, "unmute-multiple", map[string]any{"userIds": []string{}})
	assert.Equal(t, models.CodeValidation, h.errorOf(owner, "error").Code)
}

func TestRestrictionListsAreModeratorOnly(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.owner()
	alice, _ := h.user("alice")
	_, bobID := h.user("bob")
	h.send(owner, "mute-user", map[string]any{"userId": bobID})

	h.send(alice, "get-muted-list", nil)
	assert.Equal(t, models.CodeUnauthorized, h.errorOf(alice, "error").Code)

	h.send(owner, "get-muted-list", nil)
	env, ok := h.sinks[owner].last("muted-list")
	require.True(t, ok)
	var list []restrictionView
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, bobID, list[0].SubjectID)
	assert.Equal(t, "Display bob", list[0].DisplayName)
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HistoryCap = 3 })
	alice, _ := h.user("alice")
	for i := 1; i <= 4; i++ {
		h.send(alice, "send-message", map[string]string{"text": fmt.Sprintf("message %d", i)})
	}
	assert.Equal(t, 1, h.sinks[alice].count("history-truncated"))
	room, err := h.c.rooms.View(models.GlobalRoomID, true)
	require.NoError(t, err)
	require.Len(t, room.Messages, 3)
	assert.Equal(t, "message 2", room.Messages[0].Text)
	assert.Equal(t, "message 4", room.Messages[2].Text)
}

func TestSilencedRoom(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.owner()
	alice, _ := h.user("alice")

	h.send(alice, "silence-room", map[string]string{"roomId": models.GlobalRoomID})
	assert.Equal(t, models.CodeUnauthorized, h.errorOf(alice, "error").Code)

	h.send(owner, "silence-room", map[string]string{"roomId": models.GlobalRoomID})
	_, ok := h.sinks[alice].last("room-silenced")
	require.True(t, ok)
	h.send(alice, "send-message", map[string]string{"text": "anyone?"})
	_, ok = h.sinks[alice].last("message-error")
	assert.True(t, ok)

	h.send(owner, "send-message", map[string]string{"text": "announcement"})
	assert.Equal(t, 1, h.sinks[alice].count("new-message"))
}

func TestRoomLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceID := h.user("alice")
	bob, _ := h.user("bob")

	h.send(alice, "create-room", map[string]string{"name": "Lounge", "description": "quiet", "password": "door"})
	env, ok := h.sinks[alice].last("room-created")
	require.True(t, ok)
	var created roomCreated
	require.NoError(t, json.Unmarshal(env.Data, &created))
	s, _ := h.c.sessions.ByIdentity(aliceID)
	assert.Equal(t, created.RoomID, s.RoomID)
	assert.True(t, created.Room.HasPassword)

	h.send(bob, "join-room", map[string]string{"roomId": created.RoomID, "password": "window"})
	assert.Equal(t, models.CodeWrongPassword, h.errorOf(bob, "error").Code)
	h.send(bob, "join-room", map[string]string{"roomId": created.RoomID, "password": "door"})
	assert.Len(t, h.c.rooms.Members(created.RoomID), 2)

	h.send(bob, "delete-room", map[string]string{"roomId": created.RoomID})
	assert.Equal(t, models.CodeUnauthorized, h.errorOf(bob, "error").Code)

	h.send(alice, "delete-room", map[string]string{"roomId": created.RoomID})
	_, ok = h.sinks[bob].last("room-deleted")
	require.True(t, ok)
	assert.False(t, h.c.rooms.Exists(created.RoomID))
	s, _ = h.c.sessions.ByIdentity(aliceID)
	assert.Equal(t, models.GlobalRoomID, s.RoomID)

	h.send(alice, "delete-room", map[string]string{"roomId": models.GlobalRoomID})
	assert.Equal(t, models.CodeProtectedRoom, h.errorOf(alice, "error").Code)
	assert.True(t, h.c.rooms.Exists(models.GlobalRoomID))
}

func TestPrivateMessagesAndBlocks(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceID := h.user("alice")
	bob, bobID := h.user("bob")

	h.send(alice, "send-private-message", map[string]string{"toUserId": bobID, "text": "psst"})
	_, ok := h.sinks[bob].last("new-private-message")
	require.True(t, ok)
	_, ok = h.sinks[alice].last("private-message-sent")
	require.True(t, ok)

	h.send(bob, "block-user", map[string]string{"userId": aliceID})
	env, ok := h.sinks[bob].last("blocked-users")
	require.True(t, ok)
	var blocked []string
	require.NoError(t, json.Unmarshal(env.Data, &blocked))
	assert.Equal(t, []string{aliceID}, blocked)

	h.send(alice, "send-private-message", map[string]string{"toUserId": bobID, "text": "hello?"})
	assert.Equal(t, models.CodeBlocked, h.errorOf(alice, "error").Code)

	h.send(bob, "get-private-messages", map[string]string{"withUserId": aliceID})
	env, ok = h.sinks[bob].last("private-messages")
	require.True(t, ok)
	var hist privateHistory
	require.NoError(t, json.Unmarshal(env.Data, &hist))
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "psst", hist.Messages[0].Text)
	assert.True(t, hist.Messages[0].Read)
}

func TestOwnerBypassesBlocks(t *testing.T) {
	h := newHarness(t, nil)
	owner, ownerID := h.owner()
	alice, aliceID := h.user("alice")

	h.send(alice, "block-user", map[string]string{"userId": ownerID})
	assert.Equal(t, models.CodeProtectedSubject, h.errorOf(alice, "error").Code)

	h.send(owner, "send-private-message", map[string]string{"toUserId": aliceID, "text": "from the top"})
	_, ok := h.sinks[alice].last("new-private-message")
	assert.True(t, ok)
}

func TestLoginSupersedesEarlierConnection(t *testing.T) {
	h := newHarness(t, nil)
	first, aliceID := h.user("alice")
	second, _ := h.login("alice", testPassword)

	assert.True(t, h.sinks[first].closed)
	_, ok := h.sinks[first].last("session-replaced")
	assert.True(t, ok)
	_, ok = h.c.sessions.Get(first)
	assert.False(t, ok)
	s, _ := h.c.sessions.ByIdentity(aliceID)
	assert.Equal(t, second, s.ID)
	assert.True(t, h.c.rooms.IsMember(aliceID, models.GlobalRoomID))
}

func TestChangeDisplayNameLimit(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.NameChangeLimit = 1 })
	alice, _ := h.user("alice")

	h.send(alice, "change-display-name", map[string]string{"newDisplayName": "Alicia"})
	env, ok := h.sinks[alice].last("display-name-changed")
	require.True(t, ok)
	var changed displayNameChanged
	require.NoError(t, json.Unmarshal(env.Data, &changed))
	assert.Equal(t, "Alicia", changed.User.DisplayName)
	assert.Equal(t, 0, changed.Remaining)

	h.send(alice, "change-display-name", map[string]string{"newDisplayName": "Ally"})
	assert.Equal(t, models.CodeLimitExceeded, h.errorOf(alice, "error").Code)
}

func TestSupportInbox(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SupportInboxCap = 2 })
	owner, _ := h.owner()
	alice, _ := h.user("alice")

	h.send(alice, "send-support-message", map[string]string{"text": "   "})
	assert.Equal(t, models.CodeValidation, h.errorOf(alice, "error").Code)

	for i := 1; i <= 3; i++ {
		h.send(alice, "send-support-message", map[string]string{"text": fmt.Sprintf("help %d", i)})
	}
	assert.Equal(t, 3, h.sinks[owner].count("new-support-message"))
	require.Len(t, h.c.support, 2)
	assert.Equal(t, "help 2", h.c.support[0].Text)

	h.send(alice, "get-support-messages", nil)
	assert.Equal(t, models.CodeUnauthorized, h.errorOf(alice, "error").Code)

	id := h.c.support[1].ID
	h.send(owner, "mark-support-read", map[string]string{"id": id})
	assert.True(t, h.c.support[1].Read)

	h.send(owner, "delete-support-message", map[string]string{"id": "sup_missing"})
	assert.Equal(t, models.CodeNotFound, h.errorOf(owner, "error").Code)
	h.send(owner, "delete-support-message", map[string]string{"id": id})
	assert.Len(t, h.c.support, 1)
}

func TestUpdateSettingsReachesLoginScreen(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.owner()
	alice, _ := h.user("alice")
	anon := h.connect()

	h.send(alice, "update-settings", map[string]string{"siteTitle": "Mine"})
	assert.Equal(t, models.CodeUnauthorized, h.errorOf(alice, "error").Code)

	h.send(owner, "update-settings", map[string]any{"siteTitle": "Frost", "chatMusicVolume": 3})
	env, ok := h.sinks[anon].last("settings-updated")
	require.True(t, ok)
	var upd settingsUpdated
	require.NoError(t, json.Unmarshal(env.Data, &upd))
	assert.Equal(t, "Frost", upd.Settings.SiteTitle)
	assert.Equal(t, 1.0, upd.Settings.ChatMusicVolume)
}

func TestDeleteAccountCascades(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.owner()
	alice, aliceID := h.user("alice")
	bob, bobID := h.user("bob")

	h.send(alice, "send-message", map[string]string{"text": "soon gone"})
	h.send(alice, "send-private-message", map[string]string{"toUserId": bobID, "text": "secret"})
	h.send(alice, "send-support-message", map[string]string{"text": "bye"})
	h.send(owner, "mute-user", map[string]any{"userId": aliceID})

	h.send(bob, "delete-account", map[string]string{"userId": aliceID})
	assert.Equal(t, models.CodeUnauthorized, h.errorOf(bob, "error").Code)

	h.send(owner, "delete-account", map[string]string{"userId": aliceID})
	_, ok := h.sinks[alice].last("account-deleted")
	assert.True(t, ok)
	assert.True(t, h.sinks[alice].closed)

	_, err := h.c.identities.Get(aliceID)
	assert.True(t, models.IsCode(err, models.CodeNotFound))
	room, err := h.c.rooms.View(models.GlobalRoomID, true)
	require.NoError(t, err)
	assert.Empty(t, room.Messages)
	assert.Empty(t, h.c.private.History(bobID, aliceID))
	assert.Empty(t, h.c.support)
	assert.False(t, h.c.ledger.IsRestricted(models.KindMute, aliceID))
}

func TestPresenceSweepAndReturn(t *testing.T) {
	h := newHarness(t, nil)
	owner, _ := h.owner()
	alice, aliceID := h.user("alice")

	h.clock.Advance(6 * time.Minute)
	h.send(owner, "ping", nil)
	h.c.sweepPresence()
	env, ok := h.sinks[owner].last("user-offline")
	require.True(t, ok)
	var ref userRef
	require.NoError(t, json.Unmarshal(env.Data, &ref))
	assert.Equal(t, aliceID, ref.UserID)
	assert.False(t, h.c.sessions.IsOnline(aliceID))

	h.send(alice, "get-rooms", nil)
	env, ok = h.sinks[owner].last("user-online")
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(env.Data, &ref))
	assert.Equal(t, aliceID, ref.UserID)
}

func TestJanitorRetiresInactiveIdentities(t *testing.T) {
	h := newHarness(t, nil)
	h.register("alice", "Alice")
	_, bobID := h.user("bob")
	require.True(t, h.c.sessions.IsOnline(bobID))

	h.clock.Advance(25 * time.Hour)
	assert.Equal(t, 1, h.c.runJanitor())

	for _, ident := range h.c.identities.List() {
		switch ident.Username {
		case "alice":
			assert.True(t, ident.Retired)
		default:
			assert.False(t, ident.Retired, ident.Username)
		}
	}
	assert.Zero(t, h.c.runJanitor())
}

func TestReadOnlyCommandsKeepRevision(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.user("alice")
	before := h.c.revision

	h.send(alice, "get-rooms", nil)
	h.send(alice, "get-users", nil)
	assert.Equal(t, before, h.c.revision)

	h.send(alice, "send-message", map[string]string{"text": "counted"})
	assert.Equal(t, before+1, h.c.revision)

	h.send(alice, "send-message", map[string]string{"text": ""})
	assert.Equal(t, before+1, h.c.revision)
}

func TestLoopDoCaptureAndStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.c.Run(ctx)

	require.NoError(t, h.c.Ready(ctx))
	err := h.c.Do(ctx, func() { panic("boom") })
	assert.True(t, models.IsCode(err, models.CodeInternal))

	_, rev0, err := h.c.Capture(ctx)
	require.NoError(t, err)

	p := &probe{}
	require.NoError(t, h.c.Connect(ctx, "loop-conn", p, "10.0.0.1"))
	frame, err := json.Marshal(map[string]any{
		"event": "register",
		"data":  map[string]string{"username": "dana", "password": testPassword, "displayName": "Dana"},
	})
	require.NoError(t, err)
	require.NoError(t, h.c.Handle(ctx, "loop-conn", frame))

	doc, rev1, err := h.c.Capture(ctx)
	require.NoError(t, err)
	assert.Greater(t, rev1, rev0)
	assert.Len(t, doc.Identities, 2)
	_, ok := p.last("register-success")
	assert.True(t, ok)

	stats, err := h.c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, 2, stats.Identities)

	cancel()
	<-h.c.stopped
	assert.ErrorIs(t, h.c.Do(context.Background(), func() {}), ErrStopped)
	after, rev2, err := h.c.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rev1, rev2)
	assert.Len(t, after.Identities, 2)
}

func TestRestoreFromCapture(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.user("alice")
	h.send(alice, "send-message", map[string]string{"text": "persisted"})
	h.send(alice, "send-support-message", map[string]string{"text": "note"})
	doc := h.c.export()

	restored := newHarness(t, func(o *Options) { o.SupportInboxCap = 1 })
	require.NoError(t, restored.c.Restore(doc))
	_, aliceID := restored.login("alice", testPassword)
	assert.NotEmpty(t, aliceID)
	room, err := restored.c.rooms.View(models.GlobalRoomID, true)
	require.NoError(t, err)
	require.Len(t, room.Messages, 1)
	assert.Equal(t, "persisted", room.Messages[0].Text)
	assert.Len(t, restored.c.support, 1)
	_, err = restored.c.identities.Get(identity.OwnerID)
	assert.NoError(t, err)
}

func TestFatalWritesEmergencySnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.register("alice", "Alice")
	var got *models.Snapshot
	h.c.OnEmergency(func(doc *models.Snapshot) { got = doc })

	assert.PanicsWithValue(t, "loop exploded", func() {
		defer h.c.fatal()
		panic("loop exploded")
	})
	require.NotNil(t, got)
	assert.Len(t, got.Identities, 2)
}
