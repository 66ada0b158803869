// Package rooms is the Room Directory: rooms, live membership, moderator sets
// and bounded message history.
//
// Directory is not safe for concurrent use; the coordinator loop is its only caller.
package rooms

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"coldroom/internal/clock"
	"coldroom/internal/models"
	"coldroom/internal/policy"

	"github.com/google/uuid"
)

const (
	maxNameLen        = 100
	maxDescriptionLen = 500
)

// Verifier checks a plaintext password against a stored hash.
type Verifier interface {
	Compare(hash, password string) bool
}

// Options configures a Directory.
type Options struct {
	HistoryCap    int
	MaxMessageLen int
	Verifier      Verifier
	Clock         clock.Clock
	// IsProtected reports whether an identity is the owner.
	IsProtected func(id string) bool
}

type room struct {
	models.Room
	members    map[string]struct{}
	moderators map[string]struct{}
}

func newRoom(r models.Room) *room {
	rm := &room{Room: r, members: map[string]struct{}{}, moderators: map[string]struct{}{}}
	for _, id := range r.Moderators {
		rm.moderators[id] = struct{}{}
	}
	rm.Moderators = nil
	return rm
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Directory owns every Room and Message.
type Directory struct {
	opts  Options
	rooms map[string]*room
}

// NewDirectory creates an empty directory.
func NewDirectory(opts Options) *Directory {
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = 50
	}
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = 1000
	}
	if opts.IsProtected == nil {
		opts.IsProtected = func(string) bool { return false }
	}
	return &Directory{opts: opts, rooms: make(map[string]*room)}
}

func (d *Directory) get(roomID string) (*room, error) {
	r, ok := d.rooms[roomID]
	if !ok {
		return nil, models.NewNotFoundError("room", roomID)
	}
	return r, nil
}

// Exists reports whether roomID is known.
func (d *Directory) Exists(roomID string) bool {
	_, ok := d.rooms[roomID]
	return ok
}

func validateRoomText(name, description string) error {
	if name == "" || utf8.RuneCountInString(name) > maxNameLen {
		return models.NewValidationError(fmt.Sprintf("Room name must be 1-%d characters", maxNameLen))
	}
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return models.NewValidationError(fmt.Sprintf("Description must be at most %d characters", maxDescriptionLen))
	}
	return nil
}

// ValidateText trims a message body and checks its length.
func (d *Directory) ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", models.NewValidationError("Message cannot be empty")
	}
	if utf8.RuneCountInString(text) > d.opts.MaxMessageLen {
		return "", models.NewValidationError(fmt.Sprintf("Message must be at most %d characters", d.opts.MaxMessageLen))
	}
	return text, nil
}

// EnsureGlobal creates the official default room if it does not exist.
func (d *Directory) EnsureGlobal(name, description string) bool {
	if r, ok := d.rooms[models.GlobalRoomID]; ok {
		r.Official = true
		r.PasswordHash = ""
		return false
	}
	r := newRoom(models.Room{
		ID:          models.GlobalRoomID,
		Name:        name,
		Description: description,
		Official:    true,
		CreatedAt:   d.opts.Clock.Now(),
	})
	d.rooms[r.ID] = r
	return true
}

// Create adds a room owned by creatorID. passwordHash may be empty for an open room.
func (d *Directory) Create(creatorID, name, description, passwordHash string) (models.RoomView, error) {
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if err := validateRoomText(name, description); err != nil {
		return models.RoomView{}, err
	}
	r := newRoom(models.Room{
		ID:           "room_" + uuid.NewString(),
		Name:         name,
		Description:  description,
		CreatorID:    creatorID,
		PasswordHash: passwordHash,
		CreatedAt:    d.opts.Clock.Now(),
	})
	d.rooms[r.ID] = r
	return d.view(r, false), nil
}

// CheckAccess applies the room's access policy to actor. The owner bypasses passwords.
func (d *Directory) CheckAccess(actor policy.Actor, roomID, password string) error {
	r, err := d.get(roomID)
	if err != nil {
		return err
	}
	if r.Access() == models.AccessOpen || actor.Owner {
		return nil
	}
	if password == "" || !d.opts.Verifier.Compare(r.PasswordHash, password) {
		return models.NewWrongPasswordError()
	}
	return nil
}

// Join checks access and adds actor to the room's membership.
func (d *Directory) Join(actor policy.Actor, roomID, password string) (models.RoomView, error) {
	if err := d.CheckAccess(actor, roomID, password); err != nil {
		return models.RoomView{}, err
	}
	if err := d.Admit(actor.ID, roomID); err != nil {
		return models.RoomView{}, err
	}
	return d.View(roomID, true)
}

// Admit adds identityID to the membership set without an access check.
func (d *Directory) Admit(identityID, roomID string) error {
	r, err := d.get(roomID)
	if err != nil {
		return err
	}
	r.members[identityID] = struct{}{}
	return nil
}

// Withdraw removes identityID from the membership set. Unknown rooms are ignored.
func (d *Directory) Withdraw(identityID, roomID string) {
	if r, ok := d.rooms[roomID]; ok {
		delete(r.members, identityID)
	}
}

// Leave is Withdraw under the directory contract name.
func (d *Directory) Leave(identityID, roomID string) {
	d.Withdraw(identityID, roomID)
}

// Members lists the live membership of a room.
func (d *Directory) Members(roomID string) []string {
	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	return sortedKeys(r.members)
}

// IsMember reports live membership.
func (d *Directory) IsMember(identityID, roomID string) bool {
	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	_, in := r.members[identityID]
	return in
}

// AppendMessage adds msg to the tail of the history and evicts from the head
// down to the cap. It reports whether eviction happened.
func (d *Directory) AppendMessage(roomID string, msg models.Message) (bool, error) {
	r, err := d.get(roomID)
	if err != nil {
		return false, err
	}
	msg.RoomID = roomID
	r.Messages = append(r.Messages, msg)
	if over := len(r.Messages) - d.opts.HistoryCap; over > 0 {
		r.Messages = append([]models.Message(nil), r.Messages[over:]...)
		return true, nil
	}
	return false, nil
}

func (r *room) messageIndex(msgID string) int {
	for i := range r.Messages {
		if r.Messages[i].ID == msgID {
			return i
		}
	}
	return -1
}

// Message looks up one message of a room.
func (d *Directory) Message(roomID, msgID string) (models.Message, error) {
	r, err := d.get(roomID)
	if err != nil {
		return models.Message{}, err
	}
	i := r.messageIndex(msgID)
	if i < 0 {
		return models.Message{}, models.NewNotFoundError("message", msgID)
	}
	return r.Messages[i], nil
}

// EditMessage replaces the text of a message. Only its author may edit.
func (d *Directory) EditMessage(actor policy.Actor, roomID, msgID, text string) (models.Message, error) {
	r, err := d.get(roomID)
	if err != nil {
		return models.Message{}, err
	}
	i := r.messageIndex(msgID)
	if i < 0 {
		return models.Message{}, models.NewNotFoundError("message", msgID)
	}
	if err := policy.Check(actor, policy.ActionEditMessage, policy.Target{CreatorID: r.Messages[i].AuthorID}); err != nil {
		return models.Message{}, err
	}
	text, err = d.ValidateText(text)
	if err != nil {
		return models.Message{}, err
	}
	r.Messages[i].Text = text
	r.Messages[i].Edited = true
	return r.Messages[i], nil
}

// DeleteMessage removes a message. The owner and the room's moderators may delete.
func (d *Directory) DeleteMessage(actor policy.Actor, roomID, msgID string) error {
	r, err := d.get(roomID)
	if err != nil {
		return err
	}
	i := r.messageIndex(msgID)
	if i < 0 {
		return models.NewNotFoundError("message", msgID)
	}
	author := r.Messages[i].AuthorID
	target := policy.Target{SubjectID: author, SubjectProtected: d.opts.IsProtected(author)}
	if err := policy.Check(actor, policy.ActionDeleteMessage, target); err != nil {
		return err
	}
	r.Messages = append(r.Messages[:i], r.Messages[i+1:]...)
	return nil
}

// CheckSend applies the silence rule for actor in roomID.
func (d *Directory) CheckSend(actor policy.Actor, roomID string) error {
	r, err := d.get(roomID)
	if err != nil {
		return err
	}
	return policy.Check(actor, policy.ActionSendInRoom, policy.Target{Silenced: r.Silenced})
}

// SetSilenced toggles the silence flag.
func (d *Directory) SetSilenced(actor policy.Actor, roomID string, silenced bool) error {
	r, err := d.get(roomID)
	if err != nil {
		return err
	}
	if err := policy.Check(actor, policy.ActionSilenceRoom, policy.Target{}); err != nil {
		return err
	}
	r.Silenced = silenced
	return nil
}

// Update carries optional room changes. PasswordHash set to "" makes the room open.
type Update struct {
	Name         *string
	Description  *string
	PasswordHash *string
}

// UpdateRoom applies u. The owner and the room creator may update.
func (d *Directory) UpdateRoom(actor policy.Actor, roomID string, u Update) (models.RoomView, error) {
	r, err := d.get(roomID)
	if err != nil {
		return models.RoomView{}, err
	}
	if err := policy.Check(actor, policy.ActionUpdateRoom, policy.Target{CreatorID: r.CreatorID}); err != nil {
		return models.RoomView{}, err
	}
	name, description := r.Name, r.Description
	if u.Name != nil {
		name = strings.TrimSpace(*u.Name)
	}
	if u.Description != nil {
		description = strings.TrimSpace(*u.Description)
	}
	if err := validateRoomText(name, description); err != nil {
		return models.RoomView{}, err
	}
	if u.PasswordHash != nil && r.Official && *u.PasswordHash != "" {
		return models.RoomView{}, models.NewValidationError("The global room is always open")
	}
	r.Name, r.Description = name, description
	if u.PasswordHash != nil {
		r.PasswordHash = *u.PasswordHash
	}
	return d.view(r, false), nil
}

// Delete removes a room and returns its live members so they can be moved.
func (d *Directory) Delete(actor policy.Actor, roomID string) ([]string, error) {
	r, err := d.get(roomID)
	if err != nil {
		return nil, err
	}
	if r.Official || roomID == models.GlobalRoomID {
		return nil, models.NewProtectedRoomError(roomID)
	}
	if err := policy.Check(actor, policy.ActionDeleteRoom, policy.Target{CreatorID: r.CreatorID}); err != nil {
		return nil, err
	}
	members := sortedKeys(r.members)
	delete(d.rooms, roomID)
	return members, nil
}

// Clean empties one room's history.
func (d *Directory) Clean(actor policy.Actor, roomID string) error {
	r, err := d.get(roomID)
	if err != nil {
		return err
	}
	if err := policy.Check(actor, policy.ActionCleanRoom, policy.Target{}); err != nil {
		return err
	}
	r.Messages = nil
	return nil
}

// CleanAll empties every room's history and returns the room ids.
func (d *Directory) CleanAll(actor policy.Actor) ([]string, error) {
	if err := policy.Check(actor, policy.ActionCleanAllRooms, policy.Target{}); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(d.rooms))
	for id, r := range d.rooms {
		r.Messages = nil
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// AddModerator grants identityID moderation rights in roomID.
func (d *Directory) AddModerator(actor policy.Actor, roomID, identityID string) ([]string, error) {
	return d.setModerator(actor, roomID, identityID, true)
}

// RemoveModerator revokes identityID's moderation rights in roomID.
func (d *Directory) RemoveModerator(actor policy.Actor, roomID, identityID string) ([]string, error) {
	return d.setModerator(actor, roomID, identityID, false)
}

func (d *Directory) setModerator(actor policy.Actor, roomID, identityID string, grant bool) ([]string, error) {
	r, err := d.get(roomID)
	if err != nil {
		return nil, err
	}
	if err := policy.Check(actor, policy.ActionManageModerators, policy.Target{SubjectID: identityID}); err != nil {
		return nil, err
	}
	if identityID == "" || d.opts.IsProtected(identityID) {
		return nil, models.NewValidationError("Invalid moderator")
	}
	if grant {
		r.moderators[identityID] = struct{}{}
	} else {
		delete(r.moderators, identityID)
	}
	return sortedKeys(r.moderators), nil
}

// IsModerator reports whether identityID moderates roomID.
func (d *Directory) IsModerator(roomID, identityID string) bool {
	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	_, mod := r.moderators[identityID]
	return mod
}

// ModeratesAny reports whether identityID moderates at least one room.
func (d *Directory) ModeratesAny(identityID string) bool {
	for _, r := range d.rooms {
		if _, ok := r.moderators[identityID]; ok {
			return true
		}
	}
	return false
}

// DetachModerator drops identityID from every moderator set.
func (d *Directory) DetachModerator(identityID string) []string {
	var touched []string
	for id, r := range d.rooms {
		if _, ok := r.moderators[identityID]; ok {
			delete(r.moderators, identityID)
			touched = append(touched, id)
		}
	}
	sort.Strings(touched)
	return touched
}

// PurgeIdentity removes every trace of identityID: messages, membership and
// moderator entries. It returns the rooms whose history changed.
func (d *Directory) PurgeIdentity(identityID string) []string {
	var touched []string
	for id, r := range d.rooms {
		delete(r.members, identityID)
		delete(r.moderators, identityID)
		kept := r.Messages[:0]
		for _, m := range r.Messages {
			if m.AuthorID != identityID {
				kept = append(kept, m)
			}
		}
		if len(kept) != len(r.Messages) {
			touched = append(touched, id)
		}
		r.Messages = kept
	}
	sort.Strings(touched)
	return touched
}

func (d *Directory) view(r *room, withMessages bool) models.RoomView {
	v := models.RoomView{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatorID:   r.CreatorID,
		Access:      r.Access(),
		HasPassword: r.PasswordHash != "",
		Official:    r.Official,
		Silenced:    r.Silenced,
		Moderators:  sortedKeys(r.moderators),
		UserCount:   len(r.members),
	}
	if withMessages {
		v.Messages = append([]models.Message(nil), r.Messages...)
	}
	return v
}

// View returns the client projection of roomID.
func (d *Directory) View(roomID string, withMessages bool) (models.RoomView, error) {
	r, err := d.get(roomID)
	if err != nil {
		return models.RoomView{}, err
	}
	return d.view(r, withMessages), nil
}

// List returns all rooms: official first, then by member count, then by name.
func (d *Directory) List() []models.RoomView {
	out := make([]models.RoomView, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, d.view(r, false))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Official != b.Official {
			return a.Official
		}
		if a.UserCount != b.UserCount {
			return a.UserCount > b.UserCount
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return out
}

// Len is the number of rooms.
func (d *Directory) Len() int { return len(d.rooms) }

// MessageCount totals history across rooms.
func (d *Directory) MessageCount() int {
	n := 0
	for _, r := range d.rooms {
		n += len(r.Messages)
	}
	return n
}

// Export copies durable room state. Live membership is not included.
func (d *Directory) Export() []models.Room {
	out := make([]models.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		cp := r.Room
		cp.Messages = append([]models.Message(nil), r.Messages...)
		cp.Moderators = sortedKeys(r.moderators)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Import replaces directory contents, truncating histories to the cap.
func (d *Directory) Import(rs []models.Room) {
	d.rooms = make(map[string]*room, len(rs))
	for _, r := range rs {
		if r.ID == "" {
			continue
		}
		if over := len(r.Messages) - d.opts.HistoryCap; over > 0 {
			r.Messages = r.Messages[over:]
		}
		r.Messages = append([]models.Message(nil), r.Messages...)
		d.rooms[r.ID] = newRoom(r)
	}
}
