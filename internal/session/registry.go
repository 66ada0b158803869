// Package session maps live connections to identities and rooms and tracks
// heartbeat-based presence.
//
// A session moves anonymous -> authenticated -> in-room -> disconnected and
// never leaves disconnected. The Registry is not safe for concurrent use; the
// coordinator loop is its only caller.
package session

import (
	"sort"
	"time"

	"coldroom/internal/clock"
	"coldroom/internal/models"
)

// State is the lifecycle position of a session.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateInRoom
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "authenticated-in-room"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Sink receives encoded events for one connection.
type Sink interface {
	// TrySend enqueues without blocking and reports whether the event was accepted.
	TrySend(msg []byte) bool
	// Close ends the connection.
	Close()
}

// Verifier checks login credentials.
type Verifier interface {
	Verify(username, password string) (*models.Identity, error)
}

// Membership is the part of the Room Directory the registry drives.
type Membership interface {
	Admit(identityID, roomID string) error
	Withdraw(identityID, roomID string)
}

// Observer is told about presence transitions.
type Observer interface {
	Online(identityID string, at time.Time)
	Seen(identityID string, at time.Time)
	Offline(identityID string, at time.Time)
}

// Session is the record of one live connection.
type Session struct {
	ID            string
	IdentityID    string
	RoomID        string
	State         State
	RemoteAddr    string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	// Stale is set once the sweep has reported this session offline.
	Stale bool
	Sink  Sink
}

// Authenticated reports whether the session is bound to an identity.
func (s *Session) Authenticated() bool {
	return s.State == StateAuthenticated || s.State == StateInRoom
}

// Registry owns every Session.
type Registry struct {
	clock    clock.Clock
	timeout  time.Duration
	observer Observer

	sessions   map[string]*Session
	byIdentity map[string]string
	byRoom     map[string]map[string]struct{}
}

// NewRegistry creates an empty registry. timeout is how long a session may go
// without a heartbeat before it is considered offline.
func NewRegistry(c clock.Clock, timeout time.Duration, observer Observer) *Registry {
	return &Registry{
		clock:      c,
		timeout:    timeout,
		observer:   observer,
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]string),
		byRoom:     make(map[string]map[string]struct{}),
	}
}

// Open registers a new anonymous connection.
func (r *Registry) Open(connID string, sink Sink, remoteAddr string) (*Session, error) {
	if connID == "" {
		return nil, models.NewValidationError("connection id is required")
	}
	if _, exists := r.sessions[connID]; exists {
		return nil, models.NewConflictError("connection already registered")
	}
	now := r.clock.Now()
	s := &Session{
		ID:            connID,
		State:         StateAnonymous,
		RemoteAddr:    remoteAddr,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Sink:          sink,
	}
	r.sessions[connID] = s
	return s, nil
}

// Get returns the live session for connID.
func (r *Registry) Get(connID string) (*Session, bool) {
	s, ok := r.sessions[connID]
	return s, ok
}

// Authenticate verifies credentials and binds the resulting identity to connID.
// A previous session of the same identity is released and returned as superseded.
func (r *Registry) Authenticate(connID string, v Verifier, username, password string, m Membership) (*models.Identity, *Session, error) {
	s, ok := r.sessions[connID]
	if !ok {
		return nil, nil, models.NewNotFoundError("connection", connID)
	}
	if s.State != StateAnonymous {
		return nil, nil, models.NewValidationError("Already logged in")
	}
	ident, err := v.Verify(username, password)
	if err != nil {
		return nil, nil, err
	}
	superseded, err := r.Bind(connID, ident.ID, m)
	if err != nil {
		return nil, nil, err
	}
	return ident, superseded, nil
}

// Bind attaches an already verified identity to an anonymous connection.
func (r *Registry) Bind(connID, identityID string, m Membership) (*Session, error) {
	s, ok := r.sessions[connID]
	if !ok {
		return nil, models.NewNotFoundError("connection", connID)
	}
	if s.State != StateAnonymous {
		return nil, models.NewValidationError("Already logged in")
	}

	var superseded *Session
	if prevID, bound := r.byIdentity[identityID]; bound && prevID != connID {
		superseded = r.release(prevID, m, false)
	}

	now := r.clock.Now()
	s.IdentityID = identityID
	s.State = StateAuthenticated
	s.LastHeartbeat = now
	s.Stale = false
	r.byIdentity[identityID] = connID
	if superseded == nil && r.observer != nil {
		r.observer.Online(identityID, now)
	}
	return superseded, nil
}

// BindRoom moves the session into roomID. Admission into the new room and
// withdrawal from the previous one happen in the same call; if admission
// fails the session keeps its current room.
func (r *Registry) BindRoom(connID, roomID string, m Membership) (string, error) {
	s, ok := r.sessions[connID]
	if !ok {
		return "", models.NewNotFoundError("connection", connID)
	}
	if !s.Authenticated() {
		return "", models.NewUnauthorizedError("Not logged in")
	}
	previous := s.RoomID
	if previous == roomID {
		return previous, nil
	}
	if err := m.Admit(s.IdentityID, roomID); err != nil {
		return "", err
	}
	if previous != "" {
		m.Withdraw(s.IdentityID, previous)
		r.unindexRoom(previous, connID)
	}
	s.RoomID = roomID
	s.State = StateInRoom
	r.indexRoom(roomID, connID)
	return previous, nil
}

// Evict drops a session from its room without releasing it, used when the
// room itself disappears.
func (r *Registry) Evict(connID string) {
	s, ok := r.sessions[connID]
	if !ok || s.RoomID == "" {
		return
	}
	r.unindexRoom(s.RoomID, connID)
	s.RoomID = ""
	s.State = StateAuthenticated
}

func (r *Registry) indexRoom(roomID, connID string) {
	set, ok := r.byRoom[roomID]
	if !ok {
		set = make(map[string]struct{})
		r.byRoom[roomID] = set
	}
	set[connID] = struct{}{}
}

func (r *Registry) unindexRoom(roomID, connID string) {
	if set, ok := r.byRoom[roomID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byRoom, roomID)
		}
	}
}

// Heartbeat refreshes presence. It reports true when a stale session comes back.
func (r *Registry) Heartbeat(connID string) bool {
	s, ok := r.sessions[connID]
	if !ok {
		return false
	}
	now := r.clock.Now()
	s.LastHeartbeat = now
	if !s.Authenticated() {
		return false
	}
	if s.Stale {
		s.Stale = false
		if r.observer != nil {
			r.observer.Online(s.IdentityID, now)
		}
		return true
	}
	if r.observer != nil {
		r.observer.Seen(s.IdentityID, now)
	}
	return false
}

// Release ends a connection: the identity leaves its room and the record is
// dropped. Identities and restrictions are untouched.
func (r *Registry) Release(connID string, m Membership) *Session {
	return r.release(connID, m, true)
}

func (r *Registry) release(connID string, m Membership, notify bool) *Session {
	s, ok := r.sessions[connID]
	if !ok {
		return nil
	}
	if s.RoomID != "" {
		m.Withdraw(s.IdentityID, s.RoomID)
		r.unindexRoom(s.RoomID, connID)
	}
	if s.IdentityID != "" && r.byIdentity[s.IdentityID] == connID {
		delete(r.byIdentity, s.IdentityID)
		if notify && r.observer != nil && !s.Stale {
			r.observer.Offline(s.IdentityID, r.clock.Now())
		}
	}
	delete(r.sessions, connID)
	s.State = StateDisconnected
	return s
}

// Sweep flags authenticated sessions whose heartbeat is older than the
// timeout and returns the newly stale ones.
func (r *Registry) Sweep() []*Session {
	now := r.clock.Now()
	var stale []*Session
	for _, s := range r.sessions {
		if !s.Authenticated() || s.Stale || now.Sub(s.LastHeartbeat) <= r.timeout {
			continue
		}
		s.Stale = true
		stale = append(stale, s)
		if r.observer != nil {
			r.observer.Offline(s.IdentityID, now)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale
}

// IsOnline reports whether identityID has a session with a recent heartbeat.
func (r *Registry) IsOnline(identityID string) bool {
	connID, ok := r.byIdentity[identityID]
	if !ok {
		return false
	}
	s := r.sessions[connID]
	return r.clock.Now().Sub(s.LastHeartbeat) <= r.timeout
}

// ByIdentity returns the live session of identityID.
func (r *Registry) ByIdentity(identityID string) (*Session, bool) {
	connID, ok := r.byIdentity[identityID]
	if !ok {
		return nil, false
	}
	return r.sessions[connID], true
}

// InRoom lists sessions currently bound to roomID, ordered by connection id.
func (r *Registry) InRoom(roomID string) []*Session {
	set := r.byRoom[roomID]
	out := make([]*Session, 0, len(set))
	for connID := range set {
		out = append(out, r.sessions[connID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All lists every live session, anonymous ones included.
func (r *Registry) All() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of live sessions.
func (r *Registry) Len() int { return len(r.sessions) }

// OnlineCount is the number of authenticated sessions with a fresh heartbeat.
func (r *Registry) OnlineCount() int {
	n := 0
	for identityID := range r.byIdentity {
		if r.IsOnline(identityID) {
			n++
		}
	}
	return n
}
