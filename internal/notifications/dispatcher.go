package notifications

import (
	"log/slog"

	"coldroom/internal/observability"
	"coldroom/internal/session"
)

// Directory resolves connections for fan-out.
type Directory interface {
	Get(connID string) (*session.Session, bool)
	ByIdentity(identityID string) (*session.Session, bool)
	InRoom(roomID string) []*session.Session
	All() []*session.Session
}

// Dispatcher encodes an event once and fans it out to sinks. Delivery is
// best-effort: a full or closed sink misses the event.
type Dispatcher struct {
	sessions Directory
	logger   *observability.Logger
}

// NewDispatcher returns a Dispatcher resolving targets through sessions.
func NewDispatcher(sessions Directory) *Dispatcher {
	return &Dispatcher{sessions: sessions, logger: observability.GlobalLogger}
}

func (d *Dispatcher) encode(event string, payload any) []byte {
	msg, err := Encode(event, payload)
	if err != nil {
		d.logger.Error("Failed to encode event", slog.String("event", event), slog.String("error", err.Error()))
		return nil
	}
	return msg
}

func deliver(targets []*session.Session, msg []byte, exceptConnID string) int {
	n := 0
	for _, s := range targets {
		if s == nil || s.Sink == nil || s.ID == exceptConnID {
			continue
		}
		if s.Sink.TrySend(msg) {
			n++
		}
	}
	return n
}

// ToConnection sends to a single connection.
func (d *Dispatcher) ToConnection(connID, event string, payload any) bool {
	s, ok := d.sessions.Get(connID)
	if !ok || s.Sink == nil {
		return false
	}
	msg := d.encode(event, payload)
	return msg != nil && s.Sink.TrySend(msg)
}

// ToIdentity sends to the live connection of identityID, if any.
func (d *Dispatcher) ToIdentity(identityID, event string, payload any) bool {
	s, ok := d.sessions.ByIdentity(identityID)
	if !ok || s.Sink == nil {
		return false
	}
	msg := d.encode(event, payload)
	return msg != nil && s.Sink.TrySend(msg)
}

// ToRoom sends to every connection bound to roomID and returns the number
// of accepted deliveries.
func (d *Dispatcher) ToRoom(roomID, event string, payload any) int {
	return d.ToRoomExcept(roomID, "", event, payload)
}

// ToRoomExcept is ToRoom without the connection exceptConnID.
func (d *Dispatcher) ToRoomExcept(roomID, exceptConnID, event string, payload any) int {
	targets := d.sessions.InRoom(roomID)
	if len(targets) == 0 {
		return 0
	}
	msg := d.encode(event, payload)
	if msg == nil {
		return 0
	}
	return deliver(targets, msg, exceptConnID)
}

// ToAll sends to every live connection, anonymous ones included.
func (d *Dispatcher) ToAll(event string, payload any) int {
	targets := d.sessions.All()
	if len(targets) == 0 {
		return 0
	}
	msg := d.encode(event, payload)
	if msg == nil {
		return 0
	}
	return deliver(targets, msg, "")
}

// ToAuthenticated sends to every connection bound to an identity.
func (d *Dispatcher) ToAuthenticated(event string, payload any) int {
	var targets []*session.Session
	for _, s := range d.sessions.All() {
		if s.Authenticated() {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		return 0
	}
	msg := d.encode(event, payload)
	if msg == nil {
		return 0
	}
	return deliver(targets, msg, "")
}
