package coordinator

import (
	"context"
	"log/slog"
	"time"

	"coldroom/internal/models"
	"coldroom/internal/observability"
	"coldroom/internal/session"

	"github.com/adhocore/gronx"
)

type userRef struct {
	UserID string `json:"userId"`
}

type membershipEvent struct {
	UserID string           `json:"userId"`
	RoomID string           `json:"roomId"`
	User   *models.UserView `json:"user,omitempty"`
}

func (c *Coordinator) heartbeat(s *session.Session) {
	if c.sessions.Heartbeat(s.ID) {
		c.dispatch.ToAuthenticated("user-online", userRef{UserID: s.IdentityID})
	}
	observability.OnlineSessions.Set(float64(c.sessions.OnlineCount()))
}

// release ends connID and tells its room. Identities and restrictions stay.
func (c *Coordinator) release(connID, reason string) {
	s, ok := c.sessions.Get(connID)
	if !ok {
		return
	}
	roomID := s.RoomID
	wasOnline := s.Authenticated() && !s.Stale
	released := c.sessions.Release(connID, c.rooms)
	if released == nil {
		return
	}
	observability.WebSocketConnectionsTotal.Dec()
	observability.OnlineSessions.Set(float64(c.sessions.OnlineCount()))
	c.log.LogDisconnect(context.Background(), connID, released.IdentityID, roomID, reason)

	if released.IdentityID == "" {
		return
	}
	if roomID != "" {
		c.dispatch.ToRoom(roomID, "user-left", membershipEvent{UserID: released.IdentityID, RoomID: roomID})
		c.broadcastRooms()
	}
	if wasOnline {
		c.dispatch.ToAuthenticated("user-offline", userRef{UserID: released.IdentityID})
	}
}

// disconnect releases a session from the server side and closes its transport.
func (c *Coordinator) disconnect(s *session.Session, reason string) {
	sink := s.Sink
	c.release(s.ID, reason)
	if sink != nil {
		sink.Close()
	}
}

func (c *Coordinator) sweepPresence() {
	for _, s := range c.sessions.Sweep() {
		c.dispatch.ToAuthenticated("user-offline", userRef{UserID: s.IdentityID})
	}
	observability.OnlineSessions.Set(float64(c.sessions.OnlineCount()))
}

// SweepPresence runs one presence sweep on the loop.
func (c *Coordinator) SweepPresence(ctx context.Context) error {
	return c.Do(ctx, c.sweepPresence)
}

func (c *Coordinator) runJanitor() int {
	online := func(id string) bool {
		_, ok := c.sessions.ByIdentity(id)
		return ok
	}
	retired := 0
	for _, id := range c.identities.Inactive(c.opts.InactivityThreshold, online) {
		if !c.identities.Retire(id) {
			continue
		}
		retired++
		for _, roomID := range c.rooms.DetachModerator(id) {
			c.broadcastModerators(roomID)
		}
	}
	if retired > 0 {
		c.mutated()
		observability.JanitorRetired.Add(float64(retired))
		observability.GlobalLogger.Info("Retired inactive identities",
			slog.Int("count", retired),
			slog.Duration("threshold", c.opts.InactivityThreshold),
		)
	}
	return retired
}

// RunJanitor retires inactive identities now and reports how many.
func (c *Coordinator) RunJanitor(ctx context.Context) (int, error) {
	var n int
	err := c.Do(ctx, func() { n = c.runJanitor() })
	return n, err
}

// runJanitorSchedule waits for each cron tick and queues a janitor pass.
func (c *Coordinator) runJanitorSchedule(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(c.opts.JanitorCron, now, false)
		wait := 30 * time.Second
		if err != nil {
			observability.GlobalLogger.Error("Janitor next tick failed",
				slog.String("cron", c.opts.JanitorCron),
				slog.String("error", err.Error()),
			)
		} else if d := next.Sub(now); d > 0 {
			wait = d
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}
		if _, err := c.RunJanitor(ctx); err != nil && ctx.Err() == nil {
			observability.LogAsyncOperationError(ctx, "janitor", err, nil)
		}
	}
}
