package coordinator

import (
	"context"
	"log/slog"

	"coldroom/internal/models"
	"coldroom/internal/observability"
)

func (c *Coordinator) export() *models.Snapshot {
	threads, blocks := c.private.Export()
	return &models.Snapshot{
		Version:      models.SnapshotVersion,
		SavedAt:      c.clock.Now().UTC(),
		Identities:   c.identities.Export(),
		Rooms:        c.rooms.Export(),
		Restrictions: c.ledger.Export(),
		Threads:      threads,
		Blocks:       blocks,
		Settings:     c.settings,
		Support:      append([]models.SupportMessage(nil), c.support...),
	}
}

// Restore replaces the state with doc. It must be called before Run. The
// owner identity and the global room are re-ensured afterwards.
func (c *Coordinator) Restore(doc *models.Snapshot) error {
	if doc == nil {
		return nil
	}
	if dropped := c.identities.Import(doc.Identities); dropped > 0 {
		observability.GlobalLogger.Warn("Dropped duplicate identities from snapshot", slog.Int("count", dropped))
	}
	c.rooms.Import(doc.Rooms)
	c.ledger.Import(doc.Restrictions)
	c.private.Import(doc.Threads, doc.Blocks)
	c.settings = doc.Settings

	support := doc.Support
	if over := len(support) - c.opts.SupportInboxCap; over > 0 {
		support = support[over:]
	}
	c.support = append([]models.SupportMessage(nil), support...)

	return c.bootstrap()
}

// Settings returns the current global settings.
func (c *Coordinator) Settings(ctx context.Context) (models.Settings, error) {
	var s models.Settings
	err := c.Do(ctx, func() { s = c.settings })
	return s, err
}

// Rooms returns the public room list.
func (c *Coordinator) Rooms(ctx context.Context) ([]models.RoomView, error) {
	var out []models.RoomView
	err := c.Do(ctx, func() { out = c.rooms.List() })
	return out, err
}

// Stats returns aggregate counters.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.Do(ctx, func() { s = c.stats() })
	return s, err
}

// Ready reports whether the loop is accepting work.
func (c *Coordinator) Ready(ctx context.Context) error {
	return c.Do(ctx, func() {})
}
