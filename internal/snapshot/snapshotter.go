package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coldroom/internal/models"
	"coldroom/internal/observability"

	"go.opentelemetry.io/otel/attribute"
)

// Source captures a deep copy of the live state and its mutation revision.
type Source func(ctx context.Context) (*models.Snapshot, uint64, error)

// Options configure a Snapshotter.
type Options struct {
	Format   Format
	Compress bool
	Interval time.Duration
}

// Snapshotter periodically persists the state document. Writes are
// serialized; an unchanged revision is not rewritten.
type Snapshotter struct {
	store Store
	opts  Options

	mu      sync.Mutex
	written bool
	lastRev uint64
}

// New returns a Snapshotter writing to store.
func New(store Store, opts Options) *Snapshotter {
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Snapshotter{store: store, opts: opts}
}

// Store returns the backing store.
func (s *Snapshotter) Store() Store {
	return s.store
}

// Restore loads the stored document. A missing document yields (nil, nil).
// Any other failure must stop startup so the stored state is not overwritten.
func (s *Snapshotter) Restore(ctx context.Context) (*models.Snapshot, error) {
	data, err := s.store.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		observability.GlobalLogger.Info("No snapshot found, starting with empty state",
			slog.String("backend", s.store.Name()))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot in %s backend is unreadable: %w", s.store.Name(), err)
	}
	room, private := doc.MessageCount()
	observability.GlobalLogger.Info("Snapshot restored",
		slog.String("backend", s.store.Name()),
		slog.Int("identities", len(doc.Identities)),
		slog.Int("rooms", len(doc.Rooms)),
		slog.Int("room_messages", room),
		slog.Int("private_messages", private),
		slog.Time("saved_at", doc.SavedAt),
	)
	return doc, nil
}

// Run flushes on every interval until ctx is done.
func (s *Snapshotter) Run(ctx context.Context, source Source) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx, source, "interval"); err != nil {
				observability.LogAsyncOperationError(ctx, "snapshot.flush", err, map[string]interface{}{
					"backend": s.store.Name(),
				})
			}
		}
	}
}

// Flush captures state from source and writes it when the revision changed.
// Store failures come back as TransientErrors; the next flush retries.
func (s *Snapshotter) Flush(ctx context.Context, source Source, reason string) error {
	doc, rev, err := source(ctx)
	if err != nil {
		return models.NewTransientError("capture snapshot", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written && rev == s.lastRev {
		return nil
	}
	if err := s.write(ctx, doc, reason); err != nil {
		return err
	}
	s.written = true
	s.lastRev = rev
	return nil
}

// Write persists doc unconditionally. It is used for the emergency path
// where the coordinator loop can no longer serve a Source.
func (s *Snapshotter) Write(ctx context.Context, doc *models.Snapshot, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, doc, reason)
}

func (s *Snapshotter) write(ctx context.Context, doc *models.Snapshot, reason string) error {
	ctx, span := observability.TraceSnapshot(ctx, s.store.Name(), reason)
	defer span.End()

	start := time.Now()
	data, err := Encode(doc, s.opts.Format, s.opts.Compress)
	if err != nil {
		span.SetError(err)
		observability.SnapshotWrites.WithLabelValues(s.store.Name(), "encode_error").Inc()
		return models.NewInternalError(err)
	}

	if err := s.store.Save(ctx, data); err != nil {
		span.SetError(err)
		observability.SnapshotWrites.WithLabelValues(s.store.Name(), "error").Inc()
		observability.GlobalLogger.WarnContext(ctx, "Snapshot write failed",
			slog.String("backend", s.store.Name()),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return models.NewTransientError("snapshot write failed", err)
	}

	elapsed := time.Since(start)
	span.AddAttributes(attribute.Int("snapshot.bytes", len(data)))
	observability.SnapshotWrites.WithLabelValues(s.store.Name(), "ok").Inc()
	observability.SnapshotDuration.Observe(elapsed.Seconds())
	observability.SnapshotBytes.Set(float64(len(data)))
	observability.GlobalLogger.DebugContext(ctx, "Snapshot written",
		slog.String("backend", s.store.Name()),
		slog.String("reason", reason),
		slog.Int("bytes", len(data)),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}
