package session

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"coldroom/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	defaultOnlineSetKey      = "coldroom:online"
	defaultLastSeenKeyPrefix = "coldroom:lastseen:"
	defaultMirrorBuffer      = 1024
	mirrorOpTimeout          = 2 * time.Second
)

type presenceOp int

const (
	opOnline presenceOp = iota
	opSeen
	opOffline
)

type presenceUpdate struct {
	op         presenceOp
	identityID string
	at         time.Time
}

// MirrorConfig controls the Redis presence mirror.
type MirrorConfig struct {
	OnlineSetKey      string
	LastSeenKeyPrefix string
	LastSeenTTL       time.Duration
	Buffer            int
}

// RedisMirror copies presence transitions to Redis: an online set plus a
// last-seen key per identity with a TTL. Updates are queued without blocking
// and written by Run; a full queue drops the update.
type RedisMirror struct {
	rdb     *redis.Client
	updates chan presenceUpdate

	onlineSetKey      string
	lastSeenKeyPrefix string
	lastSeenTTL       time.Duration
}

// NewRedisMirror creates a mirror. Call Run to start writing.
func NewRedisMirror(rdb *redis.Client, cfg MirrorConfig) *RedisMirror {
	m := &RedisMirror{
		rdb:               rdb,
		onlineSetKey:      defaultOnlineSetKey,
		lastSeenKeyPrefix: defaultLastSeenKeyPrefix,
		lastSeenTTL:       5 * time.Minute,
	}
	if cfg.OnlineSetKey != "" {
		m.onlineSetKey = cfg.OnlineSetKey
	}
	if cfg.LastSeenKeyPrefix != "" {
		m.lastSeenKeyPrefix = cfg.LastSeenKeyPrefix
	}
	if cfg.LastSeenTTL > 0 {
		m.lastSeenTTL = cfg.LastSeenTTL
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultMirrorBuffer
	}
	m.updates = make(chan presenceUpdate, buffer)
	return m
}

func (m *RedisMirror) enqueue(u presenceUpdate) {
	select {
	case m.updates <- u:
	default:
		observability.PresenceMirrorErrors.WithLabelValues("queue_full").Inc()
	}
}

func (m *RedisMirror) Online(identityID string, at time.Time) {
	m.enqueue(presenceUpdate{op: opOnline, identityID: identityID, at: at})
}

func (m *RedisMirror) Seen(identityID string, at time.Time) {
	m.enqueue(presenceUpdate{op: opSeen, identityID: identityID, at: at})
}

func (m *RedisMirror) Offline(identityID string, at time.Time) {
	m.enqueue(presenceUpdate{op: opOffline, identityID: identityID, at: at})
}

// Run drains queued updates until ctx is cancelled, then clears the online set.
func (m *RedisMirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
			if err := m.rdb.Del(cleanup, m.onlineSetKey).Err(); err != nil {
				observability.GlobalLogger.Warn("presence mirror cleanup failed", slog.String("error", err.Error()))
			}
			cancel()
			return
		case u := <-m.updates:
			m.apply(ctx, u)
		}
	}
}

// Drain applies every queued update synchronously.
func (m *RedisMirror) Drain(ctx context.Context) {
	for {
		select {
		case u := <-m.updates:
			m.apply(ctx, u)
		default:
			return
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, u presenceUpdate) {
	ctx, cancel := context.WithTimeout(ctx, mirrorOpTimeout)
	defer cancel()

	var err error
	switch u.op {
	case opOnline, opSeen:
		pipe := m.rdb.TxPipeline()
		pipe.SAdd(ctx, m.onlineSetKey, u.identityID)
		pipe.SetEx(ctx, m.lastSeenKey(u.identityID), strconv.FormatInt(u.at.Unix(), 10), m.lastSeenTTL)
		_, err = pipe.Exec(ctx)
	case opOffline:
		err = m.rdb.SRem(ctx, m.onlineSetKey, u.identityID).Err()
	}
	if err != nil {
		observability.PresenceMirrorErrors.WithLabelValues("redis").Inc()
		observability.GlobalLogger.Warn("presence mirror write failed",
			slog.String("user_id", u.identityID),
			slog.String("error", err.Error()),
		)
	}
}

// OnlineIDs reads the mirrored online set, skipping members whose last-seen key expired.
func (m *RedisMirror) OnlineIDs(ctx context.Context) ([]string, error) {
	members, err := m.rdb.SMembers(ctx, m.onlineSetKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(members))
	for _, id := range members {
		exists, err := m.rdb.Exists(ctx, m.lastSeenKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			_ = m.rdb.SRem(ctx, m.onlineSetKey, id).Err()
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (m *RedisMirror) lastSeenKey(identityID string) string {
	return m.lastSeenKeyPrefix + identityID
}
