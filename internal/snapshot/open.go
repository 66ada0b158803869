package snapshot

import (
	"fmt"

	"coldroom/internal/config"
	"coldroom/internal/database"

	"github.com/redis/go-redis/v9"
)

// OpenStore builds the store selected by SNAPSHOT_BACKEND. rdb is reused for
// the redis backend when non-nil; otherwise a client is dialed from REDIS_URL.
// The returned close func releases whatever OpenStore opened itself.
func OpenStore(cfg *config.Config, rdb *redis.Client) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.SnapshotBackend {
	case "", "file":
		return NewFileStore(cfg.DataFile), noop, nil

	case "redis":
		if rdb != nil {
			return NewRedisStore(rdb, cfg.SnapshotRedisKey), noop, nil
		}
		if cfg.RedisURL == "" {
			return nil, nil, fmt.Errorf("snapshot backend redis requires REDIS_URL")
		}
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		return NewRedisStore(client, cfg.SnapshotRedisKey), client.Close, nil

	case "sqlite", "postgres":
		db, err := database.Connect(cfg)
		if err != nil {
			return nil, nil, err
		}
		store, err := NewSQLStore(db, cfg.SnapshotBackend)
		if err != nil {
			_ = database.Close(db)
			return nil, nil, err
		}
		return store, func() error { return database.Close(db) }, nil
	}
	return nil, nil, fmt.Errorf("unknown snapshot backend %q", cfg.SnapshotBackend)
}
