package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"coldroom/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{"file", config.Config{SnapshotBackend: "file", DataFile: filepath.Join(dir, "state.snapshot")}, "file"},
		{"default is file", config.Config{DataFile: filepath.Join(dir, "default.snapshot")}, "file"},
		{"redis", config.Config{SnapshotBackend: "redis", RedisURL: "redis://" + mr.Addr(), SnapshotRedisKey: "coldroom:test"}, "redis"},
		{"sqlite", config.Config{SnapshotBackend: "sqlite", DataFile: filepath.Join(dir, "db", "state.db")}, "sqlite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, closeFn, err := OpenStore(&tt.cfg, nil)
			require.NoError(t, err)
			defer func() { assert.NoError(t, closeFn()) }()
			assert.Equal(t, tt.want, store.Name())

			ctx := context.Background()
			_, err = store.Load(ctx)
			assert.ErrorIs(t, err, ErrNoSnapshot)
			require.NoError(t, store.Save(ctx, []byte(`{"version":1}`)))
			data, err := store.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, `{"version":1}`, string(data))
		})
	}
}

func TestOpenStore_Errors(t *testing.T) {
	_, _, err := OpenStore(&config.Config{SnapshotBackend: "redis"}, nil)
	assert.Error(t, err)
	_, _, err = OpenStore(&config.Config{SnapshotBackend: "tape"}, nil)
	assert.Error(t, err)
}
