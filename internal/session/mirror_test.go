package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisMirror(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m := NewRedisMirror(rdb, MirrorConfig{LastSeenTTL: time.Minute})
	ctx := context.Background()

	m.Online("user_a", t0)
	m.Online("user_b", t0)
	m.Offline("user_b", t0)
	m.Drain(ctx)

	ids, err := m.OnlineIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user_a"}, ids)
	assert.True(t, mr.Exists("coldroom:lastseen:user_a"))

	mr.FastForward(2 * time.Minute)
	ids, err = m.OnlineIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "expired last-seen keys are pruned")
}

func TestRedisMirror_RunClearsOnShutdown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	m := NewRedisMirror(rdb, MirrorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.Seen("user_a", t0)
	assert.Eventually(t, func() bool {
		return mr.Exists("coldroom:online")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.False(t, mr.Exists("coldroom:online"))
}
