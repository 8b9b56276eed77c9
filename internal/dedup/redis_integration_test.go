//go:build integration

package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisMarksOnce(t *testing.T) {
	addr := os.Getenv("TRUSTGATE_TEST_REDIS")
	if addr == "" {
		t.Skip("TRUSTGATE_TEST_REDIS not set")
	}
	r := NewRedis(RedisOptions{Address: addr, Prefix: "trustgate:test:", TTL: time.Minute})
	defer r.Close()
	ctx := context.Background()
	require.NoError(t, r.Ping(ctx))

	id := uuid.NewString()
	ok, err := r.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}
