package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trustgate/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryMarksOnce(t *testing.T) {
	m := NewMemory(time.Hour, 0)
	defer m.Close()
	ctx := context.Background()

	first, err := m.MarkSeen(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := m.MarkSeen(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, again)

	other, _ := m.MarkSeen(ctx, "n2")
	assert.True(t, other)
}

func TestMemoryConcurrentAtMostOnce(t *testing.T) {
	m := NewMemory(time.Hour, 100)
	defer m.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.MarkSeen(context.Background(), "same-id"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(20*time.Millisecond, 0)
	defer m.Close()
	ctx := context.Background()

	ok, _ := m.MarkSeen(ctx, "n1")
	require.True(t, ok)
	time.Sleep(40 * time.Millisecond)
	ok, _ = m.MarkSeen(ctx, "n1")
	assert.True(t, ok, "expired ids may be processed again")
}

func TestMemoryCapacityBound(t *testing.T) {
	m := NewMemory(time.Hour, 10)
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		ok, err := m.MarkSeen(ctx, fmt.Sprintf("n%d", i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.LessOrEqual(t, m.Len(), 10)
	}

	// The newest id is always retained.
	ok, _ := m.MarkSeen(ctx, "n49")
	assert.False(t, ok)
}

func TestMemoryEvictsInBatches(t *testing.T) {
	m := NewMemory(time.Hour, 100)
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		ok, err := m.MarkSeen(ctx, fmt.Sprintf("n%d", i))
		require.NoError(t, err)
		require.True(t, ok)
		require.LessOrEqual(t, m.Len(), 100)
	}

	// Each batch frees about a tenth of the capacity, so 900 overflowing ids
	// need about 90 scans, not 900.
	m.evictMu.Lock()
	batches := m.batches
	m.evictMu.Unlock()
	assert.LessOrEqual(t, batches, 91)
	assert.Greater(t, batches, 0)

	// The oldest ids went first.
	ok, _ := m.MarkSeen(ctx, "n999")
	assert.False(t, ok)
	ok, _ = m.MarkSeen(ctx, "n0")
	assert.True(t, ok)
}

type brokenSet struct{ calls atomic.Int32 }

func (b *brokenSet) MarkSeen(context.Context, string) (bool, error) {
	b.calls.Add(1)
	return false, errors.New("connection refused")
}
func (b *brokenSet) Close() error { return nil }

func TestFallbackUsesSecondaryOnError(t *testing.T) {
	primary := &brokenSet{}
	f := &fallbackSet{primary: primary, secondary: NewMemory(time.Hour, 0)}
	defer f.Close()
	ctx := context.Background()

	ok, err := f.MarkSeen(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = f.MarkSeen(ctx, "n1")
	assert.False(t, ok)
	assert.Equal(t, int32(2), primary.calls.Load())
}

func TestNewBackends(t *testing.T) {
	s, err := New(config.DedupConfig{Backend: "memory", Capacity: 5}, time.Hour)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
	require.NoError(t, s.Close())

	s, err = New(config.DedupConfig{Backend: "redis", RedisAddress: "127.0.0.1:1"}, time.Hour)
	require.NoError(t, err)
	assert.IsType(t, &fallbackSet{}, s)
	require.NoError(t, s.Close())

	_, err = New(config.DedupConfig{Backend: "etcd"}, time.Hour)
	assert.Error(t, err)
}
