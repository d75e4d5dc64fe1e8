package cache

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestKey_StableAcrossMapOrder(t *testing.T) {
	a, err := Key("read_file", map[string]any{"path": "/a", "offset": 0, "limit": 10})
	require.NoError(t, err)
	b, err := Key("read_file", map[string]any{"limit": 10, "offset": 0, "path": "/a"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Key("search_code", map[string]any{"path": "/a", "offset": 0, "limit": 10})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestGetOrCompute_TTL(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), WithClock(clk.now))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	var computed atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		n := computed.Add(1)
		return []byte{byte('0' + n)}, nil
	}

	v1, hit, err := c.GetOrCompute(ctx, "k", "read_file", time.Minute, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	v2, hit, err := c.GetOrCompute(ctx, "k", "read_file", time.Minute, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), computed.Load())

	clk.advance(2 * time.Minute)
	v3, hit, err := c.GetOrCompute(ctx, "k", "read_file", time.Minute, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("2"), v3)
	assert.Equal(t, int32(2), computed.Load(), "exactly one recomputation after expiry")
}

func TestGetOrCompute_ConcurrentMissComputesOnce(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)

	var computed atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		computed.Add(1)
		<-release
		return []byte("value"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.GetOrCompute(context.Background(), "same", "read_file", time.Minute, compute)
			assert.NoError(t, err)
			assert.Equal(t, []byte("value"), v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), computed.Load())
}

func TestDurableLevelSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c1.Put(ctx, "k", "read_file", []byte("persisted"), time.Hour))
	require.NoError(t, c1.Close())

	c2, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c2.Close() })
	v, ok := c2.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("persisted"), v)
	assert.Equal(t, int64(1), c2.Stats().Hits)
}

func TestPurgeExpired(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), WithClock(clk.now))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "short", "t", []byte("a"), time.Second))
	require.NoError(t, c.Put(ctx, "long", "t", []byte("b"), time.Hour))
	clk.advance(time.Minute)

	n, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one from memory and one from sqlite")
	_, ok := c.Get(ctx, "long")
	assert.True(t, ok)
}
