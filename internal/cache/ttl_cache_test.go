package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, maxSize int, clock *fakeClock, onExpire func(string, int)) *TTLCache[string, int] {
	t.Helper()
	c, err := New(Config[string, int]{
		MaxSize:       maxSize,
		DefaultTTL:    time.Hour,
		SweepInterval: time.Hour,
		OnExpire:      onExpire,
		Now:           clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config[string, int]
		want error
	}{
		{"zero max size", Config[string, int]{MaxSize: 0, DefaultTTL: time.Second}, ErrInvalidMaxSize},
		{"zero ttl", Config[string, int]{MaxSize: 1}, ErrInvalidTTL},
		{"negative sweep", Config[string, int]{MaxSize: 1, DefaultTTL: time.Second, SweepInterval: -1}, ErrInvalidSweepInterval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestTTL_Expiry 条目在 TTL 内可读，过期后不可读且只计一次过期
func TestTTL_Expiry(t *testing.T) {
	clock := newFakeClock()
	var expiredKeys []string
	c := newTestCache(t, 10, clock, func(k string, _ int) { expiredKeys = append(expiredKeys, k) })

	c.SetWithTTL("k", 1, 50*time.Millisecond)

	clock.Advance(10 * time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(50 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Expirations)

	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Expirations)
	assert.Equal(t, []string{"k"}, expiredKeys)
}

func TestSet_DefaultTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 10, clock, nil)

	c.Set("k", 1)
	clock.Advance(59 * time.Minute)
	assert.True(t, c.Has("k"))
	clock.Advance(time.Minute)
	assert.False(t, c.Has("k"))
}

// TestMaxSize_EvictsLeastRecentlyUsed Get 过的键在淘汰时保留
func TestMaxSize_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 3, clock, nil)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 3, stats.Size)
	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.True(t, c.Has("d"))
}

// TestHas_DoesNotBumpRecency Has 只是窥视，不改变 LRU 顺序
func TestHas_DoesNotBumpRecency(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 3, clock, nil)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	assert.True(t, c.Has("a"))
	c.Set("d", 4)

	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))

	stats := c.Stats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(0), stats.Misses)
}

func TestSet_OverwriteIsNotEviction(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 2, clock, nil)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)

	assert.Equal(t, int64(0), c.Stats().Evictions)
	assert.Equal(t, 2, c.Len())

	v, _ := c.Get("a")
	assert.Equal(t, 10, v)

	// 覆盖刷新了 a 的位置，因此淘汰 b
	c.Set("c", 3)
	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
}

func TestSet_OverwriteRefreshesExpiry(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 2, clock, nil)

	c.SetWithTTL("a", 1, 100*time.Millisecond)
	clock.Advance(80 * time.Millisecond)
	c.SetWithTTL("a", 2, 100*time.Millisecond)
	clock.Advance(80 * time.Millisecond)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

// TestEviction_ExpiredVictimCountsAsExpiration 被挤出的条目若已过期，记为过期而非淘汰
func TestEviction_ExpiredVictimCountsAsExpiration(t *testing.T) {
	clock := newFakeClock()
	var expiredKeys []string
	c := newTestCache(t, 2, clock, func(k string, _ int) { expiredKeys = append(expiredKeys, k) })

	c.SetWithTTL("a", 1, 10*time.Millisecond)
	c.Set("b", 2)
	clock.Advance(20 * time.Millisecond)
	c.Set("c", 3)

	c.mu.Lock()
	evictions, expirations := c.evictions, c.expirations
	c.mu.Unlock()
	assert.Equal(t, int64(0), evictions)
	assert.Equal(t, int64(1), expirations)
	assert.Equal(t, []string{"a"}, expiredKeys)
}

func TestTouch(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 10, clock, nil)

	c.SetWithTTL("live", 1, 50*time.Millisecond)
	c.SetWithTTL("dead", 2, 10*time.Millisecond)
	clock.Advance(20 * time.Millisecond)

	assert.True(t, c.Touch("live", time.Second))
	assert.False(t, c.Touch("dead", time.Second))
	assert.False(t, c.Touch("missing", time.Second))

	clock.Advance(500 * time.Millisecond)
	assert.True(t, c.Has("live"))
	// 过期条目不会被 Touch 复活
	assert.False(t, c.Has("dead"))
}

func TestDeleteAndClear(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 10, clock, nil)

	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has("b"))
}

// TestLen_LazyCleanup Len 不返回过期条目
func TestLen_LazyCleanup(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 10, clock, nil)

	c.SetWithTTL("a", 1, 10*time.Millisecond)
	c.SetWithTTL("b", 2, time.Hour)
	clock.Advance(20 * time.Millisecond)

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(1), c.Stats().Expirations)
}

func TestStats_HitRate(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(t, 10, clock, nil)

	assert.Equal(t, 0.0, c.Stats().HitRate)

	c.Set("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 0.0001)
	assert.Equal(t, 10, stats.MaxSize)
}

func TestSweep_RemovesExpiredInBackground(t *testing.T) {
	var fired atomic.Int32
	c, err := New(Config[string, int]{
		MaxSize:       10,
		DefaultTTL:    20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		OnExpire:      func(string, int) { fired.Add(1) },
	})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)

	assert.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, 5*time.Millisecond)
}

// TestClose_StopsSweeper Close 之后不再有任何回调
func TestClose_StopsSweeper(t *testing.T) {
	var fired atomic.Int32
	c, err := New(Config[string, int]{
		MaxSize:       10,
		DefaultTTL:    5 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
		OnExpire:      func(string, int) { fired.Add(1) },
	})
	require.NoError(t, err)

	c.Set("a", 1)
	c.Close()
	c.Close()

	after := fired.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, fired.Load())

	c.Set("b", 2)
	assert.Equal(t, 0, c.Len())
}

// TestClose_WaitsForInFlightCallback 与 Get 并发的 Close 等回调结束才返回，之后收集到的过期项不再回调
func TestClose_WaitsForInFlightCallback(t *testing.T) {
	clock := newFakeClock()
	started := make(chan struct{})
	release := make(chan struct{})
	var fired atomic.Int32
	c, err := New(Config[string, int]{
		MaxSize:       10,
		DefaultTTL:    time.Minute,
		SweepInterval: time.Hour,
		Now:           clock.Now,
		OnExpire: func(string, int) {
			if fired.Add(1) == 1 {
				close(started)
				<-release
			}
		},
	})
	require.NoError(t, err)

	c.Set("a", 1)
	clock.Advance(2 * time.Minute)
	go c.Get("a")
	<-started

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("回调执行中 Close 不应返回")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("回调结束后 Close 应返回")
	}

	// 关闭前已摘除但尚未回调的条目被丢弃
	c.fire([]expired[string, int]{{"b", 2}})
	assert.Equal(t, int32(1), fired.Load())
}

func TestConcurrentAccess_SizeBounded(t *testing.T) {
	c, err := New(Config[string, int]{MaxSize: 50, DefaultTTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k-%d-%d", g, i%100)
				c.Set(key, i)
				c.Get(key)
				c.Has(key)
			}
		}(g)
	}
	wg.Wait()

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Size, 50)
	assert.Equal(t, 50, stats.Size)
}
