// Package cache provides a size-bounded TTL cache with LRU eviction
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog/log"
)

const defaultSweepInterval = time.Minute

var (
	ErrInvalidMaxSize       = errors.New("cache: max size must be positive")
	ErrInvalidTTL           = errors.New("cache: default ttl must be positive")
	ErrInvalidSweepInterval = errors.New("cache: sweep interval must not be negative")
)

// Config 缓存配置
type Config[K comparable, V any] struct {
	MaxSize       int
	DefaultTTL    time.Duration
	SweepInterval time.Duration // 0 使用默认 1 分钟
	OnExpire      func(key K, value V)
	Now           func() time.Time // 可注入时钟，默认 time.Now
}

// Stats 缓存统计
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	HitRate     float64 `json:"hit_rate"`
}

type entry[V any] struct {
	value        V
	expireAt     time.Time
	createdAt    time.Time
	accessCount  int64
	lastAccessAt time.Time
}

type expired[K comparable, V any] struct {
	key   K
	value V
}

// TTLCache 带过期时间的 LRU 缓存，可并发使用
type TTLCache[K comparable, V any] struct {
	maxSize    int
	defaultTTL time.Duration
	onExpire   func(K, V)
	now        func() time.Time

	mu     sync.Mutex
	lru    *simplelru.LRU[K, *entry[V]]
	closed bool

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	// firing 正在执行的 OnExpire 回调
	firing sync.WaitGroup
}

// New 创建缓存并启动后台清理协程
func New[K comparable, V any](cfg Config[K, V]) (*TTLCache[K, V], error) {
	if cfg.MaxSize <= 0 {
		return nil, ErrInvalidMaxSize
	}
	if cfg.DefaultTTL <= 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.SweepInterval < 0 {
		return nil, ErrInvalidSweepInterval
	}
	interval := cfg.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	// 容量满时手动淘汰，simplelru 自身不会触发淘汰
	l, err := simplelru.NewLRU[K, *entry[V]](cfg.MaxSize, nil)
	if err != nil {
		return nil, err
	}

	c := &TTLCache[K, V]{
		maxSize:    cfg.MaxSize,
		defaultTTL: cfg.DefaultTTL,
		onExpire:   cfg.OnExpire,
		now:        now,
		lru:        l,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	go c.sweepLoop(interval)
	return c, nil
}

// Set 使用默认 TTL 写入
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL 写入并指定 TTL，ttl <= 0 时使用默认 TTL
func (c *TTLCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	var fired []expired[K, V]

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := c.now()

	if e, ok := c.lru.Peek(key); ok {
		e.value = value
		e.expireAt = now.Add(ttl)
		e.lastAccessAt = now
		c.lru.Add(key, e)
		c.mu.Unlock()
		return
	}

	if c.lru.Len() >= c.maxSize {
		if k, victim, ok := c.lru.RemoveOldest(); ok {
			if !now.Before(victim.expireAt) {
				c.expirations++
				fired = append(fired, expired[K, V]{k, victim.value})
			} else {
				c.evictions++
			}
		}
	}

	c.lru.Add(key, &entry[V]{
		value:        value,
		expireAt:     now.Add(ttl),
		createdAt:    now,
		lastAccessAt: now,
	})
	c.mu.Unlock()

	c.fire(fired)
}

// Get 读取缓存，命中时刷新 LRU 位置
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V

	c.mu.Lock()
	e, ok := c.lru.Peek(key)
	if !ok {
		c.misses++
		c.mu.Unlock()
		return zero, false
	}

	now := c.now()
	if !now.Before(e.expireAt) {
		c.lru.Remove(key)
		c.misses++
		c.expirations++
		c.mu.Unlock()
		c.fire([]expired[K, V]{{key, e.value}})
		return zero, false
	}

	c.lru.Get(key)
	e.accessCount++
	e.lastAccessAt = now
	c.hits++
	value := e.value
	c.mu.Unlock()
	return value, true
}

// Has 判断键是否存在且未过期，不影响 LRU 顺序和命中统计
func (c *TTLCache[K, V]) Has(key K) bool {
	c.mu.Lock()
	e, ok := c.lru.Peek(key)
	if !ok {
		c.mu.Unlock()
		return false
	}
	if !c.now().Before(e.expireAt) {
		c.lru.Remove(key)
		c.expirations++
		c.mu.Unlock()
		c.fire([]expired[K, V]{{key, e.value}})
		return false
	}
	c.mu.Unlock()
	return true
}

// Touch 延长未过期条目的有效期，已过期或不存在时返回 false
func (c *TTLCache[K, V]) Touch(key K, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	e, ok := c.lru.Peek(key)
	if !ok {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	if !now.Before(e.expireAt) {
		c.lru.Remove(key)
		c.expirations++
		c.mu.Unlock()
		c.fire([]expired[K, V]{{key, e.value}})
		return false
	}
	e.expireAt = now.Add(ttl)
	e.lastAccessAt = now
	c.lru.Get(key)
	c.mu.Unlock()
	return true
}

// Delete 删除条目
func (c *TTLCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// Clear 清空缓存，不触发过期回调
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len 返回清理过期条目后的数量
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	fired := c.removeExpiredLocked(c.now())
	n := c.lru.Len()
	c.mu.Unlock()

	c.fire(fired)
	return n
}

// Stats 返回统计快照
func (c *TTLCache[K, V]) Stats() Stats {
	c.mu.Lock()
	fired := c.removeExpiredLocked(c.now())
	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Size:        c.lru.Len(),
		MaxSize:     c.maxSize,
	}
	c.mu.Unlock()

	c.fire(fired)
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Close 停止后台清理并清空缓存，可重复调用。
// 返回前等待进行中的 OnExpire 回调结束，之后不再触发回调，因此 OnExpire 中不能调用 Close
func (c *TTLCache[K, V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh

		c.mu.Lock()
		c.closed = true
		c.lru.Purge()
		c.mu.Unlock()

		c.firing.Wait()
	})
}

func (c *TTLCache[K, V]) sweepLoop(interval time.Duration) {
	defer close(c.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("Cache sweep removed expired entries")
			}
		}
	}
}

// sweep 主动清理全部过期条目，返回清理数量
func (c *TTLCache[K, V]) sweep() int {
	c.mu.Lock()
	fired := c.removeExpiredLocked(c.now())
	c.mu.Unlock()

	c.fire(fired)
	return len(fired)
}

// removeExpiredLocked 调用方须持有 c.mu
func (c *TTLCache[K, V]) removeExpiredLocked(now time.Time) []expired[K, V] {
	var fired []expired[K, V]
	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if !ok || now.Before(e.expireAt) {
			continue
		}
		c.lru.Remove(k)
		c.expirations++
		fired = append(fired, expired[K, V]{k, e.value})
	}
	return fired
}

// fire 在锁外执行回调，缓存已关闭时丢弃
func (c *TTLCache[K, V]) fire(items []expired[K, V]) {
	if c.onExpire == nil || len(items) == 0 {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.firing.Add(1)
	c.mu.Unlock()
	defer c.firing.Done()

	for _, it := range items {
		c.onExpire(it.key, it.value)
	}
}
