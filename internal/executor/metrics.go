package executor

import (
	"sync/atomic"
	"time"
)

// Metrics 执行器指标快照，每次调用时由计数器现算
type Metrics struct {
	TotalExecuted     int64         `json:"total_executed"`
	Succeeded         int64         `json:"succeeded"`
	Failed            int64         `json:"failed"`
	AverageDuration   time.Duration `json:"average_duration"`
	MaxDuration       time.Duration `json:"max_duration"`
	SlowTasks         int64         `json:"slow_tasks"`
	CacheHits         int64         `json:"cache_hits"`
	CacheMisses       int64         `json:"cache_misses"`
	CacheHitRate      float64       `json:"cache_hit_rate"`
	QueueLength       int           `json:"queue_length"`
	ActiveExecutions  int           `json:"active_executions"`
	RejectedAfterStop int64         `json:"rejected_after_stop"`
}

type counters struct {
	succeeded     atomic.Int64
	failed        atomic.Int64
	totalDuration atomic.Int64
	maxDuration   atomic.Int64
	slow          atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	rejected      atomic.Int64
}

func (c *counters) observe(d time.Duration, ok bool) {
	if ok {
		c.succeeded.Add(1)
	} else {
		c.failed.Add(1)
	}
	c.totalDuration.Add(int64(d))
	for {
		cur := c.maxDuration.Load()
		if int64(d) <= cur || c.maxDuration.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

func (c *counters) snapshot(s *slots) Metrics {
	succeeded := c.succeeded.Load()
	failed := c.failed.Load()
	hits := c.cacheHits.Load()
	misses := c.cacheMisses.Load()

	m := Metrics{
		TotalExecuted:     succeeded + failed,
		Succeeded:         succeeded,
		Failed:            failed,
		MaxDuration:       time.Duration(c.maxDuration.Load()),
		SlowTasks:         c.slow.Load(),
		CacheHits:         hits,
		CacheMisses:       misses,
		QueueLength:       s.QueueLength(),
		ActiveExecutions:  s.Active(),
		RejectedAfterStop: c.rejected.Load(),
	}
	if m.TotalExecuted > 0 {
		m.AverageDuration = time.Duration(c.totalDuration.Load() / m.TotalExecuted)
	}
	if total := hits + misses; total > 0 {
		m.CacheHitRate = float64(hits) / float64(total)
	}
	return m
}
