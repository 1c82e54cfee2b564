// Package monitor periodically reports executor, pool and host statistics
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/whrit/flow-agent-sub011/internal/cache"
	"github.com/whrit/flow-agent-sub011/internal/core"
	"github.com/whrit/flow-agent-sub011/internal/executor"
	"github.com/whrit/flow-agent-sub011/internal/pool"
)

const archiveTimeLayout = "200601021504"

// Source 报告的数据来源，*executor.Executor 实现了该接口
type Source interface {
	Metrics() executor.Metrics
	PoolStats() pool.Stats
	CacheStats() (cache.Stats, bool)
}

// Report 一次上报的内容
type Report struct {
	Time     time.Time        `json:"time"`
	Executor executor.Metrics `json:"executor"`
	Pool     pool.Stats       `json:"pool"`
	Cache    *cache.Stats     `json:"cache,omitempty"`
	Host     *HostStats       `json:"host,omitempty"`
}

// ReporterConfig 上报配置
type ReporterConfig struct {
	Spec          string // cron 表达式，支持秒级与 @every
	ArchivePrefix string
	ArchiveTTL    time.Duration
}

// Reporter 定时采集并记录统计，配置了 Redis 时写入归档哈希
type Reporter struct {
	cfg     ReporterConfig
	source  Source
	sampler Sampler
	redis   *redis.Client
	logger  zerolog.Logger
	now     func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	running bool

	last atomic.Pointer[Report]
	runs atomic.Int64
}

// NewReporter creates a reporter. sampler and client may be nil.
func NewReporter(cfg ReporterConfig, source Source, sampler Sampler, client *redis.Client) *Reporter {
	if cfg.Spec == "" {
		cfg.Spec = "@every 1m"
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "flow:stats"
	}
	if cfg.ArchiveTTL <= 0 {
		cfg.ArchiveTTL = 72 * time.Hour
	}
	return &Reporter{
		cfg:     cfg,
		source:  source,
		sampler: sampler,
		redis:   client,
		logger:  core.GetLogger(core.ComponentMonitor),
		now:     time.Now,
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start 注册定时任务并启动
func (r *Reporter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reporter is already running")
	}
	if _, err := r.cron.AddFunc(r.cfg.Spec, r.job); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", r.cfg.Spec, err)
	}
	r.cron.Start()
	r.running = true

	r.logger.Info().Str("spec", r.cfg.Spec).Bool("archive", r.redis != nil).Msg("Stats reporter started")
	return nil
}

// Stop 停止调度并等待正在执行的上报完成
func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.running = false
	r.logger.Info().Int64("runs", r.runs.Load()).Msg("Stats reporter stopped")
}

// Last 最近一次报告
func (r *Reporter) Last() *Report {
	return r.last.Load()
}

// Runs 已执行次数
func (r *Reporter) Runs() int64 {
	return r.runs.Load()
}

func (r *Reporter) job() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("Stats report failed")
	}
}

// RunOnce 采集、记录并归档一次
func (r *Reporter) RunOnce(ctx context.Context) (*Report, error) {
	report := r.Collect()
	r.last.Store(report)
	r.runs.Add(1)

	ev := r.logger.Info().
		Int64("total_executed", report.Executor.TotalExecuted).
		Int64("failed", report.Executor.Failed).
		Dur("avg_duration", report.Executor.AverageDuration).
		Float64("cache_hit_rate", report.Executor.CacheHitRate).
		Int("queue_length", report.Executor.QueueLength).
		Int("active", report.Executor.ActiveExecutions).
		Int("pool_total", report.Pool.Total).
		Int("pool_in_use", report.Pool.InUse).
		Int("pool_waiting", report.Pool.Waiting)
	if report.Host != nil {
		ev = ev.Float64("cpu_percent", report.Host.CPUPercent).Float64("mem_percent", report.Host.MemPercent)
	}
	ev.Msg("Stats report")

	if r.redis == nil {
		return report, nil
	}
	if err := r.archive(ctx, report); err != nil {
		return report, err
	}
	return report, nil
}

// Collect 只采集不记录
func (r *Reporter) Collect() *Report {
	report := &Report{
		Time:     r.now(),
		Executor: r.source.Metrics(),
		Pool:     r.source.PoolStats(),
	}
	if stats, ok := r.source.CacheStats(); ok {
		report.Cache = &stats
	}
	if r.sampler != nil {
		host, err := r.sampler.Sample()
		if err != nil {
			r.logger.Debug().Err(err).Msg("Failed to sample host stats")
		} else {
			report.Host = host
		}
	}
	return report
}

// ArchiveKey 按分钟分桶的归档 key
func (r *Reporter) ArchiveKey(t time.Time) string {
	return r.cfg.ArchivePrefix + ":" + t.Format(archiveTimeLayout)
}

func (r *Reporter) archive(ctx context.Context, report *Report) error {
	key := r.ArchiveKey(report.Time)

	pipe := r.redis.Pipeline()
	pipe.HSet(ctx, key, archiveFields(report)...)
	pipe.Expire(ctx, key, r.cfg.ArchiveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("archive stats to %s: %w", key, err)
	}
	return nil
}

// archiveFields 展开为有序的 field/value 对
func archiveFields(report *Report) []interface{} {
	m := report.Executor
	p := report.Pool
	fields := []interface{}{
		"total_executed", strconv.FormatInt(m.TotalExecuted, 10),
		"succeeded", strconv.FormatInt(m.Succeeded, 10),
		"failed", strconv.FormatInt(m.Failed, 10),
		"avg_duration_ms", strconv.FormatInt(m.AverageDuration.Milliseconds(), 10),
		"max_duration_ms", strconv.FormatInt(m.MaxDuration.Milliseconds(), 10),
		"slow_tasks", strconv.FormatInt(m.SlowTasks, 10),
		"cache_hits", strconv.FormatInt(m.CacheHits, 10),
		"cache_misses", strconv.FormatInt(m.CacheMisses, 10),
		"pool_total", strconv.Itoa(p.Total),
		"pool_in_use", strconv.Itoa(p.InUse),
		"pool_timeouts", strconv.FormatInt(p.Timeouts, 10),
	}
	if report.Host != nil {
		fields = append(fields,
			"cpu_percent", strconv.FormatFloat(report.Host.CPUPercent, 'f', 2, 64),
			"mem_percent", strconv.FormatFloat(report.Host.MemPercent, 'f', 2, 64),
		)
	}
	return fields
}
