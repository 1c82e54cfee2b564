// Package executor runs tasks against the pooled remote connections with result caching,
// bounded concurrency, metrics and an execution history.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/whrit/flow-agent-sub011/internal/artifact"
	"github.com/whrit/flow-agent-sub011/internal/cache"
	"github.com/whrit/flow-agent-sub011/internal/core"
	"github.com/whrit/flow-agent-sub011/internal/pool"
	"github.com/whrit/flow-agent-sub011/internal/remote"
	"github.com/whrit/flow-agent-sub011/internal/ringbuffer"
)

const (
	tracerName          = "github.com/whrit/flow-agent-sub011/internal/executor"
	defaultHistorySize  = 1000
	fallbackMaxTokens   = 1024
	oTELTaskCacheHit    = "TaskCacheHit"
	oTELTaskAcquired    = "TaskConnectionAcquired"
	oTELTaskCallStarted = "TaskCallStarted"
)

// ArtifactSink 任务产物的持久化出口，写入失败只记录日志
type ArtifactSink interface {
	Submit(a *artifact.Artifact)
	Flush(ctx context.Context) error
	Close() error
}

// Config 执行器配置
type Config struct {
	MaxConcurrency    int
	HistorySize       int // 0 使用默认 1000
	TaskTimeout       time.Duration
	SlowTaskThreshold time.Duration // 0 关闭慢任务检测
	RateLimit         float64       // 每秒请求数，0 不限速
	RateBurst         int
	DefaultModel      string
	DefaultMaxTokens  int
}

func (c *Config) validate() error {
	switch {
	case c.MaxConcurrency <= 0:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "max_concurrency must be positive")
	case c.HistorySize < 0:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "history_size must not be negative")
	case c.TaskTimeout <= 0:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "task_timeout must be positive")
	case c.SlowTaskThreshold < 0:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "slow_task_threshold must not be negative")
	case c.RateLimit < 0:
		return core.NewErrorWithDetail(core.ErrInvalidConfig, "rate_limit must not be negative")
	}
	if c.HistorySize == 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.DefaultMaxTokens <= 0 {
		c.DefaultMaxTokens = fallbackMaxTokens
	}
	return nil
}

// Option 执行器可选项
type Option func(*Executor)

// WithCache 启用结果缓存
func WithCache(c *cache.TTLCache[string, *TaskResult]) Option {
	return func(e *Executor) { e.cache = c }
}

// WithArtifactSink 启用产物持久化
func WithArtifactSink(s ArtifactSink) Option {
	return func(e *Executor) { e.sink = s }
}

// WithObserver 追加事件观察者，可多次使用
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithTracer 指定 tracer，默认使用全局 TracerProvider
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithLogger 指定日志
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// Executor 任务执行器
type Executor struct {
	cfg       Config
	pool      *pool.Pool[remote.Conn]
	cache     *cache.TTLCache[string, *TaskResult]
	sink      ArtifactSink
	observers multiObserver
	tracer    trace.Tracer
	logger    zerolog.Logger
	limiter   *rate.Limiter

	slots    *slots
	inflight *tracker
	history  *ringbuffer.RingBuffer[ExecutionRecord]
	counters counters

	slowThreshold atomic.Int64

	mu     sync.Mutex
	closed bool
}

// New creates an executor over the given pool
func New(cfg Config, p *pool.Pool[remote.Conn], opts ...Option) (*Executor, error) {
	if p == nil {
		return nil, core.NewErrorWithDetail(core.ErrInvalidConfig, "pool is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	history, err := ringbuffer.New[ExecutionRecord](cfg.HistorySize)
	if err != nil {
		return nil, core.NewErrorWithErr(core.ErrInvalidConfig, err)
	}

	e := &Executor{
		cfg:      cfg,
		pool:     p,
		tracer:   otel.Tracer(tracerName),
		logger:   core.GetLogger(core.ComponentExecutor),
		slots:    newSlots(cfg.MaxConcurrency),
		inflight: newTracker(),
		history:  history,
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	e.slowThreshold.Store(int64(cfg.SlowTaskThreshold))

	e.logger.Info().
		Int("max_concurrency", cfg.MaxConcurrency).
		Int("history_size", cfg.HistorySize).
		Dur("task_timeout", cfg.TaskTimeout).
		Bool("cache_enabled", e.cache != nil).
		Bool("artifact_enabled", e.sink != nil).
		Float64("rate_limit", cfg.RateLimit).
		Msg("Executor initialized")

	return e, nil
}

// ExecuteTask 执行单个任务；返回的错误总是 *core.AppError
func (e *Executor) ExecuteTask(ctx context.Context, task Task) (*TaskResult, error) {
	if !e.enter() {
		e.counters.rejected.Add(1)
		return nil, core.NewError(core.ErrExecutorShutdown)
	}
	defer e.inflight.done()

	e.normalize(&task)

	ctx, span := e.tracer.Start(ctx, "executor.ExecuteTask", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.model", task.Model),
	))
	defer span.End()

	var key string
	if e.cache != nil && !task.NoCache {
		key = e.CacheKey(&task)
		if cached, ok := e.cache.Get(key); ok {
			return e.onCacheHit(span, &task, cached), nil
		}
		e.counters.cacheMisses.Add(1)
	}
	span.SetAttributes(attribute.Bool("task.cache_hit", false))

	start := time.Now()
	result, connID, err := e.run(ctx, &task)
	duration := time.Since(start)

	if err != nil {
		appErr := Classify(err).WithContext("task_id", task.ID)
		e.onFailure(span, &task, connID, duration, appErr)
		return nil, appErr
	}

	result.StartedAt = start
	result.CompletedAt = start.Add(duration)
	result.Duration = duration
	e.onSuccess(span, &task, key, result)
	return result, nil
}

// ExecuteBatch 并发执行一批任务，结果顺序与输入一致，单个失败不影响其他任务
func (e *Executor) ExecuteBatch(ctx context.Context, tasks []Task) []Outcome {
	outcomes := make([]Outcome, len(tasks))

	var wg sync.WaitGroup
	for i := range tasks {
		task := tasks[i]
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		outcomes[i].Task = task

		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			result, err := e.ExecuteTask(ctx, task)
			if err != nil {
				outcomes[i].Err = Classify(err)
				return
			}
			outcomes[i].Result = result
		}(i, task)
	}
	wg.Wait()

	return outcomes
}

// WaitForPendingExecutions 等待进行中的任务完成，然后刷新产物写入
func (e *Executor) WaitForPendingExecutions(ctx context.Context) error {
	if err := e.inflight.wait(ctx); err != nil {
		return fmt.Errorf("wait for pending executions: %w", err)
	}
	if e.sink != nil {
		if err := e.sink.Flush(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to flush artifacts")
		}
	}
	return nil
}

// Shutdown 停止接收任务、等待进行中的任务、排空连接池并关闭缓存与产物写入
// 只有第一次调用生效
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	start := time.Now()
	e.logger.Info().Msg("Executor shutting down")

	waitErr := e.WaitForPendingExecutions(ctx)
	if waitErr != nil {
		e.logger.Warn().Err(waitErr).Msg("Pending executions did not finish before shutdown deadline")
	}

	if err := e.pool.Drain(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Connection pool drain incomplete")
	}
	if e.cache != nil {
		e.cache.Close()
	}
	if e.sink != nil {
		if err := e.sink.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close artifact sink")
		}
	}

	m := e.Metrics()
	e.logger.Info().
		Dur("elapsed", time.Since(start)).
		Int64("total_executed", m.TotalExecuted).
		Int64("succeeded", m.Succeeded).
		Int64("failed", m.Failed).
		Int64("cache_hits", m.CacheHits).
		Msg("Executor shutdown complete")

	return waitErr
}

// Metrics 返回指标快照
func (e *Executor) Metrics() Metrics {
	return e.counters.snapshot(e.slots)
}

// PoolStats 返回连接池统计
func (e *Executor) PoolStats() pool.Stats {
	return e.pool.Stats()
}

// CacheStats 返回缓存统计，未启用缓存时 ok 为 false
func (e *Executor) CacheStats() (cache.Stats, bool) {
	if e.cache == nil {
		return cache.Stats{}, false
	}
	return e.cache.Stats(), true
}

// History 返回最近 n 条执行记录，旧的在前
func (e *Executor) History(n int) []ExecutionRecord {
	return e.history.Recent(n)
}

// HistorySnapshot 返回历史缓冲区快照
func (e *Executor) HistorySnapshot() ringbuffer.Snapshot[ExecutionRecord] {
	return e.history.Snapshot()
}

// SetSlowTaskThreshold 热更新慢任务阈值，0 关闭
func (e *Executor) SetSlowTaskThreshold(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.slowThreshold.Store(int64(d))
}

// SlowTaskThreshold 当前慢任务阈值
func (e *Executor) SlowTaskThreshold() time.Duration {
	return time.Duration(e.slowThreshold.Load())
}

// CacheKey 计算任务的缓存键：显式 CacheKey 优先，否则为请求参数的 SHA-256
func (e *Executor) CacheKey(task *Task) string {
	if task.CacheKey != "" {
		return task.CacheKey
	}
	temp := "-"
	if task.Temperature != nil {
		temp = strconv.FormatFloat(*task.Temperature, 'g', -1, 64)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%s", task.Model, task.System, task.Prompt, task.MaxTokens, temp)
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Executor) enter() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.inflight.add()
	return true
}

func (e *Executor) normalize(task *Task) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Model == "" {
		task.Model = e.cfg.DefaultModel
	}
	if task.MaxTokens <= 0 {
		task.MaxTokens = e.cfg.DefaultMaxTokens
	}
}

type callResult struct {
	resp *remote.Response
	err  error
}

// run 占用并发名额与连接执行远端调用。调用协程负责归还连接与名额，
// 超时时调用方立即返回，连接在调用结束后才归还，不会被共享或泄漏。
func (e *Executor) run(ctx context.Context, task *Task) (*TaskResult, uint64, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.cfg.TaskTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.slots.Acquire(ctx); err != nil {
		return nil, 0, err
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		e.slots.Release()
		return nil, 0, err
	}
	connID := conn.ID()
	span := trace.SpanFromContext(ctx)
	span.AddEvent(oTELTaskAcquired, trace.WithAttributes(attribute.Int64("connection.id", int64(connID))))

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			e.release(conn)
			e.slots.Release()
			if ctx.Err() != nil {
				return nil, connID, ctx.Err()
			}
			return nil, connID, fmt.Errorf("rate limiter: %v: %w", err, context.DeadlineExceeded)
		}
	}

	done := make(chan callResult, 1)
	req := task.request()
	e.inflight.add()
	span.AddEvent(oTELTaskCallStarted)
	go func() {
		defer e.inflight.done()
		resp, err := conn.Resource().Call(ctx, req)
		e.release(conn)
		e.slots.Release()
		done <- callResult{resp: resp, err: err}
	}()

	var r callResult
	select {
	case r = <-done:
	case <-ctx.Done():
		select {
		case r = <-done:
		default:
			return nil, connID, ctx.Err()
		}
	}

	if r.err != nil {
		return nil, connID, r.err
	}
	if r.resp == nil {
		return nil, connID, errors.New("remote returned empty response")
	}

	return &TaskResult{
		TaskID:       task.ID,
		Success:      true,
		Output:       r.resp.Text(),
		Usage:        r.resp.Usage,
		Model:        r.resp.Model,
		StopReason:   r.resp.StopReason,
		ConnectionID: connID,
	}, connID, nil
}

func (e *Executor) release(conn *pool.Connection[remote.Conn]) {
	if err := e.pool.Release(conn); err != nil {
		e.logger.Error().Err(err).Uint64("connection_id", conn.ID()).Msg("Failed to release connection")
	}
}

func (e *Executor) onCacheHit(span trace.Span, task *Task, cached *TaskResult) *TaskResult {
	e.counters.cacheHits.Add(1)
	span.SetAttributes(attribute.Bool("task.cache_hit", true))
	span.AddEvent(oTELTaskCacheHit, trace.WithTimestamp(time.Now().UTC()))

	result := cached.clone()
	result.TaskID = task.ID
	result.CacheHit = true

	e.history.Push(ExecutionRecord{TaskID: task.ID, Status: StatusCached, Timestamp: time.Now()})
	e.emit(Event{Type: EventTaskCacheHit, TaskID: task.ID})
	e.logger.Debug().Str("task_id", task.ID).Msg("Task served from cache")
	return result
}

func (e *Executor) onSuccess(span trace.Span, task *Task, key string, result *TaskResult) {
	if e.sink != nil {
		e.sink.Submit(&artifact.Artifact{
			TaskID:       task.ID,
			CacheKey:     key,
			Model:        result.Model,
			Prompt:       task.Prompt,
			Output:       result.Output,
			StopReason:   result.StopReason,
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			DurationMs:   result.Duration.Milliseconds(),
			CreatedAt:    result.CompletedAt,
		})
	}
	if key != "" {
		e.cache.Set(key, result.clone())
	}

	e.counters.observe(result.Duration, true)
	e.history.Push(ExecutionRecord{
		TaskID:    task.ID,
		Status:    StatusSuccess,
		Duration:  result.Duration,
		Timestamp: result.CompletedAt,
	})

	span.SetAttributes(
		attribute.Int64("connection.id", int64(result.ConnectionID)),
		attribute.Int("usage.input_tokens", result.Usage.InputTokens),
		attribute.Int("usage.output_tokens", result.Usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "")

	e.emit(Event{Type: EventTaskCompleted, TaskID: task.ID, ConnectionID: result.ConnectionID, Duration: result.Duration})
	e.logger.Debug().
		Str("task_id", task.ID).
		Uint64("connection_id", result.ConnectionID).
		Dur("duration", result.Duration).
		Int("output_tokens", result.Usage.OutputTokens).
		Msg("Task completed")

	e.checkSlow(task, result.Duration)
}

func (e *Executor) onFailure(span trace.Span, task *Task, connID uint64, duration time.Duration, appErr *core.AppError) {
	e.counters.observe(duration, false)
	e.history.Push(ExecutionRecord{
		TaskID:    task.ID,
		Status:    StatusFailed,
		Duration:  duration,
		Timestamp: time.Now(),
		ErrorCode: appErr.Code,
	})

	span.RecordError(appErr)
	span.SetStatus(codes.Error, appErr.Kind)

	e.emit(Event{
		Type:         EventTaskFailed,
		TaskID:       task.ID,
		ConnectionID: connID,
		Duration:     duration,
		ErrorCode:    appErr.Code,
		Error:        appErr.Error(),
	})
	e.logger.Warn().
		Err(appErr).
		Str("task_id", task.ID).
		Str("kind", appErr.Kind).
		Bool("recoverable", appErr.Recoverable).
		Bool("retryable", appErr.Retryable).
		Dur("duration", duration).
		Msg("Task failed")

	e.checkSlow(task, duration)
}

func (e *Executor) checkSlow(task *Task, duration time.Duration) {
	threshold := e.SlowTaskThreshold()
	if threshold <= 0 || duration <= threshold {
		return
	}
	e.counters.slow.Add(1)
	e.emit(Event{Type: EventTaskSlow, TaskID: task.ID, Duration: duration})
	e.logger.Warn().
		Str("task_id", task.ID).
		Dur("duration", duration).
		Dur("threshold", threshold).
		Msg("Slow task detected")
}

func (e *Executor) emit(ev Event) {
	if len(e.observers) == 0 {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.observers.OnEvent(ev)
}
