package executor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whrit/flow-agent-sub011/internal/artifact"
	"github.com/whrit/flow-agent-sub011/internal/cache"
	"github.com/whrit/flow-agent-sub011/internal/core"
	"github.com/whrit/flow-agent-sub011/internal/pool"
	"github.com/whrit/flow-agent-sub011/internal/remote"
)

// fakeRemote 可编程的远端，统计调用次数
type fakeRemote struct {
	calls   atomic.Int64
	handler func(ctx context.Context, req *remote.Request) (*remote.Response, error)
}

type fakeConn struct {
	r *fakeRemote
}

func (c *fakeConn) Call(ctx context.Context, req *remote.Request) (*remote.Response, error) {
	c.r.calls.Add(1)
	if c.r.handler != nil {
		return c.r.handler(ctx, req)
	}
	return textResponse("echo: " + req.Messages[0].Content), nil
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }
func (c *fakeConn) Close() error                   { return nil }

func (r *fakeRemote) factory(ctx context.Context) (remote.Conn, error) {
	return &fakeConn{r: r}, nil
}

func textResponse(text string) *remote.Response {
	return &remote.Response{
		ID:         "msg_1",
		Model:      "test-model",
		Role:       "assistant",
		Content:    []remote.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage:      remote.Usage{InputTokens: 3, OutputTokens: 7},
	}
}

// syncBuffer 并发安全的日志缓冲
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func defaultConfig() Config {
	return Config{
		MaxConcurrency:   4,
		HistorySize:      100,
		TaskTimeout:      2 * time.Second,
		DefaultModel:     "test-model",
		DefaultMaxTokens: 256,
	}
}

func newTestPool(t *testing.T, r *fakeRemote, max int, acquireTimeout time.Duration) *pool.Pool[remote.Conn] {
	t.Helper()
	p, err := pool.New[remote.Conn](context.Background(), r.factory, pool.Config{
		Min:              0,
		Max:              max,
		AcquireTimeout:   acquireTimeout,
		IdleTimeout:      time.Minute,
		EvictionInterval: time.Minute,
		DrainTimeout:     time.Second,
	})
	require.NoError(t, err)
	return p
}

func newTestCache(t *testing.T) *cache.TTLCache[string, *TaskResult] {
	t.Helper()
	c, err := cache.New(cache.Config[string, *TaskResult]{MaxSize: 100, DefaultTTL: time.Minute})
	require.NoError(t, err)
	return c
}

func newTestExecutor(t *testing.T, r *fakeRemote, cfg Config, poolMax int, opts ...Option) (*Executor, *pool.Pool[remote.Conn]) {
	t.Helper()
	p := newTestPool(t, r, poolMax, time.Second)
	e, err := New(cfg, p, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e, p
}

func TestNew_InvalidConfig(t *testing.T) {
	r := &fakeRemote{}
	p := newTestPool(t, r, 1, time.Second)
	defer p.Drain(context.Background())

	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"并发数为 0", func(c *Config) { c.MaxConcurrency = 0 }},
		{"超时为 0", func(c *Config) { c.TaskTimeout = 0 }},
		{"负的慢任务阈值", func(c *Config) { c.SlowTaskThreshold = -time.Second }},
		{"负的历史容量", func(c *Config) { c.HistorySize = -1 }},
		{"负的限速", func(c *Config) { c.RateLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mod(&cfg)
			_, err := New(cfg, p)
			assert.True(t, core.IsCode(err, core.ErrInvalidConfig), "应返回配置错误: %v", err)
		})
	}

	_, err := New(defaultConfig(), nil)
	assert.True(t, core.IsCode(err, core.ErrInvalidConfig))
}

func TestExecuteTask_Success(t *testing.T) {
	r := &fakeRemote{}
	e, p := newTestExecutor(t, r, defaultConfig(), 2)

	result, err := e.ExecuteTask(context.Background(), Task{Prompt: "hello"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "echo: hello", result.Output)
	assert.NotEmpty(t, result.TaskID)
	assert.Equal(t, 7, result.Usage.OutputTokens)
	assert.False(t, result.CacheHit)
	assert.NotZero(t, result.ConnectionID)

	m := e.Metrics()
	assert.Equal(t, int64(1), m.TotalExecuted)
	assert.Equal(t, int64(1), m.Succeeded)
	assert.Equal(t, 0, m.ActiveExecutions)

	history := e.History(10)
	require.Len(t, history, 1)
	assert.Equal(t, StatusSuccess, history[0].Status)
	assert.Equal(t, result.TaskID, history[0].TaskID)

	assert.Eventually(t, func() bool { return p.Stats().InUse == 0 }, time.Second, 5*time.Millisecond)
}

func TestExecuteTask_DefaultsApplied(t *testing.T) {
	var seen atomic.Pointer[remote.Request]
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		seen.Store(req)
		return textResponse("ok"), nil
	}}
	e, _ := newTestExecutor(t, r, defaultConfig(), 1)

	_, err := e.ExecuteTask(context.Background(), Task{Prompt: "p", System: "be brief"})
	require.NoError(t, err)

	req := seen.Load()
	require.NotNil(t, req)
	assert.Equal(t, "test-model", req.Model)
	assert.Equal(t, 256, req.MaxTokens)
	assert.Equal(t, "be brief", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
}

func TestExecuteTask_CacheShortCircuit(t *testing.T) {
	r := &fakeRemote{}
	e, p := newTestExecutor(t, r, defaultConfig(), 2, WithCache(newTestCache(t)))

	task := Task{Prompt: "same prompt"}
	first, err := e.ExecuteTask(context.Background(), task)
	require.NoError(t, err)
	second, err := e.ExecuteTask(context.Background(), task)
	require.NoError(t, err)

	// 相同任务只调用一次远端、只借一次连接
	assert.Equal(t, int64(1), r.calls.Load())
	assert.Equal(t, int64(1), p.Stats().Acquisitions)

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Output, second.Output)
	assert.NotEqual(t, first.TaskID, second.TaskID)

	m := e.Metrics()
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(1), m.CacheMisses)
	assert.InDelta(t, 0.5, m.CacheHitRate, 0.0001)
	assert.Equal(t, int64(1), m.TotalExecuted)

	stats, ok := e.CacheStats()
	require.True(t, ok)
	assert.Equal(t, 1, stats.Size)

	history := e.History(10)
	require.Len(t, history, 2)
	assert.Equal(t, StatusCached, history[1].Status)
}

func TestExecuteTask_CachedResultIsCopy(t *testing.T) {
	r := &fakeRemote{}
	e, _ := newTestExecutor(t, r, defaultConfig(), 1, WithCache(newTestCache(t)))

	first, err := e.ExecuteTask(context.Background(), Task{Prompt: "x"})
	require.NoError(t, err)
	first.Output = "mutated"

	second, err := e.ExecuteTask(context.Background(), Task{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "echo: x", second.Output, "调用方修改结果不应影响缓存")
}

func TestExecuteTask_NoCacheBypassesCache(t *testing.T) {
	r := &fakeRemote{}
	e, _ := newTestExecutor(t, r, defaultConfig(), 1, WithCache(newTestCache(t)))

	task := Task{Prompt: "p", NoCache: true}
	_, err := e.ExecuteTask(context.Background(), task)
	require.NoError(t, err)
	_, err = e.ExecuteTask(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, int64(2), r.calls.Load())
	assert.Equal(t, int64(0), e.Metrics().CacheHits)
}

func TestExecuteTask_FailureIsNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		if fail.Load() {
			return nil, &remote.StatusError{StatusCode: 503}
		}
		return textResponse("ok"), nil
	}}
	e, _ := newTestExecutor(t, r, defaultConfig(), 1, WithCache(newTestCache(t)))

	_, err := e.ExecuteTask(context.Background(), Task{Prompt: "p"})
	require.Error(t, err)

	fail.Store(false)
	result, err := e.ExecuteTask(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
	assert.Equal(t, int64(2), r.calls.Load())
}

func TestExecuteTask_ReleasesConnectionOnFailure(t *testing.T) {
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		return nil, errors.New("boom")
	}}
	e, p := newTestExecutor(t, r, defaultConfig(), 1)

	before := p.Stats().InUse
	_, err := e.ExecuteTask(context.Background(), Task{Prompt: "p"})
	require.Error(t, err)

	appErr := core.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, core.ErrTaskFailed, appErr.Code)
	assert.False(t, appErr.Retryable)
	assert.NotEmpty(t, appErr.Context["task_id"])

	assert.Eventually(t, func() bool {
		s := p.Stats()
		return s.InUse == before && s.Idle == 1
	}, time.Second, 5*time.Millisecond, "失败后连接应归还为空闲")

	history := e.History(1)
	require.Len(t, history, 1)
	assert.Equal(t, StatusFailed, history[0].Status)
	assert.Equal(t, core.ErrTaskFailed, history[0].ErrorCode)
	assert.Equal(t, int64(1), e.Metrics().Failed)
}

func TestExecuteTask_TimeoutReleasesConnection(t *testing.T) {
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return nil, ctx.Err()
	}}
	e, p := newTestExecutor(t, r, defaultConfig(), 1)

	start := time.Now()
	_, err := e.ExecuteTask(context.Background(), Task{Prompt: "slow", Timeout: 50 * time.Millisecond})
	elapsed := time.Since(start)

	require.Error(t, err)
	appErr := core.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, core.ErrTaskTimeout, appErr.Code)
	assert.True(t, appErr.Recoverable)
	assert.True(t, appErr.Retryable)
	assert.Less(t, elapsed, time.Second)

	assert.Eventually(t, func() bool { return p.Stats().InUse == 0 }, time.Second, 5*time.Millisecond,
		"超时后连接最终应归还")

	// 连接未泄漏，后续任务可以继续使用
	r.handler = nil
	_, err = e.ExecuteTask(context.Background(), Task{Prompt: "next"})
	assert.NoError(t, err)
}

func TestExecuteTask_PoolTimeoutSurfaced(t *testing.T) {
	release := make(chan struct{})
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		if req.Messages[0].Content == "hold" {
			<-release
		}
		return textResponse("ok"), nil
	}}
	p := newTestPool(t, r, 1, 50*time.Millisecond)
	e, err := New(defaultConfig(), p)
	require.NoError(t, err)
	defer e.Shutdown(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.ExecuteTask(context.Background(), Task{Prompt: "hold"})
	}()
	assert.Eventually(t, func() bool { return p.Stats().InUse == 1 }, time.Second, 2*time.Millisecond)

	_, err = e.ExecuteTask(context.Background(), Task{Prompt: "second"})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrPoolTimeout))
	assert.True(t, core.GetAppError(err).Retryable)

	close(release)
	<-done
}

func TestExecuteBatch_OrderAndIndependentFailures(t *testing.T) {
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		if req.Messages[0].Content == "bad" {
			return nil, &remote.StatusError{StatusCode: 429}
		}
		return textResponse("echo: " + req.Messages[0].Content), nil
	}}
	e, _ := newTestExecutor(t, r, defaultConfig(), 3)

	tasks := []Task{{Prompt: "a"}, {Prompt: "bad"}, {Prompt: "c"}, {ID: "fixed-id", Prompt: "d"}}
	outcomes := e.ExecuteBatch(context.Background(), tasks)
	require.Len(t, outcomes, 4)

	assert.True(t, outcomes[0].OK())
	assert.Equal(t, "echo: a", outcomes[0].Result.Output)

	assert.False(t, outcomes[1].OK())
	assert.Equal(t, core.ErrRemoteRateLimit, outcomes[1].Err.Code)
	assert.True(t, outcomes[1].Err.Recoverable)
	_, err := outcomes[1].Unwrap()
	assert.Error(t, err)

	res, err := outcomes[2].Unwrap()
	require.NoError(t, err)
	assert.Equal(t, "echo: c", res.Output)

	assert.Equal(t, "fixed-id", outcomes[3].Task.ID)
	assert.Equal(t, "fixed-id", outcomes[3].Result.TaskID)
	for i, o := range outcomes {
		assert.NotEmpty(t, o.Task.ID, "任务 %d 应分配 id", i)
		if o.OK() {
			assert.Equal(t, o.Task.ID, o.Result.TaskID)
		}
	}

	m := e.Metrics()
	assert.Equal(t, int64(3), m.Succeeded)
	assert.Equal(t, int64(1), m.Failed)
}

func TestExecuteTask_ConcurrencyNeverExceedsMax(t *testing.T) {
	var active, peak atomic.Int64
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		n := active.Add(1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return textResponse("ok"), nil
	}}
	cfg := defaultConfig()
	cfg.MaxConcurrency = 2
	e, _ := newTestExecutor(t, r, cfg, 5)

	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = Task{Prompt: "p", NoCache: true}
	}
	outcomes := e.ExecuteBatch(context.Background(), tasks)
	for _, o := range outcomes {
		assert.True(t, o.OK())
	}

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(8), r.calls.Load())
}

func TestExecuteTask_SlowTaskWarning(t *testing.T) {
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		time.Sleep(30 * time.Millisecond)
		return textResponse("ok"), nil
	}}
	logs := &syncBuffer{}
	var slowEvents atomic.Int64
	observer := ObserverFunc(func(ev Event) {
		if ev.Type == EventTaskSlow {
			slowEvents.Add(1)
		}
	})

	cfg := defaultConfig()
	cfg.SlowTaskThreshold = 10 * time.Millisecond
	e, _ := newTestExecutor(t, r, cfg, 1,
		WithLogger(zerolog.New(logs).Level(zerolog.DebugLevel)),
		WithObserver(observer))

	result, err := e.ExecuteTask(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)
	assert.True(t, result.Success, "慢任务不改变结果")

	assert.Contains(t, logs.String(), "Slow task detected")
	assert.Equal(t, int64(1), e.Metrics().SlowTasks)
	assert.Equal(t, int64(1), slowEvents.Load())

	// 关闭阈值后不再告警
	e.SetSlowTaskThreshold(0)
	_, err = e.ExecuteTask(context.Background(), Task{Prompt: "q"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Metrics().SlowTasks)
}

func TestExecuteTask_EmitsLifecycleEvents(t *testing.T) {
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		if req.Messages[0].Content == "bad" {
			return nil, errors.New("boom")
		}
		return textResponse("ok"), nil
	}}

	var mu sync.Mutex
	var types []EventType
	observer := ObserverFunc(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	e, _ := newTestExecutor(t, r, defaultConfig(), 1, WithCache(newTestCache(t)), WithObserver(observer))

	_, _ = e.ExecuteTask(context.Background(), Task{Prompt: "ok"})
	_, _ = e.ExecuteTask(context.Background(), Task{Prompt: "ok"})
	_, _ = e.ExecuteTask(context.Background(), Task{Prompt: "bad"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventTaskCompleted, EventTaskCacheHit, EventTaskFailed}, types)
}

// recordingSink 记录提交的产物
type recordingSink struct {
	mu       sync.Mutex
	items    []*artifact.Artifact
	flushed  int
	closed   bool
	flushErr error
}

func (s *recordingSink) Submit(a *artifact.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, a)
}

func (s *recordingSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed++
	return s.flushErr
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestExecuteTask_SubmitsArtifact(t *testing.T) {
	sink := &recordingSink{flushErr: errors.New("disk full")}
	r := &fakeRemote{}
	e, _ := newTestExecutor(t, r, defaultConfig(), 1, WithArtifactSink(sink))

	result, err := e.ExecuteTask(context.Background(), Task{Prompt: "persist me"})
	require.NoError(t, err)

	sink.mu.Lock()
	require.Len(t, sink.items, 1)
	a := sink.items[0]
	sink.mu.Unlock()

	assert.Equal(t, result.TaskID, a.TaskID)
	assert.Equal(t, "persist me", a.Prompt)
	assert.Equal(t, result.Output, a.Output)
	assert.Equal(t, 7, a.OutputTokens)

	// 产物写入失败不影响等待结果
	assert.NoError(t, e.WaitForPendingExecutions(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.GreaterOrEqual(t, sink.flushed, 1)
	assert.True(t, sink.closed)
}

func TestShutdown_RejectsNewTasks(t *testing.T) {
	r := &fakeRemote{}
	c := newTestCache(t)
	e, p := newTestExecutor(t, r, defaultConfig(), 1, WithCache(c))

	_, err := e.ExecuteTask(context.Background(), Task{Prompt: "p"})
	require.NoError(t, err)

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Equal(t, pool.StateDrained, p.State())
	assert.Equal(t, 0, c.Len(), "关闭后缓存应清空")

	_, err = e.ExecuteTask(context.Background(), Task{Prompt: "p"})
	assert.True(t, core.IsCode(err, core.ErrExecutorShutdown))
	assert.Equal(t, int64(1), e.Metrics().RejectedAfterStop)

	// 第二次关闭无副作用
	assert.NoError(t, e.Shutdown(context.Background()))
}

func TestShutdown_WaitsForInFlightTasks(t *testing.T) {
	started := make(chan struct{})
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return textResponse("done"), nil
	}}
	e, p := newTestExecutor(t, r, defaultConfig(), 1)

	type res struct {
		r   *TaskResult
		err error
	}
	out := make(chan res, 1)
	go func() {
		r, err := e.ExecuteTask(context.Background(), Task{Prompt: "p"})
		out <- res{r, err}
	}()
	<-started

	require.NoError(t, e.Shutdown(context.Background()))

	assert.Equal(t, int64(1), e.Metrics().Succeeded, "Shutdown 返回前进行中的任务应已完成")
	assert.Equal(t, pool.StateDrained, p.State())

	select {
	case got := <-out:
		require.NoError(t, got.err)
		assert.Equal(t, "done", got.r.Output)
	case <-time.After(time.Second):
		t.Fatal("任务未返回")
	}
}

func TestWaitForPendingExecutions_ContextExpired(t *testing.T) {
	release := make(chan struct{})
	r := &fakeRemote{handler: func(ctx context.Context, req *remote.Request) (*remote.Response, error) {
		<-release
		return textResponse("ok"), nil
	}}
	e, p := newTestExecutor(t, r, defaultConfig(), 1)

	go func() { _, _ = e.ExecuteTask(context.Background(), Task{Prompt: "p"}) }()
	assert.Eventually(t, func() bool { return p.Stats().InUse == 1 }, time.Second, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.WaitForPendingExecutions(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.NoError(t, e.WaitForPendingExecutions(context.Background()))
}

func TestExecuteTask_RateLimited(t *testing.T) {
	r := &fakeRemote{}
	cfg := defaultConfig()
	cfg.RateLimit = 20 // 每 50ms 一个
	cfg.RateBurst = 1
	e, _ := newTestExecutor(t, r, cfg, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := e.ExecuteTask(context.Background(), Task{Prompt: "p", NoCache: true})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond, "限速应拉开调用间隔")
}

func TestCacheKey(t *testing.T) {
	e := &Executor{}
	temp1, temp2 := 0.2, 0.7

	base := Task{Model: "m", System: "s", Prompt: "p", MaxTokens: 100}
	same := base
	same.ID = "different-id"
	assert.Equal(t, e.CacheKey(&base), e.CacheKey(&same), "任务 id 不参与缓存键")

	withTemp := base
	withTemp.Temperature = &temp1
	otherTemp := base
	otherTemp.Temperature = &temp2
	assert.NotEqual(t, e.CacheKey(&base), e.CacheKey(&withTemp))
	assert.NotEqual(t, e.CacheKey(&withTemp), e.CacheKey(&otherTemp))

	otherPrompt := base
	otherPrompt.Prompt = "q"
	assert.NotEqual(t, e.CacheKey(&base), e.CacheKey(&otherPrompt))

	explicit := base
	explicit.CacheKey = "custom"
	assert.Equal(t, "custom", e.CacheKey(&explicit))

	assert.Len(t, e.CacheKey(&base), 64)
	assert.False(t, strings.ContainsAny(e.CacheKey(&base), "\x00 "))
}
