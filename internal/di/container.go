// Package di provides the dependency injection container for the daemon.
// It builds the pool, cache, executor and their collaborators from config
// and owns their shutdown order.
package di

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whrit/flow-agent-sub011/internal/artifact"
	"github.com/whrit/flow-agent-sub011/internal/cache"
	"github.com/whrit/flow-agent-sub011/internal/core"
	"github.com/whrit/flow-agent-sub011/internal/executor"
	"github.com/whrit/flow-agent-sub011/internal/handler"
	"github.com/whrit/flow-agent-sub011/internal/monitor"
	"github.com/whrit/flow-agent-sub011/internal/pool"
	"github.com/whrit/flow-agent-sub011/internal/remote"
	"github.com/whrit/flow-agent-sub011/pkg/config"
)

// Container is the dependency injection container that manages
// all application dependencies with lazy initialization and singleton pattern.
type Container struct {
	config  *config.Config
	redis   *redis.Client
	factory pool.Factory[remote.Conn]

	mu sync.Mutex

	events   *executor.Broadcaster
	pool     *pool.Pool[remote.Conn]
	cache    *cache.TTLCache[string, *executor.TaskResult]
	cacheSet bool
	batcher  *artifact.Batcher
	sinkSet  bool
	executor *executor.Executor
	reporter *monitor.Reporter
	closed   bool
}

// NewContainer creates a new dependency injection container.
func NewContainer(cfg *config.Config) *Container {
	return &Container{config: cfg}
}

// SetRedis sets the Redis client for the container.
func (c *Container) SetRedis(client *redis.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redis = client
}

// SetConnFactory 替换远端连接工厂，默认按 remote 配置创建 HTTP 客户端
func (c *Container) SetConnFactory(f pool.Factory[remote.Conn]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factory = f
}

// GetConfig returns the application configuration.
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// GetRedis returns the Redis client (may be nil if not configured).
func (c *Container) GetRedis() *redis.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redis
}

// GetBroadcaster returns the lifecycle event broadcaster singleton.
func (c *Container) GetBroadcaster() *executor.Broadcaster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcasterLocked()
}

// GetPool returns the connection pool singleton, creating Min connections on first use.
func (c *Container) GetPool(ctx context.Context) (*pool.Pool[remote.Conn], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poolLocked(ctx)
}

// GetCache returns the result cache, nil when caching is disabled.
func (c *Container) GetCache() (*cache.TTLCache[string, *executor.TaskResult], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheLocked()
}

// GetArtifactBatcher returns the artifact batcher, nil when persistence is disabled.
func (c *Container) GetArtifactBatcher(ctx context.Context) (*artifact.Batcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batcherLocked(ctx)
}

// GetExecutor returns the task executor singleton.
func (c *Container) GetExecutor(ctx context.Context) (*executor.Executor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executorLocked(ctx)
}

// GetReporter returns the stats reporter, nil when monitoring is disabled.
func (c *Container) GetReporter(ctx context.Context) (*monitor.Reporter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reporter != nil || !c.config.Monitor.Enabled {
		return c.reporter, nil
	}
	exec, err := c.executorLocked(ctx)
	if err != nil {
		return nil, err
	}
	c.reporter = monitor.NewReporter(monitor.ReporterConfig{
		Spec:          c.config.Monitor.ReportCron,
		ArchivePrefix: c.config.Monitor.ArchivePrefix,
		ArchiveTTL:    time.Duration(c.config.Monitor.ArchiveTTLHours) * time.Hour,
	}, exec, monitor.NewHostSampler(int32(os.Getpid())), c.redis)
	return c.reporter, nil
}

// HandlerDependencies 构建路由依赖
func (c *Container) HandlerDependencies(ctx context.Context) (*handler.Dependencies, error) {
	exec, err := c.GetExecutor(ctx)
	if err != nil {
		return nil, err
	}
	return &handler.Dependencies{
		Executor: exec,
		Events:   c.GetBroadcaster(),
		Config:   c.config,
	}, nil
}

func (c *Container) broadcasterLocked() *executor.Broadcaster {
	if c.events == nil {
		c.events = executor.NewBroadcaster()
	}
	return c.events
}

func (c *Container) poolLocked(ctx context.Context) (*pool.Pool[remote.Conn], error) {
	if c.pool != nil {
		return c.pool, nil
	}

	factory := c.factory
	if factory == nil {
		rc := c.config.Remote
		factory = remote.NewFactory(remote.ClientConfig{
			BaseURL:    rc.BaseURL,
			APIKey:     rc.APIKey,
			APIVersion: rc.APIVersion,
			Timeout:    config.Ms(rc.RequestTimeoutMs),
		})
	}

	pc := c.config.Pool
	p, err := pool.New(ctx, factory, pool.Config{
		Min:              pc.Min,
		Max:              pc.Max,
		AcquireTimeout:   config.Ms(pc.AcquireTimeoutMs),
		IdleTimeout:      config.Ms(pc.IdleTimeoutMs),
		EvictionInterval: config.Ms(pc.EvictionIntervalMs),
		TestOnBorrow:     pc.TestOnBorrow,
		DrainTimeout:     config.Ms(pc.DrainTimeoutMs),
	}, pool.WithListener(c.broadcasterLocked()))
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	c.pool = p
	return p, nil
}

func (c *Container) cacheLocked() (*cache.TTLCache[string, *executor.TaskResult], error) {
	if c.cacheSet {
		return c.cache, nil
	}
	cc := c.config.Cache
	if !cc.Enabled {
		c.cacheSet = true
		return nil, nil
	}

	rc, err := cache.New(cache.Config[string, *executor.TaskResult]{
		MaxSize:       cc.MaxSize,
		DefaultTTL:    time.Duration(cc.TTLSeconds) * time.Second,
		SweepInterval: config.Ms(cc.SweepIntervalMs),
	})
	if err != nil {
		return nil, core.NewErrorWithErr(core.ErrInvalidConfig, err)
	}
	c.cache = rc
	c.cacheSet = true
	return rc, nil
}

func (c *Container) batcherLocked(ctx context.Context) (*artifact.Batcher, error) {
	if c.sinkSet {
		return c.batcher, nil
	}
	ac := c.config.Artifact
	if !ac.Enabled {
		c.sinkSet = true
		return nil, nil
	}

	store, err := c.newStore(ctx, ac)
	if err != nil {
		return nil, err
	}
	c.batcher = artifact.NewBatcher(store, artifact.BatcherConfig{
		MaxBatch:      ac.MaxBatch,
		FlushInterval: config.Ms(ac.FlushIntervalMs),
	})
	c.sinkSet = true
	return c.batcher, nil
}

func (c *Container) newStore(ctx context.Context, ac config.ArtifactConfig) (artifact.Store, error) {
	switch ac.Store {
	case "", "file":
		return artifact.NewFileStore(ac.Dir)
	case "redis":
		if c.redis == nil {
			return nil, core.NewErrorWithDetail(core.ErrInvalidConfig, "artifact store redis requires a redis connection")
		}
		return artifact.NewRedisStore(c.redis, ac.RedisPrefix,
			time.Duration(ac.RedisTTLHours)*time.Hour, ac.RedisIndexSize), nil
	case "sql":
		db, err := artifact.OpenDB(&c.config.Database)
		if err != nil {
			return nil, err
		}
		store := artifact.NewSQLStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, core.NewErrorWithDetail(core.ErrInvalidConfig, "unknown artifact store: "+ac.Store)
	}
}

func (c *Container) executorLocked(ctx context.Context) (*executor.Executor, error) {
	if c.executor != nil {
		return c.executor, nil
	}
	if c.closed {
		return nil, core.NewError(core.ErrExecutorShutdown)
	}

	p, err := c.poolLocked(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := c.cacheLocked()
	if err != nil {
		return nil, err
	}
	batcher, err := c.batcherLocked(ctx)
	if err != nil {
		return nil, err
	}

	opts := []executor.Option{executor.WithObserver(c.broadcasterLocked())}
	if rc != nil {
		opts = append(opts, executor.WithCache(rc))
	}
	if batcher != nil {
		opts = append(opts, executor.WithArtifactSink(batcher))
	}

	ec := c.config.Executor
	exec, err := executor.New(executor.Config{
		MaxConcurrency:    ec.MaxConcurrency,
		HistorySize:       ec.HistorySize,
		TaskTimeout:       config.Ms(ec.TaskTimeoutMs),
		SlowTaskThreshold: config.Ms(ec.SlowTaskThresholdMs),
		RateLimit:         ec.RateLimit,
		RateBurst:         ec.RateBurst,
		DefaultModel:      c.config.Remote.Model,
		DefaultMaxTokens:  c.config.Remote.MaxTokens,
	}, p, opts...)
	if err != nil {
		return nil, err
	}
	c.executor = exec
	return exec, nil
}

// Close releases all resources held by the container.
// Order: reporter, executor (drains pool, flushes artifacts, closes cache), broadcaster.
// The container does not own the Redis client.
func (c *Container) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.reporter != nil {
		c.reporter.Stop()
	}

	if c.executor != nil {
		if err := c.executor.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	} else {
		// 执行器未创建时单独释放已创建的组件
		if c.pool != nil {
			if err := c.pool.Drain(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if c.cache != nil {
			c.cache.Close()
		}
		if c.batcher != nil {
			if err := c.batcher.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if c.events != nil {
		c.events.Close()
	}
	return errors.Join(errs...)
}
