// Package handler provides the admin HTTP routes over the task executor
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/whrit/flow-agent-sub011/internal/cache"
	"github.com/whrit/flow-agent-sub011/internal/executor"
	"github.com/whrit/flow-agent-sub011/internal/pool"
	"github.com/whrit/flow-agent-sub011/internal/ringbuffer"
	"github.com/whrit/flow-agent-sub011/pkg/config"
)

// startTime 记录服务启动时间
var startTime = time.Now()

// Service 路由依赖的执行器能力，*executor.Executor 实现该接口
type Service interface {
	ExecuteTask(ctx context.Context, task executor.Task) (*executor.TaskResult, error)
	ExecuteBatch(ctx context.Context, tasks []executor.Task) []executor.Outcome
	Metrics() executor.Metrics
	PoolStats() pool.Stats
	CacheStats() (cache.Stats, bool)
	History(n int) []executor.ExecutionRecord
	HistorySnapshot() ringbuffer.Snapshot[executor.ExecutionRecord]
}

// EventSource 事件订阅能力，*executor.Broadcaster 实现该接口
type EventSource interface {
	Subscribe(buffer int) (int, <-chan executor.Event)
	Unsubscribe(id int)
}

// Dependencies holds all dependencies required by the API handlers
type Dependencies struct {
	Executor Service
	Events   EventSource
	Config   *config.Config
}

// SetupRouter configures all API routes
func SetupRouter(r *gin.Engine, deps *Dependencies) {
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps.Executor))

	apiGroup := r.Group("/api")
	if deps.Config != nil && deps.Config.Auth.SecretKey != "" {
		apiGroup.Use(AuthMiddleware(deps.Config.Auth.SecretKey))
	}

	taskHandler := NewTaskHandler(deps.Executor)
	{
		apiGroup.POST("/tasks", taskHandler.Execute)
		apiGroup.POST("/tasks/batch", taskHandler.ExecuteBatch)
	}

	statsHandler := NewStatsHandler(deps.Executor)
	{
		apiGroup.GET("/metrics", statsHandler.Metrics)
		apiGroup.GET("/pool/stats", statsHandler.PoolStats)
		apiGroup.GET("/cache/stats", statsHandler.CacheStats)
		apiGroup.GET("/history", statsHandler.History)
	}

	if deps.Events != nil {
		wsHandler := NewEventStreamHandler(deps.Events)
		apiGroup.GET("/events/ws", wsHandler.Stream)
	}
}

// healthHandler 健康检查，连接池不再就绪时返回 503
func healthHandler(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := svc.PoolStats()
		code := http.StatusOK
		status := "ok"
		if stats.State != pool.StateReady.String() {
			code = http.StatusServiceUnavailable
			status = "unavailable"
		}
		c.JSON(code, gin.H{
			"status":         status,
			"pool_state":     stats.State,
			"uptime_seconds": int64(time.Since(startTime).Seconds()),
		})
	}
}

// CORSMiddleware 管理接口跨域
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
