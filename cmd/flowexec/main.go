package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whrit/flow-agent-sub011/internal/core"
	"github.com/whrit/flow-agent-sub011/internal/di"
	"github.com/whrit/flow-agent-sub011/internal/executor"
	"github.com/whrit/flow-agent-sub011/internal/handler"
	"github.com/whrit/flow-agent-sub011/pkg/config"
)

func main() {
	// 先用默认配置初始化日志，加载配置后再按配置重建
	if err := core.SetupLogger(core.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
	}

	projectRoot := findProjectRoot()
	configPath := os.Getenv("FLOW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join(projectRoot, "config.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load configuration")
	}
	cfg.Log.FilePath = config.ResolvePath(projectRoot, cfg.Log.FilePath)
	cfg.Artifact.Dir = config.ResolvePath(projectRoot, cfg.Artifact.Dir)
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN != "" {
		cfg.Database.DSN = config.ResolvePath(projectRoot, cfg.Database.DSN)
	}

	if err := core.SetupLogger(&cfg.Log); err != nil {
		log.Fatal().Err(err).Msg("Failed to setup logger from configuration")
	}

	log.Info().
		Str("project_root", projectRoot).
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Bool("debug", cfg.Server.Debug).
		Msg("Configuration loaded")

	redisClient := connectRedis(cfg)

	container := di.NewContainer(cfg)
	container.SetRedis(redisClient)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	deps, err := container.HandlerDependencies(startCtx)
	startCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize executor")
	}

	reporter, err := container.GetReporter(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize monitor")
	}
	if reporter != nil {
		if err := reporter.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start monitor reporter")
			reporter = nil
		}
	} else {
		log.Info().Msg("Monitor is disabled in configuration")
	}

	exec, err := container.GetExecutor(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to get executor")
	}

	watcher := config.NewWatcher(configPath, func(newCfg *config.Config) {
		applyReload(exec, newCfg)
	})
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	}

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(core.RequestLogger())
	r.Use(core.Recovery())
	handler.SetupRouter(r, deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	// 任务可能运行到 task_timeout，写超时需覆盖执行时间
	writeTimeout := config.Ms(cfg.Executor.TaskTimeoutMs) + 30*time.Second
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-quit
		if sig == syscall.SIGHUP {
			log.Info().Msg("Received SIGHUP, reloading configuration")
			if newCfg, err := config.Load(configPath); err != nil {
				log.Error().Err(err).Msg("Failed to reload configuration")
			} else {
				applyReload(exec, newCfg)
			}
			continue
		}
		break
	}

	log.Info().Msg("Shutting down server...")

	watcher.Stop()

	if reporter != nil {
		reporter.Stop()
		log.Info().Msg("Monitor reporter stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// 执行器等待进行中的任务、排空连接池并刷新产物
	if err := container.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Executor shutdown incomplete")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis connection")
		} else {
			log.Info().Msg("Redis connection closed")
		}
	}

	log.Info().Msg("Server exited")
}

// connectRedis 连接 Redis，失败时返回 nil 并降级运行
func connectRedis(cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		log.Info().Msg("Redis is disabled in configuration")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to Redis, archive and redis artifact store disabled")
		client.Close()
		return nil
	}

	log.Info().
		Str("host", cfg.Redis.Host).
		Int("port", cfg.Redis.Port).
		Msg("Redis connected")
	return client
}

// applyReload 热更新日志级别与慢任务阈值，其余配置需要重启
func applyReload(exec *executor.Executor, cfg *config.Config) {
	core.SetLevel(cfg.Log.Level)
	exec.SetSlowTaskThreshold(config.Ms(cfg.Executor.SlowTaskThresholdMs))
	log.Info().
		Str("log_level", cfg.Log.Level).
		Int("slow_task_threshold_ms", cfg.Executor.SlowTaskThresholdMs).
		Msg("Hot settings applied")
}

// findProjectRoot 查找包含 config.yaml 的项目根目录
func findProjectRoot() string {
	const configFile = "config.yaml"
	cwd, _ := os.Getwd()

	candidates := []string{
		cwd,
		filepath.Dir(cwd),
	}

	if execPath, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Dir(execPath), filepath.Dir(filepath.Dir(execPath)))
	}

	for _, candidate := range candidates {
		if fileExists(filepath.Join(candidate, configFile)) {
			return candidate
		}
	}

	return cwd
}

// fileExists 检查文件是否存在
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
