// Package core provides logging setup, coded errors and token helpers
package core

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/whrit/flow-agent-sub011/pkg/config"
)

// ServiceName 写入每条日志的 service 字段
const ServiceName = "flowexec"

// 各组件的 component 字段取值
const (
	ComponentExecutor = "executor"
	ComponentPool     = "pool"
	ComponentArtifact = "artifact"
	ComponentMonitor  = "monitor"
	ComponentEvents   = "events_ws"
)

// DefaultLogConfig 默认输出 JSON 到 stdout，文件按 100MB 轮转
func DefaultLogConfig() *config.LogConfig {
	return &config.LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		FilePath:   "logs/" + ServiceName + ".log",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// SetupLogger 按配置重建全局 logger，cfg 为 nil 时使用默认配置
func SetupLogger(cfg *config.LogConfig) error {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}

	out, err := logWriter(cfg)
	if err != nil {
		return err
	}

	SetLevel(cfg.Level)
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(out).With().
		Timestamp().
		Str("service", ServiceName).
		Int("pid", os.Getpid()).
		Caller().
		Logger()

	log.Info().
		Str("level", zerolog.GlobalLevel().String()).
		Str("format", cfg.Format).
		Str("output", cfg.Output).
		Msg("Logger initialized")
	return nil
}

// SetLevel 设置全局日志级别，无法识别时回退到 info
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// GetLogger 返回带 component 字段的子 logger，继承 service 字段
func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func logWriter(cfg *config.LogConfig) (io.Writer, error) {
	switch cfg.Output {
	case "file":
		return rotatingFile(cfg)
	case "both":
		file, err := rotatingFile(cfg)
		if err != nil {
			return nil, err
		}
		return zerolog.MultiLevelWriter(stdoutWriter(cfg.Format), file), nil
	default:
		return stdoutWriter(cfg.Format), nil
	}
}

func stdoutWriter(format string) io.Writer {
	if format != "console" {
		return os.Stdout
	}
	return zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05",
		// 控制台输出不显示 service 与 pid
		FieldsExclude: []string{"service", "pid"},
	}
}

// rotatingFile 日志目录不存在时自动创建
func rotatingFile(cfg *config.LogConfig) (io.Writer, error) {
	if cfg.FilePath == "" {
		return nil, errors.New("log file_path is required when output is file or both")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}, nil
}
