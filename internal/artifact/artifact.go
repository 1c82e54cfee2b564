// Package artifact persists per-task side artifacts through a batching writer
package artifact

import (
	"context"
	"time"
)

// Artifact 单个任务的执行产物
type Artifact struct {
	TaskID       string    `json:"task_id" db:"task_id"`
	CacheKey     string    `json:"cache_key" db:"cache_key"`
	Model        string    `json:"model" db:"model"`
	Prompt       string    `json:"prompt" db:"prompt"`
	Output       string    `json:"output" db:"output"`
	StopReason   string    `json:"stop_reason" db:"stop_reason"`
	InputTokens  int       `json:"input_tokens" db:"input_tokens"`
	OutputTokens int       `json:"output_tokens" db:"output_tokens"`
	DurationMs   int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Store 产物存储后端
type Store interface {
	SaveBatch(ctx context.Context, items []*Artifact) error
	Close() error
}
