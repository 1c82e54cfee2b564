package executor

import (
	"time"

	"github.com/whrit/flow-agent-sub011/internal/core"
	"github.com/whrit/flow-agent-sub011/internal/remote"
)

// Task 一次远端调用任务
type Task struct {
	ID          string            `json:"id"`
	CacheKey    string            `json:"cache_key,omitempty"`
	Model       string            `json:"model,omitempty"`
	System      string            `json:"system,omitempty"`
	Prompt      string            `json:"prompt"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	NoCache     bool              `json:"no_cache,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (t *Task) request() *remote.Request {
	return &remote.Request{
		Model:       t.Model,
		System:      t.System,
		Messages:    []remote.Message{{Role: "user", Content: t.Prompt}},
		MaxTokens:   t.MaxTokens,
		Temperature: t.Temperature,
	}
}

// TaskResult 成功任务的结果
type TaskResult struct {
	TaskID       string        `json:"task_id"`
	Success      bool          `json:"success"`
	Output       string        `json:"output"`
	Usage        remote.Usage  `json:"usage"`
	Model        string        `json:"model"`
	StopReason   string        `json:"stop_reason"`
	ConnectionID uint64        `json:"connection_id"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
	Duration     time.Duration `json:"duration"`
	CacheHit     bool          `json:"cache_hit"`
}

func (r *TaskResult) clone() *TaskResult {
	c := *r
	return &c
}

// Outcome 批量执行中单个任务的结果，Result 与 Err 二者必有其一
type Outcome struct {
	Task   Task
	Result *TaskResult
	Err    *core.AppError
}

// OK 任务是否成功
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Unwrap 返回结果或错误
func (o Outcome) Unwrap() (*TaskResult, error) {
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Result, nil
}

// Status 执行记录状态
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusCached  Status = "cached"
)

// ExecutionRecord 写入历史环形缓冲区的记录
type ExecutionRecord struct {
	TaskID    string         `json:"task_id"`
	Status    Status         `json:"status"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
	ErrorCode core.ErrorCode `json:"error_code,omitempty"`
}
