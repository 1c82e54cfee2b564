package handler

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/whrit/flow-agent-sub011/internal/core"
	"github.com/whrit/flow-agent-sub011/internal/executor"
)

// maxBatchSize 单次批量提交的任务上限
const maxBatchSize = 100

// TaskHandler 任务提交接口
type TaskHandler struct {
	svc Service
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(svc Service) *TaskHandler {
	return &TaskHandler{svc: svc}
}

// taskRequest 任务请求体
type taskRequest struct {
	ID          string            `json:"id"`
	CacheKey    string            `json:"cache_key"`
	Model       string            `json:"model"`
	System      string            `json:"system"`
	Prompt      string            `json:"prompt" binding:"required"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature *float64          `json:"temperature"`
	TimeoutMs   int               `json:"timeout_ms"`
	NoCache     bool              `json:"no_cache"`
	Metadata    map[string]string `json:"metadata"`
}

func (r *taskRequest) validate() error {
	if r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must not be negative")
	}
	return nil
}

// task 转换为执行器任务，已认证的调用方记入 metadata.submitted_by
func (r *taskRequest) task(subject string) executor.Task {
	metadata := r.Metadata
	if subject != "" {
		metadata = make(map[string]string, len(r.Metadata)+1)
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		if _, ok := metadata["submitted_by"]; !ok {
			metadata["submitted_by"] = subject
		}
	}
	return executor.Task{
		ID:          r.ID,
		CacheKey:    r.CacheKey,
		Model:       r.Model,
		System:      r.System,
		Prompt:      r.Prompt,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		Timeout:     time.Duration(r.TimeoutMs) * time.Millisecond,
		NoCache:     r.NoCache,
		Metadata:    metadata,
	}
}

// batchRequest 批量任务请求体
type batchRequest struct {
	Tasks []taskRequest `json:"tasks" binding:"required"`
}

// outcomeResponse 批量结果中的单项
type outcomeResponse struct {
	TaskID  string               `json:"task_id"`
	Success bool                 `json:"success"`
	Result  *executor.TaskResult `json:"result,omitempty"`
	Error   *core.AppError       `json:"error,omitempty"`
}

// Execute 执行单个任务
// POST /api/tasks
func (h *TaskHandler) Execute(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		core.FailWithMessage(c, core.ErrInvalidParam, "请求参数错误: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		core.FailWithMessage(c, core.ErrInvalidParam, err.Error())
		return
	}

	result, err := h.svc.ExecuteTask(c.Request.Context(), req.task(Subject(c)))
	if err != nil {
		core.HandleError(c, err)
		return
	}
	core.Success(c, result)
}

// ExecuteBatch 批量执行任务，单个失败不影响其它任务
// POST /api/tasks/batch
func (h *TaskHandler) ExecuteBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		core.FailWithMessage(c, core.ErrInvalidParam, "请求参数错误: "+err.Error())
		return
	}
	if len(req.Tasks) == 0 {
		core.FailWithMessage(c, core.ErrInvalidParam, "tasks 不能为空")
		return
	}
	if len(req.Tasks) > maxBatchSize {
		core.FailWithMessage(c, core.ErrInvalidParam, fmt.Sprintf("单次最多提交 %d 个任务", maxBatchSize))
		return
	}

	subject := Subject(c)
	tasks := make([]executor.Task, len(req.Tasks))
	for i := range req.Tasks {
		if req.Tasks[i].Prompt == "" {
			core.FailWithMessage(c, core.ErrInvalidParam, fmt.Sprintf("tasks[%d].prompt 不能为空", i))
			return
		}
		if err := req.Tasks[i].validate(); err != nil {
			core.FailWithMessage(c, core.ErrInvalidParam, fmt.Sprintf("tasks[%d]: %v", i, err))
			return
		}
		tasks[i] = req.Tasks[i].task(subject)
	}

	outcomes := h.svc.ExecuteBatch(c.Request.Context(), tasks)

	items := make([]outcomeResponse, len(outcomes))
	succeeded := 0
	for i, o := range outcomes {
		items[i] = outcomeResponse{
			TaskID:  o.Task.ID,
			Success: o.OK(),
			Result:  o.Result,
			Error:   o.Err,
		}
		if o.OK() {
			succeeded++
		}
	}

	core.Success(c, gin.H{
		"items":     items,
		"total":     len(items),
		"succeeded": succeeded,
		"failed":    len(items) - succeeded,
	})
}
