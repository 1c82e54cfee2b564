package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents an error code type
type ErrorCode int

// Error code constants
const (
	// Common errors (1000-1999)
	ErrSuccess         ErrorCode = 0
	ErrUnknown         ErrorCode = 1000
	ErrInvalidParam    ErrorCode = 1001
	ErrUnauthorized    ErrorCode = 1002
	ErrNotFound        ErrorCode = 1004
	ErrTooManyRequests ErrorCode = 1006
	ErrInternalServer  ErrorCode = 1007
	ErrInvalidConfig   ErrorCode = 1010

	// Pool errors (5000-5999)
	ErrPoolTimeout      ErrorCode = 5001
	ErrPoolClosed       ErrorCode = 5002
	ErrPoolInvalid      ErrorCode = 5003
	ErrPoolUnhealthy    ErrorCode = 5004
	ErrPoolCreateFailed ErrorCode = 5005
	ErrPoolDrainTimeout ErrorCode = 5007

	// Executor errors (7000-7999)
	ErrExecutorShutdown ErrorCode = 7000
	ErrTaskFailed       ErrorCode = 7004
	ErrTaskTimeout      ErrorCode = 7006
	ErrTaskCancelled    ErrorCode = 7007

	// Remote API errors (8000-8999)
	ErrRemoteNetwork   ErrorCode = 8000
	ErrRemoteRateLimit ErrorCode = 8001
	ErrRemoteServer    ErrorCode = 8002
	ErrRemoteClient    ErrorCode = 8003

	// Artifact errors (9000-9999)
	ErrArtifactWrite ErrorCode = 9000
)

// errorMessages maps error codes to human-readable messages
var errorMessages = map[ErrorCode]string{
	ErrSuccess:         "成功",
	ErrUnknown:         "未知错误",
	ErrInvalidParam:    "参数无效",
	ErrUnauthorized:    "未授权",
	ErrNotFound:        "资源不存在",
	ErrTooManyRequests: "请求过于频繁",
	ErrInternalServer:  "服务器内部错误",
	ErrInvalidConfig:   "配置无效",

	ErrPoolTimeout:      "连接池获取超时",
	ErrPoolClosed:       "连接池正在关闭",
	ErrPoolInvalid:      "无效的连接归还",
	ErrPoolUnhealthy:    "连接健康检查失败",
	ErrPoolCreateFailed: "连接创建失败",
	ErrPoolDrainTimeout: "连接池排空超时",

	ErrExecutorShutdown: "执行器已关闭",
	ErrTaskFailed:       "任务执行失败",
	ErrTaskTimeout:      "任务执行超时",
	ErrTaskCancelled:    "任务已取消",

	ErrRemoteNetwork:   "远端网络错误",
	ErrRemoteRateLimit: "远端限流",
	ErrRemoteServer:    "远端服务错误",
	ErrRemoteClient:    "远端请求错误",

	ErrArtifactWrite: "产物写入失败",
}

// errorKinds maps error codes to machine-readable kinds
var errorKinds = map[ErrorCode]string{
	ErrSuccess:         "SUCCESS",
	ErrUnknown:         "UNKNOWN",
	ErrInvalidParam:    "INVALID_PARAM",
	ErrUnauthorized:    "UNAUTHORIZED",
	ErrNotFound:        "NOT_FOUND",
	ErrTooManyRequests: "TOO_MANY_REQUESTS",
	ErrInternalServer:  "INTERNAL_SERVER",
	ErrInvalidConfig:   "INVALID_CONFIG",

	ErrPoolTimeout:      "POOL_EXHAUSTED_TIMEOUT",
	ErrPoolClosed:       "POOL_SHUTTING_DOWN",
	ErrPoolInvalid:      "POOL_INVALID_RELEASE",
	ErrPoolUnhealthy:    "CONNECTION_UNHEALTHY",
	ErrPoolCreateFailed: "CONNECTION_CREATE_FAILED",
	ErrPoolDrainTimeout: "POOL_DRAIN_TIMEOUT",

	ErrExecutorShutdown: "EXECUTOR_SHUTDOWN",
	ErrTaskFailed:       "TASK_EXECUTION_ERROR",
	ErrTaskTimeout:      "TASK_TIMEOUT",
	ErrTaskCancelled:    "TASK_CANCELLED",

	ErrRemoteNetwork:   "REMOTE_NETWORK",
	ErrRemoteRateLimit: "REMOTE_RATE_LIMITED",
	ErrRemoteServer:    "REMOTE_SERVER_ERROR",
	ErrRemoteClient:    "REMOTE_CLIENT_ERROR",

	ErrArtifactWrite: "ARTIFACT_WRITE_FAILED",
}

// errorHTTPStatus maps error codes to HTTP status codes
var errorHTTPStatus = map[ErrorCode]int{
	ErrSuccess:         http.StatusOK,
	ErrUnknown:         http.StatusInternalServerError,
	ErrInvalidParam:    http.StatusBadRequest,
	ErrUnauthorized:    http.StatusUnauthorized,
	ErrNotFound:        http.StatusNotFound,
	ErrTooManyRequests: http.StatusTooManyRequests,
	ErrInternalServer:  http.StatusInternalServerError,
	ErrInvalidConfig:   http.StatusInternalServerError,

	ErrPoolTimeout:      http.StatusServiceUnavailable,
	ErrPoolClosed:       http.StatusServiceUnavailable,
	ErrPoolInvalid:      http.StatusInternalServerError,
	ErrPoolUnhealthy:    http.StatusServiceUnavailable,
	ErrPoolCreateFailed: http.StatusBadGateway,
	ErrPoolDrainTimeout: http.StatusInternalServerError,

	ErrExecutorShutdown: http.StatusServiceUnavailable,
	ErrTaskFailed:       http.StatusInternalServerError,
	ErrTaskTimeout:      http.StatusGatewayTimeout,
	ErrTaskCancelled:    http.StatusRequestTimeout,

	ErrRemoteNetwork:   http.StatusBadGateway,
	ErrRemoteRateLimit: http.StatusTooManyRequests,
	ErrRemoteServer:    http.StatusBadGateway,
	ErrRemoteClient:    http.StatusBadRequest,

	ErrArtifactWrite: http.StatusInternalServerError,
}

// recoverableCodes 瞬时故障，稍后原样重试可能成功
var recoverableCodes = map[ErrorCode]bool{
	ErrPoolTimeout:      true,
	ErrPoolUnhealthy:    true,
	ErrPoolCreateFailed: true,
	ErrTaskTimeout:      true,
	ErrRemoteNetwork:    true,
	ErrRemoteRateLimit:  true,
}

// retryableCodes 可重试错误，包含全部可恢复错误以及 5xx
var retryableCodes = map[ErrorCode]bool{
	ErrPoolTimeout:      true,
	ErrPoolUnhealthy:    true,
	ErrPoolCreateFailed: true,
	ErrTaskTimeout:      true,
	ErrRemoteNetwork:    true,
	ErrRemoteRateLimit:  true,
	ErrRemoteServer:     true,
}

// AppError represents an application error with code and classification
type AppError struct {
	Code        ErrorCode              `json:"code"`
	Kind        string                 `json:"kind"`
	Message     string                 `json:"message"`
	Detail      string                 `json:"detail,omitempty"`
	Recoverable bool                   `json:"recoverable"`
	Retryable   bool                   `json:"retryable"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Err         error                  `json:"-"` // Original error, not serialized
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误码比较，便于 errors.Is(err, core.NewError(code))
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus returns the HTTP status code for this error
func (e *AppError) HTTPStatus() int {
	return GetHTTPStatus(e.Code)
}

// WithContext 附加上下文字段，返回自身便于链式调用
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a new AppError with the given error code
func NewError(code ErrorCode) *AppError {
	msg, ok := errorMessages[code]
	if !ok {
		msg = errorMessages[ErrUnknown]
	}
	kind, ok := errorKinds[code]
	if !ok {
		kind = errorKinds[ErrUnknown]
	}
	return &AppError{
		Code:        code,
		Kind:        kind,
		Message:     msg,
		Recoverable: recoverableCodes[code],
		Retryable:   retryableCodes[code],
	}
}

// NewErrorWithDetail creates a new AppError with code and detail message
func NewErrorWithDetail(code ErrorCode, detail string) *AppError {
	err := NewError(code)
	err.Detail = detail
	return err
}

// NewErrorWithErr creates a new AppError wrapping an existing error
func NewErrorWithErr(code ErrorCode, err error) *AppError {
	appErr := NewError(code)
	if err != nil {
		appErr.Err = err
		appErr.Detail = err.Error()
	}
	return appErr
}

// IsAppError checks if the given error chain contains an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error chain, returns nil if absent
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsCode 判断错误链中是否包含指定错误码
func IsCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// GetErrorMessage returns the message for an error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return errorMessages[ErrUnknown]
}

// GetHTTPStatus returns the HTTP status code for an error code
func GetHTTPStatus(code ErrorCode) int {
	if status, ok := errorHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
