package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestAppError_Error tests the error message format
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		expected string
	}{
		{
			name:     "error without detail",
			err:      &AppError{Code: ErrPoolTimeout, Message: "连接池获取超时"},
			expected: "[5001] 连接池获取超时",
		},
		{
			name:     "error with detail",
			err:      &AppError{Code: ErrTaskFailed, Message: "任务执行失败", Detail: "boom"},
			expected: "[7004] 任务执行失败: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.err.Error(); result != tt.expected {
				t.Errorf("Error() = %q, want %q", result, tt.expected)
			}
		})
	}
}

// TestNewError_Classification 校验错误码对应的 recoverable/retryable 标记
func TestNewError_Classification(t *testing.T) {
	tests := []struct {
		code        ErrorCode
		kind        string
		recoverable bool
		retryable   bool
	}{
		{ErrPoolTimeout, "POOL_EXHAUSTED_TIMEOUT", true, true},
		{ErrPoolClosed, "POOL_SHUTTING_DOWN", false, false},
		{ErrPoolInvalid, "POOL_INVALID_RELEASE", false, false},
		{ErrPoolDrainTimeout, "POOL_DRAIN_TIMEOUT", false, false},
		{ErrExecutorShutdown, "EXECUTOR_SHUTDOWN", false, false},
		{ErrTaskFailed, "TASK_EXECUTION_ERROR", false, false},
		{ErrTaskTimeout, "TASK_TIMEOUT", true, true},
		{ErrTaskCancelled, "TASK_CANCELLED", false, false},
		{ErrRemoteNetwork, "REMOTE_NETWORK", true, true},
		{ErrRemoteRateLimit, "REMOTE_RATE_LIMITED", true, true},
		{ErrRemoteServer, "REMOTE_SERVER_ERROR", false, true},
		{ErrRemoteClient, "REMOTE_CLIENT_ERROR", false, false},
		{ErrInvalidConfig, "INVALID_CONFIG", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			err := NewError(tt.code)
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.recoverable, err.Recoverable)
			assert.Equal(t, tt.retryable, err.Retryable)
			// 可恢复错误一定可重试
			if err.Recoverable {
				assert.True(t, err.Retryable)
			}
		})
	}
}

func TestNewError_UnknownCode(t *testing.T) {
	err := NewError(ErrorCode(424242))
	assert.Equal(t, "未知错误", err.Message)
	assert.Equal(t, "UNKNOWN", err.Kind)
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
}

func TestAppError_HTTPStatus(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrSuccess, http.StatusOK},
		{ErrInvalidParam, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrPoolTimeout, http.StatusServiceUnavailable},
		{ErrExecutorShutdown, http.StatusServiceUnavailable},
		{ErrTaskTimeout, http.StatusGatewayTimeout},
		{ErrRemoteRateLimit, http.StatusTooManyRequests},
		{ErrRemoteServer, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := NewError(tt.code).HTTPStatus(); got != tt.expected {
			t.Errorf("HTTPStatus(%d) = %d, want %d", tt.code, got, tt.expected)
		}
	}
}

func TestNewErrorWithErr_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewErrorWithErr(ErrRemoteNetwork, cause)

	assert.Equal(t, "connection reset", err.Detail)
	assert.ErrorIs(t, err, cause)

	nilErr := NewErrorWithErr(ErrRemoteNetwork, nil)
	assert.Nil(t, nilErr.Err)
	assert.Empty(t, nilErr.Detail)
}

func TestGetAppError_WrappedChain(t *testing.T) {
	inner := NewError(ErrPoolClosed)
	wrapped := fmt.Errorf("acquire: %w", inner)

	assert.True(t, IsAppError(wrapped))
	assert.Same(t, inner, GetAppError(wrapped))
	assert.True(t, IsCode(wrapped, ErrPoolClosed))
	assert.False(t, IsCode(wrapped, ErrPoolTimeout))
	assert.Nil(t, GetAppError(errors.New("plain")))
	assert.Nil(t, GetAppError(nil))
}

func TestAppError_IsByCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewErrorWithDetail(ErrTaskTimeout, "30s"))
	assert.True(t, errors.Is(err, NewError(ErrTaskTimeout)))
	assert.False(t, errors.Is(err, NewError(ErrTaskFailed)))
}

func TestAppError_WithContext(t *testing.T) {
	err := NewError(ErrTaskFailed).WithContext("task_id", "t-1").WithContext("attempt", 1)
	assert.Equal(t, "t-1", err.Context["task_id"])
	assert.Equal(t, 1, err.Context["attempt"])
}
