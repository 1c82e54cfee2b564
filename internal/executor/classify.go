package executor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/whrit/flow-agent-sub011/internal/core"
	"github.com/whrit/flow-agent-sub011/internal/remote"
)

// Classify 把任意错误归类为 *core.AppError
//
// recoverable: 网络重置/超时、截止时间到达、429
// retryable:   recoverable 以及 5xx
func Classify(err error) *core.AppError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return core.NewErrorWithErr(core.ErrTaskTimeout, err)
	case errors.Is(err, context.Canceled):
		return core.NewErrorWithErr(core.ErrTaskCancelled, err)
	}

	if appErr := core.GetAppError(err); appErr != nil {
		return appErr
	}

	var statusErr *remote.StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr)
	}

	if isNetworkError(err) {
		return core.NewErrorWithErr(core.ErrRemoteNetwork, err)
	}

	return core.NewErrorWithErr(core.ErrTaskFailed, err)
}

func classifyStatus(err *remote.StatusError) *core.AppError {
	var appErr *core.AppError
	switch code := err.StatusCode; {
	case code == http.StatusTooManyRequests:
		appErr = core.NewErrorWithErr(core.ErrRemoteRateLimit, err)
		if err.RetryAfter > 0 {
			appErr.WithContext("retry_after_ms", err.RetryAfter.Milliseconds())
		}
	case code == http.StatusRequestTimeout:
		appErr = core.NewErrorWithErr(core.ErrRemoteNetwork, err)
	case code >= 500:
		appErr = core.NewErrorWithErr(core.ErrRemoteServer, err)
	case code >= 400:
		appErr = core.NewErrorWithErr(core.ErrRemoteClient, err)
	default:
		appErr = core.NewErrorWithErr(core.ErrTaskFailed, err)
	}
	return appErr.WithContext("status_code", err.StatusCode)
}

func isNetworkError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
